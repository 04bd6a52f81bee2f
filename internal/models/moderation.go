package models

import "time"

// Moderation actions recorded against a user in a stream's chat.
const (
	ModerationActionTimeout = "timeout"
	ModerationActionBan     = "ban"
	ModerationActionUnban   = "unban"
)

// ModerationRecord is an append-only fact describing a moderation action.
// The current sanction state for a (stream, user) pair is derived from the
// most recently created record: unbans are new records, never deletions.
type ModerationRecord struct {
	ID          uint       `gorm:"primaryKey" json:"id"`
	StreamID    string     `gorm:"type:uuid;not null;index:idx_moderation_stream_user" json:"stream_id"`
	UserID      uint       `gorm:"not null;index:idx_moderation_stream_user" json:"user_id"`
	ModeratorID uint       `gorm:"not null" json:"moderator_id"`
	Action      string     `gorm:"size:20;not null" json:"action"`
	Reason      string     `gorm:"type:text" json:"reason,omitempty"`
	Duration    *int       `json:"duration,omitempty"` // seconds; nil for permanent bans
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`

	User      *User `gorm:"foreignKey:UserID" json:"user,omitempty"`
	Moderator *User `gorm:"foreignKey:ModeratorID" json:"moderator,omitempty"`
}

// Active reports whether the record still sanctions the user at time now.
// A nil ExpiresAt on a ban means permanent.
func (r *ModerationRecord) Active(now time.Time) bool {
	switch r.Action {
	case ModerationActionBan, ModerationActionTimeout:
		return r.ExpiresAt == nil || r.ExpiresAt.After(now)
	default:
		return false
	}
}

// StreamModerator is an explicit moderator grant for a stream. The stream
// owner is a moderator implicitly and never has a row here.
type StreamModerator struct {
	StreamID    string    `gorm:"type:uuid;primaryKey;autoIncrement:false" json:"stream_id"`
	UserID      uint      `gorm:"primaryKey;autoIncrement:false" json:"user_id"`
	GrantedByID uint      `gorm:"not null" json:"granted_by_id"`
	CreatedAt   time.Time `json:"created_at"`

	User      *User `gorm:"foreignKey:UserID" json:"user,omitempty"`
	GrantedBy *User `gorm:"foreignKey:GrantedByID" json:"granted_by,omitempty"`
}

// TableName specifies the table name for GORM.
func (StreamModerator) TableName() string {
	return "stream_moderators"
}
