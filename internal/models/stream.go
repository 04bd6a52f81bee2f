package models

import "time"

// Stream represents a live stream. IDs are UUID strings so rooms can be
// addressed before the row round-trips through the database.
type Stream struct {
	ID            string     `gorm:"type:uuid;primaryKey" json:"id"`
	UserID        uint       `gorm:"not null;index" json:"user_id"`
	User          User       `gorm:"foreignKey:UserID" json:"user,omitempty"`
	Title         string     `gorm:"size:255;not null" json:"title"`
	Description   string     `gorm:"type:text" json:"description"`
	Category      string     `gorm:"size:100;index" json:"category"`
	IsLive        bool       `gorm:"default:false;index" json:"is_live"`
	ViewerCount   int        `gorm:"default:0" json:"viewer_count"`
	SlowModeDelay int        `gorm:"default:0" json:"slow_mode_delay"` // seconds, 0 = disabled
	StartedAt     *time.Time `json:"started_at,omitempty"`
	EndedAt       *time.Time `json:"ended_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// StreamMessage represents a chat message in a stream.
type StreamMessage struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	StreamID  string    `gorm:"type:uuid;not null;index" json:"stream_id"`
	UserID    uint      `gorm:"not null;index" json:"user_id"`
	User      User      `gorm:"foreignKey:UserID" json:"user,omitempty"`
	Content   string    `gorm:"type:text;not null" json:"content"`
	Deleted   bool      `gorm:"default:false" json:"deleted"`
	CreatedAt time.Time `json:"created_at"`
}

// StreamViewer tracks a viewer session for a stream. Anonymous connections
// are never persisted, so UserID is always set.
type StreamViewer struct {
	ID           uint       `gorm:"primaryKey" json:"id"`
	StreamID     string     `gorm:"type:uuid;not null;index" json:"stream_id"`
	UserID       uint       `gorm:"not null;index" json:"user_id"`
	ConnectionID string     `gorm:"size:64;not null;index" json:"connection_id"`
	JoinedAt     time.Time  `json:"joined_at"`
	LeftAt       *time.Time `json:"left_at,omitempty"`
}

// StreamCategories lists the predefined stream categories.
var StreamCategories = []string{
	"Gaming",
	"Just Chatting",
	"Music",
	"Creative",
	"IRL",
	"Sports",
	"Education",
	"Talk Shows",
}
