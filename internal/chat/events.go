// Package chat implements slash-command dispatch for stream chat. Every
// command runs authorize, then validate, then act; failures short-circuit to
// an error acknowledgment with no persistence and no broadcast.
package chat

import (
	"encoding/json"
	"time"
)

// Event names produced by the dispatcher.
const (
	EventCommandError   = "chat:command:error"
	EventCommandSuccess = "chat:command:success"
	EventCommandUsage   = "chat:command:usage"
	EventUserModerated  = "chat:user:moderated"
	EventYouModerated   = "chat:you:moderated"
	EventCleared        = "chat:cleared"
	EventPinned         = "chat:message:pinned"
	EventUnpinned       = "chat:message:unpinned"
	EventSlowModeSet    = "chat:slowmode:changed"
)

// Ack is the payload for command error/success/usage acknowledgments.
type Ack struct {
	Message string `json:"message"`
}

// UserModerated is broadcast to the stream room when a sanction lands.
type UserModerated struct {
	UserID      uint      `json:"userId"`
	Username    string    `json:"username"`
	Action      string    `json:"action"`
	ModeratorID uint      `json:"moderatorId"`
	Reason      string    `json:"reason,omitempty"`
	Duration    *int      `json:"duration,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// YouModerated is sent to the sanctioned user's personal room.
type YouModerated struct {
	StreamID  string     `json:"streamId"`
	Action    string     `json:"action"`
	Reason    string     `json:"reason,omitempty"`
	Duration  *int       `json:"duration,omitempty"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

// PinnedMessage is the side-channel record and broadcast payload for a
// pinned chat message.
type PinnedMessage struct {
	Message  string    `json:"message"`
	PinnedBy string    `json:"pinnedBy"`
	PinnedAt time.Time `json:"pinnedAt"`
}

func marshalPinned(p PinnedMessage) (json.RawMessage, error) {
	return json.Marshal(p)
}

// SlowModeChanged is broadcast when a moderator changes the stream's delay.
type SlowModeChanged struct {
	StreamID     string `json:"streamId"`
	DelaySeconds int    `json:"delaySeconds"`
	ChangedBy    string `json:"changedBy"`
}
