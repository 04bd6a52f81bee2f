package models

// ChatRole is the role a connection acts under inside a single stream's chat.
// It is derived at join time from the platform role, the stream owner, and
// the stream's moderator set.
type ChatRole string

const (
	RoleAnonymous  ChatRole = "anonymous"
	RoleViewer     ChatRole = "viewer"
	RoleSubscriber ChatRole = "subscriber"
	RoleModerator  ChatRole = "moderator"
	RoleStreamer   ChatRole = "streamer"
	RoleAdmin      ChatRole = "admin"
)

// CanModerate reports whether the role carries moderation privileges.
func (r ChatRole) CanModerate() bool {
	return r == RoleModerator || r == RoleStreamer || r == RoleAdmin
}

// BypassesSlowMode reports whether the role is exempt from slow-mode gating.
func (r ChatRole) BypassesSlowMode() bool {
	return r.CanModerate()
}
