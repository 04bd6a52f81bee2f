// Package transport defines the fan-out primitives the chat core consumes.
//
// The core never talks to websockets directly; it addresses named rooms and
// connection IDs through this interface. The production implementation lives
// in internal/notifications; tests substitute a recorder.
package transport

import "strconv"

// Room-naming convention shared by the core and its emitters.

// StreamRoom returns the room name holding every viewer of a stream.
func StreamRoom(streamID string) string {
	return "stream:" + streamID
}

// StreamModeratorsRoom returns the room name for moderator-only broadcasts.
func StreamModeratorsRoom(streamID string) string {
	return "stream:" + streamID + ":moderators"
}

// UserRoom returns the room name used for direct-to-user messages across all
// of the user's devices.
func UserRoom(userID uint) string {
	return "user:" + strconv.FormatUint(uint64(userID), 10)
}

// Emitter is the bidirectional pub/sub connection layer the core drives.
type Emitter interface {
	// JoinRoom attributes a connection to a named room.
	JoinRoom(connID, room string)
	// LeaveRoom removes a connection from a named room.
	LeaveRoom(connID, room string)
	// EmitToConnection sends an event to a single connection.
	EmitToConnection(connID, event string, payload any)
	// EmitToRoom fans an event out to every connection in a room.
	EmitToRoom(room, event string, payload any)
	// DisconnectAllInRoom closes every connection in a room. Used when a
	// stream ends or a user is banned with disconnection.
	DisconnectAllInRoom(room string)
}
