// Package presence owns the in-memory registry of who is watching which
// stream. It is the source of truth for viewer counts and room membership;
// the durable store only ever sees best-effort copies of that state.
package presence

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"streamgate/internal/models"
	"streamgate/internal/observability"
	"streamgate/internal/outbox"
	"streamgate/internal/repository"
	"streamgate/internal/transport"
)

// ViewerInfo is the per-connection record for a room member. UserID 0 means
// the connection is anonymous. Entries are immutable: a re-join creates a new
// entry keyed by the new connection ID.
type ViewerInfo struct {
	ConnectionID string          `json:"connection_id"`
	UserID       uint            `json:"user_id,omitempty"`
	Username     string          `json:"username,omitempty"`
	Role         models.ChatRole `json:"role"`
	JoinedAt     time.Time       `json:"joined_at"`
}

// Anonymous reports whether the viewer joined without authentication.
func (v ViewerInfo) Anonymous() bool { return v.UserID == 0 }

// Room holds the live membership state for one stream.
type Room struct {
	mu         sync.RWMutex
	streamID   string
	ownerID    uint
	createdAt  time.Time
	viewers    map[string]ViewerInfo
	moderators map[uint]struct{}

	// Opaque side-channel blob (live quality/engagement snapshots owned by
	// the embed wrapper). Stored and forwarded, never interpreted.
	sideData json.RawMessage

	seedOnce sync.Once
}

// RoomInfo is a read-only snapshot of a Room.
type RoomInfo struct {
	StreamID    string          `json:"stream_id"`
	OwnerID     uint            `json:"owner_id"`
	CreatedAt   time.Time       `json:"created_at"`
	ViewerCount int             `json:"viewer_count"`
	Viewers     []ViewerInfo    `json:"viewers,omitempty"`
	Moderators  []uint          `json:"moderators,omitempty"`
	SideData    json.RawMessage `json:"side_data,omitempty"`
}

// Manager is the presence registry. One instance coordinates every
// connection in the process; construct it once and inject it.
type Manager struct {
	mu        sync.RWMutex
	rooms     map[string]*Room
	userConns map[uint]map[string]struct{}   // userID -> connection IDs
	connRooms map[string]map[string]struct{} // connID -> stream IDs joined

	streams    repository.StreamRepository
	moderation repository.ModerationRepository
	emitter    transport.Emitter
	outbox     *outbox.Outbox
	logger     *slog.Logger
}

// NewManager creates a presence registry.
func NewManager(
	streams repository.StreamRepository,
	moderation repository.ModerationRepository,
	emitter transport.Emitter,
	ob *outbox.Outbox,
	logger *slog.Logger,
) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		rooms:      make(map[string]*Room),
		userConns:  make(map[uint]map[string]struct{}),
		connRooms:  make(map[string]map[string]struct{}),
		streams:    streams,
		moderation: moderation,
		emitter:    emitter,
		outbox:     ob,
		logger:     logger,
	}
}

// ensureRoom returns the Room for streamID, creating it if needed. Creation
// is compare-and-create under the registry lock, so concurrent joins to a new
// stream agree on a single Room. Moderator seeding runs asynchronously and
// exactly once per Room instance.
func (m *Manager) ensureRoom(ctx context.Context, streamID string) *Room {
	m.mu.RLock()
	room, ok := m.rooms[streamID]
	m.mu.RUnlock()
	if ok {
		return room
	}

	m.mu.Lock()
	room, ok = m.rooms[streamID]
	if !ok {
		room = &Room{
			streamID:   streamID,
			createdAt:  time.Now(),
			viewers:    make(map[string]ViewerInfo),
			moderators: make(map[uint]struct{}),
		}
		m.rooms[streamID] = room
	}
	m.mu.Unlock()

	room.seedOnce.Do(func() {
		go m.seedModerators(streamID, room)
	})
	return room
}

// CreateRoom ensures a Room exists for the stream. Idempotent; the moderator
// set is seeded only on first creation.
func (m *Manager) CreateRoom(ctx context.Context, streamID string) {
	m.ensureRoom(ctx, streamID)
}

// seedModerators loads the stream owner and explicit grants from the durable
// store. Failures are logged and swallowed: a room with an unseeded moderator
// set still works, moderation commands just resolve against the store later.
func (m *Manager) seedModerators(streamID string, room *Room) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := m.streams.GetStreamByID(ctx, streamID)
	if err != nil {
		m.logger.Warn("moderator seeding: stream lookup failed",
			slog.String("stream_id", streamID),
			slog.String("error", err.Error()),
		)
		return
	}

	ids, err := m.moderation.ListModerators(ctx, streamID)
	if err != nil {
		m.logger.Warn("moderator seeding: grant lookup failed",
			slog.String("stream_id", streamID),
			slog.String("error", err.Error()),
		)
		ids = nil
	}

	room.mu.Lock()
	room.ownerID = stream.UserID
	room.moderators[stream.UserID] = struct{}{}
	for _, id := range ids {
		room.moderators[id] = struct{}{}
	}
	room.mu.Unlock()
}

// Join inserts the connection into the stream's room, registers it under the
// user index, and records the viewer session in the durable store. Store
// writes are best-effort and never fail the join.
func (m *Manager) Join(ctx context.Context, viewer ViewerInfo, streamID string) {
	var count int
	for {
		room := m.ensureRoom(ctx, streamID)

		room.mu.Lock()
		room.viewers[viewer.ConnectionID] = viewer
		count = len(room.viewers)
		room.mu.Unlock()

		m.mu.Lock()
		if m.rooms[streamID] != room {
			// A racing last-leave deleted the room between ensureRoom and
			// the insert above. Undo and retry against the registry's
			// current room, otherwise this viewer sits in an orphaned room
			// while the indexes below claim membership.
			m.mu.Unlock()
			room.mu.Lock()
			delete(room.viewers, viewer.ConnectionID)
			room.mu.Unlock()
			continue
		}
		if !viewer.Anonymous() {
			conns, ok := m.userConns[viewer.UserID]
			if !ok {
				conns = make(map[string]struct{})
				m.userConns[viewer.UserID] = conns
			}
			conns[viewer.ConnectionID] = struct{}{}
		}
		joined, ok := m.connRooms[viewer.ConnectionID]
		if !ok {
			joined = make(map[string]struct{})
			m.connRooms[viewer.ConnectionID] = joined
		}
		joined[streamID] = struct{}{}
		m.mu.Unlock()
		break
	}

	m.emitter.JoinRoom(viewer.ConnectionID, transport.StreamRoom(streamID))
	if !viewer.Anonymous() {
		m.emitter.JoinRoom(viewer.ConnectionID, transport.UserRoom(viewer.UserID))
	}
	if viewer.Role.CanModerate() {
		m.emitter.JoinRoom(viewer.ConnectionID, transport.StreamModeratorsRoom(streamID))
	}

	observability.RoomViewers.WithLabelValues(streamID).Set(float64(count))

	if !viewer.Anonymous() {
		userID := viewer.UserID
		connID := viewer.ConnectionID
		joinedAt := viewer.JoinedAt
		m.outbox.Submit("viewer_session_start", func(ctx context.Context) error {
			return m.streams.StartViewerSession(ctx, &models.StreamViewer{
				StreamID:     streamID,
				UserID:       userID,
				ConnectionID: connID,
				JoinedAt:     joinedAt,
			})
		})
	}
	m.publishViewerCount(streamID, count)
}

// Leave removes the connection from the stream's room and cleans up indexes.
// The Room is deleted the instant its viewer set becomes empty.
func (m *Manager) Leave(ctx context.Context, connID, streamID string) {
	m.mu.RLock()
	room, ok := m.rooms[streamID]
	m.mu.RUnlock()
	if !ok {
		return
	}

	room.mu.Lock()
	viewer, present := room.viewers[connID]
	if !present {
		room.mu.Unlock()
		return
	}
	delete(room.viewers, connID)
	count := len(room.viewers)
	room.mu.Unlock()

	m.mu.Lock()
	if joined, ok := m.connRooms[connID]; ok {
		delete(joined, streamID)
		if len(joined) == 0 {
			delete(m.connRooms, connID)
		}
	}
	if !viewer.Anonymous() && len(m.connRooms[connID]) == 0 {
		if conns, ok := m.userConns[viewer.UserID]; ok {
			delete(conns, connID)
			if len(conns) == 0 {
				delete(m.userConns, viewer.UserID)
			}
		}
	}
	if count == 0 {
		// Re-check under the registry lock: a concurrent join may have
		// raced the viewer removal.
		room.mu.RLock()
		empty := len(room.viewers) == 0
		room.mu.RUnlock()
		if empty {
			delete(m.rooms, streamID)
		}
	}
	m.mu.Unlock()

	m.emitter.LeaveRoom(connID, transport.StreamRoom(streamID))
	if viewer.Role.CanModerate() {
		m.emitter.LeaveRoom(connID, transport.StreamModeratorsRoom(streamID))
	}

	observability.RoomViewers.WithLabelValues(streamID).Set(float64(count))

	if !viewer.Anonymous() {
		m.outbox.Submit("viewer_session_end", func(ctx context.Context) error {
			return m.streams.EndViewerSession(ctx, streamID, connID)
		})
	}
	m.publishViewerCount(streamID, count)
}

// HandleDisconnect leaves every room the connection was a member of. Safe to
// call for connections that never joined anything, and safe to race with a
// late message from the same dead connection.
func (m *Manager) HandleDisconnect(ctx context.Context, connID string) {
	m.mu.RLock()
	joined := make([]string, 0, len(m.connRooms[connID]))
	for streamID := range m.connRooms[connID] {
		joined = append(joined, streamID)
	}
	m.mu.RUnlock()

	for _, streamID := range joined {
		m.Leave(ctx, connID, streamID)
	}
}

// publishViewerCount pushes the new count to the room and, best-effort, to
// the durable store.
func (m *Manager) publishViewerCount(streamID string, count int) {
	m.emitter.EmitToRoom(transport.StreamRoom(streamID), "stream:viewer_count", map[string]any{
		"streamId": streamID,
		"count":    count,
	})
	m.outbox.Submit("viewer_count_publish", func(ctx context.Context) error {
		return m.streams.UpdateViewerCount(ctx, streamID, count)
	})
}

// RoomInfo returns a snapshot of the room, or nil when no room exists.
func (m *Manager) RoomInfo(streamID string) *RoomInfo {
	m.mu.RLock()
	room, ok := m.rooms[streamID]
	m.mu.RUnlock()
	if !ok {
		return nil
	}

	room.mu.RLock()
	defer room.mu.RUnlock()

	info := &RoomInfo{
		StreamID:    room.streamID,
		OwnerID:     room.ownerID,
		CreatedAt:   room.createdAt,
		ViewerCount: len(room.viewers),
		Viewers:     make([]ViewerInfo, 0, len(room.viewers)),
		Moderators:  make([]uint, 0, len(room.moderators)),
		SideData:    room.sideData,
	}
	for _, v := range room.viewers {
		info.Viewers = append(info.Viewers, v)
	}
	for id := range room.moderators {
		info.Moderators = append(info.Moderators, id)
	}
	return info
}

// ViewerCount returns the current number of connections in the stream's room.
func (m *Manager) ViewerCount(streamID string) int {
	m.mu.RLock()
	room, ok := m.rooms[streamID]
	m.mu.RUnlock()
	if !ok {
		return 0
	}
	room.mu.RLock()
	defer room.mu.RUnlock()
	return len(room.viewers)
}

// Viewer returns the ViewerInfo for a connection in a stream's room.
func (m *Manager) Viewer(streamID, connID string) (ViewerInfo, bool) {
	m.mu.RLock()
	room, ok := m.rooms[streamID]
	m.mu.RUnlock()
	if !ok {
		return ViewerInfo{}, false
	}
	room.mu.RLock()
	defer room.mu.RUnlock()
	v, ok := room.viewers[connID]
	return v, ok
}

// UserRooms returns the stream IDs the user currently has connections in.
func (m *Manager) UserRooms(userID uint) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	seen := make(map[string]struct{})
	var streams []string
	for connID := range m.userConns[userID] {
		for streamID := range m.connRooms[connID] {
			if _, dup := seen[streamID]; dup {
				continue
			}
			seen[streamID] = struct{}{}
			streams = append(streams, streamID)
		}
	}
	return streams
}

// UserConnections returns the connection IDs currently attributed to a user.
func (m *Manager) UserConnections(userID uint) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conns := make([]string, 0, len(m.userConns[userID]))
	for connID := range m.userConns[userID] {
		conns = append(conns, connID)
	}
	return conns
}

// ActiveStreams returns the stream IDs that currently have at least one viewer.
func (m *Manager) ActiveStreams() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	streams := make([]string, 0, len(m.rooms))
	for id := range m.rooms {
		streams = append(streams, id)
	}
	return streams
}

// IsModerator reports whether the user moderates the stream. Pure in-memory
// read; callers needing durable truth consult the store separately.
func (m *Manager) IsModerator(streamID string, userID uint) bool {
	m.mu.RLock()
	room, ok := m.rooms[streamID]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	room.mu.RLock()
	defer room.mu.RUnlock()
	_, mod := room.moderators[userID]
	return mod
}

// IsOwner reports whether the user owns the stream backing the room.
func (m *Manager) IsOwner(streamID string, userID uint) bool {
	m.mu.RLock()
	room, ok := m.rooms[streamID]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	room.mu.RLock()
	defer room.mu.RUnlock()
	return room.ownerID != 0 && room.ownerID == userID
}

// AddModerator adds the user to the room's moderator set. In-memory only;
// callers persist the grant separately, and only after that write succeeds.
func (m *Manager) AddModerator(streamID string, userID uint) {
	m.mu.RLock()
	room, ok := m.rooms[streamID]
	m.mu.RUnlock()
	if !ok {
		return
	}
	room.mu.Lock()
	room.moderators[userID] = struct{}{}
	room.mu.Unlock()
}

// RemoveModerator removes the user from the room's moderator set.
func (m *Manager) RemoveModerator(streamID string, userID uint) {
	m.mu.RLock()
	room, ok := m.rooms[streamID]
	m.mu.RUnlock()
	if !ok {
		return
	}
	room.mu.Lock()
	delete(room.moderators, userID)
	room.mu.Unlock()
}

// SetSideChannelData attaches an opaque blob to the room. All mutation is
// funneled through this single synchronized path.
func (m *Manager) SetSideChannelData(streamID string, data json.RawMessage) {
	m.mu.RLock()
	room, ok := m.rooms[streamID]
	m.mu.RUnlock()
	if !ok {
		return
	}
	room.mu.Lock()
	room.sideData = data
	room.mu.Unlock()
}

// SideChannelData returns the room's opaque blob, or nil.
func (m *Manager) SideChannelData(streamID string) json.RawMessage {
	m.mu.RLock()
	room, ok := m.rooms[streamID]
	m.mu.RUnlock()
	if !ok {
		return nil
	}
	room.mu.RLock()
	defer room.mu.RUnlock()
	return room.sideData
}

// CloseRoom force-disconnects every connection in the stream's room. Used
// when a stream ends.
func (m *Manager) CloseRoom(ctx context.Context, streamID string) {
	m.emitter.DisconnectAllInRoom(transport.StreamRoom(streamID))
}
