package notifications

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"streamgate/internal/observability"

	"github.com/gofiber/websocket/v2"
)

const (
	// Max connections per authenticated user.
	maxConnsPerUser = 12
	// Max total connections.
	maxTotalConns = 10000
)

// Envelope is the wire shape of every outbound event.
type Envelope struct {
	Event   string `json:"event"`
	Payload any    `json:"payload,omitempty"`
}

// Hub routes events to named rooms of websocket clients. It implements
// transport.Emitter for the chat core.
type Hub struct {
	mu          sync.RWMutex
	clients     map[string]*Client            // connID -> client
	rooms       map[string]map[string]*Client // room -> connID -> client
	clientRooms map[string]map[string]struct{}
	userConns   map[uint]int
	totalConns  int
	closed      bool
	logger      *slog.Logger
}

// NewHub creates a hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients:     make(map[string]*Client),
		rooms:       make(map[string]map[string]*Client),
		clientRooms: make(map[string]map[string]struct{}),
		userConns:   make(map[uint]int),
		logger:      logger,
	}
}

// Name returns a human-readable identifier for this hub.
func (h *Hub) Name() string { return "chat hub" }

// Register admits a connection. Returns an error when the server or per-user
// connection limit is hit; the caller should close the socket.
func (h *Hub) Register(connID string, userID uint, conn *websocket.Conn) (*Client, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, errors.New("hub is shut down")
	}
	if h.totalConns >= maxTotalConns {
		return nil, errors.New("server connection limit reached")
	}
	if userID != 0 && h.userConns[userID] >= maxConnsPerUser {
		return nil, errors.New("user connection limit reached")
	}

	client := NewClient(h, conn, connID, userID)
	h.clients[connID] = client
	h.clientRooms[connID] = make(map[string]struct{})
	if userID != 0 {
		h.userConns[userID]++
	}
	h.totalConns++

	observability.WebSocketConnectionsTotal.Inc()
	return client, nil
}

// UnregisterClient removes a connection from every room and the hub itself.
// Idempotent.
func (h *Hub) UnregisterClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client.ConnID]; !ok {
		return
	}
	for room := range h.clientRooms[client.ConnID] {
		h.removeFromRoomLocked(client.ConnID, room)
	}
	delete(h.clientRooms, client.ConnID)
	delete(h.clients, client.ConnID)
	if client.UserID != 0 {
		if h.userConns[client.UserID]--; h.userConns[client.UserID] <= 0 {
			delete(h.userConns, client.UserID)
		}
	}
	h.totalConns--
	observability.WebSocketConnectionsTotal.Dec()
}

// JoinRoom attributes a connection to a named room. Unknown connections are
// ignored; the registry may race a disconnect.
func (h *Hub) JoinRoom(connID, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	client, ok := h.clients[connID]
	if !ok {
		return
	}
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[string]*Client)
		h.rooms[room] = members
	}
	members[connID] = client
	h.clientRooms[connID][room] = struct{}{}
}

// LeaveRoom removes a connection from a named room.
func (h *Hub) LeaveRoom(connID, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.removeFromRoomLocked(connID, room)
	if joined, ok := h.clientRooms[connID]; ok {
		delete(joined, room)
	}
}

func (h *Hub) removeFromRoomLocked(connID, room string) {
	if members, ok := h.rooms[room]; ok {
		delete(members, connID)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
}

// EmitToConnection sends one event to a single connection.
func (h *Hub) EmitToConnection(connID, event string, payload any) {
	data, err := json.Marshal(Envelope{Event: event, Payload: payload})
	if err != nil {
		h.logger.Error("marshaling event failed", slog.String("event", event), slog.String("error", err.Error()))
		return
	}

	h.mu.RLock()
	client, ok := h.clients[connID]
	h.mu.RUnlock()
	if ok {
		client.TrySend(data)
	}
}

// EmitToRoom fans one event out to every connection in a room. The payload is
// marshaled once.
func (h *Hub) EmitToRoom(room, event string, payload any) {
	data, err := json.Marshal(Envelope{Event: event, Payload: payload})
	if err != nil {
		h.logger.Error("marshaling event failed", slog.String("event", event), slog.String("error", err.Error()))
		return
	}

	h.mu.RLock()
	members := make([]*Client, 0, len(h.rooms[room]))
	for _, c := range h.rooms[room] {
		members = append(members, c)
	}
	h.mu.RUnlock()

	for _, c := range members {
		c.TrySend(data)
	}
}

// DisconnectAllInRoom closes every connection in a room. Used when a stream
// ends.
func (h *Hub) DisconnectAllInRoom(room string) {
	h.mu.RLock()
	members := make([]*Client, 0, len(h.rooms[room]))
	for _, c := range h.rooms[room] {
		members = append(members, c)
	}
	h.mu.RUnlock()

	for _, c := range members {
		if c.Conn != nil {
			_ = c.Conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "Stream ended"))
			_ = c.Conn.Close()
		}
		h.UnregisterClient(c)
	}
}

// RoomSize returns the number of connections in a room.
func (h *Hub) RoomSize(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

// TotalConnections returns the number of registered connections.
func (h *Hub) TotalConnections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.totalConns
}

// Shutdown gracefully closes all websocket connections.
func (h *Hub) Shutdown(_ context.Context) error {
	h.mu.Lock()
	h.closed = true
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[string]*Client)
	h.rooms = make(map[string]map[string]*Client)
	h.clientRooms = make(map[string]map[string]struct{})
	h.userConns = make(map[uint]int)
	h.totalConns = 0
	h.mu.Unlock()

	for _, c := range clients {
		if c.Conn == nil {
			continue
		}
		if err := c.Conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "Server shutting down")); err != nil {
			h.logger.Debug("writing close frame failed", slog.String("conn_id", c.ConnID), slog.String("error", err.Error()))
		}
		if err := c.Conn.Close(); err != nil {
			h.logger.Debug("closing websocket failed", slog.String("conn_id", c.ConnID), slog.String("error", err.Error()))
		}
	}
	return nil
}
