package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"streamgate/internal/chat"
	"streamgate/internal/middleware"
	"streamgate/internal/models"
	"streamgate/internal/notifications"
	"streamgate/internal/observability"
	"streamgate/internal/presence"
	"streamgate/internal/ratelimit"
	"streamgate/internal/transport"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"
)

const maxChatMessageLength = 500

// inboundEvent is the client-to-server envelope.
type inboundEvent struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

type joinPayload struct {
	StreamID string `json:"streamId"`
}

type messagePayload struct {
	StreamID string `json:"streamId"`
	Message  string `json:"message"`
}

// chatSession is the per-connection state threaded through every inbound
// event. Events for one session are handled in arrival order because the
// read pump invokes the handler synchronously.
type chatSession struct {
	connID   string
	userID   uint
	username string
	baseRole models.ChatRole
	ip       string
	identity string
}

// ChatWebSocket returns the chat endpoint handler. Runs after
// WebSocketAuthOptional, so an authenticated userID may be in locals.
func (s *Server) ChatWebSocket() fiber.Handler {
	upgrade := func(c *fiber.Ctx) error {
		if !websocket.IsWebSocketUpgrade(c) {
			return fiber.ErrUpgradeRequired
		}
		// The websocket handler runs on a different goroutine without the
		// fasthttp context; capture what it needs in locals.
		c.Locals("clientIP", c.IP())
		return c.Next()
	}

	handler := websocket.New(func(conn *websocket.Conn) {
		sess, err := s.openSession(conn)
		if err != nil {
			s.logger.Warn("websocket session rejected", slog.String("error", err.Error()))
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.ClosePolicyViolation, err.Error()))
			_ = conn.Close()
			return
		}

		client, err := s.hub.Register(sess.connID, sess.userID, conn)
		if err != nil {
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error()))
			_ = conn.Close()
			return
		}

		ctx := middleware.WithConnID(context.Background(), sess.connID)
		client.IncomingHandler = func(_ *notifications.Client, raw []byte) {
			s.handleInbound(ctx, sess, raw)
		}
		s.tracker.ConnectionOpened(ctx, sess.userID)

		go client.WritePump()
		client.ReadPump()

		// Socket is gone; clear room membership everywhere.
		s.tracker.ConnectionClosed(ctx, sess.userID)
		s.presence.HandleDisconnect(ctx, sess.connID)
	})

	return func(c *fiber.Ctx) error {
		if err := upgrade(c); err != nil {
			return err
		}
		return handler(c)
	}
}

// openSession resolves connection identity from the upgrade request.
func (s *Server) openSession(conn *websocket.Conn) (*chatSession, error) {
	sess := &chatSession{
		connID:   uuid.NewString(),
		username: "anonymous",
		baseRole: models.RoleAnonymous,
	}
	if ip, ok := conn.Locals("clientIP").(string); ok {
		sess.ip = ip
	}

	userID, _ := conn.Locals("userID").(uint)
	if userID == 0 {
		// Anonymous traffic is rate-limit keyed by network origin.
		sess.identity = "anon:" + sess.ip
		return sess, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	user, err := s.userRepo.GetByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("resolving user %d: %w", userID, err)
	}

	sess.userID = user.ID
	sess.username = user.Username
	sess.identity = strconv.FormatUint(uint64(user.ID), 10)
	switch user.Role {
	case "admin":
		sess.baseRole = models.RoleAdmin
	case "subscriber":
		sess.baseRole = models.RoleSubscriber
	default:
		sess.baseRole = models.RoleViewer
	}
	return sess, nil
}

// effectiveRole upgrades the session's platform role with stream-scoped
// privileges. Moderator grants can land mid-session, so this is evaluated
// per event, not cached at join.
func (s *Server) effectiveRole(streamID string, sess *chatSession) models.ChatRole {
	if sess.baseRole == models.RoleAdmin {
		return models.RoleAdmin
	}
	if sess.userID != 0 {
		if s.presence.IsOwner(streamID, sess.userID) {
			return models.RoleStreamer
		}
		if s.presence.IsModerator(streamID, sess.userID) {
			return models.RoleModerator
		}
	}
	return sess.baseRole
}

func (s *Server) emitError(connID, message string, extra map[string]any) {
	payload := map[string]any{"message": message}
	for k, v := range extra {
		payload[k] = v
	}
	s.hub.EmitToConnection(connID, "error", payload)
}

func (s *Server) emitRateLimited(sess *chatSession, eventType string, res ratelimit.Result) {
	// Denials feed the limiter's escalation: identities that ignore
	// retryAfter and keep sending end up cooldown-blocked.
	s.limiter.RecordDenial(eventType, sess.identity)
	s.hub.EmitToConnection(sess.connID, "rate_limit_exceeded", map[string]any{
		"eventType":  eventType,
		"reason":     res.Reason,
		"retryAfter": res.RetryAfter,
		"resetTime":  res.ResetTime,
	})
}

// handleInbound routes one client event through the gate pipeline.
func (s *Server) handleInbound(ctx context.Context, sess *chatSession, raw []byte) {
	var event inboundEvent
	if err := json.Unmarshal(raw, &event); err != nil {
		s.emitError(sess.connID, "Invalid message format", nil)
		return
	}
	observability.ChatEventsTotal.WithLabelValues(event.Event).Inc()

	switch event.Event {
	case "chat:join":
		var p joinPayload
		if err := json.Unmarshal(event.Payload, &p); err != nil || p.StreamID == "" {
			s.emitError(sess.connID, "streamId is required", nil)
			return
		}
		s.handleJoin(ctx, sess, p.StreamID)
	case "chat:leave":
		var p joinPayload
		if err := json.Unmarshal(event.Payload, &p); err != nil || p.StreamID == "" {
			s.emitError(sess.connID, "streamId is required", nil)
			return
		}
		s.presence.Leave(ctx, sess.connID, p.StreamID)
	case "chat:message":
		var p messagePayload
		if err := json.Unmarshal(event.Payload, &p); err != nil || p.StreamID == "" {
			s.emitError(sess.connID, "streamId is required", nil)
			return
		}
		s.handleMessage(ctx, sess, p.StreamID, p.Message)
	default:
		s.emitError(sess.connID, fmt.Sprintf("Unknown event: %s", event.Event), nil)
	}
}

func (s *Server) handleJoin(ctx context.Context, sess *chatSession, streamID string) {
	stream, err := s.streamRepo.GetStreamByID(ctx, streamID)
	if err != nil {
		s.emitError(sess.connID, "Stream not found", nil)
		return
	}

	role := s.effectiveRole(streamID, sess)
	if res := s.limiter.CheckLimit(ratelimit.EventJoinStream, sess.identity, role, sess.ip); !res.Allowed {
		s.emitRateLimited(sess, ratelimit.EventJoinStream, res)
		return
	}

	// The persisted delay survives restarts; hydrate the in-memory gate on
	// the room's first join.
	if s.slowMode.Delay(streamID) == 0 && stream.SlowModeDelay > 0 {
		s.slowMode.SetDelay(streamID, stream.SlowModeDelay)
	}

	// Owners joining their own chat get the streamer role immediately, even
	// before the async moderator seeding lands.
	if sess.userID != 0 && sess.userID == stream.UserID {
		role = models.RoleStreamer
	}

	s.presence.Join(ctx, presence.ViewerInfo{
		ConnectionID: sess.connID,
		UserID:       sess.userID,
		Username:     sess.username,
		Role:         role,
		JoinedAt:     time.Now(),
	}, streamID)
	s.limiter.RecordEvent(ratelimit.EventJoinStream, sess.identity, role, sess.ip)

	welcome := map[string]any{
		"streamId":      streamID,
		"viewerCount":   s.presence.ViewerCount(streamID),
		"slowModeDelay": s.slowMode.Delay(streamID),
	}
	if pinned := s.presence.SideChannelData(streamID); pinned != nil {
		welcome["pinnedMessage"] = json.RawMessage(pinned)
	}
	s.hub.EmitToConnection(sess.connID, "chat:joined", welcome)
}

// handleMessage runs the admission pipeline for a chat send: membership,
// moderation, rate-limit check, slow mode, then persist + broadcast, and
// only then the rate-limit commit.
func (s *Server) handleMessage(ctx context.Context, sess *chatSession, streamID, text string) {
	if _, member := s.presence.Viewer(streamID, sess.connID); !member {
		s.emitError(sess.connID, "Join the stream before chatting", nil)
		return
	}

	text = strings.TrimSpace(text)
	if text == "" {
		s.emitError(sess.connID, "Message cannot be empty", nil)
		return
	}
	if len(text) > maxChatMessageLength {
		s.emitError(sess.connID, fmt.Sprintf("Message exceeds %d characters", maxChatMessageLength), nil)
		return
	}

	role := s.effectiveRole(streamID, sess)

	// Sanctions gate commands too; a banned or timed-out user does not get
	// slash commands either.
	decision, err := s.evaluator.CheckCanChat(ctx, streamID, sess.userID)
	if err != nil {
		s.logger.Error("moderation lookup failed",
			slog.String("stream_id", streamID),
			slog.String("error", err.Error()),
		)
		s.emitError(sess.connID, "Failed to send message", nil)
		return
	}
	if !decision.Allowed {
		s.emitError(sess.connID, decision.Reason, map[string]any{
			"action":           decision.Action,
			"remainingSeconds": decision.RemainingSeconds,
			"expiresAt":        decision.ExpiresAt,
		})
		return
	}

	if chat.IsCommand(text) {
		if res := s.limiter.CheckLimit(ratelimit.EventCommand, sess.identity, role, sess.ip); !res.Allowed {
			s.emitRateLimited(sess, ratelimit.EventCommand, res)
			return
		}
		s.dispatcher.Dispatch(ctx, chat.Actor{
			ConnectionID: sess.connID,
			UserID:       sess.userID,
			Username:     sess.username,
			Role:         role,
		}, streamID, text)
		s.limiter.RecordEvent(ratelimit.EventCommand, sess.identity, role, sess.ip)
		return
	}

	if res := s.limiter.CheckLimit(ratelimit.EventChatMessage, sess.identity, role, sess.ip); !res.Allowed {
		s.emitRateLimited(sess, ratelimit.EventChatMessage, res)
		return
	}

	if !s.slowMode.CanSend(sess.identity, streamID, role) {
		remaining := s.slowMode.RemainingTime(sess.identity, streamID)
		s.emitError(sess.connID, fmt.Sprintf("Slow mode is enabled. Wait %d seconds", remaining), map[string]any{
			"remainingSeconds": remaining,
		})
		return
	}

	now := time.Now()
	if sess.userID != 0 {
		userID := sess.userID
		s.outbox.Submit("chat_message_persist", func(ctx context.Context) error {
			return s.streamRepo.CreateStreamMessage(ctx, &models.StreamMessage{
				StreamID: streamID,
				UserID:   userID,
				Content:  text,
			})
		})
	}

	s.emitter.EmitToRoom(transport.StreamRoom(streamID), "chat:message", map[string]any{
		"streamId":  streamID,
		"userId":    sess.userID,
		"username":  sess.username,
		"message":   text,
		"timestamp": now,
	})

	s.limiter.RecordEvent(ratelimit.EventChatMessage, sess.identity, role, sess.ip)
}
