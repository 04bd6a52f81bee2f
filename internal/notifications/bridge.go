package notifications

import (
	"context"
	"encoding/json"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const bridgeChannelPrefix = "chat:room:"

// bridgeFrame is the wire shape of one cross-instance room event. Origin
// carries the publishing instance so it can skip its own frames.
type bridgeFrame struct {
	Origin  string          `json:"origin"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Bridge fans room events out to other server instances through Redis
// pub/sub. Each instance publishes its room broadcasts and replays frames
// published elsewhere into its local hub.
type Bridge struct {
	rdb        *redis.Client
	hub        *Hub
	instanceID string
	logger     *slog.Logger
	cancel     context.CancelFunc
}

// NewBridge creates a bridge. Returns nil when Redis is not configured, in
// which case the deployment is single-instance and no bridging happens.
func NewBridge(rdb *redis.Client, hub *Hub, logger *slog.Logger) *Bridge {
	if rdb == nil {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		rdb:        rdb,
		hub:        hub,
		instanceID: uuid.NewString(),
		logger:     logger,
	}
}

// Publish sends one room event to every other instance. Best effort; local
// delivery already happened by the time this is called.
func (b *Bridge) Publish(ctx context.Context, room, event string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		b.logger.Error("marshaling bridge payload failed",
			slog.String("event", event), slog.String("error", err.Error()))
		return
	}
	frame, err := json.Marshal(bridgeFrame{
		Origin:  b.instanceID,
		Event:   event,
		Payload: raw,
	})
	if err != nil {
		return
	}
	if err := b.rdb.Publish(ctx, bridgeChannelPrefix+room, frame).Err(); err != nil {
		b.logger.Warn("publishing bridge frame failed",
			slog.String("room", room), slog.String("error", err.Error()))
	}
}

// Run subscribes to every room channel and replays remote frames into the
// local hub until the context is canceled or Stop is called.
func (b *Bridge) Run(ctx context.Context) {
	ctx, b.cancel = context.WithCancel(ctx)
	go b.subscribeLoop(ctx)
}

// Stop ends the subscriber loop started by Run.
func (b *Bridge) Stop() {
	if b.cancel != nil {
		b.cancel()
	}
}

func (b *Bridge) subscribeLoop(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("bridge subscriber panicked",
				slog.Any("panic", r), slog.String("stack", string(debug.Stack())))
		}
	}()

	for {
		if ctx.Err() != nil {
			return
		}
		pubsub := b.rdb.PSubscribe(ctx, bridgeChannelPrefix+"*")
		ch := pubsub.Channel()

		for msg := range ch {
			b.handleFrame(msg.Channel, []byte(msg.Payload))
		}
		_ = pubsub.Close()

		// The channel closes on connection loss; back off and resubscribe.
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}

func (b *Bridge) handleFrame(channel string, raw []byte) {
	var frame bridgeFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		b.logger.Warn("dropping malformed bridge frame", slog.String("error", err.Error()))
		return
	}
	if frame.Origin == b.instanceID {
		return
	}
	room := strings.TrimPrefix(channel, bridgeChannelPrefix)
	b.hub.EmitToRoom(room, frame.Event, frame.Payload)
}

// BridgedEmitter is a Hub whose room broadcasts are also forwarded to other
// instances. Connection-scoped sends stay local; the owning instance is the
// only one holding the socket.
type BridgedEmitter struct {
	*Hub
	bridge *Bridge
}

// NewBridgedEmitter wraps a hub with cross-instance room fan-out.
func NewBridgedEmitter(hub *Hub, bridge *Bridge) *BridgedEmitter {
	return &BridgedEmitter{Hub: hub, bridge: bridge}
}

// EmitToRoom delivers locally, then forwards to the other instances.
func (e *BridgedEmitter) EmitToRoom(room, event string, payload any) {
	e.Hub.EmitToRoom(room, event, payload)
	if e.bridge != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		e.bridge.Publish(ctx, room, event, payload)
	}
}
