package chat

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"streamgate/internal/database"
	"streamgate/internal/models"
	"streamgate/internal/outbox"
	"streamgate/internal/presence"
	"streamgate/internal/repository"
	"streamgate/internal/slowmode"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type recordedEmit struct {
	Target  string
	Event   string
	Payload any
	ToRoom  bool
}

type recordingEmitter struct {
	mu    sync.Mutex
	emits []recordedEmit
}

func (r *recordingEmitter) JoinRoom(connID, room string)  {}
func (r *recordingEmitter) LeaveRoom(connID, room string) {}
func (r *recordingEmitter) DisconnectAllInRoom(room string) {
}

func (r *recordingEmitter) EmitToConnection(connID, event string, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.emits = append(r.emits, recordedEmit{Target: connID, Event: event, Payload: payload})
}

func (r *recordingEmitter) EmitToRoom(room, event string, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.emits = append(r.emits, recordedEmit{Target: room, Event: event, Payload: payload, ToRoom: true})
}

func (r *recordingEmitter) find(event string) (recordedEmit, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.emits {
		if e.Event == event {
			return e, true
		}
	}
	return recordedEmit{}, false
}

func (r *recordingEmitter) count(event string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int
	for _, e := range r.emits {
		if e.Event == event {
			n++
		}
	}
	return n
}

type dispatchEnv struct {
	dispatcher *Dispatcher
	presence   *presence.Manager
	emitter    *recordingEmitter
	slowMode   *slowmode.Manager
	streams    repository.StreamRepository
	moderation repository.ModerationRepository
	streamID   string

	owner  Actor
	mod    Actor
	viewer Actor
}

func newDispatchEnv(t *testing.T) *dispatchEnv {
	t.Helper()

	path := filepath.Join(t.TempDir(), "chat_test.db")
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))

	ctx := context.Background()
	users := repository.NewUserRepository(db)
	streams := repository.NewStreamRepository(db)
	moderation := repository.NewModerationRepository(db)

	// Users: 1 streamer, 2 moderator, 3 viewer, 4 extra target.
	for _, u := range []*models.User{
		{Username: "streamer", Email: "s@example.com", PasswordHash: "x"},
		{Username: "modly", Email: "m@example.com", PasswordHash: "x"},
		{Username: "bob", Email: "b@example.com", PasswordHash: "x"},
		{Username: "eve", Email: "e@example.com", PasswordHash: "x"},
	} {
		require.NoError(t, users.Create(ctx, u))
	}

	stream := &models.Stream{ID: uuid.NewString(), UserID: 1, Title: "dispatch test"}
	require.NoError(t, streams.CreateStream(ctx, stream))
	require.NoError(t, moderation.AddModerator(ctx, &models.StreamModerator{
		StreamID: stream.ID, UserID: 2, GrantedByID: 1,
	}))

	emitter := &recordingEmitter{}
	ob := outbox.New(64, 2, slog.Default())
	t.Cleanup(ob.Close)

	pm := presence.NewManager(streams, moderation, emitter, ob, slog.Default())
	sm := slowmode.NewManager()
	dispatcher := NewDispatcher(pm, emitter, users, streams, moderation, sm, slog.Default())

	env := &dispatchEnv{
		dispatcher: dispatcher,
		presence:   pm,
		emitter:    emitter,
		slowMode:   sm,
		streams:    streams,
		moderation: moderation,
		streamID:   stream.ID,
		owner:      Actor{ConnectionID: uuid.NewString(), UserID: 1, Username: "streamer", Role: models.RoleStreamer},
		mod:        Actor{ConnectionID: uuid.NewString(), UserID: 2, Username: "modly", Role: models.RoleModerator},
		viewer:     Actor{ConnectionID: uuid.NewString(), UserID: 3, Username: "bob", Role: models.RoleViewer},
	}

	// Populate the room and wait for the moderator set to seed.
	pm.Join(ctx, presence.ViewerInfo{ConnectionID: env.owner.ConnectionID, UserID: 1, Username: "streamer", Role: models.RoleStreamer, JoinedAt: time.Now()}, stream.ID)
	pm.Join(ctx, presence.ViewerInfo{ConnectionID: env.viewer.ConnectionID, UserID: 3, Username: "bob", Role: models.RoleViewer, JoinedAt: time.Now()}, stream.ID)
	require.Eventually(t, func() bool {
		return pm.IsOwner(stream.ID, 1) && pm.IsModerator(stream.ID, 2)
	}, 2*time.Second, 10*time.Millisecond)

	return env
}

func TestDispatcher_IsCommand(t *testing.T) {
	assert.True(t, IsCommand("/ban bob"))
	assert.True(t, IsCommand("  /help"))
	assert.False(t, IsCommand("hello /everyone"))
	assert.False(t, IsCommand(""))
}

func TestDispatcher_UnauthorizedViewerRejected(t *testing.T) {
	env := newDispatchEnv(t)
	ctx := context.Background()

	for _, cmd := range []string{"/ban eve", "/timeout eve 60", "/slowmode 30", "/clear", "/pin hi", "/mod eve"} {
		env.dispatcher.Dispatch(ctx, env.viewer, env.streamID, cmd)
	}

	assert.Equal(t, 6, env.emitter.count(EventCommandError))
	assert.Zero(t, env.emitter.count(EventUserModerated), "no broadcast without authorization")

	latest, err := env.moderation.LatestRecord(ctx, env.streamID, 4)
	require.NoError(t, err)
	assert.Nil(t, latest, "no record persisted without authorization")
}

func TestDispatcher_TimeoutHappyPath(t *testing.T) {
	env := newDispatchEnv(t)
	ctx := context.Background()

	env.dispatcher.Dispatch(ctx, env.mod, env.streamID, "/timeout bob 60 calm down")

	record, err := env.moderation.LatestRecord(ctx, env.streamID, 3)
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, models.ModerationActionTimeout, record.Action)
	assert.Equal(t, "calm down", record.Reason)
	require.NotNil(t, record.Duration)
	assert.Equal(t, 60, *record.Duration)
	require.NotNil(t, record.ExpiresAt)

	roomEvent, ok := env.emitter.find(EventUserModerated)
	require.True(t, ok)
	assert.Equal(t, "stream:"+env.streamID, roomEvent.Target)
	payload := roomEvent.Payload.(UserModerated)
	assert.Equal(t, uint(3), payload.UserID)
	assert.Equal(t, "bob", payload.Username)
	assert.Equal(t, uint(2), payload.ModeratorID)

	personal, ok := env.emitter.find(EventYouModerated)
	require.True(t, ok)
	assert.Equal(t, "user:3", personal.Target)

	_, ok = env.emitter.find(EventCommandSuccess)
	assert.True(t, ok)
}

func TestDispatcher_TimeoutDefaultsAndValidation(t *testing.T) {
	env := newDispatchEnv(t)
	ctx := context.Background()

	env.dispatcher.Dispatch(ctx, env.mod, env.streamID, "/timeout bob")
	record, err := env.moderation.LatestRecord(ctx, env.streamID, 3)
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, defaultTimeoutSeconds, *record.Duration)

	env.dispatcher.Dispatch(ctx, env.mod, env.streamID, "/timeout eve 999999")
	_, ok := env.emitter.find(EventCommandUsage)
	assert.True(t, ok, "out-of-range duration yields a usage hint")

	latest, err := env.moderation.LatestRecord(ctx, env.streamID, 4)
	require.NoError(t, err)
	assert.Nil(t, latest, "validation failure persists nothing")
}

func TestDispatcher_BanAndUnban(t *testing.T) {
	env := newDispatchEnv(t)
	ctx := context.Background()

	env.dispatcher.Dispatch(ctx, env.mod, env.streamID, "/ban bob spamming links")

	record, err := env.moderation.LatestRecord(ctx, env.streamID, 3)
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, models.ModerationActionBan, record.Action)
	assert.Nil(t, record.ExpiresAt, "ban is permanent")
	assert.Equal(t, "spamming links", record.Reason)

	env.dispatcher.Dispatch(ctx, env.mod, env.streamID, "/unban bob")

	record, err = env.moderation.LatestRecord(ctx, env.streamID, 3)
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, models.ModerationActionUnban, record.Action)
}

func TestDispatcher_SlowModeRoundTrip(t *testing.T) {
	env := newDispatchEnv(t)
	ctx := context.Background()

	env.dispatcher.Dispatch(ctx, env.mod, env.streamID, "/slowmode 30")

	assert.Equal(t, 30, env.slowMode.Delay(env.streamID))
	stream, err := env.streams.GetStreamByID(ctx, env.streamID)
	require.NoError(t, err)
	assert.Equal(t, 30, stream.SlowModeDelay)

	change, ok := env.emitter.find(EventSlowModeSet)
	require.True(t, ok)
	assert.Equal(t, 30, change.Payload.(SlowModeChanged).DelaySeconds)

	env.dispatcher.Dispatch(ctx, env.mod, env.streamID, "/slowmode off")
	assert.Zero(t, env.slowMode.Delay(env.streamID))

	env.dispatcher.Dispatch(ctx, env.mod, env.streamID, "/slowmode 99999")
	_, ok = env.emitter.find(EventCommandUsage)
	assert.True(t, ok)
}

func TestDispatcher_ClearTombstonesMessages(t *testing.T) {
	env := newDispatchEnv(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, env.streams.CreateStreamMessage(ctx, &models.StreamMessage{
			StreamID: env.streamID, UserID: 3, Content: "hi",
		}))
	}

	env.dispatcher.Dispatch(ctx, env.mod, env.streamID, "/clear")

	messages, err := env.streams.GetStreamMessages(ctx, env.streamID, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, messages)

	_, ok := env.emitter.find(EventCleared)
	assert.True(t, ok)
}

func TestDispatcher_PinAndUnpin(t *testing.T) {
	env := newDispatchEnv(t)
	ctx := context.Background()

	env.dispatcher.Dispatch(ctx, env.mod, env.streamID, "/pin welcome to the stream")

	data := env.presence.SideChannelData(env.streamID)
	require.NotNil(t, data)
	assert.Contains(t, string(data), "welcome to the stream")
	assert.Contains(t, string(data), "modly")

	_, ok := env.emitter.find(EventPinned)
	assert.True(t, ok)

	env.dispatcher.Dispatch(ctx, env.mod, env.streamID, "/unpin")
	assert.Nil(t, env.presence.SideChannelData(env.streamID))
	_, ok = env.emitter.find(EventUnpinned)
	assert.True(t, ok)
}

func TestDispatcher_ModGrantIsOwnerOnly(t *testing.T) {
	env := newDispatchEnv(t)
	ctx := context.Background()

	// A moderator cannot mint moderators.
	env.dispatcher.Dispatch(ctx, env.mod, env.streamID, "/mod eve")
	assert.False(t, env.presence.IsModerator(env.streamID, 4))
	_, ok := env.emitter.find(EventCommandError)
	assert.True(t, ok)

	env.dispatcher.Dispatch(ctx, env.owner, env.streamID, "/mod eve")
	assert.True(t, env.presence.IsModerator(env.streamID, 4))

	ids, err := env.moderation.ListModerators(ctx, env.streamID)
	require.NoError(t, err)
	assert.Contains(t, ids, uint(4), "grant is persisted, not memory-only")

	env.dispatcher.Dispatch(ctx, env.owner, env.streamID, "/unmod eve")
	assert.False(t, env.presence.IsModerator(env.streamID, 4))

	ids, err = env.moderation.ListModerators(ctx, env.streamID)
	require.NoError(t, err)
	assert.NotContains(t, ids, uint(4))
}

func TestDispatcher_TargetGuards(t *testing.T) {
	env := newDispatchEnv(t)
	ctx := context.Background()

	env.dispatcher.Dispatch(ctx, env.mod, env.streamID, "/ban modly")
	e, ok := env.emitter.find(EventCommandError)
	require.True(t, ok)
	assert.Equal(t, "You cannot target yourself", e.Payload.(Ack).Message)

	env.dispatcher.Dispatch(ctx, env.mod, env.streamID, "/ban streamer")
	assert.Equal(t, 2, env.emitter.count(EventCommandError), "the streamer cannot be moderated")

	env.dispatcher.Dispatch(ctx, env.mod, env.streamID, "/ban nobody_here")
	assert.Equal(t, 3, env.emitter.count(EventCommandError))
}

func TestDispatcher_ReadOnlyCommands(t *testing.T) {
	env := newDispatchEnv(t)
	ctx := context.Background()

	env.dispatcher.Dispatch(ctx, env.viewer, env.streamID, "/help")
	env.dispatcher.Dispatch(ctx, env.viewer, env.streamID, "/viewers")
	env.dispatcher.Dispatch(ctx, env.viewer, env.streamID, "/uptime")

	assert.Equal(t, 3, env.emitter.count(EventCommandSuccess),
		"read-only commands are open to every chatter")

	v, _ := env.emitter.find(EventCommandSuccess)
	assert.Contains(t, v.Payload.(Ack).Message, "/timeout")
}

func TestDispatcher_UptimeLiveStream(t *testing.T) {
	env := newDispatchEnv(t)
	ctx := context.Background()

	require.NoError(t, env.streams.SetStreamLive(ctx, env.streamID, true))

	env.dispatcher.Dispatch(ctx, env.viewer, env.streamID, "/uptime")
	e, ok := env.emitter.find(EventCommandSuccess)
	require.True(t, ok)
	assert.Contains(t, e.Payload.(Ack).Message, "live for")
}

func TestDispatcher_UnknownCommand(t *testing.T) {
	env := newDispatchEnv(t)

	env.dispatcher.Dispatch(context.Background(), env.viewer, env.streamID, "/dance")
	e, ok := env.emitter.find(EventCommandError)
	require.True(t, ok)
	assert.Equal(t, "Unknown command: /dance", e.Payload.(Ack).Message)
}
