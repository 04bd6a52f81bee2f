package presence

import (
	"context"
	"encoding/json"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"streamgate/internal/database"
	"streamgate/internal/models"
	"streamgate/internal/outbox"
	"streamgate/internal/repository"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// recordingEmitter captures emitter calls for assertions.
type recordingEmitter struct {
	mu     sync.Mutex
	joins  map[string][]string // connID -> rooms
	leaves map[string][]string
	events []emittedEvent
}

type emittedEvent struct {
	Target string // room or connection ID
	Event  string
	ToRoom bool
}

func newRecordingEmitter() *recordingEmitter {
	return &recordingEmitter{
		joins:  make(map[string][]string),
		leaves: make(map[string][]string),
	}
}

func (r *recordingEmitter) JoinRoom(connID, room string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.joins[connID] = append(r.joins[connID], room)
}

func (r *recordingEmitter) LeaveRoom(connID, room string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leaves[connID] = append(r.leaves[connID], room)
}

func (r *recordingEmitter) EmitToConnection(connID, event string, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, emittedEvent{Target: connID, Event: event})
}

func (r *recordingEmitter) EmitToRoom(room, event string, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, emittedEvent{Target: room, Event: event, ToRoom: true})
}

func (r *recordingEmitter) DisconnectAllInRoom(room string) {}

func (r *recordingEmitter) joinedRooms(connID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.joins[connID]...)
}

type testEnv struct {
	manager *Manager
	emitter *recordingEmitter
	streams repository.StreamRepository
	mods    repository.ModerationRepository
	db      *gorm.DB
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	path := filepath.Join(t.TempDir(), "presence_test.db")
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))

	streams := repository.NewStreamRepository(db)
	mods := repository.NewModerationRepository(db)
	emitter := newRecordingEmitter()
	ob := outbox.New(64, 2, slog.Default())
	t.Cleanup(ob.Close)

	return &testEnv{
		manager: NewManager(streams, mods, emitter, ob, slog.Default()),
		emitter: emitter,
		streams: streams,
		mods:    mods,
		db:      db,
	}
}

func (e *testEnv) seedStream(t *testing.T, ownerID uint) string {
	t.Helper()
	stream := &models.Stream{ID: uuid.NewString(), UserID: ownerID, Title: "presence test"}
	require.NoError(t, e.streams.CreateStream(context.Background(), stream))
	return stream.ID
}

func viewer(userID uint, role models.ChatRole) ViewerInfo {
	return ViewerInfo{
		ConnectionID: uuid.NewString(),
		UserID:       userID,
		Role:         role,
		JoinedAt:     time.Now(),
	}
}

func TestManager_RoomLifecycle(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	streamID := env.seedStream(t, 1)

	assert.Equal(t, 0, env.manager.ViewerCount(streamID))
	assert.Empty(t, env.manager.ActiveStreams())

	v := viewer(2, models.RoleViewer)
	env.manager.Join(ctx, v, streamID)

	assert.Equal(t, 1, env.manager.ViewerCount(streamID))
	assert.Equal(t, []string{streamID}, env.manager.ActiveStreams())

	env.manager.Leave(ctx, v.ConnectionID, streamID)

	assert.Equal(t, 0, env.manager.ViewerCount(streamID))
	assert.Empty(t, env.manager.ActiveStreams(), "room is gone once the last viewer leaves")
	assert.Nil(t, env.manager.RoomInfo(streamID))
}

func TestManager_JoinRegistersTransportRooms(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	streamID := env.seedStream(t, 1)

	mod := viewer(9, models.RoleModerator)
	env.manager.Join(ctx, mod, streamID)

	rooms := env.emitter.joinedRooms(mod.ConnectionID)
	assert.Contains(t, rooms, "stream:"+streamID)
	assert.Contains(t, rooms, "user:9")
	assert.Contains(t, rooms, "stream:"+streamID+":moderators")

	anon := viewer(0, models.RoleAnonymous)
	env.manager.Join(ctx, anon, streamID)

	rooms = env.emitter.joinedRooms(anon.ConnectionID)
	assert.Equal(t, []string{"stream:" + streamID}, rooms,
		"anonymous connections only join the stream room")
}

func TestManager_AnonymousNeverInUserIndex(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	streamID := env.seedStream(t, 1)

	anon := viewer(0, models.RoleAnonymous)
	env.manager.Join(ctx, anon, streamID)

	assert.Empty(t, env.manager.UserConnections(0))
	assert.Equal(t, 1, env.manager.ViewerCount(streamID))
}

func TestManager_UserIndexTracksMultipleConnections(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	streamA := env.seedStream(t, 1)
	streamB := env.seedStream(t, 1)

	phone := viewer(4, models.RoleViewer)
	laptop := viewer(4, models.RoleViewer)
	env.manager.Join(ctx, phone, streamA)
	env.manager.Join(ctx, laptop, streamB)

	assert.ElementsMatch(t,
		[]string{phone.ConnectionID, laptop.ConnectionID},
		env.manager.UserConnections(4))
	assert.ElementsMatch(t, []string{streamA, streamB}, env.manager.UserRooms(4))

	env.manager.Leave(ctx, phone.ConnectionID, streamA)

	assert.Equal(t, []string{laptop.ConnectionID}, env.manager.UserConnections(4))
	assert.Equal(t, []string{streamB}, env.manager.UserRooms(4))
}

func TestManager_HandleDisconnectCleansEverything(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	streamA := env.seedStream(t, 1)
	streamB := env.seedStream(t, 1)

	v := viewer(6, models.RoleSubscriber)
	env.manager.Join(ctx, v, streamA)
	env.manager.Join(ctx, v, streamB)

	env.manager.HandleDisconnect(ctx, v.ConnectionID)

	assert.Equal(t, 0, env.manager.ViewerCount(streamA))
	assert.Equal(t, 0, env.manager.ViewerCount(streamB))
	assert.Empty(t, env.manager.UserConnections(6))
	assert.Empty(t, env.manager.ActiveStreams())

	// A straggler disconnect for the same connection is a no-op.
	env.manager.HandleDisconnect(ctx, v.ConnectionID)
}

func TestManager_LeaveUnknownConnectionIsNoOp(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	streamID := env.seedStream(t, 1)

	env.manager.Leave(ctx, uuid.NewString(), streamID)
	env.manager.Leave(ctx, uuid.NewString(), uuid.NewString())

	v := viewer(2, models.RoleViewer)
	env.manager.Join(ctx, v, streamID)
	env.manager.Leave(ctx, uuid.NewString(), streamID)
	assert.Equal(t, 1, env.manager.ViewerCount(streamID), "unknown leave must not evict others")
}

func TestManager_ModeratorSeeding(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	streamID := env.seedStream(t, 10)

	require.NoError(t, env.mods.AddModerator(ctx, &models.StreamModerator{
		StreamID:    streamID,
		UserID:      20,
		GrantedByID: 10,
	}))

	v := viewer(2, models.RoleViewer)
	env.manager.Join(ctx, v, streamID)

	require.Eventually(t, func() bool {
		return env.manager.IsModerator(streamID, 10) && env.manager.IsModerator(streamID, 20)
	}, 2*time.Second, 10*time.Millisecond, "owner and granted moderators seed asynchronously")

	assert.True(t, env.manager.IsOwner(streamID, 10))
	assert.False(t, env.manager.IsOwner(streamID, 20))
	assert.False(t, env.manager.IsModerator(streamID, 2))
}

func TestManager_ModeratorSetMutation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	streamID := env.seedStream(t, 1)

	env.manager.Join(ctx, viewer(2, models.RoleViewer), streamID)

	env.manager.AddModerator(streamID, 33)
	assert.True(t, env.manager.IsModerator(streamID, 33))

	env.manager.RemoveModerator(streamID, 33)
	assert.False(t, env.manager.IsModerator(streamID, 33))
}

func TestManager_SideChannelData(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	streamID := env.seedStream(t, 1)

	assert.Nil(t, env.manager.SideChannelData(streamID), "no room, no data")

	env.manager.Join(ctx, viewer(2, models.RoleViewer), streamID)

	blob := json.RawMessage(`{"bitrate":6000,"dropped_frames":2}`)
	env.manager.SetSideChannelData(streamID, blob)
	assert.JSONEq(t, string(blob), string(env.manager.SideChannelData(streamID)))

	info := env.manager.RoomInfo(streamID)
	require.NotNil(t, info)
	assert.JSONEq(t, string(blob), string(info.SideData))
}

func TestManager_ViewerCountEventsAndPersistence(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	streamID := env.seedStream(t, 1)

	v := viewer(5, models.RoleViewer)
	env.manager.Join(ctx, v, streamID)
	env.manager.Leave(ctx, v.ConnectionID, streamID)

	env.emitter.mu.Lock()
	var countEvents int
	for _, e := range env.emitter.events {
		if e.Event == "stream:viewer_count" && e.ToRoom {
			countEvents++
		}
	}
	env.emitter.mu.Unlock()
	assert.Equal(t, 2, countEvents, "join and leave each publish the new count")

	// Session rows drain through the outbox; poll the store.
	require.Eventually(t, func() bool {
		var row models.StreamViewer
		err := env.db.Where("connection_id = ?", v.ConnectionID).First(&row).Error
		return err == nil && row.LeftAt != nil
	}, 2*time.Second, 10*time.Millisecond)
}

func TestManager_JoinRacingLastLeave(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	streamID := env.seedStream(t, 1)

	// A join landing between another connection's last-leave and the room
	// deletion must end up in the registry's room, not an orphaned one that
	// leaves the user index pointing at nothing.
	for i := 0; i < 200; i++ {
		a := viewer(7, models.RoleViewer)
		b := viewer(8, models.RoleViewer)
		env.manager.Join(ctx, a, streamID)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			env.manager.Leave(ctx, a.ConnectionID, streamID)
		}()
		go func() {
			defer wg.Done()
			env.manager.Join(ctx, b, streamID)
		}()
		wg.Wait()

		_, member := env.manager.Viewer(streamID, b.ConnectionID)
		require.True(t, member, "iteration %d: fresh join lost to a racing room deletion", i)
		require.Equal(t, []string{streamID}, env.manager.UserRooms(8))

		env.manager.Leave(ctx, b.ConnectionID, streamID)
	}

	assert.Empty(t, env.manager.UserConnections(7))
	assert.Empty(t, env.manager.UserConnections(8))
	assert.Empty(t, env.manager.ActiveStreams())
}

func TestManager_ConcurrentJoinLeave(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	streamID := env.seedStream(t, 1)

	const n = 32
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v := viewer(uint(100+i), models.RoleViewer)
			env.manager.Join(ctx, v, streamID)
			env.manager.Leave(ctx, v.ConnectionID, streamID)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 0, env.manager.ViewerCount(streamID))
	assert.Empty(t, env.manager.ActiveStreams())
}
