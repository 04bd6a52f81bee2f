package slowmode

import (
	"sync"
	"testing"
	"time"

	"streamgate/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestManager() (*Manager, *fakeClock) {
	clock := newFakeClock()
	return NewManager(WithClock(clock.Now)), clock
}

const streamID = "11111111-2222-3333-4444-555555555555"

func TestManager_DisabledStreamAdmitsEverything(t *testing.T) {
	m, _ := newTestManager()

	for i := 0; i < 20; i++ {
		assert.True(t, m.CanSend("u1", streamID, models.RoleViewer))
	}
	assert.Zero(t, m.RemainingTime("u1", streamID))
}

func TestManager_EnforcesDelayBetweenMessages(t *testing.T) {
	m, clock := newTestManager()
	m.SetDelay(streamID, 30)

	require.True(t, m.CanSend("u1", streamID, models.RoleViewer), "first message always passes")
	assert.False(t, m.CanSend("u1", streamID, models.RoleViewer))
	assert.Equal(t, 30, m.RemainingTime("u1", streamID))

	clock.Advance(10 * time.Second)
	assert.False(t, m.CanSend("u1", streamID, models.RoleViewer))
	assert.Equal(t, 20, m.RemainingTime("u1", streamID))

	clock.Advance(20 * time.Second)
	assert.True(t, m.CanSend("u1", streamID, models.RoleViewer))
}

func TestManager_DeniedAttemptDoesNotResetWindow(t *testing.T) {
	m, clock := newTestManager()
	m.SetDelay(streamID, 30)

	require.True(t, m.CanSend("u1", streamID, models.RoleViewer))

	// Hammering retries must not push the wait further out.
	for i := 0; i < 5; i++ {
		clock.Advance(5 * time.Second)
		assert.False(t, m.CanSend("u1", streamID, models.RoleViewer))
	}

	clock.Advance(5 * time.Second)
	assert.True(t, m.CanSend("u1", streamID, models.RoleViewer),
		"30s after the admitted message, not after the last retry")
}

func TestManager_SendersAreIndependent(t *testing.T) {
	m, _ := newTestManager()
	m.SetDelay(streamID, 30)

	require.True(t, m.CanSend("u1", streamID, models.RoleViewer))
	assert.True(t, m.CanSend("u2", streamID, models.RoleViewer),
		"one sender's timestamp never gates another")
}

func TestManager_StreamsAreIndependent(t *testing.T) {
	m, _ := newTestManager()
	other := "99999999-8888-7777-6666-555555555555"
	m.SetDelay(streamID, 30)

	require.True(t, m.CanSend("u1", streamID, models.RoleViewer))
	assert.True(t, m.CanSend("u1", other, models.RoleViewer),
		"no delay configured on the other stream")
}

func TestManager_PrivilegedRolesBypass(t *testing.T) {
	m, _ := newTestManager()
	m.SetDelay(streamID, 300)

	for _, role := range []models.ChatRole{models.RoleModerator, models.RoleStreamer, models.RoleAdmin} {
		for i := 0; i < 5; i++ {
			assert.True(t, m.CanSend("mod", streamID, role), "role %s bypasses slow mode", role)
		}
	}
}

func TestManager_DisablePurgesTimestamps(t *testing.T) {
	m, _ := newTestManager()
	m.SetDelay(streamID, 60)

	require.True(t, m.CanSend("u1", streamID, models.RoleViewer))
	require.False(t, m.CanSend("u1", streamID, models.RoleViewer))

	m.SetDelay(streamID, 0)
	assert.Zero(t, m.Delay(streamID))
	assert.Zero(t, m.RemainingTime("u1", streamID))

	// Re-enable starts from a clean slate; the stale timestamp is gone.
	m.SetDelay(streamID, 60)
	assert.True(t, m.CanSend("u1", streamID, models.RoleViewer))
}

func TestManager_NegativeDelayDisables(t *testing.T) {
	m, _ := newTestManager()
	m.SetDelay(streamID, -5)
	assert.Zero(t, m.Delay(streamID))
	assert.True(t, m.CanSend("u1", streamID, models.RoleViewer))
	assert.True(t, m.CanSend("u1", streamID, models.RoleViewer))
}
