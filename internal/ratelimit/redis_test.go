package ratelimit

import (
	"log/slog"
	"testing"
	"time"

	"streamgate/internal/models"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisLimiter(t *testing.T) (*Limiter, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	backend := NewRedisBackend(rdb, slog.Default())
	require.NotNil(t, backend)

	return NewLimiter(testPolicies(), WithRedisBackend(backend)), mr
}

func TestRedisBackend_WindowSharedThroughRedis(t *testing.T) {
	l, mr := newRedisLimiter(t)

	for i := 0; i < 10; i++ {
		res := send(l, "42", models.RoleViewer, "")
		require.True(t, res.Allowed, "event %d", i+1)
	}

	res := l.CheckLimit(EventChatMessage, "42", models.RoleViewer, "")
	assert.False(t, res.Allowed)
	assert.Equal(t, ReasonWindowExceeded, res.Reason)
	assert.Greater(t, res.RetryAfter, 0)

	// Key expiry in Redis resets the window wholesale.
	mr.FastForward(61 * time.Second)

	res = l.CheckLimit(EventChatMessage, "42", models.RoleViewer, "")
	require.True(t, res.Allowed)
	assert.Equal(t, 10, res.Remaining)
}

func TestRedisBackend_ResetDeletesKeys(t *testing.T) {
	l, mr := newRedisLimiter(t)

	for i := 0; i < 10; i++ {
		send(l, "9", models.RoleViewer, "")
	}
	require.False(t, l.CheckLimit(EventChatMessage, "9", models.RoleViewer, "").Allowed)

	l.ResetLimits("9", "")

	assert.True(t, l.CheckLimit(EventChatMessage, "9", models.RoleViewer, "").Allowed)
	assert.Empty(t, mr.Keys())
}

func TestRedisBackend_FallsBackWhenRedisDown(t *testing.T) {
	l, mr := newRedisLimiter(t)

	require.True(t, send(l, "7", models.RoleViewer, "").Allowed)
	mr.Close()

	// Redis unreachable: the local window takes over, still enforcing.
	for i := 0; i < 10; i++ {
		res := send(l, "7", models.RoleViewer, "")
		require.True(t, res.Allowed, "event %d", i+1)
	}
	assert.False(t, send(l, "7", models.RoleViewer, "").Allowed)
}

func TestRedisBackend_NilClient(t *testing.T) {
	assert.Nil(t, NewRedisBackend(nil, slog.Default()))
}

func TestRedisBackend_PenaltyStaysLocal(t *testing.T) {
	l, mr := newRedisLimiter(t)

	l.ApplyPenalty(EventChatMessage, "13", time.Minute)

	res := l.CheckLimit(EventChatMessage, "13", models.RoleViewer, "")
	assert.False(t, res.Allowed)
	assert.Equal(t, ReasonBlocked, res.Reason)
	assert.Empty(t, mr.Keys(), "blocks never touch the shared store")
}
