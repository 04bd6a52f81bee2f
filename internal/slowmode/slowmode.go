// Package slowmode enforces a per-stream minimum interval between messages
// from the same sender. It is independent of the rate limiter: slow-mode is a
// per-room pacing knob moderators flip at will, not an abuse control.
package slowmode

import (
	"math"
	"sync"
	"time"

	"streamgate/internal/models"
	"streamgate/internal/observability"
)

// Manager tracks slow-mode delays and last-message timestamps. One instance
// serves every stream in the process.
type Manager struct {
	mu     sync.RWMutex
	delays map[string]int // streamID -> delay seconds, absent means disabled
	last   map[string]map[string]time.Time
	now    func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the manager's time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a slow-mode manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		delays: make(map[string]int),
		last:   make(map[string]map[string]time.Time),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetDelay sets the stream's slow-mode delay in seconds. Zero disables the
// gate and purges every timestamp recorded for the stream, so a later
// re-enable starts clean. Negative values are clamped to zero.
func (m *Manager) SetDelay(streamID string, seconds int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if seconds <= 0 {
		delete(m.delays, streamID)
		delete(m.last, streamID)
		return
	}
	m.delays[streamID] = seconds
}

// Delay returns the stream's slow-mode delay, zero when disabled.
func (m *Manager) Delay(streamID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.delays[streamID]
}

// CanSend reports whether the sender may post now. Moderators, streamers,
// and admins always pass. On admission the sender's timestamp is updated; a
// denied attempt leaves it untouched, otherwise retrying would push the
// window forward forever.
func (m *Manager) CanSend(identity, streamID string, role models.ChatRole) bool {
	if role.BypassesSlowMode() {
		return true
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	delay, enabled := m.delays[streamID]
	if !enabled {
		return true
	}

	senders, ok := m.last[streamID]
	if !ok {
		senders = make(map[string]time.Time)
		m.last[streamID] = senders
	}

	now := m.now()
	lastAt, seen := senders[identity]
	if seen && now.Sub(lastAt) < time.Duration(delay)*time.Second {
		observability.SlowModeDenials.Inc()
		return false
	}
	senders[identity] = now
	return true
}

// RemainingTime returns the seconds the sender must still wait, zero when
// they may post immediately. Read-only; used for client countdowns.
func (m *Manager) RemainingTime(identity, streamID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	delay, enabled := m.delays[streamID]
	if !enabled {
		return 0
	}
	lastAt, seen := m.last[streamID][identity]
	if !seen {
		return 0
	}

	elapsed := m.now().Sub(lastAt).Seconds()
	remaining := int(math.Ceil(float64(delay) - elapsed))
	if remaining < 0 {
		return 0
	}
	return remaining
}
