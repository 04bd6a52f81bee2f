package ratelimit

import (
	"hash/fnv"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"streamgate/internal/models"
	"streamgate/internal/observability"
)

// Denial reasons surfaced to clients.
const (
	ReasonWindowExceeded = "Rate limit exceeded"
	ReasonBlocked        = "Temporarily blocked due to rate limit violations"
)

const defaultCooldown = 5 * time.Minute

// denialThreshold is the number of denials, with no admission in between,
// that escalates an identity to a cooldown block.
const denialThreshold = 3

// entry is the window state for one (scope, event type) pair.
type entry struct {
	count        int
	resetTime    time.Time
	denials      int
	violations   int
	blockedUntil time.Time
	lastIP       string
}

func (e *entry) blocked(now time.Time) bool {
	return now.Before(e.blockedUntil)
}

// Result is the outcome of a limit check.
type Result struct {
	Allowed    bool      `json:"allowed"`
	Remaining  int       `json:"remaining"`
	ResetTime  time.Time `json:"resetTime"`
	RetryAfter int       `json:"retryAfter,omitempty"` // seconds
	Reason     string    `json:"reason,omitempty"`
}

// Stats is the operational snapshot returned by Stats.
type Stats struct {
	TotalEntries      int            `json:"totalEntries"`
	BlockedEntries    int            `json:"blockedEntries"`
	ViolationsByEvent map[string]int `json:"violationsByEvent"`
	TopViolators      []Violator     `json:"topViolators"`
}

// Violator is one row of the top-violators report.
type Violator struct {
	Key        string `json:"key"`
	Violations int    `json:"violations"`
}

const shardCount = 32

type shard struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

// Limiter is the process-wide admission controller. Window state is sharded
// by key so unrelated identities never contend on one lock.
type Limiter struct {
	policies     map[string]Policy
	ipMultiplier float64
	shards       [shardCount]*shard
	now          func() time.Time

	// Optional cross-process window store. Penalties and stats stay local.
	backend *RedisBackend
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides the limiter's time source.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithRedisBackend shares window counters across processes through Redis.
func WithRedisBackend(b *RedisBackend) Option {
	return func(l *Limiter) { l.backend = b }
}

// WithIPMultiplier overrides the IP-window scaling factor.
func WithIPMultiplier(m float64) Option {
	return func(l *Limiter) {
		if m > 0 {
			l.ipMultiplier = m
		}
	}
}

// NewLimiter creates a limiter from a policy table. A nil table uses the
// built-in defaults.
func NewLimiter(pf *PolicyFile, opts ...Option) *Limiter {
	if pf == nil {
		pf = &PolicyFile{IPMultiplier: defaultIPMultiplier, Policies: DefaultPolicies()}
	}
	l := &Limiter{
		policies:     pf.Policies,
		ipMultiplier: pf.IPMultiplier,
		now:          time.Now,
	}
	if l.ipMultiplier <= 0 {
		l.ipMultiplier = defaultIPMultiplier
	}
	for i := range l.shards {
		l.shards[i] = &shard{entries: make(map[string]*entry)}
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func identityKey(identity string) string { return "user:" + identity }
func ipKey(ip string) string             { return "ip:" + ip }

func entryKey(scope, eventType string) string { return scope + ":" + eventType }

func (l *Limiter) shardFor(key string) *shard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return l.shards[h.Sum32()%shardCount]
}

// scaledLimit applies the role multiplier and burst allowance to a policy's
// base limit. A negative result means unlimited.
func scaledLimit(p Policy, role models.ChatRole) int {
	var mult float64
	switch role {
	case models.RoleAnonymous:
		mult = 0.5
	case models.RoleSubscriber:
		mult = 1.5
	case models.RoleModerator:
		mult = 3
	case models.RoleStreamer, models.RoleAdmin:
		return -1
	default:
		mult = 1
	}
	limit := int(math.Floor(float64(p.MaxAttempts) * mult))
	if limit < 1 {
		limit = 1
	}
	return limit + p.Burst
}

func (l *Limiter) ipLimit(p Policy) int {
	limit := int(math.Floor(float64(p.MaxAttempts) * l.ipMultiplier))
	if limit < 1 {
		limit = 1
	}
	return limit + p.Burst
}

func retryAfterSeconds(now, reset time.Time) int {
	secs := int(math.Ceil(reset.Sub(now).Seconds()))
	if secs < 1 {
		secs = 1
	}
	return secs
}

// CheckLimit reports whether an event would be admitted. It never mutates
// counters; callers that pass every other gate commit quota with RecordEvent.
// An empty ip skips the IP-scoped check.
func (l *Limiter) CheckLimit(eventType, identity string, role models.ChatRole, ip string) Result {
	policy, ok := l.policies[eventType]
	if !ok {
		return Result{Allowed: true, Remaining: -1}
	}
	now := l.now()

	// An active block wins over any window state.
	if res, denied := l.checkBlocked(eventType, identity, now); denied {
		observability.RateLimitDenials.WithLabelValues(eventType, "blocked").Inc()
		return res
	}

	limit := scaledLimit(policy, role)
	if limit < 0 {
		return Result{Allowed: true, Remaining: -1}
	}

	res := l.checkWindow(entryKey(identityKey(identity), eventType), limit, policy, now)
	if !res.Allowed {
		observability.RateLimitDenials.WithLabelValues(eventType, "identity").Inc()
		return res
	}

	if ip != "" {
		ipRes := l.checkWindow(entryKey(ipKey(ip), eventType), l.ipLimit(policy), policy, now)
		if !ipRes.Allowed {
			observability.RateLimitDenials.WithLabelValues(eventType, "ip").Inc()
			return ipRes
		}
	}
	return res
}

func (l *Limiter) checkBlocked(eventType, identity string, now time.Time) (Result, bool) {
	key := entryKey(identityKey(identity), eventType)
	s := l.shardFor(key)
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[key]
	if !ok || !e.blocked(now) {
		return Result{}, false
	}
	return Result{
		Allowed:    false,
		Remaining:  0,
		ResetTime:  e.blockedUntil,
		RetryAfter: retryAfterSeconds(now, e.blockedUntil),
		Reason:     ReasonBlocked,
	}, true
}

func (l *Limiter) checkWindow(key string, limit int, policy Policy, now time.Time) Result {
	if l.backend != nil {
		if res, ok := l.backend.check(key, limit, policy.Window.Std(), now); ok {
			return res
		}
		// Redis unreachable: fall through to the local window.
	}

	s := l.shardFor(key)
	s.mu.RLock()
	e, ok := s.entries[key]
	if !ok {
		s.mu.RUnlock()
		return Result{Allowed: true, Remaining: limit, ResetTime: now.Add(policy.Window.Std())}
	}
	count, reset := e.count, e.resetTime
	s.mu.RUnlock()

	if now.After(reset) {
		// Window lapsed; the next RecordEvent starts a fresh one.
		return Result{Allowed: true, Remaining: limit, ResetTime: now.Add(policy.Window.Std())}
	}
	if count >= limit {
		return Result{
			Allowed:    false,
			Remaining:  0,
			ResetTime:  reset,
			RetryAfter: retryAfterSeconds(now, reset),
			Reason:     ReasonWindowExceeded,
		}
	}
	return Result{Allowed: true, Remaining: limit - count, ResetTime: reset}
}

// RecordEvent commits quota for an admitted event, incrementing both the
// identity-scoped and IP-scoped windows. Call it only after every other gate
// has passed.
func (l *Limiter) RecordEvent(eventType, identity string, role models.ChatRole, ip string) {
	policy, ok := l.policies[eventType]
	if !ok {
		return
	}
	if scaledLimit(policy, role) < 0 {
		return
	}
	now := l.now()

	l.recordWindow(entryKey(identityKey(identity), eventType), policy, now, ip)
	if ip != "" {
		l.recordWindow(entryKey(ipKey(ip), eventType), policy, now, ip)
	}
}

func (l *Limiter) recordWindow(key string, policy Policy, now time.Time, ip string) {
	if l.backend != nil {
		if l.backend.record(key, policy.Window.Std()) {
			return
		}
	}

	s := l.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		s.entries[key] = &entry{count: 1, resetTime: now.Add(policy.Window.Std()), lastIP: ip}
		return
	}
	if now.After(e.resetTime) {
		e.count = 1
		e.resetTime = now.Add(policy.Window.Std())
	} else {
		e.count++
	}
	// An admission ends any denial streak.
	e.denials = 0
	e.lastIP = ip
}

// RecordDenial notes that an identity was turned away at the window. An
// identity that keeps hammering an exhausted window instead of honoring
// retryAfter escalates to a cooldown block after denialThreshold denials.
// Admissions clear the streak.
func (l *Limiter) RecordDenial(eventType, identity string) {
	key := entryKey(identityKey(identity), eventType)
	s := l.shardFor(key)

	s.mu.Lock()
	e, ok := s.entries[key]
	if !ok || e.blocked(l.now()) {
		// No window state to escalate from, or the block is already in
		// place and further denials must not extend it.
		s.mu.Unlock()
		return
	}
	e.denials++
	escalate := e.denials >= denialThreshold
	if escalate {
		e.denials = 0
	}
	s.mu.Unlock()

	if escalate {
		l.ApplyPenalty(eventType, identity, 0)
	}
}

// ApplyPenalty blocks an identity's event type for the given duration. A zero
// duration falls back to the policy cooldown, then to five minutes. The
// violation counter survives block expiry and is cleared only by ResetLimits.
func (l *Limiter) ApplyPenalty(eventType, identity string, duration time.Duration) {
	if duration <= 0 {
		if policy, ok := l.policies[eventType]; ok && policy.Cooldown > 0 {
			duration = policy.Cooldown.Std()
		} else {
			duration = defaultCooldown
		}
	}
	now := l.now()
	key := entryKey(identityKey(identity), eventType)

	s := l.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		e = &entry{resetTime: now}
		s.entries[key] = e
	}
	e.violations++
	e.blockedUntil = now.Add(duration)
}

// ResetLimits clears window state for an identity. An empty eventType clears
// every event type. Admin operation; also lifts active blocks and zeroes
// violation counts.
func (l *Limiter) ResetLimits(identity, eventType string) {
	prefix := identityKey(identity) + ":"
	for _, s := range l.shards {
		s.mu.Lock()
		for key := range s.entries {
			if !strings.HasPrefix(key, prefix) {
				continue
			}
			if eventType != "" && key != prefix+eventType {
				continue
			}
			delete(s.entries, key)
		}
		s.mu.Unlock()
	}
	if l.backend != nil {
		l.backend.reset(prefix, eventType)
	}
}

// Stats aggregates entry and violation counts across all shards. Reporting
// read, not part of the admission hot path.
func (l *Limiter) Stats(topN int) Stats {
	now := l.now()
	stats := Stats{ViolationsByEvent: make(map[string]int)}
	var violators []Violator

	for _, s := range l.shards {
		s.mu.RLock()
		for key, e := range s.entries {
			stats.TotalEntries++
			if e.blocked(now) {
				stats.BlockedEntries++
			}
			if e.violations > 0 {
				// Key layout is scope:id:eventType; the event type is the
				// final segment.
				if i := strings.LastIndex(key, ":"); i >= 0 {
					stats.ViolationsByEvent[key[i+1:]] += e.violations
				}
				violators = append(violators, Violator{Key: key, Violations: e.violations})
			}
		}
		s.mu.RUnlock()
	}

	sort.Slice(violators, func(i, j int) bool {
		if violators[i].Violations != violators[j].Violations {
			return violators[i].Violations > violators[j].Violations
		}
		return violators[i].Key < violators[j].Key
	})
	if topN > 0 && len(violators) > topN {
		violators = violators[:topN]
	}
	stats.TopViolators = violators
	return stats
}

// Sweep drops entries whose window lapsed and whose block, if any, expired.
// Entries carrying violations survive so repeat offenders stay visible in
// Stats after their windows lapse. Returns the number of evicted entries.
func (l *Limiter) Sweep() int {
	now := l.now()
	removed := 0
	for _, s := range l.shards {
		s.mu.Lock()
		for key, e := range s.entries {
			if now.After(e.resetTime) && !e.blocked(now) && e.violations == 0 {
				delete(s.entries, key)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// StartJanitor sweeps lapsed entries on the given interval until the returned
// stop function is called. Without it, churning anonymous identities grow the
// shard maps without bound.
func (l *Limiter) StartJanitor(interval time.Duration) (stop func()) {
	if interval <= 0 {
		interval = time.Minute
	}
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				l.Sweep()
			}
		}
	}()
	var once sync.Once
	return func() { once.Do(func() { close(done) }) }
}
