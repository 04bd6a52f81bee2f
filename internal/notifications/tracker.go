package notifications

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultOnlineSetKey      = "presence:online_users"
	defaultLastSeenKeyPrefix = "presence:last_seen:"
	defaultLastSeenTTL       = 90 * time.Second
	defaultOfflineGrace      = 5 * time.Second
	defaultReaperInterval    = 60 * time.Second
)

// TrackerConfig controls Redis presence mirroring and cleanup behavior.
type TrackerConfig struct {
	OnlineSetKey       string
	LastSeenKeyPrefix  string
	LastSeenTTL        time.Duration
	OfflineGracePeriod time.Duration
	ReaperInterval     time.Duration
	OnUserOnline       func(userID uint)
	OnUserOffline      func(userID uint)
}

// OnlineTracker counts a user's live chat connections on this instance and
// mirrors their presence into Redis so every instance shares one online set.
// A short grace window keeps page reloads from flapping online/offline.
type OnlineTracker struct {
	rdb    *redis.Client
	logger *slog.Logger

	mu              sync.Mutex
	localConnCounts map[uint]int
	offlineTimers   map[uint]*time.Timer

	onlineSetKey      string
	lastSeenKeyPrefix string
	lastSeenTTL       time.Duration
	offlineGrace      time.Duration
	reaperInterval    time.Duration

	onUserOnline  func(userID uint)
	onUserOffline func(userID uint)

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewOnlineTracker creates a tracker and starts the stale-entry reaper when
// Redis is available.
func NewOnlineTracker(rdb *redis.Client, cfg TrackerConfig, logger *slog.Logger) *OnlineTracker {
	if logger == nil {
		logger = slog.Default()
	}
	t := &OnlineTracker{
		rdb:               rdb,
		logger:            logger,
		localConnCounts:   make(map[uint]int),
		offlineTimers:     make(map[uint]*time.Timer),
		onlineSetKey:      defaultOnlineSetKey,
		lastSeenKeyPrefix: defaultLastSeenKeyPrefix,
		lastSeenTTL:       defaultLastSeenTTL,
		offlineGrace:      defaultOfflineGrace,
		reaperInterval:    defaultReaperInterval,
		onUserOnline:      cfg.OnUserOnline,
		onUserOffline:     cfg.OnUserOffline,
		stopCh:            make(chan struct{}),
	}

	if cfg.OnlineSetKey != "" {
		t.onlineSetKey = cfg.OnlineSetKey
	}
	if cfg.LastSeenKeyPrefix != "" {
		t.lastSeenKeyPrefix = cfg.LastSeenKeyPrefix
	}
	if cfg.LastSeenTTL > 0 {
		t.lastSeenTTL = cfg.LastSeenTTL
	}
	if cfg.OfflineGracePeriod > 0 {
		t.offlineGrace = cfg.OfflineGracePeriod
	}
	if cfg.ReaperInterval > 0 {
		t.reaperInterval = cfg.ReaperInterval
	}

	if t.rdb != nil {
		go t.reaperLoop()
	}
	return t
}

// Stop halts the reaper and cancels pending offline timers.
func (t *OnlineTracker) Stop() {
	t.stopOnce.Do(func() {
		close(t.stopCh)
		t.mu.Lock()
		for userID, timer := range t.offlineTimers {
			timer.Stop()
			delete(t.offlineTimers, userID)
		}
		t.mu.Unlock()
	})
}

// ConnectionOpened records one more live connection for the user. The first
// connection marks them online.
func (t *OnlineTracker) ConnectionOpened(ctx context.Context, userID uint) {
	if userID == 0 {
		return
	}

	t.mu.Lock()
	if timer, ok := t.offlineTimers[userID]; ok {
		timer.Stop()
		delete(t.offlineTimers, userID)
	}
	t.localConnCounts[userID]++
	first := t.localConnCounts[userID] == 1
	t.mu.Unlock()

	t.Touch(ctx, userID)
	if first && t.onUserOnline != nil {
		t.onUserOnline(userID)
	}
}

// ConnectionClosed records one connection gone. When the user's last local
// connection drops, an offline timer starts; reconnecting within the grace
// window cancels it.
func (t *OnlineTracker) ConnectionClosed(ctx context.Context, userID uint) {
	if userID == 0 {
		return
	}

	t.mu.Lock()
	if t.localConnCounts[userID] > 0 {
		t.localConnCounts[userID]--
	}
	if t.localConnCounts[userID] > 0 {
		t.mu.Unlock()
		return
	}
	delete(t.localConnCounts, userID)
	if timer, ok := t.offlineTimers[userID]; ok {
		timer.Stop()
	}
	t.offlineTimers[userID] = time.AfterFunc(t.offlineGrace, func() {
		t.markOffline(userID)
	})
	t.mu.Unlock()
}

// Touch refreshes the user's presence keys in Redis.
func (t *OnlineTracker) Touch(ctx context.Context, userID uint) {
	if t.rdb == nil {
		return
	}
	uid := strconv.FormatUint(uint64(userID), 10)
	if err := t.rdb.SAdd(ctx, t.onlineSetKey, uid).Err(); err != nil {
		t.logger.Warn("presence SADD failed",
			slog.Uint64("user_id", uint64(userID)), slog.String("error", err.Error()))
	}
	if err := t.rdb.Set(ctx, t.lastSeenKeyPrefix+uid, time.Now().Unix(), t.lastSeenTTL).Err(); err != nil {
		t.logger.Warn("presence last-seen write failed",
			slog.Uint64("user_id", uint64(userID)), slog.String("error", err.Error()))
	}
}

// IsOnline reports whether the user is in the shared online set. Without
// Redis it falls back to local connection counts.
func (t *OnlineTracker) IsOnline(ctx context.Context, userID uint) bool {
	if t.rdb == nil {
		t.mu.Lock()
		defer t.mu.Unlock()
		return t.localConnCounts[userID] > 0
	}
	uid := strconv.FormatUint(uint64(userID), 10)
	online, err := t.rdb.SIsMember(ctx, t.onlineSetKey, uid).Result()
	if err != nil {
		t.mu.Lock()
		defer t.mu.Unlock()
		return t.localConnCounts[userID] > 0
	}
	return online
}

// OnlineUserIDs returns every user in the shared online set.
func (t *OnlineTracker) OnlineUserIDs(ctx context.Context) ([]uint, error) {
	if t.rdb == nil {
		t.mu.Lock()
		defer t.mu.Unlock()
		ids := make([]uint, 0, len(t.localConnCounts))
		for id := range t.localConnCounts {
			ids = append(ids, id)
		}
		return ids, nil
	}

	members, err := t.rdb.SMembers(ctx, t.onlineSetKey).Result()
	if err != nil {
		return nil, err
	}
	ids := make([]uint, 0, len(members))
	for _, m := range members {
		id, err := strconv.ParseUint(m, 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, uint(id))
	}
	return ids, nil
}

func (t *OnlineTracker) markOffline(userID uint) {
	t.mu.Lock()
	delete(t.offlineTimers, userID)
	stillConnected := t.localConnCounts[userID] > 0
	t.mu.Unlock()
	if stillConnected {
		return
	}

	if t.rdb != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		uid := strconv.FormatUint(uint64(userID), 10)
		if err := t.rdb.SRem(ctx, t.onlineSetKey, uid).Err(); err != nil {
			t.logger.Warn("presence SREM failed",
				slog.Uint64("user_id", uint64(userID)), slog.String("error", err.Error()))
		}
		_ = t.rdb.Del(ctx, t.lastSeenKeyPrefix+uid).Err()
	}
	if t.onUserOffline != nil {
		t.onUserOffline(userID)
	}
}

// reaperLoop removes online-set entries whose last-seen key expired. Entries
// go stale when an instance dies without cleaning up.
func (t *OnlineTracker) reaperLoop() {
	ticker := time.NewTicker(t.reaperInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.stopCh:
			return
		case <-ticker.C:
			t.reapStale()
		}
	}
}

func (t *OnlineTracker) reapStale() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	members, err := t.rdb.SMembers(ctx, t.onlineSetKey).Result()
	if err != nil {
		return
	}
	for _, uid := range members {
		exists, err := t.rdb.Exists(ctx, t.lastSeenKeyPrefix+uid).Result()
		if err != nil || exists > 0 {
			continue
		}
		if err := t.rdb.SRem(ctx, t.onlineSetKey, uid).Err(); err == nil {
			t.logger.Debug("reaped stale presence entry", slog.String("user_id", uid))
		}
	}
}
