package dedup

import (
	"context"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"alert-dispatcher/internal/logger"
	"alert-dispatcher/internal/metrics"
)

const (
	shardCount            = 256
	defaultMaxEntries     = 10000
	defaultDurableTimeout = 2 * time.Second
)

// Durable is the source of truth for dedup state. MarkIfAbsent must be
// atomic per key: marked is true only for the caller that found the key
// absent or expired and now owns the window; otherwise firstSeen reports
// when the live window started.
type Durable interface {
	MarkIfAbsent(ctx context.Context, key string, now time.Time, window time.Duration) (marked bool, firstSeen time.Time, err error)
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}

// Config holds the tuning knobs of a Store.
type Config struct {
	MaxEntries     int              // cache capacity across all shards
	DurableTimeout time.Duration    // bound on each durable call
	Now            func() time.Time // clock, time.Now when nil
}

// Store decides first-occurrence within a window using a sharded volatile
// cache in front of a Durable tier. The decision for one key is atomic:
// concurrent callers serialize on the key's shard.
type Store struct {
	shards         [shardCount]shard
	durable        Durable
	logger         *logger.Logger
	metrics        *metrics.Metrics
	now            func() time.Time
	durableTimeout time.Duration
	perShardMax    int
	stats          Stats
}

type shard struct {
	mu      sync.Mutex
	entries map[string]entry
}

type entry struct {
	firstSeen time.Time
	expiresAt time.Time
}

// Stats counts decisions by the tier that made them.
type Stats struct {
	CacheHits      uint64
	DurableHits    uint64
	Marked         uint64
	DurableErrors  uint64
	DegradedMarked uint64
}

// NewStore builds a two-tier store. A nil durable tier makes the cache the
// only tier.
func NewStore(durable Durable, cfg Config, log *logger.Logger, m *metrics.Metrics) *Store {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = defaultMaxEntries
	}
	if cfg.DurableTimeout <= 0 {
		cfg.DurableTimeout = defaultDurableTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	s := &Store{
		durable:        durable,
		logger:         log,
		metrics:        m,
		now:            cfg.Now,
		durableTimeout: cfg.DurableTimeout,
		perShardMax:    (cfg.MaxEntries + shardCount - 1) / shardCount,
	}
	for i := range s.shards {
		s.shards[i].entries = make(map[string]entry)
	}
	return s
}

// CheckAndMark reports whether key was already seen within windowSeconds.
// The first caller in a window gets false and owns the send; every other
// caller in that window gets true. A non-positive window never suppresses.
func (s *Store) CheckAndMark(ctx context.Context, key string, windowSeconds int) bool {
	if windowSeconds <= 0 {
		return false
	}
	window := time.Duration(windowSeconds) * time.Second

	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	now := s.now()
	if e, ok := sh.entries[key]; ok && now.Before(e.expiresAt) {
		atomic.AddUint64(&s.stats.CacheHits, 1)
		s.metrics.IncDedupDecision("cache", "duplicate")
		return true
	}

	if s.durable != nil {
		dctx, cancel := context.WithTimeout(ctx, s.durableTimeout)
		marked, firstSeen, err := s.durable.MarkIfAbsent(dctx, key, now, window)
		cancel()

		if err == nil {
			if marked {
				sh.put(key, entry{firstSeen: now, expiresAt: now.Add(window)}, now, s.perShardMax)
				atomic.AddUint64(&s.stats.Marked, 1)
				s.metrics.IncDedupDecision("durable", "new")
				return false
			}

			expiresAt := firstSeen.Add(window)
			if !expiresAt.After(now) {
				// durable and local clocks disagree; hold the key for a full window
				expiresAt = now.Add(window)
			}
			sh.put(key, entry{firstSeen: firstSeen, expiresAt: expiresAt}, now, s.perShardMax)
			atomic.AddUint64(&s.stats.DurableHits, 1)
			s.metrics.IncDedupDecision("durable", "duplicate")
			return true
		}

		atomic.AddUint64(&s.stats.DurableErrors, 1)
		s.metrics.IncStoreErrors("dedup")
		s.logger.Error("dedup durable store unavailable; deciding from cache only",
			"dedupKey", key,
			"windowSeconds", windowSeconds,
			"error", err)
	}

	sh.put(key, entry{firstSeen: now, expiresAt: now.Add(window)}, now, s.perShardMax)
	atomic.AddUint64(&s.stats.DegradedMarked, 1)
	s.metrics.IncDedupDecision("cache", "new")
	return false
}

// Sweep drops expired cache entries and returns how many were removed.
func (s *Store) Sweep(now time.Time) int {
	removed := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for k, e := range sh.entries {
			if !now.Before(e.expiresAt) {
				delete(sh.entries, k)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed
}

// PurgeDurable removes expired entries from the durable tier.
func (s *Store) PurgeDurable(ctx context.Context, now time.Time) (int64, error) {
	if s.durable == nil {
		return 0, nil
	}
	return s.durable.PurgeExpired(ctx, now)
}

// Len returns the number of cached entries, expired ones included.
func (s *Store) Len() int {
	n := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		n += len(sh.entries)
		sh.mu.Unlock()
	}
	return n
}

// GetStats returns decision counters.
func (s *Store) GetStats() Stats {
	return Stats{
		CacheHits:      atomic.LoadUint64(&s.stats.CacheHits),
		DurableHits:    atomic.LoadUint64(&s.stats.DurableHits),
		Marked:         atomic.LoadUint64(&s.stats.Marked),
		DurableErrors:  atomic.LoadUint64(&s.stats.DurableErrors),
		DegradedMarked: atomic.LoadUint64(&s.stats.DegradedMarked),
	}
}

// Close drops the cache. The durable tier is owned by the caller.
func (s *Store) Close() {
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		sh.entries = make(map[string]entry)
		sh.mu.Unlock()
	}
}

func (s *Store) shardFor(key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &s.shards[h.Sum32()%shardCount]
}

// put stores an entry, making room first when the shard is full: expired
// entries go, then the ones expiring soonest. Evicting a live entry only
// costs a durable round trip later.
func (sh *shard) put(key string, e entry, now time.Time, max int) {
	if _, exists := sh.entries[key]; !exists && len(sh.entries) >= max {
		for k, old := range sh.entries {
			if !now.Before(old.expiresAt) {
				delete(sh.entries, k)
			}
		}
		for len(sh.entries) >= max {
			var (
				minKey string
				minT   time.Time
				set    bool
			)
			for k, old := range sh.entries {
				if !set || old.expiresAt.Before(minT) {
					minKey, minT, set = k, old.expiresAt, true
				}
			}
			if !set {
				break
			}
			delete(sh.entries, minKey)
		}
	}
	sh.entries[key] = e
}
