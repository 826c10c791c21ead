package ratelimit

import (
	"context"
	"hash/fnv"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"alert-dispatcher/internal/logger"
	"alert-dispatcher/internal/metrics"
)

const (
	shardCount            = 64
	defaultDurableTimeout = 2 * time.Second
)

// Durable holds the authoritative per-bucket counters. IncrBucket must be
// atomic and return the post-increment count; the window tells the backend
// how long the bucket needs to live.
type Durable interface {
	IncrBucket(ctx context.Context, rule string, bucket int64, window time.Duration) (int64, error)
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}

// Config holds the tuning knobs of a Limiter.
type Config struct {
	DurableTimeout time.Duration
	Now            func() time.Time
}

// Limiter is a fixed-window counter per rule. A window is the bucket
// floor(unix/windowSeconds); an acquisition is allowed when the count before
// it is below the limit. Bursts of up to twice the limit are possible across
// a bucket boundary.
type Limiter struct {
	shards         [shardCount]shard
	durable        Durable
	logger         *logger.Logger
	metrics        *metrics.Metrics
	now            func() time.Time
	durableTimeout time.Duration
	stats          Stats
}

type shard struct {
	mu       sync.Mutex
	counters map[string]*counter
}

type counter struct {
	rule      string
	bucket    int64
	count     int64
	expiresAt time.Time
}

// Stats counts decisions.
type Stats struct {
	Allowed        uint64
	Denied         uint64
	LocalDenied    uint64
	DurableErrors  uint64
	DegradedChecks uint64
}

// Usage describes the consumption of a rule's current window.
type Usage struct {
	Rule        string    `json:"rule"`
	Count       int64     `json:"count"`
	WindowStart time.Time `json:"windowStart"`
	WindowEnd   time.Time `json:"windowEnd"`
}

// NewLimiter builds a two-tier limiter. With a nil durable tier counters are
// process-local.
func NewLimiter(durable Durable, cfg Config, log *logger.Logger, m *metrics.Metrics) *Limiter {
	if cfg.DurableTimeout <= 0 {
		cfg.DurableTimeout = defaultDurableTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	l := &Limiter{
		durable:        durable,
		logger:         log,
		metrics:        m,
		now:            cfg.Now,
		durableTimeout: cfg.DurableTimeout,
	}
	for i := range l.shards {
		l.shards[i].counters = make(map[string]*counter)
	}
	return l
}

// Bucket returns the fixed window index that t falls in.
func Bucket(t time.Time, windowSeconds int) int64 {
	return floorDiv(t.Unix(), int64(windowSeconds))
}

// TryAcquire consumes one unit of ruleName's current window and reports
// whether it was within limit. A non-positive limit or window denies.
func (l *Limiter) TryAcquire(ctx context.Context, ruleName string, limit, windowSeconds int) bool {
	if limit <= 0 || windowSeconds <= 0 {
		l.deny(false)
		return false
	}

	now := l.now()
	bucket := Bucket(now, windowSeconds)
	window := time.Duration(windowSeconds) * time.Second
	key := counterKey(ruleName, bucket)

	sh := l.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	c, ok := sh.counters[key]
	if !ok {
		c = &counter{
			rule:      ruleName,
			bucket:    bucket,
			expiresAt: time.Unix((bucket+1)*int64(windowSeconds), 0),
		}
		sh.counters[key] = c
	}

	if c.count >= int64(limit) {
		l.deny(true)
		return false
	}

	if l.durable != nil {
		dctx, cancel := context.WithTimeout(ctx, l.durableTimeout)
		count, err := l.durable.IncrBucket(dctx, ruleName, bucket, window)
		cancel()

		if err == nil {
			if count > c.count {
				c.count = count
			}
			if count-1 < int64(limit) {
				l.allow()
				return true
			}
			l.deny(false)
			return false
		}

		atomic.AddUint64(&l.stats.DurableErrors, 1)
		l.metrics.IncStoreErrors("ratelimit")
		l.logger.Error("rate limit durable store unavailable; counting locally",
			"rule", ruleName,
			"bucket", bucket,
			"error", err)
	}

	atomic.AddUint64(&l.stats.DegradedChecks, 1)
	before := c.count
	c.count++
	if before < int64(limit) {
		l.allow()
		return true
	}
	l.deny(false)
	return false
}

// Usage reports the locally known count of ruleName's current window.
func (l *Limiter) Usage(ruleName string, windowSeconds int) Usage {
	if windowSeconds <= 0 {
		return Usage{Rule: ruleName}
	}
	bucket := Bucket(l.now(), windowSeconds)
	u := Usage{
		Rule:        ruleName,
		WindowStart: time.Unix(bucket*int64(windowSeconds), 0),
		WindowEnd:   time.Unix((bucket+1)*int64(windowSeconds), 0),
	}

	key := counterKey(ruleName, bucket)
	sh := l.shardFor(key)
	sh.mu.Lock()
	if c, ok := sh.counters[key]; ok {
		u.Count = c.count
	}
	sh.mu.Unlock()
	return u
}

// Sweep drops counters whose bucket has ended.
func (l *Limiter) Sweep(now time.Time) int {
	removed := 0
	for i := range l.shards {
		sh := &l.shards[i]
		sh.mu.Lock()
		for k, c := range sh.counters {
			if !now.Before(c.expiresAt) {
				delete(sh.counters, k)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed
}

// PurgeDurable removes ended buckets from the durable tier.
func (l *Limiter) PurgeDurable(ctx context.Context, now time.Time) (int64, error) {
	if l.durable == nil {
		return 0, nil
	}
	return l.durable.PurgeExpired(ctx, now)
}

// Len returns the number of local counters.
func (l *Limiter) Len() int {
	n := 0
	for i := range l.shards {
		sh := &l.shards[i]
		sh.mu.Lock()
		n += len(sh.counters)
		sh.mu.Unlock()
	}
	return n
}

// GetStats returns decision counters.
func (l *Limiter) GetStats() Stats {
	return Stats{
		Allowed:        atomic.LoadUint64(&l.stats.Allowed),
		Denied:         atomic.LoadUint64(&l.stats.Denied),
		LocalDenied:    atomic.LoadUint64(&l.stats.LocalDenied),
		DurableErrors:  atomic.LoadUint64(&l.stats.DurableErrors),
		DegradedChecks: atomic.LoadUint64(&l.stats.DegradedChecks),
	}
}

func (l *Limiter) allow() {
	atomic.AddUint64(&l.stats.Allowed, 1)
	l.metrics.IncRateDecision("allowed")
}

func (l *Limiter) deny(local bool) {
	atomic.AddUint64(&l.stats.Denied, 1)
	if local {
		atomic.AddUint64(&l.stats.LocalDenied, 1)
	}
	l.metrics.IncRateDecision("denied")
}

func (l *Limiter) shardFor(key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &l.shards[h.Sum32()%shardCount]
}

func counterKey(rule string, bucket int64) string {
	return rule + "|" + strconv.FormatInt(bucket, 10)
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}
