package ratelimit

import (
	"context"
	"strconv"
	"sync"
	"time"
)

// MemoryDurable keeps bucket counters in process memory.
type MemoryDurable struct {
	mu       sync.Mutex
	counters map[string]memoryCounter
}

type memoryCounter struct {
	count     int64
	expiresAt time.Time
}

func NewMemoryDurable() *MemoryDurable {
	return &MemoryDurable{counters: make(map[string]memoryCounter)}
}

func (m *MemoryDurable) IncrBucket(ctx context.Context, rule string, bucket int64, window time.Duration) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	key := rule + "|" + strconv.FormatInt(bucket, 10)
	secs := int64(window / time.Second)

	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.counters[key]
	c.count++
	if c.expiresAt.IsZero() {
		c.expiresAt = time.Unix((bucket+1)*secs, 0)
	}
	m.counters[key] = c
	return c.count, nil
}

func (m *MemoryDurable) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for k, c := range m.counters {
		if !now.Before(c.expiresAt) {
			delete(m.counters, k)
			n++
		}
	}
	return n, nil
}

// Len returns the number of stored counters.
func (m *MemoryDurable) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.counters)
}
