package dedup

import (
	"context"
	"sync"
	"time"
)

// MemoryDurable is an in-process Durable. It does not survive restarts and
// backs the store when no database is configured.
type MemoryDurable struct {
	mu      sync.Mutex
	entries map[string]entry
}

func NewMemoryDurable() *MemoryDurable {
	return &MemoryDurable{entries: make(map[string]entry)}
}

func (m *MemoryDurable) MarkIfAbsent(ctx context.Context, key string, now time.Time, window time.Duration) (bool, time.Time, error) {
	if err := ctx.Err(); err != nil {
		return false, time.Time{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.entries[key]; ok && now.Before(e.expiresAt) {
		return false, e.firstSeen, nil
	}
	m.entries[key] = entry{firstSeen: now, expiresAt: now.Add(window)}
	return true, now, nil
}

func (m *MemoryDurable) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for k, e := range m.entries {
		if !now.Before(e.expiresAt) {
			delete(m.entries, k)
			n++
		}
	}
	return n, nil
}

// Len returns the number of stored entries.
func (m *MemoryDurable) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
