// Package store persists notification records and the durable tiers of
// the dedup store and rate limiter.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"alert-dispatcher/internal/notification"
)

// Memory keeps notification records in process memory. Records are lost
// on restart.
type Memory struct {
	mu      sync.RWMutex
	records map[string]*notification.Notification
}

func NewMemory() *Memory {
	return &Memory{records: make(map[string]*notification.Notification)}
}

func (m *Memory) Create(ctx context.Context, n *notification.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.records[n.ID]; exists {
		return fmt.Errorf("notification %s already exists", n.ID)
	}
	m.records[n.ID] = clone(n)
	return nil
}

func (m *Memory) Update(ctx context.Context, n *notification.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.records[n.ID]; !exists {
		return fmt.Errorf("%w: %s", notification.ErrNotFound, n.ID)
	}
	m.records[n.ID] = clone(n)
	return nil
}

func (m *Memory) Get(ctx context.Context, id string) (*notification.Notification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n, ok := m.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", notification.ErrNotFound, id)
	}
	return clone(n), nil
}

// List returns matching records, newest first.
func (m *Memory) List(ctx context.Context, f notification.Filter) ([]*notification.Notification, error) {
	m.mu.RLock()
	out := make([]*notification.Notification, 0, len(m.records))
	for _, n := range m.records {
		if f.Match(n) {
			out = append(out, clone(n))
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *Memory) Stats(ctx context.Context, now time.Time) (notification.Stats, error) {
	m.mu.RLock()
	records := make([]*notification.Notification, 0, len(m.records))
	for _, n := range m.records {
		records = append(records, n)
	}
	stats := notification.Compute(records, now)
	m.mu.RUnlock()
	return stats, nil
}

func (m *Memory) Close() error {
	return nil
}

func clone(n *notification.Notification) *notification.Notification {
	c := *n
	if n.DedupKey != nil {
		k := *n.DedupKey
		c.DedupKey = &k
	}
	if n.SentAt != nil {
		t := *n.SentAt
		c.SentAt = &t
	}
	if n.LastError != nil {
		e := *n.LastError
		c.LastError = &e
	}
	return &c
}
