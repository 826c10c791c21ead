// Package stats keeps a process-wide snapshot of dispatcher and source
// counters for status reporting.
package stats

import (
	"encoding/json"
	"sync"
	"time"

	"alert-dispatcher/internal/broker"
	"alert-dispatcher/internal/dispatch"
)

// StatsCollector manages application-wide statistics
type StatsCollector struct {
	StartTime  time.Time
	LastUpdate time.Time

	mu       sync.RWMutex
	dispatch dispatch.Stats
	queue    int
	sources  map[string]broker.Stats
}

// NewStatsCollector creates a new stats collector
func NewStatsCollector() *StatsCollector {
	return &StatsCollector{
		StartTime:  time.Now(),
		LastUpdate: time.Now(),
		sources:    make(map[string]broker.Stats),
	}
}

// Update replaces the snapshot with new values
func (s *StatsCollector) Update(d dispatch.Stats, queueDepth int, sources map[string]broker.Stats) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.dispatch = d
	s.queue = queueDepth
	s.sources = make(map[string]broker.Stats, len(sources))
	for name, st := range sources {
		s.sources[name] = st
	}
	s.LastUpdate = time.Now()
}

// Dispatch returns the last dispatcher counters.
func (s *StatsCollector) Dispatch() dispatch.Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dispatch
}

// GetStats returns current statistics
func (s *StatsCollector) GetStats() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sources := make(map[string]interface{}, len(s.sources))
	for name, st := range s.sources {
		sources[name] = map[string]interface{}{
			"received":      st.Received,
			"delivered":     st.Delivered,
			"decode_errors": st.DecodeErrors,
			"rejected":      st.Rejected,
			"reconnects":    st.Reconnects,
		}
	}

	return map[string]interface{}{
		"uptime":           time.Since(s.StartTime).String(),
		"events_received":  s.dispatch.Received,
		"rules_matched":    s.dispatch.Matched,
		"triggered":        s.dispatch.Triggered,
		"sent":             s.dispatch.Sent,
		"failed":           s.dispatch.Failed,
		"suppressed_dedup": s.dispatch.SuppressedDedup,
		"suppressed_rate":  s.dispatch.SuppressedRate,
		"dropped":          s.dispatch.Dropped,
		"queue_depth":      s.queue,
		"sources":          sources,
		"last_update":      s.LastUpdate,
	}
}

// GetStatsJSON returns stats as JSON
func (s *StatsCollector) GetStatsJSON() ([]byte, error) {
	return json.Marshal(s.GetStats())
}

// CalculateRate returns delivered notifications per second of uptime.
func (s *StatsCollector) CalculateRate() float64 {
	uptime := time.Since(s.StartTime).Seconds()
	if uptime <= 0 {
		return 0
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return float64(s.dispatch.Sent) / uptime
}
