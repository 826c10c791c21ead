package notification

import (
	"encoding/json"
	"time"
)

// Stats summarises stored notifications.
type Stats struct {
	Total       int64            `json:"total"`
	Sent        int64            `json:"sent"`
	Failed      int64            `json:"failed"`
	Pending     int64            `json:"pending"`
	Suppressed  int64            `json:"suppressed"`
	Urgent      int64            `json:"urgent"`
	Today       int64            `json:"today"`
	ByChannel   map[string]int64 `json:"byChannel"`
	ByRule      map[string]int64 `json:"byRule"`
	SuccessRate float64          `json:"successRate"`
}

// NewStats returns empty stats ready for Add.
func NewStats() Stats {
	return Stats{
		ByChannel: make(map[string]int64),
		ByRule:    make(map[string]int64),
	}
}

// Add folds count records sharing the given attributes into s. Records
// without a rule (manual triggers) are not counted in ByRule.
func (s *Stats) Add(ruleName, channel string, status Status, urgent bool, count int64) {
	s.Total += count
	switch status {
	case StatusSent:
		s.Sent += count
	case StatusFailed:
		s.Failed += count
	case StatusPending:
		s.Pending += count
	case StatusSuppressed:
		s.Suppressed += count
	}
	if urgent {
		s.Urgent += count
	}
	if channel != "" {
		s.ByChannel[channel] += count
	}
	if ruleName != "" {
		s.ByRule[ruleName] += count
	}
}

// Finish computes derived fields. SuccessRate is the sent share of
// delivery attempts that reached a verdict, in percent.
func (s *Stats) Finish() {
	s.SuccessRate = 0
	if done := s.Sent + s.Failed; done > 0 {
		s.SuccessRate = float64(s.Sent) / float64(done) * 100
	}
}

// StartOfDay returns local midnight of t's day.
func StartOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// Compute builds stats over in-memory records.
func Compute(records []*Notification, now time.Time) Stats {
	s := NewStats()
	midnight := StartOfDay(now)
	for _, n := range records {
		s.Add(n.RuleName, n.Channel, n.Status, n.IsUrgent, 1)
		if !n.CreatedAt.Before(midnight) {
			s.Today++
		}
	}
	s.Finish()
	return s
}

// JSON renders the stats for the status endpoint.
func (s Stats) JSON() ([]byte, error) {
	return json.MarshalIndent(s, "", "  ")
}
