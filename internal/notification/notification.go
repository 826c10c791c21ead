// Package notification holds the record produced for every matched rule
// and the read models built over those records.
package notification

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Status is the persisted state of a notification.
type Status string

const (
	StatusPending    Status = "pending"
	StatusSent       Status = "sent"
	StatusFailed     Status = "failed"
	StatusSuppressed Status = "suppressed"
)

// Suppression reasons.
const (
	ReasonDedup = "dedup"
	ReasonRate  = "rate_limit"
)

// ErrNotFound is returned when a notification id is unknown.
var ErrNotFound = errors.New("notification not found")

// Notification is the audit record of one rule firing for one event, or of
// one manual trigger.
type Notification struct {
	ID             string     `json:"id"`
	RuleName       string     `json:"ruleName,omitempty"`
	TemplateName   string     `json:"templateName"`
	EventType      string     `json:"eventType,omitempty"`
	Title          string     `json:"title"`
	Content        string     `json:"content"`
	Channel        string     `json:"channel"`
	IsUrgent       bool       `json:"urgent"`
	DedupKey       *string    `json:"dedupKey,omitempty"`
	Status         Status     `json:"status"`
	SuppressReason string     `json:"suppressReason,omitempty"`
	RetryCount     int        `json:"retryCount"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
	SentAt         *time.Time `json:"sentAt,omitempty"`
	LastError      *string    `json:"lastError,omitempty"`
}

// New returns a pending notification with a fresh id.
func New(now time.Time) *Notification {
	return &Notification{
		ID:        uuid.NewString(),
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// MarkSent records a successful delivery.
func (n *Notification) MarkSent(at time.Time) {
	n.Status = StatusSent
	n.SentAt = &at
	n.UpdatedAt = at
	n.LastError = nil
}

// MarkFailed records the final delivery failure.
func (n *Notification) MarkFailed(at time.Time, err error) {
	n.Status = StatusFailed
	n.UpdatedAt = at
	if err != nil {
		msg := err.Error()
		n.LastError = &msg
	}
}

// MarkSuppressed records a dedup or rate limit suppression.
func (n *Notification) MarkSuppressed(at time.Time, reason string) {
	n.Status = StatusSuppressed
	n.SuppressReason = reason
	n.UpdatedAt = at
}

// Terminal reports whether the status can no longer change.
func (s Status) Terminal() bool {
	return s == StatusSent || s == StatusFailed || s == StatusSuppressed
}

// Filter narrows a List call. Zero values match everything.
type Filter struct {
	Status   Status
	RuleName string
	Channel  string
	Since    time.Time
	Limit    int
}

// Match reports whether n passes the filter, ignoring Limit.
func (f Filter) Match(n *Notification) bool {
	if f.Status != "" && n.Status != f.Status {
		return false
	}
	if f.RuleName != "" && n.RuleName != f.RuleName {
		return false
	}
	if f.Channel != "" && n.Channel != f.Channel {
		return false
	}
	if !f.Since.IsZero() && n.CreatedAt.Before(f.Since) {
		return false
	}
	return true
}

// Store persists notification records.
type Store interface {
	Create(ctx context.Context, n *Notification) error
	Update(ctx context.Context, n *Notification) error
	Get(ctx context.Context, id string) (*Notification, error)
	List(ctx context.Context, f Filter) ([]*Notification, error)
	Stats(ctx context.Context, now time.Time) (Stats, error)
}
