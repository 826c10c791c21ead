package broker

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"alert-dispatcher/internal/channel"
	"alert-dispatcher/internal/rule"
)

// ErrMissingType is returned for an event without a type.
var ErrMissingType = errors.New("event type is required")

// envelope is the wire form of an event.
type envelope struct {
	Type       string                 `json:"type"`
	Fields     map[string]interface{} `json:"fields"`
	OccurredAt *time.Time             `json:"occurredAt,omitempty"`
	DedupKey   string                 `json:"dedupKey,omitempty"`
}

// DecodeEvent parses the JSON envelope
// {"type", "fields", "occurredAt", "dedupKey"}. Numbers decode as float64
// and occurredAt, when present, is RFC3339.
func DecodeEvent(data []byte) (rule.Event, error) {
	event, err := decodeEnvelope(data)
	if err != nil {
		return rule.Event{}, err
	}
	if event.Type == "" {
		return rule.Event{}, ErrMissingType
	}
	return event, nil
}

func decodeEnvelope(data []byte) (rule.Event, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return rule.Event{}, fmt.Errorf("invalid event payload: %w", err)
	}
	return env.event(), nil
}

func (env envelope) event() rule.Event {
	event := rule.Event{
		Type:     env.Type,
		Fields:   env.Fields,
		DedupKey: env.DedupKey,
	}
	if event.Fields == nil {
		event.Fields = make(map[string]interface{})
	}
	if env.OccurredAt != nil {
		event.OccurredAt = *env.OccurredAt
	}
	return event
}

// EncodeEvent is the inverse of DecodeEvent.
func EncodeEvent(event rule.Event) ([]byte, error) {
	env := envelope{
		Type:     event.Type,
		Fields:   event.Fields,
		DedupKey: event.DedupKey,
	}
	if !event.OccurredAt.IsZero() {
		at := event.OccurredAt
		env.OccurredAt = &at
	}
	return json.Marshal(env)
}

// Notification is the payload publish channels put on a broker.
type Notification struct {
	ID      string    `json:"id"`
	Rule    string    `json:"rule,omitempty"`
	Title   string    `json:"title"`
	Content string    `json:"content"`
	Urgent  bool      `json:"urgent"`
	SentAt  time.Time `json:"sentAt"`
}

// EncodeNotification renders msg as a broker payload.
func EncodeNotification(msg channel.Message, at time.Time) ([]byte, error) {
	return json.Marshal(Notification{
		ID:      msg.NotificationID,
		Rule:    msg.RuleName,
		Title:   msg.Title,
		Content: msg.Content,
		Urgent:  msg.IsUrgent,
		SentAt:  at.UTC(),
	})
}
