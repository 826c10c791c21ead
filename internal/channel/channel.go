// Package channel defines the outbound delivery boundary and the registry
// that routes rendered notifications to named transports.
package channel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"

	"golang.org/x/time/rate"

	"alert-dispatcher/internal/logger"
	"alert-dispatcher/internal/metrics"
)

// ErrUnknownChannel is returned (as a permanent error) for unregistered names.
var ErrUnknownChannel = errors.New("unknown channel")

// Message is a rendered notification ready for delivery.
type Message struct {
	NotificationID string
	RuleName       string
	Title          string
	Content        string
	IsUrgent       bool
}

// Channel delivers messages over one transport. Send returns nil only when
// the transport acknowledged the message. Errors wrapped with Permanent are
// not retried; every other error is.
type Channel interface {
	Name() string
	Send(ctx context.Context, msg Message) error
}

// PermanentError marks a failure that retrying cannot fix: a rejected
// payload, an invalid target, missing configuration.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent wraps err as a PermanentError. A nil err stays nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err or anything it wraps is a PermanentError.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// CheckHTTPStatus maps a non-2xx response to an error: 5xx and 429 are
// transient, every other 4xx is permanent. A snippet of the body is kept.
func CheckHTTPStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	err := fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(snippet))
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return err
	}
	return Permanent(err)
}

// Options tunes a registered channel. A zero RatePerSecond disables
// throttling.
type Options struct {
	RatePerSecond float64
	Burst         int
}

type entry struct {
	ch      Channel
	limiter *rate.Limiter
}

// Registry maps channel names to transports. Safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	channels map[string]*entry
	logger   *logger.Logger
	metrics  *metrics.Metrics
}

func NewRegistry(log *logger.Logger, m *metrics.Metrics) *Registry {
	return &Registry{
		channels: make(map[string]*entry),
		logger:   log,
		metrics:  m,
	}
}

// Register adds or replaces the channel under ch.Name().
func (r *Registry) Register(ch Channel, opts Options) {
	e := &entry{ch: ch}
	if opts.RatePerSecond > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		e.limiter = rate.NewLimiter(rate.Limit(opts.RatePerSecond), burst)
	}

	r.mu.Lock()
	r.channels[ch.Name()] = e
	r.mu.Unlock()

	r.logger.Info("registered channel",
		"channel", ch.Name(),
		"ratePerSecond", opts.RatePerSecond,
		"burst", opts.Burst)
}

// Get returns the channel registered under name.
func (r *Registry) Get(name string) (Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.channels[name]
	if !ok {
		return nil, false
	}
	return e.ch, true
}

// Names returns the registered channel names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.channels))
	for name := range r.channels {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Send delivers msg over the named channel, waiting for the channel's
// throttle first. It reports whether the transport acknowledged delivery.
func (r *Registry) Send(ctx context.Context, name string, msg Message) (bool, error) {
	r.mu.RLock()
	e, ok := r.channels[name]
	r.mu.RUnlock()
	if !ok {
		r.metrics.IncSendAttempts(name, "permanent")
		return false, Permanent(fmt.Errorf("%w: %q", ErrUnknownChannel, name))
	}

	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			r.metrics.IncSendAttempts(name, "throttled")
			return false, fmt.Errorf("channel %s throttled: %w", name, err)
		}
	}

	if err := e.ch.Send(ctx, msg); err != nil {
		result := "transient"
		if IsPermanent(err) {
			result = "permanent"
		}
		r.metrics.IncSendAttempts(name, result)
		return false, err
	}

	r.metrics.IncSendAttempts(name, "success")
	return true, nil
}
