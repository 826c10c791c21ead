// Package dispatch turns events into notifications: it matches rules,
// renders templates, applies dedup and rate limits and drives delivery
// through the channel registry with bounded retries.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"alert-dispatcher/internal/channel"
	"alert-dispatcher/internal/logger"
	"alert-dispatcher/internal/metrics"
	"alert-dispatcher/internal/notification"
	"alert-dispatcher/internal/rule"
)

var (
	ErrQueueFull       = errors.New("dispatch queue full")
	ErrStopped         = errors.New("dispatch engine stopped")
	ErrUnknownTemplate = errors.New("unknown template")
	ErrInvalidTrigger  = errors.New("invalid trigger request")
)

// Rules supplies the rule snapshot in effect.
type Rules interface {
	Current() *rule.Snapshot
}

// Deduplicator decides whether a key was already seen within a window.
type Deduplicator interface {
	CheckAndMark(ctx context.Context, key string, windowSeconds int) bool
}

// RateLimiter admits at most limit sends per window for a key.
type RateLimiter interface {
	TryAcquire(ctx context.Context, key string, limit, windowSeconds int) bool
}

// Sender delivers a message over a named channel.
type Sender interface {
	Send(ctx context.Context, channel string, msg channel.Message) (bool, error)
}

// Deps are the collaborators of an Engine.
type Deps struct {
	Rules   Rules
	Dedup   Deduplicator
	Limiter RateLimiter
	Sender  Sender
	Store   notification.Store
}

// Config holds engine configuration
type Config struct {
	Workers     int
	QueueSize   int
	SendTimeout time.Duration // bound of a single send attempt
	MaxAttempts int           // attempts before a notification fails
	Backoff     Backoff
	Now         func() time.Time
}

// Stats tracks engine counters
type Stats struct {
	Received        uint64 // events dispatched
	Matched         uint64 // rule matches
	Triggered       uint64 // manual triggers
	Sent            uint64
	Failed          uint64
	SuppressedDedup uint64
	SuppressedRate  uint64
	Dropped         uint64 // submissions refused by a full or stopped queue
}

// Outcome is the result of one rule (or one trigger) for one event.
type Outcome struct {
	Rule         string
	State        State
	Notification *notification.Notification
	Err          error
}

// Engine runs the dispatch pipeline on a pool of workers fed by a bounded
// queue.
type Engine struct {
	rules   Rules
	dedup   Deduplicator
	limiter RateLimiter
	sender  Sender
	store   notification.Store
	cfg     Config
	logger  *logger.Logger
	metrics *metrics.Metrics

	jobChan chan rule.Event
	mu      sync.RWMutex // guards started, stopped and closing jobChan
	started bool
	stopped bool
	runCtx  context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	stats   Stats
}

// NewEngine creates an engine. Workers start with Start.
func NewEngine(cfg Config, deps Deps, log *logger.Logger, m *metrics.Metrics) *Engine {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.Backoff == nil {
		cfg.Backoff = DefaultBackoff
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Engine{
		rules:   deps.Rules,
		dedup:   deps.Dedup,
		limiter: deps.Limiter,
		sender:  deps.Sender,
		store:   deps.Store,
		cfg:     cfg,
		logger:  log,
		metrics: m,
		jobChan: make(chan rule.Event, cfg.QueueSize),
	}
}

// Start launches the workers. Sends in flight observe ctx.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started || e.stopped {
		return
	}
	e.started = true
	e.runCtx, e.cancel = context.WithCancel(ctx)

	for i := 0; i < e.cfg.Workers; i++ {
		e.wg.Add(1)
		go e.worker()
	}
	e.logger.Info("dispatch engine started",
		"workers", e.cfg.Workers,
		"queueSize", e.cfg.QueueSize)
}

// Submit hands an event to the workers without blocking.
func (e *Engine) Submit(event rule.Event) error {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.stopped {
		e.drop(event, ErrStopped)
		return ErrStopped
	}
	select {
	case e.jobChan <- event:
		return nil
	default:
		e.drop(event, ErrQueueFull)
		return ErrQueueFull
	}
}

// Stop refuses new events and waits for the queue to drain. If ctx ends
// first, in-flight sends are cancelled and ctx's error is returned.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return nil
	}
	e.stopped = true
	close(e.jobChan)
	started := e.started
	e.mu.Unlock()

	if !started {
		return nil
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		e.cancel()
		e.logger.Info("dispatch engine stopped")
		return nil
	case <-ctx.Done():
		e.cancel()
		e.logger.Warn("dispatch engine stop timed out",
			"pending", len(e.jobChan))
		return ctx.Err()
	}
}

// QueueDepth returns the number of events waiting for a worker.
func (e *Engine) QueueDepth() int {
	return len(e.jobChan)
}

// GetStats returns current engine statistics
func (e *Engine) GetStats() Stats {
	return Stats{
		Received:        atomic.LoadUint64(&e.stats.Received),
		Matched:         atomic.LoadUint64(&e.stats.Matched),
		Triggered:       atomic.LoadUint64(&e.stats.Triggered),
		Sent:            atomic.LoadUint64(&e.stats.Sent),
		Failed:          atomic.LoadUint64(&e.stats.Failed),
		SuppressedDedup: atomic.LoadUint64(&e.stats.SuppressedDedup),
		SuppressedRate:  atomic.LoadUint64(&e.stats.SuppressedRate),
		Dropped:         atomic.LoadUint64(&e.stats.Dropped),
	}
}

func (e *Engine) worker() {
	defer e.wg.Done()
	for event := range e.jobChan {
		e.metrics.SetQueueDepth(float64(len(e.jobChan)))
		e.Dispatch(e.runCtx, event)
	}
}

func (e *Engine) drop(event rule.Event, reason error) {
	atomic.AddUint64(&e.stats.Dropped, 1)
	e.metrics.IncEventsTotal("dropped")
	e.logger.Warn("event dropped",
		"eventType", event.Type,
		"reason", reason)
}

// Dispatch runs every rule registered for the event type, each in its own
// goroutine, and returns the outcomes of the rules whose condition matched
// in priority order.
func (e *Engine) Dispatch(ctx context.Context, event rule.Event) []Outcome {
	atomic.AddUint64(&e.stats.Received, 1)

	snap := e.rules.Current()
	rules := snap.Find(event.Type)
	if len(rules) == 0 {
		e.metrics.IncEventsTotal("unmatched")
		e.logger.Debug("no rules for event", "eventType", event.Type)
		return nil
	}
	e.metrics.IncEventsTotal("processed")

	now := e.cfg.Now()
	if event.OccurredAt.IsZero() {
		event.OccurredAt = now
	}
	fields := rule.FlattenFields(event.Fields)

	results := make([]*Outcome, len(rules))
	var wg sync.WaitGroup
	for i, r := range rules {
		wg.Add(1)
		go func(i int, r *rule.Rule) {
			defer wg.Done()
			results[i] = e.runRule(ctx, snap, r, event, fields, now)
		}(i, r)
	}
	wg.Wait()

	outcomes := make([]Outcome, 0, len(results))
	for _, out := range results {
		if out != nil {
			outcomes = append(outcomes, *out)
		}
	}
	return outcomes
}

// runRule evaluates one rule and, on a match, runs its pipeline. It returns
// nil when the condition does not hold.
func (e *Engine) runRule(ctx context.Context, snap *rule.Snapshot, r *rule.Rule, event rule.Event, fields map[string]string, now time.Time) (out *Outcome) {
	defer e.recoverPipeline(&out, r.Name, event.Type)

	if !rule.EvaluateAt(r.Condition, event, now) {
		return nil
	}
	atomic.AddUint64(&e.stats.Matched, 1)
	e.metrics.IncRuleMatches()

	j := &job{
		ruleName:    r.Name,
		eventType:   event.Type,
		namespace:   r.Name,
		occurrence:  event.DedupKey,
		keyTemplate: r.DedupKey,
	}
	tr := newTracker(StateMatched)

	tpl := snap.Template(r.Template)
	if tpl == nil {
		// the snapshot guarantees templates for its rules, so this only
		// happens on a corrupted snapshot
		return e.failUnrendered(ctx, tr, j, r.Template, now)
	}
	j.tpl = tpl
	j.channel = tpl.Channel
	j.urgent = tpl.IsUrgent

	j.vars = make(map[string]string, len(fields)+4)
	for k, v := range fields {
		j.vars[k] = v
	}
	j.vars["rule_name"] = r.Name
	j.vars["template_name"] = tpl.Name
	j.vars["event_type"] = event.Type
	j.vars["triggered_at"] = now.Format(time.RFC3339)

	if r.DedupEnabled {
		j.dedup = true
		j.dedupWindow = r.DedupWindowSeconds
	}
	if r.RateLimitEnabled {
		j.rate = true
		j.rateKey = r.Name
		j.rateLimit = r.RateLimitCount
		j.rateWindow = r.RateLimitWindowSeconds
	}

	return e.process(ctx, tr, j, now)
}

func (e *Engine) recoverPipeline(out **Outcome, name, eventType string) {
	p := recover()
	if p == nil {
		return
	}
	err := fmt.Errorf("pipeline panic: %v", p)
	e.logger.Error("rule pipeline panicked",
		"rule", name,
		"eventType", eventType,
		"error", err)
	atomic.AddUint64(&e.stats.Failed, 1)
	e.metrics.IncNotifications(string(StateFailed))
	*out = &Outcome{Rule: name, State: StateFailed, Err: err}
}
