// Package janitor runs periodic expiry sweeps over the dedup and rate limit
// state.
package janitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"alert-dispatcher/internal/logger"
	"alert-dispatcher/internal/metrics"
)

// Target is a store with expiring entries in memory and optionally in a
// durable tier.
type Target interface {
	Sweep(now time.Time) int
	PurgeDurable(ctx context.Context, now time.Time) (int64, error)
}

type target struct {
	kind string
	t    Target
}

// Janitor sweeps its targets on a cron schedule.
type Janitor struct {
	schedule string
	parser   cron.Parser
	targets  []target
	logger   *logger.Logger
	metrics  *metrics.Metrics
	now      func() time.Time

	mu     sync.Mutex
	c      *cron.Cron
	cancel context.CancelFunc
}

// New validates schedule, a five field cron spec or an @every descriptor.
func New(schedule string, log *logger.Logger, m *metrics.Metrics) (*Janitor, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := parser.Parse(schedule); err != nil {
		return nil, fmt.Errorf("invalid janitor schedule %q: %w", schedule, err)
	}
	return &Janitor{
		schedule: schedule,
		parser:   parser,
		logger:   log,
		metrics:  m,
		now:      time.Now,
	}, nil
}

// Add registers a target under kind, used as the metric label.
func (j *Janitor) Add(kind string, t Target) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.targets = append(j.targets, target{kind: kind, t: t})
}

// RunOnce sweeps every target and returns the number of removed entries
// per kind. Durable failures are joined into the returned error.
func (j *Janitor) RunOnce(ctx context.Context) (map[string]int64, error) {
	j.mu.Lock()
	targets := append([]target(nil), j.targets...)
	j.mu.Unlock()

	now := j.now()
	purged := make(map[string]int64, len(targets))
	var errs []error

	for _, tg := range targets {
		n := int64(tg.t.Sweep(now))
		d, err := tg.t.PurgeDurable(ctx, now)
		if err != nil {
			j.metrics.IncStoreErrors(tg.kind + "_purge")
			errs = append(errs, fmt.Errorf("%s: %w", tg.kind, err))
		}
		n += d
		purged[tg.kind] = n
		j.metrics.AddJanitorPurged(tg.kind, n)
	}

	j.logger.Debug("janitor sweep finished", "purged", purged)
	return purged, errors.Join(errs...)
}

// Start schedules the sweeps. They stop when ctx ends or Stop is called.
func (j *Janitor) Start(ctx context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.c != nil {
		return errors.New("janitor already started")
	}

	runCtx, cancel := context.WithCancel(ctx)
	c := cron.New(cron.WithParser(j.parser))
	if _, err := c.AddFunc(j.schedule, func() {
		if _, err := j.RunOnce(runCtx); err != nil {
			j.logger.Error("janitor sweep failed", "error", err)
		}
	}); err != nil {
		cancel()
		return fmt.Errorf("failed to schedule janitor: %w", err)
	}

	c.Start()
	j.c = c
	j.cancel = cancel
	j.logger.Info("janitor started", "schedule", j.schedule)
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (j *Janitor) Stop() {
	j.mu.Lock()
	c, cancel := j.c, j.cancel
	j.c, j.cancel = nil, nil
	j.mu.Unlock()

	if c == nil {
		return
	}
	<-c.Stop().Done()
	cancel()
	j.logger.Info("janitor stopped")
}
