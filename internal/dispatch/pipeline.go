package dispatch

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"alert-dispatcher/internal/channel"
	"alert-dispatcher/internal/notification"
	"alert-dispatcher/internal/rule"
)

// job carries one pipeline run from render to record.
type job struct {
	ruleName  string // empty for manual triggers
	eventType string
	tpl       *rule.Template
	vars      map[string]string
	channel   string
	urgent    bool

	dedup       bool
	dedupWindow int
	namespace   string // prefixes every dedup key
	occurrence  string // producer supplied key
	keyTemplate string // rule dedup key pattern

	rate       bool
	rateKey    string
	rateLimit  int
	rateWindow int
}

func (e *Engine) process(ctx context.Context, tr *tracker, j *job, now time.Time) *Outcome {
	start := time.Now()

	title, missingTitle := rule.Render(j.tpl.Title, j.vars)
	content, missingContent := rule.Render(j.tpl.Content, j.vars)
	if missing := append(missingTitle, missingContent...); len(missing) > 0 {
		e.logger.Warn("template variables missing",
			"rule", j.ruleName,
			"template", j.tpl.Name,
			"eventType", j.eventType,
			"missing", missing)
	}
	e.advance(tr, j, StateRendered)

	n := notification.New(now)
	n.RuleName = j.ruleName
	n.TemplateName = j.tpl.Name
	n.EventType = j.eventType
	n.Title = title
	n.Content = content
	n.Channel = j.channel
	n.IsUrgent = j.urgent

	// dedup runs first so that a suppressed duplicate never spends rate budget
	if j.dedup {
		key := j.dedupKey(title)
		n.DedupKey = &key
		if e.dedup.CheckAndMark(ctx, key, j.dedupWindow) {
			return e.suppress(ctx, tr, j, n, StateSuppressedDedup, notification.ReasonDedup)
		}
	}
	if j.rate && !e.limiter.TryAcquire(ctx, j.rateKey, j.rateLimit, j.rateWindow) {
		return e.suppress(ctx, tr, j, n, StateSuppressedRate, notification.ReasonRate)
	}

	e.advance(tr, j, StateReady)
	e.create(ctx, j, n)

	err := e.deliver(ctx, tr, j, n)
	e.update(ctx, j, n)

	if err != nil {
		atomic.AddUint64(&e.stats.Failed, 1)
	} else {
		atomic.AddUint64(&e.stats.Sent, 1)
	}
	e.metrics.IncNotifications(string(tr.state))
	e.metrics.ObserveDispatchDuration(time.Since(start))

	return &Outcome{Rule: j.ruleName, State: tr.state, Notification: n, Err: err}
}

// deliver runs the send loop. No dedup or rate state is held across
// attempts.
func (e *Engine) deliver(ctx context.Context, tr *tracker, j *job, n *notification.Notification) error {
	msg := channel.Message{
		NotificationID: n.ID,
		RuleName:       n.RuleName,
		Title:          n.Title,
		Content:        n.Content,
		IsUrgent:       n.IsUrgent,
	}

	for {
		e.advance(tr, j, StateSending)

		ok, err := e.attempt(ctx, n.Channel, msg)

		if err == nil && ok {
			e.advance(tr, j, StateSent)
			n.MarkSent(e.cfg.Now())
			e.logger.Debug("notification sent",
				"id", n.ID,
				"rule", j.ruleName,
				"channel", n.Channel,
				"retryCount", n.RetryCount)
			return nil
		}
		if err == nil {
			err = errors.New("channel did not acknowledge delivery")
		}

		n.RetryCount++
		if channel.IsPermanent(err) || n.RetryCount >= e.cfg.MaxAttempts {
			return e.fail(tr, j, n, err)
		}

		e.advance(tr, j, StateRetry)
		delay := e.cfg.Backoff(n.RetryCount)
		e.logger.Warn("send attempt failed, retrying",
			"id", n.ID,
			"rule", j.ruleName,
			"eventType", j.eventType,
			"channel", n.Channel,
			"retryCount", n.RetryCount,
			"delay", delay,
			"error", err)

		if werr := wait(ctx, delay); werr != nil {
			return e.fail(tr, j, n, fmt.Errorf("retry abandoned after %v: %w", err, werr))
		}
	}
}

// attempt runs one send under the per-attempt timeout. A panicking
// transport counts as a permanent failure of this notification.
func (e *Engine) attempt(ctx context.Context, channelName string, msg channel.Message) (ok bool, err error) {
	attemptCtx, cancel := context.WithTimeout(ctx, e.cfg.SendTimeout)
	defer cancel()
	defer func() {
		if p := recover(); p != nil {
			ok = false
			err = channel.Permanent(fmt.Errorf("channel %s panicked: %v", channelName, p))
		}
	}()
	return e.sender.Send(attemptCtx, channelName, msg)
}

func (e *Engine) fail(tr *tracker, j *job, n *notification.Notification, err error) error {
	e.advance(tr, j, StateFailed)
	n.MarkFailed(e.cfg.Now(), err)
	e.logger.Error("notification failed",
		"id", n.ID,
		"rule", j.ruleName,
		"eventType", j.eventType,
		"dedupKey", derefString(n.DedupKey),
		"channel", n.Channel,
		"retryCount", n.RetryCount,
		"error", err)
	return err
}

func (e *Engine) suppress(ctx context.Context, tr *tracker, j *job, n *notification.Notification, state State, reason string) *Outcome {
	e.advance(tr, j, state)
	n.MarkSuppressed(n.CreatedAt, reason)
	e.create(ctx, j, n)

	if state == StateSuppressedDedup {
		atomic.AddUint64(&e.stats.SuppressedDedup, 1)
	} else {
		atomic.AddUint64(&e.stats.SuppressedRate, 1)
	}
	e.metrics.IncNotifications(string(state))
	e.logger.Debug("notification suppressed",
		"rule", j.ruleName,
		"eventType", j.eventType,
		"reason", reason,
		"dedupKey", derefString(n.DedupKey))

	return &Outcome{Rule: j.ruleName, State: state, Notification: n}
}

// failUnrendered records a matched rule whose template cannot be resolved.
func (e *Engine) failUnrendered(ctx context.Context, tr *tracker, j *job, templateName string, now time.Time) *Outcome {
	err := fmt.Errorf("%w: %q", ErrUnknownTemplate, templateName)

	n := notification.New(now)
	n.RuleName = j.ruleName
	n.TemplateName = templateName
	n.EventType = j.eventType

	e.fail(tr, j, n, err)
	e.create(ctx, j, n)
	atomic.AddUint64(&e.stats.Failed, 1)
	e.metrics.IncNotifications(string(StateFailed))

	return &Outcome{Rule: j.ruleName, State: StateFailed, Notification: n, Err: err}
}

func (e *Engine) advance(tr *tracker, j *job, to State) {
	if err := tr.advance(to); err != nil {
		e.logger.Error("dispatch state machine violated",
			"rule", j.ruleName,
			"eventType", j.eventType,
			"error", err)
	}
}

// create and update never abort the pipeline; the send outcome stands even
// when it cannot be recorded.
func (e *Engine) create(ctx context.Context, j *job, n *notification.Notification) {
	if err := e.store.Create(context.WithoutCancel(ctx), n); err != nil {
		e.metrics.IncStoreErrors("notification_create")
		e.logger.Error("failed to record notification",
			"id", n.ID,
			"rule", j.ruleName,
			"eventType", j.eventType,
			"status", n.Status,
			"error", err)
	}
}

func (e *Engine) update(ctx context.Context, j *job, n *notification.Notification) {
	if err := e.store.Update(context.WithoutCancel(ctx), n); err != nil {
		e.metrics.IncStoreErrors("notification_update")
		e.logger.Error("failed to update notification",
			"id", n.ID,
			"rule", j.ruleName,
			"eventType", j.eventType,
			"status", n.Status,
			"error", err)
	}
}

// dedupKey picks the producer key, then the rule's rendered key pattern,
// then a digest of the rendered content.
func (j *job) dedupKey(title string) string {
	base := j.occurrence
	if base == "" && j.keyTemplate != "" {
		base, _ = rule.Render(j.keyTemplate, j.vars)
	}
	if base == "" {
		base = GenerateDedupKey(j.tpl.Name, title, j.vars)
	}
	return j.namespace + ":" + base
}

// GenerateDedupKey digests the template name, rendered title and variables.
// triggered_at is left out so that repeats of the same occurrence collide.
func GenerateDedupKey(templateName, title string, vars map[string]string) string {
	stable := make(map[string]string, len(vars))
	for k, v := range vars {
		if k != "triggered_at" {
			stable[k] = v
		}
	}
	// map keys marshal sorted
	data, _ := json.Marshal(stable)

	sum := md5.Sum([]byte(templateName + ":" + title + ":" + string(data)))
	return hex.EncodeToString(sum[:])
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
