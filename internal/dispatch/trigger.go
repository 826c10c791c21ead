package dispatch

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"
)

// defaultTriggerDedupWindow applies when a trigger names a dedup key but
// its template has no window of its own.
const defaultTriggerDedupWindow = 300

// TriggerRequest sends a template directly, bypassing rule matching.
type TriggerRequest struct {
	TemplateName string
	Variables    map[string]string
	DedupKey     string
	Channel      string // overrides the template channel
	Urgent       *bool  // overrides the template urgency

	RateLimitCount         int // 0 disables the rate limit
	RateLimitWindowSeconds int // required when RateLimitCount is set
}

// Trigger renders and sends a template. Dedup applies when a key is given
// or the template declares a window; keys live under "template:<name>" and
// never collide with rule keys.
func (e *Engine) Trigger(ctx context.Context, req TriggerRequest) (out Outcome, err error) {
	tpl := e.rules.Current().Template(req.TemplateName)
	if tpl == nil {
		return Outcome{}, fmt.Errorf("%w: %q", ErrUnknownTemplate, req.TemplateName)
	}
	if req.RateLimitCount > 0 && req.RateLimitWindowSeconds <= 0 {
		return Outcome{}, fmt.Errorf("%w: rate limit of %d needs a positive window",
			ErrInvalidTrigger, req.RateLimitCount)
	}
	atomic.AddUint64(&e.stats.Triggered, 1)

	var result *Outcome
	defer func() {
		if result != nil {
			out = *result
		}
	}()
	defer e.recoverPipeline(&result, "", "")

	now := e.cfg.Now()
	namespace := "template:" + tpl.Name

	j := &job{
		tpl:        tpl,
		channel:    tpl.Channel,
		urgent:     tpl.IsUrgent,
		namespace:  namespace,
		occurrence: req.DedupKey,
	}
	if req.Channel != "" {
		j.channel = req.Channel
	}
	if req.Urgent != nil {
		j.urgent = *req.Urgent
	}

	j.vars = make(map[string]string, len(req.Variables)+2)
	for k, v := range req.Variables {
		j.vars[k] = v
	}
	j.vars["template_name"] = tpl.Name
	j.vars["triggered_at"] = now.Format(time.RFC3339)

	switch {
	case tpl.DedupWindowSeconds > 0:
		j.dedup = true
		j.dedupWindow = tpl.DedupWindowSeconds
	case req.DedupKey != "":
		j.dedup = true
		j.dedupWindow = defaultTriggerDedupWindow
	}
	if req.RateLimitCount > 0 {
		j.rate = true
		j.rateKey = namespace
		j.rateLimit = req.RateLimitCount
		j.rateWindow = req.RateLimitWindowSeconds
	}

	result = e.process(ctx, newTracker(StateMatched), j, now)
	return out, nil
}
