package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "alert_dispatcher"

// Metrics holds every collector exported by the dispatcher. All methods are
// safe to call on a nil *Metrics, which turns them into no-ops.
type Metrics struct {
	eventsTotal      *prometheus.CounterVec
	ruleMatches      prometheus.Counter
	notifications    *prometheus.CounterVec
	sendAttempts     *prometheus.CounterVec
	dedupDecisions   *prometheus.CounterVec
	rateDecisions    *prometheus.CounterVec
	storeErrors      *prometheus.CounterVec
	dispatchDuration prometheus.Histogram
	queueDepth       prometheus.Gauge
	rulesActive      prometheus.Gauge
	brokerConnected  *prometheus.GaugeVec
	brokerReconnects *prometheus.CounterVec
	janitorPurged    *prometheus.CounterVec
	processUptime    prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		eventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Events seen by the dispatcher, by status",
		}, []string{"status"}),
		ruleMatches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rule_matches_total",
			Help:      "Rules whose condition matched an event",
		}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Notifications by final state",
		}, []string{"status"}),
		sendAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_attempts_total",
			Help:      "Channel send attempts by channel and result",
		}, []string{"channel", "result"}),
		dedupDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dedup_decisions_total",
			Help:      "Dedup decisions by deciding tier and result",
		}, []string{"tier", "result"}),
		rateDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_decisions_total",
			Help:      "Rate limiter decisions",
		}, []string{"result"}),
		storeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_errors_total",
			Help:      "Durable store failures by operation",
		}, []string{"op"}),
		dispatchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_duration_seconds",
			Help:      "Time from rule match to terminal state",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Events waiting in the dispatch queue",
		}),
		rulesActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rules_active",
			Help:      "Active rules in the current snapshot",
		}),
		brokerConnected: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "broker_connected",
			Help:      "Broker connection status (1 connected, 0 disconnected)",
		}, []string{"broker"}),
		brokerReconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broker_reconnects_total",
			Help:      "Broker reconnections",
		}, []string{"broker"}),
		janitorPurged: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "janitor_purged_total",
			Help:      "Expired entries removed by the janitor",
		}, []string{"kind"}),
		processUptime: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "process_uptime_seconds",
			Help:      "Seconds since the dispatcher started",
		}),
	}

	collectors := []prometheus.Collector{
		m.eventsTotal, m.ruleMatches, m.notifications, m.sendAttempts,
		m.dedupDecisions, m.rateDecisions, m.storeErrors, m.dispatchDuration,
		m.queueDepth, m.rulesActive, m.brokerConnected, m.brokerReconnects,
		m.janitorPurged, m.processUptime,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}

	return m, nil
}

func (m *Metrics) IncEventsTotal(status string) {
	if m == nil {
		return
	}
	m.eventsTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) IncRuleMatches() {
	if m == nil {
		return
	}
	m.ruleMatches.Inc()
}

func (m *Metrics) IncNotifications(status string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(status).Inc()
}

func (m *Metrics) IncSendAttempts(channel, result string) {
	if m == nil {
		return
	}
	m.sendAttempts.WithLabelValues(channel, result).Inc()
}

func (m *Metrics) IncDedupDecision(tier, result string) {
	if m == nil {
		return
	}
	m.dedupDecisions.WithLabelValues(tier, result).Inc()
}

func (m *Metrics) IncRateDecision(result string) {
	if m == nil {
		return
	}
	m.rateDecisions.WithLabelValues(result).Inc()
}

func (m *Metrics) IncStoreErrors(op string) {
	if m == nil {
		return
	}
	m.storeErrors.WithLabelValues(op).Inc()
}

func (m *Metrics) ObserveDispatchDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.dispatchDuration.Observe(d.Seconds())
}

func (m *Metrics) SetQueueDepth(n float64) {
	if m == nil {
		return
	}
	m.queueDepth.Set(n)
}

func (m *Metrics) SetRulesActive(n float64) {
	if m == nil {
		return
	}
	m.rulesActive.Set(n)
}

func (m *Metrics) SetBrokerConnectionStatus(broker string, connected bool) {
	if m == nil {
		return
	}
	v := 0.0
	if connected {
		v = 1
	}
	m.brokerConnected.WithLabelValues(broker).Set(v)
}

func (m *Metrics) IncBrokerReconnects(broker string) {
	if m == nil {
		return
	}
	m.brokerReconnects.WithLabelValues(broker).Inc()
}

func (m *Metrics) AddJanitorPurged(kind string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.janitorPurged.WithLabelValues(kind).Add(float64(n))
}

// GaugeSource samples a component's state into the metrics on each tick.
type GaugeSource func(m *Metrics)

// MetricsCollector periodically refreshes gauges that are cheaper to poll
// than to maintain inline, such as queue depth.
type MetricsCollector struct {
	metrics  *Metrics
	interval time.Duration
	start    time.Time

	mu      sync.Mutex
	sources []GaugeSource
	done    chan struct{}
	wg      sync.WaitGroup
}

func NewMetricsCollector(m *Metrics, interval time.Duration, sources ...GaugeSource) *MetricsCollector {
	return &MetricsCollector{
		metrics:  m,
		interval: interval,
		start:    time.Now(),
		sources:  sources,
		done:     make(chan struct{}),
	}
}

// AddSource registers another sampler. Safe to call after Start.
func (c *MetricsCollector) AddSource(src GaugeSource) {
	c.mu.Lock()
	c.sources = append(c.sources, src)
	c.mu.Unlock()
}

func (c *MetricsCollector) Start() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()

		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.done:
				return
			}
		}
	}()
}

func (c *MetricsCollector) Stop() {
	close(c.done)
	c.wg.Wait()
}

func (c *MetricsCollector) collect() {
	if c.metrics == nil {
		return
	}
	c.metrics.processUptime.Set(time.Since(c.start).Seconds())

	c.mu.Lock()
	sources := append([]GaugeSource(nil), c.sources...)
	c.mu.Unlock()

	for _, src := range sources {
		src(c.metrics)
	}
}
