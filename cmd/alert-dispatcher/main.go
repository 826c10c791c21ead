package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"alert-dispatcher/config"
	"alert-dispatcher/internal/broker"
	"alert-dispatcher/internal/broker/kafka"
	"alert-dispatcher/internal/broker/mqtt"
	"alert-dispatcher/internal/broker/nats"
	"alert-dispatcher/internal/channel"
	"alert-dispatcher/internal/channel/email"
	"alert-dispatcher/internal/channel/logchan"
	"alert-dispatcher/internal/channel/telegram"
	"alert-dispatcher/internal/channel/webhook"
	"alert-dispatcher/internal/channel/wechat"
	"alert-dispatcher/internal/dedup"
	"alert-dispatcher/internal/dispatch"
	"alert-dispatcher/internal/janitor"
	"alert-dispatcher/internal/logger"
	"alert-dispatcher/internal/metrics"
	"alert-dispatcher/internal/notification"
	"alert-dispatcher/internal/ratelimit"
	"alert-dispatcher/internal/rule"
	"alert-dispatcher/internal/stats"
	"alert-dispatcher/internal/store"
)

func main() {
	// Command line flags for config and rules
	configPath := flag.String("config", "config/config.json", "path to config file")
	rulesPath := flag.String("rules", "", "override path to rules directory (empty = use config)")

	// Optional override flags
	workersOverride := flag.Int("workers", 0, "override number of dispatch workers (0 = use config)")
	queueSizeOverride := flag.Int("queue-size", 0, "override size of the event queue (0 = use config)")
	metricsAddrOverride := flag.String("metrics-addr", "", "override metrics server address (empty = use config)")
	metricsPathOverride := flag.String("metrics-path", "", "override metrics endpoint path (empty = use config)")
	metricsIntervalOverride := flag.Duration("metrics-interval", 0, "override metrics collection interval (0 = use config)")

	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	// Apply any command line overrides
	cfg.ApplyOverrides(
		*workersOverride,
		*queueSizeOverride,
		*rulesPath,
		*metricsAddrOverride,
		*metricsPathOverride,
		*metricsIntervalOverride,
	)

	// Initialize logger
	logger, err := logger.NewLogger(&cfg.Logging)
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Setup metrics if enabled
	var metricsService *metrics.Metrics
	var metricsCollector *metrics.MetricsCollector
	var metricsServer *http.Server

	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		metricsService, err = metrics.NewMetrics(reg)
		if err != nil {
			logger.Fatal("failed to create metrics service", "error", err)
		}

		updateInterval, err := time.ParseDuration(cfg.Metrics.UpdateInterval)
		if err != nil {
			logger.Fatal("invalid metrics update interval", "error", err)
		}
		metricsCollector = metrics.NewMetricsCollector(metricsService, updateInterval)

		mux := http.NewServeMux()
		mux.Handle(cfg.Metrics.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{
			Registry:          reg,
			EnableOpenMetrics: true,
		}))

		metricsServer = &http.Server{
			Addr:    cfg.Metrics.Address,
			Handler: mux,
		}

		go func() {
			logger.Info("starting metrics server",
				"address", cfg.Metrics.Address,
				"path", cfg.Metrics.Path)
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server error", "error", err)
			}
		}()
	}

	// Notification records and durable tiers
	notifications, dedupDurable, rateDurable, closeStores := openStores(ctx, cfg, logger)
	defer closeStores()

	dedupStore := dedup.NewStore(dedupDurable, dedup.Config{MaxEntries: cfg.Dedup.MaxEntries}, logger, metricsService)
	defer dedupStore.Close()
	limiter := ratelimit.NewLimiter(rateDurable, ratelimit.Config{}, logger, metricsService)

	// Rules
	index := rule.NewRuleIndex(logger, metricsService)
	watcher := rule.NewWatcher(cfg.Rules.Path, rule.NewRulesLoader(logger), index, logger)
	if err := watcher.Reload(); err != nil {
		logger.Fatal("failed to load rules", "error", err)
	}
	if cfg.Rules.Watch {
		go func() {
			if err := watcher.Run(ctx); err != nil {
				logger.Error("rules watcher stopped", "error", err)
			}
		}()
	}

	// Broker connections shared by sources and publish channels
	var natsConn *nats.Connection
	if cfg.Sources.NATS.Enabled {
		natsConn, err = nats.Connect(cfg.Sources.NATS, logger, metricsService)
		if err != nil {
			logger.Fatal("failed to connect to nats", "error", err)
		}
		defer natsConn.Close()
	}
	var mqttConn *mqtt.Connection
	if cfg.Sources.MQTT.Enabled {
		mqttConn, err = mqtt.Connect(cfg.Sources.MQTT, logger, metricsService)
		if err != nil {
			logger.Fatal("failed to connect to mqtt broker", "error", err)
		}
		defer mqttConn.Close()
	}

	// Channels
	registry := channel.NewRegistry(logger, metricsService)
	registerChannels(ctx, cfg, registry, natsConn, mqttConn, logger)
	if len(registry.Names()) == 0 {
		logger.Warn("no notification channels enabled; every notification will fail")
	}

	// Dispatch engine
	engine := dispatch.NewEngine(dispatch.Config{
		Workers:     cfg.Processing.Workers,
		QueueSize:   cfg.Processing.QueueSize,
		SendTimeout: cfg.SendTimeout(),
		MaxAttempts: cfg.Dispatch.MaxAttempts,
		Backoff:     dispatch.ExponentialBackoff(cfg.RetryBase(), cfg.RetryMaxDelay()),
	}, dispatch.Deps{
		Rules:   index,
		Dedup:   dedupStore,
		Limiter: limiter,
		Sender:  registry,
		Store:   notifications,
	}, logger, metricsService)
	engine.Start(ctx)

	if metricsCollector != nil {
		metricsCollector.AddSource(func(m *metrics.Metrics) {
			m.SetQueueDepth(float64(engine.QueueDepth()))
		})
		metricsCollector.Start()
		defer metricsCollector.Stop()
	}

	// Sources
	sources := broker.NewManager(logger)
	if natsConn != nil {
		addSource(sources, nats.NewSource(natsConn, cfg.Sources.NATS.Subjects, engine.Submit, logger, metricsService), logger)
	}
	if mqttConn != nil {
		addSource(sources, mqtt.NewSource(mqttConn, cfg.Sources.MQTT.Topics, cfg.Sources.MQTT.QoS, engine.Submit, logger, metricsService), logger)
	}
	if cfg.Sources.Kafka.Enabled {
		src, err := kafka.NewSource(cfg.Sources.Kafka, engine.Submit, logger, metricsService)
		if err != nil {
			logger.Fatal("failed to create kafka source", "error", err)
		}
		addSource(sources, src, logger)
	}
	if err := sources.Start(ctx); err != nil {
		logger.Fatal("failed to start sources", "error", err)
	}

	// Periodic maintenance
	sweeper, err := janitor.New(cfg.Janitor.Schedule, logger, metricsService)
	if err != nil {
		logger.Fatal("failed to create janitor", "error", err)
	}
	sweeper.Add("dedup", dedupStore)
	sweeper.Add("ratelimit", limiter)
	if err := sweeper.Start(ctx); err != nil {
		logger.Fatal("failed to start janitor", "error", err)
	}

	// Process-wide counters for status reporting
	statsCollector := stats.NewStatsCollector()
	refreshStats := func() {
		statsCollector.Update(engine.GetStats(), engine.QueueDepth(), sources.GetStats())
	}
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				refreshStats()
			}
		}
	}()

	logger.Info("alert-dispatcher started",
		"workers", cfg.Processing.Workers,
		"queueSize", cfg.Processing.QueueSize,
		"rulesCount", index.GetStats().RuleCount,
		"channels", registry.Names(),
		"sources", sources.Names(),
		"metricsEnabled", cfg.Metrics.Enabled)

	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		logger.Warn("failed to notify systemd", "error", err)
	} else if ok {
		logger.Debug("notified systemd readiness")
	}

	// Setup signal handlers
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGUSR1)

	for {
		sig := <-sigChan
		switch sig {
		case syscall.SIGHUP:
			logger.Info("received SIGHUP, reloading rules")
			_, _ = daemon.SdNotify(false, daemon.SdNotifyReloading)
			if err := watcher.Reload(); err == nil {
				logger.Info("rules reloaded", "rulesCount", index.GetStats().RuleCount)
			}
			_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
		case syscall.SIGUSR1:
			refreshStats()
			if data, err := statsCollector.GetStatsJSON(); err == nil {
				logger.Info("dispatcher stats",
					"stats", string(data),
					"sentPerSecond", statsCollector.CalculateRate())
			}
		case syscall.SIGINT, syscall.SIGTERM:
			logger.Info("shutting down...")
			_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

			// Graceful shutdown
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer shutdownCancel()

			// Stop intake first, then drain queued events
			sources.Stop()
			if err := engine.Stop(shutdownCtx); err != nil {
				logger.Error("dispatch queue not drained before deadline", "error", err)
			}
			sweeper.Stop()

			if metricsServer != nil {
				if err := metricsServer.Shutdown(shutdownCtx); err != nil {
					logger.Error("failed to shutdown metrics server", "error", err)
				}
			}

			refreshStats()
			if data, err := statsCollector.GetStatsJSON(); err == nil {
				logger.Info("final stats", "stats", string(data))
			}
			cancel()
			return
		}
	}
}

func addSource(m *broker.Manager, src broker.Source, log *logger.Logger) {
	if err := m.Add(src); err != nil {
		log.Fatal("failed to add source", "source", src.Name(), "error", err)
	}
}

// openStores returns the notification store and the durable dedup and rate
// limit tiers. Redis takes the durable tiers when enabled; otherwise they
// live in the SQL database, or in memory for the memory driver.
func openStores(ctx context.Context, cfg *config.Config, log *logger.Logger) (notification.Store, dedup.Durable, ratelimit.Durable, func()) {
	var (
		notifications notification.Store
		dedupDurable  dedup.Durable
		rateDurable   ratelimit.Durable
		closers       []func() error
	)

	switch cfg.Store.Driver {
	case "sqlite", "postgres":
		db, err := store.OpenSQL(ctx, store.Dialect(cfg.Store.Driver), cfg.Store.DSN, log)
		if err != nil {
			log.Fatal("failed to open store", "driver", cfg.Store.Driver, "error", err)
		}
		notifications, dedupDurable, rateDurable = db, db, db
		closers = append(closers, db.Close)
	default:
		mem := store.NewMemory()
		notifications = mem
		dedupDurable = dedup.NewMemoryDurable()
		rateDurable = ratelimit.NewMemoryDurable()
		closers = append(closers, mem.Close)
	}

	if cfg.Redis.Enabled {
		rdb, err := store.DialRedis(ctx, cfg.Redis.Address, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			log.Fatal("failed to connect to redis", "error", err)
		}
		log.Info("using redis for dedup and rate limit state", "address", cfg.Redis.Address)
		dedupDurable, rateDurable = rdb, rdb
		closers = append(closers, rdb.Close)
	}

	return notifications, dedupDurable, rateDurable, func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				log.Error("failed to close store", "error", err)
			}
		}
	}
}

func throttle(t config.ThrottleConfig) channel.Options {
	return channel.Options{RatePerSecond: t.RatePerSecond, Burst: t.Burst}
}

func registerChannels(ctx context.Context, cfg *config.Config, reg *channel.Registry, natsConn *nats.Connection, mqttConn *mqtt.Connection, log *logger.Logger) {
	ch := cfg.Channels
	client := &http.Client{Timeout: cfg.SendTimeout()}

	if ch.WeChat.Enabled {
		reg.Register(wechat.New(ch.WeChat.WebhookURL, client), throttle(ch.WeChat.Throttle))
	}
	if ch.Webhook.Enabled {
		hook, err := webhook.New(ch.Webhook.URL, client)
		if err != nil {
			log.Fatal("failed to create webhook channel", "error", err)
		}
		reg.Register(hook, throttle(ch.Webhook.Throttle))
	}
	if ch.Email.Enabled {
		resend := email.NewResendProvider(ch.Email.ResendAPIKey)
		var providers []email.Provider
		if ch.Email.SESRegion != "" {
			ses, err := email.NewSESProvider(ctx, ch.Email.SESRegion)
			if err != nil {
				log.Fatal("failed to create ses provider", "error", err)
			}
			if ch.Email.Primary == "ses" {
				providers = append(providers, ses, resend)
			} else {
				providers = append(providers, resend, ses)
			}
		} else {
			providers = append(providers, resend)
		}
		reg.Register(email.New(ch.Email.From, ch.Email.To, log, providers...), throttle(ch.Email.Throttle))
	}
	if ch.Telegram.Enabled {
		bot, err := telegram.New(telegram.Config{
			Token:  ch.Telegram.Token,
			ChatID: ch.Telegram.ChatID,
			Client: client,
		})
		if err != nil {
			log.Fatal("failed to create telegram channel", "error", err)
		}
		reg.Register(bot, throttle(ch.Telegram.Throttle))
	}
	if ch.Log.Enabled {
		reg.Register(logchan.New(log), channel.Options{})
	}
	if ch.NATS.Enabled && natsConn != nil {
		reg.Register(nats.NewPublisher(natsConn, ch.NATS.Topic), channel.Options{})
	}
	if ch.MQTT.Enabled && mqttConn != nil {
		pub, err := mqtt.NewPublisher(mqttConn, ch.MQTT.Topic, cfg.Sources.MQTT.QoS)
		if err != nil {
			log.Fatal("failed to create mqtt channel", "error", err)
		}
		reg.Register(pub, channel.Options{})
	}
}
