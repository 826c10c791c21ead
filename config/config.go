package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Logging    LogConfig      `json:"logging" yaml:"logging"`
	Metrics    MetricsConfig  `json:"metrics" yaml:"metrics"`
	Processing ProcConfig     `json:"processing" yaml:"processing"`
	Dispatch   DispatchConfig `json:"dispatch" yaml:"dispatch"`
	Store      StoreConfig    `json:"store" yaml:"store"`
	Redis      RedisConfig    `json:"redis" yaml:"redis"`
	Dedup      DedupConfig    `json:"dedup" yaml:"dedup"`
	Janitor    JanitorConfig  `json:"janitor" yaml:"janitor"`
	Rules      RulesConfig    `json:"rules" yaml:"rules"`
	Sources    SourcesConfig  `json:"sources" yaml:"sources"`
	Channels   ChannelsConfig `json:"channels" yaml:"channels"`
}

type LogConfig struct {
	Level      string `json:"level" yaml:"level"`           // debug, info, warn, error
	OutputPath string `json:"outputPath" yaml:"outputPath"` // file path or "stdout"
	Encoding   string `json:"encoding" yaml:"encoding"`     // json or console
}

type MetricsConfig struct {
	Enabled        bool   `json:"enabled" yaml:"enabled"`
	Address        string `json:"address" yaml:"address"`
	Path           string `json:"path" yaml:"path"`
	UpdateInterval string `json:"updateInterval" yaml:"updateInterval"` // Duration string
}

type ProcConfig struct {
	Workers   int `json:"workers" yaml:"workers"`
	QueueSize int `json:"queueSize" yaml:"queueSize"`
}

// DispatchConfig controls the send loop. Durations are duration strings.
type DispatchConfig struct {
	SendTimeout   string `json:"sendTimeout" yaml:"sendTimeout"`
	MaxAttempts   int    `json:"maxAttempts" yaml:"maxAttempts"`
	RetryBase     string `json:"retryBase" yaml:"retryBase"`
	RetryMaxDelay string `json:"retryMaxDelay" yaml:"retryMaxDelay"`
}

type StoreConfig struct {
	Driver string `json:"driver" yaml:"driver"` // memory, sqlite or postgres
	DSN    string `json:"dsn" yaml:"dsn"`
}

type RedisConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Address  string `json:"address" yaml:"address"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
}

type DedupConfig struct {
	MaxEntries int `json:"maxEntries" yaml:"maxEntries"`
}

type JanitorConfig struct {
	Schedule string `json:"schedule" yaml:"schedule"` // cron spec or @every descriptor
}

type RulesConfig struct {
	Path  string `json:"path" yaml:"path"`
	Watch bool   `json:"watch" yaml:"watch"`
}

type TLSConfig struct {
	Enable   bool   `json:"enable" yaml:"enable"`
	CertFile string `json:"certFile" yaml:"certFile"`
	KeyFile  string `json:"keyFile" yaml:"keyFile"`
	CAFile   string `json:"caFile" yaml:"caFile"`
}

type SourcesConfig struct {
	NATS  NATSConfig  `json:"nats" yaml:"nats"`
	MQTT  MQTTConfig  `json:"mqtt" yaml:"mqtt"`
	Kafka KafkaConfig `json:"kafka" yaml:"kafka"`
}

type NATSConfig struct {
	Enabled  bool      `json:"enabled" yaml:"enabled"`
	URLs     []string  `json:"urls" yaml:"urls"`
	ClientID string    `json:"clientId" yaml:"clientId"`
	Username string    `json:"username" yaml:"username"`
	Password string    `json:"password" yaml:"password"`
	Subjects []string  `json:"subjects" yaml:"subjects"`
	TLS      TLSConfig `json:"tls" yaml:"tls"`
}

type MQTTConfig struct {
	Enabled  bool      `json:"enabled" yaml:"enabled"`
	Broker   string    `json:"broker" yaml:"broker"`
	ClientID string    `json:"clientId" yaml:"clientId"`
	Username string    `json:"username" yaml:"username"`
	Password string    `json:"password" yaml:"password"`
	Topics   []string  `json:"topics" yaml:"topics"`
	QoS      byte      `json:"qos" yaml:"qos"`
	TLS      TLSConfig `json:"tls" yaml:"tls"`
}

type KafkaConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Brokers string `json:"brokers" yaml:"brokers"` // comma separated
	Topic   string `json:"topic" yaml:"topic"`
	GroupID string `json:"groupId" yaml:"groupId"`
	Format  string `json:"format" yaml:"format"` // json or protobuf
}

// ThrottleConfig bounds outbound throughput of a single channel.
type ThrottleConfig struct {
	RatePerSecond float64 `json:"ratePerSecond" yaml:"ratePerSecond"`
	Burst         int     `json:"burst" yaml:"burst"`
}

type ChannelsConfig struct {
	WeChat   WeChatConfig   `json:"wechat" yaml:"wechat"`
	Webhook  WebhookConfig  `json:"webhook" yaml:"webhook"`
	Email    EmailConfig    `json:"email" yaml:"email"`
	Telegram TelegramConfig `json:"telegram" yaml:"telegram"`
	Log      LogChannel     `json:"log" yaml:"log"`
	NATS     PublishConfig  `json:"nats" yaml:"nats"`
	MQTT     PublishConfig  `json:"mqtt" yaml:"mqtt"`
}

type WeChatConfig struct {
	Enabled    bool           `json:"enabled" yaml:"enabled"`
	WebhookURL string         `json:"webhookUrl" yaml:"webhookUrl"`
	Throttle   ThrottleConfig `json:"throttle" yaml:"throttle"`
}

type WebhookConfig struct {
	Enabled  bool           `json:"enabled" yaml:"enabled"`
	URL      string         `json:"url" yaml:"url"`
	Throttle ThrottleConfig `json:"throttle" yaml:"throttle"`
}

type EmailConfig struct {
	Enabled      bool           `json:"enabled" yaml:"enabled"`
	From         string         `json:"from" yaml:"from"`
	To           []string       `json:"to" yaml:"to"`
	Primary      string         `json:"primary" yaml:"primary"` // resend or ses
	ResendAPIKey string         `json:"resendApiKey" yaml:"resendApiKey"`
	SESRegion    string         `json:"sesRegion" yaml:"sesRegion"`
	Throttle     ThrottleConfig `json:"throttle" yaml:"throttle"`
}

type TelegramConfig struct {
	Enabled  bool           `json:"enabled" yaml:"enabled"`
	Token    string         `json:"token" yaml:"token"`
	ChatID   int64          `json:"chatId" yaml:"chatId"`
	Throttle ThrottleConfig `json:"throttle" yaml:"throttle"`
}

type LogChannel struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
}

// PublishConfig configures a broker publish channel. It reuses the
// connection settings of the matching source.
type PublishConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Topic   string `json:"topic" yaml:"topic"`
}

// Load reads and parses the configuration file. Files ending in .yaml or
// .yml are decoded as YAML, anything else as JSON.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &config)
	default:
		err = json.Unmarshal(data, &config)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.setDefaults()

	// Validate the configuration
	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// Default returns a configuration with every default applied. It runs an
// in-memory engine with the log channel only.
func Default() *Config {
	cfg := &Config{}
	cfg.Channels.Log.Enabled = true
	cfg.setDefaults()
	return cfg
}

func (config *Config) setDefaults() {
	// Set defaults for logging
	if config.Logging.Level == "" {
		config.Logging.Level = "info"
	}
	if config.Logging.OutputPath == "" {
		config.Logging.OutputPath = "stdout"
	}
	if config.Logging.Encoding == "" {
		config.Logging.Encoding = "json"
	}

	// Set defaults for metrics
	if config.Metrics.Address == "" {
		config.Metrics.Address = ":2112"
	}
	if config.Metrics.Path == "" {
		config.Metrics.Path = "/metrics"
	}
	if config.Metrics.UpdateInterval == "" {
		config.Metrics.UpdateInterval = "15s"
	}

	// Set defaults for processing
	if config.Processing.Workers <= 0 {
		config.Processing.Workers = runtime.NumCPU()
	}
	if config.Processing.QueueSize <= 0 {
		config.Processing.QueueSize = 10000
	}

	// Set defaults for dispatch
	if config.Dispatch.SendTimeout == "" {
		config.Dispatch.SendTimeout = "10s"
	}
	if config.Dispatch.MaxAttempts <= 0 {
		config.Dispatch.MaxAttempts = 3
	}
	if config.Dispatch.RetryBase == "" {
		config.Dispatch.RetryBase = "500ms"
	}
	if config.Dispatch.RetryMaxDelay == "" {
		config.Dispatch.RetryMaxDelay = "10s"
	}

	if config.Store.Driver == "" {
		config.Store.Driver = "memory"
	}
	if config.Redis.Address == "" {
		config.Redis.Address = "localhost:6379"
	}
	if config.Dedup.MaxEntries <= 0 {
		config.Dedup.MaxEntries = 10000
	}
	if config.Janitor.Schedule == "" {
		config.Janitor.Schedule = "@every 1m"
	}
	if config.Rules.Path == "" {
		config.Rules.Path = "rules"
	}
	if config.Sources.Kafka.Format == "" {
		config.Sources.Kafka.Format = "json"
	}
	if config.Channels.Email.Primary == "" {
		config.Channels.Email.Primary = "resend"
	}
}

// validateConfig performs validation of all configuration values
func validateConfig(cfg *Config) error {
	// Validate logging config
	switch cfg.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s", cfg.Logging.Level)
	}

	switch cfg.Logging.Encoding {
	case "json", "console":
	default:
		return fmt.Errorf("invalid log encoding: %s", cfg.Logging.Encoding)
	}

	// Validate metrics config
	if cfg.Metrics.Enabled {
		if _, err := time.ParseDuration(cfg.Metrics.UpdateInterval); err != nil {
			return fmt.Errorf("invalid metrics update interval: %w", err)
		}
	}

	// Validate processing config
	if cfg.Processing.Workers < 1 {
		return fmt.Errorf("workers must be greater than 0")
	}
	if cfg.Processing.QueueSize < 1 {
		return fmt.Errorf("queue size must be greater than 0")
	}

	for name, value := range map[string]string{
		"send timeout":    cfg.Dispatch.SendTimeout,
		"retry base":      cfg.Dispatch.RetryBase,
		"retry max delay": cfg.Dispatch.RetryMaxDelay,
	} {
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", name, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}

	switch cfg.Store.Driver {
	case "memory":
	case "sqlite", "postgres":
		if cfg.Store.DSN == "" {
			return fmt.Errorf("store dsn is required for driver %s", cfg.Store.Driver)
		}
	default:
		return fmt.Errorf("invalid store driver: %s", cfg.Store.Driver)
	}

	if err := validateSources(&cfg.Sources); err != nil {
		return err
	}
	return validateChannels(cfg)
}

func validateSources(src *SourcesConfig) error {
	if src.NATS.Enabled {
		if len(src.NATS.URLs) == 0 {
			return fmt.Errorf("nats urls are required when the nats source is enabled")
		}
		if len(src.NATS.Subjects) == 0 {
			return fmt.Errorf("nats subjects are required when the nats source is enabled")
		}
		if err := validateTLS(src.NATS.TLS); err != nil {
			return fmt.Errorf("nats: %w", err)
		}
	}
	if src.MQTT.Enabled {
		if src.MQTT.Broker == "" {
			return fmt.Errorf("mqtt broker address is required")
		}
		if src.MQTT.QoS > 2 {
			return fmt.Errorf("mqtt qos must be 0, 1, or 2")
		}
		if err := validateTLS(src.MQTT.TLS); err != nil {
			return fmt.Errorf("mqtt: %w", err)
		}
	}
	if src.Kafka.Enabled {
		if src.Kafka.Brokers == "" || src.Kafka.Topic == "" || src.Kafka.GroupID == "" {
			return fmt.Errorf("kafka brokers, topic and groupId are required")
		}
		switch src.Kafka.Format {
		case "json", "protobuf":
		default:
			return fmt.Errorf("invalid kafka format: %s", src.Kafka.Format)
		}
	}
	return nil
}

// validateTLS checks TLS settings if enabled
func validateTLS(tls TLSConfig) error {
	if !tls.Enable {
		return nil
	}
	if tls.CertFile == "" {
		return fmt.Errorf("tls cert file is required when tls is enabled")
	}
	if tls.KeyFile == "" {
		return fmt.Errorf("tls key file is required when tls is enabled")
	}
	if tls.CAFile == "" {
		return fmt.Errorf("tls ca file is required when tls is enabled")
	}
	return nil
}

func validateChannels(cfg *Config) error {
	ch := &cfg.Channels
	if ch.WeChat.Enabled && ch.WeChat.WebhookURL == "" {
		return fmt.Errorf("wechat webhook url is required")
	}
	if ch.Webhook.Enabled && ch.Webhook.URL == "" {
		return fmt.Errorf("webhook url is required")
	}
	if ch.Email.Enabled {
		if ch.Email.From == "" || len(ch.Email.To) == 0 {
			return fmt.Errorf("email from and to are required")
		}
		switch ch.Email.Primary {
		case "resend", "ses":
		default:
			return fmt.Errorf("invalid email provider: %s", ch.Email.Primary)
		}
	}
	if ch.Telegram.Enabled && (ch.Telegram.Token == "" || ch.Telegram.ChatID == 0) {
		return fmt.Errorf("telegram token and chat id are required")
	}
	if ch.NATS.Enabled && (!cfg.Sources.NATS.Enabled || ch.NATS.Topic == "") {
		return fmt.Errorf("nats channel needs the nats source connection and a topic")
	}
	if ch.MQTT.Enabled && (!cfg.Sources.MQTT.Enabled || ch.MQTT.Topic == "") {
		return fmt.Errorf("mqtt channel needs the mqtt source connection and a topic")
	}
	return nil
}

// SendTimeout returns the parsed per-attempt send timeout.
func (c *Config) SendTimeout() time.Duration {
	d, _ := time.ParseDuration(c.Dispatch.SendTimeout)
	return d
}

// RetryBase returns the parsed base retry delay.
func (c *Config) RetryBase() time.Duration {
	d, _ := time.ParseDuration(c.Dispatch.RetryBase)
	return d
}

// RetryMaxDelay returns the parsed retry delay cap.
func (c *Config) RetryMaxDelay() time.Duration {
	d, _ := time.ParseDuration(c.Dispatch.RetryMaxDelay)
	return d
}

// ApplyOverrides applies command line flag overrides to the configuration
func (c *Config) ApplyOverrides(workers, queueSize int, rulesPath, metricsAddr, metricsPath string, metricsInterval time.Duration) {
	if workers > 0 {
		c.Processing.Workers = workers
	}
	if queueSize > 0 {
		c.Processing.QueueSize = queueSize
	}
	if rulesPath != "" {
		c.Rules.Path = rulesPath
	}
	if metricsAddr != "" {
		c.Metrics.Address = metricsAddr
	}
	if metricsPath != "" {
		c.Metrics.Path = metricsPath
	}
	if metricsInterval > 0 {
		c.Metrics.UpdateInterval = metricsInterval.String()
	}
}
