// Package config loads the fan-out service's configuration from environment
// variables (with an optional .env file for local development), validates it,
// and exposes it as a typed struct. Grounded on the teacher's config.go:
// caarlos0/env struct tags, godotenv.Load, and a Validate/LogConfig pair.
package config

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds every recognized option from SPEC_FULL.md §6.
type Config struct {
	// Server basics
	Addr string `env:"WS_ADDR" envDefault:":8080"`

	// Capacity
	MaxConnections    int `env:"WS_MAX_CONNECTIONS" envDefault:"10000"`
	OutboundQueueSize int `env:"WS_OUTBOUND_QUEUE_SIZE" envDefault:"256"`

	// Auth
	AuthRequired bool          `env:"WS_AUTH_REQUIRED" envDefault:"false"`
	AuthTimeout  time.Duration `env:"WS_AUTH_TIMEOUT" envDefault:"3s"`
	JWTSecret    string        `env:"WS_JWT_SECRET" envDefault:"dev-secret-change-me"`

	// Rate limiting (defaults; per-role overrides are read separately by
	// registry.LoadRolePolicy since caarlos0/env has no map-of-struct support)
	RateLimitWindow      time.Duration `env:"WS_RATE_LIMIT_WINDOW" envDefault:"60s"`
	RateLimitMaxMessages int           `env:"WS_RATE_LIMIT_MAX_MESSAGES" envDefault:"60"`

	// Channels
	MaxSubscriptionsPerConn int `env:"WS_CHANNELS_MAX_SUBSCRIPTIONS" envDefault:"50"`
	MaxSubscribersPerChan   int `env:"WS_CHANNELS_MAX_SUBSCRIBERS" envDefault:"5000"`
	ChannelHistorySize      int `env:"WS_CHANNELS_HISTORY_SIZE" envDefault:"50"`

	// ChannelsJSON is a JSON array of ChannelSpec defining every channel that
	// exists at startup (SPEC_FULL.md §3: "Channels are created at startup
	// from a fixed configuration"). caarlos0/env has no struct-slice support,
	// so this is parsed by hand in Load. Empty means defaultChannels().
	ChannelsJSON string `env:"WS_CHANNELS_CONFIG" envDefault:""`

	// Channels holds the parsed, ready-to-define channel list. No env tag:
	// caarlos0/env only recurses into struct-kind fields, so a slice field
	// without a tag is left untouched by Parse. Populated by Load from
	// ChannelsJSON (or defaultChannels when unset).
	Channels []ChannelSpec

	// Offline queue
	QueueEnabled     bool          `env:"WS_QUEUE_ENABLED" envDefault:"true"`
	QueueMaxSize     int           `env:"WS_QUEUE_MAX_SIZE" envDefault:"1000"`
	QueueTTL         time.Duration `env:"WS_QUEUE_TTL" envDefault:"86400s"`
	QueueBatchSize   int           `env:"WS_QUEUE_BATCH_SIZE" envDefault:"100"`
	QueueInterval    time.Duration `env:"WS_QUEUE_INTERVAL" envDefault:"5s"`
	QueueMaxRetries  int           `env:"WS_QUEUE_MAX_RETRIES" envDefault:"5"`
	QueueRetryDelay  time.Duration `env:"WS_QUEUE_RETRY_DELAY" envDefault:"30s"`
	QueueCleanup     time.Duration `env:"WS_QUEUE_CLEANUP_INTERVAL" envDefault:"5m"`
	QueueStore       string        `env:"WS_QUEUE_STORE" envDefault:"memory"` // memory|nats-kv

	// Inactivity sweep
	InactivitySweepInterval  time.Duration `env:"WS_INACTIVITY_SWEEP_INTERVAL" envDefault:"60s"`
	InactivityThreshold      time.Duration `env:"WS_INACTIVITY_THRESHOLD" envDefault:"5m"`

	// Resource thresholds (container-aware admission control)
	CPULimit           float64 `env:"WS_CPU_LIMIT" envDefault:"1.0"`
	CPURejectThreshold float64 `env:"WS_CPU_REJECT_THRESHOLD" envDefault:"75.0"`
	CPUPauseThreshold  float64 `env:"WS_CPU_PAUSE_THRESHOLD" envDefault:"80.0"`

	// Monitoring
	MetricsAddr     string        `env:"WS_METRICS_ADDR" envDefault:":9090"`
	MetricsInterval time.Duration `env:"WS_METRICS_INTERVAL" envDefault:"30s"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// CORS
	CORSAllowedOrigins string `env:"WS_CORS_ALLOWED_ORIGINS" envDefault:"*"`

	// Optional ingest adapter (internal/ingest)
	KafkaBrokers       string `env:"WS_KAFKA_BROKERS" envDefault:""`
	KafkaConsumerGroup string `env:"WS_KAFKA_CONSUMER_GROUP" envDefault:"fanout-ingest"`

	// Optional cluster tee (internal/cluster)
	ClusterTeeNATSURL string `env:"WS_CLUSTER_TEE_NATS_URL" envDefault:""`

	// Optional NATS JetStream KV store for the offline queue
	QueueNATSURL    string `env:"WS_QUEUE_NATS_URL" envDefault:"nats://localhost:4222"`
	QueueNATSBucket string `env:"WS_QUEUE_NATS_BUCKET" envDefault:"ws-offline-queue"`

	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// ChannelSpec describes one channel to define at startup. It mirrors
// internal/channel.Spec field-for-field; config keeps its own copy rather
// than importing internal/channel, so the leaf -> root dependency arrow from
// SPEC_FULL.md §9 holds (config is depended on, it depends on nothing in
// this tree).
type ChannelSpec struct {
	ID             string   `json:"id"`
	Kind           string   `json:"kind"`
	Public         bool     `json:"public"`
	RequiresAuth   bool     `json:"requiresAuth"`
	MaxSubscribers int      `json:"maxSubscribers"`
	HistorySize    int      `json:"historySize"`
	AllowedRoles   []string `json:"allowedRoles,omitempty"`
}

// defaultChannels is the fixed startup configuration used when
// WS_CHANNELS_CONFIG is unset, covering one channel per channel.Kind from
// SPEC_FULL.md §3 except custom.
func defaultChannels() []ChannelSpec {
	return []ChannelSpec{
		{ID: "market-data", Kind: "market-data", Public: true, MaxSubscribers: 5000, HistorySize: 50},
		{ID: "portfolio-updates", Kind: "portfolio-updates", RequiresAuth: true, MaxSubscribers: 5000, HistorySize: 50},
		{ID: "user-notifications", Kind: "user-notifications", RequiresAuth: true, MaxSubscribers: 5000, HistorySize: 50},
		{ID: "alerts", Kind: "alerts", Public: true, MaxSubscribers: 5000, HistorySize: 20},
		{ID: "system", Kind: "system", RequiresAuth: true, AllowedRoles: []string{"admin"}, MaxSubscribers: 1000, HistorySize: 100},
	}
}

// Load reads configuration from an optional .env file and the process
// environment. Priority: env vars > .env file > struct defaults.
func Load(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("no .env file found, using environment variables only")
		}
	} else if logger != nil {
		logger.Info().Msg("loaded configuration overrides from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if cfg.ChannelsJSON == "" {
		cfg.Channels = defaultChannels()
	} else if err := json.Unmarshal([]byte(cfg.ChannelsJSON), &cfg.Channels); err != nil {
		return nil, fmt.Errorf("parse WS_CHANNELS_CONFIG: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// Validate checks the loaded configuration for internally-consistent values.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("WS_ADDR is required")
	}
	if c.MaxConnections < 1 {
		return fmt.Errorf("WS_MAX_CONNECTIONS must be > 0, got %d", c.MaxConnections)
	}
	if c.MaxSubscriptionsPerConn < 1 {
		return fmt.Errorf("WS_CHANNELS_MAX_SUBSCRIPTIONS must be > 0, got %d", c.MaxSubscriptionsPerConn)
	}
	if c.CPURejectThreshold < 0 || c.CPURejectThreshold > 100 {
		return fmt.Errorf("WS_CPU_REJECT_THRESHOLD must be 0-100, got %.1f", c.CPURejectThreshold)
	}
	if c.CPUPauseThreshold < c.CPURejectThreshold {
		return fmt.Errorf("WS_CPU_PAUSE_THRESHOLD (%.1f) must be >= WS_CPU_REJECT_THRESHOLD (%.1f)",
			c.CPUPauseThreshold, c.CPURejectThreshold)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of debug, info, warn, error (got %q)", c.LogLevel)
	}

	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of json, console (got %q)", c.LogFormat)
	}

	validStores := map[string]bool{"memory": true, "nats-kv": true}
	if !validStores[c.QueueStore] {
		return fmt.Errorf("WS_QUEUE_STORE must be one of memory, nats-kv (got %q)", c.QueueStore)
	}

	seen := make(map[string]bool, len(c.Channels))
	for _, ch := range c.Channels {
		if ch.ID == "" {
			return fmt.Errorf("WS_CHANNELS_CONFIG: channel id must not be empty")
		}
		if seen[ch.ID] {
			return fmt.Errorf("WS_CHANNELS_CONFIG: duplicate channel id %q", ch.ID)
		}
		seen[ch.ID] = true
	}

	return nil
}

// LogFields logs the loaded configuration at startup via structured logging.
func (c *Config) LogFields(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Str("addr", c.Addr).
		Int("max_connections", c.MaxConnections).
		Bool("auth_required", c.AuthRequired).
		Bool("queue_enabled", c.QueueEnabled).
		Str("queue_store", c.QueueStore).
		Float64("cpu_reject_threshold", c.CPURejectThreshold).
		Float64("cpu_pause_threshold", c.CPUPauseThreshold).
		Dur("metrics_interval", c.MetricsInterval).
		Str("log_level", c.LogLevel).
		Int("channels_configured", len(c.Channels)).
		Msg("configuration loaded")
}
