// Package config loads and validates orchestrator configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/JakeFAU/crawl-orchestrator/internal/crawl"
	"github.com/JakeFAU/crawl-orchestrator/internal/dispatcher"
)

// EnvPrefix is prepended to every environment override, e.g. ORCH_SERVER_PORT.
const EnvPrefix = "ORCH"

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig                     `mapstructure:"server"`
	Auth      AuthConfig                       `mapstructure:"auth"`
	Worker    WorkerConfig                     `mapstructure:"worker"`
	Ingest    IngestConfig                     `mapstructure:"ingest"`
	Plans     map[string]dispatcher.PlanLimits `mapstructure:"plans"`
	Quota     QuotaConfig                      `mapstructure:"quota"`
	Summary   SummaryConfig                    `mapstructure:"summary"`
	Storage   StorageConfig                    `mapstructure:"storage"`
	Database  DatabaseConfig                   `mapstructure:"database"`
	Frontier  FrontierConfig                   `mapstructure:"frontier"`
	Outbox    OutboxConfig                     `mapstructure:"outbox"`
	PubSub    PubSubConfig                     `mapstructure:"pubsub"`
	Kafka     KafkaConfig                      `mapstructure:"kafka"`
	Archive   ArchiveConfig                    `mapstructure:"archive"`
	Telemetry TelemetryConfig                  `mapstructure:"telemetry"`
	Logging   LoggingConfig                    `mapstructure:"logging"`
	Dev       DevConfig                        `mapstructure:"dev"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                  int `mapstructure:"port"`
	RequestTimeoutSeconds int `mapstructure:"request_timeout_seconds"`
}

// AuthConfig lists bearer tokens as "token:user_id" pairs.
type AuthConfig struct {
	Tokens []string `mapstructure:"tokens"`
}

// WorkerConfig points at the external crawler worker.
type WorkerConfig struct {
	URL            string `mapstructure:"url"`
	Secret         string `mapstructure:"secret"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	CallbackURL    string `mapstructure:"callback_url"`
}

// IngestConfig governs signed worker callbacks.
type IngestConfig struct {
	// Secret overrides worker.secret for inbound verification.
	Secret         string `mapstructure:"secret"`
	MaxSkewSeconds int    `mapstructure:"max_skew_seconds"`
	MaxBodyBytes   int64  `mapstructure:"max_body_bytes"`
}

// QuotaConfig holds credit policy.
type QuotaConfig struct {
	RefundOnDispatchFailure bool `mapstructure:"refund_on_dispatch_failure"`
}

// SummaryConfig tunes the executive summary.
type SummaryConfig struct {
	LowScoreThreshold float64 `mapstructure:"low_score_threshold"`
	MaxQuickWins      int     `mapstructure:"max_quick_wins"`
}

// StorageConfig selects the repository backend: memory or postgres.
type StorageConfig struct {
	Backend string `mapstructure:"backend"`
}

// DatabaseConfig controls access to Postgres.
type DatabaseConfig struct {
	DSN                    string `mapstructure:"dsn"`
	MaxConns               int32  `mapstructure:"max_conns"`
	MinConns               int32  `mapstructure:"min_conns"`
	MaxConnLifetimeMinutes int    `mapstructure:"max_conn_lifetime_minutes"`
}

// FrontierConfig selects the seen-URL set: memory or redis.
type FrontierConfig struct {
	Backend     string `mapstructure:"backend"`
	RedisAddr   string `mapstructure:"redis_addr"`
	RedisPrefix string `mapstructure:"redis_prefix"`
	TTLHours    int    `mapstructure:"ttl_hours"`
}

// OutboxConfig controls event delivery.
type OutboxConfig struct {
	RelayEnabled   bool    `mapstructure:"relay_enabled"`
	PollIntervalMs int     `mapstructure:"poll_interval_ms"`
	BatchSize      int     `mapstructure:"batch_size"`
	MaxPublishRPS  float64 `mapstructure:"max_publish_rps"`
	// Publisher is memory, pubsub, or kafka.
	Publisher string `mapstructure:"publisher"`
	Topic     string `mapstructure:"topic"`
	// NotifyInline publishes notification events immediately as well as via the relay.
	NotifyInline bool `mapstructure:"notify_inline"`
}

// PubSubConfig holds Google Pub/Sub settings.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
}

// KafkaConfig holds the broker list, comma separated.
type KafkaConfig struct {
	Brokers string `mapstructure:"brokers"`
}

// ArchiveConfig selects where raw batches go: none, memory, file, or gcs.
type ArchiveConfig struct {
	Backend string `mapstructure:"backend"`
	Bucket  string `mapstructure:"bucket"`
	Dir     string `mapstructure:"dir"`
	Prefix  string `mapstructure:"prefix"`
}

// TelemetryConfig toggles OpenTelemetry tracing.
type TelemetryConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string `mapstructure:"service_name"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// DevConfig seeds accounts for local runs.
type DevConfig struct {
	Users    []DevUser       `mapstructure:"users"`
	Projects []crawl.Project `mapstructure:"projects"`
}

// DevUser is a seeded user.
type DevUser struct {
	ID      string `mapstructure:"id"`
	Plan    string `mapstructure:"plan"`
	Credits int    `mapstructure:"credits"`
}

// LoadDotEnv loads KEY=VALUE pairs from path into the environment. A missing
// file is not an error.
func LoadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout_seconds", 60)
	v.SetDefault("auth.tokens", []string{})
	v.SetDefault("worker.url", "")
	v.SetDefault("worker.secret", "")
	v.SetDefault("worker.callback_url", "")
	v.SetDefault("worker.timeout_seconds", 10)
	v.SetDefault("ingest.secret", "")
	v.SetDefault("ingest.max_skew_seconds", 300)
	v.SetDefault("ingest.max_body_bytes", 10<<20)
	for plan, limits := range dispatcher.DefaultPlanLimits() {
		v.SetDefault("plans."+string(plan)+".max_pages", limits.MaxPages)
		v.SetDefault("plans."+string(plan)+".max_depth", limits.MaxDepth)
	}
	v.SetDefault("quota.refund_on_dispatch_failure", false)
	v.SetDefault("summary.low_score_threshold", 50)
	v.SetDefault("summary.max_quick_wins", 3)
	v.SetDefault("storage.backend", "memory")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 1)
	v.SetDefault("database.max_conn_lifetime_minutes", 30)
	v.SetDefault("frontier.backend", "memory")
	v.SetDefault("frontier.redis_addr", "")
	v.SetDefault("frontier.redis_prefix", "frontier:")
	v.SetDefault("frontier.ttl_hours", 72)
	v.SetDefault("outbox.relay_enabled", true)
	v.SetDefault("outbox.poll_interval_ms", 1000)
	v.SetDefault("outbox.batch_size", 100)
	v.SetDefault("outbox.max_publish_rps", 50)
	v.SetDefault("outbox.publisher", "memory")
	v.SetDefault("outbox.topic", "crawl-events")
	v.SetDefault("outbox.notify_inline", false)
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("kafka.brokers", "")
	v.SetDefault("archive.backend", "none")
	v.SetDefault("archive.bucket", "")
	v.SetDefault("archive.dir", "")
	v.SetDefault("archive.prefix", "")
	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.service_name", "crawl-orchestrator")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Worker.Secret == "" && c.Ingest.Secret == "" {
		return fmt.Errorf("worker.secret must be set")
	}
	if c.Worker.TimeoutSeconds <= 0 {
		return fmt.Errorf("worker.timeout_seconds must be > 0")
	}
	if c.Server.RequestTimeoutSeconds <= 0 {
		return fmt.Errorf("server.request_timeout_seconds must be > 0")
	}
	if c.Worker.TimeoutSeconds >= c.Server.RequestTimeoutSeconds {
		return fmt.Errorf("worker.timeout_seconds must be < server.request_timeout_seconds")
	}
	if c.Ingest.MaxSkewSeconds <= 0 {
		return fmt.Errorf("ingest.max_skew_seconds must be > 0")
	}
	if c.Ingest.MaxBodyBytes <= 0 {
		return fmt.Errorf("ingest.max_body_bytes must be > 0")
	}
	if _, err := c.AuthTokens(); err != nil {
		return err
	}
	for name, limits := range c.Plans {
		if limits.MaxPages <= 0 || limits.MaxDepth <= 0 {
			return fmt.Errorf("plans.%s limits must be > 0", name)
		}
	}
	switch c.Storage.Backend {
	case "memory":
	case "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("storage.backend %q must be memory or postgres", c.Storage.Backend)
	}
	switch c.Frontier.Backend {
	case "memory":
	case "redis":
		if c.Frontier.RedisAddr == "" {
			return fmt.Errorf("frontier.redis_addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("frontier.backend %q must be memory or redis", c.Frontier.Backend)
	}
	switch c.Outbox.Publisher {
	case "memory":
	case "pubsub":
		if c.PubSub.ProjectID == "" {
			return fmt.Errorf("pubsub.project_id is required for the pubsub publisher")
		}
	case "kafka":
		if c.Kafka.Brokers == "" {
			return fmt.Errorf("kafka.brokers is required for the kafka publisher")
		}
	default:
		return fmt.Errorf("outbox.publisher %q must be memory, pubsub, or kafka", c.Outbox.Publisher)
	}
	if c.Outbox.Topic == "" {
		return fmt.Errorf("outbox.topic must be set")
	}
	if c.Outbox.BatchSize <= 0 || c.Outbox.PollIntervalMs <= 0 {
		return fmt.Errorf("outbox.batch_size and outbox.poll_interval_ms must be > 0")
	}
	switch c.Archive.Backend {
	case "none", "memory":
	case "file":
		if c.Archive.Dir == "" {
			return fmt.Errorf("archive.dir is required for the file backend")
		}
	case "gcs":
		if c.Archive.Bucket == "" {
			return fmt.Errorf("archive.bucket is required for the gcs backend")
		}
	default:
		return fmt.Errorf("archive.backend %q must be none, memory, file, or gcs", c.Archive.Backend)
	}
	return nil
}

// AuthTokens parses auth.tokens into a token to user ID map.
func (c Config) AuthTokens() (map[string]string, error) {
	out := make(map[string]string, len(c.Auth.Tokens))
	for _, entry := range c.Auth.Tokens {
		token, user, ok := strings.Cut(strings.TrimSpace(entry), ":")
		if !ok || token == "" || user == "" {
			return nil, fmt.Errorf("auth.tokens entry %q must be token:user_id", entry)
		}
		out[token] = user
	}
	return out, nil
}

// IngestSecret is the key used to verify worker callbacks.
func (c Config) IngestSecret() []byte {
	if c.Ingest.Secret != "" {
		return []byte(c.Ingest.Secret)
	}
	return []byte(c.Worker.Secret)
}

// PlanLimits converts the plans section, falling back to built-in ceilings
// for tiers it does not mention.
func (c Config) PlanLimits() map[crawl.Plan]dispatcher.PlanLimits {
	out := dispatcher.DefaultPlanLimits()
	for name, limits := range c.Plans {
		out[crawl.Plan(strings.ToLower(name))] = limits
	}
	return out
}

// WorkerTimeout is the dispatch call budget.
func (c Config) WorkerTimeout() time.Duration {
	return time.Duration(c.Worker.TimeoutSeconds) * time.Second
}

// MaxSkew is the accepted signature timestamp drift.
func (c Config) MaxSkew() time.Duration {
	return time.Duration(c.Ingest.MaxSkewSeconds) * time.Second
}

// PollInterval is the relay tick.
func (c Config) PollInterval() time.Duration {
	return time.Duration(c.Outbox.PollIntervalMs) * time.Millisecond
}

// FrontierTTL bounds how long a job's seen set survives in Redis.
func (c Config) FrontierTTL() time.Duration {
	return time.Duration(c.Frontier.TTLHours) * time.Hour
}

// SeedUsers converts dev.users into domain users.
func (c Config) SeedUsers() []crawl.User {
	out := make([]crawl.User, 0, len(c.Dev.Users))
	for _, u := range c.Dev.Users {
		plan := crawl.Plan(strings.ToLower(u.Plan))
		if plan == "" {
			plan = crawl.PlanFree
		}
		out = append(out, crawl.User{ID: u.ID, Plan: plan, CrawlCreditsRemaining: u.Credits})
	}
	return out
}
