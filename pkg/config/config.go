// Package config loads application configuration from defaults, an optional
// YAML file, and environment variable overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ServerConfig controls the read-only HTTP API.
type ServerConfig struct {
	Host string `json:"host" yaml:"host" env:"SERVER_HOST"`
	Port int    `json:"port" yaml:"port" env:"SERVER_PORT"`
}

// DatabaseConfig controls persistence.
type DatabaseConfig struct {
	DSN             string `json:"dsn" yaml:"dsn" env:"DATABASE_DSN"`
	Host            string `json:"host" yaml:"host" env:"DATABASE_HOST"`
	Port            int    `json:"port" yaml:"port" env:"DATABASE_PORT"`
	User            string `json:"user" yaml:"user" env:"DATABASE_USER"`
	Password        string `json:"password" yaml:"password" env:"DATABASE_PASSWORD"`
	Name            string `json:"name" yaml:"name" env:"DATABASE_NAME"`
	SSLMode         string `json:"sslmode" yaml:"sslmode" env:"DATABASE_SSLMODE"`
	MaxOpenConns    int    `json:"max_open_conns" yaml:"max_open_conns" env:"DATABASE_MAX_OPEN_CONNS"`
	MaxIdleConns    int    `json:"max_idle_conns" yaml:"max_idle_conns" env:"DATABASE_MAX_IDLE_CONNS"`
	ConnMaxLifeSecs int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s" env:"DATABASE_CONN_MAX_LIFETIME"`
	StatementTimeMS int    `json:"statement_timeout_ms" yaml:"statement_timeout_ms" env:"DATABASE_STATEMENT_TIMEOUT_MS"`
	RunMigrations   bool   `json:"run_migrations" yaml:"run_migrations" env:"RUN_MIGRATIONS"`
}

// LoggingConfig controls application logging.
type LoggingConfig struct {
	Level      string `json:"level" yaml:"level" env:"LOG_LEVEL"`
	Format     string `json:"format" yaml:"format" env:"LOG_FORMAT"`
	Output     string `json:"output" yaml:"output" env:"LOG_OUTPUT"`
	FilePrefix string `json:"file_prefix" yaml:"file_prefix" env:"LOG_FILE_PREFIX"`
}

// EngineConfig controls the planner/engine run loop.
type EngineConfig struct {
	TickIntervalMS int `json:"tick_interval_ms" yaml:"tick_interval_ms" env:"ENGINE_TICK_INTERVAL_MS"`
	// TickConcurrency bounds how many root/fanout targets a single tick
	// materializes in parallel. Instance-level advisory locks make raising
	// this safe; it defaults to 1 (serial) per spec §4.6.
	TickConcurrency int `json:"tick_concurrency" yaml:"tick_concurrency" env:"ENGINE_TICK_CONCURRENCY"`
	// AdvisoryLockTimeoutMS bounds how long an ingest or materialize
	// advisory-lock acquisition polls before the caller treats it as deferred.
	AdvisoryLockTimeoutMS int `json:"advisory_lock_timeout_ms" yaml:"advisory_lock_timeout_ms" env:"ENGINE_ADVISORY_LOCK_TIMEOUT_MS"`
}

// UpstreamConfig controls the social-graph provider HTTP client and the
// process-global rate limiter gating it.
type UpstreamConfig struct {
	BaseURL             string  `json:"base_url" yaml:"base_url" env:"UPSTREAM_BASE_URL"`
	BearerToken         string  `json:"bearer_token" yaml:"bearer_token" env:"UPSTREAM_BEARER_TOKEN"`
	RateLimitQPS        float64 `json:"rate_limit_qps" yaml:"rate_limit_qps" env:"UPSTREAM_RATE_LIMIT_QPS"`
	MaxQueryLength      int     `json:"max_query_length" yaml:"max_query_length" env:"UPSTREAM_MAX_QUERY_LENGTH"`
	BatchUsersByIDsMax  int     `json:"batch_users_by_ids_max" yaml:"batch_users_by_ids_max" env:"UPSTREAM_BATCH_USERS_BY_IDS_MAX"`
	BatchPostsByIDsMax  int     `json:"batch_posts_by_ids_max" yaml:"batch_posts_by_ids_max" env:"UPSTREAM_BATCH_POSTS_BY_IDS_MAX"`
	SelfUserID          int64   `json:"self_user_id" yaml:"self_user_id" env:"X_SELF_USER_ID"`
	SelfHandle          string  `json:"self_handle" yaml:"self_handle" env:"X_SELF_HANDLE"`
	RequestTimeoutMS    int     `json:"request_timeout_ms" yaml:"request_timeout_ms" env:"UPSTREAM_REQUEST_TIMEOUT_MS"`
}

// RetentionConfig bounds how much HTTP snapshot payload ingest runs retain.
type RetentionConfig struct {
	HTTPBodyMaxBytes int `json:"http_body_max_bytes" yaml:"http_body_max_bytes" env:"RETENTION_HTTP_BODY_MAX_BYTES"`
}

// WebhookConfig controls the inbound IFTTT webhook.
type WebhookConfig struct {
	Token string `json:"token" yaml:"token" env:"WEBHOOK_TOKEN"`
}

// Config is the top-level configuration structure.
type Config struct {
	Server    ServerConfig    `json:"server" yaml:"server"`
	Database  DatabaseConfig  `json:"database" yaml:"database"`
	Logging   LoggingConfig   `json:"logging" yaml:"logging"`
	Engine    EngineConfig    `json:"engine" yaml:"engine"`
	Upstream  UpstreamConfig  `json:"upstream" yaml:"upstream"`
	Retention RetentionConfig `json:"retention" yaml:"retention"`
	Webhook   WebhookConfig   `json:"webhook" yaml:"webhook"`
}

// New returns a configuration populated with defaults.
func New() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Database: DatabaseConfig{
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifeSecs: 300,
			StatementTimeMS: 30_000,
			RunMigrations:   true,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stdout",
			FilePrefix: "bdx",
		},
		Engine: EngineConfig{
			TickIntervalMS:        30_000,
			TickConcurrency:       1,
			AdvisoryLockTimeoutMS: 10_000,
		},
		Upstream: UpstreamConfig{
			RateLimitQPS:       1,
			MaxQueryLength:     512,
			BatchUsersByIDsMax: 100,
			BatchPostsByIDsMax: 100,
			RequestTimeoutMS:   15_000,
		},
		Retention: RetentionConfig{
			HTTPBodyMaxBytes: 65_536,
		},
	}
}

// ConnectionString builds a PostgreSQL connection string from host parameters.
// Ignored when DSN is set directly.
func (c DatabaseConfig) ConnectionString() string {
	if strings.TrimSpace(c.DSN) != "" {
		return c.DSN
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

// Load loads configuration from file (if present) and environment variables.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := New()

	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := loadFromFile(path, cfg); err != nil {
			return nil, err
		}
	} else {
		_ = loadFromFile("configs/config.yaml", cfg)
	}

	if err := envdecode.Decode(cfg); err != nil {
		// envdecode errors when no tagged fields were present in the
		// environment; treat that as "no overrides" so local runs work
		// without exporting every variable.
		if !strings.Contains(err.Error(), "none of the target fields were set") {
			return nil, fmt.Errorf("decode env: %w", err)
		}
	}

	applyDatabaseURLOverride(cfg)
	cfg.normalize()

	return cfg, nil
}

// LoadFile reads configuration from a YAML file, applying the same
// DATABASE_URL override and normalization as Load.
func LoadFile(path string) (*Config, error) {
	cfg := New()
	if err := loadFromFile(path, cfg); err != nil {
		return nil, err
	}
	applyDatabaseURLOverride(cfg)
	cfg.normalize()
	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	expanded, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(expanded)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return err
	}
	return nil
}

// applyDatabaseURLOverride lets DATABASE_URL override any file-based DSN,
// matching common 12-factor deployment conventions.
func applyDatabaseURLOverride(cfg *Config) {
	if cfg == nil {
		return
	}
	if dsn := strings.TrimSpace(os.Getenv("DATABASE_URL")); dsn != "" {
		cfg.Database.DSN = dsn
	}
}

func (c *Config) normalize() {
	if c == nil {
		return
	}
	if c.Engine.TickConcurrency <= 0 {
		c.Engine.TickConcurrency = 1
	}
	if c.Upstream.RateLimitQPS <= 0 {
		c.Upstream.RateLimitQPS = 1
	}
}
