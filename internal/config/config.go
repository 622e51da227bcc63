package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

const (
	SameSourceRetainExisting = "retain_existing"
	SameSourceRetainLatest   = "retain_latest"
)

type Config struct {
	Environment string `envconfig:"ENVIRONMENT" default:"local"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	DatabaseURL string `envconfig:"DATABASE_URL" required:"true"`
	DBMinConns  int32  `envconfig:"DB_MIN_CONNS" default:"1"`
	DBMaxConns  int32  `envconfig:"DB_MAX_CONNS" default:"8"`

	RedisURL          string `envconfig:"REDIS_URL" default:""`
	RuleEventsChannel string `envconfig:"RULE_EVENTS_CHANNEL" default:"announcements:config_changed"`
	RuleCacheSize     int    `envconfig:"RULE_CACHE_SIZE" default:"512"`

	Workers             int           `envconfig:"WORKERS" default:"4"`
	RecordTimeout       time.Duration `envconfig:"RECORD_TIMEOUT" default:"10s"`
	RecordMaxRetries    int           `envconfig:"RECORD_MAX_RETRIES" default:"3"`
	RetryInitialBackoff time.Duration `envconfig:"RETRY_INITIAL_BACKOFF" default:"200ms"`
	RetryMaxBackoff     time.Duration `envconfig:"RETRY_MAX_BACKOFF" default:"5s"`
	ConflictMaxRetries  int           `envconfig:"CONFLICT_MAX_RETRIES" default:"5"`
	PartitionRateLimit  float64       `envconfig:"PARTITION_RATE_LIMIT" default:"0"`
	PartitionBurst      int           `envconfig:"PARTITION_BURST" default:"1"`
	SameSourcePolicy    string        `envconfig:"SAME_SOURCE_POLICY" default:"retain_existing"`

	IngestCron string `envconfig:"INGEST_CRON" default:"@every 5m"`
	InboxDir   string `envconfig:"INBOX_DIR" default:"inbox"`
	DoneDir    string `envconfig:"DONE_DIR" default:"inbox/done"`

	CORSAllowedOrigins string `envconfig:"CORS_ALLOWED_ORIGINS" default:""`
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.DatabaseURL) == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.DBMinConns < 0 {
		return fmt.Errorf("DB_MIN_CONNS must be >= 0")
	}
	if c.DBMaxConns < 1 {
		return fmt.Errorf("DB_MAX_CONNS must be >= 1")
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) cannot exceed DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	if strings.TrimSpace(c.RuleEventsChannel) == "" {
		return fmt.Errorf("RULE_EVENTS_CHANNEL is required")
	}
	if c.RuleCacheSize < 1 {
		return fmt.Errorf("RULE_CACHE_SIZE must be >= 1")
	}
	if c.Workers < 1 {
		return fmt.Errorf("WORKERS must be >= 1")
	}
	if c.RecordTimeout <= 0 {
		return fmt.Errorf("RECORD_TIMEOUT must be > 0")
	}
	if c.RecordMaxRetries < 0 {
		return fmt.Errorf("RECORD_MAX_RETRIES must be >= 0")
	}
	if c.RetryInitialBackoff <= 0 {
		return fmt.Errorf("RETRY_INITIAL_BACKOFF must be > 0")
	}
	if c.RetryMaxBackoff < c.RetryInitialBackoff {
		return fmt.Errorf("RETRY_MAX_BACKOFF (%s) cannot be below RETRY_INITIAL_BACKOFF (%s)", c.RetryMaxBackoff, c.RetryInitialBackoff)
	}
	if c.ConflictMaxRetries < 0 {
		return fmt.Errorf("CONFLICT_MAX_RETRIES must be >= 0")
	}
	if c.PartitionRateLimit < 0 {
		return fmt.Errorf("PARTITION_RATE_LIMIT must be >= 0")
	}
	if c.PartitionBurst < 1 {
		return fmt.Errorf("PARTITION_BURST must be >= 1")
	}
	switch strings.ToLower(strings.TrimSpace(c.SameSourcePolicy)) {
	case SameSourceRetainExisting, SameSourceRetainLatest:
	default:
		return fmt.Errorf("SAME_SOURCE_POLICY must be %s or %s", SameSourceRetainExisting, SameSourceRetainLatest)
	}
	if strings.TrimSpace(c.IngestCron) == "" {
		return fmt.Errorf("INGEST_CRON is required")
	}
	if strings.TrimSpace(c.InboxDir) == "" {
		return fmt.Errorf("INBOX_DIR is required")
	}
	if strings.TrimSpace(c.DoneDir) == "" {
		return fmt.Errorf("DONE_DIR is required")
	}
	return nil
}

// EventsEnabled reports whether configuration-change events go through Redis.
func (c *Config) EventsEnabled() bool {
	return c != nil && strings.TrimSpace(c.RedisURL) != ""
}

func (c *Config) CORSAllowedOriginsList() []string {
	if c == nil {
		return nil
	}

	parts := strings.Split(c.CORSAllowedOrigins, ",")
	origins := make([]string, 0, len(parts))
	seen := make(map[string]struct{}, len(parts))
	for _, part := range parts {
		origin := strings.TrimSpace(part)
		if origin == "" {
			continue
		}
		if _, exists := seen[origin]; exists {
			continue
		}
		seen[origin] = struct{}{}
		origins = append(origins, origin)
	}
	return origins
}
