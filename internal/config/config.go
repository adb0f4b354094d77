// Package config loads and validates harvester configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/pom-harvester/internal/harvest"
)

// maxBindParams is the Postgres limit on bind parameters per statement.
const maxBindParams = 65535

// Config captures all harvester configuration knobs loaded via Viper.
type Config struct {
	Database  DatabaseConfig  `mapstructure:"database"`
	Harvester HarvesterConfig `mapstructure:"harvester"`
	Source    SourceConfig    `mapstructure:"source"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Progress  ProgressConfig  `mapstructure:"progress"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// DatabaseConfig controls access to the relational store.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	DocumentsTable  string        `mapstructure:"documents_table"`
}

// HarvesterConfig governs the producer and worker pool.
type HarvesterConfig struct {
	Workers                 int  `mapstructure:"workers"`
	BatchSize               int  `mapstructure:"batch_size"`
	QueueDepth              int  `mapstructure:"queue_depth"`
	AbortOnUnexpectedStatus bool `mapstructure:"abort_on_unexpected_status"`
}

// SourceConfig describes where documents are fetched from.
type SourceConfig struct {
	BaseURL      string        `mapstructure:"base_url"`
	Extension    string        `mapstructure:"extension"`
	UserAgent    string        `mapstructure:"user_agent"`
	Timeout      time.Duration `mapstructure:"timeout"`
	MaxBodyBytes int64         `mapstructure:"max_body_bytes"`
	S3           S3Config      `mapstructure:"s3"`
}

// S3Config holds credentials for s3:// base URLs.
type S3Config struct {
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Region    string `mapstructure:"region"`
	UseSSL    bool   `mapstructure:"use_ssl"`
}

// RetryConfig configures fetch retry behavior.
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

// ProgressConfig controls the periodic progress log line.
type ProgressConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

// MetricsConfig enables the Prometheus endpoint when Addr is set.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// NotifyConfig holds metadata for run-completion notifications.
type NotifyConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// Enabled reports whether Pub/Sub notifications are configured.
func (n NotifyConfig) Enabled() bool {
	return n.ProjectID != "" && n.Topic != ""
}

// TracingConfig selects where run spans are exported. Spans are recorded
// but dropped when ProjectID is empty.
type TracingConfig struct {
	ProjectID string `mapstructure:"project_id"`
}

// Enabled reports whether spans are exported to Cloud Trace.
func (t TracingConfig) Enabled() bool {
	return t.ProjectID != ""
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("HARVESTER")
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

// Every key gets a default, even an empty one, so AutomaticEnv can see it
// during Unmarshal.
func setDefaults(v *viper.Viper) {
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_conns", 0)
	v.SetDefault("database.min_conns", 0)
	v.SetDefault("database.max_conn_lifetime", "30m")
	v.SetDefault("database.documents_table", "poms")
	v.SetDefault("harvester.workers", 48)
	v.SetDefault("harvester.batch_size", 512)
	v.SetDefault("harvester.queue_depth", 1024)
	v.SetDefault("harvester.abort_on_unexpected_status", true)
	v.SetDefault("source.base_url", "https://maven-central.storage.googleapis.com/maven2")
	v.SetDefault("source.extension", "pom")
	v.SetDefault("source.user_agent", "pom-harvester/1.0")
	v.SetDefault("source.timeout", "30s")
	v.SetDefault("source.max_body_bytes", 10<<20)
	v.SetDefault("source.s3.endpoint", "")
	v.SetDefault("source.s3.access_key", "")
	v.SetDefault("source.s3.secret_key", "")
	v.SetDefault("source.s3.region", "us-east-1")
	v.SetDefault("source.s3.use_ssl", true)
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.base_delay", "300ms")
	v.SetDefault("retry.max_delay", "10s")
	v.SetDefault("progress.interval", "5s")
	v.SetDefault("metrics.addr", "")
	v.SetDefault("notify.project_id", "")
	v.SetDefault("notify.topic", "")
	v.SetDefault("tracing.project_id", "")
	v.SetDefault("logging.development", false)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Database.DSN == "" {
		return errors.New("database.dsn must be set")
	}
	if c.Harvester.Workers <= 0 {
		return fmt.Errorf("harvester.workers must be > 0")
	}
	if c.Harvester.BatchSize <= 0 {
		return fmt.Errorf("harvester.batch_size must be > 0")
	}
	if c.Harvester.BatchSize*2 > maxBindParams {
		return fmt.Errorf("harvester.batch_size must be <= %d", maxBindParams/2)
	}
	if c.Harvester.QueueDepth <= 0 {
		return fmt.Errorf("harvester.queue_depth must be > 0")
	}
	if c.Database.MaxConns != 0 && int(c.Database.MaxConns) < c.Harvester.Workers+2 {
		return fmt.Errorf("database.max_conns must be >= harvester.workers + 2 (%d)", c.Harvester.Workers+2)
	}
	if _, err := harvest.NewLayout(c.Source.BaseURL, c.Source.Extension); err != nil {
		return fmt.Errorf("source.base_url: %w", err)
	}
	if c.Source.Timeout <= 0 {
		return fmt.Errorf("source.timeout must be > 0")
	}
	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry.max_attempts must be > 0")
	}
	if c.Retry.MaxDelay < c.Retry.BaseDelay {
		return fmt.Errorf("retry.max_delay must be >= retry.base_delay")
	}
	if (c.Notify.ProjectID == "") != (c.Notify.Topic == "") {
		return fmt.Errorf("notify.project_id and notify.topic must be set together")
	}
	return nil
}

// PoolMaxConns returns the configured pool size, defaulting to one connection
// per worker plus the producer and a spare.
func (c Config) PoolMaxConns() int32 {
	if c.Database.MaxConns > 0 {
		return c.Database.MaxConns
	}
	return int32(c.Harvester.Workers + 2) //nolint:gosec // workers is validated and small
}

// RetryPolicy converts the retry section into a harvest.RetryPolicy.
func (c Config) RetryPolicy() harvest.RetryPolicy {
	return harvest.RetryPolicy{
		MaxAttempts: c.Retry.MaxAttempts,
		BaseDelay:   c.Retry.BaseDelay,
		MaxDelay:    c.Retry.MaxDelay,
	}
}
