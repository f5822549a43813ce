// Package config loads orchestrator settings from a YAML file and BACKFILL_* environment variables.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/getpup/backfill-orchestrator/pkg/migrations"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. BACKFILL_DATABASE_DSN.
const EnvPrefix = "backfill"

// ErrInvalidConfig indicates a setting is missing or out of range.
var ErrInvalidConfig = errors.New("invalid config")

type ctxKey string

const configContextKey ctxKey = "backfill.config"

// WithContext returns a copy of ctx carrying cfg.
func WithContext(ctx context.Context, cfg *Config) context.Context {
	return context.WithValue(ctx, configContextKey, cfg)
}

// FromContext returns the config stored by WithContext, or nil.
func FromContext(ctx context.Context) *Config {
	cfg, ok := ctx.Value(configContextKey).(*Config)
	if !ok {
		return nil
	}
	return cfg
}

// Config is the full orchestrator configuration.
type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	Client    ClientConfig    `yaml:"client"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// DatabaseConfig selects the run store.
type DatabaseConfig struct {
	// Driver is postgres, mysql or sqlite3.
	Driver       string `yaml:"driver"`
	DSN          string `yaml:"dsn"`
	TablePrefix  string `yaml:"tablePrefix"  split_words:"true"`
	MaxOpenConns int    `yaml:"maxOpenConns" split_words:"true"`
}

// ClientConfig addresses the client service.
type ClientConfig struct {
	Address    string        `yaml:"address"`
	RPCTimeout time.Duration `yaml:"rpcTimeout" envconfig:"RPC_TIMEOUT"`
}

// SchedulerConfig tunes lease hunting and partition runners.
type SchedulerConfig struct {
	PoolSize             int           `yaml:"poolSize"             split_words:"true"`
	PollInterval         time.Duration `yaml:"pollInterval"         split_words:"true"`
	PollJitter           time.Duration `yaml:"pollJitter"           split_words:"true"`
	LeaseDuration        time.Duration `yaml:"leaseDuration"        split_words:"true"`
	ShutdownTimeout      time.Duration `yaml:"shutdownTimeout"      split_words:"true"`
	RefreshInterval      time.Duration `yaml:"refreshInterval"      split_words:"true"`
	PrecomputeCountLimit int64         `yaml:"precomputeCountLimit" split_words:"true"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// LoggingConfig controls the slog handler.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{
			Driver:       "postgres",
			MaxOpenConns: 10,
		},
		Client: ClientConfig{
			Address:    "localhost:9090",
			RPCTimeout: 30 * time.Second,
		},
		Scheduler: SchedulerConfig{
			PoolSize:             40,
			PollInterval:         time.Second,
			PollJitter:           time.Second,
			LeaseDuration:        5 * time.Minute,
			ShutdownTimeout:      30 * time.Second,
			RefreshInterval:      5 * time.Second,
			PrecomputeCountLimit: 1000,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Address: ":9100",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads configFile over the defaults, applies environment overrides and validates the result.
// An empty configFile skips the file.
func Load(configFile string) (*Config, error) {
	cfg := Default()

	if configFile != "" {
		buf, err := os.ReadFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		if err := yaml.Unmarshal(buf, cfg); err != nil {
			return nil, fmt.Errorf("error parsing config file: %w", err)
		}
	}

	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("error processing environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if _, err := migrations.ParseDialect(c.Database.Driver); err != nil {
		return fmt.Errorf("%w: database.driver: %v", ErrInvalidConfig, err)
	}
	if err := c.Tables().Validate(); err != nil {
		return fmt.Errorf("%w: database.tablePrefix: %v", ErrInvalidConfig, err)
	}
	if c.Database.MaxOpenConns < 0 {
		return fmt.Errorf("%w: database.maxOpenConns must not be negative", ErrInvalidConfig)
	}
	if c.Client.RPCTimeout <= 0 {
		return fmt.Errorf("%w: client.rpcTimeout must be positive", ErrInvalidConfig)
	}

	s := c.Scheduler
	if s.PoolSize <= 0 {
		return fmt.Errorf("%w: scheduler.poolSize must be positive", ErrInvalidConfig)
	}
	durations := []struct {
		name string
		d    time.Duration
	}{
		{"scheduler.pollInterval", s.PollInterval},
		{"scheduler.leaseDuration", s.LeaseDuration},
		{"scheduler.shutdownTimeout", s.ShutdownTimeout},
		{"scheduler.refreshInterval", s.RefreshInterval},
	}
	for _, d := range durations {
		if d.d <= 0 {
			return fmt.Errorf("%w: %s must be positive", ErrInvalidConfig, d.name)
		}
	}
	if s.PollJitter < 0 {
		return fmt.Errorf("%w: scheduler.pollJitter must not be negative", ErrInvalidConfig)
	}
	if s.RefreshInterval >= s.LeaseDuration {
		return fmt.Errorf("%w: scheduler.refreshInterval must be shorter than scheduler.leaseDuration", ErrInvalidConfig)
	}
	if s.PrecomputeCountLimit <= 0 {
		return fmt.Errorf("%w: scheduler.precomputeCountLimit must be positive", ErrInvalidConfig)
	}

	if c.Metrics.Enabled && c.Metrics.Address == "" {
		return fmt.Errorf("%w: metrics.address is required when metrics are enabled", ErrInvalidConfig)
	}

	switch strings.ToLower(c.Logging.Format) {
	case "json", "text":
	default:
		return fmt.Errorf("%w: logging.format must be json or text, got %q", ErrInvalidConfig, c.Logging.Format)
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("%w: logging.level must be debug, info, warn or error, got %q", ErrInvalidConfig, c.Logging.Level)
	}
	return nil
}

// Tables returns the table names selected by Database.TablePrefix.
func (c *Config) Tables() migrations.TableConfig {
	return migrations.DefaultTableConfig().WithPrefix(c.Database.TablePrefix)
}
