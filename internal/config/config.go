// Package config loads the server configuration from an optional YAML file,
// the environment and a .env file. Precedence: environment > config file >
// defaults. Environment keys use the REBALANCE_ prefix with underscores, e.g.
// REBALANCE_SERVER_ADDR.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config is the full server configuration.
type Config struct {
	Log      LogConfig      `mapstructure:"log"`
	Server   ServerConfig   `mapstructure:"server"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Broker   BrokerConfig   `mapstructure:"broker"`
	Market   MarketConfig   `mapstructure:"market"`
	Live     LiveConfig     `mapstructure:"live"`
	Alerting AlertingConfig `mapstructure:"alerting"`
	Audit    AuditConfig    `mapstructure:"audit"`
	Retry    RetryConfig    `mapstructure:"retry"`
}

// LogConfig controls logging.
type LogConfig struct {
	Level string `mapstructure:"level"` // debug | info | warn | error
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Addr         string        `mapstructure:"addr"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// StorageConfig selects the persistence backend.
type StorageConfig struct {
	Driver string `mapstructure:"driver"` // memory | sqlite
	Path   string `mapstructure:"path"`   // sqlite file; ":memory:" allowed
}

// BrokerConfig tunes the stub broker.
type BrokerConfig struct {
	FillDelay        time.Duration `mapstructure:"fill_delay"`
	SubmitRatePerSec float64       `mapstructure:"submit_rate_per_sec"`
	SubmitBurst      int           `mapstructure:"submit_burst"`
	CommissionRate   float64       `mapstructure:"commission_rate"`
}

// MarketConfig tunes the market data layer.
type MarketConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	Freshness    time.Duration `mapstructure:"freshness"`
	Symbols      []string      `mapstructure:"symbols"`
}

// LiveConfig tunes the live scheduler.
type LiveConfig struct {
	TickInterval      time.Duration `mapstructure:"tick_interval"`
	ReconcileInterval time.Duration `mapstructure:"reconcile_interval"`
	Workers           int           `mapstructure:"workers"`
}

// AlertingConfig tunes the health checks.
type AlertingConfig struct {
	Schedule           string        `mapstructure:"schedule"`
	StuckOrderMaxAge   time.Duration `mapstructure:"stuck_order_max_age"`
	PoolMaxQueue       int           `mapstructure:"pool_max_queue"`
	WorkerGrace        time.Duration `mapstructure:"worker_grace"`
	EvaluationGap      time.Duration `mapstructure:"evaluation_gap"`
	RejectionWindow    time.Duration `mapstructure:"rejection_window"`
	GuardrailWindow    time.Duration `mapstructure:"guardrail_window"`
	GuardrailThreshold int           `mapstructure:"guardrail_threshold"`
}

// RetryConfig tunes outbound call retries (broker, market data).
type RetryConfig struct {
	MaxAttempts    int           `mapstructure:"max_attempts"`
	InitialDelay   time.Duration `mapstructure:"initial_delay"`
	MaxDelay       time.Duration `mapstructure:"max_delay"`
	AttemptTimeout time.Duration `mapstructure:"attempt_timeout"`
}

// AuditConfig controls the append-only event log.
type AuditConfig struct {
	LogPath string `mapstructure:"log_path"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")

	v.SetDefault("server.addr", ":8090")
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)

	v.SetDefault("storage.driver", "memory")
	v.SetDefault("storage.path", "rebalance.db")

	v.SetDefault("broker.fill_delay", 250*time.Millisecond)
	v.SetDefault("broker.submit_rate_per_sec", 10.0)
	v.SetDefault("broker.submit_burst", 5)
	v.SetDefault("broker.commission_rate", 0.0)

	v.SetDefault("market.poll_interval", 15*time.Second)
	v.SetDefault("market.freshness", 2*time.Minute)
	v.SetDefault("market.symbols", []string{})

	v.SetDefault("live.tick_interval", time.Minute)
	v.SetDefault("live.reconcile_interval", 30*time.Second)
	v.SetDefault("live.workers", 0) // 0 means runtime default

	v.SetDefault("alerting.schedule", "@every 1m")
	v.SetDefault("alerting.stuck_order_max_age", time.Hour)
	v.SetDefault("alerting.pool_max_queue", 512)
	v.SetDefault("alerting.worker_grace", 2*time.Minute)
	v.SetDefault("alerting.evaluation_gap", 10*time.Minute)
	v.SetDefault("alerting.rejection_window", time.Hour)
	v.SetDefault("alerting.guardrail_window", time.Hour)
	v.SetDefault("alerting.guardrail_threshold", 3)

	v.SetDefault("audit.log_path", "audit.jsonl")

	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_delay", 100*time.Millisecond)
	v.SetDefault("retry.max_delay", 5*time.Second)
	v.SetDefault("retry.attempt_timeout", 10*time.Second)
}

// Load reads the configuration. An empty path looks for an optional
// config.yaml in the working directory.
func Load(path string) (*Config, error) {
	// Local development overrides; absence is not an error.
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("REBALANCE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		var notFound viper.ConfigFileNotFoundError
		if err := v.ReadInConfig(); err != nil && !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "memory":
	case "sqlite":
		if c.Storage.Path == "" {
			return fmt.Errorf("storage.path is required for the sqlite driver")
		}
	default:
		return fmt.Errorf("unknown storage driver %q (memory or sqlite)", c.Storage.Driver)
	}
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if c.Live.TickInterval <= 0 {
		return fmt.Errorf("live.tick_interval must be positive, got %s", c.Live.TickInterval)
	}
	return nil
}
