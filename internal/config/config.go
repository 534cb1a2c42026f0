package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
	DriverMemory   = "memory"
)

type Config struct {
	DBDriver  string `yaml:"db_driver"`
	DBSource  string `yaml:"db_source"`
	Port      string `yaml:"port"`
	Env       string `yaml:"environment"`
	AuthToken string `yaml:"auth_token"`
	LogLevel  string `yaml:"log_level"`

	Ledger  Ledger  `yaml:"ledger"`
	Webhook Webhook `yaml:"webhook"`
	MySQL   MySQL   `yaml:"mysql"`
}

type Ledger struct {
	MaxRetries int           `yaml:"max_retries"`
	OpTimeout  time.Duration `yaml:"op_timeout"`
}

type Webhook struct {
	Workers        int           `yaml:"workers"`
	QueueSize      int           `yaml:"queue_size"`
	MaxAttempts    int           `yaml:"max_attempts"`
	BaseBackoff    time.Duration `yaml:"base_backoff"`
	MaxJitter      time.Duration `yaml:"max_jitter"`
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`
	LeaseTTL       time.Duration `yaml:"lease_ttl"`
	PollInterval   time.Duration `yaml:"poll_interval"`
}

// MySQL holds pool settings used when DB_DRIVER=mysql.
type MySQL struct {
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	LogLevel        string        `yaml:"log_level"`
}

func Default() Config {
	return Config{
		DBDriver: DriverPostgres,
		Port:     "8080",
		Env:      "development",
		LogLevel: "info",
		Ledger: Ledger{
			MaxRetries: 3,
			OpTimeout:  5 * time.Second,
		},
		Webhook: Webhook{
			Workers:        4,
			QueueSize:      64,
			MaxAttempts:    5,
			BaseBackoff:    2 * time.Second,
			MaxJitter:      500 * time.Millisecond,
			AttemptTimeout: 10 * time.Second,
			LeaseTTL:       30 * time.Second,
			PollInterval:   time.Second,
		},
		MySQL: MySQL{
			MaxOpenConns:    25,
			MaxIdleConns:    10,
			ConnMaxLifetime: 5 * time.Minute,
			LogLevel:        "error",
		},
	}
}

// Load builds the configuration from defaults, then the YAML file named by
// CONFIG_FILE if set, then environment variables.
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	var errs []error
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s must be an integer: %q", key, v))
				return
			}
			*dst = n
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v := os.Getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s must be a duration: %q", key, v))
				return
			}
			*dst = d
		}
	}

	str("DB_DRIVER", &c.DBDriver)
	str("DB_SOURCE", &c.DBSource)
	str("SERVER_PORT", &c.Port)
	str("ENVIRONMENT", &c.Env)
	str("AUTH_TOKEN", &c.AuthToken)
	str("LOG_LEVEL", &c.LogLevel)

	num("LEDGER_MAX_RETRIES", &c.Ledger.MaxRetries)
	dur("LEDGER_OP_TIMEOUT", &c.Ledger.OpTimeout)

	num("WEBHOOK_WORKERS", &c.Webhook.Workers)
	num("WEBHOOK_QUEUE_SIZE", &c.Webhook.QueueSize)
	num("WEBHOOK_MAX_ATTEMPTS", &c.Webhook.MaxAttempts)
	dur("WEBHOOK_BASE_BACKOFF", &c.Webhook.BaseBackoff)
	dur("WEBHOOK_MAX_JITTER", &c.Webhook.MaxJitter)
	dur("WEBHOOK_ATTEMPT_TIMEOUT", &c.Webhook.AttemptTimeout)
	dur("WEBHOOK_LEASE_TTL", &c.Webhook.LeaseTTL)
	dur("WEBHOOK_POLL_INTERVAL", &c.Webhook.PollInterval)

	num("MYSQL_MAX_OPEN_CONNS", &c.MySQL.MaxOpenConns)
	num("MYSQL_MAX_IDLE_CONNS", &c.MySQL.MaxIdleConns)
	dur("MYSQL_CONN_MAX_LIFETIME", &c.MySQL.ConnMaxLifetime)
	str("MYSQL_LOG_LEVEL", &c.MySQL.LogLevel)

	return errors.Join(errs...)
}

// Validate reports every invalid setting at once, naming its key.
func (c *Config) Validate() error {
	var errs []error
	switch c.DBDriver {
	case DriverPostgres, DriverMySQL:
		if c.DBSource == "" {
			errs = append(errs, fmt.Errorf("DB_SOURCE environment variable is required for driver %s", c.DBDriver))
		}
	case DriverMemory:
	default:
		errs = append(errs, fmt.Errorf("DB_DRIVER must be postgres, mysql or memory, got %q", c.DBDriver))
	}
	if p, err := strconv.Atoi(c.Port); err != nil || p <= 0 || p > 65535 {
		errs = append(errs, fmt.Errorf("SERVER_PORT must be a valid port, got %q", c.Port))
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.Ledger.MaxRetries < 0 {
		errs = append(errs, errors.New("LEDGER_MAX_RETRIES must not be negative"))
	}
	if c.Ledger.OpTimeout <= 0 {
		errs = append(errs, errors.New("LEDGER_OP_TIMEOUT must be positive"))
	}

	w := c.Webhook
	if w.Workers <= 0 {
		errs = append(errs, errors.New("WEBHOOK_WORKERS must be positive"))
	}
	if w.QueueSize <= 0 {
		errs = append(errs, errors.New("WEBHOOK_QUEUE_SIZE must be positive"))
	}
	if w.MaxAttempts <= 0 {
		errs = append(errs, errors.New("WEBHOOK_MAX_ATTEMPTS must be positive"))
	}
	if w.BaseBackoff <= 0 {
		errs = append(errs, errors.New("WEBHOOK_BASE_BACKOFF must be positive"))
	}
	if w.MaxJitter < 0 {
		errs = append(errs, errors.New("WEBHOOK_MAX_JITTER must not be negative"))
	}
	if w.AttemptTimeout <= 0 {
		errs = append(errs, errors.New("WEBHOOK_ATTEMPT_TIMEOUT must be positive"))
	}
	if w.LeaseTTL <= w.AttemptTimeout {
		errs = append(errs, errors.New("WEBHOOK_LEASE_TTL must exceed WEBHOOK_ATTEMPT_TIMEOUT"))
	}
	if w.PollInterval <= 0 {
		errs = append(errs, errors.New("WEBHOOK_POLL_INTERVAL must be positive"))
	}
	return errors.Join(errs...)
}

// ParseLevel maps a LOG_LEVEL value to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	switch s {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("LOG_LEVEL must be debug, info, warn or error, got %q", s)
}
