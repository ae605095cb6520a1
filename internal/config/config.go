// Package config defines the stakeledger configuration and its validation.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Config is the root configuration. Fields come from a TOML file and may be
// overridden by STAKELEDGER_* environment variables.
type Config struct {
	Ledger   LedgerConfig   `toml:"ledger"`
	Server   ServerConfig   `toml:"server"`
	Postgres PostgresConfig `toml:"postgres"`
	Redis    RedisConfig    `toml:"redis"`
	S3       S3Config       `toml:"s3"`
	Notify   NotifyConfig   `toml:"notify"`
	Mode     string         `toml:"mode"`
	LogLevel string         `toml:"log_level"`
}

// LedgerConfig holds the event log location and the staking strategy.
type LedgerConfig struct {
	DataDir        string   `toml:"data_dir"`
	StartingStake  amount   `toml:"starting_stake"`
	TargetAmount   amount   `toml:"target_amount"`
	CommissionRate amount   `toml:"commission_rate"`
	LockTimeout    duration `toml:"lock_timeout"`
	// MaxConflictRetries bounds re-derivations after another process
	// appended first.
	MaxConflictRetries int `toml:"max_conflict_retries"`
}

// ServerConfig holds HTTP API parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	// APIKey guards every route but health and metrics. Empty disables auth.
	APIKey string `toml:"api_key"`
	// PublicReads leaves GET routes open when APIKey is set.
	PublicReads bool     `toml:"public_reads"`
	RateLimit   int      `toml:"rate_limit"`
	RateWindow  duration `toml:"rate_window"`
}

// PostgresConfig holds the SQL mirror connection.
type PostgresConfig struct {
	Enabled       bool   `toml:"enabled"`
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Enabled    bool   `toml:"enabled"`
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`

	// Namespace prefixes every key, so ledgers can share one Redis.
	Namespace    string `toml:"namespace"`
	StreamMaxLen int64  `toml:"stream_max_len"`
}

// S3Config holds the archive bucket parameters.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	Prefix         string `toml:"prefix"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
	Verify         bool   `toml:"verify"`
	// BackupInterval runs incremental backups in server mode; zero leaves
	// backups to the backup mode.
	BackupInterval duration `toml:"backup_interval"`
}

// NotifyConfig holds notification channel credentials. Events lists the
// event kinds to forward, e.g. "BET_WON".
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// amount decodes a money value from a TOML string ("0.05") without going
// through float64.
type amount struct {
	decimal.Decimal
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *amount) UnmarshalText(text []byte) error {
	v, err := decimal.NewFromString(strings.TrimSpace(string(text)))
	if err != nil {
		return fmt.Errorf("invalid amount %q: %w", text, err)
	}
	a.Decimal = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (a amount) MarshalText() ([]byte, error) {
	return []byte(a.Decimal.String()), nil
}

func mustAmount(s string) amount { return amount{decimal.RequireFromString(s)} }

// Defaults returns a Config populated with the default values documented in
// config.example.toml.
func Defaults() Config {
	return Config{
		Ledger: LedgerConfig{
			DataDir:            "data",
			StartingStake:      mustAmount("1"),
			TargetAmount:       mustAmount("0"),
			CommissionRate:     mustAmount("0.05"),
			LockTimeout:        duration{10 * time.Second},
			MaxConflictRetries: 3,
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimit:   120,
			RateWindow:  duration{time.Minute},
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "stakeledger",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  5,
			PoolMinConns:  1,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:         "localhost:6379",
			PoolSize:     10,
			MaxRetries:   3,
			Namespace:    "stakeledger",
			StreamMaxLen: 10000,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "stakeledger",
			Prefix:         "stakeledger/log",
			ForcePathStyle: true,
			Verify:         true,
			BackupInterval: duration{time.Hour},
		},
		Notify: NotifyConfig{
			Events: []string{"BET_WON", "BET_LOST", "TARGET_REACHED", "SYSTEM_RESET"},
		},
		Mode:     "server",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"server":  true,
	"status":  true,
	"history": true,
	"backup":  true,
	"mirror":  true,
	"tail":    true,
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validEventKinds = map[string]bool{
	"BET_PLACED":     true,
	"BET_WON":        true,
	"BET_LOST":       true,
	"TARGET_REACHED": true,
	"SYSTEM_RESET":   true,
	"BET_CANCELLED":  true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string
	mode := strings.ToLower(c.Mode)

	if !validModes[mode] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: server, status, history, backup, mirror, tail)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Ledger
	if strings.TrimSpace(c.Ledger.DataDir) == "" {
		errs = append(errs, "ledger: data_dir must not be empty")
	}
	if !c.Ledger.StartingStake.IsPositive() {
		errs = append(errs, "ledger: starting_stake must be > 0")
	}
	if c.Ledger.TargetAmount.IsNegative() {
		errs = append(errs, "ledger: target_amount must be >= 0 (0 disables the target)")
	}
	if c.Ledger.CommissionRate.IsNegative() || c.Ledger.CommissionRate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		errs = append(errs, fmt.Sprintf("ledger: commission_rate must be in [0, 1), got %s", c.Ledger.CommissionRate))
	}
	if c.Ledger.LockTimeout.Duration <= 0 {
		errs = append(errs, "ledger: lock_timeout must be > 0")
	}
	if c.Ledger.MaxConflictRetries < 1 {
		errs = append(errs, "ledger: max_conflict_retries must be >= 1")
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.RateLimit < 0 {
			errs = append(errs, "server: rate_limit must be >= 0")
		}
		if c.Server.RateLimit > 0 && c.Server.RateWindow.Duration <= 0 {
			errs = append(errs, "server: rate_window must be > 0 when rate_limit is set")
		}
	}

	// Postgres
	if c.Postgres.Enabled || mode == "mirror" {
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
			}
			if c.Postgres.Database == "" {
				errs = append(errs, "postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns < 0 || c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must be between 0 and pool_max_conns")
		}
	}

	// Redis
	if c.Redis.Enabled || mode == "tail" {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}

	// S3
	if c.S3.Enabled || mode == "backup" {
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
		if c.S3.Region == "" {
			errs = append(errs, "s3: region must not be empty")
		}
		if c.S3.BackupInterval.Duration < 0 {
			errs = append(errs, "s3: backup_interval must be >= 0")
		}
	}

	// Notify
	for _, e := range c.Notify.Events {
		if !validEventKinds[strings.ToUpper(strings.TrimSpace(e))] {
			errs = append(errs, fmt.Sprintf("notify: unknown event kind %q", e))
		}
	}
	if (c.Notify.TelegramToken == "") != (c.Notify.TelegramChatID == "") {
		errs = append(errs, "notify: telegram_token and telegram_chat_id must be set together")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
