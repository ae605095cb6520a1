package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies STAKELEDGER_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
// An empty path skips the file and uses defaults plus environment.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known STAKELEDGER_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). Secrets are usually injected this way.
func applyEnvOverrides(cfg *Config) {
	// ── Ledger ──
	setStr(&cfg.Ledger.DataDir, "STAKELEDGER_LEDGER_DATA_DIR")
	setAmount(&cfg.Ledger.StartingStake, "STAKELEDGER_LEDGER_STARTING_STAKE")
	setAmount(&cfg.Ledger.TargetAmount, "STAKELEDGER_LEDGER_TARGET_AMOUNT")
	setAmount(&cfg.Ledger.CommissionRate, "STAKELEDGER_LEDGER_COMMISSION_RATE")
	setDuration(&cfg.Ledger.LockTimeout, "STAKELEDGER_LEDGER_LOCK_TIMEOUT")
	setInt(&cfg.Ledger.MaxConflictRetries, "STAKELEDGER_LEDGER_MAX_CONFLICT_RETRIES")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "STAKELEDGER_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "STAKELEDGER_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "STAKELEDGER_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "STAKELEDGER_SERVER_API_KEY")
	setBool(&cfg.Server.PublicReads, "STAKELEDGER_SERVER_PUBLIC_READS")
	setInt(&cfg.Server.RateLimit, "STAKELEDGER_SERVER_RATE_LIMIT")
	setDuration(&cfg.Server.RateWindow, "STAKELEDGER_SERVER_RATE_WINDOW")

	// ── Postgres ──
	setBool(&cfg.Postgres.Enabled, "STAKELEDGER_POSTGRES_ENABLED")
	setStr(&cfg.Postgres.DSN, "STAKELEDGER_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.Host, "STAKELEDGER_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "STAKELEDGER_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "STAKELEDGER_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "STAKELEDGER_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "STAKELEDGER_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "STAKELEDGER_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "STAKELEDGER_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "STAKELEDGER_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "STAKELEDGER_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "STAKELEDGER_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "STAKELEDGER_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "STAKELEDGER_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "STAKELEDGER_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "STAKELEDGER_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "STAKELEDGER_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "STAKELEDGER_REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.Namespace, "STAKELEDGER_REDIS_NAMESPACE")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "STAKELEDGER_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "STAKELEDGER_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "STAKELEDGER_S3_REGION")
	setStr(&cfg.S3.Bucket, "STAKELEDGER_S3_BUCKET")
	setStr(&cfg.S3.Prefix, "STAKELEDGER_S3_PREFIX")
	setStr(&cfg.S3.AccessKey, "STAKELEDGER_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "STAKELEDGER_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "STAKELEDGER_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "STAKELEDGER_S3_FORCE_PATH_STYLE")
	setBool(&cfg.S3.Verify, "STAKELEDGER_S3_VERIFY")
	setDuration(&cfg.S3.BackupInterval, "STAKELEDGER_S3_BACKUP_INTERVAL")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "STAKELEDGER_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "STAKELEDGER_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "STAKELEDGER_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "STAKELEDGER_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "STAKELEDGER_MODE")
	setStr(&cfg.LogLevel, "STAKELEDGER_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setAmount(dst *amount, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := decimal.NewFromString(strings.TrimSpace(v)); err == nil {
			dst.Decimal = d
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
