package app

import (
	"context"
	"fmt"
	"log/slog"

	s3blob "github.com/alanyoungcy/stakeledger/internal/blob/s3"
	"github.com/alanyoungcy/stakeledger/internal/cache/redis"
	"github.com/alanyoungcy/stakeledger/internal/config"
	"github.com/alanyoungcy/stakeledger/internal/domain"
	"github.com/alanyoungcy/stakeledger/internal/eventstore"
	"github.com/alanyoungcy/stakeledger/internal/ledger"
	"github.com/alanyoungcy/stakeledger/internal/notify"
	"github.com/alanyoungcy/stakeledger/internal/server/handler"
	"github.com/alanyoungcy/stakeledger/internal/store/postgres"
)

// Dependencies bundles everything the modes operate on. Optional backends
// are nil when not configured. It is constructed by Wire and torn down by the
// returned cleanup function.
type Dependencies struct {
	// Log and Ledger are nil in tail mode, which only reads Redis.
	Log        *eventstore.Store
	Ledger     *ledger.Ledger
	Dispatcher *ledger.Dispatcher

	// Sinks
	Mirror    *postgres.EventMirror
	Publisher *redis.EventPublisher
	Notifier  *notify.Notifier

	// Redis
	SignalBus   domain.SignalBus
	RateLimiter domain.RateLimiter
	LockManager domain.LockManager

	// Blob storage
	Archiver *s3blob.Archiver

	// Checks back the health endpoint.
	Checks []handler.Check
}

func needsPostgres(cfg *config.Config) bool {
	return cfg.Mode == "mirror" || (cfg.Postgres.Enabled && cfg.Mode == "server")
}

func needsRedis(cfg *config.Config) bool {
	switch cfg.Mode {
	case "tail":
		return true
	case "server", "backup":
		return cfg.Redis.Enabled
	default:
		return false
	}
}

func needsS3(cfg *config.Config) bool {
	return cfg.Mode == "backup" || (cfg.S3.Enabled && cfg.Mode == "server")
}

// Wire constructs the concrete dependencies for cfg.Mode and returns them
// together with a cleanup function that releases connections in reverse
// order.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, err
	}

	deps := &Dependencies{}
	var sinks []domain.EventSink

	// --- Event log ---
	if cfg.Mode != "tail" {
		log, err := eventstore.Open(cfg.Ledger.DataDir, cfg.Ledger.LockTimeout.Duration,
			eventstore.WithLogger(logger))
		if err != nil {
			return fail(fmt.Errorf("wire: event log: %w", err))
		}
		deps.Log = log
		deps.Checks = append(deps.Checks, handler.Check{Name: "log", Probe: func(ctx context.Context) error {
			_, err := log.Head(ctx)
			return err
		}})
	}

	// --- PostgreSQL ---
	if needsPostgres(cfg) {
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: postgres: %w", err))
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				return fail(fmt.Errorf("wire: postgres migrations: %w", err))
			}
		}

		deps.Mirror = postgres.NewEventMirror(pgClient.Pool())
		sinks = append(sinks, deps.Mirror)
		deps.Checks = append(deps.Checks, handler.Check{Name: "postgres", Probe: pgClient.Pool().Ping})
	}

	// --- Redis ---
	if needsRedis(cfg) {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			MaxRetries:   cfg.Redis.MaxRetries,
			TLSEnabled:   cfg.Redis.TLSEnabled,
			Namespace:    cfg.Redis.Namespace,
			StreamMaxLen: cfg.Redis.StreamMaxLen,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: redis: %w", err))
		}
		closers = append(closers, func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("wire: redis close", slog.String("error", err.Error()))
			}
		})

		bus := redis.NewSignalBus(redisClient)
		deps.SignalBus = bus
		deps.Publisher = redis.NewEventPublisher(bus, redisClient.Namespace())
		deps.RateLimiter = redis.NewRateLimiter(redisClient)
		deps.LockManager = redis.NewLockManager(redisClient)
		sinks = append(sinks, deps.Publisher)
		deps.Checks = append(deps.Checks, handler.Check{Name: "redis", Probe: redisClient.Ping})
	}

	// --- S3 ---
	if needsS3(cfg) {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: s3: %w", err))
		}
		bucket := s3blob.NewBucket(s3Client)
		deps.Archiver = s3blob.NewArchiver(bucket, bucket,
			s3blob.WithPrefix(cfg.S3.Prefix),
			s3blob.WithVerify(cfg.S3.Verify),
		)
		deps.Checks = append(deps.Checks, handler.Check{Name: "s3", Probe: s3Client.Health})
	}

	// --- Notifications (server mode only; CLI modes never write) ---
	if cfg.Mode == "server" {
		var senders []notify.Sender
		if cfg.Notify.TelegramToken != "" {
			senders = append(senders, notify.NewTelegramSender(cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID))
		}
		if cfg.Notify.DiscordWebhookURL != "" {
			senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
		}
		if len(senders) > 0 {
			deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)
			sinks = append(sinks, deps.Notifier)
		}
	}

	// --- Ledger ---
	deps.Dispatcher = ledger.NewDispatcher(sinks, logger)
	if deps.Log != nil {
		deps.Ledger = ledger.New(deps.Log, ledger.Config{
			StartingStake:      cfg.Ledger.StartingStake.Decimal,
			TargetAmount:       cfg.Ledger.TargetAmount.Decimal,
			CommissionRate:     cfg.Ledger.CommissionRate.Decimal,
			MaxConflictRetries: cfg.Ledger.MaxConflictRetries,
		}, ledger.WithPublisher(deps.Dispatcher), ledger.WithLogger(logger))
	}

	return deps, cleanup, nil
}
