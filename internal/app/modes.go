package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/stakeledger/internal/metrics"
	"github.com/alanyoungcy/stakeledger/internal/server"
	"github.com/alanyoungcy/stakeledger/internal/server/handler"
	"github.com/alanyoungcy/stakeledger/internal/server/ws"
)

const (
	shutdownTimeout = 5 * time.Second
	backupLockKey   = "backup"
	backupLockTTL   = 10 * time.Minute
	tailInterval    = time.Second
	tailBatch       = 100
)

// ServerMode runs the dispatcher, the HTTP API and the periodic jobs until
// ctx is cancelled.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	g, ctx := errgroup.WithContext(ctx)

	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps)
	}

	// Sinks are registered by now, so the dispatcher can start.
	g.Go(func() error {
		return deps.Dispatcher.Run(ctx)
	})

	if deps.Mirror != nil {
		g.Go(func() error {
			a.backfillMirror(ctx, deps)
			return nil
		})
	}

	if deps.Archiver != nil && a.cfg.S3.BackupInterval.Duration > 0 {
		g.Go(func() error {
			return a.backupLoop(ctx, deps, a.cfg.S3.BackupInterval.Duration)
		})
	}

	a.logger.InfoContext(ctx, "server mode running",
		slog.Bool("http", a.cfg.Server.Enabled),
		slog.Any("sinks", deps.Dispatcher.Sinks()),
	)
	return g.Wait()
}

// startHTTPServer builds the API and its WebSocket hub and launches them on
// g. Without Redis the hub is fed by the dispatcher; with Redis it follows
// the shared channel instead, which also carries other hosts' events.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	hubCfg := ws.Config{AllowedOrigins: a.cfg.Server.CORSOrigins}
	if deps.Publisher != nil {
		hubCfg.EventsChannel = deps.Publisher.Channel()
	}
	hub := ws.NewHub(deps.Ledger, deps.SignalBus, a.logger, hubCfg)
	if deps.Publisher == nil {
		deps.Dispatcher.Register(hub)
	}

	handlers := server.Handlers{
		Health: handler.NewHealthHandler(a.logger, deps.Checks...),
		Ledger: handler.NewLedgerHandler(deps.Ledger, a.logger),
	}
	if deps.Mirror != nil {
		handlers.Mirror = handler.NewMirrorHandler(deps.Mirror, a.logger)
	}

	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		PublicReads: a.cfg.Server.PublicReads,
		RateLimit:   a.cfg.Server.RateLimit,
		RateWindow:  a.cfg.Server.RateWindow.Duration,
	}, handlers, hub, deps.RateLimiter, a.logger)

	g.Go(func() error {
		return hub.Run(ctx)
	})

	// Commits by other processes sharing the data directory refresh the
	// status pushed to clients.
	g.Go(func() error {
		signals, err := deps.Log.Watch(ctx)
		if err != nil {
			a.logger.WarnContext(ctx, "log watch unavailable", slog.String("error", err.Error()))
			return nil
		}
		hub.Watch(ctx, signals)
		return nil
	})

	g.Go(func() error {
		return srv.Start()
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}

// backfillMirror copies whatever the mirror missed while this process was
// down. Failures are logged; the mirror catches up on the next start.
func (a *App) backfillMirror(ctx context.Context, deps *Dependencies) {
	n, err := deps.Mirror.Backfill(ctx, deps.Log.Events)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			a.logger.ErrorContext(ctx, "mirror backfill failed", slog.String("error", err.Error()))
		}
		return
	}
	a.logger.InfoContext(ctx, "mirror backfill complete", slog.Int("events", n))
}

func (a *App) backupLoop(ctx context.Context, deps *Dependencies, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := a.backup(ctx, deps); err != nil && !errors.Is(err, context.Canceled) {
				a.logger.ErrorContext(ctx, "scheduled backup failed", slog.String("error", err.Error()))
			}
		}
	}
}

// backup archives new log events, holding the Redis lock when Redis is
// configured so only one host uploads at a time.
func (a *App) backup(ctx context.Context, deps *Dependencies) (string, error) {
	if deps.LockManager != nil {
		unlock, err := deps.LockManager.Acquire(ctx, backupLockKey, backupLockTTL)
		if err != nil {
			return "", fmt.Errorf("app: backup lock: %w", err)
		}
		defer unlock()
	}

	key, err := deps.Archiver.Backup(ctx, deps.Log.Events, time.Now().UTC())
	if err != nil {
		metrics.BackupFailures.Inc()
		return "", err
	}
	if key == "" {
		a.logger.DebugContext(ctx, "backup: archive already current")
		return "", nil
	}

	if last, err := deps.Archiver.LastArchived(ctx); err == nil {
		metrics.ArchivedSequence.Set(float64(last))
	}
	a.logger.InfoContext(ctx, "backup: archive written", slog.String("key", key))
	return key, nil
}

// StatusMode prints the current status.
func (a *App) StatusMode(ctx context.Context, deps *Dependencies) error {
	st, err := deps.Ledger.Status(ctx)
	if err != nil {
		return fmt.Errorf("app: status: %w", err)
	}
	return a.printJSON(st)
}

// HistoryMode prints bets and completed cycles, newest first.
func (a *App) HistoryMode(ctx context.Context, deps *Dependencies) error {
	hist, err := deps.Ledger.History(ctx, a.history)
	if err != nil {
		return fmt.Errorf("app: history: %w", err)
	}
	return a.printJSON(hist)
}

type backupResult struct {
	Archive      string `json:"archive,omitempty"`
	LastArchived uint64 `json:"last_archived"`
}

// BackupMode runs one incremental backup and prints the new archive key.
func (a *App) BackupMode(ctx context.Context, deps *Dependencies) error {
	if deps.Archiver == nil {
		return errors.New("app: backup mode requires s3")
	}
	key, err := a.backup(ctx, deps)
	if err != nil {
		return err
	}
	last, err := deps.Archiver.LastArchived(ctx)
	if err != nil {
		return fmt.Errorf("app: backup: %w", err)
	}
	return a.printJSON(backupResult{Archive: key, LastArchived: last})
}

// MirrorMode backfills the database mirror from the log and exits.
func (a *App) MirrorMode(ctx context.Context, deps *Dependencies) error {
	if deps.Mirror == nil {
		return errors.New("app: mirror mode requires postgres")
	}
	n, err := deps.Mirror.Backfill(ctx, deps.Log.Events)
	if err != nil {
		return fmt.Errorf("app: mirror backfill: %w", err)
	}
	last, err := deps.Mirror.LastSequence(ctx)
	if err != nil {
		return fmt.Errorf("app: mirror head: %w", err)
	}
	return a.printJSON(map[string]uint64{"copied": uint64(n), "last_sequence": last})
}

// TailMode follows the Redis event stream and prints one JSON event per line
// until ctx is cancelled.
func (a *App) TailMode(ctx context.Context, deps *Dependencies) error {
	if deps.Publisher == nil {
		return errors.New("app: tail mode requires redis")
	}

	ticker := time.NewTicker(tailInterval)
	defer ticker.Stop()

	enc := json.NewEncoder(a.out)
	lastID := "0"
	for {
		events, next, err := deps.Publisher.Tail(ctx, lastID, tailBatch)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			a.logger.WarnContext(ctx, "tail: read failed", slog.String("error", err.Error()))
		}
		lastID = next
		for _, e := range events {
			if err := enc.Encode(e); err != nil {
				return fmt.Errorf("app: write output: %w", err)
			}
		}
		if len(events) == tailBatch {
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
