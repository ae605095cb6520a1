package ledger

import (
	"context"
	"log/slog"
	"time"

	"github.com/alanyoungcy/stakeledger/internal/domain"
	"github.com/alanyoungcy/stakeledger/internal/metrics"
)

const (
	defaultQueueSize   = 256
	defaultSinkTimeout = 10 * time.Second
)

// Dispatcher fans committed events out to downstream sinks on its own
// goroutine, so slow sinks never hold the ledger lock. A full queue drops the
// batch: sinks are copies and can be backfilled from the log.
type Dispatcher struct {
	sinks   []domain.EventSink
	queue   chan []domain.Event
	timeout time.Duration
	logger  *slog.Logger
}

// NewDispatcher creates a Dispatcher for sinks.
func NewDispatcher(sinks []domain.EventSink, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		sinks:   sinks,
		queue:   make(chan []domain.Event, defaultQueueSize),
		timeout: defaultSinkTimeout,
		logger:  logger.With(slog.String("component", "dispatcher")),
	}
}

// Register adds a sink. It must be called before Run.
func (d *Dispatcher) Register(s domain.EventSink) {
	d.sinks = append(d.sinks, s)
}

// Sinks returns the registered sink names.
func (d *Dispatcher) Sinks() []string {
	names := make([]string, len(d.sinks))
	for i, s := range d.sinks {
		names[i] = s.Name()
	}
	return names
}

// Enqueue implements Publisher.
func (d *Dispatcher) Enqueue(events []domain.Event) {
	if len(d.sinks) == 0 || len(events) == 0 {
		return
	}
	select {
	case d.queue <- events:
	default:
		metrics.SinkDropped.Inc()
		d.logger.Warn("dispatch queue full, dropping batch",
			slog.Uint64("first_sequence", events[0].Sequence),
			slog.Int("events", len(events)),
		)
	}
}

// Run delivers queued batches until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case batch := <-d.queue:
			d.deliver(ctx, batch)
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, batch []domain.Event) {
	for _, s := range d.sinks {
		sctx, cancel := context.WithTimeout(ctx, d.timeout)
		err := s.Consume(sctx, batch)
		cancel()
		if err != nil {
			metrics.SinkFailures.WithLabelValues(s.Name()).Inc()
			d.logger.WarnContext(ctx, "sink failed",
				slog.String("sink", s.Name()),
				slog.Uint64("first_sequence", batch[0].Sequence),
				slog.String("error", err.Error()),
			)
		}
	}
}
