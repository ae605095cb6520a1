package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/stakeledger/internal/domain"
)

// backfillChunk bounds the rows sent in one batch during Backfill.
const backfillChunk = 500

// EventMirror implements domain.EventMirror on the ledger_events table.
// Inserts are idempotent on sequence, so replaying a batch is harmless.
type EventMirror struct {
	pool *pgxpool.Pool
}

// NewEventMirror creates an EventMirror backed by the given connection pool.
func NewEventMirror(pool *pgxpool.Pool) *EventMirror {
	return &EventMirror{pool: pool}
}

// Name implements domain.EventSink.
func (m *EventMirror) Name() string { return "postgres" }

// Consume writes events in one round trip, skipping sequences already
// mirrored.
func (m *EventMirror) Consume(ctx context.Context, events []domain.Event) error {
	if len(events) == 0 {
		return nil
	}

	const query = `
		INSERT INTO ledger_events (sequence, kind, reference, payload, occurred_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5)
		ON CONFLICT (sequence) DO NOTHING`

	batch := &pgx.Batch{}
	for _, e := range events {
		payload, err := json.Marshal(e.Payload)
		if err != nil {
			return fmt.Errorf("postgres: marshal event %d: %w", e.Sequence, err)
		}
		batch.Queue(query, int64(e.Sequence), string(e.Kind), domain.Reference(e.Payload), payload, e.Timestamp)
	}

	br := m.pool.SendBatch(ctx, batch)
	defer br.Close()
	for _, e := range events {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("postgres: mirror event %d: %w", e.Sequence, err)
		}
	}
	return nil
}

// LastSequence returns the highest mirrored sequence, 0 when empty.
func (m *EventMirror) LastSequence(ctx context.Context) (uint64, error) {
	var seq int64
	err := m.pool.QueryRow(ctx, `SELECT COALESCE(MAX(sequence), 0) FROM ledger_events`).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("postgres: last mirrored sequence: %w", err)
	}
	return uint64(seq), nil
}

// List returns mirrored events newest first with optional kind and time
// filters.
func (m *EventMirror) List(ctx context.Context, opts domain.ListOpts) ([]domain.Event, error) {
	query := `SELECT sequence, kind, payload, occurred_at FROM ledger_events WHERE 1=1`
	args := []any{}
	argIdx := 1

	if opts.Kind != "" {
		query += fmt.Sprintf(" AND kind = $%d", argIdx)
		args = append(args, string(opts.Kind))
		argIdx++
	}
	if !opts.Since.IsZero() {
		query += fmt.Sprintf(" AND occurred_at >= $%d", argIdx)
		args = append(args, opts.Since)
		argIdx++
	}

	query += " ORDER BY sequence DESC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := m.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list events: %w", err)
	}
	defer rows.Close()

	var events []domain.Event
	for rows.Next() {
		var (
			seq     int64
			kind    string
			payload []byte
			e       domain.Event
		)
		if err := rows.Scan(&seq, &kind, &payload, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("postgres: scan event: %w", err)
		}
		p, err := domain.DecodePayload(domain.EventKind(kind), payload)
		if err != nil {
			return nil, fmt.Errorf("postgres: event %d: %w", seq, err)
		}
		e.Sequence = uint64(seq)
		e.Kind = domain.EventKind(kind)
		e.Payload = p
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list events rows: %w", err)
	}
	return events, nil
}

// Backfill copies every log event past the mirror's last sequence. read is
// usually the event store's Events method. It returns the number of events
// copied.
func (m *EventMirror) Backfill(ctx context.Context, read func(ctx context.Context, from uint64) ([]domain.Event, error)) (int, error) {
	last, err := m.LastSequence(ctx)
	if err != nil {
		return 0, err
	}
	events, err := read(ctx, last+1)
	if err != nil {
		return 0, fmt.Errorf("postgres: backfill read: %w", err)
	}
	for start := 0; start < len(events); start += backfillChunk {
		end := min(start+backfillChunk, len(events))
		if err := m.Consume(ctx, events[start:end]); err != nil {
			return start, err
		}
	}
	return len(events), nil
}

// Compile-time interface check.
var _ domain.EventMirror = (*EventMirror)(nil)
