// Package eventstore is the append-only, sequenced ledger log. Each append is
// one commit: a filestore slot named after its first sequence holding one or
// more consecutive events, written by a single atomic rename.
package eventstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/alanyoungcy/stakeledger/internal/domain"
	"github.com/alanyoungcy/stakeledger/internal/filestore"
	"github.com/alanyoungcy/stakeledger/internal/metrics"
	"github.com/alanyoungcy/stakeledger/internal/policy"
	"github.com/shopspring/decimal"
)

// AnyHead disables the expected-head check of AppendBatch.
const AnyHead = ^uint64(0)

type commit struct {
	First  uint64         `json:"first"`
	Events []domain.Event `json:"events"`
}

// Store is the ledger event log.
type Store struct {
	files  *filestore.Store
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the clock used to timestamp events.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithLogger sets the store logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// Open opens (creating if needed) the log in dir.
func Open(dir string, lockTimeout time.Duration, opts ...Option) (*Store, error) {
	s := newStore(nil, opts...)
	files, err := filestore.Open(dir,
		filestore.WithLockTimeout(lockTimeout),
		filestore.WithLogger(s.logger),
	)
	if err != nil {
		return nil, fmt.Errorf("eventstore: open: %w", err)
	}
	s.files = files
	return s, nil
}

// New wraps an already opened filestore.
func New(files *filestore.Store, opts ...Option) *Store {
	return newStore(files, opts...)
}

func newStore(files *filestore.Store, opts ...Option) *Store {
	s := &Store{
		files:  files,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Dir returns the directory holding the log.
func (s *Store) Dir() string { return s.files.Dir() }

// Append appends a single event and returns it with its assigned sequence
// and timestamp.
func (s *Store) Append(ctx context.Context, p domain.Payload) (domain.Event, error) {
	events, err := s.AppendBatch(ctx, AnyHead, p)
	if err != nil {
		return domain.Event{}, err
	}
	return events[0], nil
}

// AppendBatch appends payloads as one commit: either all of them become
// visible with consecutive sequences or none do. When expectedHead is not
// AnyHead the append fails with domain.ErrSequenceConflict unless the log
// head still equals it.
func (s *Store) AppendBatch(ctx context.Context, expectedHead uint64, payloads ...domain.Payload) ([]domain.Event, error) {
	if len(payloads) == 0 {
		return nil, errors.New("eventstore: append: no events")
	}
	for _, p := range payloads {
		if p == nil || !p.Kind().Valid() {
			return nil, fmt.Errorf("eventstore: append: invalid payload %T", p)
		}
	}

	var out []domain.Event
	err := s.files.Update(ctx, func(tx *filestore.Tx) error {
		head, err := s.head(tx)
		if err != nil {
			return err
		}
		if expectedHead != AnyHead && head != expectedHead {
			return fmt.Errorf("%w: expected head %d, log is at %d", domain.ErrSequenceConflict, expectedHead, head)
		}

		ts := s.now().UTC()
		c := commit{First: head + 1, Events: make([]domain.Event, len(payloads))}
		for i, p := range payloads {
			c.Events[i] = domain.Event{
				Sequence:  head + 1 + uint64(i),
				Kind:      p.Kind(),
				Timestamp: ts,
				Payload:   p,
			}
		}
		if err := tx.Create(slotName(c.First), c); err != nil {
			return err
		}
		out = c.Events
		return nil
	})
	if err != nil {
		metrics.AppendFailures.Inc()
		return nil, fmt.Errorf("eventstore: append: %w", err)
	}

	for _, e := range out {
		metrics.EventsAppended.WithLabelValues(string(e.Kind)).Inc()
	}
	s.logger.Debug("eventstore: committed",
		slog.Uint64("first", out[0].Sequence),
		slog.Int("events", len(out)),
	)
	return out, nil
}

// Head returns the last committed sequence, 0 for an empty log.
func (s *Store) Head(ctx context.Context) (uint64, error) {
	slots, err := s.slots()
	if err != nil {
		return 0, err
	}
	if len(slots) == 0 {
		return 0, nil
	}
	c, err := s.readCommit(slots[len(slots)-1])
	if err != nil {
		return 0, err
	}
	return c.First + uint64(len(c.Events)) - 1, nil
}

// Events returns every event with sequence >= from, in order. A gap in the
// sequence or an undecodable commit is reported as domain.ErrCorrupt.
func (s *Store) Events(ctx context.Context, from uint64) ([]domain.Event, error) {
	if from == 0 {
		from = 1
	}
	slots, err := s.slots()
	if err != nil {
		return nil, err
	}
	if len(slots) == 0 {
		return nil, nil
	}
	if slots[0].first != 1 {
		return nil, fmt.Errorf("eventstore: %w: log starts at sequence %d", domain.ErrCorrupt, slots[0].first)
	}

	// The commit containing from is the last one starting at or before it.
	start := sort.Search(len(slots), func(i int) bool { return slots[i].first > from }) - 1
	if start < 0 {
		start = 0
	}

	var out []domain.Event
	next := slots[start].first
	for _, sl := range slots[start:] {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if sl.first != next {
			return nil, fmt.Errorf("eventstore: %w: expected commit at %d, found %d", domain.ErrCorrupt, next, sl.first)
		}
		c, err := s.readCommit(sl)
		if err != nil {
			return nil, err
		}
		for _, e := range c.Events {
			if e.Sequence != next {
				return nil, fmt.Errorf("eventstore: %w: expected sequence %d, found %d", domain.ErrCorrupt, next, e.Sequence)
			}
			next++
			if e.Sequence >= from {
				out = append(out, e)
			}
		}
	}
	return out, nil
}

// Replay folds the events from sequence from into a derived state. seed is
// the starting stake used when the replayed range does not open with a
// SYSTEM_RESET.
func (s *Store) Replay(ctx context.Context, from uint64, seed decimal.Decimal) (domain.DerivedState, error) {
	start := time.Now()
	defer func() { metrics.ReplayDuration.Observe(time.Since(start).Seconds()) }()

	events, err := s.Events(ctx, from)
	if err != nil {
		return domain.DerivedState{}, err
	}
	state := policy.Fold(seed, events)
	if n := len(state.Anomalies); n > 0 {
		metrics.ReplayAnomalies.Set(float64(n))
		s.logger.Warn("eventstore: replay found anomalies",
			slog.Int("count", n),
			slog.Uint64("first_sequence", state.Anomalies[0].Sequence),
		)
	} else {
		metrics.ReplayAnomalies.Set(0)
	}
	return state, nil
}

// LastResetSequence returns the sequence of the most recent SYSTEM_RESET.
// found is false when the log holds no reset.
func (s *Store) LastResetSequence(ctx context.Context) (seq uint64, found bool, err error) {
	slots, err := s.slots()
	if err != nil {
		return 0, false, err
	}
	for i := len(slots) - 1; i >= 0; i-- {
		if err := ctx.Err(); err != nil {
			return 0, false, err
		}
		c, err := s.readCommit(slots[i])
		if err != nil {
			return 0, false, err
		}
		for j := len(c.Events) - 1; j >= 0; j-- {
			if c.Events[j].Kind == domain.KindSystemReset {
				return c.Events[j].Sequence, true, nil
			}
		}
	}
	return 0, false, nil
}

type slot struct {
	name  string
	first uint64
}

func slotName(first uint64) string {
	return fmt.Sprintf("%020d", first)
}

func (s *Store) slots() ([]slot, error) {
	names, err := s.files.List()
	if err != nil {
		return nil, fmt.Errorf("eventstore: %w", err)
	}
	out := make([]slot, 0, len(names))
	for _, n := range names {
		first, err := strconv.ParseUint(n, 10, 64)
		if err != nil || slotName(first) != n {
			return nil, fmt.Errorf("eventstore: %w: unexpected file %q in log", domain.ErrCorrupt, n)
		}
		out = append(out, slot{name: n, first: first})
	}
	return out, nil
}

func (s *Store) readCommit(sl slot) (commit, error) {
	var c commit
	if err := s.files.Read(sl.name, &c); err != nil {
		return commit{}, fmt.Errorf("eventstore: commit %d: %w", sl.first, err)
	}
	if c.First != sl.first || len(c.Events) == 0 {
		return commit{}, fmt.Errorf("eventstore: %w: commit %d is malformed", domain.ErrCorrupt, sl.first)
	}
	return c, nil
}

// head must run under the write lock.
func (s *Store) head(tx *filestore.Tx) (uint64, error) {
	names, err := tx.List()
	if err != nil {
		return 0, err
	}
	if len(names) == 0 {
		return 0, nil
	}
	last := names[len(names)-1]
	first, err := strconv.ParseUint(last, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: unexpected file %q in log", domain.ErrCorrupt, last)
	}
	var c commit
	if err := tx.Read(last, &c); err != nil {
		return 0, err
	}
	if c.First != first || len(c.Events) == 0 {
		return 0, fmt.Errorf("%w: commit %d is malformed", domain.ErrCorrupt, first)
	}
	return c.First + uint64(len(c.Events)) - 1, nil
}
