// Package ledger is the single entry point for betting operations. Every
// mutation derives the current state from the log, checks its preconditions
// against that state, and appends the resulting events conditionally on the
// log head it read, all inside one critical section.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/alanyoungcy/stakeledger/internal/domain"
	"github.com/alanyoungcy/stakeledger/internal/metrics"
	"github.com/alanyoungcy/stakeledger/internal/policy"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Log is the event log the ledger derives its state from.
type Log interface {
	AppendBatch(ctx context.Context, expectedHead uint64, payloads ...domain.Payload) ([]domain.Event, error)
	Events(ctx context.Context, from uint64) ([]domain.Event, error)
	Replay(ctx context.Context, from uint64, seed decimal.Decimal) (domain.DerivedState, error)
	Head(ctx context.Context) (uint64, error)
	LastResetSequence(ctx context.Context) (uint64, bool, error)
}

// Publisher receives committed events. Enqueue must not block.
type Publisher interface {
	Enqueue(events []domain.Event)
}

// Config holds the strategy parameters.
type Config struct {
	// StartingStake seeds the state until the first SYSTEM_RESET.
	StartingStake decimal.Decimal
	// TargetAmount closes a cycle when an observed balance reaches it.
	// Zero disables the check.
	TargetAmount decimal.Decimal
	// CommissionRate applies to gross winnings when the caller does not
	// supply the commission.
	CommissionRate decimal.Decimal
	// MaxConflictRetries bounds re-derivations after another writer moved
	// the log head.
	MaxConflictRetries int
}

// Ledger serializes betting operations over the event log.
type Ledger struct {
	log       Log
	cfg       Config
	logger    *slog.Logger
	publisher Publisher
	newRef    func() string

	mu    sync.Mutex
	cache snapshotCache
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithPublisher hands every committed batch to p.
func WithPublisher(p Publisher) Option {
	return func(l *Ledger) { l.publisher = p }
}

// WithLogger sets the ledger logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// New creates a Ledger over log.
func New(log Log, cfg Config, opts ...Option) *Ledger {
	if cfg.MaxConflictRetries <= 0 {
		cfg.MaxConflictRetries = 3
	}
	l := &Ledger{
		log:    log,
		cfg:    cfg,
		logger: slog.Default(),
		newRef: uuid.NewString,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// BetRequest describes a bet to place. A zero Stake places the next stake
// computed by the policy.
type BetRequest struct {
	MarketID    string          `json:"market_id"`
	SelectionID string          `json:"selection_id"`
	Stake       decimal.Decimal `json:"stake"`
	Odds        decimal.Decimal `json:"odds"`
}

// Settlement is the outcome of the active bet reported by the exchange.
// GrossReturn is the winnings excluding the returned stake. Missing values
// are derived from the placement and the configured commission rate.
type Settlement struct {
	Reference   string              `json:"reference"`
	Won         bool                `json:"won"`
	GrossReturn decimal.NullDecimal `json:"gross_return"`
	Commission  decimal.NullDecimal `json:"commission"`
	Balance     decimal.NullDecimal `json:"balance"`
}

// SettleResult lists the events a settlement committed.
type SettleResult struct {
	Events        []domain.Event `json:"events"`
	TargetReached bool           `json:"target_reached"`
}

// PlaceBet records a new active bet.
func (l *Ledger) PlaceBet(ctx context.Context, req BetRequest) (domain.Event, error) {
	if req.MarketID == "" || req.SelectionID == "" {
		return domain.Event{}, fmt.Errorf("ledger: place bet: %w: market and selection are required", domain.ErrInvalidBet)
	}
	if !req.Odds.GreaterThan(decimal.NewFromInt(1)) {
		return domain.Event{}, fmt.Errorf("ledger: place bet: %w: odds %s must exceed 1", domain.ErrInvalidBet, req.Odds)
	}
	if req.Stake.IsNegative() {
		return domain.Event{}, fmt.Errorf("ledger: place bet: %w: negative stake %s", domain.ErrInvalidBet, req.Stake)
	}

	events, err := l.mutate(ctx, "place bet", func(st domain.DerivedState) ([]domain.Payload, error) {
		if st.ActiveBet != nil {
			return nil, fmt.Errorf("%w: %s", domain.ErrActiveBetExists, st.ActiveBet.Reference)
		}
		stake := req.Stake
		if stake.IsZero() {
			stake = policy.NextStake(st)
		}
		if !stake.IsPositive() {
			return nil, fmt.Errorf("%w: stake %s must be positive", domain.ErrInvalidBet, stake)
		}
		return []domain.Payload{domain.BetPlaced{
			Reference:   l.newRef(),
			MarketID:    req.MarketID,
			SelectionID: req.SelectionID,
			Stake:       stake,
			Odds:        req.Odds,
		}}, nil
	})
	if err != nil {
		return domain.Event{}, err
	}

	p := events[0].Payload.(domain.BetPlaced)
	l.logger.InfoContext(ctx, "ledger: bet placed",
		slog.String("reference", p.Reference),
		slog.String("market_id", p.MarketID),
		slog.String("stake", p.Stake.String()),
		slog.String("odds", p.Odds.String()),
		slog.Uint64("sequence", events[0].Sequence),
	)
	return events[0], nil
}

// SettleBet records the outcome of the active bet. A win whose reported
// balance reaches the target also closes the cycle in the same commit.
func (l *Ledger) SettleBet(ctx context.Context, s Settlement) (SettleResult, error) {
	if s.Reference == "" {
		return SettleResult{}, fmt.Errorf("ledger: settle bet: %w: reference is required", domain.ErrInvalidBet)
	}
	if s.GrossReturn.Valid && s.GrossReturn.Decimal.IsNegative() {
		return SettleResult{}, fmt.Errorf("ledger: settle bet: %w: negative gross_return", domain.ErrInvalidBet)
	}
	if s.Commission.Valid && s.Commission.Decimal.IsNegative() {
		return SettleResult{}, fmt.Errorf("ledger: settle bet: %w: negative commission", domain.ErrInvalidBet)
	}

	var reached bool
	events, err := l.mutate(ctx, "settle bet", func(st domain.DerivedState) ([]domain.Payload, error) {
		reached = false
		active, err := requireActive(st, s.Reference)
		if err != nil {
			return nil, err
		}
		if !s.Won {
			return []domain.Payload{domain.BetLost{
				Reference: active.Reference,
				Stake:     active.Stake,
				Balance:   s.Balance,
			}}, nil
		}

		won := l.winning(active, s)
		out := []domain.Payload{won}
		if s.Balance.Valid && l.cfg.TargetAmount.IsPositive() && s.Balance.Decimal.GreaterThanOrEqual(l.cfg.TargetAmount) {
			reached = true
			out = append(out, domain.TargetReached{Balance: s.Balance.Decimal, Target: l.cfg.TargetAmount})
		}
		return out, nil
	})
	if err != nil {
		return SettleResult{}, err
	}

	l.logger.InfoContext(ctx, "ledger: bet settled",
		slog.String("reference", s.Reference),
		slog.Bool("won", s.Won),
		slog.Bool("target_reached", reached),
		slog.Uint64("sequence", events[0].Sequence),
	)
	return SettleResult{Events: events, TargetReached: reached}, nil
}

// CancelBet withdraws the active bet without settling it.
func (l *Ledger) CancelBet(ctx context.Context, reference, reason string) (domain.Event, error) {
	if reference == "" {
		return domain.Event{}, fmt.Errorf("ledger: cancel bet: %w: reference is required", domain.ErrInvalidBet)
	}
	events, err := l.mutate(ctx, "cancel bet", func(st domain.DerivedState) ([]domain.Payload, error) {
		if _, err := requireActive(st, reference); err != nil {
			return nil, err
		}
		return []domain.Payload{domain.BetCancelled{Reference: reference, Reason: reason}}, nil
	})
	if err != nil {
		return domain.Event{}, err
	}
	l.logger.InfoContext(ctx, "ledger: bet cancelled",
		slog.String("reference", reference),
		slog.String("reason", reason),
	)
	return events[0], nil
}

// ResetSystem starts a new epoch. A zero stake resets to the configured
// starting stake. It succeeds regardless of the current state.
func (l *Ledger) ResetSystem(ctx context.Context, startingStake decimal.Decimal, reason string) (domain.Event, error) {
	if startingStake.IsZero() {
		startingStake = l.cfg.StartingStake
	}
	if !startingStake.IsPositive() {
		return domain.Event{}, fmt.Errorf("ledger: reset: %w: starting stake %s must be positive", domain.ErrInvalidBet, startingStake)
	}
	events, err := l.mutate(ctx, "reset", func(domain.DerivedState) ([]domain.Payload, error) {
		return []domain.Payload{domain.SystemReset{StartingStake: startingStake, Reason: reason}}, nil
	})
	if err != nil {
		return domain.Event{}, err
	}
	l.logger.WarnContext(ctx, "ledger: system reset",
		slog.String("starting_stake", startingStake.String()),
		slog.String("reason", reason),
		slog.Uint64("sequence", events[0].Sequence),
	)
	return events[0], nil
}

// Status returns the status projection of the current epoch.
func (l *Ledger) Status(ctx context.Context) (domain.Status, error) {
	st, err := l.state(ctx)
	if err != nil {
		return domain.Status{}, fmt.Errorf("ledger: status: %w", err)
	}
	return policy.Project(st, l.cfg.TargetAmount), nil
}

// HistoryOpts controls History.
type HistoryOpts struct {
	// Limit caps bets and cycles returned; zero means no limit.
	Limit int
	// IncludePreReset also returns entries from epochs before the last reset.
	IncludePreReset bool
}

// History returns bets and completed cycles, newest first.
func (l *Ledger) History(ctx context.Context, opts HistoryOpts) (domain.History, error) {
	from := uint64(1)
	if !opts.IncludePreReset {
		seq, found, err := l.log.LastResetSequence(ctx)
		if err != nil {
			return domain.History{}, fmt.Errorf("ledger: history: %w", err)
		}
		if found {
			from = seq
		}
	}
	events, err := l.log.Events(ctx, from)
	if err != nil {
		return domain.History{}, fmt.Errorf("ledger: history: %w", err)
	}

	h := policy.BuildHistory(l.cfg.StartingStake, events)
	if opts.Limit > 0 {
		if len(h.Bets) > opts.Limit {
			h.Bets = h.Bets[:opts.Limit]
		}
		if len(h.Cycles) > opts.Limit {
			h.Cycles = h.Cycles[:opts.Limit]
		}
	}
	return h, nil
}

// Events returns the raw log from sequence from.
func (l *Ledger) Events(ctx context.Context, from uint64) ([]domain.Event, error) {
	events, err := l.log.Events(ctx, from)
	if err != nil {
		return nil, fmt.Errorf("ledger: events: %w", err)
	}
	return events, nil
}

// mutate runs the derive, validate, append sequence under the ledger lock,
// re-deriving when another writer appended in between.
func (l *Ledger) mutate(ctx context.Context, op string, build func(domain.DerivedState) ([]domain.Payload, error)) ([]domain.Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for attempt := 0; ; attempt++ {
		st, err := l.state(ctx)
		if err != nil {
			return nil, fmt.Errorf("ledger: %s: %w", op, err)
		}

		payloads, err := build(st)
		if err != nil {
			if domain.IsPrecondition(err) {
				metrics.PreconditionRejections.WithLabelValues(domain.ErrorKind(err)).Inc()
				l.logger.InfoContext(ctx, "ledger: precondition rejected",
					slog.String("op", op),
					slog.String("error", err.Error()),
				)
			}
			return nil, fmt.Errorf("ledger: %s: %w", op, err)
		}

		events, err := l.log.AppendBatch(ctx, st.LastSequence, payloads...)
		if errors.Is(err, domain.ErrSequenceConflict) && attempt < l.cfg.MaxConflictRetries {
			metrics.SequenceConflicts.Inc()
			l.logger.WarnContext(ctx, "ledger: log moved, re-deriving",
				slog.String("op", op),
				slog.Int("attempt", attempt+1),
			)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("ledger: %s: %w", op, err)
		}

		l.cache.invalidate()
		if l.publisher != nil {
			l.publisher.Enqueue(events)
		}
		return events, nil
	}
}

func (l *Ledger) winning(active *domain.ActiveBet, s Settlement) domain.BetWon {
	gross := active.Stake.Mul(active.Odds.Sub(decimal.NewFromInt(1)))
	if s.GrossReturn.Valid {
		gross = s.GrossReturn.Decimal
	}
	commission := gross.Mul(l.cfg.CommissionRate).Round(2)
	if s.Commission.Valid {
		commission = s.Commission.Decimal
	}
	return domain.BetWon{
		Reference:   active.Reference,
		GrossReturn: gross,
		Commission:  commission,
		NetProfit:   gross.Sub(commission),
		Balance:     s.Balance,
	}
}

func requireActive(st domain.DerivedState, reference string) (*domain.ActiveBet, error) {
	if st.ActiveBet == nil {
		return nil, domain.ErrNoActiveBet
	}
	if st.ActiveBet.Reference != reference {
		return nil, fmt.Errorf("%w: active bet is %s, got %s", domain.ErrReferenceMismatch, st.ActiveBet.Reference, reference)
	}
	return st.ActiveBet, nil
}
