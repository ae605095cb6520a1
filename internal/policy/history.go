package policy

import (
	"time"

	"github.com/alanyoungcy/stakeledger/internal/domain"
	"github.com/shopspring/decimal"
)

// BuildHistory materializes bets and completed cycles from events, newest
// first. Each record carries the epoch (the sequence of the opening
// SYSTEM_RESET, or 0) it belongs to.
func BuildHistory(seed decimal.Decimal, events []domain.Event) domain.History {
	var (
		h     domain.History
		s     = domain.NewState(seed)
		open  = map[string]int{} // reference -> index into h.Bets
		epoch uint64
	)

	for _, e := range events {
		before := s
		s = Apply(s, e)

		switch p := e.Payload.(type) {
		case domain.SystemReset:
			epoch = e.Sequence
			h.ResetSequence = e.Sequence
			clear(open)

		case domain.BetPlaced:
			open[p.Reference] = len(h.Bets)
			h.Bets = append(h.Bets, domain.BetRecord{
				Reference:   p.Reference,
				Cycle:       s.ActiveBet.Cycle,
				BetInCycle:  s.ActiveBet.BetInCycle,
				MarketID:    p.MarketID,
				SelectionID: p.SelectionID,
				Stake:       p.Stake,
				Odds:        p.Odds,
				PlacedAt:    e.Timestamp,
				Outcome:     domain.OutcomePending,
				Epoch:       epoch,
			})

		case domain.BetWon:
			settle(&h, open, p.Reference, e, domain.OutcomeWon, func(r *domain.BetRecord) {
				r.NetProfit = p.NetProfit
				r.Commission = p.Commission
			})

		case domain.BetLost:
			settle(&h, open, p.Reference, e, domain.OutcomeLost, func(r *domain.BetRecord) {
				r.NetProfit = p.Stake.Neg()
			})
			h.Cycles = append(h.Cycles, domain.CycleRecord{
				Number:       before.Cycle,
				Bets:         before.BetInCycle,
				StartedAt:    cycleStart(before, e),
				EndedAt:      e.Timestamp,
				Result:       domain.CycleLost,
				FinalStake:   p.Stake,
				FinalBalance: p.Balance,
				Epoch:        epoch,
			})

		case domain.TargetReached:
			h.Cycles = append(h.Cycles, domain.CycleRecord{
				Number:       before.Cycle,
				Bets:         before.BetInCycle,
				StartedAt:    cycleStart(before, e),
				EndedAt:      e.Timestamp,
				Result:       domain.CycleTargetReached,
				FinalStake:   lastStake(h, before.Cycle, epoch),
				FinalBalance: decimal.NewNullDecimal(p.Balance),
				Epoch:        epoch,
			})

		case domain.BetCancelled:
			settle(&h, open, p.Reference, e, domain.OutcomeCancelled, nil)
		}
	}

	reverse(h.Bets)
	reverse(h.Cycles)
	return h
}

func settle(h *domain.History, open map[string]int, ref string, e domain.Event, outcome domain.BetOutcome, fn func(*domain.BetRecord)) {
	i, ok := open[ref]
	if !ok {
		return
	}
	delete(open, ref)
	r := &h.Bets[i]
	r.Outcome = outcome
	at := e.Timestamp
	r.SettledAt = &at
	if fn != nil {
		fn(r)
	}
}

// cycleStart falls back to the closing event for a cycle with no recorded
// placement.
func cycleStart(s domain.DerivedState, e domain.Event) time.Time {
	if s.CycleStartedAt.IsZero() {
		return e.Timestamp
	}
	return s.CycleStartedAt
}

// lastStake returns the stake of the latest bet of cycle in epoch.
func lastStake(h domain.History, cycle int, epoch uint64) decimal.Decimal {
	for i := len(h.Bets) - 1; i >= 0; i-- {
		b := h.Bets[i]
		if b.Epoch == epoch && b.Cycle == cycle {
			return b.Stake
		}
	}
	return decimal.Zero
}

func reverse[T any](s []T) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}
