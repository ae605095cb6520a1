// Package policy holds the pure rules of the compounding strategy: how each
// event moves the derived state, and what the next stake is. Nothing here
// performs I/O, so replaying the same events always yields the same state.
package policy

import (
	"fmt"
	"time"

	"github.com/alanyoungcy/stakeledger/internal/domain"
	"github.com/shopspring/decimal"
)

// Fold replays events over a fresh state seeded with seed. The seed only
// matters when the events do not begin with a SYSTEM_RESET.
func Fold(seed decimal.Decimal, events []domain.Event) domain.DerivedState {
	s := domain.NewState(seed)
	for _, e := range events {
		s = Apply(s, e)
	}
	return s
}

// Apply returns the state after e. The input state is not modified.
// Inconsistent events are applied conservatively and recorded as anomalies.
func Apply(s domain.DerivedState, e domain.Event) domain.DerivedState {
	switch p := e.Payload.(type) {
	case domain.BetPlaced:
		if s.ActiveBet != nil {
			s = withAnomaly(s, e, fmt.Sprintf("bet %s placed while %s was still active", p.Reference, s.ActiveBet.Reference))
		}
		if s.BetInCycle == 0 && s.CycleStartedAt.IsZero() {
			s.CycleStartedAt = e.Timestamp
		}
		s.BetInCycle++
		s.TotalBetsPlaced++
		s.ActiveBet = &domain.ActiveBet{
			Reference:   p.Reference,
			MarketID:    p.MarketID,
			SelectionID: p.SelectionID,
			Stake:       p.Stake,
			Odds:        p.Odds,
			Cycle:       s.Cycle,
			BetInCycle:  s.BetInCycle,
			Sequence:    e.Sequence,
			PlacedAt:    e.Timestamp,
		}

	case domain.BetWon:
		s = checkSettlement(s, e, p.Reference)
		s.TotalWins++
		s.LastWinningProfit = p.NetProfit
		s.CommissionPaid = s.CommissionPaid.Add(p.Commission)
		s.NetWinnings = s.NetWinnings.Add(p.NetProfit)
		s = observeBalance(s, p.Balance)
		s.ActiveBet = nil

	case domain.BetLost:
		s = checkSettlement(s, e, p.Reference)
		s.TotalLosses++
		s.MoneyLost = s.MoneyLost.Add(p.Stake)
		s = observeBalance(s, p.Balance)
		s.ActiveBet = nil
		s = endCycle(s)

	case domain.TargetReached:
		s = observeBalance(s, decimal.NewNullDecimal(p.Balance))
		s = endCycle(s)

	case domain.SystemReset:
		s = domain.NewState(p.StartingStake)
		s.ResetSequence = e.Sequence

	case domain.BetCancelled:
		if s.ActiveBet == nil || s.ActiveBet.Reference != p.Reference {
			s = withAnomaly(s, e, fmt.Sprintf("cancellation of %s does not match the active bet", p.Reference))
		} else {
			s.BetInCycle--
			s.TotalBetsPlaced--
		}
		s.TotalCancelled++
		s.ActiveBet = nil
		if s.BetInCycle == 0 {
			s.CycleStartedAt = time.Time{}
		}

	default:
		s = withAnomaly(s, e, fmt.Sprintf("unhandled event kind %s", e.Kind))
	}

	s.LastSequence = e.Sequence
	s.LastEventAt = e.Timestamp
	return s
}

// NextStake is the stake for the next bet: the last winning profit plus the
// starting stake while a cycle is compounding, otherwise the starting stake.
func NextStake(s domain.DerivedState) decimal.Decimal {
	if s.LastWinningProfit.IsPositive() {
		return s.LastWinningProfit.Add(s.StartingStake)
	}
	return s.StartingStake
}

// WinRate is the percentage of settled bets that won.
func WinRate(s domain.DerivedState) float64 {
	settled := s.TotalWins + s.TotalLosses
	if settled == 0 {
		return 0
	}
	return float64(s.TotalWins) / float64(settled) * 100
}

// Project builds the status view of s.
func Project(s domain.DerivedState, target decimal.Decimal) domain.Status {
	st := domain.Status{
		Cycle:             s.Cycle,
		BetInCycle:        s.BetInCycle,
		NextStake:         NextStake(s),
		StartingStake:     s.StartingStake,
		LastWinningProfit: s.LastWinningProfit,
		TargetAmount:      target,
		TotalBetsPlaced:   s.TotalBetsPlaced,
		TotalWins:         s.TotalWins,
		TotalLosses:       s.TotalLosses,
		TotalCancelled:    s.TotalCancelled,
		WinRate:           WinRate(s),
		CommissionPaid:    s.CommissionPaid,
		NetWinnings:       s.NetWinnings,
		MoneyLost:         s.MoneyLost,
		CompletedCycles:   s.CompletedCycles,
		HighestCycle:      s.HighestCycle,
		HighestBalance:    s.HighestBalance,
		ResetSequence:     s.ResetSequence,
		LastSequence:      s.LastSequence,
		Anomalies:         append([]domain.Anomaly(nil), s.Anomalies...),
	}
	if s.ActiveBet != nil {
		bet := *s.ActiveBet
		st.ActiveBet = &bet
	}
	if !s.LastEventAt.IsZero() {
		t := s.LastEventAt
		st.LastUpdated = &t
	}
	return st
}

func checkSettlement(s domain.DerivedState, e domain.Event, ref string) domain.DerivedState {
	switch {
	case s.ActiveBet == nil:
		return withAnomaly(s, e, fmt.Sprintf("settlement of %s with no active bet", ref))
	case s.ActiveBet.Reference != ref:
		return withAnomaly(s, e, fmt.Sprintf("settlement of %s while %s is active", ref, s.ActiveBet.Reference))
	}
	return s
}

func endCycle(s domain.DerivedState) domain.DerivedState {
	s.LastWinningProfit = decimal.Zero
	s.BetInCycle = 0
	s.Cycle++
	s.CompletedCycles++
	if s.Cycle > s.HighestCycle {
		s.HighestCycle = s.Cycle
	}
	s.CycleStartedAt = time.Time{}
	return s
}

func observeBalance(s domain.DerivedState, b decimal.NullDecimal) domain.DerivedState {
	if b.Valid && b.Decimal.GreaterThan(s.HighestBalance) {
		s.HighestBalance = b.Decimal
	}
	return s
}

// withAnomaly appends without sharing the backing array of the input state.
func withAnomaly(s domain.DerivedState, e domain.Event, msg string) domain.DerivedState {
	n := len(s.Anomalies)
	s.Anomalies = append(s.Anomalies[:n:n], domain.Anomaly{
		Sequence: e.Sequence,
		Kind:     e.Kind,
		Message:  msg,
	})
	return s
}
