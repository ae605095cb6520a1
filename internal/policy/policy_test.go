package policy

import (
	"testing"
	"time"

	"github.com/alanyoungcy/stakeledger/internal/domain"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// seq stamps payloads with consecutive sequences and minute-spaced times.
func seq(payloads ...domain.Payload) []domain.Event {
	out := make([]domain.Event, len(payloads))
	for i, p := range payloads {
		out[i] = domain.Event{
			Sequence:  uint64(i + 1),
			Kind:      p.Kind(),
			Timestamp: t0.Add(time.Duration(i) * time.Minute),
			Payload:   p,
		}
	}
	return out
}

func placed(ref, stake string) domain.BetPlaced {
	return domain.BetPlaced{Reference: ref, MarketID: "m-" + ref, SelectionID: "s-" + ref, Stake: d(stake), Odds: d("2.0")}
}

func won(ref, net string) domain.BetWon {
	return domain.BetWon{Reference: ref, GrossReturn: d(net), NetProfit: d(net), Commission: decimal.Zero}
}

func TestFoldEmptyLog(t *testing.T) {
	s := Fold(d("1"), nil)
	require.Equal(t, 1, s.Cycle)
	require.Equal(t, 0, s.BetInCycle)
	require.Nil(t, s.ActiveBet)
	require.True(t, NextStake(s).Equal(d("1")))
	require.True(t, s.HighestBalance.Equal(d("1")))
}

// Starting stake 1, bet 1 wins net 1 and bet 2 places with the compounded
// stake 2.
func TestCompoundingAfterWin(t *testing.T) {
	events := seq(
		placed("a", "1"),
		won("a", "1"),
		placed("b", "2"),
	)
	s := Fold(d("1"), events)

	require.Equal(t, 1, s.Cycle)
	require.Equal(t, 2, s.BetInCycle)
	require.Equal(t, 2, s.TotalBetsPlaced)
	require.Equal(t, 1, s.TotalWins)
	require.NotNil(t, s.ActiveBet)
	require.Equal(t, "b", s.ActiveBet.Reference)
	require.Equal(t, 2, s.ActiveBet.BetInCycle)
	require.Empty(t, s.Anomalies)

	settled := Fold(d("1"), events[:2])
	require.True(t, NextStake(settled).Equal(d("2")))
}

func TestLossEndsCycle(t *testing.T) {
	s := Fold(d("1"), seq(
		placed("a", "1"),
		won("a", "1"),
		placed("b", "2"),
		domain.BetLost{Reference: "b", Stake: d("2")},
	))

	require.Equal(t, 2, s.Cycle)
	require.Equal(t, 0, s.BetInCycle)
	require.True(t, s.LastWinningProfit.IsZero())
	require.True(t, NextStake(s).Equal(d("1")))
	require.Equal(t, 1, s.TotalLosses)
	require.Equal(t, 1, s.CompletedCycles)
	require.Equal(t, 2, s.HighestCycle)
	require.True(t, s.MoneyLost.Equal(d("2")))
	require.Nil(t, s.ActiveBet)
}

func TestThreeLossesOpenFourthCycle(t *testing.T) {
	var payloads []domain.Payload
	for _, ref := range []string{"a", "b", "c"} {
		payloads = append(payloads, placed(ref, "1"), domain.BetLost{Reference: ref, Stake: d("1")})
	}
	s := Fold(d("1"), seq(payloads...))

	require.Equal(t, 4, s.Cycle)
	require.Equal(t, 0, s.BetInCycle)
	require.Equal(t, 3, s.CompletedCycles)
	require.Equal(t, 4, s.HighestCycle)
	require.Equal(t, 3, s.TotalLosses)
	require.True(t, s.MoneyLost.Equal(d("3")))
	require.True(t, NextStake(s).Equal(d("1")))
	require.Empty(t, s.Anomalies)
}

func TestTargetReachedEndsCycle(t *testing.T) {
	s := Fold(d("1"), seq(
		placed("a", "1"),
		domain.BetWon{Reference: "a", GrossReturn: d("100"), Commission: d("5"), NetProfit: d("95"), Balance: decimal.NewNullDecimal(d("50100"))},
		domain.TargetReached{Balance: d("50100"), Target: d("50000")},
	))

	require.Equal(t, 2, s.Cycle)
	require.Equal(t, 0, s.BetInCycle)
	require.True(t, s.LastWinningProfit.IsZero())
	require.True(t, s.CommissionPaid.Equal(d("5")))
	require.True(t, s.HighestBalance.Equal(d("50100")))
	require.Equal(t, 1, s.CompletedCycles)
}

func TestResetPartitionsState(t *testing.T) {
	s := Fold(d("1"), seq(
		placed("a", "1"),
		won("a", "1"),
		domain.SystemReset{StartingStake: d("5"), Reason: "manual"},
	))

	require.Equal(t, 1, s.Cycle)
	require.Equal(t, 0, s.BetInCycle)
	require.Equal(t, 0, s.TotalBetsPlaced)
	require.Equal(t, 0, s.TotalWins)
	require.Equal(t, uint64(3), s.ResetSequence)
	require.True(t, NextStake(s).Equal(d("5")))
}

func TestAnomaliesAreRecordedNotFatal(t *testing.T) {
	s := Fold(d("1"), seq(
		won("ghost", "3"),
		placed("a", "1"),
		placed("b", "1"),
		domain.BetLost{Reference: "zzz", Stake: d("1")},
		domain.BetCancelled{Reference: "nobody"},
	))

	require.Len(t, s.Anomalies, 4)
	require.Equal(t, uint64(1), s.Anomalies[0].Sequence)
	require.Equal(t, domain.KindBetWon, s.Anomalies[0].Kind)
	require.Equal(t, uint64(3), s.Anomalies[1].Sequence)
	require.Equal(t, uint64(4), s.Anomalies[2].Sequence)
	require.Equal(t, uint64(5), s.Anomalies[3].Sequence)
	require.Nil(t, s.ActiveBet)
	require.Equal(t, 1, s.TotalWins)
	require.Equal(t, 1, s.TotalLosses)
}

func TestCancelRevertsPlacementCounters(t *testing.T) {
	s := Fold(d("1"), seq(
		placed("a", "1"),
		won("a", "1"),
		placed("b", "2"),
		domain.BetCancelled{Reference: "b", Reason: "market suspended"},
	))

	require.Equal(t, 1, s.BetInCycle)
	require.Equal(t, 1, s.TotalBetsPlaced)
	require.Equal(t, 1, s.TotalCancelled)
	require.Nil(t, s.ActiveBet)
	require.True(t, NextStake(s).Equal(d("2")))
	require.Empty(t, s.Anomalies)
}

func TestApplyDoesNotMutateInput(t *testing.T) {
	events := seq(won("ghost", "1"), won("ghost2", "1"))
	base := Apply(domain.NewState(d("1")), events[0])
	require.Len(t, base.Anomalies, 1)

	_ = Apply(base, events[1])
	require.Len(t, base.Anomalies, 1)
}

func TestReplayIsDeterministic(t *testing.T) {
	events := seq(
		placed("a", "1"),
		won("a", "1"),
		placed("b", "2"),
		domain.BetLost{Reference: "b", Stake: d("2")},
		placed("c", "1"),
	)
	require.Equal(t, Fold(d("1"), events), Fold(d("1"), events))
}

func TestWinRate(t *testing.T) {
	s := Fold(d("1"), seq(
		placed("a", "1"), won("a", "1"),
		placed("b", "2"), domain.BetLost{Reference: "b", Stake: d("2")},
		placed("c", "1"), won("c", "1"),
		placed("e", "2"), won("e", "2"),
	))
	require.InDelta(t, 75.0, WinRate(s), 0.001)
	require.Zero(t, WinRate(domain.NewState(d("1"))))
}

func TestProjectCopiesActiveBet(t *testing.T) {
	s := Fold(d("1"), seq(placed("a", "1")))
	st := Project(s, d("50000"))
	require.NotNil(t, st.ActiveBet)
	st.ActiveBet.Reference = "changed"
	require.Equal(t, "a", s.ActiveBet.Reference)
	require.NotNil(t, st.LastUpdated)
	require.True(t, st.TargetAmount.Equal(d("50000")))
}

func TestBuildHistory(t *testing.T) {
	events := seq(
		placed("a", "1"),
		won("a", "1"),
		placed("b", "2"),
		domain.BetLost{Reference: "b", Stake: d("2")},
		domain.SystemReset{StartingStake: d("3")},
		placed("c", "3"),
	)
	h := BuildHistory(d("1"), events)

	require.Equal(t, uint64(5), h.ResetSequence)
	require.Len(t, h.Bets, 3)
	require.Equal(t, "c", h.Bets[0].Reference)
	require.Equal(t, domain.OutcomePending, h.Bets[0].Outcome)
	require.Equal(t, uint64(5), h.Bets[0].Epoch)
	require.Equal(t, "b", h.Bets[1].Reference)
	require.Equal(t, domain.OutcomeLost, h.Bets[1].Outcome)
	require.True(t, h.Bets[1].NetProfit.Equal(d("-2")))
	require.Equal(t, domain.OutcomeWon, h.Bets[2].Outcome)
	require.Equal(t, uint64(0), h.Bets[2].Epoch)

	require.Len(t, h.Cycles, 1)
	c := h.Cycles[0]
	require.Equal(t, 1, c.Number)
	require.Equal(t, 2, c.Bets)
	require.Equal(t, domain.CycleLost, c.Result)
	require.True(t, c.FinalStake.Equal(d("2")))
	require.Equal(t, t0, c.StartedAt)
	require.Equal(t, t0.Add(3*time.Minute), c.EndedAt)
}
