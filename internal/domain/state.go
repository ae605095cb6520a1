package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ActiveBet is the single outstanding bet awaiting settlement.
type ActiveBet struct {
	Reference   string          `json:"reference"`
	MarketID    string          `json:"market_id"`
	SelectionID string          `json:"selection_id"`
	Stake       decimal.Decimal `json:"stake"`
	Odds        decimal.Decimal `json:"odds"`
	Cycle       int             `json:"cycle"`
	BetInCycle  int             `json:"bet_in_cycle"`
	Sequence    uint64          `json:"sequence"`
	PlacedAt    time.Time       `json:"placed_at"`
}

// Age reports how long the bet has been outstanding at now.
func (a ActiveBet) Age(now time.Time) time.Duration {
	return now.Sub(a.PlacedAt)
}

// Anomaly is an inconsistency found while replaying the log. Replay records
// anomalies instead of failing on them.
type Anomaly struct {
	Sequence uint64    `json:"sequence"`
	Kind     EventKind `json:"kind"`
	Message  string    `json:"message"`
}

// DerivedState is the result of folding the log since the last reset. It is
// never persisted.
type DerivedState struct {
	StartingStake     decimal.Decimal
	Cycle             int
	BetInCycle        int
	LastWinningProfit decimal.Decimal

	TotalBetsPlaced int
	TotalWins       int
	TotalLosses     int
	TotalCancelled  int
	CommissionPaid  decimal.Decimal
	NetWinnings     decimal.Decimal
	MoneyLost       decimal.Decimal

	CompletedCycles int
	HighestCycle    int
	HighestBalance  decimal.Decimal

	ActiveBet      *ActiveBet
	CycleStartedAt time.Time

	ResetSequence uint64
	LastSequence  uint64
	LastEventAt   time.Time

	Anomalies []Anomaly
}

// NewState returns the zero state of an epoch seeded with startingStake.
func NewState(startingStake decimal.Decimal) DerivedState {
	return DerivedState{
		StartingStake:  startingStake,
		Cycle:          1,
		HighestCycle:   1,
		HighestBalance: startingStake,
	}
}

// Status is the read-only projection exposed to the presentation layer.
type Status struct {
	Cycle             int             `json:"cycle"`
	BetInCycle        int             `json:"bet_in_cycle"`
	NextStake         decimal.Decimal `json:"next_stake"`
	StartingStake     decimal.Decimal `json:"starting_stake"`
	LastWinningProfit decimal.Decimal `json:"last_winning_profit"`
	TargetAmount      decimal.Decimal `json:"target_amount"`
	ActiveBet         *ActiveBet      `json:"active_bet"`

	TotalBetsPlaced int             `json:"total_bets_placed"`
	TotalWins       int             `json:"total_wins"`
	TotalLosses     int             `json:"total_losses"`
	TotalCancelled  int             `json:"total_cancelled"`
	WinRate         float64         `json:"win_rate"`
	CommissionPaid  decimal.Decimal `json:"commission_paid"`
	NetWinnings     decimal.Decimal `json:"net_winnings"`
	MoneyLost       decimal.Decimal `json:"money_lost"`

	CompletedCycles int             `json:"completed_cycles"`
	HighestCycle    int             `json:"highest_cycle"`
	HighestBalance  decimal.Decimal `json:"highest_balance"`

	ResetSequence uint64     `json:"reset_sequence"`
	LastSequence  uint64     `json:"last_sequence"`
	LastUpdated   *time.Time `json:"last_updated"`
	Anomalies     []Anomaly  `json:"anomalies,omitempty"`
}

// BetOutcome is the settlement status of a bet in history.
type BetOutcome string

const (
	OutcomePending   BetOutcome = "pending"
	OutcomeWon       BetOutcome = "won"
	OutcomeLost      BetOutcome = "lost"
	OutcomeCancelled BetOutcome = "cancelled"
)

// BetRecord is one bet in history: its placement joined with its settlement.
type BetRecord struct {
	Reference   string          `json:"reference"`
	Cycle       int             `json:"cycle"`
	BetInCycle  int             `json:"bet_in_cycle"`
	MarketID    string          `json:"market_id"`
	SelectionID string          `json:"selection_id"`
	Stake       decimal.Decimal `json:"stake"`
	Odds        decimal.Decimal `json:"odds"`
	PlacedAt    time.Time       `json:"placed_at"`
	Outcome     BetOutcome      `json:"outcome"`
	SettledAt   *time.Time      `json:"settled_at,omitempty"`
	NetProfit   decimal.Decimal `json:"net_profit"`
	Commission  decimal.Decimal `json:"commission"`
	Epoch       uint64          `json:"epoch"`
}

// CycleResult says how a cycle ended.
type CycleResult string

const (
	CycleLost          CycleResult = "lost"
	CycleTargetReached CycleResult = "target_reached"
)

// CycleRecord summarizes one completed cycle.
type CycleRecord struct {
	Number       int                 `json:"number"`
	Bets         int                 `json:"bets"`
	StartedAt    time.Time           `json:"started_at"`
	EndedAt      time.Time           `json:"ended_at"`
	Result       CycleResult         `json:"result"`
	FinalStake   decimal.Decimal     `json:"final_stake"`
	FinalBalance decimal.NullDecimal `json:"final_balance"`
	Epoch        uint64              `json:"epoch"`
}

// History is the materialized bet and cycle history, newest first. Epoch is
// the sequence of the SYSTEM_RESET that opened the entry's epoch (0 before
// any reset).
type History struct {
	ResetSequence uint64        `json:"reset_sequence"`
	Bets          []BetRecord   `json:"bets"`
	Cycles        []CycleRecord `json:"cycles"`
}
