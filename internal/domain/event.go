package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// EventKind names one of the closed set of ledger event types.
type EventKind string

const (
	KindBetPlaced     EventKind = "BET_PLACED"
	KindBetWon        EventKind = "BET_WON"
	KindBetLost       EventKind = "BET_LOST"
	KindTargetReached EventKind = "TARGET_REACHED"
	KindSystemReset   EventKind = "SYSTEM_RESET"
	KindBetCancelled  EventKind = "BET_CANCELLED"
)

// Kinds lists every event kind in a stable order.
var Kinds = []EventKind{
	KindBetPlaced,
	KindBetWon,
	KindBetLost,
	KindTargetReached,
	KindSystemReset,
	KindBetCancelled,
}

// Valid reports whether k belongs to the closed kind set.
func (k EventKind) Valid() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

// Payload is the kind-specific body of an event. The set of implementations
// is closed: only the payload types in this package satisfy it.
type Payload interface {
	Kind() EventKind
	payload()
}

// BetPlaced records a wager going out to the exchange.
type BetPlaced struct {
	Reference   string          `json:"reference"`
	MarketID    string          `json:"market_id"`
	SelectionID string          `json:"selection_id"`
	Stake       decimal.Decimal `json:"stake"`
	Odds        decimal.Decimal `json:"odds"`
}

// BetWon records a winning settlement. GrossReturn is the winnings before
// commission, excluding the returned stake.
type BetWon struct {
	Reference   string              `json:"reference"`
	GrossReturn decimal.Decimal     `json:"gross_return"`
	Commission  decimal.Decimal     `json:"commission"`
	NetProfit   decimal.Decimal     `json:"net_profit"`
	Balance     decimal.NullDecimal `json:"balance"`
}

// BetLost records a losing settlement.
type BetLost struct {
	Reference string              `json:"reference"`
	Stake     decimal.Decimal     `json:"stake"`
	Balance   decimal.NullDecimal `json:"balance"`
}

// TargetReached closes a cycle after the balance crossed the target.
type TargetReached struct {
	Balance decimal.Decimal `json:"balance"`
	Target  decimal.Decimal `json:"target"`
}

// SystemReset starts a fresh epoch with a new starting stake.
type SystemReset struct {
	StartingStake decimal.Decimal `json:"starting_stake"`
	Reason        string          `json:"reason,omitempty"`
}

// BetCancelled withdraws the active bet without a settlement.
type BetCancelled struct {
	Reference string `json:"reference"`
	Reason    string `json:"reason,omitempty"`
}

func (BetPlaced) Kind() EventKind     { return KindBetPlaced }
func (BetWon) Kind() EventKind        { return KindBetWon }
func (BetLost) Kind() EventKind       { return KindBetLost }
func (TargetReached) Kind() EventKind { return KindTargetReached }
func (SystemReset) Kind() EventKind   { return KindSystemReset }
func (BetCancelled) Kind() EventKind  { return KindBetCancelled }

func (BetPlaced) payload()     {}
func (BetWon) payload()        {}
func (BetLost) payload()       {}
func (TargetReached) payload() {}
func (SystemReset) payload()   {}
func (BetCancelled) payload()  {}

// Event is one immutable, sequenced entry of the ledger log. Sequence and
// Timestamp are assigned by the event store at append time.
type Event struct {
	Sequence  uint64
	Kind      EventKind
	Timestamp time.Time
	Payload   Payload
}

type eventJSON struct {
	Sequence  uint64          `json:"sequence"`
	Kind      EventKind       `json:"kind"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// MarshalJSON encodes the event with its payload inline.
func (e Event) MarshalJSON() ([]byte, error) {
	if e.Payload == nil {
		return nil, fmt.Errorf("event %d: nil payload", e.Sequence)
	}
	raw, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("event %d: marshal payload: %w", e.Sequence, err)
	}
	return json.Marshal(eventJSON{
		Sequence:  e.Sequence,
		Kind:      e.Payload.Kind(),
		Timestamp: e.Timestamp,
		Payload:   raw,
	})
}

// UnmarshalJSON decodes an event, choosing the payload type from its kind.
// Unknown kinds and malformed payloads are reported as ErrCorrupt.
func (e *Event) UnmarshalJSON(b []byte) error {
	var raw eventJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	p, err := DecodePayload(raw.Kind, raw.Payload)
	if err != nil {
		return fmt.Errorf("event %d: %w", raw.Sequence, err)
	}
	*e = Event{
		Sequence:  raw.Sequence,
		Kind:      raw.Kind,
		Timestamp: raw.Timestamp,
		Payload:   p,
	}
	return nil
}

// DecodePayload parses raw JSON into the payload type for kind.
func DecodePayload(kind EventKind, raw json.RawMessage) (Payload, error) {
	var (
		p   Payload
		err error
	)
	switch kind {
	case KindBetPlaced:
		var v BetPlaced
		err = json.Unmarshal(raw, &v)
		p = v
	case KindBetWon:
		var v BetWon
		err = json.Unmarshal(raw, &v)
		p = v
	case KindBetLost:
		var v BetLost
		err = json.Unmarshal(raw, &v)
		p = v
	case KindTargetReached:
		var v TargetReached
		err = json.Unmarshal(raw, &v)
		p = v
	case KindSystemReset:
		var v SystemReset
		err = json.Unmarshal(raw, &v)
		p = v
	case KindBetCancelled:
		var v BetCancelled
		err = json.Unmarshal(raw, &v)
		p = v
	default:
		return nil, fmt.Errorf("%w: unknown event kind %q", ErrCorrupt, kind)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s payload: %v", ErrCorrupt, kind, err)
	}
	return p, nil
}

// Reference returns the bet reference carried by the payload, if any.
func Reference(p Payload) string {
	switch v := p.(type) {
	case BetPlaced:
		return v.Reference
	case BetWon:
		return v.Reference
	case BetLost:
		return v.Reference
	case BetCancelled:
		return v.Reference
	}
	return ""
}
