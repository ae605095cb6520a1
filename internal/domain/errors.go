package domain

import "errors"

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrLockHeld      = errors.New("lock already held")

	ErrActiveBetExists   = errors.New("a bet is already active")
	ErrNoActiveBet       = errors.New("no active bet")
	ErrReferenceMismatch = errors.New("bet reference does not match the active bet")
	ErrInvalidBet        = errors.New("invalid bet parameters")

	ErrDurability       = errors.New("event could not be durably stored")
	ErrCorrupt          = errors.New("corrupt data")
	ErrSequenceConflict = errors.New("sequence conflict")
)

// ErrorKind maps err to a stable, machine-readable kind for structured
// results. Unrecognized errors are "internal".
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrActiveBetExists):
		return "active_bet_exists"
	case errors.Is(err, ErrNoActiveBet):
		return "no_active_bet"
	case errors.Is(err, ErrReferenceMismatch):
		return "reference_mismatch"
	case errors.Is(err, ErrInvalidBet):
		return "invalid_bet"
	case errors.Is(err, ErrCorrupt):
		return "corrupt"
	case errors.Is(err, ErrSequenceConflict):
		return "sequence_conflict"
	case errors.Is(err, ErrLockHeld):
		return "lock_held"
	case errors.Is(err, ErrDurability):
		return "durability"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	default:
		return "internal"
	}
}

// IsPrecondition reports whether err is a rejected ledger precondition.
// Nothing was written when it is.
func IsPrecondition(err error) bool {
	return errors.Is(err, ErrActiveBetExists) ||
		errors.Is(err, ErrNoActiveBet) ||
		errors.Is(err, ErrReferenceMismatch)
}
