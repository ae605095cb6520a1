package domain

import (
	"context"
	"time"
)

// ListOpts controls pagination and filtering for mirror queries.
type ListOpts struct {
	Limit  int
	Offset int
	Kind   EventKind
	Since  time.Time
}

// EventSink receives events after they are durable in the log. Sinks are
// best-effort copies: the log stays the source of truth.
type EventSink interface {
	Name() string
	Consume(ctx context.Context, events []Event) error
}

// EventMirror is a queryable copy of the ledger log in an external database.
type EventMirror interface {
	EventSink
	LastSequence(ctx context.Context) (uint64, error)
	List(ctx context.Context, opts ListOpts) ([]Event, error)
}
