package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/alanyoungcy/stakeledger/internal/domain"
)

// EventPublisher is the event sink that forwards committed ledger events to
// Redis: appended to a stream for consumers that catch up later, and
// published on a channel for live listeners.
type EventPublisher struct {
	bus     domain.SignalBus
	channel string
	stream  string
}

// NewEventPublisher creates an EventPublisher. Events go to the channel
// "<ns>:events" and the stream "<ns>:events:stream".
func NewEventPublisher(bus domain.SignalBus, ns string) *EventPublisher {
	if ns == "" {
		ns = DefaultNamespace
	}
	return &EventPublisher{
		bus:     bus,
		channel: Key(ns, "events"),
		stream:  Key(ns, "events", "stream"),
	}
}

// Channel returns the pub/sub channel events are published on.
func (p *EventPublisher) Channel() string { return p.channel }

// Name implements domain.EventSink.
func (p *EventPublisher) Name() string { return "redis" }

// Consume implements domain.EventSink. A failed publish does not stop the
// remaining events; all failures are returned together.
func (p *EventPublisher) Consume(ctx context.Context, events []domain.Event) error {
	var errs []error
	for _, e := range events {
		payload, err := json.Marshal(e)
		if err != nil {
			errs = append(errs, fmt.Errorf("redis: marshal event %d: %w", e.Sequence, err))
			continue
		}
		if err := p.bus.StreamAppend(ctx, p.stream, payload); err != nil {
			errs = append(errs, err)
		}
		if err := p.bus.Publish(ctx, p.channel, payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Tail decodes up to count stream entries after lastID ("0" for the start).
func (p *EventPublisher) Tail(ctx context.Context, lastID string, count int) ([]domain.Event, string, error) {
	msgs, err := p.bus.StreamRead(ctx, p.stream, lastID, count)
	if err != nil {
		return nil, lastID, err
	}
	events := make([]domain.Event, 0, len(msgs))
	for _, m := range msgs {
		var e domain.Event
		if err := json.Unmarshal(m.Payload, &e); err != nil {
			return nil, lastID, fmt.Errorf("redis: decode stream entry %s: %w", m.ID, err)
		}
		events = append(events, e)
		lastID = m.ID
	}
	return events, lastID, nil
}

// Compile-time interface check.
var _ domain.EventSink = (*EventPublisher)(nil)
