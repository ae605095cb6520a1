package redis

import (
	"context"
	"errors"
	"fmt"

	"github.com/alanyoungcy/stakeledger/internal/domain"
	"github.com/redis/go-redis/v9"
)

// defaultStreamMaxLen bounds the event stream. The ledger log is the full
// record; the stream only needs a recent tail for `tail` and late listeners.
const defaultStreamMaxLen int64 = 10000

// streamField is the entry field holding the encoded event.
const streamField = "event"

// subscribeBuffer is the per-subscription delivery buffer.
const subscribeBuffer = 128

// SignalBus implements domain.SignalBus: Pub/Sub for live fan-out and a
// capped Stream for catching up.
type SignalBus struct {
	rdb       *redis.Client
	streamMax int64
}

// NewSignalBus creates a SignalBus backed by the given Client.
func NewSignalBus(c *Client) *SignalBus {
	return &SignalBus{rdb: c.rdb, streamMax: c.streamMax}
}

// Publish sends payload on channel.
func (sb *SignalBus) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := sb.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("redis: publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe returns the payloads published on channel. The subscription is
// confirmed before Subscribe returns, so nothing published afterwards is
// missed. The returned channel closes when ctx is done or the connection
// drops.
func (sb *SignalBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	pubsub := sb.rdb.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("redis: subscribe %s: %w", channel, err)
	}

	out := make(chan []byte, subscribeBuffer)
	go func() {
		defer close(out)
		defer pubsub.Close()

		msgs := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// StreamAppend adds payload to stream, trimming it to about the configured
// maximum length.
func (sb *SignalBus) StreamAppend(ctx context.Context, stream string, payload []byte) error {
	err := sb.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: sb.streamMax,
		Approx: true,
		Values: map[string]any{streamField: payload},
	}).Err()
	if err != nil {
		return fmt.Errorf("redis: stream append %s: %w", stream, err)
	}
	return nil
}

// StreamRead returns up to count entries after lastID ("0" for the oldest
// retained entry) without blocking. Entries without an event field are
// skipped.
func (sb *SignalBus) StreamRead(ctx context.Context, stream string, lastID string, count int) ([]domain.StreamMessage, error) {
	// XRANGE never blocks, unlike XREAD. "(" makes the start exclusive.
	start := "(" + lastID
	if lastID == "" || lastID == "0" {
		start = "-"
	}
	entries, err := sb.rdb.XRangeN(ctx, stream, start, "+", int64(count)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("redis: stream read %s: %w", stream, err)
	}

	messages := make([]domain.StreamMessage, 0, len(entries))
	for _, entry := range entries {
		switch v := entry.Values[streamField].(type) {
		case string:
			messages = append(messages, domain.StreamMessage{ID: entry.ID, Payload: []byte(v)})
		case []byte:
			messages = append(messages, domain.StreamMessage{ID: entry.ID, Payload: v})
		}
	}
	return messages, nil
}

// Compile-time interface check.
var _ domain.SignalBus = (*SignalBus)(nil)
