// Package notify forwards committed ledger events to chat channels such as
// Telegram and Discord. Operators choose which event kinds reach them.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alanyoungcy/stakeledger/internal/domain"
)

// Sender is one notification channel.
type Sender interface {
	Send(ctx context.Context, title, message string) error
	Name() string
}

// Notifier is a domain.EventSink that renders events as short messages and
// sends each to every Sender. Only kinds in the allow list are forwarded; an
// empty list forwards everything.
type Notifier struct {
	senders []Sender
	events  map[domain.EventKind]bool
	logger  *slog.Logger
}

var _ domain.EventSink = (*Notifier)(nil)

// NewNotifier creates a Notifier. events holds kind names such as
// "BET_WON"; matching is case-insensitive.
func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	allowed := make(map[domain.EventKind]bool, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[domain.EventKind(strings.ToUpper(e))] = true
		}
	}
	return &Notifier{
		senders: senders,
		events:  allowed,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Name implements domain.EventSink.
func (n *Notifier) Name() string { return "notify" }

// Consume implements domain.EventSink. A failing sender does not stop
// delivery to the others.
func (n *Notifier) Consume(ctx context.Context, events []domain.Event) error {
	var errs []string
	for _, e := range events {
		if len(n.events) > 0 && !n.events[e.Kind] {
			continue
		}
		title, message := Render(e)
		if err := n.dispatch(ctx, title, message); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("notify: %s", strings.Join(errs, "; "))
	}
	return nil
}

// NotifyAll sends a free-form message regardless of the kind filter.
func (n *Notifier) NotifyAll(ctx context.Context, title, message string) error {
	return n.dispatch(ctx, title, message)
}

func (n *Notifier) dispatch(ctx context.Context, title, message string) error {
	if len(n.senders) == 0 {
		return nil
	}

	var errs []string
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Sprintf("%s: %v", s.Name(), err))
			continue
		}
		n.logger.DebugContext(ctx, "notification sent",
			slog.String("sender", s.Name()),
			slog.String("title", title),
		)
	}

	if len(errs) > 0 {
		return fmt.Errorf("%d sender(s) failed: %s", len(errs), strings.Join(errs, "; "))
	}
	return nil
}

// Render formats an event as a notification title and body.
func Render(e domain.Event) (title, message string) {
	switch p := e.Payload.(type) {
	case domain.BetPlaced:
		return "Bet placed", fmt.Sprintf("#%d %s on %s/%s, stake %s at %s",
			e.Sequence, p.Reference, p.MarketID, p.SelectionID, p.Stake.StringFixed(2), p.Odds.String())
	case domain.BetWon:
		msg := fmt.Sprintf("#%d %s won %s net (commission %s)",
			e.Sequence, p.Reference, p.NetProfit.StringFixed(2), p.Commission.StringFixed(2))
		if p.Balance.Valid {
			msg += ", balance " + p.Balance.Decimal.StringFixed(2)
		}
		return "Bet won", msg
	case domain.BetLost:
		msg := fmt.Sprintf("#%d %s lost %s, cycle closed", e.Sequence, p.Reference, p.Stake.StringFixed(2))
		if p.Balance.Valid {
			msg += ", balance " + p.Balance.Decimal.StringFixed(2)
		}
		return "Bet lost", msg
	case domain.TargetReached:
		return "Target reached", fmt.Sprintf("#%d balance %s reached target %s",
			e.Sequence, p.Balance.StringFixed(2), p.Target.StringFixed(2))
	case domain.SystemReset:
		msg := fmt.Sprintf("#%d new starting stake %s", e.Sequence, p.StartingStake.StringFixed(2))
		if p.Reason != "" {
			msg += ": " + p.Reason
		}
		return "System reset", msg
	case domain.BetCancelled:
		msg := fmt.Sprintf("#%d %s cancelled", e.Sequence, p.Reference)
		if p.Reason != "" {
			msg += ": " + p.Reason
		}
		return "Bet cancelled", msg
	default:
		return string(e.Kind), fmt.Sprintf("#%d", e.Sequence)
	}
}
