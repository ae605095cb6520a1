package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alanyoungcy/stakeledger/internal/domain"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

type recordingSender struct {
	name   string
	err    error
	titles []string
}

func (r *recordingSender) Send(_ context.Context, title, _ string) error {
	r.titles = append(r.titles, title)
	return r.err
}

func (r *recordingSender) Name() string { return r.name }

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func batch() []domain.Event {
	return []domain.Event{
		{Sequence: 1, Kind: domain.KindBetPlaced, Payload: domain.BetPlaced{
			Reference: "r", MarketID: "m", SelectionID: "s",
			Stake: decimal.NewFromInt(1), Odds: decimal.NewFromInt(3),
		}},
		{Sequence: 2, Kind: domain.KindBetWon, Payload: domain.BetWon{
			Reference: "r", GrossReturn: decimal.NewFromInt(2),
			Commission: decimal.RequireFromString("0.1"), NetProfit: decimal.RequireFromString("1.9"),
			Balance: decimal.NewNullDecimal(decimal.NewFromInt(500)),
		}},
		{Sequence: 3, Kind: domain.KindTargetReached, Payload: domain.TargetReached{
			Balance: decimal.NewFromInt(500), Target: decimal.NewFromInt(400),
		}},
	}
}

func TestNotifierFiltersByKind(t *testing.T) {
	s := &recordingSender{name: "rec"}
	n := NewNotifier([]Sender{s}, []string{"bet_won", " TARGET_REACHED "}, quiet())

	require.NoError(t, n.Consume(context.Background(), batch()))
	require.Equal(t, []string{"Bet won", "Target reached"}, s.titles)
}

func TestNotifierEmptyFilterForwardsAll(t *testing.T) {
	s := &recordingSender{name: "rec"}
	n := NewNotifier([]Sender{s}, nil, quiet())

	require.NoError(t, n.Consume(context.Background(), batch()))
	require.Len(t, s.titles, 3)
}

func TestNotifierContinuesPastFailingSender(t *testing.T) {
	bad := &recordingSender{name: "bad", err: errors.New("timeout")}
	good := &recordingSender{name: "good"}
	n := NewNotifier([]Sender{bad, good}, nil, quiet())

	err := n.Consume(context.Background(), batch()[:1])
	require.ErrorContains(t, err, "bad: timeout")
	require.Len(t, good.titles, 1)
}

func TestRender(t *testing.T) {
	title, msg := Render(batch()[1])
	require.Equal(t, "Bet won", title)
	require.Equal(t, "#2 r won 1.90 net (commission 0.10), balance 500.00", msg)

	title, msg = Render(domain.Event{Sequence: 9, Kind: domain.KindSystemReset, Payload: domain.SystemReset{
		StartingStake: decimal.NewFromInt(2), Reason: "new season",
	}})
	require.Equal(t, "System reset", title)
	require.Equal(t, "#9 new starting stake 2.00: new season", msg)
}

func TestTelegramSender(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/botTOKEN/sendMessage", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewTelegramSender("TOKEN", "42")
	s.apiBase = srv.URL
	require.NoError(t, s.Send(context.Background(), "Bet won", "body"))
	require.Equal(t, "42", got["chat_id"])
	require.Equal(t, "*Bet won*\nbody", got["text"])
}

func TestDiscordSenderStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "bad webhook", http.StatusNotFound)
	}))
	defer srv.Close()

	err := NewDiscordSender(srv.URL).Send(context.Background(), "t", "m")
	require.ErrorContains(t, err, "unexpected status 404")
}
