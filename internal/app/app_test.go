package app

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alanyoungcy/stakeledger/internal/config"
	"github.com/alanyoungcy/stakeledger/internal/domain"
	"github.com/alanyoungcy/stakeledger/internal/eventstore"
	"github.com/alanyoungcy/stakeledger/internal/ledger"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func testConfig(t *testing.T, mode string) *config.Config {
	t.Helper()
	cfg := config.Defaults()
	cfg.Ledger.DataDir = t.TempDir()
	cfg.Mode = mode
	require.NoError(t, cfg.Validate())
	return &cfg
}

// seed places one bet and settles it as a win: stake 1 at odds 3 returns
// 2.00 gross, 1.90 after commission.
func seed(t *testing.T, cfg *config.Config) {
	t.Helper()
	ctx := context.Background()
	log, err := eventstore.Open(cfg.Ledger.DataDir, time.Second, eventstore.WithLogger(quiet()))
	require.NoError(t, err)
	l := ledger.New(log, ledger.Config{
		StartingStake:      cfg.Ledger.StartingStake.Decimal,
		CommissionRate:     cfg.Ledger.CommissionRate.Decimal,
		MaxConflictRetries: 3,
	}, ledger.WithLogger(quiet()))

	placed, err := l.PlaceBet(ctx, ledger.BetRequest{MarketID: "1.1", SelectionID: "x", Odds: decimal.NewFromInt(3)})
	require.NoError(t, err)
	_, err = l.SettleBet(ctx, ledger.Settlement{
		Reference: domain.Reference(placed.Payload),
		Won:       true,
	})
	require.NoError(t, err)
}

func run(t *testing.T, cfg *config.Config, opts ...Option) []byte {
	t.Helper()
	var out bytes.Buffer
	a := New(cfg, quiet(), append([]Option{WithOutput(&out)}, opts...)...)
	defer a.Close()
	require.NoError(t, a.Run(context.Background()))
	return out.Bytes()
}

func TestStatusModePrintsStatus(t *testing.T) {
	cfg := testConfig(t, "status")
	seed(t, cfg)

	var st struct {
		NextStake    string `json:"next_stake"`
		TotalWins    int    `json:"total_wins"`
		LastSequence uint64 `json:"last_sequence"`
	}
	require.NoError(t, json.Unmarshal(run(t, cfg), &st))
	require.Equal(t, "2.9", st.NextStake)
	require.Equal(t, 1, st.TotalWins)
	require.Equal(t, uint64(2), st.LastSequence)
}

func TestStatusModeOnEmptyLog(t *testing.T) {
	cfg := testConfig(t, "status")

	var st struct {
		NextStake    string `json:"next_stake"`
		LastSequence uint64 `json:"last_sequence"`
	}
	require.NoError(t, json.Unmarshal(run(t, cfg), &st))
	require.Equal(t, "1", st.NextStake)
	require.Zero(t, st.LastSequence)
}

func TestHistoryModeHonoursLimit(t *testing.T) {
	cfg := testConfig(t, "history")
	seed(t, cfg)
	seed(t, cfg)

	var hist struct {
		Bets []struct {
			Reference string `json:"reference"`
		} `json:"bets"`
	}
	require.NoError(t, json.Unmarshal(run(t, cfg, WithHistory(ledger.HistoryOpts{Limit: 1})), &hist))
	require.Len(t, hist.Bets, 1)
}

func TestServerModeWithoutHTTPStopsOnCancel(t *testing.T) {
	cfg := testConfig(t, "server")
	cfg.Server.Enabled = false

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	a := New(cfg, quiet(), WithOutput(io.Discard))
	defer a.Close()
	require.ErrorIs(t, a.Run(ctx), context.DeadlineExceeded)
}

func TestUnsupportedMode(t *testing.T) {
	cfg := config.Defaults()
	cfg.Ledger.DataDir = t.TempDir()
	cfg.Mode = "replay"

	a := New(&cfg, quiet())
	defer a.Close()
	require.ErrorContains(t, a.Run(context.Background()), "unsupported mode")
}

func TestWireSkipsDisabledBackends(t *testing.T) {
	cfg := testConfig(t, "server")

	deps, cleanup, err := Wire(context.Background(), cfg, quiet())
	require.NoError(t, err)
	defer cleanup()

	require.NotNil(t, deps.Log)
	require.NotNil(t, deps.Ledger)
	require.Nil(t, deps.Mirror)
	require.Nil(t, deps.Publisher)
	require.Nil(t, deps.Archiver)
	require.Nil(t, deps.Notifier)
	require.Empty(t, deps.Dispatcher.Sinks())
	require.Len(t, deps.Checks, 1)
}

func TestWireAddsNotifierInServerMode(t *testing.T) {
	cfg := testConfig(t, "server")
	cfg.Notify.DiscordWebhookURL = "https://discord.example/webhook"

	deps, cleanup, err := Wire(context.Background(), cfg, quiet())
	require.NoError(t, err)
	defer cleanup()
	require.Equal(t, []string{"notify"}, deps.Dispatcher.Sinks())

	cfg.Mode = "status"
	deps, cleanup2, err := Wire(context.Background(), cfg, quiet())
	require.NoError(t, err)
	defer cleanup2()
	require.Nil(t, deps.Notifier)
}
