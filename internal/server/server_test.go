package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alanyoungcy/stakeledger/internal/eventstore"
	"github.com/alanyoungcy/stakeledger/internal/ledger"
	"github.com/alanyoungcy/stakeledger/internal/server/handler"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type stubLimiter struct {
	allow bool
	err   error
}

func (s stubLimiter) Allow(context.Context, string, int, time.Duration) (bool, error) {
	return s.allow, s.err
}

func newTestServer(t *testing.T, cfg Config, limiter *stubLimiter) http.Handler {
	t.Helper()
	log, err := eventstore.Open(t.TempDir(), time.Second, eventstore.WithLogger(quiet()))
	require.NoError(t, err)

	l := ledger.New(log, ledger.Config{
		StartingStake:  decimal.NewFromInt(1),
		TargetAmount:   decimal.NewFromInt(100),
		CommissionRate: decimal.RequireFromString("0.05"),
	}, ledger.WithLogger(quiet()))

	health := handler.NewHealthHandler(quiet(), handler.Check{
		Name:  "log",
		Probe: func(ctx context.Context) error { _, err := log.Head(ctx); return err },
	})
	srv := NewServer(cfg, Handlers{Health: health, Ledger: handler.NewLedgerHandler(l, quiet())}, nil, nil, quiet())
	if limiter != nil {
		srv = NewServer(cfg, Handlers{Health: health, Ledger: handler.NewLedgerHandler(l, quiet())}, nil, *limiter, quiet())
	}
	return srv.Handler()
}

func do(t *testing.T, h http.Handler, method, path, body string, header ...string) (int, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var out map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	}
	return rec.Code, out
}

func TestBetLifecycle(t *testing.T) {
	h := newTestServer(t, Config{}, nil)

	code, body := do(t, h, "POST", "/api/bets", `{"market_id":"1.2","selection_id":"99","odds":"3"}`)
	require.Equal(t, http.StatusCreated, code)
	require.Equal(t, "BET_PLACED", body["kind"])
	ref := body["payload"].(map[string]any)["reference"].(string)

	code, body = do(t, h, "POST", "/api/bets", `{"market_id":"1.2","selection_id":"99","odds":"3"}`)
	require.Equal(t, http.StatusConflict, code)
	require.Equal(t, "active_bet_exists", body["error"])

	code, body = do(t, h, "POST", "/api/bets/someone-else/settle", `{"won":true}`)
	require.Equal(t, http.StatusConflict, code)
	require.Equal(t, "reference_mismatch", body["error"])

	code, body = do(t, h, "POST", "/api/bets/"+ref+"/settle", `{"won":true}`)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, false, body["target_reached"])

	code, body = do(t, h, "GET", "/api/status", "")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "2.9", body["next_stake"])
	require.Nil(t, body["active_bet"])

	code, body = do(t, h, "POST", "/api/bets/"+ref+"/cancel", `{}`)
	require.Equal(t, http.StatusConflict, code)
	require.Equal(t, "no_active_bet", body["error"])

	code, body = do(t, h, "GET", "/api/history", "")
	require.Equal(t, http.StatusOK, code)
	require.Len(t, body["bets"], 1)
}

func TestInvalidRequests(t *testing.T) {
	h := newTestServer(t, Config{}, nil)

	code, body := do(t, h, "POST", "/api/bets", `{"market_id":"1.2","selection_id":"99","odds":"1"}`)
	require.Equal(t, http.StatusBadRequest, code)
	require.Equal(t, "invalid_bet", body["error"])

	code, body = do(t, h, "POST", "/api/bets", `{"market":"1.2"}`)
	require.Equal(t, http.StatusBadRequest, code)
	require.Equal(t, "invalid_request", body["error"])

	code, _ = do(t, h, "GET", "/api/events?from=0", "")
	require.Equal(t, http.StatusBadRequest, code)

	code, _ = do(t, h, "GET", "/api/events?kind=ORDER_FILLED", "")
	require.Equal(t, http.StatusBadRequest, code)
}

func TestResetAndEventsPaging(t *testing.T) {
	h := newTestServer(t, Config{}, nil)

	for i := 0; i < 3; i++ {
		code, _ := do(t, h, "POST", "/api/reset", `{"starting_stake":"2","reason":"test"}`)
		require.Equal(t, http.StatusOK, code)
	}

	code, body := do(t, h, "GET", "/api/events?limit=2", "")
	require.Equal(t, http.StatusOK, code)
	require.Len(t, body["events"], 2)
	require.EqualValues(t, 3, body["next"])

	code, body = do(t, h, "GET", "/api/events?from=3", "")
	require.Equal(t, http.StatusOK, code)
	require.Len(t, body["events"], 1)
	require.EqualValues(t, 4, body["next"])

	code, body = do(t, h, "GET", "/api/status", "")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "2", body["starting_stake"])
	require.EqualValues(t, 3, body["reset_sequence"])
}

func TestAuthProtectsAllButHealth(t *testing.T) {
	h := newTestServer(t, Config{APIKey: "s3cret"}, nil)

	code, body := do(t, h, "GET", "/api/status", "")
	require.Equal(t, http.StatusUnauthorized, code)
	require.Equal(t, "unauthorized", body["error"])

	code, _ = do(t, h, "GET", "/api/status", "", "Authorization", "Bearer s3cret")
	require.Equal(t, http.StatusOK, code)

	code, _ = do(t, h, "GET", "/api/status", "", "X-API-Key", "s3cret")
	require.Equal(t, http.StatusOK, code)

	code, body = do(t, h, "GET", "/api/health", "")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "ok", body["status"])
}

func TestRateLimit(t *testing.T) {
	cfg := Config{RateLimit: 1, RateWindow: time.Minute}

	h := newTestServer(t, cfg, &stubLimiter{allow: false})
	code, body := do(t, h, "GET", "/api/status", "")
	require.Equal(t, http.StatusTooManyRequests, code)
	require.Equal(t, "rate_limited", body["error"])

	h = newTestServer(t, cfg, &stubLimiter{err: errors.New("redis down")})
	code, _ = do(t, h, "GET", "/api/status", "")
	require.Equal(t, http.StatusOK, code)
}

func TestRequestIDIsEchoed(t *testing.T) {
	h := newTestServer(t, Config{}, nil)

	req := httptest.NewRequest("GET", "/api/health", nil)
	req.Header.Set("X-Request-ID", "abc")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, "abc", rec.Header().Get("X-Request-ID"))
}
