package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/alanyoungcy/stakeledger/internal/domain"
	"github.com/alanyoungcy/stakeledger/internal/ledger"
	"github.com/shopspring/decimal"
)

const (
	defaultEventLimit = 500
	maxEventLimit     = 5000
)

// LedgerService is the part of the ledger the HTTP API drives.
type LedgerService interface {
	PlaceBet(ctx context.Context, req ledger.BetRequest) (domain.Event, error)
	SettleBet(ctx context.Context, s ledger.Settlement) (ledger.SettleResult, error)
	CancelBet(ctx context.Context, reference, reason string) (domain.Event, error)
	ResetSystem(ctx context.Context, startingStake decimal.Decimal, reason string) (domain.Event, error)
	Status(ctx context.Context) (domain.Status, error)
	History(ctx context.Context, opts ledger.HistoryOpts) (domain.History, error)
	Events(ctx context.Context, from uint64) ([]domain.Event, error)
}

// LedgerHandler serves the betting endpoints.
type LedgerHandler struct {
	ledger LedgerService
	logger *slog.Logger
}

// NewLedgerHandler creates a LedgerHandler.
func NewLedgerHandler(svc LedgerService, logger *slog.Logger) *LedgerHandler {
	return &LedgerHandler{ledger: svc, logger: logHandler(logger, "ledger")}
}

// PlaceBet records a new active bet. A missing stake places the next stake.
// POST /api/bets
func (h *LedgerHandler) PlaceBet(w http.ResponseWriter, r *http.Request) {
	var req ledger.BetRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	ev, err := h.ledger.PlaceBet(r.Context(), req)
	if err != nil {
		writeLedgerError(w, r, h.logger, "place bet", err)
		return
	}
	writeJSON(w, http.StatusCreated, ev)
}

type settleRequest struct {
	Won         bool                `json:"won"`
	GrossReturn decimal.NullDecimal `json:"gross_return"`
	Commission  decimal.NullDecimal `json:"commission"`
	Balance     decimal.NullDecimal `json:"balance"`
}

// SettleBet settles the active bet named in the path.
// POST /api/bets/{ref}/settle
func (h *LedgerHandler) SettleBet(w http.ResponseWriter, r *http.Request) {
	var req settleRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	res, err := h.ledger.SettleBet(r.Context(), ledger.Settlement{
		Reference:   r.PathValue("ref"),
		Won:         req.Won,
		GrossReturn: req.GrossReturn,
		Commission:  req.Commission,
		Balance:     req.Balance,
	})
	if err != nil {
		writeLedgerError(w, r, h.logger, "settle bet", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

// CancelBet withdraws the active bet named in the path.
// POST /api/bets/{ref}/cancel
func (h *LedgerHandler) CancelBet(w http.ResponseWriter, r *http.Request) {
	var req reasonRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	ev, err := h.ledger.CancelBet(r.Context(), r.PathValue("ref"), req.Reason)
	if err != nil {
		writeLedgerError(w, r, h.logger, "cancel bet", err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

type resetRequest struct {
	StartingStake decimal.Decimal `json:"starting_stake"`
	Reason        string          `json:"reason"`
}

// Reset starts a new epoch. A missing stake uses the configured default.
// POST /api/reset
func (h *LedgerHandler) Reset(w http.ResponseWriter, r *http.Request) {
	var req resetRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	ev, err := h.ledger.ResetSystem(r.Context(), req.StartingStake, req.Reason)
	if err != nil {
		writeLedgerError(w, r, h.logger, "reset", err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

// Status returns the current status projection.
// GET /api/status
func (h *LedgerHandler) Status(w http.ResponseWriter, r *http.Request) {
	st, err := h.ledger.Status(r.Context())
	if err != nil {
		writeLedgerError(w, r, h.logger, "status", err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// History returns bets and completed cycles, newest first.
// GET /api/history?limit=20&all=true
func (h *LedgerHandler) History(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 0, 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	all, _ := strconv.ParseBool(r.URL.Query().Get("all"))

	hist, err := h.ledger.History(r.Context(), ledger.HistoryOpts{Limit: limit, IncludePreReset: all})
	if err != nil {
		writeLedgerError(w, r, h.logger, "history", err)
		return
	}
	if hist.Bets == nil {
		hist.Bets = []domain.BetRecord{}
	}
	if hist.Cycles == nil {
		hist.Cycles = []domain.CycleRecord{}
	}
	writeJSON(w, http.StatusOK, hist)
}

type eventsResponse struct {
	Events []domain.Event `json:"events"`
	// Next is the sequence to pass as from for the following page.
	Next uint64 `json:"next"`
}

// Events pages through the raw log.
// GET /api/events?from=1&limit=500&kind=BET_WON
func (h *LedgerHandler) Events(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	from := uint64(1)
	if v := q.Get("from"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil || n == 0 {
			writeError(w, http.StatusBadRequest, "invalid_request", "from must be a positive integer")
			return
		}
		from = n
	}
	limit, err := queryInt(r, "limit", defaultEventLimit, maxEventLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	kind := domain.EventKind(q.Get("kind"))
	if kind != "" && !kind.Valid() {
		writeError(w, http.StatusBadRequest, "invalid_request", "unknown kind "+string(kind))
		return
	}

	events, err := h.ledger.Events(r.Context(), from)
	if err != nil {
		writeLedgerError(w, r, h.logger, "events", err)
		return
	}

	resp := eventsResponse{Events: []domain.Event{}, Next: from}
	for _, e := range events {
		if limit > 0 && len(resp.Events) == limit {
			break
		}
		resp.Next = e.Sequence + 1
		if kind != "" && e.Kind != kind {
			continue
		}
		resp.Events = append(resp.Events, e)
	}
	writeJSON(w, http.StatusOK, resp)
}
