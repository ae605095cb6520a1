package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/stakeledger/internal/domain"
)

// MirrorHandler queries the database copy of the log, which supports
// filtering the local log cannot do cheaply.
type MirrorHandler struct {
	mirror domain.EventMirror
	logger *slog.Logger
}

// NewMirrorHandler creates a MirrorHandler.
func NewMirrorHandler(mirror domain.EventMirror, logger *slog.Logger) *MirrorHandler {
	return &MirrorHandler{mirror: mirror, logger: logHandler(logger, "mirror")}
}

type mirrorResponse struct {
	Events []domain.Event `json:"events"`
	// Mirrored is the highest sequence the mirror holds. It may trail the log.
	Mirrored uint64 `json:"mirrored"`
}

// List returns mirrored events, newest first.
// GET /api/mirror/events?kind=BET_WON&since=2026-01-01T00:00:00Z&limit=100&offset=0
func (h *MirrorHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := queryInt(r, "limit", defaultEventLimit, maxEventLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	offset, err := queryInt(r, "offset", 0, 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	opts := domain.ListOpts{Limit: limit, Offset: offset, Kind: domain.EventKind(q.Get("kind"))}
	if opts.Kind != "" && !opts.Kind.Valid() {
		writeError(w, http.StatusBadRequest, "invalid_request", "unknown kind "+string(opts.Kind))
		return
	}
	if v := q.Get("since"); v != "" {
		opts.Since, err = time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "since must be an RFC 3339 timestamp")
			return
		}
	}

	events, err := h.mirror.List(r.Context(), opts)
	if err != nil {
		writeLedgerError(w, r, h.logger, "mirror list", err)
		return
	}
	last, err := h.mirror.LastSequence(r.Context())
	if err != nil {
		writeLedgerError(w, r, h.logger, "mirror head", err)
		return
	}
	if events == nil {
		events = []domain.Event{}
	}
	writeJSON(w, http.StatusOK, mirrorResponse{Events: events, Mirrored: last})
}
