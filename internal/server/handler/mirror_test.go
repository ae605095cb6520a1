package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alanyoungcy/stakeledger/internal/domain"
	"github.com/stretchr/testify/require"
)

type fakeMirror struct {
	opts   domain.ListOpts
	events []domain.Event
	err    error
}

func (m *fakeMirror) Name() string                                  { return "fake" }
func (m *fakeMirror) Consume(context.Context, []domain.Event) error { return nil }
func (m *fakeMirror) LastSequence(context.Context) (uint64, error)  { return 9, nil }

func (m *fakeMirror) List(_ context.Context, opts domain.ListOpts) ([]domain.Event, error) {
	m.opts = opts
	return m.events, m.err
}

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestMirrorListPassesFilters(t *testing.T) {
	m := &fakeMirror{events: []domain.Event{{Sequence: 4, Kind: domain.KindSystemReset}}}
	h := NewMirrorHandler(m, quiet())

	rec := httptest.NewRecorder()
	h.List(rec, httptest.NewRequest(http.MethodGet,
		"/api/mirror/events?kind=SYSTEM_RESET&since=2026-02-01T00:00:00Z&limit=10&offset=20", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, domain.ListOpts{
		Limit: 10, Offset: 20, Kind: domain.KindSystemReset,
		Since: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
	}, m.opts)

	var body struct {
		Events   []json.RawMessage `json:"events"`
		Mirrored uint64            `json:"mirrored"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Events, 1)
	require.Equal(t, uint64(9), body.Mirrored)
}

func TestMirrorListRejectsBadQueries(t *testing.T) {
	h := NewMirrorHandler(&fakeMirror{}, quiet())
	for _, q := range []string{"kind=NOPE", "since=yesterday", "limit=-1", "offset=x"} {
		rec := httptest.NewRecorder()
		h.List(rec, httptest.NewRequest(http.MethodGet, "/api/mirror/events?"+q, nil))
		require.Equal(t, http.StatusBadRequest, rec.Code, q)
	}
}

func TestMirrorListHidesDatabaseErrors(t *testing.T) {
	h := NewMirrorHandler(&fakeMirror{err: errors.New("pq: password authentication failed")}, quiet())

	rec := httptest.NewRecorder()
	h.List(rec, httptest.NewRequest(http.MethodGet, "/api/mirror/events", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.NotContains(t, rec.Body.String(), "password")
}
