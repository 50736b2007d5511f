package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"lark-relay/internal/domain"
	"lark-relay/internal/metrics"
)

type fakeAdminStore struct {
	turns          []domain.Turn
	err            error
	listedSession  string
	deletedSession string
	deletedTurnID  domain.TurnID
}

func (f *fakeAdminStore) ListTurns(_ context.Context, sessionID string) ([]domain.Turn, error) {
	f.listedSession = sessionID
	return f.turns, f.err
}

func (f *fakeAdminStore) DeleteTurn(_ context.Context, turnID domain.TurnID) error {
	f.deletedTurnID = turnID
	return f.err
}

func (f *fakeAdminStore) DeleteSession(_ context.Context, sessionID string) error {
	f.deletedSession = sessionID
	return f.err
}

func newTestRouter(t *testing.T, store AdminStore) (http.Handler, *stubRelay) {
	t.Helper()
	reg := prometheus.NewRegistry()
	relay := &stubRelay{}
	h := newTestHandler(t, relay, Options{Metrics: metrics.New(reg)})

	var admin *Admin
	if store != nil {
		var err error
		admin, err = NewAdmin(store, "secret", nil)
		require.NoError(t, err)
	}
	return NewRouter(h, admin, reg), relay
}

func do(t *testing.T, router http.Handler, method, target, token string, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestNewAdmin_Validation(t *testing.T) {
	_, err := NewAdmin(nil, "secret", nil)
	require.Error(t, err)
	_, err = NewAdmin(&fakeAdminStore{}, " ", nil)
	require.Error(t, err)
}

func TestRouter_WebhookHealthAndMetrics(t *testing.T) {
	router, relay := newTestRouter(t, nil)

	rec := do(t, router, http.MethodPost, "/webhook", "", `{"type":"url_verification","challenge":"abc123","token":"tok"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, `{"challenge":"abc123"}`, rec.Body.String())

	rec = do(t, router, http.MethodPost, "/webhook", "", messageEvent)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, relay.relayed, 1)

	rec = do(t, router, http.MethodGet, "/healthz", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"ok":true}`, rec.Body.String())

	rec = do(t, router, http.MethodGet, "/metrics", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `relay_events_total{outcome="handshake"} 1`)

	rec = do(t, router, http.MethodGet, "/webhook", "", "")
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestRouter_AdminDisabledWithoutStore(t *testing.T) {
	router, _ := newTestRouter(t, nil)

	rec := do(t, router, http.MethodDelete, "/admin/sessions/s", "secret", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRouter_AdminRequiresToken(t *testing.T) {
	store := &fakeAdminStore{}
	router, _ := newTestRouter(t, store)

	require.Equal(t, http.StatusUnauthorized, do(t, router, http.MethodGet, "/admin/sessions/s/turns", "", "").Code)
	require.Equal(t, http.StatusUnauthorized, do(t, router, http.MethodGet, "/admin/sessions/s/turns", "wrong", "").Code)
	require.Empty(t, store.listedSession)
}

func TestRouter_AdminListTurns(t *testing.T) {
	answer := "hi"
	created := time.Date(2026, 2, 27, 12, 0, 0, 0, time.UTC)
	store := &fakeAdminStore{turns: []domain.Turn{
		{ID: "2", SessionID: "oc_1:ou_1", Question: "again", Size: 5, CreatedAt: created.Add(time.Minute)},
		{ID: "1", SessionID: "oc_1:ou_1", Question: "hello", Answer: &answer, Size: 5, CreatedAt: created},
	}}
	router, _ := newTestRouter(t, store)

	rec := do(t, router, http.MethodGet, "/admin/sessions/oc_1:ou_1/turns", "secret", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "oc_1:ou_1", store.listedSession)

	var out turnsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Equal(t, "oc_1:ou_1", out.SessionID)
	require.Len(t, out.Turns, 2)
	require.Nil(t, out.Turns[0].Answer)
	require.Equal(t, "hi", *out.Turns[1].Answer)
}

func TestRouter_AdminDeletes(t *testing.T) {
	store := &fakeAdminStore{}
	router, _ := newTestRouter(t, store)

	rec := do(t, router, http.MethodDelete, "/admin/sessions/oc_1%253Aa:ou_1", "secret", "")
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, "oc_1%3Aa:ou_1", store.deletedSession)

	rec = do(t, router, http.MethodDelete, "/admin/turns/b2NfMQ.TURN%23x%23y", "secret", "")
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, domain.TurnID("b2NfMQ.TURN#x#y"), store.deletedTurnID)
}

func TestRouter_AdminStorageFailure(t *testing.T) {
	store := &fakeAdminStore{err: errors.New("dynamo down")}
	router, _ := newTestRouter(t, store)

	rec := do(t, router, http.MethodGet, "/admin/sessions/s/turns", "secret", "")
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.JSONEq(t, `{"error":"STORAGE_ERROR"}`, rec.Body.String())
}
