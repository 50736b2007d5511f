package handler

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"lark-relay/internal/domain"
)

type AdminStore interface {
	ListTurns(ctx context.Context, sessionID string) ([]domain.Turn, error)
	DeleteTurn(ctx context.Context, turnID domain.TurnID) error
	DeleteSession(ctx context.Context, sessionID string) error
}

// Admin exposes read and delete maintenance routes over the message store.
type Admin struct {
	store AdminStore
	token string
	log   *slog.Logger
}

type turnResponse struct {
	ID        string    `json:"id"`
	Question  string    `json:"question"`
	Answer    *string   `json:"answer"`
	Size      int       `json:"size"`
	CreatedAt time.Time `json:"createdAt"`
}

type turnsResponse struct {
	SessionID string         `json:"sessionId"`
	Turns     []turnResponse `json:"turns"`
}

func NewAdmin(store AdminStore, token string, logger *slog.Logger) (*Admin, error) {
	if store == nil {
		return nil, errors.New("handler: admin store must not be nil")
	}
	if strings.TrimSpace(token) == "" {
		return nil, errors.New("handler: admin token must not be empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Admin{store: store, token: token, log: logger}, nil
}

// RequireToken rejects requests without the admin bearer token.
func (a *Admin) RequireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := r.Header.Get("Authorization")
		token, found := strings.CutPrefix(h, "Bearer ")
		if !found || subtle.ConstantTimeCompare([]byte(token), []byte(a.token)) != 1 {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *Admin) ListTurns(w http.ResponseWriter, r *http.Request) {
	sessionID := pathParam(r, "sessionID")
	turns, err := a.store.ListTurns(r.Context(), sessionID)
	if err != nil {
		a.fail(w, "list turns", err)
		return
	}

	out := turnsResponse{SessionID: sessionID, Turns: make([]turnResponse, 0, len(turns))}
	for _, t := range turns {
		out.Turns = append(out.Turns, turnResponse{
			ID:        string(t.ID),
			Question:  t.Question,
			Answer:    t.Answer,
			Size:      t.Size,
			CreatedAt: t.CreatedAt,
		})
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(mustJSON(out))
}

func (a *Admin) DeleteSession(w http.ResponseWriter, r *http.Request) {
	sessionID := pathParam(r, "sessionID")
	if err := a.store.DeleteSession(r.Context(), sessionID); err != nil {
		a.fail(w, "delete session", err)
		return
	}
	a.log.Info("session deleted", "session_id", sessionID)
	w.WriteHeader(http.StatusNoContent)
}

func (a *Admin) DeleteTurn(w http.ResponseWriter, r *http.Request) {
	turnID := domain.TurnID(pathParam(r, "turnID"))
	if err := a.store.DeleteTurn(r.Context(), turnID); err != nil {
		a.fail(w, "delete turn", err)
		return
	}
	a.log.Info("turn deleted", "turn_id", turnID)
	w.WriteHeader(http.StatusNoContent)
}

func (a *Admin) fail(w http.ResponseWriter, op string, err error) {
	a.log.Error("admin "+op+" failed", "error", err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusInternalServerError)
	_, _ = w.Write(mustJSON(errorResponse{Error: "STORAGE_ERROR"}))
}

// chi matches on RawPath when the request carried escapes, in which case
// the captured segment is still escaped.
func pathParam(r *http.Request, key string) string {
	v := chi.URLParam(r, key)
	if r.URL.RawPath == "" {
		return v
	}
	if unescaped, err := url.PathUnescape(v); err == nil {
		return unescaped
	}
	return v
}
