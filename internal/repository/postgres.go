package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"

	"lark-relay/internal/domain"
)

const uniqueViolation = "23505"

const schema = `
CREATE TABLE IF NOT EXISTS events (
	event_id    TEXT PRIMARY KEY,
	content     TEXT,
	raw_payload BYTEA,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS messages (
	id         BIGSERIAL PRIMARY KEY,
	session_id TEXT NOT NULL,
	question   TEXT NOT NULL,
	answer     TEXT,
	msg_size   INTEGER NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS messages_session_created_idx ON messages (session_id, created_at DESC);
`

// PostgresStore keeps events and turns in two PostgreSQL tables.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// OpenPostgres opens and pings a lib/pq connection pool.
func OpenPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("repository: database url must not be empty")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("repository: open postgres: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("repository: ping postgres: %w", err)
	}
	return db, nil
}

// NewPostgresStore wraps an open database handle.
func NewPostgresStore(db *sql.DB) (*PostgresStore, error) {
	if db == nil {
		return nil, errors.New("repository: db must not be nil")
	}
	return &PostgresStore{db: db}, nil
}

// Migrate creates the tables if they do not exist yet.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return storageErr("Migrate", err)
	}
	return nil
}

func (s *PostgresStore) HasSeenEvent(ctx context.Context, eventID string) (bool, error) {
	var seen bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM events WHERE event_id = $1)`, eventID,
	).Scan(&seen)
	if err != nil {
		return false, storageErr("HasSeenEvent", err)
	}
	return seen, nil
}

// RecordEvent inserts the event row; the primary key decides duplicates.
func (s *PostgresStore) RecordEvent(ctx context.Context, eventID string, raw []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events (event_id, raw_payload) VALUES ($1, $2)`, eventID, raw,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return ErrAlreadyExists
		}
		return storageErr("RecordEvent", err)
	}
	return nil
}

func (s *PostgresStore) AnnotateEvent(ctx context.Context, eventID, content string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE events SET content = $1 WHERE event_id = $2`, content, eventID,
	)
	if err != nil {
		return storageErr("AnnotateEvent", err)
	}
	return expectAffected(res, "AnnotateEvent")
}

func (s *PostgresStore) InsertTurn(ctx context.Context, sessionID, question string, size int) (domain.TurnID, error) {
	if sessionID == "" {
		return "", errors.New("repository: InsertTurn: session id is required")
	}
	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO messages (session_id, question, msg_size)
		VALUES ($1, $2, $3)
		RETURNING id
	`, sessionID, question, size).Scan(&id)
	if err != nil {
		return "", storageErr("InsertTurn", err)
	}
	return domain.TurnID(strconv.FormatInt(id, 10)), nil
}

func (s *PostgresStore) SetAnswer(ctx context.Context, turnID domain.TurnID, answer string) error {
	id, ok := parseRowID(turnID)
	if !ok {
		return ErrNotFound
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET answer = $1 WHERE id = $2 AND answer IS NULL`, answer, id,
	)
	if err != nil {
		return storageErr("SetAnswer", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storageErr("SetAnswer", err)
	}
	if n > 0 {
		return nil
	}

	var answered bool
	err = s.db.QueryRowContext(ctx,
		`SELECT answer IS NOT NULL FROM messages WHERE id = $1`, id,
	).Scan(&answered)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return ErrNotFound
	case err != nil:
		return storageErr("SetAnswer", err)
	case answered:
		return ErrAnswerAlreadySet
	default:
		return ErrNotFound
	}
}

func (s *PostgresStore) SetAnswerForQuestion(ctx context.Context, sessionID, question, answer string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE messages SET answer = $1
		WHERE id = (
			SELECT id FROM messages
			WHERE session_id = $2 AND question = $3 AND answer IS NULL
			ORDER BY created_at DESC, id DESC
			LIMIT 1
		)
	`, answer, sessionID, question)
	if err != nil {
		return storageErr("SetAnswerForQuestion", err)
	}
	return expectAffected(res, "SetAnswerForQuestion")
}

func (s *PostgresStore) ListTurns(ctx context.Context, sessionID string) ([]domain.Turn, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, question, answer, msg_size, created_at
		FROM messages
		WHERE session_id = $1
		ORDER BY created_at DESC, id DESC
	`, sessionID)
	if err != nil {
		return nil, storageErr("ListTurns", err)
	}
	defer rows.Close()

	var out []domain.Turn
	for rows.Next() {
		var (
			t      domain.Turn
			id     int64
			answer sql.NullString
		)
		if err := rows.Scan(&id, &t.SessionID, &t.Question, &answer, &t.Size, &t.CreatedAt); err != nil {
			return nil, storageErr("ListTurns", err)
		}
		t.ID = domain.TurnID(strconv.FormatInt(id, 10))
		if answer.Valid {
			a := answer.String
			t.Answer = &a
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("ListTurns", err)
	}
	return out, nil
}

func (s *PostgresStore) DeleteTurn(ctx context.Context, turnID domain.TurnID) error {
	id, ok := parseRowID(turnID)
	if !ok {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE id = $1`, id); err != nil {
		return storageErr("DeleteTurn", err)
	}
	return nil
}

func (s *PostgresStore) DeleteSession(ctx context.Context, sessionID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE session_id = $1`, sessionID); err != nil {
		return storageErr("DeleteSession", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func parseRowID(turnID domain.TurnID) (int64, bool) {
	id, err := strconv.ParseInt(string(turnID), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

func expectAffected(res sql.Result, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return storageErr(op, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
