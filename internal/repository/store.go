package repository

import (
	"context"
	"errors"
	"fmt"

	"lark-relay/internal/domain"
)

var (
	// ErrAlreadyExists is returned by RecordEvent when the event id is already stored.
	ErrAlreadyExists = errors.New("repository: already exists")
	// ErrNotFound is returned when the targeted event or turn does not exist.
	ErrNotFound = errors.New("repository: not found")
	// ErrAnswerAlreadySet is returned by SetAnswer when the turn already has an answer.
	ErrAnswerAlreadySet = errors.New("repository: answer already set")
)

// Store is the message store consumed by the relay pipeline and the admin routes.
// It exclusively owns the event dedup table and the conversation turns.
type Store interface {
	HasSeenEvent(ctx context.Context, eventID string) (bool, error)
	RecordEvent(ctx context.Context, eventID string, raw []byte) error
	AnnotateEvent(ctx context.Context, eventID, content string) error

	InsertTurn(ctx context.Context, sessionID, question string, size int) (domain.TurnID, error)
	SetAnswer(ctx context.Context, turnID domain.TurnID, answer string) error
	SetAnswerForQuestion(ctx context.Context, sessionID, question, answer string) error
	ListTurns(ctx context.Context, sessionID string) ([]domain.Turn, error)
	DeleteTurn(ctx context.Context, turnID domain.TurnID) error
	DeleteSession(ctx context.Context, sessionID string) error

	Close() error
}

// StorageError wraps a backend failure that is not one of the sentinel outcomes.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("repository: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func storageErr(op string, err error) error {
	return &StorageError{Op: op, Err: err}
}
