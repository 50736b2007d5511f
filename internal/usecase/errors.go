package usecase

import (
	"errors"
	"fmt"
)

type ErrorCode string

const (
	ErrorValidation     ErrorCode = "VALIDATION_ERROR"
	ErrorDuplicateEvent ErrorCode = "DUPLICATE_EVENT"
	ErrorStorage        ErrorCode = "STORAGE_ERROR"
	ErrorCompletion     ErrorCode = "COMPLETION_ERROR"
	ErrorSend           ErrorCode = "SEND_ERROR"
)

type Error struct {
	Code   ErrorCode
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("usecase: %s (%s)", e.Code, e.Reason)
	}
	return fmt.Sprintf("usecase: %s (%s): %v", e.Code, e.Reason, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func newError(code ErrorCode, reason string, err error) *Error {
	return &Error{Code: code, Reason: reason, Err: err}
}

// CodeOf returns the code of a *Error in err's chain, or "" when there is none.
func CodeOf(err error) ErrorCode {
	var ucErr *Error
	if errors.As(err, &ucErr) {
		return ucErr.Code
	}
	return ""
}

// IsDuplicate reports whether err is the idempotency short-circuit.
func IsDuplicate(err error) bool {
	return CodeOf(err) == ErrorDuplicateEvent
}
