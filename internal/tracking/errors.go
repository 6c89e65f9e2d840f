package tracking

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound = errors.New("session not found")
	ErrConflict = errors.New("conflict")

	ErrLiveSessionExists = fmt.Errorf("%w: route already has a live session", ErrConflict)
	ErrSessionEnded      = fmt.Errorf("%w: session already ended", ErrConflict)
)

type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Reason
}

func invalid(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// InternalError wraps a persistence failure that survived the retry.
type InternalError struct {
	Op  string
	Err error
}

func (e *InternalError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *InternalError) Unwrap() error {
	return e.Err
}

// domainError reports whether err is part of the caller-facing taxonomy and
// therefore must not be retried.
func domainError(err error) bool {
	var verr *ValidationError
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrConflict) || errors.As(err, &verr)
}
