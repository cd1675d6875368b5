package engine

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrValidation = errors.New("validation failed")
	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("conflict")
)

// ValidationError is returned before any state change when input is malformed.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Message
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

func invalid(field string, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

type NotFoundError struct {
	Kind string
	ID   any
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %v not found", e.Kind, e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// ConflictError reports a lost compare-and-swap or a uniqueness clash. The
// caller should re-fetch and decide whether to retry.
type ConflictError struct {
	Kind     string
	ID       any
	Expected []ReviewStatus
	Actual   ReviewStatus
	Message  string
}

func (e *ConflictError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("conflict on %s %v: %s", e.Kind, e.ID, e.Message)
	}
	want := make([]string, 0, len(e.Expected))
	for _, s := range e.Expected {
		want = append(want, string(s))
	}
	return fmt.Sprintf("conflict on %s %v: status is %s, expected %s", e.Kind, e.ID, e.Actual, strings.Join(want, "|"))
}

func (e *ConflictError) Is(target error) bool { return target == ErrConflict }
