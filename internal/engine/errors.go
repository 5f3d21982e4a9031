package engine

import (
	"errors"
	"fmt"

	"taskrank/internal/repo"
)

// ValidationError reports malformed input or a violated hierarchy rule.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

type NotFoundError struct {
	Kind string
	ID   int64
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %d not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error { return repo.ErrNotFound }

func taskNotFound(id int64, err error) error {
	if errors.Is(err, repo.ErrNotFound) {
		return &NotFoundError{Kind: "task", ID: id}
	}
	return err
}
