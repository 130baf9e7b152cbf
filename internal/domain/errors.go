package domain

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrStorageUnavailable = errors.New("storage unavailable")
	ErrTimeout            = errors.New("evaluation timed out")
)

// ValidationError reports a malformed request. It is never retried.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// NotFoundError names the missing entity and matches ErrNotFound.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// PermissionError indicates the caller lacks a permission.
type PermissionError struct {
	Permission string
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("permission %s required", e.Permission)
}

// InvalidTransitionError carries the blockers that prevented a transition.
type InvalidTransitionError struct {
	ProjectID string
	From      Phase
	To        Phase
	Reason    string
	Blockers  []CriteriaItem
}

func (e *InvalidTransitionError) Error() string {
	msg := fmt.Sprintf("invalid transition %s -> %s for project %s", e.From, e.To, e.ProjectID)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if len(e.Blockers) > 0 {
		labels := make([]string, 0, len(e.Blockers))
		for _, b := range e.Blockers {
			labels = append(labels, b.Key)
		}
		msg += " (blockers: " + strings.Join(labels, ", ") + ")"
	}
	return msg
}

// ConcurrencyError means the phase version changed between decision and write.
// Callers re-evaluate and may retry.
type ConcurrencyError struct {
	ProjectID string
	Expected  time.Time
	Actual    time.Time
}

func (e *ConcurrencyError) Error() string {
	return fmt.Sprintf("project %s phase changed concurrently (expected version %s, found %s)",
		e.ProjectID, e.Expected.UTC().Format(time.RFC3339Nano), e.Actual.UTC().Format(time.RFC3339Nano))
}

// TimezoneResolutionError is informational: resolution always falls back to UTC.
type TimezoneResolutionError struct {
	Requested string
	Source    string
	Fallback  string
	Err       error
}

func (e *TimezoneResolutionError) Error() string {
	if e.Requested == "" {
		return fmt.Sprintf("no timezone configured; using %s", e.Fallback)
	}
	return fmt.Sprintf("%s timezone %q unusable (%v); using %s", e.Source, e.Requested, e.Err, e.Fallback)
}

func (e *TimezoneResolutionError) Unwrap() error { return e.Err }

// PersistenceError wraps a storage failure during read or write.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Persistence wraps err unless it is nil or already a domain error.
func Persistence(op string, err error) error {
	if err == nil {
		return nil
	}
	if ErrorCode(err) != CodeInternal {
		return err
	}
	return &PersistenceError{Op: op, Err: err}
}

const (
	CodeValidation         = "validation_failed"
	CodeNotFound           = "not_found"
	CodeForbidden          = "forbidden"
	CodeInvalidTransition  = "invalid_transition"
	CodeConcurrency        = "concurrency_conflict"
	CodePersistence        = "persistence_error"
	CodeStorageUnavailable = "storage_unavailable"
	CodeTimeout            = "timeout"
	CodeInternal           = "internal_error"
)

// ErrorCode returns the discriminating code for err.
func ErrorCode(err error) string {
	var (
		ve *ValidationError
		pe *PermissionError
		ie *InvalidTransitionError
		ce *ConcurrencyError
		se *PersistenceError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &ve):
		return CodeValidation
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.As(err, &pe):
		return CodeForbidden
	case errors.As(err, &ie):
		return CodeInvalidTransition
	case errors.As(err, &ce):
		return CodeConcurrency
	case errors.Is(err, ErrStorageUnavailable):
		return CodeStorageUnavailable
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return CodeTimeout
	case errors.As(err, &se):
		return CodePersistence
	default:
		return CodeInternal
	}
}
