// Package apperr defines the error kinds shared by the store, the
// subscription layer and the mutation gateway. Callers classify errors with
// errors.Is against the sentinels below.
package apperr

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrValidation = errors.New("validation failed")
	ErrNotFound   = errors.New("not found")
	ErrDuplicate  = errors.New("precondition failed")
	ErrTransient  = errors.New("transient failure")
	ErrPermission = errors.New("permission denied")
)

// ValidationError reports a missing or invalid input field. It is raised
// before any store call and is never retried.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

func Invalid(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

// PartialFailure reports a multi-step operation that completed some steps
// but not all of them. StepIndex is 1-based.
type PartialFailure struct {
	Op        string
	Step      string
	StepIndex int
	Steps     int
	Completed []string
	Err       error
}

func (e *PartialFailure) Error() string {
	done := "none"
	if len(e.Completed) > 0 {
		done = strings.Join(e.Completed, ", ")
	}
	return fmt.Sprintf("%s: step %d of %d (%s) failed after completing [%s]: %v",
		e.Op, e.StepIndex, e.Steps, e.Step, done, e.Err)
}

func (e *PartialFailure) Unwrap() error {
	return e.Err
}

// Transient wraps err so that errors.Is(err, ErrTransient) holds.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &kindError{kind: ErrTransient, err: err}
}

// Permission wraps err so that errors.Is(err, ErrPermission) holds.
func Permission(err error) error {
	if err == nil {
		return nil
	}
	return &kindError{kind: ErrPermission, err: err}
}

// NotFound wraps err so that errors.Is(err, ErrNotFound) holds.
func NotFound(err error) error {
	if err == nil {
		return nil
	}
	return &kindError{kind: ErrNotFound, err: err}
}

// Duplicate wraps err so that errors.Is(err, ErrDuplicate) holds.
func Duplicate(err error) error {
	if err == nil {
		return nil
	}
	return &kindError{kind: ErrDuplicate, err: err}
}

type kindError struct {
	kind error
	err  error
}

func (e *kindError) Error() string {
	return fmt.Sprintf("%v: %v", e.kind, e.err)
}

func (e *kindError) Unwrap() []error {
	return []error{e.kind, e.err}
}

// IsRetryable reports whether err may succeed if the same call is repeated.
func IsRetryable(err error) bool {
	var partial *PartialFailure
	if errors.As(err, &partial) {
		return false
	}
	return errors.Is(err, ErrTransient)
}

// Kind returns a short stable label for err, used in logs, metrics and
// response bodies.
func Kind(err error) string {
	var partial *PartialFailure
	switch {
	case err == nil:
		return ""
	case errors.As(err, &partial):
		return "partial_failure"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrDuplicate):
		return "duplicate"
	case errors.Is(err, ErrPermission):
		return "permission"
	case errors.Is(err, ErrTransient):
		return "transient"
	default:
		return "internal"
	}
}
