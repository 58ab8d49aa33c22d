// Package apperr defines the error taxonomy shared by the irrigation core.
//
// Business conditions (a double start, a busy valve, an expired approval) are
// returned as values wrapping one of the sentinels below so callers can branch
// with errors.Is. Only I/O failures from collaborators travel as plain wrapped
// errors.
package apperr

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrInvalidTransition is returned when a state machine rule is violated.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrResourceConflict is returned when a valve or pump reservation is denied.
	ErrResourceConflict = errors.New("resource conflict")
	// ErrValidation is returned for malformed input such as bad frequency parameters.
	ErrValidation = errors.New("validation failed")
	// ErrExpired is returned when an approval is acted on after its expiry.
	ErrExpired = errors.New("approval expired")
	// ErrNotFound is returned when a referenced record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrStale is returned when an optimistic version check loses a race.
	ErrStale = errors.New("stale version")
)

// ConflictError reports which resource blocked a reservation and who holds it.
type ConflictError struct {
	Resource string
	HeldBy   string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s already reserved by event %s", e.Resource, e.HeldBy)
}

func (e *ConflictError) Is(target error) bool { return target == ErrResourceConflict }

// TransitionError reports an operation attempted from a state that forbids it.
type TransitionError struct {
	Op     string
	From   string
	Entity string
}

func (e *TransitionError) Error() string {
	entity := e.Entity
	if entity == "" {
		entity = "record"
	}
	return fmt.Sprintf("cannot %s %s in status %q", e.Op, entity, e.From)
}

func (e *TransitionError) Is(target error) bool { return target == ErrInvalidTransition }

// ValidationError captures field level validation issues that callers can surface to users.
type ValidationError struct {
	FieldErrors map[string]string
}

// Error lists the failing fields in a stable order.
func (v *ValidationError) Error() string {
	if v == nil || len(v.FieldErrors) == 0 {
		return ErrValidation.Error()
	}
	fields := make([]string, 0, len(v.FieldErrors))
	for f := range v.FieldErrors {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	parts := make([]string, 0, len(fields))
	for _, f := range fields {
		parts = append(parts, f+": "+v.FieldErrors[f])
	}
	return ErrValidation.Error() + ": " + strings.Join(parts, "; ")
}

func (v *ValidationError) Is(target error) bool { return target == ErrValidation }

// Add records a field level validation error.
func (v *ValidationError) Add(field, message string) {
	if v.FieldErrors == nil {
		v.FieldErrors = make(map[string]string)
	}
	v.FieldErrors[field] = message
}

// HasErrors reports whether any field level issues were recorded.
func (v *ValidationError) HasErrors() bool {
	return v != nil && len(v.FieldErrors) > 0
}

// OrNil returns v as an error when it holds issues, nil otherwise.
func (v *ValidationError) OrNil() error {
	if v.HasErrors() {
		return v
	}
	return nil
}

// NotFound wraps ErrNotFound with the missing entity and id.
func NotFound(entity, id string) error {
	return fmt.Errorf("%s %s: %w", entity, id, ErrNotFound)
}

// Expired wraps ErrExpired with the approval id.
func Expired(id string) error {
	return fmt.Errorf("approval request %s: %w", id, ErrExpired)
}
