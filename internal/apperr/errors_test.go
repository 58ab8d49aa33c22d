package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConflictErrorMessageNamesHolder(t *testing.T) {
	err := &ConflictError{Resource: "valve 7", HeldBy: "42"}

	assert.EqualError(t, err, "valve 7 already reserved by event 42")
	assert.ErrorIs(t, err, ErrResourceConflict)
	assert.ErrorIs(t, fmt.Errorf("start: %w", err), ErrResourceConflict)
	assert.NotErrorIs(t, err, ErrInvalidTransition)
}

func TestTransitionError(t *testing.T) {
	err := &TransitionError{Op: "start", From: "completed", Entity: "irrigation event"}

	assert.EqualError(t, err, `cannot start irrigation event in status "completed"`)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestValidationError(t *testing.T) {
	var v ValidationError
	assert.False(t, v.HasErrors())
	assert.NoError(t, v.OrNil())

	v.Add("duration_minutes", "must be positive")
	v.Add("frequency_params.interval", "must be positive")

	err := v.OrNil()
	assert.ErrorIs(t, err, ErrValidation)
	assert.Equal(t, "validation failed: duration_minutes: must be positive; frequency_params.interval: must be positive", err.Error())

	var target *ValidationError
	assert.True(t, errors.As(err, &target))
	assert.Len(t, target.FieldErrors, 2)
}

func TestNotFoundAndExpired(t *testing.T) {
	assert.ErrorIs(t, NotFound("schedule", "s-1"), ErrNotFound)
	assert.EqualError(t, NotFound("schedule", "s-1"), "schedule s-1: not found")
	assert.ErrorIs(t, Expired("a-1"), ErrExpired)
}
