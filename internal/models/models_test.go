package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"github.com/bkyalo/SmartIrrigiation-Backend/internal/apperr"
	"github.com/bkyalo/SmartIrrigiation-Backend/internal/recurrence"
	"github.com/bkyalo/SmartIrrigiation-Backend/internal/registry"
)

func dailySchedule() *Schedule {
	return &Schedule{
		PlotID:          "plot-1",
		StartTime:       "06:00",
		DurationMinutes: 30,
		Frequency:       recurrence.FrequencyDaily,
		ValveIDs:        datatypes.JSONSlice[string]{"v1"},
		IsActive:        true,
		Status:          ScheduleActive,
	}
}

func TestScheduleLifecycle(t *testing.T) {
	engine := recurrence.NewEngine(time.UTC)
	now := time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)
	s := dailySchedule()

	s.Refresh(engine, now)
	require.NotNil(t, s.NextFire)
	assert.Equal(t, time.Date(2024, 1, 2, 6, 0, 0, 0, time.UTC), *s.NextFire)
	assert.False(t, s.IsDue(now))
	assert.True(t, s.IsDue(*s.NextFire))

	fireAt := *s.NextFire
	s.MarkFired(engine, fireAt)
	require.NotNil(t, s.LastFired)
	assert.Equal(t, fireAt, *s.LastFired)
	assert.Equal(t, time.Date(2024, 1, 3, 6, 0, 0, 0, time.UTC), *s.NextFire)

	require.NoError(t, s.Pause())
	assert.Nil(t, s.NextFire)
	assert.False(t, s.Active(now))
	assert.ErrorIs(t, s.Pause(), apperr.ErrInvalidTransition)

	require.NoError(t, s.Resume(engine, now))
	assert.NotNil(t, s.NextFire)
	assert.ErrorIs(t, s.Resume(engine, now), apperr.ErrInvalidTransition)

	require.NoError(t, s.Complete())
	assert.Nil(t, s.NextFire)
	assert.False(t, s.IsActive)
	assert.ErrorIs(t, s.Complete(), apperr.ErrInvalidTransition)

	s.Refresh(engine, now)
	assert.Nil(t, s.NextFire, "completed schedule never fires")
}

func TestScheduleEndDateClearsNextFire(t *testing.T) {
	engine := recurrence.NewEngine(time.UTC)
	now := time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)
	s := dailySchedule()
	end := now.Add(-time.Hour)
	s.EndDate = &end

	s.Refresh(engine, now)
	assert.Nil(t, s.NextFire)
	assert.False(t, s.IsDue(now))
}

func TestScheduleEndDateBeforeNextSlotClearsNextFire(t *testing.T) {
	engine := recurrence.NewEngine(time.UTC)
	now := time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)
	s := dailySchedule()
	end := now.Add(2 * time.Hour)
	s.EndDate = &end

	assert.True(t, s.Active(now))
	s.Refresh(engine, now)
	assert.Nil(t, s.NextFire, "next slot is past the end date")
}

func TestScheduleValidate(t *testing.T) {
	assert.NoError(t, dailySchedule().Validate())

	s := dailySchedule()
	s.DurationMinutes = 0
	s.StartTime = "25:00"
	s.ValveIDs = nil
	s.Frequency = recurrence.FrequencyCustom
	s.FrequencyParams = datatypes.NewJSONType(recurrence.Params{Interval: 0, Unit: recurrence.UnitDays})

	err := s.Validate()
	require.ErrorIs(t, err, apperr.ErrValidation)
	var v *apperr.ValidationError
	require.ErrorAs(t, err, &v)
	assert.Contains(t, v.FieldErrors, "duration_minutes")
	assert.Contains(t, v.FieldErrors, "start_time")
	assert.Contains(t, v.FieldErrors, "valve_ids")
	assert.Contains(t, v.FieldErrors, "frequency_params.interval")
}

func TestScheduleDescribe(t *testing.T) {
	s := dailySchedule()
	s.Frequency = recurrence.FrequencyWeekly
	s.FrequencyParams = datatypes.NewJSONType(recurrence.Params{Days: []time.Weekday{time.Monday, time.Friday}})
	assert.Equal(t, "Weekly on Monday, Friday", s.Describe())
	assert.Equal(t, 30*time.Minute, s.Duration())
}

func TestApprovalRequestDerivedExpiry(t *testing.T) {
	created := time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)
	a := &ApprovalRequest{Status: ApprovalPending, ExpiresAt: created.Add(DefaultApprovalTTL)}

	assert.True(t, a.IsPending(created))
	assert.False(t, a.IsExpired(created))
	assert.Equal(t, ApprovalPending, a.EffectiveStatus(created))
	assert.Equal(t, 24*time.Hour, a.TimeRemaining(created))

	later := created.Add(25 * time.Hour)
	assert.False(t, a.IsPending(later))
	assert.True(t, a.IsExpired(later))
	assert.Equal(t, ApprovalExpired, a.EffectiveStatus(later))
	assert.Equal(t, ApprovalPending, a.Status, "expiry is never stored")
	assert.Zero(t, a.TimeRemaining(later))

	a.Status = ApprovalApproved
	assert.False(t, a.IsExpired(later), "decided requests do not expire")
	assert.Equal(t, ApprovalApproved, a.EffectiveStatus(later))
}

func TestApprovalRequestSubject(t *testing.T) {
	a := &ApprovalRequest{}
	_, ok := a.Subject()
	assert.False(t, ok)

	a.SetSubject(SubjectRef{Kind: SubjectSchedule, ID: "s-1"})
	ref, ok := a.Subject()
	assert.True(t, ok)
	assert.Equal(t, SubjectRef{Kind: SubjectSchedule, ID: "s-1"}, ref)
}

func TestParseActionType(t *testing.T) {
	a, ok := ParseActionType("schedule_update")
	assert.True(t, ok)
	assert.Equal(t, ActionScheduleUpdate, a)

	_, ok = ParseActionType("launch_rocket")
	assert.False(t, ok)
}

func TestEventResourcesAndMeta(t *testing.T) {
	pump := "p1"
	e := &IrrigationEvent{ValveIDs: datatypes.JSONSlice[string]{"v1", "v2"}, PumpID: &pump, Status: EventScheduled}

	assert.Equal(t, []registry.Ref{registry.Valve("v1"), registry.Valve("v2"), registry.Pump("p1")}, e.Resources())
	assert.False(t, e.IsTerminal())
	assert.True(t, e.Deletable())

	e.SetMeta(MetaFailureReason, "resource_conflict")
	assert.Equal(t, "resource_conflict", e.Meta(MetaFailureReason))
	assert.Equal(t, "", e.Meta("missing"))

	e.Status = EventInProgress
	assert.False(t, e.Deletable())
	e.Status = EventCancelled
	assert.True(t, e.IsTerminal())
}
