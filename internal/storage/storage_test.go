package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/bkyalo/SmartIrrigiation-Backend/internal/apperr"
	"github.com/bkyalo/SmartIrrigiation-Backend/internal/models"
	"github.com/bkyalo/SmartIrrigiation-Backend/internal/recurrence"
)

var now = time.Date(2024, 1, 3, 6, 0, 0, 0, time.UTC)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return db
}

func ptr[T any](v T) *T { return &v }

func newSchedule(next *time.Time) *models.Schedule {
	return &models.Schedule{
		PlotID:          "plot-1",
		StartTime:       "06:00:00",
		DurationMinutes: 30,
		Frequency:       recurrence.FrequencyWeekly,
		FrequencyParams: datatypes.NewJSONType(recurrence.Params{Days: []time.Weekday{time.Monday, time.Friday}}),
		ValveIDs:        datatypes.JSONSlice[string]{"V1", "V2"},
		IsActive:        true,
		Status:          models.ScheduleActive,
		NextFire:        next,
	}
}

func TestScheduleRoundTrip(t *testing.T) {
	ctx := context.Background()
	repo := NewGormScheduleRepository(openTestDB(t))

	s := newSchedule(ptr(now))
	s.PumpID = ptr("P1")
	require.NoError(t, repo.CreateSchedule(ctx, s))
	assert.NotEmpty(t, s.ID)
	assert.Equal(t, 1, s.Version)

	got, err := repo.GetSchedule(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, []time.Weekday{time.Monday, time.Friday}, got.Params().Days)
	assert.Equal(t, []string{"V1", "V2"}, []string(got.ValveIDs))
	assert.Equal(t, "P1", *got.PumpID)
	require.NotNil(t, got.NextFire)
	assert.True(t, now.Equal(*got.NextFire))

	_, err = repo.GetSchedule(ctx, "missing")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestListDueSchedules(t *testing.T) {
	ctx := context.Background()
	repo := NewGormScheduleRepository(openTestDB(t))

	due := newSchedule(ptr(now.Add(-time.Minute)))
	exact := newSchedule(ptr(now))
	future := newSchedule(ptr(now.Add(time.Hour)))
	paused := newSchedule(ptr(now.Add(-time.Hour)))
	paused.Status = models.SchedulePaused
	inactive := newSchedule(ptr(now.Add(-time.Hour)))
	inactive.IsActive = false
	ended := newSchedule(ptr(now.Add(-time.Hour)))
	ended.EndDate = ptr(now.Add(-30 * time.Minute))
	never := newSchedule(nil)

	for _, s := range []*models.Schedule{due, exact, future, paused, inactive, ended, never} {
		require.NoError(t, repo.CreateSchedule(ctx, s))
	}

	list, err := repo.ListDueSchedules(ctx, now)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, due.ID, list[0].ID)
	assert.Equal(t, exact.ID, list[1].ID)
}

func TestSaveScheduleDetectsStaleVersion(t *testing.T) {
	ctx := context.Background()
	repo := NewGormScheduleRepository(openTestDB(t))
	s := newSchedule(ptr(now))
	require.NoError(t, repo.CreateSchedule(ctx, s))

	first, err := repo.GetSchedule(ctx, s.ID)
	require.NoError(t, err)
	second, err := repo.GetSchedule(ctx, s.ID)
	require.NoError(t, err)

	first.LastFired = ptr(now)
	first.NextFire = ptr(now.Add(48 * time.Hour))
	require.NoError(t, repo.SaveSchedule(ctx, first))
	assert.Equal(t, 2, first.Version)

	second.LastFired = ptr(now)
	err = repo.SaveSchedule(ctx, second)
	assert.ErrorIs(t, err, apperr.ErrStale)
	assert.Equal(t, 1, second.Version)

	stored, err := repo.GetSchedule(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, stored.Version)
	assert.True(t, now.Add(48*time.Hour).Equal(*stored.NextFire))
}

func TestSaveScheduleWritesZeroValues(t *testing.T) {
	ctx := context.Background()
	repo := NewGormScheduleRepository(openTestDB(t))
	s := newSchedule(ptr(now))
	require.NoError(t, repo.CreateSchedule(ctx, s))

	require.NoError(t, s.Pause())
	s.IsActive = false
	require.NoError(t, repo.SaveSchedule(ctx, s))

	stored, err := repo.GetSchedule(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SchedulePaused, stored.Status)
	assert.False(t, stored.IsActive)
	assert.Nil(t, stored.NextFire)
}

func TestSaveMissingSchedule(t *testing.T) {
	repo := NewGormScheduleRepository(openTestDB(t))
	s := newSchedule(nil)
	s.ID = "ghost"
	s.Version = 1
	assert.ErrorIs(t, repo.SaveSchedule(context.Background(), s), apperr.ErrNotFound)
}

func TestDeleteScheduleIsSoft(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	repo := NewGormScheduleRepository(db)
	s := newSchedule(ptr(now))
	require.NoError(t, repo.CreateSchedule(ctx, s))

	require.NoError(t, repo.DeleteSchedule(ctx, s.ID))
	_, err := repo.GetSchedule(ctx, s.ID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	assert.ErrorIs(t, repo.DeleteSchedule(ctx, s.ID), apperr.ErrNotFound)

	var count int64
	require.NoError(t, db.Unscoped().Model(&models.Schedule{}).Where("id = ?", s.ID).Count(&count).Error)
	assert.Equal(t, int64(1), count)

	list, err := repo.ListDueSchedules(ctx, now)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func newEvent(status models.EventStatus, trigger models.TriggerType, end time.Time) *models.IrrigationEvent {
	return &models.IrrigationEvent{
		PlotID:         "plot-1",
		ValveIDs:       datatypes.JSONSlice[string]{"V1"},
		Status:         status,
		TriggerType:    trigger,
		ScheduledStart: end.Add(-30 * time.Minute),
		ScheduledEnd:   end,
	}
}

func TestEventQueries(t *testing.T) {
	ctx := context.Background()
	repo := NewGormEventRepository(openTestDB(t))

	overdue := newEvent(models.EventInProgress, models.TriggerSchedule, now.Add(-time.Minute))
	running := newEvent(models.EventInProgress, models.TriggerSchedule, now.Add(time.Minute))
	manual := newEvent(models.EventInProgress, models.TriggerManual, now.Add(-time.Hour))
	parked := newEvent(models.EventScheduled, models.TriggerSchedule, now)
	parked.ApprovalRequestID = ptr("a-1")
	queued := newEvent(models.EventScheduled, models.TriggerManual, now)
	done := newEvent(models.EventCompleted, models.TriggerSchedule, now.Add(-2*time.Hour))

	for _, ev := range []*models.IrrigationEvent{overdue, running, manual, parked, queued, done} {
		require.NoError(t, repo.CreateEvent(ctx, ev))
	}

	list, err := repo.ListOverdueEvents(ctx, now)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, overdue.ID, list[0].ID)

	list, err = repo.ListAwaitingApproval(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, parked.ID, list[0].ID)

	list, err = repo.ListEventsByStatus(ctx, models.EventInProgress)
	require.NoError(t, err)
	assert.Len(t, list, 3)
}

func TestSaveEventPersistsMetadata(t *testing.T) {
	ctx := context.Background()
	repo := NewGormEventRepository(openTestDB(t))
	ev := newEvent(models.EventScheduled, models.TriggerManual, now)
	require.NoError(t, repo.CreateEvent(ctx, ev))

	ev.Status = models.EventFailed
	ev.ActualEnd = ptr(now)
	ev.SetMeta(models.MetaFailureReason, "resource_conflict")
	require.NoError(t, repo.SaveEvent(ctx, ev))

	got, err := repo.GetEvent(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EventFailed, got.Status)
	assert.Equal(t, "resource_conflict", got.Meta(models.MetaFailureReason))
	assert.Equal(t, 2, got.Version)
}

func TestDeleteEvent(t *testing.T) {
	ctx := context.Background()
	repo := NewGormEventRepository(openTestDB(t))
	ev := newEvent(models.EventCancelled, models.TriggerManual, now)
	require.NoError(t, repo.CreateEvent(ctx, ev))

	require.NoError(t, repo.DeleteEvent(ctx, ev.ID))
	_, err := repo.GetEvent(ctx, ev.ID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func newApproval(status models.ApprovalStatus, expires time.Time) *models.ApprovalRequest {
	return &models.ApprovalRequest{
		RequestedBy: "alice",
		ActionType:  models.ActionIrrigation,
		Status:      status,
		ExpiresAt:   expires,
	}
}

func TestApprovalFirstWriterWins(t *testing.T) {
	ctx := context.Background()
	repo := NewGormApprovalRepository(openTestDB(t))
	req := newApproval(models.ApprovalPending, now.Add(time.Hour))
	require.NoError(t, repo.CreateApproval(ctx, req))
	assert.Equal(t, models.PriorityNormal, req.Priority)

	a, err := repo.GetApproval(ctx, req.ID)
	require.NoError(t, err)
	b, err := repo.GetApproval(ctx, req.ID)
	require.NoError(t, err)

	a.Status = models.ApprovalApproved
	a.ApprovedBy = ptr("carol")
	a.ApprovedAt = ptr(now)
	require.NoError(t, repo.SaveApproval(ctx, a))

	b.Status = models.ApprovalRejected
	b.ApprovedBy = ptr("dave")
	assert.ErrorIs(t, repo.SaveApproval(ctx, b), apperr.ErrStale)

	got, err := repo.GetApproval(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ApprovalApproved, got.Status)
	assert.Equal(t, "carol", *got.ApprovedBy)
}

func TestCountApprovals(t *testing.T) {
	ctx := context.Background()
	repo := NewGormApprovalRepository(openTestDB(t))

	for _, req := range []*models.ApprovalRequest{
		newApproval(models.ApprovalPending, now.Add(time.Hour)),
		newApproval(models.ApprovalPending, now.Add(2*time.Hour)),
		newApproval(models.ApprovalPending, now.Add(-time.Hour)),
		newApproval(models.ApprovalApproved, now.Add(-time.Hour)),
		newApproval(models.ApprovalCancelled, now.Add(time.Hour)),
	} {
		require.NoError(t, repo.CreateApproval(ctx, req))
	}

	counts, err := repo.CountApprovals(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, map[models.ApprovalStatus]int64{
		models.ApprovalPending:   2,
		models.ApprovalApproved:  1,
		models.ApprovalRejected:  0,
		models.ApprovalExpired:   1,
		models.ApprovalCancelled: 1,
	}, counts)

	pending, err := repo.ListPendingApprovals(ctx, now)
	require.NoError(t, err)
	assert.Len(t, pending, 2)
}
