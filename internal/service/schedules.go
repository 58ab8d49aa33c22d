package service

import (
	"context"
	"time"

	"gorm.io/datatypes"

	"github.com/bkyalo/SmartIrrigiation-Backend/internal/apperr"
	"github.com/bkyalo/SmartIrrigiation-Backend/internal/approval"
	"github.com/bkyalo/SmartIrrigiation-Backend/internal/models"
	"github.com/bkyalo/SmartIrrigiation-Backend/internal/recurrence"
)

// ScheduleInput is the operator-editable part of a schedule.
type ScheduleInput struct {
	PlotID          string               `json:"plot_id"`
	Name            string               `json:"name"`
	Description     string               `json:"description"`
	StartTime       string               `json:"start_time"`
	DurationMinutes int                  `json:"duration_minutes"`
	Frequency       recurrence.Frequency `json:"frequency"`
	FrequencyParams recurrence.Params    `json:"frequency_params"`
	ValveIDs        []string             `json:"valve_ids"`
	PumpID          *string              `json:"pump_id,omitempty"`
	EndDate         *time.Time           `json:"end_date,omitempty"`
}

func (in ScheduleInput) apply(s *models.Schedule) {
	s.PlotID = in.PlotID
	s.Name = in.Name
	s.Description = in.Description
	s.StartTime = in.StartTime
	if at, err := recurrence.ParseTimeOfDay(in.StartTime); err == nil {
		s.StartTime = at.String()
	}
	s.DurationMinutes = in.DurationMinutes
	s.Frequency = in.Frequency
	s.FrequencyParams = datatypes.NewJSONType(in.FrequencyParams)
	s.ValveIDs = datatypes.JSONSlice[string](in.ValveIDs)
	s.PumpID = in.PumpID
	s.EndDate = in.EndDate
}

func (s *Service) validateSchedule(sch *models.Schedule) error {
	var v apperr.ValidationError
	if err := sch.Validate(); err != nil {
		if fe, ok := err.(*apperr.ValidationError); ok {
			v = *fe
		}
	}
	s.checkDevices(&v, sch.ValveIDs, sch.PumpID)
	return v.OrNil()
}

// CreateSchedule stores a new active schedule with its first fire time computed.
func (s *Service) CreateSchedule(ctx context.Context, in ScheduleInput) (*models.Schedule, error) {
	sch := &models.Schedule{IsActive: true, Status: models.ScheduleActive}
	in.apply(sch)
	if err := s.validateSchedule(sch); err != nil {
		return nil, err
	}
	now := s.now()
	sch.FrequencyParams = datatypes.NewJSONType(s.engine.Anchor(sch.Frequency, sch.Params(), now))
	sch.Refresh(s.engine, now)
	if err := s.schedules.CreateSchedule(ctx, sch); err != nil {
		return nil, err
	}
	s.log.Info().Str("schedule_id", sch.ID).Str("frequency", sch.Describe()).Msg("Schedule created")
	return sch, nil
}

func (s *Service) GetSchedule(ctx context.Context, id string) (*models.Schedule, error) {
	return s.schedules.GetSchedule(ctx, id)
}

func (s *Service) ListSchedulesByPlot(ctx context.Context, plotID string) ([]models.Schedule, error) {
	return s.schedules.ListSchedulesByPlot(ctx, plotID)
}

// UpdateSchedule replaces the editable fields of a schedule and recomputes its
// next fire time. When schedule updates need approval, approvalID must name
// an approved request about this schedule.
func (s *Service) UpdateSchedule(ctx context.Context, id string, in ScheduleInput, approvalID string) (*models.Schedule, error) {
	now := s.now()
	if s.gate.Requires(models.ActionScheduleUpdate) {
		if err := s.authorize(ctx, approvalID, models.ActionScheduleUpdate, models.SubjectRef{Kind: models.SubjectSchedule, ID: id}, now); err != nil {
			return nil, err
		}
	}
	return s.mutateSchedule(ctx, id, func(sch *models.Schedule) error {
		in.apply(sch)
		if err := s.validateSchedule(sch); err != nil {
			return err
		}
		sch.FrequencyParams = datatypes.NewJSONType(s.engine.Anchor(sch.Frequency, sch.Params(), now))
		sch.Refresh(s.engine, now)
		return nil
	})
}

func (s *Service) PauseSchedule(ctx context.Context, id string) (*models.Schedule, error) {
	return s.mutateSchedule(ctx, id, func(sch *models.Schedule) error {
		return sch.Pause()
	})
}

func (s *Service) ResumeSchedule(ctx context.Context, id string) (*models.Schedule, error) {
	return s.mutateSchedule(ctx, id, func(sch *models.Schedule) error {
		return sch.Resume(s.engine, s.now())
	})
}

func (s *Service) CompleteSchedule(ctx context.Context, id string) (*models.Schedule, error) {
	return s.mutateSchedule(ctx, id, func(sch *models.Schedule) error {
		return sch.Complete()
	})
}

// DeleteSchedule soft-deletes the schedule; it stops firing immediately.
// Events it already produced are kept.
func (s *Service) DeleteSchedule(ctx context.Context, id string) error {
	if err := s.schedules.DeleteSchedule(ctx, id); err != nil {
		return err
	}
	s.log.Info().Str("schedule_id", id).Msg("Schedule deleted")
	return nil
}

func (s *Service) mutateSchedule(ctx context.Context, id string, mutate func(*models.Schedule) error) (*models.Schedule, error) {
	sch, err := s.schedules.GetSchedule(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := mutate(sch); err != nil {
		return nil, err
	}
	if err := s.schedules.SaveSchedule(ctx, sch); err != nil {
		return nil, err
	}
	s.log.Info().Str("schedule_id", sch.ID).Str("status", string(sch.Status)).Msg("Schedule updated")
	return sch, nil
}

// authorize loads approvalID and confirms it permits action on subject.
func (s *Service) authorize(ctx context.Context, approvalID string, action models.ActionType, subject models.SubjectRef, now time.Time) error {
	if approvalID == "" {
		var v apperr.ValidationError
		v.Add("approval_request_id", "an approved request is required for "+string(action))
		return &v
	}
	req, err := s.approvals.GetApproval(ctx, approvalID)
	if err != nil {
		return err
	}
	return approval.Authorize(req, action, &subject, now)
}
