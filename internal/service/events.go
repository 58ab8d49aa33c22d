package service

import (
	"context"
	"fmt"
	"time"

	"gorm.io/datatypes"

	"github.com/bkyalo/SmartIrrigiation-Backend/internal/apperr"
	"github.com/bkyalo/SmartIrrigiation-Backend/internal/models"
)

// EventInput describes an operator-created irrigation run.
type EventInput struct {
	PlotID          string             `json:"plot_id"`
	ValveIDs        []string           `json:"valve_ids"`
	PumpID          *string            `json:"pump_id,omitempty"`
	UserID          *string            `json:"user_id,omitempty"`
	TriggerType     models.TriggerType `json:"trigger_type"`
	ScheduledStart  *time.Time         `json:"scheduled_start,omitempty"`
	DurationMinutes int                `json:"duration_minutes"`
	Notes           string             `json:"notes,omitempty"`
}

// CreateEvent stores a new run in scheduled. Schedule-triggered runs are
// created only by the scheduler.
func (s *Service) CreateEvent(ctx context.Context, in EventInput) (*models.IrrigationEvent, error) {
	now := s.now()
	var v apperr.ValidationError
	if in.PlotID == "" {
		v.Add("plot_id", "is required")
	}
	if len(in.ValveIDs) == 0 {
		v.Add("valve_ids", "at least one valve is required")
	}
	if in.DurationMinutes <= 0 {
		v.Add("duration_minutes", "must be positive")
	}
	trigger := in.TriggerType
	switch trigger {
	case "":
		trigger = models.TriggerManual
	case models.TriggerManual, models.TriggerSensor, models.TriggerAI, models.TriggerMaintenance:
	default:
		v.Add("trigger_type", fmt.Sprintf("unsupported trigger %q", in.TriggerType))
	}
	s.checkDevices(&v, in.ValveIDs, in.PumpID)
	if err := v.OrNil(); err != nil {
		return nil, err
	}

	start := now
	if in.ScheduledStart != nil {
		start = *in.ScheduledStart
	}
	ev := &models.IrrigationEvent{
		PlotID:         in.PlotID,
		ValveIDs:       datatypes.JSONSlice[string](in.ValveIDs),
		PumpID:         in.PumpID,
		UserID:         in.UserID,
		Status:         models.EventScheduled,
		TriggerType:    trigger,
		ScheduledStart: start,
		ScheduledEnd:   start.Add(time.Duration(in.DurationMinutes) * time.Minute),
		Notes:          in.Notes,
	}
	if rate, ok := FlowRateFor(s.inventory, in.ValveIDs); ok {
		ev.FlowRate = &rate
	}
	if err := s.events.CreateEvent(ctx, ev); err != nil {
		return nil, err
	}
	s.log.Info().Str("event_id", ev.ID).Str("trigger", string(trigger)).Msg("Irrigation event created")
	return ev, nil
}

func (s *Service) GetEvent(ctx context.Context, id string) (*models.IrrigationEvent, error) {
	return s.events.GetEvent(ctx, id)
}

// StartEvent starts a scheduled run. When irrigation needs approval, the run
// must be covered by an approved request: approvalID, or the request already
// linked to the event.
func (s *Service) StartEvent(ctx context.Context, id, approvalID string) (*models.IrrigationEvent, error) {
	now := s.now()
	ev, err := s.events.GetEvent(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.gate.Requires(models.ActionIrrigation) {
		if approvalID == "" && ev.ApprovalRequestID != nil {
			approvalID = *ev.ApprovalRequestID
		}
		subject := models.SubjectRef{Kind: models.SubjectIrrigationEvent, ID: ev.ID}
		if err := s.authorize(ctx, approvalID, models.ActionIrrigation, subject, now); err != nil {
			return nil, err
		}
		ev.ApprovalRequestID = &approvalID
	}
	if err := s.runner.Start(ctx, ev, now); err != nil {
		return ev, err
	}
	return ev, nil
}

// CompleteEvent finishes a running event. A nil volume is derived from the flow rate.
func (s *Service) CompleteEvent(ctx context.Context, id string, volume *float64) (*models.IrrigationEvent, error) {
	ev, err := s.events.GetEvent(ctx, id)
	if err != nil {
		return nil, err
	}
	if volume != nil && *volume < 0 {
		var v apperr.ValidationError
		v.Add("volume_used", "must not be negative")
		return nil, &v
	}
	if err := s.runner.Complete(ctx, ev, s.now(), volume); err != nil {
		return nil, err
	}
	return ev, nil
}

func (s *Service) FailEvent(ctx context.Context, id, reason string) (*models.IrrigationEvent, error) {
	ev, err := s.events.GetEvent(ctx, id)
	if err != nil {
		return nil, err
	}
	if reason == "" {
		reason = "operator"
	}
	if err := s.runner.Fail(ctx, ev, s.now(), reason); err != nil {
		return nil, err
	}
	return ev, nil
}

func (s *Service) CancelEvent(ctx context.Context, id, reason string) (*models.IrrigationEvent, error) {
	ev, err := s.events.GetEvent(ctx, id)
	if err != nil {
		return nil, err
	}
	if reason == "" {
		reason = "operator"
	}
	if err := s.runner.Cancel(ctx, ev, s.now(), reason); err != nil {
		return nil, err
	}
	return ev, nil
}

// DeleteEvent soft-deletes a run that is neither in progress nor completed.
func (s *Service) DeleteEvent(ctx context.Context, id string) error {
	ev, err := s.events.GetEvent(ctx, id)
	if err != nil {
		return err
	}
	if !ev.Deletable() {
		return &apperr.TransitionError{Op: "delete", From: string(ev.Status), Entity: "irrigation event"}
	}
	return s.events.DeleteEvent(ctx, id)
}
