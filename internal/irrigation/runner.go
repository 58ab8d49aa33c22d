package irrigation

import (
	"context"
	"fmt"
	"maps"
	"time"

	"github.com/rs/zerolog"

	"github.com/bkyalo/SmartIrrigiation-Backend/internal/models"
)

// ReasonActuationError marks runs whose hardware commands failed.
const ReasonActuationError = "actuation_error"

// EventStore persists irrigation events.
type EventStore interface {
	SaveEvent(ctx context.Context, ev *models.IrrigationEvent) error
}

// Actuator drives the physical valves and pumps.
type Actuator interface {
	OpenValve(ctx context.Context, valveID string) error
	CloseValve(ctx context.Context, valveID string) error
	StartPump(ctx context.Context, pumpID string) error
	StopPump(ctx context.Context, pumpID string) error
}

// FailureNotifier is told about runs that ended in failed.
type FailureNotifier interface {
	IrrigationFailed(ev *models.IrrigationEvent)
}

// NopActuator accepts every command. It is used when no broker is configured.
type NopActuator struct{}

func (NopActuator) OpenValve(context.Context, string) error  { return nil }
func (NopActuator) CloseValve(context.Context, string) error { return nil }
func (NopActuator) StartPump(context.Context, string) error  { return nil }
func (NopActuator) StopPump(context.Context, string) error   { return nil }

// Runner applies lifecycle transitions, persists them and actuates hardware.
type Runner struct {
	lifecycle *Lifecycle
	events    EventStore
	actuator  Actuator
	notifier  FailureNotifier
	log       zerolog.Logger
}

func NewRunner(lc *Lifecycle, events EventStore, actuator Actuator, notifier FailureNotifier, log zerolog.Logger) *Runner {
	if actuator == nil {
		actuator = NopActuator{}
	}
	return &Runner{
		lifecycle: lc,
		events:    events,
		actuator:  actuator,
		notifier:  notifier,
		log:       log.With().Str("component", "runner").Logger(),
	}
}

func (r *Runner) Lifecycle() *Lifecycle { return r.lifecycle }

// Start reserves, persists and opens the event's valves and pump. A failed
// hardware command fails the run and shuts off whatever was opened.
func (r *Runner) Start(ctx context.Context, ev *models.IrrigationEvent, now time.Time) error {
	prev := snapshot(ev)
	taken, err := r.lifecycle.begin(ev, now)
	if err != nil {
		return err
	}
	if err := r.events.SaveEvent(ctx, ev); err != nil {
		r.lifecycle.Registry().ReleaseAll(taken, ev.ID)
		*ev = prev
		return fmt.Errorf("save started event %s: %w", ev.ID, err)
	}

	if err := r.open(ctx, ev); err != nil {
		r.log.Error().Err(err).Str("event_id", ev.ID).Msg("Actuation failed, failing irrigation run")
		if ferr := r.Fail(ctx, ev, now, fmt.Sprintf("%s: %v", ReasonActuationError, err)); ferr != nil {
			return fmt.Errorf("fail event %s after actuation error: %w", ev.ID, ferr)
		}
		return fmt.Errorf("actuate event %s: %w", ev.ID, err)
	}
	r.log.Info().Str("event_id", ev.ID).Strs("valves", ev.ValveIDs).Msg("Irrigation run started")
	return nil
}

// Complete finishes a running event and shuts its hardware off. The
// reservation is released only once the completed row is stored.
func (r *Runner) Complete(ctx context.Context, ev *models.IrrigationEvent, now time.Time, volume *float64) error {
	prev := snapshot(ev)
	if err := r.lifecycle.complete(ev, now, volume); err != nil {
		return err
	}
	if err := r.events.SaveEvent(ctx, ev); err != nil {
		*ev = prev
		return fmt.Errorf("save completed event %s: %w", ev.ID, err)
	}
	r.lifecycle.release(ev)
	r.shutOff(ctx, ev)
	r.log.Info().Str("event_id", ev.ID).Float64("volume", ev.VolumeUsed).Int("minutes", ev.DurationMinutes).Msg("Irrigation run completed")
	return nil
}

// Fail terminates the event as failed and notifies operators.
func (r *Runner) Fail(ctx context.Context, ev *models.IrrigationEvent, now time.Time, reason string) error {
	prev := snapshot(ev)
	if err := r.lifecycle.fail(ev, now, reason); err != nil {
		return err
	}
	if err := r.events.SaveEvent(ctx, ev); err != nil {
		*ev = prev
		return fmt.Errorf("save failed event %s: %w", ev.ID, err)
	}
	if prev.IsInProgress() {
		r.lifecycle.release(ev)
		r.shutOff(ctx, ev)
	}
	r.log.Warn().Str("event_id", ev.ID).Str("reason", reason).Msg("Irrigation run failed")
	if r.notifier != nil {
		r.notifier.IrrigationFailed(ev)
	}
	return nil
}

// Cancel terminates the event as cancelled.
func (r *Runner) Cancel(ctx context.Context, ev *models.IrrigationEvent, now time.Time, reason string) error {
	prev := snapshot(ev)
	if err := r.lifecycle.cancel(ev, now, reason); err != nil {
		return err
	}
	if err := r.events.SaveEvent(ctx, ev); err != nil {
		*ev = prev
		return fmt.Errorf("save cancelled event %s: %w", ev.ID, err)
	}
	if prev.IsInProgress() {
		r.lifecycle.release(ev)
		r.shutOff(ctx, ev)
	}
	r.log.Info().Str("event_id", ev.ID).Str("reason", reason).Msg("Irrigation run cancelled")
	return nil
}

// snapshot copies ev deeply enough to undo a transition.
func snapshot(ev *models.IrrigationEvent) models.IrrigationEvent {
	c := *ev
	c.Metadata = maps.Clone(ev.Metadata)
	return c
}

func (r *Runner) open(ctx context.Context, ev *models.IrrigationEvent) error {
	for _, id := range ev.ValveIDs {
		if err := r.actuator.OpenValve(ctx, id); err != nil {
			return fmt.Errorf("open valve %s: %w", id, err)
		}
	}
	if ev.PumpID != nil && *ev.PumpID != "" {
		if err := r.actuator.StartPump(ctx, *ev.PumpID); err != nil {
			return fmt.Errorf("start pump %s: %w", *ev.PumpID, err)
		}
	}
	return nil
}

// shutOff stops the pump before closing valves. Errors are logged only: the
// reservation is already released.
func (r *Runner) shutOff(ctx context.Context, ev *models.IrrigationEvent) {
	if ev.PumpID != nil && *ev.PumpID != "" {
		if err := r.actuator.StopPump(ctx, *ev.PumpID); err != nil {
			r.log.Error().Err(err).Str("event_id", ev.ID).Str("pump_id", *ev.PumpID).Msg("Failed to stop pump")
		}
	}
	for _, id := range ev.ValveIDs {
		if err := r.actuator.CloseValve(ctx, id); err != nil {
			r.log.Error().Err(err).Str("event_id", ev.ID).Str("valve_id", id).Msg("Failed to close valve")
		}
	}
}
