// Package irrigation implements the irrigation run state machine:
//
//	scheduled -> in_progress -> completed | failed | cancelled
//	scheduled -> failed | cancelled
//
// Terminal states are final. Entering in_progress reserves every valve and the
// pump in the resource registry; leaving it releases them.
package irrigation

import (
	"time"

	"github.com/bkyalo/SmartIrrigiation-Backend/internal/apperr"
	"github.com/bkyalo/SmartIrrigiation-Backend/internal/models"
	"github.com/bkyalo/SmartIrrigiation-Backend/internal/registry"
)

const entity = "irrigation event"

// ReasonResourceConflict marks runs that could not reserve their resources.
const ReasonResourceConflict = "resource_conflict"

// Lifecycle applies transitions to events and keeps the registry in step.
type Lifecycle struct {
	registry *registry.Registry
}

func NewLifecycle(reg *registry.Registry) *Lifecycle {
	if reg == nil {
		reg = registry.New()
	}
	return &Lifecycle{registry: reg}
}

// Registry exposes the registry backing this lifecycle.
func (l *Lifecycle) Registry() *registry.Registry {
	return l.registry
}

// Start moves a scheduled event to in_progress. Either every resource is
// reserved or none is, and on conflict the event stays scheduled.
func (l *Lifecycle) Start(ev *models.IrrigationEvent, now time.Time) error {
	_, err := l.begin(ev, now)
	return err
}

// begin is Start returning the refs this call newly reserved.
func (l *Lifecycle) begin(ev *models.IrrigationEvent, now time.Time) ([]registry.Ref, error) {
	if ev.Status != models.EventScheduled {
		return nil, &apperr.TransitionError{Op: "start", From: string(ev.Status), Entity: entity}
	}
	if len(ev.ValveIDs) == 0 {
		var v apperr.ValidationError
		v.Add("valve_ids", "at least one valve is required")
		return nil, &v
	}
	taken, blocked, holder, ok := l.registry.Acquire(ev.Resources(), ev.ID)
	if !ok {
		return nil, &apperr.ConflictError{Resource: blocked.String(), HeldBy: holder}
	}
	started := now
	ev.Status = models.EventInProgress
	ev.ActualStart = &started
	return taken, nil
}

// Complete finishes a running event. When volume is nil it is derived from
// the flow rate and the elapsed time, if a flow rate is known.
func (l *Lifecycle) Complete(ev *models.IrrigationEvent, now time.Time, volume *float64) error {
	if err := l.complete(ev, now, volume); err != nil {
		return err
	}
	l.release(ev)
	return nil
}

func (l *Lifecycle) complete(ev *models.IrrigationEvent, now time.Time, volume *float64) error {
	if ev.Status != models.EventInProgress {
		return &apperr.TransitionError{Op: "complete", From: string(ev.Status), Entity: entity}
	}
	stamp(ev, now)
	switch {
	case volume != nil:
		ev.VolumeUsed = *volume
	case ev.FlowRate != nil:
		ev.VolumeUsed = *ev.FlowRate * ev.Elapsed().Hours()
	}
	ev.Status = models.EventCompleted
	return nil
}

// Fail terminates a non-terminal event and records reason.
func (l *Lifecycle) Fail(ev *models.IrrigationEvent, now time.Time, reason string) error {
	wasRunning := ev.IsInProgress()
	if err := l.fail(ev, now, reason); err != nil {
		return err
	}
	if wasRunning {
		l.release(ev)
	}
	return nil
}

func (l *Lifecycle) fail(ev *models.IrrigationEvent, now time.Time, reason string) error {
	if ev.IsTerminal() {
		return &apperr.TransitionError{Op: "fail", From: string(ev.Status), Entity: entity}
	}
	ev.SetMeta(models.MetaFailureReason, reason)
	stamp(ev, now)
	ev.Status = models.EventFailed
	return nil
}

// Cancel terminates a non-terminal event and records reason. A scheduled
// event never started, so it gets no end time.
func (l *Lifecycle) Cancel(ev *models.IrrigationEvent, now time.Time, reason string) error {
	wasRunning := ev.IsInProgress()
	if err := l.cancel(ev, now, reason); err != nil {
		return err
	}
	if wasRunning {
		l.release(ev)
	}
	return nil
}

func (l *Lifecycle) cancel(ev *models.IrrigationEvent, now time.Time, reason string) error {
	if ev.IsTerminal() {
		return &apperr.TransitionError{Op: "cancel", From: string(ev.Status), Entity: entity}
	}
	if ev.IsInProgress() {
		stamp(ev, now)
	}
	ev.SetMeta(models.MetaCancellationReason, reason)
	ev.Status = models.EventCancelled
	return nil
}

// Restore re-establishes reservations for an event already in progress,
// typically after a restart.
func (l *Lifecycle) Restore(ev *models.IrrigationEvent) error {
	if !ev.IsInProgress() {
		return nil
	}
	if blocked, holder, ok := l.registry.ReserveAll(ev.Resources(), ev.ID); !ok {
		return &apperr.ConflictError{Resource: blocked.String(), HeldBy: holder}
	}
	return nil
}

func (l *Lifecycle) release(ev *models.IrrigationEvent) {
	l.registry.ReleaseAll(ev.Resources(), ev.ID)
}

// stamp records the end of the run.
func stamp(ev *models.IrrigationEvent, now time.Time) {
	if ev.ActualEnd == nil {
		end := now
		if ev.ActualStart != nil && end.Before(*ev.ActualStart) {
			end = *ev.ActualStart
		}
		ev.ActualEnd = &end
	}
	ev.DurationMinutes = int(ev.Elapsed().Minutes())
}
