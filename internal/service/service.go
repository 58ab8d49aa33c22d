package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/bkyalo/SmartIrrigiation-Backend/internal/apperr"
	"github.com/bkyalo/SmartIrrigiation-Backend/internal/approval"
	"github.com/bkyalo/SmartIrrigiation-Backend/internal/irrigation"
	"github.com/bkyalo/SmartIrrigiation-Backend/internal/models"
	"github.com/bkyalo/SmartIrrigiation-Backend/internal/recurrence"
	"github.com/bkyalo/SmartIrrigiation-Backend/internal/registry"
	"github.com/bkyalo/SmartIrrigiation-Backend/internal/storage"
)

// Inventory knows which valves and pumps exist. *config.Config implements it.
type Inventory interface {
	HasValve(id string) bool
	HasPump(id string) bool
	FlowRate(valveID string) (float64, bool)
}

type Deps struct {
	Schedules storage.ScheduleRepository
	Events    storage.EventRepository
	Approvals storage.ApprovalRepository
	Engine    *recurrence.Engine
	Runner    *irrigation.Runner
	Gate      *approval.Gate
	Notifier  approval.Notifier
	Inventory Inventory // nil skips device checks
	Now       func() time.Time
	Log       zerolog.Logger
}

// Service carries out operator commands on schedules, events and approvals.
type Service struct {
	schedules storage.ScheduleRepository
	events    storage.EventRepository
	approvals storage.ApprovalRepository
	engine    *recurrence.Engine
	runner    *irrigation.Runner
	gate      *approval.Gate
	notifier  approval.Notifier
	inventory Inventory
	resolvers *approval.Resolvers
	now       func() time.Time
	log       zerolog.Logger
}

func New(d Deps) *Service {
	if d.Engine == nil {
		d.Engine = recurrence.NewEngine(time.UTC)
	}
	if d.Gate == nil {
		d.Gate = approval.NewGate(0)
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	s := &Service{
		schedules: d.Schedules,
		events:    d.Events,
		approvals: d.Approvals,
		engine:    d.Engine,
		runner:    d.Runner,
		gate:      d.Gate,
		notifier:  d.Notifier,
		inventory: d.Inventory,
		resolvers: approval.NewResolvers(),
		now:       d.Now,
		log:       d.Log.With().Str("component", "service").Logger(),
	}
	s.registerSubjects()
	return s
}

func (s *Service) registerSubjects() {
	s.resolvers.Register(models.SubjectIrrigationEvent, func(ctx context.Context, id string) (any, error) {
		return s.events.GetEvent(ctx, id)
	})
	s.resolvers.Register(models.SubjectSchedule, func(ctx context.Context, id string) (any, error) {
		return s.schedules.GetSchedule(ctx, id)
	})
	s.resolvers.Register(models.SubjectValve, func(_ context.Context, id string) (any, error) {
		if s.inventory != nil && !s.inventory.HasValve(id) {
			return nil, apperr.NotFound("valve", id)
		}
		return id, nil
	})
	s.resolvers.Register(models.SubjectPump, func(_ context.Context, id string) (any, error) {
		if s.inventory != nil && !s.inventory.HasPump(id) {
			return nil, apperr.NotFound("pump", id)
		}
		return id, nil
	})
}

// FlowRateFor sums the flow rates of the listed valves. It reports false
// when none of them has a known rate.
func FlowRateFor(inv Inventory, valveIDs []string) (float64, bool) {
	if inv == nil {
		return 0, false
	}
	var total float64
	known := false
	for _, id := range valveIDs {
		if rate, ok := inv.FlowRate(id); ok && rate > 0 {
			total += rate
			known = true
		}
	}
	return total, known
}

// checkDevices adds a field error for every valve or pump missing from the inventory.
func (s *Service) checkDevices(v *apperr.ValidationError, valveIDs []string, pumpID *string) {
	if s.inventory == nil {
		return
	}
	var unknown []string
	for _, id := range valveIDs {
		if !s.inventory.HasValve(id) {
			unknown = append(unknown, id)
		}
	}
	if len(unknown) > 0 {
		v.Add("valve_ids", "unknown valves "+strings.Join(unknown, ", "))
	}
	if pumpID != nil && *pumpID != "" && !s.inventory.HasPump(*pumpID) {
		v.Add("pump_id", "unknown pump "+*pumpID)
	}
}

// RestoreReservations re-reserves the valves and pumps of runs that were in
// progress when the process stopped.
func (s *Service) RestoreReservations(ctx context.Context) error {
	running, err := s.events.ListEventsByStatus(ctx, models.EventInProgress)
	if err != nil {
		return err
	}
	var errs []error
	for i := range running {
		ev := &running[i]
		if err := s.runner.Lifecycle().Restore(ev); err != nil {
			s.log.Error().Err(err).Str("event_id", ev.ID).Msg("Could not restore reservation")
			errs = append(errs, err)
		}
	}
	s.log.Info().Int("events", len(running)).Msg("Restored resource reservations")
	return errors.Join(errs...)
}

// Reservations lists the valves and pumps currently held by running events.
func (s *Service) Reservations() []registry.Reservation {
	return s.runner.Lifecycle().Registry().Snapshot()
}

func (s *Service) notifyDecided(req *models.ApprovalRequest) {
	if s.notifier != nil {
		s.notifier.ApprovalDecided(req)
	}
}
