package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/bkyalo/SmartIrrigiation-Backend/internal/apperr"
	"github.com/bkyalo/SmartIrrigiation-Backend/internal/approval"
	"github.com/bkyalo/SmartIrrigiation-Backend/internal/irrigation"
	"github.com/bkyalo/SmartIrrigiation-Backend/internal/models"
	"github.com/bkyalo/SmartIrrigiation-Backend/internal/recurrence"
	"github.com/bkyalo/SmartIrrigiation-Backend/internal/storage"
)

// RequesterName is recorded as the requester of approvals the driver opens.
const RequesterName = "scheduler"

// FlowRateFunc returns the combined flow rate of the given valves in litres per hour.
type FlowRateFunc func(valveIDs []string) (float64, bool)

type Options struct {
	Interval  time.Duration
	Workers   int
	Engine    *recurrence.Engine
	Schedules storage.ScheduleRepository
	Events    storage.EventRepository
	Approvals storage.ApprovalRepository
	Runner    *irrigation.Runner
	Gate      *approval.Gate
	Notifier  approval.Notifier
	FlowRates FlowRateFunc
	Now       func() time.Time
	Log       zerolog.Logger
}

// TickReport summarises what one tick did.
type TickReport struct {
	Due              int `json:"due"`
	Fired            int `json:"fired"`
	Started          int `json:"started"`
	Conflicts        int `json:"conflicts"`
	AwaitingApproval int `json:"awaiting_approval"`
	Completed        int `json:"completed"`
	ApprovedStarts   int `json:"approved_starts"`
	ApprovalCancels  int `json:"approval_cancels"`
}

type counters struct {
	due, fired, started, conflicts, awaiting, completed, approved, cancelled atomic.Int32
}

func (c *counters) report() TickReport {
	return TickReport{
		Due:              int(c.due.Load()),
		Fired:            int(c.fired.Load()),
		Started:          int(c.started.Load()),
		Conflicts:        int(c.conflicts.Load()),
		AwaitingApproval: int(c.awaiting.Load()),
		Completed:        int(c.completed.Load()),
		ApprovedStarts:   int(c.approved.Load()),
		ApprovalCancels:  int(c.cancelled.Load()),
	}
}

// Scheduler turns due schedules into irrigation runs on a fixed tick.
type Scheduler struct {
	scheduler *gocron.Scheduler
	opts      Options
	log       zerolog.Logger
	locks     sync.Map // schedule id -> *sync.Mutex
}

// NewScheduler creates a new scheduler instance.
func NewScheduler(opts Options) *Scheduler {
	if opts.Engine == nil {
		opts.Engine = recurrence.NewEngine(time.UTC)
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Gate == nil {
		opts.Gate = approval.NewGate(0)
	}
	return &Scheduler{
		scheduler: gocron.NewScheduler(opts.Engine.Location()),
		opts:      opts,
		log:       opts.Log.With().Str("component", "scheduler").Logger(),
	}
}

// Start begins ticking in the background. Overlapping ticks are skipped.
func (s *Scheduler) Start() error {
	_, err := s.scheduler.Every(s.opts.Interval).SingletonMode().Do(func() {
		if _, err := s.RunTick(context.Background()); err != nil {
			s.log.Error().Err(err).Msg("Scheduler tick failed")
		}
	})
	if err != nil {
		return fmt.Errorf("schedule driver tick every %s: %w", s.opts.Interval, err)
	}
	s.scheduler.StartAsync()
	s.log.Info().Dur("interval", s.opts.Interval).Int("workers", s.opts.Workers).Msg("Scheduler started")
	return nil
}

// Stop gracefully shuts down the scheduler.
func (s *Scheduler) Stop() {
	s.log.Info().Msg("Stopping scheduler...")
	s.scheduler.Stop()
}

// RunTick runs one pass: it completes overdue schedule runs, settles runs
// waiting on approvals and fires every due schedule. It can also be called
// directly for debugging purposes.
func (s *Scheduler) RunTick(ctx context.Context) (TickReport, error) {
	now := s.opts.Now()
	var c counters

	errSupervise := s.superviseRunning(ctx, now, &c)
	errApprovals := s.settleApprovals(ctx, now, &c)

	due, err := s.opts.Schedules.ListDueSchedules(ctx, now)
	if err != nil {
		return c.report(), errors.Join(errSupervise, errApprovals, err)
	}
	c.due.Store(int32(len(due)))

	var g errgroup.Group
	g.SetLimit(s.opts.Workers)
	for i := range due {
		id := due[i].ID
		g.Go(func() error {
			return s.fire(ctx, id, now, &c)
		})
	}
	errFire := g.Wait()

	report := c.report()
	s.log.Debug().Interface("report", report).Msg("Scheduler tick finished")
	return report, errors.Join(errSupervise, errApprovals, errFire)
}

func (s *Scheduler) lock(scheduleID string) func() {
	v, _ := s.locks.LoadOrStore(scheduleID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// fire marks one schedule fired and creates its run. The reload and the
// versioned save make sure a due instant yields at most one run.
func (s *Scheduler) fire(ctx context.Context, scheduleID string, now time.Time, c *counters) error {
	defer s.lock(scheduleID)()
	log := s.log.With().Str("schedule_id", scheduleID).Logger()

	sch, err := s.opts.Schedules.GetSchedule(ctx, scheduleID)
	if errors.Is(err, apperr.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !sch.IsDue(now) {
		return nil
	}

	sch.MarkFired(s.opts.Engine, now)
	if err := s.opts.Schedules.SaveSchedule(ctx, sch); err != nil {
		if errors.Is(err, apperr.ErrStale) {
			log.Debug().Msg("Schedule fired elsewhere, skipping")
			return nil
		}
		return err
	}
	c.fired.Add(1)

	ev := s.newEvent(sch, now)
	if err := s.opts.Events.CreateEvent(ctx, ev); err != nil {
		return err
	}
	log = log.With().Str("event_id", ev.ID).Logger()

	if s.opts.Gate.Requires(models.ActionIrrigation) {
		if err := s.requestApproval(ctx, sch, ev, now); err != nil {
			return err
		}
		c.awaiting.Add(1)
		log.Info().Str("approval_id", *ev.ApprovalRequestID).Msg("Irrigation run waiting for approval")
		return nil
	}

	return s.start(ctx, ev, now, c, &c.started)
}

// start begins a run. A resource conflict fails the run instead of retrying it.
func (s *Scheduler) start(ctx context.Context, ev *models.IrrigationEvent, now time.Time, c *counters, success *atomic.Int32) error {
	err := s.opts.Runner.Start(ctx, ev, now)
	switch {
	case err == nil:
		success.Add(1)
		return nil
	case errors.Is(err, apperr.ErrResourceConflict):
		c.conflicts.Add(1)
		s.log.Warn().Err(err).Str("event_id", ev.ID).Msg("Resource conflict, failing irrigation run")
		return s.opts.Runner.Fail(ctx, ev, now, irrigation.ReasonResourceConflict)
	case ev.Status == models.EventFailed:
		// actuation failure, already recorded on the event
		return nil
	default:
		return err
	}
}

func (s *Scheduler) newEvent(sch *models.Schedule, now time.Time) *models.IrrigationEvent {
	scheduleID := sch.ID
	ev := &models.IrrigationEvent{
		PlotID:         sch.PlotID,
		ValveIDs:       append(sch.ValveIDs[:0:0], sch.ValveIDs...),
		PumpID:         sch.PumpID,
		ScheduleID:     &scheduleID,
		Status:         models.EventScheduled,
		TriggerType:    models.TriggerSchedule,
		ScheduledStart: now,
		ScheduledEnd:   now.Add(sch.Duration()),
	}
	if s.opts.FlowRates != nil {
		if rate, ok := s.opts.FlowRates(ev.ValveIDs); ok {
			ev.FlowRate = &rate
		}
	}
	return ev
}

func (s *Scheduler) requestApproval(ctx context.Context, sch *models.Schedule, ev *models.IrrigationEvent, now time.Time) error {
	req, err := s.opts.Gate.NewRequest(approval.Draft{
		RequestedBy: RequesterName,
		Action:      models.ActionIrrigation,
		Parameters: map[string]any{
			"schedule_id":      sch.ID,
			"plot_id":          sch.PlotID,
			"valve_ids":        []string(sch.ValveIDs),
			"duration_minutes": sch.DurationMinutes,
		},
		Notes:   fmt.Sprintf("Scheduled irrigation of plot %s (%s)", sch.PlotID, sch.Describe()),
		Subject: &models.SubjectRef{Kind: models.SubjectIrrigationEvent, ID: ev.ID},
	}, now)
	if err != nil {
		return err
	}
	if err := s.opts.Approvals.CreateApproval(ctx, req); err != nil {
		return err
	}
	ev.ApprovalRequestID = &req.ID
	if err := s.opts.Events.SaveEvent(ctx, ev); err != nil {
		return err
	}
	if s.opts.Notifier != nil {
		s.opts.Notifier.ApprovalRequested(req)
	}
	return nil
}

// superviseRunning completes schedule runs whose planned end has passed.
func (s *Scheduler) superviseRunning(ctx context.Context, now time.Time, c *counters) error {
	overdue, err := s.opts.Events.ListOverdueEvents(ctx, now)
	if err != nil {
		return err
	}
	var errs []error
	for i := range overdue {
		ev := &overdue[i]
		if err := s.opts.Runner.Complete(ctx, ev, now, nil); err != nil {
			errs = append(errs, fmt.Errorf("complete event %s: %w", ev.ID, err))
			continue
		}
		c.completed.Add(1)
	}
	return errors.Join(errs...)
}

// settleApprovals starts parked runs whose request was approved and cancels
// those whose request was rejected, cancelled or has expired.
func (s *Scheduler) settleApprovals(ctx context.Context, now time.Time, c *counters) error {
	parked, err := s.opts.Events.ListAwaitingApproval(ctx)
	if err != nil {
		return err
	}
	var errs []error
	for i := range parked {
		ev := &parked[i]
		req, err := s.opts.Approvals.GetApproval(ctx, *ev.ApprovalRequestID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if req.IsPending(now) {
			continue
		}

		subject := models.SubjectRef{Kind: models.SubjectIrrigationEvent, ID: ev.ID}
		if err := approval.Authorize(req, models.ActionIrrigation, &subject, now); err != nil {
			reason := "approval_" + string(req.EffectiveStatus(now))
			if err := s.opts.Runner.Cancel(ctx, ev, now, reason); err != nil {
				errs = append(errs, err)
				continue
			}
			c.cancelled.Add(1)
			continue
		}

		planned := ev.ScheduledEnd.Sub(ev.ScheduledStart)
		ev.ScheduledStart = now
		ev.ScheduledEnd = now.Add(planned)
		if err := s.start(ctx, ev, now, c, &c.approved); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
