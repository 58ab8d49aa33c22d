package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/bkyalo/SmartIrrigiation-Backend/internal/apperr"
	"github.com/bkyalo/SmartIrrigiation-Backend/internal/recurrence"
)

type ScheduleStatus string

const (
	ScheduleActive    ScheduleStatus = "active"
	SchedulePaused    ScheduleStatus = "paused"
	ScheduleCompleted ScheduleStatus = "completed"
)

// Schedule is a recurring rule describing when and for how long to irrigate a plot.
// NextFire is nil exactly when the schedule cannot fire.
type Schedule struct {
	ID              string                                 `gorm:"type:varchar(36);primaryKey" json:"id"`
	PlotID          string                                 `gorm:"type:varchar(64);not null;index" json:"plot_id"`
	Name            string                                 `gorm:"type:varchar(120)" json:"name"`
	Description     string                                 `json:"description,omitempty"`
	StartTime       string                                 `gorm:"type:varchar(8);not null" json:"start_time"` // HH:MM:SS
	DurationMinutes int                                    `gorm:"not null" json:"duration_minutes"`
	Frequency       recurrence.Frequency                   `gorm:"type:varchar(20);not null" json:"frequency"`
	FrequencyParams datatypes.JSONType[recurrence.Params] `json:"frequency_params"`
	ValveIDs        datatypes.JSONSlice[string]            `json:"valve_ids"`
	PumpID          *string                                `gorm:"type:varchar(64)" json:"pump_id,omitempty"`
	IsActive        bool                                   `gorm:"not null" json:"is_active"`
	Status          ScheduleStatus                         `gorm:"type:varchar(20);not null;index" json:"status"`
	LastFired       *time.Time                             `json:"last_fired,omitempty"`
	NextFire        *time.Time                             `gorm:"index" json:"next_fire,omitempty"`
	EndDate         *time.Time                             `json:"end_date,omitempty"`
	Metadata        datatypes.JSONMap                      `json:"metadata,omitempty"`
	Version         int                                    `gorm:"not null" json:"version"`
	CreatedAt       time.Time                              `json:"created_at"`
	UpdatedAt       time.Time                              `json:"updated_at"`
	DeletedAt       gorm.DeletedAt                         `gorm:"index" json:"-"`
}

func (Schedule) TableName() string {
	return "schedules"
}

func (s *Schedule) BeforeCreate(tx *gorm.DB) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.Version == 0 {
		s.Version = 1
	}
	return nil
}

func (s *Schedule) BeforeSave(tx *gorm.DB) error {
	s.LastFired = utc(s.LastFired)
	s.NextFire = utc(s.NextFire)
	s.EndDate = utc(s.EndDate)
	return nil
}

// Params returns the decoded frequency parameters.
func (s *Schedule) Params() recurrence.Params {
	return s.FrequencyParams.Data()
}

// Plan projects the schedule onto the recurrence engine's input.
func (s *Schedule) Plan() recurrence.Plan {
	at, _ := recurrence.ParseTimeOfDay(s.StartTime)
	return recurrence.Plan{
		Frequency: s.Frequency,
		Params:    s.Params(),
		At:        at,
		LastFired: s.LastFired,
		EndDate:   s.EndDate,
		Active:    s.IsActive && s.Status == ScheduleActive,
	}
}

// Active reports whether the schedule may fire at now.
func (s *Schedule) Active(now time.Time) bool {
	return recurrence.IsActive(s.Plan(), now)
}

// IsDue reports whether the schedule's next fire time has arrived.
func (s *Schedule) IsDue(now time.Time) bool {
	return s.Active(now) && s.NextFire != nil && !s.NextFire.After(now)
}

// Refresh recomputes NextFire, clearing it when the schedule cannot fire.
func (s *Schedule) Refresh(engine *recurrence.Engine, now time.Time) {
	next, ok := engine.NextFire(s.Plan(), now)
	if !ok {
		s.NextFire = nil
		return
	}
	s.NextFire = &next
}

// MarkFired records a firing at now and schedules the following one.
func (s *Schedule) MarkFired(engine *recurrence.Engine, now time.Time) {
	fired := now
	s.LastFired = &fired
	s.Refresh(engine, now)
}

func (s *Schedule) Pause() error {
	if s.Status != ScheduleActive {
		return &apperr.TransitionError{Op: "pause", From: string(s.Status), Entity: "schedule"}
	}
	s.Status = SchedulePaused
	s.NextFire = nil
	return nil
}

func (s *Schedule) Resume(engine *recurrence.Engine, now time.Time) error {
	if s.Status != SchedulePaused {
		return &apperr.TransitionError{Op: "resume", From: string(s.Status), Entity: "schedule"}
	}
	s.Status = ScheduleActive
	s.Refresh(engine, now)
	return nil
}

// Complete retires the schedule for good.
func (s *Schedule) Complete() error {
	if s.Status == ScheduleCompleted {
		return &apperr.TransitionError{Op: "complete", From: string(s.Status), Entity: "schedule"}
	}
	s.Status = ScheduleCompleted
	s.IsActive = false
	s.NextFire = nil
	return nil
}

// Validate checks the schedule fields and its recurrence parameters.
func (s *Schedule) Validate() error {
	var v apperr.ValidationError
	if s.PlotID == "" {
		v.Add("plot_id", "is required")
	}
	if s.DurationMinutes <= 0 {
		v.Add("duration_minutes", "must be positive")
	}
	if _, err := recurrence.ParseTimeOfDay(s.StartTime); err != nil {
		v.Add("start_time", fmt.Sprintf("invalid time of day %q", s.StartTime))
	}
	if len(s.ValveIDs) == 0 {
		v.Add("valve_ids", "at least one valve is required")
	}
	switch s.Status {
	case ScheduleActive, SchedulePaused, ScheduleCompleted:
	default:
		v.Add("status", fmt.Sprintf("unsupported status %q", s.Status))
	}
	if err := recurrence.Validate(s.Frequency, s.Params()); err != nil {
		if fe, ok := err.(*apperr.ValidationError); ok {
			for f, msg := range fe.FieldErrors {
				v.Add(f, msg)
			}
		}
	}
	return v.OrNil()
}

// Describe renders the frequency for operators.
func (s *Schedule) Describe() string {
	return recurrence.Describe(s.Frequency, s.Params())
}

// Duration is the configured run length.
func (s *Schedule) Duration() time.Duration {
	return time.Duration(s.DurationMinutes) * time.Minute
}

func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
