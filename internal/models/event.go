package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/bkyalo/SmartIrrigiation-Backend/internal/registry"
)

type EventStatus string

const (
	EventScheduled  EventStatus = "scheduled"
	EventInProgress EventStatus = "in_progress"
	EventCompleted  EventStatus = "completed"
	EventFailed     EventStatus = "failed"
	EventCancelled  EventStatus = "cancelled"
)

type TriggerType string

const (
	TriggerManual      TriggerType = "manual"
	TriggerSchedule    TriggerType = "schedule"
	TriggerSensor      TriggerType = "sensor"
	TriggerAI          TriggerType = "ai"
	TriggerMaintenance TriggerType = "maintenance"
)

// Metadata keys written by the lifecycle.
const (
	MetaFailureReason      = "failure_reason"
	MetaCancellationReason = "cancellation_reason"
)

// IrrigationEvent is one concrete, time-bounded watering run.
type IrrigationEvent struct {
	ID                string                      `gorm:"type:varchar(36);primaryKey" json:"id"`
	PlotID            string                      `gorm:"type:varchar(64);not null;index" json:"plot_id"`
	ValveIDs          datatypes.JSONSlice[string] `json:"valve_ids"`
	PumpID            *string                     `gorm:"type:varchar(64)" json:"pump_id,omitempty"`
	ScheduleID        *string                     `gorm:"type:varchar(36);index" json:"schedule_id,omitempty"`
	ApprovalRequestID *string                     `gorm:"type:varchar(36);index" json:"approval_request_id,omitempty"`
	UserID            *string                     `gorm:"type:varchar(64)" json:"user_id,omitempty"`
	Status            EventStatus                 `gorm:"type:varchar(20);not null;index" json:"status"`
	TriggerType       TriggerType                 `gorm:"type:varchar(20);not null" json:"trigger_type"`
	ScheduledStart    time.Time                   `gorm:"not null" json:"scheduled_start"`
	ScheduledEnd      time.Time                   `gorm:"not null" json:"scheduled_end"`
	ActualStart       *time.Time                  `json:"actual_start,omitempty"`
	ActualEnd         *time.Time                  `json:"actual_end,omitempty"`
	DurationMinutes   int                         `json:"duration_minutes"`
	VolumeUsed        float64                     `json:"volume_used"`
	FlowRate          *float64                    `json:"flow_rate,omitempty"` // litres per hour
	Notes             string                      `json:"notes,omitempty"`
	Metadata          datatypes.JSONMap           `json:"metadata,omitempty"`
	Version           int                         `gorm:"not null" json:"version"`
	CreatedAt         time.Time                   `json:"created_at"`
	UpdatedAt         time.Time                   `json:"updated_at"`
	DeletedAt         gorm.DeletedAt              `gorm:"index" json:"-"`
}

func (IrrigationEvent) TableName() string {
	return "irrigation_events"
}

func (e *IrrigationEvent) BeforeCreate(tx *gorm.DB) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Version == 0 {
		e.Version = 1
	}
	return nil
}

func (e *IrrigationEvent) BeforeSave(tx *gorm.DB) error {
	e.ScheduledStart = e.ScheduledStart.UTC()
	e.ScheduledEnd = e.ScheduledEnd.UTC()
	e.ActualStart = utc(e.ActualStart)
	e.ActualEnd = utc(e.ActualEnd)
	return nil
}

// IsTerminal reports whether the event has reached completed, failed or cancelled.
func (e *IrrigationEvent) IsTerminal() bool {
	switch e.Status {
	case EventCompleted, EventFailed, EventCancelled:
		return true
	}
	return false
}

func (e *IrrigationEvent) IsInProgress() bool { return e.Status == EventInProgress }
func (e *IrrigationEvent) IsScheduled() bool  { return e.Status == EventScheduled }

// Deletable reports whether the event may be soft-deleted.
func (e *IrrigationEvent) Deletable() bool {
	return e.Status != EventInProgress && e.Status != EventCompleted
}

// Resources lists the valves and pump the run must hold exclusively.
func (e *IrrigationEvent) Resources() []registry.Ref {
	refs := make([]registry.Ref, 0, len(e.ValveIDs)+1)
	for _, id := range e.ValveIDs {
		refs = append(refs, registry.Valve(id))
	}
	if e.PumpID != nil && *e.PumpID != "" {
		refs = append(refs, registry.Pump(*e.PumpID))
	}
	return refs
}

func (e *IrrigationEvent) SetMeta(key string, value any) {
	if e.Metadata == nil {
		e.Metadata = datatypes.JSONMap{}
	}
	e.Metadata[key] = value
}

func (e *IrrigationEvent) Meta(key string) string {
	if v, ok := e.Metadata[key].(string); ok {
		return v
	}
	return ""
}

// Elapsed is the actual run time, zero until both ends are known.
func (e *IrrigationEvent) Elapsed() time.Duration {
	if e.ActualStart == nil || e.ActualEnd == nil {
		return 0
	}
	return e.ActualEnd.Sub(*e.ActualStart)
}
