package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// DefaultApprovalTTL applies when a request is created without an expiry.
const DefaultApprovalTTL = 24 * time.Hour

type ApprovalStatus string

const (
	ApprovalPending   ApprovalStatus = "pending"
	ApprovalApproved  ApprovalStatus = "approved"
	ApprovalRejected  ApprovalStatus = "rejected"
	ApprovalExpired   ApprovalStatus = "expired"
	ApprovalCancelled ApprovalStatus = "cancelled"
)

type ActionType string

const (
	ActionIrrigation     ActionType = "irrigation"
	ActionValveControl   ActionType = "valve_control"
	ActionPumpControl    ActionType = "pump_control"
	ActionScheduleUpdate ActionType = "schedule_update"
	ActionSystemConfig   ActionType = "system_config"
	ActionMaintenance    ActionType = "maintenance"
	ActionOther          ActionType = "other"
)

// ParseActionType reports whether s names a known action.
func ParseActionType(s string) (ActionType, bool) {
	switch a := ActionType(s); a {
	case ActionIrrigation, ActionValveControl, ActionPumpControl, ActionScheduleUpdate,
		ActionSystemConfig, ActionMaintenance, ActionOther:
		return a, true
	}
	return "", false
}

type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// SubjectKind is the finite set of entities an approval can be about.
type SubjectKind string

const (
	SubjectIrrigationEvent SubjectKind = "irrigation_event"
	SubjectSchedule        SubjectKind = "schedule"
	SubjectValve           SubjectKind = "valve"
	SubjectPump            SubjectKind = "pump"
)

// SubjectRef points at the entity an approval concerns.
type SubjectRef struct {
	Kind SubjectKind
	ID   string
}

// ApprovalRequest gates a privileged action behind a human decision.
// Expiry is derived from ExpiresAt at read time; Status may still read
// pending after the deadline has passed.
type ApprovalRequest struct {
	ID               string            `gorm:"type:varchar(36);primaryKey" json:"id"`
	RequestedBy      string            `gorm:"type:varchar(64);not null;index" json:"requested_by"`
	ActionType       ActionType        `gorm:"type:varchar(32);not null" json:"action_type"`
	ActionParameters datatypes.JSONMap `json:"action_parameters,omitempty"`
	Priority         Priority          `gorm:"type:varchar(16);not null" json:"priority"`
	Status           ApprovalStatus    `gorm:"type:varchar(16);not null;index" json:"status"`
	RequestNotes     string            `json:"request_notes,omitempty"`
	ResponseNotes    string            `json:"response_notes,omitempty"`
	ApprovedBy       *string           `gorm:"type:varchar(64)" json:"approved_by,omitempty"`
	ApprovedAt       *time.Time        `json:"approved_at,omitempty"`
	ExpiresAt        time.Time         `gorm:"not null;index" json:"expires_at"`
	SubjectType      *SubjectKind      `gorm:"type:varchar(32);index:idx_approval_subject" json:"subject_type,omitempty"`
	SubjectID        *string           `gorm:"type:varchar(64);index:idx_approval_subject" json:"subject_id,omitempty"`
	Metadata         datatypes.JSONMap `json:"metadata,omitempty"`
	Version          int               `gorm:"not null" json:"version"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
	DeletedAt        gorm.DeletedAt    `gorm:"index" json:"-"`
}

func (ApprovalRequest) TableName() string {
	return "approval_requests"
}

func (a *ApprovalRequest) BeforeCreate(tx *gorm.DB) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Version == 0 {
		a.Version = 1
	}
	if a.Status == "" {
		a.Status = ApprovalPending
	}
	if a.Priority == "" {
		a.Priority = PriorityNormal
	}
	if a.ExpiresAt.IsZero() {
		a.ExpiresAt = time.Now().Add(DefaultApprovalTTL)
	}
	return nil
}

func (a *ApprovalRequest) BeforeSave(tx *gorm.DB) error {
	a.ExpiresAt = a.ExpiresAt.UTC()
	a.ApprovedAt = utc(a.ApprovedAt)
	return nil
}

// Subject returns the referenced entity, if any.
func (a *ApprovalRequest) Subject() (SubjectRef, bool) {
	if a.SubjectType == nil || a.SubjectID == nil {
		return SubjectRef{}, false
	}
	return SubjectRef{Kind: *a.SubjectType, ID: *a.SubjectID}, true
}

func (a *ApprovalRequest) SetSubject(ref SubjectRef) {
	kind, id := ref.Kind, ref.ID
	a.SubjectType = &kind
	a.SubjectID = &id
}

// IsPending holds while the request is undecided and not yet expired.
func (a *ApprovalRequest) IsPending(now time.Time) bool {
	return a.Status == ApprovalPending && now.Before(a.ExpiresAt)
}

// IsExpired holds once an undecided request has passed its deadline.
func (a *ApprovalRequest) IsExpired(now time.Time) bool {
	return a.Status == ApprovalPending && !now.Before(a.ExpiresAt)
}

func (a *ApprovalRequest) IsApproved() bool  { return a.Status == ApprovalApproved }
func (a *ApprovalRequest) IsRejected() bool  { return a.Status == ApprovalRejected }
func (a *ApprovalRequest) IsCancelled() bool { return a.Status == ApprovalCancelled }

// EffectiveStatus is the observable status at now.
func (a *ApprovalRequest) EffectiveStatus(now time.Time) ApprovalStatus {
	if a.IsExpired(now) {
		return ApprovalExpired
	}
	return a.Status
}

// TimeRemaining is the time left before expiry, zero once lapsed.
func (a *ApprovalRequest) TimeRemaining(now time.Time) time.Duration {
	if !now.Before(a.ExpiresAt) {
		return 0
	}
	return a.ExpiresAt.Sub(now)
}
