// Package approval gates privileged actions behind a human decision.
//
// The gate only authorizes: it never runs the guarded action. Callers confirm
// an approved request with Authorize before acting. Expiry is evaluated
// against the caller's clock at every decision; nothing times out in the
// background.
package approval

import (
	"fmt"
	"time"

	"gorm.io/datatypes"

	"github.com/bkyalo/SmartIrrigiation-Backend/internal/apperr"
	"github.com/bkyalo/SmartIrrigiation-Backend/internal/models"
)

const entity = "approval request"

// Notifier is told when requests are created and decided.
type Notifier interface {
	ApprovalRequested(req *models.ApprovalRequest)
	ApprovalDecided(req *models.ApprovalRequest)
}

// Draft is the caller-supplied part of a new request.
type Draft struct {
	RequestedBy string
	Action      models.ActionType
	Parameters  map[string]any
	Priority    models.Priority
	Notes       string
	ExpiresAt   *time.Time
	Subject     *models.SubjectRef
}

// Gate holds the approval policy: request lifetime and which actions need one.
type Gate struct {
	ttl      time.Duration
	required map[models.ActionType]struct{}
}

func NewGate(ttl time.Duration, required ...models.ActionType) *Gate {
	if ttl <= 0 {
		ttl = models.DefaultApprovalTTL
	}
	g := &Gate{ttl: ttl, required: make(map[models.ActionType]struct{}, len(required))}
	for _, a := range required {
		g.required[a] = struct{}{}
	}
	return g
}

// Requires reports whether action must be approved before it runs.
func (g *Gate) Requires(action models.ActionType) bool {
	_, ok := g.required[action]
	return ok
}

// NewRequest validates d and builds a pending request created at now.
func (g *Gate) NewRequest(d Draft, now time.Time) (*models.ApprovalRequest, error) {
	var v apperr.ValidationError
	if d.RequestedBy == "" {
		v.Add("requested_by", "is required")
	}
	if _, ok := models.ParseActionType(string(d.Action)); !ok {
		v.Add("action_type", fmt.Sprintf("unsupported action %q", d.Action))
	}
	priority := d.Priority
	switch priority {
	case "":
		priority = models.PriorityNormal
	case models.PriorityLow, models.PriorityNormal, models.PriorityHigh, models.PriorityCritical:
	default:
		v.Add("priority", fmt.Sprintf("unsupported priority %q", d.Priority))
	}
	expires := now.Add(g.ttl)
	if d.ExpiresAt != nil {
		if !d.ExpiresAt.After(now) {
			v.Add("expires_at", "must be in the future")
		}
		expires = *d.ExpiresAt
	}
	if err := v.OrNil(); err != nil {
		return nil, err
	}

	req := &models.ApprovalRequest{
		RequestedBy:      d.RequestedBy,
		ActionType:       d.Action,
		ActionParameters: datatypes.JSONMap(d.Parameters),
		Priority:         priority,
		Status:           models.ApprovalPending,
		RequestNotes:     d.Notes,
		ExpiresAt:        expires,
	}
	if d.Subject != nil {
		req.SetSubject(*d.Subject)
	}
	return req, nil
}

// Approve records approver's consent. Only a pending, unexpired request can be approved.
func Approve(req *models.ApprovalRequest, approver, notes string, now time.Time) error {
	return decide(req, "approve", models.ApprovalApproved, approver, notes, now)
}

// Reject records approver's refusal. Only a pending, unexpired request can be rejected.
func Reject(req *models.ApprovalRequest, approver, notes string, now time.Time) error {
	return decide(req, "reject", models.ApprovalRejected, approver, notes, now)
}

// Cancel withdraws a pending request. When someone other than the requester
// cancels, they are recorded as the decider.
func Cancel(req *models.ApprovalRequest, actor, notes string, now time.Time) error {
	if err := checkPending(req, "cancel", now); err != nil {
		return err
	}
	req.Status = models.ApprovalCancelled
	req.ResponseNotes = notes
	if actor != req.RequestedBy {
		decided := now
		req.ApprovedBy = &actor
		req.ApprovedAt = &decided
	}
	return nil
}

// Authorize confirms req permits action on subject. A nil subject skips the
// subject check.
func Authorize(req *models.ApprovalRequest, action models.ActionType, subject *models.SubjectRef, now time.Time) error {
	if req.ActionType != action {
		return fmt.Errorf("approval request %s covers %q, not %q: %w", req.ID, req.ActionType, action, apperr.ErrInvalidTransition)
	}
	if subject != nil {
		if ref, ok := req.Subject(); !ok || ref != *subject {
			return fmt.Errorf("approval request %s does not cover %s %s: %w", req.ID, subject.Kind, subject.ID, apperr.ErrInvalidTransition)
		}
	}
	if req.IsExpired(now) {
		return apperr.Expired(req.ID)
	}
	if !req.IsApproved() {
		return &apperr.TransitionError{Op: "act on", From: string(req.EffectiveStatus(now)), Entity: entity}
	}
	return nil
}

func decide(req *models.ApprovalRequest, op string, to models.ApprovalStatus, approver, notes string, now time.Time) error {
	if err := checkPending(req, op, now); err != nil {
		return err
	}
	if approver == "" {
		var v apperr.ValidationError
		v.Add("approved_by", "is required")
		return &v
	}
	decided := now
	req.Status = to
	req.ApprovedBy = &approver
	req.ApprovedAt = &decided
	req.ResponseNotes = notes
	return nil
}

func checkPending(req *models.ApprovalRequest, op string, now time.Time) error {
	if req.IsPending(now) {
		return nil
	}
	if req.IsExpired(now) {
		return apperr.Expired(req.ID)
	}
	return &apperr.TransitionError{Op: op, From: string(req.Status), Entity: entity}
}
