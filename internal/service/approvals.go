package service

import (
	"context"
	"errors"
	"time"

	"github.com/bkyalo/SmartIrrigiation-Backend/internal/apperr"
	"github.com/bkyalo/SmartIrrigiation-Backend/internal/approval"
	"github.com/bkyalo/SmartIrrigiation-Backend/internal/models"
)

// RequestApproval opens a pending request. A subject, when given, must exist.
func (s *Service) RequestApproval(ctx context.Context, d approval.Draft) (*models.ApprovalRequest, error) {
	if d.Subject != nil {
		if _, err := s.resolvers.Resolve(ctx, *d.Subject); err != nil {
			return nil, err
		}
	}
	req, err := s.gate.NewRequest(d, s.now())
	if err != nil {
		return nil, err
	}
	if err := s.approvals.CreateApproval(ctx, req); err != nil {
		return nil, err
	}
	s.log.Info().
		Str("approval_id", req.ID).
		Str("action", string(req.ActionType)).
		Str("requested_by", req.RequestedBy).
		Msg("Approval requested")
	if s.notifier != nil {
		s.notifier.ApprovalRequested(req)
	}
	return req, nil
}

func (s *Service) GetApproval(ctx context.Context, id string) (*models.ApprovalRequest, error) {
	return s.approvals.GetApproval(ctx, id)
}

func (s *Service) ApproveRequest(ctx context.Context, id, approver, notes string) (*models.ApprovalRequest, error) {
	return s.decide(ctx, id, "approve", func(req *models.ApprovalRequest, now time.Time) error {
		return approval.Approve(req, approver, notes, now)
	})
}

func (s *Service) RejectRequest(ctx context.Context, id, approver, notes string) (*models.ApprovalRequest, error) {
	return s.decide(ctx, id, "reject", func(req *models.ApprovalRequest, now time.Time) error {
		return approval.Reject(req, approver, notes, now)
	})
}

func (s *Service) CancelApproval(ctx context.Context, id, actor, notes string) (*models.ApprovalRequest, error) {
	return s.decide(ctx, id, "cancel", func(req *models.ApprovalRequest, now time.Time) error {
		return approval.Cancel(req, actor, notes, now)
	})
}

// PendingApprovals lists undecided, unexpired requests, soonest expiry first.
func (s *Service) PendingApprovals(ctx context.Context) ([]models.ApprovalRequest, error) {
	return s.approvals.ListPendingApprovals(ctx, s.now())
}

// ApprovalCounts returns the number of requests per effective status.
func (s *Service) ApprovalCounts(ctx context.Context) (map[models.ApprovalStatus]int64, error) {
	return s.approvals.CountApprovals(ctx, s.now())
}

// decide applies one decision. When a concurrent decision wins the versioned
// save, the loser sees a transition error naming the status that won.
func (s *Service) decide(ctx context.Context, id, op string, apply func(*models.ApprovalRequest, time.Time) error) (*models.ApprovalRequest, error) {
	now := s.now()
	req, err := s.approvals.GetApproval(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := apply(req, now); err != nil {
		return nil, err
	}
	if err := s.approvals.SaveApproval(ctx, req); err != nil {
		if !errors.Is(err, apperr.ErrStale) {
			return nil, err
		}
		current, getErr := s.approvals.GetApproval(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		return nil, &apperr.TransitionError{Op: op, From: string(current.EffectiveStatus(now)), Entity: "approval request"}
	}
	s.log.Info().
		Str("approval_id", req.ID).
		Str("status", string(req.Status)).
		Msg("Approval decided")
	s.notifyDecided(req)
	return req, nil
}
