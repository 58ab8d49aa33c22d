package storage

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/bkyalo/SmartIrrigiation-Backend/internal/models"
)

type ApprovalRepository interface {
	CreateApproval(ctx context.Context, req *models.ApprovalRequest) error
	GetApproval(ctx context.Context, id string) (*models.ApprovalRequest, error)
	// SaveApproval fails with apperr.ErrStale when another decision landed first.
	SaveApproval(ctx context.Context, req *models.ApprovalRequest) error
	ListPendingApprovals(ctx context.Context, now time.Time) ([]models.ApprovalRequest, error)
	// CountApprovals groups requests by their status as observed at now.
	CountApprovals(ctx context.Context, now time.Time) (map[models.ApprovalStatus]int64, error)
}

type GormApprovalRepository struct {
	db *gorm.DB
}

func NewGormApprovalRepository(db *gorm.DB) *GormApprovalRepository {
	return &GormApprovalRepository{db: db}
}

func (r *GormApprovalRepository) CreateApproval(ctx context.Context, req *models.ApprovalRequest) error {
	if err := r.db.WithContext(ctx).Create(req).Error; err != nil {
		return fmt.Errorf("create approval request: %w", err)
	}
	return nil
}

func (r *GormApprovalRepository) GetApproval(ctx context.Context, id string) (*models.ApprovalRequest, error) {
	return getByID[models.ApprovalRequest](ctx, r.db, "approval request", id)
}

func (r *GormApprovalRepository) SaveApproval(ctx context.Context, req *models.ApprovalRequest) error {
	return saveVersioned(ctx, r.db, req, "approval request", req.ID, &req.Version)
}

func (r *GormApprovalRepository) ListPendingApprovals(ctx context.Context, now time.Time) ([]models.ApprovalRequest, error) {
	var reqs []models.ApprovalRequest
	err := r.db.WithContext(ctx).
		Where("status = ? AND expires_at > ?", models.ApprovalPending, now.UTC()).
		Order("expires_at ASC").
		Find(&reqs).Error
	if err != nil {
		return nil, fmt.Errorf("list pending approvals: %w", err)
	}
	return reqs, nil
}

func (r *GormApprovalRepository) CountApprovals(ctx context.Context, now time.Time) (map[models.ApprovalStatus]int64, error) {
	var rows []struct {
		Status models.ApprovalStatus
		N      int64
	}
	err := r.db.WithContext(ctx).
		Model(&models.ApprovalRequest{}).
		Select("status, COUNT(*) AS n").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("count approvals: %w", err)
	}

	var lapsed int64
	err = r.db.WithContext(ctx).
		Model(&models.ApprovalRequest{}).
		Where("status = ? AND expires_at <= ?", models.ApprovalPending, now.UTC()).
		Count(&lapsed).Error
	if err != nil {
		return nil, fmt.Errorf("count expired approvals: %w", err)
	}

	counts := map[models.ApprovalStatus]int64{
		models.ApprovalPending:   0,
		models.ApprovalApproved:  0,
		models.ApprovalRejected:  0,
		models.ApprovalExpired:   0,
		models.ApprovalCancelled: 0,
	}
	for _, row := range rows {
		counts[row.Status] += row.N
	}
	counts[models.ApprovalPending] -= lapsed
	counts[models.ApprovalExpired] += lapsed
	return counts, nil
}
