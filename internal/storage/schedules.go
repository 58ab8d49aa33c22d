package storage

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/bkyalo/SmartIrrigiation-Backend/internal/models"
)

type ScheduleRepository interface {
	CreateSchedule(ctx context.Context, s *models.Schedule) error
	GetSchedule(ctx context.Context, id string) (*models.Schedule, error)
	// SaveSchedule fails with apperr.ErrStale if s.Version is behind the stored row.
	SaveSchedule(ctx context.Context, s *models.Schedule) error
	// ListDueSchedules returns active schedules whose next fire time is at or before now.
	ListDueSchedules(ctx context.Context, now time.Time) ([]models.Schedule, error)
	ListSchedulesByPlot(ctx context.Context, plotID string) ([]models.Schedule, error)
	DeleteSchedule(ctx context.Context, id string) error
}

type GormScheduleRepository struct {
	db *gorm.DB
}

func NewGormScheduleRepository(db *gorm.DB) *GormScheduleRepository {
	return &GormScheduleRepository{db: db}
}

func (r *GormScheduleRepository) CreateSchedule(ctx context.Context, s *models.Schedule) error {
	if err := r.db.WithContext(ctx).Create(s).Error; err != nil {
		return fmt.Errorf("create schedule: %w", err)
	}
	return nil
}

func (r *GormScheduleRepository) GetSchedule(ctx context.Context, id string) (*models.Schedule, error) {
	return getByID[models.Schedule](ctx, r.db, "schedule", id)
}

func (r *GormScheduleRepository) SaveSchedule(ctx context.Context, s *models.Schedule) error {
	return saveVersioned(ctx, r.db, s, "schedule", s.ID, &s.Version)
}

func (r *GormScheduleRepository) ListDueSchedules(ctx context.Context, now time.Time) ([]models.Schedule, error) {
	now = now.UTC()
	var schedules []models.Schedule
	err := r.db.WithContext(ctx).
		Where("is_active = ? AND status = ?", true, models.ScheduleActive).
		Where("next_fire IS NOT NULL AND next_fire <= ?", now).
		Where("(end_date IS NULL OR end_date > ?)", now).
		Order("next_fire ASC").
		Find(&schedules).Error
	if err != nil {
		return nil, fmt.Errorf("list due schedules: %w", err)
	}
	return schedules, nil
}

func (r *GormScheduleRepository) ListSchedulesByPlot(ctx context.Context, plotID string) ([]models.Schedule, error) {
	var schedules []models.Schedule
	err := r.db.WithContext(ctx).
		Where("plot_id = ?", plotID).
		Order("created_at DESC").
		Find(&schedules).Error
	if err != nil {
		return nil, err
	}
	return schedules, nil
}

func (r *GormScheduleRepository) DeleteSchedule(ctx context.Context, id string) error {
	return deleteByID[models.Schedule](ctx, r.db, "schedule", id)
}
