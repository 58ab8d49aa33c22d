package storage

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/bkyalo/SmartIrrigiation-Backend/internal/models"
)

type EventRepository interface {
	CreateEvent(ctx context.Context, ev *models.IrrigationEvent) error
	GetEvent(ctx context.Context, id string) (*models.IrrigationEvent, error)
	SaveEvent(ctx context.Context, ev *models.IrrigationEvent) error
	ListEventsByStatus(ctx context.Context, statuses ...models.EventStatus) ([]models.IrrigationEvent, error)
	// ListOverdueEvents returns schedule-triggered runs still in progress past their scheduled end.
	ListOverdueEvents(ctx context.Context, now time.Time) ([]models.IrrigationEvent, error)
	// ListAwaitingApproval returns scheduled events parked behind an approval request.
	ListAwaitingApproval(ctx context.Context) ([]models.IrrigationEvent, error)
	DeleteEvent(ctx context.Context, id string) error
}

type GormEventRepository struct {
	db *gorm.DB
}

func NewGormEventRepository(db *gorm.DB) *GormEventRepository {
	return &GormEventRepository{db: db}
}

func (r *GormEventRepository) CreateEvent(ctx context.Context, ev *models.IrrigationEvent) error {
	if err := r.db.WithContext(ctx).Create(ev).Error; err != nil {
		return fmt.Errorf("create irrigation event: %w", err)
	}
	return nil
}

func (r *GormEventRepository) GetEvent(ctx context.Context, id string) (*models.IrrigationEvent, error) {
	return getByID[models.IrrigationEvent](ctx, r.db, "irrigation event", id)
}

func (r *GormEventRepository) SaveEvent(ctx context.Context, ev *models.IrrigationEvent) error {
	return saveVersioned(ctx, r.db, ev, "irrigation event", ev.ID, &ev.Version)
}

func (r *GormEventRepository) ListEventsByStatus(ctx context.Context, statuses ...models.EventStatus) ([]models.IrrigationEvent, error) {
	var events []models.IrrigationEvent
	err := r.db.WithContext(ctx).
		Where("status IN ?", statuses).
		Order("scheduled_start ASC").
		Find(&events).Error
	if err != nil {
		return nil, fmt.Errorf("list irrigation events: %w", err)
	}
	return events, nil
}

func (r *GormEventRepository) ListOverdueEvents(ctx context.Context, now time.Time) ([]models.IrrigationEvent, error) {
	var events []models.IrrigationEvent
	err := r.db.WithContext(ctx).
		Where("status = ? AND trigger_type = ?", models.EventInProgress, models.TriggerSchedule).
		Where("scheduled_end <= ?", now.UTC()).
		Order("scheduled_end ASC").
		Find(&events).Error
	if err != nil {
		return nil, fmt.Errorf("list overdue irrigation events: %w", err)
	}
	return events, nil
}

func (r *GormEventRepository) ListAwaitingApproval(ctx context.Context) ([]models.IrrigationEvent, error) {
	var events []models.IrrigationEvent
	err := r.db.WithContext(ctx).
		Where("status = ? AND approval_request_id IS NOT NULL", models.EventScheduled).
		Order("scheduled_start ASC").
		Find(&events).Error
	if err != nil {
		return nil, fmt.Errorf("list irrigation events awaiting approval: %w", err)
	}
	return events, nil
}

func (r *GormEventRepository) DeleteEvent(ctx context.Context, id string) error {
	return deleteByID[models.IrrigationEvent](ctx, r.db, "irrigation event", id)
}
