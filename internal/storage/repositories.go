package storage

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/bkyalo/SmartIrrigiation-Backend/internal/apperr"
)

// saveVersioned writes every column of row, provided the stored version still
// equals *version. On success *version is advanced; on failure it is left as it was.
func saveVersioned(ctx context.Context, db *gorm.DB, row any, entity, id string, version *int) error {
	prev := *version
	*version = prev + 1
	res := db.WithContext(ctx).
		Model(row).
		Where("version = ?", prev).
		Select("*").
		Omit("id", "created_at").
		Updates(row)
	if res.Error != nil {
		*version = prev
		return fmt.Errorf("save %s %s: %w", entity, id, res.Error)
	}
	if res.RowsAffected == 1 {
		return nil
	}
	*version = prev

	var count int64
	if err := db.WithContext(ctx).Model(row).Where("id = ?", id).Count(&count).Error; err != nil {
		return fmt.Errorf("save %s %s: %w", entity, id, err)
	}
	if count == 0 {
		return apperr.NotFound(entity, id)
	}
	return fmt.Errorf("%s %s changed since version %d: %w", entity, id, prev, apperr.ErrStale)
}

func getByID[T any](ctx context.Context, db *gorm.DB, entity, id string) (*T, error) {
	var row T
	err := db.WithContext(ctx).Where("id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFound(entity, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load %s %s: %w", entity, id, err)
	}
	return &row, nil
}

func deleteByID[T any](ctx context.Context, db *gorm.DB, entity, id string) error {
	res := db.WithContext(ctx).Where("id = ?", id).Delete(new(T))
	if res.Error != nil {
		return fmt.Errorf("delete %s %s: %w", entity, id, res.Error)
	}
	if res.RowsAffected == 0 {
		return apperr.NotFound(entity, id)
	}
	return nil
}
