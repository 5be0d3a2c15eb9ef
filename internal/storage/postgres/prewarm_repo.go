package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jkaninda/ponya/internal/domain"
)

// prewarmRowID is the fixed primary key for the single pre-warm row.
const prewarmRowID = 1

// PreWarmRepository implements storage.PreWarmStore with GORM.
type PreWarmRepository struct {
	db *gorm.DB
}

// NewPreWarmRepository creates a PreWarmRepository.
func NewPreWarmRepository(db *gorm.DB) *PreWarmRepository {
	return &PreWarmRepository{db: db}
}

// GetPreWarm returns the persisted pre-warm record, or nil when none exists.
func (r *PreWarmRepository) GetPreWarm(ctx context.Context) (*domain.PreWarmRecord, error) {
	var model PreWarmModel
	err := r.db.WithContext(ctx).First(&model, prewarmRowID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting prewarm record: %w", err)
	}
	return &domain.PreWarmRecord{
		Installed: model.Installed,
		Timestamp: model.Timestamp,
	}, nil
}

// SavePreWarm upserts the single pre-warm record.
func (r *PreWarmRepository) SavePreWarm(ctx context.Context, rec domain.PreWarmRecord) error {
	model := PreWarmModel{
		ID:        prewarmRowID,
		Installed: rec.Installed,
		Timestamp: rec.Timestamp,
		UpdatedAt: time.Now().UTC(),
	}
	if err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			UpdateAll: true,
		}).
		Create(&model).Error; err != nil {
		return fmt.Errorf("saving prewarm record: %w", err)
	}
	return nil
}
