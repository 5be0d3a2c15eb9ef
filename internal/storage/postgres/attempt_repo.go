package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/jkaninda/ponya/internal/domain"
)

const defaultAttemptListLimit = 100

// AttemptRepository implements storage.AttemptStore with GORM.
type AttemptRepository struct {
	db *gorm.DB
}

// NewAttemptRepository creates an AttemptRepository.
func NewAttemptRepository(db *gorm.DB) *AttemptRepository {
	return &AttemptRepository{db: db}
}

// SaveAttempt appends one attempt log entry.
func (r *AttemptRepository) SaveAttempt(ctx context.Context, entry domain.AttemptLogEntry) error {
	model := FixAttemptModel{
		ID:        entry.ID,
		SessionID: entry.SessionID,
		Attempt:   entry.Attempt,
		FilePath:  entry.FilePath,
		Outcome:   string(entry.Outcome),
		Kind:      string(entry.Kind),
		Message:   entry.Message,
		CreatedAt: entry.CreatedAt,
	}
	if model.ID == uuid.Nil {
		model.ID = uuid.New()
	}
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("saving fix attempt: %w", err)
	}
	return nil
}

// ListAttempts returns the most recent attempts for a session, newest first.
func (r *AttemptRepository) ListAttempts(ctx context.Context, sessionID uuid.UUID, limit int) ([]domain.AttemptLogEntry, error) {
	if limit <= 0 {
		limit = defaultAttemptListLimit
	}
	var models []FixAttemptModel
	if err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("created_at DESC").
		Limit(limit).
		Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing fix attempts for %s: %w", sessionID, err)
	}

	entries := make([]domain.AttemptLogEntry, 0, len(models))
	for _, m := range models {
		entries = append(entries, domain.AttemptLogEntry{
			ID:        m.ID,
			SessionID: m.SessionID,
			Attempt:   m.Attempt,
			FilePath:  m.FilePath,
			Outcome:   domain.AttemptOutcome(m.Outcome),
			Kind:      domain.FailureKind(m.Kind),
			Message:   m.Message,
			CreatedAt: m.CreatedAt,
		})
	}
	return entries, nil
}
