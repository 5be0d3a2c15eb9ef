package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jkaninda/ponya/internal/domain"
)

// SessionRepository implements storage.SessionStore with GORM.
type SessionRepository struct {
	db *gorm.DB
}

// NewSessionRepository creates a SessionRepository.
func NewSessionRepository(db *gorm.DB) *SessionRepository {
	return &SessionRepository{db: db}
}

// SaveSession upserts a session record.
func (r *SessionRepository) SaveSession(ctx context.Context, s domain.Session) error {
	model := SessionModel{
		ID:        s.ID,
		Name:      s.Name,
		FileCount: s.FileCount,
		CreatedAt: s.CreatedAt,
		LastUsed:  s.LastUsed,
	}
	if err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			UpdateAll: true,
		}).
		Create(&model).Error; err != nil {
		return fmt.Errorf("saving session %s: %w", s.ID, err)
	}
	return nil
}

// GetSession returns one session record, or nil when it does not exist.
func (r *SessionRepository) GetSession(ctx context.Context, id uuid.UUID) (*domain.Session, error) {
	var model SessionModel
	err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting session %s: %w", id, err)
	}
	s := toSessionDomain(&model)
	return &s, nil
}

// ListSessions returns all session records, most recently used first.
func (r *SessionRepository) ListSessions(ctx context.Context) ([]domain.Session, error) {
	var models []SessionModel
	if err := r.db.WithContext(ctx).
		Order("last_used DESC").
		Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	sessions := make([]domain.Session, 0, len(models))
	for i := range models {
		sessions = append(sessions, toSessionDomain(&models[i]))
	}
	return sessions, nil
}

// TouchSession updates the last-used timestamp.
func (r *SessionRepository) TouchSession(ctx context.Context, id uuid.UUID) error {
	if err := r.db.WithContext(ctx).
		Model(&SessionModel{}).
		Where("id = ?", id).
		Update("last_used", time.Now().UTC()).Error; err != nil {
		return fmt.Errorf("touching session %s: %w", id, err)
	}
	return nil
}

// DeleteSession removes a session record and its attempt log.
func (r *SessionRepository) DeleteSession(ctx context.Context, id uuid.UUID) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("session_id = ?", id).Delete(&FixAttemptModel{}).Error; err != nil {
			return fmt.Errorf("deleting fix attempts for %s: %w", id, err)
		}
		if err := tx.Delete(&SessionModel{}, "id = ?", id).Error; err != nil {
			return fmt.Errorf("deleting session %s: %w", id, err)
		}
		return nil
	})
}

func toSessionDomain(m *SessionModel) domain.Session {
	return domain.Session{
		ID:        m.ID,
		Name:      m.Name,
		FileCount: m.FileCount,
		CreatedAt: m.CreatedAt,
		LastUsed:  m.LastUsed,
	}
}
