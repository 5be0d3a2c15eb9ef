package postgres

import (
	"time"

	"github.com/google/uuid"
)

// PreWarmModel maps to the "prewarm_records" table. At most one row per host,
// keyed by a fixed ID so saves are upserts.
type PreWarmModel struct {
	ID        int  `gorm:"primaryKey"`
	Installed bool `gorm:"not null;default:false"`
	Timestamp time.Time
	UpdatedAt time.Time
}

func (PreWarmModel) TableName() string { return "prewarm_records" }

// FixAttemptModel maps to the "fix_attempts" table.
type FixAttemptModel struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	SessionID uuid.UUID `gorm:"type:uuid;not null;index"`
	Attempt   int       `gorm:"not null"`
	FilePath  string
	Outcome   string `gorm:"not null"`
	Kind      string
	Message   string
	CreatedAt time.Time `gorm:"index"`
}

func (FixAttemptModel) TableName() string { return "fix_attempts" }

// SessionModel maps to the "sessions" table.
type SessionModel struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	Name      string
	FileCount int       `gorm:"not null;default:0"`
	CreatedAt time.Time
	LastUsed  time.Time `gorm:"index"`
}

func (SessionModel) TableName() string { return "sessions" }
