// Package storage defines the unified Store interface that abstracts all
// persistence operations. Two backends are provided: SQLite (default,
// zero-config) and PostgreSQL (production).
package storage

import (
	"context"

	"github.com/google/uuid"

	"github.com/jkaninda/ponya/internal/domain"
)

// Store is the unified persistence interface for Ponya.
// It provides access to domain-specific sub-stores through accessor methods.
// Both SQLite and PostgreSQL backends implement this interface.
type Store interface {
	// PreWarm returns the pre-warm cache hint store.
	PreWarm() PreWarmStore
	// Attempts returns the self-healing attempt log store.
	Attempts() AttemptStore
	// Sessions returns the session record store.
	Sessions() SessionStore

	// Lifecycle.
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error

	// Driver returns the storage driver name ("sqlite" or "postgres").
	Driver() string
}

// PreWarmStore persists the single pre-warm record for this host.
type PreWarmStore interface {
	GetPreWarm(ctx context.Context) (*domain.PreWarmRecord, error)
	SavePreWarm(ctx context.Context, rec domain.PreWarmRecord) error
}

// AttemptStore persists and lists self-healing attempt log entries.
type AttemptStore interface {
	SaveAttempt(ctx context.Context, entry domain.AttemptLogEntry) error
	ListAttempts(ctx context.Context, sessionID uuid.UUID, limit int) ([]domain.AttemptLogEntry, error)
}

// SessionStore persists session records for listing and idle cleanup.
type SessionStore interface {
	SaveSession(ctx context.Context, s domain.Session) error
	GetSession(ctx context.Context, id uuid.UUID) (*domain.Session, error)
	ListSessions(ctx context.Context) ([]domain.Session, error)
	TouchSession(ctx context.Context, id uuid.UUID) error
	DeleteSession(ctx context.Context, id uuid.UUID) error
}

// Config holds storage configuration for driver selection.
type Config struct {
	Driver   string         `json:"driver" yaml:"driver"` // "sqlite" (default) or "postgres"
	SQLite   SQLiteConfig   `json:"sqlite" yaml:"sqlite"`
	Postgres PostgresConfig `json:"postgres" yaml:"postgres"`
}

// SQLiteConfig holds SQLite-specific settings.
type SQLiteConfig struct {
	Path        string `json:"path,omitempty" yaml:"path,omitempty"` // Database file path. Default: derived from workspace.
	JournalMode string `json:"journal_mode" yaml:"journal_mode"`     // "wal" (default), "delete", "truncate", etc.
}

// PostgresConfig holds PostgreSQL-specific settings.
type PostgresConfig struct {
	DSN              string `json:"dsn" yaml:"dsn"`
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s"`
}

// DefaultDriver is the default storage driver.
const DefaultDriver = "sqlite"

// DriverSQLite is the SQLite driver name.
const DriverSQLite = "sqlite"

// DriverPostgres is the PostgreSQL driver name.
const DriverPostgres = "postgres"
