// Package session owns the lifecycle of uploaded projects. One session is
// active at a time: creating a new session resets the sandbox and replaces
// the previous session's file tree and healing loop.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/ponya/internal/controller"
	"github.com/jkaninda/ponya/internal/domain"
	"github.com/jkaninda/ponya/internal/fixer"
	"github.com/jkaninda/ponya/internal/healer"
	"github.com/jkaninda/ponya/internal/observability"
	"github.com/jkaninda/ponya/internal/project"
	"github.com/jkaninda/ponya/internal/storage"
)

// ErrNoSession is returned when an operation targets a session that is not
// the active one.
var ErrNoSession = fmt.Errorf("session: no such active session")

const persistTimeout = 5 * time.Second

// Session is one uploaded project bound to the sandbox.
// It owns the authoritative file tree; the healing loop reads and patches
// files through it.
type Session struct {
	ID        uuid.UUID
	Name      string
	CreatedAt time.Time

	mu     sync.RWMutex
	tree   *project.Tree
	healer *healer.Healer
}

// Lookup resolves an error-reported path against the session tree.
func (s *Session) Lookup(path string) (string, string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	node := s.tree.Resolve(path)
	if node == nil {
		return "", "", false
	}
	return node.Path, node.Content, true
}

// Apply replaces the content of a previously resolved file.
func (s *Session) Apply(resolvedPath, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if node := s.tree.Find(resolvedPath); node != nil {
		node.Content = content
	}
}

// FileCount returns the number of files in the session tree.
func (s *Session) FileCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tree.FileCount()
}

// Files returns the sorted file paths in the session tree.
func (s *Session) Files() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tree.Files()
}

// Healer returns the session's healing loop.
func (s *Session) Healer() *healer.Healer {
	return s.healer
}

var _ healer.ProjectFiles = (*Session)(nil)

// Manager creates sessions and routes sandbox output and runtime error
// reports to the active session's healing loop.
type Manager struct {
	ctrl      *controller.Controller
	fixer     fixer.Fixer
	store     storage.Store // nil = in-memory only
	metrics   *observability.Metrics
	logger    *slog.Logger
	healerCfg healer.Config

	mu  sync.RWMutex
	cur *Session
}

// NewManager creates a session Manager and registers the output hook that
// feeds the active healing loop.
func NewManager(ctrl *controller.Controller, fx fixer.Fixer, store storage.Store, metrics *observability.Metrics, logger *slog.Logger, healerCfg healer.Config) *Manager {
	m := &Manager{
		ctrl:      ctrl,
		fixer:     fx,
		store:     store,
		metrics:   metrics,
		logger:    logger,
		healerCfg: healerCfg,
	}
	// One hook for the manager's lifetime. Sessions come and go; the hook
	// always targets whichever one is active.
	ctrl.OnOutput(m.notifyOutput)
	return m
}

func (m *Manager) notifyOutput() {
	m.mu.RLock()
	cur := m.cur
	m.mu.RUnlock()
	if cur != nil {
		cur.healer.NotifyOutput()
	}
}

// Create replaces the active session with a new one built from the uploaded
// tree, mounts the files into the sandbox, and starts a fresh healing loop.
func (m *Manager) Create(ctx context.Context, name string, tree *project.Tree) (*domain.Session, error) {
	m.mu.Lock()
	if prev := m.cur; prev != nil {
		prev.healer.Stop()
		m.ctrl.Reset()
		m.logger.Info("previous session replaced", slog.String("session_id", prev.ID.String()))
	}

	sess := &Session{
		ID:        uuid.New(),
		Name:      name,
		CreatedAt: time.Now().UTC(),
		tree:      tree,
	}
	var attempts healer.AttemptStore
	if m.store != nil {
		attempts = m.store.Attempts()
	}
	sess.healer = healer.New(sess.ID, m.ctrl, sess, m.fixer, attempts, m.metrics, m.logger, m.healerCfg)
	m.cur = sess
	m.mu.Unlock()

	if err := m.ctrl.MountFiles(ctx, tree); err != nil {
		return nil, fmt.Errorf("mounting session files: %w", err)
	}

	rec := domain.Session{
		ID:        sess.ID,
		Name:      name,
		FileCount: tree.FileCount(),
		CreatedAt: sess.CreatedAt,
		LastUsed:  sess.CreatedAt,
	}
	if m.metrics != nil {
		m.metrics.SessionsTotal.Inc()
	}
	if m.store != nil {
		pctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		if err := m.store.Sessions().SaveSession(pctx, rec); err != nil {
			m.logger.Warn("saving session record failed",
				slog.String("session_id", sess.ID.String()),
				slog.String("error", err.Error()),
			)
		}
	}

	m.logger.Info("session created",
		slog.String("session_id", sess.ID.String()),
		slog.String("name", name),
		slog.Int("files", rec.FileCount),
	)
	return &rec, nil
}

// Current returns the active session, or nil.
func (m *Manager) Current() *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cur
}

// Get returns the active session when the ID matches.
func (m *Manager) Get(id uuid.UUID) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.cur == nil || m.cur.ID != id {
		return nil, ErrNoSession
	}
	return m.cur, nil
}

// Run starts the dev server for the session and marks it used.
func (m *Manager) Run(ctx context.Context, id uuid.UUID) error {
	sess, err := m.Get(id)
	if err != nil {
		return err
	}
	if err := m.ctrl.StartDevServer(ctx); err != nil {
		return err
	}
	m.touch(sess.ID)
	return nil
}

// Reset stops the session's dev server and clears run state. The healing
// attempt budget survives a reset; only a new upload replaces it.
func (m *Manager) Reset(id uuid.UUID) error {
	sess, err := m.Get(id)
	if err != nil {
		return err
	}
	m.ctrl.Reset()
	if m.metrics != nil {
		m.metrics.ResetsTotal.Inc()
	}
	m.touch(sess.ID)
	return nil
}

// UpdateFile stores new content in the session tree and hot-patches the
// sandbox so the dev server picks it up.
func (m *Manager) UpdateFile(id uuid.UUID, path, content string) error {
	sess, err := m.Get(id)
	if err != nil {
		return err
	}

	sess.mu.Lock()
	sess.tree.Put(path, content)
	sess.mu.Unlock()

	if err := m.ctrl.UpdateFile(path, content); err != nil {
		return err
	}
	m.touch(sess.ID)
	return nil
}

// HandleRuntimeError forwards a browser-reported error to the healing loop.
func (m *Manager) HandleRuntimeError(id uuid.UUID, errorType, message, stack string) error {
	sess, err := m.Get(id)
	if err != nil {
		return err
	}
	sess.healer.HandleRuntimeError(errorType, message, stack)
	m.touch(sess.ID)
	return nil
}

// Attempts returns the session's healing attempt log, preferring the
// persisted store when one is configured.
func (m *Manager) Attempts(ctx context.Context, id uuid.UUID, limit int) ([]domain.AttemptLogEntry, error) {
	sess, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	if m.store != nil {
		return m.store.Attempts().ListAttempts(ctx, sess.ID, limit)
	}
	return sess.healer.Log(), nil
}

// IdleSince returns the active session's ID and how long ago it was last
// used. ok is false when no session is active.
func (m *Manager) IdleSince(ctx context.Context) (uuid.UUID, time.Duration, bool) {
	m.mu.RLock()
	cur := m.cur
	m.mu.RUnlock()
	if cur == nil {
		return uuid.Nil, 0, false
	}
	lastUsed := cur.CreatedAt
	if m.store != nil {
		if rec, err := m.store.Sessions().GetSession(ctx, cur.ID); err == nil && rec != nil {
			lastUsed = rec.LastUsed
		}
	}
	return cur.ID, time.Since(lastUsed), true
}

func (m *Manager) touch(id uuid.UUID) {
	if m.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := m.store.Sessions().TouchSession(ctx, id); err != nil {
		m.logger.Debug("touching session failed",
			slog.String("session_id", id.String()),
			slog.String("error", err.Error()),
		)
	}
}
