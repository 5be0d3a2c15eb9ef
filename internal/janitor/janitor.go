// Package janitor runs periodic background maintenance: resetting idle
// sessions so the dev server does not run unattended, pruning old uploaded
// archives, and dropping stale rate limiter buckets.
package janitor

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/jkaninda/ponya/internal/ratelimit"
	"github.com/jkaninda/ponya/internal/session"
	"github.com/jkaninda/ponya/internal/workspace"
)

const (
	defaultSchedule     = "*/5 * * * *"
	defaultIdleTimeout  = 30 * time.Minute
	defaultUploadMaxAge = 24 * time.Hour
)

// Config configures the janitor.
type Config struct {
	Schedule     string        // Cron expression. Default: every 5 minutes.
	IdleTimeout  time.Duration // Reset sessions idle longer than this. Default: 30m.
	UploadMaxAge time.Duration // Prune uploads older than this. Default: 24h.
}

func (c Config) schedule() string {
	if c.Schedule != "" {
		return c.Schedule
	}
	return defaultSchedule
}

func (c Config) idleTimeout() time.Duration {
	if c.IdleTimeout > 0 {
		return c.IdleTimeout
	}
	return defaultIdleTimeout
}

func (c Config) uploadMaxAge() time.Duration {
	if c.UploadMaxAge > 0 {
		return c.UploadMaxAge
	}
	return defaultUploadMaxAge
}

// Janitor schedules and runs the maintenance sweep.
type Janitor struct {
	sessions *session.Manager
	ws       *workspace.Workspace
	limiter  *ratelimit.Limiter // may be nil
	logger   *slog.Logger
	cfg      Config

	cron *cron.Cron
}

// New creates a Janitor. Call Start to begin sweeping.
func New(sessions *session.Manager, ws *workspace.Workspace, limiter *ratelimit.Limiter, logger *slog.Logger, cfg Config) *Janitor {
	return &Janitor{
		sessions: sessions,
		ws:       ws,
		limiter:  limiter,
		logger:   logger,
		cfg:      cfg,
	}
}

// Start registers the sweep on the cron schedule and starts the runner.
func (j *Janitor) Start() error {
	c := cron.New()
	if _, err := c.AddFunc(j.cfg.schedule(), j.sweep); err != nil {
		return err
	}
	c.Start()
	j.cron = c
	j.logger.Info("janitor started",
		slog.String("schedule", j.cfg.schedule()),
		slog.Duration("idle_timeout", j.cfg.idleTimeout()),
	)
	return nil
}

// Stop halts the cron runner and waits for a running sweep to finish.
func (j *Janitor) Stop() {
	if j.cron == nil {
		return
	}
	ctx := j.cron.Stop()
	<-ctx.Done()
	j.logger.Info("janitor stopped")
}

// sweep runs one maintenance pass. Each step is independent; a failure in
// one does not block the others.
func (j *Janitor) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	j.resetIdleSession(ctx)

	if removed, err := j.ws.PruneUploads(j.cfg.uploadMaxAge()); err != nil {
		j.logger.Warn("pruning uploads failed", slog.String("error", err.Error()))
	} else if removed > 0 {
		j.logger.Info("pruned old uploads", slog.Int("removed", removed))
	}

	if j.limiter != nil {
		if removed := j.limiter.PruneIdle(j.cfg.uploadMaxAge()); removed > 0 {
			j.logger.Debug("pruned rate limiter buckets", slog.Int("removed", removed))
		}
	}
}

func (j *Janitor) resetIdleSession(ctx context.Context) {
	id, idle, ok := j.sessions.IdleSince(ctx)
	if !ok || id == uuid.Nil {
		return
	}
	if idle < j.cfg.idleTimeout() {
		return
	}
	if err := j.sessions.Reset(id); err != nil {
		j.logger.Warn("resetting idle session failed",
			slog.String("session_id", id.String()),
			slog.String("error", err.Error()),
		)
		return
	}
	j.logger.Info("idle session reset",
		slog.String("session_id", id.String()),
		slog.Duration("idle", idle),
	)
}
