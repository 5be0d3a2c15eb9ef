// Package healer implements the bounded self-healing feedback loop: it
// consumes error candidates extracted from sandbox output and runtime-error
// messages, applies the dedup/attempt-budget policy, calls the external
// fixer, and hot-patches successful results into the live sandbox and the
// project tree.
package healer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/ponya/internal/detect"
	"github.com/jkaninda/ponya/internal/domain"
	"github.com/jkaninda/ponya/internal/fixer"
	"github.com/jkaninda/ponya/internal/observability"
)

const (
	// DefaultMaxAttempts bounds fixer invocations per session.
	DefaultMaxAttempts = 15

	defaultDebounce   = 400 * time.Millisecond
	defaultFixTimeout = 90 * time.Second
	maxLogEntries     = 200
)

// Sandbox is the controller surface the loop needs.
type Sandbox interface {
	Running() bool
	OutputTail(k int) []string
	UpdateFile(path, content string) error
	Generation() uint64
}

// ProjectFiles resolves and mutates the session's file tree.
type ProjectFiles interface {
	// Lookup resolves an error-reported path to a file with content.
	Lookup(path string) (resolvedPath, content string, ok bool)
	// Apply replaces the content of the file at resolvedPath.
	Apply(resolvedPath, content string)
}

// AttemptStore persists attempt log entries. May be nil.
type AttemptStore interface {
	SaveAttempt(ctx context.Context, entry domain.AttemptLogEntry) error
}

// Config configures the loop.
type Config struct {
	Disabled    bool          // When true, error candidates are detected but never acted on.
	MaxAttempts int           // Default: 15.
	Debounce    time.Duration // Delay after output before checking. Default: 400ms.
	FixTimeout  time.Duration // Per fixer round-trip. Default: 90s.
}

// Healer drives the self-healing loop for one session.
type Healer struct {
	sandbox Sandbox
	files   ProjectFiles
	fixer   fixer.Fixer
	store   AttemptStore
	metrics *observability.Metrics
	logger  *slog.Logger
	cfg     Config

	sessionID uuid.UUID

	mu    sync.Mutex
	state AttemptState
	log   []domain.AttemptLogEntry
	timer *time.Timer
}

// New creates a Healer. store and metrics may be nil.
func New(sessionID uuid.UUID, sb Sandbox, files ProjectFiles, fx fixer.Fixer, store AttemptStore, metrics *observability.Metrics, logger *slog.Logger, cfg Config) *Healer {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = defaultDebounce
	}
	if cfg.FixTimeout <= 0 {
		cfg.FixTimeout = defaultFixTimeout
	}
	return &Healer{
		sessionID: sessionID,
		sandbox:   sb,
		files:     files,
		fixer:     fx,
		store:     store,
		metrics:   metrics,
		logger:    logger,
		cfg:       cfg,
		state:     AttemptState{MaxAttempts: cfg.MaxAttempts},
	}
}

// NotifyOutput schedules a debounced output check. Called by the controller
// after every appended output line; consecutive lines within the debounce
// window collapse into one check.
func (h *Healer) NotifyOutput() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.timer == nil {
		h.timer = time.AfterFunc(h.cfg.Debounce, h.checkOutput)
		return
	}
	h.timer.Reset(h.cfg.Debounce)
}

func (h *Healer) checkOutput() {
	if !h.sandbox.Running() {
		return
	}
	cand := detect.FromOutput(h.sandbox.OutputTail(detect.TailLines))
	if cand == nil {
		return
	}
	h.trigger(*cand)
}

// HandleRuntimeError handles an out-of-band RUNTIME_ERROR message from the
// rendered preview. Checked immediately, not debounced.
func (h *Healer) HandleRuntimeError(errorType, message, stack string) {
	if !h.sandbox.Running() {
		return
	}
	path := detect.FileFromStack(stack)
	if path == "" {
		h.logger.Warn("runtime error with unresolvable stack, dropping",
			slog.String("error_type", errorType),
			slog.String("message", message),
		)
		return
	}
	text := message
	if errorType != "" {
		text = errorType + ": " + message
	}
	h.trigger(domain.ErrorCandidate{
		FilePath:  path,
		ErrorText: text,
		Origin:    domain.OriginRuntime,
	})
}

// trigger runs the guard sequence and, on allow, launches the attempt.
// The attempt itself runs asynchronously so output consumption is never
// blocked on the fixer round-trip.
func (h *Healer) trigger(cand domain.ErrorCandidate) {
	if h.cfg.Disabled {
		h.logger.Debug("healing disabled, ignoring error candidate",
			slog.String("file_path", cand.FilePath),
		)
		return
	}
	key := cand.DedupKey()

	h.mu.Lock()
	decision := Decide(h.state, key)
	if !decision.Allowed {
		h.mu.Unlock()
		h.logger.Debug("fix attempt suppressed",
			slog.String("reason", string(decision.Reason)),
			slog.String("file", cand.FilePath),
		)
		return
	}
	h.state.InFlight = true
	h.state.Attempts++
	h.state.LastKey = key
	attemptNo := h.state.Attempts
	h.mu.Unlock()

	gen := h.sandbox.Generation()
	go h.runAttempt(attemptNo, gen, cand)
}

func (h *Healer) runAttempt(attemptNo int, gen uint64, cand domain.ErrorCandidate) {
	defer func() {
		h.mu.Lock()
		h.state.InFlight = false
		h.mu.Unlock()
	}()

	h.logger.Info("fix attempt started",
		slog.Int("attempt", attemptNo),
		slog.String("file", cand.FilePath),
		slog.String("origin", string(cand.Origin)),
	)

	resolvedPath, content, ok := h.files.Lookup(cand.FilePath)
	if !ok {
		h.record(attemptNo, cand.FilePath, domain.AttemptFailed, domain.FailureFileLookup,
			fmt.Sprintf("no file matching %q in project tree", cand.FilePath))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.FixTimeout)
	defer cancel()

	fixed, err := h.fixer.Fix(ctx, fixer.Request{
		ErrorText:   cand.ErrorText,
		FilePath:    resolvedPath,
		FileContent: content,
	})
	if err != nil {
		h.record(attemptNo, resolvedPath, domain.AttemptFailed, domain.FailureFixService,
			fmt.Sprintf("fixer call failed: %v", err))
		return
	}

	// A reset happened while the fixer was working: the user abandoned this
	// tree and filesystem, so the result must not be applied.
	if h.sandbox.Generation() != gen {
		h.logger.Info("stale fix discarded after reset",
			slog.Int("attempt", attemptNo),
			slog.String("file", resolvedPath),
		)
		return
	}

	if fixed == content {
		h.record(attemptNo, resolvedPath, domain.AttemptFailed, domain.FailureFixNoop,
			"fixer returned unchanged content")
		return
	}

	if err := h.sandbox.UpdateFile(resolvedPath, fixed); err != nil {
		h.record(attemptNo, resolvedPath, domain.AttemptFailed, domain.FailureFixService,
			fmt.Sprintf("hot-patch write failed: %v", err))
		return
	}
	h.files.Apply(resolvedPath, fixed)

	h.record(attemptNo, resolvedPath, domain.AttemptSucceeded, "",
		fmt.Sprintf("applied fix for %s", cand.ErrorText))
}

func (h *Healer) record(attemptNo int, filePath string, outcome domain.AttemptOutcome, kind domain.FailureKind, message string) {
	entry := domain.AttemptLogEntry{
		ID:        uuid.New(),
		SessionID: h.sessionID,
		Attempt:   attemptNo,
		FilePath:  filePath,
		Outcome:   outcome,
		Kind:      kind,
		Message:   message,
		CreatedAt: time.Now().UTC(),
	}

	h.mu.Lock()
	h.log = append(h.log, entry)
	if len(h.log) > maxLogEntries {
		h.log = h.log[len(h.log)-maxLogEntries:]
	}
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.FixAttemptsTotal.WithLabelValues(string(outcome)).Inc()
	}

	if outcome == domain.AttemptSucceeded {
		h.logger.Info("fix attempt succeeded",
			slog.Int("attempt", attemptNo),
			slog.String("file", filePath),
		)
	} else {
		h.logger.Warn("fix attempt failed",
			slog.Int("attempt", attemptNo),
			slog.String("file", filePath),
			slog.String("kind", string(kind)),
			slog.String("message", message),
		)
	}

	if h.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.store.SaveAttempt(ctx, entry); err != nil {
			h.logger.Warn("persisting attempt log entry failed", slog.String("error", err.Error()))
		}
	}
}

// State returns a snapshot of the attempt bookkeeping.
func (h *Healer) State() AttemptState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Log returns a copy of the in-memory attempt log, oldest first.
func (h *Healer) Log() []domain.AttemptLogEntry {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]domain.AttemptLogEntry, len(h.log))
	copy(out, h.log)
	return out
}

// Stop cancels any pending debounced check.
func (h *Healer) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.timer != nil {
		h.timer.Stop()
		h.timer = nil
	}
}
