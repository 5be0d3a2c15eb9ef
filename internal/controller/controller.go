// Package controller owns the single execution-environment instance and
// drives it through boot, pre-warm, install, and run, streaming process
// output into the session buffer. All state transitions are serialized
// through one controller; concurrent callers are coalesced, never raced.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jkaninda/ponya/internal/domain"
	"github.com/jkaninda/ponya/internal/engine"
	"github.com/jkaninda/ponya/internal/observability"
	"github.com/jkaninda/ponya/internal/project"
)

// Sentinel errors mapping engine outcomes onto the failure taxonomy.
var (
	ErrBootFailure    = errors.New("sandbox boot failed")
	ErrInstallFailure = errors.New("dependency install failed")
	ErrNotBooted      = errors.New("sandbox not booted")
)

// WarmPhase is the process-wide pre-warm state.
type WarmPhase string

const (
	WarmNotStarted WarmPhase = "not_started"
	WarmInProgress WarmPhase = "in_progress"
	WarmDone       WarmPhase = "done"
	WarmFailed     WarmPhase = "failed"
)

// PreWarmStore persists the pre-warm cache record across process restarts.
// The in-memory phase always wins within one process; the record only lets
// a future process skip the baseline install.
type PreWarmStore interface {
	GetPreWarm(ctx context.Context) (*domain.PreWarmRecord, error)
	SavePreWarm(ctx context.Context, rec domain.PreWarmRecord) error
}

// Config configures the lifecycle controller.
type Config struct {
	InstallCommand []string // Default: ["npm", "install"].
	DevCommand     []string // Default: ["npm", "run", "dev"].
	BufferCap      int      // Output buffer cap. Default: 100 lines.
}

func (c Config) installCommand() []string {
	if len(c.InstallCommand) > 0 {
		return c.InstallCommand
	}
	return []string{"npm", "install"}
}

func (c Config) devCommand() []string {
	if len(c.DevCommand) > 0 {
		return c.DevCommand
	}
	return []string{"npm", "run", "dev"}
}

// Controller is the sandbox lifecycle controller.
type Controller struct {
	engine  engine.Engine
	store   PreWarmStore // nil = no persisted pre-warm hint.
	metrics *observability.Metrics
	logger  *slog.Logger
	cfg     Config

	buffer *Buffer

	mu         sync.Mutex
	inst       engine.Instance
	boot       *bootAttempt // non-nil while a boot is in flight.
	warm       warmState
	run        domain.RunState
	active     engine.Process
	generation uint64
	readyGen   uint64 // Generation current when the active dev server spawned.

	subMu   sync.Mutex
	subs    map[int]chan string
	nextSub int
	hooks   []func()
}

// bootAttempt coalesces concurrent boot callers onto one engine boot.
// Waiters read inst/err after done closes.
type bootAttempt struct {
	done chan struct{}
	inst engine.Instance
	err  error
}

type warmState struct {
	phase WarmPhase
	done  chan struct{}
	err   error
}

// New creates a Controller. store and metrics may be nil.
func New(eng engine.Engine, store PreWarmStore, metrics *observability.Metrics, logger *slog.Logger, cfg Config) *Controller {
	return &Controller{
		engine:  eng,
		store:   store,
		metrics: metrics,
		logger:  logger,
		cfg:     cfg,
		buffer:  NewBuffer(cfg.BufferCap),
		warm:    warmState{phase: WarmNotStarted},
		subs:    make(map[int]chan string),
	}
}

// Boot returns the singleton instance, booting it on first call. Concurrent
// callers during an in-flight boot all receive that boot's result; no
// duplicate engine boot is ever issued. A failed boot clears the in-flight
// marker so a future caller may retry.
func (c *Controller) Boot(ctx context.Context) (engine.Instance, error) {
	c.mu.Lock()
	if c.inst != nil {
		inst := c.inst
		c.mu.Unlock()
		return inst, nil
	}
	if c.boot != nil {
		attempt := c.boot
		c.mu.Unlock()
		select {
		case <-attempt.done:
			return attempt.inst, attempt.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	attempt := &bootAttempt{done: make(chan struct{})}
	c.boot = attempt
	c.run.Booting = true
	c.mu.Unlock()

	inst, err := c.engine.Boot(ctx)

	c.mu.Lock()
	c.run.Booting = false
	if err != nil {
		err = fmt.Errorf("%w: %v", ErrBootFailure, err)
		c.run.LastError = string(domain.FailureBoot) + ": " + err.Error()
		c.boot = nil // A future caller may retry.
	} else {
		c.inst = inst
	}
	attempt.inst = inst
	attempt.err = err
	close(attempt.done)
	c.mu.Unlock()

	if err != nil {
		c.logger.Error("sandbox boot failed", slog.String("error", err.Error()))
		if c.metrics != nil {
			c.metrics.BootsTotal.WithLabelValues("error").Inc()
		}
		return nil, err
	}

	if c.metrics != nil {
		c.metrics.BootsTotal.WithLabelValues("ok").Inc()
	}
	go c.watchReady(inst)
	return inst, nil
}

// watchReady flips the session into the running state when the engine
// reports the dev server accepting connections. Single consumer of the
// instance's ready channel. Events emitted by a dev server that was reset
// away would otherwise resurrect the running flag, so events from an older
// generation are dropped.
func (c *Controller) watchReady(inst engine.Instance) {
	for ev := range inst.ServerReady() {
		c.mu.Lock()
		if c.active == nil || c.generation != c.readyGen {
			c.mu.Unlock()
			c.logger.Debug("dropping stale dev server ready event",
				slog.String("url", ev.URL),
			)
			continue
		}
		c.run.PreviewURL = ev.URL
		c.run.Running = true
		c.run.Installing = false
		c.mu.Unlock()
		c.logger.Info("dev server ready",
			slog.Int("port", ev.Port),
			slog.String("url", ev.URL),
		)
	}
}

// PreWarm installs the baseline dependency set at most once per process.
// Concurrent callers coalesce onto the first invocation. A failed pre-warm
// is logged but never blocks a later user-initiated run.
func (c *Controller) PreWarm(ctx context.Context) error {
	c.mu.Lock()
	switch c.warm.phase {
	case WarmDone:
		c.mu.Unlock()
		return nil
	case WarmFailed:
		err := c.warm.err
		c.mu.Unlock()
		return err
	case WarmInProgress:
		done := c.warm.done
		c.mu.Unlock()
		select {
		case <-done:
			return c.warmErr()
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	c.warm.phase = WarmInProgress
	c.warm.done = make(chan struct{})
	c.mu.Unlock()

	err := c.doPreWarm(ctx)

	c.mu.Lock()
	if err != nil {
		c.warm.phase = WarmFailed
		c.warm.err = err
	} else {
		c.warm.phase = WarmDone
	}
	close(c.warm.done)
	c.mu.Unlock()

	if err != nil {
		c.logger.Warn("pre-warm failed, user runs will install from cold",
			slog.String("error", err.Error()),
		)
	}
	return err
}

func (c *Controller) doPreWarm(ctx context.Context) error {
	// Persisted hint: a previous process on this host already installed the
	// baseline set. Skip the expensive install, keep the boot.
	if c.store != nil {
		if rec, err := c.store.GetPreWarm(ctx); err == nil && rec != nil && rec.Installed {
			c.logger.Info("pre-warm cache hit, skipping baseline install",
				slog.Time("installed_at", rec.Timestamp),
			)
			_, err := c.Boot(ctx)
			return err
		}
	}

	inst, err := c.Boot(ctx)
	if err != nil {
		return err
	}
	if err := inst.Mount(ctx, baselineTree()); err != nil {
		return fmt.Errorf("mounting baseline skeleton: %w", err)
	}

	install := c.cfg.installCommand()
	proc, err := inst.Spawn(context.Background(), install[0], install[1:]...)
	if err != nil {
		return fmt.Errorf("spawning baseline install: %w", err)
	}
	go c.consume(proc, false)

	code, err := proc.Wait(ctx)
	if err != nil {
		return fmt.Errorf("waiting for baseline install: %w", err)
	}

	if c.store != nil {
		rec := domain.PreWarmRecord{Installed: code == 0, Timestamp: time.Now().UTC()}
		if saveErr := c.store.SavePreWarm(ctx, rec); saveErr != nil {
			c.logger.Warn("persisting pre-warm record failed", slog.String("error", saveErr.Error()))
		}
	}

	if code != 0 {
		return fmt.Errorf("baseline install exited with code %d", code)
	}
	c.logger.Info("pre-warm complete")
	return nil
}

func (c *Controller) warmErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.warm.err
}

// WarmPhase returns the current pre-warm phase.
func (c *Controller) WarmPhase() WarmPhase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.warm.phase
}

// MountFiles mounts the user project into the instance. An in-progress
// pre-warm is waited for first (a failed one is tolerated). The tree's HTML
// entry point is instrumented with the runtime error reporter before
// mounting.
func (c *Controller) MountFiles(ctx context.Context, tree *project.Tree) error {
	c.mu.Lock()
	if c.warm.phase == WarmInProgress {
		done := c.warm.done
		c.mu.Unlock()
		select {
		case <-done: // Proceed regardless of pre-warm outcome.
		case <-ctx.Done():
			return ctx.Err()
		}
	} else {
		c.mu.Unlock()
	}

	inst, err := c.Boot(ctx)
	if err != nil {
		return err
	}

	if project.InjectErrorReporter(tree) {
		c.logger.Debug("error reporter injected into html entry point")
	}

	if err := inst.Mount(ctx, tree); err != nil {
		return fmt.Errorf("mounting project: %w", err)
	}
	c.logger.Info("project mounted", slog.Int("files", tree.FileCount()))
	return nil
}

// StartDevServer terminates any active process, runs the dependency
// install, and on success spawns the dev server as the active process,
// streaming its output for the remainder of the session.
func (c *Controller) StartDevServer(ctx context.Context) error {
	inst, err := c.Boot(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.active != nil {
		_ = c.active.Kill()
		c.active = nil
	}
	c.run.PreviewURL = ""
	c.run.Running = false
	c.run.Installing = true
	c.run.LastError = ""
	c.mu.Unlock()

	install := c.cfg.installCommand()
	proc, err := inst.Spawn(context.Background(), install[0], install[1:]...)
	if err != nil {
		return c.failInstall(fmt.Errorf("spawning install: %w", err))
	}
	go c.consume(proc, false)

	code, err := proc.Wait(ctx)
	if err != nil {
		return c.failInstall(fmt.Errorf("waiting for install: %w", err))
	}
	if code != 0 {
		return c.failInstall(fmt.Errorf("%w: exit code %d", ErrInstallFailure, code))
	}
	if c.metrics != nil {
		c.metrics.InstallsTotal.WithLabelValues("ok").Inc()
	}

	dev := c.cfg.devCommand()
	devProc, err := inst.Spawn(context.Background(), dev[0], dev[1:]...)
	if err != nil {
		err = fmt.Errorf("spawning dev server: %w", err)
		c.mu.Lock()
		c.run.Installing = false
		c.run.LastError = err.Error()
		c.mu.Unlock()
		c.logger.Error("dev server spawn failed", slog.String("error", err.Error()))
		return err
	}

	c.mu.Lock()
	c.active = devProc
	c.readyGen = c.generation
	c.mu.Unlock()
	go c.consume(devProc, true)

	c.logger.Info("dev server started")
	return nil
}

func (c *Controller) failInstall(err error) error {
	c.mu.Lock()
	c.run.Installing = false
	c.run.LastError = string(domain.FailureInstall) + ": " + err.Error()
	c.mu.Unlock()
	if c.metrics != nil {
		c.metrics.InstallsTotal.WithLabelValues("error").Inc()
	}
	c.logger.Error("install failed", slog.String("error", err.Error()))
	if !errors.Is(err, ErrInstallFailure) {
		err = fmt.Errorf("%w: %v", ErrInstallFailure, err)
	}
	return err
}

// consume streams a process's output into the buffer and notifies
// subscribers. When tracked, the session leaves the running state once the
// process exits.
func (c *Controller) consume(proc engine.Process, tracked bool) {
	for line := range proc.Output() {
		c.appendLine(line)
	}
	if !tracked {
		return
	}
	c.mu.Lock()
	if c.active == proc {
		c.active = nil
		c.run.Running = false
	}
	c.mu.Unlock()
}

func (c *Controller) appendLine(line string) {
	c.buffer.Append(line)
	if c.metrics != nil {
		c.metrics.OutputLinesTotal.Inc()
	}

	c.subMu.Lock()
	for _, ch := range c.subs {
		select {
		case ch <- line:
		default: // Slow subscriber; drop rather than stall the stream.
		}
	}
	hooks := make([]func(), len(c.hooks))
	copy(hooks, c.hooks)
	c.subMu.Unlock()

	for _, fn := range hooks {
		fn()
	}
}

// UpdateFile hot-patches a file in the live mounted filesystem without
// restarting the active process. Failures are logged, not fatal to the
// session.
func (c *Controller) UpdateFile(path, content string) error {
	c.mu.Lock()
	inst := c.inst
	c.mu.Unlock()
	if inst == nil {
		return ErrNotBooted
	}
	if err := inst.WriteFile(path, []byte(content)); err != nil {
		c.logger.Warn("hot-patch write failed",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
		return err
	}
	return nil
}

// Reset unconditionally terminates the active process, clears the session
// run state and output buffer, and bumps the session generation so results
// of in-flight fix attempts are discarded on arrival. The instance and
// pre-warm state survive.
func (c *Controller) Reset() {
	c.mu.Lock()
	if c.active != nil {
		_ = c.active.Kill()
		c.active = nil
	}
	c.run = domain.RunState{}
	c.generation++
	c.mu.Unlock()
	c.buffer.Clear()
	c.logger.Info("session reset")
}

// State returns a snapshot of the session run state.
func (c *Controller) State() domain.RunState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.run
}

// Running reports whether the dev server is up.
func (c *Controller) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.run.Running
}

// Booted reports whether the singleton instance exists.
func (c *Controller) Booted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inst != nil
}

// Generation returns the current session generation. Bumped on every Reset.
func (c *Controller) Generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation
}

// OutputLines returns a copy of the buffered output.
func (c *Controller) OutputLines() []string { return c.buffer.Lines() }

// OutputTail returns the most recent k buffered lines.
func (c *Controller) OutputTail(k int) []string { return c.buffer.Tail(k) }

// Subscribe registers a live output-line subscriber. The returned cancel
// function must be called to release it.
func (c *Controller) Subscribe() (<-chan string, func()) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	id := c.nextSub
	c.nextSub++
	ch := make(chan string, 64)
	c.subs[id] = ch
	return ch, func() {
		c.subMu.Lock()
		defer c.subMu.Unlock()
		delete(c.subs, id)
	}
}

// OnOutput registers a hook invoked after every appended output line. Used
// by the self-healing loop's debounced trigger.
func (c *Controller) OnOutput(fn func()) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	c.hooks = append(c.hooks, fn)
}
