// Package local implements the execution engine with real OS processes.
//
// Isolation guarantees:
//   - Each instance gets its own root directory under the workspace
//   - Processes run in their own process group (Setpgid)
//   - The entire process group is killed on Kill/cancel
//   - No environment inheritance — only a minimal safe set
//   - Output lines are capped per process to prevent OOM from chatty servers
package local

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/jkaninda/ponya/internal/engine"
	"github.com/jkaninda/ponya/internal/project"
)

const (
	// maxOutputLines caps lines read from a single process.
	maxOutputLines = 10000

	// maxLineBytes caps a single output line.
	maxLineBytes = 16 * 1024
)

// readyPattern matches the line a vite-style dev server prints once it is
// accepting connections, e.g. "  Local:   http://localhost:5173/".
var readyPattern = regexp.MustCompile(`https?://(?:localhost|127\.0\.0\.1):(\d+)`)

// Config configures the local engine.
type Config struct {
	// Root is the directory instances live under. Required.
	Root string

	// Env adds extra environment variables to the sanitized base set.
	Env map[string]string
}

// Engine boots process-backed instances rooted under a workspace directory.
type Engine struct {
	cfg    Config
	logger *slog.Logger
}

// New creates a local engine.
func New(cfg Config, logger *slog.Logger) *Engine {
	return &Engine{cfg: cfg, logger: logger}
}

// Boot creates the instance root directory and returns the instance.
func (e *Engine) Boot(_ context.Context) (engine.Instance, error) {
	if e.cfg.Root == "" {
		return nil, fmt.Errorf("engine root directory is required")
	}
	root, err := os.MkdirTemp(e.cfg.Root, "instance-*")
	if err != nil {
		return nil, fmt.Errorf("creating instance root: %w", err)
	}
	e.logger.Info("engine instance booted", slog.String("root", root))
	return &Instance{
		root:   root,
		env:    e.cfg.Env,
		logger: e.logger,
		ready:  make(chan engine.ReadyEvent, 1),
	}, nil
}

// Instance is a process-backed execution environment rooted at a directory.
type Instance struct {
	root   string
	env    map[string]string
	logger *slog.Logger
	ready  chan engine.ReadyEvent

	mu            sync.Mutex
	readyAnnounced bool
}

// Root returns the instance's filesystem root. Exposed for tests and
// diagnostics.
func (i *Instance) Root() string { return i.root }

// Mount writes every file node of the tree under the instance root.
func (i *Instance) Mount(_ context.Context, tree *project.Tree) error {
	var mountErr error
	tree.Walk(func(n *project.Node) bool {
		if n.Kind != project.KindFile {
			return true
		}
		if err := i.WriteFile(n.Path, []byte(n.Content)); err != nil {
			mountErr = err
			return false
		}
		return true
	})
	return mountErr
}

// WriteFile writes a single file inside the instance root. Paths escaping
// the root are rejected.
func (i *Instance) WriteFile(path string, content []byte) error {
	full, err := i.resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0750); err != nil {
		return fmt.Errorf("creating directory for %s: %w", path, err)
	}
	if err := os.WriteFile(full, content, 0640); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

// Spawn starts a command inside the instance root with a sanitized
// environment and its own process group.
func (i *Instance) Spawn(ctx context.Context, command string, args ...string) (engine.Process, error) {
	if command == "" {
		return nil, fmt.Errorf("empty command")
	}

	cmd := exec.CommandContext(ctx, command, args...)
	cmd.Dir = i.root
	cmd.Env = i.buildEnv()
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		// Negative PID = kill the entire process group.
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("piping stdout: %w", err)
	}
	cmd.Stderr = cmd.Stdout // Single interleaved stream.

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", command, err)
	}

	// Re-arm the ready announcement: a fresh spawn means any previous dev
	// server is gone and the next ready line belongs to the new one.
	i.mu.Lock()
	i.readyAnnounced = false
	i.mu.Unlock()

	i.logger.Info("process spawned",
		slog.String("command", command),
		slog.Any("args", args),
		slog.Int("pid", cmd.Process.Pid),
	)

	p := &process{
		cmd:   cmd,
		lines: make(chan string, 256),
		done:  make(chan struct{}),
	}
	go i.scan(stdout, p)
	return p, nil
}

// ServerReady delivers the dev-server-ready event detected from the output
// stream.
func (i *Instance) ServerReady() <-chan engine.ReadyEvent {
	return i.ready
}

// scan reads process output line by line, forwards each line, and watches
// for the dev-server-ready signature.
func (i *Instance) scan(r io.Reader, p *process) {
	defer close(p.lines)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), maxLineBytes)

	count := 0
	for scanner.Scan() {
		line := scanner.Text()
		count++
		if count > maxOutputLines {
			continue // Keep draining so the process doesn't block on a full pipe.
		}

		i.announceIfReady(line)

		select {
		case p.lines <- line:
		default:
			// Consumer fell behind; drop rather than block the pipe.
		}
	}
}

// announceIfReady emits at most one ready event per spawned dev server.
func (i *Instance) announceIfReady(line string) {
	m := readyPattern.FindStringSubmatch(line)
	if m == nil || !strings.Contains(strings.ToLower(line), "local") {
		return
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	if i.readyAnnounced {
		return
	}
	port, err := strconv.Atoi(m[1])
	if err != nil {
		return
	}
	i.readyAnnounced = true
	select {
	case i.ready <- engine.ReadyEvent{Port: port, URL: m[0]}:
	default:
	}
}

func (i *Instance) resolve(path string) (string, error) {
	clean := filepath.Clean("/" + path)
	full := filepath.Join(i.root, clean)
	if !strings.HasPrefix(full, i.root+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes instance root", path)
	}
	return full, nil
}

// buildEnv constructs a minimal environment. The parent process's
// environment is never inherited — this keeps host credentials out of
// user project processes.
func (i *Instance) buildEnv() []string {
	env := []string{
		"PATH=/usr/local/bin:/usr/bin:/bin",
		"HOME=" + i.root,
		"TMPDIR=" + i.root,
		"LANG=en_US.UTF-8",
		"TERM=dumb",
		"CI=true",
	}
	for k, v := range i.env {
		env = append(env, k+"="+v)
	}
	return env
}

// process wraps an exec.Cmd as an engine.Process.
type process struct {
	cmd   *exec.Cmd
	lines chan string

	once     sync.Once
	done     chan struct{}
	exitCode int
	waitErr  error
}

func (p *process) Output() <-chan string { return p.lines }

// Wait blocks until the process exits. Safe for concurrent callers.
func (p *process) Wait(ctx context.Context) (int, error) {
	p.once.Do(func() {
		defer close(p.done)
		err := p.cmd.Wait()
		if err != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				p.exitCode = exitErr.ExitCode()
				return
			}
			p.waitErr = err
		}
	})

	select {
	case <-p.done:
		return p.exitCode, p.waitErr
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Kill terminates the whole process group.
func (p *process) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	err := syscall.Kill(-p.cmd.Process.Pid, syscall.SIGKILL)
	if err != nil && !errors.Is(err, syscall.ESRCH) {
		return err
	}
	return nil
}
