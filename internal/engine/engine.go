// Package engine defines the execution-environment capability consumed by
// the lifecycle controller. The controller never talks to processes or
// filesystems directly — only through these interfaces.
package engine

import (
	"context"

	"github.com/jkaninda/ponya/internal/project"
)

// Engine boots isolated, disposable execution environments.
type Engine interface {
	Boot(ctx context.Context) (Instance, error)
}

// Instance is one booted execution environment. It holds a mounted project
// filesystem and can run processes inside it.
type Instance interface {
	// Mount writes the project tree into the instance filesystem,
	// replacing any previously mounted files at the same paths.
	Mount(ctx context.Context, tree *project.Tree) error

	// Spawn starts a process inside the instance. The returned Process
	// streams output lines until exit.
	Spawn(ctx context.Context, command string, args ...string) (Process, error)

	// WriteFile hot-patches a single file in the live filesystem without
	// restarting anything.
	WriteFile(path string, content []byte) error

	// ServerReady delivers at most one event per spawned dev server, when
	// the server inside the instance starts accepting connections.
	// Single-consumer: the controller owns this channel.
	ServerReady() <-chan ReadyEvent
}

// Process is a running command inside an instance.
type Process interface {
	// Output streams the process's combined stdout/stderr line by line.
	// The channel closes when the process exits.
	Output() <-chan string

	// Wait blocks until the process exits and returns its exit code.
	Wait(ctx context.Context) (int, error)

	// Kill terminates the process unconditionally.
	Kill() error
}

// ReadyEvent reports that a dev server inside the instance is accepting
// connections.
type ReadyEvent struct {
	Port int
	URL  string
}
