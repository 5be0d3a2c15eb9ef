package controller

import "sync"

// DefaultBufferCap is the number of output lines retained per session.
const DefaultBufferCap = 100

// Buffer is a bounded, ordered log of sandbox output lines. Appending past
// the cap evicts the oldest entries. Only the controller appends; the
// detector and presentation layer read.
type Buffer struct {
	mu    sync.Mutex
	cap   int
	lines []string
}

// NewBuffer creates a Buffer retaining the most recent capLines entries.
func NewBuffer(capLines int) *Buffer {
	if capLines <= 0 {
		capLines = DefaultBufferCap
	}
	return &Buffer{cap: capLines}
}

// Append adds a line, evicting the oldest line when full.
func (b *Buffer) Append(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lines = append(b.lines, line)
	if len(b.lines) > b.cap {
		b.lines = b.lines[len(b.lines)-b.cap:]
	}
}

// Lines returns a copy of the buffered lines, oldest first.
func (b *Buffer) Lines() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.lines))
	copy(out, b.lines)
	return out
}

// Tail returns a copy of the most recent k lines.
func (b *Buffer) Tail(k int) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	start := len(b.lines) - k
	if start < 0 {
		start = 0
	}
	out := make([]string, len(b.lines)-start)
	copy(out, b.lines[start:])
	return out
}

// Len returns the number of buffered lines.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.lines)
}

// Clear drops all buffered lines.
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lines = nil
}
