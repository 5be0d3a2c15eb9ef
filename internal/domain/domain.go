// Package domain defines cross-cutting entity types used across the system.
package domain

import (
	"time"

	"github.com/google/uuid"
)

// FailureKind classifies everything that can go wrong in a session.
// Boot and install failures halt the run; the remaining kinds feed the
// self-healing loop's attempt log and consume attempt budget only.
type FailureKind string

const (
	FailureBoot       FailureKind = "boot_failure"
	FailureInstall    FailureKind = "install_failure"
	FailureBuildError FailureKind = "build_error"
	FailureRuntime    FailureKind = "runtime_error"
	FailureFixService FailureKind = "fix_service_failure"
	FailureFixNoop    FailureKind = "fix_apply_noop"
	FailureFileLookup FailureKind = "file_not_found"
)

// Origin marks where an error candidate was observed.
type Origin string

const (
	OriginBuild   Origin = "build"   // Matched in the process output stream.
	OriginRuntime Origin = "runtime" // Out-of-band message from the rendered preview.
)

// ErrorCandidate is an actionable error extracted from sandbox output or a
// runtime-error message. Ephemeral: produced by the detector, consumed
// immediately by the healer.
type ErrorCandidate struct {
	FilePath  string
	ErrorText string
	Origin    Origin
}

// dedupKeyLen is how many leading characters of the error text participate
// in the dedup key. Errors that differ only past this point are considered
// the same failure.
const dedupKeyLen = 50

// DedupKey returns the key used to suppress retriggering on an unchanged,
// still-failing error: the file path plus the first 50 characters of the
// error text.
func (c ErrorCandidate) DedupKey() string {
	text := c.ErrorText
	// Truncate on runes so a multi-byte character at the boundary is not
	// split into invalid UTF-8.
	if runes := []rune(text); len(runes) > dedupKeyLen {
		text = string(runes[:dedupKeyLen])
	}
	return c.FilePath + "|" + text
}

// RunPhase is the coarse session state exposed to the presentation layer.
type RunPhase string

const (
	PhaseIdle       RunPhase = "idle"
	PhaseInstalling RunPhase = "installing"
	PhaseRunning    RunPhase = "running"
	PhaseError      RunPhase = "error"
)

// RunState is a read-only snapshot of the session's run state.
type RunState struct {
	Booting    bool   `json:"booting"`
	Installing bool   `json:"installing"`
	Running    bool   `json:"running"`
	PreviewURL string `json:"preview_url,omitempty"`
	LastError  string `json:"last_error,omitempty"`
}

// Phase derives the coarse phase from the state flags.
func (s RunState) Phase() RunPhase {
	switch {
	case s.LastError != "":
		return PhaseError
	case s.Installing:
		return PhaseInstalling
	case s.Running:
		return PhaseRunning
	default:
		return PhaseIdle
	}
}

// AttemptOutcome tags an attempt log entry.
type AttemptOutcome string

const (
	AttemptSucceeded AttemptOutcome = "success"
	AttemptFailed    AttemptOutcome = "failure"
)

// AttemptLogEntry is one record in the self-healing attempt log.
type AttemptLogEntry struct {
	ID        uuid.UUID      `json:"id"`
	SessionID uuid.UUID      `json:"session_id"`
	Attempt   int            `json:"attempt"`
	FilePath  string         `json:"file_path"`
	Outcome   AttemptOutcome `json:"outcome"`
	Kind      FailureKind    `json:"kind,omitempty"` // Empty on success.
	Message   string         `json:"message"`        // Human-readable summary.
	CreatedAt time.Time      `json:"created_at"`
}

// PreWarmRecord is the persisted pre-warm cache hint: whether the baseline
// dependency set was ever installed on this host, and when. An optimization
// only — never a correctness requirement.
type PreWarmRecord struct {
	Installed bool
	Timestamp time.Time
}

// Session identifies one uploaded project and its run lifecycle.
type Session struct {
	ID        uuid.UUID
	Name      string // Original archive name, informational only.
	FileCount int
	CreatedAt time.Time
	LastUsed  time.Time
}
