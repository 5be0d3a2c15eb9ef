// Package detect extracts actionable error candidates from sandbox output
// and runtime stack traces. Pure functions, no state.
package detect

import (
	"regexp"
	"strings"

	"github.com/jkaninda/ponya/internal/domain"
)

// TailLines is how many recent buffer lines participate in signature
// matching.
const TailLines = 60

// signature is one known failure pattern. Checked in declaration order;
// the first match wins.
type signature struct {
	name    string
	pattern *regexp.Regexp
}

var signatures = []signature{
	{"unresolved_import", regexp.MustCompile(`Failed to resolve import\s+["']([^"']+)["']\s+from\s+["']([^"']+)["']`)},
	{"module_not_found", regexp.MustCompile(`(?:Cannot find module|Module not found[^'"]*)\s*["']([^"']+)["']`)},
	{"not_defined", regexp.MustCompile(`([A-Za-z_$][\w$]*) is not defined`)},
	{"runtime_class", regexp.MustCompile(`\b(TypeError|ReferenceError|SyntaxError|RangeError|EvalError|URIError)\b:?\s+(.+)`)},
}

// sourceFilePattern matches a path fragment that looks like a project
// source file: one or more path segments ending in a recognized source
// extension.
var sourceFilePattern = regexp.MustCompile(`(?:[\w@.-]+/)*[\w@.-]+\.(?:tsx|ts|jsx|js|mjs|cjs|vue|svelte|css|html)\b`)

// urlPrefixPattern strips scheme and host from dev-server URLs so stack
// frames like http://localhost:5173/src/App.tsx yield project paths.
var urlPrefixPattern = regexp.MustCompile(`https?://[^/\s]+/`)

// FromOutput examines recent sandbox output for a known failure signature
// and a resolvable source file path. Both must be present: a signature with
// no file to fix is not actionable, and a bare path is not an error.
func FromOutput(lines []string) *domain.ErrorCandidate {
	if len(lines) > TailLines {
		lines = lines[len(lines)-TailLines:]
	}
	text := strings.Join(lines, "\n")

	var errorText string
	for _, sig := range signatures {
		if m := sig.pattern.FindString(text); m != "" {
			errorText = m
			break
		}
	}
	if errorText == "" {
		return nil
	}

	filePath := firstSourceFile(text)
	if filePath == "" {
		return nil
	}

	return &domain.ErrorCandidate{
		FilePath:  filePath,
		ErrorText: errorText,
		Origin:    domain.OriginBuild,
	}
}

// FileFromStack extracts the first project source file referenced by a
// runtime stack trace. Returns "" when no usable path is found — the caller
// must log and drop, never guess.
func FileFromStack(stack string) string {
	return firstSourceFile(stack)
}

// firstSourceFile returns the first project-source path in text, skipping
// anything under node_modules.
func firstSourceFile(text string) string {
	text = urlPrefixPattern.ReplaceAllString(text, "")
	for _, m := range sourceFilePattern.FindAllString(text, -1) {
		if strings.Contains(m, "node_modules") {
			continue
		}
		return strings.TrimPrefix(m, "./")
	}
	return ""
}
