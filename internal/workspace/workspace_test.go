package workspace

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestWorkspace(t *testing.T) *Workspace {
	t.Helper()
	w, err := New(filepath.Join(t.TempDir(), "ws"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return w
}

func TestNew_CreatesRoot(t *testing.T) {
	root := filepath.Join(t.TempDir(), "nested", "ws")
	w, err := New(root)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	info, err := os.Stat(w.Root)
	if err != nil {
		t.Fatalf("expected root created: %v", err)
	}
	if !info.IsDir() {
		t.Fatal("expected root to be a directory")
	}
}

func TestEnsureAll(t *testing.T) {
	w := newTestWorkspace(t)
	if err := w.EnsureAll(); err != nil {
		t.Fatalf("EnsureAll: %v", err)
	}
	for _, d := range []string{"sandbox", "uploads", "data", "logs"} {
		if _, err := os.Stat(filepath.Join(w.Root, d)); err != nil {
			t.Fatalf("expected %s directory: %v", d, err)
		}
	}
}

func TestDerivedPaths(t *testing.T) {
	w := newTestWorkspace(t)
	if got := w.DatabasePath(); got != filepath.Join(w.Root, "data", "ponya.db") {
		t.Fatalf("unexpected database path %s", got)
	}
	if got := w.ConfigPath(); got != filepath.Join(w.Root, "config.yaml") {
		t.Fatalf("unexpected config path %s", got)
	}
	if got := w.UploadPath("abc-123"); got != filepath.Join(w.Root, "uploads", "abc-123.zip") {
		t.Fatalf("unexpected upload path %s", got)
	}
}

func TestUploadPath_SanitizesTraversal(t *testing.T) {
	w := newTestWorkspace(t)
	got := w.UploadPath("../../etc/passwd")
	if strings.Contains(got, "..") {
		t.Fatalf("expected traversal sanitized, got %s", got)
	}
	if dir := filepath.Dir(got); dir != w.UploadsDir() {
		t.Fatalf("expected upload to stay under uploads dir, got %s", got)
	}
}

func TestCleanSandbox(t *testing.T) {
	w := newTestWorkspace(t)
	inner := filepath.Join(w.SandboxDir(), "instance-1")
	if err := os.MkdirAll(inner, 0750); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(inner, "file.txt"), []byte("x"), 0640); err != nil {
		t.Fatalf("write: %v", err)
	}

	if err := w.CleanSandbox(); err != nil {
		t.Fatalf("CleanSandbox: %v", err)
	}
	entries, err := os.ReadDir(w.SandboxDir())
	if err != nil {
		t.Fatalf("reading sandbox dir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected empty sandbox dir, got %d entries", len(entries))
	}
}

func TestCleanSandbox_MissingDir(t *testing.T) {
	w := newTestWorkspace(t)
	// Sandbox dir never created; cleaning is a no-op.
	if err := w.CleanSandbox(); err != nil {
		t.Fatalf("CleanSandbox on missing dir: %v", err)
	}
}

func TestPruneUploads(t *testing.T) {
	w := newTestWorkspace(t)
	old := filepath.Join(w.UploadsDir(), "old.zip")
	fresh := filepath.Join(w.UploadsDir(), "fresh.zip")
	for _, p := range []string{old, fresh} {
		if err := os.WriteFile(p, []byte("zip"), 0640); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	stale := time.Now().Add(-48 * time.Hour)
	if err := os.Chtimes(old, stale, stale); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	removed, err := w.PruneUploads(24 * time.Hour)
	if err != nil {
		t.Fatalf("PruneUploads: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 archive pruned, got %d", removed)
	}
	if _, err := os.Stat(old); !os.IsNotExist(err) {
		t.Fatal("expected stale archive removed")
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Fatal("expected fresh archive kept")
	}
}

func TestPruneUploads_MissingDir(t *testing.T) {
	w := newTestWorkspace(t)
	removed, err := w.PruneUploads(time.Hour)
	if err != nil {
		t.Fatalf("PruneUploads on missing dir: %v", err)
	}
	if removed != 0 {
		t.Fatalf("expected nothing pruned, got %d", removed)
	}
}

func TestResolvePath_Tilde(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	got, err := resolvePath("~/ponya-test")
	if err != nil {
		t.Fatalf("resolvePath: %v", err)
	}
	if got != filepath.Join(home, "ponya-test") {
		t.Fatalf("expected tilde expanded, got %s", got)
	}
}
