package ws

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/jkaninda/ponya/internal/controller"
	"github.com/jkaninda/ponya/internal/domain"
	"github.com/jkaninda/ponya/internal/engine"
	"github.com/jkaninda/ponya/internal/fixer"
	"github.com/jkaninda/ponya/internal/healer"
	"github.com/jkaninda/ponya/internal/project"
	"github.com/jkaninda/ponya/internal/protocol"
	"github.com/jkaninda/ponya/internal/session"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

type noopProcess struct{ out chan string }

func (p *noopProcess) Output() <-chan string             { return p.out }
func (p *noopProcess) Wait(context.Context) (int, error) { return 0, nil }
func (p *noopProcess) Kill() error                       { return nil }

type noopInstance struct{ ready chan engine.ReadyEvent }

func (i *noopInstance) Mount(context.Context, *project.Tree) error { return nil }
func (i *noopInstance) WriteFile(string, []byte) error             { return nil }
func (i *noopInstance) ServerReady() <-chan engine.ReadyEvent      { return i.ready }

func (i *noopInstance) Spawn(context.Context, string, ...string) (engine.Process, error) {
	p := &noopProcess{out: make(chan string)}
	close(p.out)
	return p, nil
}

type noopEngine struct{}

func (noopEngine) Boot(context.Context) (engine.Instance, error) {
	return &noopInstance{ready: make(chan engine.ReadyEvent, 1)}, nil
}

type noopFixer struct{}

func (noopFixer) Fix(context.Context, fixer.Request) (string, error) { return "", nil }

// --- Heal-capable fakes for the fix.applied push path ---

type healProcess struct {
	out  chan string
	done chan struct{}
	once sync.Once
}

func newHealProcess() *healProcess {
	return &healProcess{out: make(chan string, 8), done: make(chan struct{})}
}

func (p *healProcess) Output() <-chan string { return p.out }

func (p *healProcess) Wait(ctx context.Context) (int, error) {
	select {
	case <-p.done:
		return 0, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (p *healProcess) Kill() error {
	p.once.Do(func() {
		close(p.out)
		close(p.done)
	})
	return nil
}

type healInstance struct {
	mu     sync.Mutex
	spawns int
	ready  chan engine.ReadyEvent
}

func newHealInstance() *healInstance {
	return &healInstance{ready: make(chan engine.ReadyEvent, 1)}
}

func (i *healInstance) Mount(context.Context, *project.Tree) error { return nil }
func (i *healInstance) WriteFile(string, []byte) error             { return nil }
func (i *healInstance) ServerReady() <-chan engine.ReadyEvent      { return i.ready }

func (i *healInstance) Spawn(context.Context, string, ...string) (engine.Process, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.spawns++
	if i.spawns == 1 {
		// Install: finished immediately.
		p := newHealProcess()
		p.Kill()
		return p, nil
	}
	// Dev server: stays alive until killed.
	return newHealProcess(), nil
}

type healEngine struct{ inst *healInstance }

func (e healEngine) Boot(context.Context) (engine.Instance, error) { return e.inst, nil }

type patchFixer struct{}

func (patchFixer) Fix(context.Context, fixer.Request) (string, error) { return "fixed", nil }

func newTestServer(t *testing.T, token string) (*Server, *session.Manager, *controller.Controller) {
	t.Helper()
	ctrl := controller.New(noopEngine{}, nil, nil, discardLogger(), controller.Config{})
	sessions := session.NewManager(ctrl, noopFixer{}, nil, nil, discardLogger(), healer.Config{})
	return NewServer(sessions, ctrl, token, discardLogger()), sessions, ctrl
}

func createSession(t *testing.T, sessions *session.Manager) uuid.UUID {
	t.Helper()
	tree := project.NewTree()
	tree.Put("index.html", "<html><head></head></html>")
	rec, err := sessions.Create(context.Background(), "demo.zip", tree)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return rec.ID
}

func TestHandleUpgrade_RequiresToken(t *testing.T) {
	srv, sessions, _ := newTestServer(t, "secret")
	id := createSession(t, sessions)

	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest("GET", "/ws/preview?session="+id.String(), nil))
	if w.Code != 401 {
		t.Fatalf("expected 401 without token, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest("GET", "/ws/preview?session="+id.String()+"&token=wrong", nil))
	if w.Code != 401 {
		t.Fatalf("expected 401 for wrong token, got %d", w.Code)
	}
}

func TestHandleUpgrade_AcceptsBearerHeader(t *testing.T) {
	srv, sessions, _ := newTestServer(t, "secret")
	id := createSession(t, sessions)

	// Correct bearer token passes auth and fails later at the upgrade
	// handshake, not with 401.
	r := httptest.NewRequest("GET", "/ws/preview?session="+id.String(), nil)
	r.Header.Set("Authorization", "Bearer secret")
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, r)
	if w.Code == 401 {
		t.Fatal("expected bearer token to pass authentication")
	}
}

func TestHandleUpgrade_RequiresSessionParam(t *testing.T) {
	srv, _, _ := newTestServer(t, "")

	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest("GET", "/ws/preview", nil))
	if w.Code != 400 {
		t.Fatalf("expected 400 without session param, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest("GET", "/ws/preview?session=not-a-uuid", nil))
	if w.Code != 400 {
		t.Fatalf("expected 400 for malformed session ID, got %d", w.Code)
	}
}

func TestHandleUpgrade_UnknownSession(t *testing.T) {
	srv, _, _ := newTestServer(t, "")

	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest("GET", "/ws/preview?session="+uuid.NewString(), nil))
	if w.Code != 404 {
		t.Fatalf("expected 404 for unknown session, got %d", w.Code)
	}
}

func TestHandleMessage_RejectsGarbageWithErrorEnvelope(t *testing.T) {
	srv, sessions, _ := newTestServer(t, "")
	id := createSession(t, sessions)

	resp := srv.handleMessage(id, []byte("not json"))
	if resp == nil || resp.Type != protocol.MsgError {
		t.Fatalf("expected error envelope for invalid JSON, got %+v", resp)
	}
	var payload protocol.ErrorPayload
	if err := resp.Decode(&payload); err != nil || payload.Message == "" {
		t.Fatalf("expected error payload with a message, got %+v (err %v)", payload, err)
	}
	if resp.SessionID != id.String() {
		t.Fatalf("expected session ID on error envelope, got %q", resp.SessionID)
	}

	// Missing message field.
	if resp := srv.handleMessage(id, []byte(`{"type":"RUNTIME_ERROR"}`)); resp == nil || resp.Type != protocol.MsgError {
		t.Fatalf("expected error envelope for empty report, got %+v", resp)
	}

	// Unknown types and pongs are ignored without a reply.
	if resp := srv.handleMessage(id, []byte(`{"type":"unknown_kind"}`)); resp != nil {
		t.Fatalf("expected no reply to unknown type, got %+v", resp)
	}
	if resp := srv.handleMessage(id, []byte(`{"type":"pong"}`)); resp != nil {
		t.Fatalf("expected no reply to pong, got %+v", resp)
	}
}

func TestHandleMessage_RoutesRuntimeError(t *testing.T) {
	srv, sessions, _ := newTestServer(t, "")
	id := createSession(t, sessions)

	// Sandbox is not running, so the report is dropped after routing. The
	// point is the dispatch path, including an unknown session ID. Neither
	// case is a protocol violation, so no error envelope comes back.
	if resp := srv.handleMessage(id, []byte(`{"type":"RUNTIME_ERROR","message":"boom","stack":"at src/App.tsx:1:1","errorType":"TypeError"}`)); resp != nil {
		t.Fatalf("expected no reply to a routed report, got %+v", resp)
	}
	if resp := srv.handleMessage(uuid.New(), []byte(`{"type":"RUNTIME_ERROR","message":"boom","stack":"at src/App.tsx:1:1"}`)); resp != nil {
		t.Fatalf("expected no reply for unknown session, got %+v", resp)
	}
}

func TestPreviewConnection_InitialState(t *testing.T) {
	srv, sessions, _ := newTestServer(t, "")
	id := createSession(t, sessions)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/?session=" + id.String()
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		Subprotocols: []string{"ponya-preview-v1"},
	})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if env.Type != protocol.MsgRunState {
		t.Fatalf("expected initial run_state envelope, got %s", env.Type)
	}
	if env.SessionID != id.String() {
		t.Fatalf("expected session ID %s, got %s", id, env.SessionID)
	}
}

func TestPreviewConnection_PushesAppliedFixes(t *testing.T) {
	inst := newHealInstance()
	ctrl := controller.New(healEngine{inst: inst}, nil, nil, discardLogger(), controller.Config{})
	sessions := session.NewManager(ctrl, patchFixer{}, nil, nil, discardLogger(), healer.Config{Debounce: time.Millisecond})
	srv := NewServer(sessions, ctrl, "", discardLogger())

	tree := project.NewTree()
	tree.Put("index.html", "<html><head></head><body></body></html>")
	tree.Put("src/App.tsx", "broken")
	rec, err := sessions.Create(context.Background(), "demo.zip", tree)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := sessions.Run(context.Background(), rec.ID); err != nil {
		t.Fatalf("Run: %v", err)
	}
	inst.ready <- engine.ReadyEvent{Port: 5173, URL: "http://localhost:5173"}
	waitFor(t, func() bool { return ctrl.Running() })

	// Drive one successful heal attempt; retry the report in case it raced
	// the ready event. Dedup keeps the log at a single entry.
	sess, _ := sessions.Get(rec.ID)
	waitFor(t, func() bool {
		if err := sessions.HandleRuntimeError(rec.ID, "TypeError", "boom", "    at src/App.tsx:3:1"); err != nil {
			t.Fatalf("HandleRuntimeError: %v", err)
		}
		log := sess.Healer().Log()
		return len(log) == 1 && log[0].Outcome == domain.AttemptSucceeded
	})

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/?session=" + rec.ID.String()
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		Subprotocols: []string{"ponya-preview-v1"},
	})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	// The applied fix replays right after the initial output and state.
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.Fatalf("unmarshal envelope: %v", err)
		}
		if env.Type != protocol.MsgFixApplied {
			continue
		}
		var fix protocol.FixAppliedPayload
		if err := env.Decode(&fix); err != nil {
			t.Fatalf("decode payload: %v", err)
		}
		if fix.FilePath != "src/App.tsx" || fix.Attempt != 1 {
			t.Fatalf("unexpected fix announcement: %+v", fix)
		}
		return
	}
}
