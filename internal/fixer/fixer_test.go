package fixer

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newFixerServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func TestClient_Fix(t *testing.T) {
	srv := newFixerServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/fix-code" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Method != http.MethodPost {
			t.Errorf("unexpected method %s", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("unexpected content type %s", ct)
		}

		var req struct {
			Error       string `json:"error"`
			FilePath    string `json:"filePath"`
			FileContent string `json:"fileContent"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decoding request: %v", err)
		}
		if req.Error != "TypeError: boom" || req.FilePath != "src/App.tsx" || req.FileContent != "broken" {
			t.Errorf("unexpected request payload: %+v", req)
		}

		json.NewEncoder(w).Encode(map[string]string{"fixedCode": "fixed"})
	})

	c := NewClient(srv.URL, discardLogger())
	got, err := c.Fix(context.Background(), Request{
		ErrorText:   "TypeError: boom",
		FilePath:    "src/App.tsx",
		FileContent: "broken",
	})
	if err != nil {
		t.Fatalf("Fix: %v", err)
	}
	if got != "fixed" {
		t.Fatalf("expected fixed code, got %q", got)
	}
}

func TestClient_FixSendsBearerToken(t *testing.T) {
	srv := newFixerServer(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("expected bearer token, got %q", got)
		}
		json.NewEncoder(w).Encode(map[string]string{"fixedCode": "fixed"})
	})

	c := NewClient(srv.URL, discardLogger(), WithAPIKey("secret"))
	if _, err := c.Fix(context.Background(), Request{FileContent: "x"}); err != nil {
		t.Fatalf("Fix: %v", err)
	}
}

func TestClient_FixServiceError(t *testing.T) {
	srv := newFixerServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model overloaded", http.StatusServiceUnavailable)
	})

	c := NewClient(srv.URL, discardLogger())
	_, err := c.Fix(context.Background(), Request{FileContent: "x"})
	if err == nil {
		t.Fatal("expected error for 503 response")
	}
	if !strings.Contains(err.Error(), "503") {
		t.Fatalf("expected status code in error, got: %v", err)
	}
}

func TestClient_FixEmptyResult(t *testing.T) {
	srv := newFixerServer(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"fixedCode": ""})
	})

	c := NewClient(srv.URL, discardLogger())
	if _, err := c.Fix(context.Background(), Request{FileContent: "x"}); err == nil {
		t.Fatal("expected error for empty fixedCode")
	}
}

func TestClient_FixMalformedResponse(t *testing.T) {
	srv := newFixerServer(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "not json")
	})

	c := NewClient(srv.URL, discardLogger())
	if _, err := c.Fix(context.Background(), Request{FileContent: "x"}); err == nil {
		t.Fatal("expected error for malformed response body")
	}
}

func TestClient_FixContextCancellation(t *testing.T) {
	started := make(chan struct{})
	srv := newFixerServer(t, func(w http.ResponseWriter, r *http.Request) {
		// Drain the body so the server starts its background connection
		// read; otherwise it never observes the client going away and
		// r.Context() is never canceled, deadlocking srv.Close.
		io.Copy(io.Discard, r.Body)
		close(started)
		<-r.Context().Done()
	})

	c := NewClient(srv.URL, discardLogger())
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	_, err := c.Fix(ctx, Request{FileContent: "x"})
	if err == nil {
		t.Fatal("expected error after cancellation")
	}
}

func TestClient_FixUnreachableService(t *testing.T) {
	c := NewClient("http://127.0.0.1:1", discardLogger(), WithHTTPClient(&http.Client{
		Timeout: 500 * time.Millisecond,
	}))
	if _, err := c.Fix(context.Background(), Request{FileContent: "x"}); err == nil {
		t.Fatal("expected error for unreachable service")
	}
}
