package observability

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/jkaninda/okapi"
	dto "github.com/prometheus/client_model/go"

	"github.com/jkaninda/ponya/internal/config"
)

// --- No-op Path ---

func TestNew_NilConfig(t *testing.T) {
	obs, err := New(nil, nil)
	if err != nil {
		t.Fatalf("New(nil) error: %v", err)
	}
	if obs != nil {
		t.Fatal("expected nil Observability for nil config")
	}
}

func TestNew_AllDisabled(t *testing.T) {
	obs, err := New(&config.ObservabilityConfig{}, nil)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if obs == nil {
		t.Fatal("expected non-nil Observability")
	}
	if obs.Metrics != nil {
		t.Error("metrics should be nil when not enabled")
	}
	if obs.Tracer != nil {
		t.Error("tracer should be nil when not enabled")
	}
	if obs.Health == nil {
		t.Error("health checker should always be created")
	}
}

func TestNew_MetricsEnabled(t *testing.T) {
	obs, err := New(&config.ObservabilityConfig{
		Metrics: &config.MetricsConfig{Enabled: true},
	}, nil)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if obs.Metrics == nil {
		t.Fatal("expected metrics collector")
	}
	if obs.MetricsOrNil() != obs.Metrics {
		t.Fatal("MetricsOrNil must return the collector")
	}
}

func TestObservability_NilSafety(t *testing.T) {
	var obs *Observability
	obs.Shutdown(context.Background()) // Must not panic.
	if obs.MetricsOrNil() != nil {
		t.Error("expected nil metrics from nil Observability")
	}
	if obs.TracerOrNil() != nil {
		t.Error("expected nil tracer from nil Observability")
	}
	if obs.HealthOrNil() != nil {
		t.Error("expected nil health checker from nil Observability")
	}
	// Registering a check against disabled observability is a no-op, the
	// zero-config startup path depends on it.
	obs.AddHealthCheck("database", func(context.Context) error { return nil })
}

func TestObservability_AddHealthCheck(t *testing.T) {
	obs, err := New(&config.ObservabilityConfig{}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	obs.AddHealthCheck("always-down", func(context.Context) error {
		return errors.New("down")
	})
	status := obs.HealthOrNil().CheckReady(context.Background())
	if status.Status != "degraded" {
		t.Fatalf("expected registered check to run, got status %q", status.Status)
	}
}

// --- Metrics ---

func TestNewMetrics_Registered(t *testing.T) {
	m := NewMetrics()
	if m.Registry == nil {
		t.Fatal("expected non-nil Registry")
	}

	// Vec metrics only appear in Gather after first use.
	m.BootsTotal.WithLabelValues("ok").Inc()
	m.InstallsTotal.WithLabelValues("ok").Inc()
	m.FixAttemptsTotal.WithLabelValues("success").Inc()
	m.HTTPRequestsTotal.WithLabelValues("GET", "/v1/sessions", "200").Inc()
	m.OutputLinesTotal.Inc()
	m.SessionsTotal.Inc()
	m.ResetsTotal.Inc()

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("gather error: %v", err)
	}
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, expected := range []string{
		"ponya_sandbox_boots_total",
		"ponya_sandbox_installs_total",
		"ponya_sandbox_output_lines_total",
		"ponya_healer_fix_attempts_total",
		"ponya_session_created_total",
		"ponya_session_resets_total",
		"ponya_http_requests_total",
	} {
		if !names[expected] {
			t.Errorf("metric %q not found in registry", expected)
		}
	}
}

func TestMetrics_CounterValues(t *testing.T) {
	m := NewMetrics()
	m.FixAttemptsTotal.WithLabelValues("success").Inc()
	m.FixAttemptsTotal.WithLabelValues("success").Inc()
	m.FixAttemptsTotal.WithLabelValues("failure").Inc()

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("gather error: %v", err)
	}

	var found bool
	for _, f := range families {
		if f.GetName() != "ponya_healer_fix_attempts_total" {
			continue
		}
		found = true
		for _, metric := range f.GetMetric() {
			labels := labelMap(metric.GetLabel())
			switch labels["outcome"] {
			case "success":
				if got := metric.GetCounter().GetValue(); got != 2 {
					t.Errorf("success count = %v, want 2", got)
				}
			case "failure":
				if got := metric.GetCounter().GetValue(); got != 1 {
					t.Errorf("failure count = %v, want 1", got)
				}
			}
		}
	}
	if !found {
		t.Error("ponya_healer_fix_attempts_total not found")
	}
}

func labelMap(pairs []*dto.LabelPair) map[string]string {
	m := make(map[string]string)
	for _, p := range pairs {
		m[p.GetName()] = p.GetValue()
	}
	return m
}

// --- HealthChecker ---

func TestHealthChecker_NoChecks(t *testing.T) {
	h := NewHealthChecker(nil)
	status := h.CheckReady(context.Background())
	if status.Status != "ok" {
		t.Errorf("status = %q, want ok", status.Status)
	}
}

func TestHealthChecker_AllPass(t *testing.T) {
	h := NewHealthChecker(nil)
	h.AddCheck("database", func(ctx context.Context) error { return nil })
	h.AddCheck("engine", func(ctx context.Context) error { return nil })

	status := h.CheckReady(context.Background())
	if status.Status != "ok" {
		t.Errorf("status = %q, want ok", status.Status)
	}
	if status.Checks["database"].Status != "ok" {
		t.Errorf("database check = %q, want ok", status.Checks["database"].Status)
	}
}

func TestHealthChecker_OneFails(t *testing.T) {
	h := NewHealthChecker(nil)
	h.AddCheck("database", func(ctx context.Context) error { return errors.New("connection refused") })
	h.AddCheck("engine", func(ctx context.Context) error { return nil })

	status := h.CheckReady(context.Background())
	if status.Status != "degraded" {
		t.Errorf("status = %q, want degraded", status.Status)
	}
	if status.Checks["database"].Status != "fail" {
		t.Errorf("database check = %q, want fail", status.Checks["database"].Status)
	}
	if status.Checks["database"].Message != "connection refused" {
		t.Errorf("unexpected message %q", status.Checks["database"].Message)
	}
	if status.Checks["engine"].Status != "ok" {
		t.Errorf("engine check = %q, want ok", status.Checks["engine"].Status)
	}
}

func TestHealthChecker_Liveness(t *testing.T) {
	h := NewHealthChecker(nil)
	status := h.CheckHealth()
	if status.Status != "ok" {
		t.Errorf("liveness = %q, want ok", status.Status)
	}
}

// --- Middleware ---

func TestHTTPMetricsMiddleware_RecordsRequests(t *testing.T) {
	m := NewMetrics()
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	})
	handler := HTTPMetricsMiddleware(m, nil, next)

	req := httptest.NewRequest(http.MethodPost, "/v1/projects", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201 passed through, got %d", rec.Code)
	}

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("gather error: %v", err)
	}
	var counted bool
	for _, f := range families {
		if f.GetName() != "ponya_http_requests_total" {
			continue
		}
		for _, metric := range f.GetMetric() {
			labels := labelMap(metric.GetLabel())
			if labels["method"] == "POST" && labels["path"] == "/v1/projects" && labels["status"] == "201" {
				if metric.GetCounter().GetValue() == 1 {
					counted = true
				}
			}
		}
	}
	if !counted {
		t.Fatal("expected request counted with method/path/status labels")
	}
}

func TestHTTPMetricsMiddleware_DefaultStatus(t *testing.T) {
	m := NewMetrics()
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok")) // Implicit 200.
	})
	handler := HTTPMetricsMiddleware(m, nil, next)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("gather error: %v", err)
	}
	var counted bool
	for _, f := range families {
		if f.GetName() != "ponya_http_requests_total" {
			continue
		}
		for _, metric := range f.GetMetric() {
			if labelMap(metric.GetLabel())["status"] == "200" {
				counted = true
			}
		}
	}
	if !counted {
		t.Fatal("expected implicit 200 recorded")
	}
}

func TestMetricsMiddleware_RecordsRequests(t *testing.T) {
	m := NewMetrics()
	handler := MetricsMiddleware(m, nil)(func(c *okapi.Context) error {
		return c.String(http.StatusCreated, "created")
	})

	app := okapi.New()
	req := httptest.NewRequest(http.MethodPost, "/v1/projects", nil)
	if err := handler(okapi.NewContext(app, httptest.NewRecorder(), req)); err != nil {
		t.Fatalf("handler error: %v", err)
	}

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("gather error: %v", err)
	}
	var counted bool
	for _, f := range families {
		if f.GetName() != "ponya_http_requests_total" {
			continue
		}
		for _, metric := range f.GetMetric() {
			labels := labelMap(metric.GetLabel())
			if labels["method"] == "POST" && labels["path"] == "/v1/projects" && labels["status"] == "201" {
				counted = true
			}
		}
	}
	if !counted {
		t.Fatal("expected request counted through the okapi chain")
	}
}
