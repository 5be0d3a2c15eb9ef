// Package httpapi implements the HTTP API gateway for Ponya.
//
// Security:
//   - API key authentication on every /v1 request (constant-time comparison)
//   - Upload size limits
//   - Per-client rate limiting via token bucket
//   - All requests logged with correlation IDs
//   - TLS expected via reverse proxy (not handled here)
package httpapi

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jkaninda/okapi"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/ponya/internal/controller"
	"github.com/jkaninda/ponya/internal/observability"
	"github.com/jkaninda/ponya/internal/project"
	"github.com/jkaninda/ponya/internal/ratelimit"
	"github.com/jkaninda/ponya/internal/session"
)

const defaultMaxUploadSize = 32 << 20 // 32 MB

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	Error string `json:"error"`
}

// Config configures the HTTP API gateway.
type Config struct {
	ListenAddr    string // e.g., ":8080"
	EnableDocs    bool
	APIKey        string // Empty = authentication disabled (local dev).
	MaxUploadSize int64  // Maximum archive upload in bytes. 0 = 32 MB default.

	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Observability
	MetricsRegistry *prometheus.Registry         // Custom Prometheus registry for /metrics.
	MetricsPath     string                       // Path for metrics endpoint. Default: "/metrics".
	HealthChecker   *observability.HealthChecker // Health checker for /readyz endpoint.
	Metrics         *observability.Metrics       // Metrics collector for HTTP middleware.
	Tracer          trace.Tracer                 // OTel tracer for HTTP middleware.
}

func (c Config) maxUpload() int64 {
	if c.MaxUploadSize > 0 {
		return c.MaxUploadSize
	}
	return defaultMaxUploadSize
}

// ArchiveSaver persists uploaded archives for later inspection. May be nil.
type ArchiveSaver interface {
	UploadPath(sessionID string) string
}

// Gateway is the HTTP API gateway.
type Gateway struct {
	config   Config
	sessions *session.Manager
	ctrl     *controller.Controller
	limiter  *ratelimit.Limiter
	logger   *slog.Logger
	server   *http.Server
	saver    ArchiveSaver

	// Extra handlers mounted on the HTTP mux (e.g., WebSocket preview endpoint).
	extraRoutes []extraRoute

	okapi *okapi.Okapi
	group *okapi.Group
}

// extraRoute stores an additional handler to be mounted on the HTTP mux.
type extraRoute struct {
	pattern string
	handler http.Handler
}

// NewGateway creates an HTTP API gateway.
func NewGateway(cfg Config, sessions *session.Manager, ctrl *controller.Controller, rl *ratelimit.Limiter, logger *slog.Logger) *Gateway {
	return &Gateway{
		config:   cfg,
		sessions: sessions,
		ctrl:     ctrl,
		limiter:  rl,
		logger:   logger,
		okapi:    okapi.New(okapi.WithMaxMultipartMemory(cfg.maxUpload())),
	}
}

// WithArchiveSaver persists uploaded archives to the workspace uploads dir.
func (g *Gateway) WithArchiveSaver(saver ArchiveSaver) *Gateway {
	g.saver = saver
	return g
}

// WithHandler mounts an additional handler on the HTTP mux at the given pattern.
// Used for the WebSocket preview endpoint alongside the API routes.
func (g *Gateway) WithHandler(pattern string, handler http.Handler) *Gateway {
	g.extraRoutes = append(g.extraRoutes, extraRoute{pattern: pattern, handler: handler})
	return g
}

// WithOpenAPIDocs enables the OpenAPI documentation endpoint.
func (g *Gateway) WithOpenAPIDocs() *Gateway {
	g.okapi.WithOpenAPIDocs(
		okapi.OpenAPI{
			Title:   "Ponya",
			Version: "v0.1.0",
		},
	)
	return g
}

// Start launches the HTTP server and blocks until it exits or ctx is canceled.
func (g *Gateway) Start(ctx context.Context) error {
	// Authenticated /v1 group. Metrics/tracing run in the okapi chain ahead
	// of authentication so rejected requests are counted too.
	groupMW := []okapi.Middleware{g.authenticate}
	if g.config.Metrics != nil || g.config.Tracer != nil {
		groupMW = append([]okapi.Middleware{
			observability.MetricsMiddleware(g.config.Metrics, g.config.Tracer),
		}, groupMW...)
	}
	g.group = g.okapi.Group("/v1", groupMW...)

	g.group.Post("/projects", g.handleProjectUpload,
		okapi.DocSummary("Upload a project archive and create a session"),
		okapi.DocTags("Projects"),
		okapi.DocResponse(http.StatusCreated, SessionResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
	)
	g.group.Get("/sessions/{id}", g.handleSessionState,
		okapi.DocSummary("Get session run state"),
		okapi.DocTags("Sessions"),
		okapi.DocPathParam("id", "string", "Session ID (UUID)"),
		okapi.DocResponse(StateResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Post("/sessions/{id}/run", g.handleSessionRun,
		okapi.DocSummary("Install dependencies and start the dev server"),
		okapi.DocTags("Sessions"),
		okapi.DocPathParam("id", "string", "Session ID (UUID)"),
		okapi.DocResponse(http.StatusAccepted, StateResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
		okapi.DocResponse(http.StatusBadGateway, ErrorBody{}),
	)
	g.group.Get("/sessions/{id}/output", g.handleSessionOutput,
		okapi.DocSummary("Get buffered process output"),
		okapi.DocTags("Sessions"),
		okapi.DocPathParam("id", "string", "Session ID (UUID)"),
		okapi.DocQueryParam("tail", "int", "Return only the last N lines", false),
		okapi.DocResponse(OutputResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Get("/sessions/{id}/events", g.handleSessionEvents,
		okapi.DocSummary("Stream process output via SSE"),
		okapi.DocTags("Sessions"),
		okapi.DocPathParam("id", "string", "Session ID (UUID)"),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Put("/sessions/{id}/files", g.handleFileUpdate,
		okapi.DocSummary("Update a project file and hot-patch the sandbox"),
		okapi.DocTags("Sessions"),
		okapi.DocPathParam("id", "string", "Session ID (UUID)"),
		okapi.DocRequestBody(FileUpdateRequest{}),
		okapi.DocResponse(FileUpdateResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Post("/sessions/{id}/reset", g.handleSessionReset,
		okapi.DocSummary("Stop the dev server and clear run state"),
		okapi.DocTags("Sessions"),
		okapi.DocPathParam("id", "string", "Session ID (UUID)"),
		okapi.DocResponse(StateResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Get("/sessions/{id}/attempts", g.handleSessionAttempts,
		okapi.DocSummary("List self-healing fix attempts"),
		okapi.DocTags("Healing"),
		okapi.DocPathParam("id", "string", "Session ID (UUID)"),
		okapi.DocResponse([]AttemptResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Post("/sessions/{id}/runtime-error", g.handleRuntimeError,
		okapi.DocSummary("Report a browser runtime error for healing"),
		okapi.DocTags("Healing"),
		okapi.DocPathParam("id", "string", "Session ID (UUID)"),
		okapi.DocRequestBody(RuntimeErrorRequest{}),
		okapi.DocResponse(http.StatusAccepted, map[string]string{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)

	// Extra handlers (e.g., WebSocket preview endpoint). These live outside
	// the okapi handler chain, so they get the plain http.Handler variant of
	// the metrics middleware.
	for _, er := range g.extraRoutes {
		h := er.handler
		if g.config.Metrics != nil || g.config.Tracer != nil {
			h = observability.HTTPMetricsMiddleware(g.config.Metrics, g.config.Tracer, h)
		}
		g.okapi.HandleStd("GET", er.pattern, h.ServeHTTP)
	}

	// Observability endpoints (unauthenticated).
	g.okapi.Get("/healthz", g.handleLiveness)
	g.okapi.Get("/readyz", g.handleReadiness)

	if g.config.MetricsRegistry != nil {
		path := g.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		g.okapi.HandleStd("GET", path, promhttp.HandlerFor(g.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	if g.config.EnableDocs {
		g.WithOpenAPIDocs()
	}

	readTimeout := g.config.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = 60 * time.Second
	}
	writeTimeout := g.config.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 120 * time.Second
	}

	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	g.logger.Info("http api gateway starting", slog.String("addr", g.config.ListenAddr))
	return g.okapi.StartServer(g.server)
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(_ context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("http api gateway stopping")
	return g.okapi.Shutdown(g.server)
}

// --- Handlers ---

// SessionResponse is the JSON response after a project upload.
type SessionResponse struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	FileCount int       `json:"file_count"`
	Files     []string  `json:"files"`
	CreatedAt time.Time `json:"created_at"`
}

func (g *Gateway) handleProjectUpload(c *okapi.Context) error {
	if err := g.rateLimit(c); err != nil {
		return err
	}

	file, header, err := c.Request().FormFile("archive")
	if err != nil {
		return c.AbortBadRequest("archive file is required")
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, g.config.maxUpload()+1))
	if err != nil {
		return c.AbortBadRequest("reading archive failed")
	}
	if int64(len(data)) > g.config.maxUpload() {
		return c.AbortBadRequest("archive too large")
	}

	tree, err := project.FromZip(data)
	if err != nil {
		g.logger.Warn("rejecting project archive",
			slog.String("name", header.Filename),
			slog.String("error", err.Error()),
		)
		return c.AbortBadRequest("invalid project archive")
	}

	correlationID := newCorrelationID()
	sess, err := g.sessions.Create(c.Context(), header.Filename, tree)
	if err != nil {
		g.logger.Error("session creation failed",
			slog.String("correlation_id", correlationID),
			slog.String("error", err.Error()),
		)
		return c.AbortInternalServerError("session creation failed")
	}

	if g.saver != nil {
		if err := saveArchive(g.saver.UploadPath(sess.ID.String()), data); err != nil {
			g.logger.Warn("saving archive failed", slog.String("error", err.Error()))
		}
	}

	g.logger.Info("project uploaded",
		slog.String("correlation_id", correlationID),
		slog.String("session_id", sess.ID.String()),
		slog.Int("files", sess.FileCount),
	)

	return c.JSON(http.StatusCreated, SessionResponse{
		ID:        sess.ID.String(),
		Name:      sess.Name,
		FileCount: sess.FileCount,
		Files:     tree.Files(),
		CreatedAt: sess.CreatedAt,
	})
}

// StateResponse is the JSON run state snapshot.
type StateResponse struct {
	SessionID  string `json:"session_id"`
	Phase      string `json:"phase"`
	Booting    bool   `json:"booting"`
	Installing bool   `json:"installing"`
	Running    bool   `json:"running"`
	PreviewURL string `json:"preview_url,omitempty"`
	LastError  string `json:"last_error,omitempty"`
	Attempts   int    `json:"fix_attempts"`
}

func (g *Gateway) stateResponse(id uuid.UUID) StateResponse {
	st := g.ctrl.State()
	resp := StateResponse{
		SessionID:  id.String(),
		Phase:      string(st.Phase()),
		Booting:    st.Booting,
		Installing: st.Installing,
		Running:    st.Running,
		PreviewURL: st.PreviewURL,
		LastError:  st.LastError,
	}
	if sess, err := g.sessions.Get(id); err == nil {
		resp.Attempts = sess.Healer().State().Attempts
	}
	return resp
}

func (g *Gateway) handleSessionState(c *okapi.Context) error {
	id, err := g.sessionID(c)
	if err != nil {
		return err
	}
	return c.OK(g.stateResponse(id))
}

func (g *Gateway) handleSessionRun(c *okapi.Context) error {
	if err := g.rateLimit(c); err != nil {
		return err
	}
	id, err := g.sessionID(c)
	if err != nil {
		return err
	}

	if err := g.sessions.Run(c.Context(), id); err != nil {
		g.logger.Error("starting dev server failed",
			slog.String("session_id", id.String()),
			slog.String("error", err.Error()),
		)
		switch {
		case errors.Is(err, controller.ErrBootFailure):
			return c.JSON(http.StatusBadGateway, ErrorBody{Error: "sandbox boot failed"})
		case errors.Is(err, controller.ErrInstallFailure):
			return c.JSON(http.StatusBadGateway, ErrorBody{Error: "dependency install failed"})
		default:
			return c.AbortInternalServerError("starting dev server failed")
		}
	}
	return c.JSON(http.StatusAccepted, g.stateResponse(id))
}

// OutputResponse is the JSON response for the output buffer.
type OutputResponse struct {
	Lines []string `json:"lines"`
}

func (g *Gateway) handleSessionOutput(c *okapi.Context) error {
	id, err := g.sessionID(c)
	if err != nil {
		return err
	}
	_ = id

	if tail := queryInt(c.Request(), "tail"); tail > 0 {
		return c.OK(OutputResponse{Lines: g.ctrl.OutputTail(tail)})
	}
	return c.OK(OutputResponse{Lines: g.ctrl.OutputLines()})
}

// FileUpdateRequest is the JSON body for PUT /v1/sessions/{id}/files.
type FileUpdateRequest struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// FileUpdateResponse confirms a file update.
type FileUpdateResponse struct {
	Path    string `json:"path"`
	Applied bool   `json:"applied"`
}

func (g *Gateway) handleFileUpdate(c *okapi.Context) error {
	if err := g.rateLimit(c); err != nil {
		return err
	}
	id, err := g.sessionID(c)
	if err != nil {
		return err
	}

	var req FileUpdateRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if req.Path == "" {
		return c.AbortBadRequest("path is required")
	}

	if err := g.sessions.UpdateFile(id, req.Path, req.Content); err != nil {
		if errors.Is(err, controller.ErrNotBooted) {
			// Tree updated; the sandbox picks it up on the next run.
			return c.OK(FileUpdateResponse{Path: req.Path, Applied: false})
		}
		g.logger.Error("file update failed",
			slog.String("session_id", id.String()),
			slog.String("path", req.Path),
			slog.String("error", err.Error()),
		)
		return c.AbortInternalServerError("file update failed")
	}
	return c.OK(FileUpdateResponse{Path: req.Path, Applied: true})
}

func (g *Gateway) handleSessionReset(c *okapi.Context) error {
	if err := g.rateLimit(c); err != nil {
		return err
	}
	id, err := g.sessionID(c)
	if err != nil {
		return err
	}

	if err := g.sessions.Reset(id); err != nil {
		return c.AbortInternalServerError("reset failed")
	}
	g.logger.Info("session reset", slog.String("session_id", id.String()))
	return c.OK(g.stateResponse(id))
}

// AttemptResponse is one entry in the healing attempt log.
type AttemptResponse struct {
	ID        string    `json:"id"`
	Attempt   int       `json:"attempt"`
	FilePath  string    `json:"file_path,omitempty"`
	Outcome   string    `json:"outcome"`
	Kind      string    `json:"kind,omitempty"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

func (g *Gateway) handleSessionAttempts(c *okapi.Context) error {
	id, err := g.sessionID(c)
	if err != nil {
		return err
	}

	limit := queryInt(c.Request(), "limit")
	entries, err := g.sessions.Attempts(c.Context(), id, limit)
	if err != nil {
		return c.AbortInternalServerError("listing attempts failed")
	}

	resp := make([]AttemptResponse, 0, len(entries))
	for _, e := range entries {
		resp = append(resp, AttemptResponse{
			ID:        e.ID.String(),
			Attempt:   e.Attempt,
			FilePath:  e.FilePath,
			Outcome:   string(e.Outcome),
			Kind:      string(e.Kind),
			Message:   e.Message,
			CreatedAt: e.CreatedAt,
		})
	}
	return c.OK(resp)
}

// RuntimeErrorRequest is the JSON body for POST /v1/sessions/{id}/runtime-error.
type RuntimeErrorRequest struct {
	Message   string `json:"message"`
	Stack     string `json:"stack,omitempty"`
	ErrorType string `json:"errorType,omitempty"`
}

func (g *Gateway) handleRuntimeError(c *okapi.Context) error {
	if err := g.rateLimit(c); err != nil {
		return err
	}
	id, err := g.sessionID(c)
	if err != nil {
		return err
	}

	var req RuntimeErrorRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if req.Message == "" {
		return c.AbortBadRequest("message is required")
	}

	if err := g.sessions.HandleRuntimeError(id, req.ErrorType, req.Message, req.Stack); err != nil {
		return sessionError(c, err)
	}
	return c.JSON(http.StatusAccepted, map[string]string{"status": "accepted"})
}

// HealthResponse is the JSON response for health endpoints.
type HealthResponse struct {
	Status string `json:"status"`
}

// handleLiveness is the Kubernetes liveness probe.
func (g *Gateway) handleLiveness(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

// handleReadiness checks all registered dependencies and returns 200 or 503.
func (g *Gateway) handleReadiness(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(&HealthResponse{Status: "ok"})
	}

	status := g.config.HealthChecker.CheckReady(c.Context())
	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

// --- Middleware and helpers ---

func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		// No key configured: open for local development.
		if g.config.APIKey == "" {
			return next(c)
		}

		authHeader := c.Header("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			return c.AbortUnauthorized("missing or invalid Authorization header")
		}
		apiKey := strings.TrimPrefix(authHeader, "Bearer ")

		if subtle.ConstantTimeCompare([]byte(apiKey), []byte(g.config.APIKey)) != 1 {
			return c.AbortUnauthorized("invalid API key")
		}
		return next(c)
	}
}

// rateLimit enforces the per-client token bucket keyed by remote address.
func (g *Gateway) rateLimit(c *okapi.Context) error {
	if g.limiter == nil {
		return nil
	}
	if err := g.limiter.Allow(clientAddr(c.Request())); err != nil {
		return c.AbortTooManyRequests("rate limit exceeded")
	}
	return nil
}

// sessionID parses and validates the session ID path parameter against the
// active session. Responds 404 for unknown sessions.
func (g *Gateway) sessionID(c *okapi.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, c.AbortBadRequest("invalid session ID")
	}
	if _, err := g.sessions.Get(id); err != nil {
		return uuid.Nil, c.JSON(http.StatusNotFound, ErrorBody{Error: "session not found"})
	}
	return id, nil
}

// sessionError maps session errors to HTTP responses.
func sessionError(c *okapi.Context, err error) error {
	if errors.Is(err, session.ErrNoSession) {
		return c.JSON(http.StatusNotFound, ErrorBody{Error: "session not found"})
	}
	return c.AbortInternalServerError("session error")
}

// clientAddr extracts the client host for rate limiting.
func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// saveArchive writes an uploaded archive to the workspace uploads directory.
func saveArchive(path string, data []byte) error {
	return os.WriteFile(path, data, 0640)
}

// queryInt reads a non-negative integer query parameter, 0 when absent or bad.
func queryInt(r *http.Request, name string) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func newCorrelationID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
