// Package httpapi implements the HTTP API gateway.
//
// Security:
//   - API key authentication on every request (constant-time comparison)
//   - Request body size limits (default 1 MB)
//   - Per-user rate limiting via token bucket
//   - All requests logged with correlation IDs
//   - TLS expected via reverse proxy (not handled here)
package httpapi

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/google/uuid"

	"github.com/jkaninda/kazi/internal/agent"
	"github.com/jkaninda/kazi/internal/dispatch"
	"github.com/jkaninda/kazi/internal/observability"
	"github.com/jkaninda/kazi/internal/pool"
	"github.com/jkaninda/kazi/internal/ratelimit"
	"github.com/jkaninda/kazi/internal/session"
	"github.com/jkaninda/kazi/internal/tools"
	"github.com/jkaninda/okapi"
)

const defaultMaxRequestSize = 1 << 20 // 1 MB

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	Error string `json:"error"`
}

// Config configures the HTTP API gateway.
type Config struct {
	ListenAddr     string // e.g., ":8080"
	EnableDocs     bool
	APIKeys        map[string]string // API key → user ID mapping. Keys from env.
	MaxRequestSize int64             // Maximum request body in bytes. 0 = 1 MB default.
	MaxHistory     int               // Events returned per session detail. 0 = store default.

	// Observability
	MetricsRegistry *prometheus.Registry            // Custom Prometheus registry for /metrics.
	MetricsPath     string                          // Path for metrics endpoint. Default: "/metrics".
	HealthChecker   *observability.HealthChecker    // Health checker for /readyz.
	Metrics         *observability.MetricsCollector // Metrics collector for HTTP middleware.
	Tracer          trace.Tracer                    // OTel tracer for HTTP middleware.
}

// Gateway is the HTTP API gateway.
type Gateway struct {
	config   Config
	sessions *session.Manager
	coord    *dispatch.Coordinator
	poolMgr  *pool.Manager
	registry *tools.Registry
	loop     *agent.Loop // nil = planner-driven tasks disabled
	limiter  *ratelimit.Limiter
	logger   *slog.Logger
	server   *http.Server
	okapi    *okapi.Okapi
	group    *okapi.Group
}

// NewGateway creates an HTTP API gateway.
func NewGateway(cfg Config, sessions *session.Manager, coord *dispatch.Coordinator, poolMgr *pool.Manager, registry *tools.Registry, rl *ratelimit.Limiter, logger *slog.Logger) *Gateway {
	maxBody := cfg.MaxRequestSize
	if maxBody <= 0 {
		maxBody = defaultMaxRequestSize
	}
	return &Gateway{
		config:   cfg,
		sessions: sessions,
		coord:    coord,
		poolMgr:  poolMgr,
		registry: registry,
		limiter:  rl,
		logger:   logger,
		okapi:    okapi.New(okapi.WithMaxMultipartMemory(maxBody)),
	}
}

// WithAgentLoop enables goal-driven task submission through the planner.
func (g *Gateway) WithAgentLoop(loop *agent.Loop) *Gateway {
	g.loop = loop
	return g
}

func (g *Gateway) withOpenAPIDocs() *Gateway {
	g.okapi.WithOpenAPIDocs(
		okapi.OpenAPI{
			Title:   "Kazi",
			Version: "v0.1.0",
		},
	)
	return g
}

// Start launches the HTTP server and blocks until it exits or ctx is canceled.
func (g *Gateway) Start(ctx context.Context) error {
	// Metrics/tracing middleware (applied globally).
	if g.config.Metrics != nil || g.config.Tracer != nil {
		g.okapi.Use(observability.MetricsMiddleware(g.config.Metrics, g.config.Tracer))
	}

	// Authenticated /v1 group.
	g.group = g.okapi.Group("/v1", g.authenticate)

	// Session endpoints.
	g.group.Post("/sessions", g.handleSessionCreate,
		okapi.DocSummary("Create a new session"),
		okapi.DocTags("Sessions"),
		okapi.DocRequestBody(SessionCreateRequest{}),
		okapi.DocResponse(http.StatusCreated, SessionResponse{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
	)
	g.group.Get("/sessions", g.handleSessionList,
		okapi.DocSummary("List the caller's sessions"),
		okapi.DocTags("Sessions"),
		okapi.DocResponse([]SessionResponse{}),
	)
	g.group.Get("/sessions/{id}", g.handleSessionGet,
		okapi.DocSummary("Get session status and recent history"),
		okapi.DocTags("Sessions"),
		okapi.DocPathParam("id", "string", "Session ID (UUID)"),
		okapi.DocResponse(SessionDetailResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Delete("/sessions/{id}", g.handleSessionEnd,
		okapi.DocSummary("End a session and tear down its resources"),
		okapi.DocTags("Sessions"),
		okapi.DocPathParam("id", "string", "Session ID (UUID)"),
		okapi.DocResponse(map[string]string{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Get("/sessions/{id}/tasks", g.handleSessionTasks,
		okapi.DocSummary("List a session's task records"),
		okapi.DocTags("Sessions"),
		okapi.DocPathParam("id", "string", "Session ID (UUID)"),
		okapi.DocResponse([]TaskRecordResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)

	// Task endpoints.
	g.group.Post("/tasks", g.handleTaskSubmit,
		okapi.DocSummary("Submit a task (direct tool call or planner goal)"),
		okapi.DocTags("Tasks"),
		okapi.DocRequestBody(TaskSubmitRequest{}),
		okapi.DocResponse(TaskSubmitResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
	)
	g.group.Get("/tasks/{id}", g.handleTaskGet,
		okapi.DocSummary("Get a task record"),
		okapi.DocTags("Tasks"),
		okapi.DocPathParam("id", "string", "Task ID (UUID)"),
		okapi.DocResponse(TaskRecordResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Post("/tasks/{id}/cancel", g.handleTaskCancel,
		okapi.DocSummary("Cancel a running task"),
		okapi.DocTags("Tasks"),
		okapi.DocPathParam("id", "string", "Task ID (UUID)"),
		okapi.DocResponse(map[string]string{}),
		okapi.DocResponse(http.StatusConflict, ErrorBody{}),
	)

	// Introspection.
	g.group.Get("/tools", g.handleToolList,
		okapi.DocSummary("List available tools"),
		okapi.DocTags("Tools"),
		okapi.DocResponse([]tools.Definition{}),
	)
	g.group.Get("/pool", g.handlePoolStats,
		okapi.DocSummary("Current isolation unit pool occupancy"),
		okapi.DocTags("Pool"),
		okapi.DocResponse(pool.Stats{}),
	)

	// WebSocket streaming. Mounted on the mux directly; it performs its
	// own auth because browser WebSocket clients cannot set headers.
	g.okapi.HandleStd("GET", "/v1/sessions/{id}/stream", g.handleStream)

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
		g.withOpenAPIDocs()
	}

	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
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

// --- Session handlers ---

// SessionCreateRequest is the JSON body for POST /v1/sessions.
type SessionCreateRequest struct {
	Metadata map[string]any `json:"metadata,omitempty"`
}

// SessionResponse is a session summary.
type SessionResponse struct {
	ID           string    `json:"id"`
	Status       string    `json:"status"`
	CreatedAt    time.Time `json:"created_at"`
	LastActiveAt time.Time `json:"last_active_at"`
}

// SessionDetailResponse includes the recent invocation history.
type SessionDetailResponse struct {
	SessionResponse
	Metadata map[string]any  `json:"metadata,omitempty"`
	History  []EventResponse `json:"history"`
}

// EventResponse is one entry of the session's ordered history.
type EventResponse struct {
	SeqNum    int            `json:"seq_num"`
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

func (g *Gateway) handleSessionCreate(c *okapi.Context) error {
	userID := c.GetString("userID")

	if g.limiter != nil {
		if err := g.limiter.Allow(userID); err != nil {
			return c.AbortTooManyRequests("rate limit exceeded")
		}
	}

	var req SessionCreateRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}

	s, err := g.sessions.Create(c.Context(), userID, req.Metadata)
	if err != nil {
		g.logger.Error("session creation failed",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		return c.AbortInternalServerError("session creation failed")
	}

	return c.JSON(http.StatusCreated, toSessionResponse(s))
}

func (g *Gateway) handleSessionList(c *okapi.Context) error {
	userID := c.GetString("userID")

	list, err := g.sessions.List(c.Context(), userID)
	if err != nil {
		return c.AbortInternalServerError("listing sessions failed")
	}

	resp := make([]SessionResponse, len(list))
	for i, s := range list {
		resp[i] = toSessionResponse(s)
	}
	return c.OK(resp)
}

func (g *Gateway) handleSessionGet(c *okapi.Context) error {
	s, err := g.ownedSession(c)
	if err != nil {
		return err
	}

	history, err := g.sessions.History(c.Context(), s.ID, g.config.MaxHistory)
	if err != nil {
		return c.AbortInternalServerError("loading history failed")
	}

	events := make([]EventResponse, len(history))
	for i, ev := range history {
		events[i] = EventResponse{
			SeqNum:    ev.SeqNum,
			Type:      ev.Type,
			Payload:   ev.Payload,
			CreatedAt: ev.CreatedAt,
		}
	}
	return c.OK(SessionDetailResponse{
		SessionResponse: toSessionResponse(s),
		Metadata:        s.Metadata,
		History:         events,
	})
}

func (g *Gateway) handleSessionEnd(c *okapi.Context) error {
	s, err := g.ownedSession(c)
	if err != nil {
		return err
	}

	if err := g.sessions.End(c.Context(), s.ID); err != nil {
		g.logger.Error("session teardown failed",
			slog.String("session_id", s.ID.String()),
			slog.String("error", err.Error()),
		)
		return c.AbortInternalServerError("session teardown failed")
	}
	return c.OK(map[string]string{"status": "ended"})
}

func (g *Gateway) handleSessionTasks(c *okapi.Context) error {
	s, err := g.ownedSession(c)
	if err != nil {
		return err
	}

	list, err := g.coord.Tasks(c.Context(), s.ID, 0)
	if err != nil {
		return c.AbortInternalServerError("listing tasks failed")
	}

	resp := make([]TaskRecordResponse, len(list))
	for i, t := range list {
		resp[i] = toTaskResponse(t)
	}
	return c.OK(resp)
}

// --- Task handlers ---

// TaskSubmitRequest is the JSON body for POST /v1/tasks. Either Tool (a
// direct tool call) or Goal (a planner-driven run) must be set.
// SessionID is optional: omitted = a new session is created first.
// TimeoutSeconds caps the execution wall clock; it is clamped to the
// system maximum. File is a workspace-relative path handed to the tool.
type TaskSubmitRequest struct {
	SessionID      string         `json:"session_id,omitempty"`
	Tool           string         `json:"tool,omitempty"`
	Params         map[string]any `json:"params,omitempty"`
	Goal           string         `json:"goal,omitempty"`
	TimeoutSeconds int            `json:"timeout_seconds,omitempty"`
	File           string         `json:"file,omitempty"`
}

// TaskSubmitResponse is the JSON response for POST /v1/tasks.
type TaskSubmitResponse struct {
	SessionID     string              `json:"session_id"`
	CorrelationID string              `json:"correlation_id"`
	Task          *TaskRecordResponse `json:"task,omitempty"`    // direct tool call
	Message       string              `json:"message,omitempty"` // planner run final answer
	Steps         []agent.Step        `json:"steps,omitempty"`   // planner run steps
}

// TaskRecordResponse is the JSON form of one task record.
type TaskRecordResponse struct {
	ID         string         `json:"id"`
	SessionID  string         `json:"session_id"`
	Tool       string         `json:"tool"`
	Status     string         `json:"status"`
	Output     string         `json:"output,omitempty"`
	Error      string         `json:"error,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	StartedAt  *time.Time     `json:"started_at,omitempty"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
	Params     map[string]any `json:"params,omitempty"`
}

func (g *Gateway) handleTaskSubmit(c *okapi.Context) error {
	userID := c.GetString("userID")

	var req TaskSubmitRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if (req.Tool == "") == (req.Goal == "") {
		return c.AbortBadRequest("exactly one of tool or goal is required")
	}
	if req.Goal != "" && g.loop == nil {
		return c.AbortServiceUnavailable("planner not configured")
	}
	if req.TimeoutSeconds < 0 {
		return c.AbortBadRequest("timeout_seconds must not be negative")
	}

	// Create-on-first-task: a missing session_id starts a fresh session.
	var sessionID uuid.UUID
	if req.SessionID != "" {
		id, err := uuid.Parse(req.SessionID)
		if err != nil {
			return c.AbortBadRequest("invalid session ID")
		}
		sessionID = id
	} else {
		if g.limiter != nil {
			if err := g.limiter.Allow(userID); err != nil {
				return c.AbortTooManyRequests("rate limit exceeded")
			}
		}
		s, err := g.sessions.Create(c.Context(), userID, nil)
		if err != nil {
			return c.AbortInternalServerError("session creation failed")
		}
		sessionID = s.ID
	}

	correlationID := newCorrelationID()
	g.logger.Info("task submitted",
		slog.String("user_id", userID),
		slog.String("session_id", sessionID.String()),
		slog.String("correlation_id", correlationID),
		slog.String("tool", req.Tool),
		slog.Bool("planner", req.Goal != ""),
	)

	if req.Goal != "" {
		res, err := g.loop.Run(c.Context(), sessionID, userID, req.Goal)
		if err != nil && !errors.Is(err, agent.ErrBudgetExhausted) {
			g.logger.Error("planner run failed",
				slog.String("correlation_id", correlationID),
				slog.String("error", err.Error()),
			)
			return c.AbortInternalServerError("planner run failed")
		}
		resp := TaskSubmitResponse{
			SessionID:     sessionID.String(),
			CorrelationID: correlationID,
			Steps:         res.Steps,
			Message:       res.Message,
		}
		if errors.Is(err, agent.ErrBudgetExhausted) {
			resp.Message = "iteration budget exhausted before the goal was done"
		}
		return c.OK(resp)
	}

	task, err := g.coord.Dispatch(c.Context(), dispatch.Request{
		SessionID: sessionID,
		UserID:    userID,
		Tool:      req.Tool,
		Params:    withFileRef(req.Params, req.File),
		Timeout:   time.Duration(req.TimeoutSeconds) * time.Second,
	})
	if err != nil {
		switch {
		case errors.Is(err, dispatch.ErrUnknownTool):
			return c.AbortBadRequest("unknown tool")
		case errors.Is(err, ratelimit.ErrRateLimited):
			return c.AbortTooManyRequests("rate limit exceeded")
		case errors.Is(err, session.ErrNotFound), errors.Is(err, dispatch.ErrForbidden):
			return c.JSON(http.StatusNotFound, okapi.M{"error": "session not found"})
		case errors.Is(err, session.ErrEnded):
			return c.JSON(http.StatusConflict, okapi.M{"error": "session has ended"})
		case task == nil:
			g.logger.Error("dispatch failed",
				slog.String("correlation_id", correlationID),
				slog.String("error", err.Error()),
			)
			return c.AbortInternalServerError("dispatch failed")
		}
		// Rejections and capacity failures still return the record; the
		// task status carries the detail.
	}

	tr := toTaskResponse(task)
	return c.OK(TaskSubmitResponse{
		SessionID:     sessionID.String(),
		CorrelationID: correlationID,
		Task:          &tr,
	})
}

func (g *Gateway) handleTaskGet(c *okapi.Context) error {
	userID := c.GetString("userID")

	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.AbortBadRequest("invalid task ID")
	}

	task, err := g.coord.Task(c.Context(), id)
	if err != nil || task.UserID != userID {
		return c.JSON(http.StatusNotFound, okapi.M{"error": "task not found"})
	}
	return c.OK(toTaskResponse(task))
}

func (g *Gateway) handleTaskCancel(c *okapi.Context) error {
	userID := c.GetString("userID")

	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.AbortBadRequest("invalid task ID")
	}

	task, err := g.coord.Task(c.Context(), id)
	if err != nil || task.UserID != userID {
		return c.JSON(http.StatusNotFound, okapi.M{"error": "task not found"})
	}

	if err := g.coord.Cancel(id); err != nil {
		if errors.Is(err, dispatch.ErrNotRunning) {
			return c.JSON(http.StatusConflict, okapi.M{"error": "task is not running"})
		}
		return c.AbortInternalServerError("cancellation failed")
	}
	return c.OK(map[string]string{"status": "cancelling"})
}

// --- Introspection handlers ---

func (g *Gateway) handleToolList(c *okapi.Context) error {
	return c.OK(tools.Definitions(g.registry))
}

func (g *Gateway) handlePoolStats(c *okapi.Context) error {
	return c.OK(g.poolMgr.Stats())
}

// --- Health handlers ---

// HealthResponse is the JSON response for GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

// handleLiveness is the Kubernetes liveness probe
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

// --- Authentication ---

// authenticate validates the API key and stores the mapped user ID on
// the request context.
func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		userID, ok := g.resolveAPIKey(bearerToken(c.Header("Authorization")))
		if !ok {
			return c.AbortUnauthorized("missing or invalid API key")
		}
		c.Set("userID", userID)
		return next(c)
	}
}

// resolveAPIKey maps an API key to a user ID in constant time.
func (g *Gateway) resolveAPIKey(apiKey string) (string, bool) {
	if apiKey == "" {
		return "", false
	}
	userID := ""
	for key, mapped := range g.config.APIKeys {
		if subtle.ConstantTimeCompare([]byte(apiKey), []byte(key)) == 1 {
			userID = mapped
		}
	}
	return userID, userID != ""
}

func bearerToken(authHeader string) string {
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return ""
	}
	return strings.TrimPrefix(authHeader, "Bearer ")
}

// --- Helpers ---

// ownedSession loads the path session and enforces ownership. Foreign
// sessions read as not found so IDs do not leak across users.
func (g *Gateway) ownedSession(c *okapi.Context) (*session.Session, error) {
	userID := c.GetString("userID")

	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return nil, c.AbortBadRequest("invalid session ID")
	}

	s, err := g.sessions.Get(c.Context(), id)
	if err != nil || s.UserID != userID {
		return nil, c.JSON(http.StatusNotFound, okapi.M{"error": "session not found"})
	}
	return s, nil
}

func toSessionResponse(s *session.Session) SessionResponse {
	return SessionResponse{
		ID:           s.ID.String(),
		Status:       s.Status,
		CreatedAt:    s.CreatedAt,
		LastActiveAt: s.LastActiveAt,
	}
}

func toTaskResponse(t *dispatch.Task) TaskRecordResponse {
	return TaskRecordResponse{
		ID:         t.ID.String(),
		SessionID:  t.SessionID.String(),
		Tool:       t.Tool,
		Status:     t.Status,
		Output:     t.Output,
		Error:      t.Error,
		CreatedAt:  t.CreatedAt,
		StartedAt:  t.StartedAt,
		FinishedAt: t.FinishedAt,
		Params:     t.Params,
	}
}

// withFileRef merges the request's file reference into the tool
// parameters as "path". An explicit "path" parameter wins.
func withFileRef(params map[string]any, file string) map[string]any {
	if file == "" {
		return params
	}
	merged := make(map[string]any, len(params)+1)
	for k, v := range params {
		merged[k] = v
	}
	if _, ok := merged["path"]; !ok {
		merged["path"] = file
	}
	return merged
}

func newCorrelationID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
