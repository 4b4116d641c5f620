// Package dispatch coordinates task execution: it validates tool requests,
// enforces rate limits, borrows isolation units from the pool, runs the tool
// under a wall-clock watchdog, and persists the task record through every
// status transition. A unit that was executing when a task timed out or was
// cancelled is destroyed, never returned to the pool.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/kazi/internal/observability"
	"github.com/jkaninda/kazi/internal/pool"
	"github.com/jkaninda/kazi/internal/ratelimit"
	"github.com/jkaninda/kazi/internal/session"
	"github.com/jkaninda/kazi/internal/tools"
)

var (
	// ErrUnknownTool is returned when the requested tool is not registered.
	ErrUnknownTool = errors.New("unknown tool")

	// ErrForbidden is returned when a user targets another user's session.
	ErrForbidden = errors.New("session belongs to a different user")

	// ErrNotRunning is returned when cancelling a task that is not running.
	ErrNotRunning = errors.New("task is not running")
)

// errCancelled marks a watchdog abort requested via Cancel.
var errCancelled = errors.New("task cancelled")

// destroyGrace bounds unit teardown after the request context died. The
// backing environment must still be removed even though the caller is gone.
const destroyGrace = 10 * time.Second

// Config configures the dispatch coordinator.
type Config struct {
	MaxExecution time.Duration // Wall-clock budget per task. Default: 30s.
}

// Request describes one tool invocation to dispatch.
type Request struct {
	SessionID uuid.UUID
	UserID    string
	Tool      string
	Params    map[string]any

	// Timeout is the caller-declared wall-clock budget. Zero means the
	// system maximum applies; larger values are clamped to it.
	Timeout time.Duration
}

// Coordinator routes task requests through the pool to tool adapters.
type Coordinator struct {
	cfg      Config
	registry *tools.Registry
	pool     *pool.Manager
	sessions *session.Manager
	store    TaskStore
	limiter  *ratelimit.Limiter
	metrics  *observability.MetricsCollector // nil when metrics are disabled
	tracer   trace.Tracer                    // nil when tracing is disabled
	logger   *slog.Logger

	mu      sync.Mutex
	running map[uuid.UUID]context.CancelCauseFunc

	watchers *watcherHub
}

// NewCoordinator creates a dispatch coordinator. metrics may be nil.
func NewCoordinator(cfg Config, registry *tools.Registry, poolMgr *pool.Manager, sessions *session.Manager, store TaskStore, limiter *ratelimit.Limiter, metrics *observability.MetricsCollector, logger *slog.Logger) *Coordinator {
	if cfg.MaxExecution <= 0 {
		cfg.MaxExecution = 30 * time.Second
	}
	return &Coordinator{
		cfg:      cfg,
		registry: registry,
		pool:     poolMgr,
		sessions: sessions,
		store:    store,
		limiter:  limiter,
		metrics:  metrics,
		logger:   logger,
		running:  make(map[uuid.UUID]context.CancelCauseFunc),
		watchers: newWatcherHub(),
	}
}

// WithTracer enables a span around every executed task.
func (c *Coordinator) WithTracer(tracer trace.Tracer) *Coordinator {
	c.tracer = tracer
	return c
}

// Dispatch executes one tool call synchronously and returns the terminal
// task record. Requests that fail validation or rate limiting are rejected
// before any pool capacity is consumed.
func (c *Coordinator) Dispatch(ctx context.Context, req Request) (*Task, error) {
	task := &Task{
		ID:        uuid.New(),
		SessionID: req.SessionID,
		UserID:    req.UserID,
		Tool:      req.Tool,
		Params:    req.Params,
		Status:    StatusPending,
		CreatedAt: time.Now().UTC(),
	}

	// Validation and admission happen before any unit is borrowed.
	tool := c.registry.Get(req.Tool)
	if tool == nil {
		return c.reject(ctx, task, fmt.Errorf("%w: %s", ErrUnknownTool, req.Tool))
	}
	if err := tool.Validate(req.Params); err != nil {
		return c.reject(ctx, task, fmt.Errorf("invalid parameters: %w", err))
	}
	if err := c.limiter.Allow(req.UserID); err != nil {
		if c.metrics != nil {
			c.metrics.RateLimitedTotal.Inc()
		}
		return c.reject(ctx, task, err)
	}

	sess, err := c.sessions.Require(ctx, req.SessionID)
	if err != nil {
		return c.reject(ctx, task, err)
	}
	if sess.UserID != req.UserID {
		return c.reject(ctx, task, ErrForbidden)
	}
	if err := c.sessions.Touch(ctx, req.SessionID); err != nil {
		c.logger.Warn("touching session failed", slog.String("session_id", req.SessionID.String()), slog.String("error", err.Error()))
	}

	if err := c.store.CreateTask(ctx, task); err != nil {
		return nil, fmt.Errorf("persisting task: %w", err)
	}

	lease, err := c.pool.Acquire(ctx, req.UserID, req.SessionID.String())
	if err != nil {
		task.Status = StatusRejected
		if !errors.Is(err, pool.ErrPoolExhausted) {
			task.Status = StatusFailed
		}
		task.Error = err.Error()
		now := time.Now().UTC()
		task.FinishedAt = &now
		c.finish(ctx, task)
		return task, err
	}

	return c.run(ctx, task, tool, sess, lease, c.execBudget(req.Timeout))
}

// execBudget clamps a caller-declared timeout to the system maximum. Zero
// or negative means the system maximum applies unclamped.
func (c *Coordinator) execBudget(declared time.Duration) time.Duration {
	if declared > 0 && declared < c.cfg.MaxExecution {
		return declared
	}
	return c.cfg.MaxExecution
}

// run executes the tool on the borrowed unit under the watchdog.
func (c *Coordinator) run(ctx context.Context, task *Task, tool tools.Tool, sess *session.Session, lease *pool.Lease, budget time.Duration) (*Task, error) {
	if c.tracer != nil {
		var span trace.Span
		ctx, span = c.tracer.Start(ctx, "dispatch.run",
			trace.WithAttributes(
				attribute.String("task.id", task.ID.String()),
				attribute.String("task.tool", task.Tool),
				attribute.String("session.id", task.SessionID.String()),
			))
		defer func() { span.SetAttributes(attribute.String("task.status", task.Status)); span.End() }()
	}

	execCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	// Cancel(taskID) aborts the watchdog through the cause-carrying layer.
	watchCtx, watchCancel := context.WithCancelCause(execCtx)
	defer watchCancel(nil)

	c.mu.Lock()
	c.running[task.ID] = watchCancel
	c.mu.Unlock()

	started := time.Now().UTC()
	task.Status = StatusRunning
	task.StartedAt = &started
	if err := c.store.UpdateTask(ctx, task); err != nil {
		c.logger.Warn("updating task failed", slog.String("task_id", task.ID.String()), slog.String("error", err.Error()))
	}

	c.logger.Info("task dispatched",
		slog.String("task_id", task.ID.String()),
		slog.String("session_id", task.SessionID.String()),
		slog.String("tool", task.Tool),
	)

	exec := tools.Execution{
		Env:       lease.Env(),
		WorkDir:   c.sessions.WorkDir(sess),
		SessionID: task.SessionID.String(),
		UserID:    task.UserID,
	}

	type outcome struct {
		result *tools.Result
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		r, err := tool.Execute(watchCtx, exec, task.Params)
		done <- outcome{r, err}
	}()

	var destroyed bool
	select {
	case o := <-done:
		task.Output = ""
		switch {
		case o.err != nil:
			task.Status = StatusFailed
			task.Error = o.err.Error()
		case o.result != nil && o.result.Success:
			task.Status = StatusSucceeded
			task.Output = o.result.Output
		default:
			task.Status = StatusFailed
			if o.result != nil {
				task.Output = o.result.Output
				task.Error = "tool reported failure"
			}
		}
	case <-watchCtx.Done():
		// The tool may still be holding the unit. Destroy it so a wedged
		// process can never leak back into the pool.
		reason := pool.ReasonCancelled
		switch cause := context.Cause(watchCtx); {
		case errors.Is(cause, errCancelled):
			task.Status = StatusCancelled
			task.Error = errCancelled.Error()
		case errors.Is(execCtx.Err(), context.DeadlineExceeded):
			task.Status = StatusTimedOut
			task.Error = fmt.Sprintf("execution exceeded %s", budget)
			reason = pool.ReasonTimeout
		default:
			// The caller's context died before the budget expired.
			task.Status = StatusCancelled
			task.Error = "request cancelled"
		}
		destroyed = true

		// Teardown must not inherit the dead request context: a cancelled
		// ctx would abort the backend removal and leak the environment.
		destroyCtx, cancelDestroy := context.WithTimeout(context.WithoutCancel(ctx), destroyGrace)
		if err := c.pool.Destroy(destroyCtx, lease, reason); err != nil {
			c.logger.Warn("destroying unit failed",
				slog.String("reason", reason),
				slog.String("error", err.Error()),
			)
		}
		cancelDestroy()
	}

	if !destroyed {
		if err := c.pool.Release(ctx, lease); err != nil {
			c.logger.Warn("releasing unit failed", slog.String("error", err.Error()))
		}
	}

	finished := time.Now().UTC()
	task.FinishedAt = &finished
	// The terminal record must persist even when the request context died.
	c.finish(context.WithoutCancel(ctx), task)

	if c.metrics != nil {
		c.metrics.DispatchDuration.WithLabelValues(task.Tool).Observe(finished.Sub(started).Seconds())
	}

	c.logger.Info("task finished",
		slog.String("task_id", task.ID.String()),
		slog.String("status", task.Status),
		slog.Duration("duration", finished.Sub(started)),
	)
	return task, nil
}

// Cancel aborts a running task. The borrowed unit is destroyed.
func (c *Coordinator) Cancel(taskID uuid.UUID) error {
	c.mu.Lock()
	cancel, ok := c.running[taskID]
	c.mu.Unlock()
	if !ok {
		return ErrNotRunning
	}
	cancel(errCancelled)
	return nil
}

// Task returns a task record by ID.
func (c *Coordinator) Task(ctx context.Context, id uuid.UUID) (*Task, error) {
	return c.store.GetTask(ctx, id)
}

// Tasks returns a session's most recent task records.
func (c *Coordinator) Tasks(ctx context.Context, sessionID uuid.UUID, limit int) ([]*Task, error) {
	return c.store.ListTasks(ctx, sessionID, limit)
}

// reject marks the task rejected without consuming pool capacity.
func (c *Coordinator) reject(ctx context.Context, task *Task, cause error) (*Task, error) {
	now := time.Now().UTC()
	task.Status = StatusRejected
	task.Error = cause.Error()
	task.FinishedAt = &now

	if err := c.store.CreateTask(ctx, task); err != nil {
		c.logger.Warn("persisting rejected task failed", slog.String("error", err.Error()))
	}
	if c.metrics != nil {
		c.metrics.DispatchesTotal.WithLabelValues(task.Tool, StatusRejected).Inc()
	}
	c.logger.Info("task rejected",
		slog.String("tool", task.Tool),
		slog.String("reason", cause.Error()),
	)
	c.watchers.publish(task)
	return task, cause
}

// finish persists the terminal status, records metrics, and appends the
// session history event.
func (c *Coordinator) finish(ctx context.Context, task *Task) {
	c.mu.Lock()
	delete(c.running, task.ID)
	c.mu.Unlock()

	if err := c.store.UpdateTask(ctx, task); err != nil {
		c.logger.Warn("persisting task result failed",
			slog.String("task_id", task.ID.String()),
			slog.String("error", err.Error()),
		)
	}
	if c.metrics != nil {
		c.metrics.DispatchesTotal.WithLabelValues(task.Tool, task.Status).Inc()
	}

	ev := &session.Event{
		Type: "task_" + task.Status,
		Payload: map[string]any{
			"task_id": task.ID.String(),
			"tool":    task.Tool,
			"status":  task.Status,
		},
	}
	if err := c.sessions.AppendEvent(ctx, task.SessionID, ev); err != nil {
		c.logger.Warn("appending session event failed", slog.String("error", err.Error()))
	}

	c.watchers.publish(task)
}
