package dispatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/kazi/internal/pool"
	"github.com/jkaninda/kazi/internal/ratelimit"
	"github.com/jkaninda/kazi/internal/sandbox"
	"github.com/jkaninda/kazi/internal/session"
	"github.com/jkaninda/kazi/internal/tools"
	"github.com/jkaninda/kazi/internal/workspace"
)

// memTaskStore is an in-memory TaskStore for coordinator tests.
type memTaskStore struct {
	mu    sync.Mutex
	tasks map[uuid.UUID]*Task
}

func newMemTaskStore() *memTaskStore {
	return &memTaskStore{tasks: make(map[uuid.UUID]*Task)}
}

func (m *memTaskStore) CreateTask(_ context.Context, t *Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *t
	m.tasks[t.ID] = &cp
	return nil
}

func (m *memTaskStore) UpdateTask(_ context.Context, t *Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[t.ID]; !ok {
		return ErrTaskNotFound
	}
	cp := *t
	m.tasks[t.ID] = &cp
	return nil
}

func (m *memTaskStore) GetTask(_ context.Context, id uuid.UUID) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *memTaskStore) ListTasks(_ context.Context, sessionID uuid.UUID, _ int) ([]*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Task
	for _, t := range m.tasks {
		if t.SessionID == sessionID {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

// memSessionStore is the minimal session.Store the manager needs in tests.
type memSessionStore struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]*session.Session
	events   map[uuid.UUID][]*session.Event
}

func newMemSessionStore() *memSessionStore {
	return &memSessionStore{
		sessions: make(map[uuid.UUID]*session.Session),
		events:   make(map[uuid.UUID][]*session.Event),
	}
}

func (m *memSessionStore) CreateSession(_ context.Context, s *session.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.sessions[s.ID] = &cp
	return nil
}

func (m *memSessionStore) GetSession(_ context.Context, id uuid.UUID) (*session.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, session.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *memSessionStore) TouchSession(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return session.ErrNotFound
	}
	s.LastActiveAt = time.Now().UTC()
	return nil
}

func (m *memSessionStore) ListSessions(_ context.Context, userID string) ([]*session.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*session.Session
	for _, s := range m.sessions {
		if s.UserID == userID {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memSessionStore) EndSession(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return session.ErrNotFound
	}
	if s.Status == session.StatusActive {
		now := time.Now().UTC()
		s.Status = session.StatusEnded
		s.EndedAt = &now
	}
	return nil
}

func (m *memSessionStore) ListExpired(context.Context, time.Time) ([]*session.Session, error) {
	return nil, nil
}

func (m *memSessionStore) AppendEvent(_ context.Context, sessionID uuid.UUID, ev *session.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev.SeqNum = len(m.events[sessionID]) + 1
	m.events[sessionID] = append(m.events[sessionID], ev)
	return nil
}

func (m *memSessionStore) LoadHistory(_ context.Context, sessionID uuid.UUID, _ int) ([]*session.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.events[sessionID], nil
}

func (m *memSessionStore) DeleteSession(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	delete(m.events, id)
	return nil
}

func (m *memSessionStore) lastEventType(sessionID uuid.UUID) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	evs := m.events[sessionID]
	if len(evs) == 0 {
		return ""
	}
	return evs[len(evs)-1].Type
}

// stubBackend provisions trivial environments so the pool can hand out leases.
type stubBackend struct{}

type stubEnv struct{ id string }

func (e *stubEnv) ID() string { return e.id }
func (e *stubEnv) Exec(context.Context, sandbox.ExecRequest) (*sandbox.ExecResult, error) {
	return &sandbox.ExecResult{}, nil
}
func (e *stubEnv) Healthy(context.Context) error  { return nil }
func (e *stubEnv) Teardown(context.Context) error { return nil }

func (b *stubBackend) Provision(_ context.Context, spec sandbox.Spec) (sandbox.Environment, error) {
	return &stubEnv{id: spec.Name}, nil
}

// trackingBackend records every provisioned environment. Teardown fails
// under an already-dead context, the way a real backend removal would.
type trackingBackend struct {
	mu   sync.Mutex
	envs []*trackingEnv
}

type trackingEnv struct {
	stubEnv
	torndown atomic.Bool
}

func (e *trackingEnv) Teardown(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.torndown.Store(true)
	return nil
}

func (b *trackingBackend) Provision(_ context.Context, spec sandbox.Spec) (sandbox.Environment, error) {
	env := &trackingEnv{stubEnv: stubEnv{id: spec.Name}}
	b.mu.Lock()
	b.envs = append(b.envs, env)
	b.mu.Unlock()
	return env, nil
}

func (b *trackingBackend) allTorndown() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, env := range b.envs {
		if !env.torndown.Load() {
			return false
		}
	}
	return len(b.envs) > 0
}

// fakeTool lets each test script the validation and execution outcome.
type fakeTool struct {
	name        string
	validateErr error
	result      *tools.Result
	execErr     error
	block       bool          // run until the context is done
	started     chan struct{} // closed when Execute begins, when set
}

func (f *fakeTool) Name() string                { return f.name }
func (f *fakeTool) Description() string         { return "test tool" }
func (f *fakeTool) InputSchema() map[string]any { return map[string]any{"type": "object"} }
func (f *fakeTool) Validate(map[string]any) error {
	return f.validateErr
}

func (f *fakeTool) Execute(ctx context.Context, _ tools.Execution, _ map[string]any) (*tools.Result, error) {
	if f.started != nil {
		close(f.started)
	}
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return f.result, f.execErr
}

type fixture struct {
	coord    *Coordinator
	taskSt   *memTaskStore
	sessSt   *memSessionStore
	sessions *session.Manager
	pool     *pool.Manager
}

func newFixture(t *testing.T, cfg Config, tool tools.Tool, limiter *ratelimit.Limiter) *fixture {
	t.Helper()
	return newFixtureWithBackend(t, cfg, tool, limiter, &stubBackend{})
}

func newFixtureWithBackend(t *testing.T, cfg Config, tool tools.Tool, limiter *ratelimit.Limiter, backend sandbox.Backend) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ws, err := workspace.New(t.TempDir())
	if err != nil {
		t.Fatalf("workspace: %v", err)
	}
	poolMgr := pool.New(pool.Config{GlobalMax: 2, PerSessionMax: 2, MaxIdlePerSession: 2}, backend, ws, nil, logger)
	t.Cleanup(func() { _ = poolMgr.Close(context.Background()) })

	sessSt := newMemSessionStore()
	sessions := session.NewManager(sessSt, ws, poolMgr, nil, logger, time.Hour)

	reg := tools.NewRegistry()
	if tool != nil {
		reg.Register(tool)
	}
	if limiter == nil {
		limiter = ratelimit.NewLimiter(ratelimit.Config{})
	}

	taskSt := newMemTaskStore()
	coord := NewCoordinator(cfg, reg, poolMgr, sessions, taskSt, limiter, nil, logger)
	return &fixture{coord: coord, taskSt: taskSt, sessSt: sessSt, sessions: sessions, pool: poolMgr}
}

func (f *fixture) newSession(t *testing.T, userID string) *session.Session {
	t.Helper()
	s, err := f.sessions.Create(context.Background(), userID, nil)
	if err != nil {
		t.Fatalf("Create session: %v", err)
	}
	return s
}

func TestDispatchSucceeded(t *testing.T) {
	tool := &fakeTool{name: "echo", result: &tools.Result{Output: "hello", Success: true}}
	f := newFixture(t, Config{}, tool, nil)
	s := f.newSession(t, "alice")

	task, err := f.coord.Dispatch(context.Background(), Request{
		SessionID: s.ID, UserID: "alice", Tool: "echo",
	})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if task.Status != StatusSucceeded {
		t.Errorf("status = %s, want succeeded", task.Status)
	}
	if task.Output != "hello" {
		t.Errorf("output = %q, want hello", task.Output)
	}
	if task.StartedAt == nil || task.FinishedAt == nil {
		t.Error("timestamps not set")
	}

	// The unit went back to the pool warm.
	if stats := f.pool.Stats(); stats.Idle != 1 || stats.Borrowed != 0 {
		t.Errorf("pool stats = %+v, want 1 idle 0 borrowed", stats)
	}

	// The terminal record is persisted and the session history updated.
	stored, err := f.taskSt.GetTask(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if stored.Status != StatusSucceeded {
		t.Errorf("stored status = %s", stored.Status)
	}
	if got := f.sessSt.lastEventType(s.ID); got != "task_succeeded" {
		t.Errorf("last event = %q, want task_succeeded", got)
	}
}

func TestDispatchWithTracer(t *testing.T) {
	tool := &fakeTool{name: "echo", result: &tools.Result{Output: "hi", Success: true}}
	f := newFixture(t, Config{}, tool, nil)
	f.coord.WithTracer(trace.NewNoopTracerProvider().Tracer("test"))
	s := f.newSession(t, "alice")

	task, err := f.coord.Dispatch(context.Background(), Request{SessionID: s.ID, UserID: "alice", Tool: "echo"})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if task.Status != StatusSucceeded {
		t.Errorf("status = %s, want succeeded", task.Status)
	}
}

func TestDispatchToolFailureReleasesUnit(t *testing.T) {
	tool := &fakeTool{name: "echo", result: &tools.Result{Output: "boom", Success: false}}
	f := newFixture(t, Config{}, tool, nil)
	s := f.newSession(t, "alice")

	task, err := f.coord.Dispatch(context.Background(), Request{SessionID: s.ID, UserID: "alice", Tool: "echo"})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if task.Status != StatusFailed {
		t.Errorf("status = %s, want failed", task.Status)
	}
	if task.Output != "boom" {
		t.Errorf("output = %q, want boom", task.Output)
	}
	if stats := f.pool.Stats(); stats.Idle != 1 {
		t.Errorf("Idle = %d, want 1 (failure is not a destroy)", stats.Idle)
	}
}

func TestDispatchUnknownTool(t *testing.T) {
	f := newFixture(t, Config{}, nil, nil)
	s := f.newSession(t, "alice")

	task, err := f.coord.Dispatch(context.Background(), Request{SessionID: s.ID, UserID: "alice", Tool: "nope"})
	if !errors.Is(err, ErrUnknownTool) {
		t.Fatalf("err = %v, want ErrUnknownTool", err)
	}
	if task.Status != StatusRejected {
		t.Errorf("status = %s, want rejected", task.Status)
	}
	if stats := f.pool.Stats(); stats.Idle != 0 || stats.Borrowed != 0 {
		t.Errorf("rejection consumed pool capacity: %+v", stats)
	}
}

func TestDispatchValidationRejected(t *testing.T) {
	tool := &fakeTool{name: "echo", validateErr: errors.New("missing code")}
	f := newFixture(t, Config{}, tool, nil)
	s := f.newSession(t, "alice")

	task, err := f.coord.Dispatch(context.Background(), Request{SessionID: s.ID, UserID: "alice", Tool: "echo"})
	if err == nil {
		t.Fatal("expected validation error")
	}
	if task.Status != StatusRejected {
		t.Errorf("status = %s, want rejected", task.Status)
	}
}

func TestDispatchRateLimited(t *testing.T) {
	tool := &fakeTool{name: "echo", result: &tools.Result{Success: true}}
	limiter := ratelimit.NewLimiter(ratelimit.Config{RequestsPerMinute: 60, BurstSize: 1})
	f := newFixture(t, Config{}, tool, limiter)
	s := f.newSession(t, "alice")

	if _, err := f.coord.Dispatch(context.Background(), Request{SessionID: s.ID, UserID: "alice", Tool: "echo"}); err != nil {
		t.Fatalf("first dispatch: %v", err)
	}
	task, err := f.coord.Dispatch(context.Background(), Request{SessionID: s.ID, UserID: "alice", Tool: "echo"})
	if !errors.Is(err, ratelimit.ErrRateLimited) {
		t.Fatalf("err = %v, want ErrRateLimited", err)
	}
	if task.Status != StatusRejected {
		t.Errorf("status = %s, want rejected", task.Status)
	}
}

func TestDispatchForbiddenAcrossUsers(t *testing.T) {
	tool := &fakeTool{name: "echo", result: &tools.Result{Success: true}}
	f := newFixture(t, Config{}, tool, nil)
	s := f.newSession(t, "alice")

	task, err := f.coord.Dispatch(context.Background(), Request{SessionID: s.ID, UserID: "mallory", Tool: "echo"})
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("err = %v, want ErrForbidden", err)
	}
	if task.Status != StatusRejected {
		t.Errorf("status = %s, want rejected", task.Status)
	}
}

func TestDispatchEndedSessionRejected(t *testing.T) {
	tool := &fakeTool{name: "echo", result: &tools.Result{Success: true}}
	f := newFixture(t, Config{}, tool, nil)
	s := f.newSession(t, "alice")
	if err := f.sessions.End(context.Background(), s.ID); err != nil {
		t.Fatalf("End: %v", err)
	}

	task, err := f.coord.Dispatch(context.Background(), Request{SessionID: s.ID, UserID: "alice", Tool: "echo"})
	if !errors.Is(err, session.ErrEnded) {
		t.Fatalf("err = %v, want session.ErrEnded", err)
	}
	if task.Status != StatusRejected {
		t.Errorf("status = %s, want rejected", task.Status)
	}
}

func TestDispatchTimeoutDestroysUnit(t *testing.T) {
	tool := &fakeTool{name: "slow", block: true}
	f := newFixture(t, Config{MaxExecution: 50 * time.Millisecond}, tool, nil)
	s := f.newSession(t, "alice")

	task, err := f.coord.Dispatch(context.Background(), Request{SessionID: s.ID, UserID: "alice", Tool: "slow"})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if task.Status != StatusTimedOut {
		t.Errorf("status = %s, want timed_out", task.Status)
	}
	if stats := f.pool.Stats(); stats.Idle != 0 || stats.Borrowed != 0 {
		t.Errorf("timed-out unit leaked back: %+v", stats)
	}
	if got := f.sessSt.lastEventType(s.ID); got != "task_timed_out" {
		t.Errorf("last event = %q, want task_timed_out", got)
	}
}

func TestDispatchRequestTimeoutAppliesBeforeSystemMax(t *testing.T) {
	tool := &fakeTool{name: "slow", block: true}
	f := newFixture(t, Config{MaxExecution: 10 * time.Second}, tool, nil)
	s := f.newSession(t, "alice")

	start := time.Now()
	task, err := f.coord.Dispatch(context.Background(), Request{
		SessionID: s.ID, UserID: "alice", Tool: "slow",
		Timeout: 50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if task.Status != StatusTimedOut {
		t.Errorf("status = %s, want timed_out", task.Status)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("dispatch took %s, the declared budget never applied", elapsed)
	}
	if stats := f.pool.Stats(); stats.Idle != 0 || stats.Borrowed != 0 {
		t.Errorf("timed-out unit leaked back: %+v", stats)
	}
}

func TestExecBudget(t *testing.T) {
	c := NewCoordinator(Config{MaxExecution: 30 * time.Second}, nil, nil, nil, nil, nil, nil, nil)

	tests := []struct {
		declared time.Duration
		want     time.Duration
	}{
		{0, 30 * time.Second},
		{-time.Second, 30 * time.Second},
		{5 * time.Second, 5 * time.Second},
		{30 * time.Second, 30 * time.Second},
		{time.Hour, 30 * time.Second},
	}
	for _, tt := range tests {
		if got := c.execBudget(tt.declared); got != tt.want {
			t.Errorf("execBudget(%s) = %s, want %s", tt.declared, got, tt.want)
		}
	}
}

func TestDispatchCallerContextCancelled(t *testing.T) {
	tool := &fakeTool{name: "slow", block: true, started: make(chan struct{})}
	backend := &trackingBackend{}
	f := newFixtureWithBackend(t, Config{MaxExecution: 10 * time.Second}, tool, nil, backend)
	s := f.newSession(t, "alice")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	type result struct {
		task *Task
		err  error
	}
	done := make(chan result, 1)
	go func() {
		task, err := f.coord.Dispatch(ctx, Request{SessionID: s.ID, UserID: "alice", Tool: "slow"})
		done <- result{task, err}
	}()

	select {
	case <-tool.started:
	case <-time.After(5 * time.Second):
		t.Fatal("tool never started")
	}
	cancel()

	var r result
	select {
	case r = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("dispatch did not return after context cancellation")
	}
	if r.err != nil {
		t.Fatalf("Dispatch: %v", r.err)
	}
	if r.task.Status != StatusCancelled {
		t.Errorf("status = %s, want cancelled (the budget never expired)", r.task.Status)
	}
	if stats := f.pool.Stats(); stats.Idle != 0 || stats.Borrowed != 0 {
		t.Errorf("unit leaked back after caller cancellation: %+v", stats)
	}
	// The backing environment must be removed even though the request
	// context is already dead.
	if !backend.allTorndown() {
		t.Error("environment not torn down after caller cancellation")
	}
	if r.task.FinishedAt == nil {
		t.Error("terminal record not stamped")
	}
}

func TestCancelRunningTask(t *testing.T) {
	tool := &fakeTool{name: "slow", block: true, started: make(chan struct{})}
	f := newFixture(t, Config{MaxExecution: 10 * time.Second}, tool, nil)
	s := f.newSession(t, "alice")

	type result struct {
		task *Task
		err  error
	}
	done := make(chan result, 1)
	go func() {
		task, err := f.coord.Dispatch(context.Background(), Request{SessionID: s.ID, UserID: "alice", Tool: "slow"})
		done <- result{task, err}
	}()

	select {
	case <-tool.started:
	case <-time.After(5 * time.Second):
		t.Fatal("tool never started")
	}

	// The running-task entry is installed before Execute is called, so a
	// started tool is always cancellable.
	if err := f.coord.Cancel(taskIDOf(t, f.taskSt, s.ID)); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	select {
	case r := <-done:
		if r.err != nil {
			t.Fatalf("Dispatch: %v", r.err)
		}
		if r.task.Status != StatusCancelled {
			t.Errorf("status = %s, want cancelled", r.task.Status)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("dispatch did not return after cancel")
	}

	if stats := f.pool.Stats(); stats.Idle != 0 || stats.Borrowed != 0 {
		t.Errorf("cancelled unit leaked back: %+v", stats)
	}
}

func TestCancelNotRunning(t *testing.T) {
	f := newFixture(t, Config{}, nil, nil)
	if err := f.coord.Cancel(uuid.New()); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("err = %v, want ErrNotRunning", err)
	}
}

func TestDispatchPoolExhausted(t *testing.T) {
	tool := &fakeTool{name: "echo", result: &tools.Result{Success: true}}
	f := newFixture(t, Config{}, tool, nil)
	s := f.newSession(t, "alice")

	// Occupy all per-session capacity directly.
	l1, err := f.pool.Acquire(context.Background(), "alice", s.ID.String())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer func() { _ = f.pool.Release(context.Background(), l1) }()
	l2, err := f.pool.Acquire(context.Background(), "alice", s.ID.String())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer func() { _ = f.pool.Release(context.Background(), l2) }()

	task, err := f.coord.Dispatch(context.Background(), Request{SessionID: s.ID, UserID: "alice", Tool: "echo"})
	if !errors.Is(err, pool.ErrPoolExhausted) {
		t.Fatalf("err = %v, want ErrPoolExhausted", err)
	}
	if task.Status != StatusRejected {
		t.Errorf("status = %s, want rejected", task.Status)
	}
}

func TestWatchReceivesTerminalTasks(t *testing.T) {
	tool := &fakeTool{name: "echo", result: &tools.Result{Output: "hi", Success: true}}
	f := newFixture(t, Config{}, tool, nil)
	s := f.newSession(t, "alice")

	ch, cancel := f.coord.Watch(s.ID)
	defer cancel()

	if _, err := f.coord.Dispatch(context.Background(), Request{SessionID: s.ID, UserID: "alice", Tool: "echo"}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	select {
	case got := <-ch:
		if got.Status != StatusSucceeded || got.Output != "hi" {
			t.Errorf("watched task = %+v", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no task received on watch channel")
	}

	// After cancel, publishes are dropped silently.
	cancel()
	if _, err := f.coord.Dispatch(context.Background(), Request{SessionID: s.ID, UserID: "alice", Tool: "echo"}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	select {
	case _, ok := <-ch:
		if ok {
			t.Error("received task after unsubscribe")
		}
	default:
	}
}

// taskIDOf finds the single task recorded for the session.
func taskIDOf(t *testing.T, st *memTaskStore, sessionID uuid.UUID) uuid.UUID {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		tasks, err := st.ListTasks(context.Background(), sessionID, 0)
		if err != nil {
			t.Fatalf("ListTasks: %v", err)
		}
		if len(tasks) == 1 {
			return tasks[0].ID
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("task never recorded")
	return uuid.Nil
}
