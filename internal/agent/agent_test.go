package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/kazi/internal/dispatch"
	"github.com/jkaninda/kazi/internal/pool"
	"github.com/jkaninda/kazi/internal/tools"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// scriptedPlanner returns its decisions in order, then Done.
type scriptedPlanner struct {
	decisions []Decision
	seen      []*State // state snapshot at each call
	err       error
}

func (p *scriptedPlanner) NextToolCall(_ context.Context, state *State) (*Decision, error) {
	if p.err != nil {
		return nil, p.err
	}
	cp := *state
	cp.Steps = append([]Step(nil), state.Steps...)
	p.seen = append(p.seen, &cp)
	if len(p.decisions) == 0 {
		return &Decision{Done: true, Message: "all done"}, nil
	}
	d := p.decisions[0]
	p.decisions = p.decisions[1:]
	return &d, nil
}

// scriptedDispatcher returns canned task records per tool name.
type scriptedDispatcher struct {
	tasks map[string]*dispatch.Task
	errs  map[string]error
	calls []dispatch.Request
}

func (d *scriptedDispatcher) Dispatch(_ context.Context, req dispatch.Request) (*dispatch.Task, error) {
	d.calls = append(d.calls, req)
	return d.tasks[req.Tool], d.errs[req.Tool]
}

func TestRunExecutesStepsUntilDone(t *testing.T) {
	planner := &scriptedPlanner{decisions: []Decision{
		{Tool: "code_exec", Params: map[string]any{"language": "python", "code": "print(1)"}},
		{Tool: "file_ops", Params: map[string]any{"operation": "read", "path": "out.txt"}},
	}}
	dispatcher := &scriptedDispatcher{tasks: map[string]*dispatch.Task{
		"code_exec": {Status: dispatch.StatusSucceeded, Output: "1"},
		"file_ops":  {Status: dispatch.StatusSucceeded, Output: "content"},
	}}

	loop := NewLoop(planner, dispatcher, tools.NewRegistry(), 5, discardLogger())
	res, err := loop.Run(context.Background(), uuid.New(), "alice", "run the thing")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Message != "all done" {
		t.Errorf("message = %q", res.Message)
	}
	if len(res.Steps) != 2 {
		t.Fatalf("steps = %d, want 2", len(res.Steps))
	}
	if res.Steps[0].Output != "1" || res.Steps[1].Output != "content" {
		t.Errorf("step outputs = %+v", res.Steps)
	}

	// The planner saw the first step's result before deciding the second.
	if len(planner.seen) != 3 {
		t.Fatalf("planner calls = %d, want 3", len(planner.seen))
	}
	if len(planner.seen[1].Steps) != 1 || planner.seen[1].Steps[0].Tool != "code_exec" {
		t.Errorf("second planner call state = %+v", planner.seen[1].Steps)
	}
}

func TestRunReportsFailedStepsToPlanner(t *testing.T) {
	planner := &scriptedPlanner{decisions: []Decision{
		{Tool: "code_exec", Params: map[string]any{"code": "boom"}},
	}}
	dispatcher := &scriptedDispatcher{tasks: map[string]*dispatch.Task{
		"code_exec": {Status: dispatch.StatusTimedOut, Error: "execution exceeded 30s"},
	}}

	loop := NewLoop(planner, dispatcher, tools.NewRegistry(), 5, discardLogger())
	res, err := loop.Run(context.Background(), uuid.New(), "alice", "goal")
	if err != nil {
		t.Fatalf("a timed-out step should not abort the loop: %v", err)
	}
	if len(res.Steps) != 1 || res.Steps[0].Status != dispatch.StatusTimedOut {
		t.Errorf("steps = %+v", res.Steps)
	}
	if planner.seen[1].Steps[0].Error == "" {
		t.Error("planner did not see the error detail")
	}
}

func TestRunSurfacesCapacityErrors(t *testing.T) {
	planner := &scriptedPlanner{decisions: []Decision{{Tool: "code_exec"}}}
	dispatcher := &scriptedDispatcher{
		tasks: map[string]*dispatch.Task{"code_exec": {Status: dispatch.StatusRejected}},
		errs:  map[string]error{"code_exec": fmt.Errorf("%w: global capacity reached", pool.ErrPoolExhausted)},
	}

	loop := NewLoop(planner, dispatcher, tools.NewRegistry(), 5, discardLogger())
	if _, err := loop.Run(context.Background(), uuid.New(), "alice", "goal"); !errors.Is(err, pool.ErrPoolExhausted) {
		t.Fatalf("err = %v, want ErrPoolExhausted", err)
	}
}

func TestRunBudgetExhausted(t *testing.T) {
	// A planner that never finishes.
	planner := &scriptedPlanner{decisions: []Decision{
		{Tool: "code_exec"}, {Tool: "code_exec"}, {Tool: "code_exec"},
	}}
	dispatcher := &scriptedDispatcher{tasks: map[string]*dispatch.Task{
		"code_exec": {Status: dispatch.StatusSucceeded},
	}}

	loop := NewLoop(planner, dispatcher, tools.NewRegistry(), 2, discardLogger())
	res, err := loop.Run(context.Background(), uuid.New(), "alice", "goal")
	if !errors.Is(err, ErrBudgetExhausted) {
		t.Fatalf("err = %v, want ErrBudgetExhausted", err)
	}
	if res.Iterations != 2 || len(res.Steps) != 2 {
		t.Errorf("result = %+v", res)
	}
}

func TestRunPlannerError(t *testing.T) {
	planner := &scriptedPlanner{err: errors.New("planner unreachable")}
	loop := NewLoop(planner, &scriptedDispatcher{}, tools.NewRegistry(), 5, discardLogger())
	if _, err := loop.Run(context.Background(), uuid.New(), "alice", "goal"); err == nil {
		t.Fatal("expected planner error")
	}
}

func TestRemotePlannerRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/decide" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-token" {
			t.Errorf("Authorization = %q", got)
		}

		var state State
		if err := json.NewDecoder(r.Body).Decode(&state); err != nil {
			t.Fatalf("decoding state: %v", err)
		}
		if state.Goal != "count files" {
			t.Errorf("goal = %q", state.Goal)
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(Decision{
			Tool:   "code_exec",
			Params: map[string]any{"language": "shell", "code": "ls | wc -l"},
		})
	}))
	defer srv.Close()

	p := NewRemotePlanner(srv.URL, "test-token", 5*time.Second, discardLogger())
	d, err := p.NextToolCall(context.Background(), &State{Goal: "count files"})
	if err != nil {
		t.Fatalf("NextToolCall: %v", err)
	}
	if d.Done || d.Tool != "code_exec" {
		t.Errorf("decision = %+v", d)
	}
}

func TestRemotePlannerRejectsEmptyDecision(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{}`)
	}))
	defer srv.Close()

	p := NewRemotePlanner(srv.URL, "", 5*time.Second, discardLogger())
	if _, err := p.NextToolCall(context.Background(), &State{}); err == nil {
		t.Fatal("expected error for empty decision")
	}
}

func TestRemotePlannerServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	p := NewRemotePlanner(srv.URL, "", 5*time.Second, discardLogger())
	if _, err := p.NextToolCall(context.Background(), &State{}); err == nil {
		t.Fatal("expected error for 503")
	}
}
