package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/jkaninda/kazi/internal/dispatch"
	"github.com/jkaninda/kazi/internal/pool"
	"github.com/jkaninda/kazi/internal/tools"
)

// ErrBudgetExhausted is returned when the planner never declared the
// goal done within the iteration budget.
var ErrBudgetExhausted = errors.New("iteration budget exhausted")

// Dispatcher executes one tool call. Satisfied by dispatch.Coordinator.
type Dispatcher interface {
	Dispatch(ctx context.Context, req dispatch.Request) (*dispatch.Task, error)
}

// Result is the loop's output once the planner declares the goal done.
type Result struct {
	Message    string
	Steps      []Step
	Iterations int
}

// Loop drives the planner against the dispatch coordinator.
type Loop struct {
	planner       Planner
	dispatcher    Dispatcher
	registry      *tools.Registry
	maxIterations int
	logger        *slog.Logger
}

// NewLoop creates an agent loop. maxIterations <= 0 uses the default.
func NewLoop(planner Planner, dispatcher Dispatcher, registry *tools.Registry, maxIterations int, logger *slog.Logger) *Loop {
	if maxIterations <= 0 {
		maxIterations = DefaultMaxIterations
	}
	return &Loop{
		planner:       planner,
		dispatcher:    dispatcher,
		registry:      registry,
		maxIterations: maxIterations,
		logger:        logger,
	}
}

// Run plans and executes tool calls for the goal until the planner
// declares it done. Tool faults come back to the planner as ordinary
// steps; only capacity and provisioning failures abort the loop.
func (l *Loop) Run(ctx context.Context, sessionID uuid.UUID, userID, goal string) (*Result, error) {
	state := &State{
		SessionID: sessionID.String(),
		UserID:    userID,
		Goal:      goal,
		Tools:     tools.Definitions(l.registry),
	}

	for iter := 0; iter < l.maxIterations; iter++ {
		decision, err := l.planner.NextToolCall(ctx, state)
		if err != nil {
			return nil, fmt.Errorf("planning step %d: %w", iter+1, err)
		}

		if decision.Done {
			l.logger.InfoContext(ctx, "goal complete",
				slog.String("session_id", state.SessionID),
				slog.Int("iterations", iter),
				slog.Int("steps", len(state.Steps)),
			)
			return &Result{Message: decision.Message, Steps: state.Steps, Iterations: iter}, nil
		}

		task, err := l.dispatcher.Dispatch(ctx, dispatch.Request{
			SessionID: sessionID,
			UserID:    userID,
			Tool:      decision.Tool,
			Params:    decision.Params,
		})
		if err != nil && (errors.Is(err, pool.ErrPoolExhausted) || errors.Is(err, pool.ErrProvision)) {
			return nil, fmt.Errorf("executing %s: %w", decision.Tool, err)
		}
		if task == nil {
			return nil, fmt.Errorf("executing %s: %w", decision.Tool, err)
		}

		// Rejections and faults become steps too. The planner sees the
		// error detail and decides whether to adapt or give up.
		state.Steps = append(state.Steps, Step{
			Tool:   decision.Tool,
			Params: decision.Params,
			Status: task.Status,
			Output: task.Output,
			Error:  task.Error,
		})
	}

	l.logger.WarnContext(ctx, "iteration budget exhausted",
		slog.String("session_id", state.SessionID),
		slog.Int("max_iterations", l.maxIterations),
	)
	return &Result{Steps: state.Steps, Iterations: l.maxIterations}, ErrBudgetExhausted
}
