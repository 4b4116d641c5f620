// Package agent defines the boundary between the execution runtime and
// whatever decides which tool to call next. The planner is an opaque
// decision function; the Loop drives it against the dispatch coordinator
// until the planner declares the goal done or the iteration budget runs
// out.
package agent

import (
	"context"

	"github.com/jkaninda/kazi/internal/tools"
)

// DefaultMaxIterations is the safety guard against runaway planning loops.
const DefaultMaxIterations = 10

// State is everything the planner sees when deciding the next step:
// the goal, the tools available, and every step taken so far.
type State struct {
	SessionID string             `json:"session_id"`
	UserID    string             `json:"user_id"`
	Goal      string             `json:"goal"`
	Tools     []tools.Definition `json:"tools"`
	Steps     []Step             `json:"steps"`
}

// Step is one completed tool invocation reported back to the planner.
// Failed and timed-out invocations are reported the same way as
// successes; the planner decides whether to retry, adapt, or give up.
type Step struct {
	Tool   string         `json:"tool"`
	Params map[string]any `json:"params,omitempty"`
	Status string         `json:"status"`
	Output string         `json:"output,omitempty"`
	Error  string         `json:"error,omitempty"`
}

// Decision is the planner's next move: either one more tool call, or
// Done with a final message for the user.
type Decision struct {
	Done    bool           `json:"done"`
	Message string         `json:"message,omitempty"`
	Tool    string         `json:"tool,omitempty"`
	Params  map[string]any `json:"params,omitempty"`
}

// Planner chooses the next tool call given the goal and prior steps.
type Planner interface {
	// NextToolCall returns the planner's decision for the current state.
	NextToolCall(ctx context.Context, state *State) (*Decision, error)
}
