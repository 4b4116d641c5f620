// Package sandbox provides isolated execution environments for isolation
// units. All tool commands run through an environment — never directly on
// the host. Environments are long-lived: provisioned once per unit, reused
// across sequential tool calls, and torn down when the unit is destroyed.
package sandbox

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/jkaninda/kazi/internal/unit"
)

// maxOutputBytes caps stdout/stderr to prevent OOM from chatty commands.
const maxOutputBytes = 1 << 20 // 1 MB

var (
	// ErrExecTimeout indicates a command exceeded its wall-clock budget.
	ErrExecTimeout = errors.New("execution timed out")

	// ErrUnhealthy indicates the environment failed a health probe.
	ErrUnhealthy = errors.New("environment unhealthy")
)

// Backend provisions isolated execution environments.
type Backend interface {
	Provision(ctx context.Context, spec Spec) (Environment, error)
}

// Environment is a single long-lived isolated execution context, bound
// one-to-one to an isolation unit.
type Environment interface {
	// ID identifies the backing resource (container name, dir path).
	ID() string

	// Exec runs a command inside the environment.
	Exec(ctx context.Context, req ExecRequest) (*ExecResult, error)

	// Healthy probes the environment. Returns ErrUnhealthy (wrapped)
	// when the backing resource is gone or wedged.
	Healthy(ctx context.Context) error

	// Teardown destroys the backing resource. Idempotent.
	Teardown(ctx context.Context) error
}

// Spec defines what to provision and under what constraints.
type Spec struct {
	// Name is the unique resource name (derived from the unit ID).
	Name string

	// WorkDir is the host path of the session working directory,
	// mounted read-write into the environment.
	WorkDir string

	// Limits constrains the environment for its whole lifetime.
	Limits unit.Limits

	// NetworkAllowed enables outbound network access. Off by default.
	NetworkAllowed bool

	// Env adds extra environment variables to the sanitized base set.
	Env map[string]string
}

// ExecRequest defines what to run and under what constraints.
type ExecRequest struct {
	// Command is the program and arguments to execute (e.g. ["ls", "-la"]).
	Command []string

	// WorkingDir overrides the working directory inside the environment.
	// Empty = the mounted session working directory.
	WorkingDir string

	// Env adds extra environment variables for this execution only.
	Env map[string]string

	// Timeout overrides the environment default. Zero = use default.
	Timeout time.Duration
}

// ExecResult captures the outcome of a sandboxed command.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// limitedWriter wraps a writer and stops writing after a byte limit.
// Excess data is silently discarded (not an error — just capped).
type limitedWriter struct {
	w         io.Writer
	remaining int
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	if lw.remaining <= 0 {
		return len(p), nil // Silently discard.
	}
	if len(p) > lw.remaining {
		p = p[:lw.remaining]
	}
	n, err := lw.w.Write(p)
	lw.remaining -= n
	return n, err
}
