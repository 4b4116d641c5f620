package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/jkaninda/kazi/internal/unit"
)

// ProcessConfig configures the process-based backend.
type ProcessConfig struct {
	DefaultTimeout time.Duration
}

// ProcessBackend provisions process-level environments: each environment is
// the session working directory plus a sanitized process configuration.
// Intended for development and tests where no container runtime is
// available — it offers weaker isolation than the Docker backend.
//
// Isolation properties:
//   - Each command runs in its own process group (Setpgid)
//   - Entire process group killed on timeout/cancel
//   - No environment inheritance from the host — only a minimal safe set
//   - Memory and CPU limits enforced via ulimit
//   - stdout/stderr capped to prevent OOM
type ProcessBackend struct {
	defaultTimeout time.Duration
	logger         *slog.Logger
}

// NewProcessBackend creates a process-based environment backend.
func NewProcessBackend(cfg ProcessConfig, logger *slog.Logger) *ProcessBackend {
	timeout := cfg.DefaultTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &ProcessBackend{
		defaultTimeout: timeout,
		logger:         logger,
	}
}

var _ Backend = (*ProcessBackend)(nil)

// Provision verifies the working directory exists and returns an
// environment rooted there. No OS resource is held between calls, so
// provisioning is cheap.
func (b *ProcessBackend) Provision(_ context.Context, spec Spec) (Environment, error) {
	if spec.Name == "" {
		return nil, fmt.Errorf("empty environment name")
	}
	info, err := os.Stat(spec.WorkDir)
	if err != nil {
		return nil, fmt.Errorf("checking work dir: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("work dir %s is not a directory", spec.WorkDir)
	}

	return &processEnv{
		name:           spec.Name,
		workDir:        spec.WorkDir,
		limits:         spec.Limits,
		extraEnv:       spec.Env,
		defaultTimeout: resolveWallClock(spec.Limits.MaxWallClock, b.defaultTimeout),
		logger:         b.logger,
	}, nil
}

type processEnv struct {
	name           string
	workDir        string
	limits         unit.Limits
	extraEnv       map[string]string
	defaultTimeout time.Duration
	logger         *slog.Logger

	// Written by the pool sweeper while health probes read it concurrently.
	torndown atomic.Bool
}

var _ Environment = (*processEnv)(nil)

func (e *processEnv) ID() string { return e.name }

// Exec runs a command in a fresh isolated process rooted at the working
// directory.
func (e *processEnv) Exec(ctx context.Context, req ExecRequest) (*ExecResult, error) {
	if e.torndown.Load() {
		return nil, fmt.Errorf("%w: environment %s torn down", ErrUnhealthy, e.name)
	}
	if len(req.Command) == 0 {
		return nil, fmt.Errorf("empty command")
	}

	timeout := req.Timeout
	if timeout == 0 {
		timeout = e.defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// The command is wrapped:
	//   sh -c 'ulimit -v KB 2>/dev/null; exec "$@"' _ cmd args...
	// Using exec "$@" with positional parameters prevents shell injection —
	// the command is never interpolated into the shell string.
	memKB := e.limits.MemoryMB * 1024
	shellScript := fmt.Sprintf("ulimit -v %d 2>/dev/null; exec \"$@\"", memKB)
	args := make([]string, 0, 3+len(req.Command))
	args = append(args, "-c", shellScript, "_") // "_" is the $0 placeholder
	args = append(args, req.Command...)

	cmd := exec.CommandContext(ctx, "/bin/sh", args...)
	if req.WorkingDir != "" {
		cmd.Dir = req.WorkingDir
	} else {
		cmd.Dir = e.workDir
	}

	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
	// Negative PID = kill the entire process group, so children spawned
	// by the command are also terminated on timeout/cancel.
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

	cmd.Env = e.buildEnv(req.Env)

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &limitedWriter{w: &stdoutBuf, remaining: maxOutputBytes}
	cmd.Stderr = &limitedWriter{w: &stderrBuf, remaining: maxOutputBytes}

	e.logger.Info("process executing",
		slog.String("env", e.name),
		slog.Any("command", req.Command),
		slog.String("dir", cmd.Dir),
		slog.Duration("timeout", timeout),
	)

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)

	exitCode := 0
	if runErr != nil {
		if ctx.Err() != nil {
			e.logger.Warn("process execution timed out",
				slog.String("env", e.name),
				slog.Duration("timeout", timeout),
				slog.Duration("duration", duration),
			)
			return nil, fmt.Errorf("%w after %s", ErrExecTimeout, timeout)
		}

		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			return nil, fmt.Errorf("execution failed: %w", runErr)
		}
	}

	return &ExecResult{
		Stdout:   stdoutBuf.String(),
		Stderr:   stderrBuf.String(),
		ExitCode: exitCode,
		Duration: duration,
	}, nil
}

// Healthy reports teardown state; a process environment has no daemon to
// probe.
func (e *processEnv) Healthy(_ context.Context) error {
	if e.torndown.Load() {
		return fmt.Errorf("%w: environment %s torn down", ErrUnhealthy, e.name)
	}
	return nil
}

// Teardown marks the environment unusable. The working directory itself is
// owned by the workspace layer and survives the unit.
func (e *processEnv) Teardown(_ context.Context) error {
	e.torndown.Store(true)
	return nil
}

// buildEnv constructs a minimal, safe environment. The parent process's
// environment is NEVER inherited — this prevents API keys, credentials, and
// other secrets from leaking into sandboxed commands.
func (e *processEnv) buildEnv(extra map[string]string) []string {
	env := []string{
		"PATH=/usr/local/bin:/usr/bin:/bin",
		"HOME=" + e.workDir,
		"TMPDIR=" + e.workDir,
		"LANG=en_US.UTF-8",
		"TERM=dumb",
	}
	for k, v := range e.extraEnv {
		env = append(env, k+"="+v)
	}
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}
