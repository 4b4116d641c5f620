package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

const (
	defaultDockerImage    = "kazi-runtime:latest"
	defaultDockerMountDir = "/workspace"

	// provisionPollInterval paces the post-start readiness probe.
	provisionPollInterval = 200 * time.Millisecond
)

// DockerConfig configures the Docker-based backend.
type DockerConfig struct {
	Image            string        // Container image (e.g. "kazi-runtime:latest").
	MountDir         string        // In-container mount point for the session work dir.
	DefaultTimeout   time.Duration // Wall-clock timeout per execution.
	ProvisionTimeout time.Duration // Upper bound on container start + readiness.
}

// DockerBackend provisions long-lived Docker containers, one per isolation
// unit. The container runs a keepalive process and individual tool commands
// run through docker exec, so interpreter warm-up and installed packages
// survive across sequential calls on the same unit.
//
// Security guarantees:
//   - ALL Linux capabilities dropped (--cap-drop=ALL)
//   - Read-only root filesystem (--read-only) with tmpfs for writable dirs
//   - Privilege escalation blocked (--security-opt=no-new-privileges)
//   - Non-root user (--user=65534:65534)
//   - No host PID namespace, no docker socket mount, no privileged mode
//   - Network disabled by default (--network=none)
//   - Memory hard limit with no swap (OOM kill on exceed)
//   - PIDs limit prevents fork bombs
//   - CPU rate limited
//   - Only the session working directory is mounted — nothing else from the host
//   - stdout/stderr capped to prevent OOM on the host
type DockerBackend struct {
	config DockerConfig
	logger *slog.Logger
}

// NewDockerBackend creates a Docker-based environment backend.
func NewDockerBackend(cfg DockerConfig, logger *slog.Logger) *DockerBackend {
	if cfg.Image == "" {
		cfg.Image = defaultDockerImage
	}
	if cfg.MountDir == "" {
		cfg.MountDir = defaultDockerMountDir
	}
	if cfg.DefaultTimeout == 0 {
		cfg.DefaultTimeout = 30 * time.Second
	}
	if cfg.ProvisionTimeout == 0 {
		cfg.ProvisionTimeout = 30 * time.Second
	}
	return &DockerBackend{
		config: cfg,
		logger: logger,
	}
}

var _ Backend = (*DockerBackend)(nil)

// Provision starts a hardened container with a keepalive process and waits
// until the daemon reports it running.
func (b *DockerBackend) Provision(ctx context.Context, spec Spec) (Environment, error) {
	if spec.Name == "" {
		return nil, fmt.Errorf("empty environment name")
	}
	if spec.WorkDir == "" {
		return nil, fmt.Errorf("empty work dir")
	}

	ctx, cancel := context.WithTimeout(ctx, b.config.ProvisionTimeout)
	defer cancel()

	args := b.buildRunArgs(spec)

	b.logger.Info("provisioning container",
		slog.String("container", spec.Name),
		slog.String("image", b.config.Image),
		slog.Int("memory_mb", spec.Limits.MemoryMB),
		slog.Float64("cpu_cores", spec.Limits.CPUCores),
	)

	out, err := exec.CommandContext(ctx, "docker", args...).CombinedOutput()
	if err != nil {
		// Clean up a half-started container before reporting failure.
		b.forceRemove(spec.Name)
		return nil, fmt.Errorf("starting container: %w: %s", err, strings.TrimSpace(string(out)))
	}

	env := &dockerEnv{
		name:           spec.Name,
		mountDir:       b.config.MountDir,
		defaultTimeout: resolveWallClock(spec.Limits.MaxWallClock, b.config.DefaultTimeout),
		logger:         b.logger,
	}

	if err := b.waitRunning(ctx, spec.Name); err != nil {
		b.forceRemove(spec.Name)
		return nil, fmt.Errorf("waiting for container: %w", err)
	}
	return env, nil
}

// buildRunArgs constructs the docker run argument list with all security
// hardening flags and the keepalive command.
func (b *DockerBackend) buildRunArgs(spec Spec) []string {
	memoryFlag := strconv.Itoa(spec.Limits.MemoryMB) + "m"
	cpuFlag := strconv.FormatFloat(spec.Limits.CPUCores, 'f', 2, 64)
	pidsFlag := strconv.Itoa(spec.Limits.PIDsLimit)

	args := []string{
		"run", "-d",
		"--name", spec.Name,

		// --- Security hardening ---
		"--cap-drop=ALL",
		"--security-opt=no-new-privileges",
		"--read-only",
		"--user=65534:65534",

		// --- Resource limits ---
		"--memory=" + memoryFlag,
		"--memory-swap=" + memoryFlag, // Same as memory = disable swap (OOM kill).
		"--cpus=" + cpuFlag,
		"--pids-limit=" + pidsFlag,

		// --- Writable tmpfs for scratch space ---
		"--tmpfs", "/tmp:rw,noexec,nosuid,size=64m",
		"--tmpfs", "/home/sandbox:rw,nosuid,size=64m",

		// --- Session working directory, the only host mount ---
		"--volume", spec.WorkDir + ":" + b.config.MountDir + ":rw",
		"--workdir", b.config.MountDir,

		// --- Sanitized environment (no host inheritance) ---
		"--env", "HOME=/home/sandbox",
		"--env", "PATH=/usr/local/bin:/usr/bin:/bin",
		"--env", "LANG=en_US.UTF-8",
		"--env", "TERM=dumb",
	}

	if spec.NetworkAllowed {
		args = append(args, "--network=bridge")
	} else {
		args = append(args, "--network=none")
	}

	for k, v := range spec.Env {
		args = append(args, "--env", k+"="+v)
	}

	// Keepalive: the container stays up until explicitly removed.
	args = append(args, b.config.Image, "tail", "-f", "/dev/null")
	return args
}

// waitRunning polls the daemon until the container reports running.
func (b *DockerBackend) waitRunning(ctx context.Context, name string) error {
	ticker := time.NewTicker(provisionPollInterval)
	defer ticker.Stop()

	for {
		if running, _ := containerRunning(ctx, name); running {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("container %s not running: %w", name, ctx.Err())
		case <-ticker.C:
		}
	}
}

// forceRemove removes a container by name. Errors are logged but not
// returned (best-effort cleanup).
func (b *DockerBackend) forceRemove(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	out, err := exec.CommandContext(ctx, "docker", "rm", "-f", name).CombinedOutput()
	if err != nil && !bytes.Contains(out, []byte("No such container")) {
		b.logger.Warn("docker rm -f failed",
			slog.String("container", name),
			slog.String("error", err.Error()),
			slog.String("output", string(out)),
		)
	}
}

// containerRunning asks the daemon whether the named container is running.
func containerRunning(ctx context.Context, name string) (bool, error) {
	out, err := exec.CommandContext(ctx, "docker", "inspect", "-f", "{{.State.Running}}", name).Output()
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(string(out)) == "true", nil
}

// dockerEnv is one long-lived container bound to an isolation unit.
type dockerEnv struct {
	name           string
	mountDir       string
	defaultTimeout time.Duration
	logger         *slog.Logger
}

var _ Environment = (*dockerEnv)(nil)

func (e *dockerEnv) ID() string { return e.name }

// Exec runs a command inside the container via docker exec.
func (e *dockerEnv) Exec(ctx context.Context, req ExecRequest) (*ExecResult, error) {
	if len(req.Command) == 0 {
		return nil, fmt.Errorf("empty command")
	}

	timeout := req.Timeout
	if timeout == 0 {
		timeout = e.defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	workDir := req.WorkingDir
	if workDir == "" {
		workDir = e.mountDir
	}

	args := []string{"exec", "--workdir", workDir}
	for k, v := range req.Env {
		args = append(args, "--env", k+"="+v)
	}
	args = append(args, e.name)
	args = append(args, req.Command...)

	cmd := exec.CommandContext(ctx, "docker", args...)
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return cmd.Process.Kill()
	}

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &limitedWriter{w: &stdoutBuf, remaining: maxOutputBytes}
	cmd.Stderr = &limitedWriter{w: &stderrBuf, remaining: maxOutputBytes}

	e.logger.Info("container executing",
		slog.String("container", e.name),
		slog.Any("command", req.Command),
		slog.Duration("timeout", timeout),
	)

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)

	exitCode := 0
	if runErr != nil {
		if ctx.Err() != nil {
			e.logger.Warn("container execution timed out",
				slog.String("container", e.name),
				slog.Duration("timeout", timeout),
				slog.Duration("duration", duration),
			)
			return nil, fmt.Errorf("%w after %s", ErrExecTimeout, timeout)
		}

		// Non-zero exit code is not an error — it's a result.
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			return nil, fmt.Errorf("docker exec failed: %w", runErr)
		}
	}

	e.logger.Info("container execution completed",
		slog.String("container", e.name),
		slog.Int("exit_code", exitCode),
		slog.Duration("duration", duration),
		slog.Int("stdout_bytes", stdoutBuf.Len()),
		slog.Int("stderr_bytes", stderrBuf.Len()),
	)

	return &ExecResult{
		Stdout:   stdoutBuf.String(),
		Stderr:   stderrBuf.String(),
		ExitCode: exitCode,
		Duration: duration,
	}, nil
}

// Healthy probes the daemon for the container's running state.
func (e *dockerEnv) Healthy(ctx context.Context) error {
	running, err := containerRunning(ctx, e.name)
	if err != nil {
		return fmt.Errorf("%w: inspect %s: %v", ErrUnhealthy, e.name, err)
	}
	if !running {
		return fmt.Errorf("%w: container %s not running", ErrUnhealthy, e.name)
	}
	return nil
}

// Teardown force-removes the container. Removing an already-removed
// container is not an error.
func (e *dockerEnv) Teardown(ctx context.Context) error {
	out, err := exec.CommandContext(ctx, "docker", "rm", "-f", e.name).CombinedOutput()
	if err != nil {
		if bytes.Contains(out, []byte("No such container")) {
			return nil
		}
		return fmt.Errorf("removing container %s: %w: %s", e.name, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// resolveWallClock picks the per-exec wall-clock budget.
func resolveWallClock(limit, fallback time.Duration) time.Duration {
	if limit > 0 {
		return limit
	}
	return fallback
}
