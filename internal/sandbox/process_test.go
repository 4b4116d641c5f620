package sandbox

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jkaninda/kazi/internal/unit"
)

func newProcessEnv(t *testing.T) Environment {
	t.Helper()
	backend := NewProcessBackend(ProcessConfig{DefaultTimeout: 10 * time.Second}, testLogger())
	env, err := backend.Provision(context.Background(), Spec{
		Name:    "proc-test",
		WorkDir: t.TempDir(),
		Limits: unit.Limits{
			MemoryMB:     512,
			MaxWallClock: 10 * time.Second,
		},
	})
	if err != nil {
		t.Fatalf("provision: %v", err)
	}
	return env
}

func TestProcessEnv_BasicExecution(t *testing.T) {
	env := newProcessEnv(t)

	result, err := env.Exec(context.Background(), ExecRequest{
		Command: []string{"echo", "hello"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.ExitCode != 0 {
		t.Errorf("exit code = %d, want 0", result.ExitCode)
	}
	if got := strings.TrimSpace(result.Stdout); got != "hello" {
		t.Errorf("stdout = %q, want %q", got, "hello")
	}
}

func TestProcessEnv_NonZeroExit(t *testing.T) {
	env := newProcessEnv(t)

	result, err := env.Exec(context.Background(), ExecRequest{
		Command: []string{"sh", "-c", "exit 7"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.ExitCode != 7 {
		t.Errorf("exit code = %d, want 7", result.ExitCode)
	}
}

func TestProcessEnv_Timeout(t *testing.T) {
	env := newProcessEnv(t)

	_, err := env.Exec(context.Background(), ExecRequest{
		Command: []string{"sleep", "30"},
		Timeout: 500 * time.Millisecond,
	})
	if !errors.Is(err, ErrExecTimeout) {
		t.Fatalf("expected ErrExecTimeout, got %v", err)
	}
}

func TestProcessEnv_SanitizedEnvironment(t *testing.T) {
	t.Setenv("SECRET_TOKEN", "leaked")
	env := newProcessEnv(t)

	result, err := env.Exec(context.Background(), ExecRequest{
		Command: []string{"sh", "-c", "echo host=$SECRET_TOKEN extra=$EXTRA"},
		Env:     map[string]string{"EXTRA": "present"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := strings.TrimSpace(result.Stdout)
	if got != "host= extra=present" {
		t.Errorf("stdout = %q, want %q", got, "host= extra=present")
	}
}

func TestProcessEnv_RunsInWorkDir(t *testing.T) {
	backend := NewProcessBackend(ProcessConfig{}, testLogger())
	workDir := t.TempDir()
	env, err := backend.Provision(context.Background(), Spec{
		Name:    "proc-workdir",
		WorkDir: workDir,
		Limits:  unit.Limits{MemoryMB: 512},
	})
	if err != nil {
		t.Fatalf("provision: %v", err)
	}

	result, err := env.Exec(context.Background(), ExecRequest{
		Command: []string{"pwd"},
	})
	if err != nil {
		t.Fatalf("exec: %v", err)
	}
	if got := strings.TrimSpace(result.Stdout); got != workDir {
		t.Errorf("pwd = %q, want %q", got, workDir)
	}
}

func TestProcessEnv_TeardownBlocksExec(t *testing.T) {
	env := newProcessEnv(t)
	if err := env.Teardown(context.Background()); err != nil {
		t.Fatalf("teardown: %v", err)
	}
	if err := env.Healthy(context.Background()); !errors.Is(err, ErrUnhealthy) {
		t.Errorf("expected ErrUnhealthy after teardown, got %v", err)
	}
	if _, err := env.Exec(context.Background(), ExecRequest{
		Command: []string{"echo", "x"},
	}); !errors.Is(err, ErrUnhealthy) {
		t.Errorf("expected ErrUnhealthy exec after teardown, got %v", err)
	}
	// Idempotent.
	if err := env.Teardown(context.Background()); err != nil {
		t.Errorf("second teardown: %v", err)
	}
}

// Exercised under -race: teardown by the sweeper must not race with a
// concurrent health probe.
func TestProcessEnv_ConcurrentTeardownAndHealthy(t *testing.T) {
	env := newProcessEnv(t)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = env.Healthy(context.Background())
		}()
		go func() {
			defer wg.Done()
			_ = env.Teardown(context.Background())
		}()
	}
	wg.Wait()

	if err := env.Healthy(context.Background()); !errors.Is(err, ErrUnhealthy) {
		t.Errorf("expected ErrUnhealthy after teardown, got %v", err)
	}
}

func TestProcessBackend_MissingWorkDir(t *testing.T) {
	backend := NewProcessBackend(ProcessConfig{}, testLogger())
	if _, err := backend.Provision(context.Background(), Spec{
		Name:    "proc-missing",
		WorkDir: "/nonexistent/kazi-test",
	}); err == nil {
		t.Error("expected error for missing work dir")
	}
}
