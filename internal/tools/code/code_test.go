package code

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/jkaninda/kazi/internal/sandbox"
	"github.com/jkaninda/kazi/internal/tools"
)

type fakeEnv struct {
	lastReq sandbox.ExecRequest
	result  *sandbox.ExecResult
	err     error
}

func (f *fakeEnv) ID() string { return "fake" }
func (f *fakeEnv) Exec(_ context.Context, req sandbox.ExecRequest) (*sandbox.ExecResult, error) {
	f.lastReq = req
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}
func (f *fakeEnv) Healthy(context.Context) error  { return nil }
func (f *fakeEnv) Teardown(context.Context) error { return nil }

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestValidate(t *testing.T) {
	tool := NewTool(Config{AllowedLanguages: []string{"python", "shell"}}, quietLogger())

	tests := []struct {
		name    string
		params  map[string]any
		wantErr bool
	}{
		{"valid python", map[string]any{"language": "python", "code": "print(1)"}, false},
		{"valid shell", map[string]any{"language": "shell", "code": "echo hi"}, false},
		{"disallowed language", map[string]any{"language": "javascript", "code": "1"}, true},
		{"unknown language", map[string]any{"language": "cobol", "code": "x"}, true},
		{"missing code", map[string]any{"language": "python"}, true},
		{"empty code", map[string]any{"language": "python", "code": ""}, true},
		{"non-string code", map[string]any{"language": "python", "code": 42}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tool.Validate(tt.params)
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestDefaultLanguages(t *testing.T) {
	tool := NewTool(Config{}, quietLogger())
	for _, lang := range []string{"python", "javascript", "shell"} {
		if err := tool.Validate(map[string]any{"language": lang, "code": "x"}); err != nil {
			t.Errorf("default allowlist rejects %q: %v", lang, err)
		}
	}
}

func TestExecutePassesCodeAsPositionalParam(t *testing.T) {
	env := &fakeEnv{result: &sandbox.ExecResult{Stdout: "42\n", ExitCode: 0, Duration: time.Millisecond}}
	tool := NewTool(Config{}, quietLogger())

	code := `print("$(rm -rf /)")` // must never reach a shell unquoted
	result, err := tool.Execute(context.Background(), tools.Execution{Env: env, SessionID: "s1"},
		map[string]any{"language": "python", "code": code})
	if err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if !result.Success {
		t.Error("Execute() Success = false")
	}
	if result.Output != "42\n" {
		t.Errorf("Output = %q", result.Output)
	}

	cmd := env.lastReq.Command
	if len(cmd) != 5 || cmd[0] != "sh" || cmd[1] != "-c" {
		t.Fatalf("unexpected command shape: %v", cmd)
	}
	if cmd[4] != code {
		t.Errorf("code not passed as positional param: %q", cmd[4])
	}
	if strings.Contains(cmd[2], code) {
		t.Error("code was interpolated into the shell script")
	}
}

func TestExecuteCombinesStderr(t *testing.T) {
	env := &fakeEnv{result: &sandbox.ExecResult{Stdout: "out", Stderr: "warn", ExitCode: 1}}
	tool := NewTool(Config{}, quietLogger())

	result, err := tool.Execute(context.Background(), tools.Execution{Env: env},
		map[string]any{"language": "shell", "code": "x"})
	if err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if result.Success {
		t.Error("Success = true for exit code 1")
	}
	if result.Output != "out\nwarn" {
		t.Errorf("Output = %q, want stdout+stderr", result.Output)
	}
}

func TestStripFences(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"no fence", "print(1)", "print(1)"},
		{"plain fence", "```\nprint(1)\n```", "print(1)"},
		{"tagged fence", "```python\nprint(1)\nprint(2)\n```", "print(1)\nprint(2)"},
		{"fence with surrounding whitespace", "\n```sh\necho hi\n```\n", "echo hi"},
		{"unterminated fence", "```python\nprint(1)", "print(1)"},
		{"backticks inside code untouched", "s = '```'", "s = '```'"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := StripFences(tt.in); got != tt.want {
				t.Errorf("StripFences(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}
