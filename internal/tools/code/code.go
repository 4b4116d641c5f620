// Package code implements the code execution tool adapter.
//
// Security:
//   - All code runs inside the borrowed isolation unit (resource limits, timeout)
//   - Only configured languages allowed
//   - Code written to a script inside the unit, never interpreted by a host shell
//   - Output truncated to prevent OOM
package code

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jkaninda/kazi/internal/sandbox"
	"github.com/jkaninda/kazi/internal/tools"
)

// interpreters maps language names to their interpreter commands.
var interpreters = map[string]string{
	"python":     "python3",
	"python3":    "python3",
	"javascript": "node",
	"node":       "node",
	"shell":      "sh",
	"sh":         "sh",
	"bash":       "bash",
}

// defaultLanguages is used when no allowlist is configured.
var defaultLanguages = []string{"python", "javascript", "shell"}

// Config configures the code execution tool.
type Config struct {
	AllowedLanguages []string // Languages that can be executed. Empty = defaults.
}

// Tool executes code snippets inside a borrowed isolation unit.
type Tool struct {
	config  Config
	logger  *slog.Logger
	allowed map[string]bool
}

// NewTool creates a code execution tool.
func NewTool(cfg Config, logger *slog.Logger) *Tool {
	langs := cfg.AllowedLanguages
	if len(langs) == 0 {
		langs = defaultLanguages
	}
	allowed := make(map[string]bool, len(langs))
	for _, lang := range langs {
		allowed[lang] = true
	}
	return &Tool{config: cfg, logger: logger, allowed: allowed}
}

func (t *Tool) Name() string        { return "code_exec" }
func (t *Tool) Description() string { return "Execute code inside the session's isolated environment" }
func (t *Tool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"language": map[string]any{"type": "string", "description": "Programming language (e.g. 'python', 'javascript', 'shell')"},
			"code":     map[string]any{"type": "string", "description": "The source code to execute. Markdown code fences are stripped."},
		},
		"required": []string{"language", "code"},
	}
}

func (t *Tool) Validate(params map[string]any) error {
	lang, err := requireString(params, "language")
	if err != nil {
		return err
	}
	if !t.allowed[lang] {
		return fmt.Errorf("language %q is not allowed", lang)
	}
	if _, ok := interpreters[lang]; !ok {
		return fmt.Errorf("no interpreter configured for language %q", lang)
	}
	if _, err := requireString(params, "code"); err != nil {
		return err
	}
	return nil
}

// Execute writes the code to a script inside the unit's workspace and runs it.
//
// Required params:
//
//	"language" (string) — one of the allowed languages (e.g. "python", "shell")
//	"code" (string) — the source code to execute
func (t *Tool) Execute(ctx context.Context, exec tools.Execution, params map[string]any) (*tools.Result, error) {
	lang, _ := requireString(params, "language")
	code, _ := requireString(params, "code")

	// Planner output often arrives wrapped in markdown fences.
	code = StripFences(code)
	interpreter := interpreters[lang]

	t.logger.InfoContext(ctx, "code_exec executing",
		slog.String("session_id", exec.SessionID),
		slog.String("language", lang),
		slog.Int("code_size", len(code)),
	)

	// Write then run via positional params so the code is never shell-interpreted.
	shellScript := fmt.Sprintf(`printf '%%s' "$1" > ./.kazi-script && %s ./.kazi-script`, interpreter)

	result, err := exec.Env.Exec(ctx, sandbox.ExecRequest{
		Command: []string{"sh", "-c", shellScript, "_", code},
	})
	if err != nil {
		return nil, fmt.Errorf("executing code: %w", err)
	}

	output := result.Stdout
	if result.Stderr != "" {
		if output != "" {
			output += "\n"
		}
		output += result.Stderr
	}

	return &tools.Result{
		Output:  tools.TruncateOutput(output, tools.MaxOutputBytes),
		Success: result.ExitCode == 0,
		Metadata: map[string]any{
			"language":  lang,
			"exit_code": result.ExitCode,
			"duration":  result.Duration.String(),
		},
	}, nil
}

// StripFences removes a surrounding markdown code fence, if present.
// Handles both bare ``` fences and language-tagged ones like ```python.
func StripFences(code string) string {
	trimmed := strings.TrimSpace(code)
	if !strings.HasPrefix(trimmed, "```") {
		return code
	}
	lines := strings.Split(trimmed, "\n")
	if len(lines) < 2 {
		return code
	}
	// First line is the opening fence, possibly with a language tag.
	lines = lines[1:]
	if strings.TrimSpace(lines[len(lines)-1]) == "```" {
		lines = lines[:len(lines)-1]
	}
	return strings.Join(lines, "\n")
}

func requireString(params map[string]any, key string) (string, error) {
	v, ok := params[key]
	if !ok {
		return "", fmt.Errorf("missing required parameter: %s", key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("parameter %s must be a string, got %T", key, v)
	}
	if s == "" {
		return "", fmt.Errorf("parameter %s must not be empty", key)
	}
	return s, nil
}
