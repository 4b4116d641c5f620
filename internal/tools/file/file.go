// Package file implements the file processing tool adapter.
//
// All paths are relative to the session's workspace directory. Every path is
// resolved to its absolute, symlink-free form and verified to fall inside
// the workspace before any I/O occurs, so neither ../ traversal nor symlink
// escapes can reach files of other sessions or the host.
package file

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/jkaninda/kazi/internal/tools"
)

const defaultMaxFileSize = 10 << 20 // 10 MB

var (
	scriptRe = regexp.MustCompile(`(?is)<script[^>]*>.*?</script>`)
	styleRe  = regexp.MustCompile(`(?is)<style[^>]*>.*?</style>`)
	tagRe    = regexp.MustCompile(`<[^>]*>`)
	spaceRe  = regexp.MustCompile(`[ \t]+`)
	mdLinkRe = regexp.MustCompile(`\[([^\]]*)\]\([^)]*\)`)
	mdMarkRe = regexp.MustCompile("(?m)^#{1,6}[ \t]+|[*_`]+")
)

// Config configures file tool restrictions.
type Config struct {
	MaxFileSizeBytes int64 // Maximum file size for read/write. 0 = 10 MB default.
}

// Tool reads, writes, lists, and extracts text from files inside the
// session workspace.
type Tool struct {
	config Config
	logger *slog.Logger
}

// NewTool creates a file tool confined to the per-call session workspace.
func NewTool(cfg Config, logger *slog.Logger) *Tool {
	return &Tool{config: cfg, logger: logger}
}

func (t *Tool) Name() string { return "file_ops" }
func (t *Tool) Description() string {
	return "Read, write, list, delete, or extract text from files within the session workspace"
}
func (t *Tool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"operation": map[string]any{"type": "string", "enum": []string{"read", "write", "list", "delete", "extract"}, "description": "Operation to perform"},
			"path":      map[string]any{"type": "string", "description": "Path relative to the session workspace"},
			"content":   map[string]any{"type": "string", "description": "Content to write (write operation only)"},
			"format":    map[string]any{"type": "string", "enum": []string{"txt", "csv", "json", "html", "markdown"}, "description": "Source format override (extract operation only; default: file extension)"},
		},
		"required": []string{"operation", "path"},
	}
}

func (t *Tool) Validate(params map[string]any) error {
	op, err := requireString(params, "operation")
	if err != nil {
		return err
	}
	switch op {
	case "read", "write", "list", "delete", "extract":
		// valid
	default:
		return fmt.Errorf("unknown operation %q", op)
	}

	// Unsupported extraction formats are an execution failure, not a
	// validation error; only the parameter type is checked here.
	if v, ok := params["format"]; ok {
		if _, ok := v.(string); !ok {
			return fmt.Errorf("parameter format must be a string, got %T", v)
		}
	}

	path, err := requireString(params, "path")
	if err != nil {
		return err
	}
	if filepath.IsAbs(path) {
		return fmt.Errorf("path must be relative to the session workspace, got absolute %q", path)
	}

	if op == "write" {
		content, err := requireString(params, "content")
		if err != nil {
			return err
		}
		if int64(len(content)) > t.maxSize() {
			return fmt.Errorf("content size %d exceeds limit %d bytes", len(content), t.maxSize())
		}
	}
	return nil
}

func (t *Tool) Execute(ctx context.Context, exec tools.Execution, params map[string]any) (*tools.Result, error) {
	op, _ := requireString(params, "operation")
	path, _ := requireString(params, "path")

	resolved, err := safePath(exec.WorkDir, path)
	if err != nil {
		return nil, err
	}

	t.logger.InfoContext(ctx, "file_ops executing",
		slog.String("session_id", exec.SessionID),
		slog.String("operation", op),
		slog.String("path", resolved),
	)

	switch op {
	case "read":
		return t.readFile(resolved)
	case "list":
		return t.listDir(resolved)
	case "delete":
		return t.deleteFile(resolved, exec.WorkDir)
	case "extract":
		format, _ := params["format"].(string)
		return t.extractFile(resolved, format)
	default:
		content, _ := requireString(params, "content")
		return t.writeFile(resolved, content)
	}
}

// safePath resolves a workspace-relative path to its absolute, symlink-free
// form and verifies it stays inside the workspace root.
func safePath(root, raw string) (string, error) {
	if raw == "" {
		return "", fmt.Errorf("path must not be empty")
	}

	abs, err := filepath.Abs(filepath.Join(root, raw))
	if err != nil {
		return "", fmt.Errorf("resolving path: %w", err)
	}

	// Resolve symlinks to get the real filesystem path. A symlink created by
	// earlier tool calls must not point outside the workspace.
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		// Path doesn't exist yet (write case): resolve the parent instead.
		parentResolved, parentErr := filepath.EvalSymlinks(filepath.Dir(abs))
		if parentErr != nil {
			return "", fmt.Errorf("path does not exist and parent is invalid: %w", err)
		}
		resolved = filepath.Join(parentResolved, filepath.Base(abs))
	}

	rootResolved, err := filepath.EvalSymlinks(root)
	if err != nil {
		return "", fmt.Errorf("resolving workspace root: %w", err)
	}

	// "/ws" must match "/ws/foo" but NOT "/wsevil".
	if resolved != rootResolved && !strings.HasPrefix(resolved, rootResolved+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q resolves outside the session workspace", raw)
	}
	return resolved, nil
}

func (t *Tool) maxSize() int64 {
	if t.config.MaxFileSizeBytes > 0 {
		return t.config.MaxFileSizeBytes
	}
	return defaultMaxFileSize
}

// loadFile reads a regular file that fits the size limit.
func (t *Tool) loadFile(path string) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory, use operation=\"list\"", path)
	}
	if info.Size() > t.maxSize() {
		return nil, fmt.Errorf("file size %d exceeds limit %d bytes", info.Size(), t.maxSize())
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return data, nil
}

func (t *Tool) readFile(path string) (*tools.Result, error) {
	data, err := t.loadFile(path)
	if err != nil {
		return nil, err
	}

	return &tools.Result{
		Output:  tools.TruncateOutput(string(data), tools.MaxOutputBytes),
		Success: true,
		Metadata: map[string]any{
			"path":       path,
			"size_bytes": int64(len(data)),
		},
	}, nil
}

// extractFile converts a file's contents to plain text. The source format
// comes from the declared format parameter, falling back to the file
// extension.
func (t *Tool) extractFile(path, format string) (*tools.Result, error) {
	if format == "" {
		format = formatFromExt(path)
	}

	data, err := t.loadFile(path)
	if err != nil {
		return nil, err
	}

	var text string
	switch format {
	case "txt":
		text = string(data)
	case "csv":
		text, err = extractCSV(data)
	case "json":
		text, err = extractJSON(data)
	case "html":
		text = extractHTML(string(data))
	case "markdown":
		text = extractMarkdown(string(data))
	default:
		return nil, fmt.Errorf("unsupported format %q: expected txt, csv, json, html, or markdown", format)
	}
	if err != nil {
		return nil, fmt.Errorf("extracting %s as %s: %w", path, format, err)
	}

	return &tools.Result{
		Output:  tools.TruncateOutput(text, tools.MaxOutputBytes),
		Success: true,
		Metadata: map[string]any{
			"path":   path,
			"format": format,
		},
	}, nil
}

// formatFromExt maps a file extension to an extraction format.
func formatFromExt(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".txt", ".log":
		return "txt"
	case ".csv":
		return "csv"
	case ".json":
		return "json"
	case ".html", ".htm":
		return "html"
	case ".md", ".markdown":
		return "markdown"
	default:
		return strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	}
}

// extractCSV renders records as tab-separated lines so ragged quoting and
// embedded separators are normalized away.
func extractCSV(data []byte) (string, error) {
	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	if err != nil {
		return "", err
	}

	var b strings.Builder
	for _, rec := range records {
		b.WriteString(strings.Join(rec, "\t"))
		b.WriteByte('\n')
	}
	return b.String(), nil
}

func extractJSON(data []byte) (string, error) {
	var buf bytes.Buffer
	if err := json.Indent(&buf, data, "", "  "); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// extractHTML strips markup. Script and style blocks go first so their
// contents don't leak into the text.
func extractHTML(s string) string {
	s = scriptRe.ReplaceAllString(s, "")
	s = styleRe.ReplaceAllString(s, "")
	s = tagRe.ReplaceAllString(s, " ")
	s = spaceRe.ReplaceAllString(s, " ")

	var lines []string
	for _, line := range strings.Split(s, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	return strings.Join(lines, "\n")
}

// extractMarkdown removes headings, emphasis markers, and link targets,
// keeping the readable text.
func extractMarkdown(s string) string {
	s = mdLinkRe.ReplaceAllString(s, "$1")
	s = mdMarkRe.ReplaceAllString(s, "")
	return strings.TrimSpace(s)
}

func (t *Tool) listDir(path string) (*tools.Result, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", path, err)
	}

	var b strings.Builder
	for _, e := range entries {
		info, _ := e.Info()
		mode := "-"
		size := int64(0)
		if info != nil {
			mode = info.Mode().String()
			size = info.Size()
		}
		fmt.Fprintf(&b, "%s %8d %s\n", mode, size, e.Name())
	}

	return &tools.Result{
		Output:  tools.TruncateOutput(b.String(), tools.MaxOutputBytes),
		Success: true,
		Metadata: map[string]any{
			"path":  path,
			"count": len(entries),
		},
	}, nil
}

func (t *Tool) writeFile(path, content string) (*tools.Result, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("creating parent directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(content), fs.FileMode(0640)); err != nil {
		return nil, fmt.Errorf("writing %s: %w", path, err)
	}

	return &tools.Result{
		Output:  fmt.Sprintf("wrote %d bytes to %s", len(content), filepath.Base(path)),
		Success: true,
		Metadata: map[string]any{
			"path":       path,
			"size_bytes": len(content),
		},
	}, nil
}

func (t *Tool) deleteFile(path, root string) (*tools.Result, error) {
	rootResolved, err := filepath.EvalSymlinks(root)
	if err == nil && path == rootResolved {
		return nil, fmt.Errorf("refusing to delete the workspace root")
	}
	if err := os.Remove(path); err != nil {
		return nil, fmt.Errorf("deleting %s: %w", path, err)
	}
	return &tools.Result{
		Output:   fmt.Sprintf("deleted %s", filepath.Base(path)),
		Success:  true,
		Metadata: map[string]any{"path": path},
	}, nil
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
