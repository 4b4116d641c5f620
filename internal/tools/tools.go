// Package tools defines the tool adapter interface and registry for Kazi.
// Tools never own execution environments: the dispatch coordinator borrows
// an isolation unit from the pool and hands it to the tool for the duration
// of a single call.
package tools

import (
	"context"
	"sync"

	"github.com/jkaninda/kazi/internal/sandbox"
)

// Tool is the interface all Kazi tool adapters must implement.
type Tool interface {
	// Name returns the tool's unique identifier (e.g. "code_exec").
	Name() string

	// Description returns a human-readable description.
	Description() string

	// InputSchema returns a JSON Schema object describing the tool's parameters.
	// This is exposed to the planner as the tool's input_schema.
	InputSchema() map[string]any

	// Validate checks that params are well-formed before any unit is borrowed.
	// Invalid requests fail fast without consuming pool capacity.
	Validate(params map[string]any) error

	// Execute runs the tool inside the borrowed execution context.
	Execute(ctx context.Context, exec Execution, params map[string]any) (*Result, error)
}

// Execution is the per-call context handed to a tool by the dispatcher:
// the borrowed environment plus the identity and workspace it runs for.
type Execution struct {
	Env       sandbox.Environment
	WorkDir   string // host-side session workspace directory, mounted in the environment
	SessionID string
	UserID    string
}

// Result is the outcome of a tool execution.
type Result struct {
	Output   string         `json:"output"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Success  bool           `json:"success"`
}

// Definition describes a tool to the planner.
type Definition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

// MaxOutputBytes is the default cap for tool output to prevent OOM.
const MaxOutputBytes = 1 << 20 // 1 MB

// TruncateOutput caps a string at maxBytes, appending a truncation notice if cut.
func TruncateOutput(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	const suffix = "\n... [output truncated]"
	if maxBytes <= len(suffix) {
		return s[:maxBytes]
	}
	return s[:maxBytes-len(suffix)] + suffix
}

// Registry holds available tools keyed by name.
// Thread-safe for concurrent reads; writes should only happen at startup.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool. Panics on duplicate names (startup config error, not runtime).
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name()]; exists {
		panic("duplicate tool registration: " + t.Name())
	}
	r.tools[t.Name()] = t
}

// Get returns the tool by name, or nil if not found.
func (r *Registry) Get(name string) Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// List returns all registered tool names.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	return names
}

// All returns all registered tools.
func (r *Registry) All() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		result = append(result, t)
	}
	return result
}

// Definitions converts all registered tools into planner tool definitions.
func Definitions(reg *Registry) []Definition {
	all := reg.All()
	defs := make([]Definition, len(all))
	for i, t := range all {
		defs[i] = Definition{
			Name:        t.Name(),
			Description: t.Description(),
			InputSchema: t.InputSchema(),
		}
	}
	return defs
}
