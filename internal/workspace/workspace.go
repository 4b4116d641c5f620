// Package workspace manages the Kazi runtime directory structure.
// All runtime state (database, session working directories, logs) is
// consolidated under a single workspace root, making Kazi portable.
//
// Default workspace: ~/.kazi/workspace (configurable via config or KAZI_WORKSPACE env var).
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Default workspace location relative to user home directory.
const defaultRelativePath = ".kazi/workspace"

// Workspace manages all Kazi runtime directories and derived paths.
type Workspace struct {
	Root string

	mu      sync.Mutex
	created map[string]bool // tracks which directories have been ensured
}

// New creates a Workspace rooted at the given path.
// It resolves ~ to the user's home directory and creates the root directory
// with appropriate permissions if it does not exist.
func New(root string) (*Workspace, error) {
	resolved, err := resolvePath(root)
	if err != nil {
		return nil, fmt.Errorf("resolving workspace root %q: %w", root, err)
	}

	w := &Workspace{
		Root:    resolved,
		created: make(map[string]bool),
	}

	if err := w.ensureDir(resolved, 0750); err != nil {
		return nil, fmt.Errorf("creating workspace root: %w", err)
	}

	return w, nil
}

// Default creates a Workspace at ~/.kazi/workspace.
func Default() (*Workspace, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("determining home directory: %w", err)
	}
	return New(filepath.Join(home, defaultRelativePath))
}

// --- Top-level directory accessors ---

// SessionsDir returns <root>/sessions/. Per-user session working directories.
func (w *Workspace) SessionsDir() string {
	return w.dir("sessions")
}

// DataDir returns <root>/data/. Database files for the embedded store.
func (w *Workspace) DataDir() string {
	return w.dir("data")
}

// LogsDir returns <root>/logs/. Application log files.
func (w *Workspace) LogsDir() string {
	return w.dir("logs")
}

// --- Derived paths ---

// DatabasePath returns <root>/data/kazi.db.
func (w *Workspace) DatabasePath() string {
	return filepath.Join(w.DataDir(), "kazi.db")
}

// --- Session paths ---

// SessionDir returns <root>/sessions/<userID>/<sessionID>/, the working
// directory mounted into every isolation unit of that session. Files
// written by one tool call are visible to subsequent calls in the same
// session, and to no other session.
func (w *Workspace) SessionDir(userID, sessionID string) string {
	p := filepath.Join(w.SessionsDir(), sanitizeName(userID), sanitizeName(sessionID))
	_ = w.ensureDir(p, 0750)
	return p
}

// --- Cleanup ---

// RemoveSessionDir deletes a session working directory and all its contents.
// Called when a session is reaped.
func (w *Workspace) RemoveSessionDir(userID, sessionID string) error {
	p := filepath.Join(w.SessionsDir(), sanitizeName(userID), sanitizeName(sessionID))
	if err := os.RemoveAll(p); err != nil {
		return fmt.Errorf("removing session dir %s: %w", p, err)
	}
	w.mu.Lock()
	delete(w.created, p)
	w.mu.Unlock()
	return nil
}

// EnsureAll creates all standard workspace directories.
// Call this during first startup.
func (w *Workspace) EnsureAll() error {
	dirs := []string{
		w.SessionsDir(),
		w.DataDir(),
		w.LogsDir(),
	}
	for _, d := range dirs {
		if err := w.ensureDir(d, 0750); err != nil {
			return err
		}
	}
	return nil
}

// --- Internal helpers ---

// dir returns an absolute path under the workspace root and ensures the directory exists.
func (w *Workspace) dir(name string) string {
	p := filepath.Join(w.Root, name)
	_ = w.ensureDir(p, 0750)
	return p
}

// ensureDir creates a directory if it doesn't already exist.
// Uses a cache to avoid redundant stat/mkdir calls.
func (w *Workspace) ensureDir(path string, perm os.FileMode) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.created[path] {
		return nil
	}

	if err := os.MkdirAll(path, perm); err != nil {
		return fmt.Errorf("creating directory %s: %w", path, err)
	}
	w.created[path] = true
	return nil
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

// sanitizeName replaces path separator characters to prevent directory traversal.
func sanitizeName(name string) string {
	name = strings.ReplaceAll(name, "/", "_")
	name = strings.ReplaceAll(name, "\\", "_")
	name = strings.ReplaceAll(name, "..", "_")
	if name == "" {
		name = "_"
	}
	return name
}
