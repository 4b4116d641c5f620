package workspace

import (
	"os"
	"path/filepath"
	"testing"
)

func TestNew(t *testing.T) {
	tmp := t.TempDir()
	root := filepath.Join(tmp, "workspace")

	ws, err := New(root)
	if err != nil {
		t.Fatalf("New(%q): %v", root, err)
	}
	if ws.Root != root {
		t.Errorf("Root = %q, want %q", ws.Root, root)
	}

	// Root directory should exist.
	if _, err := os.Stat(root); err != nil {
		t.Errorf("root dir not created: %v", err)
	}
}

func TestDirectoryAccessors(t *testing.T) {
	tmp := t.TempDir()
	ws, err := New(filepath.Join(tmp, "ws"))
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		fn   func() string
		want string
	}{
		{"SessionsDir", ws.SessionsDir, "sessions"},
		{"DataDir", ws.DataDir, "data"},
		{"LogsDir", ws.LogsDir, "logs"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := tc.fn()
			expected := filepath.Join(ws.Root, tc.want)
			if got != expected {
				t.Errorf("%s() = %q, want %q", tc.name, got, expected)
			}
			// Directory should exist.
			if _, err := os.Stat(got); err != nil {
				t.Errorf("directory not created: %v", err)
			}
		})
	}
}

func TestDerivedPaths(t *testing.T) {
	tmp := t.TempDir()
	ws, err := New(filepath.Join(tmp, "ws"))
	if err != nil {
		t.Fatal(err)
	}

	if got, want := ws.DatabasePath(), filepath.Join(ws.Root, "data", "kazi.db"); got != want {
		t.Errorf("DatabasePath() = %q, want %q", got, want)
	}
}

func TestSessionDir(t *testing.T) {
	tmp := t.TempDir()
	ws, err := New(filepath.Join(tmp, "ws"))
	if err != nil {
		t.Fatal(err)
	}

	sessionDir := ws.SessionDir("user-1", "sess-abc")
	expected := filepath.Join(ws.Root, "sessions", "user-1", "sess-abc")
	if sessionDir != expected {
		t.Errorf("SessionDir = %q, want %q", sessionDir, expected)
	}
	if _, err := os.Stat(sessionDir); err != nil {
		t.Errorf("session dir not created: %v", err)
	}
}

func TestSessionDirIsolationPerSession(t *testing.T) {
	tmp := t.TempDir()
	ws, err := New(filepath.Join(tmp, "ws"))
	if err != nil {
		t.Fatal(err)
	}

	a := ws.SessionDir("user-1", "sess-a")
	b := ws.SessionDir("user-1", "sess-b")
	c := ws.SessionDir("user-2", "sess-a")
	if a == b || a == c || b == c {
		t.Errorf("session dirs not distinct: %q %q %q", a, b, c)
	}
}

func TestRemoveSessionDir(t *testing.T) {
	tmp := t.TempDir()
	ws, err := New(filepath.Join(tmp, "ws"))
	if err != nil {
		t.Fatal(err)
	}

	dir := ws.SessionDir("user-1", "sess-gone")
	if err := os.WriteFile(filepath.Join(dir, "output.txt"), []byte("hello"), 0644); err != nil {
		t.Fatal(err)
	}

	if err := ws.RemoveSessionDir("user-1", "sess-gone"); err != nil {
		t.Fatalf("RemoveSessionDir: %v", err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Errorf("session dir still exists after removal")
	}

	// Removing again is a no-op, and the dir can be recreated.
	if err := ws.RemoveSessionDir("user-1", "sess-gone"); err != nil {
		t.Fatalf("second RemoveSessionDir: %v", err)
	}
	recreated := ws.SessionDir("user-1", "sess-gone")
	if _, err := os.Stat(recreated); err != nil {
		t.Errorf("session dir not recreated: %v", err)
	}
}

func TestEnsureAll(t *testing.T) {
	tmp := t.TempDir()
	ws, err := New(filepath.Join(tmp, "ws"))
	if err != nil {
		t.Fatal(err)
	}

	if err := ws.EnsureAll(); err != nil {
		t.Fatal(err)
	}

	for _, sub := range []string{"sessions", "data", "logs"} {
		p := filepath.Join(ws.Root, sub)
		if _, err := os.Stat(p); err != nil {
			t.Errorf("directory %q not created: %v", sub, err)
		}
	}
}

func TestSanitizeName(t *testing.T) {
	tests := []struct {
		input, want string
	}{
		{"normal", "normal"},
		{"a/b", "a_b"},
		{"a\\b", "a_b"},
		{"../etc/passwd", "__etc_passwd"},
		{"", "_"},
	}
	for _, tc := range tests {
		got := sanitizeName(tc.input)
		if got != tc.want {
			t.Errorf("sanitizeName(%q) = %q, want %q", tc.input, got, tc.want)
		}
	}
}

func TestResolveTilde(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}

	got, err := resolvePath("~/test")
	if err != nil {
		t.Fatal(err)
	}
	want := filepath.Join(home, "test")
	if got != want {
		t.Errorf("resolvePath(~/test) = %q, want %q", got, want)
	}
}
