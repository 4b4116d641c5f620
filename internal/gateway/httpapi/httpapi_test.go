package httpapi

import "testing"

func TestBearerToken(t *testing.T) {
	tests := []struct {
		header string
		want   string
	}{
		{"Bearer abc123", "abc123"},
		{"bearer abc123", ""},
		{"Basic abc123", ""},
		{"", ""},
		{"Bearer ", ""},
	}
	for _, tt := range tests {
		if got := bearerToken(tt.header); got != tt.want {
			t.Errorf("bearerToken(%q) = %q, want %q", tt.header, got, tt.want)
		}
	}
}

func TestWithFileRef(t *testing.T) {
	if got := withFileRef(nil, ""); got != nil {
		t.Errorf("empty file ref changed params: %v", got)
	}

	got := withFileRef(map[string]any{"operation": "read"}, "report.csv")
	if got["path"] != "report.csv" || got["operation"] != "read" {
		t.Errorf("merged params = %v", got)
	}

	// An explicit path parameter is never overwritten.
	got = withFileRef(map[string]any{"path": "a.txt"}, "b.txt")
	if got["path"] != "a.txt" {
		t.Errorf("path = %v, want a.txt", got["path"])
	}
}

func TestResolveAPIKey(t *testing.T) {
	g := &Gateway{config: Config{APIKeys: map[string]string{
		"alice-key": "alice",
		"bob-key":   "bob",
	}}}

	if userID, ok := g.resolveAPIKey("alice-key"); !ok || userID != "alice" {
		t.Errorf("resolveAPIKey = %q, %v", userID, ok)
	}
	if _, ok := g.resolveAPIKey("wrong"); ok {
		t.Error("wrong key resolved")
	}
	if _, ok := g.resolveAPIKey(""); ok {
		t.Error("empty key resolved")
	}
}
