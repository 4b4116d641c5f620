// Package browser implements the browser automation tool adapter with SSRF
// protection, a domain allowlist, and a per-call navigation budget.
package browser

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/jkaninda/kazi/internal/tools"
	"github.com/jkaninda/kazi/internal/tools/web"
)

const (
	defaultMaxResponseBytes      = 10 << 20 // 10 MB
	defaultTimeoutSeconds        = 30
	defaultMaxNavigationsPerCall = 5
)

var (
	linkRe   = regexp.MustCompile(`<a\s[^>]*href=["']([^"']+)["'][^>]*>(.*?)</a>`)
	scriptRe = regexp.MustCompile(`(?is)<script[^>]*>.*?</script>`)
	styleRe  = regexp.MustCompile(`(?is)<style[^>]*>.*?</style>`)
	tagRe    = regexp.MustCompile(`<[^>]*>`)
	spaceRe  = regexp.MustCompile(`\s+`)
)

// Config configures the browser tool restrictions.
type Config struct {
	AllowedDomains        []string
	MaxResponseBytes      int64
	TimeoutSeconds        int
	MaxNavigationsPerCall int
}

// Tool provides safe web navigation and content retrieval.
type Tool struct {
	config Config
	logger *slog.Logger
}

// page is one fetched document plus the response facts reported back in
// the result metadata.
type page struct {
	content     string
	statusCode  int
	finalURL    string
	contentType string
	truncated   bool
}

// NewTool creates a browser tool with the given restrictions.
func NewTool(cfg Config, logger *slog.Logger) *Tool {
	return &Tool{config: cfg, logger: logger}
}

func (t *Tool) Name() string { return "browser" }

func (t *Tool) Description() string {
	return "Navigate web pages and extract content (text, links) with SSRF protection and domain allowlist. " +
		"Supports tag-based content extraction for targeted data retrieval."
}

func (t *Tool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"url": map[string]any{
				"type":        "string",
				"description": "URL to navigate to (https only)",
			},
			"action": map[string]any{
				"type":        "string",
				"enum":        []string{"get", "extract_text", "extract_links"},
				"description": "Action to perform. Default: get",
			},
			"selector": map[string]any{
				"type":        "string",
				"description": "Simple tag selector to filter content (e.g., 'title', 'h1', 'p'). Optional.",
			},
		},
		"required": []string{"url"},
	}
}

func (t *Tool) Validate(params map[string]any) error {
	rawURL, err := requireString(params, "url")
	if err != nil {
		return err
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL %q: %w", rawURL, err)
	}

	if parsed.Scheme != "https" {
		return fmt.Errorf("only https scheme allowed, got %q", parsed.Scheme)
	}

	if !web.IsDomainAllowed(parsed.Hostname(), t.config.AllowedDomains) {
		return fmt.Errorf("domain %q is not in the browser allowlist", parsed.Hostname())
	}

	if action, ok := params["action"].(string); ok && action != "" {
		switch action {
		case "get", "extract_text", "extract_links":
			// valid
		default:
			return fmt.Errorf("unknown action %q", action)
		}
	}

	return nil
}

func (t *Tool) Execute(ctx context.Context, exec tools.Execution, params map[string]any) (*tools.Result, error) {
	rawURL, _ := requireString(params, "url")
	action := "get"
	if a, ok := params["action"].(string); ok && a != "" {
		action = a
	}
	selector, _ := params["selector"].(string)

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}

	// SSRF check: resolve DNS and block private IPs.
	if err := web.CheckSSRF(parsed.Hostname()); err != nil {
		return nil, err
	}

	t.logger.DebugContext(ctx, "browser navigating",
		slog.String("session_id", exec.SessionID),
		slog.String("url", rawURL),
		slog.String("action", action),
	)

	p, err := t.fetch(ctx, rawURL)
	if err != nil {
		return nil, err
	}

	var output string
	switch action {
	case "extract_text":
		output = extractText(p.content, selector)
	case "extract_links":
		output = extractLinks(p.content)
	default:
		output = p.content
	}

	return &tools.Result{
		Output:  tools.TruncateOutput(output, tools.MaxOutputBytes),
		Success: p.statusCode >= 200 && p.statusCode < 400,
		Metadata: map[string]any{
			"status_code":  p.statusCode,
			"url":          p.finalURL,
			"content_type": p.contentType,
			"truncated":    p.truncated,
			"action":       action,
		},
	}, nil
}

// fetch retrieves the document under the configured timeout and navigation
// budget. Redirects count against the budget and each hop is re-checked for
// SSRF and domain restrictions.
func (t *Tool) fetch(ctx context.Context, rawURL string) (*page, error) {
	timeout := time.Duration(t.config.TimeoutSeconds) * time.Second
	if timeout == 0 {
		timeout = defaultTimeoutSeconds * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	maxNav := t.config.MaxNavigationsPerCall
	if maxNav <= 0 {
		maxNav = defaultMaxNavigationsPerCall
	}

	client := &http.Client{
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxNav {
				return fmt.Errorf("navigation budget exhausted (max %d)", maxNav)
			}
			host := req.URL.Hostname()
			if !web.IsDomainAllowed(host, t.config.AllowedDomains) {
				return fmt.Errorf("redirect to disallowed domain %q blocked", host)
			}
			return web.CheckSSRF(host)
		},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("User-Agent", "Kazi/1.0 Browser")
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	maxBytes := t.config.MaxResponseBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxResponseBytes
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	p := &page{
		statusCode:  resp.StatusCode,
		finalURL:    resp.Request.URL.String(),
		contentType: resp.Header.Get("Content-Type"),
	}
	if int64(len(body)) > maxBytes {
		body = body[:maxBytes]
		p.truncated = true
	}
	p.content = string(body)

	return p, nil
}

// extractText strips HTML tags and returns clean text.
// If selector is provided, only content within matching tags is returned.
func extractText(html, selector string) string {
	if selector != "" {
		html = extractByTag(html, selector)
	}
	return stripTags(html)
}

// extractLinks finds all <a href="..."> links and returns them formatted.
func extractLinks(html string) string {
	matches := linkRe.FindAllStringSubmatch(html, -1)

	var sb strings.Builder
	for _, m := range matches {
		if len(m) >= 3 {
			text := stripTags(m[2])
			fmt.Fprintf(&sb, "[%s](%s)\n", strings.TrimSpace(text), m[1])
		}
	}
	if sb.Len() == 0 {
		return "No links found."
	}
	return sb.String()
}

// extractByTag extracts content within matching HTML tags.
func extractByTag(html, tag string) string {
	tag = strings.ToLower(strings.TrimSpace(tag))
	re := regexp.MustCompile(fmt.Sprintf(`(?is)<%s[^>]*>(.*?)</%s>`, regexp.QuoteMeta(tag), regexp.QuoteMeta(tag)))
	matches := re.FindAllStringSubmatch(html, -1)

	var sb strings.Builder
	for _, m := range matches {
		if len(m) >= 2 {
			sb.WriteString(m[1])
			sb.WriteString("\n")
		}
	}
	return sb.String()
}

// stripTags removes all HTML tags from a string and cleans up whitespace.
// Script and style blocks go first so their contents don't leak into text.
func stripTags(s string) string {
	s = scriptRe.ReplaceAllString(s, "")
	s = styleRe.ReplaceAllString(s, "")
	s = tagRe.ReplaceAllString(s, " ")
	s = spaceRe.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
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
