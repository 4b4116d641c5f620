package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

const decidePath = "/v1/decide"

// RemotePlanner implements Planner against an external planning service.
// The service receives the full state as JSON and replies with a
// Decision. Authentication is a bearer token.
type RemotePlanner struct {
	endpoint   string
	token      string
	httpClient *http.Client
	logger     *slog.Logger
}

// RemoteOption configures the remote planner.
type RemoteOption func(*RemotePlanner)

// WithHTTPClient sets a custom HTTP client (useful for testing).
func WithHTTPClient(hc *http.Client) RemoteOption {
	return func(p *RemotePlanner) { p.httpClient = hc }
}

// NewRemotePlanner creates a planner client for the given endpoint.
// token may be empty when the service does not require authentication.
func NewRemotePlanner(endpoint, token string, timeout time.Duration, logger *slog.Logger, opts ...RemoteOption) *RemotePlanner {
	p := &RemotePlanner{
		endpoint:   endpoint,
		token:      token,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// NextToolCall posts the state to the planning service and parses its
// decision.
func (p *RemotePlanner) NextToolCall(ctx context.Context, state *State) (*Decision, error) {
	body, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("marshaling state: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint+decidePath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.token)
	}

	httpResp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}
	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("planner error (status %d): %s", httpResp.StatusCode, string(respBody))
	}

	var decision Decision
	if err := json.Unmarshal(respBody, &decision); err != nil {
		return nil, fmt.Errorf("parsing decision: %w", err)
	}
	if !decision.Done && decision.Tool == "" {
		return nil, fmt.Errorf("planner returned neither a tool call nor done")
	}

	p.logger.DebugContext(ctx, "planner decision",
		slog.String("session_id", state.SessionID),
		slog.Bool("done", decision.Done),
		slog.String("tool", decision.Tool),
		slog.Int("steps_so_far", len(state.Steps)),
	)
	return &decision, nil
}
