package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// heartbeatInterval is how often the server pings an idle stream.
const heartbeatInterval = 30 * time.Second

// StreamFrame is one message on the session stream: a terminal task
// record as it completes.
type StreamFrame struct {
	Type string              `json:"type"` // "task"
	Task *TaskRecordResponse `json:"task"`
}

// handleStream upgrades GET /v1/sessions/{id}/stream to a WebSocket and
// pushes task records as they reach a terminal status. The API key comes
// from the Authorization header or, for browser clients, the "token"
// query parameter.
func (g *Gateway) handleStream(w http.ResponseWriter, r *http.Request) {
	apiKey := bearerToken(r.Header.Get("Authorization"))
	if apiKey == "" {
		apiKey = r.URL.Query().Get("token")
	}
	userID, ok := g.resolveAPIKey(apiKey)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	raw := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/v1/sessions/"), "/stream")
	sessionID, err := uuid.Parse(raw)
	if err != nil {
		http.Error(w, "invalid session ID", http.StatusBadRequest)
		return
	}
	s, err := g.sessions.Get(r.Context(), sessionID)
	if err != nil || s.UserID != userID {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{"kazi-stream-v1"},
	})
	if err != nil {
		g.logger.Error("websocket accept failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")

	tasks, cancel := g.coord.Watch(sessionID)
	defer cancel()

	g.logger.Info("session stream opened",
		slog.String("session_id", sessionID.String()),
		slog.String("user_id", userID),
	)

	ctx := r.Context()
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, pingCancel := context.WithTimeout(ctx, 10*time.Second)
			err := conn.Ping(pingCtx)
			pingCancel()
			if err != nil {
				g.logger.Info("session stream closed",
					slog.String("session_id", sessionID.String()),
				)
				return
			}
		case task := <-tasks:
			tr := toTaskResponse(task)
			data, err := json.Marshal(StreamFrame{Type: "task", Task: &tr})
			if err != nil {
				continue
			}
			writeCtx, writeCancel := context.WithTimeout(ctx, 10*time.Second)
			err = conn.Write(writeCtx, websocket.MessageText, data)
			writeCancel()
			if err != nil {
				g.logger.Info("session stream closed",
					slog.String("session_id", sessionID.String()),
				)
				return
			}
		}
	}
}
