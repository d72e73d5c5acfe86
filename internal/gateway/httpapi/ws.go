package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/coder/websocket"

	"github.com/jkaninda/velocity/internal/events"
	"github.com/jkaninda/velocity/internal/gateway"
	"github.com/jkaninda/velocity/internal/ratelimit"
)

// StreamSubprotocol is negotiated on the websocket event stream.
const StreamSubprotocol = "velocity-events-v1"

const maxStreamMessage = 64 << 10

// StreamMessage is a client frame on the websocket stream.
type StreamMessage struct {
	Message string `json:"message"`
}

// StreamHandler serves GET /v1/sessions/{id}/ws. Each text frame from the
// client is one message; the reply is the query's events as wire-format
// JSON text frames, ending with done. Messages are handled one at a time.
type StreamHandler struct {
	sessions gateway.Sessions
	auth     func(apiKey string) (string, bool)
	limiter  *ratelimit.Limiter
	logger   *slog.Logger
}

// NewStreamHandler creates a websocket stream handler. auth maps an API key
// to a user.
func NewStreamHandler(sessions gateway.Sessions, auth func(string) (string, bool), rl *ratelimit.Limiter, logger *slog.Logger) *StreamHandler {
	return &StreamHandler{sessions: sessions, auth: auth, limiter: rl, logger: logger}
}

func (h *StreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Browsers cannot set headers on websocket requests; accept ?token= too.
	token := r.URL.Query().Get("token")
	if token == "" {
		token = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	}
	userID, ok := h.auth(token)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	sessionID, ok := sessionFromStreamPath(r.URL.Path)
	if !ok {
		http.Error(w, "invalid session id", http.StatusBadRequest)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{StreamSubprotocol},
	})
	if err != nil {
		h.logger.Error("websocket accept failed", slog.String("error", err.Error()))
		return
	}
	conn.SetReadLimit(maxStreamMessage)

	logger := h.logger.With(
		slog.String("session_id", sessionID),
		slog.String("user_id", userID),
		slog.String("correlation_id", newCorrelationID()),
	)
	logger.Info("websocket stream opened")
	h.serve(r.Context(), conn, sessionID, userID, logger)
}

func (h *StreamHandler) serve(ctx context.Context, conn *websocket.Conn, sessionID, userID string, logger *slog.Logger) {
	defer conn.Close(websocket.StatusNormalClosure, "connection closed")

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure || websocket.CloseStatus(err) == websocket.StatusGoingAway {
				logger.Info("websocket stream closed by client")
			} else if ctx.Err() == nil {
				logger.Warn("websocket read failed", slog.String("error", err.Error()))
			}
			return
		}
		if typ != websocket.MessageText {
			conn.Close(websocket.StatusUnsupportedData, "text frames only")
			return
		}

		var msg StreamMessage
		if err := json.Unmarshal(data, &msg); err != nil || msg.Message == "" {
			if err := writeEvents(ctx, conn, events.Error{Message: "message is required", Recoverable: true}, events.Done{}); err != nil {
				return
			}
			continue
		}

		if h.limiter != nil {
			if err := h.limiter.Allow(userID); err != nil {
				if err := writeEvents(ctx, conn, events.Error{Message: err.Error(), Recoverable: true}, events.Done{}); err != nil {
					return
				}
				continue
			}
		}

		err = gateway.Relay(ctx, h.sessions.QueryAndStream(ctx, sessionID, msg.Message), func(ev events.Event) error {
			return writeEvents(ctx, conn, ev)
		})
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				logger.Warn("websocket stream ended early", slog.String("error", err.Error()))
			}
			return
		}
	}
}

func writeEvents(ctx context.Context, conn *websocket.Conn, evs ...events.Event) error {
	for _, ev := range evs {
		data, err := events.Encode(ev)
		if err != nil {
			return err
		}
		if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
			return err
		}
	}
	return nil
}

// sessionFromStreamPath extracts {id} from /v1/sessions/{id}/ws.
func sessionFromStreamPath(path string) (string, bool) {
	rest, ok := strings.CutPrefix(path, "/v1/sessions/")
	if !ok {
		return "", false
	}
	id, ok := strings.CutSuffix(rest, "/ws")
	if !ok || !validSessionID(id) {
		return "", false
	}
	return id, true
}
