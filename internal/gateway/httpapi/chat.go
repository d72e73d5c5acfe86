package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"regexp"

	"github.com/google/uuid"
	"github.com/jkaninda/okapi"

	"github.com/jkaninda/velocity/internal/events"
	"github.com/jkaninda/velocity/internal/gateway"
)

// ChatRequest is the JSON body for POST /v1/chat.
type ChatRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id,omitempty"` // Empty = new session.
}

// SessionEvent opens every chat stream and names the session it belongs to.
type SessionEvent struct {
	SessionID     string `json:"session_id"`
	CorrelationID string `json:"correlation_id"`
}

// sessionIDPattern bounds client-chosen session ids; they end up in sandbox
// names and labels.
var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9_.-]{1,128}$`)

func validSessionID(id string) bool {
	return sessionIDPattern.MatchString(id)
}

// handleChat handles POST /v1/chat. The response is an SSE stream: a
// "session" event, then each agent event under its wire type, ending with
// "done". Failures are streamed as an "error" event before "done".
func (g *Gateway) handleChat(c *okapi.Context) error {
	userID := c.GetString("userID")

	if g.limiter != nil {
		if err := g.limiter.Allow(userID); err != nil {
			return c.AbortTooManyRequests("rate limit exceeded")
		}
	}

	var req ChatRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if req.Message == "" {
		return c.AbortBadRequest("message is required")
	}
	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.New().String()
	}
	if !validSessionID(sessionID) {
		return c.AbortBadRequest("invalid session_id")
	}

	correlationID := newCorrelationID()
	g.logger.Info("chat request",
		slog.String("user_id", userID),
		slog.String("session_id", sessionID),
		slog.String("correlation_id", correlationID),
	)

	ctx := c.Context()
	c.SSEvent("session", SessionEvent{SessionID: sessionID, CorrelationID: correlationID})

	err := gateway.Relay(ctx, g.sessions.QueryAndStream(ctx, sessionID, req.Message), func(ev events.Event) error {
		data, err := events.Encode(ev)
		if err != nil {
			return err
		}
		c.SSEvent(ev.Type(), json.RawMessage(data))
		return ctx.Err()
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		g.logger.Warn("chat stream ended early",
			slog.String("session_id", sessionID),
			slog.String("correlation_id", correlationID),
			slog.String("error", err.Error()),
		)
	}
	return nil
}
