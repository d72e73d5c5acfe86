package httpapi

import (
	"log/slog"

	"github.com/jkaninda/okapi"

	"github.com/jkaninda/velocity/internal/worker"
)

// SessionListResponse is the JSON response for GET /v1/sessions.
type SessionListResponse struct {
	Sessions []worker.SessionInfo `json:"sessions"`
}

// SessionDeleteResponse is the JSON response for DELETE /v1/sessions/{id}.
type SessionDeleteResponse struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
}

func (g *Gateway) handleSessionList(c *okapi.Context) error {
	return c.OK(SessionListResponse{Sessions: g.sessions.List()})
}

// handleSessionDelete stops the worker, releases the sandbox and drops any
// stored history. Deleting an unknown session succeeds.
func (g *Gateway) handleSessionDelete(c *okapi.Context) error {
	id := c.Param("id")
	if !validSessionID(id) {
		return c.AbortBadRequest("invalid session id")
	}

	if err := g.sessions.DeleteSession(c.Context(), id); err != nil {
		g.logger.Error("session delete failed",
			slog.String("session_id", id),
			slog.String("error", err.Error()),
		)
		return c.AbortInternalServerError("session delete failed")
	}
	g.logger.Info("session deleted",
		slog.String("session_id", id),
		slog.String("user_id", c.GetString("userID")),
	)
	return c.OK(SessionDeleteResponse{SessionID: id, Status: "deleted"})
}
