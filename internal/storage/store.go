// Package storage defines the Store interface for durable conversation
// history. Three backends are provided: SQLite (default, zero-config),
// PostgreSQL (shared deployments) and an in-memory store.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/jkaninda/velocity/internal/events"
)

// Store persists the turns of every session so a fresh worker can resume a
// conversation after its sandbox was reclaimed.
type Store interface {
	// LoadTurns returns the most recent turns of a session, oldest first.
	// An unknown session yields an empty slice.
	LoadTurns(ctx context.Context, sessionID string) ([]events.Turn, error)
	// AppendTurns atomically appends turns in order.
	AppendTurns(ctx context.Context, sessionID string, turns ...events.Turn) error
	// DeleteSession removes the session and all of its turns.
	DeleteSession(ctx context.Context, sessionID string) error
	// ListSessions returns every stored session, most recently updated first.
	ListSessions(ctx context.Context) ([]SessionSummary, error)

	// Lifecycle.
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error

	// Driver returns the storage driver name ("sqlite", "postgres" or "memory").
	Driver() string
}

// SessionSummary describes a stored conversation.
type SessionSummary struct {
	SessionID string    `json:"session_id"`
	Turns     int       `json:"turns"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ErrEmptySessionID is returned for operations on a blank session id.
var ErrEmptySessionID = errors.New("session id is required")

// DefaultLoadLimit caps how many turns LoadTurns returns.
const DefaultLoadLimit = 200

// DefaultDriver is the default storage driver.
const DefaultDriver = "sqlite"

// DriverSQLite is the SQLite driver name.
const DriverSQLite = "sqlite"

// DriverPostgres is the PostgreSQL driver name.
const DriverPostgres = "postgres"

// DriverMemory is the in-memory driver name.
const DriverMemory = "memory"

// SanitizeRole enforces that only "user" and "assistant" roles are stored.
// Unknown roles default to "user" so nothing can be replayed as a system turn.
func SanitizeRole(role string) string {
	switch role {
	case events.RoleAssistant:
		return events.RoleAssistant
	default:
		return events.RoleUser
	}
}

// EstimateTokens provides a rough token count using the ~4 chars/token heuristic.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}
