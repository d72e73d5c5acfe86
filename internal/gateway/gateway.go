// Package gateway defines the interface for user-facing entry points and the
// session service they drive.
package gateway

import (
	"context"
	"iter"

	"github.com/jkaninda/velocity/internal/events"
	"github.com/jkaninda/velocity/internal/worker"
)

// Gateway is a user-facing interface (CLI, HTTP).
type Gateway interface {
	// Start launches the gateway's event loop and blocks until the gateway
	// exits or the context is canceled. Returns an error only on failure.
	Start(ctx context.Context) error

	// Stop performs graceful shutdown. The context carries a deadline
	// for the grace period. In-flight requests should drain before returning.
	Stop(ctx context.Context) error
}

// Sessions is the part of the worker pool a gateway needs.
type Sessions interface {
	QueryAndStream(ctx context.Context, sessionID, message string) iter.Seq2[events.Event, error]
	List() []worker.SessionInfo
	DeleteSession(ctx context.Context, sessionID string) error
}

var _ Sessions = (*worker.Pool)(nil)

// Relay forwards one query's events to send. A failure is delivered as an
// error event followed by a done event, so every stream a client sees ends
// with done. It stops early, cancelling the query, when send fails or ctx
// ends.
func Relay(ctx context.Context, seq iter.Seq2[events.Event, error], send func(events.Event) error) error {
	for ev, err := range seq {
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if err := send(events.FromError(err)); err != nil {
				return err
			}
			return send(events.Done{})
		}
		if err := send(ev); err != nil {
			return err
		}
	}
	return nil
}
