// Package feed defines the venue feeder contract and the market matrix that
// aggregates feeders into per-pair snapshots.
package feed

import (
	"context"

	"github.com/coachpo/spreadwatch/internal/schema"
)

// State describes a feeder's connection lifecycle.
type State int32

const (
	// StateDisconnected means no ingest connection is established.
	StateDisconnected State = iota
	// StateConnected means the ingest task is reading venue messages.
	StateConnected
	// StateReconnecting means the ingest task is waiting out a backoff
	// before redialing.
	StateReconnecting
)

// String renders the state for logs and the UI collaborator.
func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "disconnected"
	}
}

// Feeder is the uniform capability contract every venue implements. It hides
// the venue protocol, authentication, and message parsing entirely; no
// venue-specific surface leaks through.
type Feeder interface {
	// Name identifies the venue.
	Name() string

	// Connect starts the long-lived background ingest task and returns once
	// the task is running. It does not wait for the first message. Calling
	// Connect a second time returns an error.
	Connect(ctx context.Context) error

	// Latest returns the most recently observed quote for pair, without
	// blocking. It is safe to call concurrently with the ingest task.
	Latest(pair string) (schema.VenueQuote, bool)

	// State reports the current connection state.
	State() State

	// Close stops the ingest task and releases the underlying connection,
	// waiting for the task to finish or ctx to expire.
	Close(ctx context.Context) error
}
