package port

import (
	"context"

	"github.com/Wyydra/meshroom/internal/core/domain"
)

// Signaling is the coordinator's view of the relay transport.
type Signaling interface {
	// Send is fire-and-forget: it returns once the event is queued.
	Send(ctx context.Context, ev domain.Event) error
	// Events is closed when the transport drops; Err then reports why.
	Events() <-chan domain.Event
	Err() error
	Close() error
}
