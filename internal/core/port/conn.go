package port

import (
	"errors"

	"github.com/Wyydra/meshroom/internal/core/domain"
)

// ErrSlowConsumer is returned by Conn.Send when the outbound queue is full.
var ErrSlowConsumer = errors.New("outbound queue full")

// Conn is one signaling transport connection as seen by the relay.
type Conn interface {
	ID() domain.ConnID
	// Send enqueues ev without blocking. Events are delivered in Send order.
	Send(ev domain.Event) error
	Close() error
}
