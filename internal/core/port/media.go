package port

import (
	"context"

	"github.com/Wyydra/meshroom/internal/core/domain"
)

// LocalStream is the handle of an acquired local audio/video stream.
type LocalStream interface {
	ID() string
	Kinds() []domain.MediaKind
	// Release frees the capture devices. It is safe to call more than once.
	Release() error
}

type MediaAcquirer interface {
	Acquire(ctx context.Context, caps domain.Capabilities) (LocalStream, error)
}

// Call is a single media call with one remote participant.
//
// Subscriptions registered after an event already fired are invoked
// immediately, so a late subscriber never misses the remote stream or close.
type Call interface {
	ID() domain.CallID
	Remote() domain.ParticipantID
	// Answer accepts an incoming call with the local stream. It does not block
	// on negotiation.
	Answer(stream LocalStream) error
	// ReplaceStream swaps the outgoing media without renegotiating.
	ReplaceStream(stream LocalStream) error
	OnRemoteStream(fn func(streamID string)) (unsubscribe func())
	OnClose(fn func(err error)) (unsubscribe func())
	// Close hangs up and releases the call. It is safe to call more than once.
	Close() error
}

type PeerLayer interface {
	// Open completes local setup and returns the assigned participant id.
	Open(ctx context.Context) (domain.ParticipantID, error)
	// Dial starts an outgoing call. Negotiation continues in the background;
	// failures are reported through Call.OnClose.
	Dial(ctx context.Context, remote domain.ParticipantID, stream LocalStream) (Call, error)
	OnIncomingCall(fn func(Call)) (unsubscribe func())
	Close() error
}
