package domain

import "errors"

var (
	ErrInvalidID    = errors.New("invalid identifier")
	ErrInvalidEvent = errors.New("invalid event")

	// ErrFatalLocal marks media-device or peer-layer initialization failures.
	// The session does not proceed after one.
	ErrFatalLocal = errors.New("local initialization failed")

	// ErrTransport marks signaling transport failures. Existing links survive them.
	ErrTransport = errors.New("signaling transport failed")

	ErrLinkClosed = errors.New("link closed")
	ErrNotJoined  = errors.New("not joined")
)
