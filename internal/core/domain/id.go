package domain

import (
	"fmt"
	"unicode"

	"github.com/google/uuid"
)

// MaxIDLength bounds room and participant identifiers on the wire.
const MaxIDLength = 128

// RoomID is an opaque, externally supplied room name.
type RoomID string

// ParticipantID is issued by the peer-connection layer, never by the transport.
type ParticipantID string

// ConnID identifies one signaling transport connection on the relay.
type ConnID uuid.UUID

// CallID identifies one media call between two participants.
type CallID string

func NewRoomID() RoomID {
	return RoomID(uuid.New().String())
}

func NewParticipantID() ParticipantID {
	return ParticipantID(uuid.New().String())
}

func NewConnID() ConnID {
	return ConnID(uuid.New())
}

func NewCallID() CallID {
	return CallID(uuid.New().String())
}

func (id RoomID) String() string {
	return string(id)
}

func (id ParticipantID) String() string {
	return string(id)
}

func (id ConnID) String() string {
	return uuid.UUID(id).String()
}

func (id CallID) String() string {
	return string(id)
}

// ParseRoomID accepts any non-empty printable identifier, e.g. a URL path segment.
func ParseRoomID(s string) (RoomID, error) {
	if err := validateID(s); err != nil {
		return "", fmt.Errorf("room id: %w", err)
	}
	return RoomID(s), nil
}

func ParseParticipantID(s string) (ParticipantID, error) {
	if err := validateID(s); err != nil {
		return "", fmt.Errorf("participant id: %w", err)
	}
	return ParticipantID(s), nil
}

func validateID(s string) error {
	if s == "" {
		return fmt.Errorf("%w: empty", ErrInvalidID)
	}
	if len(s) > MaxIDLength {
		return fmt.Errorf("%w: longer than %d bytes", ErrInvalidID, MaxIDLength)
	}
	for _, r := range s {
		if unicode.IsControl(r) || unicode.IsSpace(r) {
			return fmt.Errorf("%w: contains %q", ErrInvalidID, r)
		}
	}
	return nil
}
