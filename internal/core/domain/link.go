package domain

import "time"

// LinkState is the per-remote state machine of a coordinator.
// NONE is represented by the absence of a Link.
type LinkState int

const (
	LinkDialing LinkState = iota + 1
	LinkRinging
	LinkConnected
	LinkClosed
)

func (s LinkState) String() string {
	switch s {
	case LinkDialing:
		return "dialing"
	case LinkRinging:
		return "ringing"
	case LinkConnected:
		return "connected"
	case LinkClosed:
		return "closed"
	default:
		return "none"
	}
}

// CanTransition reports whether s -> next is a forward edge of the state machine.
func (s LinkState) CanTransition(next LinkState) bool {
	switch s {
	case LinkDialing, LinkRinging:
		return next == LinkConnected || next == LinkClosed
	case LinkConnected:
		return next == LinkClosed
	default:
		return false
	}
}

type Direction int

const (
	Outgoing Direction = iota + 1
	Incoming
)

func (d Direction) String() string {
	switch d {
	case Outgoing:
		return "outgoing"
	case Incoming:
		return "incoming"
	default:
		return "unknown"
	}
}

// LinkInfo is a read-only snapshot of one link.
type LinkInfo struct {
	Remote       ParticipantID
	Direction    Direction
	State        LinkState
	CallID       CallID
	RemoteStream string
	Since        time.Time
}
