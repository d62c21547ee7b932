package domain

import "fmt"

type EventType string

const (
	// Coordinator -> Relay.
	EventJoinRoom          EventType = "join-room"
	EventConnectionRequest EventType = "connection-request"
	EventReadyAnnouncement EventType = "ready-announcement"

	// Relay -> Coordinators.
	EventParticipantJoined EventType = "participant-joined"
	EventMemberAnnounced   EventType = "member-announced"
	EventMemberReady       EventType = "member-ready"
	EventParticipantLeft   EventType = "participant-left"
	EventError             EventType = "error"

	// Both directions, addressed to a single participant.
	EventCallSignal EventType = "call-signal"
)

type SignalKind string

const (
	SignalOffer  SignalKind = "offer"
	SignalAnswer SignalKind = "answer"
	SignalHangup SignalKind = "hangup"
)

// CallSignal is forwarded by the relay without inspection.
type CallSignal struct {
	CallID CallID     `json:"callId" msgpack:"callId"`
	Kind   SignalKind `json:"kind" msgpack:"kind"`
	SDP    string     `json:"sdp,omitempty" msgpack:"sdp,omitempty"`
}

// Event is the single envelope for every room-scoped control message.
type Event struct {
	Type          EventType     `json:"type" msgpack:"type"`
	RoomID        RoomID        `json:"roomId,omitempty" msgpack:"roomId,omitempty"`
	ParticipantID ParticipantID `json:"participantId,omitempty" msgpack:"participantId,omitempty"`
	To            ParticipantID `json:"to,omitempty" msgpack:"to,omitempty"`
	Signal        *CallSignal   `json:"signal,omitempty" msgpack:"signal,omitempty"`

	Code    string `json:"code,omitempty" msgpack:"code,omitempty"`
	Message string `json:"message,omitempty" msgpack:"message,omitempty"`
}

func JoinRoom(roomID RoomID, participantID ParticipantID) Event {
	return Event{Type: EventJoinRoom, RoomID: roomID, ParticipantID: participantID}
}

func ConnectionRequest(roomID RoomID, participantID ParticipantID) Event {
	return Event{Type: EventConnectionRequest, RoomID: roomID, ParticipantID: participantID}
}

func ReadyAnnouncement(roomID RoomID, participantID ParticipantID) Event {
	return Event{Type: EventReadyAnnouncement, RoomID: roomID, ParticipantID: participantID}
}

func ParticipantJoined(roomID RoomID, participantID ParticipantID) Event {
	return Event{Type: EventParticipantJoined, RoomID: roomID, ParticipantID: participantID}
}

func MemberAnnounced(roomID RoomID, participantID ParticipantID) Event {
	return Event{Type: EventMemberAnnounced, RoomID: roomID, ParticipantID: participantID}
}

func MemberReady(roomID RoomID, participantID ParticipantID) Event {
	return Event{Type: EventMemberReady, RoomID: roomID, ParticipantID: participantID}
}

func ParticipantLeft(roomID RoomID, participantID ParticipantID) Event {
	return Event{Type: EventParticipantLeft, RoomID: roomID, ParticipantID: participantID}
}

func CallSignalEvent(roomID RoomID, from, to ParticipantID, sig CallSignal) Event {
	return Event{Type: EventCallSignal, RoomID: roomID, ParticipantID: from, To: to, Signal: &sig}
}

func ErrorEvent(code, message string) Event {
	return Event{Type: EventError, Code: code, Message: message}
}

// ValidateInbound checks an event received by the relay from a coordinator.
func (e Event) ValidateInbound() error {
	switch e.Type {
	case EventJoinRoom, EventConnectionRequest, EventReadyAnnouncement, EventCallSignal:
		return e.Validate()
	default:
		return fmt.Errorf("%w: %q is not accepted by the relay", ErrInvalidEvent, e.Type)
	}
}

// ValidateOutbound checks an event received by a coordinator from the relay.
func (e Event) ValidateOutbound() error {
	switch e.Type {
	case EventParticipantJoined, EventMemberAnnounced, EventMemberReady,
		EventParticipantLeft, EventCallSignal, EventError:
		return e.Validate()
	default:
		return fmt.Errorf("%w: %q is not sent by the relay", ErrInvalidEvent, e.Type)
	}
}

func (e Event) Validate() error {
	switch e.Type {
	case EventJoinRoom, EventConnectionRequest, EventReadyAnnouncement:
		if err := e.requireRoom(); err != nil {
			return err
		}
		if err := e.requireParticipant(); err != nil {
			return err
		}
		if e.To != "" || e.Signal != nil || e.Code != "" || e.Message != "" {
			return e.unexpected()
		}
	case EventParticipantJoined, EventMemberAnnounced, EventMemberReady, EventParticipantLeft:
		if err := e.requireParticipant(); err != nil {
			return err
		}
		if e.RoomID != "" {
			if err := e.requireRoom(); err != nil {
				return err
			}
		}
		if e.To != "" || e.Signal != nil || e.Code != "" || e.Message != "" {
			return e.unexpected()
		}
	case EventCallSignal:
		if err := e.requireRoom(); err != nil {
			return err
		}
		if err := e.requireParticipant(); err != nil {
			return err
		}
		if err := validateID(string(e.To)); err != nil {
			return fmt.Errorf("%w: %s to: %v", ErrInvalidEvent, e.Type, err)
		}
		if e.Signal == nil {
			return fmt.Errorf("%w: %s missing signal", ErrInvalidEvent, e.Type)
		}
		if err := e.Signal.validate(); err != nil {
			return err
		}
		if e.Code != "" || e.Message != "" {
			return e.unexpected()
		}
	case EventError:
		if e.Code == "" || e.Message == "" {
			return fmt.Errorf("%w: error missing code/message", ErrInvalidEvent)
		}
		if e.ParticipantID != "" || e.To != "" || e.Signal != nil {
			return e.unexpected()
		}
	default:
		return fmt.Errorf("%w: unsupported type %q", ErrInvalidEvent, e.Type)
	}
	return nil
}

func (s CallSignal) validate() error {
	if s.CallID == "" || len(s.CallID) > MaxIDLength {
		return fmt.Errorf("%w: signal call id", ErrInvalidEvent)
	}
	switch s.Kind {
	case SignalOffer, SignalAnswer:
		if s.SDP == "" {
			return fmt.Errorf("%w: %s signal missing sdp", ErrInvalidEvent, s.Kind)
		}
	case SignalHangup:
		if s.SDP != "" {
			return fmt.Errorf("%w: hangup signal carries sdp", ErrInvalidEvent)
		}
	default:
		return fmt.Errorf("%w: signal kind %q", ErrInvalidEvent, s.Kind)
	}
	return nil
}

func (e Event) requireRoom() error {
	if err := validateID(string(e.RoomID)); err != nil {
		return fmt.Errorf("%w: %s room: %v", ErrInvalidEvent, e.Type, err)
	}
	return nil
}

func (e Event) requireParticipant() error {
	if err := validateID(string(e.ParticipantID)); err != nil {
		return fmt.Errorf("%w: %s participant: %v", ErrInvalidEvent, e.Type, err)
	}
	return nil
}

func (e Event) unexpected() error {
	return fmt.Errorf("%w: %s has unexpected fields", ErrInvalidEvent, e.Type)
}
