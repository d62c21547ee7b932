package port

import "github.com/Wyydra/meshroom/internal/core/domain"

type RelayMetrics interface {
	RoomOpened()
	RoomClosed()
	ParticipantJoined()
	ParticipantLeft()
	EventFannedOut(t domain.EventType, recipients int)
	ConnectionDropped()
}
