package service

import (
	"fmt"
	"time"

	"github.com/Wyydra/meshroom/internal/core/domain"
	"github.com/Wyydra/meshroom/internal/core/port"
)

// link is the coordinator's state for one remote participant. Only the
// coordinator loop reads or writes it.
type link struct {
	remote       domain.ParticipantID
	direction    domain.Direction
	state        domain.LinkState
	call         port.Call
	remoteStream string
	since        time.Time

	unsubscribe []func()
}

func newLink(remote domain.ParticipantID, dir domain.Direction, call port.Call, now time.Time) *link {
	st := domain.LinkDialing
	if dir == domain.Incoming {
		st = domain.LinkRinging
	}
	return &link{
		remote:    remote,
		direction: dir,
		state:     st,
		call:      call,
		since:     now,
	}
}

func (l *link) active() bool {
	return l.state != domain.LinkClosed
}

func (l *link) transition(next domain.LinkState, now time.Time) error {
	if !l.state.CanTransition(next) {
		return fmt.Errorf("link %s: %s -> %s", l.remote, l.state, next)
	}
	l.state = next
	l.since = now
	return nil
}

// release moves the link to CLOSED and closes the call. The call handle is
// closed at most once per link.
func (l *link) release(now time.Time) error {
	if !l.active() {
		return nil
	}
	l.state = domain.LinkClosed
	l.since = now
	for _, unsub := range l.unsubscribe {
		unsub()
	}
	l.unsubscribe = nil
	return l.call.Close()
}

func (l *link) info() domain.LinkInfo {
	return domain.LinkInfo{
		Remote:       l.remote,
		Direction:    l.direction,
		State:        l.state,
		CallID:       l.call.ID(),
		RemoteStream: l.remoteStream,
		Since:        l.since,
	}
}
