// Package memory counts relay metrics in process, for tests and for runs
// without a metrics endpoint.
package memory

import (
	"sync"

	"github.com/Wyydra/meshroom/internal/core/domain"
)

type Snapshot struct {
	Rooms        int
	Participants int
	Delivered    map[domain.EventType]int
	Dropped      int
}

// Metrics implements port.RelayMetrics.
type Metrics struct {
	mu sync.Mutex
	s  Snapshot
}

func New() *Metrics {
	return &Metrics{s: Snapshot{Delivered: make(map[domain.EventType]int)}}
}

func (m *Metrics) RoomOpened()        { m.update(func(s *Snapshot) { s.Rooms++ }) }
func (m *Metrics) RoomClosed()        { m.update(func(s *Snapshot) { s.Rooms-- }) }
func (m *Metrics) ParticipantJoined() { m.update(func(s *Snapshot) { s.Participants++ }) }
func (m *Metrics) ParticipantLeft()   { m.update(func(s *Snapshot) { s.Participants-- }) }
func (m *Metrics) ConnectionDropped() { m.update(func(s *Snapshot) { s.Dropped++ }) }

func (m *Metrics) EventFannedOut(t domain.EventType, recipients int) {
	m.update(func(s *Snapshot) { s.Delivered[t] += recipients })
}

func (m *Metrics) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.s
	out.Delivered = make(map[domain.EventType]int, len(m.s.Delivered))
	for k, v := range m.s.Delivered {
		out.Delivered[k] = v
	}
	return out
}

func (m *Metrics) update(fn func(*Snapshot)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(&m.s)
}
