package service

import (
	"sort"

	"github.com/Wyydra/meshroom/internal/core/domain"
	"github.com/Wyydra/meshroom/internal/core/port"
	"github.com/rs/zerolog"
)

// RoomSnapshot describes one room at the time Relay.Rooms was called.
type RoomSnapshot struct {
	ID           domain.RoomID
	Participants []domain.ParticipantID
}

type room struct {
	id      domain.RoomID
	members map[domain.ParticipantID]port.Conn
}

// membership is what the relay knows about one connection. roomID and
// participantID stay empty until the connection joins a room.
type membership struct {
	conn          port.Conn
	roomID        domain.RoomID
	participantID domain.ParticipantID
}

func (m *membership) joined() bool {
	return m.roomID != ""
}

type inbound struct {
	conn  port.Conn
	event domain.Event
}

// Relay owns the room -> participants mapping and fans control events out
// to room members. All state is confined to the Run goroutine.
type Relay struct {
	rooms map[domain.RoomID]*room
	conns map[domain.ConnID]*membership

	metrics port.RelayMetrics
	log     zerolog.Logger

	register   chan port.Conn
	unregister chan port.Conn
	dispatch   chan inbound
	snapshot   chan chan []RoomSnapshot
	quit       chan struct{}
	done       chan struct{}
}

func NewRelay(metrics port.RelayMetrics, logger zerolog.Logger) *Relay {
	if metrics == nil {
		metrics = nopMetrics{}
	}
	return &Relay{
		rooms:      make(map[domain.RoomID]*room),
		conns:      make(map[domain.ConnID]*membership),
		metrics:    metrics,
		log:        logger.With().Str("component", "relay").Logger(),
		register:   make(chan port.Conn),
		unregister: make(chan port.Conn),
		dispatch:   make(chan inbound),
		snapshot:   make(chan chan []RoomSnapshot),
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

func (r *Relay) Register(c port.Conn) {
	select {
	case r.register <- c:
	case <-r.quit:
	}
}

// Unregister handles a closed or failed transport connection.
func (r *Relay) Unregister(c port.Conn) {
	select {
	case r.unregister <- c:
	case <-r.quit:
	}
}

// Dispatch routes a validated inbound event from c.
func (r *Relay) Dispatch(c port.Conn, ev domain.Event) {
	select {
	case r.dispatch <- inbound{conn: c, event: ev}:
	case <-r.quit:
	}
}

func (r *Relay) Join(c port.Conn, roomID domain.RoomID, participantID domain.ParticipantID) {
	r.Dispatch(c, domain.JoinRoom(roomID, participantID))
}

func (r *Relay) ConnectionRequest(c port.Conn, roomID domain.RoomID, participantID domain.ParticipantID) {
	r.Dispatch(c, domain.ConnectionRequest(roomID, participantID))
}

func (r *Relay) ReadyAnnouncement(c port.Conn, roomID domain.RoomID, participantID domain.ParticipantID) {
	r.Dispatch(c, domain.ReadyAnnouncement(roomID, participantID))
}

// Rooms returns the current rooms sorted by id. It returns nil once stopped.
func (r *Relay) Rooms() []RoomSnapshot {
	reply := make(chan []RoomSnapshot, 1)
	select {
	case r.snapshot <- reply:
	case <-r.quit:
		return nil
	}
	select {
	case rooms := <-reply:
		return rooms
	case <-r.done:
		return nil
	}
}

func (r *Relay) Stop() {
	select {
	case <-r.quit:
	default:
		close(r.quit)
	}
	<-r.done
}

func (r *Relay) Run() {
	defer close(r.done)
	for {
		select {
		case <-r.quit:
			r.log.Info().Int("connections", len(r.conns)).Msg("Stopping relay. Disconnecting all clients.")
			for id, m := range r.conns {
				if err := m.conn.Close(); err != nil {
					r.log.Error().Err(err).Str("conn_id", id.String()).Msg("Error closing client connection")
				}
				delete(r.conns, id)
			}
			r.rooms = make(map[domain.RoomID]*room)
			return

		case c := <-r.register:
			r.conns[c.ID()] = &membership{conn: c}
			r.log.Debug().Str("conn_id", c.ID().String()).Msg("Client registered")

		case c := <-r.unregister:
			r.disconnect(c)

		case in := <-r.dispatch:
			r.handle(in.conn, in.event)

		case reply := <-r.snapshot:
			reply <- r.snapshotRooms()
		}
	}
}

func (r *Relay) handle(c port.Conn, ev domain.Event) {
	switch ev.Type {
	case domain.EventJoinRoom:
		r.join(c, ev.RoomID, ev.ParticipantID)
	case domain.EventConnectionRequest, domain.EventReadyAnnouncement, domain.EventCallSignal:
		if !r.isMember(c, ev.RoomID, ev.ParticipantID) {
			r.log.Debug().Str("conn_id", c.ID().String()).Str("type", string(ev.Type)).
				Str("room_id", ev.RoomID.String()).Msg("Event from non-member dropped")
			return
		}
		switch ev.Type {
		case domain.EventConnectionRequest:
			r.announce(ev.RoomID, ev.ParticipantID, domain.MemberAnnounced(ev.RoomID, ev.ParticipantID))
		case domain.EventReadyAnnouncement:
			r.announce(ev.RoomID, ev.ParticipantID, domain.MemberReady(ev.RoomID, ev.ParticipantID))
		default:
			r.forward(ev)
		}
	default:
		r.log.Warn().Str("type", string(ev.Type)).Str("conn_id", c.ID().String()).Msg("Ignoring event not routed by the relay")
	}
}

// isMember reports whether c is currently joined to roomID as participantID.
func (r *Relay) isMember(c port.Conn, roomID domain.RoomID, participantID domain.ParticipantID) bool {
	m, ok := r.conns[c.ID()]
	return ok && m.roomID == roomID && m.participantID == participantID
}

func (r *Relay) join(c port.Conn, roomID domain.RoomID, participantID domain.ParticipantID) {
	m, ok := r.conns[c.ID()]
	if !ok {
		// Join without Register, e.g. from tests driving the relay directly.
		m = &membership{conn: c}
		r.conns[c.ID()] = m
	}
	l := r.log.With().Str("room_id", roomID.String()).Str("participant_id", participantID.String()).Logger()

	if m.joined() {
		if m.roomID == roomID && m.participantID == participantID {
			l.Debug().Msg("Duplicate join ignored")
			return
		}
		r.leave(m)
	}

	rm, ok := r.rooms[roomID]
	if !ok {
		rm = &room{id: roomID, members: make(map[domain.ParticipantID]port.Conn)}
		r.rooms[roomID] = rm
		r.metrics.RoomOpened()
		l.Info().Msg("Room opened")
	}

	m.roomID = roomID
	m.participantID = participantID

	if prev, ok := rm.members[participantID]; ok {
		// Same participant on a new connection: replace, do not re-announce.
		if prev.ID() != c.ID() {
			if pm, ok := r.conns[prev.ID()]; ok {
				pm.roomID, pm.participantID = "", ""
			}
		}
		rm.members[participantID] = c
		l.Info().Str("conn_id", c.ID().String()).Msg("Participant registration replaced")
		return
	}

	rm.members[participantID] = c
	r.metrics.ParticipantJoined()
	l.Info().Int("count", len(rm.members)).Msg("Participant joined room")

	r.fanOut(rm, participantID, domain.ParticipantJoined(roomID, participantID))
}

func (r *Relay) announce(roomID domain.RoomID, from domain.ParticipantID, ev domain.Event) {
	rm, ok := r.rooms[roomID]
	if !ok {
		r.log.Debug().Str("room_id", roomID.String()).Str("type", string(ev.Type)).Msg("Announcement for unknown room dropped")
		return
	}
	r.fanOut(rm, from, ev)
}

func (r *Relay) forward(ev domain.Event) {
	rm, ok := r.rooms[ev.RoomID]
	if !ok {
		return
	}
	target, ok := rm.members[ev.To]
	if !ok {
		r.log.Debug().Str("room_id", ev.RoomID.String()).Str("to", ev.To.String()).Msg("Call signal for unknown participant dropped")
		return
	}
	if err := target.Send(ev); err != nil {
		r.drop(target, err)
		return
	}
	r.metrics.EventFannedOut(ev.Type, 1)
}

func (r *Relay) disconnect(c port.Conn) {
	m, ok := r.conns[c.ID()]
	if !ok {
		return
	}
	delete(r.conns, c.ID())
	if m.joined() {
		r.leave(m)
	}
	r.log.Debug().Str("conn_id", c.ID().String()).Msg("Client unregistered")
}

func (r *Relay) leave(m *membership) {
	roomID, participantID := m.roomID, m.participantID
	m.roomID, m.participantID = "", ""

	rm, ok := r.rooms[roomID]
	if !ok {
		return
	}
	if cur, ok := rm.members[participantID]; !ok || cur.ID() != m.conn.ID() {
		return
	}
	delete(rm.members, participantID)
	r.metrics.ParticipantLeft()

	l := r.log.With().Str("room_id", roomID.String()).Str("participant_id", participantID.String()).Logger()
	if len(rm.members) == 0 {
		delete(r.rooms, roomID)
		r.metrics.RoomClosed()
		l.Info().Msg("Room closed")
		return
	}
	l.Info().Int("count", len(rm.members)).Msg("Participant left room")
	r.fanOut(rm, participantID, domain.ParticipantLeft(roomID, participantID))
}

// fanOut sends ev to every member of rm except the one identified by exclude.
// Members whose queue is full are dropped after the loop.
func (r *Relay) fanOut(rm *room, exclude domain.ParticipantID, ev domain.Event) {
	type failed struct {
		conn port.Conn
		err  error
	}
	var slow []failed
	sent := 0
	for id, c := range rm.members {
		if id == exclude {
			continue
		}
		if err := c.Send(ev); err != nil {
			slow = append(slow, failed{conn: c, err: err})
			continue
		}
		sent++
	}
	r.metrics.EventFannedOut(ev.Type, sent)
	for _, f := range slow {
		r.drop(f.conn, f.err)
	}
}

func (r *Relay) drop(c port.Conn, cause error) {
	// A nested fan-out from disconnect may already have dropped c.
	if _, ok := r.conns[c.ID()]; !ok {
		return
	}
	r.log.Warn().Err(cause).Str("conn_id", c.ID().String()).Msg("Dropping client connection")
	r.metrics.ConnectionDropped()
	if err := c.Close(); err != nil {
		r.log.Debug().Err(err).Str("conn_id", c.ID().String()).Msg("Error closing dropped connection")
	}
	r.disconnect(c)
}

func (r *Relay) snapshotRooms() []RoomSnapshot {
	out := make([]RoomSnapshot, 0, len(r.rooms))
	for _, rm := range r.rooms {
		ids := make([]domain.ParticipantID, 0, len(rm.members))
		for id := range rm.members {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		out = append(out, RoomSnapshot{ID: rm.id, Participants: ids})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

type nopMetrics struct{}

func (nopMetrics) RoomOpened()                          {}
func (nopMetrics) RoomClosed()                          {}
func (nopMetrics) ParticipantJoined()                   {}
func (nopMetrics) ParticipantLeft()                     {}
func (nopMetrics) EventFannedOut(domain.EventType, int) {}
func (nopMetrics) ConnectionDropped()                   {}
