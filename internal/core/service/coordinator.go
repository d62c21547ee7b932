package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Wyydra/meshroom/internal/core/domain"
	"github.com/Wyydra/meshroom/internal/core/port"
	"github.com/rs/zerolog"
)

type CoordinatorConfig struct {
	RoomID       domain.RoomID
	Capabilities domain.Capabilities

	// Run takes ownership of Signaling and Peers and closes both on exit.
	Signaling port.Signaling
	Peers     port.PeerLayer
	Media     port.MediaAcquirer

	Preview port.Preview
	Alerter port.Alerter
	Logger  zerolog.Logger
	Now     func() time.Time
}

// Snapshot is a point-in-time view of a coordinator.
type Snapshot struct {
	Self         domain.ParticipantID
	RoomID       domain.RoomID
	Ready        bool
	Capabilities domain.Capabilities
	Links        []domain.LinkInfo
}

// Coordinator drives one participant's side of the mesh: local media,
// the two-phase join handshake, and one link per remote participant.
//
// Every callback from the signaling transport, the peer layer and the media
// acquirer is posted to a mailbox and handled on the Run goroutine.
type Coordinator struct {
	roomID    domain.RoomID
	signaling port.Signaling
	peers     port.PeerLayer
	media     port.MediaAcquirer
	preview   port.Preview
	alerter   port.Alerter
	log       zerolog.Logger
	now       func() time.Time

	// Loop-owned state.
	ctx         context.Context
	self        domain.ParticipantID
	caps        domain.Capabilities
	session     port.LocalStream
	ready       bool
	acquiring   bool
	pendingCaps *domain.Capabilities
	deferred    map[domain.ParticipantID]struct{}
	links       map[domain.ParticipantID]*link
	closing     bool
	fatal       error

	mu      sync.Mutex
	pending []func()
	stopped bool
	wake    chan struct{}

	leaveOnce sync.Once
	leave     chan struct{}
	done      chan struct{}
}

func NewCoordinator(cfg CoordinatorConfig) *Coordinator {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	preview := cfg.Preview
	if preview == nil {
		preview = nopPreview{}
	}
	l := cfg.Logger.With().Str("room_id", cfg.RoomID.String()).Logger()
	alerter := cfg.Alerter
	if alerter == nil {
		alerter = logAlerter{log: l}
	}
	return &Coordinator{
		roomID:    cfg.RoomID,
		signaling: cfg.Signaling,
		peers:     cfg.Peers,
		media:     cfg.Media,
		preview:   preview,
		alerter:   alerter,
		log:       l,
		now:       now,
		caps:      cfg.Capabilities,
		deferred:  make(map[domain.ParticipantID]struct{}),
		links:     make(map[domain.ParticipantID]*link),
		wake:      make(chan struct{}, 1),
		leave:     make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Run joins the room and coordinates links until ctx is cancelled, Leave is
// called, or a fatal local error occurs. Every exit path releases all calls
// and the local stream.
func (c *Coordinator) Run(ctx context.Context) error {
	c.ctx = ctx
	defer c.shutdown()

	id, err := c.peers.Open(ctx)
	if err != nil {
		err = fmt.Errorf("%w: peer layer: %v", domain.ErrFatalLocal, err)
		c.alerter.Alert(err)
		return err
	}
	c.self = id
	c.log = c.log.With().Str("participant_id", id.String()).Logger()
	c.log.Info().Msg("Peer connection open")

	unsubIncoming := c.peers.OnIncomingCall(func(call port.Call) {
		if !c.post(func() { c.onIncomingCall(call) }) {
			_ = call.Close()
		}
	})
	defer unsubIncoming()

	// Phase 0: register membership. Not yet safe to be dialed.
	c.send(domain.JoinRoom(c.roomID, c.self))
	c.acquire(c.caps)

	events := c.signaling.Events()
	for {
		select {
		case <-ctx.Done():
			c.log.Info().Err(ctx.Err()).Msg("Leaving room")
			return nil
		case <-c.leave:
			c.log.Info().Msg("Leaving room")
			return nil
		case ev, ok := <-events:
			if !ok {
				events = nil
				c.onTransportDown()
				continue
			}
			c.onSignal(ev)
		case <-c.wake:
			for _, fn := range c.drain() {
				fn()
			}
		}
		if c.fatal != nil {
			return c.fatal
		}
	}
}

// Leave ends Run. It is safe to call more than once.
func (c *Coordinator) Leave() {
	c.leaveOnce.Do(func() { close(c.leave) })
}

// Done is closed once Run has returned and every resource is released.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// SetCapabilities re-acquires the local stream with new capture flags and
// attaches it to every existing link. The handshake is not restarted.
func (c *Coordinator) SetCapabilities(audio, video bool) {
	c.post(func() {
		c.toggle(c.caps.WithAudio(audio).WithVideo(video))
	})
}

func (c *Coordinator) Snapshot(ctx context.Context) (Snapshot, error) {
	reply := make(chan Snapshot, 1)
	if !c.post(func() { reply <- c.snapshot() }) {
		return Snapshot{}, domain.ErrNotJoined
	}
	select {
	case s := <-reply:
		return s, nil
	case <-c.done:
		return Snapshot{}, domain.ErrNotJoined
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
}

// Links returns the non-CLOSED links sorted by remote id.
func (c *Coordinator) Links(ctx context.Context) ([]domain.LinkInfo, error) {
	s, err := c.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return s.Links, nil
}

func (c *Coordinator) snapshot() Snapshot {
	infos := make([]domain.LinkInfo, 0, len(c.links))
	for _, l := range c.links {
		if l.active() {
			infos = append(infos, l.info())
		}
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Remote < infos[j].Remote })
	return Snapshot{
		Self:         c.self,
		RoomID:       c.roomID,
		Ready:        c.ready,
		Capabilities: c.caps,
		Links:        infos,
	}
}

func (c *Coordinator) post(fn func()) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return false
	}
	c.pending = append(c.pending, fn)
	select {
	case c.wake <- struct{}{}:
	default:
	}
	return true
}

func (c *Coordinator) drain() []func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	fns := c.pending
	c.pending = nil
	return fns
}

func (c *Coordinator) shutdown() {
	c.mu.Lock()
	c.stopped = true
	rest := c.pending
	c.pending = nil
	c.mu.Unlock()

	c.closing = true
	// Late callbacks only release what they carry.
	for _, fn := range rest {
		fn()
	}

	for id, l := range c.links {
		if err := l.release(c.now()); err != nil {
			c.log.Debug().Err(err).Str("remote_id", id.String()).Msg("Error closing call")
		}
		delete(c.links, id)
	}
	clear(c.deferred)
	c.releaseSession()

	if err := c.signaling.Close(); err != nil {
		c.log.Debug().Err(err).Msg("Error closing signaling")
	}
	if err := c.peers.Close(); err != nil {
		c.log.Debug().Err(err).Msg("Error closing peer layer")
	}
	close(c.done)
}

func (c *Coordinator) send(ev domain.Event) {
	if err := c.signaling.Send(c.ctx, ev); err != nil {
		c.alerter.Alert(fmt.Errorf("%w: send %s: %v", domain.ErrTransport, ev.Type, err))
	}
}

func (c *Coordinator) acquire(caps domain.Capabilities) {
	c.acquiring = true
	ctx := c.ctx
	go func() {
		stream, err := c.media.Acquire(ctx, caps)
		delivered := c.post(func() {
			if c.closing {
				if stream != nil {
					_ = stream.Release()
				}
				return
			}
			c.onAcquired(caps, stream, err)
		})
		if !delivered && stream != nil {
			_ = stream.Release()
		}
	}()
}

func (c *Coordinator) onAcquired(caps domain.Capabilities, stream port.LocalStream, err error) {
	c.acquiring = false

	if next := c.pendingCaps; next != nil {
		c.pendingCaps = nil
		if stream != nil {
			_ = stream.Release()
		}
		c.acquire(*next)
		return
	}

	if err != nil {
		c.fatal = fmt.Errorf("%w: media acquisition: %v", domain.ErrFatalLocal, err)
		c.alerter.Alert(c.fatal)
		return
	}

	c.session = stream
	c.preview.Show(stream)
	c.log.Info().Str("stream_id", stream.ID()).Bool("audio", caps.Audio).Bool("video", caps.Video).Msg("Local media ready")

	for _, l := range c.links {
		switch l.state {
		case domain.LinkRinging:
			c.answer(l)
		case domain.LinkDialing, domain.LinkConnected:
			if err := l.call.ReplaceStream(stream); err != nil {
				c.log.Warn().Err(err).Str("remote_id", l.remote.String()).Msg("Failed to replace outgoing stream")
			}
		}
	}

	if !c.ready {
		c.ready = true
		// Phase 1 then phase 2. The relay keeps one sender's events in order.
		c.send(domain.ConnectionRequest(c.roomID, c.self))
		c.send(domain.ReadyAnnouncement(c.roomID, c.self))
	}

	for id := range c.deferred {
		delete(c.deferred, id)
		c.requestDial(id, "deferred")
	}
}

func (c *Coordinator) toggle(caps domain.Capabilities) {
	if caps.Audio == c.caps.Audio && caps.Video == c.caps.Video {
		return
	}
	c.caps = caps
	c.log.Info().Bool("audio", caps.Audio).Bool("video", caps.Video).Msg("Capabilities changed")
	if c.acquiring {
		c.pendingCaps = &caps
		return
	}
	c.releaseSession()
	c.acquire(caps)
}

func (c *Coordinator) releaseSession() {
	if c.session == nil {
		return
	}
	c.preview.Clear()
	if err := c.session.Release(); err != nil {
		c.log.Warn().Err(err).Msg("Error releasing local stream")
	}
	c.session = nil
}

func (c *Coordinator) onSignal(ev domain.Event) {
	if ev.ParticipantID == c.self && ev.Type != domain.EventError {
		return
	}
	switch ev.Type {
	case domain.EventParticipantJoined:
		// Too early to dial: the newcomer may still be acquiring media.
		c.log.Debug().Str("remote_id", ev.ParticipantID.String()).Msg("Participant joined, waiting for announcement")
	case domain.EventMemberAnnounced, domain.EventMemberReady:
		c.requestDial(ev.ParticipantID, string(ev.Type))
	case domain.EventParticipantLeft:
		delete(c.deferred, ev.ParticipantID)
		c.closeLink(ev.ParticipantID, nil)
	case domain.EventError:
		c.alerter.Alert(fmt.Errorf("relay error %s: %s", ev.Code, ev.Message))
	default:
		c.log.Debug().Str("type", string(ev.Type)).Msg("Ignoring signaling event")
	}
}

func (c *Coordinator) onTransportDown() {
	err := c.signaling.Err()
	if err == nil {
		err = errors.New("connection closed")
	}
	c.alerter.Alert(fmt.Errorf("%w: %v", domain.ErrTransport, err))
}

// requestDial applies the deduplication rule shared by both handshake phases.
func (c *Coordinator) requestDial(remote domain.ParticipantID, trigger string) {
	l := c.log.With().Str("remote_id", remote.String()).Str("trigger", trigger).Logger()
	if !c.ready {
		l.Debug().Msg("Local media not ready, ignoring trigger")
		return
	}
	if existing, ok := c.links[remote]; ok && existing.active() {
		l.Debug().Str("state", existing.state.String()).Msg("Link exists, duplicate trigger discarded")
		return
	}
	if c.session == nil {
		l.Debug().Msg("Local media re-acquiring, deferring dial")
		c.deferred[remote] = struct{}{}
		return
	}

	call, err := c.peers.Dial(c.ctx, remote, c.session)
	if err != nil {
		c.alerter.Alert(fmt.Errorf("calling %s failed: %w", remote, err))
		return
	}
	c.track(newLink(remote, domain.Outgoing, call, c.now()))
	l.Info().Str("call_id", call.ID().String()).Msg("Dialing")
}

func (c *Coordinator) onIncomingCall(call port.Call) {
	if c.closing {
		_ = call.Close()
		return
	}
	remote := call.Remote()
	l := c.log.With().Str("remote_id", remote.String()).Str("call_id", call.ID().String()).Logger()
	if remote == c.self {
		_ = call.Close()
		return
	}

	if existing, ok := c.links[remote]; ok && existing.active() {
		if existing.direction == domain.Outgoing && c.self < remote {
			// Both sides dialed. The smaller id keeps its outgoing call, even
			// once connected: the other side's offer may still be in flight.
			l.Debug().Str("state", existing.state.String()).Msg("Simultaneous dial, rejecting incoming call")
			_ = call.Close()
			return
		}
		l.Debug().Str("state", existing.state.String()).Msg("Incoming call replaces existing link")
		c.closeLink(remote, nil)
	}

	lk := newLink(remote, domain.Incoming, call, c.now())
	c.track(lk)
	l.Info().Msg("Incoming call")
	if c.session != nil {
		c.answer(lk)
	}
}

func (c *Coordinator) answer(l *link) {
	if err := l.call.Answer(c.session); err != nil {
		c.closeLink(l.remote, err)
		return
	}
	if err := l.transition(domain.LinkConnected, c.now()); err != nil {
		c.log.Error().Err(err).Msg("Invalid link transition")
		return
	}
	c.log.Info().Str("remote_id", l.remote.String()).Msg("Answered call")
}

// track installs l as the only link for its remote and subscribes to its call.
func (c *Coordinator) track(l *link) {
	if prev, ok := c.links[l.remote]; ok && prev != l {
		_ = prev.release(c.now())
	}
	c.links[l.remote] = l
	l.unsubscribe = append(l.unsubscribe,
		l.call.OnRemoteStream(func(streamID string) {
			c.post(func() { c.onRemoteStream(l, streamID) })
		}),
		l.call.OnClose(func(err error) {
			c.post(func() { c.onCallClosed(l, err) })
		}),
	)
}

func (c *Coordinator) onRemoteStream(l *link, streamID string) {
	if c.closing || c.links[l.remote] != l || !l.active() {
		return
	}
	l.remoteStream = streamID
	if l.state == domain.LinkDialing {
		if err := l.transition(domain.LinkConnected, c.now()); err != nil {
			c.log.Error().Err(err).Msg("Invalid link transition")
			return
		}
		c.log.Info().Str("remote_id", l.remote.String()).Str("stream_id", streamID).Msg("Call connected")
	}
}

func (c *Coordinator) onCallClosed(l *link, err error) {
	if c.closing || c.links[l.remote] != l {
		return
	}
	c.closeLink(l.remote, err)
}

// closeLink moves the link for remote to CLOSED and forgets it. A non-nil
// cause is reported as a per-link failure; other links are unaffected.
func (c *Coordinator) closeLink(remote domain.ParticipantID, cause error) {
	l, ok := c.links[remote]
	if !ok {
		return
	}
	delete(c.links, remote)
	if err := l.release(c.now()); err != nil {
		c.log.Debug().Err(err).Str("remote_id", remote.String()).Msg("Error closing call")
	}
	if cause != nil {
		c.alerter.Alert(fmt.Errorf("link %s: %w", remote, cause))
		return
	}
	c.log.Info().Str("remote_id", remote.String()).Msg("Call ended")
}

type nopPreview struct{}

func (nopPreview) Show(port.LocalStream) {}
func (nopPreview) Clear()                {}

type logAlerter struct {
	log zerolog.Logger
}

func (a logAlerter) Alert(err error) {
	a.log.Error().Err(err).Msg("Alert")
}
