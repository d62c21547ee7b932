// Package pion implements the peer layer and media acquisition on pion/webrtc.
//
// Offers, answers and hangups travel through the relay as addressed
// call-signal events. ICE is not trickled: every SDP is sent once gathering
// has completed.
package pion

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Wyydra/meshroom/internal/core/domain"
	"github.com/Wyydra/meshroom/internal/core/port"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

var (
	ErrLayerClosed = errors.New("peer layer closed")
	ErrNotOpen     = errors.New("peer layer not open")
	ErrAlreadyOpen = errors.New("peer layer already open")
)

const signalTimeout = 5 * time.Second

// Broker carries call signals between participants.
type Broker interface {
	Send(ctx context.Context, ev domain.Event) error
	// Signals delivers call-signal events addressed to this participant.
	Signals() <-chan domain.Event
}

type Config struct {
	RoomID     domain.RoomID
	Broker     Broker
	API        *webrtc.API
	ICEServers []webrtc.ICEServer

	// AnswerTimeout bounds how long an outgoing call waits for an answer.
	AnswerTimeout time.Duration

	Logger zerolog.Logger
}

// PeerLayer implements port.PeerLayer.
type PeerLayer struct {
	cfg Config
	api *webrtc.API
	log zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	self     domain.ParticipantID
	opened   bool
	closed   bool
	calls    map[domain.CallID]*Call
	incoming map[int]func(port.Call)
	nextSub  int
}

func NewPeerLayer(cfg Config) (*PeerLayer, error) {
	if cfg.AnswerTimeout <= 0 {
		cfg.AnswerTimeout = 30 * time.Second
	}
	api := cfg.API
	if api == nil {
		var err error
		api, err = NewAPI(APIOptions{Logger: cfg.Logger})
		if err != nil {
			return nil, err
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &PeerLayer{
		cfg:      cfg,
		api:      api,
		log:      cfg.Logger.With().Str("component", "peer").Logger(),
		ctx:      ctx,
		cancel:   cancel,
		calls:    make(map[domain.CallID]*Call),
		incoming: make(map[int]func(port.Call)),
	}, nil
}

// Open assigns this participant's id and starts routing call signals.
func (p *PeerLayer) Open(ctx context.Context) (domain.ParticipantID, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return "", ErrLayerClosed
	}
	if p.opened {
		return "", ErrAlreadyOpen
	}
	p.opened = true
	p.self = domain.NewParticipantID()
	p.log = p.log.With().Str("participant_id", p.self.String()).Logger()

	p.wg.Add(1)
	go p.route()
	return p.self, nil
}

func (p *PeerLayer) Self() domain.ParticipantID {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.self
}

func (p *PeerLayer) Dial(ctx context.Context, remote domain.ParticipantID, stream port.LocalStream) (port.Call, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	switch {
	case p.closed:
		p.mu.Unlock()
		return nil, ErrLayerClosed
	case !p.opened:
		p.mu.Unlock()
		return nil, ErrNotOpen
	}
	p.mu.Unlock()

	c, err := newCall(p, domain.NewCallID(), remote, domain.Outgoing)
	if err != nil {
		return nil, err
	}
	if err := c.attach(stream); err != nil {
		_ = c.pc.Close()
		return nil, err
	}
	if !p.remember(c) {
		_ = c.pc.Close()
		return nil, ErrLayerClosed
	}

	go c.negotiate(c.sendOffer)
	return c, nil
}

func (p *PeerLayer) OnIncomingCall(fn func(port.Call)) func() {
	p.mu.Lock()
	key := p.nextSub
	p.nextSub++
	p.incoming[key] = fn
	p.mu.Unlock()

	return func() {
		p.mu.Lock()
		delete(p.incoming, key)
		p.mu.Unlock()
	}
}

// Close hangs up every call. It is safe to call more than once.
func (p *PeerLayer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	calls := make([]*Call, 0, len(p.calls))
	for _, c := range p.calls {
		calls = append(calls, c)
	}
	p.mu.Unlock()

	for _, c := range calls {
		_ = c.Close()
	}
	p.cancel()
	p.wg.Wait()
	return nil
}

func (p *PeerLayer) remember(c *Call) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	p.calls[c.id] = c
	return true
}

func (p *PeerLayer) forget(c *Call) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cur, ok := p.calls[c.id]; ok && cur == c {
		delete(p.calls, c.id)
	}
}

func (p *PeerLayer) lookup(id domain.CallID) *Call {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[id]
}

// signal sends sig to remote through the broker. Failures are logged; the
// call's own timeout or ICE state reports the consequence.
func (p *PeerLayer) signal(remote domain.ParticipantID, sig domain.CallSignal) {
	ctx, cancel := context.WithTimeout(context.Background(), signalTimeout)
	defer cancel()
	ev := domain.CallSignalEvent(p.cfg.RoomID, p.Self(), remote, sig)
	if err := p.cfg.Broker.Send(ctx, ev); err != nil {
		p.log.Warn().Err(err).Str("remote_id", remote.String()).Str("kind", string(sig.Kind)).Msg("Failed to send call signal")
	}
}

func (p *PeerLayer) route() {
	defer p.wg.Done()
	signals := p.cfg.Broker.Signals()
	for {
		select {
		case <-p.ctx.Done():
			return
		case ev, ok := <-signals:
			if !ok {
				p.log.Debug().Msg("Call signal channel closed")
				return
			}
			p.handleSignal(ev)
		}
	}
}

func (p *PeerLayer) handleSignal(ev domain.Event) {
	if ev.Signal == nil || ev.To != p.Self() {
		return
	}
	sig := *ev.Signal
	l := p.log.With().Str("remote_id", ev.ParticipantID.String()).Str("call_id", sig.CallID.String()).Logger()

	switch sig.Kind {
	case domain.SignalOffer:
		if p.lookup(sig.CallID) != nil {
			l.Debug().Msg("Duplicate offer ignored")
			return
		}
		p.acceptOffer(ev.ParticipantID, sig)
	case domain.SignalAnswer:
		c := p.lookup(sig.CallID)
		if c == nil || c.remote != ev.ParticipantID {
			l.Debug().Msg("Answer for unknown call ignored")
			return
		}
		c.handleAnswer(sig.SDP)
	case domain.SignalHangup:
		c := p.lookup(sig.CallID)
		if c == nil || c.remote != ev.ParticipantID {
			return
		}
		l.Debug().Msg("Remote hung up")
		_ = c.closeWith(nil, false)
	}
}

func (p *PeerLayer) acceptOffer(remote domain.ParticipantID, sig domain.CallSignal) {
	c, err := newCall(p, sig.CallID, remote, domain.Incoming)
	if err != nil {
		p.log.Error().Err(err).Str("remote_id", remote.String()).Msg("Failed to set up incoming call")
		p.signal(remote, domain.CallSignal{CallID: sig.CallID, Kind: domain.SignalHangup})
		return
	}
	c.offer = sig.SDP
	if !p.remember(c) {
		_ = c.pc.Close()
		return
	}

	p.mu.Lock()
	handlers := make([]func(port.Call), 0, len(p.incoming))
	for _, fn := range p.incoming {
		handlers = append(handlers, fn)
	}
	p.mu.Unlock()

	if len(handlers) == 0 {
		c.log.Warn().Msg("No handler for incoming call, rejecting")
		_ = c.Close()
		return
	}
	for _, fn := range handlers {
		fn(c)
	}
}

var _ port.PeerLayer = (*PeerLayer)(nil)
