package pion

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Wyydra/meshroom/internal/core/domain"
	"github.com/Wyydra/meshroom/internal/core/port"
	"github.com/pion/rtcp"
	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

var (
	ErrCallClosed      = errors.New("call closed")
	ErrAlreadyAnswered = errors.New("call already answered")
	ErrNotIncoming     = errors.New("not an incoming call")
	ErrAnswerTimeout   = errors.New("no answer from remote participant")
	ErrICEFailed       = errors.New("ice connection failed")
)

var mediaKinds = []domain.MediaKind{domain.MediaAudio, domain.MediaVideo}

// Call is one RTCPeerConnection with a remote participant. It implements
// port.Call.
type Call struct {
	id        domain.CallID
	remote    domain.ParticipantID
	direction domain.Direction
	layer     *PeerLayer
	pc        *webrtc.PeerConnection
	log       zerolog.Logger

	senders      map[domain.MediaKind]*webrtc.RTPSender
	placeholders map[domain.MediaKind]webrtc.TrackLocal
	offer        string

	mu            sync.Mutex
	answered      bool
	remoteStream  string
	streamSent    bool
	sdpStream     string
	closed        bool
	closeErr      error
	nextSub       int
	streamSubs    map[int]func(string)
	closeSubs     map[int]func(error)
	answerArrived chan struct{}
	answerOnce    sync.Once
}

func newCall(layer *PeerLayer, id domain.CallID, remote domain.ParticipantID, dir domain.Direction) (*Call, error) {
	pc, err := layer.api.NewPeerConnection(webrtc.Configuration{ICEServers: layer.cfg.ICEServers})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	c := &Call{
		id:            id,
		remote:        remote,
		direction:     dir,
		layer:         layer,
		pc:            pc,
		log:           layer.log.With().Str("call_id", id.String()).Str("remote_id", remote.String()).Str("direction", dir.String()).Logger(),
		senders:       make(map[domain.MediaKind]*webrtc.RTPSender, 2),
		placeholders:  make(map[domain.MediaKind]webrtc.TrackLocal, 2),
		streamSubs:    make(map[int]func(string)),
		closeSubs:     make(map[int]func(error)),
		answerArrived: make(chan struct{}),
	}

	// Both kinds are always negotiated. A kind the local stream lacks keeps
	// the transceiver's own silent track, so toggles never renegotiate.
	for _, kind := range mediaKinds {
		tr, err := pc.AddTransceiverFromKind(codecType(kind), webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionSendrecv,
		})
		if err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("add %s transceiver: %w", kind, err)
		}
		c.senders[kind] = tr.Sender()
		c.placeholders[kind] = tr.Sender().Track()
		go c.drainRTCP(tr.Sender())
	}

	pc.OnTrack(c.onTrack)
	pc.OnConnectionStateChange(c.onConnectionState)
	return c, nil
}

func codecType(kind domain.MediaKind) webrtc.RTPCodecType {
	if kind == domain.MediaVideo {
		return webrtc.RTPCodecTypeVideo
	}
	return webrtc.RTPCodecTypeAudio
}

func (c *Call) ID() domain.CallID {
	return c.id
}

func (c *Call) Remote() domain.ParticipantID {
	return c.remote
}

// Answer attaches stream and completes the offer/answer exchange in the
// background.
func (c *Call) Answer(stream port.LocalStream) error {
	if c.direction != domain.Incoming {
		return ErrNotIncoming
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrCallClosed
	}
	if c.answered {
		c.mu.Unlock()
		return ErrAlreadyAnswered
	}
	c.answered = true
	c.mu.Unlock()

	if err := c.attach(stream); err != nil {
		return err
	}
	go c.negotiate(c.answerOffer)
	return nil
}

func (c *Call) ReplaceStream(stream port.LocalStream) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrCallClosed
	}
	return c.attach(stream)
}

func (c *Call) attach(stream port.LocalStream) error {
	ls, _ := stream.(*LocalStream)
	for _, kind := range mediaKinds {
		var track webrtc.TrackLocal
		if ls != nil {
			track = ls.Track(kind)
		}
		if track == nil {
			track = c.placeholders[kind]
		}
		if err := c.senders[kind].ReplaceTrack(track); err != nil {
			return fmt.Errorf("replace %s track: %w", kind, err)
		}
	}
	return nil
}

func (c *Call) OnRemoteStream(fn func(streamID string)) func() {
	c.mu.Lock()
	if c.streamSent {
		id := c.remoteStream
		c.mu.Unlock()
		fn(id)
		return func() {}
	}
	key := c.nextSub
	c.nextSub++
	c.streamSubs[key] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.streamSubs, key)
		c.mu.Unlock()
	}
}

func (c *Call) OnClose(fn func(err error)) func() {
	c.mu.Lock()
	if c.closed {
		err := c.closeErr
		c.mu.Unlock()
		fn(err)
		return func() {}
	}
	key := c.nextSub
	c.nextSub++
	c.closeSubs[key] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.closeSubs, key)
		c.mu.Unlock()
	}
}

// Close hangs up. The remote side is told once; later calls are no-ops.
func (c *Call) Close() error {
	return c.closeWith(nil, true)
}

func (c *Call) closeWith(cause error, notifyRemote bool) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.closeErr = cause
	subs := make([]func(error), 0, len(c.closeSubs))
	for _, fn := range c.closeSubs {
		subs = append(subs, fn)
	}
	c.closeSubs = nil
	c.streamSubs = nil
	c.mu.Unlock()

	c.answerOnce.Do(func() { close(c.answerArrived) })
	c.layer.forget(c)

	if notifyRemote {
		c.layer.signal(c.remote, domain.CallSignal{CallID: c.id, Kind: domain.SignalHangup})
	}
	err := c.pc.Close()
	if cause != nil {
		c.log.Warn().Err(cause).Msg("Call failed")
	} else {
		c.log.Debug().Msg("Call closed")
	}

	for _, fn := range subs {
		fn(cause)
	}
	return err
}

func (c *Call) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// negotiate runs one side of the exchange and fails the call on error.
func (c *Call) negotiate(step func() error) {
	if err := step(); err != nil && !c.isClosed() {
		_ = c.closeWith(err, true)
	}
}

func (c *Call) sendOffer() error {
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	sdpText, err := c.gather(offer)
	if err != nil {
		return err
	}
	c.layer.signal(c.remote, domain.CallSignal{CallID: c.id, Kind: domain.SignalOffer, SDP: sdpText})
	c.log.Debug().Msg("Offer sent")

	timer := time.NewTimer(c.layer.cfg.AnswerTimeout)
	defer timer.Stop()
	select {
	case <-c.answerArrived:
		return nil
	case <-timer.C:
		return ErrAnswerTimeout
	}
}

func (c *Call) answerOffer() error {
	if err := c.setRemote(webrtc.SDPTypeOffer, c.offer); err != nil {
		return err
	}
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	sdpText, err := c.gather(answer)
	if err != nil {
		return err
	}
	c.layer.signal(c.remote, domain.CallSignal{CallID: c.id, Kind: domain.SignalAnswer, SDP: sdpText})
	c.log.Debug().Msg("Answer sent")
	return nil
}

// gather applies desc locally and waits for ICE gathering, so the SDP that
// goes out already carries every candidate.
func (c *Call) gather(desc webrtc.SessionDescription) (string, error) {
	done := webrtc.GatheringCompletePromise(c.pc)
	if err := c.pc.SetLocalDescription(desc); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}
	select {
	case <-done:
	case <-c.layer.ctx.Done():
		return "", c.layer.ctx.Err()
	}
	local := c.pc.LocalDescription()
	if local == nil {
		return "", ErrCallClosed
	}
	return local.SDP, nil
}

func (c *Call) setRemote(typ webrtc.SDPType, sdpText string) error {
	c.mu.Lock()
	c.sdpStream = streamFromSDP(sdpText)
	c.mu.Unlock()
	if err := c.pc.SetRemoteDescription(webrtc.SessionDescription{Type: typ, SDP: sdpText}); err != nil {
		return fmt.Errorf("set remote %s: %w", typ, err)
	}
	return nil
}

func (c *Call) handleAnswer(sdpText string) {
	if c.direction != domain.Outgoing {
		c.log.Warn().Msg("Answer for incoming call ignored")
		return
	}
	if err := c.setRemote(webrtc.SDPTypeAnswer, sdpText); err != nil {
		_ = c.closeWith(err, true)
		return
	}
	c.answerOnce.Do(func() { close(c.answerArrived) })
}

func (c *Call) onTrack(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	c.log.Debug().Str("kind", track.Kind().String()).Str("stream_id", track.StreamID()).Msg("Received remote track")
	c.emitStream(track.StreamID())

	if track.Kind() == webrtc.RTPCodecTypeVideo {
		// Ask for a keyframe so the first frames are decodable.
		if err := c.pc.WriteRTCP([]rtcp.Packet{
			&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())},
		}); err != nil {
			c.log.Debug().Err(err).Msg("Failed to send PLI")
		}
	}

	go func() {
		for {
			if _, _, err := track.ReadRTP(); err != nil {
				return
			}
		}
	}()
}

func (c *Call) onConnectionState(state webrtc.PeerConnectionState) {
	c.log.Debug().Str("state", state.String()).Msg("Peer connection state changed")
	switch state {
	case webrtc.PeerConnectionStateConnected:
		// A remote with every capability off never sends a track.
		c.mu.Lock()
		id := c.sdpStream
		c.mu.Unlock()
		if id == "" {
			id = c.id.String()
		}
		c.emitStream(id)
	case webrtc.PeerConnectionStateFailed:
		_ = c.closeWith(ErrICEFailed, true)
	case webrtc.PeerConnectionStateClosed:
		_ = c.closeWith(nil, false)
	}
}

func (c *Call) emitStream(id string) {
	c.mu.Lock()
	if c.closed || c.streamSent {
		c.mu.Unlock()
		return
	}
	c.streamSent = true
	c.remoteStream = id
	subs := make([]func(string), 0, len(c.streamSubs))
	for _, fn := range c.streamSubs {
		subs = append(subs, fn)
	}
	c.mu.Unlock()

	for _, fn := range subs {
		fn(id)
	}
}

func (c *Call) drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

// streamFromSDP returns the first media stream id announced in an msid
// attribute, or "" when the description carries none.
func streamFromSDP(sdpText string) string {
	var desc sdp.SessionDescription
	if err := desc.Unmarshal([]byte(sdpText)); err != nil {
		return ""
	}
	for _, md := range desc.MediaDescriptions {
		if v, ok := md.Attribute("msid"); ok {
			if fields := strings.Fields(v); len(fields) > 0 && fields[0] != "-" {
				return fields[0]
			}
		}
	}
	return ""
}

var _ port.Call = (*Call)(nil)
