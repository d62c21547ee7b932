package pion

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Wyydra/meshroom/internal/core/domain"
	"github.com/Wyydra/meshroom/internal/core/port"
	"github.com/pion/logging"
	"github.com/pion/transport/v3/vnet"
	"github.com/rs/zerolog"
)

// bus routes call signals between in-process peer layers by participant id.
type bus struct {
	mu    sync.Mutex
	inbox map[domain.ParticipantID]chan domain.Event
}

func newBus() *bus {
	return &bus{inbox: make(map[domain.ParticipantID]chan domain.Event)}
}

type busBroker struct {
	bus     *bus
	signals chan domain.Event
}

func (b *bus) broker() *busBroker {
	return &busBroker{bus: b, signals: make(chan domain.Event, 64)}
}

func (b *bus) attach(id domain.ParticipantID, br *busBroker) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.inbox[id] = br.signals
}

func (br *busBroker) Send(ctx context.Context, ev domain.Event) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	br.bus.mu.Lock()
	ch, ok := br.bus.inbox[ev.To]
	br.bus.mu.Unlock()
	if !ok {
		return errors.New("unknown participant")
	}
	select {
	case ch <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (br *busBroker) Signals() <-chan domain.Event { return br.signals }

type vnetPeers struct {
	bus    *bus
	router *vnet.Router
	nets   []*vnet.Net
}

func newVNetPeers(t *testing.T, ips ...string) *vnetPeers {
	t.Helper()
	router, err := vnet.NewRouter(&vnet.RouterConfig{
		CIDR:          "10.0.0.0/24",
		LoggerFactory: logging.NewDefaultLoggerFactory(),
	})
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	v := &vnetPeers{bus: newBus(), router: router}
	for _, ip := range ips {
		n, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{ip}})
		if err != nil {
			t.Fatalf("new net %s: %v", ip, err)
		}
		if err := router.AddNet(n); err != nil {
			t.Fatalf("add net %s: %v", ip, err)
		}
		v.nets = append(v.nets, n)
	}
	if err := router.Start(); err != nil {
		t.Fatalf("start router: %v", err)
	}
	t.Cleanup(func() { _ = router.Stop() })
	return v
}

func (v *vnetPeers) layer(t *testing.T, i int, answerTimeout time.Duration) *PeerLayer {
	t.Helper()
	api, err := NewAPI(APIOptions{Net: v.nets[i], Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("new api: %v", err)
	}
	br := v.bus.broker()
	p, err := NewPeerLayer(Config{
		RoomID:        "room",
		Broker:        br,
		API:           api,
		AnswerTimeout: answerTimeout,
		Logger:        zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("new peer layer: %v", err)
	}
	id, err := p.Open(context.Background())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	v.bus.attach(id, br)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func acquire(t *testing.T, caps domain.Capabilities) port.LocalStream {
	t.Helper()
	s, err := NewAcquirer(AcquirerOptions{Logger: zerolog.Nop()}).Acquire(context.Background(), caps)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	t.Cleanup(func() { _ = s.Release() })
	return s
}

func remoteStream(call port.Call) <-chan string {
	ch := make(chan string, 1)
	call.OnRemoteStream(func(id string) { ch <- id })
	return ch
}

func closed(call port.Call) <-chan error {
	ch := make(chan error, 1)
	call.OnClose(func(err error) { ch <- err })
	return ch
}

func within[T any](t *testing.T, what string, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(10 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
	var zero T
	return zero
}

func TestPeerLayer_CallConnectsAndHangsUp(t *testing.T) {
	v := newVNetPeers(t, "10.0.0.1", "10.0.0.2")
	a, b := v.layer(t, 0, 0), v.layer(t, 1, 0)

	incoming := make(chan port.Call, 1)
	unsub := b.OnIncomingCall(func(c port.Call) { incoming <- c })
	defer unsub()

	streamA := acquire(t, domain.DefaultCapabilities())
	streamB := acquire(t, domain.DefaultCapabilities())

	callA, err := a.Dial(context.Background(), b.Self(), streamA)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	if err := callA.Answer(streamA); !errors.Is(err, ErrNotIncoming) {
		t.Fatalf("Answer on outgoing call = %v", err)
	}
	remoteA, closedA := remoteStream(callA), closed(callA)

	callB := within(t, "incoming call", incoming)
	if callB.Remote() != a.Self() || callB.ID() != callA.ID() {
		t.Fatalf("incoming call %s from %s, want %s from %s", callB.ID(), callB.Remote(), callA.ID(), a.Self())
	}
	remoteB, closedB := remoteStream(callB), closed(callB)
	if err := callB.Answer(streamB); err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if err := callB.Answer(streamB); !errors.Is(err, ErrAlreadyAnswered) {
		t.Fatalf("second Answer = %v", err)
	}

	if got := within(t, "A remote stream", remoteA); got != streamB.ID() {
		t.Fatalf("A sees stream %q, want %q", got, streamB.ID())
	}
	if got := within(t, "B remote stream", remoteB); got != streamA.ID() {
		t.Fatalf("B sees stream %q, want %q", got, streamA.ID())
	}

	// Late subscribers still see the stream.
	if got := within(t, "late subscriber", remoteStream(callA)); got != streamB.ID() {
		t.Fatalf("late subscriber got %q", got)
	}

	audioOnly := acquire(t, domain.DefaultCapabilities().WithVideo(false))
	if err := callA.ReplaceStream(audioOnly); err != nil {
		t.Fatalf("ReplaceStream: %v", err)
	}

	if err := callA.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := callA.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if err := within(t, "A closed", closedA); err != nil {
		t.Fatalf("A close cause = %v", err)
	}
	if err := within(t, "B closed by hangup", closedB); err != nil {
		t.Fatalf("B close cause = %v", err)
	}
	if err := callA.ReplaceStream(streamA); !errors.Is(err, ErrCallClosed) {
		t.Fatalf("ReplaceStream after close = %v", err)
	}
}

func TestPeerLayer_UnansweredCallTimesOut(t *testing.T) {
	v := newVNetPeers(t, "10.0.0.1", "10.0.0.2")
	a, b := v.layer(t, 0, 200*time.Millisecond), v.layer(t, 1, 0)

	incoming := make(chan port.Call, 1)
	b.OnIncomingCall(func(c port.Call) { incoming <- c })

	callA, err := a.Dial(context.Background(), b.Self(), acquire(t, domain.DefaultCapabilities()))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	callB := within(t, "incoming call", incoming)

	if err := within(t, "timeout", closed(callA)); !errors.Is(err, ErrAnswerTimeout) {
		t.Fatalf("close cause = %v, want ErrAnswerTimeout", err)
	}
	// The callee learns about it through the hangup.
	within(t, "callee hangup", closed(callB))
}

func TestPeerLayer_IncomingCallWithoutHandlerIsRejected(t *testing.T) {
	v := newVNetPeers(t, "10.0.0.1", "10.0.0.2")
	a, b := v.layer(t, 0, 0), v.layer(t, 1, 0)

	callA, err := a.Dial(context.Background(), b.Self(), acquire(t, domain.DefaultCapabilities()))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	if err := within(t, "rejection", closed(callA)); err != nil {
		t.Fatalf("close cause = %v", err)
	}
}

func TestPeerLayer_Lifecycle(t *testing.T) {
	v := newVNetPeers(t, "10.0.0.1")
	api, err := NewAPI(APIOptions{Net: v.nets[0], Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("new api: %v", err)
	}
	p, err := NewPeerLayer(Config{RoomID: "room", Broker: v.bus.broker(), API: api, Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("new peer layer: %v", err)
	}
	ctx := context.Background()

	if _, err := p.Dial(ctx, "someone", nil); !errors.Is(err, ErrNotOpen) {
		t.Fatalf("Dial before Open = %v", err)
	}
	id, err := p.Open(ctx)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := domain.ParseParticipantID(id.String()); err != nil || p.Self() != id {
		t.Fatalf("Open returned %q", id)
	}
	if _, err := p.Open(ctx); !errors.Is(err, ErrAlreadyOpen) {
		t.Fatalf("second Open = %v", err)
	}

	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if _, err := p.Dial(ctx, "someone", nil); !errors.Is(err, ErrLayerClosed) {
		t.Fatalf("Dial after Close = %v", err)
	}
}

func TestStreamFromSDP(t *testing.T) {
	const desc = "v=0\r\n" +
		"o=- 1 2 IN IP4 127.0.0.1\r\n" +
		"s=-\r\n" +
		"t=0 0\r\n" +
		"m=audio 9 UDP/TLS/RTP/SAVPF 111\r\n" +
		"c=IN IP4 0.0.0.0\r\n" +
		"a=msid:stream-1 track-1\r\n" +
		"m=video 9 UDP/TLS/RTP/SAVPF 96\r\n" +
		"c=IN IP4 0.0.0.0\r\n" +
		"a=msid:stream-1 track-2\r\n"

	if got := streamFromSDP(desc); got != "stream-1" {
		t.Fatalf("streamFromSDP = %q", got)
	}
	if got := streamFromSDP("not sdp"); got != "" {
		t.Fatalf("streamFromSDP(garbage) = %q", got)
	}
}
