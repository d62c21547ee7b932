package ws

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Wyydra/meshroom/internal/adapter/driven/codec"
	handler "github.com/Wyydra/meshroom/internal/adapter/driving/http"
	"github.com/Wyydra/meshroom/internal/core/domain"
	"github.com/Wyydra/meshroom/internal/core/service"
	"github.com/rs/zerolog"
)

func startRelay(t *testing.T) (*service.Relay, string) {
	t.Helper()
	relay := service.NewRelay(nil, zerolog.Nop())
	go relay.Run()
	srv := httptest.NewServer(handler.NewHandler(relay, nil, handler.Limits{}, zerolog.Nop()).NewRouter())
	t.Cleanup(func() {
		relay.Stop()
		srv.Close()
	})
	return relay, "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func dial(t *testing.T, url, cd string) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := Dial(ctx, Options{URL: url, Codec: cd}, zerolog.Nop())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func next(t *testing.T, ch <-chan domain.Event) domain.Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		if !ok {
			t.Fatalf("channel closed")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for event")
	}
	return domain.Event{}
}

func waitJoined(t *testing.T, relay *service.Relay, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		rooms := relay.Rooms()
		if len(rooms) == 1 && len(rooms[0].Participants) == n {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d participants: %+v", n, rooms)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestClient_RoutesRoomEventsAndSignals(t *testing.T) {
	for _, cd := range []string{"", codec.NameJSON, codec.NameMsgpack} {
		t.Run("codec="+cd, func(t *testing.T) {
			relay, url := startRelay(t)
			a := dial(t, url, cd)
			b := dial(t, url, cd)
			ctx := context.Background()

			if err := a.Send(ctx, domain.JoinRoom("room", "A")); err != nil {
				t.Fatalf("Send: %v", err)
			}
			waitJoined(t, relay, 1)
			if err := b.Send(ctx, domain.JoinRoom("room", "B")); err != nil {
				t.Fatalf("Send: %v", err)
			}

			if ev := next(t, a.Events()); ev.Type != domain.EventParticipantJoined || ev.ParticipantID != "B" {
				t.Fatalf("A received %+v", ev)
			}

			sig := domain.CallSignal{CallID: "call-1", Kind: domain.SignalOffer, SDP: "v=0"}
			if err := b.Send(ctx, domain.CallSignalEvent("room", "B", "A", sig)); err != nil {
				t.Fatalf("Send: %v", err)
			}
			ev := next(t, a.Signals())
			if ev.Type != domain.EventCallSignal || ev.ParticipantID != "B" || ev.Signal == nil || ev.Signal.CallID != "call-1" {
				t.Fatalf("A signal %+v", ev)
			}

			if err := b.Send(ctx, domain.ConnectionRequest("room", "B")); err != nil {
				t.Fatalf("Send: %v", err)
			}
			if ev := next(t, a.Events()); ev.Type != domain.EventMemberAnnounced {
				t.Fatalf("A received %+v, want member-announced", ev)
			}
		})
	}
}

func TestClient_SendRejectsRelayOnlyEvents(t *testing.T) {
	_, url := startRelay(t)
	c := dial(t, url, "")

	err := c.Send(context.Background(), domain.MemberReady("room", "A"))
	if !errors.Is(err, domain.ErrInvalidEvent) {
		t.Fatalf("Send = %v, want ErrInvalidEvent", err)
	}
}

func TestClient_DialErrors(t *testing.T) {
	_, url := startRelay(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if _, err := Dial(ctx, Options{URL: url, Codec: "xml"}, zerolog.Nop()); !errors.Is(err, codec.ErrUnknownCodec) {
		t.Fatalf("unknown codec: %v", err)
	}
	if _, err := Dial(ctx, Options{URL: strings.TrimSuffix(url, "/ws") + "/nope"}, zerolog.Nop()); !errors.Is(err, domain.ErrTransport) {
		t.Fatalf("bad path: %v", err)
	}
	if _, err := Dial(ctx, Options{URL: "ws://127.0.0.1:1/ws"}, zerolog.Nop()); !errors.Is(err, domain.ErrTransport) {
		t.Fatalf("refused: %v", err)
	}
}

func TestClient_RelayShutdownClosesEvents(t *testing.T) {
	relay, url := startRelay(t)
	c := dial(t, url, "")
	if err := c.Send(context.Background(), domain.JoinRoom("room", "A")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	waitJoined(t, relay, 1)

	relay.Stop()

	select {
	case _, ok := <-c.Events():
		if ok {
			t.Fatalf("unexpected event after shutdown")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Events not closed after relay shutdown")
	}
	if c.Err() == nil {
		t.Fatalf("Err should report the dropped connection")
	}
	if err := c.Send(context.Background(), domain.JoinRoom("room", "A")); err == nil {
		t.Fatalf("Send after drop should fail")
	}
}

func TestClient_Close(t *testing.T) {
	relay, url := startRelay(t)
	c := dial(t, url, "")
	if err := c.Send(context.Background(), domain.JoinRoom("room", "A")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	waitJoined(t, relay, 1)

	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if _, ok := <-c.Events(); ok {
		t.Fatalf("Events open after Close")
	}
	if !errors.Is(c.Err(), ErrClosed) {
		t.Fatalf("Err = %v, want ErrClosed", c.Err())
	}
	if err := c.Send(context.Background(), domain.JoinRoom("room", "A")); !errors.Is(err, ErrClosed) {
		t.Fatalf("Send after Close = %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(relay.Rooms()) != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("relay kept the closed participant: %+v", relay.Rooms())
		}
		time.Sleep(5 * time.Millisecond)
	}
}
