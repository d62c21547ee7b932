package prometheus

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/Wyydra/meshroom/internal/core/domain"
)

func TestHandler_ExposesRelayMetrics(t *testing.T) {
	m := New(false)
	m.RoomOpened()
	m.RoomOpened()
	m.RoomClosed()
	m.ParticipantJoined()
	m.ParticipantJoined()
	m.EventFannedOut(domain.EventParticipantJoined, 3)
	m.EventFannedOut(domain.EventMemberReady, 0)
	m.ConnectionDropped()

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d, want %d", rr.Code, http.StatusOK)
	}
	body := rr.Body.String()
	for _, want := range []string{
		"# TYPE meshroom_relay_rooms gauge",
		"meshroom_relay_rooms 1",
		"meshroom_relay_participants 2",
		`meshroom_relay_events_delivered_total{type="participant-joined"} 3`,
		"meshroom_relay_connections_dropped_total 1",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("missing %q in:\n%s", want, body)
		}
	}
	if strings.Contains(body, `type="member-ready"`) {
		t.Fatalf("zero-recipient fan-out should not create a series:\n%s", body)
	}
}
