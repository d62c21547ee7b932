// Package prometheus exposes relay metrics on a dedicated registry.
package prometheus

import (
	"net/http"

	"github.com/Wyydra/meshroom/internal/core/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "meshroom_relay"

// Metrics implements port.RelayMetrics.
type Metrics struct {
	registry *prometheus.Registry

	rooms        prometheus.Gauge
	participants prometheus.Gauge
	fannedOut    *prometheus.CounterVec
	dropped      prometheus.Counter
}

// New registers the relay collectors. withRuntime adds the Go and process
// collectors.
func New(withRuntime bool) *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		rooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rooms",
			Help:      "Rooms with at least one participant.",
		}),
		participants: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "participants",
			Help:      "Participants across all rooms.",
		}),
		fannedOut: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_delivered_total",
			Help:      "Events queued to room members, by event type.",
		}, []string{"type"}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_dropped_total",
			Help:      "Connections closed because their outbound queue was full.",
		}),
	}
	reg.MustRegister(m.rooms, m.participants, m.fannedOut, m.dropped)
	if withRuntime {
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) RoomOpened()        { m.rooms.Inc() }
func (m *Metrics) RoomClosed()        { m.rooms.Dec() }
func (m *Metrics) ParticipantJoined() { m.participants.Inc() }
func (m *Metrics) ParticipantLeft()   { m.participants.Dec() }
func (m *Metrics) ConnectionDropped() { m.dropped.Inc() }

func (m *Metrics) EventFannedOut(t domain.EventType, recipients int) {
	if recipients <= 0 {
		return
	}
	m.fannedOut.WithLabelValues(string(t)).Add(float64(recipients))
}
