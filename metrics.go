package statuspage

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics collects counters for the realtime and session layers. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	Reconnects      *prometheus.CounterVec
	Renewals        *prometheus.CounterVec
	EventsApplied   *prometheus.CounterVec
	EventsDropped   *prometheus.CounterVec
	MalformedFrames prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg. Pass nil to
// create unregistered collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "statuspage",
			Subsystem: "realtime",
			Name:      "reconnect_attempts_total",
			Help:      "Reconnection attempts by outcome.",
		}, []string{"result"}),
		Renewals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "statuspage",
			Subsystem: "session",
			Name:      "renewals_total",
			Help:      "Credential renewals by outcome.",
		}, []string{"result"}),
		EventsApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "statuspage",
			Subsystem: "reconciler",
			Name:      "events_applied_total",
			Help:      "Events that mutated the read model, by kind.",
		}, []string{"kind"}),
		EventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "statuspage",
			Subsystem: "reconciler",
			Name:      "events_dropped_total",
			Help:      "Events that left the read model unchanged, by kind.",
		}, []string{"kind"}),
		MalformedFrames: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "statuspage",
			Subsystem: "realtime",
			Name:      "malformed_frames_total",
			Help:      "Inbound frames that could not be decoded.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Reconnects, m.Renewals, m.EventsApplied, m.EventsDropped, m.MalformedFrames)
	}
	return m
}

func (m *Metrics) reconnect(result string) {
	if m != nil {
		m.Reconnects.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) renewal(result string) {
	if m != nil {
		m.Renewals.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) applied(kind EventKind, ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.EventsApplied.WithLabelValues(string(kind)).Inc()
		return
	}
	m.EventsDropped.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) malformed() {
	if m != nil {
		m.MalformedFrames.Inc()
	}
}
