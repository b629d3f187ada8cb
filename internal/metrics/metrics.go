package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Gateway holds the session gateway's collectors. A nil *Gateway is valid
// and records nothing.
type Gateway struct {
	sessionsStarted prometheus.Counter
	stimsFailures   prometheus.Counter
	eventsRelayed   *prometheus.CounterVec
	payloadBytes    prometheus.Histogram
	connections     prometheus.Gauge
}

// NewGateway registers the gateway collectors on reg.
func NewGateway(reg prometheus.Registerer) *Gateway {
	f := promauto.With(reg)
	return &Gateway{
		sessionsStarted: f.NewCounter(prometheus.CounterOpts{
			Name: "gateway_sessions_started_total",
			Help: "Sessions that received a trial set.",
		}),
		stimsFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "gateway_stims_failures_total",
			Help: "getStims requests dropped because the store could not serve them.",
		}),
		eventsRelayed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_events_relayed_total",
			Help: "Data events forwarded to the store, by kind and outcome.",
		}, []string{"kind", "outcome"}),
		payloadBytes: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "gateway_payload_bytes",
			Help:    "Size of currentData payloads.",
			Buckets: prometheus.ExponentialBuckets(256, 4, 10),
		}),
		connections: f.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_open_connections",
			Help: "Realtime connections currently open.",
		}),
	}
}

func (m *Gateway) SessionStarted() {
	if m != nil {
		m.sessionsStarted.Inc()
	}
}

func (m *Gateway) StimsFailed() {
	if m != nil {
		m.stimsFailures.Inc()
	}
}

func (m *Gateway) EventRelayed(kind string, ok bool) {
	if m != nil {
		m.eventsRelayed.WithLabelValues(kind, outcome(ok)).Inc()
	}
}

func (m *Gateway) Payload(size int) {
	if m != nil {
		m.payloadBytes.Observe(float64(size))
	}
}

func (m *Gateway) ConnectionOpened() {
	if m != nil {
		m.connections.Inc()
	}
}

func (m *Gateway) ConnectionClosed() {
	if m != nil {
		m.connections.Dec()
	}
}

// Store holds the store process collectors. A nil *Store records nothing.
type Store struct {
	inserts  *prometheus.CounterVec
	getStims *prometheus.CounterVec
}

// NewStore registers the store collectors on reg, labelled with backend.
func NewStore(reg prometheus.Registerer, backend string) *Store {
	f := promauto.With(prometheus.WrapRegistererWith(prometheus.Labels{"backend": backend}, reg))
	return &Store{
		inserts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "store_inserts_total",
			Help: "Documents inserted, by outcome.",
		}, []string{"outcome"}),
		getStims: f.NewCounterVec(prometheus.CounterOpts{
			Name: "store_getstims_total",
			Help: "Trial set requests, by outcome.",
		}, []string{"outcome"}),
	}
}

func (m *Store) Insert(ok bool) {
	if m != nil {
		m.inserts.WithLabelValues(outcome(ok)).Inc()
	}
}

func (m *Store) GetStims(ok bool) {
	if m != nil {
		m.getStims.WithLabelValues(outcome(ok)).Inc()
	}
}

// Handler exposes the collectors registered on reg.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

func outcome(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}
