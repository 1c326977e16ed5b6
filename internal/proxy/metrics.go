package proxy

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the proxy's Prometheus collectors. A nil *Metrics records
// nothing.
type Metrics struct {
	accepted prometheus.Counter
	active   prometheus.Gauge
	requests *prometheus.CounterVec
	failures *prometheus.CounterVec
	duration prometheus.Histogram
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		accepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "connections_accepted_total",
			Help:      "Client connections accepted.",
		}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "relay",
			Name:      "connections_active",
			Help:      "Client connections currently being served.",
		}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "requests_total",
			Help:      "Parsed client requests by kind.",
		}, []string{"kind"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "connection_failures_total",
			Help:      "Connections that ended in error, by the state they failed in.",
		}, []string{"state"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "relay",
			Name:      "connection_duration_seconds",
			Help:      "Time from accept to close.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}),
	}

	for _, c := range []prometheus.Collector{m.accepted, m.active, m.requests, m.failures, m.duration} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}

	return m, nil
}

func (m *Metrics) connOpened() {
	if m == nil {
		return
	}
	m.accepted.Inc()
	m.active.Inc()
}

func (m *Metrics) request(req *Request) {
	if m == nil {
		return
	}
	kind := "http"
	if req.IsConnect() {
		kind = "connect"
	}
	m.requests.WithLabelValues(kind).Inc()
}

// connClosed records the outcome of a connection. Empty requests are not
// failures.
func (m *Metrics) connClosed(state connState, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.active.Dec()
	m.duration.Observe(elapsed.Seconds())
	if err != nil && !errors.Is(err, ErrEmptyRequest) {
		m.failures.WithLabelValues(state.String()).Inc()
	}
}
