// Package metrics exposes Prometheus collectors for the transport core.
//
// A nil *Metrics is valid and records nothing, so components can take one
// unconditionally.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kunal-geeks/bisqp2p/internal/pb"
)

const namespace = "bisq_p2p"

// Metrics groups the collectors registered for one node.
type Metrics struct {
	connectionsOpen prometheus.Gauge
	received        *prometheus.CounterVec
	sent            *prometheus.CounterVec
	bootstrapState  prometheus.Gauge
	knownPeers      prometheus.Gauge
	roundTrip       prometheus.Histogram
	broadcastFailed prometheus.Counter
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		connectionsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_open",
			Help:      "Number of open peer connections.",
		}),
		received: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Decoded payloads received, by payload kind.",
		}, []string{"kind"}),
		sent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Payloads written to the wire, by payload kind.",
		}, []string{"kind"}),
		bootstrapState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "bootstrap_state",
			Help:      "0 = pre-bootstrap, 1 = initial bootstrap in progress, 2 = bootstrapped.",
		}),
		knownPeers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "known_peers",
			Help:      "Entries in the peer-info table.",
		}),
		roundTrip: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ping_round_trip_seconds",
			Help:      "Keep-alive Ping/Pong round-trip time.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
		broadcastFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_failures_total",
			Help:      "Per-connection broadcast sends that failed.",
		}),
	}
	reg.MustRegister(m.connectionsOpen, m.received, m.sent, m.bootstrapState, m.knownPeers, m.roundTrip, m.broadcastFailed)
	return m
}

func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.connectionsOpen.Inc()
}

func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.connectionsOpen.Dec()
}

// kindLabel keeps the label set bounded: field numbers a peer makes up all
// share one series.
func kindLabel(k pb.Kind) string {
	if !k.Known() {
		return "unknown"
	}
	return k.String()
}

func (m *Metrics) MessageReceived(k pb.Kind) {
	if m == nil {
		return
	}
	m.received.WithLabelValues(kindLabel(k)).Inc()
}

func (m *Metrics) MessageSent(k pb.Kind) {
	if m == nil {
		return
	}
	m.sent.WithLabelValues(kindLabel(k)).Inc()
}

func (m *Metrics) SetBootstrapState(state int) {
	if m == nil {
		return
	}
	m.bootstrapState.Set(float64(state))
}

func (m *Metrics) SetKnownPeers(n int) {
	if m == nil {
		return
	}
	m.knownPeers.Set(float64(n))
}

func (m *Metrics) ObserveRoundTrip(d time.Duration) {
	if m == nil {
		return
	}
	m.roundTrip.Observe(d.Seconds())
}

func (m *Metrics) BroadcastFailed() {
	if m == nil {
		return
	}
	m.broadcastFailed.Inc()
}
