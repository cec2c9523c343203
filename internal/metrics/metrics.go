// Package metrics provides Prometheus metrics for portal.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "portal"
)

// Metrics contains all Prometheus metrics for a portal process.
type Metrics struct {
	// Hole punching
	PunchAttempts *prometheus.CounterVec
	PunchDuration prometheus.Histogram

	// Session metrics
	SessionsActive   prometheus.Gauge
	SessionsTotal    prometheus.Counter
	SessionEnds      *prometheus.CounterVec
	HandshakeLatency prometheus.Histogram

	// Control stream
	FramesSent     *prometheus.CounterVec
	FramesReceived *prometheus.CounterVec
	KeepalivesSent prometheus.Counter
	KeepaliveRTT   prometheus.Histogram

	// Tunnel metrics
	TunnelsActive   prometheus.Gauge
	TunnelsRejected *prometheus.CounterVec

	// Forwarded connections
	ConnectionsActive  prometheus.Gauge
	ConnectionsOpened  prometheus.Counter
	ConnectionFailures *prometheus.CounterVec
	OpenLatency        prometheus.Histogram
	BytesSent          prometheus.Counter
	BytesReceived      prometheus.Counter

	// SOCKS metrics
	SOCKSHandshakes *prometheus.CounterVec
	SOCKSFailures   *prometheus.CounterVec

	// Target dialing on the answering side
	ExitDials  prometheus.Counter
	ExitErrors *prometheus.CounterVec
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the default metrics instance.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a new Metrics instance with a custom registry.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	latencyBuckets := []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}

	return &Metrics{
		PunchAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "punch_attempts_total",
			Help:      "Hole punch attempts by result",
		}, []string{"result"}),
		PunchDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "punch_duration_seconds",
			Help:      "Time from receiving the peer code to a confirmed path",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2, 5, 10, 20, 30},
		}),

		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of sessions with a completed hello",
		}),
		SessionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total number of sessions established",
		}),
		SessionEnds: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_ends_total",
			Help:      "Sessions ended by reason",
		}, []string{"reason"}),
		HandshakeLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handshake_latency_seconds",
			Help:      "Hello exchange latency in seconds",
			Buckets:   latencyBuckets,
		}),

		FramesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_sent_total",
			Help:      "Control frames sent by type",
		}, []string{"frame_type"}),
		FramesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Control frames received by type",
		}, []string{"frame_type"}),
		KeepalivesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "keepalives_sent_total",
			Help:      "Total keepalives sent",
		}),
		KeepaliveRTT: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "keepalive_rtt_seconds",
			Help:      "Keepalive round-trip time in seconds",
			Buckets:   latencyBuckets,
		}),

		TunnelsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tunnels_active",
			Help:      "Number of accepted tunnels",
		}),
		TunnelsRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tunnels_rejected_total",
			Help:      "Tunnel requests rejected by reason",
		}, []string{"reason"}),

		ConnectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Number of open forwarded connections",
		}),
		ConnectionsOpened: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_opened_total",
			Help:      "Total forwarded connections opened",
		}),
		ConnectionFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connection_failures_total",
			Help:      "Forwarded connections that failed to open, by reason",
		}, []string{"reason"}),
		OpenLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "open_latency_seconds",
			Help:      "Time from DATA_OPEN to its acknowledgement",
			Buckets:   latencyBuckets,
		}),
		BytesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_sent_total",
			Help:      "Bytes sent to the peer over data streams",
		}),
		BytesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_received_total",
			Help:      "Bytes received from the peer over data streams",
		}),

		SOCKSHandshakes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "socks_handshakes_total",
			Help:      "Completed SOCKS handshakes by protocol version",
		}, []string{"version"}),
		SOCKSFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "socks_failures_total",
			Help:      "Failed SOCKS handshakes by reason",
		}, []string{"reason"}),

		ExitDials: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "exit_dials_total",
			Help:      "Target connections dialed for the peer",
		}),
		ExitErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "exit_errors_total",
			Help:      "Target dial failures by open-error code",
		}, []string{"code"}),
	}
}

// RecordPunch records the outcome of one hole punch attempt.
func (m *Metrics) RecordPunch(result string, durationSeconds float64) {
	m.PunchAttempts.WithLabelValues(result).Inc()
	if result == "established" {
		m.PunchDuration.Observe(durationSeconds)
	}
}

// RecordSessionUp records a completed hello.
func (m *Metrics) RecordSessionUp(latencySeconds float64) {
	m.SessionsActive.Inc()
	m.SessionsTotal.Inc()
	m.HandshakeLatency.Observe(latencySeconds)
}

// RecordSessionDown records the end of an established session.
func (m *Metrics) RecordSessionDown(reason string) {
	m.SessionsActive.Dec()
	m.SessionEnds.WithLabelValues(reason).Inc()
}

// RecordFrameSent records a control frame sent.
func (m *Metrics) RecordFrameSent(frameType string) {
	m.FramesSent.WithLabelValues(frameType).Inc()
}

// RecordFrameReceived records a control frame received.
func (m *Metrics) RecordFrameReceived(frameType string) {
	m.FramesReceived.WithLabelValues(frameType).Inc()
}

// RecordKeepaliveSent records a keepalive sent.
func (m *Metrics) RecordKeepaliveSent() {
	m.KeepalivesSent.Inc()
}

// RecordKeepaliveRTT records a keepalive round trip.
func (m *Metrics) RecordKeepaliveRTT(rttSeconds float64) {
	m.KeepaliveRTT.Observe(rttSeconds)
}

// RecordTunnelUp records an accepted tunnel.
func (m *Metrics) RecordTunnelUp() {
	m.TunnelsActive.Inc()
}

// RecordTunnelDown records a tunnel being torn down.
func (m *Metrics) RecordTunnelDown() {
	m.TunnelsActive.Dec()
}

// RecordTunnelRejected records a rejected tunnel request.
func (m *Metrics) RecordTunnelRejected(reason string) {
	m.TunnelsRejected.WithLabelValues(reason).Inc()
}

// RecordConnOpen records a forwarded connection that opened.
func (m *Metrics) RecordConnOpen(latencySeconds float64) {
	m.ConnectionsActive.Inc()
	m.ConnectionsOpened.Inc()
	m.OpenLatency.Observe(latencySeconds)
}

// RecordConnClose records a forwarded connection closing and its traffic.
func (m *Metrics) RecordConnClose(sent, received int64) {
	m.ConnectionsActive.Dec()
	m.BytesSent.Add(float64(sent))
	m.BytesReceived.Add(float64(received))
}

// RecordConnFailure records a forwarded connection that failed to open.
func (m *Metrics) RecordConnFailure(reason string) {
	m.ConnectionFailures.WithLabelValues(reason).Inc()
}

// RecordSOCKSHandshake records a completed SOCKS handshake.
func (m *Metrics) RecordSOCKSHandshake(version string) {
	m.SOCKSHandshakes.WithLabelValues(version).Inc()
}

// RecordSOCKSFailure records a failed SOCKS handshake.
func (m *Metrics) RecordSOCKSFailure(reason string) {
	m.SOCKSFailures.WithLabelValues(reason).Inc()
}

// RecordExitDial records a target dial for the peer.
func (m *Metrics) RecordExitDial() {
	m.ExitDials.Inc()
}

// RecordExitError records a failed target dial.
func (m *Metrics) RecordExitError(code string) {
	m.ExitErrors.WithLabelValues(code).Inc()
}
