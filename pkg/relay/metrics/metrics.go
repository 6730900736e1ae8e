// Package metrics holds the relay's prometheus instruments.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Frame flow directions.
const (
	DirectionClientToUpstream = "client_to_upstream"
	DirectionUpstreamToClient = "upstream_to_client"
)

// Metrics bundles every instrument the relay records.
type Metrics struct {
	ActiveSessions    prometheus.Gauge
	SessionsStarted   prometheus.Counter
	SessionsEnded     *prometheus.CounterVec
	HandshakeFailures *prometheus.CounterVec
	FramesForwarded   *prometheus.CounterVec
	FramesDropped     *prometheus.CounterVec
	TurnsCompleted    prometheus.Counter
	Interrupts        prometheus.Counter
	UpstreamFaults    prometheus.Counter
	SessionDuration   prometheus.Histogram
}

// New registers the relay instruments with reg. A nil reg uses the default
// registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "voxwire",
			Name:      "active_sessions",
			Help:      "Number of live voice sessions.",
		}),
		SessionsStarted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "voxwire",
			Name:      "sessions_started_total",
			Help:      "Sessions that completed the handshake.",
		}),
		SessionsEnded: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "voxwire",
			Name:      "sessions_ended_total",
			Help:      "Sessions ended, by reason.",
		}, []string{"reason"}),
		HandshakeFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "voxwire",
			Name:      "handshake_failures_total",
			Help:      "Websocket handshakes rejected before a session started.",
		}, []string{"reason"}),
		FramesForwarded: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "voxwire",
			Name:      "frames_forwarded_total",
			Help:      "Audio frames forwarded, by direction.",
		}, []string{"direction"}),
		FramesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "voxwire",
			Name:      "frames_dropped_total",
			Help:      "Audio frames dropped, by direction and reason.",
		}, []string{"direction", "reason"}),
		TurnsCompleted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "voxwire",
			Name:      "turns_completed_total",
			Help:      "Assistant turns committed and archived.",
		}),
		Interrupts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "voxwire",
			Name:      "interrupts_total",
			Help:      "Barge-in interrupts applied to an active turn.",
		}),
		UpstreamFaults: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "voxwire",
			Name:      "upstream_faults_total",
			Help:      "Faults reported by the upstream provider.",
		}),
		SessionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "voxwire",
			Name:      "session_duration_seconds",
			Help:      "Session lifetime from handshake to close.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		}),
	}
}

func (m *Metrics) RecordSessionStart() {
	m.SessionsStarted.Inc()
	m.ActiveSessions.Inc()
}

func (m *Metrics) RecordSessionEnd(reason string, duration time.Duration) {
	m.ActiveSessions.Dec()
	m.SessionsEnded.WithLabelValues(reason).Inc()
	m.SessionDuration.Observe(duration.Seconds())
}

func (m *Metrics) RecordHandshakeFailure(reason string) {
	m.HandshakeFailures.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordFrameForwarded(direction string) {
	m.FramesForwarded.WithLabelValues(direction).Inc()
}

func (m *Metrics) RecordFrameDropped(direction, reason string) {
	m.FramesDropped.WithLabelValues(direction, reason).Inc()
}

func (m *Metrics) RecordTurnCompleted() {
	m.TurnsCompleted.Inc()
}

func (m *Metrics) RecordInterrupt() {
	m.Interrupts.Inc()
}

func (m *Metrics) RecordUpstreamFault() {
	m.UpstreamFaults.Inc()
}
