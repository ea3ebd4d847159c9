// Package metrics holds the Prometheus collectors of the voice coordinator.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains every collector. It satisfies the recorder interfaces of
// convstate, ambient and ack.
type Metrics struct {
	// State machine
	Transitions *prometheus.CounterVec
	Rejections  prometheus.Counter
	Timeouts    *prometheus.CounterVec

	// Session
	FramesSent        prometheus.Counter
	FramesDropped     prometheus.Counter
	ReconnectAttempts prometheus.Counter
	ProtocolErrors    prometheus.Counter
	BargeIns          prometheus.Counter

	// Ambient memory
	AmbientChunks    prometheus.Counter
	AmbientSummaries *prometheus.CounterVec

	AckLatency prometheus.Histogram

	HTTPRequests *prometheus.CounterVec
}

// New registers all collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Transitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "voice_state_transitions_total",
			Help: "Accepted conversation state transitions",
		}, []string{"from", "to"}),
		Rejections: f.NewCounter(prometheus.CounterOpts{
			Name: "voice_state_rejections_total",
			Help: "Transition requests rejected by the state table",
		}),
		Timeouts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "voice_state_timeouts_total",
			Help: "States that exceeded their time budget",
		}, []string{"state"}),

		FramesSent: f.NewCounter(prometheus.CounterOpts{
			Name: "voice_frames_sent_total",
			Help: "Audio frames queued for the backend",
		}),
		FramesDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "voice_frames_dropped_total",
			Help: "Audio frames dropped because the send queue was full or closed",
		}),
		ReconnectAttempts: f.NewCounter(prometheus.CounterOpts{
			Name: "voice_reconnect_attempts_total",
			Help: "Reconnection attempts to the voice endpoint",
		}),
		ProtocolErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "voice_protocol_errors_total",
			Help: "Inbound messages dropped as malformed or unknown",
		}),
		BargeIns: f.NewCounter(prometheus.CounterOpts{
			Name: "voice_barge_ins_total",
			Help: "Playbacks interrupted by user speech",
		}),

		AmbientChunks: f.NewCounter(prometheus.CounterOpts{
			Name: "ambient_chunks_total",
			Help: "Final transcripts added to the ambient buffer",
		}),
		AmbientSummaries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ambient_summaries_total",
			Help: "Ambient summary submissions by result",
		}, []string{"result"}),

		AckLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "ack_latency_seconds",
			Help:    "Time from recognized intent to audible acknowledgment",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~2.5s
		}),

		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "voice_http_requests_total",
			Help: "Operator API requests",
		}, []string{"method", "route", "status_code"}),
	}
}

func (m *Metrics) ObserveTransition(from, to string) { m.Transitions.WithLabelValues(from, to).Inc() }
func (m *Metrics) ObserveRejection(string, string)   { m.Rejections.Inc() }
func (m *Metrics) ObserveTimeout(state string)       { m.Timeouts.WithLabelValues(state).Inc() }

func (m *Metrics) ObserveChunk()                { m.AmbientChunks.Inc() }
func (m *Metrics) ObserveSummary(result string) { m.AmbientSummaries.WithLabelValues(result).Inc() }

func (m *Metrics) ObserveAckLatency(d time.Duration) { m.AckLatency.Observe(d.Seconds()) }

// RecordFrame counts one outbound frame as sent or dropped.
func (m *Metrics) RecordFrame(sent bool) {
	if sent {
		m.FramesSent.Inc()
		return
	}
	m.FramesDropped.Inc()
}

func (m *Metrics) RecordReconnectAttempt() { m.ReconnectAttempts.Inc() }
func (m *Metrics) RecordProtocolError()    { m.ProtocolErrors.Inc() }
func (m *Metrics) RecordBargeIn()          { m.BargeIns.Inc() }
