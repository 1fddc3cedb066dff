// Package metrics provides Prometheus metrics for the voice bridge.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "voicebridge"

// Metrics holds all collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	CallsAccepted  prometheus.Counter
	StreamsTotal   prometheus.Counter
	StreamsActive  prometheus.Gauge
	StreamDuration prometheus.Histogram

	InboundFrames  *prometheus.CounterVec
	UpstreamEvents *prometheus.CounterVec
	AudioChunks    prometheus.Counter
	Interruptions  *prometheus.CounterVec

	ToolCalls     *prometheus.CounterVec
	Notifications *prometheus.CounterVec
	Errors        *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// New registers every collector on reg. Pass a fresh prometheus.NewRegistry()
// in tests to avoid duplicate registration.
func New(reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		gatherer: reg,
		CallsAccepted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_accepted_total",
			Help:      "Inbound calls answered with stream instructions",
		}),
		StreamsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "streams_total",
			Help:      "Media streams relayed",
		}),
		StreamsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "streams_active",
			Help:      "Media streams currently relayed",
		}),
		StreamDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stream_duration_seconds",
			Help:      "Duration of relayed media streams",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}),
		InboundFrames: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_frames_total",
			Help:      "Telephony frames received by kind",
		}, []string{"kind"}),
		UpstreamEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_events_total",
			Help:      "Realtime backend events received by type",
		}, []string{"type"}),
		AudioChunks: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_chunks_relayed_total",
			Help:      "Assistant audio chunks relayed to callers",
		}),
		Interruptions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "interruptions_total",
			Help:      "Caller barge-ins by outcome",
		}, []string{"outcome"}),
		ToolCalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Tool invocations by tool and status",
		}, []string{"tool", "status"}),
		Notifications: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Call-ended notifications by status",
		}, []string{"status"}),
		Errors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_errors_total",
			Help:      "Per-event relay errors by reason code",
		}, []string{"reason"}),
	}
}

// Handler serves the registry this Metrics was built on.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) CallAccepted() {
	if m == nil {
		return
	}
	m.CallsAccepted.Inc()
}

// StreamStarted returns a func to call when the stream ends.
func (m *Metrics) StreamStarted() func() {
	if m == nil {
		return func() {}
	}
	start := time.Now()
	m.StreamsTotal.Inc()
	m.StreamsActive.Inc()
	return func() {
		m.StreamsActive.Dec()
		m.StreamDuration.Observe(time.Since(start).Seconds())
	}
}

func (m *Metrics) InboundFrame(kind string) {
	if m == nil {
		return
	}
	if kind == "" {
		kind = "unknown"
	}
	m.InboundFrames.WithLabelValues(kind).Inc()
}

// upstreamEventTypes bounds the type label; anything else is counted as
// "unknown" since event types arrive from the backend unvalidated.
var upstreamEventTypes = map[string]struct{}{
	"error":                             {},
	"session.created":                   {},
	"session.updated":                   {},
	"rate_limits.updated":               {},
	"input_audio_buffer.committed":      {},
	"input_audio_buffer.speech_started": {},
	"input_audio_buffer.speech_stopped": {},
	"conversation.item.created":         {},
	"conversation.item.input_audio_transcription.completed": {},
	"response.created":                       {},
	"response.audio.delta":                   {},
	"response.audio.done":                    {},
	"response.audio_transcript.delta":        {},
	"response.audio_transcript.done":         {},
	"response.content.done":                  {},
	"response.function_call_arguments.delta": {},
	"response.function_call_arguments.done":  {},
	"response.output_item.added":             {},
	"response.output_item.done":              {},
	"response.done":                          {},
}

func (m *Metrics) UpstreamEvent(eventType string) {
	if m == nil {
		return
	}
	if _, ok := upstreamEventTypes[eventType]; !ok {
		eventType = "unknown"
	}
	m.UpstreamEvents.WithLabelValues(eventType).Inc()
}

func (m *Metrics) AudioChunk() {
	if m == nil {
		return
	}
	m.AudioChunks.Inc()
}

func (m *Metrics) Interruption(truncated bool) {
	if m == nil {
		return
	}
	outcome := "reset"
	if truncated {
		outcome = "truncated"
	}
	m.Interruptions.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ToolCall(tool, status string) {
	if m == nil {
		return
	}
	m.ToolCalls.WithLabelValues(tool, status).Inc()
}

func (m *Metrics) Notification(err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.Notifications.WithLabelValues(status).Inc()
}

func (m *Metrics) Error(reason string) {
	if m == nil {
		return
	}
	m.Errors.WithLabelValues(reason).Inc()
}
