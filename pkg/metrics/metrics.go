package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the relay.
type Metrics struct {
	registry *prometheus.Registry

	SessionsActive  prometheus.Gauge
	SessionsTotal   *prometheus.CounterVec
	SessionDuration prometheus.Histogram

	AudioBytesTotal *prometheus.CounterVec
	FramesTotal     *prometheus.CounterVec

	StageLatency *prometheus.HistogramVec

	ErrorsTotal *prometheus.CounterVec

	PlaybackTasksTotal *prometheus.CounterVec
}

// New creates a Metrics instance with all collectors registered on a
// private registry.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "voicebridge"
	}

	registry := prometheus.NewRegistry()

	sessionsActive := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sessions_active",
		Help:      "Number of active relay sessions",
	})
	sessionsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sessions_total",
		Help:      "Total number of relay sessions",
	}, []string{"status"})
	sessionDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "session_duration_seconds",
		Help:      "Relay session duration in seconds",
		Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
	})
	audioBytesTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "audio_bytes_total",
		Help:      "Total audio bytes relayed",
	}, []string{"direction"})
	framesTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "frames_total",
		Help:      "Total frames relayed",
	}, []string{"direction", "kind"})
	stageLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "stage_latency_seconds",
		Help:      "Latency per instrumented stage",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	}, []string{"stage"})
	errorsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "errors_total",
		Help:      "Total relay errors by code",
	}, []string{"code"})
	playbackTasksTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "playback_tasks_total",
		Help:      "Total playback tasks by outcome",
	}, []string{"outcome"})

	registry.MustRegister(
		sessionsActive,
		sessionsTotal,
		sessionDuration,
		audioBytesTotal,
		framesTotal,
		stageLatency,
		errorsTotal,
		playbackTasksTotal,
	)

	return &Metrics{
		registry:           registry,
		SessionsActive:     sessionsActive,
		SessionsTotal:      sessionsTotal,
		SessionDuration:    sessionDuration,
		AudioBytesTotal:    audioBytesTotal,
		FramesTotal:        framesTotal,
		StageLatency:       stageLatency,
		ErrorsTotal:        errorsTotal,
		PlaybackTasksTotal: playbackTasksTotal,
	}
}

// Handler returns the HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveStage implements the latency sink consumed by the session tracker.
// A nil *Metrics is a valid no-op sink.
func (m *Metrics) ObserveStage(sessionID, stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.StageLatency.WithLabelValues(stage).Observe(d.Seconds())
}

// RecordSessionStart records a new relay session starting.
func (m *Metrics) RecordSessionStart() {
	if m == nil {
		return
	}
	m.SessionsActive.Inc()
}

// RecordSessionEnd records a relay session ending.
func (m *Metrics) RecordSessionEnd(status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.SessionsActive.Dec()
	m.SessionsTotal.WithLabelValues(status).Inc()
	m.SessionDuration.Observe(duration.Seconds())
}

// RecordAudio records relayed audio bytes in one direction.
func (m *Metrics) RecordAudio(direction string, bytes int) {
	if m == nil || bytes <= 0 {
		return
	}
	m.AudioBytesTotal.WithLabelValues(direction).Add(float64(bytes))
}

// RecordFrame records one relayed frame.
func (m *Metrics) RecordFrame(direction, kind string) {
	if m == nil {
		return
	}
	m.FramesTotal.WithLabelValues(direction, kind).Inc()
}

// RecordError records a relay error by code.
func (m *Metrics) RecordError(code string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(code).Inc()
}

// RecordPlaybackOutcome records a playback task finishing.
func (m *Metrics) RecordPlaybackOutcome(outcome string) {
	if m == nil {
		return
	}
	m.PlaybackTasksTotal.WithLabelValues(outcome).Inc()
}
