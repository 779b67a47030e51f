// Package metrics holds the Prometheus collectors for the call server.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "callbridge"

// Metrics owns a private registry so tests and multiple servers never collide.
type Metrics struct {
	registry *prometheus.Registry

	callsStarted      prometheus.Counter
	callsEnded        *prometheus.CounterVec
	callsActive       prometheus.Gauge
	preflightDuration *prometheus.HistogramVec
	preflightFailures *prometheus.CounterVec
	controlClients    prometheus.Gauge
	mediaFrames       *prometheus.CounterVec
	transcripts       *prometheus.CounterVec
	ttsCharacters     prometheus.Counter
	mediaRejected     *prometheus.CounterVec
}

// New creates the collectors and registers them, plus Go runtime collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		callsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_started_total",
			Help:      "Calls accepted by the provider",
		}),
		callsEnded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_ended_total",
			Help:      "Calls that reached a terminal state, by end reason",
		}, []string{"reason"}),
		callsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "calls_active",
			Help:      "Calls currently in the session table",
		}),
		preflightDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "preflight_duration_seconds",
			Help:      "Duration of provider readiness checks",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"provider"}),
		preflightFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "preflight_failures_total",
			Help:      "Failed provider readiness checks",
		}, []string{"provider"}),
		controlClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "control_clients",
			Help:      "Connected control-plane websocket clients",
		}),
		mediaFrames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "media_frames_total",
			Help:      "Audio frames exchanged with the telephony media stream",
		}, []string{"direction"}), // inbound, outbound
		transcripts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcripts_total",
			Help:      "Transcript results received from speech-to-text",
		}, []string{"kind"}), // interim, final
		ttsCharacters: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tts_characters_total",
			Help:      "Characters sent to text-to-speech",
		}),
		mediaRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "media_connections_rejected_total",
			Help:      "Media-stream websockets closed before attaching, by close code",
		}, []string{"code"}),
	}

	m.registry.MustRegister(
		m.callsStarted, m.callsEnded, m.callsActive,
		m.preflightDuration, m.preflightFailures,
		m.controlClients, m.mediaFrames, m.transcripts,
		m.ttsCharacters, m.mediaRejected,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// The recording methods are no-ops on a nil *Metrics so callers can run without a registry.

func (m *Metrics) CallStarted() {
	if m != nil {
		m.callsStarted.Inc()
	}
}

func (m *Metrics) CallEnded(reason string) {
	if m != nil {
		m.callsEnded.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) SetActiveCalls(n int) {
	if m != nil {
		m.callsActive.Set(float64(n))
	}
}

// ObservePreflight records one provider check.
func (m *Metrics) ObservePreflight(provider string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.preflightDuration.WithLabelValues(provider).Observe(d.Seconds())
	if err != nil {
		m.preflightFailures.WithLabelValues(provider).Inc()
	}
}

func (m *Metrics) ControlClientConnected() {
	if m != nil {
		m.controlClients.Inc()
	}
}

func (m *Metrics) ControlClientDisconnected() {
	if m != nil {
		m.controlClients.Dec()
	}
}

func (m *Metrics) InboundFrame() {
	if m != nil {
		m.mediaFrames.WithLabelValues("inbound").Inc()
	}
}

func (m *Metrics) OutboundFrames(n int) {
	if m != nil {
		m.mediaFrames.WithLabelValues("outbound").Add(float64(n))
	}
}

func (m *Metrics) TTSCharacters(n int) {
	if m != nil {
		m.ttsCharacters.Add(float64(n))
	}
}

func (m *Metrics) MediaRejected(code int) {
	if m != nil {
		m.mediaRejected.WithLabelValues(strconv.Itoa(code)).Inc()
	}
}

// Transcript counts one speech-to-text result.
func (m *Metrics) Transcript(final bool) {
	if m == nil {
		return
	}
	kind := "interim"
	if final {
		kind = "final"
	}
	m.transcripts.WithLabelValues(kind).Inc()
}
