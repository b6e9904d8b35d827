package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	OutcomeOK    = "ok"
	OutcomeError = "error"
)

// Metrics holds the engine host and controller collectors. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	Loads                 *prometheus.CounterVec
	TranscribeRequests    *prometheus.CounterVec
	TranscriptionDuration *prometheus.HistogramVec
	StaleResponses        prometheus.Counter
	ActiveConnections     prometheus.Gauge
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Loads: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voxstream_engine_loads_total",
			Help: "Engine loads by backend and outcome",
		}, []string{"backend", "outcome"}),
		TranscribeRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voxstream_transcribe_requests_total",
			Help: "Transcription requests by kind and outcome",
		}, []string{"kind", "outcome"}),
		TranscriptionDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "voxstream_transcription_duration_seconds",
			Help:    "Time spent in backend inference per request",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
		}, []string{"kind"}),
		StaleResponses: factory.NewCounter(prometheus.CounterOpts{
			Name: "voxstream_stale_responses_total",
			Help: "Responses dropped because they came from a replaced engine instance",
		}),
		ActiveConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "voxstream_engine_connections",
			Help: "Open remote engine host connections",
		}),
	}
}

func (m *Metrics) ObserveLoad(backend string, err error) {
	if m == nil {
		return
	}
	m.Loads.WithLabelValues(backend, outcome(err)).Inc()
}

func (m *Metrics) ObserveTranscription(kind string, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	m.TranscribeRequests.WithLabelValues(kind, outcome(err)).Inc()
	if err == nil {
		m.TranscriptionDuration.WithLabelValues(kind).Observe(elapsed.Seconds())
	}
}

func (m *Metrics) ObserveStale() {
	if m == nil {
		return
	}
	m.StaleResponses.Inc()
}

func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.ActiveConnections.Inc()
}

func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.ActiveConnections.Dec()
}

func outcome(err error) string {
	if err != nil {
		return OutcomeError
	}
	return OutcomeOK
}

// RegisterBuildInfo exposes the running build as a constant gauge.
func RegisterBuildInfo(reg prometheus.Registerer, version, commit, goVersion string) {
	promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
		Name: "voxstream_build_info",
		Help: "Build information for the running binary",
	}, []string{"version", "commit", "go_version"}).WithLabelValues(version, commit, goVersion).Set(1)
}
