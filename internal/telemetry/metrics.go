package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sony/gobreaker"
)

// Metrics exposes the gateway's Prometheus instrumentation, keyed by provider
// and tenant. A private registry keeps tests isolated from process globals.
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal       *prometheus.CounterVec
	requestDuration     *prometheus.HistogramVec
	audioBytesTotal     *prometheus.CounterVec
	rateLimitRejections *prometheus.CounterVec
	providerErrors      *prometheus.CounterVec
	circuitState        *prometheus.GaugeVec
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "tts",
				Subsystem: "gateway",
				Name:      "requests_total",
				Help:      "Synthesis requests by provider, tenant and outcome",
			},
			[]string{"provider", "tenant", "outcome"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "tts",
				Subsystem: "gateway",
				Name:      "request_duration_seconds",
				Help:      "End-to-end synthesis latency",
				Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider"},
		),
		audioBytesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "tts",
				Subsystem: "gateway",
				Name:      "audio_bytes_total",
				Help:      "Audio bytes returned to callers",
			},
			[]string{"provider"},
		),
		rateLimitRejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "tts",
				Subsystem: "gateway",
				Name:      "rate_limit_rejections_total",
				Help:      "Admissions denied, by bucket scope",
			},
			[]string{"scope"},
		),
		providerErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "tts",
				Subsystem: "gateway",
				Name:      "provider_errors_total",
				Help:      "Adapter failures by provider and outcome kind",
			},
			[]string{"provider", "kind"},
		),
		circuitState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "tts",
				Subsystem: "gateway",
				Name:      "circuit_state",
				Help:      "Circuit state per provider (0=closed, 1=half-open, 2=open)",
			},
			[]string{"provider"},
		),
	}

	registry.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.audioBytesTotal,
		m.rateLimitRejections,
		m.providerErrors,
		m.circuitState,
	)
	return m
}

// Handler serves the registry for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) RecordRequest(provider, tenant, outcome string, duration time.Duration, audioBytes int) {
	m.requestsTotal.WithLabelValues(provider, tenant, outcome).Inc()
	if provider != "" {
		m.requestDuration.WithLabelValues(provider).Observe(duration.Seconds())
	}
	if audioBytes > 0 {
		m.audioBytesTotal.WithLabelValues(provider).Add(float64(audioBytes))
	}
}

func (m *Metrics) RecordRateLimited(scope string) {
	m.rateLimitRejections.WithLabelValues(scope).Inc()
}

func (m *Metrics) RecordProviderError(provider, kind string) {
	m.providerErrors.WithLabelValues(provider, kind).Inc()
}

// ObserveCircuits refreshes the circuit state gauges from a tracker snapshot.
func (m *Metrics) ObserveCircuits(states map[string]gobreaker.State) {
	for name, state := range states {
		var v float64
		switch state {
		case gobreaker.StateHalfOpen:
			v = 1
		case gobreaker.StateOpen:
			v = 2
		}
		m.circuitState.WithLabelValues(name).Set(v)
	}
}
