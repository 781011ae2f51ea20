package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "security_monitor"

// Registry holds every collector exposed on /metrics.
var Registry = newRegistry()

func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

var factory = promauto.With(Registry)

var (
	SecurityEventsTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "security_events_total",
		Help:      "Security events written to the security log",
	}, []string{"event", "level"})

	SinkDroppedTotal = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sink_events_dropped_total",
		Help:      "Events dropped because the sink queue was full",
	})

	CounterStoreErrorsTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "counter_store_errors_total",
		Help:      "Counter store failures swallowed by fail-open callers",
	}, []string{"operation"})

	AuthBandTransitionsTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "auth_band_transitions_total",
		Help:      "Edge transitions of authentication failure bands",
	}, []string{"scope", "band"})

	LoginThrottledTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "login_throttled_total",
		Help:      "Login attempts rejected by the adaptive limiter",
	}, []string{"band"})

	AlertsTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "alerts_total",
		Help:      "Notifier outcomes by priority",
	}, []string{"priority", "result"})

	AnalysisDuration = factory.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "analysis_duration_seconds",
		Help:      "Wall time of log analysis runs",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
	})

	AttackVectorsDetected = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "attack_vectors_detected_total",
		Help:      "Attack vectors reported by detection runs",
	}, []string{"type"})

	RiskScore = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "risk_score",
		Help:      "Risk score of the latest report",
	})

	HTTPRequestDuration = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency by route",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route", "status"})
)

// Handler serves the registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
