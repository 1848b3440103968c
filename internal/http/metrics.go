package httpx

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	metricsNamespace = "helion"
	metricsSubsystem = "deployer"
)

var histogramBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10}

// Metrics holds the deployer collectors. A nil *Metrics records nothing.
type Metrics struct {
	registerer prometheus.Registerer
	gatherer   prometheus.Gatherer

	requestTotal    *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	triggerResults  *prometheus.CounterVec
	deployResults   *prometheus.CounterVec
	rateLimitHits   *prometheus.CounterVec
}

// NewMetrics registers the collectors with reg. A nil reg uses the default
// prometheus registry.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		registerer: prometheus.DefaultRegisterer,
		gatherer:   prometheus.DefaultGatherer,
	}
	if reg != nil {
		m.registerer = reg
		m.gatherer = reg
	}

	m.requestTotal = registerCounterVec(m.registerer, prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: metricsSubsystem,
		Name:      "http_requests_total",
		Help:      "Count of processed HTTP requests",
	}, "method", "route", "status")

	m.requestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: metricsNamespace,
		Subsystem: metricsSubsystem,
		Name:      "http_request_duration_seconds",
		Help:      "Latency distribution of HTTP handlers",
		Buckets:   histogramBuckets,
	}, []string{"method", "route", "status"})
	if err := m.registerer.Register(m.requestDuration); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(*prometheus.HistogramVec); ok {
				m.requestDuration = existing
			}
		}
	}

	m.triggerResults = registerCounterVec(m.registerer, prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: metricsSubsystem,
		Name:      "trigger_results_total",
		Help:      "Outcomes of deployment trigger requests",
	}, "outcome")

	m.deployResults = registerCounterVec(m.registerer, prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: metricsSubsystem,
		Name:      "deploy_results_total",
		Help:      "Finished deployments by outcome",
	}, "outcome")

	m.rateLimitHits = registerCounterVec(m.registerer, prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: metricsSubsystem,
		Name:      "rate_limit_hits_total",
		Help:      "Number of rate-limited responses",
	}, "route", "key")
	return m
}

func registerCounterVec(reg prometheus.Registerer, opts prometheus.CounterOpts, labels ...string) *prometheus.CounterVec {
	vec := prometheus.NewCounterVec(opts, labels)
	if err := reg.Register(vec); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing
			}
		}
	}
	return vec
}

// WatchQueue exposes the number of queued deployments as a gauge.
func (m *Metrics) WatchQueue(pending func() int) {
	if m == nil || pending == nil {
		return
	}
	gauge := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Subsystem: metricsSubsystem,
		Name:      "queued_deployments",
		Help:      "Deployments waiting for a worker",
	}, func() float64 { return float64(pending()) })
	_ = m.registerer.Register(gauge)
}

// ObserveDeployment counts a finished deployment.
func (m *Metrics) ObserveDeployment(outcome string) {
	if m == nil {
		return
	}
	m.deployResults.With(prometheus.Labels{"outcome": outcome}).Inc()
}

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) recordRequest(method, route string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	labels := prometheus.Labels{
		"method": method,
		"route":  route,
		"status": strconv.Itoa(status),
	}
	m.requestTotal.With(labels).Inc()
	m.requestDuration.With(labels).Observe(duration.Seconds())
}

func (m *Metrics) recordTrigger(outcome string) {
	if m == nil {
		return
	}
	m.triggerResults.With(prometheus.Labels{"outcome": outcome}).Inc()
}

func (m *Metrics) recordRateLimitHit(route, key string) {
	if m == nil {
		return
	}
	m.rateLimitHits.With(prometheus.Labels{"route": route, "key": key}).Inc()
}
