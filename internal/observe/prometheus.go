package observe

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusEmitter records ObservationEvents as counters and a latency
// histogram, labeled by route and upstream so operators can isolate a
// single failing backend without scraping per-request logs.
type PrometheusEmitter struct {
	requests    *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	rateLimited *prometheus.CounterVec
	bypassed    *prometheus.CounterVec
	circuitOpen *prometheus.CounterVec
	failedOpen  prometheus.Counter
}

// NewPrometheusEmitter registers its collectors against reg and returns
// the Emitter. Passing prometheus.NewRegistry() keeps gateway metrics
// isolated from the default global registry.
func NewPrometheusEmitter(reg prometheus.Registerer) *PrometheusEmitter {
	e := &PrometheusEmitter{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "proxy_requests_total",
			Help:      "Completed proxy attempts by route, upstream, and status code.",
		}, []string{"route", "upstream", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "gateway",
			Name:      "proxy_request_duration_seconds",
			Help:      "Upstream response latency per proxy attempt.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "upstream"}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "rate_limited_requests_total",
			Help:      "Requests rejected by the rate limiter, by route.",
		}, []string{"route"}),
		bypassed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "rate_limit_bypassed_requests_total",
			Help:      "Requests that skipped rate limiting via the bypass list, by route.",
		}, []string{"route"}),
		circuitOpen: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "circuit_open_requests_total",
			Help:      "Requests that found an open circuit breaker, by upstream.",
		}, []string{"upstream"}),
		failedOpen: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "coordination_failed_open_total",
			Help:      "Requests allowed through because shared-state coordination was unavailable.",
		}),
	}

	reg.MustRegister(e.requests, e.duration, e.rateLimited, e.bypassed, e.circuitOpen, e.failedOpen)
	return e
}

// Observe implements Emitter.
func (e *PrometheusEmitter) Observe(ev ObservationEvent) {
	if ev.RateLimited {
		e.rateLimited.WithLabelValues(ev.RouteID).Inc()
	}
	if ev.Bypassed {
		e.bypassed.WithLabelValues(ev.RouteID).Inc()
	}
	if ev.CircuitOpen {
		e.circuitOpen.WithLabelValues(ev.UpstreamAddr).Inc()
	}
	if ev.FailedOpen {
		e.failedOpen.Inc()
	}
	if ev.UpstreamAddr == "" || ev.HealthSkipped || ev.CircuitOpen {
		return
	}

	e.requests.WithLabelValues(ev.RouteID, ev.UpstreamAddr, strconv.Itoa(ev.StatusCode)).Inc()
	e.duration.WithLabelValues(ev.RouteID, ev.UpstreamAddr).Observe(ev.Duration.Seconds())
}
