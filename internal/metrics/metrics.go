// Package metrics provides Prometheus instrumentation for onPace.
//
// Metrics exposed:
//   - onpace_checks_total: Counter of upstream quota checks by result
//   - onpace_check_duration_seconds: Histogram of upstream check latency
//   - onpace_quota_resets_total: Counter of detected quota refills
//   - onpace_quota_remaining: Gauge of premium requests left per user
//   - onpace_quota_limit: Gauge of the monthly entitlement per user
//   - onpace_check_runs_total: Counter of scheduled check runs by outcome
//   - onpace_http_requests_total: Counter of API requests by route and status
//
// Every method is safe to call on a nil *Metrics.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Check results.
const (
	ResultSuccess     = "success"
	ResultUnlimited   = "unlimited"
	ResultRateLimited = "rate_limited"
	ResultError       = "error"
)

// Metrics holds all Prometheus metrics for onPace.
type Metrics struct {
	registry *prometheus.Registry

	ChecksTotal       *prometheus.CounterVec
	CheckDuration     prometheus.Histogram
	QuotaResetsTotal  prometheus.Counter
	QuotaRemaining    *prometheus.GaugeVec
	QuotaLimit        *prometheus.GaugeVec
	CheckRunsTotal    *prometheus.CounterVec
	HTTPRequestsTotal *prometheus.CounterVec
}

// New creates all metrics on a private registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		ChecksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "onpace_checks_total",
			Help: "Total number of upstream quota checks by result",
		}, []string{"result"}),

		CheckDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "onpace_check_duration_seconds",
			Help:    "Time spent fetching one user's quota from GitHub",
			Buckets: prometheus.DefBuckets,
		}),

		QuotaResetsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "onpace_quota_resets_total",
			Help: "Number of quota refills detected between consecutive checks",
		}),

		QuotaRemaining: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "onpace_quota_remaining",
			Help: "Premium requests remaining in the current cycle",
		}, []string{"user"}),

		QuotaLimit: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "onpace_quota_limit",
			Help: "Premium request entitlement for the current cycle",
		}, []string{"user"}),

		CheckRunsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "onpace_check_runs_total",
			Help: "Scheduled check runs by outcome",
		}, []string{"outcome"}),

		HTTPRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "onpace_http_requests_total",
			Help: "API requests by route and status code",
		}, []string{"route", "code"}),
	}
}

// Registry returns the registry backing these metrics.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordCheck counts one upstream check and its latency.
func (m *Metrics) RecordCheck(result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.ChecksTotal.WithLabelValues(result).Inc()
	m.CheckDuration.Observe(elapsed.Seconds())
}

// RecordReset counts a detected quota refill.
func (m *Metrics) RecordReset() {
	if m == nil {
		return
	}
	m.QuotaResetsTotal.Inc()
}

// SetQuota publishes the latest quota figures for a user.
func (m *Metrics) SetQuota(user string, remaining, limit int) {
	if m == nil {
		return
	}
	m.QuotaRemaining.WithLabelValues(user).Set(float64(remaining))
	m.QuotaLimit.WithLabelValues(user).Set(float64(limit))
}

// RecordRun counts a completed scheduled check run.
func (m *Metrics) RecordRun(outcome string) {
	if m == nil {
		return
	}
	m.CheckRunsTotal.WithLabelValues(outcome).Inc()
}

// RecordRequest counts one API request.
func (m *Metrics) RecordRequest(route string, status int) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(route, strconv.Itoa(status)).Inc()
}
