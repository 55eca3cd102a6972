package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the engine's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	submitsTotal     *prometheus.CounterVec
	submitDuration   *prometheus.HistogramVec
	versionConflicts prometheus.Counter
	clampsTotal      prometheus.Counter
	unlocksTotal     prometheus.Counter
	rejectionsTotal  *prometheus.CounterVec
	cacheLookups     *prometheus.CounterVec
	sweepTrimmed     prometheus.Counter
	httpRequests     *prometheus.CounterVec
	httpDuration     *prometheus.HistogramVec
	jobRuns          *prometheus.CounterVec
	jobDuration      *prometheus.HistogramVec
}

// NewMetrics registers all collectors on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		submitsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "progression_submits_total",
			Help: "Progress submissions by outcome",
		}, []string{"outcome"}),

		submitDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "progression_submit_duration_seconds",
			Help:    "Duration of progress submissions",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"outcome"}),

		versionConflicts: f.NewCounter(prometheus.CounterOpts{
			Name: "progression_version_conflicts_total",
			Help: "Compare-and-swap attempts lost to a concurrent writer",
		}),

		clampsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "progression_anticheat_clamps_total",
			Help: "Watch-time deltas clamped by the anti-cheat validator",
		}),

		unlocksTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "progression_unlocks_total",
			Help: "Nodes newly unlocked by committed progress",
		}),

		rejectionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "progression_rejections_total",
			Help: "Rejected progress events by kind",
		}, []string{"kind"}),

		cacheLookups: f.NewCounterVec(prometheus.CounterOpts{
			Name: "progression_unlock_cache_lookups_total",
			Help: "Unlock cache lookups by result",
		}, []string{"result"}),

		sweepTrimmed: f.NewCounter(prometheus.CounterOpts{
			Name: "progression_idempotency_keys_trimmed_total",
			Help: "Idempotency entries removed by the retention sweep",
		}),

		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "progression_http_requests_total",
			Help: "HTTP requests by route and status",
		}, []string{"method", "route", "status"}),

		httpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "progression_http_request_duration_seconds",
			Help:    "HTTP request latency by route",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),

		jobRuns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "progression_scheduler_job_runs_total",
			Help: "Scheduled job runs by job and result",
		}, []string{"job", "result"}),

		jobDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "progression_scheduler_job_duration_seconds",
			Help:    "Duration of scheduled job runs",
			Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 15, 60, 300},
		}, []string{"job"}),
	}
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// SubmitFinished records one submission with its outcome label.
func (m *Metrics) SubmitFinished(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.submitsTotal.WithLabelValues(outcome).Inc()
	m.submitDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// VersionConflict counts a lost compare-and-swap.
func (m *Metrics) VersionConflict() {
	if m == nil {
		return
	}
	m.versionConflicts.Inc()
}

// Clamped counts an anti-cheat clamp.
func (m *Metrics) Clamped() {
	if m == nil {
		return
	}
	m.clampsTotal.Inc()
}

// Unlocked counts newly unlocked nodes.
func (m *Metrics) Unlocked(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.unlocksTotal.Add(float64(n))
}

// Rejected counts a rejected event.
func (m *Metrics) Rejected(kind string) {
	if m == nil {
		return
	}
	m.rejectionsTotal.WithLabelValues(kind).Inc()
}

// CacheLookup counts an unlock cache lookup ("hit" or "miss").
func (m *Metrics) CacheLookup(result string) {
	if m == nil {
		return
	}
	m.cacheLookups.WithLabelValues(result).Inc()
}

// SweepTrimmed counts idempotency entries removed by the sweep.
func (m *Metrics) SweepTrimmed(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.sweepTrimmed.Add(float64(n))
}

// HTTPRequest records a served request.
func (m *Metrics) HTTPRequest(method, route, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, status).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

// JobFinished records one scheduled job run.
func (m *Metrics) JobFinished(job string, success bool, d time.Duration) {
	if m == nil {
		return
	}
	result := "success"
	if !success {
		result = "failure"
	}
	m.jobRuns.WithLabelValues(job, result).Inc()
	m.jobDuration.WithLabelValues(job).Observe(d.Seconds())
}
