package jobmetrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors for background jobs and the price
// lookup pipeline they drive.
type Metrics struct {
	runs     *prometheus.CounterVec
	failures *prometheus.CounterVec
	duration *prometheus.HistogramVec
	lookups  *prometheus.CounterVec
	cache    *prometheus.CounterVec
	alerts   *prometheus.CounterVec
	jobs     *prometheus.CounterVec
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// NewMetrics registers the job metrics against the provided registerer. When the
// registerer is nil the default Prometheus registerer is used.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		defaultOnce.Do(func() {
			defaultMetrics = buildMetrics(prometheus.DefaultRegisterer)
		})
		return defaultMetrics
	}
	return buildMetrics(registerer)
}

// Tracker provides lifecycle instrumentation helpers for a single task run.
type Tracker struct {
	metrics *Metrics
	task    string
	start   time.Time
}

// Track spawns a tracker for the given task type.
func (m *Metrics) Track(task string) *Tracker {
	return &Tracker{metrics: m, task: task, start: time.Now()}
}

// End records duration and success/failure counts, returning err untouched.
func (t *Tracker) End(err error) error {
	if t == nil || t.metrics == nil || t.task == "" {
		return err
	}
	status := "success"
	if err != nil {
		status = "failure"
		t.metrics.failures.WithLabelValues(t.task).Inc()
	}
	t.metrics.runs.WithLabelValues(t.task, status).Inc()
	t.metrics.duration.WithLabelValues(t.task).Observe(time.Since(t.start).Seconds())
	return err
}

// ObserveLookup counts one finished product lookup by outcome.
func (m *Metrics) ObserveLookup(outcome string) {
	if m == nil || outcome == "" {
		return
	}
	m.lookups.WithLabelValues(outcome).Inc()
}

// ObserveCache counts a cache read as hit, miss or stale.
func (m *Metrics) ObserveCache(result string) {
	if m == nil {
		return
	}
	m.cache.WithLabelValues(result).Inc()
}

// ObserveAlert counts an emitted operator alert by kind.
func (m *Metrics) ObserveAlert(kind string) {
	if m == nil {
		return
	}
	m.alerts.WithLabelValues(kind).Inc()
}

// ObserveJobFinished counts import jobs reaching a terminal state.
func (m *Metrics) ObserveJobFinished(state string) {
	if m == nil {
		return
	}
	m.jobs.WithLabelValues(state).Inc()
}

func buildMetrics(registerer prometheus.Registerer) *Metrics {
	runs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "marginscout_tasks_total",
		Help: "Total task executions partitioned by task type and status.",
	}, []string{"task", "status"})
	failures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "marginscout_task_failures_total",
		Help: "Total failures observed for background tasks.",
	}, []string{"task"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "marginscout_task_duration_seconds",
		Help:    "Duration in seconds of background task executions.",
		Buckets: prometheus.DefBuckets,
	}, []string{"task"})
	lookups := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "marginscout_lookups_total",
		Help: "Finished marketplace lookups grouped by outcome.",
	}, []string{"outcome"})
	cache := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "marginscout_cache_reads_total",
		Help: "Lookup cache reads grouped by result.",
	}, []string{"result"})
	alerts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "marginscout_alerts_total",
		Help: "Operator alerts emitted grouped by kind.",
	}, []string{"kind"})
	jobs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "marginscout_import_jobs_finished_total",
		Help: "Import jobs that reached a terminal state.",
	}, []string{"state"})
	registerer.MustRegister(runs, failures, duration, lookups, cache, alerts, jobs)
	return &Metrics{runs: runs, failures: failures, duration: duration, lookups: lookups, cache: cache, alerts: alerts, jobs: jobs}
}
