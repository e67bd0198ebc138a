// ============================================================================
// Evaluation Server Metrics - Prometheus Monitoring
// ============================================================================
//
// Package: internal/metrics
// File: metrics.go
// Purpose: Collect and expose evaluation server metrics for Prometheus
//
// Monitoring Philosophy:
//   Based on RED (Rate, Errors, Duration) and USE (Utilization, Saturation,
//   Errors), scoped to the scheduling core: the queue, the worker pool and
//   the dispatch loop.
//
// Metric Categories:
//
//   1. Job Counters - cumulative, monotonically increasing:
//      - es_jobs_pushed_total{kind}: jobs pushed onto the queue, by kind
//      - es_dispatch_attempts_total: RPC dispatch attempts issued
//      - es_dispatch_failures_total: RPC dispatch attempts that failed
//      - es_jobs_reclaimed_total: jobs reclaimed by the timeout supervisor
//      - es_retry_budget_exhausted_total{kind}: submissions that gave up
//        after exceeding their compilation/evaluation tentative budget
//      - es_ranking_updates_total: contest ranking view recomputations
//
//   2. Status Metrics (Gauge) - instantaneous values:
//      - es_queue_length: current JobQueue length
//      - es_workers_inactive / es_workers_busy / es_workers_disabled:
//        worker pool state counts
//      - es_bomb_primed: 1 once the shutdown barrier has been armed
//
// Use Cases:
//
//   Alerting:
//   - es_dispatch_failures_total rate increase → worker fleet unhealthy
//   - es_queue_length sustained growth → insufficient worker capacity
//   - es_retry_budget_exhausted_total increase → judging correctness issue
//
//   Capacity Planning:
//   - es_workers_busy / (inactive+busy+disabled) → fleet utilization
//   - es_queue_length peaks → required worker count
//
// HTTP Endpoint:
//   Exposed via /metrics, scraped by Prometheus, OpenMetrics/text format.
//
// ============================================================================

package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector collects the evaluation server's Prometheus metrics.
type Collector struct {
	jobsPushed             *prometheus.CounterVec
	dispatchAttempts       prometheus.Counter
	dispatchFailures       prometheus.Counter
	jobsReclaimed          prometheus.Counter
	retryBudgetExhausted   *prometheus.CounterVec
	rankingUpdates         prometheus.Counter

	queueLength      prometheus.Gauge
	workersInactive  prometheus.Gauge
	workersBusy      prometheus.Gauge
	workersDisabled  prometheus.Gauge
	bombPrimed       prometheus.Gauge
}

// NewCollector creates and registers a new Collector.
func NewCollector() *Collector {
	c := &Collector{
		jobsPushed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "es_jobs_pushed_total",
			Help: "Total number of jobs pushed onto the queue, by kind",
		}, []string{"kind"}),
		dispatchAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "es_dispatch_attempts_total",
			Help: "Total number of RPC dispatch attempts issued to workers",
		}),
		dispatchFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "es_dispatch_failures_total",
			Help: "Total number of RPC dispatch attempts that failed",
		}),
		jobsReclaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "es_jobs_reclaimed_total",
			Help: "Total number of jobs reclaimed by the timeout supervisor",
		}),
		retryBudgetExhausted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "es_retry_budget_exhausted_total",
			Help: "Total number of submissions that exceeded their retry budget, by kind",
		}, []string{"kind"}),
		rankingUpdates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "es_ranking_updates_total",
			Help: "Total number of contest ranking view recomputations",
		}),
		queueLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "es_queue_length",
			Help: "Current number of entries in the JobQueue",
		}),
		workersInactive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "es_workers_inactive",
			Help: "Current number of INACTIVE workers",
		}),
		workersBusy: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "es_workers_busy",
			Help: "Current number of BUSY workers",
		}),
		workersDisabled: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "es_workers_disabled",
			Help: "Current number of DISABLED workers",
		}),
		bombPrimed: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "es_bomb_primed",
			Help: "1 once the shutdown barrier has been armed, 0 otherwise",
		}),
	}

	prometheus.MustRegister(
		c.jobsPushed,
		c.dispatchAttempts,
		c.dispatchFailures,
		c.jobsReclaimed,
		c.retryBudgetExhausted,
		c.rankingUpdates,
		c.queueLength,
		c.workersInactive,
		c.workersBusy,
		c.workersDisabled,
		c.bombPrimed,
	)

	return c
}

// RecordJobPushed records a job of the given kind being pushed onto the
// queue.
func (c *Collector) RecordJobPushed(kind string) {
	c.jobsPushed.WithLabelValues(kind).Inc()
}

// RecordDispatchAttempt records an outbound compile/evaluate RPC attempt.
func (c *Collector) RecordDispatchAttempt() {
	c.dispatchAttempts.Inc()
}

// RecordDispatchFailure records a failed outbound RPC attempt.
func (c *Collector) RecordDispatchFailure() {
	c.dispatchFailures.Inc()
}

// RecordReclaimed records the timeout supervisor reclaiming a job.
func (c *Collector) RecordReclaimed() {
	c.jobsReclaimed.Inc()
}

// RecordRetryBudgetExhausted records a submission giving up after
// exceeding its retry budget for the given kind ("compile" or "evaluate").
func (c *Collector) RecordRetryBudgetExhausted(kind string) {
	c.retryBudgetExhausted.WithLabelValues(kind).Inc()
}

// RecordRankingUpdate records a contest ranking view recomputation.
func (c *Collector) RecordRankingUpdate() {
	c.rankingUpdates.Inc()
}

// SetQueueLength sets the current queue length gauge.
func (c *Collector) SetQueueLength(n int) {
	c.queueLength.Set(float64(n))
}

// SetWorkerCounts sets the worker pool state gauges.
func (c *Collector) SetWorkerCounts(inactive, busy, disabled int) {
	c.workersInactive.Set(float64(inactive))
	c.workersBusy.Set(float64(busy))
	c.workersDisabled.Set(float64(disabled))
}

// SetBombPrimed records whether the shutdown barrier has been armed.
func (c *Collector) SetBombPrimed(primed bool) {
	if primed {
		c.bombPrimed.Set(1)
		return
	}
	c.bombPrimed.Set(0)
}

// StartServer starts the Prometheus /metrics HTTP server on port. Blocks
// until the server exits.
func StartServer(port int) error {
	http.Handle("/metrics", promhttp.Handler())
	addr := fmt.Sprintf(":%d", port)
	return http.ListenAndServe(addr, nil)
}
