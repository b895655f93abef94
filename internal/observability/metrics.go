package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequestsTotal  *prometheus.CounterVec
	httpLatencySeconds *prometheus.HistogramVec
	httpErrorsTotal    *prometheus.CounterVec

	jobTransitionsTotal  *prometheus.CounterVec
	jobsActive           prometheus.Gauge
	jobsEvictedTotal     prometheus.Counter
	jobsReconciledTotal  *prometheus.CounterVec
	callbacksTotal       *prometheus.CounterVec
	subscriptionsActive  *prometheus.GaugeVec
	eventsPublishedTotal *prometheus.CounterVec
	eventsDroppedTotal   prometheus.Counter

	gradingTransitionsTotal *prometheus.CounterVec
	gradingScoreSeconds     *prometheus.HistogramVec
)

// RegisterMetrics initialises the Prometheus collectors used by the API.
func RegisterMetrics() {
	registerOnce.Do(func() {
		httpRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gema_http_requests_total",
			Help: "Total number of API requests served.",
		}, []string{"method", "route", "status"})

		httpLatencySeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gema_http_latency_seconds",
			Help:    "Latency distribution for API requests.",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.0, 5.0},
		}, []string{"method", "route"})

		httpErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gema_http_errors_total",
			Help: "Total number of error responses returned by the API.",
		}, []string{"method", "route", "status"})

		jobTransitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gema_job_transitions_total",
			Help: "Recognition job status transitions by outcome.",
		}, []string{"status", "outcome"})

		jobsActive = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gema_jobs_active",
			Help: "Recognition jobs registered and not yet terminal on this node.",
		})

		jobsEvictedTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gema_jobs_evicted_total",
			Help: "Terminal recognition jobs removed after their retention window.",
		})

		jobsReconciledTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gema_jobs_reconciled_total",
			Help: "Recognition jobs settled by polling the engine instead of a callback.",
		}, []string{"outcome"})

		callbacksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gema_callbacks_total",
			Help: "Engine callbacks received by outcome.",
		}, []string{"outcome"})

		subscriptionsActive = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gema_subscriptions_active",
			Help: "Open job event subscriptions by transport.",
		}, []string{"transport"})

		eventsPublishedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gema_job_events_published_total",
			Help: "Job events fanned out to subscribers by kind.",
		}, []string{"kind"})

		eventsDroppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gema_job_events_dropped_total",
			Help: "Intermediate job events skipped because a subscriber buffer was full.",
		})

		gradingTransitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gema_grading_transitions_total",
			Help: "Exam grading lifecycle transitions.",
		}, []string{"from", "to"})

		gradingScoreSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gema_grading_score_seconds",
			Help:    "Time taken to score an answer by grading method.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"})

		prometheus.MustRegister(
			httpRequestsTotal, httpLatencySeconds, httpErrorsTotal,
			jobTransitionsTotal, jobsActive, jobsEvictedTotal, jobsReconciledTotal,
			callbacksTotal, subscriptionsActive, eventsPublishedTotal, eventsDroppedTotal,
			gradingTransitionsTotal, gradingScoreSeconds,
		)
	})
}

// HTTPRequests exposes the counter for API requests.
func HTTPRequests() *prometheus.CounterVec {
	RegisterMetrics()
	return httpRequestsTotal
}

// HTTPLatency exposes the latency histogram for API requests.
func HTTPLatency() *prometheus.HistogramVec {
	RegisterMetrics()
	return httpLatencySeconds
}

// HTTPErrors exposes the counter for API error responses.
func HTTPErrors() *prometheus.CounterVec {
	RegisterMetrics()
	return httpErrorsTotal
}

// JobTransitions counts job status transitions labelled by target status and outcome.
func JobTransitions() *prometheus.CounterVec {
	RegisterMetrics()
	return jobTransitionsTotal
}

func JobsActive() prometheus.Gauge {
	RegisterMetrics()
	return jobsActive
}

func JobsEvicted() prometheus.Counter {
	RegisterMetrics()
	return jobsEvictedTotal
}

func JobsReconciled() *prometheus.CounterVec {
	RegisterMetrics()
	return jobsReconciledTotal
}

// Callbacks counts engine callbacks by outcome (applied, noop, rejected, unknown).
func Callbacks() *prometheus.CounterVec {
	RegisterMetrics()
	return callbacksTotal
}

func SubscriptionsActive() *prometheus.GaugeVec {
	RegisterMetrics()
	return subscriptionsActive
}

func EventsPublished() *prometheus.CounterVec {
	RegisterMetrics()
	return eventsPublishedTotal
}

func EventsDropped() prometheus.Counter {
	RegisterMetrics()
	return eventsDroppedTotal
}

func GradingTransitions() *prometheus.CounterVec {
	RegisterMetrics()
	return gradingTransitionsTotal
}

func GradingScoreDuration() *prometheus.HistogramVec {
	RegisterMetrics()
	return gradingScoreSeconds
}
