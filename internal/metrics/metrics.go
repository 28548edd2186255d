// Package metrics exposes Prometheus collectors for the orchestrator.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	admissionsTotal            *prometheus.CounterVec
	dispatchTotal              *prometheus.CounterVec
	dispatchDurationSeconds    prometheus.Histogram
	ingestPagesTotal           *prometheus.CounterVec
	ingestBatchesTotal         *prometheus.CounterVec
	jobTransitionsTotal        *prometheus.CounterVec
	outboxEventsTotal          *prometheus.CounterVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)

		admissionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_admissions_total",
				Help: "Crawl requests by admission outcome.",
			},
			[]string{"outcome"},
		)

		dispatchTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_dispatch_total",
				Help: "Worker dispatch attempts by result.",
			},
			[]string{"result"},
		)

		dispatchDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "orchestrator_dispatch_duration_seconds",
				Help:    "Latency of the signed worker dispatch call.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
		)

		ingestPagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_ingest_pages_total",
				Help: "Pages received in worker batches, labeled accepted or duplicate.",
			},
			[]string{"result"},
		)

		ingestBatchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_ingest_batches_total",
				Help: "Worker batches by outcome.",
			},
			[]string{"outcome"},
		)

		jobTransitionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_job_transitions_total",
				Help: "Job state transitions, labeled by target status.",
			},
			[]string{"status"},
		)

		outboxEventsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_outbox_events_total",
				Help: "Outbox events by type and stage (enqueued, published, failed).",
			},
			[]string{"type", "stage"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveAdmission records one crawl request outcome.
func ObserveAdmission(outcome string) {
	Init()
	admissionsTotal.WithLabelValues(outcome).Inc()
}

// ObserveDispatch records a dispatch attempt and its latency.
func ObserveDispatch(result string, duration time.Duration) {
	Init()
	dispatchTotal.WithLabelValues(result).Inc()
	dispatchDurationSeconds.Observe(duration.Seconds())
}

// ObserveIngestPages adds accepted and duplicate page counts for one batch.
func ObserveIngestPages(accepted, duplicates int) {
	Init()
	if accepted > 0 {
		ingestPagesTotal.WithLabelValues("accepted").Add(float64(accepted))
	}
	if duplicates > 0 {
		ingestPagesTotal.WithLabelValues("duplicate").Add(float64(duplicates))
	}
}

// ObserveIngestBatch records a batch outcome such as "accepted" or "rejected".
func ObserveIngestBatch(outcome string) {
	Init()
	ingestBatchesTotal.WithLabelValues(outcome).Inc()
}

// ObserveTransition counts a job entering status.
func ObserveTransition(status string) {
	Init()
	jobTransitionsTotal.WithLabelValues(status).Inc()
}

// ObserveOutbox counts an outbox event at the given stage.
func ObserveOutbox(eventType, stage string) {
	Init()
	outboxEventsTotal.WithLabelValues(eventType, stage).Inc()
}
