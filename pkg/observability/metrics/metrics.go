package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	functionRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "portal_function_requests_total",
			Help: "Forwarding function invocations by response status.",
		},
		[]string{"function", "status"},
	)

	functionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "portal_function_duration_seconds",
			Help:    "Forwarding function latency including downstream calls.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"function"},
	)

	upstreamRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "portal_upstream_requests_total",
			Help: "Outbound calls to the document store, agent API and identity service.",
		},
		[]string{"target", "outcome"},
	)

	syncDocuments = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "portal_sync_documents_total",
			Help: "Documents processed by the bulk sync, by outcome.",
		},
		[]string{"collection", "outcome"},
	)

	workflowRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "portal_workflow_runs_total",
			Help: "Workflow runs relayed to the agent API, by outcome.",
		},
		[]string{"outcome"},
	)
)

func ObserveFunction(function string, status int, elapsed time.Duration) {
	functionRequests.WithLabelValues(function, strconv.Itoa(status)).Inc()
	functionDuration.WithLabelValues(function).Observe(elapsed.Seconds())
}

// ObserveUpstream records one outbound call. status is 0 on transport failure.
func ObserveUpstream(target string, status int, err error) {
	outcome := "ok"
	switch {
	case err != nil && status == 0:
		outcome = "transport_error"
	case status >= 500:
		outcome = "server_error"
	case status >= 400:
		outcome = "client_error"
	}
	upstreamRequests.WithLabelValues(target, outcome).Inc()
}

func ObserveSync(collection, outcome string, count int) {
	if count <= 0 {
		return
	}
	syncDocuments.WithLabelValues(collection, outcome).Add(float64(count))
}

func ObserveWorkflow(outcome string) {
	workflowRuns.WithLabelValues(outcome).Inc()
}

func Handler() http.Handler {
	return promhttp.Handler()
}
