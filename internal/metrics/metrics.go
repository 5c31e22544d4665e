// Package metrics exposes Prometheus collectors for the pipeline client and workflow.
package metrics

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	apiRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sceneflow_api_requests_total",
			Help: "Total number of remote API requests, labeled by endpoint and outcome.",
		},
		[]string{"endpoint", "outcome"},
	)

	apiRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sceneflow_api_request_duration_seconds",
			Help:    "Histogram of remote API request latencies, labeled by endpoint.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
		[]string{"endpoint"},
	)

	pipelinePollsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sceneflow_pipeline_polls_total",
			Help: "Total number of status polls issued, labeled by pipeline family.",
		},
		[]string{"family"},
	)

	pipelinesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sceneflow_pipelines_total",
			Help: "Total number of pipelines finished, labeled by family and final status.",
		},
		[]string{"family", "status"},
	)

	pipelineDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sceneflow_pipeline_duration_seconds",
			Help:    "Histogram of end-to-end pipeline durations, labeled by family.",
			Buckets: []float64{1, 10, 60, 300, 900, 1800, 3600, 7200},
		},
		[]string{"family"},
	)

	rateLimitDelaysSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sceneflow_rate_limit_delays_seconds",
			Help:    "Histogram of rate limit wait durations.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"host"},
	)

	workflowsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sceneflow_workflows_total",
			Help: "Total number of workflow runs, labeled by status.",
		},
		[]string{"status"},
	)
)

// SanitizeEndpoint reduces a URL to host and path so labels stay bounded.
// It returns "unknown" if the URL is invalid.
func SanitizeEndpoint(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname()) + strings.TrimSuffix(u.Path, "/")
}

// ObserveAPIRequest records one remote request and its latency.
func ObserveAPIRequest(endpoint, outcome string, duration time.Duration) {
	label := SanitizeEndpoint(endpoint)
	apiRequestsTotal.WithLabelValues(label, outcome).Inc()
	apiRequestDurationSeconds.WithLabelValues(label).Observe(duration.Seconds())
}

// ObservePoll increments the poll counter for a pipeline family.
func ObservePoll(family string) {
	pipelinePollsTotal.WithLabelValues(family).Inc()
}

// ObservePipeline records the terminal status and duration of a pipeline.
func ObservePipeline(family, status string, duration time.Duration) {
	pipelinesTotal.WithLabelValues(family, status).Inc()
	pipelineDurationSeconds.WithLabelValues(family).Observe(duration.Seconds())
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(host string, duration time.Duration) {
	rateLimitDelaysSeconds.WithLabelValues(host).Observe(duration.Seconds())
}

// ObserveWorkflow increments the workflow counter for the given status.
func ObserveWorkflow(status string) {
	workflowsTotal.WithLabelValues(status).Inc()
}

// WriteTextfile writes every registered collector to path in the text exposition format.
func WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, prometheus.DefaultGatherer); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}
