package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Ingestion metrics
	UsageReports = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hermes_usage_reports_total",
			Help: "Total number of usage reports by outcome",
		},
		[]string{"transport", "status"}, // status: accepted|rejected|failed
	)

	IngestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hermes_ingest_duration_seconds",
			Help:    "Usage report ingestion duration in seconds",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		},
		[]string{"transport"},
	)

	// Metered usage
	UsageTokens = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hermes_usage_tokens_total",
			Help: "Total tokens metered",
		},
		[]string{"model", "type"}, // type: input|output
	)

	UsageCost = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hermes_usage_cost_usd",
			Help: "Total metered cost in USD",
		},
		[]string{"model"},
	)

	// Read path
	SummaryRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hermes_summary_requests_total",
			Help: "Total summary reads by scope and cache outcome",
		},
		[]string{"scope", "cache"}, // scope: thread|session; cache: hit|miss|off
	)
)

func init() {
	prometheus.MustRegister(
		UsageReports,
		IngestDuration,
		UsageTokens,
		UsageCost,
		SummaryRequests,
	)
}

// Handler returns the HTTP handler for the /metrics endpoint
func Handler() http.Handler {
	return promhttp.Handler()
}

// Register adds extra collectors (e.g. the store collector) to the default
// registry.
func Register(collectors ...prometheus.Collector) {
	prometheus.MustRegister(collectors...)
}
