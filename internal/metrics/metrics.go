package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every imgdesc collector. It is separate from the global
// default registry so tests can gather it without process collectors.
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(DescribeTotal, StepDuration, FetchedBytes)
}

// DescribeTotal counts describe requests by backend and outcome
// (ok | fetch | decode | auth | endpoint | remote | input | rate_limited | unknown).
var DescribeTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "imgdesc_describe_total",
		Help: "Describe requests by backend and outcome.",
	},
	[]string{"backend", "outcome"},
)

// StepDuration times each pipeline step (fetch | reencode | describe).
var StepDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "imgdesc_step_duration_seconds",
		Help:    "Pipeline step duration in seconds.",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"step"},
)

var FetchedBytes = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "imgdesc_fetched_bytes",
		Help:    "Size of downloaded source images in bytes.",
		Buckets: prometheus.ExponentialBuckets(16*1024, 4, 8),
	},
)

// Handler serves Registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
