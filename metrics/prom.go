package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sage_requests_total",
		Help: "HTTP requests served, by path and status code.",
	}, []string{"path", "code"})

	pointsEmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sage_points_emitted_total",
		Help: "Classified points returned, by class label.",
	}, []string{"label"})

	fetchFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sage_source_fetch_failures_total",
		Help: "Raster ids that could not be fetched after retries.",
	}, []string{"source"})

	requestSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sage_request_duration_seconds",
		Help:    "Request latency.",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	}, []string{"path"})
)

// FetchFailed counts an id of source that exhausted its attempts.
func FetchFailed(source string) {
	fetchFailures.WithLabelValues(source).Inc()
}

func observe(info *MetricsInfo) {
	path := info.URL.Path
	if len(path) == 0 {
		path = "unknown"
	}
	requestsTotal.WithLabelValues(path, strconv.Itoa(info.HTTPStatus)).Inc()
	requestSeconds.WithLabelValues(path).Observe(info.ReqDuration.Seconds())
	if info.Pipeline == nil {
		return
	}
	for label, n := range info.Pipeline.ClassCounts {
		pointsEmitted.WithLabelValues(label).Add(float64(n))
	}
}
