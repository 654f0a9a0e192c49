package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "attendance_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "attendance_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	// AttendanceMarks counts mark attempts by outcome: created, existing, updated, skipped, failed.
	AttendanceMarks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "attendance_marks_total",
			Help: "Attendance mark attempts by method and outcome",
		},
		[]string{"method", "outcome"},
	)

	CVEngineRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "attendance_cv_engine_requests_total",
			Help: "Calls to the external CV engine by operation and outcome",
		},
		[]string{"operation", "outcome"},
	)

	StreamSubscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "attendance_stream_subscribers",
			Help: "Open live attendance SSE connections",
		},
	)

	RateLimited = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "attendance_rate_limited_total",
			Help: "Requests rejected by the per-IP rate limiter",
		},
	)
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		AttendanceMarks,
		CVEngineRequests,
		StreamSubscribers,
		RateLimited,
	)
}
