package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "labcase_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "labcase_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path"},
	)

	// Intake metrics
	resultsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "labcase_results_ingested_total",
			Help: "Test results stored from lab payloads",
		},
		[]string{"lab", "source"},
	)

	resultsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "labcase_results_rejected_total",
			Help: "Lab items dropped because they failed validation",
		},
		[]string{"lab"},
	)

	pipelineOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "labcase_pipeline_outcomes_total",
			Help: "Terminal pipeline outcomes per test result",
		},
		[]string{"lab", "outcome"},
	)

	pipelineFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "labcase_pipeline_failures_total",
			Help: "Test results whose processing failed and will be retried",
		},
		[]string{"lab"},
	)

	casesCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "labcase_cases_created_total",
			Help: "Total number of cases opened",
		},
	)

	// Notification metrics
	notificationsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "labcase_notifications_sent_total",
			Help: "Case notifications delivered",
		},
		[]string{"kind"},
	)

	notificationFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "labcase_notification_failures_total",
			Help: "Case notifications that could not be rendered or delivered",
		},
		[]string{"reason"},
	)

	sweepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "labcase_sweep_duration_seconds",
			Help:    "Notification sweep duration in seconds",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
	)

	// Messaging metrics
	kafkaMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "labcase_kafka_messages_total",
			Help: "Kafka messages consumed",
		},
		[]string{"status"},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware records request counts and latency. Paths use the route
// template, so ids never become label values.
func Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			status := c.Response().Status
			if err != nil {
				if he, ok := err.(*echo.HTTPError); ok {
					status = he.Code
				} else if status < http.StatusBadRequest {
					status = http.StatusInternalServerError
				}
			}
			path := c.Path()
			if path == "" {
				path = "unmatched"
			}
			method := c.Request().Method
			httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
			httpRequestDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
			return err
		}
	}
}

// --- Business metric helpers ---

// RecordIngested counts n stored results from source (http, kafka, cli).
func RecordIngested(lab, source string, n int) {
	resultsIngested.WithLabelValues(lab, source).Add(float64(n))
}

func RecordRejected(lab string, n int) {
	resultsRejected.WithLabelValues(lab).Add(float64(n))
}

// RecordOutcome records a terminal pipeline outcome
func RecordOutcome(lab, outcome string) {
	pipelineOutcomes.WithLabelValues(lab, outcome).Inc()
}

func RecordPipelineFailure(lab string) {
	pipelineFailures.WithLabelValues(lab).Inc()
}

// RecordCaseCreated records a case creation
func RecordCaseCreated() {
	casesCreated.Inc()
}

// RecordNotificationSent records a delivered initial alert or reminder
func RecordNotificationSent(kind string) {
	notificationsSent.WithLabelValues(kind).Inc()
}

func RecordNotificationFailure(reason string) {
	notificationFailures.WithLabelValues(reason).Inc()
}

func ObserveSweep(d time.Duration) {
	sweepDuration.Observe(d.Seconds())
}

// RecordKafkaMessage records a consumed message by status (ok, failed, skipped,
// retried).
func RecordKafkaMessage(status string) {
	kafkaMessages.WithLabelValues(status).Inc()
}
