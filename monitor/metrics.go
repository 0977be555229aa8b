package monitor

import (
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "submission_api"

var (
	registerOnce sync.Once

	submissionsCreated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "submissions",
			Name:      "created_total",
			Help:      "Submissions accepted for processing.",
		},
	)
	submissionsFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "submissions",
			Name:      "finished_total",
			Help:      "Submissions which reached a terminal status.",
		},
		[]string{"status", "outcome"},
	)
	submissionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "submissions",
			Name:      "processing_duration_seconds",
			Help:      "Time between dispatching a submission and its terminal status.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		},
		[]string{"status"},
	)
	supervisorsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "supervisors",
			Name:      "active",
			Help:      "Submission supervisors currently running.",
		},
	)
	progressSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "progress",
			Name:      "sessions_active",
			Help:      "Open progress streaming sessions.",
		},
	)
	progressMessages = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "progress",
			Name:      "messages_total",
			Help:      "Progress messages sent to streaming clients.",
		},
	)
	sweptSubmissions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sweeper",
			Name:      "failed_total",
			Help:      "Orphaned submissions marked as failed by the sweeper.",
		},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			submissionsCreated,
			submissionsFinished,
			submissionDuration,
			supervisorsActive,
			progressSessions,
			progressMessages,
			sweptSubmissions,
		)
	})
}

func RecordSubmissionCreated() {
	RegisterMetrics()
	submissionsCreated.Inc()
}

func RecordSubmissionFinished(status, outcome string, duration time.Duration) {
	RegisterMetrics()
	submissionsFinished.WithLabelValues(status, outcome).Inc()
	submissionDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// SupervisorStarted returns a function to be called when the supervisor ends.
func SupervisorStarted() func() {
	RegisterMetrics()
	supervisorsActive.Inc()
	return supervisorsActive.Dec
}

// ProgressSessionOpened returns a function to be called when the session is closed.
func ProgressSessionOpened() func() {
	RegisterMetrics()
	progressSessions.Inc()
	return progressSessions.Dec
}

func RecordProgressMessage() {
	RegisterMetrics()
	progressMessages.Inc()
}

func RecordSweptSubmissions(n int) {
	RegisterMetrics()
	sweptSubmissions.Add(float64(n))
}

func RegisterMetricsRoute(router *gin.Engine) {
	RegisterMetrics()
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
}
