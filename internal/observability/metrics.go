package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	queueDepth   prometheus.Gauge
	enqueueTotal prometheus.Counter
	rejectTotal  prometheus.Counter
	dequeueTotal *prometheus.CounterVec
	taskDuration prometheus.Histogram

	activeSessions prometheus.Gauge
	sessionsClosed *prometheus.CounterVec

	turnTotal    *prometheus.CounterVec
	turnDuration *prometheus.HistogramVec

	providerCallTotal    *prometheus.CounterVec
	providerCallDuration *prometheus.HistogramVec

	videoJobsTotal *prometheus.CounterVec
	framesRejected *prometheus.CounterVec
	audioSwept     prometheus.Counter

	persistenceErrors *prometheus.CounterVec
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			queueDepth: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "tutorline_queue_depth",
					Help: "Inputs waiting or running across all session lanes.",
				},
			),
			enqueueTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "tutorline_enqueue_total",
					Help: "Total inputs accepted onto a session lane.",
				},
			),
			rejectTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "tutorline_enqueue_rejected_total",
					Help: "Total inputs rejected because the session lane was full.",
				},
			),
			dequeueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tutorline_dequeue_total",
					Help: "Total lane task completions by status.",
				},
				[]string{"status"},
			),
			taskDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "tutorline_task_duration_seconds",
					Help:    "Lane task execution duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			activeSessions: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "tutorline_active_sessions",
					Help: "Current open session count.",
				},
			),
			sessionsClosed: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tutorline_sessions_closed_total",
					Help: "Total closed sessions by reason.",
				},
				[]string{"reason"},
			),
			turnTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tutorline_turns_total",
					Help: "Total processed inputs by kind and outcome.",
				},
				[]string{"kind", "status"},
			),
			turnDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "tutorline_turn_duration_seconds",
					Help:    "Input processing duration in seconds by kind.",
					Buckets: []float64{0.25, 0.5, 1, 2, 4, 8, 15, 30, 60},
				},
				[]string{"kind"},
			),
			providerCallTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tutorline_provider_calls_total",
					Help: "Total provider calls by provider, operation and status.",
				},
				[]string{"provider", "op", "status"},
			),
			providerCallDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "tutorline_provider_call_duration_seconds",
					Help:    "Provider call duration in seconds by provider and operation.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"provider", "op"},
			),
			videoJobsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tutorline_video_jobs_total",
					Help: "Total video jobs by terminal status.",
				},
				[]string{"status"},
			),
			framesRejected: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tutorline_frames_rejected_total",
					Help: "Total inbound frames rejected by error code.",
				},
				[]string{"code"},
			),
			audioSwept: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "tutorline_audio_files_swept_total",
					Help: "Total stored audio files removed by the retention sweep.",
				},
			),
			persistenceErrors: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tutorline_persistence_errors_total",
					Help: "Total failed best-effort persistence writes by operation.",
				},
				[]string{"op"},
			),
		}

		prometheus.MustRegister(
			m.queueDepth,
			m.enqueueTotal,
			m.rejectTotal,
			m.dequeueTotal,
			m.taskDuration,
			m.activeSessions,
			m.sessionsClosed,
			m.turnTotal,
			m.turnDuration,
			m.providerCallTotal,
			m.providerCallDuration,
			m.videoJobsTotal,
			m.framesRejected,
			m.audioSwept,
			m.persistenceErrors,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func RecordQueueEnqueue(depth int) {
	m := getMetrics()
	m.enqueueTotal.Inc()
	m.queueDepth.Set(float64(depth))
}

func RecordQueueRejected() {
	getMetrics().rejectTotal.Inc()
}

func SetQueueDepth(depth int) {
	getMetrics().queueDepth.Set(float64(depth))
}

func RecordQueueCompletion(duration time.Duration, success bool, depth int) {
	m := getMetrics()
	m.dequeueTotal.WithLabelValues(statusLabel(success)).Inc()
	m.taskDuration.Observe(duration.Seconds())
	m.queueDepth.Set(float64(depth))
}

func SetActiveSessions(count int) {
	getMetrics().activeSessions.Set(float64(count))
}

func RecordSessionClosed(reason string) {
	getMetrics().sessionsClosed.WithLabelValues(reason).Inc()
}

func RecordTurn(kind, status string, duration time.Duration) {
	m := getMetrics()
	m.turnTotal.WithLabelValues(kind, status).Inc()
	m.turnDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

func RecordProviderCall(provider, op string, duration time.Duration, success bool) {
	m := getMetrics()
	m.providerCallTotal.WithLabelValues(provider, op, statusLabel(success)).Inc()
	m.providerCallDuration.WithLabelValues(provider, op).Observe(duration.Seconds())
}

func RecordVideoJob(status string) {
	getMetrics().videoJobsTotal.WithLabelValues(status).Inc()
}

func RecordFrameRejected(code string) {
	getMetrics().framesRejected.WithLabelValues(code).Inc()
}

func RecordAudioSwept(count int) {
	getMetrics().audioSwept.Add(float64(count))
}

func RecordPersistenceError(op string) {
	getMetrics().persistenceErrors.WithLabelValues(op).Inc()
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}
