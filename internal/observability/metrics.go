package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Histogram bucket definitions.
var (
	httpDurationBuckets     = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	pipelineDurationBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60}
)

// Metrics holds all Prometheus metric instruments for the service.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Document lifecycle metrics
	DocumentsCreatedTotal    *prometheus.CounterVec
	SignaturesRecordedTotal  *prometheus.CounterVec
	DocumentTransitionsTotal *prometheus.CounterVec
	DocumentsExpiredTotal    prometheus.Counter

	// Token and OTP metrics
	TokenValidationsTotal *prometheus.CounterVec
	TokenRotationsTotal   *prometheus.CounterVec
	OTPVerificationsTotal *prometheus.CounterVec
	OTPLockoutsTotal      prometheus.Counter

	// Pipeline metrics
	PipelineRunsTotal     *prometheus.CounterVec
	PipelineDuration      prometheus.Histogram
	PipelineRetriesTotal  *prometheus.CounterVec
	LockAcquireFailsTotal prometheus.Counter

	// Webhook metrics
	WebhookDeliveriesTotal *prometheus.CounterVec
	WebhookQueueDepth      prometheus.Gauge
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "signet_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "signet_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),

		DocumentsCreatedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "signet_documents_created_total",
			Help: "Total number of documents created.",
		}, []string{"topology"}),
		SignaturesRecordedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "signet_signatures_recorded_total",
			Help: "Total number of signatures recorded.",
		}, []string{"topology"}),
		DocumentTransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "signet_document_transitions_total",
			Help: "Total number of document status transitions.",
		}, []string{"to_status"}),
		DocumentsExpiredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "signet_documents_expired_total",
			Help: "Total number of documents expired by the sweep.",
		}),

		TokenValidationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "signet_token_validations_total",
			Help: "Total number of token validations.",
		}, []string{"outcome"}),
		TokenRotationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "signet_token_rotations_total",
			Help: "Total number of token rotations.",
		}, []string{"reason"}),
		OTPVerificationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "signet_otp_verifications_total",
			Help: "Total number of OTP verification attempts.",
		}, []string{"outcome"}),
		OTPLockoutsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "signet_otp_lockouts_total",
			Help: "Total number of OTP lockouts triggered.",
		}),

		PipelineRunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "signet_pipeline_runs_total",
			Help: "Total number of finalization pipeline runs.",
		}, []string{"outcome"}),
		PipelineDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "signet_pipeline_duration_seconds",
			Help:    "Finalization pipeline duration in seconds.",
			Buckets: pipelineDurationBuckets,
		}),
		PipelineRetriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "signet_pipeline_retries_total",
			Help: "Total number of pipeline stage retries.",
		}, []string{"stage"}),
		LockAcquireFailsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "signet_lock_acquire_fails_total",
			Help: "Total number of failed document lock acquisitions.",
		}),

		WebhookDeliveriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "signet_webhook_deliveries_total",
			Help: "Total number of webhook delivery attempts.",
		}, []string{"outcome"}),
		WebhookQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "signet_webhook_queue_depth",
			Help: "Current depth of the webhook dispatch queue.",
		}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.DocumentsCreatedTotal,
		m.SignaturesRecordedTotal,
		m.DocumentTransitionsTotal,
		m.DocumentsExpiredTotal,
		m.TokenValidationsTotal,
		m.TokenRotationsTotal,
		m.OTPVerificationsTotal,
		m.OTPLockoutsTotal,
		m.PipelineRunsTotal,
		m.PipelineDuration,
		m.PipelineRetriesTotal,
		m.LockAcquireFailsTotal,
		m.WebhookDeliveriesTotal,
		m.WebhookQueueDepth,
	)

	return m
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// statusRecorder captures the response status code for metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// MetricsMiddleware records request counts and durations per route pattern.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		pattern := r.URL.Path
		m.HTTPRequestsTotal.WithLabelValues(r.Method, pattern, strconv.Itoa(rec.status)).Inc()
		m.HTTPRequestDuration.WithLabelValues(r.Method, pattern).Observe(time.Since(start).Seconds())
	})
}
