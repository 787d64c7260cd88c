package observability

import (
	"database/sql"
	"net/http"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/platinummonkey/recur/pkg/billing"
)

// Metrics holds all Prometheus metrics. It implements billing.MetricsRecorder.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Billing metrics
	InvoicesGeneratedTotal *prometheus.CounterVec
	InvoicedCentsTotal     *prometheus.CounterVec
	PaymentAttemptsTotal   *prometheus.CounterVec
	TransitionsTotal       *prometheus.CounterVec
	NotificationsTotal     *prometheus.CounterVec
	StageDuration          *prometheus.HistogramVec
	StageItemsTotal        *prometheus.CounterVec
	WebhooksTotal          *prometheus.CounterVec

	// Database metrics
	DBConnectionsActive       prometheus.Gauge
	DBConnectionsIdle         prometheus.Gauge
	DBConnectionsWaitCount    prometheus.Gauge
	DBConnectionsWaitDuration prometheus.Gauge

	// Redis metrics
	RedisConnectionsTotal prometheus.Gauge
	RedisConnectionsIdle  prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		// HTTP metrics
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "recur_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "recur_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),

		// Billing metrics
		InvoicesGeneratedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "recur_invoices_generated_total",
				Help: "Total number of invoices generated",
			},
			[]string{"tier"},
		),
		InvoicedCentsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "recur_invoiced_cents_total",
				Help: "Total amount invoiced in cents",
			},
			[]string{"tier"},
		),
		PaymentAttemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "recur_payment_attempts_total",
				Help: "Total number of payment attempts",
			},
			[]string{"outcome", "reason"},
		),
		TransitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "recur_subscription_transitions_total",
				Help: "Total number of subscription status transitions",
			},
			[]string{"from", "to"},
		),
		NotificationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "recur_notifications_total",
				Help: "Total number of dunning notifications",
			},
			[]string{"template", "status"},
		),
		StageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "recur_stage_duration_seconds",
				Help:    "Billing run stage duration in seconds",
				Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
			},
			[]string{"stage"},
		),
		StageItemsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "recur_stage_items_total",
				Help: "Total number of items handled by billing run stages",
			},
			[]string{"stage", "result"},
		),
		WebhooksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "recur_webhooks_total",
				Help: "Total number of gateway webhooks received",
			},
			[]string{"type", "status"},
		),

		// Database metrics
		DBConnectionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "recur_db_connections_active",
				Help: "Number of active database connections",
			},
		),
		DBConnectionsIdle: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "recur_db_connections_idle",
				Help: "Number of idle database connections",
			},
		),
		DBConnectionsWaitCount: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "recur_db_connections_wait_count",
				Help: "Total number of connections waited for",
			},
		),
		DBConnectionsWaitDuration: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "recur_db_connections_wait_duration_seconds",
				Help: "Total time blocked waiting for connections",
			},
		),

		// Redis metrics
		RedisConnectionsTotal: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "recur_redis_connections_total",
				Help: "Number of connections in the redis pool",
			},
		),
		RedisConnectionsIdle: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "recur_redis_connections_idle",
				Help: "Number of idle connections in the redis pool",
			},
		),
	}

	// Register all metrics
	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.InvoicesGeneratedTotal,
		m.InvoicedCentsTotal,
		m.PaymentAttemptsTotal,
		m.TransitionsTotal,
		m.NotificationsTotal,
		m.StageDuration,
		m.StageItemsTotal,
		m.WebhooksTotal,
		m.DBConnectionsActive,
		m.DBConnectionsIdle,
		m.DBConnectionsWaitCount,
		m.DBConnectionsWaitDuration,
		m.RedisConnectionsTotal,
		m.RedisConnectionsIdle,
	)

	return m
}

// InvoiceGenerated implements billing.MetricsRecorder
func (m *Metrics) InvoiceGenerated(tier billing.Tier, amountCents int64) {
	m.InvoicesGeneratedTotal.WithLabelValues(string(tier)).Inc()
	m.InvoicedCentsTotal.WithLabelValues(string(tier)).Add(float64(amountCents))
}

// PaymentAttempt implements billing.MetricsRecorder
func (m *Metrics) PaymentAttempt(outcome billing.AttemptOutcome, reason billing.FailureReason) {
	m.PaymentAttemptsTotal.WithLabelValues(string(outcome), string(reason)).Inc()
}

// SubscriptionTransition implements billing.MetricsRecorder
func (m *Metrics) SubscriptionTransition(from, to billing.SubscriptionStatus) {
	m.TransitionsTotal.WithLabelValues(string(from), string(to)).Inc()
}

// NotificationSent implements billing.MetricsRecorder
func (m *Metrics) NotificationSent(template string, err error) {
	m.NotificationsTotal.WithLabelValues(template, resultLabel(err)).Inc()
}

// StageCompleted implements billing.MetricsRecorder
func (m *Metrics) StageCompleted(stage string, duration time.Duration, processed, failed int) {
	m.StageDuration.WithLabelValues(stage).Observe(duration.Seconds())
	m.StageItemsTotal.WithLabelValues(stage, "processed").Add(float64(processed))
	m.StageItemsTotal.WithLabelValues(stage, "failed").Add(float64(failed))
}

// WebhookReceived counts a gateway webhook by type and response status
func (m *Metrics) WebhookReceived(eventType string, status int) {
	m.WebhooksTotal.WithLabelValues(eventType, strconv.Itoa(status)).Inc()
}

// UpdateDBStats copies connection pool stats into the database gauges
func (m *Metrics) UpdateDBStats(stats sql.DBStats) {
	m.DBConnectionsActive.Set(float64(stats.InUse))
	m.DBConnectionsIdle.Set(float64(stats.Idle))
	m.DBConnectionsWaitCount.Set(float64(stats.WaitCount))
	m.DBConnectionsWaitDuration.Set(stats.WaitDuration.Seconds())
}

// UpdateRedisStats copies redis pool stats into the redis gauges
func (m *Metrics) UpdateRedisStats(stats *redis.PoolStats) {
	if stats == nil {
		return
	}
	m.RedisConnectionsTotal.Set(float64(stats.TotalConns))
	m.RedisConnectionsIdle.Set(float64(stats.IdleConns))
}

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// HTTPMetricsMiddleware instruments HTTP requests with Prometheus metrics.
// Requests routed by gorilla/mux are labelled with their path template.
func HTTPMetricsMiddleware(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			rw := &responseWriter{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			next.ServeHTTP(rw, r)

			path := r.URL.Path
			if route := mux.CurrentRoute(r); route != nil {
				if tmpl, err := route.GetPathTemplate(); err == nil {
					path = tmpl
				}
			}

			duration := time.Since(start).Seconds()
			status := strconv.Itoa(rw.statusCode)

			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, path, status).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
		})
	}
}

// RegisterMetricsEndpoint registers the /metrics endpoint
func RegisterMetricsEndpoint(mux *http.ServeMux, registry *prometheus.Registry) {
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
}
