// Package observability provides logrus logging, Prometheus and
// OpenTelemetry billing metrics, health checks and graceful shutdown.
//
// # Logging
//
//	logger, err := observability.NewLogger("info", observability.FormatJSON)
//	observability.FromContext(ctx).WithField("invoice_id", id).Info("Charged")
//
// # Metrics
//
// Metrics and OTelMetrics both implement billing.MetricsRecorder; Recorders
// fans out to several:
//
//	registry := prometheus.NewRegistry()
//	metrics := observability.NewMetrics(registry)
//	recorder := observability.NewRecorders(metrics, otelMetrics)
//
// # Health Checks
//
//	checker := observability.NewHealthChecker(db, redisClient).WithArchive(s3Client)
//	observability.RegisterHealthRoutes(mux, checker)
//
// # Related Packages
//
//   - pkg/billing: MetricsRecorder
//   - pkg/api: request logging middleware
package observability
