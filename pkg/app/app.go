// Package app assembles the billing service and its infrastructure from
// configuration. Both binaries build on it.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-redis/redis/v8"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/platinummonkey/recur/pkg/billing"
	"github.com/platinummonkey/recur/pkg/config"
	"github.com/platinummonkey/recur/pkg/eventlog"
	"github.com/platinummonkey/recur/pkg/gateway/stripe"
	"github.com/platinummonkey/recur/pkg/lock"
	"github.com/platinummonkey/recur/pkg/notify"
	"github.com/platinummonkey/recur/pkg/observability"
	"github.com/platinummonkey/recur/pkg/storage/memory"
	"github.com/platinummonkey/recur/pkg/storage/postgres"
)

// Options adjusts how the App is assembled
type Options struct {
	// Clock overrides the real clock, e.g. to replay a past billing day
	Clock clockwork.Clock
	// Migrate applies schema migrations on startup
	Migrate bool
}

// App holds the wired service and the resources it owns
type App struct {
	Config  *config.Config
	Billing *config.BillingFile
	Logger  logrus.FieldLogger
	Clock   clockwork.Clock

	Service  *billing.Service
	Gateway  *stripe.Gateway
	Prices   *config.LivePrices
	Archiver *eventlog.Archiver

	Registry    *prometheus.Registry
	Metrics     *observability.Metrics
	OTelMetrics *observability.OTelMetrics
	OTel        *observability.OTelProviders

	DB      *postgres.ConnectionManager
	Redis   *postgres.RedisClient
	Archive *postgres.S3Client

	closers []func(context.Context) error
}

// New connects storage, locks, the gateway and the notifier and builds the
// billing service. Close releases everything New opened, also on error.
func New(ctx context.Context, cfg *config.Config, file *config.BillingFile, logger logrus.FieldLogger, opts Options) (a *App, err error) {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	a = &App{
		Config:  cfg,
		Billing: file,
		Logger:  logger,
		Clock:   opts.Clock,
		Prices:  config.NewLivePrices(file.Pricing),
	}
	defer func() {
		if err != nil {
			if cerr := a.Close(context.Background()); cerr != nil {
				logger.WithError(cerr).Warn("Failed to release resources after startup error")
			}
			a = nil
		}
	}()

	if err := a.initTelemetry(ctx); err != nil {
		return a, err
	}

	store, events, err := a.initStore(ctx, opts.Migrate)
	if err != nil {
		return a, err
	}

	var locker billing.Locker
	if cfg.Storage.RedisURL != "" {
		a.Redis, err = postgres.NewRedisClient(cfg.Storage)
		if err != nil {
			return a, fmt.Errorf("failed to connect to redis: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error { return a.Redis.Close() })
		locker = lock.NewRedisLocker(a.Redis.Client(), lock.DefaultConfig())
	} else {
		logger.Warn("No redis configured, locks are process local")
	}

	if cfg.Storage.ArchiveEnabled() {
		a.Archive, err = postgres.NewS3Client(ctx, cfg.Storage)
		if err != nil {
			return a, fmt.Errorf("failed to initialize event archive: %w", err)
		}
		a.Archiver = eventlog.NewArchiver(events, a.Archive, cfg.ArchivePrefix, logger.WithField("component", "archive"))
	}

	a.Gateway = stripe.NewGateway(cfg.Gateway.StripeAPIKey, cfg.Gateway.StripeWebhookSecret)

	recorders := []billing.MetricsRecorder{a.Metrics}
	if a.OTelMetrics != nil {
		recorders = append(recorders, a.OTelMetrics)
	}

	policy := file.Policy
	a.Service = billing.NewService(billing.Deps{
		Store:    store,
		Gateway:  a.Gateway,
		Notifier: a.notifier(store),
		Clock:    opts.Clock,
		Logger:   logger,
		Locker:   locker,
		Metrics:  observability.NewRecorders(recorders...),
		Prices:   a.Prices,
		Policy:   &policy,
	}, a.Gateway)

	return a, nil
}

func (a *App) initTelemetry(ctx context.Context) error {
	a.Registry = prometheus.NewRegistry()
	a.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.Metrics = observability.NewMetrics(a.Registry)

	obs := a.Config.Observability
	providers, err := observability.InitOTel(ctx, observability.OTelConfig{
		Enabled:        obs.OTelEnabled,
		Endpoint:       obs.OTelEndpoint,
		ServiceName:    obs.OTelServiceName,
		ServiceVersion: obs.OTelServiceVersion,
		Insecure:       obs.OTelInsecure,
		SampleRatio:    obs.OTelSampleRatio,
	}, a.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}
	if providers == nil {
		return nil
	}
	a.OTel = providers
	a.closers = append(a.closers, func(ctx context.Context) error {
		return observability.ShutdownOTel(ctx, providers, a.Logger)
	})

	a.OTelMetrics, err = observability.NewOTelMetrics()
	if err != nil {
		return fmt.Errorf("failed to create OpenTelemetry instruments: %w", err)
	}
	return nil
}

// initStore returns the billing store and the event source of the archive
func (a *App) initStore(ctx context.Context, migrate bool) (billing.Store, eventlog.EventSource, error) {
	if a.Config.Storage.Type != "postgres" {
		a.Logger.Warn("Using in-memory storage, state is lost on exit")
		store := memory.New()
		return store, store, nil
	}

	cm, err := postgres.NewConnectionManager(a.Config.Storage, a.Logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	a.DB = cm
	a.closers = append(a.closers, func(context.Context) error { return cm.Close() })

	if migrate {
		if err := postgres.Migrate(ctx, cm.Primary()); err != nil {
			return nil, nil, err
		}
	}
	return postgres.NewStore(cm.Primary()), postgres.NewStore(cm.Replica()), nil
}

func (a *App) notifier(accounts notify.AccountLookup) billing.Notifier {
	n := a.Config.Notify
	if n.PostmarkToken == "" {
		a.Logger.Warn("No Postmark token configured, notices are only logged")
		return notify.NewLogNotifier(a.Logger)
	}
	client := &http.Client{
		Timeout:   n.RequestTimeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
	return notify.NewPostmark(n.PostmarkToken, n.FromEmail, accounts,
		notify.WithAPIURL(n.PostmarkURL),
		notify.WithHTTPClient(client),
		notify.WithRetry(notify.RetryConfig{MaxAttempts: n.MaxAttempts}),
	)
}

// HealthChecker returns a checker over the connected dependencies
func (a *App) HealthChecker(version string) *observability.HealthChecker {
	var (
		db *sql.DB
		rc *redis.Client
	)
	if a.DB != nil {
		db = a.DB.Primary()
	}
	if a.Redis != nil {
		rc = a.Redis.Client()
	}
	checker := observability.NewHealthChecker(db, rc)
	if a.Archive != nil {
		checker = checker.WithArchive(a.Archive)
	}
	return checker.WithVersion(version)
}

// CollectPoolStats copies connection pool statistics into the metrics
func (a *App) CollectPoolStats() {
	if a.DB != nil {
		a.Metrics.UpdateDBStats(a.DB.Primary().Stats())
	}
	if a.Redis != nil {
		a.Metrics.UpdateRedisStats(a.Redis.PoolStats())
	}
}

// Close releases resources in reverse order of acquisition
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
