package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/platinummonkey/recur/pkg/api"
	"github.com/platinummonkey/recur/pkg/app"
	"github.com/platinummonkey/recur/pkg/async"
	"github.com/platinummonkey/recur/pkg/config"
	"github.com/platinummonkey/recur/pkg/middleware"
	"github.com/platinummonkey/recur/pkg/observability"
)

var version = "dev"

var migrate = flag.Bool("migrate", true, "Apply database migrations on startup")

func main() {
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := observability.NewLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	log := logger.WithField("service", "recur-server")

	if err := run(cfg, log); err != nil {
		log.WithError(err).Fatal("Server failed")
	}
}

func run(cfg *config.Config, log logrus.FieldLogger) error {
	file, err := config.LoadBillingFile(cfg.BillingFile)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, file, log, app.Options{Migrate: *migrate})
	if err != nil {
		return err
	}

	var limiter middleware.Limiter
	if cfg.Server.WebhookRateLimit > 0 {
		limitCfg := &middleware.RateLimitConfig{RequestsPerWindow: cfg.Server.WebhookRateLimit, WindowDuration: time.Minute}
		if a.Redis != nil {
			limiter = middleware.NewDistributedRateLimiter(a.Redis.Client(), limitCfg, "recur:ratelimit:webhook")
		} else {
			local := middleware.NewRateLimiter(limitCfg, nil)
			local.StartCleanup(ctx, log)
			limiter = local
		}
	}

	if !cfg.WebhooksEnabled() {
		log.Warn("No webhook secret configured, every webhook will be rejected")
	}

	server := api.NewServer(api.Options{
		Billing:        a.Service,
		Jobs:           a.Service.Runner(),
		Archiver:       archiverOrNil(a),
		Metrics:        a.Metrics,
		Clock:          a.Clock,
		Logger:         log,
		AdminToken:     cfg.Server.AdminToken,
		WebhookLimiter: limiter,
		ReplaySize:     cfg.Server.WebhookReplaySize,
		ReplayTTL:      cfg.Server.WebhookReplayTTL,
	})

	if cfg.Observability.MetricsEnabled {
		// inside the router so requests are labelled by route template
		server.Router().Use(observability.HTTPMetricsMiddleware(a.Metrics))
	}

	apiServer := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler:      server,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	healthMux := http.NewServeMux()
	observability.RegisterHealthRoutes(healthMux, a.HealthChecker(version))
	if cfg.Observability.MetricsEnabled {
		observability.RegisterMetricsEndpoint(healthMux, a.Registry)
	}
	healthServer := &http.Server{
		Addr:              net.JoinHostPort(cfg.Server.Host, cfg.Server.HealthPort),
		Handler:           healthMux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	shutdown := observability.NewShutdownManager(log, cfg.Server.ShutdownTimeout, apiServer, healthServer)
	shutdown.RegisterShutdownFunc(a.Close)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.WithField("addr", apiServer.Addr).Info("Starting API server")
		return listen(apiServer)
	})
	g.Go(func() error {
		log.WithField("addr", healthServer.Addr).Info("Starting health server")
		return listen(healthServer)
	})
	if cfg.BillingFile != "" {
		g.Go(func() error {
			return config.WatchBillingFile(gctx, cfg.BillingFile, a.Prices, log)
		})
	}
	async.Every(gctx, log, a.Clock, 15*time.Second, "pool stats", func(context.Context) {
		a.CollectPoolStats()
	})
	if a.DB != nil {
		a.DB.StartHealthCheckRoutine(gctx, time.Minute)
	}
	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down gracefully...")
		return shutdown.Shutdown()
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("Server stopped")
	return nil
}

func listen(srv *http.Server) error {
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// archiverOrNil keeps a nil *eventlog.Archiver from becoming a non-nil interface
func archiverOrNil(a *app.App) api.EventArchiver {
	if a.Archiver == nil {
		return nil
	}
	return a.Archiver
}
