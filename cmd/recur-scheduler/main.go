package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/recur/pkg/app"
	"github.com/platinummonkey/recur/pkg/async"
	"github.com/platinummonkey/recur/pkg/config"
	"github.com/platinummonkey/recur/pkg/observability"
)

var version = "dev"

var (
	jobName = flag.String("job", "", "Job to run: invoices, dunning, daily or archive. Empty schedules every configured job")
	runOnce = flag.Bool("run-once", false, "Run the job once and exit")
	runDate = flag.String("date", "", "Run as of this date (YYYY-MM-DD, UTC). Only used with -run-once")
	migrate = flag.Bool("migrate", false, "Apply database migrations before running")
)

// The scheduler exits 0 once a job has run, whatever happened to individual
// subscriptions; only startup failures exit non-zero.
func main() {
	flag.Parse()

	if *jobName != "" && !app.ValidJob(*jobName) {
		fmt.Fprintf(os.Stderr, "unknown job %q\n", *jobName)
		os.Exit(2)
	}
	if *runOnce && *jobName == "" {
		fmt.Fprintln(os.Stderr, "-run-once requires -job")
		os.Exit(2)
	}

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
	log := logger.WithField("service", "recur-scheduler")

	file, err := config.LoadBillingFile(cfg.BillingFile)
	if err != nil {
		log.WithError(err).Fatal("Failed to load billing configuration")
	}

	clock := clockwork.NewRealClock()
	if *runDate != "" {
		if !*runOnce {
			log.Fatal("-date is only supported with -run-once")
		}
		date, err := time.ParseInLocation("2006-01-02", *runDate, time.UTC)
		if err != nil {
			log.WithError(err).Fatal("Invalid -date")
		}
		clock = clockwork.NewFakeClockAt(date)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, file, log, app.Options{Clock: clock, Migrate: *migrate})
	if err != nil {
		log.WithError(err).Fatal("Failed to initialize")
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := a.Close(closeCtx); err != nil {
			log.WithError(err).Warn("Failed to release resources")
		}
	}()

	if *runOnce {
		if err := a.RunJob(ctx, *jobName); err != nil {
			log.WithError(err).Error("Run finished with errors")
		}
		return
	}

	if err := runScheduled(ctx, a, file.Schedules, log); err != nil {
		log.WithError(err).Error("Scheduler failed")
	}
}

// runScheduled registers the configured jobs with cron and serves health
// and metrics until ctx is done
func runScheduled(ctx context.Context, a *app.App, schedules config.Schedules, log logrus.FieldLogger) error {
	c := cron.New(cron.WithLocation(time.UTC))

	jobs := schedules.Jobs()
	if *jobName != "" {
		spec, ok := jobs[*jobName]
		if !ok {
			return fmt.Errorf("job %s has no schedule", *jobName)
		}
		jobs = map[string]string{*jobName: spec}
	}
	if len(jobs) == 0 {
		return errors.New("no jobs scheduled")
	}

	// running jobs finish on shutdown
	jobCtx := context.WithoutCancel(ctx)
	for name, spec := range jobs {
		name := name
		if _, err := c.AddFunc(spec, func() {
			defer observability.RecoverPanic(log, name+" job")
			if err := a.RunJob(jobCtx, name); err != nil {
				log.WithError(err).WithField("job", name).Error("Scheduled run finished with errors")
			}
		}); err != nil {
			return fmt.Errorf("failed to schedule %s: %w", name, err)
		}
		log.WithFields(logrus.Fields{"job": name, "schedule": spec}).Info("Scheduled job")
	}

	mux := http.NewServeMux()
	observability.RegisterHealthRoutes(mux, a.HealthChecker(version))
	observability.RegisterMetricsEndpoint(mux, a.Registry)
	healthServer := &http.Server{
		Addr:              ":" + a.Config.Server.HealthPort,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	async.SafeGo(ctx, log, 0, "health server", func(context.Context) error {
		if err := healthServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	c.Start()
	log.Info("Scheduler started")

	<-ctx.Done()
	log.Info("Shutting down gracefully...")

	shutdown := observability.NewShutdownManager(log, a.Config.Server.ShutdownTimeout, healthServer)
	shutdown.RegisterShutdownFunc(func(ctx context.Context) error {
		select {
		case <-c.Stop().Done():
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	return shutdown.Shutdown()
}
