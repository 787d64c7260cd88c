package billing

import (
	"context"
	"errors"
	"fmt"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("github.com/platinummonkey/recur/pkg/billing")

// Job names a scheduled unit of work
type Job string

const (
	JobInvoices Job = "invoices"
	JobDunning  Job = "dunning"
	JobDaily    Job = "daily"
)

// ParseJob validates a job name
func ParseJob(s string) (Job, error) {
	switch Job(s) {
	case JobInvoices, JobDunning, JobDaily:
		return Job(s), nil
	}
	return "", fmt.Errorf("unknown job %q", s)
}

// Runner executes the daily stages in their fixed order
type Runner struct {
	invoices   *InvoiceGenerator
	retries    *RetryScheduler
	grace      *GracePeriodManager
	suspension *SuspensionManager
	locker     Locker
	policy     *Policy
	clock      clockwork.Clock
	metrics    MetricsRecorder
	logger     logrus.FieldLogger
}

// NewRunner creates a Runner
func NewRunner(d Deps, invoices *InvoiceGenerator, retries *RetryScheduler, grace *GracePeriodManager, suspension *SuspensionManager) *Runner {
	d = d.withDefaults()
	return &Runner{
		invoices:   invoices,
		retries:    retries,
		grace:      grace,
		suspension: suspension,
		locker:     d.Locker,
		policy:     d.Policy,
		clock:      d.Clock,
		metrics:    d.Metrics,
		logger:     d.Logger.WithField("component", "runner"),
	}
}

// Run executes job under a run lock. A job already running elsewhere
// returns ErrLockHeld. Stage errors are collected but never stop later stages.
func (r *Runner) Run(ctx context.Context, job Job) ([]*RunReport, error) {
	release, err := r.locker.Acquire(ctx, "run:"+string(job), r.policy.RunLockTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire %s run lock: %w", job, err)
	}
	defer func() {
		if err := release(context.Background()); err != nil {
			r.logger.WithError(err).WithField("job", job).Warn("Failed to release run lock")
		}
	}()

	ctx, span := tracer.Start(ctx, "billing.run")
	defer span.End()
	span.SetAttributes(attribute.String("billing.job", string(job)))

	var stages []stage
	switch job {
	case JobInvoices:
		stages = r.invoiceStages()
	case JobDunning:
		stages = r.dunningStages()
	case JobDaily:
		stages = append(r.invoiceStages(), r.dunningStages()...)
	default:
		return nil, fmt.Errorf("unknown job %q", job)
	}

	var (
		reports []*RunReport
		errs    []error
	)
	for _, st := range stages {
		report, err := r.runStage(ctx, st)
		if report != nil {
			reports = append(reports, report)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", st.name, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return reports, err
	}
	return reports, nil
}

type stage struct {
	name string
	run  func(context.Context) (*RunReport, error)
}

func (r *Runner) invoiceStages() []stage {
	return []stage{{StageInvoices, r.invoices.Generate}}
}

func (r *Runner) dunningStages() []stage {
	return []stage{
		{StageRetries, r.retries.Run},
		{StageGrace, r.grace.Run},
		{StageSuspension, r.suspension.Run},
	}
}

func (r *Runner) runStage(ctx context.Context, st stage) (*RunReport, error) {
	ctx, span := tracer.Start(ctx, "billing.stage."+st.name)
	defer span.End()

	start := r.clock.Now()
	report, err := st.run(ctx)
	elapsed := r.clock.Since(start)

	log := r.logger.WithField("stage", st.name)
	if report != nil {
		span.SetAttributes(
			attribute.Int("billing.processed", report.Processed),
			attribute.Int("billing.skipped", report.Skipped),
			attribute.Int("billing.failed", report.Failed),
		)
		r.metrics.StageCompleted(st.name, elapsed, report.Processed, report.Failed)
		log = log.WithFields(logrus.Fields{
			"processed": report.Processed,
			"skipped":   report.Skipped,
			"failed":    report.Failed,
			"duration":  elapsed.String(),
		})
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.WithError(err).Error("Stage aborted")
		return report, err
	}
	log.Info("Stage complete")
	return report, nil
}
