package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/recur/pkg/billing"
	"github.com/platinummonkey/recur/pkg/eventlog"
	"github.com/platinummonkey/recur/pkg/observability"
)

// ValidJob reports whether name is a scheduler job
func ValidJob(name string) bool {
	if name == eventlog.JobArchive {
		return true
	}
	_, err := billing.ParseJob(name)
	return err == nil
}

// RunJob runs the scheduler job name once as of the App clock. The archive
// job exports the day before. A job already running elsewhere is skipped
// without error.
func (a *App) RunJob(ctx context.Context, name string) (err error) {
	log := a.Logger.WithField("job", name)
	start := a.Clock.Now()
	defer func() {
		if err == nil {
			err = observability.MustRecover(recover())
		}
	}()

	if name == eventlog.JobArchive {
		return a.runArchive(ctx, log, billing.DateOf(a.Clock.Now()).AddDate(0, 0, -1))
	}

	job, err := billing.ParseJob(name)
	if err != nil {
		return err
	}

	reports, err := a.Service.Runner().Run(ctx, job)
	if errors.Is(err, billing.ErrLockHeld) {
		log.Info("Job already running elsewhere, skipping")
		return nil
	}

	var processed, skipped, failed int
	for _, r := range reports {
		processed += r.Processed
		skipped += r.Skipped
		failed += r.Failed
		for _, itemErr := range r.Errors {
			log.WithFields(logrus.Fields{
				"stage":           r.Stage,
				"subscription_id": itemErr.SubscriptionID,
				"invoice_id":      itemErr.InvoiceID,
				"account_id":      itemErr.AccountID,
			}).Warn(itemErr.Error)
		}
	}
	log = log.WithFields(logrus.Fields{
		"date":      billing.DateOf(a.Clock.Now()).Format("2006-01-02"),
		"stages":    len(reports),
		"processed": processed,
		"skipped":   skipped,
		"failed":    failed,
		"duration":  a.Clock.Since(start).String(),
	})
	if err != nil {
		log.WithError(err).Error("Job finished with errors")
		return err
	}
	log.Info("Job finished")
	return nil
}

// ArchiveDay archives the events of day
func (a *App) ArchiveDay(ctx context.Context, day time.Time) error {
	return a.runArchive(ctx, a.Logger.WithField("job", eventlog.JobArchive), day)
}

func (a *App) runArchive(ctx context.Context, log logrus.FieldLogger, day time.Time) error {
	if a.Archiver == nil {
		return fmt.Errorf("event archive not configured")
	}
	result, err := a.Archiver.Archive(ctx, day)
	if err != nil {
		log.WithError(err).Error("Event archive failed")
		return err
	}
	log.WithFields(logrus.Fields{
		"day":     day.Format("2006-01-02"),
		"key":     result.Key,
		"events":  result.Events,
		"skipped": result.Skipped,
	}).Info("Event archive finished")
	return nil
}
