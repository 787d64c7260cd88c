package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
)

// RetryScheduler retries unpaid invoices on the policy's retry days and
// starts the grace period once enough attempts have failed
type RetryScheduler struct {
	store     Store
	attemptor *PaymentAttemptor
	grace     *GracePeriodManager
	policy    *Policy
	events    *EventLog
	clock     clockwork.Clock
	logger    logrus.FieldLogger
}

// NewRetryScheduler creates a RetryScheduler
func NewRetryScheduler(d Deps, attemptor *PaymentAttemptor, grace *GracePeriodManager) *RetryScheduler {
	d = d.withDefaults()
	return &RetryScheduler{
		store:     d.Store,
		attemptor: attemptor,
		grace:     grace,
		policy:    d.Policy,
		events:    NewEventLog(d.Clock, d.Logger),
		clock:     d.Clock,
		logger:    d.Logger.WithField("component", "retry_scheduler"),
	}
}

// Run processes every unpaid invoice that is due today or overdue
func (s *RetryScheduler) Run(ctx context.Context) (*RunReport, error) {
	now := s.clock.Now().UTC()
	today := DateOf(now)
	report := newRunReport(StageRetries, now)
	defer func() { report.FinishedAt = s.clock.Now().UTC() }()

	invoices, err := s.store.ListUnpaidDue(ctx, today)
	if err != nil {
		return report, fmt.Errorf("failed to list unpaid invoices: %w", err)
	}
	for _, inv := range invoices {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		inv := inv
		report.process(s.logger, itemRef{SubscriptionID: inv.SubscriptionID, InvoiceID: inv.ID}, func() (bool, error) {
			return s.process(ctx, inv, today)
		})
	}
	return report, nil
}

// process returns true when the invoice needed nothing today
func (s *RetryScheduler) process(ctx context.Context, inv *Invoice, today time.Time) (bool, error) {
	sub, err := s.store.GetSubscription(ctx, inv.SubscriptionID)
	if err != nil {
		return false, err
	}
	if sub.Status.Terminal() {
		return true, nil
	}

	pending, err := s.store.LatestPendingFailure(ctx, inv.ID)
	if err != nil {
		return false, fmt.Errorf("failed to load pending failure: %w", err)
	}
	resumed := false
	if pending == nil {
		latest, err := s.store.LatestFailure(ctx, inv.ID)
		if err != nil {
			return false, fmt.Errorf("failed to load failure log: %w", err)
		}
		if latest != nil {
			if !stranded(latest, today) {
				// retried today or resolved
				return true, nil
			}
			pending, resumed = latest, true
		}
	}
	if pending == nil {
		if SameDay(inv.DueDate, today) {
			res, err := s.attemptor.Attempt(ctx, sub, inv, nil)
			if err != nil {
				return false, err
			}
			return false, s.afterAttempt(ctx, sub, res)
		}
		if pending, err = s.attemptor.RecordMissedCharge(ctx, inv); err != nil {
			return false, fmt.Errorf("failed to open failure log: %w", err)
		}
	}

	days := DaysBetween(pending.ScheduleAnchor, today)
	if !s.policy.IsRetryDay(days) || pending.RetryAttempt > s.policy.MaxRetryAttempt {
		return true, nil
	}
	retried, err := s.store.RetriedOn(ctx, inv.ID, today)
	if err != nil {
		return false, fmt.Errorf("failed to check retries: %w", err)
	}
	if retried {
		return true, nil
	}

	if err := s.markRetried(ctx, sub, pending); err != nil {
		return false, err
	}
	log := s.logger.WithFields(logrus.Fields{
		"subscription_id": sub.ID,
		"invoice_id":      inv.ID,
		"retry_attempt":   pending.RetryAttempt,
		"days_overdue":    days,
	})
	if resumed {
		log.Warn("Retrying payment whose previous outcome was not recorded")
	} else {
		log.Info("Retrying payment")
	}

	res, err := s.attemptor.Attempt(ctx, sub, inv, pending)
	if err != nil {
		return false, err
	}
	return false, s.afterAttempt(ctx, sub, res)
}

// stranded reports whether f was marked retried on an earlier day without a
// later failure row or a payment recording the outcome
func stranded(f *PaymentFailureLog, today time.Time) bool {
	return f.Status == FailureStatusRetried && f.RetriedAt != nil && DateOf(*f.RetriedAt).Before(today)
}

func (s *RetryScheduler) markRetried(ctx context.Context, sub *Subscription, f *PaymentFailureLog) error {
	return s.store.InTx(ctx, func(tx Store) error {
		now := s.clock.Now().UTC()
		f.Status = FailureStatusRetried
		f.RetriedAt = &now
		if err := tx.UpdateFailure(ctx, f); err != nil {
			return fmt.Errorf("failed to mark failure retried: %w", err)
		}
		return s.events.Record(ctx, tx, &SubscriptionEvent{
			SubscriptionID: sub.ID,
			EventType:      EventPaymentRetry,
			EventData: map[string]any{
				"invoice_id":    f.InvoiceID,
				"retry_attempt": f.RetryAttempt,
				"failure_id":    f.ID,
			},
		})
	})
}

func (s *RetryScheduler) afterAttempt(ctx context.Context, sub *Subscription, res *AttemptResult) error {
	if res.Outcome != AttemptFailed || res.Failure == nil {
		return nil
	}
	if res.Failure.RetryAttempt < s.policy.GraceAfterAttempts {
		return nil
	}
	if _, err := s.grace.Begin(ctx, sub); err != nil {
		return fmt.Errorf("failed to start grace period: %w", err)
	}
	return nil
}
