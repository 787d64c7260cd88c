package billing_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/recur/pkg/billing"
)

func newRetryScheduler(f *fixture) *billing.RetryScheduler {
	return billing.NewRetryScheduler(f.deps, newAttemptor(f), billing.NewGracePeriodManager(f.deps))
}

func TestRetryScheduler_Cadence(t *testing.T) {
	f := newFixture(t)
	f.gateway.chargeFunc = declineAll(billing.FailureCardDeclined)
	inv := f.issueInvoice()
	scheduler := newRetryScheduler(f)

	var attemptDays []int
	for d := 0; d <= 12; d++ {
		f.setDay(7 + d)
		before := f.gateway.chargeCount()
		for run := 0; run < 3; run++ {
			_, err := scheduler.Run(f.ctx)
			require.NoError(t, err)
		}
		switch f.gateway.chargeCount() - before {
		case 0:
		case 1:
			attemptDays = append(attemptDays, d)
		default:
			t.Fatalf("more than one attempt on day %d", d)
		}
	}

	assert.Equal(t, []int{0, 1, 2, 4, 6}, attemptDays)

	keys := make([]string, 0, len(f.gateway.charges))
	for _, c := range f.gateway.charges {
		keys = append(keys, c.IdempotencyKey)
	}
	assert.Equal(t, []string{
		billing.IdempotencyKey(inv.ID, 1),
		billing.IdempotencyKey(inv.ID, 2),
		billing.IdempotencyKey(inv.ID, 3),
		billing.IdempotencyKey(inv.ID, 4),
		billing.IdempotencyKey(inv.ID, 5),
	}, keys)
	assert.Len(t, f.events(billing.EventPaymentRetry), 4)
	assert.Equal(t, 5, f.subscription().PaymentFailedCount)
}

func TestRetryScheduler_NotBeforeDueDate(t *testing.T) {
	f := newFixture(t)
	f.issueInvoice()

	for d := 0; d < 7; d++ {
		f.setDay(d)
		report, err := newRetryScheduler(f).Run(f.ctx)
		require.NoError(t, err)
		assert.Zero(t, report.Processed+report.Skipped)
	}
	assert.Zero(t, f.gateway.lookupCount())
}

func TestRetryScheduler_LazyInitialization(t *testing.T) {
	f := newFixture(t)
	f.gateway.chargeFunc = declineAll(billing.FailureCardDeclined)
	inv := f.issueInvoice()

	// the scheduler did not run on the due date
	f.setDay(8)
	_, err := newRetryScheduler(f).Run(f.ctx)
	require.NoError(t, err)

	first, err := f.store.LatestFailure(f.ctx, inv.ID)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, 2, first.RetryAttempt)
	assert.Equal(t, billing.DateOf(inv.DueDate), first.ScheduleAnchor)

	failures := f.events(billing.EventPaymentFailed)
	require.Len(t, failures, 2)
	assert.Equal(t, string(billing.FailureMissedCharge), failures[0].EventData["reason"])
	assert.Equal(t, 1, f.gateway.chargeCount())
	assert.Equal(t, billing.IdempotencyKey(inv.ID, 2), f.gateway.charges[0].IdempotencyKey)
}

func TestRetryScheduler_LazyInitializationOffRetryDay(t *testing.T) {
	f := newFixture(t)
	inv := f.issueInvoice()

	f.setDay(10) // three days overdue
	report, err := newRetryScheduler(f).Run(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Failed)

	pending, err := f.store.LatestPendingFailure(f.ctx, inv.ID)
	require.NoError(t, err)
	require.NotNil(t, pending)
	assert.Equal(t, 1, pending.RetryAttempt)
	assert.Zero(t, f.gateway.chargeCount())

	f.setDay(11) // day 4
	_, err = newRetryScheduler(f).Run(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, f.gateway.chargeCount())
}

func TestRetryScheduler_EscalatesAfterThreeFailures(t *testing.T) {
	f := newFixture(t)
	f.gateway.chargeFunc = declineAll(billing.FailureInsufficientFunds)
	f.issueInvoice()
	scheduler := newRetryScheduler(f)

	f.setDay(7)
	_, err := scheduler.Run(f.ctx)
	require.NoError(t, err)
	f.setDay(8)
	_, err = scheduler.Run(f.ctx)
	require.NoError(t, err)

	owner := f.account(f.owner.ID)
	assert.Nil(t, owner.PaymentGracePeriodStart, "two failures do not escalate")
	assert.Equal(t, billing.AccountStatusActive, owner.Status)

	f.setDay(9)
	_, err = scheduler.Run(f.ctx)
	require.NoError(t, err)

	owner = f.account(f.owner.ID)
	require.NotNil(t, owner.PaymentGracePeriodStart)
	assert.Equal(t, billing.AccountStatusSuspended, owner.Status)
	assert.Nil(t, owner.SuspensionDate)
	assert.Equal(t, billing.SubscriptionStatusPastDue, f.subscription().Status)
	assert.Len(t, f.events(billing.EventGracePeriodStarted), 1)
	assert.Equal(t, []string{billing.TemplateGraceDay1}, f.notifier.templates())

	// later failures leave the grace start alone
	start := *owner.PaymentGracePeriodStart
	f.setDay(11)
	_, err = scheduler.Run(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, start, *f.account(f.owner.ID).PaymentGracePeriodStart)
	assert.Len(t, f.events(billing.EventGracePeriodStarted), 1)
}

func TestRetryScheduler_SuccessfulRetryResets(t *testing.T) {
	f := newFixture(t)
	declining := true
	f.gateway.chargeFunc = func(ctx context.Context, req billing.ChargeRequest) (*billing.ChargeResult, error) {
		if declining {
			return &billing.ChargeResult{FailureReason: billing.FailureCardDeclined}, nil
		}
		return &billing.ChargeResult{Success: true, TransactionID: "pi_retry"}, nil
	}
	inv := f.issueInvoice()
	scheduler := newRetryScheduler(f)

	for _, d := range []int{7, 8, 9} {
		f.setDay(d)
		_, err := scheduler.Run(f.ctx)
		require.NoError(t, err)
	}
	require.NotNil(t, f.account(f.owner.ID).PaymentGracePeriodStart)

	declining = false
	f.setDay(11)
	_, err := scheduler.Run(f.ctx)
	require.NoError(t, err)

	assert.Equal(t, billing.InvoiceStatusPaid, f.invoice(inv.ID).Status)
	sub := f.subscription()
	assert.Equal(t, billing.SubscriptionStatusActive, sub.Status)
	assert.Zero(t, sub.PaymentFailedCount)
	owner := f.account(f.owner.ID)
	assert.Equal(t, billing.AccountStatusActive, owner.Status)
	assert.Nil(t, owner.PaymentGracePeriodStart)

	pending, err := f.store.LatestPendingFailure(f.ctx, inv.ID)
	require.NoError(t, err)
	assert.Nil(t, pending)

	f.setDay(13)
	_, err = scheduler.Run(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, f.gateway.chargeCount(), "paid invoices are not retried")
}

func TestRetryScheduler_SkipsCanceledSubscriptions(t *testing.T) {
	f := newFixture(t)
	f.issueInvoice()
	sub := f.subscription()
	sub.Status = billing.SubscriptionStatusCanceled
	require.NoError(t, f.store.UpdateSubscription(f.ctx, sub))

	f.setDay(7)
	report, err := newRetryScheduler(f).Run(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Skipped)
	assert.Zero(t, f.gateway.lookupCount())
}

// flakyStore fails the next CreateFailure, including inside transactions
type flakyStore struct {
	billing.Store
	failNext *bool
}

func (s flakyStore) InTx(ctx context.Context, fn func(tx billing.Store) error) error {
	return s.Store.InTx(ctx, func(tx billing.Store) error {
		return fn(flakyStore{Store: tx, failNext: s.failNext})
	})
}

func (s flakyStore) CreateFailure(ctx context.Context, f *billing.PaymentFailureLog) error {
	if *s.failNext {
		*s.failNext = false
		return errors.New("connection reset by peer")
	}
	return s.Store.CreateFailure(ctx, f)
}

func TestRetryScheduler_ResumesRetryWithUnrecordedOutcome(t *testing.T) {
	f := newFixture(t)
	f.gateway.chargeFunc = declineAll(billing.FailureCardDeclined)
	inv := f.issueInvoice()

	failNext := false
	f.deps.Store = flakyStore{Store: f.store, failNext: &failNext}
	scheduler := newRetryScheduler(f)

	var attemptDays []int
	for d := 0; d <= 12; d++ {
		f.setDay(7 + d)
		failNext = d == 1
		before := f.gateway.chargeCount()
		report, err := scheduler.Run(f.ctx)
		require.NoError(t, err)
		if d == 1 {
			assert.Equal(t, 1, report.Failed)
		}
		for run := 0; run < 2; run++ {
			_, err := scheduler.Run(f.ctx)
			require.NoError(t, err)
		}
		if f.gateway.chargeCount() > before {
			attemptDays = append(attemptDays, d)
		}
	}

	assert.Equal(t, []int{0, 1, 2, 4, 6}, attemptDays)
	// the day 2 retry repeats the unrecorded attempt's idempotency key
	assert.Equal(t, billing.IdempotencyKey(inv.ID, 2), f.gateway.charges[1].IdempotencyKey)
	assert.Equal(t, billing.IdempotencyKey(inv.ID, 2), f.gateway.charges[2].IdempotencyKey)

	assert.Equal(t, 4, f.subscription().PaymentFailedCount)
	owner := f.account(f.owner.ID)
	require.NotNil(t, owner.PaymentGracePeriodStart, "dunning continues after the lost outcome")
	assert.Equal(t, billing.AccountStatusSuspended, owner.Status)
}
