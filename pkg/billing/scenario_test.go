package billing_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/recur/pkg/billing"
)

// TestDunningTimeline drives a spark subscription without a payment method
// through the full daily schedule, running the job twice a day.
func TestDunningTimeline(t *testing.T) {
	f := newFixture(t)
	f.gateway.defaultPaymentMethodFunc = func(context.Context, string) (*billing.PaymentMethod, error) {
		return nil, nil
	}
	runner := f.service().Runner()

	lookupDays := []int{}
	stateOn := map[int]billing.SubscriptionStatus{}
	for day := 0; day <= 54; day++ {
		f.setDay(day)
		before := f.gateway.lookupCount()
		for i := 0; i < 2; i++ {
			_, err := runner.Run(f.ctx, billing.JobDaily)
			require.NoError(t, err, "day %d", day)
		}
		if f.gateway.lookupCount() > before {
			assert.Equal(t, 1, f.gateway.lookupCount()-before, "day %d", day)
			lookupDays = append(lookupDays, day)
		}
		stateOn[day] = f.subscription().Status
	}

	invs := f.invoices()
	require.Len(t, invs, 1)
	assert.Equal(t, int64(3000), invs[0].AmountCents)
	assert.Equal(t, billing.InvoiceStatusCancelled, invs[0].Status)

	assert.Equal(t, []int{7, 8, 9, 11, 13}, lookupDays)
	assert.Zero(t, f.gateway.chargeCount())

	assert.Equal(t, billing.SubscriptionStatusActive, stateOn[6])
	assert.Equal(t, billing.SubscriptionStatusPastDue, stateOn[7])
	assert.Equal(t, billing.SubscriptionStatusPastDue, stateOn[15])
	assert.Equal(t, billing.SubscriptionStatusSuspended, stateOn[16])
	assert.Equal(t, billing.SubscriptionStatusSuspended, stateOn[52])
	assert.Equal(t, billing.SubscriptionStatusCanceled, stateOn[53])

	assert.Equal(t, []string{
		billing.TemplateGraceDay1,
		billing.TemplateGraceDay3,
		billing.TemplateGraceDay5,
		billing.TemplateSuspended,
		billing.TemplateFinalWarning,
		billing.TemplateFinalWarning,
		billing.TemplateFinalWarning,
		billing.TemplateFinalWarning,
		billing.TemplateFinalWarning,
		billing.TemplateFinalWarning,
		billing.TemplateFinalWarning,
	}, f.notifier.templates())
	assert.Equal(t, 1, f.notifier.last().Data["days_until_delete"])

	grace := f.events(billing.EventGracePeriodStarted)
	require.Len(t, grace, 1)
	assert.Equal(t, billing.DateOf(day0.AddDate(0, 0, 9)), billing.DateOf(grace[0].EventDate))

	failed := f.events(billing.EventPaymentFailed)
	require.Len(t, failed, 5)
	for i, ev := range failed {
		assert.Equal(t, i+1, ev.EventData["retry_attempt"])
		assert.Equal(t, string(billing.FailureNoPaymentMethod), ev.EventData["reason"])
	}
	assert.Len(t, f.events(billing.EventPaymentRetry), 4)
	assert.Len(t, f.events(billing.EventSuspended), 1)
	assert.Len(t, f.events(billing.EventAccountDeleted), 1)

	assert.Equal(t, 1, f.gateway.cancelCount())
	owner := f.account(f.owner.ID)
	assert.Equal(t, billing.AccountStatusCancelled, owner.Status)
}

// TestDunningTimeline_RecoveredDuringSuspension pays the invoice while the
// account is suspended and checks that escalation stops.
func TestDunningTimeline_RecoveredDuringSuspension(t *testing.T) {
	f := newFixture(t)
	f.gateway.chargeFunc = declineAll(billing.FailureCardDeclined)
	svc := f.service()

	for day := 0; day <= 20; day++ {
		f.setDay(day)
		_, err := svc.Runner().Run(f.ctx, billing.JobDaily)
		require.NoError(t, err)
	}
	require.Equal(t, billing.SubscriptionStatusSuspended, f.subscription().Status)
	assert.Equal(t, 5, f.gateway.chargeCount())

	inv := f.invoices()[0]
	applied, err := svc.HandlePaymentSucceeded(f.ctx, billing.SuccessRequest{
		SubscriptionID: f.sub.ID,
		InvoiceID:      inv.ID,
		TransactionID:  "pi_manual",
		AmountCents:    inv.AmountCents,
		TriggeredBy:    billing.TriggeredByAPI,
	})
	require.NoError(t, err)
	assert.True(t, applied)
	f.gateway.chargeFunc = nil

	sent := len(f.notifier.templates())
	for day := 21; day <= 60; day++ {
		f.setDay(day)
		_, err := svc.Runner().Run(f.ctx, billing.JobDaily)
		require.NoError(t, err)
	}

	sub := f.subscription()
	assert.Equal(t, billing.SubscriptionStatusActive, sub.Status)
	assert.Zero(t, sub.PaymentFailedCount)
	owner := f.account(f.owner.ID)
	assert.Equal(t, billing.AccountStatusActive, owner.Status)
	assert.Nil(t, owner.SuspensionDate)
	assert.Nil(t, owner.PaymentGracePeriodStart)
	assert.Zero(t, f.gateway.cancelCount())

	// only April's invoice was charged after recovery
	assert.Equal(t, 6, f.gateway.chargeCount())
	assert.Len(t, f.invoices(), 2)
	assert.Equal(t, sent, len(f.notifier.templates()))
}

// TestDunningTimeline_OneOfTwoSubscriptionsPaid pays one of the owner's two
// delinquent subscriptions during suspension. The owner stays suspended and
// is deleted on schedule for the unpaid one.
func TestDunningTimeline_OneOfTwoSubscriptionsPaid(t *testing.T) {
	f := newFixture(t)
	f.gateway.defaultPaymentMethodFunc = func(context.Context, string) (*billing.PaymentMethod, error) {
		return nil, nil
	}
	second := f.createSubscription(billing.TierMomentum, 2, nil)
	svc := f.service()
	runner := svc.Runner()

	run := func(from, to int) {
		for day := from; day <= to; day++ {
			f.setDay(day)
			_, err := runner.Run(f.ctx, billing.JobDaily)
			require.NoError(t, err, "day %d", day)
		}
	}
	secondSub := func() *billing.Subscription {
		sub, err := f.store.GetSubscription(f.ctx, second.ID)
		require.NoError(t, err)
		return sub
	}

	run(0, 20)
	require.Equal(t, billing.SubscriptionStatusSuspended, f.subscription().Status)
	require.Equal(t, billing.SubscriptionStatusSuspended, secondSub().Status)

	applied, err := svc.HandlePaymentSucceeded(f.ctx, billing.SuccessRequest{
		SubscriptionID: f.sub.ID,
		InvoiceID:      f.invoices()[0].ID,
		TransactionID:  "pi_first",
		TriggeredBy:    billing.TriggeredByWebhook,
	})
	require.NoError(t, err)
	require.True(t, applied)

	owner := f.account(f.owner.ID)
	assert.Equal(t, billing.AccountStatusSuspended, owner.Status)
	require.NotNil(t, owner.SuspensionDate)
	assert.Equal(t, billing.SubscriptionStatusActive, f.subscription().Status)
	assert.Equal(t, billing.SubscriptionStatusSuspended, secondSub().Status)

	run(21, 60)

	assert.Equal(t, billing.SubscriptionStatusCanceled, secondSub().Status)
	assert.Equal(t, billing.SubscriptionStatusCanceled, f.subscription().Status)
	assert.Equal(t, billing.AccountStatusCancelled, f.account(f.owner.ID).Status)
	invs, err := f.store.ListInvoicesBySubscription(f.ctx, second.ID)
	require.NoError(t, err)
	require.Len(t, invs, 1)
	assert.Equal(t, billing.InvoiceStatusCancelled, invs[0].Status)
}
