package billing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextSubscriptionStatus(t *testing.T) {
	tests := []struct {
		from    SubscriptionStatus
		on      Trigger
		want    SubscriptionStatus
		wantErr bool
	}{
		{SubscriptionStatusActive, TriggerInvoiceOverdue, SubscriptionStatusPastDue, false},
		{SubscriptionStatusPastDue, TriggerInvoiceOverdue, SubscriptionStatusPastDue, false},
		{SubscriptionStatusPastDue, TriggerGraceExpired, SubscriptionStatusSuspended, false},
		{SubscriptionStatusSuspended, TriggerDeleted, SubscriptionStatusCanceled, false},
		{SubscriptionStatusPastDue, TriggerPaymentSucceeded, SubscriptionStatusActive, false},
		{SubscriptionStatusSuspended, TriggerPaymentSucceeded, SubscriptionStatusActive, false},
		{SubscriptionStatusActive, TriggerGraceStarted, SubscriptionStatusActive, true},
		{SubscriptionStatusSuspended, TriggerGraceExpired, SubscriptionStatusSuspended, true},
		{SubscriptionStatusCanceled, TriggerPaymentSucceeded, SubscriptionStatusCanceled, true},
		{"unknown", TriggerPaymentSucceeded, "unknown", true},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"/"+string(tt.on), func(t *testing.T) {
			got, err := NextSubscriptionStatus(tt.from, tt.on)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidTransition)
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCanceledIsTerminal(t *testing.T) {
	assert.True(t, SubscriptionStatusCanceled.Terminal())
	for _, status := range []SubscriptionStatus{SubscriptionStatusActive, SubscriptionStatusPastDue, SubscriptionStatusSuspended} {
		assert.False(t, status.Terminal(), status)
	}
	for _, on := range Triggers {
		_, err := NextSubscriptionStatus(SubscriptionStatusCanceled, on)
		assert.ErrorIs(t, err, ErrInvalidTransition, on)
	}
}

func TestEveryOpenStatusCanRecover(t *testing.T) {
	for from := range subscriptionTransitions {
		if from.Terminal() {
			continue
		}
		to, err := NextSubscriptionStatus(from, TriggerPaymentSucceeded)
		require.NoError(t, err, from)
		assert.Equal(t, SubscriptionStatusActive, to)
	}
}

func TestNextAccountStatus(t *testing.T) {
	tests := []struct {
		kind    AccountKind
		from    AccountStatus
		on      Trigger
		want    AccountStatus
		wantErr bool
	}{
		{AccountKindUser, AccountStatusActive, TriggerGraceStarted, AccountStatusSuspended, false},
		{AccountKindUser, AccountStatusSuspended, TriggerGraceExpired, AccountStatusSuspended, false},
		{AccountKindUser, AccountStatusSuspended, TriggerDeleted, AccountStatusCancelled, false},
		{AccountKindUser, AccountStatusSuspended, TriggerPaymentSucceeded, AccountStatusActive, false},
		{AccountKindUser, AccountStatusCancelled, TriggerPaymentSucceeded, AccountStatusCancelled, true},
		{AccountKindOrganization, AccountStatusActive, TriggerGraceExpired, AccountStatusSuspended, false},
		{AccountKindOrganization, AccountStatusSuspended, TriggerDeleted, AccountStatusDeleted, false},
		{AccountKindOrganization, AccountStatusActive, TriggerGraceStarted, AccountStatusActive, true},
		{AccountKindOrganization, AccountStatusDeleted, TriggerPaymentSucceeded, AccountStatusDeleted, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind)+"/"+string(tt.from)+"/"+string(tt.on), func(t *testing.T) {
			got, err := NextAccountStatus(tt.kind, tt.from, tt.on)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidTransition)
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSubscription_Transition(t *testing.T) {
	sub := &Subscription{Status: SubscriptionStatusActive}
	require.NoError(t, sub.Transition(TriggerInvoiceOverdue))
	assert.Equal(t, SubscriptionStatusPastDue, sub.Status)

	sub.Status = SubscriptionStatusCanceled
	assert.ErrorIs(t, sub.Transition(TriggerPaymentSucceeded), ErrInvalidTransition)
	assert.Equal(t, SubscriptionStatusCanceled, sub.Status)
}
