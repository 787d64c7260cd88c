package billing

import "fmt"

// Trigger is an input to the subscription and account state machines
type Trigger string

const (
	TriggerInvoiceOverdue   Trigger = "invoice_overdue"
	TriggerGraceStarted     Trigger = "grace_started"
	TriggerGraceExpired     Trigger = "grace_expired"
	TriggerDeleted          Trigger = "deleted"
	TriggerPaymentSucceeded Trigger = "payment_succeeded"
)

// Triggers lists every trigger
var Triggers = []Trigger{
	TriggerInvoiceOverdue,
	TriggerGraceStarted,
	TriggerGraceExpired,
	TriggerDeleted,
	TriggerPaymentSucceeded,
}

var subscriptionTransitions = map[SubscriptionStatus]map[Trigger]SubscriptionStatus{
	SubscriptionStatusActive: {
		TriggerInvoiceOverdue:   SubscriptionStatusPastDue,
		TriggerGraceExpired:     SubscriptionStatusSuspended,
		TriggerDeleted:          SubscriptionStatusCanceled,
		TriggerPaymentSucceeded: SubscriptionStatusActive,
	},
	SubscriptionStatusPastDue: {
		TriggerInvoiceOverdue:   SubscriptionStatusPastDue,
		TriggerGraceExpired:     SubscriptionStatusSuspended,
		TriggerDeleted:          SubscriptionStatusCanceled,
		TriggerPaymentSucceeded: SubscriptionStatusActive,
	},
	SubscriptionStatusSuspended: {
		TriggerInvoiceOverdue:   SubscriptionStatusSuspended,
		TriggerDeleted:          SubscriptionStatusCanceled,
		TriggerPaymentSucceeded: SubscriptionStatusActive,
	},
	SubscriptionStatusCanceled: {},
}

var userTransitions = map[AccountStatus]map[Trigger]AccountStatus{
	AccountStatusActive: {
		TriggerGraceStarted:     AccountStatusSuspended,
		TriggerGraceExpired:     AccountStatusSuspended,
		TriggerPaymentSucceeded: AccountStatusActive,
	},
	AccountStatusSuspended: {
		TriggerGraceExpired:     AccountStatusSuspended,
		TriggerDeleted:          AccountStatusCancelled,
		TriggerPaymentSucceeded: AccountStatusActive,
	},
	AccountStatusCancelled: {},
	AccountStatusDeleted:   {},
}

var organizationTransitions = map[AccountStatus]map[Trigger]AccountStatus{
	AccountStatusActive: {
		TriggerGraceExpired:     AccountStatusSuspended,
		TriggerDeleted:          AccountStatusDeleted,
		TriggerPaymentSucceeded: AccountStatusActive,
	},
	AccountStatusSuspended: {
		TriggerGraceExpired:     AccountStatusSuspended,
		TriggerDeleted:          AccountStatusDeleted,
		TriggerPaymentSucceeded: AccountStatusActive,
	},
	AccountStatusCancelled: {},
	AccountStatusDeleted:   {},
}

// NextSubscriptionStatus returns the status a subscription moves to on trigger
func NextSubscriptionStatus(from SubscriptionStatus, on Trigger) (SubscriptionStatus, error) {
	edges, ok := subscriptionTransitions[from]
	if !ok {
		return from, fmt.Errorf("%w: unknown subscription status %q", ErrInvalidTransition, from)
	}
	to, ok := edges[on]
	if !ok {
		return from, fmt.Errorf("%w: subscription %s on %s", ErrInvalidTransition, from, on)
	}
	return to, nil
}

// NextAccountStatus returns the status an account of the given kind moves to on trigger
func NextAccountStatus(kind AccountKind, from AccountStatus, on Trigger) (AccountStatus, error) {
	table := userTransitions
	if kind == AccountKindOrganization {
		table = organizationTransitions
	}
	edges, ok := table[from]
	if !ok {
		return from, fmt.Errorf("%w: unknown account status %q", ErrInvalidTransition, from)
	}
	to, ok := edges[on]
	if !ok {
		return from, fmt.Errorf("%w: %s account %s on %s", ErrInvalidTransition, kind, from, on)
	}
	return to, nil
}

// Terminal reports whether no trigger can move a subscription out of status
func (s SubscriptionStatus) Terminal() bool {
	return len(subscriptionTransitions[s]) == 0
}

// Terminal reports whether the account can no longer change status
func (s AccountStatus) Terminal() bool {
	return s == AccountStatusCancelled || s == AccountStatusDeleted
}

// Transition moves the subscription along the state machine
func (s *Subscription) Transition(on Trigger) error {
	to, err := NextSubscriptionStatus(s.Status, on)
	if err != nil {
		return err
	}
	s.Status = to
	return nil
}

// Transition moves the account along the state machine for its kind
func (a *Account) Transition(on Trigger) error {
	to, err := NextAccountStatus(a.Kind, a.Status, on)
	if err != nil {
		return err
	}
	a.Status = to
	return nil
}
