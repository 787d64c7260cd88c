package billing

import (
	"context"
	"time"
)

// SubscriptionStore persists subscriptions
type SubscriptionStore interface {
	GetSubscription(ctx context.Context, id int64) (*Subscription, error)
	// ListDueForInvoicing returns active and past_due subscriptions whose
	// next billing date is on or before asOf, ordered by id.
	ListDueForInvoicing(ctx context.Context, asOf time.Time) ([]*Subscription, error)
	ListSubscriptionsByOwner(ctx context.Context, ownerID int64) ([]*Subscription, error)
	UpdateSubscription(ctx context.Context, sub *Subscription) error
}

// InvoiceStore persists invoices
type InvoiceStore interface {
	GetInvoice(ctx context.Context, id int64) (*Invoice, error)
	// FindOpenInvoice returns the non-cancelled invoice of the billing
	// period starting at period, or nil when there is none.
	FindOpenInvoice(ctx context.Context, subscriptionID int64, period time.Time) (*Invoice, error)
	CreateInvoice(ctx context.Context, inv *Invoice) error
	UpdateInvoice(ctx context.Context, inv *Invoice) error
	// ListUnpaidDue returns unpaid invoices due on or before asOf, ordered by id
	ListUnpaidDue(ctx context.Context, asOf time.Time) ([]*Invoice, error)
	ListInvoicesBySubscription(ctx context.Context, subscriptionID int64) ([]*Invoice, error)
}

// PaymentStore persists completed payments
type PaymentStore interface {
	// FindCompletedPayment returns a completed payment for the invoice or
	// with the transaction id, or nil when there is none.
	FindCompletedPayment(ctx context.Context, invoiceID int64, transactionID string) (*Payment, error)
	CreatePayment(ctx context.Context, p *Payment) error
}

// FailureLogStore persists payment failure logs
type FailureLogStore interface {
	LatestFailure(ctx context.Context, invoiceID int64) (*PaymentFailureLog, error)
	LatestPendingFailure(ctx context.Context, invoiceID int64) (*PaymentFailureLog, error)
	CreateFailure(ctx context.Context, f *PaymentFailureLog) error
	UpdateFailure(ctx context.Context, f *PaymentFailureLog) error
	// RetriedOn reports whether any log of the invoice was marked retried on day
	RetriedOn(ctx context.Context, invoiceID int64, day time.Time) (bool, error)
	// ResolveFailures marks every open log of the invoice resolved
	ResolveFailures(ctx context.Context, invoiceID int64) (int, error)
}

// AccountStore persists user and organisation accounts
type AccountStore interface {
	GetAccount(ctx context.Context, id int64) (*Account, error)
	UpdateAccount(ctx context.Context, a *Account) error
	// ListAccountsInGrace returns suspended accounts with a grace start and no suspension date
	ListAccountsInGrace(ctx context.Context) ([]*Account, error)
	// ListSuspendedAccounts returns suspended accounts with a suspension date
	ListSuspendedAccounts(ctx context.Context) ([]*Account, error)
}

// EventStore persists the append-only subscription event log
type EventStore interface {
	AppendEvent(ctx context.Context, ev *SubscriptionEvent) error
	ListEvents(ctx context.Context, subscriptionID int64) ([]*SubscriptionEvent, error)
	// HasMilestone reports whether an event of type with the milestone key
	// exists for the account
	HasMilestone(ctx context.Context, accountID int64, eventType EventType, milestone string) (bool, error)
	// ListEventsBetween returns events with from <= event_date < to, ordered by id
	ListEventsBetween(ctx context.Context, from, to time.Time) ([]*SubscriptionEvent, error)
}

// Store is the full persistence surface used by the billing components
type Store interface {
	SubscriptionStore
	InvoiceStore
	PaymentStore
	FailureLogStore
	AccountStore
	EventStore

	// InTx runs fn in a transaction. fn must only use the Store it is given.
	InTx(ctx context.Context, fn func(tx Store) error) error

	// LockInvoice takes a row lock on the invoice until the surrounding
	// transaction ends. Outside InTx it is a no-op.
	LockInvoice(ctx context.Context, invoiceID int64) error
}

// PaymentGateway is the external payment processor
type PaymentGateway interface {
	// DefaultPaymentMethod returns nil, nil when the customer has none
	DefaultPaymentMethod(ctx context.Context, customerRef string) (*PaymentMethod, error)
	Charge(ctx context.Context, req ChargeRequest) (*ChargeResult, error)
	CancelSubscription(ctx context.Context, gatewaySubscriptionID string) error
	VerifyWebhookSignature(payload []byte, signature string) bool
}

// Notifier delivers templated messages to an account
type Notifier interface {
	Notify(ctx context.Context, accountID int64, templateKey string, data map[string]any) error
}

// Locker hands out short lived exclusive locks
type Locker interface {
	// Acquire returns ErrLockHeld when the key is owned by someone else
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(context.Context) error, err error)
}

// PriceSource returns the price list in effect
type PriceSource interface {
	Current() Pricing
}

// MetricsRecorder receives billing metrics
type MetricsRecorder interface {
	InvoiceGenerated(tier Tier, amountCents int64)
	PaymentAttempt(outcome AttemptOutcome, reason FailureReason)
	SubscriptionTransition(from, to SubscriptionStatus)
	NotificationSent(template string, err error)
	StageCompleted(stage string, duration time.Duration, processed, failed int)
}

type nopMetrics struct{}

func (nopMetrics) InvoiceGenerated(Tier, int64)                                  {}
func (nopMetrics) PaymentAttempt(AttemptOutcome, FailureReason)                  {}
func (nopMetrics) SubscriptionTransition(SubscriptionStatus, SubscriptionStatus) {}
func (nopMetrics) NotificationSent(string, error)                                {}
func (nopMetrics) StageCompleted(string, time.Duration, int, int)                {}

type nopLocker struct{}

func (nopLocker) Acquire(context.Context, string, time.Duration) (func(context.Context) error, error) {
	return func(context.Context) error { return nil }, nil
}
