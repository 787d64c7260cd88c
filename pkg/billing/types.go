package billing

import (
	"time"
)

// Tier is a subscription pricing tier
type Tier string

const (
	TierBasecamp Tier = "basecamp"
	TierSpark    Tier = "spark"
	TierMomentum Tier = "momentum"
	TierVision   Tier = "vision"
)

// Valid reports whether t is a known tier
func (t Tier) Valid() bool {
	switch t {
	case TierBasecamp, TierSpark, TierMomentum, TierVision:
		return true
	}
	return false
}

// PerUser reports whether the tier is priced per seat
func (t Tier) PerUser() bool {
	return t != TierBasecamp
}

// SubscriptionStatus represents the status of a subscription
type SubscriptionStatus string

const (
	SubscriptionStatusActive    SubscriptionStatus = "active"
	SubscriptionStatusPastDue   SubscriptionStatus = "past_due"
	SubscriptionStatusSuspended SubscriptionStatus = "suspended"
	SubscriptionStatusCanceled  SubscriptionStatus = "canceled"
)

// Subscription represents a recurring billing subscription
type Subscription struct {
	ID                    int64              `json:"id"`
	Tier                  Tier               `json:"tier"`
	OwnerID               int64              `json:"owner_id"`
	OrganizationID        *int64             `json:"organization_id,omitempty"`
	UserCount             int                `json:"user_count"`
	Status                SubscriptionStatus `json:"status"`
	CurrentPeriodStart    time.Time          `json:"current_period_start"`
	CurrentPeriodEnd      time.Time          `json:"current_period_end"`
	NextBillingDate       time.Time          `json:"next_billing_date"`
	PaymentFailedCount    int                `json:"payment_failed_count"`
	SuspendedAt           *time.Time         `json:"suspended_at,omitempty"`
	CanceledAt            *time.Time         `json:"canceled_at,omitempty"`
	GatewayCustomerID     string             `json:"gateway_customer_id,omitempty"`
	GatewaySubscriptionID string             `json:"gateway_subscription_id,omitempty"`
	CreatedAt             time.Time          `json:"created_at"`
	UpdatedAt             time.Time          `json:"updated_at"`
}

// EffectiveUserCount is the seat count used for billing. Basecamp is always
// a single seat and other tiers never bill fewer than one.
func (s *Subscription) EffectiveUserCount() int {
	if !s.Tier.PerUser() || s.UserCount < 1 {
		return 1
	}
	return s.UserCount
}

// InvoiceStatus represents the status of an invoice
type InvoiceStatus string

const (
	InvoiceStatusUnpaid    InvoiceStatus = "unpaid"
	InvoiceStatusPaid      InvoiceStatus = "paid"
	InvoiceStatusCancelled InvoiceStatus = "cancelled"
)

// Invoice is a bill for one billing period of a subscription
type Invoice struct {
	ID             int64         `json:"id"`
	SubscriptionID int64         `json:"subscription_id"`
	InvoiceNumber  string        `json:"invoice_number"`
	BillingPeriod  time.Time     `json:"billing_period"`
	InvoiceDate    time.Time     `json:"invoice_date"`
	DueDate        time.Time     `json:"due_date"`
	AmountCents    int64         `json:"amount_cents"`
	Currency       string        `json:"currency"`
	Status         InvoiceStatus `json:"status"`
	PaidDate       *time.Time    `json:"paid_date,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// PaymentStatus represents the status of a recorded payment
type PaymentStatus string

const (
	PaymentStatusCompleted PaymentStatus = "completed"
)

// Payment records money received against an invoice
type Payment struct {
	ID            int64         `json:"id"`
	InvoiceID     int64         `json:"invoice_id"`
	TransactionID string        `json:"transaction_id"`
	AmountCents   int64         `json:"amount_cents"`
	Currency      string        `json:"currency"`
	Status        PaymentStatus `json:"status"`
	PaymentDate   time.Time     `json:"payment_date"`
}

// FailureStatus represents the status of a payment failure log row
type FailureStatus string

const (
	FailureStatusPendingRetry FailureStatus = "pending_retry"
	FailureStatusRetried      FailureStatus = "retried"
	FailureStatusResolved     FailureStatus = "resolved"
)

// FailureReason classifies why a payment attempt failed
type FailureReason string

const (
	FailureNoPaymentMethod   FailureReason = "no_payment_method"
	FailureCardDeclined      FailureReason = "card_declined"
	FailureInsufficientFunds FailureReason = "insufficient_funds"
	FailureGatewayTimeout    FailureReason = "gateway_timeout"
	FailureGatewayError      FailureReason = "gateway_error"
	FailureMissedCharge      FailureReason = "missed_charge"
)

// PaymentFailureLog is one failed attempt to collect an invoice
type PaymentFailureLog struct {
	ID             int64         `json:"id"`
	InvoiceID      int64         `json:"invoice_id"`
	RetryAttempt   int           `json:"retry_attempt"`
	FailureDate    time.Time     `json:"failure_date"`
	ScheduleAnchor time.Time     `json:"schedule_anchor"`
	Status         FailureStatus `json:"status"`
	FailureReason  FailureReason `json:"failure_reason"`
	Message        string        `json:"message,omitempty"`
	RetriedAt      *time.Time    `json:"retried_at,omitempty"`
}

// AccountKind distinguishes user accounts from organisations
type AccountKind string

const (
	AccountKindUser         AccountKind = "user"
	AccountKindOrganization AccountKind = "organization"
)

// AccountStatus represents the status of a user or organisation account
type AccountStatus string

const (
	AccountStatusActive    AccountStatus = "active"
	AccountStatusSuspended AccountStatus = "suspended"
	AccountStatusCancelled AccountStatus = "cancelled"
	AccountStatusDeleted   AccountStatus = "deleted"
)

// Account is a billable user or organisation. Grace and suspension dates are
// only ever set on user accounts that own subscriptions.
type Account struct {
	ID                      int64         `json:"id"`
	Kind                    AccountKind   `json:"kind"`
	Email                   string        `json:"email"`
	Name                    string        `json:"name"`
	Status                  AccountStatus `json:"status"`
	PaymentGracePeriodStart *time.Time    `json:"payment_grace_period_start,omitempty"`
	SuspensionDate          *time.Time    `json:"suspension_date,omitempty"`
	CreatedAt               time.Time     `json:"created_at"`
	UpdatedAt               time.Time     `json:"updated_at"`
}

// InGrace reports whether the account is in its grace period
func (a *Account) InGrace() bool {
	return a.PaymentGracePeriodStart != nil && a.SuspensionDate == nil
}

// EventType names an entry in the subscription event log
type EventType string

const (
	EventInvoiceGenerated   EventType = "invoice_generated"
	EventPaymentFailed      EventType = "payment_failed"
	EventPaymentRetry       EventType = "payment_retry"
	EventPaymentSucceeded   EventType = "payment_succeeded"
	EventGracePeriodStarted EventType = "grace_period_started"
	EventGraceNoticeSent    EventType = "grace_notice_sent"
	EventSuspended          EventType = "suspended"
	EventFinalWarningSent   EventType = "final_warning_sent"
	EventAccountDeleted     EventType = "account_deleted"
	EventUserAdded          EventType = "user_added"
	EventUserRemoved        EventType = "user_removed"
)

// TriggeredBy names the origin of an event
type TriggeredBy string

const (
	TriggeredBySystem  TriggeredBy = "system"
	TriggeredByWebhook TriggeredBy = "webhook"
	TriggeredByAPI     TriggeredBy = "api"
)

// SubscriptionEvent is an append-only audit record. AccountID and Milestone
// are set for account level dunning events so notices can be deduplicated.
type SubscriptionEvent struct {
	ID             int64          `json:"id"`
	SubscriptionID int64          `json:"subscription_id"`
	AccountID      *int64         `json:"account_id,omitempty"`
	EventType      EventType      `json:"event_type"`
	EventData      map[string]any `json:"event_data,omitempty"`
	Milestone      string         `json:"milestone,omitempty"`
	TriggeredBy    TriggeredBy    `json:"triggered_by"`
	EventDate      time.Time      `json:"event_date"`
	Notes          string         `json:"notes,omitempty"`
}

// PaymentMethod is the gateway's view of a stored payment instrument
type PaymentMethod struct {
	ID    string `json:"id"`
	Type  string `json:"type"`
	Brand string `json:"brand,omitempty"`
	Last4 string `json:"last4,omitempty"`
}

// ChargeRequest asks the gateway to collect an amount off-session
type ChargeRequest struct {
	CustomerRef      string
	PaymentMethodRef string
	AmountCents      int64
	Currency         string
	IdempotencyKey   string
	Description      string
	Metadata         map[string]string
}

// ChargeResult is the gateway's answer to a ChargeRequest
type ChargeResult struct {
	Success       bool
	TransactionID string
	FailureReason FailureReason
	Message       string
}

// AttemptOutcome is the result of a payment attempt
type AttemptOutcome string

const (
	AttemptSucceeded   AttemptOutcome = "succeeded"
	AttemptFailed      AttemptOutcome = "failed"
	AttemptAlreadyPaid AttemptOutcome = "already_paid"
)

// AttemptResult describes what a payment attempt did
type AttemptResult struct {
	Outcome       AttemptOutcome
	TransactionID string
	Reason        FailureReason
	Failure       *PaymentFailureLog
}

// Notification template keys
const (
	TemplateGraceDay1    = "grace_period_day_1"
	TemplateGraceDay3    = "grace_period_day_3"
	TemplateGraceDay5    = "grace_period_day_5"
	TemplateSuspended    = "account_suspended"
	TemplateFinalWarning = "final_warning"
)
