package billing

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
)

// Charge metadata keys
const (
	MetadataInvoiceID      = "invoice_id"
	MetadataSubscriptionID = "subscription_id"
	MetadataRetryAttempt   = "retry_attempt"
)

// PaymentAttemptor charges an invoice through the gateway and records the outcome
type PaymentAttemptor struct {
	store   Store
	gateway PaymentGateway
	success *PaymentSuccessHandler
	policy  *Policy
	events  *EventLog
	clock   clockwork.Clock
	metrics MetricsRecorder
	logger  logrus.FieldLogger
}

// NewPaymentAttemptor creates a PaymentAttemptor
func NewPaymentAttemptor(d Deps, success *PaymentSuccessHandler) *PaymentAttemptor {
	d = d.withDefaults()
	return &PaymentAttemptor{
		store:   d.Store,
		gateway: d.Gateway,
		success: success,
		policy:  d.Policy,
		events:  NewEventLog(d.Clock, d.Logger),
		clock:   d.Clock,
		metrics: d.Metrics,
		logger:  d.Logger.WithField("component", "payment_attemptor"),
	}
}

// IdempotencyKey is the gateway idempotency key for an attempt
func IdempotencyKey(invoiceID int64, attempt int) string {
	return fmt.Sprintf("invoice-%d-attempt-%d", invoiceID, attempt)
}

// Attempt charges inv. prev is the failure log this attempt retries, nil for
// the first attempt. Gateway errors, timeouts and panics become failed
// attempts; the returned error is only set when recording the outcome failed.
func (a *PaymentAttemptor) Attempt(ctx context.Context, sub *Subscription, inv *Invoice, prev *PaymentFailureLog) (*AttemptResult, error) {
	if inv.Status != InvoiceStatusUnpaid {
		return &AttemptResult{Outcome: AttemptAlreadyPaid}, nil
	}
	attempt := 1
	if prev != nil {
		attempt = prev.RetryAttempt + 1
	}
	log := a.logger.WithFields(logrus.Fields{
		"subscription_id": sub.ID,
		"invoice_id":      inv.ID,
		"attempt":         attempt,
	})

	res := a.charge(ctx, sub, inv, attempt)
	if res.Success {
		a.metrics.PaymentAttempt(AttemptSucceeded, "")
		result := &AttemptResult{Outcome: AttemptSucceeded, TransactionID: res.TransactionID}
		_, err := a.success.Handle(ctx, SuccessRequest{
			SubscriptionID: sub.ID,
			InvoiceID:      inv.ID,
			TransactionID:  res.TransactionID,
			AmountCents:    inv.AmountCents,
			TriggeredBy:    TriggeredBySystem,
		})
		if err != nil {
			return result, fmt.Errorf("payment %s collected but not reconciled: %w", res.TransactionID, err)
		}
		log.WithField("transaction_id", res.TransactionID).Info("Payment attempt succeeded")
		return result, nil
	}

	a.metrics.PaymentAttempt(AttemptFailed, res.FailureReason)
	failure, err := a.RecordFailure(ctx, inv.ID, res.FailureReason, res.Message, TriggeredBySystem)
	if errors.Is(err, ErrAlreadyPaid) {
		return &AttemptResult{Outcome: AttemptAlreadyPaid}, nil
	}
	if err != nil {
		return nil, err
	}
	log.WithFields(logrus.Fields{
		"reason":        res.FailureReason,
		"retry_attempt": failure.RetryAttempt,
	}).Warn("Payment attempt failed")
	return &AttemptResult{Outcome: AttemptFailed, Reason: res.FailureReason, Failure: failure}, nil
}

func (a *PaymentAttemptor) charge(ctx context.Context, sub *Subscription, inv *Invoice, attempt int) (res *ChargeResult) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.WithFields(logrus.Fields{
				"subscription_id": sub.ID,
				"invoice_id":      inv.ID,
				"panic":           r,
			}).Error("PANIC recovered in payment gateway")
			res = &ChargeResult{FailureReason: FailureGatewayError, Message: fmt.Sprintf("panic: %v", r)}
		}
	}()

	if sub.GatewayCustomerID == "" {
		return &ChargeResult{FailureReason: FailureNoPaymentMethod, Message: "no gateway customer"}
	}

	ctx, cancel := context.WithTimeout(ctx, a.policy.GatewayTimeout)
	defer cancel()

	method, err := a.gateway.DefaultPaymentMethod(ctx, sub.GatewayCustomerID)
	if err != nil {
		return gatewayFailure(ctx, err)
	}
	if method == nil {
		return &ChargeResult{FailureReason: FailureNoPaymentMethod, Message: ErrNoPaymentMethod.Error()}
	}

	result, err := a.gateway.Charge(ctx, ChargeRequest{
		CustomerRef:      sub.GatewayCustomerID,
		PaymentMethodRef: method.ID,
		AmountCents:      inv.AmountCents,
		Currency:         inv.Currency,
		IdempotencyKey:   IdempotencyKey(inv.ID, attempt),
		Description:      "Invoice " + inv.InvoiceNumber,
		Metadata: map[string]string{
			MetadataInvoiceID:      strconv.FormatInt(inv.ID, 10),
			MetadataSubscriptionID: strconv.FormatInt(sub.ID, 10),
			MetadataRetryAttempt:   strconv.Itoa(attempt),
		},
	})
	if err != nil {
		return gatewayFailure(ctx, err)
	}
	if result == nil {
		return &ChargeResult{FailureReason: FailureGatewayError, Message: "empty gateway response"}
	}
	if !result.Success && result.FailureReason == "" {
		result.FailureReason = FailureGatewayError
	}
	if result.Success && result.TransactionID == "" {
		return &ChargeResult{FailureReason: FailureGatewayError, Message: "gateway returned no transaction id"}
	}
	return result
}

func gatewayFailure(ctx context.Context, err error) *ChargeResult {
	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		return &ChargeResult{FailureReason: FailureGatewayTimeout, Message: err.Error()}
	case errors.Is(err, ErrNoPaymentMethod):
		return &ChargeResult{FailureReason: FailureNoPaymentMethod, Message: err.Error()}
	default:
		return &ChargeResult{FailureReason: FailureGatewayError, Message: err.Error()}
	}
}

// RecordFailure appends a failure log to the invoice, moves the subscription
// to past_due and bumps its failure count. The new log carries the schedule
// anchor of the previous one. Returns ErrAlreadyPaid when the invoice is no
// longer unpaid.
func (a *PaymentAttemptor) RecordFailure(ctx context.Context, invoiceID int64, reason FailureReason, message string, by TriggeredBy) (*PaymentFailureLog, error) {
	return a.recordFailure(ctx, invoiceID, reason, message, by, time.Time{})
}

// RecordMissedCharge opens the failure log of an invoice whose due date
// passed without any charge, anchoring the retry schedule on the due date.
func (a *PaymentAttemptor) RecordMissedCharge(ctx context.Context, inv *Invoice) (*PaymentFailureLog, error) {
	return a.recordFailure(ctx, inv.ID, FailureMissedCharge, "no charge was attempted on the due date", TriggeredBySystem, inv.DueDate)
}

func (a *PaymentAttemptor) recordFailure(ctx context.Context, invoiceID int64, reason FailureReason, message string, by TriggeredBy, on time.Time) (*PaymentFailureLog, error) {
	var (
		failure  *PaymentFailureLog
		from, to SubscriptionStatus
	)
	err := a.store.InTx(ctx, func(tx Store) error {
		if err := tx.LockInvoice(ctx, invoiceID); err != nil {
			return err
		}
		inv, err := tx.GetInvoice(ctx, invoiceID)
		if err != nil {
			return err
		}
		if inv.Status != InvoiceStatusUnpaid {
			return ErrAlreadyPaid
		}
		prev, err := tx.LatestFailure(ctx, inv.ID)
		if err != nil {
			return fmt.Errorf("failed to load failure log: %w", err)
		}
		now := a.clock.Now().UTC()
		if on.IsZero() {
			on = now
		}
		failure = &PaymentFailureLog{
			InvoiceID:      inv.ID,
			RetryAttempt:   1,
			FailureDate:    DateOf(on),
			ScheduleAnchor: DateOf(on),
			Status:         FailureStatusPendingRetry,
			FailureReason:  reason,
			Message:        message,
		}
		if prev != nil {
			failure.RetryAttempt = prev.RetryAttempt + 1
			failure.ScheduleAnchor = prev.ScheduleAnchor
		}
		if err := tx.CreateFailure(ctx, failure); err != nil {
			return fmt.Errorf("failed to create failure log: %w", err)
		}

		sub, err := tx.GetSubscription(ctx, inv.SubscriptionID)
		if err != nil {
			return err
		}
		from = sub.Status
		if !sub.Status.Terminal() {
			if err := sub.Transition(TriggerInvoiceOverdue); err != nil {
				return err
			}
			sub.PaymentFailedCount++
			sub.UpdatedAt = now
			if err := tx.UpdateSubscription(ctx, sub); err != nil {
				return fmt.Errorf("failed to update subscription: %w", err)
			}
		}
		to = sub.Status

		return a.events.Record(ctx, tx, &SubscriptionEvent{
			SubscriptionID: sub.ID,
			EventType:      EventPaymentFailed,
			TriggeredBy:    by,
			EventData: map[string]any{
				"invoice_id":    inv.ID,
				"retry_attempt": failure.RetryAttempt,
				"reason":        string(reason),
				"message":       message,
			},
		})
	})
	if err != nil {
		return nil, err
	}
	if from != to {
		a.metrics.SubscriptionTransition(from, to)
	}
	return failure, nil
}
