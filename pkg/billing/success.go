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

// SuccessRequest identifies a payment to reconcile
type SuccessRequest struct {
	// SubscriptionID is optional; when set it must match the invoice
	SubscriptionID int64
	InvoiceID      int64
	TransactionID  string
	// AmountCents defaults to the invoice amount
	AmountCents int64
	TriggeredBy TriggeredBy
}

// PaymentSuccessHandler reconciles a successful payment. Applying the same
// payment twice is a no-op.
type PaymentSuccessHandler struct {
	store   Store
	locker  Locker
	policy  *Policy
	events  *EventLog
	clock   clockwork.Clock
	metrics MetricsRecorder
	logger  logrus.FieldLogger
}

// NewPaymentSuccessHandler creates a PaymentSuccessHandler
func NewPaymentSuccessHandler(d Deps) *PaymentSuccessHandler {
	d = d.withDefaults()
	return &PaymentSuccessHandler{
		store:   d.Store,
		locker:  d.Locker,
		policy:  d.Policy,
		events:  NewEventLog(d.Clock, d.Logger),
		clock:   d.Clock,
		metrics: d.Metrics,
		logger:  d.Logger.WithField("component", "payment_success"),
	}
}

// InvoiceLockKey is the distributed lock key serializing work on an invoice
func InvoiceLockKey(invoiceID int64) string {
	return "invoice:" + strconv.FormatInt(invoiceID, 10)
}

// Handle applies the payment. applied is false when the payment was
// already recorded.
func (h *PaymentSuccessHandler) Handle(ctx context.Context, req SuccessRequest) (applied bool, err error) {
	if req.TransactionID == "" {
		return false, errors.New("transaction id is required")
	}
	release, err := h.locker.Acquire(ctx, InvoiceLockKey(req.InvoiceID), h.policy.LockTTL)
	if err != nil {
		return false, fmt.Errorf("failed to lock invoice %d: %w", req.InvoiceID, err)
	}
	defer func() {
		if rerr := release(context.Background()); rerr != nil {
			h.logger.WithError(rerr).WithField("invoice_id", req.InvoiceID).Warn("Failed to release invoice lock")
		}
	}()

	var (
		from, to SubscriptionStatus
		restored []SubscriptionStatus
	)
	err = h.store.InTx(ctx, func(tx Store) error {
		applied, restored = false, nil
		if err := tx.LockInvoice(ctx, req.InvoiceID); err != nil {
			return err
		}
		inv, err := tx.GetInvoice(ctx, req.InvoiceID)
		if err != nil {
			return err
		}
		if req.SubscriptionID != 0 && req.SubscriptionID != inv.SubscriptionID {
			return fmt.Errorf("invoice %d does not belong to subscription %d", inv.ID, req.SubscriptionID)
		}
		existing, err := tx.FindCompletedPayment(ctx, inv.ID, req.TransactionID)
		if err != nil {
			return fmt.Errorf("failed to check existing payment: %w", err)
		}
		if existing != nil {
			return nil
		}

		sub, err := tx.GetSubscription(ctx, inv.SubscriptionID)
		if err != nil {
			return err
		}
		now := h.clock.Now().UTC()

		amount := req.AmountCents
		if amount == 0 {
			amount = inv.AmountCents
		}
		payment := &Payment{
			InvoiceID:     inv.ID,
			TransactionID: req.TransactionID,
			AmountCents:   amount,
			Currency:      inv.Currency,
			Status:        PaymentStatusCompleted,
			PaymentDate:   now,
		}
		if err := tx.CreatePayment(ctx, payment); err != nil {
			if errors.Is(err, ErrDuplicate) {
				return nil
			}
			return fmt.Errorf("failed to record payment: %w", err)
		}

		inv.Status = InvoiceStatusPaid
		inv.PaidDate = &now
		inv.UpdatedAt = now
		if err := tx.UpdateInvoice(ctx, inv); err != nil {
			return fmt.Errorf("failed to mark invoice paid: %w", err)
		}
		if _, err := tx.ResolveFailures(ctx, inv.ID); err != nil {
			return fmt.Errorf("failed to resolve failure logs: %w", err)
		}

		from = sub.Status
		if !sub.Status.Terminal() {
			if err := sub.Transition(TriggerPaymentSucceeded); err != nil {
				return err
			}
			sub.PaymentFailedCount = 0
			sub.SuspendedAt = nil
			sub.UpdatedAt = now
			if err := tx.UpdateSubscription(ctx, sub); err != nil {
				return fmt.Errorf("failed to reactivate subscription: %w", err)
			}
			if restored, err = h.reactivateAccounts(ctx, tx, sub); err != nil {
				return err
			}
		}
		to = sub.Status

		applied = true
		return h.events.Record(ctx, tx, &SubscriptionEvent{
			SubscriptionID: sub.ID,
			EventType:      EventPaymentSucceeded,
			TriggeredBy:    req.TriggeredBy,
			EventData: map[string]any{
				"invoice_id":     inv.ID,
				"transaction_id": req.TransactionID,
				"amount_cents":   amount,
				"previous":       string(from),
			},
		})
	})
	if err != nil {
		return false, err
	}

	log := h.logger.WithFields(logrus.Fields{
		"invoice_id":     req.InvoiceID,
		"transaction_id": req.TransactionID,
	})
	if !applied {
		log.Info("Payment already reconciled")
		return false, nil
	}
	if from != to {
		h.metrics.SubscriptionTransition(from, to)
	}
	for _, prev := range restored {
		h.metrics.SubscriptionTransition(prev, SubscriptionStatusActive)
	}
	log.Info("Payment reconciled")
	return true, nil
}

// reactivateAccounts clears grace and suspension on the owner, restores the
// organisation and any subscription swept into suspension with them. When
// another subscription of the owner still has an overdue unpaid invoice the
// accounts stay in dunning. Closed accounts are left alone.
func (h *PaymentSuccessHandler) reactivateAccounts(ctx context.Context, tx Store, sub *Subscription) ([]SubscriptionStatus, error) {
	now := h.clock.Now().UTC()
	others, err := tx.ListSubscriptionsByOwner(ctx, sub.OwnerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	var swept []*Subscription
	for _, other := range others {
		if other.ID == sub.ID || other.Status.Terminal() {
			continue
		}
		overdue, err := hasOverdueInvoice(ctx, tx, other.ID, DateOf(now))
		if err != nil {
			return nil, err
		}
		if overdue {
			h.logger.WithFields(logrus.Fields{
				"subscription_id": sub.ID,
				"account_id":      sub.OwnerID,
				"overdue_id":      other.ID,
			}).Info("Owner stays in dunning for another overdue subscription")
			return nil, nil
		}
		if other.Status == SubscriptionStatusSuspended {
			swept = append(swept, other)
		}
	}

	ids := []int64{sub.OwnerID}
	if sub.OrganizationID != nil {
		ids = append(ids, *sub.OrganizationID)
	}
	for _, id := range ids {
		acct, err := tx.GetAccount(ctx, id)
		if err != nil {
			return nil, err
		}
		if acct.Status.Terminal() {
			continue
		}
		if err := acct.Transition(TriggerPaymentSucceeded); err != nil {
			return nil, err
		}
		acct.PaymentGracePeriodStart = nil
		acct.SuspensionDate = nil
		acct.UpdatedAt = now
		if err := tx.UpdateAccount(ctx, acct); err != nil {
			return nil, fmt.Errorf("failed to reactivate account %d: %w", id, err)
		}
	}

	var restored []SubscriptionStatus
	for _, other := range swept {
		from := other.Status
		if err := other.Transition(TriggerPaymentSucceeded); err != nil {
			return nil, err
		}
		other.PaymentFailedCount = 0
		other.SuspendedAt = nil
		other.UpdatedAt = now
		if err := tx.UpdateSubscription(ctx, other); err != nil {
			return nil, fmt.Errorf("failed to restore subscription %d: %w", other.ID, err)
		}
		restored = append(restored, from)
	}
	return restored, nil
}

// hasOverdueInvoice reports whether the subscription has an unpaid invoice
// due on or before today
func hasOverdueInvoice(ctx context.Context, tx Store, subscriptionID int64, today time.Time) (bool, error) {
	invoices, err := tx.ListInvoicesBySubscription(ctx, subscriptionID)
	if err != nil {
		return false, fmt.Errorf("failed to list invoices: %w", err)
	}
	for _, inv := range invoices {
		if inv.Status == InvoiceStatusUnpaid && !DateOf(inv.DueDate).After(today) {
			return true, nil
		}
	}
	return false, nil
}
