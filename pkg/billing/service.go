package billing

import (
	"context"
	"fmt"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
)

// Service wires the billing components together and exposes the operations
// used by the scheduler and the HTTP API
type Service struct {
	store   Store
	gateway PaymentGateway
	decoder WebhookDecoder
	prices  PriceSource
	events  *EventLog
	clock   clockwork.Clock
	logger  logrus.FieldLogger

	invoices   *InvoiceGenerator
	success    *PaymentSuccessHandler
	attemptor  *PaymentAttemptor
	grace      *GracePeriodManager
	retries    *RetryScheduler
	suspension *SuspensionManager
	prorata    *ProRataCalculator
	runner     *Runner
}

// NewService creates a Service. decoder may be nil when webhooks are not served.
func NewService(d Deps, decoder WebhookDecoder) *Service {
	d = d.withDefaults()
	success := NewPaymentSuccessHandler(d)
	attemptor := NewPaymentAttemptor(d, success)
	grace := NewGracePeriodManager(d)
	invoices := NewInvoiceGenerator(d)
	retries := NewRetryScheduler(d, attemptor, grace)
	suspension := NewSuspensionManager(d)

	return &Service{
		store:      d.Store,
		gateway:    d.Gateway,
		decoder:    decoder,
		prices:     d.Prices,
		events:     NewEventLog(d.Clock, d.Logger),
		clock:      d.Clock,
		logger:     d.Logger.WithField("component", "billing_service"),
		invoices:   invoices,
		success:    success,
		attemptor:  attemptor,
		grace:      grace,
		retries:    retries,
		suspension: suspension,
		prorata:    NewProRataCalculator(),
		runner:     NewRunner(d, invoices, retries, grace, suspension),
	}
}

// Runner returns the daily stage runner
func (s *Service) Runner() *Runner {
	return s.runner
}

// GetSubscription retrieves a subscription
func (s *Service) GetSubscription(ctx context.Context, id int64) (*Subscription, error) {
	return s.store.GetSubscription(ctx, id)
}

// ListInvoices returns the invoices of a subscription
func (s *Service) ListInvoices(ctx context.Context, subscriptionID int64) ([]*Invoice, error) {
	if _, err := s.store.GetSubscription(ctx, subscriptionID); err != nil {
		return nil, err
	}
	return s.store.ListInvoicesBySubscription(ctx, subscriptionID)
}

// ListEvents returns the event log of a subscription
func (s *Service) ListEvents(ctx context.Context, subscriptionID int64) ([]*SubscriptionEvent, error) {
	if _, err := s.store.GetSubscription(ctx, subscriptionID); err != nil {
		return nil, err
	}
	return s.store.ListEvents(ctx, subscriptionID)
}

// HandlePaymentSucceeded reconciles a payment reported out of band
func (s *Service) HandlePaymentSucceeded(ctx context.Context, req SuccessRequest) (bool, error) {
	return s.success.Handle(ctx, req)
}

// UserCountChange is the outcome of ChangeUserCount
type UserCountChange struct {
	Subscription *Subscription `json:"subscription"`
	From         int           `json:"from"`
	To           int           `json:"to"`
	Adjustment   Adjustment    `json:"adjustment"`
}

// ChangeUserCount sets the billed seat count and returns the pro-rata
// adjustment for the rest of the current period. Counts below one are
// raised to one.
func (s *Service) ChangeUserCount(ctx context.Context, subscriptionID int64, count int, by TriggeredBy) (*UserCountChange, error) {
	if count < 1 {
		count = 1
	}
	var change *UserCountChange
	err := s.store.InTx(ctx, func(tx Store) error {
		sub, err := tx.GetSubscription(ctx, subscriptionID)
		if err != nil {
			return err
		}
		if sub.Status.Terminal() {
			return ErrTerminal
		}
		from := sub.EffectiveUserCount()
		change = &UserCountChange{Subscription: sub, From: from, To: count, Adjustment: Adjustment{Kind: AdjustmentNone}}
		if !sub.Tier.PerUser() {
			if count != 1 {
				return fmt.Errorf("%w: %s", ErrFixedUserCount, sub.Tier)
			}
			return nil
		}
		delta := count - from
		if delta == 0 {
			return nil
		}

		unit, err := s.prices.Current().UnitPrice(sub.Tier)
		if err != nil {
			return err
		}
		now := s.clock.Now().UTC()
		start, end := sub.CurrentPeriodStart, sub.CurrentPeriodEnd
		if start.IsZero() || end.IsZero() {
			start, end = StartOfMonth(now), StartOfNextMonth(now)
		}

		eventType := EventUserAdded
		if delta > 0 {
			change.Adjustment = s.prorata.Charge(unit, now, end).Scale(delta)
		} else {
			change.Adjustment = s.prorata.Credit(unit, now, start).Scale(-delta)
			eventType = EventUserRemoved
		}

		sub.UserCount = count
		sub.UpdatedAt = now
		if err := tx.UpdateSubscription(ctx, sub); err != nil {
			return fmt.Errorf("failed to update user count: %w", err)
		}
		return s.events.Record(ctx, tx, &SubscriptionEvent{
			SubscriptionID: sub.ID,
			EventType:      eventType,
			TriggeredBy:    by,
			EventData: map[string]any{
				"from":          from,
				"to":            count,
				"kind":          string(change.Adjustment.Kind),
				"amount_cents":  change.Adjustment.AmountCents,
				"days":          change.Adjustment.Days,
				"days_in_month": change.Adjustment.DaysInMonth,
			},
		})
	})
	if err != nil {
		return nil, err
	}
	s.logger.WithFields(logrus.Fields{
		"subscription_id": subscriptionID,
		"from":            change.From,
		"to":              change.To,
		"adjustment":      change.Adjustment.AmountCents,
	}).Info("Changed user count")
	return change, nil
}
