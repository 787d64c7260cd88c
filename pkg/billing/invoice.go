package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
)

// InvoiceGenerator creates one invoice per subscription per billing period
type InvoiceGenerator struct {
	store   Store
	prices  PriceSource
	policy  *Policy
	events  *EventLog
	clock   clockwork.Clock
	metrics MetricsRecorder
	logger  logrus.FieldLogger
}

// NewInvoiceGenerator creates an InvoiceGenerator
func NewInvoiceGenerator(d Deps) *InvoiceGenerator {
	d = d.withDefaults()
	return &InvoiceGenerator{
		store:   d.Store,
		prices:  d.Prices,
		policy:  d.Policy,
		events:  NewEventLog(d.Clock, d.Logger),
		clock:   d.Clock,
		metrics: d.Metrics,
		logger:  d.Logger.WithField("component", "invoice_generator"),
	}
}

// Generate invoices every subscription whose next billing date has arrived.
// A subscription that already has an open invoice this month is skipped but
// its next billing date is still advanced.
func (g *InvoiceGenerator) Generate(ctx context.Context) (*RunReport, error) {
	now := g.clock.Now().UTC()
	today := DateOf(now)
	report := newRunReport(StageInvoices, now)
	defer func() { report.FinishedAt = g.clock.Now().UTC() }()

	subs, err := g.store.ListDueForInvoicing(ctx, today)
	if err != nil {
		return report, fmt.Errorf("failed to list subscriptions due for invoicing: %w", err)
	}

	for _, sub := range subs {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		sub := sub
		report.process(g.logger, itemRef{SubscriptionID: sub.ID, AccountID: sub.OwnerID}, func() (bool, error) {
			inv, err := g.generateFor(ctx, sub.ID, today)
			return inv == nil, err
		})
	}

	g.logger.WithFields(logrus.Fields{
		"date":      today.Format("2006-01-02"),
		"processed": report.Processed,
		"skipped":   report.Skipped,
		"failed":    report.Failed,
	}).Info("Invoice generation complete")
	return report, nil
}

// generateFor returns the created invoice, or nil when the period was already invoiced
func (g *InvoiceGenerator) generateFor(ctx context.Context, subID int64, today time.Time) (*Invoice, error) {
	period := StartOfMonth(today)
	var (
		created *Invoice
		tier    Tier
	)

	err := g.store.InTx(ctx, func(tx Store) error {
		sub, err := tx.GetSubscription(ctx, subID)
		if err != nil {
			return err
		}
		if sub.Status != SubscriptionStatusActive && sub.Status != SubscriptionStatusPastDue {
			return nil
		}

		existing, err := tx.FindOpenInvoice(ctx, sub.ID, period)
		if err != nil {
			return fmt.Errorf("failed to check existing invoice: %w", err)
		}
		if existing == nil {
			inv, err := g.newInvoice(sub, today)
			if err != nil {
				return err
			}
			if err := tx.CreateInvoice(ctx, inv); err != nil {
				if errors.Is(err, ErrDuplicate) {
					g.logger.WithField("subscription_id", sub.ID).Warn("Invoice for period created concurrently")
					return nil
				}
				return fmt.Errorf("failed to create invoice: %w", err)
			}
			err = g.events.Record(ctx, tx, &SubscriptionEvent{
				SubscriptionID: sub.ID,
				EventType:      EventInvoiceGenerated,
				EventData: map[string]any{
					"invoice_id":     inv.ID,
					"invoice_number": inv.InvoiceNumber,
					"amount_cents":   inv.AmountCents,
					"user_count":     sub.EffectiveUserCount(),
					"due_date":       inv.DueDate.Format("2006-01-02"),
				},
			})
			if err != nil {
				return err
			}
			created = inv
			tier = sub.Tier
		}

		sub.CurrentPeriodStart = period
		sub.CurrentPeriodEnd = StartOfNextMonth(today)
		sub.NextBillingDate = StartOfNextMonth(today)
		sub.UpdatedAt = g.clock.Now().UTC()
		if err := tx.UpdateSubscription(ctx, sub); err != nil {
			return fmt.Errorf("failed to advance billing date: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if created != nil {
		g.metrics.InvoiceGenerated(tier, created.AmountCents)
		g.logger.WithFields(logrus.Fields{
			"subscription_id": subID,
			"invoice_id":      created.ID,
			"amount_cents":    created.AmountCents,
		}).Info("Generated invoice")
	}
	return created, nil
}

func (g *InvoiceGenerator) newInvoice(sub *Subscription, today time.Time) (*Invoice, error) {
	pricing := g.prices.Current()
	amount, err := pricing.InvoiceAmount(sub)
	if err != nil {
		return nil, err
	}
	now := g.clock.Now().UTC()
	return &Invoice{
		SubscriptionID: sub.ID,
		InvoiceNumber:  newInvoiceNumber(sub.ID, today),
		BillingPeriod:  StartOfMonth(today),
		InvoiceDate:    today,
		DueDate:        AddDays(today, g.policy.InvoiceDueDays),
		AmountCents:    amount,
		Currency:       pricing.Currency,
		Status:         InvoiceStatusUnpaid,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

func newInvoiceNumber(subID int64, date time.Time) string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
	return fmt.Sprintf("INV-%s-%d-%s", date.Format("200601"), subID, suffix)
}
