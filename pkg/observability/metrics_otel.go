package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/platinummonkey/recur/pkg/billing"
)

// OTelMetrics exports billing metrics through the global OpenTelemetry meter
// provider. It implements billing.MetricsRecorder.
type OTelMetrics struct {
	invoicesGenerated metric.Int64Counter
	invoicedCents     metric.Int64Counter
	paymentAttempts   metric.Int64Counter
	transitions       metric.Int64Counter
	notifications     metric.Int64Counter
	stageDuration     metric.Float64Histogram
	stageItems        metric.Int64Counter
}

// NewOTelMetrics creates a new OTel metrics instance
func NewOTelMetrics() (*OTelMetrics, error) {
	meter := otel.Meter("github.com/platinummonkey/recur")

	m := &OTelMetrics{}
	var err error

	m.invoicesGenerated, err = meter.Int64Counter(
		"billing.invoices.generated",
		metric.WithDescription("Total number of invoices generated"),
		metric.WithUnit("{invoice}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create invoices_generated counter: %w", err)
	}

	m.invoicedCents, err = meter.Int64Counter(
		"billing.invoiced.amount",
		metric.WithDescription("Total amount invoiced in cents"),
		metric.WithUnit("{cent}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create invoiced_amount counter: %w", err)
	}

	m.paymentAttempts, err = meter.Int64Counter(
		"billing.payment.attempts",
		metric.WithDescription("Total number of payment attempts"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create payment_attempts counter: %w", err)
	}

	m.transitions, err = meter.Int64Counter(
		"billing.subscription.transitions",
		metric.WithDescription("Total number of subscription status transitions"),
		metric.WithUnit("{transition}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create transitions counter: %w", err)
	}

	m.notifications, err = meter.Int64Counter(
		"billing.notifications",
		metric.WithDescription("Total number of dunning notifications"),
		metric.WithUnit("{notification}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create notifications counter: %w", err)
	}

	m.stageDuration, err = meter.Float64Histogram(
		"billing.stage.duration",
		metric.WithDescription("Billing run stage duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create stage_duration histogram: %w", err)
	}

	m.stageItems, err = meter.Int64Counter(
		"billing.stage.items",
		metric.WithDescription("Total number of items handled by billing run stages"),
		metric.WithUnit("{item}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create stage_items counter: %w", err)
	}

	return m, nil
}

// InvoiceGenerated implements billing.MetricsRecorder
func (m *OTelMetrics) InvoiceGenerated(tier billing.Tier, amountCents int64) {
	attrs := metric.WithAttributes(attribute.String("tier", string(tier)))
	m.invoicesGenerated.Add(context.Background(), 1, attrs)
	m.invoicedCents.Add(context.Background(), amountCents, attrs)
}

// PaymentAttempt implements billing.MetricsRecorder
func (m *OTelMetrics) PaymentAttempt(outcome billing.AttemptOutcome, reason billing.FailureReason) {
	m.paymentAttempts.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("outcome", string(outcome)),
		attribute.String("reason", string(reason)),
	))
}

// SubscriptionTransition implements billing.MetricsRecorder
func (m *OTelMetrics) SubscriptionTransition(from, to billing.SubscriptionStatus) {
	m.transitions.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("from", string(from)),
		attribute.String("to", string(to)),
	))
}

// NotificationSent implements billing.MetricsRecorder
func (m *OTelMetrics) NotificationSent(template string, err error) {
	m.notifications.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("template", template),
		attribute.String("status", resultLabel(err)),
	))
}

// StageCompleted implements billing.MetricsRecorder
func (m *OTelMetrics) StageCompleted(stage string, duration time.Duration, processed, failed int) {
	ctx := context.Background()
	m.stageDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attribute.String("stage", stage)))
	m.stageItems.Add(ctx, int64(processed), metric.WithAttributes(
		attribute.String("stage", stage),
		attribute.String("result", "processed"),
	))
	m.stageItems.Add(ctx, int64(failed), metric.WithAttributes(
		attribute.String("stage", stage),
		attribute.String("result", "failed"),
	))
}

// Recorders fans billing metrics out to several recorders. Nil recorders
// are skipped.
type Recorders []billing.MetricsRecorder

// NewRecorders builds a Recorders from the non-nil arguments
func NewRecorders(recorders ...billing.MetricsRecorder) Recorders {
	out := make(Recorders, 0, len(recorders))
	for _, r := range recorders {
		if r != nil {
			out = append(out, r)
		}
	}
	return out
}

func (rs Recorders) InvoiceGenerated(tier billing.Tier, amountCents int64) {
	for _, r := range rs {
		r.InvoiceGenerated(tier, amountCents)
	}
}

func (rs Recorders) PaymentAttempt(outcome billing.AttemptOutcome, reason billing.FailureReason) {
	for _, r := range rs {
		r.PaymentAttempt(outcome, reason)
	}
}

func (rs Recorders) SubscriptionTransition(from, to billing.SubscriptionStatus) {
	for _, r := range rs {
		r.SubscriptionTransition(from, to)
	}
}

func (rs Recorders) NotificationSent(template string, err error) {
	for _, r := range rs {
		r.NotificationSent(template, err)
	}
}

func (rs Recorders) StageCompleted(stage string, duration time.Duration, processed, failed int) {
	for _, r := range rs {
		r.StageCompleted(stage, duration, processed, failed)
	}
}
