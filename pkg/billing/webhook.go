package billing

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
)

// Gateway webhook event types routed by HandleWebhook
const (
	WebhookPaymentSucceeded = "payment_intent.succeeded"
	WebhookPaymentFailed    = "payment_intent.payment_failed"
)

// ErrInvalidSignature is returned for webhooks that fail signature checks
var ErrInvalidSignature = errors.New("invalid webhook signature")

// WebhookEvent is a gateway event reduced to what reconciliation needs
type WebhookEvent struct {
	ID             string
	Type           string
	TransactionID  string
	InvoiceID      int64
	SubscriptionID int64
	AmountCents    int64
	FailureReason  FailureReason
	Message        string
	// Scheduled is set for charges created by the PaymentAttemptor, whose
	// failures are already recorded synchronously
	Scheduled bool
}

// WebhookDecoder turns a verified webhook payload into a WebhookEvent
type WebhookDecoder interface {
	DecodeWebhook(payload []byte) (*WebhookEvent, error)
}

// HandleWebhook verifies, decodes and applies a gateway webhook. Events of
// other types and events without an invoice reference are ignored.
func (s *Service) HandleWebhook(ctx context.Context, payload []byte, signature string) (*WebhookEvent, error) {
	if !s.gateway.VerifyWebhookSignature(payload, signature) {
		return nil, ErrInvalidSignature
	}
	if s.decoder == nil {
		return nil, errors.New("no webhook decoder configured")
	}
	event, err := s.decoder.DecodeWebhook(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to parse webhook: %w", err)
	}

	log := s.logger.WithFields(logrus.Fields{
		"event_id":   event.ID,
		"event_type": event.Type,
		"invoice_id": event.InvoiceID,
	})
	if event.InvoiceID == 0 {
		log.Debug("Ignoring webhook without invoice reference")
		return event, nil
	}

	switch event.Type {
	case WebhookPaymentSucceeded:
		_, err = s.success.Handle(ctx, SuccessRequest{
			SubscriptionID: event.SubscriptionID,
			InvoiceID:      event.InvoiceID,
			TransactionID:  event.TransactionID,
			AmountCents:    event.AmountCents,
			TriggeredBy:    TriggeredByWebhook,
		})
	case WebhookPaymentFailed:
		if event.Scheduled {
			return event, nil
		}
		_, err = s.attemptor.RecordFailure(ctx, event.InvoiceID, event.FailureReason, event.Message, TriggeredByWebhook)
		if errors.Is(err, ErrAlreadyPaid) {
			log.Info("Ignoring failure for settled invoice")
			err = nil
		}
	default:
		log.Debug("Ignoring webhook type")
	}
	return event, err
}
