// Package stripe adapts the Stripe API to billing.PaymentGateway and decodes
// Stripe webhooks for billing.Service.
package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/customer"
	"github.com/stripe/stripe-go/v82/paymentintent"
	"github.com/stripe/stripe-go/v82/subscription"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/platinummonkey/recur/pkg/billing"
)

// api is the subset of the Stripe client used by the gateway
type api interface {
	GetCustomer(id string, params *stripe.CustomerParams) (*stripe.Customer, error)
	NewPaymentIntent(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	CancelSubscription(id string, params *stripe.SubscriptionCancelParams) (*stripe.Subscription, error)
}

type packageAPI struct{}

func (packageAPI) GetCustomer(id string, params *stripe.CustomerParams) (*stripe.Customer, error) {
	return customer.Get(id, params)
}

func (packageAPI) NewPaymentIntent(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
	return paymentintent.New(params)
}

func (packageAPI) CancelSubscription(id string, params *stripe.SubscriptionCancelParams) (*stripe.Subscription, error) {
	return subscription.Cancel(id, params)
}

// Gateway implements billing.PaymentGateway and billing.WebhookDecoder
type Gateway struct {
	api           api
	webhookSecret string
}

// NewGateway creates a Gateway using the given secret API key
func NewGateway(apiKey, webhookSecret string) *Gateway {
	stripe.Key = apiKey
	return &Gateway{api: packageAPI{}, webhookSecret: webhookSecret}
}

// DefaultPaymentMethod returns the customer's default invoice payment method,
// or nil when none is set
func (g *Gateway) DefaultPaymentMethod(ctx context.Context, customerRef string) (*billing.PaymentMethod, error) {
	params := &stripe.CustomerParams{}
	params.Context = ctx
	params.AddExpand("invoice_settings.default_payment_method")

	c, err := g.api.GetCustomer(customerRef, params)
	if err != nil {
		return nil, fmt.Errorf("failed to get stripe customer: %w", err)
	}
	if c.InvoiceSettings == nil || c.InvoiceSettings.DefaultPaymentMethod == nil || c.InvoiceSettings.DefaultPaymentMethod.ID == "" {
		return nil, nil
	}

	pm := c.InvoiceSettings.DefaultPaymentMethod
	method := &billing.PaymentMethod{ID: pm.ID, Type: string(pm.Type)}
	if pm.Card != nil {
		method.Brand = string(pm.Card.Brand)
		method.Last4 = pm.Card.Last4
	}
	return method, nil
}

// Charge confirms an off-session PaymentIntent. Card declines are returned as
// unsuccessful results; transport and API errors are returned as errors.
func (g *Gateway) Charge(ctx context.Context, req billing.ChargeRequest) (*billing.ChargeResult, error) {
	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(req.AmountCents),
		Currency:      stripe.String(req.Currency),
		Customer:      stripe.String(req.CustomerRef),
		PaymentMethod: stripe.String(req.PaymentMethodRef),
		Confirm:       stripe.Bool(true),
		OffSession:    stripe.Bool(true),
		Description:   stripe.String(req.Description),
	}
	params.Context = ctx
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}

	pi, err := g.api.NewPaymentIntent(params)
	if err != nil {
		var stripeErr *stripe.Error
		if errors.As(err, &stripeErr) && stripeErr.Type == stripe.ErrorTypeCard {
			return &billing.ChargeResult{
				TransactionID: paymentIntentID(stripeErr),
				FailureReason: FailureReason(stripeErr),
				Message:       stripeErr.Msg,
			}, nil
		}
		return nil, fmt.Errorf("failed to create payment intent: %w", err)
	}

	if pi.Status == stripe.PaymentIntentStatusSucceeded {
		return &billing.ChargeResult{Success: true, TransactionID: pi.ID}, nil
	}
	result := &billing.ChargeResult{
		TransactionID: pi.ID,
		FailureReason: billing.FailureCardDeclined,
		Message:       fmt.Sprintf("payment intent %s", pi.Status),
	}
	if pi.LastPaymentError != nil {
		result.FailureReason = FailureReason(pi.LastPaymentError)
		result.Message = pi.LastPaymentError.Msg
	}
	return result, nil
}

// CancelSubscription cancels a Stripe subscription immediately
func (g *Gateway) CancelSubscription(ctx context.Context, gatewaySubscriptionID string) error {
	params := &stripe.SubscriptionCancelParams{}
	params.Context = ctx
	if _, err := g.api.CancelSubscription(gatewaySubscriptionID, params); err != nil {
		return fmt.Errorf("failed to cancel stripe subscription: %w", err)
	}
	return nil
}

// VerifyWebhookSignature checks the Stripe-Signature header of a payload
func (g *Gateway) VerifyWebhookSignature(payload []byte, signature string) bool {
	if g.webhookSecret == "" {
		return false
	}
	return webhook.ValidatePayload(payload, signature, g.webhookSecret) == nil
}

// DecodeWebhook turns a verified payment_intent webhook into a billing.WebhookEvent.
// Other event types are returned with only ID and Type set.
func (g *Gateway) DecodeWebhook(payload []byte) (*billing.WebhookEvent, error) {
	var event stripe.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, fmt.Errorf("failed to parse webhook event: %w", err)
	}
	out := &billing.WebhookEvent{ID: event.ID, Type: string(event.Type)}
	if out.Type != billing.WebhookPaymentSucceeded && out.Type != billing.WebhookPaymentFailed {
		return out, nil
	}
	if event.Data == nil {
		return nil, fmt.Errorf("webhook event %s has no data", event.ID)
	}

	var pi stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
		return nil, fmt.Errorf("failed to parse payment intent: %w", err)
	}
	out.TransactionID = pi.ID
	out.AmountCents = pi.Amount
	out.InvoiceID = metadataInt(pi.Metadata, billing.MetadataInvoiceID)
	out.SubscriptionID = metadataInt(pi.Metadata, billing.MetadataSubscriptionID)
	_, out.Scheduled = pi.Metadata[billing.MetadataRetryAttempt]
	if pi.LastPaymentError != nil {
		out.FailureReason = FailureReason(pi.LastPaymentError)
		out.Message = pi.LastPaymentError.Msg
	} else if out.Type == billing.WebhookPaymentFailed {
		out.FailureReason = billing.FailureCardDeclined
	}
	return out, nil
}

// FailureReason classifies a Stripe error
func FailureReason(err *stripe.Error) billing.FailureReason {
	switch {
	case err.DeclineCode == stripe.DeclineCodeInsufficientFunds:
		return billing.FailureInsufficientFunds
	case err.Type == stripe.ErrorTypeCard || err.Code == stripe.ErrorCodeCardDeclined:
		return billing.FailureCardDeclined
	default:
		return billing.FailureGatewayError
	}
}

func paymentIntentID(err *stripe.Error) string {
	if err.PaymentIntent != nil {
		return err.PaymentIntent.ID
	}
	return ""
}

func metadataInt(md map[string]string, key string) int64 {
	v, err := strconv.ParseInt(md[key], 10, 64)
	if err != nil {
		return 0
	}
	return v
}
