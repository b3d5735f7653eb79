// Package stripe settles card payments through Stripe PaymentIntents.
package stripe

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	stripeapi "github.com/stripe/stripe-go/v84"
	"github.com/stripe/stripe-go/v84/webhook"

	"github.com/xenking/kart-fulfillment/internal/domain/payment"
)

// Provider is the webhook path segment of Stripe callbacks.
const Provider = "stripe"

// Metadata keys attached to every PaymentIntent.
const (
	metadataPaymentID = "payment_id"
	metadataOrderID   = "order_id"
)

var (
	_ payment.Gateway         = (*Gateway)(nil)
	_ payment.Refunder        = (*Gateway)(nil)
	_ payment.WebhookVerifier = (*Gateway)(nil)
)

// Gateway creates PaymentIntents for payments and turns their webhook
// events into outcomes. A charge is asynchronous: the intent is confirmed
// by the client and reported back through the webhook.
type Gateway struct {
	client        *stripeapi.Client
	webhookSecret string
	currency      string
}

// New creates a Gateway using client. Webhooks are verified with
// webhookSecret.
func New(client *stripeapi.Client, webhookSecret, currency string) *Gateway {
	if currency == "" {
		currency = string(stripeapi.CurrencyUSD)
	}
	return &Gateway{
		client:        client,
		webhookSecret: webhookSecret,
		currency:      strings.ToLower(currency),
	}
}

// NewFromKey creates a Gateway with a client for secretKey.
func NewFromKey(secretKey, webhookSecret, currency string) *Gateway {
	return New(stripeapi.NewClient(secretKey), webhookSecret, currency)
}

// Charge creates a PaymentIntent for p. The payment id doubles as the
// idempotency key, so a retried charge returns the same intent.
func (g *Gateway) Charge(ctx context.Context, p *payment.Payment) (payment.Outcome, error) {
	params := &stripeapi.PaymentIntentCreateParams{
		Amount:   stripeapi.Int64(cents(p.Amount)),
		Currency: stripeapi.String(g.currency),
		Metadata: map[string]string{
			metadataPaymentID: p.ID,
			metadataOrderID:   p.OrderID,
		},
	}
	params.SetIdempotencyKey(p.ID)

	pi, err := g.client.V1PaymentIntents.Create(ctx, params)
	if err != nil {
		return payment.Outcome{}, errors.Wrap(err, "create payment intent")
	}

	out := payment.Outcome{
		Status:        payment.StatusPending,
		TransactionID: pi.ID,
		Response:      string(pi.Status),
	}
	switch pi.Status {
	case stripeapi.PaymentIntentStatusSucceeded:
		out.Status = payment.StatusCompleted
	case stripeapi.PaymentIntentStatusCanceled:
		out.Status = payment.StatusFailed
		out.ErrorMessage = "payment intent canceled"
	}
	return out, nil
}

// Refund refunds the whole PaymentIntent of p.
func (g *Gateway) Refund(ctx context.Context, p *payment.Payment) error {
	if p.TransactionID == "" {
		return errors.New("payment has no payment intent")
	}
	params := &stripeapi.RefundCreateParams{
		PaymentIntent: stripeapi.String(p.TransactionID),
	}
	params.SetIdempotencyKey("refund-" + p.ID)

	if _, err := g.client.V1Refunds.Create(ctx, params); err != nil {
		return errors.Wrap(err, "create refund")
	}
	return nil
}

// ParseWebhook verifies the Stripe-Signature header and decodes
// PaymentIntent outcomes. Other event types yield an event without a
// payment id.
func (g *Gateway) ParseWebhook(payload []byte, signature string) (*payment.WebhookEvent, error) {
	if signature == "" {
		return nil, errors.New("missing stripe signature")
	}
	event, err := webhook.ConstructEventWithOptions(payload, signature, g.webhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return nil, errors.Wrap(err, "webhook signature validation failed")
	}

	ev := &payment.WebhookEvent{ID: event.ID}
	var status payment.Status
	switch event.Type {
	case stripeapi.EventTypePaymentIntentSucceeded:
		status = payment.StatusCompleted
	case stripeapi.EventTypePaymentIntentPaymentFailed, stripeapi.EventTypePaymentIntentCanceled:
		status = payment.StatusFailed
	default:
		return ev, nil
	}
	if event.Data == nil {
		return nil, errors.New("missing stripe event data")
	}

	var pi stripeapi.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
		return nil, errors.Wrap(err, "decode payment intent")
	}

	ev.PaymentID = pi.Metadata[metadataPaymentID]
	ev.Outcome = payment.Outcome{
		Status:        status,
		TransactionID: pi.ID,
		Response:      string(event.Type),
	}
	if status == payment.StatusFailed {
		ev.Outcome.ErrorMessage = "payment failed"
		if pi.LastPaymentError != nil && pi.LastPaymentError.Msg != "" {
			ev.Outcome.ErrorMessage = pi.LastPaymentError.Msg
		}
	}
	return ev, nil
}

// cents converts an amount to the smallest currency unit.
func cents(amount decimal.Decimal) int64 {
	return amount.Shift(2).Round(0).IntPart()
}
