package payment

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strconv"
	"time"
)

// Outcome is a gateway's answer to a charge.
type Outcome struct {
	// Status is completed, failed or, for asynchronous gateways, pending.
	Status        Status
	TransactionID string
	Response      string
	ErrorMessage  string
}

// Gateway settles charges with an external payment provider.
type Gateway interface {
	Charge(ctx context.Context, p *Payment) (Outcome, error)
}

// Refunder is implemented by gateways able to return captured funds.
type Refunder interface {
	Refund(ctx context.Context, p *Payment) error
}

// WebhookEvent is a verified provider callback.
type WebhookEvent struct {
	ID string
	// PaymentID is empty for events that do not concern a payment.
	PaymentID string
	Outcome   Outcome
}

// WebhookVerifier authenticates and decodes provider callbacks.
type WebhookVerifier interface {
	ParseWebhook(payload []byte, signature string) (*WebhookEvent, error)
}

// SimulatedGateway stands in for a real provider: it completes a charge
// with a configured probability. It is not a security control.
type SimulatedGateway struct {
	successRate float64
	rnd         func() float64
	now         func() time.Time
}

// NewSimulatedGateway creates a SimulatedGateway that succeeds with the
// given probability in [0, 1].
func NewSimulatedGateway(successRate float64) *SimulatedGateway {
	return &SimulatedGateway{
		successRate: successRate,
		rnd:         rand.Float64,
		now:         time.Now,
	}
}

// Charge resolves the charge immediately.
func (g *SimulatedGateway) Charge(ctx context.Context, p *Payment) (Outcome, error) {
	if err := ctx.Err(); err != nil {
		return Outcome{}, err
	}
	if g.rnd() >= g.successRate {
		return Outcome{
			Status:       StatusFailed,
			Response:     "Insufficient funds (test)",
			ErrorMessage: "Test payment failed (simulated)",
		}, nil
	}
	txID := fmt.Sprintf("TEST-%d-%s", g.now().UnixMilli(), strconv.FormatUint(rand.Uint64()%(1<<45), 36))
	return Outcome{
		Status:        StatusCompleted,
		TransactionID: txID,
		Response:      "Test payment completed successfully",
	}, nil
}

// Refund always succeeds.
func (g *SimulatedGateway) Refund(ctx context.Context, _ *Payment) error {
	return ctx.Err()
}
