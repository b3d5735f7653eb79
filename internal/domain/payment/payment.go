package payment

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xenking/kart-fulfillment/internal/domain/apperr"
	"github.com/xenking/kart-fulfillment/internal/domain/order"
)

// Method is the way a payment is settled.
type Method string

const (
	// MethodTest is settled immediately by the simulated gateway.
	MethodTest         Method = "test"
	MethodCreditCard   Method = "credit_card"
	MethodDebitCard    Method = "debit_card"
	MethodPayPal       Method = "paypal"
	MethodStripe       Method = "stripe"
	MethodMercadoPago  Method = "mercadopago"
	MethodBankTransfer Method = "bank_transfer"
)

// ParseMethod validates s as a payment method.
func ParseMethod(s string) (Method, error) {
	m := Method(strings.ToLower(strings.TrimSpace(s)))
	switch m {
	case MethodTest, MethodCreditCard, MethodDebitCard, MethodPayPal,
		MethodStripe, MethodMercadoPago, MethodBankTransfer:
		return m, nil
	}
	return "", apperr.Errorf(apperr.InvalidInput, "unsupported payment method %q", s)
}

// Status is the lifecycle state of a payment.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusRefunded   Status = "refunded"
	StatusCancelled  Status = "cancelled"
)

// Open reports whether the payment still awaits an outcome.
func (s Status) Open() bool {
	return s == StatusPending || s == StatusProcessing
}

// Sentinel errors for payment operations.
var (
	ErrNotFound      = apperr.New(apperr.NotFound, "payment not found")
	ErrAccessDenied  = apperr.New(apperr.Forbidden, "access denied")
	ErrAlreadyPaid   = order.ErrAlreadyPaid
	ErrNotRefunder   = apperr.New(apperr.Forbidden, "only administrators can process refunds")
	ErrNotRefundable = apperr.New(apperr.InvalidState, "only completed payments can be refunded")
)

// Payment is one settlement attempt against an order's total.
type Payment struct {
	ID      string
	OrderID string
	UserID  string
	// Amount is the order total when the payment was created.
	Amount          decimal.Decimal
	Method          Method
	Status          Status
	TransactionID   string
	GatewayResponse string
	ErrorMessage    string
	ProcessedAt     *time.Time
	// OrderSynced is false while the order has not yet observed the
	// payment's terminal status.
	OrderSynced bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Repository provides persistence for payments.
type Repository interface {
	Create(ctx context.Context, p *Payment) error
	// Get returns ErrNotFound when absent.
	Get(ctx context.Context, id string) (*Payment, error)
	// ListByOrder returns the payments of an order, newest first.
	ListByOrder(ctx context.Context, orderID string) ([]Payment, error)
	// Update locks the payment, applies fn and persists the result.
	Update(ctx context.Context, id string, fn func(p *Payment) error) (*Payment, error)
	// ListUnsynced returns terminal payments whose order sync has not been
	// confirmed, oldest first.
	ListUnsynced(ctx context.Context, limit int) ([]Payment, error)
	// ListStale returns payments stuck in processing since before the given
	// time, oldest first.
	ListStale(ctx context.Context, before time.Time, limit int) ([]Payment, error)
}
