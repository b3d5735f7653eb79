package order

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xenking/kart-fulfillment/internal/domain/apperr"
)

// Status is the fulfillment status of an order.
type Status string

const (
	StatusPending    Status = "pending"
	StatusConfirmed  Status = "confirmed"
	StatusProcessing Status = "processing"
	StatusShipped    Status = "shipped"
	StatusDelivered  Status = "delivered"
	StatusCancelled  Status = "cancelled"
	StatusRefunded   Status = "refunded"
)

// PaymentStatus is the settlement status of an order.
type PaymentStatus string

const (
	PaymentPending  PaymentStatus = "pending"
	PaymentPaid     PaymentStatus = "paid"
	PaymentFailed   PaymentStatus = "failed"
	PaymentRefunded PaymentStatus = "refunded"
)

// Sentinel errors for order operations.
var (
	ErrNotFound        = apperr.New(apperr.NotFound, "order not found")
	ErrAccessDenied    = apperr.New(apperr.Forbidden, "access denied")
	ErrDuplicateNumber = apperr.New(apperr.Conflict, "order number already taken")
	ErrEmptyItems      = apperr.New(apperr.InvalidInput, "items required")
	// ErrAlreadyPaid is returned when a second payment tries to settle an
	// order.
	ErrAlreadyPaid = apperr.New(apperr.Conflict, "order is already paid")
)

// Address is a shipping or billing snapshot captured at checkout.
type Address struct {
	Name       string `json:"name"`
	Line1      string `json:"line1"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city"`
	State      string `json:"state,omitempty"`
	PostalCode string `json:"postal_code"`
	Country    string `json:"country"`
	Phone      string `json:"phone,omitempty"`
}

// CouponRef is the snapshot of the coupon applied to an order.
type CouponRef struct {
	ID   string
	Code string
}

// Item is an immutable order line.
type Item struct {
	ID          string
	OrderID     string
	VariantID   string
	ProductName string
	SKU         string
	Quantity    int
	UnitPrice   decimal.Decimal
	// Subtotal is UnitPrice * Quantity.
	Subtotal decimal.Decimal
	// Discount is this line's share of the order discount.
	Discount decimal.Decimal
	Total    decimal.Decimal
}

// Order is a priced purchase record with mutable fulfillment and payment
// status.
type Order struct {
	ID            string
	Number        string
	UserID        string
	Status        Status
	PaymentStatus PaymentStatus
	// PaidBy is the id of the payment that settled the order.
	PaidBy string

	Subtotal       decimal.Decimal
	DiscountAmount decimal.Decimal
	ShippingCost   decimal.Decimal
	TaxAmount      decimal.Decimal
	Total          decimal.Decimal

	Coupon          *CouponRef
	ShippingAddress Address
	BillingAddress  Address
	Notes           string
	TrackingNumber  string

	Items []Item

	ShippedAt   *time.Time
	DeliveredAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	DeletedAt   *time.Time
}

// Repository provides persistence for orders.
type Repository interface {
	// Create stores the header, its items and, when o.Coupon is set, the
	// coupon redemption in one transaction. The redemption is guarded by the
	// coupon's limits and fails with coupon.ErrRedemptionRejected, rolling
	// everything back. A clashing number fails with ErrDuplicateNumber.
	Create(ctx context.Context, o *Order) error
	// Get loads an order with its items. Returns ErrNotFound when absent.
	Get(ctx context.Context, id string) (*Order, error)
	// GetByNumber loads an order by its human-readable number.
	GetByNumber(ctx context.Context, number string) (*Order, error)
	// Update locks the order, applies fn to it and persists the header
	// fields fn changed. Returning an error from fn aborts the update.
	Update(ctx context.Context, id string, fn func(o *Order) error) (*Order, error)
}
