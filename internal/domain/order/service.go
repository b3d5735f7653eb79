package order

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xenking/kart-fulfillment/internal/domain/apperr"
	"github.com/xenking/kart-fulfillment/internal/domain/auth"
	"github.com/xenking/kart-fulfillment/internal/domain/coupon"
	"github.com/xenking/kart-fulfillment/internal/domain/product"
)

// WarnCouponNotApplied is attached to a created order whose coupon was
// valid at pricing time but could no longer be redeemed.
const WarnCouponNotApplied = "coupon could not be redeemed; order was placed at full price"

// Pricing holds the monetary policy applied at checkout.
type Pricing struct {
	// ShippingFlat is charged on every order unless waived.
	ShippingFlat decimal.Decimal
	// TaxRate applies to the discounted subtotal.
	TaxRate decimal.Decimal
	// WaiveShippingWithCoupon waives shipping when a coupon discount applied.
	// Free-shipping coupons always waive it.
	WaiveShippingWithCoupon bool
}

// DefaultPricing is a 10.00 flat shipping rate, 8% tax and shipping waived
// with any discount.
func DefaultPricing() Pricing {
	return Pricing{
		ShippingFlat:            decimal.NewFromInt(10),
		TaxRate:                 decimal.RequireFromString("0.08"),
		WaiveShippingWithCoupon: true,
	}
}

// ItemRequest is one requested order line.
type ItemRequest struct {
	VariantID string
	Quantity  int
}

// CreateRequest holds the input for creating an order.
type CreateRequest struct {
	UserID          string
	Items           []ItemRequest
	ShippingAddress Address
	BillingAddress  Address
	CouponCode      string
	Notes           string
}

// CreateResult holds a created order and non-fatal warnings raised while
// creating it.
type CreateResult struct {
	Order    *Order
	Warnings []string
}

// Patch is a partial order update. Nil fields are left unchanged.
type Patch struct {
	Status         *Status
	TrackingNumber *string
	Notes          *string
}

// Service assembles orders and drives their state machine.
type Service struct {
	catalog   product.Catalog
	coupons   coupon.Validator
	orders    Repository
	allocator *Allocator
	pricing   Pricing
	now       func() time.Time
	// numberRetries bounds attempts after a duplicate order number.
	numberRetries uint64
	retryDelay    time.Duration
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the service's time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithPricing overrides DefaultPricing.
func WithPricing(p Pricing) Option {
	return func(s *Service) { s.pricing = p }
}

// WithNumberRetries sets how many times allocation is retried after a
// duplicate order number and the initial delay between attempts.
func WithNumberRetries(n uint64, delay time.Duration) Option {
	return func(s *Service) {
		s.numberRetries = n
		s.retryDelay = delay
	}
}

// NewService creates an order Service with the required domain dependencies.
func NewService(
	catalog product.Catalog,
	coupons coupon.Validator,
	orders Repository,
	allocator *Allocator,
	opts ...Option,
) *Service {
	s := &Service{
		catalog:       catalog,
		coupons:       coupons,
		orders:        orders,
		allocator:     allocator,
		pricing:       DefaultPricing(),
		now:           time.Now,
		numberRetries: 5,
		retryDelay:    10 * time.Millisecond,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// CreateOrder validates the requested lines, prices them, applies an
// optional coupon and persists the order with its items and coupon
// redemption as one unit.
func (s *Service) CreateOrder(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	if len(req.Items) == 0 {
		return nil, ErrEmptyItems
	}
	if req.UserID == "" {
		return nil, apperr.New(apperr.InvalidInput, "user required")
	}

	ids := make([]string, 0, len(req.Items))
	seen := make(map[string]struct{}, len(req.Items))
	for _, item := range req.Items {
		if item.VariantID == "" {
			return nil, apperr.New(apperr.InvalidInput, "variant id required")
		}
		if item.Quantity <= 0 {
			return nil, apperr.Errorf(apperr.InvalidInput,
				"quantity must be greater than 0 for variant %s", item.VariantID)
		}
		if _, ok := seen[item.VariantID]; !ok {
			seen[item.VariantID] = struct{}{}
			ids = append(ids, item.VariantID)
		}
	}

	// Batch fetch all variants in a single lookup.
	fetched, err := s.catalog.GetVariantsByIDs(ctx, ids)
	if err != nil {
		return nil, apperr.Wrap(apperr.Unavailable, err, "get variants")
	}
	variantMap := make(map[string]product.Variant, len(fetched))
	for _, v := range fetched {
		variantMap[v.ID] = v
	}

	lines := make([]Item, 0, len(req.Items))
	subtotal := decimal.Zero
	for _, item := range req.Items {
		v, ok := variantMap[item.VariantID]
		if !ok {
			return nil, apperr.Errorf(apperr.NotFound, "variant %s not found", item.VariantID)
		}
		if !v.Purchasable() {
			return nil, apperr.Errorf(apperr.Unavailable, "variant %s is not available", item.VariantID)
		}
		lineSubtotal := v.Price.Mul(decimal.NewFromInt(int64(item.Quantity)))
		lines = append(lines, Item{
			VariantID:   v.ID,
			ProductName: v.Product.Name,
			SKU:         v.SKU,
			Quantity:    item.Quantity,
			UnitPrice:   v.Price,
			Subtotal:    lineSubtotal,
		})
		subtotal = subtotal.Add(lineSubtotal)
	}

	lg := zctx.From(ctx)

	var applied *coupon.Validation
	if req.CouponCode != "" {
		v, err := s.coupons.Validate(ctx, req.CouponCode, req.UserID, subtotal)
		if err != nil {
			return nil, errors.Wrap(err, "validate coupon")
		}
		if v.Valid {
			applied = v
		} else {
			// Invalid coupons never block checkout.
			lg.Info("Coupon ignored",
				zap.String("code", coupon.NormalizeCode(req.CouponCode)),
				zap.String("reason", string(v.Reason)),
			)
		}
	}

	var warnings []string
	o, err := s.persist(ctx, s.assemble(req, lines, subtotal, applied))
	if errors.Is(err, coupon.ErrRedemptionRejected) {
		lg.Warn("Coupon redemption rejected, placing order at full price",
			zap.String("code", applied.Coupon.Code),
			zap.Error(err),
		)
		warnings = append(warnings, WarnCouponNotApplied)
		o, err = s.persist(ctx, s.assemble(req, lines, subtotal, nil))
	}
	if err != nil {
		return nil, errors.Wrap(err, "create order")
	}

	lg.Info("Order created",
		zap.String("order_id", o.ID),
		zap.String("number", o.Number),
		zap.String("total", o.Total.StringFixed(2)),
	)
	return &CreateResult{Order: o, Warnings: warnings}, nil
}

// assemble prices an order. A nil coupon prices it at full price.
func (s *Service) assemble(req CreateRequest, lines []Item, subtotal decimal.Decimal, applied *coupon.Validation) *Order {
	discount := decimal.Zero
	shipping := s.pricing.ShippingFlat
	var ref *CouponRef
	if applied != nil {
		discount = decimal.Min(applied.Discount, subtotal).Round(2)
		ref = &CouponRef{ID: applied.Coupon.ID, Code: applied.Coupon.Code}
		if applied.FreeShipping || (s.pricing.WaiveShippingWithCoupon && discount.IsPositive()) {
			shipping = decimal.Zero
		}
	}
	subtotal = subtotal.Round(2)
	shipping = shipping.Round(2)
	tax := subtotal.Sub(discount).Mul(s.pricing.TaxRate).Round(2)

	items := make([]Item, len(lines))
	copy(items, lines)
	allocateDiscount(items, subtotal, discount)

	return &Order{
		UserID:          req.UserID,
		Status:          StatusPending,
		PaymentStatus:   PaymentPending,
		Subtotal:        subtotal,
		DiscountAmount:  discount,
		ShippingCost:    shipping,
		TaxAmount:       tax,
		Total:           subtotal.Sub(discount).Add(shipping).Add(tax),
		Coupon:          ref,
		ShippingAddress: req.ShippingAddress,
		BillingAddress:  req.BillingAddress,
		Notes:           req.Notes,
		Items:           items,
	}
}

// allocateDiscount spreads the order discount over the lines in proportion
// to their subtotals. The last line absorbs the rounding remainder so line
// totals sum to subtotal minus discount.
func allocateDiscount(items []Item, subtotal, discount decimal.Decimal) {
	remaining := discount
	for i := range items {
		share := decimal.Zero
		switch {
		case i == len(items)-1:
			share = remaining
		case subtotal.IsPositive():
			share = discount.Mul(items[i].Subtotal).Div(subtotal).Round(2)
			share = decimal.Min(share, remaining)
		}
		remaining = remaining.Sub(share)
		items[i].Discount = share
		items[i].Total = items[i].Subtotal.Sub(share)
	}
}

// persist allocates a number and stores o, retrying with a fresh number
// when the allocated one was taken.
func (s *Service) persist(ctx context.Context, o *Order) (*Order, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.retryDelay
	b.MaxElapsedTime = 0

	attempt := func() error {
		now := s.now()
		number, err := s.allocator.Allocate(ctx, now)
		if err != nil {
			return backoff.Permanent(apperr.Wrap(apperr.Unavailable, err, "allocate order number"))
		}

		o.ID = uuid.New().String()
		o.Number = number
		o.CreatedAt = now
		o.UpdatedAt = now
		for i := range o.Items {
			o.Items[i].ID = uuid.New().String()
			o.Items[i].OrderID = o.ID
		}

		err = s.orders.Create(ctx, o)
		if errors.Is(err, ErrDuplicateNumber) {
			zctx.From(ctx).Warn("Order number taken, retrying", zap.String("number", number))
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(b, s.numberRetries), ctx)
	if err := backoff.Retry(attempt, policy); err != nil {
		return nil, err
	}
	return o, nil
}

// Get returns an order visible to the caller.
func (s *Service) Get(ctx context.Context, id string, caller auth.Caller) (*Order, error) {
	o, err := s.orders.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !caller.CanAccess(o.UserID) {
		return nil, ErrAccessDenied
	}
	return o, nil
}

// GetByNumber returns an order visible to the caller by its number.
func (s *Service) GetByNumber(ctx context.Context, number string, caller auth.Caller) (*Order, error) {
	o, err := s.orders.GetByNumber(ctx, number)
	if err != nil {
		return nil, err
	}
	if !caller.CanAccess(o.UserID) {
		return nil, ErrAccessDenied
	}
	return o, nil
}

// Cancel cancels a pending or confirmed order on behalf of its owner or an
// elevated caller.
func (s *Service) Cancel(ctx context.Context, id string, caller auth.Caller) (*Order, error) {
	o, err := s.orders.Update(ctx, id, func(o *Order) error {
		if !caller.CanAccess(o.UserID) {
			return ErrAccessDenied
		}
		if !o.Status.Cancellable() {
			return apperr.Errorf(apperr.InvalidState, "order cannot be cancelled in status %s", o.Status)
		}
		o.Status = StatusCancelled
		o.UpdatedAt = s.now()
		return nil
	})
	if err != nil {
		return nil, err
	}

	zctx.From(ctx).Info("Order cancelled", zap.String("order_id", o.ID), zap.String("by", caller.UserID))
	return o, nil
}

// Update applies p. Status and tracking changes require an elevated caller;
// owners may edit notes.
func (s *Service) Update(ctx context.Context, id string, p Patch, caller auth.Caller) (*Order, error) {
	if p.Status != nil && !p.Status.Valid() {
		return nil, apperr.Errorf(apperr.InvalidInput, "unknown order status %q", *p.Status)
	}

	return s.orders.Update(ctx, id, func(o *Order) error {
		if !caller.CanAccess(o.UserID) {
			return ErrAccessDenied
		}
		if (p.Status != nil || p.TrackingNumber != nil) && !caller.Elevated {
			return ErrAccessDenied
		}

		now := s.now()
		if p.Status != nil {
			if !CanTransition(o.Status, *p.Status) {
				return apperr.Errorf(apperr.InvalidState,
					"order cannot move from %s to %s", o.Status, *p.Status)
			}
			o.Status = *p.Status
			switch o.Status {
			case StatusShipped:
				if o.ShippedAt == nil {
					o.ShippedAt = &now
				}
			case StatusDelivered:
				if o.DeliveredAt == nil {
					o.DeliveredAt = &now
				}
			}
		}
		if p.TrackingNumber != nil {
			o.TrackingNumber = *p.TrackingNumber
		}
		if p.Notes != nil {
			o.Notes = *p.Notes
		}
		o.UpdatedAt = now
		return nil
	})
}

// MarkPaymentStatus records the outcome of a payment on its order. Marking
// a pending order paid confirms it. Repeating the current outcome is a
// no-op. See Order.ApplyPayment for the settlement rules.
func (s *Service) MarkPaymentStatus(ctx context.Context, id, paymentID string, ps PaymentStatus) (*Order, error) {
	o, err := s.orders.Update(ctx, id, func(o *Order) error {
		changed, err := o.ApplyPayment(paymentID, ps)
		if err != nil {
			return err
		}
		if changed {
			o.UpdatedAt = s.now()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	zctx.From(ctx).Info("Order payment status updated",
		zap.String("order_id", o.ID),
		zap.String("payment_status", string(o.PaymentStatus)),
		zap.String("status", string(o.Status)),
	)
	return o, nil
}
