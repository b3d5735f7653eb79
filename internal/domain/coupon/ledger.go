package coupon

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xenking/kart-fulfillment/internal/domain/apperr"
)

// Ledger validates coupons, records redemptions and retires coupons that
// expired or were used up.
type Ledger struct {
	repo Repository
	now  func() time.Time
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides the ledger's time source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// NewLedger creates a Ledger backed by repo.
func NewLedger(repo Repository, opts ...Option) *Ledger {
	l := &Ledger{repo: repo, now: time.Now}
	for _, o := range opts {
		o(l)
	}
	return l
}

// RecordUsage appends a redemption of the coupon by the user for the order.
// It must only be called once the order exists. Duplicate calls for the same
// order do not count twice.
func (l *Ledger) RecordUsage(ctx context.Context, u Usage) (*Coupon, error) {
	if u.CouponID == "" || u.UserID == "" || u.OrderID == "" {
		return nil, apperr.New(apperr.InvalidInput, "coupon, user and order are required")
	}
	if u.DiscountApplied.IsNegative() {
		return nil, apperr.New(apperr.InvalidInput, "discount must not be negative")
	}
	if u.ID == "" {
		u.ID = uuid.New().String()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = l.now()
	}

	c, err := l.repo.RecordUsage(ctx, u)
	if err != nil {
		if errors.Is(err, ErrRedemptionRejected) || errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, unavailable(err, "record coupon usage")
	}

	zctx.From(ctx).Info("Coupon redeemed",
		zap.String("coupon", c.Code),
		zap.String("order_id", u.OrderID),
		zap.Int("times_used", c.TimesUsed),
		zap.String("status", string(c.Status)),
	)
	return c, nil
}

// SweepExpired retires active coupons whose validity window has ended.
// It is idempotent and safe to run concurrently with redemptions.
func (l *Ledger) SweepExpired(ctx context.Context) (int64, error) {
	n, err := l.repo.ExpireBefore(ctx, l.now())
	if err != nil {
		return 0, unavailable(err, "expire coupons")
	}
	if n > 0 {
		zctx.From(ctx).Info("Expired coupons", zap.Int64("count", n))
	}
	return n, nil
}

// FindByCode returns the coupon with the given code.
func (l *Ledger) FindByCode(ctx context.Context, code string) (*Coupon, error) {
	c, err := l.repo.FindByCode(ctx, NormalizeCode(code))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, unavailable(err, "lookup coupon")
	}
	return c, nil
}

// UserUsage returns how many times the user redeemed the coupon.
func (l *Ledger) UserUsage(ctx context.Context, couponID, userID string) (int, error) {
	n, err := l.repo.CountUsages(ctx, couponID, userID)
	if err != nil {
		return 0, unavailable(err, "count coupon usages")
	}
	return n, nil
}

// Create validates and stores a new coupon. The code is normalized to
// uppercase and the coupon starts active with no usages.
func (l *Ledger) Create(ctx context.Context, c *Coupon) (*Coupon, error) {
	c.Code = NormalizeCode(c.Code)
	if err := validateDefinition(c); err != nil {
		return nil, err
	}

	now := l.now()
	c.ID = uuid.New().String()
	c.TimesUsed = 0
	if c.Status == "" {
		c.Status = StatusActive
	}
	c.CreatedAt = now
	c.UpdatedAt = now

	if err := l.repo.Create(ctx, c); err != nil {
		if errors.Is(err, ErrDuplicateCode) {
			return nil, err
		}
		return nil, unavailable(err, "create coupon")
	}
	return c, nil
}

// Deactivate withdraws an active coupon from use. Deactivating an inactive
// coupon is a no-op; expired and exhausted coupons cannot be deactivated.
func (l *Ledger) Deactivate(ctx context.Context, code string) (*Coupon, error) {
	return l.setStatus(ctx, code, StatusActive, StatusInactive)
}

// Activate puts an inactive coupon back in use. Expired and exhausted
// coupons stay retired.
func (l *Ledger) Activate(ctx context.Context, code string) (*Coupon, error) {
	return l.setStatus(ctx, code, StatusInactive, StatusActive)
}

func (l *Ledger) setStatus(ctx context.Context, code string, from, to Status) (*Coupon, error) {
	c, err := l.repo.SetStatus(ctx, NormalizeCode(code), from, to, l.now())
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, unavailable(err, "update coupon status")
	}
	if c.Status != to {
		return nil, apperr.Errorf(apperr.InvalidState, "coupon is %s", c.Status)
	}

	zctx.From(ctx).Info("Coupon status changed",
		zap.String("coupon", c.Code),
		zap.String("status", string(c.Status)),
	)
	return c, nil
}

func validateDefinition(c *Coupon) error {
	if c.Code == "" {
		return apperr.New(apperr.InvalidInput, "coupon code is required")
	}
	if _, err := ParseType(string(c.Type)); err != nil {
		return err
	}
	switch c.Type {
	case TypePercentage:
		if !c.Value.IsPositive() || c.Value.GreaterThan(hundred) {
			return apperr.New(apperr.InvalidInput, "percentage value must be within (0, 100]")
		}
	case TypeFixedAmount:
		if !c.Value.IsPositive() {
			return apperr.New(apperr.InvalidInput, "fixed amount must be positive")
		}
	case TypeFreeShipping:
		if c.Value.IsNegative() {
			return apperr.New(apperr.InvalidInput, "value must not be negative")
		}
	}
	if c.ValidFrom != nil && c.ValidUntil != nil && !c.ValidFrom.Before(*c.ValidUntil) {
		return apperr.New(apperr.InvalidInput, "valid from date must be before valid until date")
	}
	if c.UsageLimit != nil && *c.UsageLimit < 1 {
		return apperr.New(apperr.InvalidInput, "usage limit must be at least 1")
	}
	if c.UsageLimitPerUser != nil && *c.UsageLimitPerUser < 1 {
		return apperr.New(apperr.InvalidInput, "per-user usage limit must be at least 1")
	}
	if c.MinimumPurchase != nil && c.MinimumPurchase.IsNegative() {
		return apperr.New(apperr.InvalidInput, "minimum purchase must not be negative")
	}
	if c.MaximumDiscount != nil && c.MaximumDiscount.IsNegative() {
		return apperr.New(apperr.InvalidInput, "maximum discount must not be negative")
	}
	switch c.Status {
	case "", StatusActive, StatusInactive:
	default:
		return apperr.Errorf(apperr.InvalidInput, "coupon cannot be created as %s", c.Status)
	}
	return nil
}
