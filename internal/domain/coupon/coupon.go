package coupon

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xenking/kart-fulfillment/internal/domain/apperr"
)

// Type enumerates the supported coupon discount strategies.
type Type string

const (
	// TypePercentage takes a percentage of the cart total.
	TypePercentage Type = "percentage"
	// TypeFixedAmount takes a fixed monetary amount.
	TypeFixedAmount Type = "fixed_amount"
	// TypeFreeShipping waives shipping and carries no monetary discount.
	TypeFreeShipping Type = "free_shipping"
)

// ParseType validates s as a coupon type.
func ParseType(s string) (Type, error) {
	t := Type(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := discountFuncs[t]; !ok {
		return "", apperr.Errorf(apperr.InvalidInput, "unsupported coupon type %q", s)
	}
	return t, nil
}

// Status is the lifecycle state of a coupon.
type Status string

const (
	StatusActive    Status = "active"
	StatusInactive  Status = "inactive"
	StatusExpired   Status = "expired"
	StatusExhausted Status = "exhausted"
)

var (
	// ErrNotFound is returned when no coupon matches a code or id.
	ErrNotFound = apperr.New(apperr.NotFound, "coupon not found")
	// ErrDuplicateCode is returned when creating a coupon whose code exists.
	ErrDuplicateCode = apperr.New(apperr.Conflict, "coupon code already exists")
	// ErrRedemptionRejected is returned by RecordUsage when the coupon can no
	// longer be redeemed by this user: it was exhausted, deactivated or the
	// per-user allowance was consumed after validation.
	ErrRedemptionRejected = apperr.New(apperr.Conflict, "coupon redemption rejected")
)

// Coupon is a discount code with eligibility rules and usage limits.
type Coupon struct {
	ID          string
	Code        string
	Name        string
	Description string
	Type        Type
	Value       decimal.Decimal

	MinimumPurchase   *decimal.Decimal
	MaximumDiscount   *decimal.Decimal
	UsageLimit        *int
	UsageLimitPerUser *int
	ValidFrom         *time.Time
	ValidUntil        *time.Time

	Status Status
	// SingleUse coupons are exhausted by their first redemption.
	SingleUse bool
	// RestrictedTo limits the coupon to one user id when non-empty.
	RestrictedTo string
	TimesUsed    int

	CreatedAt time.Time
	UpdatedAt time.Time
}

// NormalizeCode returns the canonical form of a coupon code.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// ExhaustedAfter reports whether the coupon must be retired once its usage
// counter reaches timesUsed.
func (c *Coupon) ExhaustedAfter(timesUsed int) bool {
	if c.SingleUse && timesUsed > 0 {
		return true
	}
	return c.UsageLimit != nil && timesUsed >= *c.UsageLimit
}

// Usage is the immutable audit record of one redemption.
type Usage struct {
	ID              string
	CouponID        string
	UserID          string
	OrderID         string
	DiscountApplied decimal.Decimal
	CreatedAt       time.Time
}

// Repository provides persistence for coupons and their usages.
type Repository interface {
	// FindByCode looks up a coupon by its normalized code regardless of
	// status. Returns ErrNotFound when absent.
	FindByCode(ctx context.Context, code string) (*Coupon, error)
	// CountUsages counts usage records of a coupon by one user.
	CountUsages(ctx context.Context, couponID, userID string) (int, error)
	// Create stores a new coupon. Returns ErrDuplicateCode on code clash.
	Create(ctx context.Context, c *Coupon) error
	// RecordUsage atomically re-checks the coupon's limits, appends the usage,
	// increments the counter and retires the coupon when it is used up.
	// Recording the same (coupon, order) pair twice is a no-op. Returns the
	// coupon as stored after the call.
	RecordUsage(ctx context.Context, u Usage) (*Coupon, error)
	// ExpireBefore moves active coupons whose validity ended before now to
	// expired and returns how many changed.
	ExpireBefore(ctx context.Context, now time.Time) (int64, error)
	// SetStatus moves the coupon with the normalized code from one status to
	// another and returns it as stored. A coupon in any other status is
	// returned unchanged. Returns ErrNotFound when absent.
	SetStatus(ctx context.Context, code string, from, to Status, now time.Time) (*Coupon, error)
}
