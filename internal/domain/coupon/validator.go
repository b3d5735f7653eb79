package coupon

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/kart-fulfillment/internal/domain/apperr"
)

// Reason is a stable code describing why a coupon was rejected.
type Reason string

const (
	ReasonOK              Reason = ""
	ReasonNotFound        Reason = "not_found"
	ReasonInactive        Reason = "inactive"
	ReasonNotYetValid     Reason = "not_yet_valid"
	ReasonExpired         Reason = "expired"
	ReasonUsageLimit      Reason = "usage_limit_reached"
	ReasonRestricted      Reason = "restricted"
	ReasonUserUsageLimit  Reason = "user_usage_limit_reached"
	ReasonMinimumPurchase Reason = "minimum_purchase"
)

// Validation is the outcome of checking a coupon against a user and a cart.
// A rejected coupon is data, not an error.
type Validation struct {
	Valid    bool
	Reason   Reason
	Message  string
	Discount decimal.Decimal
	// FreeShipping is set for valid free-shipping coupons.
	FreeShipping bool
	// Coupon is the snapshot the decision was made on. Nil when not found.
	Coupon *Coupon
}

func reject(c *Coupon, reason Reason, msg string) *Validation {
	return &Validation{Reason: reason, Message: msg, Coupon: c, Discount: decimal.Zero}
}

// Validator validates a coupon code for a user and cart total.
type Validator interface {
	Validate(ctx context.Context, code, userID string, cartTotal decimal.Decimal) (*Validation, error)
}

var _ Validator = (*Ledger)(nil)

// Validate runs the eligibility checks in order and stops at the first
// miss. Only infrastructure failures are returned as errors.
func (l *Ledger) Validate(ctx context.Context, code, userID string, cartTotal decimal.Decimal) (*Validation, error) {
	c, err := l.repo.FindByCode(ctx, NormalizeCode(code))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return reject(nil, ReasonNotFound, "Invalid coupon code"), nil
		}
		return nil, unavailable(err, "lookup coupon")
	}

	if c.Status != StatusActive {
		return reject(c, ReasonInactive, "Coupon is not active"), nil
	}

	now := l.now()
	if c.ValidFrom != nil && now.Before(*c.ValidFrom) {
		return reject(c, ReasonNotYetValid, "Coupon is not yet valid"), nil
	}
	if c.ValidUntil != nil && now.After(*c.ValidUntil) {
		return reject(c, ReasonExpired, "Coupon has expired"), nil
	}

	if c.UsageLimit != nil && c.TimesUsed >= *c.UsageLimit {
		return reject(c, ReasonUsageLimit, "Coupon usage limit reached"), nil
	}

	if c.RestrictedTo != "" && c.RestrictedTo != userID {
		return reject(c, ReasonRestricted, "This coupon is not available for your account"), nil
	}

	if c.UsageLimitPerUser != nil {
		used, err := l.repo.CountUsages(ctx, c.ID, userID)
		if err != nil {
			return nil, unavailable(err, "count coupon usages")
		}
		if used >= *c.UsageLimitPerUser {
			return reject(c, ReasonUserUsageLimit, "You have reached the usage limit for this coupon"), nil
		}
	}

	if c.MinimumPurchase != nil && cartTotal.LessThan(*c.MinimumPurchase) {
		return reject(c, ReasonMinimumPurchase,
			fmt.Sprintf("Minimum purchase of $%s required", c.MinimumPurchase.StringFixed(2))), nil
	}

	amount, err := Discount(c, cartTotal)
	if err != nil {
		return nil, err
	}

	return &Validation{
		Valid:        true,
		Message:      "Coupon is valid",
		Discount:     amount,
		FreeShipping: c.Type == TypeFreeShipping,
		Coupon:       c,
	}, nil
}

// unavailable classifies a storage failure, keeping kinds the store already
// assigned.
func unavailable(err error, msg string) error {
	if apperr.KindOf(err) != apperr.Internal {
		return errors.Wrap(err, msg)
	}
	return apperr.Wrap(apperr.Unavailable, err, msg)
}
