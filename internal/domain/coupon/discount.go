package coupon

import (
	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// discountFunc computes the raw discount of a coupon for a cart total,
// before capping.
type discountFunc func(c *Coupon, cartTotal decimal.Decimal) decimal.Decimal

var discountFuncs = map[Type]discountFunc{
	TypePercentage:   percentageDiscount,
	TypeFixedAmount:  fixedDiscount,
	TypeFreeShipping: freeShippingDiscount,
}

func percentageDiscount(c *Coupon, cartTotal decimal.Decimal) decimal.Decimal {
	return cartTotal.Mul(c.Value).Div(hundred)
}

func fixedDiscount(c *Coupon, _ decimal.Decimal) decimal.Decimal {
	return c.Value
}

// freeShippingDiscount is zero: the waiver is applied to shipping by the
// order assembler.
func freeShippingDiscount(*Coupon, decimal.Decimal) decimal.Decimal {
	return decimal.Zero
}

// Discount computes the monetary discount of c for cartTotal. The result is
// never negative, never above MaximumDiscount and never above cartTotal, and
// is rounded to cents.
func Discount(c *Coupon, cartTotal decimal.Decimal) (decimal.Decimal, error) {
	fn, ok := discountFuncs[c.Type]
	if !ok {
		return decimal.Zero, errors.Errorf("unsupported coupon type: %q", c.Type)
	}

	amount := fn(c, cartTotal)
	if c.MaximumDiscount != nil {
		amount = decimal.Min(amount, *c.MaximumDiscount)
	}
	amount = decimal.Min(amount, cartTotal)
	if amount.IsNegative() {
		amount = decimal.Zero
	}
	return amount.Round(2), nil
}

// CheckRedeemable enforces the limits re-checked at redemption time, given
// the number of usages the user already has. Stores call it while holding
// the coupon row lock.
func CheckRedeemable(c *Coupon, userUsages int) error {
	switch {
	case c.Status != StatusActive:
		return errors.Wrapf(ErrRedemptionRejected, "coupon is %s", c.Status)
	case c.UsageLimit != nil && c.TimesUsed >= *c.UsageLimit:
		return errors.Wrap(ErrRedemptionRejected, "usage limit reached")
	case c.SingleUse && c.TimesUsed > 0:
		return errors.Wrap(ErrRedemptionRejected, "single-use coupon already redeemed")
	case c.UsageLimitPerUser != nil && userUsages >= *c.UsageLimitPerUser:
		return errors.Wrap(ErrRedemptionRejected, "per-user usage limit reached")
	}
	return nil
}
