package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/xenking/kart-fulfillment/internal/domain/apperr"
	"github.com/xenking/kart-fulfillment/internal/domain/coupon"
)

var errAdminOnly = apperr.New(apperr.Forbidden, "administrator access required")

type createCouponRequest struct {
	Code              string           `json:"code" validate:"required,max=64"`
	Name              string           `json:"name" validate:"required,max=200"`
	Description       string           `json:"description,omitempty" validate:"max=1000"`
	Type              string           `json:"type" validate:"required,oneof=percentage fixed_amount free_shipping"`
	Value             decimal.Decimal  `json:"value"`
	MinimumPurchase   *decimal.Decimal `json:"minimum_purchase,omitempty"`
	MaximumDiscount   *decimal.Decimal `json:"maximum_discount,omitempty"`
	UsageLimit        *int             `json:"usage_limit,omitempty" validate:"omitempty,min=1"`
	UsageLimitPerUser *int             `json:"usage_limit_per_user,omitempty" validate:"omitempty,min=1"`
	ValidFrom         *time.Time       `json:"valid_from,omitempty"`
	ValidUntil        *time.Time       `json:"valid_until,omitempty"`
	SingleUse         bool             `json:"single_use,omitempty"`
	RestrictedTo      string           `json:"restricted_to,omitempty"`
}

type validateCouponRequest struct {
	Code      string          `json:"code" validate:"required,max=64"`
	CartTotal decimal.Decimal `json:"cart_total"`
}

type couponResponse struct {
	ID                string     `json:"id"`
	Code              string     `json:"code"`
	Name              string     `json:"name"`
	Description       string     `json:"description,omitempty"`
	Type              string     `json:"type"`
	Value             string     `json:"value"`
	MinimumPurchase   *string    `json:"minimum_purchase,omitempty"`
	MaximumDiscount   *string    `json:"maximum_discount,omitempty"`
	UsageLimit        *int       `json:"usage_limit,omitempty"`
	UsageLimitPerUser *int       `json:"usage_limit_per_user,omitempty"`
	ValidFrom         *time.Time `json:"valid_from,omitempty"`
	ValidUntil        *time.Time `json:"valid_until,omitempty"`
	Status            string     `json:"status"`
	SingleUse         bool       `json:"single_use"`
	RestrictedTo      string     `json:"restricted_to,omitempty"`
	TimesUsed         int        `json:"times_used"`
	CreatedAt         time.Time  `json:"created_at"`
}

type validationResponse struct {
	Valid        bool   `json:"valid"`
	Reason       string `json:"reason,omitempty"`
	Message      string `json:"message,omitempty"`
	Discount     string `json:"discount"`
	FreeShipping bool   `json:"free_shipping"`
	Code         string `json:"code,omitempty"`
}

func optMoney(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := money(*d)
	return &s
}

func newCouponResponse(c *coupon.Coupon) couponResponse {
	return couponResponse{
		ID:                c.ID,
		Code:              c.Code,
		Name:              c.Name,
		Description:       c.Description,
		Type:              string(c.Type),
		Value:             c.Value.String(),
		MinimumPurchase:   optMoney(c.MinimumPurchase),
		MaximumDiscount:   optMoney(c.MaximumDiscount),
		UsageLimit:        c.UsageLimit,
		UsageLimitPerUser: c.UsageLimitPerUser,
		ValidFrom:         c.ValidFrom,
		ValidUntil:        c.ValidUntil,
		Status:            string(c.Status),
		SingleUse:         c.SingleUse,
		RestrictedTo:      c.RestrictedTo,
		TimesUsed:         c.TimesUsed,
		CreatedAt:         c.CreatedAt,
	}
}

// CreateCoupon defines a new coupon. Administrators only.
func (h *Handler) CreateCoupon(w http.ResponseWriter, r *http.Request) {
	if !callerOf(r).Elevated {
		writeError(w, r, errAdminOnly)
		return
	}
	var req createCouponRequest
	if err := h.decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	typ, err := coupon.ParseType(req.Type)
	if err != nil {
		writeError(w, r, err)
		return
	}

	c, err := h.coupons.Create(r.Context(), &coupon.Coupon{
		Code:              req.Code,
		Name:              req.Name,
		Description:       req.Description,
		Type:              typ,
		Value:             req.Value,
		MinimumPurchase:   req.MinimumPurchase,
		MaximumDiscount:   req.MaximumDiscount,
		UsageLimit:        req.UsageLimit,
		UsageLimitPerUser: req.UsageLimitPerUser,
		ValidFrom:         req.ValidFrom,
		ValidUntil:        req.ValidUntil,
		SingleUse:         req.SingleUse,
		RestrictedTo:      req.RestrictedTo,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newCouponResponse(c))
}

// ValidateCoupon previews a coupon against the caller and a cart total.
// A rejected coupon is a 200 with valid=false.
func (h *Handler) ValidateCoupon(w http.ResponseWriter, r *http.Request) {
	var req validateCouponRequest
	if err := h.decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.CartTotal.IsNegative() {
		writeError(w, r, apperr.New(apperr.InvalidInput, "cart_total must not be negative"))
		return
	}

	v, err := h.coupons.Validate(r.Context(), req.Code, callerOf(r).UserID, req.CartTotal)
	if err != nil {
		writeError(w, r, err)
		return
	}
	h.metrics.RecordCouponValidation(r.Context(), string(v.Reason))

	resp := validationResponse{
		Valid:        v.Valid,
		Reason:       string(v.Reason),
		Message:      v.Message,
		Discount:     money(v.Discount),
		FreeShipping: v.FreeShipping,
	}
	if v.Coupon != nil {
		resp.Code = v.Coupon.Code
	}
	writeJSON(w, http.StatusOK, resp)
}

// SweepCoupons retires coupons past their validity. Administrators only.
func (h *Handler) SweepCoupons(w http.ResponseWriter, r *http.Request) {
	if !callerOf(r).Elevated {
		writeError(w, r, errAdminOnly)
		return
	}
	n, err := h.coupons.SweepExpired(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	h.metrics.RecordCouponsExpired(r.Context(), n)
	writeJSON(w, http.StatusOK, map[string]int64{"expired": n})
}

// ActivateCoupon puts an inactive coupon back in use. Administrators only.
func (h *Handler) ActivateCoupon(w http.ResponseWriter, r *http.Request) {
	h.setCouponStatus(w, r, h.coupons.Activate)
}

// DeactivateCoupon withdraws an active coupon. Administrators only.
func (h *Handler) DeactivateCoupon(w http.ResponseWriter, r *http.Request) {
	h.setCouponStatus(w, r, h.coupons.Deactivate)
}

func (h *Handler) setCouponStatus(w http.ResponseWriter, r *http.Request,
	set func(ctx context.Context, code string) (*coupon.Coupon, error),
) {
	if !callerOf(r).Elevated {
		writeError(w, r, errAdminOnly)
		return
	}
	c, err := set(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newCouponResponse(c))
}
