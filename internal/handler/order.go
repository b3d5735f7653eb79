package handler

import (
	"net/http"
	"slices"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/xenking/kart-fulfillment/internal/domain/order"
	"github.com/xenking/kart-fulfillment/internal/metrics"
)

type addressDTO struct {
	Name       string `json:"name" validate:"required,max=200"`
	Line1      string `json:"line1" validate:"required,max=200"`
	Line2      string `json:"line2,omitempty" validate:"max=200"`
	City       string `json:"city" validate:"required,max=100"`
	State      string `json:"state,omitempty" validate:"max=100"`
	PostalCode string `json:"postal_code" validate:"required,max=20"`
	Country    string `json:"country" validate:"required,len=2"`
	Phone      string `json:"phone,omitempty" validate:"max=40"`
}

func (a addressDTO) domain() order.Address {
	return order.Address(a)
}

type orderItemRequest struct {
	VariantID string `json:"variant_id" validate:"required"`
	Quantity  int    `json:"quantity" validate:"min=1"`
}

type createOrderRequest struct {
	Items           []orderItemRequest `json:"items" validate:"required,min=1,dive"`
	ShippingAddress addressDTO         `json:"shipping_address"`
	// BillingAddress defaults to the shipping address.
	BillingAddress *addressDTO `json:"billing_address,omitempty"`
	CouponCode     string      `json:"coupon_code,omitempty" validate:"max=64"`
	Notes          string      `json:"notes,omitempty" validate:"max=1000"`
}

type patchOrderRequest struct {
	Status         *string `json:"status,omitempty" validate:"omitempty,oneof=pending confirmed processing shipped delivered cancelled refunded"`
	TrackingNumber *string `json:"tracking_number,omitempty" validate:"omitempty,max=100"`
	Notes          *string `json:"notes,omitempty" validate:"omitempty,max=1000"`
}

type orderItemResponse struct {
	ID          string `json:"id"`
	VariantID   string `json:"variant_id"`
	ProductName string `json:"product_name"`
	SKU         string `json:"sku"`
	Quantity    int    `json:"quantity"`
	UnitPrice   string `json:"unit_price"`
	Subtotal    string `json:"subtotal"`
	Discount    string `json:"discount"`
	Total       string `json:"total"`
}

type orderResponse struct {
	ID              string              `json:"id"`
	Number          string              `json:"number"`
	UserID          string              `json:"user_id"`
	Status          string              `json:"status"`
	PaymentStatus   string              `json:"payment_status"`
	PaidBy          string              `json:"paid_by,omitempty"`
	Subtotal        string              `json:"subtotal"`
	DiscountAmount  string              `json:"discount_amount"`
	ShippingCost    string              `json:"shipping_cost"`
	TaxAmount       string              `json:"tax_amount"`
	Total           string              `json:"total"`
	CouponCode      string              `json:"coupon_code,omitempty"`
	ShippingAddress order.Address       `json:"shipping_address"`
	BillingAddress  order.Address       `json:"billing_address"`
	Notes           string              `json:"notes,omitempty"`
	TrackingNumber  string              `json:"tracking_number,omitempty"`
	Items           []orderItemResponse `json:"items"`
	ShippedAt       *time.Time          `json:"shipped_at,omitempty"`
	DeliveredAt     *time.Time          `json:"delivered_at,omitempty"`
	CreatedAt       time.Time           `json:"created_at"`
	UpdatedAt       time.Time           `json:"updated_at"`
	Warnings        []string            `json:"warnings,omitempty"`
}

func money(d decimal.Decimal) string { return d.StringFixed(2) }

func newOrderResponse(o *order.Order) orderResponse {
	resp := orderResponse{
		ID:              o.ID,
		Number:          o.Number,
		UserID:          o.UserID,
		Status:          string(o.Status),
		PaymentStatus:   string(o.PaymentStatus),
		PaidBy:          o.PaidBy,
		Subtotal:        money(o.Subtotal),
		DiscountAmount:  money(o.DiscountAmount),
		ShippingCost:    money(o.ShippingCost),
		TaxAmount:       money(o.TaxAmount),
		Total:           money(o.Total),
		ShippingAddress: o.ShippingAddress,
		BillingAddress:  o.BillingAddress,
		Notes:           o.Notes,
		TrackingNumber:  o.TrackingNumber,
		Items:           make([]orderItemResponse, len(o.Items)),
		ShippedAt:       o.ShippedAt,
		DeliveredAt:     o.DeliveredAt,
		CreatedAt:       o.CreatedAt,
		UpdatedAt:       o.UpdatedAt,
	}
	if o.Coupon != nil {
		resp.CouponCode = o.Coupon.Code
	}
	for i, it := range o.Items {
		resp.Items[i] = orderItemResponse{
			ID:          it.ID,
			VariantID:   it.VariantID,
			ProductName: it.ProductName,
			SKU:         it.SKU,
			Quantity:    it.Quantity,
			UnitPrice:   money(it.UnitPrice),
			Subtotal:    money(it.Subtotal),
			Discount:    money(it.Discount),
			Total:       money(it.Total),
		}
	}
	return resp
}

// CreateOrder places an order for the caller.
func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if err := h.decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	items := make([]order.ItemRequest, len(req.Items))
	for i, it := range req.Items {
		items[i] = order.ItemRequest{VariantID: it.VariantID, Quantity: it.Quantity}
	}
	billing := req.ShippingAddress
	if req.BillingAddress != nil {
		billing = *req.BillingAddress
	}

	res, err := h.orders.CreateOrder(r.Context(), order.CreateRequest{
		UserID:          callerOf(r).UserID,
		Items:           items,
		ShippingAddress: req.ShippingAddress.domain(),
		BillingAddress:  billing.domain(),
		CouponCode:      req.CouponCode,
		Notes:           req.Notes,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	outcome := metrics.CouponNone
	switch {
	case res.Order.Coupon != nil:
		outcome = metrics.CouponApplied
	case slices.Contains(res.Warnings, order.WarnCouponNotApplied):
		outcome = metrics.CouponRejected
	}
	h.metrics.RecordOrderCreated(r.Context(), outcome, res.Order.Total.InexactFloat64())

	resp := newOrderResponse(res.Order)
	resp.Warnings = res.Warnings
	writeJSON(w, http.StatusCreated, resp)
}

// GetOrder returns an order by id.
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.orders.Get(r.Context(), chi.URLParam(r, "id"), callerOf(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newOrderResponse(o))
}

// GetOrderByNumber returns an order by its number.
func (h *Handler) GetOrderByNumber(w http.ResponseWriter, r *http.Request) {
	o, err := h.orders.GetByNumber(r.Context(), chi.URLParam(r, "number"), callerOf(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newOrderResponse(o))
}

// UpdateOrder applies a partial update.
func (h *Handler) UpdateOrder(w http.ResponseWriter, r *http.Request) {
	var req patchOrderRequest
	if err := h.decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	patch := order.Patch{TrackingNumber: req.TrackingNumber, Notes: req.Notes}
	if req.Status != nil {
		s := order.Status(*req.Status)
		patch.Status = &s
	}
	o, err := h.orders.Update(r.Context(), chi.URLParam(r, "id"), patch, callerOf(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newOrderResponse(o))
}

// CancelOrder cancels a pending or confirmed order.
func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.orders.Cancel(r.Context(), chi.URLParam(r, "id"), callerOf(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newOrderResponse(o))
}
