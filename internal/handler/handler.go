// Package handler exposes the fulfillment core over HTTP.
package handler

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/xenking/kart-fulfillment/internal/domain/apperr"
	"github.com/xenking/kart-fulfillment/internal/domain/auth"
	"github.com/xenking/kart-fulfillment/internal/domain/coupon"
	"github.com/xenking/kart-fulfillment/internal/domain/order"
	"github.com/xenking/kart-fulfillment/internal/domain/payment"
	"github.com/xenking/kart-fulfillment/internal/metrics"
)

const maxBodyBytes = 1 << 20

// Handler serves the order, coupon and payment API.
type Handler struct {
	orders   *order.Service
	coupons  *coupon.Ledger
	payments *payment.Processor
	security *SecurityHandler
	metrics  *metrics.Metrics
	validate *validator.Validate
}

// NewHandler constructs a Handler with the required domain dependencies.
func NewHandler(
	orders *order.Service,
	coupons *coupon.Ledger,
	payments *payment.Processor,
	security *SecurityHandler,
	m *metrics.Metrics,
) *Handler {
	return &Handler{
		orders:   orders,
		coupons:  coupons,
		payments: payments,
		security: security,
		metrics:  m,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// Router returns the API routes mounted under /api.
func (h *Handler) Router() *chi.Mux {
	r := chi.NewRouter()
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "not_found", Message: "route not found"})
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "method_not_allowed", Message: "method not allowed"})
	})

	r.Route("/api", func(r chi.Router) {
		// Providers authenticate with their own signatures.
		r.Post("/webhooks/{provider}", h.HandleWebhook)

		r.Group(func(r chi.Router) {
			r.Use(h.security.Authenticate)

			r.Post("/auth/revoke", h.RevokeToken)

			r.Post("/orders", h.CreateOrder)
			r.Get("/orders/by-number/{number}", h.GetOrderByNumber)
			r.Get("/orders/{id}", h.GetOrder)
			r.Patch("/orders/{id}", h.UpdateOrder)
			r.Post("/orders/{id}/cancel", h.CancelOrder)
			r.Get("/orders/{id}/payments", h.ListOrderPayments)

			r.Post("/coupons", h.CreateCoupon)
			r.Post("/coupons/validate", h.ValidateCoupon)
			r.Post("/coupons/sweep", h.SweepCoupons)
			r.Post("/coupons/{code}/activate", h.ActivateCoupon)
			r.Post("/coupons/{code}/deactivate", h.DeactivateCoupon)

			r.Post("/payments", h.CreatePayment)
			r.Get("/payments/{id}", h.GetPayment)
			r.Post("/payments/{id}/process", h.ProcessPayment)
			r.Post("/payments/{id}/refund", h.RefundPayment)
		})
	})
	return r
}

// RevokeToken revokes the bearer token of the request.
func (h *Handler) RevokeToken(w http.ResponseWriter, r *http.Request) {
	if err := h.security.RevokeCurrent(r.Context()); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func callerOf(r *http.Request) auth.Caller {
	c, _ := auth.CallerFrom(r.Context())
	return c
}

// decode reads a JSON body into dst and validates it.
func (h *Handler) decode(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return apperr.Wrap(apperr.InvalidInput, err, "invalid request body")
	}
	if err := h.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return apperr.Errorf(apperr.InvalidInput, "field %s failed %s validation", fe.Namespace(), fe.Tag())
		}
		return apperr.Wrap(apperr.InvalidInput, err, "invalid request")
	}
	return nil
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

var kindStatus = map[apperr.Kind]int{
	apperr.InvalidInput: http.StatusBadRequest,
	apperr.NotFound:     http.StatusNotFound,
	apperr.Forbidden:    http.StatusForbidden,
	apperr.Conflict:     http.StatusConflict,
	apperr.InvalidState: http.StatusUnprocessableEntity,
	apperr.Unavailable:  http.StatusServiceUnavailable,
}

// writeError maps err to a status and a stable error code. Causes of
// outages and internal errors are logged, not returned.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := apperr.KindOf(err)
	status, ok := kindStatus[kind]
	if !ok {
		status = http.StatusInternalServerError
	}

	msg := apperr.Message(err)
	lg := zctx.From(r.Context())
	switch kind {
	case apperr.Internal:
		lg.Error("Request failed", zap.Error(err))
		msg = "internal error"
	case apperr.Unavailable:
		lg.Warn("Dependency unavailable", zap.Error(err))
		w.Header().Set("Retry-After", "1")
	}
	writeJSON(w, status, errorResponse{Error: kind.String(), Message: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
