package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/xenking/kart-fulfillment/internal/domain/payment"
)

type createPaymentRequest struct {
	OrderID string `json:"order_id" validate:"required"`
	Method  string `json:"method" validate:"required"`
}

type paymentResponse struct {
	ID            string     `json:"id"`
	OrderID       string     `json:"order_id"`
	Amount        string     `json:"amount"`
	Method        string     `json:"method"`
	Status        string     `json:"status"`
	TransactionID string     `json:"transaction_id,omitempty"`
	ErrorMessage  string     `json:"error_message,omitempty"`
	ProcessedAt   *time.Time `json:"processed_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

func newPaymentResponse(p *payment.Payment) paymentResponse {
	return paymentResponse{
		ID:            p.ID,
		OrderID:       p.OrderID,
		Amount:        money(p.Amount),
		Method:        string(p.Method),
		Status:        string(p.Status),
		TransactionID: p.TransactionID,
		ErrorMessage:  p.ErrorMessage,
		ProcessedAt:   p.ProcessedAt,
		CreatedAt:     p.CreatedAt,
		UpdatedAt:     p.UpdatedAt,
	}
}

func (h *Handler) recordPayment(r *http.Request, p *payment.Payment) {
	if !p.Status.Open() {
		h.metrics.RecordPayment(r.Context(), string(p.Method), string(p.Status))
	}
}

// CreatePayment opens a payment against one of the caller's orders.
func (h *Handler) CreatePayment(w http.ResponseWriter, r *http.Request) {
	var req createPaymentRequest
	if err := h.decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	method, err := payment.ParseMethod(req.Method)
	if err != nil {
		writeError(w, r, err)
		return
	}

	p, err := h.payments.Create(r.Context(), req.OrderID, method, callerOf(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	h.recordPayment(r, p)
	writeJSON(w, http.StatusCreated, newPaymentResponse(p))
}

// GetPayment returns a payment visible to the caller.
func (h *Handler) GetPayment(w http.ResponseWriter, r *http.Request) {
	p, err := h.payments.Get(r.Context(), chi.URLParam(r, "id"), callerOf(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newPaymentResponse(p))
}

// ProcessPayment drives a pending payment through its gateway.
// Administrators only.
func (h *Handler) ProcessPayment(w http.ResponseWriter, r *http.Request) {
	if !callerOf(r).Elevated {
		writeError(w, r, errAdminOnly)
		return
	}
	p, err := h.payments.Process(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	h.recordPayment(r, p)
	writeJSON(w, http.StatusOK, newPaymentResponse(p))
}

// RefundPayment refunds a completed payment.
func (h *Handler) RefundPayment(w http.ResponseWriter, r *http.Request) {
	p, err := h.payments.Refund(r.Context(), chi.URLParam(r, "id"), callerOf(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	h.recordPayment(r, p)
	writeJSON(w, http.StatusOK, newPaymentResponse(p))
}

// ListOrderPayments lists the payments of an order, newest first.
func (h *Handler) ListOrderPayments(w http.ResponseWriter, r *http.Request) {
	list, err := h.payments.ListByOrder(r.Context(), chi.URLParam(r, "id"), callerOf(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	resp := make([]paymentResponse, len(list))
	for i := range list {
		resp[i] = newPaymentResponse(&list[i])
	}
	writeJSON(w, http.StatusOK, resp)
}
