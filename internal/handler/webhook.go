package handler

import (
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/xenking/kart-fulfillment/internal/domain/apperr"
	"github.com/xenking/kart-fulfillment/internal/gateway/stripe"
)

// signatureHeaders maps providers to the header carrying their payload
// signature.
var signatureHeaders = map[string]string{
	stripe.Provider: "Stripe-Signature",
}

const defaultSignatureHeader = "X-Webhook-Signature"

// HandleWebhook acknowledges a payment provider callback.
func (h *Handler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, r, apperr.Wrap(apperr.InvalidInput, err, "read webhook body"))
		return
	}

	header, ok := signatureHeaders[provider]
	if !ok {
		header = defaultSignatureHeader
	}
	ack, err := h.payments.HandleWebhook(r.Context(), provider, payload, r.Header.Get(header))
	if err != nil {
		writeError(w, r, err)
		return
	}
	h.metrics.RecordWebhook(r.Context(), provider, ack.Duplicate)
	writeJSON(w, http.StatusOK, ack)
}
