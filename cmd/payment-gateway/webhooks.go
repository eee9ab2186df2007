package main

import (
	"errors"
	"io"
	"net/http"

	"github.com/AnuragDani/payment-gateway/internal/webhook"
)

// CRMWebhook handles POST /webhooks/crm. Every processed delivery answers
// 200 so the processor stops retrying; only malformed bodies and storage
// failures do not.
func (h *Handler) CRMWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body", "INVALID_REQUEST")
		return
	}

	outcome, err := h.reconciler.HandleCRM(r.Context(), body)
	if err != nil {
		if errors.Is(err, webhook.ErrMalformedPayload) {
			h.logger.Warn("malformed crm webhook", "error", err)
			respondError(w, http.StatusBadRequest, "Malformed payload", "MALFORMED_PAYLOAD")
			return
		}
		h.logger.Error("crm webhook processing failed", "error", err)
		respondError(w, http.StatusInternalServerError, "Processing failed", "INTERNAL_ERROR")
		return
	}
	respondJSON(w, http.StatusOK, outcome)
}

// BitWebhook handles GET|POST /webhooks/bit?orderid=&orderkey=
func (h *Handler) BitWebhook(w http.ResponseWriter, r *http.Request) {
	orderID := r.FormValue("orderid")
	orderKey := r.FormValue("orderkey")
	if orderID == "" {
		respondError(w, http.StatusBadRequest, "orderid is required", "INVALID_REQUEST")
		return
	}

	outcome, err := h.reconciler.HandleBit(r.Context(), orderID, orderKey)
	if err != nil {
		if errors.Is(err, webhook.ErrMissingTransaction) {
			respondJSON(w, http.StatusInternalServerError, map[string]string{"status": "failure"})
			return
		}
		h.logger.Error("bit webhook processing failed", "order_reference", orderID, "error", err)
		respondError(w, http.StatusInternalServerError, "Processing failed", "INTERNAL_ERROR")
		return
	}
	respondJSON(w, http.StatusOK, outcome)
}
