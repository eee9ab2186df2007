package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/AnuragDani/payment-gateway/internal/charge"
	"github.com/AnuragDani/payment-gateway/internal/confirm"
	"github.com/AnuragDani/payment-gateway/internal/fulfillment"
	"github.com/AnuragDani/payment-gateway/internal/ledger"
	"github.com/AnuragDani/payment-gateway/internal/logger"
	"github.com/AnuragDani/payment-gateway/internal/models"
	"github.com/AnuragDani/payment-gateway/internal/orders"
	"github.com/AnuragDani/payment-gateway/internal/processor"
	"github.com/AnuragDani/payment-gateway/internal/tokens"
	"github.com/AnuragDani/payment-gateway/internal/webhook"
	ws "github.com/AnuragDani/payment-gateway/internal/websocket"
)

const maxBodyBytes = 1 << 20

// Handler holds dependencies for HTTP handlers
type Handler struct {
	orchestrator *charge.Orchestrator
	reconciler   *webhook.Reconciler
	protocol     *confirm.Protocol
	sweeper      *confirm.Sweeper
	ledger       ledger.Ledger
	tokens       tokens.Store
	orders       orders.Store
	responses    ResponseCache
	hub          *ws.Hub
	checks       map[string]func(ctx context.Context) error
	details      map[string]func() interface{}
	logger       *logger.Logger
}

// respondJSON sends a JSON response
func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// respondError sends an error response
func respondError(w http.ResponseWriter, status int, message string, code string) {
	respondJSON(w, status, ErrorResponse{
		Error: message,
		Code:  code,
	})
}

// decode reads and validates a JSON body. It writes the error response itself.
func decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(dst); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body", "INVALID_REQUEST")
		return false
	}
	if err := validate.Struct(dst); err != nil {
		respondError(w, http.StatusBadRequest, err.Error(), "VALIDATION_FAILED")
		return false
	}
	return true
}

// respondServiceError maps domain errors to HTTP statuses
func (h *Handler) respondServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, charge.ErrInvalidRequest),
		errors.Is(err, charge.ErrNoPaymentMethod),
		errors.Is(err, charge.ErrInvalidInstallments),
		errors.Is(err, charge.ErrInvalidRefundAmount),
		errors.Is(err, processor.ErrInvalidRequest):
		respondError(w, http.StatusUnprocessableEntity, err.Error(), "INVALID_CHARGE")
	case errors.Is(err, charge.ErrTokenOwnerMismatch):
		respondError(w, http.StatusForbidden, "Token does not belong to owner", "TOKEN_OWNER_MISMATCH")
	case errors.Is(err, charge.ErrNoSavedToken):
		respondError(w, http.StatusUnprocessableEntity, "Owner has no saved token", "NO_SAVED_TOKEN")
	case errors.Is(err, ledger.ErrNotFound),
		errors.Is(err, tokens.ErrNotFound),
		errors.Is(err, orders.ErrNotFound):
		respondError(w, http.StatusNotFound, err.Error(), "NOT_FOUND")
	case errors.Is(err, ledger.ErrNotRefundable):
		respondError(w, http.StatusConflict, err.Error(), "NOT_REFUNDABLE")
	case errors.Is(err, ledger.ErrOrderAlreadyCompleted):
		respondError(w, http.StatusConflict, "Order already paid", "ORDER_ALREADY_PAID")
	case errors.Is(err, confirm.ErrNotConfirmed):
		respondError(w, http.StatusConflict, err.Error(), "NOT_CONFIRMED")
	case errors.Is(err, fulfillment.ErrInFlight):
		respondError(w, http.StatusConflict, err.Error(), "FULFILLMENT_IN_FLIGHT")
	default:
		h.logger.Error("request failed", "error", err)
		respondError(w, http.StatusInternalServerError, "Internal error", "INTERNAL_ERROR")
	}
}

// chargeStatus maps a charge outcome to its HTTP status
func chargeStatus(res *charge.Result) int {
	// A duplicate capture is reported in the body.
	if res.RefundRequired {
		return http.StatusOK
	}
	switch res.Outcome {
	case processor.OutcomeSuccess:
		return http.StatusCreated
	case processor.OutcomeTransportError:
		return http.StatusAccepted
	default:
		return http.StatusPaymentRequired
	}
}

func (h *Handler) loadOrder(ctx context.Context, w http.ResponseWriter, id string) (*orders.Order, bool) {
	order, err := h.orders.Get(ctx, id)
	if err != nil {
		h.respondServiceError(w, err)
		return nil, false
	}
	if order.IsHandled() {
		respondError(w, http.StatusConflict, "Order already paid", "ORDER_ALREADY_PAID")
		return nil, false
	}
	return order, true
}

// ============== Checkout Handlers ==============

// Charge handles POST /checkout/charge
func (h *Handler) Charge(w http.ResponseWriter, r *http.Request) {
	if h.replay(w, r, "charge") {
		return
	}
	var req ChargeRequest
	if !decode(w, r, &req) {
		return
	}
	order, ok := h.loadOrder(r.Context(), w, req.OrderID)
	if !ok {
		return
	}

	chargeReq := charge.Request{
		Payable:      order,
		Method:       req.paymentMethod(),
		Installments: req.Installments,
	}
	if req.Owner != nil {
		chargeReq.Owner = *req.Owner
	}

	res, err := h.orchestrator.Charge(r.Context(), chargeReq)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	status, body := chargeStatus(res), newChargeResponse(res)
	h.remember(r, "charge", status, body)
	respondJSON(w, status, body)
}

// Redirect handles POST /checkout/redirect
func (h *Handler) Redirect(w http.ResponseWriter, r *http.Request) {
	var req RedirectRequest
	if !decode(w, r, &req) {
		return
	}
	order, ok := h.loadOrder(r.Context(), w, req.OrderID)
	if !ok {
		return
	}

	res, err := h.orchestrator.BeginRedirect(r.Context(), charge.RedirectRequest{
		Payable:      order,
		Method:       models.PaymentMethodType(req.PaymentMethod),
		Installments: req.Installments,
		SuccessURL:   req.SuccessURL,
		CancelURL:    req.CancelURL,
	})
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	respondJSON(w, chargeStatus(res), newChargeResponse(res))
}

// Recurring handles POST /checkout/recurring
func (h *Handler) Recurring(w http.ResponseWriter, r *http.Request) {
	if h.replay(w, r, "recurring") {
		return
	}
	var req RecurringRequest
	if !decode(w, r, &req) {
		return
	}
	order, ok := h.loadOrder(r.Context(), w, req.OrderID)
	if !ok {
		return
	}

	res, err := h.orchestrator.ChargeRecurring(r.Context(), order, req.Owner)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	status, body := chargeStatus(res), newChargeResponse(res)
	h.remember(r, "recurring", status, body)
	respondJSON(w, status, body)
}

// ============== Transaction Handlers ==============

// GetTransaction handles GET /transactions/{id}
func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	tx, err := h.ledger.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, tx)
}

// Refund handles POST /transactions/{id}/refund
func (h *Handler) Refund(w http.ResponseWriter, r *http.Request) {
	var req RefundRequest
	if !decode(w, r, &req) {
		return
	}

	res, err := h.orchestrator.Refund(r.Context(), mux.Vars(r)["id"], req.Amount, req.Reason)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	status := http.StatusCreated
	if !res.Succeeded() {
		status = http.StatusBadGateway
	}
	respondJSON(w, status, newChargeResponse(res))
}

// RetryFulfillment handles POST /internal/fulfillment/retry
func (h *Handler) RetryFulfillment(w http.ResponseWriter, r *http.Request) {
	var req RetryRequest
	if r.ContentLength != 0 && !decode(w, r, &req) {
		return
	}

	if req.TransactionID != "" {
		tx, err := h.protocol.RetryFulfillment(r.Context(), req.TransactionID)
		if err != nil && !errors.Is(err, confirm.ErrFulfillment) {
			h.respondServiceError(w, err)
			return
		}
		resp := map[string]interface{}{"transaction": tx, "fulfilled": err == nil}
		if err != nil {
			resp["error"] = err.Error()
		}
		respondJSON(w, http.StatusOK, resp)
		return
	}

	report, err := h.protocol.RetryPending(r.Context(), req.Limit)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, report)
}

// ============== Token Handlers ==============

// ListTokens handles GET /owners/{ownerType}/{ownerID}/tokens
func (h *Handler) ListTokens(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	list, err := h.tokens.ListForOwner(r.Context(), models.Owner{Type: vars["ownerType"], ID: vars["ownerID"]})
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	if list == nil {
		list = []*models.Token{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"tokens": list,
		"total":  len(list),
	})
}

// DeleteToken handles DELETE /tokens/{id}
func (h *Handler) DeleteToken(w http.ResponseWriter, r *http.Request) {
	if err := h.tokens.Remove(r.Context(), mux.Vars(r)["id"]); err != nil {
		h.respondServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SetDefaultToken handles POST /tokens/{id}/default
func (h *Handler) SetDefaultToken(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.tokens.SetDefault(r.Context(), id); err != nil {
		h.respondServiceError(w, err)
		return
	}
	tok, err := h.tokens.Get(r.Context(), id)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, tok)
}

// ============== Order Handlers ==============

// CreateOrder handles POST /orders
func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req CreateOrderRequest
	if !decode(w, r, &req) {
		return
	}
	if !req.Total.IsPositive() {
		respondError(w, http.StatusBadRequest, "amount must be positive", "VALIDATION_FAILED")
		return
	}

	order := &orders.Order{
		Reference:    req.Reference,
		OrderKey:     "wc_order_" + uuid.New().String(),
		Status:       orders.StatusPending,
		Total:        req.Total,
		CurrencyCode: req.Currency,
		Buyer:        req.Customer,
		Lines:        req.Items,
	}
	if err := h.orders.Create(r.Context(), order); err != nil {
		h.logger.Warn("failed to create order", "order_reference", req.Reference, "error", err)
		respondError(w, http.StatusConflict, "Order could not be created", "ORDER_CREATE_FAILED")
		return
	}
	// The order key is returned once so the caller can build the Bit callback URL.
	respondJSON(w, http.StatusCreated, struct {
		*orders.Order
		OrderKey string `json:"order_key"`
	}{order, order.OrderKey})
}

// GetOrder handles GET /orders/{id}
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	order, err := h.orders.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, order)
}

// ============== Operational Handlers ==============

// Health handles GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := "healthy"
	deps := make(map[string]string, len(h.checks))
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			deps[name] = "unhealthy"
			status = "degraded"
			continue
		}
		deps[name] = "healthy"
	}

	code := http.StatusOK
	if status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	body := map[string]interface{}{
		"service":      serviceName,
		"status":       status,
		"timestamp":    time.Now().UTC(),
		"dependencies": deps,
		"sweeper":      h.sweeper.Status(),
	}
	for name, detail := range h.details {
		body[name] = detail()
	}
	respondJSON(w, code, body)
}

// WsStats handles GET /ws/stats
func (h *Handler) WsStats(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.hub.GetStats())
}
