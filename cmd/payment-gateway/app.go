package main

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/AnuragDani/payment-gateway/internal/audit"
	"github.com/AnuragDani/payment-gateway/internal/charge"
	"github.com/AnuragDani/payment-gateway/internal/config"
	"github.com/AnuragDani/payment-gateway/internal/confirm"
	"github.com/AnuragDani/payment-gateway/internal/events"
	"github.com/AnuragDani/payment-gateway/internal/fulfillment"
	"github.com/AnuragDani/payment-gateway/internal/ledger"
	"github.com/AnuragDani/payment-gateway/internal/logger"
	"github.com/AnuragDani/payment-gateway/internal/orders"
	"github.com/AnuragDani/payment-gateway/internal/tokens"
	"github.com/AnuragDani/payment-gateway/internal/webhook"
	ws "github.com/AnuragDani/payment-gateway/internal/websocket"
)

const fulfillmentHookTimeout = 10 * time.Second

// components are the storage and transport pieces the handlers are built
// from. main fills them with Postgres, Redis and the processor client; tests
// use the in-memory stores.
type components struct {
	Ledger    ledger.Ledger
	Tokens    tokens.Store
	Orders    orders.Store
	Inbox     webhook.Inbox
	Processor charge.Processor
	// Claims backs fulfillment dedupe and the webhook in-flight guard. Optional.
	Claims fulfillment.Claimer
	// Responses stores checkout answers for Idempotency-Key replay. Optional.
	Responses ResponseCache
	Archiver  audit.Archiver
	Notifier  events.Notifier
	Hub       *ws.Hub
	Checks    map[string]func(ctx context.Context) error
	Details   map[string]func() interface{}
}

func newHandler(cfg *config.Config, c components, log *logger.Logger) *Handler {
	var hook fulfillment.Dispatcher
	if cfg.FulfillmentURL != "" {
		hook = fulfillment.NewHTTPDispatcher(cfg.FulfillmentURL, fulfillmentHookTimeout)
	}
	var dispatcher fulfillment.Dispatcher = fulfillment.NewOrderDispatcher(c.Orders, hook, log.With("component", "fulfillment"))
	var inflight webhook.InflightGuard
	if c.Claims != nil {
		dispatcher = fulfillment.NewDedupDispatcher(dispatcher, c.Claims, fulfillment.DefaultClaimTTL, log.With("component", "fulfillment"))
		inflight = c.Claims
	}

	protocol := confirm.NewProtocol(c.Ledger, orders.NewResolver(c.Orders), dispatcher, c.Notifier, log.With("component", "confirm"))
	protocol.SetRetryGrace(cfg.FulfillmentRetryGrace)

	orchestrator := charge.NewOrchestrator(charge.Deps{
		Processor: c.Processor,
		Ledger:    c.Ledger,
		Tokens:    c.Tokens,
		Confirmer: protocol,
		Archiver:  c.Archiver,
		Notifier:  c.Notifier,
		Logger:    log.With("component", "charge"),
	}, charge.Settings{
		Gateway:            cfg.Gateway,
		Environment:        cfg.Environment,
		RedirectSuccessURL: cfg.RedirectSuccessURL,
		RedirectCancelURL:  cfg.RedirectCancelURL,
	})

	reconciler := webhook.NewReconciler(webhook.Deps{
		Ledger:    c.Ledger,
		Confirmer: protocol,
		Orders:    c.Orders,
		Inbox:     c.Inbox,
		Inflight:  inflight,
		Notifier:  c.Notifier,
		Logger:    log.With("component", "webhook"),
	}, cfg.Gateway.CRM)

	hub := c.Hub
	if hub == nil {
		hub = ws.NewHub(log)
	}

	return &Handler{
		orchestrator: orchestrator,
		reconciler:   reconciler,
		protocol:     protocol,
		sweeper:      confirm.NewSweeper(protocol, cfg.FulfillmentSweepInterval, cfg.FulfillmentSweepBatch, log.With("component", "sweeper")),
		ledger:       c.Ledger,
		tokens:       c.Tokens,
		orders:       c.Orders,
		responses:    c.Responses,
		hub:          hub,
		checks:       c.Checks,
		details:      c.Details,
		logger:       log,
	}
}

func newRouter(h *Handler) *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/health", h.Health).Methods("GET")
	r.HandleFunc("/ws", h.hub.ServeWs).Methods("GET")
	r.HandleFunc("/ws/stats", h.WsStats).Methods("GET")

	// Checkout
	r.HandleFunc("/checkout/charge", h.Charge).Methods("POST")
	r.HandleFunc("/checkout/redirect", h.Redirect).Methods("POST")
	r.HandleFunc("/checkout/recurring", h.Recurring).Methods("POST")

	// Orders
	r.HandleFunc("/orders", h.CreateOrder).Methods("POST")
	r.HandleFunc("/orders/{id}", h.GetOrder).Methods("GET")

	// Transactions
	r.HandleFunc("/transactions/{id}", h.GetTransaction).Methods("GET")
	r.HandleFunc("/transactions/{id}/refund", h.Refund).Methods("POST")

	// Tokens
	r.HandleFunc("/owners/{ownerType}/{ownerID}/tokens", h.ListTokens).Methods("GET")
	r.HandleFunc("/tokens/{id}", h.DeleteToken).Methods("DELETE")
	r.HandleFunc("/tokens/{id}/default", h.SetDefaultToken).Methods("POST")

	// Webhooks
	r.HandleFunc("/webhooks/crm", h.CRMWebhook).Methods("POST")
	r.HandleFunc("/webhooks/bit", h.BitWebhook).Methods("GET", "POST")

	// Internal
	r.HandleFunc("/internal/fulfillment/retry", h.RetryFulfillment).Methods("POST")

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		respondError(w, http.StatusNotFound, "route not found", "ROUTE_NOT_FOUND")
	})
	return r
}
