package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/AnuragDani/payment-gateway/internal/cache"
)

const (
	idempotencyHeader = "Idempotency-Key"
	idempotencyTTL    = 24 * time.Hour
)

// ResponseCache keeps checkout answers so a client retrying with the same
// Idempotency-Key gets the original answer instead of a conflict
type ResponseCache interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	Get(ctx context.Context, key string, dest interface{}) error
}

type cachedResponse struct {
	Status int            `json:"status"`
	Body   ChargeResponse `json:"body"`
}

func idempotencyCacheKey(route, key string) string {
	return "idempotency:" + route + ":" + key
}

// replay writes a stored answer and reports whether it did
func (h *Handler) replay(w http.ResponseWriter, r *http.Request, route string) bool {
	key := r.Header.Get(idempotencyHeader)
	if h.responses == nil || key == "" {
		return false
	}

	var cached cachedResponse
	if err := h.responses.Get(r.Context(), idempotencyCacheKey(route, key), &cached); err != nil {
		if !errors.Is(err, cache.ErrNotFound) {
			h.logger.Warn("idempotency lookup failed", "route", route, "error", err)
		}
		return false
	}

	w.Header().Set("X-Idempotent-Replay", "true")
	respondJSON(w, cached.Status, cached.Body)
	return true
}

func (h *Handler) remember(r *http.Request, route string, status int, body ChargeResponse) {
	key := r.Header.Get(idempotencyHeader)
	if h.responses == nil || key == "" {
		return
	}
	// The charge already happened; keep the write alive if the client went away.
	ctx := context.WithoutCancel(r.Context())
	if err := h.responses.Set(ctx, idempotencyCacheKey(route, key), cachedResponse{Status: status, Body: body}, idempotencyTTL); err != nil {
		h.logger.Warn("failed to store idempotent response", "route", route, "error", err)
	}
}
