package webhook

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"

	"github.com/AnuragDani/payment-gateway/internal/models"
)

var ErrEventNotFound = errors.New("webhook: event not found")

// Inbox keeps every inbound notification, keyed by event type and payload hash
type Inbox interface {
	// Record stores the payload unless an identical one was already stored.
	// The bool reports whether a new event was created.
	Record(ctx context.Context, eventType string, payload []byte, stored string) (*models.WebhookEvent, bool, error)
	// MarkProcessed flips processed once. processingError is kept for audit.
	MarkProcessed(ctx context.Context, id, processingError string) error
	Get(ctx context.Context, id string) (*models.WebhookEvent, error)
}

// PayloadHash returns the hex SHA-256 of the raw body
func PayloadHash(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
