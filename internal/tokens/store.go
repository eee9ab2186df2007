// Package tokens keeps saved payment methods for repeat and recurring charges.
package tokens

import (
	"context"
	"errors"

	"github.com/AnuragDani/payment-gateway/internal/models"
)

// ErrNotFound is returned when no token matches
var ErrNotFound = errors.New("tokens: token not found")

// Store persists saved tokens per owner. At most one token per owner is the
// default; the first token saved for an owner becomes it.
type Store interface {
	Save(ctx context.Context, token *models.Token) error
	Get(ctx context.Context, id string) (*models.Token, error)
	// FindForOwner returns the owner's default token, or the newest one when
	// none is marked default
	FindForOwner(ctx context.Context, owner models.Owner) (*models.Token, error)
	FindDefaultForOwner(ctx context.Context, owner models.Owner) (*models.Token, error)
	ListForOwner(ctx context.Context, owner models.Owner) ([]*models.Token, error)
	SetDefault(ctx context.Context, id string) error
	Remove(ctx context.Context, id string) error
}
