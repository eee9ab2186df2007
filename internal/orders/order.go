// Package orders is the order read model the gateway charges against.
package orders

import (
	"context"
	"crypto/subtle"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/AnuragDani/payment-gateway/internal/models"
)

// PayableType is the polymorphic type recorded on transactions for orders
const PayableType = "order"

// Order statuses
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusPaid       = "paid"
	StatusCancelled  = "cancelled"
)

var ErrNotFound = errors.New("orders: order not found")

// Order implements models.Payable
type Order struct {
	ID           string            `json:"id"`
	Reference    string            `json:"order_reference" validate:"required"`
	OrderKey     string            `json:"-"`
	Status       string            `json:"status"`
	Total        decimal.Decimal   `json:"amount"`
	CurrencyCode string            `json:"currency" validate:"required,len=3"`
	Buyer        models.Customer   `json:"customer"`
	Lines        []models.LineItem `json:"items"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

var _ models.Payable = (*Order)(nil)

func (o *Order) PayableType() string { return PayableType }
func (o *Order) PayableID() string { return o.ID }
func (o *Order) OrderReference() string { return o.Reference }
func (o *Order) Amount() decimal.Decimal { return o.Total }
func (o *Order) Currency() string { return o.CurrencyCode }
func (o *Order) Customer() models.Customer { return o.Buyer }
func (o *Order) LineItems() []models.LineItem { return o.Lines }

// IsHandled reports whether payment for the order was already accepted
func (o *Order) IsHandled() bool {
	return o.Status == StatusPaid || o.Status == StatusProcessing
}

// VerifyKey compares a callback's order key against the stored one. Orders
// without a stored key never verify.
func (o *Order) VerifyKey(key string) bool {
	if o.OrderKey == "" || key == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(o.OrderKey), []byte(key)) == 1
}

// Store loads and updates orders
type Store interface {
	Create(ctx context.Context, order *Order) error
	Get(ctx context.Context, id string) (*Order, error)
	FindByReference(ctx context.Context, ref string) (*Order, error)
	UpdateStatus(ctx context.Context, id, status string) error
}

// Resolver turns a transaction's payable reference back into the caller's model
type Resolver struct {
	store Store
}

func NewResolver(store Store) *Resolver {
	return &Resolver{store: store}
}

// Resolve returns the Payable for a type/id pair. Only orders are known.
func (r *Resolver) Resolve(ctx context.Context, payableType, payableID string) (models.Payable, error) {
	if payableType != PayableType {
		return nil, errors.New("orders: unsupported payable type " + payableType)
	}
	order, err := r.store.Get(ctx, payableID)
	if err != nil {
		return nil, err
	}
	return order, nil
}
