// Package fulfillment defines the provisioning step that runs once a payment
// is confirmed, plus the implementations the gateway ships with.
package fulfillment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/AnuragDani/payment-gateway/internal/httpclient"
	"github.com/AnuragDani/payment-gateway/internal/logger"
	"github.com/AnuragDani/payment-gateway/internal/models"
	"github.com/AnuragDani/payment-gateway/internal/orders"
)

// ErrUnsupportedPayable is returned when a dispatcher cannot provision the payable's type
var ErrUnsupportedPayable = errors.New("fulfillment: unsupported payable type")

// Dispatcher provisions whatever the customer paid for. Implementations must
// tolerate being called more than once for the same (payable, transaction).
type Dispatcher interface {
	Dispatch(ctx context.Context, payable models.Payable, tx *models.Transaction) error
}

// DispatcherFunc adapts a function to Dispatcher
type DispatcherFunc func(ctx context.Context, payable models.Payable, tx *models.Transaction) error

func (f DispatcherFunc) Dispatch(ctx context.Context, payable models.Payable, tx *models.Transaction) error {
	return f(ctx, payable, tx)
}

// OrderDispatcher marks orders paid and then calls an optional downstream hook
type OrderDispatcher struct {
	orders orders.Store
	hook   Dispatcher
	logger *logger.Logger
}

// NewOrderDispatcher creates an order dispatcher. hook may be nil.
func NewOrderDispatcher(store orders.Store, hook Dispatcher, log *logger.Logger) *OrderDispatcher {
	if log == nil {
		log = logger.Nop()
	}
	return &OrderDispatcher{orders: store, hook: hook, logger: log}
}

func (d *OrderDispatcher) Dispatch(ctx context.Context, payable models.Payable, tx *models.Transaction) error {
	if payable.PayableType() != orders.PayableType {
		return fmt.Errorf("%w: %s", ErrUnsupportedPayable, payable.PayableType())
	}
	if err := d.orders.UpdateStatus(ctx, payable.PayableID(), orders.StatusPaid); err != nil {
		return fmt.Errorf("failed to mark order %s paid: %w", payable.OrderReference(), err)
	}
	d.logger.Info("order marked paid",
		"order_reference", payable.OrderReference(),
		"transaction_id", tx.ID,
	)

	if d.hook != nil {
		if err := d.hook.Dispatch(ctx, payable, tx); err != nil {
			return err
		}
	}
	return nil
}

// Request is the body sent to an HTTP fulfillment hook
type Request struct {
	TransactionID  string            `json:"transaction_id"`
	PayableType    string            `json:"payable_type"`
	PayableID      string            `json:"payable_id"`
	OrderReference string            `json:"order_reference"`
	Amount         decimal.Decimal   `json:"amount"`
	Currency       string            `json:"currency"`
	ConfirmedBy    string            `json:"confirmed_by"`
	Customer       models.Customer   `json:"customer"`
	Items          []models.LineItem `json:"items"`
}

// HTTPDispatcher posts confirmed payments to a provisioning service. The
// transaction ID is sent as Idempotency-Key so the receiver can deduplicate.
type HTTPDispatcher struct {
	client *httpclient.Client
}

func NewHTTPDispatcher(url string, timeout time.Duration) *HTTPDispatcher {
	return &HTTPDispatcher{client: httpclient.NewClient(url, timeout)}
}

func (d *HTTPDispatcher) Dispatch(ctx context.Context, payable models.Payable, tx *models.Transaction) error {
	req := Request{
		TransactionID:  tx.ID,
		PayableType:    payable.PayableType(),
		PayableID:      payable.PayableID(),
		OrderReference: payable.OrderReference(),
		Amount:         tx.Amount,
		Currency:       tx.Currency,
		ConfirmedBy:    string(tx.ConfirmedBy),
		Customer:       payable.Customer(),
		Items:          payable.LineItems(),
	}
	if err := d.client.WithHeader("Idempotency-Key", tx.ID).Post(ctx, "", req, nil); err != nil {
		return fmt.Errorf("fulfillment hook failed: %w", err)
	}
	return nil
}
