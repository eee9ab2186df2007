// Package ledger stores payment attempts and is the single source of truth
// for whether a payment has already been confirmed.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/AnuragDani/payment-gateway/internal/models"
)

var (
	// ErrNotFound is returned when no transaction matches a lookup
	ErrNotFound = errors.New("ledger: transaction not found")
	// ErrOrderAlreadyCompleted is returned when confirming would give an order
	// a second completed primary transaction
	ErrOrderAlreadyCompleted = errors.New("ledger: order already has a completed transaction")
	// ErrNotRefundable is returned when a refund targets a transaction that is
	// not completed
	ErrNotRefundable = errors.New("ledger: transaction is not refundable")
	// ErrProcessorIDConflict is returned when a processor identifier that is
	// already set would be overwritten with a different value
	ErrProcessorIDConflict = errors.New("ledger: processor identifier already set")
)

// ProcessorRefs are the identifiers the processor assigns to an attempt.
// Empty fields are left untouched, and card details only fill columns that
// are still empty. Card.Method is ignored.
type ProcessorRefs struct {
	PaymentID         string
	EntityID          string
	AuthorizationCode string
	RawResponse       string
	Card              models.CardSnapshot
}

// RefundFields describe money returned for a completed transaction
type RefundFields struct {
	Amount             decimal.Decimal
	ProcessorPaymentID string
	ProcessorEntityID  string
	RawRequest         string
	RawResponse        string
}

// Ledger is implemented by PostgresStore and MemoryStore
type Ledger interface {
	// Create inserts a new transaction. An empty ID is assigned.
	Create(ctx context.Context, tx *models.Transaction) error
	Get(ctx context.Context, id string) (*models.Transaction, error)
	// FindByOrderReference returns the most recent primary transaction for an order
	FindByOrderReference(ctx context.Context, ref string) (*models.Transaction, error)
	FindByOrderReferenceAndMethod(ctx context.Context, ref string, method models.PaymentMethodType) (*models.Transaction, error)
	// FindPaidByOrderReference returns the order's completed or refunded
	// primary transaction, ignoring later failed or pending attempts
	FindPaidByOrderReference(ctx context.Context, ref string) (*models.Transaction, error)
	FindByProcessorEntityID(ctx context.Context, entityID string) (*models.Transaction, error)
	FindByProcessorPaymentID(ctx context.Context, paymentID string) (*models.Transaction, error)

	AttachProcessorRefs(ctx context.Context, id string, refs ProcessorRefs) (*models.Transaction, error)
	// MarkFailed moves a pending, unconfirmed transaction to failed. Confirmed
	// transactions are left alone.
	MarkFailed(ctx context.Context, id string, rawResponse string) error
	// MarkConfirmed atomically confirms a transaction. The bool reports whether
	// this call performed the transition; false means it was already confirmed.
	MarkConfirmed(ctx context.Context, id string, by models.ConfirmedBy) (*models.Transaction, bool, error)
	// RecordRefund links a refund row to a completed transaction and moves the
	// original to refunded. Repeating it returns the existing refund with false.
	RecordRefund(ctx context.Context, originalID string, fields RefundFields) (*models.Transaction, bool, error)

	MarkFulfilled(ctx context.Context, id string) error
	// ListUnfulfilled returns confirmed primary transactions whose fulfillment
	// has not been recorded and that were confirmed no later than
	// confirmedBefore, oldest confirmation first
	ListUnfulfilled(ctx context.Context, confirmedBefore time.Time, limit int) ([]*models.Transaction, error)
}

func newRefundTransaction(original *models.Transaction, fields RefundFields, now time.Time) *models.Transaction {
	amount := fields.Amount.Abs()
	if amount.IsZero() {
		amount = original.Amount
	}
	return &models.Transaction{
		ID:                  uuid.New().String(),
		OrderReference:      original.OrderReference,
		PayableType:         original.PayableType,
		PayableID:           original.PayableID,
		ProcessorPaymentID:  fields.ProcessorPaymentID,
		ProcessorEntityID:   fields.ProcessorEntityID,
		Amount:              amount,
		Currency:            original.Currency,
		State:               models.StateCompleted,
		ConfirmedAt:         &now,
		Card:                original.Card,
		Flow:                models.FlowRefund,
		Installments:        1,
		RawRequest:          fields.RawRequest,
		RawResponse:         fields.RawResponse,
		Environment:         original.Environment,
		ParentTransactionID: original.ID,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
}
