package charge

import (
	"context"
	"errors"

	"github.com/AnuragDani/payment-gateway/internal/models"
	"github.com/AnuragDani/payment-gateway/internal/processor"
)

var (
	// ErrInvalidRequest is returned for requests rejected before any ledger write
	ErrInvalidRequest = errors.New("charge: invalid request")
	// ErrNoPaymentMethod is returned when neither a token nor card fields are given
	ErrNoPaymentMethod = errors.New("charge: no payment method supplied")
	// ErrInvalidInstallments is returned when more payments are requested than allowed
	ErrInvalidInstallments = errors.New("charge: installments exceed allowed maximum")
	// ErrNoSavedToken is returned for recurring charges when the owner has no default token
	ErrNoSavedToken = errors.New("charge: owner has no saved token")
	// ErrTokenOwnerMismatch is returned when a saved token belongs to someone else
	ErrTokenOwnerMismatch = errors.New("charge: token belongs to another owner")
	// ErrInvalidRefundAmount is returned when a refund exceeds the original amount
	ErrInvalidRefundAmount = errors.New("charge: refund amount exceeds original")
	// ErrAlreadyPaid is returned before the processor is called when the ledger
	// already holds a completed payment for the order. It also matches
	// ledger.ErrOrderAlreadyCompleted.
	ErrAlreadyPaid = errors.New("charge: order already paid")
)

const (
	// CodeInvalidToken is the decline code for a saved token the processor no longer accepts
	CodeInvalidToken = "invalid_token"
	// CodeDuplicateCharge marks money captured for an order that another
	// transaction had already paid
	CodeDuplicateCharge = "duplicate_charge"
)

// Processor is satisfied by processor.Client
type Processor interface {
	Charge(ctx context.Context, req *processor.ChargeRequest) (*processor.Result, error)
	BeginRedirect(ctx context.Context, req *processor.ChargeRequest) (*processor.Result, error)
	Refund(ctx context.Context, req *processor.RefundRequest) (*processor.Result, error)
}

// Confirmer is satisfied by confirm.Protocol
type Confirmer interface {
	Confirm(ctx context.Context, txID string, by models.ConfirmedBy) (*models.Transaction, bool, error)
}

// Card carries raw card fields. They are sent to the processor and never stored.
type Card struct {
	Number    string `json:"number" validate:"required,min=12,max=19,numeric"`
	CVV       string `json:"cvv" validate:"required,min=3,max=4,numeric"`
	ExpMonth  int    `json:"exp_month" validate:"required,min=1,max=12"`
	ExpYear   int    `json:"exp_year" validate:"required,min=2000"`
	CitizenID string `json:"citizen_id"`
}

// PaymentMethod selects how to pay. When several are set the single-use
// token wins, then the saved token, then raw card fields.
type PaymentMethod struct {
	SingleUseToken string `json:"single_use_token,omitempty"`
	SavedTokenID   string `json:"saved_token_id,omitempty"`
	Card           *Card  `json:"card,omitempty" validate:"omitempty"`
	// SaveToken asks the processor to return a permanent token for later charges
	SaveToken bool `json:"save_token"`
}

// Request is a direct charge
type Request struct {
	Payable      models.Payable
	Method       PaymentMethod
	Installments int
	// Owner is required to use or save tokens
	Owner models.Owner
}

// RedirectRequest starts a hosted-page payment
type RedirectRequest struct {
	Payable      models.Payable
	Method       models.PaymentMethodType
	Installments int
	SuccessURL   string
	CancelURL    string
}

// Result is the outcome of one charge attempt. Outcome is the processor's
// tagged outcome; Transaction is the ledger row for the attempt.
type Result struct {
	Outcome     processor.Outcome
	Transaction *models.Transaction
	Code        string
	Message     string
	RedirectURL string
	// Confirmed reports whether this call confirmed the transaction. False on
	// success means a webhook confirmed it first.
	Confirmed bool
	// FulfillmentError is set when the payment was confirmed but fulfillment
	// failed. The payment is not rolled back.
	FulfillmentError error
	// SavedToken is set when a permanent token was captured
	SavedToken *models.Token
	// RefundRequired is set with CodeDuplicateCharge. The processor captured
	// the money but the order was already paid, so the transaction stays
	// pending and must be refunded at the processor.
	RefundRequired bool
}

// Succeeded reports whether money moved
func (r *Result) Succeeded() bool {
	return r != nil && r.Outcome == processor.OutcomeSuccess
}

// OutcomeUnknown reports whether the processor may or may not have charged.
// Callers must not retry; confirmation arrives by webhook.
func (r *Result) OutcomeUnknown() bool {
	return r != nil && r.Outcome == processor.OutcomeTransportError
}
