// internal/models/models.go
package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// TransactionState is the lifecycle state of a ledger entry
type TransactionState string

// ConfirmedBy records which path confirmed a transaction
type ConfirmedBy string

// PaymentMethodType is the payment method captured at charge time
type PaymentMethodType string

// Flow distinguishes how a charge attempt was started
type Flow string

// Constants for model values
const (
	// Transaction states
	StatePending   TransactionState = "pending"
	StateCompleted TransactionState = "completed"
	StateFailed    TransactionState = "failed"
	StateRefunded  TransactionState = "refunded"

	// Confirmation origins
	ConfirmedBySyncCharge ConfirmedBy = "sync_charge"
	ConfirmedByWebhookCRM ConfirmedBy = "webhook_crm"
	ConfirmedByWebhookBit ConfirmedBy = "webhook_bit"

	// Payment methods
	PaymentMethodCard PaymentMethodType = "card"
	PaymentMethodBit  PaymentMethodType = "bit"

	// Charge flows
	FlowDirect    Flow = "direct"
	FlowRedirect  Flow = "redirect"
	FlowRecurring Flow = "recurring"
	FlowRefund    Flow = "refund"

	// Environments
	EnvironmentLive = "live"
	EnvironmentTest = "test"

	// Webhook event types
	WebhookEventCRM    = "crm"
	WebhookEventBitIPN = "bit_ipn"
)

// Valid reports whether the value is one of the known confirmation origins.
func (c ConfirmedBy) Valid() bool {
	switch c {
	case ConfirmedBySyncCharge, ConfirmedByWebhookCRM, ConfirmedByWebhookBit:
		return true
	}
	return false
}

// CardSnapshot is the payment method captured at charge time. It is never
// updated after the row is written.
type CardSnapshot struct {
	Method     PaymentMethodType `json:"method"`
	LastDigits string            `json:"last_digits,omitempty"`
	ExpMonth   int               `json:"exp_month,omitempty"`
	ExpYear    int               `json:"exp_year,omitempty"`
	Brand      string            `json:"brand,omitempty"`
}

// Transaction is one payment attempt recorded in the ledger
type Transaction struct {
	ID                  string           `json:"id" db:"id"`
	OrderReference      string           `json:"order_reference" db:"order_reference"`
	PayableType         string           `json:"payable_type" db:"payable_type"`
	PayableID           string           `json:"payable_id" db:"payable_id"`
	ProcessorPaymentID  string           `json:"processor_payment_id,omitempty" db:"processor_payment_id"`
	ProcessorEntityID   string           `json:"processor_entity_id,omitempty" db:"processor_entity_id"`
	AuthorizationCode   string           `json:"authorization_code,omitempty" db:"authorization_code"`
	Amount              decimal.Decimal  `json:"amount" db:"amount"`
	Currency            string           `json:"currency" db:"currency"`
	State               TransactionState `json:"state" db:"state"`
	IsWebhookConfirmed  bool             `json:"is_webhook_confirmed" db:"is_webhook_confirmed"`
	ConfirmedAt         *time.Time       `json:"confirmed_at,omitempty" db:"confirmed_at"`
	ConfirmedBy         ConfirmedBy      `json:"confirmed_by,omitempty" db:"confirmed_by"`
	Card                CardSnapshot     `json:"payment_method"`
	Flow                Flow             `json:"flow" db:"flow"`
	Installments        int              `json:"installments" db:"installments"`
	RawRequest          string           `json:"-" db:"raw_request"`
	RawResponse         string           `json:"-" db:"raw_response"`
	Environment         string           `json:"environment" db:"environment"`
	ParentTransactionID string           `json:"parent_transaction_id,omitempty" db:"parent_transaction_id"`
	FulfilledAt         *time.Time       `json:"fulfilled_at,omitempty" db:"fulfilled_at"`
	CreatedAt           time.Time        `json:"created_at" db:"created_at"`
	UpdatedAt           time.Time        `json:"updated_at" db:"updated_at"`
}

// IsConfirmed reports whether the transaction went through confirmation.
func (t *Transaction) IsConfirmed() bool {
	return t.IsWebhookConfirmed
}

// IsRefund reports whether the row represents money returned for another transaction.
func (t *Transaction) IsRefund() bool {
	return t.ParentTransactionID != ""
}

// Owner identifies who a saved token belongs to
type Owner struct {
	Type string `json:"owner_type" validate:"required"`
	ID   string `json:"owner_id" validate:"required"`
}

// Token is a saved payment method usable for repeat and recurring charges
type Token struct {
	ID             string    `json:"id" db:"id"`
	ProcessorToken string    `json:"-" db:"processor_token"`
	Owner          Owner     `json:"owner"`
	CitizenID      string    `json:"-" db:"citizen_id"`
	ExpiryMonth    int       `json:"expiry_month" db:"exp_month"`
	ExpiryYear     int       `json:"expiry_year" db:"exp_year"`
	LastDigits     string    `json:"last_digits,omitempty" db:"last_digits"`
	Brand          string    `json:"brand,omitempty" db:"card_brand"`
	IsDefault      bool      `json:"is_default" db:"is_default"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}

// WebhookEvent is a raw inbound notification kept for replay protection and audit
type WebhookEvent struct {
	ID              string     `json:"id" db:"id"`
	EventType       string     `json:"event_type" db:"event_type"`
	Payload         string     `json:"payload" db:"payload"`
	PayloadHash     string     `json:"payload_hash" db:"payload_hash"`
	Processed       bool       `json:"processed" db:"processed"`
	ProcessedAt     *time.Time `json:"processed_at,omitempty" db:"processed_at"`
	ProcessingError string     `json:"processing_error,omitempty" db:"processing_error"`
	CreatedAt       time.Time  `json:"created_at" db:"created_at"`
}

// Customer is the buyer data sent to the processor
type Customer struct {
	Name       string `json:"name"`
	Email      string `json:"email"`
	Phone      string `json:"phone,omitempty"`
	CitizenID  string `json:"citizen_id,omitempty"`
	ExternalID string `json:"external_id,omitempty"`
}

// LineItem is one billed line of an order
type LineItem struct {
	Name      string          `json:"name"`
	SKU       string          `json:"sku,omitempty"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

// Payable is anything a customer pays for. Callers implement it on their own
// order model; the gateway only reads from it.
type Payable interface {
	PayableType() string
	PayableID() string
	OrderReference() string
	Amount() decimal.Decimal
	Currency() string
	Customer() Customer
	LineItems() []LineItem
}
