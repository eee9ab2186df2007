// Package events fans out best-effort notifications after payments are
// confirmed or refunded. Nothing here is on the at-most-once path: a lost
// notification never affects ledger state or fulfillment.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/AnuragDani/payment-gateway/internal/httpclient"
	"github.com/AnuragDani/payment-gateway/internal/logger"
	"github.com/AnuragDani/payment-gateway/internal/models"
)

// Event type constants
const (
	TypeTransaction = "transaction"
	TypeFulfillment = "fulfillment"
	TypeWebhook     = "webhook"
)

// Transaction event constants
const (
	PaymentConfirmed = "payment_confirmed"
	PaymentRefunded  = "payment_refunded"
	ChargeDeclined   = "charge_declined"
	ChargeUnknown    = "charge_outcome_unknown"
	RedirectStarted  = "redirect_started"
	DuplicateCharge  = "duplicate_charge"
)

// Fulfillment and webhook event constants
const (
	FulfillmentFailed = "fulfillment_failed"
	WebhookRejected   = "webhook_rejected"
	WebhookUnmatched  = "webhook_unmatched"
)

// Event represents an event to publish
type Event struct {
	Type      string      `json:"type"`
	Event     string      `json:"event"`
	Data      interface{} `json:"data"`
	Timestamp time.Time   `json:"timestamp"`
}

// TransactionData is the payload of transaction events
type TransactionData struct {
	TransactionID      string          `json:"transaction_id"`
	OrderReference     string          `json:"order_reference"`
	PayableType        string          `json:"payable_type"`
	PayableID          string          `json:"payable_id"`
	ProcessorPaymentID string          `json:"processor_payment_id,omitempty"`
	Amount             decimal.Decimal `json:"amount"`
	Currency           string          `json:"currency"`
	State              string          `json:"state"`
	ConfirmedBy        string          `json:"confirmed_by,omitempty"`
	Flow               string          `json:"flow"`
	ParentID           string          `json:"parent_transaction_id,omitempty"`
	ErrorMessage       string          `json:"error_message,omitempty"`
}

// WebhookData is the payload of webhook events
type WebhookData struct {
	Source    string `json:"source"`
	Reason    string `json:"reason"`
	Reference string `json:"reference,omitempty"`
}

// FromTransaction builds event data from a ledger row
func FromTransaction(tx *models.Transaction) TransactionData {
	return TransactionData{
		TransactionID:      tx.ID,
		OrderReference:     tx.OrderReference,
		PayableType:        tx.PayableType,
		PayableID:          tx.PayableID,
		ProcessorPaymentID: tx.ProcessorPaymentID,
		Amount:             tx.Amount,
		Currency:           tx.Currency,
		State:              string(tx.State),
		ConfirmedBy:        string(tx.ConfirmedBy),
		Flow:               string(tx.Flow),
		ParentID:           tx.ParentTransactionID,
	}
}

// Notifier accepts events without blocking the caller
type Notifier interface {
	Notify(event Event)
}

// Sink delivers one event somewhere
type Sink interface {
	Publish(ctx context.Context, event Event) error
}

// Nop discards events
type Nop struct{}

func (Nop) Notify(Event) {}

// Fanout delivers each event to every sink asynchronously. Sink failures are
// logged and otherwise ignored.
type Fanout struct {
	sinks   []Sink
	logger  *logger.Logger
	timeout time.Duration
	wg      sync.WaitGroup
}

func NewFanout(log *logger.Logger, sinks ...Sink) *Fanout {
	if log == nil {
		log = logger.Nop()
	}
	return &Fanout{sinks: sinks, logger: log, timeout: 5 * time.Second}
}

func (f *Fanout) Notify(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	for _, sink := range f.sinks {
		f.wg.Add(1)
		go func(s Sink) {
			defer f.wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), f.timeout)
			defer cancel()
			if err := s.Publish(ctx, event); err != nil {
				f.logger.Warn("event delivery failed", "type", event.Type, "event", event.Event, "error", err)
			}
		}(sink)
	}
}

// Wait blocks until in-flight deliveries finish. Used on shutdown and in tests.
func (f *Fanout) Wait() {
	f.wg.Wait()
}

// Publisher posts events to an outbound webhook URL
type Publisher struct {
	client *httpclient.Client
}

// NewPublisher creates a new event publisher
func NewPublisher(url string) *Publisher {
	return &Publisher{client: httpclient.NewClient(url, 5*time.Second)}
}

// Publish sends an event to the configured URL
func (p *Publisher) Publish(ctx context.Context, event Event) error {
	return p.client.Post(ctx, "", event, nil)
}

// Helper constructors for the events the gateway emits

func NewPaymentConfirmed(tx *models.Transaction) Event {
	return Event{Type: TypeTransaction, Event: PaymentConfirmed, Data: FromTransaction(tx)}
}

func NewPaymentRefunded(refund *models.Transaction) Event {
	return Event{Type: TypeTransaction, Event: PaymentRefunded, Data: FromTransaction(refund)}
}

func NewChargeFailed(event string, tx *models.Transaction, message string) Event {
	data := FromTransaction(tx)
	data.ErrorMessage = message
	return Event{Type: TypeTransaction, Event: event, Data: data}
}

// NewDuplicateCharge reports captured money that has to be refunded because
// paidBy already completed the order
func NewDuplicateCharge(tx *models.Transaction, paidBy string) Event {
	data := FromTransaction(tx)
	data.ErrorMessage = "order already paid by transaction " + paidBy + "; refund required"
	return Event{Type: TypeTransaction, Event: DuplicateCharge, Data: data}
}

func NewRedirectStarted(tx *models.Transaction) Event {
	return Event{Type: TypeTransaction, Event: RedirectStarted, Data: FromTransaction(tx)}
}

func NewFulfillmentFailed(tx *models.Transaction, err error) Event {
	data := FromTransaction(tx)
	data.ErrorMessage = err.Error()
	return Event{Type: TypeFulfillment, Event: FulfillmentFailed, Data: data}
}

func NewWebhookEvent(event, source, reason, reference string) Event {
	return Event{Type: TypeWebhook, Event: event, Data: WebhookData{Source: source, Reason: reason, Reference: reference}}
}
