// Package webhook reconciles processor notifications against the ledger.
// Every delivery is answered 200 unless the sender should retry: a storage
// failure, or a Bit notification for a transaction that should exist and does not.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/AnuragDani/payment-gateway/internal/config"
	"github.com/AnuragDani/payment-gateway/internal/confirm"
	"github.com/AnuragDani/payment-gateway/internal/events"
	"github.com/AnuragDani/payment-gateway/internal/ledger"
	"github.com/AnuragDani/payment-gateway/internal/logger"
	"github.com/AnuragDani/payment-gateway/internal/models"
	"github.com/AnuragDani/payment-gateway/internal/orders"
	"github.com/AnuragDani/payment-gateway/internal/processor"
)

var (
	// ErrMalformedPayload is returned for bodies that are not a CRM notification
	ErrMalformedPayload = errors.New("webhook: malformed payload")
	// ErrMissingTransaction is returned when a Bit notification has no pending
	// transaction to confirm. The sender should retry.
	ErrMissingTransaction = errors.New("webhook: no transaction for bit notification")
)

// InflightTTL bounds how long a delivery holds its in-flight claim
const InflightTTL = time.Minute

// Status describes what a delivery did
type Status string

const (
	StatusConfirmed      Status = "confirmed"
	StatusRefunded       Status = "refunded"
	StatusNoop           Status = "already_confirmed"
	StatusAlreadyHandled Status = "already_handled"
	StatusDuplicate      Status = "duplicate"
	StatusIgnored        Status = "ignored"
	StatusUnmatched      Status = "unmatched"
	StatusRejected       Status = "rejected"
)

// Outcome is the reconciler's answer to one delivery
type Outcome struct {
	Status        Status `json:"status"`
	Reason        string `json:"reason,omitempty"`
	TransactionID string `json:"transaction_id,omitempty"`
	// FulfillmentError is set when the payment was confirmed but fulfillment failed
	FulfillmentError string `json:"-"`
}

// Confirmer is satisfied by confirm.Protocol
type Confirmer interface {
	Confirm(ctx context.Context, txID string, by models.ConfirmedBy) (*models.Transaction, bool, error)
}

// OrderLookup finds the caller's order for a Bit notification
type OrderLookup interface {
	FindByReference(ctx context.Context, reference string) (*orders.Order, error)
}

// InflightGuard short-circuits concurrent identical deliveries. It is
// satisfied by cache.Client.
type InflightGuard interface {
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

type Reconciler struct {
	ledger    ledger.Ledger
	confirmer Confirmer
	orders    OrderLookup
	inbox     Inbox
	inflight  InflightGuard
	notifier  events.Notifier
	crm       config.CRMConfig
	logger    *logger.Logger
}

// Deps groups the reconciler's collaborators. Inflight and Notifier are optional.
type Deps struct {
	Ledger    ledger.Ledger
	Confirmer Confirmer
	Orders    OrderLookup
	Inbox     Inbox
	Inflight  InflightGuard
	Notifier  events.Notifier
	Logger    *logger.Logger
}

func NewReconciler(deps Deps, crm config.CRMConfig) *Reconciler {
	r := &Reconciler{
		ledger:    deps.Ledger,
		confirmer: deps.Confirmer,
		orders:    deps.Orders,
		inbox:     deps.Inbox,
		inflight:  deps.Inflight,
		notifier:  deps.Notifier,
		crm:       crm,
		logger:    deps.Logger,
	}
	if r.notifier == nil {
		r.notifier = events.Nop{}
	}
	if r.logger == nil {
		r.logger = logger.Nop()
	}
	return r
}

// HandleCRM processes a CRM entity-change notification
func (r *Reconciler) HandleCRM(ctx context.Context, body []byte) (*Outcome, error) {
	return r.deliver(ctx, models.WebhookEventCRM, body, string(processor.Redact(body)), func(ctx context.Context) (*Outcome, error) {
		var payload CRMPayload
		if err := json.Unmarshal(body, &payload); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMalformedPayload, err)
		}
		return r.reconcileCRM(ctx, &payload)
	})
}

// HandleBit processes a Bit redirect notification
func (r *Reconciler) HandleBit(ctx context.Context, orderID, orderKey string) (*Outcome, error) {
	raw := url.Values{"orderid": {orderID}, "orderkey": {orderKey}}.Encode()
	stored := url.Values{"orderid": {orderID}}.Encode()
	return r.deliver(ctx, models.WebhookEventBitIPN, []byte(raw), stored, func(ctx context.Context) (*Outcome, error) {
		return r.reconcileBit(ctx, orderID, orderKey)
	})
}

// deliver records the raw event, drops replays of processed events and
// concurrent identical deliveries, then runs handle. Events are left
// unprocessed when handle fails so the sender's retry is processed again.
func (r *Reconciler) deliver(ctx context.Context, eventType string, raw []byte, stored string, handle func(context.Context) (*Outcome, error)) (*Outcome, error) {
	event, created, err := r.inbox.Record(ctx, eventType, raw, stored)
	if err != nil {
		return nil, err
	}
	log := r.logger.With("webhook_event_id", event.ID, "event_type", eventType)

	if !created && event.Processed {
		log.Debug("duplicate webhook delivery ignored")
		return &Outcome{Status: StatusDuplicate}, nil
	}

	if r.inflight != nil {
		key := "webhook:inflight:" + eventType + ":" + event.PayloadHash
		claimed, err := r.inflight.Claim(ctx, key, InflightTTL)
		switch {
		case err != nil:
			// The ledger guard still holds without the claim.
			log.Warn("failed to claim webhook delivery", "error", err)
		case !claimed:
			log.Debug("identical webhook delivery in flight")
			return &Outcome{Status: StatusDuplicate, Reason: "in_flight"}, nil
		default:
			defer func() {
				if err := r.inflight.Release(context.WithoutCancel(ctx), key); err != nil {
					log.Warn("failed to release webhook claim", "error", err)
				}
			}()
		}
	}

	outcome, err := handle(ctx)
	if err != nil {
		if errors.Is(err, ErrMalformedPayload) {
			r.markProcessed(ctx, log, event.ID, err.Error())
		}
		return nil, err
	}

	processingError := outcome.FulfillmentError
	switch outcome.Status {
	case StatusIgnored, StatusUnmatched, StatusRejected:
		processingError = string(outcome.Status) + ": " + outcome.Reason
	}
	r.markProcessed(ctx, log, event.ID, processingError)
	return outcome, nil
}

func (r *Reconciler) markProcessed(ctx context.Context, log *logger.Logger, id, processingError string) {
	if err := r.inbox.MarkProcessed(ctx, id, processingError); err != nil {
		log.Error("failed to mark webhook event processed", "error", err)
	}
}

func (r *Reconciler) reconcileCRM(ctx context.Context, p *CRMPayload) (*Outcome, error) {
	if name := failedFilter(p, r.crm, commonFilters); name != "" {
		return &Outcome{Status: StatusIgnored, Reason: name}, nil
	}
	if p.IsRefund() {
		return r.reconcileRefund(ctx, p)
	}
	if name := failedFilter(p, r.crm, confirmationFilters); name != "" {
		return &Outcome{Status: StatusIgnored, Reason: name}, nil
	}

	entityID := string(p.EntityID)
	log := r.logger.With("processor_entity_id", entityID)

	tx, err := r.ledger.FindByProcessorEntityID(ctx, entityID)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			log.Warn("crm webhook matched no transaction", "description", p.Properties.Description)
			r.notifier.Notify(events.NewWebhookEvent(events.WebhookUnmatched, models.WebhookEventCRM, "no transaction for entity", entityID))
			return &Outcome{Status: StatusUnmatched, Reason: "no transaction for entity"}, nil
		}
		return nil, err
	}
	if tx.IsRefund() {
		return &Outcome{Status: StatusIgnored, Reason: "refund_entity", TransactionID: tx.ID}, nil
	}
	if !p.Properties.Amount.Equal(tx.Amount) {
		log.Warn("crm webhook amount differs from transaction",
			"transaction_id", tx.ID,
			"webhook_amount", p.Properties.Amount.StringFixed(2),
			"transaction_amount", tx.Amount.StringFixed(2),
		)
	}

	return r.confirm(ctx, tx.ID, models.ConfirmedByWebhookCRM)
}

// reconcileRefund correlates a negative-amount entity to the original
// payment by processor payment id, falling back to the order reference in
// the description. Refunds never trigger fulfillment.
func (r *Reconciler) reconcileRefund(ctx context.Context, p *CRMPayload) (*Outcome, error) {
	original, err := r.findRefundOriginal(ctx, p)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			r.logger.Warn("refund webhook matched no transaction",
				"processor_entity_id", string(p.EntityID),
				"description", p.Properties.Description,
			)
			r.notifier.Notify(events.NewWebhookEvent(events.WebhookUnmatched, models.WebhookEventCRM, "no original for refund", string(p.EntityID)))
			return &Outcome{Status: StatusUnmatched, Reason: "no original for refund"}, nil
		}
		return nil, err
	}

	refund, created, err := r.ledger.RecordRefund(ctx, original.ID, ledger.RefundFields{
		Amount:            p.Properties.Amount.Abs(),
		ProcessorEntityID: string(p.EntityID),
	})
	if err != nil {
		if errors.Is(err, ledger.ErrNotRefundable) {
			r.logger.Warn("refund webhook for transaction that is not completed",
				"transaction_id", original.ID,
				"state", string(original.State),
			)
			return &Outcome{Status: StatusIgnored, Reason: "not_refundable", TransactionID: original.ID}, nil
		}
		return nil, err
	}

	if !created {
		return &Outcome{Status: StatusNoop, TransactionID: refund.ID}, nil
	}
	r.logger.Info("refund recorded from webhook",
		"transaction_id", original.ID,
		"refund_transaction_id", refund.ID,
		"amount", refund.Amount.StringFixed(2),
	)
	r.notifier.Notify(events.NewPaymentRefunded(refund))
	return &Outcome{Status: StatusRefunded, TransactionID: refund.ID}, nil
}

func (r *Reconciler) findRefundOriginal(ctx context.Context, p *CRMPayload) (*models.Transaction, error) {
	if id := string(p.Properties.PaymentID); id != "" {
		tx, err := r.ledger.FindByProcessorPaymentID(ctx, id)
		if err == nil && !tx.IsRefund() {
			return tx, nil
		}
		if err != nil && !errors.Is(err, ledger.ErrNotFound) {
			return nil, err
		}
	}
	if p.Properties.Description == "" {
		return nil, ledger.ErrNotFound
	}
	return r.ledger.FindByOrderReference(ctx, p.Properties.Description)
}

func (r *Reconciler) reconcileBit(ctx context.Context, orderID, orderKey string) (*Outcome, error) {
	log := r.logger.With("order_reference", orderID)

	order, err := r.orders.FindByReference(ctx, orderID)
	if err != nil {
		if errors.Is(err, orders.ErrNotFound) {
			log.Warn("bit notification for unknown order")
			r.notifier.Notify(events.NewWebhookEvent(events.WebhookRejected, models.WebhookEventBitIPN, "unknown order", orderID))
			return &Outcome{Status: StatusRejected, Reason: "unknown_order"}, nil
		}
		return nil, err
	}

	if order.OrderKey == "" {
		log.Warn("bit notification rejected: order has no key")
		r.notifier.Notify(events.NewWebhookEvent(events.WebhookRejected, models.WebhookEventBitIPN, "order has no key", orderID))
		return &Outcome{Status: StatusRejected, Reason: "missing_order_key"}, nil
	}
	if !order.VerifyKey(orderKey) {
		log.Warn("bit notification rejected: order key mismatch")
		r.notifier.Notify(events.NewWebhookEvent(events.WebhookRejected, models.WebhookEventBitIPN, "order key mismatch", orderID))
		return &Outcome{Status: StatusRejected, Reason: "order_key_mismatch"}, nil
	}

	if order.IsHandled() {
		log.Debug("bit notification for handled order", "order_status", order.Status)
		return &Outcome{Status: StatusAlreadyHandled}, nil
	}

	tx, err := r.ledger.FindByOrderReferenceAndMethod(ctx, orderID, models.PaymentMethodBit)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			log.Error("bit notification has no pending transaction")
			r.notifier.Notify(events.NewWebhookEvent(events.WebhookUnmatched, models.WebhookEventBitIPN, "no pending transaction", orderID))
			return nil, fmt.Errorf("%w: order %s", ErrMissingTransaction, orderID)
		}
		return nil, err
	}
	if tx.IsConfirmed() {
		return &Outcome{Status: StatusAlreadyHandled, TransactionID: tx.ID}, nil
	}

	return r.confirm(ctx, tx.ID, models.ConfirmedByWebhookBit)
}

// confirm runs the confirmation protocol. A fulfillment failure still
// answers 200: the confirmation is durable and fulfillment is retried separately.
func (r *Reconciler) confirm(ctx context.Context, txID string, by models.ConfirmedBy) (*Outcome, error) {
	tx, changed, err := r.confirmer.Confirm(ctx, txID, by)
	if errors.Is(err, ledger.ErrOrderAlreadyCompleted) {
		return r.duplicateCharge(ctx, txID, by), nil
	}
	if err != nil && !errors.Is(err, confirm.ErrFulfillment) {
		return nil, err
	}

	outcome := &Outcome{Status: StatusConfirmed, TransactionID: txID}
	if !changed {
		outcome.Status = StatusNoop
		if tx != nil {
			outcome.Reason = "confirmed_by_" + string(tx.ConfirmedBy)
		}
	}
	if err != nil {
		outcome.FulfillmentError = err.Error()
	}
	return outcome, nil
}

// duplicateCharge answers a confirmation for money captured on an order that
// another transaction already completed. Redelivery cannot fix it, so the
// delivery is acknowledged and the transaction left pending for a refund.
func (r *Reconciler) duplicateCharge(ctx context.Context, txID string, by models.ConfirmedBy) *Outcome {
	r.logger.Error("confirmation for an already paid order; refund required",
		"transaction_id", txID,
		"confirmed_by", string(by),
	)
	if tx, err := r.ledger.Get(ctx, txID); err == nil {
		var paidBy string
		if paid, err := r.ledger.FindPaidByOrderReference(ctx, tx.OrderReference); err == nil {
			paidBy = paid.ID
		}
		r.notifier.Notify(events.NewDuplicateCharge(tx, paidBy))
	}
	return &Outcome{Status: StatusRejected, Reason: "order_already_paid", TransactionID: txID}
}
