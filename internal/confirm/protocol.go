// Package confirm is the single path through which a transaction becomes
// confirmed. Both the synchronous charge flow and every webhook go through
// Protocol.Confirm, which dispatches fulfillment at most once per transaction.
package confirm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/AnuragDani/payment-gateway/internal/events"
	"github.com/AnuragDani/payment-gateway/internal/fulfillment"
	"github.com/AnuragDani/payment-gateway/internal/ledger"
	"github.com/AnuragDani/payment-gateway/internal/logger"
	"github.com/AnuragDani/payment-gateway/internal/models"
)

var (
	// ErrFulfillment wraps dispatch failures that happened after the payment
	// was durably confirmed. The payment stays confirmed.
	ErrFulfillment = errors.New("confirm: fulfillment failed")
	// ErrNotConfirmed is returned when retrying fulfillment for an unconfirmed transaction
	ErrNotConfirmed = errors.New("confirm: transaction is not confirmed")
	// ErrInvalidOrigin is returned for an unknown confirmation origin
	ErrInvalidOrigin = errors.New("confirm: invalid confirmation origin")
)

// DefaultRetryGrace keeps a sweep away from confirmations whose first
// dispatch may still be running
const DefaultRetryGrace = 2 * time.Minute

// PayableResolver loads the caller's model a transaction was charged for
type PayableResolver interface {
	Resolve(ctx context.Context, payableType, payableID string) (models.Payable, error)
}

// Protocol confirms transactions and triggers fulfillment
type Protocol struct {
	ledger     ledger.Ledger
	resolver   PayableResolver
	dispatcher fulfillment.Dispatcher
	notifier   events.Notifier
	logger     *logger.Logger
	retryGrace time.Duration

	// transaction ids with a dispatch running in this process
	running sync.Map
}

func NewProtocol(l ledger.Ledger, resolver PayableResolver, dispatcher fulfillment.Dispatcher, notifier events.Notifier, log *logger.Logger) *Protocol {
	if notifier == nil {
		notifier = events.Nop{}
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Protocol{
		ledger:     l,
		resolver:   resolver,
		dispatcher: dispatcher,
		notifier:   notifier,
		logger:     log,
		retryGrace: DefaultRetryGrace,
	}
}

// SetRetryGrace sets how long after confirmation a transaction becomes
// eligible for RetryPending. Call it before the protocol is shared.
func (p *Protocol) SetRetryGrace(d time.Duration) {
	if d < 0 {
		d = 0
	}
	p.retryGrace = d
}

// Confirm marks the transaction confirmed and, if this call performed the
// transition, dispatches fulfillment. The bool reports whether this call
// confirmed it. A repeated call is a no-op returning false and no error.
//
// Storage failures are returned as-is. Fulfillment failures are returned
// wrapped in ErrFulfillment together with the confirmed transaction.
func (p *Protocol) Confirm(ctx context.Context, txID string, by models.ConfirmedBy) (*models.Transaction, bool, error) {
	if !by.Valid() {
		return nil, false, fmt.Errorf("%w: %q", ErrInvalidOrigin, by)
	}

	tx, changed, err := p.ledger.MarkConfirmed(ctx, txID, by)
	if err != nil {
		return nil, false, err
	}
	if !changed {
		p.logger.Debug("transaction already confirmed",
			"transaction_id", txID,
			"attempted_by", string(by),
			"confirmed_by", string(tx.ConfirmedBy),
		)
		return tx, false, nil
	}

	p.logger.Info("transaction confirmed",
		"transaction_id", tx.ID,
		"order_reference", tx.OrderReference,
		"confirmed_by", string(by),
		"amount", tx.Amount.StringFixed(2),
		"currency", tx.Currency,
	)
	p.notifier.Notify(events.NewPaymentConfirmed(tx))

	if err := p.fulfill(ctx, tx); err != nil && !errors.Is(err, fulfillment.ErrInFlight) {
		return tx, true, err
	}
	return tx, true, nil
}

// RetryFulfillment dispatches fulfillment again for a confirmed transaction
// whose previous dispatch failed. Confirmation fields are not touched. An
// error wrapping fulfillment.ErrInFlight means another dispatch is running.
func (p *Protocol) RetryFulfillment(ctx context.Context, txID string) (*models.Transaction, error) {
	tx, err := p.ledger.Get(ctx, txID)
	if err != nil {
		return nil, err
	}
	if !tx.IsConfirmed() {
		return tx, fmt.Errorf("transaction %s: %w", txID, ErrNotConfirmed)
	}
	if tx.FulfilledAt != nil {
		return tx, nil
	}
	return tx, p.fulfill(ctx, tx)
}

// RetryReport summarises a RetryPending sweep
type RetryReport struct {
	Attempted int      `json:"attempted"`
	Succeeded []string `json:"succeeded"`
	Failed    []string `json:"failed"`

	// Skipped were still being dispatched elsewhere
	Skipped []string `json:"skipped"`
}

// RetryPending retries fulfillment for up to limit confirmed but unfulfilled
// transactions, oldest first. Transactions confirmed within the retry grace
// are left to their first dispatch.
func (p *Protocol) RetryPending(ctx context.Context, limit int) (*RetryReport, error) {
	pending, err := p.ledger.ListUnfulfilled(ctx, time.Now().Add(-p.retryGrace), limit)
	if err != nil {
		return nil, err
	}

	report := &RetryReport{Succeeded: []string{}, Failed: []string{}, Skipped: []string{}}
	for _, tx := range pending {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		report.Attempted++
		err := p.fulfill(ctx, tx)
		switch {
		case errors.Is(err, fulfillment.ErrInFlight):
			report.Skipped = append(report.Skipped, tx.ID)
		case err != nil:
			report.Failed = append(report.Failed, tx.ID)
		default:
			report.Succeeded = append(report.Succeeded, tx.ID)
		}
	}
	return report, nil
}

// fulfill records the transaction fulfilled only after a dispatch this call
// owned, or one that already finished, succeeded.
func (p *Protocol) fulfill(ctx context.Context, tx *models.Transaction) error {
	if _, busy := p.running.LoadOrStore(tx.ID, struct{}{}); busy {
		return p.inFlight(tx)
	}
	defer p.running.Delete(tx.ID)

	payable, err := p.resolver.Resolve(ctx, tx.PayableType, tx.PayableID)
	if err == nil {
		err = p.dispatcher.Dispatch(ctx, payable, tx)
	}
	if errors.Is(err, fulfillment.ErrInFlight) {
		return p.inFlight(tx)
	}
	if err != nil {
		p.logger.Error("fulfillment failed for confirmed payment",
			"transaction_id", tx.ID,
			"order_reference", tx.OrderReference,
			"payable_type", tx.PayableType,
			"payable_id", tx.PayableID,
			"error", err,
		)
		p.notifier.Notify(events.NewFulfillmentFailed(tx, err))
		return fmt.Errorf("%w: transaction %s: %w", ErrFulfillment, tx.ID, err)
	}

	if err := p.ledger.MarkFulfilled(ctx, tx.ID); err != nil {
		// Dispatchers tolerate a repeat, so a later sweep re-dispatching is safe.
		p.logger.Error("failed to record fulfillment", "transaction_id", tx.ID, "error", err)
	}
	return nil
}

func (p *Protocol) inFlight(tx *models.Transaction) error {
	p.logger.Info("fulfillment still in flight; leaving it to its owner",
		"transaction_id", tx.ID,
		"order_reference", tx.OrderReference,
	)
	return fmt.Errorf("transaction %s: %w", tx.ID, fulfillment.ErrInFlight)
}
