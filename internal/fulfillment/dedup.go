package fulfillment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/AnuragDani/payment-gateway/internal/logger"
	"github.com/AnuragDani/payment-gateway/internal/models"
)

const (
	// DefaultClaimTTL is how long a successful dispatch suppresses repeats
	DefaultClaimTTL = 30 * 24 * time.Hour
	// InflightTTL bounds how long a crashed dispatcher can block others
	InflightTTL = 10 * time.Minute
)

// ErrInFlight is returned when another caller holds the dispatch for the same
// transaction and has not finished yet. The dispatch is neither done nor failed.
var ErrInFlight = errors.New("fulfillment: dispatch already in flight")

// Claimer is satisfied by cache.Client
type Claimer interface {
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Exists(ctx context.Context, key string) (bool, error)
	Release(ctx context.Context, key string) error
}

// DedupDispatcher wraps a Dispatcher so each (payable, transaction) pair is
// dispatched at most once across processes. A running dispatch holds a short
// in-flight claim; only a successful one leaves the long-lived done marker.
type DedupDispatcher struct {
	inner  Dispatcher
	claims Claimer
	ttl    time.Duration
	logger *logger.Logger
}

func NewDedupDispatcher(inner Dispatcher, claims Claimer, ttl time.Duration, log *logger.Logger) *DedupDispatcher {
	if ttl <= 0 {
		ttl = DefaultClaimTTL
	}
	if log == nil {
		log = logger.Nop()
	}
	return &DedupDispatcher{inner: inner, claims: claims, ttl: ttl, logger: log}
}

// ClaimKey returns the done marker key for a dispatch
func ClaimKey(payable models.Payable, tx *models.Transaction) string {
	return fmt.Sprintf("fulfillment:%s:%s:%s", payable.PayableType(), payable.PayableID(), tx.ID)
}

func inflightKey(done string) string {
	return done + ":inflight"
}

// Dispatch returns nil without dispatching when a previous dispatch already
// succeeded, and ErrInFlight while another one is still running.
func (d *DedupDispatcher) Dispatch(ctx context.Context, payable models.Payable, tx *models.Transaction) error {
	done := ClaimKey(payable, tx)
	if ok, err := d.isDone(ctx, done); err != nil || ok {
		return err
	}

	running := inflightKey(done)
	claimed, err := d.claims.Claim(ctx, running, InflightTTL)
	if err != nil {
		return fmt.Errorf("failed to claim fulfillment: %w", err)
	}
	if !claimed {
		d.logger.Info("fulfillment already in flight", "key", done)
		return ErrInFlight
	}
	defer func() {
		// The claim must go even when the caller's context is done.
		if relErr := d.claims.Release(context.WithoutCancel(ctx), running); relErr != nil {
			d.logger.Error("failed to release fulfillment claim", "key", running, "error", relErr)
		}
	}()

	// A holder that finished between the two checks has already set the marker.
	if ok, err := d.isDone(ctx, done); err != nil || ok {
		return err
	}

	if err := d.inner.Dispatch(ctx, payable, tx); err != nil {
		return err
	}

	if _, err := d.claims.Claim(context.WithoutCancel(ctx), done, d.ttl); err != nil {
		// The ledger's fulfilled_at still guards the sweep.
		d.logger.Error("failed to record fulfillment marker", "key", done, "error", err)
	}
	return nil
}

func (d *DedupDispatcher) isDone(ctx context.Context, key string) (bool, error) {
	ok, err := d.claims.Exists(ctx, key)
	if err != nil {
		return false, fmt.Errorf("failed to check fulfillment marker: %w", err)
	}
	if ok {
		d.logger.Info("duplicate fulfillment suppressed", "key", key)
	}
	return ok, nil
}
