package ledger

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AnuragDani/payment-gateway/internal/models"
)

func pendingTx(orderRef string) *models.Transaction {
	return &models.Transaction{
		OrderReference: orderRef,
		PayableType:    "order",
		PayableID:      orderRef,
		Amount:         decimal.RequireFromString("100.00"),
		Currency:       "ILS",
		State:          models.StatePending,
		Card:           models.CardSnapshot{Method: models.PaymentMethodCard, LastDigits: "4242"},
		Flow:           models.FlowDirect,
		Environment:    models.EnvironmentTest,
	}
}

func TestMemoryStore_MarkConfirmed_OnlyOnce(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	tx := pendingTx("ORD-1")
	require.NoError(t, store.Create(ctx, tx))

	const callers = 32
	var transitions int32
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		by := models.ConfirmedBySyncCharge
		if i%2 == 1 {
			by = models.ConfirmedByWebhookCRM
		}
		wg.Add(1)
		go func(by models.ConfirmedBy) {
			defer wg.Done()
			_, changed, err := store.MarkConfirmed(ctx, tx.ID, by)
			assert.NoError(t, err)
			if changed {
				atomic.AddInt32(&transitions, 1)
			}
		}(by)
	}
	wg.Wait()

	assert.EqualValues(t, 1, transitions)

	got, err := store.Get(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateCompleted, got.State)
	assert.True(t, got.IsWebhookConfirmed)
	assert.NotNil(t, got.ConfirmedAt)
	assert.True(t, got.ConfirmedBy.Valid())
}

func TestMemoryStore_MarkConfirmed_UnknownTransaction(t *testing.T) {
	_, _, err := NewMemoryStore().MarkConfirmed(context.Background(), "missing", models.ConfirmedBySyncCharge)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestMemoryStore_MarkConfirmed_OneCompletedPerOrder(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	first, second := pendingTx("ORD-9"), pendingTx("ORD-9")
	require.NoError(t, store.Create(ctx, first))
	require.NoError(t, store.Create(ctx, second))

	_, changed, err := store.MarkConfirmed(ctx, first.ID, models.ConfirmedBySyncCharge)
	require.NoError(t, err)
	assert.True(t, changed)

	_, _, err = store.MarkConfirmed(ctx, second.ID, models.ConfirmedByWebhookCRM)
	assert.ErrorIs(t, err, ErrOrderAlreadyCompleted)
}

func TestMemoryStore_MarkFailed_DoesNotUndoConfirmation(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	tx := pendingTx("ORD-2")
	require.NoError(t, store.Create(ctx, tx))

	_, _, err := store.MarkConfirmed(ctx, tx.ID, models.ConfirmedByWebhookCRM)
	require.NoError(t, err)
	require.NoError(t, store.MarkFailed(ctx, tx.ID, `{"Status":1}`))

	got, err := store.Get(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateCompleted, got.State)
}

func TestMemoryStore_FailedTransactionCanStillBeConfirmed(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	tx := pendingTx("ORD-4")
	require.NoError(t, store.Create(ctx, tx))
	require.NoError(t, store.MarkFailed(ctx, tx.ID, ""))

	got, changed, err := store.MarkConfirmed(ctx, tx.ID, models.ConfirmedByWebhookCRM)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, models.StateCompleted, got.State)
}

func TestMemoryStore_AttachProcessorRefs_Immutable(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	tx := pendingTx("ORD-5")
	require.NoError(t, store.Create(ctx, tx))

	got, err := store.AttachProcessorRefs(ctx, tx.ID, ProcessorRefs{PaymentID: "P1", EntityID: "E1", AuthorizationCode: "A1"})
	require.NoError(t, err)
	assert.Equal(t, "P1", got.ProcessorPaymentID)

	// Same values are accepted, different values are not.
	_, err = store.AttachProcessorRefs(ctx, tx.ID, ProcessorRefs{EntityID: "E1"})
	require.NoError(t, err)
	_, err = store.AttachProcessorRefs(ctx, tx.ID, ProcessorRefs{EntityID: "E2"})
	assert.ErrorIs(t, err, ErrProcessorIDConflict)

	found, err := store.FindByProcessorEntityID(ctx, "E1")
	require.NoError(t, err)
	assert.Equal(t, tx.ID, found.ID)

	other := pendingTx("ORD-6")
	require.NoError(t, store.Create(ctx, other))
	_, err = store.AttachProcessorRefs(ctx, other.ID, ProcessorRefs{EntityID: "E1"})
	assert.ErrorIs(t, err, ErrProcessorIDConflict)
}

func TestMemoryStore_AttachProcessorRefs_FillsEmptyCardFields(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	tx := pendingTx("ORD-8")
	tx.Card = models.CardSnapshot{Method: models.PaymentMethodCard}
	require.NoError(t, store.Create(ctx, tx))

	got, err := store.AttachProcessorRefs(ctx, tx.ID, ProcessorRefs{
		PaymentID: "P8",
		Card:      models.CardSnapshot{LastDigits: "1111", ExpMonth: 3, ExpYear: 2029, Brand: "Visa"},
	})
	require.NoError(t, err)
	assert.Equal(t, models.CardSnapshot{Method: models.PaymentMethodCard, LastDigits: "1111", ExpMonth: 3, ExpYear: 2029, Brand: "Visa"}, got.Card)

	// Set once: a later response cannot rewrite the snapshot.
	got, err = store.AttachProcessorRefs(ctx, tx.ID, ProcessorRefs{Card: models.CardSnapshot{LastDigits: "9999", Brand: "Mastercard"}})
	require.NoError(t, err)
	assert.Equal(t, "1111", got.Card.LastDigits)
	assert.Equal(t, "Visa", got.Card.Brand)
}

func TestMemoryStore_RecordRefund(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	tx := pendingTx("ORD-3")
	tx.Amount = decimal.RequireFromString("50.00")
	require.NoError(t, store.Create(ctx, tx))

	_, _, err := store.RecordRefund(ctx, tx.ID, RefundFields{Amount: decimal.RequireFromString("-50.00")})
	assert.ErrorIs(t, err, ErrNotRefundable)

	_, _, err = store.MarkConfirmed(ctx, tx.ID, models.ConfirmedBySyncCharge)
	require.NoError(t, err)

	refund, created, err := store.RecordRefund(ctx, tx.ID, RefundFields{Amount: decimal.RequireFromString("-50.00"), ProcessorEntityID: "E-R"})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, tx.ID, refund.ParentTransactionID)
	assert.Equal(t, models.StateCompleted, refund.State)
	assert.Equal(t, models.FlowRefund, refund.Flow)
	assert.True(t, refund.Amount.Equal(decimal.RequireFromString("50")))
	assert.NotNil(t, refund.ConfirmedAt)
	assert.False(t, refund.IsWebhookConfirmed)

	again, created, err := store.RecordRefund(ctx, tx.ID, RefundFields{Amount: decimal.RequireFromString("-50.00")})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, refund.ID, again.ID)

	original, err := store.Get(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateRefunded, original.State)

	// The refund row never shadows the primary transaction.
	primary, err := store.FindByOrderReference(ctx, "ORD-3")
	require.NoError(t, err)
	assert.Equal(t, tx.ID, primary.ID)
}

func TestMemoryStore_Unfulfilled(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	a, b := pendingTx("ORD-A"), pendingTx("ORD-B")
	require.NoError(t, store.Create(ctx, a))
	require.NoError(t, store.Create(ctx, b))
	_, _, err := store.MarkConfirmed(ctx, a.ID, models.ConfirmedBySyncCharge)
	require.NoError(t, err)

	list, err := store.ListUnfulfilled(ctx, time.Now().Add(-time.Minute), 10)
	require.NoError(t, err)
	assert.Empty(t, list, "confirmations inside the grace window are left alone")

	list, err = store.ListUnfulfilled(ctx, time.Now(), 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, a.ID, list[0].ID)

	require.NoError(t, store.MarkFulfilled(ctx, a.ID))
	list, err = store.ListUnfulfilled(ctx, time.Now(), 10)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestMemoryStore_FindByOrderReferenceAndMethod(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	card := pendingTx("ORD-7")
	bit := pendingTx("ORD-7")
	bit.Card = models.CardSnapshot{Method: models.PaymentMethodBit}
	require.NoError(t, store.Create(ctx, card))
	require.NoError(t, store.Create(ctx, bit))

	got, err := store.FindByOrderReferenceAndMethod(ctx, "ORD-7", models.PaymentMethodBit)
	require.NoError(t, err)
	assert.Equal(t, bit.ID, got.ID)

	_, err = store.FindByOrderReferenceAndMethod(ctx, "ORD-8", models.PaymentMethodBit)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_FindPaidByOrderReference(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	_, err := store.FindPaidByOrderReference(ctx, "ORD-9")
	assert.ErrorIs(t, err, ErrNotFound)

	paid := pendingTx("ORD-9")
	require.NoError(t, store.Create(ctx, paid))
	_, _, err = store.MarkConfirmed(ctx, paid.ID, models.ConfirmedBySyncCharge)
	require.NoError(t, err)

	later := pendingTx("ORD-9")
	require.NoError(t, store.Create(ctx, later))
	require.NoError(t, store.MarkFailed(ctx, later.ID, ""))

	latest, err := store.FindByOrderReference(ctx, "ORD-9")
	require.NoError(t, err)
	assert.Equal(t, later.ID, latest.ID)

	got, err := store.FindPaidByOrderReference(ctx, "ORD-9")
	require.NoError(t, err)
	assert.Equal(t, paid.ID, got.ID)
}
