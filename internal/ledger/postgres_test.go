package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AnuragDani/payment-gateway/internal/models"
)

var columnNames = []string{
	"id", "order_reference", "payable_type", "payable_id",
	"processor_payment_id", "processor_entity_id", "authorization_code",
	"amount", "currency", "state", "is_webhook_confirmed", "confirmed_at", "confirmed_by",
	"payment_method", "card_last_digits", "card_exp_month", "card_exp_year", "card_brand",
	"flow", "installments", "raw_request", "raw_response", "environment",
	"parent_transaction_id", "fulfilled_at", "created_at", "updated_at",
}

func transactionRow(id, state string, confirmed bool) *sqlmock.Rows {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	var confirmedAt, confirmedBy interface{}
	if confirmed {
		confirmedAt, confirmedBy = now, "sync_charge"
	}
	return sqlmock.NewRows(columnNames).AddRow(
		id, "ORD-1", "order", "ORD-1",
		"P1", "E1", nil,
		"100.00", "ILS", state, confirmed, confirmedAt, confirmedBy,
		"card", "4242", int64(12), int64(2030), nil,
		"direct", int64(1), nil, nil, "test",
		nil, nil, now, now,
	)
}

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPostgresStore(db), mock
}

func TestPostgresStore_MarkConfirmed_Transitions(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`UPDATE transactions SET is_webhook_confirmed = true`).
		WithArgs("tx-1", "sync_charge").
		WillReturnRows(transactionRow("tx-1", "completed", true))

	tx, changed, err := store.MarkConfirmed(context.Background(), "tx-1", models.ConfirmedBySyncCharge)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, models.StateCompleted, tx.State)
	assert.Equal(t, models.ConfirmedBySyncCharge, tx.ConfirmedBy)
	assert.Equal(t, "4242", tx.Card.LastDigits)
	assert.Equal(t, 2030, tx.Card.ExpYear)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_MarkConfirmed_GuardIsInTheUpdate(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`WHERE id = \$1 AND is_webhook_confirmed = false AND state IN \('pending', 'failed'\)`).
		WithArgs("tx-1", "webhook_crm").
		WillReturnRows(sqlmock.NewRows(columnNames))
	mock.ExpectQuery(`FROM transactions WHERE id = \$1`).
		WithArgs("tx-1").
		WillReturnRows(transactionRow("tx-1", "completed", true))

	tx, changed, err := store.MarkConfirmed(context.Background(), "tx-1", models.ConfirmedByWebhookCRM)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, models.ConfirmedBySyncCharge, tx.ConfirmedBy)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_MarkConfirmed_MissingRow(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`UPDATE transactions`).WillReturnRows(sqlmock.NewRows(columnNames))
	mock.ExpectQuery(`FROM transactions WHERE id = \$1`).WillReturnRows(sqlmock.NewRows(columnNames))

	_, _, err := store.MarkConfirmed(context.Background(), "nope", models.ConfirmedBySyncCharge)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresStore_MarkConfirmed_PropagatesStorageErrors(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`UPDATE transactions`).WillReturnError(errors.New("connection reset by peer"))

	_, changed, err := store.MarkConfirmed(context.Background(), "tx-1", models.ConfirmedBySyncCharge)
	require.Error(t, err)
	assert.False(t, changed)
	assert.NotErrorIs(t, err, ErrNotFound)
	assert.Contains(t, err.Error(), "connection reset by peer")
}

func TestPostgresStore_MarkConfirmed_SecondCompletedForOrder(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`UPDATE transactions`).WillReturnError(&pq.Error{Code: uniqueViolation})

	_, _, err := store.MarkConfirmed(context.Background(), "tx-2", models.ConfirmedByWebhookCRM)
	assert.ErrorIs(t, err, ErrOrderAlreadyCompleted)
}

func TestPostgresStore_RecordRefund(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE`).WithArgs("tx-1").WillReturnRows(transactionRow("tx-1", "completed", true))
	mock.ExpectExec(`INSERT INTO transactions`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE transactions SET state = 'refunded'`).WithArgs("tx-1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	refund, created, err := store.RecordRefund(context.Background(), "tx-1", RefundFields{})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "tx-1", refund.ParentTransactionID)
	assert.Equal(t, "100", refund.Amount.String())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_RecordRefund_AlreadyRefunded(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE`).WithArgs("tx-1").WillReturnRows(transactionRow("tx-1", "refunded", true))
	mock.ExpectQuery(`WHERE parent_transaction_id = \$1`).WithArgs("tx-1").WillReturnRows(transactionRow("tx-r", "completed", false))
	mock.ExpectCommit()

	refund, created, err := store.RecordRefund(context.Background(), "tx-1", RefundFields{})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "tx-r", refund.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_RecordRefund_PendingIsNotRefundable(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE`).WillReturnRows(transactionRow("tx-1", "pending", false))
	mock.ExpectRollback()

	_, _, err := store.RecordRefund(context.Background(), "tx-1", RefundFields{})
	assert.ErrorIs(t, err, ErrNotRefundable)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AttachProcessorRefs_Conflict(t *testing.T) {
	store, mock := newMockStore(t)

	// COALESCE kept the earlier entity id.
	mock.ExpectQuery(`UPDATE transactions SET processor_payment_id = COALESCE`).
		WithArgs("tx-1", "P1", "E9", "", "", nil, nil, nil, nil).
		WillReturnRows(transactionRow("tx-1", "pending", false))

	_, err := store.AttachProcessorRefs(context.Background(), "tx-1", ProcessorRefs{PaymentID: "P1", EntityID: "E9"})
	assert.ErrorIs(t, err, ErrProcessorIDConflict)
}

func TestPostgresStore_AttachProcessorRefs_CardSnapshot(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`card_last_digits = COALESCE\(card_last_digits, \$6\)`).
		WithArgs("tx-1", "P1", "E1", "0012345", "{}", "4242", int64(12), int64(2030), "Visa").
		WillReturnRows(transactionRow("tx-1", "pending", false))

	tx, err := store.AttachProcessorRefs(context.Background(), "tx-1", ProcessorRefs{
		PaymentID:         "P1",
		EntityID:          "E1",
		AuthorizationCode: "0012345",
		RawResponse:       "{}",
		Card:              models.CardSnapshot{LastDigits: "4242", ExpMonth: 12, ExpYear: 2030, Brand: "Visa"},
	})
	require.NoError(t, err)
	assert.Equal(t, "4242", tx.Card.LastDigits)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListUnfulfilled_HonoursCutoff(t *testing.T) {
	store, mock := newMockStore(t)
	cutoff := time.Date(2026, 1, 2, 3, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`fulfilled_at IS NULL AND parent_transaction_id IS NULL\s+AND confirmed_at <= \$1`).
		WithArgs(cutoff, 50).
		WillReturnRows(transactionRow("tx-1", "completed", true))

	list, err := store.ListUnfulfilled(context.Background(), cutoff, 0)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "tx-1", list[0].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_FindPaidByOrderReference(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`state IN \('completed', 'refunded'\)`).
		WithArgs("ORD-1").
		WillReturnRows(sqlmock.NewRows(columnNames))

	_, err := store.FindPaidByOrderReference(context.Background(), "ORD-1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}
