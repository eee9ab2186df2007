package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/AnuragDani/payment-gateway/internal/models"
)

const transactionColumns = `id, order_reference, payable_type, payable_id,
	processor_payment_id, processor_entity_id, authorization_code,
	amount, currency, state, is_webhook_confirmed, confirmed_at, confirmed_by,
	payment_method, card_last_digits, card_exp_month, card_exp_year, card_brand,
	flow, installments, raw_request, raw_response, environment,
	parent_transaction_id, fulfilled_at, created_at, updated_at`

// uniqueViolation is the Postgres SQLSTATE for a unique index conflict
const uniqueViolation = "23505"

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

var _ Ledger = (*PostgresStore)(nil)

// PostgresStore is the Ledger backed by the transactions table
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Create(ctx context.Context, tx *models.Transaction) error {
	if tx.ID == "" {
		tx.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	tx.CreatedAt = now
	tx.UpdatedAt = now
	if tx.Installments == 0 {
		tx.Installments = 1
	}
	if err := insertTransaction(ctx, s.db, tx); err != nil {
		return err
	}
	return nil
}

func insertTransaction(ctx context.Context, db execer, tx *models.Transaction) error {
	query := `
		INSERT INTO transactions (` + transactionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
			$15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26, $27)`

	_, err := db.ExecContext(ctx, query,
		tx.ID, tx.OrderReference, tx.PayableType, tx.PayableID,
		nullString(tx.ProcessorPaymentID), nullString(tx.ProcessorEntityID), nullString(tx.AuthorizationCode),
		tx.Amount, tx.Currency, string(tx.State), tx.IsWebhookConfirmed, nullTime(tx.ConfirmedAt), nullString(string(tx.ConfirmedBy)),
		string(tx.Card.Method), nullString(tx.Card.LastDigits), nullInt(tx.Card.ExpMonth), nullInt(tx.Card.ExpYear), nullString(tx.Card.Brand),
		string(tx.Flow), tx.Installments, nullString(tx.RawRequest), nullString(tx.RawResponse), tx.Environment,
		nullString(tx.ParentTransactionID), nullTime(tx.FulfilledAt), tx.CreatedAt, tx.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("failed to insert transaction %s: %w", tx.ID, ErrProcessorIDConflict)
		}
		return fmt.Errorf("failed to insert transaction %s: %w", tx.ID, err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*models.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE id = $1`
	return s.queryOne(ctx, s.db, query, id)
}

func (s *PostgresStore) FindByOrderReference(ctx context.Context, ref string) (*models.Transaction, error) {
	query := `SELECT ` + transactionColumns + `
		FROM transactions
		WHERE order_reference = $1 AND parent_transaction_id IS NULL
		ORDER BY created_at DESC
		LIMIT 1`
	return s.queryOne(ctx, s.db, query, ref)
}

func (s *PostgresStore) FindByOrderReferenceAndMethod(ctx context.Context, ref string, method models.PaymentMethodType) (*models.Transaction, error) {
	query := `SELECT ` + transactionColumns + `
		FROM transactions
		WHERE order_reference = $1 AND payment_method = $2 AND parent_transaction_id IS NULL
		ORDER BY created_at DESC
		LIMIT 1`
	return s.queryOne(ctx, s.db, query, ref, string(method))
}

func (s *PostgresStore) FindPaidByOrderReference(ctx context.Context, ref string) (*models.Transaction, error) {
	query := `SELECT ` + transactionColumns + `
		FROM transactions
		WHERE order_reference = $1 AND parent_transaction_id IS NULL
			AND state IN ('completed', 'refunded')
		ORDER BY confirmed_at DESC
		LIMIT 1`
	return s.queryOne(ctx, s.db, query, ref)
}

func (s *PostgresStore) FindByProcessorEntityID(ctx context.Context, entityID string) (*models.Transaction, error) {
	if entityID == "" {
		return nil, ErrNotFound
	}
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE processor_entity_id = $1`
	return s.queryOne(ctx, s.db, query, entityID)
}

func (s *PostgresStore) FindByProcessorPaymentID(ctx context.Context, paymentID string) (*models.Transaction, error) {
	if paymentID == "" {
		return nil, ErrNotFound
	}
	query := `SELECT ` + transactionColumns + `
		FROM transactions
		WHERE processor_payment_id = $1 AND parent_transaction_id IS NULL`
	return s.queryOne(ctx, s.db, query, paymentID)
}

func (s *PostgresStore) AttachProcessorRefs(ctx context.Context, id string, refs ProcessorRefs) (*models.Transaction, error) {
	query := `
		UPDATE transactions
		SET processor_payment_id = COALESCE(processor_payment_id, NULLIF($2, '')),
			processor_entity_id = COALESCE(processor_entity_id, NULLIF($3, '')),
			authorization_code = COALESCE(authorization_code, NULLIF($4, '')),
			raw_response = COALESCE(NULLIF($5, ''), raw_response),
			card_last_digits = COALESCE(card_last_digits, $6),
			card_exp_month = COALESCE(card_exp_month, $7),
			card_exp_year = COALESCE(card_exp_year, $8),
			card_brand = COALESCE(card_brand, $9),
			updated_at = NOW()
		WHERE id = $1
		RETURNING ` + transactionColumns

	tx, err := s.queryOne(ctx, s.db, query, id,
		refs.PaymentID, refs.EntityID, refs.AuthorizationCode, refs.RawResponse,
		nullString(refs.Card.LastDigits), nullInt(refs.Card.ExpMonth), nullInt(refs.Card.ExpYear), nullString(refs.Card.Brand),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("failed to attach processor ids to %s: %w", id, ErrProcessorIDConflict)
		}
		return nil, err
	}
	if (refs.PaymentID != "" && tx.ProcessorPaymentID != refs.PaymentID) ||
		(refs.EntityID != "" && tx.ProcessorEntityID != refs.EntityID) {
		return tx, fmt.Errorf("transaction %s: %w", id, ErrProcessorIDConflict)
	}
	return tx, nil
}

func (s *PostgresStore) MarkFailed(ctx context.Context, id string, rawResponse string) error {
	query := `
		UPDATE transactions
		SET state = 'failed', raw_response = COALESCE(NULLIF($2, ''), raw_response), updated_at = NOW()
		WHERE id = $1 AND state = 'pending' AND is_webhook_confirmed = false`

	if _, err := s.db.ExecContext(ctx, query, id, rawResponse); err != nil {
		return fmt.Errorf("failed to mark transaction %s failed: %w", id, err)
	}
	return nil
}

func (s *PostgresStore) MarkConfirmed(ctx context.Context, id string, by models.ConfirmedBy) (*models.Transaction, bool, error) {
	// The WHERE clause is the idempotency guard: exactly one caller can
	// observe the row unconfirmed.
	query := `
		UPDATE transactions
		SET is_webhook_confirmed = true, confirmed_at = NOW(), confirmed_by = $2,
			state = 'completed', updated_at = NOW()
		WHERE id = $1 AND is_webhook_confirmed = false AND state IN ('pending', 'failed')
		RETURNING ` + transactionColumns

	tx, err := s.queryOne(ctx, s.db, query, id, string(by))
	if err == nil {
		return tx, true, nil
	}
	if isUniqueViolation(err) {
		return nil, false, fmt.Errorf("failed to confirm transaction %s: %w", id, ErrOrderAlreadyCompleted)
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, fmt.Errorf("failed to confirm transaction %s: %w", id, err)
	}

	current, err := s.Get(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return current, false, nil
}

func (s *PostgresStore) RecordRefund(ctx context.Context, originalID string, fields RefundFields) (*models.Transaction, bool, error) {
	dbTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin refund: %w", err)
	}
	defer dbTx.Rollback()

	original, err := s.queryOne(ctx, dbTx, `SELECT `+transactionColumns+` FROM transactions WHERE id = $1 FOR UPDATE`, originalID)
	if err != nil {
		return nil, false, err
	}

	if original.State == models.StateRefunded {
		existing, err := s.queryOne(ctx, dbTx, `SELECT `+transactionColumns+` FROM transactions WHERE parent_transaction_id = $1`, originalID)
		if err != nil {
			return nil, false, err
		}
		if err := dbTx.Commit(); err != nil {
			return nil, false, fmt.Errorf("failed to commit refund lookup: %w", err)
		}
		return existing, false, nil
	}
	if original.State != models.StateCompleted || original.IsRefund() {
		return nil, false, fmt.Errorf("transaction %s is %s: %w", originalID, original.State, ErrNotRefundable)
	}

	refund := newRefundTransaction(original, fields, time.Now().UTC())
	if err := insertTransaction(ctx, dbTx, refund); err != nil {
		return nil, false, err
	}

	update := `UPDATE transactions SET state = 'refunded', updated_at = NOW() WHERE id = $1`
	if _, err := dbTx.ExecContext(ctx, update, originalID); err != nil {
		return nil, false, fmt.Errorf("failed to mark transaction %s refunded: %w", originalID, err)
	}

	if err := dbTx.Commit(); err != nil {
		return nil, false, fmt.Errorf("failed to commit refund: %w", err)
	}
	return refund, true, nil
}

func (s *PostgresStore) MarkFulfilled(ctx context.Context, id string) error {
	query := `UPDATE transactions SET fulfilled_at = NOW(), updated_at = NOW() WHERE id = $1 AND fulfilled_at IS NULL`
	if _, err := s.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("failed to mark transaction %s fulfilled: %w", id, err)
	}
	return nil
}

func (s *PostgresStore) ListUnfulfilled(ctx context.Context, confirmedBefore time.Time, limit int) ([]*models.Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + transactionColumns + `
		FROM transactions
		WHERE is_webhook_confirmed = true AND fulfilled_at IS NULL AND parent_transaction_id IS NULL
			AND confirmed_at <= $1
		ORDER BY confirmed_at ASC
		LIMIT $2`

	rows, err := s.db.QueryContext(ctx, query, confirmedBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list unfulfilled transactions: %w", err)
	}
	defer rows.Close()

	var out []*models.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}

func (s *PostgresStore) queryOne(ctx context.Context, q queryRower, query string, args ...interface{}) (*models.Transaction, error) {
	tx, err := scanTransaction(q.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return tx, nil
}

func scanTransaction(row rowScanner) (*models.Transaction, error) {
	var (
		tx                                         models.Transaction
		paymentID, entityID, authCode, confirmedBy sql.NullString
		lastDigits, brand, rawRequest, rawResponse sql.NullString
		parentID                                   sql.NullString
		state, method, flow                        string
		expMonth, expYear                          sql.NullInt64
		confirmedAt, fulfilledAt                   sql.NullTime
	)

	err := row.Scan(
		&tx.ID, &tx.OrderReference, &tx.PayableType, &tx.PayableID,
		&paymentID, &entityID, &authCode,
		&tx.Amount, &tx.Currency, &state, &tx.IsWebhookConfirmed, &confirmedAt, &confirmedBy,
		&method, &lastDigits, &expMonth, &expYear, &brand,
		&flow, &tx.Installments, &rawRequest, &rawResponse, &tx.Environment,
		&parentID, &fulfilledAt, &tx.CreatedAt, &tx.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan transaction: %w", err)
	}

	tx.ProcessorPaymentID = paymentID.String
	tx.ProcessorEntityID = entityID.String
	tx.AuthorizationCode = authCode.String
	tx.State = models.TransactionState(state)
	tx.ConfirmedBy = models.ConfirmedBy(confirmedBy.String)
	tx.Card = models.CardSnapshot{
		Method:     models.PaymentMethodType(method),
		LastDigits: lastDigits.String,
		ExpMonth:   int(expMonth.Int64),
		ExpYear:    int(expYear.Int64),
		Brand:      brand.String,
	}
	tx.Flow = models.Flow(flow)
	tx.RawRequest = rawRequest.String
	tx.RawResponse = rawResponse.String
	tx.ParentTransactionID = parentID.String
	if confirmedAt.Valid {
		t := confirmedAt.Time
		tx.ConfirmedAt = &t
	}
	if fulfilledAt.Valid {
		t := fulfilledAt.Time
		tx.FulfilledAt = &t
	}
	return &tx, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt(i int) sql.NullInt64 {
	return sql.NullInt64{Int64: int64(i), Valid: i != 0}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
