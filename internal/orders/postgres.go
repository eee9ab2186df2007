package orders

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const orderColumns = `id, order_reference, order_key, status, amount, currency, customer, items, created_at, updated_at`

var _ Store = (*PostgresStore)(nil)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Create(ctx context.Context, o *Order) error {
	if o.ID == "" {
		o.ID = uuid.New().String()
	}
	if o.Status == "" {
		o.Status = StatusPending
	}
	customer, err := json.Marshal(o.Buyer)
	if err != nil {
		return fmt.Errorf("failed to encode customer: %w", err)
	}
	items, err := json.Marshal(o.Lines)
	if err != nil {
		return fmt.Errorf("failed to encode items: %w", err)
	}
	now := time.Now().UTC()
	o.CreatedAt, o.UpdatedAt = now, now

	query := `INSERT INTO orders (` + orderColumns + `) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	_, err = s.db.ExecContext(ctx, query,
		o.ID, o.Reference, o.OrderKey, o.Status, o.Total, o.CurrencyCode,
		customer, items, o.CreatedAt, o.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert order: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Order, error) {
	return s.queryOne(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
}

func (s *PostgresStore) FindByReference(ctx context.Context, ref string) (*Order, error) {
	return s.queryOne(ctx, `SELECT `+orderColumns+` FROM orders WHERE order_reference = $1`, ref)
}

func (s *PostgresStore) UpdateStatus(ctx context.Context, id, status string) error {
	result, err := s.db.ExecContext(ctx, `UPDATE orders SET status = $2, updated_at = NOW() WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("failed to update order status: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) queryOne(ctx context.Context, query string, arg interface{}) (*Order, error) {
	var o Order
	var customer, items []byte

	err := s.db.QueryRowContext(ctx, query, arg).Scan(
		&o.ID, &o.Reference, &o.OrderKey, &o.Status, &o.Total, &o.CurrencyCode,
		&customer, &items, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load order: %w", err)
	}
	if len(customer) > 0 {
		if err := json.Unmarshal(customer, &o.Buyer); err != nil {
			return nil, fmt.Errorf("failed to decode order customer: %w", err)
		}
	}
	if len(items) > 0 {
		if err := json.Unmarshal(items, &o.Lines); err != nil {
			return nil, fmt.Errorf("failed to decode order items: %w", err)
		}
	}
	return &o, nil
}
