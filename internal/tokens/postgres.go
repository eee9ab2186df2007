package tokens

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/AnuragDani/payment-gateway/internal/models"
)

const tokenColumns = `id, processor_token, owner_type, owner_id, citizen_id,
	exp_month, exp_year, last_digits, card_brand, is_default, created_at`

var _ Store = (*PostgresStore)(nil)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Save(ctx context.Context, token *models.Token) error {
	if token.ID == "" {
		token.ID = uuid.New().String()
	}
	token.CreatedAt = time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin token save: %w", err)
	}
	defer tx.Rollback()

	var existing int
	countQuery := `SELECT COUNT(*) FROM payment_tokens WHERE owner_type = $1 AND owner_id = $2`
	if err := tx.QueryRowContext(ctx, countQuery, token.Owner.Type, token.Owner.ID).Scan(&existing); err != nil {
		return fmt.Errorf("failed to count owner tokens: %w", err)
	}
	if existing == 0 {
		token.IsDefault = true
	} else if token.IsDefault {
		if err := clearDefault(ctx, tx, token.Owner); err != nil {
			return err
		}
	}

	query := `
		INSERT INTO payment_tokens (` + tokenColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	_, err = tx.ExecContext(ctx, query,
		token.ID, token.ProcessorToken, token.Owner.Type, token.Owner.ID, token.CitizenID,
		token.ExpiryMonth, token.ExpiryYear,
		sql.NullString{String: token.LastDigits, Valid: token.LastDigits != ""},
		sql.NullString{String: token.Brand, Valid: token.Brand != ""},
		token.IsDefault, token.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert token: %w", err)
	}
	return tx.Commit()
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*models.Token, error) {
	query := `SELECT ` + tokenColumns + ` FROM payment_tokens WHERE id = $1`
	return scanToken(s.db.QueryRowContext(ctx, query, id))
}

func (s *PostgresStore) FindForOwner(ctx context.Context, owner models.Owner) (*models.Token, error) {
	query := `SELECT ` + tokenColumns + `
		FROM payment_tokens
		WHERE owner_type = $1 AND owner_id = $2
		ORDER BY is_default DESC, created_at DESC
		LIMIT 1`
	return scanToken(s.db.QueryRowContext(ctx, query, owner.Type, owner.ID))
}

func (s *PostgresStore) FindDefaultForOwner(ctx context.Context, owner models.Owner) (*models.Token, error) {
	query := `SELECT ` + tokenColumns + `
		FROM payment_tokens
		WHERE owner_type = $1 AND owner_id = $2 AND is_default = true`
	return scanToken(s.db.QueryRowContext(ctx, query, owner.Type, owner.ID))
}

func (s *PostgresStore) ListForOwner(ctx context.Context, owner models.Owner) ([]*models.Token, error) {
	query := `SELECT ` + tokenColumns + `
		FROM payment_tokens
		WHERE owner_type = $1 AND owner_id = $2
		ORDER BY is_default DESC, created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, owner.Type, owner.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tokens: %w", err)
	}
	defer rows.Close()

	var out []*models.Token
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SetDefault(ctx context.Context, id string) error {
	token, err := s.Get(ctx, id)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin default update: %w", err)
	}
	defer tx.Rollback()

	if err := clearDefault(ctx, tx, token.Owner); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE payment_tokens SET is_default = true WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to set default token: %w", err)
	}
	return tx.Commit()
}

func (s *PostgresStore) Remove(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM payment_tokens WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to remove token: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func clearDefault(ctx context.Context, tx *sql.Tx, owner models.Owner) error {
	query := `UPDATE payment_tokens SET is_default = false WHERE owner_type = $1 AND owner_id = $2 AND is_default = true`
	if _, err := tx.ExecContext(ctx, query, owner.Type, owner.ID); err != nil {
		return fmt.Errorf("failed to clear default token: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanToken(row rowScanner) (*models.Token, error) {
	var t models.Token
	var lastDigits, brand sql.NullString

	err := row.Scan(
		&t.ID, &t.ProcessorToken, &t.Owner.Type, &t.Owner.ID, &t.CitizenID,
		&t.ExpiryMonth, &t.ExpiryYear, &lastDigits, &brand, &t.IsDefault, &t.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan token: %w", err)
	}
	t.LastDigits = lastDigits.String
	t.Brand = brand.String
	return &t, nil
}
