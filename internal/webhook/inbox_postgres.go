package webhook

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/AnuragDani/payment-gateway/internal/models"
)

const eventColumns = `id, event_type, payload, payload_hash, processed, processed_at, processing_error, created_at`

var _ Inbox = (*PostgresInbox)(nil)

type PostgresInbox struct {
	db *sql.DB
}

func NewPostgresInbox(db *sql.DB) *PostgresInbox {
	return &PostgresInbox{db: db}
}

func (s *PostgresInbox) Record(ctx context.Context, eventType string, payload []byte, stored string) (*models.WebhookEvent, bool, error) {
	hash := PayloadHash(payload)
	event := &models.WebhookEvent{
		ID:          uuid.New().String(),
		EventType:   eventType,
		Payload:     stored,
		PayloadHash: hash,
		CreatedAt:   time.Now().UTC(),
	}

	query := `
		INSERT INTO webhook_events (id, event_type, payload, payload_hash, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (event_type, payload_hash) DO NOTHING`

	result, err := s.db.ExecContext(ctx, query, event.ID, event.EventType, event.Payload, event.PayloadHash, event.CreatedAt)
	if err != nil {
		return nil, false, fmt.Errorf("failed to record webhook event: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("failed to record webhook event: %w", err)
	}
	if rows == 1 {
		return event, true, nil
	}

	existing, err := scanEvent(s.db.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM webhook_events WHERE event_type = $1 AND payload_hash = $2`,
		eventType, hash,
	))
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (s *PostgresInbox) MarkProcessed(ctx context.Context, id, processingError string) error {
	query := `
		UPDATE webhook_events
		SET processed = true, processed_at = NOW(), processing_error = $2
		WHERE id = $1 AND processed = false`

	if _, err := s.db.ExecContext(ctx, query, id, processingError); err != nil {
		return fmt.Errorf("failed to mark webhook event %s processed: %w", id, err)
	}
	return nil
}

func (s *PostgresInbox) Get(ctx context.Context, id string) (*models.WebhookEvent, error) {
	return scanEvent(s.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM webhook_events WHERE id = $1`, id))
}

func scanEvent(row *sql.Row) (*models.WebhookEvent, error) {
	var (
		event       models.WebhookEvent
		processedAt sql.NullTime
	)
	err := row.Scan(
		&event.ID, &event.EventType, &event.Payload, &event.PayloadHash,
		&event.Processed, &processedAt, &event.ProcessingError, &event.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrEventNotFound
		}
		return nil, fmt.Errorf("failed to scan webhook event: %w", err)
	}
	if processedAt.Valid {
		event.ProcessedAt = &processedAt.Time
	}
	return &event, nil
}
