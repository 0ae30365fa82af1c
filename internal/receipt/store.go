package receipt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"ovopay/internal/common/database"
	"ovopay/internal/common/events"
	"ovopay/internal/common/middleware"
)

// Store persists resolved receipts.
type Store interface {
	Save(ctx context.Context, r *Receipt) error
	GetByReference(ctx context.Context, reference string) (*Receipt, error)
	GetByTransactionID(ctx context.Context, transactionID string) (*Receipt, error)
}

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Save upserts a receipt keyed by transaction. Re-resolving the same
// transaction replaces the stored fields and keeps the original receipt ID.
func (s *PostgresStore) Save(ctx context.Context, r *Receipt) error {
	query := `
		INSERT INTO receipts (
			id, transaction_id, user_id, reference, template_type,
			amount_minor, currency, fields, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (transaction_id) DO UPDATE SET
			reference = EXCLUDED.reference,
			template_type = EXCLUDED.template_type,
			amount_minor = EXCLUDED.amount_minor,
			currency = EXCLUDED.currency,
			fields = EXCLUDED.fields
		RETURNING id
	`

	var fields any
	if len(r.Fields) > 0 {
		fields = []byte(r.Fields)
	}

	err := s.pool.QueryRow(ctx, query,
		r.ID, r.TransactionID, r.UserID, r.Reference, r.TemplateType,
		r.Amount.AmountMinor, r.Amount.Currency, fields, r.CreatedAt,
	).Scan(&r.ID)
	if err != nil {
		return fmt.Errorf("save receipt: %w", err)
	}
	return nil
}

// GetByReference retrieves a receipt by its formatted display reference.
func (s *PostgresStore) GetByReference(ctx context.Context, reference string) (*Receipt, error) {
	query := `
		SELECT id, transaction_id, user_id, reference, template_type,
			   amount_minor, currency, fields, created_at
		FROM receipts
		WHERE reference = $1
	`
	return s.scanReceipt(s.pool.QueryRow(ctx, query, reference))
}

// GetByTransactionID retrieves the receipt for a transaction.
func (s *PostgresStore) GetByTransactionID(ctx context.Context, transactionID string) (*Receipt, error) {
	query := `
		SELECT id, transaction_id, user_id, reference, template_type,
			   amount_minor, currency, fields, created_at
		FROM receipts
		WHERE transaction_id = $1
	`
	return s.scanReceipt(s.pool.QueryRow(ctx, query, transactionID))
}

// NotifyPersisted emits a best-effort event for a stored receipt. Event
// delivery never affects the receipt write.
func NotifyPersisted(ctx context.Context, publisher events.Publisher, logger *slog.Logger, r *Receipt) {
	event, err := events.NewEvent(events.EventReceiptPersisted, "receipt", r.ID, events.ReceiptPersistedData{
		ReceiptID:     r.ID,
		TransactionID: r.TransactionID,
		Reference:     r.Reference,
		TemplateType:  string(r.TemplateType),
	})
	if err != nil {
		logger.Warn("failed to build receipt event", "receipt_id", r.ID, "error", err)
		return
	}
	event.WithCorrelation(middleware.GetCorrelationID(ctx))
	if err := publisher.Publish(ctx, event); err != nil {
		logger.Warn("failed to publish receipt event", "receipt_id", r.ID, "error", err)
	}
}

func (s *PostgresStore) scanReceipt(row pgx.Row) (*Receipt, error) {
	var r Receipt
	err := row.Scan(
		&r.ID, &r.TransactionID, &r.UserID, &r.Reference, &r.TemplateType,
		&r.Amount.AmountMinor, &r.Amount.Currency, &r.Fields, &r.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, database.ErrNotFound
		}
		return nil, fmt.Errorf("scan receipt: %w", err)
	}
	return &r, nil
}
