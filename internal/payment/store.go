package payment

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"ovopay/internal/common/database"
)

// Store persists transactions.
type Store interface {
	Create(ctx context.Context, tx *Transaction) error
	UpdateStatus(ctx context.Context, reference string, status Status, processorRef, message string) error
	GetByReference(ctx context.Context, reference string) (*Transaction, error)
	GetByID(ctx context.Context, id string) (*Transaction, error)
	ListByUser(ctx context.Context, userID string, limit, offset int) ([]*Transaction, int, error)
}

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const transactionColumns = `
	id, user_id, reference, category, direction, amount_minor, currency,
	status, gateway, processor_ref, narration, message, metadata,
	created_at, updated_at
`

// Create inserts a new transaction.
func (s *PostgresStore) Create(ctx context.Context, tx *Transaction) error {
	query := `
		INSERT INTO transactions (
			id, user_id, reference, category, direction, amount_minor, currency,
			status, gateway, processor_ref, narration, message, metadata,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`

	_, err := s.pool.Exec(ctx, query,
		tx.ID, tx.UserID, tx.Reference, tx.Category, tx.Direction,
		tx.Amount.AmountMinor, tx.Amount.Currency,
		tx.Status, tx.Gateway, nullStr(tx.ProcessorRef), nullStr(tx.Narration),
		nullStr(tx.Message), nullableJSON(tx.Metadata),
		tx.CreatedAt, tx.UpdatedAt,
	)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return fmt.Errorf("transaction %s: %w", tx.Reference, database.ErrAlreadyExists)
		}
		return fmt.Errorf("create transaction: %w", err)
	}
	return nil
}

// UpdateStatus moves a transaction to a new status. Empty processorRef and
// message leave the stored values untouched.
func (s *PostgresStore) UpdateStatus(ctx context.Context, reference string, status Status, processorRef, message string) error {
	query := `
		UPDATE transactions
		SET status = $2,
			processor_ref = COALESCE(NULLIF($3, ''), processor_ref),
			message = COALESCE(NULLIF($4, ''), message),
			updated_at = now()
		WHERE reference = $1
	`

	tag, err := s.pool.Exec(ctx, query, reference, status, processorRef, message)
	if err != nil {
		return fmt.Errorf("update transaction status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("transaction %s: %w", reference, database.ErrNotFound)
	}
	return nil
}

// GetByReference retrieves a transaction by its internal reference.
func (s *PostgresStore) GetByReference(ctx context.Context, reference string) (*Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE reference = $1`
	return s.scanTransaction(s.pool.QueryRow(ctx, query, reference))
}

// GetByID retrieves a transaction by ID.
func (s *PostgresStore) GetByID(ctx context.Context, id string) (*Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE id = $1`
	return s.scanTransaction(s.pool.QueryRow(ctx, query, id))
}

// ListByUser returns a page of a user's transactions, newest first, with the
// total count.
func (s *PostgresStore) ListByUser(ctx context.Context, userID string, limit, offset int) ([]*Transaction, int, error) {
	var total int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM transactions WHERE user_id = $1`, userID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count transactions: %w", err)
	}

	query := `
		SELECT ` + transactionColumns + `
		FROM transactions
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := s.pool.Query(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	var txs []*Transaction
	for rows.Next() {
		tx, err := s.scanTransaction(rows)
		if err != nil {
			return nil, 0, err
		}
		txs = append(txs, tx)
	}
	return txs, total, rows.Err()
}

func (s *PostgresStore) scanTransaction(row pgx.Row) (*Transaction, error) {
	var tx Transaction
	var processorRef, narration, message *string

	err := row.Scan(
		&tx.ID, &tx.UserID, &tx.Reference, &tx.Category, &tx.Direction,
		&tx.Amount.AmountMinor, &tx.Amount.Currency,
		&tx.Status, &tx.Gateway, &processorRef, &narration, &message, &tx.Metadata,
		&tx.CreatedAt, &tx.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, database.ErrNotFound
		}
		return nil, fmt.Errorf("scan transaction: %w", err)
	}

	tx.ProcessorRef = deref(processorRef)
	tx.Narration = deref(narration)
	tx.Message = deref(message)
	return &tx, nil
}

func nullStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullableJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return raw
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
