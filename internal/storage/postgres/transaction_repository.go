package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mzaharenkov/esimoms/internal/domain"
)

type transactionRepository struct {
	db *sql.DB
}

// NewBalanceTransactionRepository создаёт PostgreSQL-реализацию аудита баланса.
func NewBalanceTransactionRepository(store *Store) domain.BalanceTransactionRepository {
	return &transactionRepository{db: store.DB()}
}

func (r *transactionRepository) Append(ctx context.Context, tx domain.BalanceTransaction) error {
	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if tx.ID == "" {
		tx.ID = uuid.NewString()
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now().UTC()
	}

	var orderID interface{}
	if tx.OrderID != "" {
		orderID = tx.OrderID
	}

	if _, err := r.db.ExecContext(opCtx, `
		INSERT INTO balance_transactions (
			id, customer_id, order_id, type, amount_minor, balance_after_minor, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7)
	`,
		tx.ID, tx.CustomerID, orderID, string(tx.Type),
		tx.AmountMinor, tx.BalanceAfterMinor, tx.CreatedAt,
	); err != nil {
		return fmt.Errorf("append balance transaction: %w", err)
	}

	return nil
}

func (r *transactionRepository) ListByCustomer(ctx context.Context, customerID string, limit int) ([]domain.BalanceTransaction, error) {
	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	query := `
		SELECT id, customer_id, order_id, type, amount_minor, balance_after_minor, created_at
		FROM balance_transactions
		WHERE customer_id = $1
		ORDER BY created_at DESC, id DESC
	`

	var (
		rows *sql.Rows
		err  error
	)
	if limit > 0 {
		rows, err = r.db.QueryContext(opCtx, query+` LIMIT $2`, customerID, limit)
	} else {
		rows, err = r.db.QueryContext(opCtx, query, customerID)
	}
	if err != nil {
		return nil, fmt.Errorf("list balance transactions: %w", err)
	}
	defer rows.Close()

	result := make([]domain.BalanceTransaction, 0)
	for rows.Next() {
		var (
			tx      domain.BalanceTransaction
			orderID sql.NullString
			typeRaw string
		)
		if err := rows.Scan(
			&tx.ID, &tx.CustomerID, &orderID, &typeRaw,
			&tx.AmountMinor, &tx.BalanceAfterMinor, &tx.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan balance transaction: %w", err)
		}
		tx.Type = domain.BalanceTransactionType(typeRaw)
		if orderID.Valid {
			tx.OrderID = orderID.String
		}
		tx.CreatedAt = tx.CreatedAt.UTC()
		result = append(result, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate balance transactions: %w", err)
	}

	return result, nil
}

var _ domain.BalanceTransactionRepository = (*transactionRepository)(nil)
