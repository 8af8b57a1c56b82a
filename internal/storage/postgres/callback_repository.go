package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/mzaharenkov/esimoms/internal/domain"
)

type callbackRepository struct {
	db *sql.DB
}

// NewCallbackRepository создаёт PostgreSQL-реализацию CallbackRepository.
func NewCallbackRepository(store *Store) domain.CallbackRepository {
	return &callbackRepository{db: store.DB()}
}

func (r *callbackRepository) Record(ctx context.Context, cb domain.ProcessedCallback) error {
	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if cb.ProcessedAt.IsZero() {
		cb.ProcessedAt = time.Now().UTC()
	}

	_, err := r.db.ExecContext(opCtx, `
		INSERT INTO processed_callbacks (transaction_id, payment_id, processed_at)
		VALUES ($1,$2,$3)
	`, cb.TransactionID, cb.PaymentID, cb.ProcessedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrDuplicateCallback
		}
		return fmt.Errorf("record processed callback: %w", err)
	}

	return nil
}

func (r *callbackRepository) Seen(ctx context.Context, transactionID string) (bool, error) {
	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var seen bool
	if err := r.db.QueryRowContext(opCtx, `
		SELECT EXISTS (
			SELECT 1 FROM processed_callbacks WHERE transaction_id = $1
		)
	`, transactionID).Scan(&seen); err != nil {
		return false, fmt.Errorf("check processed callback: %w", err)
	}

	return seen, nil
}

var _ domain.CallbackRepository = (*callbackRepository)(nil)
