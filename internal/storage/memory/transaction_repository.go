package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mzaharenkov/esimoms/internal/domain"
)

// transactionRepositoryInMemory хранит аудит-записи движений баланса.
type transactionRepositoryInMemory struct {
	mu    sync.RWMutex
	items map[string][]domain.BalanceTransaction
}

// NewBalanceTransactionRepository создаёт in-memory реализацию аудита баланса.
func NewBalanceTransactionRepository() domain.BalanceTransactionRepository {
	return &transactionRepositoryInMemory{items: make(map[string][]domain.BalanceTransaction)}
}

// Append добавляет запись аудита в хронологию клиента.
func (r *transactionRepositoryInMemory) Append(ctx context.Context, tx domain.BalanceTransaction) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if tx.ID == "" {
		tx.ID = uuid.NewString()
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now().UTC()
	}
	r.items[tx.CustomerID] = append(r.items[tx.CustomerID], tx)
	return nil
}

// ListByCustomer возвращает записи клиента от новых к старым.
func (r *transactionRepositoryInMemory) ListByCustomer(ctx context.Context, customerID string, limit int) ([]domain.BalanceTransaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	txs := r.items[customerID]
	result := make([]domain.BalanceTransaction, 0, len(txs))
	for i := len(txs) - 1; i >= 0; i-- {
		result = append(result, txs[i])
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

var _ domain.BalanceTransactionRepository = (*transactionRepositoryInMemory)(nil)
