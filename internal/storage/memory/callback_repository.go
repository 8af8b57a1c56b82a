package memory

import (
	"context"
	"sync"
	"time"

	"github.com/mzaharenkov/esimoms/internal/domain"
)

// callbackRepositoryInMemory хранит обработанные correlation id шлюза.
type callbackRepositoryInMemory struct {
	mu    sync.RWMutex
	items map[string]domain.ProcessedCallback
}

// NewCallbackRepository создаёт in-memory реализацию CallbackRepository.
func NewCallbackRepository() domain.CallbackRepository {
	return &callbackRepositoryInMemory{items: make(map[string]domain.ProcessedCallback)}
}

// Record регистрирует callback; повторный transaction id — ErrDuplicateCallback.
func (r *callbackRepositoryInMemory) Record(ctx context.Context, cb domain.ProcessedCallback) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.items[cb.TransactionID]; exists {
		return domain.ErrDuplicateCallback
	}
	if cb.ProcessedAt.IsZero() {
		cb.ProcessedAt = time.Now().UTC()
	}
	r.items[cb.TransactionID] = cb
	return nil
}

// Seen возвращает true, если transaction id уже обрабатывался.
func (r *callbackRepositoryInMemory) Seen(ctx context.Context, transactionID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.items[transactionID]
	return ok, nil
}

var _ domain.CallbackRepository = (*callbackRepositoryInMemory)(nil)
