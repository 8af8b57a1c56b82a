package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mzaharenkov/esimoms/internal/domain"
)

// eventStoreInMemory — append-only лог в памяти для локальной разработки и тестов.
// Append сериализуется глобальным мьютексом, проверка expectedVersion даёт
// ту же семантику optimistic concurrency, что и уникальный индекс в Postgres.
type eventStoreInMemory struct {
	mu     sync.RWMutex
	logs   map[string][]domain.Event
	byType map[domain.AggregateType][]string
}

// NewEventStore возвращает in-memory реализацию EventStore.
func NewEventStore() domain.EventStore {
	return &eventStoreInMemory{
		logs:   make(map[string][]domain.Event),
		byType: make(map[domain.AggregateType][]string),
	}
}

func logKey(aggType domain.AggregateType, aggID string) string {
	return string(aggType) + "/" + aggID
}

// Append добавляет событие в лог агрегата с проверкой версии.
func (s *eventStoreInMemory) Append(ctx context.Context, event domain.Event, expectedVersion int64) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := logKey(event.AggregateType, event.AggregateID)
	log := s.logs[key]
	current := int64(len(log))
	if current != expectedVersion {
		return 0, domain.ErrVersionConflict
	}

	event.Seq = current + 1
	if len(log) == 0 {
		s.byType[event.AggregateType] = append(s.byType[event.AggregateType], event.AggregateID)
	}
	s.logs[key] = append(log, event)
	return event.Seq, nil
}

// Load возвращает копию лога агрегата в порядке Seq.
func (s *eventStoreInMemory) Load(ctx context.Context, aggType domain.AggregateType, aggID string) ([]domain.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	log := s.logs[logKey(aggType, aggID)]
	result := make([]domain.Event, len(log))
	copy(result, log)
	return result, nil
}

// ListDueOrders перебирает заказы и выбирает созревшие для retry sweep.
// В памяти перебор с replay дешёв; в Postgres это индекс по projection-строкам.
func (s *eventStoreInMemory) ListDueOrders(ctx context.Context, now time.Time, limit int) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	ids := make([]string, len(s.byType[domain.AggregateOrder]))
	copy(ids, s.byType[domain.AggregateOrder])
	s.mu.RUnlock()

	due := make([]string, 0)
	for _, id := range ids {
		events, err := s.Load(ctx, domain.AggregateOrder, id)
		if err != nil {
			return nil, err
		}
		order, err := domain.ReplayOrder(events)
		if err != nil {
			return nil, err
		}
		if order.RetryDue(now) {
			due = append(due, id)
		}
	}

	sort.Strings(due)
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

// ListAggregateIDs возвращает id агрегатов типа в порядке первого события.
func (s *eventStoreInMemory) ListAggregateIDs(ctx context.Context, aggType domain.AggregateType, limit int) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.byType[aggType]
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	result := make([]string, len(ids))
	copy(result, ids)
	return result, nil
}

var _ domain.EventStore = (*eventStoreInMemory)(nil)
