package memory

import (
	"context"
	"sync"

	"github.com/mzaharenkov/esimoms/internal/domain"
)

type snapshotEntry struct {
	version int64
	state   []byte
}

// snapshotStoreInMemory кэширует проекции в памяти. Как и любой снапшот,
// не авторитетен: источник истины — лог событий.
type snapshotStoreInMemory struct {
	mu    sync.RWMutex
	items map[string]snapshotEntry
}

// NewSnapshotStore создаёт in-memory реализацию SnapshotStore.
func NewSnapshotStore() domain.SnapshotStore {
	return &snapshotStoreInMemory{items: make(map[string]snapshotEntry)}
}

func (s *snapshotStoreInMemory) Put(ctx context.Context, aggType domain.AggregateType, aggID string, version int64, state []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := logKey(aggType, aggID)
	// Не даём устаревшей версии затереть более свежий снапшот.
	if existing, ok := s.items[key]; ok && existing.version >= version {
		return nil
	}
	s.items[key] = snapshotEntry{version: version, state: append([]byte(nil), state...)}
	return nil
}

func (s *snapshotStoreInMemory) Get(ctx context.Context, aggType domain.AggregateType, aggID string) (int64, []byte, error) {
	if err := ctx.Err(); err != nil {
		return 0, nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.items[logKey(aggType, aggID)]
	if !ok {
		return 0, nil, domain.ErrAggregateNotFound
	}
	return entry.version, append([]byte(nil), entry.state...), nil
}

var _ domain.SnapshotStore = (*snapshotStoreInMemory)(nil)
