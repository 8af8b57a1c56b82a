package memory

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mzaharenkov/esimoms/internal/domain"
)

const (
	outboxPending = "pending"
	outboxSent    = "sent"
	outboxFailed  = "failed"
)

// outboxRecord — сообщение outbox вместе со служебными полями хранилища.
// seq задаёт порядок выдачи: часы могут совпасть, счётчик — нет.
type outboxRecord struct {
	msg       domain.OutboxMessage
	status    string
	attempts  int
	seq       uint64
	createdAt time.Time
	updatedAt time.Time
}

type outboxRepositoryInMemory struct {
	mu      sync.RWMutex
	nextSeq uint64
	records map[string]*outboxRecord
}

// NewOutboxRepository создаёт in-memory реализацию transactional outbox.
func NewOutboxRepository() *outboxRepositoryInMemory {
	return &outboxRepositoryInMemory{records: make(map[string]*outboxRecord)}
}

var _ domain.OutboxRepository = (*outboxRepositoryInMemory)(nil)

func (r *outboxRepositoryInMemory) Enqueue(msg domain.OutboxMessage) (domain.OutboxMessage, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()
	r.nextSeq++
	r.records[msg.ID] = &outboxRecord{
		msg:       msg,
		status:    outboxPending,
		seq:       r.nextSeq,
		createdAt: now,
		updatedAt: now,
	}
	return msg, nil
}

func (r *outboxRepositoryInMemory) PullPending(limit int) ([]domain.OutboxMessage, error) {
	if limit <= 0 {
		limit = 100
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	backlog := make([]*outboxRecord, 0, len(r.records))
	for _, record := range r.records {
		if record.status == outboxPending {
			backlog = append(backlog, record)
		}
	}
	sort.Slice(backlog, func(i, j int) bool { return backlog[i].seq < backlog[j].seq })
	if len(backlog) > limit {
		backlog = backlog[:limit]
	}

	batch := make([]domain.OutboxMessage, 0, len(backlog))
	for _, record := range backlog {
		batch = append(batch, record.msg)
	}
	return batch, nil
}

func (r *outboxRepositoryInMemory) Stats() (domain.OutboxStats, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var stats domain.OutboxStats
	for _, record := range r.records {
		if record.status != outboxPending {
			continue
		}
		stats.PendingCount++
		if stats.OldestPendingAt.IsZero() || record.createdAt.Before(stats.OldestPendingAt) {
			stats.OldestPendingAt = record.createdAt
		}
	}
	return stats, nil
}

func (r *outboxRepositoryInMemory) MarkSent(id string) error {
	return r.setStatus(id, outboxSent)
}

func (r *outboxRepositoryInMemory) MarkFailed(id string) error {
	return r.setStatus(id, outboxFailed)
}

func (r *outboxRepositoryInMemory) setStatus(id, status string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	record, ok := r.records[id]
	if !ok {
		return domain.ErrOutboxPublish
	}
	record.status = status
	record.attempts++
	record.updatedAt = time.Now().UTC()
	return nil
}
