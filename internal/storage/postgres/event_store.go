package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/mzaharenkov/esimoms/internal/domain"
)

const opTimeout = 5 * time.Second

type eventStore struct {
	db *sql.DB
}

// NewEventStore создаёт PostgreSQL-реализацию EventStore.
// Optimistic concurrency обеспечивается уникальным индексом
// (aggregate_type, aggregate_id, seq): проигравший конкурент получает
// unique violation, который мапится в ErrVersionConflict.
func NewEventStore(store *Store) domain.EventStore {
	return &eventStore{db: store.DB()}
}

func (s *eventStore) Append(ctx context.Context, event domain.Event, expectedVersion int64) (int64, error) {
	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	event.Seq = expectedVersion + 1

	tx, err := s.db.BeginTx(opCtx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin append tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var payload interface{}
	if len(event.Payload) > 0 {
		payload = []byte(event.Payload)
	}

	_, err = tx.ExecContext(opCtx, `
		INSERT INTO events (
			id, aggregate_type, aggregate_id, event_type, seq, payload, occurred_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7)
	`,
		event.ID, string(event.AggregateType), event.AggregateID,
		string(event.Type), event.Seq, payload, event.OccurredAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			err = domain.ErrVersionConflict
			return 0, err
		}
		return 0, fmt.Errorf("insert event: %w", err)
	}

	if event.AggregateType == domain.AggregateOrder {
		if err = applyOrderProjection(opCtx, tx, event); err != nil {
			return 0, err
		}
	}

	if err = tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit append tx: %w", err)
	}

	return event.Seq, nil
}

func (s *eventStore) Load(ctx context.Context, aggType domain.AggregateType, aggID string) ([]domain.Event, error) {
	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(opCtx, `
		SELECT id, aggregate_type, aggregate_id, event_type, seq, payload, occurred_at
		FROM events
		WHERE aggregate_type = $1 AND aggregate_id = $2
		ORDER BY seq ASC
	`, string(aggType), aggID)
	if err != nil {
		return nil, fmt.Errorf("load events: %w", err)
	}
	defer rows.Close()

	events := make([]domain.Event, 0)
	for rows.Next() {
		var (
			event    domain.Event
			aggTypeS string
			typeS    string
			payload  []byte
		)
		if err := rows.Scan(
			&event.ID, &aggTypeS, &event.AggregateID,
			&typeS, &event.Seq, &payload, &event.OccurredAt,
		); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		event.AggregateType = domain.AggregateType(aggTypeS)
		event.Type = domain.EventType(typeS)
		event.Payload = payload
		event.OccurredAt = event.OccurredAt.UTC()
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}

	return events, nil
}

func (s *eventStore) ListDueOrders(ctx context.Context, now time.Time, limit int) ([]string, error) {
	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(opCtx, `
		SELECT order_id
		FROM order_projections
		WHERE status = 'pending_retry'
		  AND retry_count < max_retries
		  AND next_retry_at <= $1
		ORDER BY next_retry_at ASC, order_id ASC
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list due orders: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0, limit)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan due order id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate due orders: %w", err)
	}

	return ids, nil
}

func (s *eventStore) ListAggregateIDs(ctx context.Context, aggType domain.AggregateType, limit int) ([]string, error) {
	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if limit <= 0 {
		limit = 1000
	}

	rows, err := s.db.QueryContext(opCtx, `
		SELECT aggregate_id
		FROM events
		WHERE aggregate_type = $1 AND seq = 1
		ORDER BY occurred_at ASC, aggregate_id ASC
		LIMIT $2
	`, string(aggType), limit)
	if err != nil {
		return nil, fmt.Errorf("list aggregate ids: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0, limit)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan aggregate id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate aggregate ids: %w", err)
	}

	return ids, nil
}

// applyOrderProjection обновляет строку проекции заказа по событию лога.
// Проекция держит только поля, нужные retry sweep; полное состояние заказа
// всегда восстанавливается replay-ом лога.
func applyOrderProjection(ctx context.Context, tx *sql.Tx, event domain.Event) error {
	switch event.Type {
	case domain.EventOrderCreated:
		var p domain.OrderCreatedPayload
		if err := event.DecodePayload(&p); err != nil {
			return fmt.Errorf("decode order created payload: %w", err)
		}
		maxRetries := p.MaxRetries
		if maxRetries <= 0 {
			maxRetries = domain.DefaultOrderMaxRetries
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO order_projections (order_id, customer_id, status, retry_count, max_retries, updated_at)
			VALUES ($1, $2, $3, 0, $4, $5)
			ON CONFLICT (order_id) DO NOTHING
		`, event.AggregateID, p.CustomerID, string(domain.OrderStatusPending), maxRetries, event.OccurredAt); err != nil {
			return fmt.Errorf("insert order projection: %w", err)
		}

	case domain.EventOrderRetryScheduled:
		var p domain.OrderRetryScheduledPayload
		if err := event.DecodePayload(&p); err != nil {
			return fmt.Errorf("decode retry scheduled payload: %w", err)
		}
		if err := updateOrderProjection(ctx, tx, event.AggregateID, domain.OrderStatusPendingRetry, p.RetryCount, &p.NextRetryAt, event.OccurredAt); err != nil {
			return err
		}

	case domain.EventOrderAwaitingPayment:
		return updateOrderProjectionStatus(ctx, tx, event, domain.OrderStatusAwaitingPayment)
	case domain.EventOrderPaymentConfirmed, domain.EventOrderRetryStarted, domain.EventOrderReviewResolved:
		return updateOrderProjectionStatus(ctx, tx, event, domain.OrderStatusProcessing)
	case domain.EventOrderCompleted:
		return updateOrderProjectionStatus(ctx, tx, event, domain.OrderStatusCompleted)
	case domain.EventOrderFailed:
		return updateOrderProjectionStatus(ctx, tx, event, domain.OrderStatusFailed)
	case domain.EventOrderSentToReview:
		return updateOrderProjectionStatus(ctx, tx, event, domain.OrderStatusAdminReview)
	case domain.EventOrderCancelled:
		return updateOrderProjectionStatus(ctx, tx, event, domain.OrderStatusCancelled)
	}

	return nil
}

func updateOrderProjectionStatus(ctx context.Context, tx *sql.Tx, event domain.Event, status domain.OrderStatus) error {
	if _, err := tx.ExecContext(ctx, `
		UPDATE order_projections
		SET status = $2, updated_at = $3
		WHERE order_id = $1
	`, event.AggregateID, string(status), event.OccurredAt); err != nil {
		return fmt.Errorf("update order projection status: %w", err)
	}
	return nil
}

func updateOrderProjection(ctx context.Context, tx *sql.Tx, orderID string, status domain.OrderStatus, retryCount int, nextRetryAt *time.Time, updatedAt time.Time) error {
	if _, err := tx.ExecContext(ctx, `
		UPDATE order_projections
		SET status = $2, retry_count = $3, next_retry_at = $4, updated_at = $5
		WHERE order_id = $1
	`, orderID, string(status), retryCount, nextRetryAt, updatedAt); err != nil {
		return fmt.Errorf("update order projection: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

var _ domain.EventStore = (*eventStore)(nil)
