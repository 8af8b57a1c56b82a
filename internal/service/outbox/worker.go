package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/mzaharenkov/esimoms/internal/domain"
)

const (
	defaultPollInterval   = 1 * time.Second
	defaultBatchSize      = 100
	defaultMaxAttempts    = 3
	defaultRetryBaseDelay = 50 * time.Millisecond
)

var (
	publishResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "esimoms_outbox_publish_attempts_total",
		Help: "Outbox publish attempts by result.",
	}, []string{"result"})
	backlogSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "esimoms_outbox_pending_records",
		Help: "Pending records in the transactional outbox.",
	})
	backlogAge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "esimoms_outbox_oldest_pending_age_seconds",
		Help: "Age of the oldest pending outbox record.",
	})
)

// Worker выгребает pending-записи из outbox и публикует их в брокер.
// Доставка at-least-once: сбой между Publish и MarkSent приводит к
// повторной публикации, поэтому publisher обязан быть идемпотентным.
type Worker struct {
	repo      domain.OutboxRepository
	publisher domain.OutboxPublisher
	dlq       domain.OutboxPublisher
	logger    *log.Entry

	pollEvery time.Duration
	batch     int
	attempts  int
	baseDelay time.Duration
}

// Option настраивает Worker.
type Option func(*Worker)

// WithLogger задаёт logger воркера.
func WithLogger(logger *log.Entry) Option {
	return func(w *Worker) { w.logger = logger }
}

// WithDLQPublisher включает отправку в DLQ после исчерпания попыток.
func WithDLQPublisher(publisher domain.OutboxPublisher) Option {
	return func(w *Worker) { w.dlq = publisher }
}

// WithPollInterval задаёт частоту опроса outbox.
func WithPollInterval(interval time.Duration) Option {
	return func(w *Worker) { w.pollEvery = interval }
}

// WithBatchSize задаёт размер выборки за один цикл.
func WithBatchSize(batchSize int) Option {
	return func(w *Worker) { w.batch = batchSize }
}

// WithMaxAttempts задаёт число попыток публикации одной записи.
func WithMaxAttempts(maxAttempts int) Option {
	return func(w *Worker) { w.attempts = maxAttempts }
}

// WithRetryBaseDelay задаёт базовую задержку exponential backoff.
func WithRetryBaseDelay(delay time.Duration) Option {
	return func(w *Worker) { w.baseDelay = delay }
}

// NewWorker создаёт outbox worker.
func NewWorker(repo domain.OutboxRepository, publisher domain.OutboxPublisher, options ...Option) *Worker {
	w := &Worker{
		repo:      repo,
		publisher: publisher,
		pollEvery: defaultPollInterval,
		batch:     defaultBatchSize,
		attempts:  defaultMaxAttempts,
		baseDelay: defaultRetryBaseDelay,
	}
	for _, option := range options {
		option(w)
	}

	if w.logger == nil {
		w.logger = log.WithField("component", "outbox-worker")
	}
	if w.pollEvery <= 0 {
		w.pollEvery = defaultPollInterval
	}
	if w.batch <= 0 {
		w.batch = defaultBatchSize
	}
	if w.attempts <= 0 {
		w.attempts = defaultMaxAttempts
	}
	if w.baseDelay < 0 {
		w.baseDelay = 0
	}
	return w
}

// Run опрашивает outbox до отмены ctx.
func (w *Worker) Run(ctx context.Context) {
	if w.repo == nil || w.publisher == nil {
		w.logger.Warn("outbox worker is disabled: repo or publisher is nil")
		return
	}

	ticker := time.NewTicker(w.pollEvery)
	defer ticker.Stop()

	w.ProcessOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.ProcessOnce(ctx)
		}
	}
}

// ProcessOnce выполняет один цикл: выборка, публикация, маркировка.
func (w *Worker) ProcessOnce(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	w.observeBacklog()

	messages, err := w.repo.PullPending(w.batch)
	if err != nil {
		w.logger.WithError(err).Warn("pull pending outbox messages failed")
		return
	}

	for _, msg := range messages {
		if ctx.Err() != nil {
			return
		}
		w.handle(ctx, msg)
	}

	if len(messages) > 0 {
		w.observeBacklog()
	}
}

func (w *Worker) handle(ctx context.Context, msg domain.OutboxMessage) {
	if err := w.deliver(ctx, msg); err != nil {
		w.logger.WithError(err).WithFields(log.Fields{
			"outbox_id":  msg.ID,
			"event_type": msg.EventType,
		}).Error("outbox publish failed after retries")
		publishResults.WithLabelValues("failed").Inc()

		if dlqErr := w.divertToDLQ(msg, err); dlqErr != nil {
			w.logger.WithError(dlqErr).WithField("outbox_id", msg.ID).Warn("failed to publish to DLQ")
			publishResults.WithLabelValues("dlq_failed").Inc()
		}
		if markErr := w.repo.MarkFailed(msg.ID); markErr != nil {
			w.logger.WithError(markErr).WithField("outbox_id", msg.ID).Warn("failed to mark outbox as failed")
		}
		return
	}

	if err := w.repo.MarkSent(msg.ID); err != nil {
		w.logger.WithError(err).WithField("outbox_id", msg.ID).Warn("failed to mark outbox as sent")
	}
}

// deliver публикует запись, повторяя с backoff внутри цикла.
func (w *Worker) deliver(ctx context.Context, msg domain.OutboxMessage) error {
	var lastErr error
	for attempt := 1; ; attempt++ {
		if err := w.publisher.Publish(msg); err == nil {
			publishResults.WithLabelValues("sent").Inc()
			return nil
		} else {
			lastErr = err
			publishResults.WithLabelValues("retry_error").Inc()
		}

		if attempt >= w.attempts {
			return fmt.Errorf("publish failed after %d attempts: %w", w.attempts, lastErr)
		}
		if delay := w.backoff(attempt); delay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
	}
}

func (w *Worker) backoff(attempt int) time.Duration {
	if w.baseDelay <= 0 {
		return 0
	}
	const maxDelay = time.Duration(1<<63 - 1)
	delay := w.baseDelay
	for i := 1; i < attempt; i++ {
		if delay > maxDelay/2 {
			return maxDelay
		}
		delay *= 2
	}
	return delay
}

func (w *Worker) observeBacklog() {
	stats, err := w.repo.Stats()
	if err != nil {
		w.logger.WithError(err).Warn("outbox backlog stats query failed")
		return
	}

	backlogSize.Set(float64(stats.PendingCount))
	if stats.PendingCount == 0 || stats.OldestPendingAt.IsZero() {
		backlogAge.Set(0)
		return
	}
	if age := time.Since(stats.OldestPendingAt).Seconds(); age > 0 {
		backlogAge.Set(age)
	} else {
		backlogAge.Set(0)
	}
}

// divertToDLQ заворачивает неопубликованную запись в DLQ-сообщение.
func (w *Worker) divertToDLQ(msg domain.OutboxMessage, publishErr error) error {
	if w.dlq == nil {
		return nil
	}

	payload, err := json.Marshal(map[string]any{
		"outbox_id":        msg.ID,
		"aggregate_type":   msg.AggregateType,
		"aggregate_id":     msg.AggregateID,
		"event_type":       msg.EventType,
		"payload":          json.RawMessage(msg.Payload),
		"publish_error":    publishErr.Error(),
		"dlq_published_at": time.Now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return fmt.Errorf("marshal dlq payload: %w", err)
	}

	if err := w.dlq.Publish(domain.OutboxMessage{
		ID:            msg.ID,
		AggregateType: msg.AggregateType,
		AggregateID:   msg.AggregateID,
		EventType:     msg.EventType,
		Payload:       payload,
	}); err != nil {
		return fmt.Errorf("publish to dlq: %w", err)
	}
	return nil
}
