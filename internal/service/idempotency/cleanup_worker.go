package idempotency

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/mzaharenkov/esimoms/internal/domain"
)

const (
	defaultCleanupInterval  = 10 * time.Minute
	defaultCleanupBatchSize = 500
)

var (
	cleanupRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "esimoms_idempotency_cleanup_runs_total",
		Help: "Idempotency cleanup runs by result.",
	}, []string{"result"})
	cleanupDeleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "esimoms_idempotency_cleanup_deleted_total",
		Help: "Expired idempotency records deleted.",
	})
	cleanupLastBatch = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "esimoms_idempotency_cleanup_last_deleted",
		Help: "Records deleted during the last cleanup run.",
	})
)

// CleanupWorker периодически удаляет просроченные idempotency записи.
// Просроченный ключ перестаёт дедуплицировать: повтор после TTL создаст
// новый заказ, это ожидаемое поведение.
type CleanupWorker struct {
	repo   domain.IdempotencyRepository
	logger *log.Entry
	every  time.Duration
	batch  int
}

// CleanupOption настраивает CleanupWorker.
type CleanupOption func(*CleanupWorker)

// WithLogger задаёт logger воркера.
func WithLogger(logger *log.Entry) CleanupOption {
	return func(w *CleanupWorker) { w.logger = logger }
}

// WithInterval задаёт период между cleanup-циклами.
func WithInterval(interval time.Duration) CleanupOption {
	return func(w *CleanupWorker) { w.every = interval }
}

// WithBatchSize задаёт размер порции одного удаления.
func WithBatchSize(batchSize int) CleanupOption {
	return func(w *CleanupWorker) { w.batch = batchSize }
}

// NewCleanupWorker создаёт воркер очистки idempotency ключей.
func NewCleanupWorker(repo domain.IdempotencyRepository, options ...CleanupOption) *CleanupWorker {
	w := &CleanupWorker{
		repo:  repo,
		every: defaultCleanupInterval,
		batch: defaultCleanupBatchSize,
	}
	for _, option := range options {
		option(w)
	}

	if w.logger == nil {
		w.logger = log.WithField("component", "idempotency-cleanup-worker")
	}
	if w.every <= 0 {
		w.every = defaultCleanupInterval
	}
	if w.batch <= 0 {
		w.batch = defaultCleanupBatchSize
	}
	return w
}

// Run выполняет очистку сразу и далее по тикеру до отмены ctx.
func (w *CleanupWorker) Run(ctx context.Context) {
	if w.repo == nil {
		w.logger.Warn("idempotency cleanup worker is disabled: repo is nil")
		return
	}

	w.sweep(ctx)

	ticker := time.NewTicker(w.every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

func (w *CleanupWorker) sweep(ctx context.Context) {
	deleted, err := w.DeleteExpired(ctx, time.Now().UTC())
	switch {
	case errors.Is(err, context.Canceled):
		return
	case err != nil:
		cleanupRuns.WithLabelValues("error").Inc()
		w.logger.WithError(err).Warn("idempotency cleanup run failed")
		return
	}

	cleanupRuns.WithLabelValues("ok").Inc()
	cleanupLastBatch.Set(float64(deleted))
	if deleted > 0 {
		w.logger.WithField("deleted", deleted).Info("idempotency cleanup completed")
	}
}

// DeleteExpired удаляет записи с ttl <= before порциями, пока они есть.
func (w *CleanupWorker) DeleteExpired(ctx context.Context, before time.Time) (int, error) {
	if before.IsZero() {
		before = time.Now().UTC()
	}

	total := 0
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}

		deleted, err := w.repo.DeleteExpired(before, w.batch)
		if err != nil {
			return total, err
		}
		total += deleted
		if deleted > 0 {
			cleanupDeleted.Add(float64(deleted))
		}
		// Неполная порция означает, что просроченных больше нет.
		if deleted < w.batch {
			return total, nil
		}
	}
}
