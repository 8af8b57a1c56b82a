package fulfillment

import (
	"context"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/mzaharenkov/esimoms/internal/domain"
)

const (
	defaultSweepInterval = 30 * time.Second
	defaultSweepBatch    = 50
)

// Sweeper — фоновый воркер, подхватывающий заказы с созревшим повтором.
// Выборка идёт через ListDueOrders, сам повтор выполняет оркестратор.
type Sweeper struct {
	events       domain.EventStore
	orchestrator *Orchestrator
	logger       *log.Entry
	interval     time.Duration
	batchSize    int
	now          func() time.Time
}

// SweeperOptions задаёт параметры retry sweep.
type SweeperOptions struct {
	Logger    *log.Entry
	Interval  time.Duration
	BatchSize int
}

// NewSweeper создаёт retry sweep воркер.
func NewSweeper(events domain.EventStore, orchestrator *Orchestrator, opts SweeperOptions) *Sweeper {
	logger := opts.Logger
	if logger == nil {
		logger = log.WithField("component", "retry-sweeper")
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = defaultSweepBatch
	}
	return &Sweeper{
		events:       events,
		orchestrator: orchestrator,
		logger:       logger,
		interval:     interval,
		batchSize:    batchSize,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// SetClock подменяет источник времени (для тестов).
func (s *Sweeper) SetClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// Run запускает периодический sweep до отмены ctx.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.ProcessOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.ProcessOnce(ctx)
		}
	}
}

// ProcessOnce выполняет один sweep-цикл и возвращает число обработанных заказов.
func (s *Sweeper) ProcessOnce(ctx context.Context) int {
	if ctx.Err() != nil {
		return 0
	}

	due, err := s.events.ListDueOrders(ctx, s.now(), s.batchSize)
	if err != nil {
		s.logger.WithError(err).Warn("failed to list due orders")
		return 0
	}

	processed := 0
	for _, orderID := range due {
		if ctx.Err() != nil {
			return processed
		}
		if err := s.orchestrator.RunRetry(ctx, orderID); err != nil {
			// Конкурент мог уже подхватить заказ; конфликт версий не ошибка sweep-а.
			if errors.Is(err, domain.ErrOrderNotRetryable) || domain.IsVersionConflict(err) {
				s.logger.WithError(err).WithField("order_id", orderID).Debug("retry skipped")
				continue
			}
			s.logger.WithError(err).WithField("order_id", orderID).Warn("retry run failed")
			continue
		}
		processed++
	}

	if processed > 0 {
		s.logger.WithField("processed", processed).Info("retry sweep completed")
	}
	return processed
}
