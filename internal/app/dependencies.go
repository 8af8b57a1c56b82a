package app

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/mzaharenkov/esimoms/internal/domain"
	"github.com/mzaharenkov/esimoms/internal/health"
	"github.com/mzaharenkov/esimoms/internal/metrics"
	"github.com/mzaharenkov/esimoms/internal/service/balance"
	"github.com/mzaharenkov/esimoms/internal/service/checkout"
	"github.com/mzaharenkov/esimoms/internal/service/fulfillment"
	"github.com/mzaharenkov/esimoms/internal/service/gateway"
	"github.com/mzaharenkov/esimoms/internal/service/provider"
	"github.com/mzaharenkov/esimoms/internal/service/syncjob"
	"github.com/mzaharenkov/esimoms/internal/service/ticket"
	"github.com/mzaharenkov/esimoms/internal/storage/memory"
	"github.com/mzaharenkov/esimoms/internal/storage/postgres"
	redisstore "github.com/mzaharenkov/esimoms/internal/storage/redis"
)

// Dependencies содержит все зависимости приложения.
type Dependencies struct {
	Events      domain.EventStore
	Outbox      domain.OutboxRepository
	Idempotency domain.IdempotencyRepository
	Callbacks   domain.CallbackRepository
	BalanceTx   domain.BalanceTransactionRepository
	Snapshots   domain.SnapshotStore

	Gateway  domain.PaymentGateway
	Provider domain.ProvisioningProvider

	Ledger       *balance.Ledger
	Metrics      *metrics.FulfillmentMetrics
	Checkout     *checkout.Service
	Orchestrator *fulfillment.Orchestrator
	Sweeper      *fulfillment.Sweeper
	Tickets      *ticket.Service
	SyncJobs     *syncjob.Service

	Logger *log.Entry

	pg  *postgres.Store
	rdb *redisstore.SnapshotStore
}

// NewDependencies создаёт и связывает зависимости по конфигурации.
// NOTE: gateway и provider здесь mock-реализации; в production их
// заменяют клиенты реального платёжного шлюза и eSIM-провайдера.
func NewDependencies(ctx context.Context, cfg Config, logger *log.Entry) (*Dependencies, error) {
	if logger == nil {
		logger = log.WithField("component", "app")
	}

	deps := &Dependencies{
		Gateway:  gateway.NewMockGateway(),
		Provider: provider.NewMockProvider(),
		Logger:   logger,
	}

	switch cfg.StorageDriver {
	case StorageDriverPostgres:
		store, err := postgres.Open(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		if cfg.PostgresAutoMigrate {
			if err := store.MigrateUp(ctx, 0); err != nil {
				_ = store.Close()
				return nil, fmt.Errorf("migrate postgres: %w", err)
			}
		}
		deps.pg = store
		deps.Events = postgres.NewEventStore(store)
		deps.Outbox = postgres.NewOutboxRepository(store)
		deps.Idempotency = postgres.NewIdempotencyRepository(store)
		deps.Callbacks = postgres.NewCallbackRepository(store)
		deps.BalanceTx = postgres.NewBalanceTransactionRepository(store)
		logger.Info("postgres storage initialized")
	case StorageDriverMemory, "":
		deps.Events = memory.NewEventStore()
		deps.Outbox = memory.NewOutboxRepository()
		deps.Idempotency = memory.NewIdempotencyRepository()
		deps.Callbacks = memory.NewCallbackRepository()
		deps.BalanceTx = memory.NewBalanceTransactionRepository()
		logger.Info("in-memory storage initialized")
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.StorageDriver)
	}

	if cfg.RedisAddr != "" {
		rdb, err := redisstore.Open(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			logger.WithError(err).Warn("redis unavailable, falling back to in-memory snapshots")
			deps.Snapshots = memory.NewSnapshotStore()
		} else {
			deps.rdb = rdb
			deps.Snapshots = rdb
			logger.WithField("addr", cfg.RedisAddr).Info("redis snapshot store initialized")
		}
	} else {
		deps.Snapshots = memory.NewSnapshotStore()
	}

	deps.Ledger = balance.NewLedger(deps.Events, deps.BalanceTx, logger.WithField("component", "balance"))
	deps.Metrics = metrics.NewFulfillmentMetrics()

	deps.Orchestrator = fulfillment.NewOrchestrator(fulfillment.Config{
		Events:   deps.Events,
		Ledger:   deps.Ledger,
		Provider: deps.Provider,
		Outbox:   deps.Outbox,
		Logger:   logger.WithField("component", "fulfillment"),
		Metrics:  deps.Metrics,
	})
	deps.Sweeper = fulfillment.NewSweeper(deps.Events, deps.Orchestrator, fulfillment.SweeperOptions{
		Logger:    logger.WithField("component", "retry-sweeper"),
		Interval:  cfg.SweepInterval,
		BatchSize: cfg.SweepBatchSize,
	})

	deps.Checkout = checkout.NewService(checkout.Config{
		Events:      deps.Events,
		Ledger:      deps.Ledger,
		Gateway:     deps.Gateway,
		Callbacks:   deps.Callbacks,
		Idempotency: deps.Idempotency,
		Outbox:      deps.Outbox,
		Fulfillment: deps.Orchestrator,
		Snapshots:   deps.Snapshots,
		Logger:      logger.WithField("component", "checkout"),
		SessionTTL:  cfg.SessionTTL,
	})

	deps.Tickets = ticket.NewService(deps.Events, logger.WithField("component", "ticket"))
	deps.SyncJobs = syncjob.NewService(deps.Events, deps.Provider, logger.WithField("component", "usage-sync"))

	return deps, nil
}

// RegisterHealthChecks подключает проверки хранилищ к health handler'у.
func (d *Dependencies) RegisterHealthChecks(handler *health.Handler) {
	if d.pg != nil {
		handler.RegisterChecker("postgres", health.NewPingChecker("postgres", 2*time.Second, d.pg.Ping))
	}
	if d.rdb != nil {
		handler.RegisterChecker("redis", health.NewPingChecker("redis", 2*time.Second, d.rdb.Ping))
	}
}

// Close освобождает внешние соединения.
func (d *Dependencies) Close() {
	if d.rdb != nil {
		if err := d.rdb.Close(); err != nil {
			d.Logger.WithError(err).Warn("failed to close redis")
		}
	}
	if d.pg != nil {
		if err := d.pg.Close(); err != nil {
			d.Logger.WithError(err).Warn("failed to close postgres")
		}
	}
}
