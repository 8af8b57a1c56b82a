package app

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/mzaharenkov/esimoms/internal/health"
	"github.com/mzaharenkov/esimoms/internal/messaging/kafka"
	"github.com/mzaharenkov/esimoms/internal/service/idempotency"
	"github.com/mzaharenkov/esimoms/internal/service/notification"
	"github.com/mzaharenkov/esimoms/internal/service/outbox"
	"github.com/mzaharenkov/esimoms/internal/service/syncjob"
	"github.com/mzaharenkov/esimoms/internal/version"
)

// Run собирает зависимости, запускает фоновые воркеры и HTTP-сервер
// метрик/health и работает до отмены ctx.
func Run(ctx context.Context, cfg Config) error {
	logger := log.WithField("component", "app")

	deps, err := NewDependencies(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer deps.Close()

	kafkaProducer, err := initKafkaProducer(cfg.KafkaBrokers, logger)
	if err != nil {
		// Приложение работает и без брокера: outbox копит записи,
		// публикация начнётся после рестарта с доступным Kafka.
		logger.WithError(err).Warn("starting without kafka")
	}
	defer closeKafka(kafkaProducer, logger)

	var wg sync.WaitGroup
	runWorker := func(name string, run func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			logger.WithField("worker", name).Info("worker started")
			run(ctx)
			logger.WithField("worker", name).Info("worker stopped")
		}()
	}

	runWorker("retry-sweeper", deps.Sweeper.Run)

	cleanup := idempotency.NewCleanupWorker(
		deps.Idempotency,
		idempotency.WithLogger(logger.WithField("component", "idempotency-cleanup")),
		idempotency.WithInterval(cfg.IdempotencyCleanupInterval),
		idempotency.WithBatchSize(cfg.IdempotencyCleanupBatchSize),
	)
	runWorker("idempotency-cleanup", cleanup.Run)

	syncWorker := syncjob.NewWorker(deps.SyncJobs, syncjob.WorkerOptions{
		Logger:     logger.WithField("component", "usage-sync"),
		Interval:   cfg.UsageSyncInterval,
		ProviderID: cfg.UsageSyncProvider,
	})
	runWorker("usage-sync", syncWorker.Run)

	var notificationConsumer *kafka.Consumer
	if kafkaProducer != nil {
		publisher := kafka.NewOutboxPublisher(kafkaProducer, "")
		dlqPublisher := kafka.NewOutboxPublisher(kafkaProducer, kafka.TopicDeadLetterQueue)
		outboxWorker := outbox.NewWorker(
			deps.Outbox,
			publisher,
			outbox.WithLogger(logger.WithField("component", "outbox")),
			outbox.WithDLQPublisher(dlqPublisher),
			outbox.WithPollInterval(cfg.OutboxPollInterval),
			outbox.WithBatchSize(cfg.OutboxBatchSize),
			outbox.WithMaxAttempts(cfg.OutboxMaxAttempts),
		)
		runWorker("outbox", outboxWorker.Run)

		sink := notification.NewLogSink(logger.WithField("component", "notification"))
		consumer, err := kafka.NewConsumerWithDLQ(
			strings.Split(cfg.KafkaBrokers, ","),
			"esimoms-notifications",
			[]string{kafka.TopicOrderEvents, kafka.TopicPaymentEvents},
			kafka.NewNotificationHandler(sink),
			kafkaProducer,
			3,
		)
		if err != nil {
			logger.WithError(err).Warn("failed to create notification consumer")
		} else if err := consumer.Start(ctx); err != nil {
			logger.WithError(err).Warn("failed to start notification consumer")
		} else {
			notificationConsumer = consumer
		}
	} else {
		logger.Info("kafka disabled: outbox publisher and notifications are idle")
	}

	healthHandler := health.NewHandler(version.GetVersion())
	deps.RegisterHealthChecks(healthHandler)

	srv := startHTTPServer(ctx, cfg.HTTPAddr, logger, healthHandler)

	<-ctx.Done()
	logger.Info("получен сигнал остановки")

	if notificationConsumer != nil {
		if err := notificationConsumer.Stop(); err != nil {
			logger.WithError(err).Warn("failed to stop notification consumer")
		}
	}

	shutdownHTTP(srv, logger)
	wg.Wait()

	return ctx.Err()
}

// startHTTPServer запускает HTTP-обработчики /metrics и health probes.
func startHTTPServer(ctx context.Context, addr string, logger *log.Entry, healthHandler *health.Handler) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/healthz", healthHandler)
	mux.HandleFunc("/livez", health.LivenessHandler)
	mux.HandleFunc("/readyz", healthHandler.ReadinessHandler)

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		logger.Infof("метрики доступны по адресу %s/metrics", addr)
		logger.Infof("health checks: %s/healthz, %s/livez, %s/readyz", addr, addr, addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Warn("http server failed")
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownHTTP(srv, logger)
	}()

	return srv
}

// shutdownHTTP аккуратно останавливает HTTP-сервер.
func shutdownHTTP(srv *http.Server, logger *log.Entry) {
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.WithError(err).Warn("http shutdown with error")
	}
}
