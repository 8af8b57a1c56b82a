package syncjob

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/mzaharenkov/esimoms/internal/domain"
)

const defaultSyncInterval = 15 * time.Minute

// Worker периодически запускает usage sync. Проваленный прогон
// перезапускается сразу, пока не исчерпан retry-лимит задания.
type Worker struct {
	service    *Service
	logger     *log.Entry
	interval   time.Duration
	providerID string
}

// WorkerOptions задаёт параметры usage sync воркера.
type WorkerOptions struct {
	Logger     *log.Entry
	Interval   time.Duration
	ProviderID string
}

// NewWorker создаёт usage sync воркер.
func NewWorker(service *Service, opts WorkerOptions) *Worker {
	logger := opts.Logger
	if logger == nil {
		logger = log.WithField("component", "usage-sync")
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = defaultSyncInterval
	}
	return &Worker{
		service:    service,
		logger:     logger,
		interval:   interval,
		providerID: opts.ProviderID,
	}
}

// Run запускает периодическую синхронизацию до отмены ctx.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.ProcessOnce(ctx)
		}
	}
}

// ProcessOnce выполняет один цикл синхронизации и возвращает итоговое задание.
func (w *Worker) ProcessOnce(ctx context.Context) (domain.SyncJob, error) {
	job, err := w.service.CreateUsageJob(ctx, w.providerID)
	if err != nil {
		w.logger.WithError(err).Warn("failed to create usage sync job")
		return domain.SyncJob{}, err
	}

	jobID := job.ID
	job, err = w.service.Execute(ctx, jobID)
	if err != nil {
		w.logger.WithError(err).WithField("job_id", jobID).Warn("usage sync run failed")
		return job, err
	}

	for job.Status == domain.SyncJobStatusFailed && job.CanRetry() {
		w.logger.WithFields(log.Fields{
			"job_id":      jobID,
			"retry_count": job.RetryCount,
			"reason":      job.FailureReason,
		}).Warn("retrying failed usage sync job")

		if _, err := w.service.Retry(ctx, jobID); err != nil {
			return job, err
		}
		job, err = w.service.Execute(ctx, jobID)
		if err != nil {
			return job, err
		}
	}
	return job, nil
}
