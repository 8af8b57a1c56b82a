package syncjob

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/mzaharenkov/esimoms/internal/domain"
)

// KindUsageSync — batch-синхронизация потребления данных с провайдером.
const KindUsageSync = "usage_sync"

// progressFlushEvery задаёт размер чанка между progressed-событиями,
// чтобы длинный прогон не писал событие на каждый профиль.
const progressFlushEvery = 25

// Service управляет фоновыми заданиями синхронизации. Задание само —
// event-sourced агрегат: прогон восстановим и аудируем по его логу.
type Service struct {
	events   domain.EventStore
	provider domain.ProvisioningProvider
	logger   *log.Entry
	now      func() time.Time
}

// NewService создаёт сервис sync-заданий.
func NewService(events domain.EventStore, provider domain.ProvisioningProvider, logger *log.Entry) *Service {
	if logger == nil {
		logger = log.WithField("component", "syncjob")
	}
	return &Service{
		events:   events,
		provider: provider,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetClock подменяет источник времени (для тестов).
func (s *Service) SetClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// CreateUsageJob создаёт задание синхронизации потребления по всем профилям.
func (s *Service) CreateUsageJob(ctx context.Context, providerID string) (domain.SyncJob, error) {
	profileIDs, err := s.events.ListAggregateIDs(ctx, domain.AggregateEsimProfile, 0)
	if err != nil {
		return domain.SyncJob{}, fmt.Errorf("list esim profiles: %w", err)
	}

	jobID := uuid.NewString()
	if err := s.append(ctx, domain.AggregateSyncJob, jobID, domain.EventSyncJobCreated, domain.SyncJobCreatedPayload{
		Kind:       KindUsageSync,
		ProviderID: providerID,
		Total:      int64(len(profileIDs)),
		CreatedMs:  s.now().UnixMilli(),
	}, 0); err != nil {
		return domain.SyncJob{}, err
	}
	return s.Get(ctx, jobID)
}

// Execute выполняет задание: обходит активные профили, запрашивает
// потребление у провайдера и пишет usage-события в логи профилей.
// Ошибка по отдельному профилю считается failed item и не валит прогон;
// задание проваливается, когда провайдер недоступен целиком.
func (s *Service) Execute(ctx context.Context, jobID string) (domain.SyncJob, error) {
	job, err := s.Get(ctx, jobID)
	if err != nil {
		return domain.SyncJob{}, err
	}
	if job.Status != domain.SyncJobStatusPending {
		return domain.SyncJob{}, fmt.Errorf("sync job %s is %s, want pending", jobID, job.Status)
	}

	if err := s.append(ctx, domain.AggregateSyncJob, jobID, domain.EventSyncJobStarted, nil, job.Version); err != nil {
		return domain.SyncJob{}, err
	}
	version := job.Version + 1

	profileIDs, err := s.events.ListAggregateIDs(ctx, domain.AggregateEsimProfile, 0)
	if err != nil {
		_ = s.append(ctx, domain.AggregateSyncJob, jobID, domain.EventSyncJobFailed, domain.SyncJobFailedPayload{
			Reason:   "list esim profiles: " + err.Error(),
			FailedMs: s.now().UnixMilli(),
		}, version)
		return domain.SyncJob{}, err
	}

	var processed, failed, pendingProcessed, pendingFailed int64
	flush := func() error {
		if pendingProcessed == 0 && pendingFailed == 0 {
			return nil
		}
		if err := s.append(ctx, domain.AggregateSyncJob, jobID, domain.EventSyncJobProgressed, domain.SyncJobProgressPayload{
			Processed: pendingProcessed,
			Failed:    pendingFailed,
			ReportMs:  s.now().UnixMilli(),
		}, version); err != nil {
			return err
		}
		version++
		pendingProcessed, pendingFailed = 0, 0
		return nil
	}

	attempted := int64(0)
	for _, profileID := range profileIDs {
		if err := ctx.Err(); err != nil {
			_ = flush()
			_ = s.append(ctx, domain.AggregateSyncJob, jobID, domain.EventSyncJobFailed, domain.SyncJobFailedPayload{
				Reason:   "sync cancelled: " + err.Error(),
				FailedMs: s.now().UnixMilli(),
			}, version)
			return domain.SyncJob{}, err
		}

		synced, err := s.syncProfile(ctx, profileID)
		if err != nil {
			s.logger.WithError(err).WithField("profile_id", profileID).Warn("profile usage sync failed")
			failed++
			pendingFailed++
			attempted++
		} else if synced {
			processed++
			pendingProcessed++
			attempted++
		}

		if pendingProcessed+pendingFailed >= progressFlushEvery {
			if err := flush(); err != nil {
				return domain.SyncJob{}, err
			}
		}
	}

	if err := flush(); err != nil {
		return domain.SyncJob{}, err
	}

	// Все попытки провалились — провайдер лежит, задание пойдёт на retry.
	if attempted > 0 && processed == 0 {
		if err := s.append(ctx, domain.AggregateSyncJob, jobID, domain.EventSyncJobFailed, domain.SyncJobFailedPayload{
			Reason:   "provider unavailable: all usage requests failed",
			FailedMs: s.now().UnixMilli(),
		}, version); err != nil {
			return domain.SyncJob{}, err
		}
		return s.Get(ctx, jobID)
	}

	if err := s.append(ctx, domain.AggregateSyncJob, jobID, domain.EventSyncJobCompleted, nil, version); err != nil {
		return domain.SyncJob{}, err
	}

	s.logger.WithFields(log.Fields{
		"job_id":    jobID,
		"processed": processed,
		"failed":    failed,
	}).Info("usage sync completed")
	return s.Get(ctx, jobID)
}

// syncProfile запрашивает потребление одного профиля и применяет
// производные переходы (expired, data_exhausted).
// Возвращает false для профилей, пропущенных по статусу.
func (s *Service) syncProfile(ctx context.Context, profileID string) (bool, error) {
	events, err := s.events.Load(ctx, domain.AggregateEsimProfile, profileID)
	if err != nil {
		return false, err
	}
	profile, err := domain.ReplayEsimProfile(events)
	if err != nil {
		return false, err
	}
	if !profile.IsUsable() {
		return false, nil
	}

	usage, err := s.provider.Usage(ctx, profile.ICCID)
	if err != nil {
		return false, err
	}

	now := s.now()
	if err := s.append(ctx, domain.AggregateEsimProfile, profileID, domain.EventEsimUsageReported, domain.EsimUsagePayload{
		DataUsedBytes:  usage.DataUsedBytes,
		DataTotalBytes: usage.DataTotalBytes,
		CheckedAt:      now,
	}, profile.Version); err != nil {
		return false, err
	}
	version := profile.Version + 1

	total := profile.DataTotalBytes
	if usage.DataTotalBytes > 0 {
		total = usage.DataTotalBytes
	}

	switch {
	case profile.IsExpired(now):
		if err := s.append(ctx, domain.AggregateEsimProfile, profileID, domain.EventEsimExpired, nil, version); err != nil {
			return false, err
		}
	case total > 0 && usage.DataUsedBytes >= total:
		if err := s.append(ctx, domain.AggregateEsimProfile, profileID, domain.EventEsimExhausted, nil, version); err != nil {
			return false, err
		}
	}
	return true, nil
}

// Retry возвращает проваленное задание в pending для повторного прогона.
func (s *Service) Retry(ctx context.Context, jobID string) (domain.SyncJob, error) {
	job, err := s.Get(ctx, jobID)
	if err != nil {
		return domain.SyncJob{}, err
	}
	if !job.CanRetry() {
		return domain.SyncJob{}, domain.ErrSyncJobNotRetryable
	}
	if err := s.append(ctx, domain.AggregateSyncJob, jobID, domain.EventSyncJobRetried, nil, job.Version); err != nil {
		return domain.SyncJob{}, err
	}
	return s.Get(ctx, jobID)
}

// Get восстанавливает задание из лога событий.
func (s *Service) Get(ctx context.Context, jobID string) (domain.SyncJob, error) {
	events, err := s.events.Load(ctx, domain.AggregateSyncJob, jobID)
	if err != nil {
		return domain.SyncJob{}, err
	}
	return domain.ReplaySyncJob(events)
}

func (s *Service) append(ctx context.Context, aggType domain.AggregateType, aggID string, eventType domain.EventType, payload interface{}, expectedVersion int64) error {
	event, err := domain.NewEvent(aggType, aggID, eventType, payload)
	if err != nil {
		return err
	}
	if _, err := s.events.Append(ctx, event, expectedVersion); err != nil {
		return fmt.Errorf("append %s: %w", eventType, err)
	}
	return nil
}
