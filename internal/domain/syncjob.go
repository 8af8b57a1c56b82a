package domain

import "fmt"

// SyncJobStatus описывает жизненный цикл фонового задания синхронизации.
type SyncJobStatus string

const (
	SyncJobStatusPending   SyncJobStatus = "pending"
	SyncJobStatusRunning   SyncJobStatus = "running"
	SyncJobStatusCompleted SyncJobStatus = "completed"
	SyncJobStatusFailed    SyncJobStatus = "failed"
)

// DefaultSyncJobMaxRetries — лимит повторов sync job по умолчанию.
const DefaultSyncJobMaxRetries = 3

var syncJobTransitions = map[SyncJobStatus]map[SyncJobStatus]bool{
	SyncJobStatusPending: {
		SyncJobStatusRunning: true,
	},
	SyncJobStatusRunning: {
		SyncJobStatusCompleted: true,
		SyncJobStatusFailed:    true,
	},
	SyncJobStatusFailed: {
		// Повторный запуск (ручной или автоматический) возвращает в pending.
		SyncJobStatusPending: true,
	},
}

// CanTransitionTo проверяет легальность перехода статуса задания.
func (s SyncJobStatus) CanTransitionTo(next SyncJobStatus) bool {
	return syncJobTransitions[s][next]
}

// Типы событий лога sync job.
const (
	EventSyncJobCreated    EventType = "sync.created"
	EventSyncJobStarted    EventType = "sync.started"
	EventSyncJobProgressed EventType = "sync.progressed"
	EventSyncJobCompleted  EventType = "sync.completed"
	EventSyncJobFailed     EventType = "sync.failed"
	EventSyncJobRetried    EventType = "sync.retried"
)

// SyncJobCreatedPayload фиксирует параметры задания.
// Времена в epoch-миллисекундах: долгие batch-задания не должны зависеть
// от таймзон при сравнении меток.
type SyncJobCreatedPayload struct {
	Kind       string `json:"kind"`
	ProviderID string `json:"provider_id,omitempty"`
	Total      int64  `json:"total"`
	MaxRetries int    `json:"max_retries,omitempty"`
	CreatedMs  int64  `json:"created_ms"`
}

// SyncJobProgressPayload — дельта обработанных элементов.
type SyncJobProgressPayload struct {
	Processed int64 `json:"processed"`
	Failed    int64 `json:"failed"`
	ReportMs  int64 `json:"report_ms"`
}

// SyncJobFailedPayload — причина провала запуска.
type SyncJobFailedPayload struct {
	Reason   string `json:"reason,omitempty"`
	FailedMs int64  `json:"failed_ms"`
}

// SyncJob — проекция фонового задания синхронизации с провайдером.
// Счётчики прогресса монотонны: progressed-события только увеличивают их.
type SyncJob struct {
	ID         string
	Kind       string
	ProviderID string
	Status     SyncJobStatus

	Total          int64
	ProcessedItems int64
	FailedItems    int64

	RetryCount int
	MaxRetries int

	FailureReason string

	CreatedMs   int64
	StartedMs   int64
	FinishedMs  int64
	UpdatedMs   int64
	Version     int64
}

// Progress возвращает суммарное число обработанных элементов.
func (j SyncJob) Progress() int64 {
	return j.ProcessedItems + j.FailedItems
}

// ProgressPercentage — производная метрика, не хранится.
func (j SyncJob) ProgressPercentage() float64 {
	if j.Total <= 0 {
		return 0
	}
	pct := float64(j.Progress()) / float64(j.Total) * 100
	if pct > 100 {
		return 100
	}
	return pct
}

// SuccessRate — доля успешно обработанных среди обработанных.
func (j SyncJob) SuccessRate() float64 {
	processed := j.Progress()
	if processed == 0 {
		return 0
	}
	return float64(j.ProcessedItems) / float64(processed) * 100
}

// CanRetry разрешает повтор только из failed при неисчерпанном лимите.
func (j SyncJob) CanRetry() bool {
	return j.Status == SyncJobStatusFailed && j.RetryCount < j.MaxRetries
}

// ReplaySyncJob сворачивает события лога в текущее состояние задания.
func ReplaySyncJob(events []Event) (SyncJob, error) {
	if len(events) == 0 {
		return SyncJob{}, ErrAggregateNotFound
	}
	var job SyncJob
	for _, event := range events {
		next, err := applySyncJobEvent(job, event)
		if err != nil {
			return SyncJob{}, fmt.Errorf("apply %s seq=%d: %w", event.Type, event.Seq, err)
		}
		job = next
	}
	return job, nil
}

func applySyncJobEvent(j SyncJob, e Event) (SyncJob, error) {
	ms := e.OccurredAt.UnixMilli()

	switch e.Type {
	case EventSyncJobCreated:
		var p SyncJobCreatedPayload
		if err := e.DecodePayload(&p); err != nil {
			return j, err
		}
		j.ID = e.AggregateID
		j.Kind = p.Kind
		j.ProviderID = p.ProviderID
		j.Total = p.Total
		j.MaxRetries = p.MaxRetries
		if j.MaxRetries <= 0 {
			j.MaxRetries = DefaultSyncJobMaxRetries
		}
		j.Status = SyncJobStatusPending
		j.CreatedMs = p.CreatedMs
		if j.CreatedMs == 0 {
			j.CreatedMs = ms
		}

	case EventSyncJobStarted:
		j.Status = SyncJobStatusRunning
		j.StartedMs = ms

	case EventSyncJobProgressed:
		var p SyncJobProgressPayload
		if err := e.DecodePayload(&p); err != nil {
			return j, err
		}
		j.ProcessedItems += p.Processed
		j.FailedItems += p.Failed

	case EventSyncJobCompleted:
		j.Status = SyncJobStatusCompleted
		j.FinishedMs = ms

	case EventSyncJobFailed:
		var p SyncJobFailedPayload
		if err := e.DecodePayload(&p); err != nil {
			return j, err
		}
		j.Status = SyncJobStatusFailed
		j.FailureReason = p.Reason
		j.FinishedMs = ms

	case EventSyncJobRetried:
		j.Status = SyncJobStatusPending
		j.RetryCount++
		j.FailureReason = ""

	default:
		return j, fmt.Errorf("%w: %s", ErrUnknownEventType, e.Type)
	}

	j.Version = e.Seq
	j.UpdatedMs = ms
	return j, nil
}
