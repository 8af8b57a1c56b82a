package notification

import (
	log "github.com/sirupsen/logrus"

	"github.com/mzaharenkov/esimoms/internal/domain"
)

// LogSink пишет уведомления в структурированный лог.
// Используется как sink по умолчанию, когда внешний канал доставки
// (email/push) не настроен. Notify никогда не возвращает ошибку:
// уведомления fire-and-forget и не влияют на судьбу заказа.
type LogSink struct {
	logger *log.Entry
}

// NewLogSink создаёт лог-sink уведомлений.
func NewLogSink(logger *log.Entry) *LogSink {
	if logger == nil {
		logger = log.WithField("component", "notification")
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Notify(event string, payload map[string]interface{}) {
	fields := log.Fields{"event": event}
	for k, v := range payload {
		fields[k] = v
	}
	s.logger.WithFields(fields).Info("customer notification")
}

var _ domain.NotificationSink = (*LogSink)(nil)
