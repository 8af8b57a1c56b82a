package kafka

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/IBM/sarama"

	"github.com/mzaharenkov/esimoms/internal/domain"
)

// notifiableEvents — события, по которым клиент получает уведомление.
// Внутренние переходы (retry_scheduled, admin_review) клиенту не видны.
var notifiableEvents = map[string]bool{
	"order.completed":            true,
	"order.failed":               true,
	"order.cancelled":            true,
	"payment.succeeded":          true,
	"payment.refunded":           true,
	"payment.partially_refunded": true,
	"esim.expired":               true,
	"esim.data_exhausted":        true,
}

// NewNotificationHandler возвращает MessageHandler, который превращает
// опубликованные через outbox события в уведомления клиента.
// Sink вызывается fire-and-forget: его сбой не считается ошибкой
// обработки сообщения и не отправляет сообщение в DLQ.
func NewNotificationHandler(sink domain.NotificationSink) MessageHandler {
	return func(_ context.Context, message *sarama.ConsumerMessage) error {
		envelope, err := ParseEventEnvelope(message)
		if err != nil {
			return fmt.Errorf("notification handler: %w", err)
		}
		if !notifiableEvents[envelope.EventType] {
			return nil
		}

		payload := map[string]interface{}{
			"aggregate_type": envelope.AggregateType,
			"aggregate_id":   envelope.AggregateID,
		}
		var body map[string]interface{}
		if len(envelope.Payload) > 0 {
			if err := json.Unmarshal(envelope.Payload, &body); err == nil {
				for k, v := range body {
					payload[k] = v
				}
			}
		}

		sink.Notify(envelope.EventType, payload)
		return nil
	}
}
