package kafka

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mzaharenkov/esimoms/internal/domain"
)

// OutboxTopicPublisher публикует outbox-сообщения в Kafka.
// Topic выбирается по типу агрегата: события платежей уходят в свой
// topic, всё остальное — в order events. Ключ партиционирования —
// aggregate id, чтобы события одного заказа сохраняли порядок.
type OutboxTopicPublisher struct {
	producer *Producer
	topic    string
}

// NewOutboxPublisher создаёт Kafka-паблишер для transactional outbox.
// Пустой topic означает выбор по типу агрегата.
func NewOutboxPublisher(producer *Producer, topic string) domain.OutboxPublisher {
	return &OutboxTopicPublisher{
		producer: producer,
		topic:    topic,
	}
}

func (p *OutboxTopicPublisher) Publish(event domain.OutboxMessage) error {
	if p == nil || p.producer == nil {
		return fmt.Errorf("kafka outbox publisher is not initialized")
	}

	key := event.AggregateID
	if key == "" {
		key = event.ID
	}

	envelope := EventEnvelope{
		ID:            event.ID,
		AggregateType: event.AggregateType,
		AggregateID:   event.AggregateID,
		EventType:     event.EventType,
		Payload:       json.RawMessage(event.Payload),
		PublishedAt:   time.Now().UTC(),
	}

	return p.producer.PublishEvent(p.topicFor(event), key, envelope)
}

func (p *OutboxTopicPublisher) topicFor(event domain.OutboxMessage) string {
	if p.topic != "" {
		return p.topic
	}
	if event.AggregateType == string(domain.AggregatePayment) ||
		strings.HasPrefix(event.EventType, "payment.") {
		return TopicPaymentEvents
	}
	return TopicOrderEvents
}

var _ domain.OutboxPublisher = (*OutboxTopicPublisher)(nil)
