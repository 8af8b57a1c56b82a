package kafka

import (
	"encoding/json"
	"time"
)

// Topics для Kafka.
const (
	// TopicOrderEvents — исходящие события заказов (completed, failed, ...).
	TopicOrderEvents = "esimoms.order.events"
	// TopicPaymentEvents — исходящие события платежей.
	TopicPaymentEvents = "esimoms.payment.events"
	// TopicDeadLetterQueue — Dead Letter Queue для failed messages.
	TopicDeadLetterQueue = "esimoms.dlq"
)

// Kafka headers для retry логики.
const (
	HeaderRetryCount    = "x-retry-count"
	HeaderOriginalTopic = "x-original-topic"
	HeaderErrorMessage  = "x-error-message"
	HeaderFailedAt      = "x-failed-at"
)

// EventEnvelope — формат сообщения, публикуемого из transactional outbox.
// Payload остаётся сырым JSON доменного события.
type EventEnvelope struct {
	ID            string          `json:"id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	PublishedAt   time.Time       `json:"published_at"`
}

// DLQRecord — обёртка сообщения, осевшего в Dead Letter Queue.
type DLQRecord struct {
	OriginalTopic     string          `json:"original_topic,omitempty"`
	OriginalPartition int32           `json:"original_partition,omitempty"`
	OriginalOffset    int64           `json:"original_offset,omitempty"`
	OriginalKey       string          `json:"original_key,omitempty"`
	OriginalValue     json.RawMessage `json:"original_value,omitempty"`
	ErrorMessage      string          `json:"error_message,omitempty"`
	FailedAt          string          `json:"failed_at,omitempty"`
	RetryCount        int             `json:"retry_count,omitempty"`
}
