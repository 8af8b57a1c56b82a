package kafka

import (
	"testing"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	log "github.com/sirupsen/logrus"

	"github.com/mzaharenkov/esimoms/internal/domain"
)

func TestOutboxPublisher_Publish(t *testing.T) {
	t.Parallel()

	mockProducer := mocks.NewSyncProducer(t, nil)
	mockProducer.ExpectSendMessageAndSucceed()

	producer := &Producer{
		producer: mockProducer,
		logger:   log.WithField("component", "kafka-outbox-publisher-test"),
	}
	publisher := NewOutboxPublisher(producer, TopicOrderEvents)

	err := publisher.Publish(domain.OutboxMessage{
		ID:            "outbox-1",
		AggregateType: string(domain.AggregateOrder),
		AggregateID:   "order-123",
		EventType:     "order.completed",
		Payload:       []byte(`{"esim_profile_id":"esim-1"}`),
	})
	if err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	if err := mockProducer.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestOutboxPublisher_PublishProducerError(t *testing.T) {
	t.Parallel()

	mockProducer := mocks.NewSyncProducer(t, nil)
	mockProducer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	producer := &Producer{
		producer: mockProducer,
		logger:   log.WithField("component", "kafka-outbox-publisher-test"),
	}
	publisher := NewOutboxPublisher(producer, TopicOrderEvents)

	err := publisher.Publish(domain.OutboxMessage{
		ID:            "outbox-2",
		AggregateType: string(domain.AggregateOrder),
		AggregateID:   "order-234",
		EventType:     "order.failed",
		Payload:       []byte(`{"failure_code":"RETRIES_EXHAUSTED"}`),
	})
	if err == nil {
		t.Fatal("expected publish error, got nil")
	}

	if err := mockProducer.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestOutboxPublisher_PublishNilProducer(t *testing.T) {
	t.Parallel()

	publisher := NewOutboxPublisher(nil, TopicOrderEvents)
	if err := publisher.Publish(domain.OutboxMessage{ID: "outbox-3"}); err == nil {
		t.Fatal("expected error for nil producer")
	}
}

func TestOutboxPublisher_TopicRouting(t *testing.T) {
	t.Parallel()

	publisher := &OutboxTopicPublisher{}

	tests := []struct {
		name  string
		event domain.OutboxMessage
		want  string
	}{
		{
			name:  "order event",
			event: domain.OutboxMessage{AggregateType: string(domain.AggregateOrder), EventType: "order.completed"},
			want:  TopicOrderEvents,
		},
		{
			name:  "payment aggregate",
			event: domain.OutboxMessage{AggregateType: string(domain.AggregatePayment), EventType: "payment.succeeded"},
			want:  TopicPaymentEvents,
		},
		{
			name:  "payment event type prefix",
			event: domain.OutboxMessage{AggregateType: string(domain.AggregateOrder), EventType: "payment.refunded"},
			want:  TopicPaymentEvents,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := publisher.topicFor(tt.event); got != tt.want {
				t.Errorf("unexpected topic: got=%s want=%s", got, tt.want)
			}
		})
	}

	fixed := &OutboxTopicPublisher{topic: "esimoms.custom"}
	if got := fixed.topicFor(domain.OutboxMessage{AggregateType: string(domain.AggregatePayment)}); got != "esimoms.custom" {
		t.Errorf("explicit topic should win, got %s", got)
	}
}
