package kafka

import (
	"context"
	"testing"

	"github.com/IBM/sarama"
)

type recordingSink struct {
	events   []string
	payloads []map[string]interface{}
}

func (r *recordingSink) Notify(event string, payload map[string]interface{}) {
	r.events = append(r.events, event)
	r.payloads = append(r.payloads, payload)
}

func TestNotificationHandlerNotifies(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	handler := NewNotificationHandler(sink)

	msg := &sarama.ConsumerMessage{
		Topic: TopicOrderEvents,
		Value: []byte(`{"id":"outbox-1","aggregate_type":"order","aggregate_id":"order-1","event_type":"order.completed","payload":{"esim_profile_id":"esim-1"}}`),
	}
	if err := handler(context.Background(), msg); err != nil {
		t.Fatalf("handler failed: %v", err)
	}

	if len(sink.events) != 1 || sink.events[0] != "order.completed" {
		t.Fatalf("unexpected events: %v", sink.events)
	}
	payload := sink.payloads[0]
	if payload["aggregate_id"] != "order-1" {
		t.Errorf("unexpected aggregate_id: %v", payload["aggregate_id"])
	}
	if payload["esim_profile_id"] != "esim-1" {
		t.Errorf("payload fields should be flattened, got %v", payload)
	}
}

func TestNotificationHandlerSkipsInternalEvents(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	handler := NewNotificationHandler(sink)

	for _, eventType := range []string{"order.retry_scheduled", "order.admin_review", "order.created"} {
		msg := &sarama.ConsumerMessage{
			Topic: TopicOrderEvents,
			Value: []byte(`{"id":"outbox-1","aggregate_type":"order","aggregate_id":"order-1","event_type":"` + eventType + `"}`),
		}
		if err := handler(context.Background(), msg); err != nil {
			t.Fatalf("handler failed for %s: %v", eventType, err)
		}
	}

	if len(sink.events) != 0 {
		t.Fatalf("internal events should not notify, got %v", sink.events)
	}
}

func TestNotificationHandlerBadEnvelope(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	handler := NewNotificationHandler(sink)

	msg := &sarama.ConsumerMessage{Topic: TopicOrderEvents, Value: []byte("{")}
	if err := handler(context.Background(), msg); err == nil {
		t.Fatal("expected parse error")
	}
	if len(sink.events) != 0 {
		t.Fatal("sink should not be called for unparseable message")
	}
}
