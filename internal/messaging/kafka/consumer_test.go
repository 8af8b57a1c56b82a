package kafka

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	log "github.com/sirupsen/logrus"
)

type stubConsumerGroup struct {
	consumeFn func(context.Context, []string, sarama.ConsumerGroupHandler) error
	errorsCh  chan error
	closeFn   func() error
}

func (s *stubConsumerGroup) Consume(ctx context.Context, topics []string, handler sarama.ConsumerGroupHandler) error {
	if s.consumeFn != nil {
		return s.consumeFn(ctx, topics, handler)
	}
	return nil
}

func (s *stubConsumerGroup) Errors() <-chan error { return s.errorsCh }

func (s *stubConsumerGroup) Close() error {
	if s.closeFn != nil {
		return s.closeFn()
	}
	if s.errorsCh != nil {
		close(s.errorsCh)
	}
	return nil
}

func (s *stubConsumerGroup) Pause(map[string][]int32)  {}
func (s *stubConsumerGroup) Resume(map[string][]int32) {}
func (s *stubConsumerGroup) PauseAll()                 {}
func (s *stubConsumerGroup) ResumeAll()                {}

type stubSession struct {
	ctx    context.Context
	marked []*sarama.ConsumerMessage
}

func (s *stubSession) Claims() map[string][]int32               { return nil }
func (s *stubSession) MemberID() string                         { return "member" }
func (s *stubSession) GenerationID() int32                      { return 1 }
func (s *stubSession) MarkOffset(string, int32, int64, string)  {}
func (s *stubSession) Commit()                                  {}
func (s *stubSession) ResetOffset(string, int32, int64, string) {}
func (s *stubSession) Context() context.Context                 { return s.ctx }
func (s *stubSession) MarkMessage(msg *sarama.ConsumerMessage, _ string) {
	s.marked = append(s.marked, msg)
}

type stubClaim struct {
	messages chan *sarama.ConsumerMessage
}

func (s *stubClaim) Topic() string                            { return TopicOrderEvents }
func (s *stubClaim) Partition() int32                         { return 0 }
func (s *stubClaim) InitialOffset() int64                     { return 0 }
func (s *stubClaim) HighWaterMarkOffset() int64               { return 0 }
func (s *stubClaim) Messages() <-chan *sarama.ConsumerMessage { return s.messages }

// claimOf строит claim с уже закрытым каналом из переданных сообщений.
func claimOf(messages ...*sarama.ConsumerMessage) *stubClaim {
	claim := &stubClaim{messages: make(chan *sarama.ConsumerMessage, len(messages))}
	for _, msg := range messages {
		claim.messages <- msg
	}
	close(claim.messages)
	return claim
}

// orderMessage строит сообщение топика заказов с retry_count в заголовке.
func orderMessage(retries int) *sarama.ConsumerMessage {
	msg := &sarama.ConsumerMessage{
		Topic: TopicOrderEvents,
		Key:   []byte("order-1"),
		Value: []byte("{}"),
	}
	if retries > 0 {
		msg.Headers = []*sarama.RecordHeader{{
			Key:   []byte(HeaderRetryCount),
			Value: []byte(strconv.Itoa(retries)),
		}}
	}
	return msg
}

func passAll(context.Context, *sarama.ConsumerMessage) error { return nil }

func TestNewConsumer_BadBrokers(t *testing.T) {
	if _, err := NewConsumer([]string{"invalid-broker:9092"}, "group", []string{"topic"}, passAll); err == nil {
		t.Fatal("expected broker connection error")
	}
	if _, err := NewConsumerWithDLQ([]string{"invalid-broker:9092"}, "group", []string{"topic"}, passAll, nil, 3); err == nil {
		t.Fatal("expected broker connection error")
	}
}

func TestConsumer_StartStop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errorsCh := make(chan error, 1)
	consumed := make(chan struct{}, 1)
	group := &stubConsumerGroup{
		errorsCh: errorsCh,
		consumeFn: func(context.Context, []string, sarama.ConsumerGroupHandler) error {
			select {
			case consumed <- struct{}{}:
			default:
			}
			cancel()
			return nil
		},
		closeFn: func() error {
			close(errorsCh)
			return nil
		},
	}

	consumer := &Consumer{
		group:      group,
		topics:     []string{TopicOrderEvents},
		handle:     passAll,
		logger:     log.WithField("test", "consumer"),
		maxRetries: 2,
	}

	errorsCh <- errors.New("background error")
	if err := consumer.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	select {
	case <-consumed:
	case <-time.After(time.Second):
		t.Fatal("consume loop never ran")
	}
	if err := consumer.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestConsumer_StopError(t *testing.T) {
	errorsCh := make(chan error)
	group := &stubConsumerGroup{
		errorsCh: errorsCh,
		closeFn: func() error {
			close(errorsCh)
			return errors.New("close failed")
		},
	}
	consumer := &Consumer{group: group, logger: log.WithField("test", "stop")}
	if err := consumer.Stop(); err == nil {
		t.Fatal("expected close error")
	}
}

func TestConsumer_SetupCleanup(t *testing.T) {
	consumer := &Consumer{}
	if err := consumer.Setup(nil); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if err := consumer.Cleanup(nil); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
}

func TestConsumeClaim_MarksHandledMessages(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	consumer := &Consumer{handle: passAll, logger: log.WithField("test", "claim")}
	session := &stubSession{ctx: ctx}

	if err := consumer.ConsumeClaim(session, claimOf(orderMessage(0))); err != nil {
		t.Fatalf("ConsumeClaim: %v", err)
	}
	if len(session.marked) != 1 {
		t.Fatalf("marked = %d, want 1", len(session.marked))
	}
}

func TestConsumeClaim_DoesNotMarkFailedMessage(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	consumer := &Consumer{
		handle:     func(context.Context, *sarama.ConsumerMessage) error { return errors.New("failed") },
		logger:     log.WithField("test", "claim-fail"),
		maxRetries: 1,
	}
	session := &stubSession{ctx: ctx}

	if err := consumer.ConsumeClaim(session, claimOf(orderMessage(0))); err != nil {
		t.Fatalf("ConsumeClaim: %v", err)
	}
	if len(session.marked) != 0 {
		t.Fatalf("failed message must not be marked, marked = %d", len(session.marked))
	}
}

func TestConsumeClaim_StopsOnSessionEnd(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	consumer := &Consumer{handle: passAll, logger: log.WithField("test", "claim-stop"), maxRetries: 1}
	session := &stubSession{ctx: ctx}
	claim := &stubClaim{messages: make(chan *sarama.ConsumerMessage)}

	done := make(chan struct{})
	go func() {
		_ = consumer.ConsumeClaim(session, claim)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("ConsumeClaim did not stop after session context cancellation")
	}
}

func TestProcess(t *testing.T) {
	permanent := errors.New("permanent")

	tests := []struct {
		name       string
		handlerErr error
		retries    int
		dlq        func(t *testing.T) *Producer
		wantErr    bool
	}{
		{
			name: "handler succeeds",
		},
		{
			name:       "failure below retry budget is returned for redelivery",
			handlerErr: permanent,
			retries:    1,
			wantErr:    true,
		},
		{
			name:       "budget exhausted without dlq",
			handlerErr: permanent,
			retries:    3,
			wantErr:    true,
		},
		{
			name:       "budget exhausted, diverted to dlq",
			handlerErr: permanent,
			retries:    3,
			dlq: func(t *testing.T) *Producer {
				mock := mocks.NewSyncProducer(t, nil)
				mock.ExpectSendMessageAndSucceed()
				t.Cleanup(func() { _ = mock.Close() })
				return &Producer{producer: mock, logger: log.WithField("test", "dlq")}
			},
		},
		{
			name:       "dlq publish fails",
			handlerErr: permanent,
			retries:    3,
			dlq: func(t *testing.T) *Producer {
				mock := mocks.NewSyncProducer(t, nil)
				mock.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)
				t.Cleanup(func() { _ = mock.Close() })
				return &Producer{producer: mock, logger: log.WithField("test", "dlq")}
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			consumer := &Consumer{
				handle:     func(context.Context, *sarama.ConsumerMessage) error { return tt.handlerErr },
				logger:     log.WithField("test", "process"),
				maxRetries: 3,
			}
			if tt.dlq != nil {
				consumer.dlq = tt.dlq(t)
			}

			err := consumer.process(context.Background(), orderMessage(tt.retries))
			if tt.wantErr && err == nil {
				t.Fatal("expected error")
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("process: %v", err)
			}
		})
	}
}

func TestRetryCountFrom(t *testing.T) {
	if got := retryCountFrom(orderMessage(5)); got != 5 {
		t.Errorf("retryCountFrom = %d, want 5", got)
	}
	if got := retryCountFrom(orderMessage(0)); got != 0 {
		t.Errorf("retryCountFrom without header = %d, want 0", got)
	}

	bad := &sarama.ConsumerMessage{
		Headers: []*sarama.RecordHeader{{Key: []byte(HeaderRetryCount), Value: []byte("bad")}},
	}
	if got := retryCountFrom(bad); got != 0 {
		t.Errorf("retryCountFrom with bad header = %d, want 0", got)
	}
}

func TestParseEventEnvelope(t *testing.T) {
	raw := `{"id":"outbox-1","aggregate_type":"order","aggregate_id":"order-1","event_type":"order.completed","payload":{"esim_profile_id":"esim-1"}}`
	envelope, err := ParseEventEnvelope(&sarama.ConsumerMessage{Value: []byte(raw)})
	if err != nil {
		t.Fatalf("ParseEventEnvelope: %v", err)
	}
	if envelope.EventType != "order.completed" || envelope.AggregateID != "order-1" {
		t.Fatalf("envelope = %+v", envelope)
	}

	if _, err := ParseEventEnvelope(&sarama.ConsumerMessage{Value: []byte("{")}); err == nil {
		t.Fatal("expected unmarshal error")
	}
}

func TestParseDLQRecord(t *testing.T) {
	raw := `{"original_topic":"esimoms.order.events","retry_count":3,"error_message":"boom"}`
	record, err := ParseDLQRecord(&sarama.ConsumerMessage{Value: []byte(raw)})
	if err != nil {
		t.Fatalf("ParseDLQRecord: %v", err)
	}
	if record.OriginalTopic != TopicOrderEvents || record.RetryCount != 3 {
		t.Fatalf("record = %+v", record)
	}

	if _, err := ParseDLQRecord(&sarama.ConsumerMessage{Value: []byte("{")}); err == nil {
		t.Fatal("expected unmarshal error")
	}
}

func TestDivert_CarriesOriginalMessage(t *testing.T) {
	mock := mocks.NewSyncProducer(t, nil)
	mock.ExpectSendMessageAndSucceed()
	defer func() {
		if err := mock.Close(); err != nil {
			t.Fatal(err)
		}
	}()

	consumer := &Consumer{
		dlq:    &Producer{producer: mock, logger: log.WithField("test", "dlq")},
		logger: log.WithField("test", "divert"),
	}

	msg := &sarama.ConsumerMessage{
		Topic:     TopicOrderEvents,
		Partition: 1,
		Offset:    42,
		Key:       []byte("order-1"),
		Value:     []byte(`{"a":1}`),
	}
	if err := consumer.divert(msg, errors.New("boom")); err != nil {
		t.Fatalf("divert: %v", err)
	}
}
