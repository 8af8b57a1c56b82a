package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"

	"github.com/mzaharenkov/esimoms/internal/messaging/kafka"
)

// Утилита переигрывает сообщения из DLQ обратно в рабочие topics.
// По умолчанию работает в dry-run: показывает кандидатов, ничего не шлёт.

const (
	defaultScanLimit   = 100
	defaultIdleTimeout = 2 * time.Second
)

type options struct {
	brokers     []string
	sourceTopic string
	targetTopic string
	limit       int
	execute     bool
	fromNewest  bool
	idleTimeout time.Duration
}

// candidate — сообщение, готовое к повторной публикации.
type candidate struct {
	topic string
	key   string
	value []byte
}

// tally — счётчики одного прогона.
type tally struct {
	seen     int
	requeued int
	skipped  int
}

func (t *tally) add(other tally) {
	t.seen += other.seen
	t.requeued += other.requeued
	t.skipped += other.skipped
}

// В DLQ оседают записи двух форматов. Consumer кладёт kafka.DLQRecord
// с оригинальным сообщением внутри; outbox-воркер кладёт envelope,
// у которого payload — это описание неотправленной outbox-записи.

type consumerRecord struct {
	OriginalTopic string          `json:"original_topic"`
	OriginalKey   string          `json:"original_key"`
	OriginalValue json.RawMessage `json:"original_value"`
}

type outboxRecord struct {
	ID            string          `json:"id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
}

type outboxFailure struct {
	OutboxID      string          `json:"outbox_id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
}

type requeueEnvelope struct {
	ID            string          `json:"id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	PublishedAt   time.Time       `json:"published_at"`
}

// Интерфейсы-прослойки над sarama, чтобы переигрывание тестировалось
// без живого брокера.

type offsetReader interface {
	GetOffset(topic string, partition int32, time int64) (int64, error)
	Partitions(topic string) ([]int32, error)
	Close() error
}

type partitionStream interface {
	Messages() <-chan *sarama.ConsumerMessage
	Errors() <-chan *sarama.ConsumerError
	Close() error
}

type partitionSource interface {
	ConsumePartition(topic string, partition int32, offset int64) (partitionStream, error)
	Close() error
}

type messageSender interface {
	SendMessage(msg *sarama.ProducerMessage) (partition int32, offset int64, err error)
	Close() error
}

type consumerSource struct {
	consumer sarama.Consumer
}

func (s consumerSource) ConsumePartition(topic string, partition int32, offset int64) (partitionStream, error) {
	stream, err := s.consumer.ConsumePartition(topic, partition, offset)
	if err != nil {
		return nil, err
	}
	return stream, nil
}

func (s consumerSource) Close() error {
	if s.consumer == nil {
		return nil
	}
	return s.consumer.Close()
}

// openKafkaFor подменяется в тестах.
var openKafkaFor = func(opts options) (offsetReader, partitionSource, messageSender, error) {
	clientCfg := sarama.NewConfig()
	clientCfg.Consumer.Return.Errors = true

	client, err := sarama.NewClient(opts.brokers, clientCfg)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("kafka client: %w", err)
	}

	rawConsumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, nil, nil, fmt.Errorf("kafka consumer: %w", err)
	}
	source := consumerSource{consumer: rawConsumer}

	// В dry-run producer не нужен вовсе.
	if !opts.execute {
		return client, source, nil, nil
	}

	producerCfg := sarama.NewConfig()
	producerCfg.Producer.RequiredAcks = sarama.WaitForAll
	producerCfg.Producer.Retry.Max = 5
	producerCfg.Producer.Return.Successes = true
	producerCfg.Producer.Compression = sarama.CompressionSnappy
	producerCfg.Producer.Idempotent = true
	producerCfg.Net.MaxOpenRequests = 1

	producer, err := sarama.NewSyncProducer(opts.brokers, producerCfg)
	if err != nil {
		_ = source.Close()
		_ = client.Close()
		return nil, nil, nil, fmt.Errorf("kafka producer: %w", err)
	}

	return client, source, producer, nil
}

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	log.SetLevel(log.InfoLevel)

	opts, err := readOptions()
	if err != nil {
		fail("%v", err)
	}

	if err := run(context.Background(), opts); err != nil {
		fail("dlq replay failed: %v", err)
	}
}

func readOptions() (options, error) {
	var (
		brokersRaw string
		opts       options
	)

	flag.StringVar(&brokersRaw, "brokers", "", "Kafka brokers as comma-separated list (fallback: ESIMOMS_KAFKA_BROKERS)")
	flag.StringVar(&opts.sourceTopic, "source-topic", kafka.TopicDeadLetterQueue, "DLQ source topic")
	flag.StringVar(&opts.targetTopic, "target-topic", kafka.TopicOrderEvents, "target topic for replayed outbox records")
	flag.IntVar(&opts.limit, "limit", defaultScanLimit, "max number of DLQ messages to scan")
	flag.BoolVar(&opts.execute, "execute", false, "actually publish; default is dry-run")
	flag.BoolVar(&opts.fromNewest, "from-newest", false, "scan the tail of the topic instead of the head")
	flag.DurationVar(&opts.idleTimeout, "idle-timeout", defaultIdleTimeout, "stop scanning a partition after this much silence")
	flag.Parse()

	if strings.TrimSpace(brokersRaw) == "" {
		brokersRaw = os.Getenv("ESIMOMS_KAFKA_BROKERS")
	}

	opts.brokers = splitBrokers(brokersRaw)
	switch {
	case len(opts.brokers) == 0:
		return options{}, fmt.Errorf("kafka brokers are required (-brokers or ESIMOMS_KAFKA_BROKERS)")
	case strings.TrimSpace(opts.sourceTopic) == "":
		return options{}, fmt.Errorf("source-topic is required")
	case strings.TrimSpace(opts.targetTopic) == "":
		return options{}, fmt.Errorf("target-topic is required")
	case opts.limit <= 0:
		return options{}, fmt.Errorf("limit must be > 0")
	case opts.idleTimeout <= 0:
		return options{}, fmt.Errorf("idle-timeout must be > 0")
	}

	return opts, nil
}

func splitBrokers(raw string) []string {
	var brokers []string
	for _, chunk := range strings.Split(raw, ",") {
		if broker := strings.TrimSpace(chunk); broker != "" {
			brokers = append(brokers, broker)
		}
	}
	return brokers
}

func run(ctx context.Context, opts options) error {
	offsets, source, sender, err := openKafkaFor(opts)
	if err != nil {
		return err
	}
	defer func() {
		if sender != nil {
			_ = sender.Close()
		}
		if source != nil {
			_ = source.Close()
		}
		if offsets != nil {
			_ = offsets.Close()
		}
	}()

	r := &replayer{
		opts:    opts,
		offsets: offsets,
		source:  source,
		sender:  sender,
		logger:  log.WithField("component", "dlq-reprocess"),
	}
	return r.run(ctx)
}

// replayer обходит partitions source topic'а и переигрывает записи.
type replayer struct {
	opts    options
	offsets offsetReader
	source  partitionSource
	sender  messageSender
	logger  *log.Entry
}

func (r *replayer) run(ctx context.Context) error {
	if r.offsets == nil || r.source == nil {
		return fmt.Errorf("kafka client and consumer are required")
	}
	if r.opts.execute && r.sender == nil {
		return fmt.Errorf("producer is required in execute mode")
	}

	mode := "dry-run"
	if r.opts.execute {
		mode = "execute"
	}
	r.logger.WithFields(log.Fields{
		"mode":         mode,
		"source_topic": r.opts.sourceTopic,
		"target_topic": r.opts.targetTopic,
		"limit":        r.opts.limit,
		"from_newest":  r.opts.fromNewest,
	}).Info("dlq replay started")

	partitions, err := r.offsets.Partitions(r.opts.sourceTopic)
	if err != nil {
		return fmt.Errorf("partitions of %s: %w", r.opts.sourceTopic, err)
	}
	if len(partitions) == 0 {
		r.logger.WithField("topic", r.opts.sourceTopic).Warn("source topic has no partitions")
		return nil
	}
	sort.Slice(partitions, func(i, j int) bool { return partitions[i] < partitions[j] })

	var total tally
	for _, partition := range partitions {
		remaining := r.opts.limit - total.seen
		if remaining <= 0 {
			break
		}
		part, err := r.scanPartition(ctx, partition, remaining)
		total.add(part)
		if err != nil {
			return err
		}
	}

	r.logger.WithFields(log.Fields{
		"mode":     mode,
		"seen":     total.seen,
		"requeued": total.requeued,
		"skipped":  total.skipped,
	}).Info("dlq replay finished")

	return nil
}

func (r *replayer) scanPartition(ctx context.Context, partition int32, limit int) (tally, error) {
	var stats tally

	oldest, err := r.offsets.GetOffset(r.opts.sourceTopic, partition, sarama.OffsetOldest)
	if err != nil {
		return stats, fmt.Errorf("oldest offset of partition %d: %w", partition, err)
	}
	newest, err := r.offsets.GetOffset(r.opts.sourceTopic, partition, sarama.OffsetNewest)
	if err != nil {
		return stats, fmt.Errorf("newest offset of partition %d: %w", partition, err)
	}
	if newest <= oldest {
		return stats, nil
	}

	start := oldest
	if r.opts.fromNewest {
		if start = newest - int64(limit); start < oldest {
			start = oldest
		}
	}

	stream, err := r.source.ConsumePartition(r.opts.sourceTopic, partition, start)
	if err != nil {
		return stats, fmt.Errorf("consume partition %d: %w", partition, err)
	}
	defer func() { _ = stream.Close() }()

	idle := time.NewTimer(r.opts.idleTimeout)
	defer idle.Stop()

	for stats.seen < limit {
		select {
		case <-ctx.Done():
			return stats, ctx.Err()
		case streamErr := <-stream.Errors():
			if streamErr != nil {
				return stats, fmt.Errorf("partition %d: %w", partition, streamErr)
			}
		case msg, ok := <-stream.Messages():
			if !ok || msg == nil {
				return stats, nil
			}
			resetTimer(idle, r.opts.idleTimeout)

			// newest — граница на момент старта; всё, что пришло позже,
			// не трогаем, иначе прогон не завершится на живом topic'е.
			if msg.Offset >= newest {
				return stats, nil
			}
			stats.seen++

			cand, ok, err := r.decode(msg)
			if err != nil {
				stats.skipped++
				r.logger.WithError(err).WithFields(log.Fields{
					"partition": msg.Partition,
					"offset":    msg.Offset,
				}).Warn("skip undecodable dlq message")
			} else if !ok {
				stats.skipped++
			} else if r.opts.execute {
				if err := r.publish(cand); err != nil {
					return stats, fmt.Errorf("requeue message: %w", err)
				}
				stats.requeued++
			} else {
				r.logger.WithFields(log.Fields{
					"partition":    msg.Partition,
					"offset":       msg.Offset,
					"target_topic": cand.topic,
					"key":          cand.key,
				}).Info("dlq replay candidate")
				stats.requeued++
			}

			if msg.Offset+1 >= newest {
				return stats, nil
			}
		case <-idle.C:
			return stats, nil
		}
	}

	return stats, nil
}

// decode распознаёт формат DLQ-записи и собирает сообщение для повтора.
func (r *replayer) decode(msg *sarama.ConsumerMessage) (candidate, bool, error) {
	// Формат consumer'а: оригинал возвращается в свой topic как есть.
	var rec consumerRecord
	if err := json.Unmarshal(msg.Value, &rec); err == nil && len(rec.OriginalValue) > 0 {
		topic := strings.TrimSpace(rec.OriginalTopic)
		if topic == "" {
			topic = r.opts.targetTopic
		}
		return candidate{topic: topic, key: rec.OriginalKey, value: []byte(rec.OriginalValue)}, true, nil
	}

	// Формат outbox-воркера: пересобираем envelope из вложенного payload.
	var rec2 outboxRecord
	if err := json.Unmarshal(msg.Value, &rec2); err != nil || len(rec2.Payload) == 0 {
		return candidate{}, false, nil
	}

	var failure outboxFailure
	if err := json.Unmarshal(rec2.Payload, &failure); err != nil {
		return candidate{}, false, fmt.Errorf("decode outbox dlq payload: %w", err)
	}
	if len(failure.Payload) == 0 {
		return candidate{}, false, fmt.Errorf("outbox dlq payload has no original event payload")
	}

	envelope := requeueEnvelope{
		ID:            coalesce(failure.OutboxID, rec2.ID),
		AggregateType: coalesce(failure.AggregateType, rec2.AggregateType),
		AggregateID:   coalesce(failure.AggregateID, rec2.AggregateID),
		EventType:     coalesce(failure.EventType, rec2.EventType),
		Payload:       failure.Payload,
		PublishedAt:   time.Now().UTC(),
	}
	encoded, err := json.Marshal(envelope)
	if err != nil {
		return candidate{}, false, fmt.Errorf("encode requeue envelope: %w", err)
	}

	key := envelope.AggregateID
	if key == "" {
		key = envelope.ID
	}
	return candidate{topic: r.opts.targetTopic, key: key, value: encoded}, true, nil
}

func (r *replayer) publish(cand candidate) error {
	if r.sender == nil {
		return fmt.Errorf("producer is nil")
	}
	_, _, err := r.sender.SendMessage(&sarama.ProducerMessage{
		Topic:     cand.topic,
		Key:       sarama.StringEncoder(cand.key),
		Value:     sarama.ByteEncoder(cand.value),
		Timestamp: time.Now().UTC(),
	})
	return err
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

func coalesce(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

func fail(format string, args ...any) {
	_, _ = fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
