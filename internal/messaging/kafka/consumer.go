package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"
)

// MessageHandler обрабатывает одно сообщение из Kafka.
type MessageHandler func(ctx context.Context, message *sarama.ConsumerMessage) error

// Consumer читает топики через consumer group. Сообщение, которое
// не удалось обработать после maxRetries попыток, уходит в DLQ,
// если тот настроен; иначе offset не сдвигается и сообщение будет
// перечитано после rebalance.
type Consumer struct {
	group      sarama.ConsumerGroup
	topics     []string
	handle     MessageHandler
	logger     *log.Entry
	wg         sync.WaitGroup
	dlq        *Producer
	maxRetries int
}

func consumerConfig() *sarama.Config {
	config := sarama.NewConfig()
	config.Consumer.Group.Rebalance.Strategy = sarama.NewBalanceStrategyRoundRobin()
	config.Consumer.Offsets.Initial = sarama.OffsetNewest
	config.Consumer.Return.Errors = true
	return config
}

// NewConsumer создаёт consumer без DLQ.
func NewConsumer(brokers []string, groupID string, topics []string, handler MessageHandler) (*Consumer, error) {
	return NewConsumerWithDLQ(brokers, groupID, topics, handler, nil, 3)
}

// NewConsumerWithDLQ создаёт consumer, отводящий неразбираемые
// сообщения в Dead Letter Queue.
func NewConsumerWithDLQ(brokers []string, groupID string, topics []string, handler MessageHandler, dlq *Producer, maxRetries int) (*Consumer, error) {
	group, err := sarama.NewConsumerGroup(brokers, groupID, consumerConfig())
	if err != nil {
		return nil, fmt.Errorf("create kafka consumer group: %w", err)
	}

	return &Consumer{
		group:      group,
		topics:     topics,
		handle:     handler,
		logger:     log.WithField("component", "kafka-consumer"),
		dlq:        dlq,
		maxRetries: maxRetries,
	}, nil
}

// Start запускает чтение в фоне; остановка — через Stop.
func (c *Consumer) Start(ctx context.Context) error {
	c.wg.Add(2)

	go func() {
		defer c.wg.Done()
		// Consume возвращается на каждом rebalance, цикл заходит снова.
		for ctx.Err() == nil {
			if err := c.group.Consume(ctx, c.topics, c); err != nil {
				c.logger.WithError(err).Error("consume loop error")
			}
		}
	}()

	go func() {
		defer c.wg.Done()
		for err := range c.group.Errors() {
			c.logger.WithError(err).Error("consumer group error")
		}
	}()

	c.logger.WithField("topics", c.topics).Info("kafka consumer started")
	return nil
}

// Stop закрывает consumer group и дожидается фоновых горутин.
func (c *Consumer) Stop() error {
	if err := c.group.Close(); err != nil {
		return fmt.Errorf("close kafka consumer group: %w", err)
	}
	c.wg.Wait()
	c.logger.Info("kafka consumer stopped")
	return nil
}

// Setup реализует sarama.ConsumerGroupHandler.
func (c *Consumer) Setup(sarama.ConsumerGroupSession) error { return nil }

// Cleanup реализует sarama.ConsumerGroupHandler.
func (c *Consumer) Cleanup(sarama.ConsumerGroupSession) error { return nil }

// ConsumeClaim читает partition до закрытия канала или конца session.
func (c *Consumer) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case message, ok := <-claim.Messages():
			if !ok || message == nil {
				return nil
			}

			c.logger.WithFields(log.Fields{
				"topic":     message.Topic,
				"partition": message.Partition,
				"offset":    message.Offset,
			}).Debug("message received")

			if err := c.process(session.Context(), message); err != nil {
				// Offset не двигаем: сообщение либо ждёт повторной
				// доставки, либо DLQ не принял его.
				c.logger.WithError(err).WithFields(log.Fields{
					"topic":     message.Topic,
					"partition": message.Partition,
					"offset":    message.Offset,
				}).Error("message processing failed")
				continue
			}
			session.MarkMessage(message, "")

		case <-session.Context().Done():
			return nil
		}
	}
}

// process применяет handler; после исчерпания бюджета повторов
// сообщение уходит в DLQ и считается обработанным.
func (c *Consumer) process(ctx context.Context, message *sarama.ConsumerMessage) error {
	err := c.handle(ctx, message)
	if err == nil {
		return nil
	}

	attempts := retryCountFrom(message)
	if attempts < c.maxRetries {
		c.logger.WithFields(log.Fields{
			"topic":       message.Topic,
			"retry_count": attempts,
			"max_retries": c.maxRetries,
		}).Warn("message processing failed, will retry")
		return err
	}

	if c.dlq == nil {
		return err
	}
	if dlqErr := c.divert(message, err); dlqErr != nil {
		return fmt.Errorf("divert message to dlq: %w", dlqErr)
	}
	c.logger.WithFields(log.Fields{
		"topic":       message.Topic,
		"retry_count": attempts,
	}).Info("message diverted to dlq")
	return nil
}

func retryCountFrom(message *sarama.ConsumerMessage) int {
	for _, header := range message.Headers {
		if string(header.Key) != HeaderRetryCount {
			continue
		}
		if count, err := strconv.Atoi(string(header.Value)); err == nil {
			return count
		}
	}
	return 0
}

func (c *Consumer) divert(message *sarama.ConsumerMessage, cause error) error {
	record := DLQRecord{
		OriginalTopic:     message.Topic,
		OriginalPartition: message.Partition,
		OriginalOffset:    message.Offset,
		OriginalKey:       string(message.Key),
		OriginalValue:     json.RawMessage(message.Value),
		ErrorMessage:      cause.Error(),
		FailedAt:          time.Now().UTC().Format(time.RFC3339),
		RetryCount:        retryCountFrom(message),
	}
	return c.dlq.PublishEvent(TopicDeadLetterQueue, string(message.Key), record)
}

// ParseEventEnvelope разбирает outbox-конверт из тела сообщения.
func ParseEventEnvelope(message *sarama.ConsumerMessage) (*EventEnvelope, error) {
	var envelope EventEnvelope
	if err := json.Unmarshal(message.Value, &envelope); err != nil {
		return nil, fmt.Errorf("unmarshal event envelope: %w", err)
	}
	return &envelope, nil
}

// ParseDLQRecord разбирает запись Dead Letter Queue.
func ParseDLQRecord(message *sarama.ConsumerMessage) (*DLQRecord, error) {
	var record DLQRecord
	if err := json.Unmarshal(message.Value, &record); err != nil {
		return nil, fmt.Errorf("unmarshal dlq record: %w", err)
	}
	return &record, nil
}
