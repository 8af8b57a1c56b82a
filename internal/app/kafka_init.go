package app

import (
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/mzaharenkov/esimoms/internal/messaging/kafka"
)

// initKafkaProducer поднимает producer, если заданы брокеры.
// Пустой список брокеров — штатный режим без Kafka: сервис работает,
// но события наружу не уходят.
func initKafkaProducer(brokers string, logger *log.Entry) (*kafka.Producer, error) {
	if strings.TrimSpace(brokers) == "" {
		return nil, nil
	}

	brokerList := strings.Split(brokers, ",")
	producer, err := kafka.NewProducer(brokerList)
	if err != nil {
		logger.WithError(err).Warn("kafka producer init failed, continuing without kafka")
		return nil, err
	}

	logger.WithField("brokers", brokerList).Info("kafka producer initialized")
	return producer, nil
}

// closeKafka закрывает producer, если тот был создан.
func closeKafka(producer *kafka.Producer, logger *log.Entry) {
	if producer == nil {
		return
	}

	if err := producer.Close(); err != nil {
		logger.WithError(err).Warn("kafka producer close failed")
		return
	}
	logger.Info("kafka producer closed")
}
