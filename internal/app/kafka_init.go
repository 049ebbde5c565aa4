package app

import (
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/settlement/internal/messaging/kafka"
)

// initKafkaProducer инициализирует Kafka producer если brokers не пустой.
// Возвращает nil, nil если brokers пустой.
func initKafkaProducer(brokers []string, logger *log.Entry) (*kafka.Producer, error) {
	if len(brokers) == 0 {
		return nil, nil
	}

	producer, err := kafka.NewProducer(brokers)
	if err != nil {
		logger.WithError(err).Warn("failed to create kafka producer, continuing without settlement worker")
		return nil, err
	}

	logger.WithField("brokers", brokers).Info("kafka producer initialized")
	return producer, nil
}

// initSettlementWorker собирает consumer topic settlement.requests. Результаты
// и DLQ публикуются через один producer.
func initSettlementWorker(cfg Config, settler kafka.Settler, producer *kafka.Producer, logger *log.Entry) (*kafka.Consumer, error) {
	publisher := kafka.NewResultPublisher(producer, kafka.TopicSettlementResults)
	handler := kafka.NewSettlementHandler(settler, publisher, logger.WithField("component", "settlement-worker"))

	consumer, err := kafka.NewConsumerWithDLQ(kafka.ConsumerConfig{
		Brokers:    cfg.KafkaBrokers,
		GroupID:    cfg.KafkaGroupID,
		Topics:     []string{kafka.TopicSettlementRequests},
		MaxRetries: cfg.KafkaMaxRetries,
		RetryDelay: cfg.KafkaRetryDelay,
		DLQTopic:   kafka.TopicDeadLetterQueue,
	}, handler, producer)
	if err != nil {
		return nil, err
	}
	return consumer, nil
}

// closeKafka закрывает Kafka producer если он не nil.
func closeKafka(producer *kafka.Producer, logger *log.Entry) {
	if producer == nil {
		return
	}

	if err := producer.Close(); err != nil {
		logger.WithError(err).Warn("failed to close kafka producer")
	} else {
		logger.Info("kafka producer closed")
	}
}
