package app

import (
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/foodorders/internal/domain"
	"github.com/vladislavdragonenkov/foodorders/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/foodorders/internal/service/outbox"
)

const kafkaClientID = "foodorders"

// initKafkaProducer подключает producer, если брокеры заданы.
// Возвращает nil, nil при пустом списке брокеров.
func initKafkaProducer(brokers []string, logger *log.Entry) (*kafka.Producer, error) {
	if len(brokers) == 0 {
		return nil, nil
	}

	producer, err := kafka.NewProducer(brokers, kafkaClientID, logger.WithField("component", "kafka-producer"))
	if err != nil {
		logger.WithError(err).Warn("failed to create kafka producer, continuing without kafka")
		return nil, err
	}

	logger.WithField("brokers", brokers).Info("kafka producer initialized")
	return producer, nil
}

// outboxPublishers возвращает основной и DLQ-издатель для outbox worker.
// Без Kafka события только пишутся в лог.
func outboxPublishers(producer *kafka.Producer, topic string, logger *log.Entry) (domain.OutboxPublisher, domain.OutboxPublisher) {
	if producer == nil {
		lp := outbox.LogPublisher{Logger: logger.WithField("component", "outbox-log")}
		return lp, lp
	}
	if topic == "" {
		topic = kafka.TopicOrderNotifications
	}
	return kafka.NewNotificationPublisher(producer, topic), kafka.NewNotificationPublisher(producer, kafka.TopicDeadLetter)
}

// closeKafka закрывает producer, если он был создан.
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
