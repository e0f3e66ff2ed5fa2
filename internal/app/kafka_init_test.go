package app

import (
	"testing"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/foodorders/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/foodorders/internal/service/outbox"
)

func TestInitKafkaProducer_EmptyBrokers(t *testing.T) {
	logger := log.WithField("test", "kafka")

	producer, err := initKafkaProducer(nil, logger)
	if err != nil {
		t.Errorf("expected no error for empty brokers, got %v", err)
	}
	if producer != nil {
		t.Error("expected nil producer for empty brokers")
	}
}

func TestInitKafkaProducer_InvalidBrokers(t *testing.T) {
	logger := log.WithField("test", "kafka")

	producer, err := initKafkaProducer(splitList("invalid-broker:9999, broker2:9092"), logger)
	if err == nil {
		t.Error("expected error for invalid brokers")
	}
	if producer != nil {
		t.Error("expected nil producer on error")
	}
}

func TestCloseKafka_NilProducer(t *testing.T) {
	closeKafka(nil, log.WithField("test", "kafka"))
}

func TestOutboxPublishers_WithoutKafkaLogOnly(t *testing.T) {
	primary, deadLetter := outboxPublishers(nil, "", log.WithField("test", "outbox"))

	if _, ok := primary.(outbox.LogPublisher); !ok {
		t.Fatalf("expected log publisher, got %T", primary)
	}
	if _, ok := deadLetter.(outbox.LogPublisher); !ok {
		t.Fatalf("expected log dead-letter publisher, got %T", deadLetter)
	}
}

func TestOutboxPublishers_WithKafka(t *testing.T) {
	producer := kafka.NewProducerWith(nil, nil)

	primary, deadLetter := outboxPublishers(producer, "custom.topic", log.WithField("test", "outbox"))
	if _, ok := primary.(*kafka.NotificationPublisher); !ok {
		t.Fatalf("expected kafka publisher, got %T", primary)
	}
	if _, ok := deadLetter.(*kafka.NotificationPublisher); !ok {
		t.Fatalf("expected kafka dead-letter publisher, got %T", deadLetter)
	}
}
