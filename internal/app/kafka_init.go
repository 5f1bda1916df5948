package app

import (
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/orderdesk/internal/domain"
	"github.com/vladislavdragonenkov/orderdesk/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/orderdesk/internal/service/effects"
)

// messaging — исходящие каналы: публикация outbox и dead-letter эффектов.
type messaging struct {
	producer       *kafka.Producer
	events         domain.OutboxPublisher
	eventsDLQ      domain.OutboxPublisher
	deadLetterSink effects.DeadLetterSink
}

// initKafkaProducer создаёт producer, если brokers не пустой.
// Возвращает nil, nil для пустого списка брокеров.
func initKafkaProducer(brokers []string, logger *log.Entry) (*kafka.Producer, error) {
	if len(brokers) == 0 {
		return nil, nil
	}

	producer, err := kafka.NewProducer(brokers)
	if err != nil {
		logger.WithError(err).Warn("failed to create kafka producer, continuing without kafka")
		return nil, err
	}

	logger.WithField("brokers", brokers).Info("kafka producer initialized")
	return producer, nil
}

// initMessaging подключает Kafka или, если она не настроена, логирующий publisher,
// чтобы outbox не копил pending-сообщения без конца.
func initMessaging(cfg Config, logger *log.Entry) messaging {
	producer, err := initKafkaProducer(cfg.KafkaBrokers, logger)
	if err != nil || producer == nil {
		fallback := logPublisher{logger: logger.WithField("publisher", "log")}
		return messaging{events: fallback}
	}
	return messaging{
		producer:       producer,
		events:         kafka.NewOutboxPublisher(producer, kafka.TopicWorkflowEvents),
		eventsDLQ:      kafka.NewOutboxPublisher(producer, kafka.TopicOutboxDeadLetter),
		deadLetterSink: kafka.NewEffectsDeadLetterSink(producer, kafka.TopicEffectsDeadLetter),
	}
}

// closeKafka закрывает Kafka producer, если он не nil.
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

// logPublisher пишет события workflow в лог, когда брокер не настроен.
type logPublisher struct {
	logger *log.Entry
}

func (p logPublisher) Publish(event domain.OutboxMessage) error {
	p.logger.WithFields(log.Fields{
		"event_id":       event.ID,
		"event_type":     event.EventType,
		"aggregate_type": event.AggregateType,
		"aggregate_id":   event.AggregateID,
	}).Debug("workflow event (kafka disabled)")
	return nil
}
