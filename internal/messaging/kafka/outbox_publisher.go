package kafka

import (
	"encoding/json"

	"github.com/vladislavdragonenkov/orderdesk/internal/domain"
)

// OutboxPublisher выкладывает события workflow в Kafka в виде WorkflowEnvelope.
// Тот же тип пишет dead letters outbox, отличается только topic.
type OutboxPublisher struct {
	producer *Producer
	topic    string
}

// NewOutboxPublisher создаёт паблишер; пустой topic означает TopicWorkflowEvents.
func NewOutboxPublisher(producer *Producer, topic string) *OutboxPublisher {
	if topic == "" {
		topic = TopicWorkflowEvents
	}
	return &OutboxPublisher{producer: producer, topic: topic}
}

// Publish использует id агрегата как ключ записи, поэтому смены статуса одного
// заказа или счёта читаются потребителем по порядку.
func (p *OutboxPublisher) Publish(event domain.OutboxMessage) error {
	if p == nil {
		return errProducerClosed
	}

	key := event.AggregateID
	if key == "" {
		key = event.ID
	}
	envelope := WorkflowEnvelope{
		ID:            event.ID,
		AggregateType: event.AggregateType,
		AggregateID:   event.AggregateID,
		EventType:     event.EventType,
		Payload:       json.RawMessage(event.Payload),
	}
	if p.producer != nil {
		envelope.PublishedAt = p.producer.now().UTC()
	}

	return p.producer.Publish(p.topic, key, envelope, map[string]string{
		HeaderEventType:     event.EventType,
		HeaderAggregateType: event.AggregateType,
	})
}

var _ domain.OutboxPublisher = (*OutboxPublisher)(nil)
