package kafka

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
)

// Topics для Kafka
const (
	TopicWorkflowEvents    = "orderdesk.workflow.events"
	TopicOutboxDeadLetter  = "orderdesk.outbox.dlq"
	TopicEffectsDeadLetter = "orderdesk.effects.dlq"
)

// Заголовки записей. Событиям workflow ставятся тип события и агрегата,
// записям effects DLQ ставятся остальные.
const (
	HeaderEventType     = "x-event-type"
	HeaderAggregateType = "x-aggregate-type"

	HeaderRetryCount   = "x-retry-count"
	HeaderErrorMessage = "x-error-message"
	HeaderFailedAt     = "x-failed-at"
	HeaderEffectKind   = "x-effect-kind"
)

// WorkflowEnvelope: сообщение, которое outbox публикует в TopicWorkflowEvents.
type WorkflowEnvelope struct {
	ID            string          `json:"id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	PublishedAt   time.Time       `json:"published_at"`
}

// ParseWorkflowEnvelope парсит WorkflowEnvelope из сообщения
func ParseWorkflowEnvelope(message *sarama.ConsumerMessage) (*WorkflowEnvelope, error) {
	var envelope WorkflowEnvelope
	if err := json.Unmarshal(message.Value, &envelope); err != nil {
		return nil, fmt.Errorf("failed to unmarshal workflow envelope: %w", err)
	}
	if envelope.EventType == "" {
		return nil, fmt.Errorf("workflow envelope has no event_type")
	}
	return &envelope, nil
}
