package kafka

import (
	"context"
	"strconv"
	"time"

	"github.com/vladislavdragonenkov/orderdesk/internal/service/effects"
)

// EffectsDeadLetterSink публикует проваленные эффекты в Kafka DLQ topic,
// откуда их забирает cmd/effects-replay.
type EffectsDeadLetterSink struct {
	producer *Producer
	topic    string
}

// NewEffectsDeadLetterSink создаёт sink. Пустой topic означает TopicEffectsDeadLetter.
func NewEffectsDeadLetterSink(producer *Producer, topic string) *EffectsDeadLetterSink {
	if topic == "" {
		topic = TopicEffectsDeadLetter
	}
	return &EffectsDeadLetterSink{
		producer: producer,
		topic:    topic,
	}
}

// DeadLetter публикует запись с ключом по имени эффекта.
func (s *EffectsDeadLetterSink) DeadLetter(_ context.Context, letter effects.DeadLetter) error {
	if s == nil {
		return errProducerClosed
	}

	headers := map[string]string{
		HeaderEffectKind:   string(letter.Kind),
		HeaderRetryCount:   strconv.Itoa(letter.Attempts),
		HeaderErrorMessage: letter.Error,
		HeaderFailedAt:     letter.FailedAt.UTC().Format(time.RFC3339),
	}
	return s.producer.Publish(s.topic, letter.Effect, letter, headers)
}

var _ effects.DeadLetterSink = (*EffectsDeadLetterSink)(nil)
