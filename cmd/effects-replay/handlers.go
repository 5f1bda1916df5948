package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/orderdesk/internal/domain"
	"github.com/vladislavdragonenkov/orderdesk/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/orderdesk/internal/service/effects"
	"github.com/vladislavdragonenkov/orderdesk/internal/service/notify"
	"github.com/vladislavdragonenkov/orderdesk/internal/service/outbox"
)

// effectApplier повторяет проваленный эффект на постоянном хранилище.
type effectApplier interface {
	Notify(ctx context.Context, alert notify.Alert) (int, error)
	AppendComment(ctx context.Context, comment domain.Comment) error
	RecordEvent(ctx context.Context, aggregateType string, event outbox.WorkflowEvent) error
}

// effectsReplay повторяет эффекты из TopicEffectsDeadLetter. Изменения для realtime
// не повторяются: подписчики получают только живые события.
type effectsReplay struct {
	applier effectApplier
}

// effectAction — разобранный эффект: поля для лога и действие, повторяющее его.
type effectAction struct {
	fields log.Fields
	apply  func(ctx context.Context, applier effectApplier) (log.Fields, error)
}

func (h effectsReplay) Handle(ctx context.Context, msg *sarama.ConsumerMessage, execute bool) (bool, error) {
	var letter effects.DeadLetter
	if err := json.Unmarshal(msg.Value, &letter); err != nil {
		return false, errSkip{fmt.Errorf("decode dead letter: %w", err)}
	}
	if letter.Effect == "" || len(letter.Payload) == 0 {
		return false, errSkip{errors.New("dead letter has no effect payload")}
	}

	logger := log.WithFields(log.Fields{
		"effect":    letter.Effect,
		"kind":      letter.Kind,
		"attempts":  letter.Attempts,
		"partition": msg.Partition,
		"offset":    msg.Offset,
	})

	action, err := decodeEffect(letter)
	switch {
	case err != nil:
		return false, errSkip{err}
	case action == nil:
		logger.Debug("effect kind is not replayable")
		return false, nil
	}

	logger = logger.WithFields(action.fields)
	if !execute {
		logger.Info("effect replay candidate")
		return true, nil
	}
	if h.applier == nil {
		return false, errors.New("effect applier is required in execute mode")
	}
	result, err := action.apply(ctx, h.applier)
	if err != nil {
		return false, err
	}
	logger.WithFields(result).Info("effect replayed")
	return true, nil
}

// decodeEffect разбирает payload по виду эффекта; nil без ошибки — вид не повторяется.
func decodeEffect(letter effects.DeadLetter) (*effectAction, error) {
	switch letter.Kind {
	case effects.KindNotification:
		var alert notify.Alert
		if err := json.Unmarshal(letter.Payload, &alert); err != nil {
			return nil, fmt.Errorf("decode alert: %w", err)
		}
		return &effectAction{
			fields: log.Fields{"recipients": len(alert.Recipients)},
			apply: func(ctx context.Context, applier effectApplier) (log.Fields, error) {
				written, err := applier.Notify(ctx, alert)
				return log.Fields{"notifications": written}, err
			},
		}, nil

	case effects.KindAuditComment:
		var comment domain.Comment
		if err := json.Unmarshal(letter.Payload, &comment); err != nil {
			return nil, fmt.Errorf("decode comment: %w", err)
		}
		return &effectAction{
			fields: log.Fields{"order_id": comment.OrderID},
			apply: func(ctx context.Context, applier effectApplier) (log.Fields, error) {
				// комментарий уже мог дойти до базы до того, как эффект ушёл в DLQ
				if err := applier.AppendComment(ctx, comment); err != nil && !errors.Is(err, domain.ErrAlreadyExists) {
					return nil, err
				}
				return nil, nil
			},
		}, nil

	case effects.KindOutbox:
		var event outbox.WorkflowEvent
		if err := json.Unmarshal(letter.Payload, &event); err != nil {
			return nil, fmt.Errorf("decode workflow event: %w", err)
		}
		aggregateType, _ := letter.Attrs["aggregate_type"].(string)
		if aggregateType == "" {
			aggregateType, _, _ = strings.Cut(event.EventType, ".")
		}
		return &effectAction{
			fields: log.Fields{"event_type": event.EventType, "aggregate_type": aggregateType},
			apply: func(ctx context.Context, applier effectApplier) (log.Fields, error) {
				return nil, applier.RecordEvent(ctx, aggregateType, event)
			},
		}, nil

	default:
		return nil, nil
	}
}

// storeApplier пишет повторённые эффекты в PostgreSQL.
type storeApplier struct {
	dispatcher *notify.Dispatcher
	comments   domain.CommentRepository
	recorder   *outbox.Recorder
}

func (a storeApplier) Notify(ctx context.Context, alert notify.Alert) (int, error) {
	items, err := a.dispatcher.Send(ctx, alert)
	return len(items), err
}

func (a storeApplier) AppendComment(ctx context.Context, comment domain.Comment) error {
	return a.comments.Append(ctx, comment)
}

func (a storeApplier) RecordEvent(ctx context.Context, aggregateType string, event outbox.WorkflowEvent) error {
	_, err := a.recorder.Record(ctx, aggregateType, event)
	return err
}

// outboxReplay возвращает события из TopicOutboxDeadLetter в topic событий workflow.
type outboxReplay struct {
	producer    replayProducer
	targetTopic string
}

type replayMessage struct {
	topic string
	key   string
	value []byte
}

func (h outboxReplay) Handle(_ context.Context, msg *sarama.ConsumerMessage, execute bool) (bool, error) {
	replay, ok, err := extractReplayMessage(msg, h.targetTopic)
	if err != nil {
		return false, errSkip{err}
	}
	if !ok {
		return false, nil
	}

	if !execute {
		log.WithFields(log.Fields{
			"partition":    msg.Partition,
			"offset":       msg.Offset,
			"target_topic": replay.topic,
			"key":          replay.key,
		}).Info("outbox replay candidate")
		return true, nil
	}
	if err := publishReplay(h.producer, replay); err != nil {
		return false, fmt.Errorf("publish replay message: %w", err)
	}
	return true, nil
}

func publishReplay(producer replayProducer, msg replayMessage) error {
	if producer == nil {
		return errors.New("replay producer is not configured")
	}

	producerMessage := &sarama.ProducerMessage{
		Topic:     msg.topic,
		Key:       sarama.StringEncoder(msg.key),
		Value:     sarama.ByteEncoder(msg.value),
		Timestamp: time.Now().UTC(),
	}

	_, _, err := producer.SendMessage(producerMessage)
	return err
}

// extractReplayMessage достаёт исходное событие из DLQ outbox. Сообщение без вложенного
// DeadLetter не относится к outbox и пропускается без ошибки.
func extractReplayMessage(msg *sarama.ConsumerMessage, targetTopic string) (replayMessage, bool, error) {
	var outer kafka.WorkflowEnvelope
	if json.Unmarshal(msg.Value, &outer) != nil || len(outer.Payload) == 0 {
		return replayMessage{}, false, nil
	}

	var letter outbox.DeadLetter
	if err := json.Unmarshal(outer.Payload, &letter); err != nil {
		return replayMessage{}, false, fmt.Errorf("decode outbox dlq payload: %w", err)
	}
	if len(letter.Payload) == 0 {
		return replayMessage{}, false, errors.New("outbox dlq payload does not contain original event payload")
	}

	replay := kafka.WorkflowEnvelope{
		ID:            firstNonEmpty(letter.OutboxID, outer.ID),
		AggregateType: firstNonEmpty(letter.AggregateType, outer.AggregateType),
		AggregateID:   firstNonEmpty(letter.AggregateID, outer.AggregateID),
		EventType:     firstNonEmpty(letter.EventType, outer.EventType),
		Payload:       letter.Payload,
		PublishedAt:   time.Now().UTC(),
	}
	value, err := json.Marshal(replay)
	if err != nil {
		return replayMessage{}, false, fmt.Errorf("encode replay envelope: %w", err)
	}
	return replayMessage{
		topic: targetTopic,
		key:   firstNonEmpty(replay.AggregateID, replay.ID),
		value: value,
	}, true, nil
}
