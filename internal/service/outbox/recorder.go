package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/orderdesk/internal/domain"
	"github.com/vladislavdragonenkov/orderdesk/internal/service/effects"
)

// Типы агрегатов, события которых попадают в outbox.
const (
	AggregateOrder       = "order"
	AggregateInvoice     = "invoice"
	AggregateEditRequest = "edit_request"
)

// Типы событий workflow.
const (
	EventOrderCreated             = "order.created"
	EventOrderStatusChanged       = "order.status_changed"
	EventOrderAssignmentChanged   = "order.assignment_changed"
	EventOrderReopened            = "order.reopened"
	EventInvoiceCreated           = "invoice.created"
	EventInvoiceStatusChanged     = "invoice.status_changed"
	EventEditRequestCreated       = "edit_request.created"
	EventEditRequestStatusChanged = "edit_request.status_changed"
)

// WorkflowEvent: payload outbox-сообщения.
type WorkflowEvent struct {
	EventType   string         `json:"event_type"`
	AggregateID string         `json:"aggregate_id"`
	ActorID     string         `json:"actor_id,omitempty"`
	From        string         `json:"from,omitempty"`
	To          string         `json:"to,omitempty"`
	OccurredAt  time.Time      `json:"occurred_at"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Recorder кладёт события workflow в transactional outbox.
type Recorder struct {
	repo domain.OutboxRepository
	now  func() time.Time
}

// NewRecorder создаёт Recorder. При nil repo Record ничего не делает.
func NewRecorder(repo domain.OutboxRepository) *Recorder {
	return &Recorder{
		repo: repo,
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// Record сериализует событие и сохраняет его в outbox.
func (r *Recorder) Record(ctx context.Context, aggregateType string, event WorkflowEvent) (domain.OutboxMessage, error) {
	if r == nil || r.repo == nil {
		return domain.OutboxMessage{}, nil
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = r.now()
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return domain.OutboxMessage{}, fmt.Errorf("marshal workflow event: %w", err)
	}

	msg, err := r.repo.Enqueue(ctx, domain.OutboxMessage{
		ID:            uuid.NewString(),
		AggregateType: aggregateType,
		AggregateID:   event.AggregateID,
		EventType:     event.EventType,
		Payload:       payload,
	})
	if err != nil {
		return domain.OutboxMessage{}, fmt.Errorf("enqueue %s: %w", event.EventType, err)
	}
	return msg, nil
}

// Effect превращает запись события в неблокирующий эффект.
func (r *Recorder) Effect(aggregateType string, event WorkflowEvent) effects.Effect {
	if event.OccurredAt.IsZero() && r != nil {
		event.OccurredAt = r.now()
	}
	return effects.Effect{
		Name: "outbox." + event.EventType,
		Kind: effects.KindOutbox,
		Attrs: log.Fields{
			"aggregate_type": aggregateType,
			"aggregate_id":   event.AggregateID,
		},
		Payload: event,
		Run: func(ctx context.Context) error {
			_, err := r.Record(ctx, aggregateType, event)
			return err
		},
	}
}
