// Package notify строит и записывает уведомления участникам workflow.
package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/orderdesk/internal/domain"
	"github.com/vladislavdragonenkov/orderdesk/internal/metrics"
	"github.com/vladislavdragonenkov/orderdesk/internal/service/effects"
)

const (
	pathSingle    = "single"
	pathBroadcast = "broadcast"
	pathBatch     = "batch"
)

// Option настраивает Dispatcher.
type Option func(*Dispatcher)

// WithLogger задаёт logger.
func WithLogger(logger *log.Entry) Option {
	return func(d *Dispatcher) { d.logger = logger }
}

// WithMetrics задаёт метрики workflow.
func WithMetrics(m *metrics.WorkflowMetrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithChangePublisher включает публикацию вставленных уведомлений в change feed.
func WithChangePublisher(publisher domain.ChangePublisher) Option {
	return func(d *Dispatcher) { d.changes = publisher }
}

// WithClock подменяет источник времени.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// Dispatcher записывает уведомления одному или нескольким получателям.
type Dispatcher struct {
	repo      domain.NotificationRepository
	directory domain.Directory
	changes   domain.ChangePublisher
	metrics   *metrics.WorkflowMetrics
	logger    *log.Entry
	now       func() time.Time
}

// NewDispatcher создаёт Dispatcher.
func NewDispatcher(repo domain.NotificationRepository, directory domain.Directory, options ...Option) *Dispatcher {
	d := &Dispatcher{
		repo:      repo,
		directory: directory,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, option := range options {
		option(d)
	}
	if d.logger == nil {
		d.logger = log.WithField("component", "notify")
	}
	return d
}

// Notify записывает одно уведомление.
func (d *Dispatcher) Notify(ctx context.Context, recipientID string, typ domain.NotificationType, message string) (domain.Notification, error) {
	draft := domain.NotificationDraft{RecipientID: strings.TrimSpace(recipientID), Type: typ, Message: message}
	if err := validateDraft(draft); err != nil {
		return domain.Notification{}, err
	}

	item := d.build(draft)
	if err := d.repo.Insert(ctx, []domain.Notification{item}); err != nil {
		return domain.Notification{}, fmt.Errorf("insert notification: %w", err)
	}
	d.metrics.RecordNotifications(pathSingle, 1)
	d.publish(ctx, []domain.Notification{item})
	return item, nil
}

// NotifyBatch записывает пачку уведомлений. Одинаковые черновики схлопываются.
// Если у всех записей общие тип и текст, используется Broadcast одним запросом,
// иначе построчная вставка. Порядок и атомарность пачки не гарантируются.
func (d *Dispatcher) NotifyBatch(ctx context.Context, drafts []domain.NotificationDraft) ([]domain.Notification, error) {
	drafts = dedupeDrafts(drafts)
	for _, draft := range drafts {
		if err := validateDraft(draft); err != nil {
			return nil, err
		}
	}

	switch {
	case len(drafts) == 0:
		return nil, nil
	case len(drafts) == 1:
		item, err := d.Notify(ctx, drafts[0].RecipientID, drafts[0].Type, drafts[0].Message)
		if err != nil {
			return nil, err
		}
		return []domain.Notification{item}, nil
	case sharesTemplate(drafts):
		recipients := make([]string, 0, len(drafts))
		for _, draft := range drafts {
			recipients = append(recipients, draft.RecipientID)
		}
		items, err := d.repo.Broadcast(ctx, recipients, drafts[0].Type, drafts[0].Message, d.now())
		if err != nil {
			return nil, fmt.Errorf("broadcast notifications: %w", err)
		}
		d.metrics.RecordNotifications(pathBroadcast, len(items))
		d.publish(ctx, items)
		return items, nil
	default:
		items := make([]domain.Notification, 0, len(drafts))
		for _, draft := range drafts {
			items = append(items, d.build(draft))
		}
		if err := d.repo.Insert(ctx, items); err != nil {
			return nil, fmt.Errorf("insert notifications: %w", err)
		}
		d.metrics.RecordNotifications(pathBatch, len(items))
		d.publish(ctx, items)
		return items, nil
	}
}

// Send раскрывает получателей алерта (включая администраторов) и записывает уведомления.
func (d *Dispatcher) Send(ctx context.Context, alert Alert) ([]domain.Notification, error) {
	recipients := append([]string(nil), alert.Recipients...)
	if alert.ToAdmins {
		if d.directory == nil {
			return nil, fmt.Errorf("directory is not configured")
		}
		admins, err := d.directory.AdminIDs(ctx)
		if err != nil {
			return nil, fmt.Errorf("list admins: %w", err)
		}
		recipients = append(recipients, admins...)
	}

	drafts := make([]domain.NotificationDraft, 0, len(recipients))
	for _, recipient := range recipients {
		recipient = strings.TrimSpace(recipient)
		if recipient == "" {
			continue
		}
		drafts = append(drafts, domain.NotificationDraft{RecipientID: recipient, Type: alert.Type, Message: alert.Message})
	}
	return d.NotifyBatch(ctx, drafts)
}

// Effect превращает алерт в неблокирующий эффект для effects.Runner.
func (d *Dispatcher) Effect(alert Alert) effects.Effect {
	attrs := log.Fields{}
	for key, value := range alert.Attrs {
		attrs[key] = value
	}
	return effects.Effect{
		Name:    "notify." + alert.Name,
		Kind:    effects.KindNotification,
		Attrs:   attrs,
		Payload: alert,
		Run: func(ctx context.Context) error {
			_, err := d.Send(ctx, alert)
			return err
		},
	}
}

// Submit отправляет все алерты через runner.
func (d *Dispatcher) Submit(ctx context.Context, runner effects.Runner, alerts ...Alert) {
	for _, alert := range alerts {
		runner.Submit(ctx, d.Effect(alert))
	}
}

// Inbox возвращает уведомления получателя, новые первыми.
func (d *Dispatcher) Inbox(ctx context.Context, recipientID string, unreadOnly bool, limit int) ([]domain.Notification, int, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	items, err := d.repo.ListByRecipient(ctx, recipientID, unreadOnly, limit)
	if err != nil {
		return nil, 0, err
	}
	unread, err := d.repo.CountUnread(ctx, recipientID)
	if err != nil {
		return nil, 0, err
	}
	return items, unread, nil
}

// MarkRead помечает уведомление прочитанным и публикует изменение.
func (d *Dispatcher) MarkRead(ctx context.Context, recipientID, id string) error {
	if err := d.repo.MarkRead(ctx, recipientID, id); err != nil {
		return err
	}
	if d.changes != nil {
		event, err := domain.NewChange(domain.CollectionNotifications, domain.ChangeUpdate, map[string]any{
			"id":           id,
			"recipient_id": recipientID,
			"read":         true,
		}, d.now())
		if err == nil {
			err = d.changes.Publish(ctx, event)
		}
		if err != nil {
			d.logger.WithError(err).WithField("recipient_id", recipientID).Warn("failed to publish notification change")
		}
	}
	return nil
}

func (d *Dispatcher) build(draft domain.NotificationDraft) domain.Notification {
	return domain.Notification{
		ID:          uuid.NewString(),
		RecipientID: draft.RecipientID,
		Type:        draft.Type,
		Message:     draft.Message,
		CreatedAt:   d.now(),
	}
}

func (d *Dispatcher) publish(ctx context.Context, items []domain.Notification) {
	if d.changes == nil {
		return
	}
	for _, item := range items {
		event, err := domain.NewChange(domain.CollectionNotifications, domain.ChangeInsert, item, item.CreatedAt)
		if err == nil {
			err = d.changes.Publish(ctx, event)
		}
		if err != nil {
			d.logger.WithError(err).WithField("recipient_id", item.RecipientID).Warn("failed to publish notification change")
		}
	}
}

func validateDraft(draft domain.NotificationDraft) error {
	if strings.TrimSpace(draft.RecipientID) == "" {
		return domain.Reject(domain.ReasonInvalidInput, "notification recipient is required")
	}
	if !draft.Type.Valid() {
		return domain.Reject(domain.ReasonInvalidInput, fmt.Sprintf("unknown notification type %q", draft.Type))
	}
	if strings.TrimSpace(draft.Message) == "" {
		return domain.Reject(domain.ReasonInvalidInput, "notification message is required")
	}
	return nil
}

func dedupeDrafts(drafts []domain.NotificationDraft) []domain.NotificationDraft {
	seen := make(map[domain.NotificationDraft]struct{}, len(drafts))
	out := make([]domain.NotificationDraft, 0, len(drafts))
	for _, draft := range drafts {
		draft.RecipientID = strings.TrimSpace(draft.RecipientID)
		if _, ok := seen[draft]; ok {
			continue
		}
		seen[draft] = struct{}{}
		out = append(out, draft)
	}
	return out
}

func sharesTemplate(drafts []domain.NotificationDraft) bool {
	for _, draft := range drafts[1:] {
		if draft.Type != drafts[0].Type || draft.Message != drafts[0].Message {
			return false
		}
	}
	return true
}
