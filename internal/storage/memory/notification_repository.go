package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/orderdesk/internal/domain"
)

// NotificationRepository: in-memory хранилище уведомлений.
// Экспортируется, чтобы тесты могли подменять ошибки записи через FailWrites.
type NotificationRepository struct {
	mu       sync.RWMutex
	items    []domain.Notification
	failWith error
}

// NewNotificationRepository создаёт пустое хранилище уведомлений.
func NewNotificationRepository() *NotificationRepository {
	return &NotificationRepository{}
}

// FailWrites заставляет последующие записи возвращать err (nil снимает режим).
func (r *NotificationRepository) FailWrites(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failWith = err
}

func (r *NotificationRepository) Insert(_ context.Context, items []domain.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.failWith != nil {
		return r.failWith
	}
	for _, n := range items {
		if n.ID == "" {
			n.ID = uuid.NewString()
		}
		r.items = append(r.items, n)
	}
	return nil
}

func (r *NotificationRepository) Broadcast(_ context.Context, recipientIDs []string, typ domain.NotificationType, message string, at time.Time) ([]domain.Notification, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.failWith != nil {
		return nil, r.failWith
	}
	created := make([]domain.Notification, 0, len(recipientIDs))
	for _, recipient := range recipientIDs {
		n := domain.Notification{
			ID:          uuid.NewString(),
			RecipientID: recipient,
			Type:        typ,
			Message:     message,
			CreatedAt:   at,
		}
		r.items = append(r.items, n)
		created = append(created, n)
	}
	return created, nil
}

func (r *NotificationRepository) ListByRecipient(_ context.Context, recipientID string, unreadOnly bool, limit int) ([]domain.Notification, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]domain.Notification, 0)
	for _, n := range r.items {
		if n.RecipientID != recipientID || (unreadOnly && n.Read) {
			continue
		}
		result = append(result, n)
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (r *NotificationRepository) CountUnread(_ context.Context, recipientID string) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	count := 0
	for _, n := range r.items {
		if n.RecipientID == recipientID && !n.Read {
			count++
		}
	}
	return count, nil
}

func (r *NotificationRepository) MarkRead(_ context.Context, recipientID, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.items {
		if r.items[i].ID == id && r.items[i].RecipientID == recipientID {
			r.items[i].Read = true
			return nil
		}
	}
	return domain.ErrNotificationNotFound
}

// All возвращает копию всех уведомлений (используется в тестах).
func (r *NotificationRepository) All() []domain.Notification {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return append([]domain.Notification(nil), r.items...)
}

var _ domain.NotificationRepository = (*NotificationRepository)(nil)
