package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/orderdesk/internal/domain"
)

type notificationRepository struct {
	db *sql.DB
}

// NewNotificationRepository создаёт PostgreSQL-реализацию NotificationRepository.
func NewNotificationRepository(store *Store) domain.NotificationRepository {
	return &notificationRepository{db: store.DB()}
}

// Insert записывает уведомления построчно в одной транзакции.
func (r *notificationRepository) Insert(ctx context.Context, items []domain.Notification) error {
	if len(items) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	return inTx(ctx, r.db, func(tx *sql.Tx) error {
		for _, n := range items {
			if n.ID == "" {
				n.ID = uuid.NewString()
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO notifications (id, recipient_id, type, message, read, created_at)
				VALUES ($1,$2,$3,$4,$5,$6)
			`, n.ID, n.RecipientID, string(n.Type), n.Message, n.Read, n.CreatedAt); err != nil {
				return fmt.Errorf("insert notification: %w", err)
			}
		}
		return nil
	})
}

// Broadcast записывает одно сообщение всем получателям одним INSERT ... SELECT unnest.
func (r *notificationRepository) Broadcast(ctx context.Context, recipientIDs []string, typ domain.NotificationType, message string, at time.Time) ([]domain.Notification, error) {
	if len(recipientIDs) == 0 {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	ids := make([]string, len(recipientIDs))
	created := make([]domain.Notification, len(recipientIDs))
	for i, recipient := range recipientIDs {
		ids[i] = uuid.NewString()
		created[i] = domain.Notification{
			ID:          ids[i],
			RecipientID: recipient,
			Type:        typ,
			Message:     message,
			CreatedAt:   at,
		}
	}

	if _, err := r.db.ExecContext(ctx, `
		INSERT INTO notifications (id, recipient_id, type, message, read, created_at)
		SELECT t.id, t.recipient_id, $3, $4, FALSE, $5
		FROM unnest($1::text[], $2::text[]) AS t(id, recipient_id)
	`, ids, recipientIDs, string(typ), message, at); err != nil {
		return nil, fmt.Errorf("broadcast notification: %w", err)
	}
	return created, nil
}

func (r *notificationRepository) ListByRecipient(ctx context.Context, recipientID string, unreadOnly bool, limit int) ([]domain.Notification, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if limit <= 0 {
		limit = 100
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, recipient_id, type, message, read, created_at
		FROM notifications
		WHERE recipient_id = $1
		  AND (NOT $2 OR read = FALSE)
		ORDER BY created_at DESC, id DESC
		LIMIT $3
	`, recipientID, unreadOnly, limit)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	result := make([]domain.Notification, 0)
	for rows.Next() {
		var (
			n   domain.Notification
			typ string
		)
		if err := rows.Scan(&n.ID, &n.RecipientID, &typ, &n.Message, &n.Read, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		n.Type = domain.NotificationType(typ)
		result = append(result, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate notifications: %w", err)
	}
	return result, nil
}

func (r *notificationRepository) CountUnread(ctx context.Context, recipientID string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var count int
	if err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM notifications WHERE recipient_id = $1 AND read = FALSE
	`, recipientID).Scan(&count); err != nil {
		return 0, fmt.Errorf("count unread notifications: %w", err)
	}
	return count, nil
}

func (r *notificationRepository) MarkRead(ctx context.Context, recipientID, id string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE notifications SET read = TRUE WHERE id = $1 AND recipient_id = $2
	`, id, recipientID)
	if err != nil {
		return fmt.Errorf("mark notification read: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return domain.ErrNotificationNotFound
	}
	return nil
}

var _ domain.NotificationRepository = (*notificationRepository)(nil)
