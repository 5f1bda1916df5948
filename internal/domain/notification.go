package domain

import "time"

// NotificationType: категория уведомления.
type NotificationType string

const (
	NotificationTypeOrder       NotificationType = "order"
	NotificationTypeUser        NotificationType = "user"
	NotificationTypeInvoice     NotificationType = "invoice"
	NotificationTypeStockDesign NotificationType = "stock_design"
	NotificationTypeSystem      NotificationType = "system"
)

// Valid проверяет, что тип поддерживается.
func (t NotificationType) Valid() bool {
	switch t {
	case NotificationTypeOrder, NotificationTypeUser, NotificationTypeInvoice,
		NotificationTypeStockDesign, NotificationTypeSystem:
		return true
	default:
		return false
	}
}

// Notification — уведомление конкретному получателю. После записи меняется только флаг Read.
type Notification struct {
	ID          string           `json:"id"`
	RecipientID string           `json:"recipient_id"`
	Type        NotificationType `json:"type"`
	Message     string           `json:"message"`
	Read        bool             `json:"read"`
	CreatedAt   time.Time        `json:"created_at"`
}

// NotificationDraft: уведомление до записи в хранилище.
type NotificationDraft struct {
	RecipientID string           `json:"recipient_id"`
	Type        NotificationType `json:"type"`
	Message     string           `json:"message"`
}
