package domain

import "time"

// EditRequestStatus описывает состояние запроса на правку.
type EditRequestStatus string

const (
	EditRequestStatusPending   EditRequestStatus = "pending"
	EditRequestStatusApproved  EditRequestStatus = "approved"
	EditRequestStatusRejected  EditRequestStatus = "rejected"
	EditRequestStatusCompleted EditRequestStatus = "completed"
)

// CanTransitionTo проверяет переход: pending → approved|rejected, approved → completed.
func (s EditRequestStatus) CanTransitionTo(next EditRequestStatus) bool {
	switch s {
	case EditRequestStatusPending:
		return next == EditRequestStatusApproved || next == EditRequestStatusRejected
	case EditRequestStatusApproved:
		return next == EditRequestStatusCompleted
	default:
		return false
	}
}

// EditRequest — запрос клиента на доработку завершённого заказа.
type EditRequest struct {
	ID            string            `json:"id"`
	OrderID       string            `json:"order_id"`
	CustomerID    string            `json:"customer_id"`
	Description   string            `json:"description"`
	Status        EditRequestStatus `json:"status"`
	DesignerNotes string            `json:"designer_notes,omitempty"`
	ResolvedBy    string            `json:"resolved_by,omitempty"`
	ResolvedAt    *time.Time        `json:"resolved_at,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// Comment: запись обсуждения заказа; используется и как аудит-след запросов на правку.
type Comment struct {
	ID            string    `json:"id"`
	OrderID       string    `json:"order_id"`
	AuthorID      string    `json:"author_id"`
	EditRequestID string    `json:"edit_request_id,omitempty"`
	Body          string    `json:"body"`
	CreatedAt     time.Time `json:"created_at"`
}
