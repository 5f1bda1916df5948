package domain

import "time"

// InvoiceStatus описывает состояние счёта.
type InvoiceStatus string

const (
	InvoiceStatusUnpaid    InvoiceStatus = "unpaid"
	InvoiceStatusPaid      InvoiceStatus = "paid"
	InvoiceStatusCancelled InvoiceStatus = "cancelled"
)

// Valid проверяет, что статус поддерживается.
func (s InvoiceStatus) Valid() bool {
	switch s {
	case InvoiceStatusUnpaid, InvoiceStatusPaid, InvoiceStatusCancelled:
		return true
	default:
		return false
	}
}

// PaymentStatus возвращает статус оплаты, который счёт проставляет покрытым заказам.
func (s InvoiceStatus) PaymentStatus() PaymentStatus {
	if s == InvoiceStatusPaid {
		return PaymentStatusPaid
	}
	return PaymentStatusUnpaid
}

// Invoice — счёт клиента, покрывающий один или несколько заказов.
type Invoice struct {
	ID               string        `json:"id"`
	CustomerID       string        `json:"customer_id"`
	OrderIDs         []string      `json:"order_ids"`
	TotalAmountMinor int64         `json:"total_amount_minor"`
	Status           InvoiceStatus `json:"status"`
	Version          int64         `json:"version"`
	CreatedAt        time.Time     `json:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at"`
}

// InvoicePatch: изменяемые поля счёта. nil означает «без изменений».
type InvoicePatch struct {
	OrderIDs         *[]string
	Status           *InvoiceStatus
	TotalAmountMinor *int64
}

// Empty сообщает, что патч ничего не меняет.
func (p InvoicePatch) Empty() bool {
	return p.OrderIDs == nil && p.Status == nil && p.TotalAmountMinor == nil
}

// ApplyTo возвращает копию счёта с применёнными изменениями.
func (p InvoicePatch) ApplyTo(inv Invoice) Invoice {
	if p.OrderIDs != nil {
		inv.OrderIDs = DedupeIDs(*p.OrderIDs)
	}
	if p.Status != nil {
		inv.Status = *p.Status
	}
	if p.TotalAmountMinor != nil {
		inv.TotalAmountMinor = *p.TotalAmountMinor
	}
	return inv
}

// DedupeIDs убирает пустые и повторяющиеся идентификаторы, сохраняя порядок.
func DedupeIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
