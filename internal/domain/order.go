package domain

import (
	"strings"
	"time"
)

// OrderStatus описывает жизненный цикл заказа.
type OrderStatus string

const (
	// OrderStatusPending: заказ создан и ждёт распределения.
	OrderStatusPending OrderStatus = "pending"
	// OrderStatusAssigned — назначены исполнители.
	OrderStatusAssigned OrderStatus = "assigned"
	// OrderStatusInProgress: дизайнер работает над заказом.
	OrderStatusInProgress OrderStatus = "in_progress"
	// OrderStatusReview: работа на проверке у менеджера.
	OrderStatusReview OrderStatus = "review"
	// OrderStatusCompleted — работа завершена.
	OrderStatusCompleted OrderStatus = "completed"
	// OrderStatusDelivered: заказ передан клиенту (терминальный статус).
	OrderStatusDelivered OrderStatus = "delivered"
	// OrderStatusCancelled: заказ отменён (терминальный статус).
	OrderStatusCancelled OrderStatus = "cancelled"
	// OrderStatusNew — заказ переоткрыт запросом на правку.
	OrderStatusNew OrderStatus = "new"
)

// Valid проверяет, что статус относится к поддерживаемым значениям.
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusPending, OrderStatusAssigned, OrderStatusInProgress, OrderStatusReview,
		OrderStatusCompleted, OrderStatusDelivered, OrderStatusCancelled, OrderStatusNew:
		return true
	default:
		return false
	}
}

// Terminal сообщает, что из статуса нет переходов.
func (s OrderStatus) Terminal() bool {
	return s == OrderStatusDelivered || s == OrderStatusCancelled
}

// PaymentStatus: денормализованная копия статуса оплаты из счёта.
type PaymentStatus string

const (
	PaymentStatusUnpaid PaymentStatus = "unpaid"
	PaymentStatusPaid   PaymentStatus = "paid"
)

// OrderKind различает индивидуальные заказы и заказы по готовому дизайну из каталога.
type OrderKind string

const (
	OrderKindCustom      OrderKind = "custom"
	OrderKindStockDesign OrderKind = "stock_design"
)

// Order хранит состояние заказа.
type Order struct {
	ID               string        `json:"id"`
	CustomerID       string        `json:"customer_id"`
	SalesRepID       string        `json:"assigned_sales_rep_id,omitempty"`
	DesignerID       string        `json:"assigned_designer_id,omitempty"`
	Kind             OrderKind     `json:"order_type"`
	Title            string        `json:"title"`
	Description      string        `json:"description,omitempty"`
	Status           OrderStatus   `json:"status"`
	PaymentStatus    PaymentStatus `json:"payment_status"`
	TotalAmountMinor int64         `json:"total_amount_minor"`
	RevisionCount    int           `json:"revision_count"`
	Version          int64         `json:"version"`
	CreatedAt        time.Time     `json:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at"`
}

// IsCustom сообщает, что заказ не из каталога готовых дизайнов.
func (o Order) IsCustom() bool {
	return o.Kind != OrderKindStockDesign
}

// OrderView: заказ с подставленными именами участников для отображения.
type OrderView struct {
	Order
	CustomerName string    `json:"customer_name,omitempty"`
	SalesRepName string    `json:"sales_rep_name,omitempty"`
	DesignerName string    `json:"designer_name,omitempty"`
	Comments     []Comment `json:"comments,omitempty"`
}

// OrderPatch — закрытый набор изменений заказа, доступных через OrderLifecycleService.
// Статус оплаты и счётчик ревизий через патчи не меняются.
type OrderPatch interface {
	// ApplyTo возвращает копию заказа с применёнными изменениями.
	ApplyTo(o Order) Order
	isOrderPatch()
}

// AssignmentPatch меняет назначенных исполнителей.
// nil оставляет поле без изменений, пустая строка снимает назначение.
type AssignmentPatch struct {
	SalesRepID *string
	DesignerID *string
}

// Empty сообщает, что патч ничего не меняет.
func (p AssignmentPatch) Empty() bool {
	return p.SalesRepID == nil && p.DesignerID == nil
}

// Normalize обрезает пробелы в идентификаторах.
func (p AssignmentPatch) Normalize() AssignmentPatch {
	return AssignmentPatch{SalesRepID: trimRef(p.SalesRepID), DesignerID: trimRef(p.DesignerID)}
}

func (p AssignmentPatch) ApplyTo(o Order) Order {
	if p.SalesRepID != nil {
		o.SalesRepID = *p.SalesRepID
	}
	if p.DesignerID != nil {
		o.DesignerID = *p.DesignerID
	}
	return o
}

func (AssignmentPatch) isOrderPatch() {}

// StatusPatch переводит заказ в новый статус, опционально назначая исполнителей в том же обновлении.
type StatusPatch struct {
	Status     OrderStatus
	Assignment AssignmentPatch
}

func (p StatusPatch) ApplyTo(o Order) Order {
	o = p.Assignment.ApplyTo(o)
	o.Status = p.Status
	return o
}

func (StatusPatch) isOrderPatch() {}

// AmountPatch меняет сумму заказа (в минимальных денежных единицах).
type AmountPatch struct {
	TotalAmountMinor int64
}

func (p AmountPatch) ApplyTo(o Order) Order {
	o.TotalAmountMinor = p.TotalAmountMinor
	return o
}

func (AmountPatch) isOrderPatch() {}

// DetailsPatch меняет описательные поля заказа.
type DetailsPatch struct {
	Title       *string
	Description *string
}

func (p DetailsPatch) ApplyTo(o Order) Order {
	if p.Title != nil {
		o.Title = *p.Title
	}
	if p.Description != nil {
		o.Description = *p.Description
	}
	return o
}

func (DetailsPatch) isOrderPatch() {}

// RequestedStatus возвращает статус, который патч пытается установить.
func RequestedStatus(p OrderPatch) (OrderStatus, bool) {
	if sp, ok := p.(StatusPatch); ok {
		return sp.Status, true
	}
	return "", false
}

// SuppliedAmount возвращает сумму, переданную в патче.
func SuppliedAmount(p OrderPatch) (int64, bool) {
	if ap, ok := p.(AmountPatch); ok {
		return ap.TotalAmountMinor, true
	}
	return 0, false
}

// AssignmentOf возвращает часть патча, касающуюся назначений.
func AssignmentOf(p OrderPatch) AssignmentPatch {
	switch v := p.(type) {
	case AssignmentPatch:
		return v
	case StatusPatch:
		return v.Assignment
	default:
		return AssignmentPatch{}
	}
}

// NormalizePatch приводит ссылки на исполнителей к каноническому виду.
func NormalizePatch(p OrderPatch) OrderPatch {
	switch v := p.(type) {
	case AssignmentPatch:
		return v.Normalize()
	case StatusPatch:
		v.Assignment = v.Assignment.Normalize()
		return v
	default:
		return p
	}
}

func trimRef(v *string) *string {
	if v == nil {
		return nil
	}
	s := strings.TrimSpace(*v)
	return &s
}
