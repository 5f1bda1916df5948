package domain

import "fmt"

// forwardRank задаёт порядок статусов основного пути. Переход вперёд может пропускать шаги.
var forwardRank = map[OrderStatus]int{
	OrderStatusPending:    0,
	OrderStatusNew:        0,
	OrderStatusAssigned:   1,
	OrderStatusInProgress: 2,
	OrderStatusReview:     3,
	OrderStatusCompleted:  4,
	OrderStatusDelivered:  5,
}

// CanTransition проверяет, допустим ли переход статуса через обычное обновление заказа.
// Переход в new выполняется только запросом на правку и здесь запрещён.
func CanTransition(from, to OrderStatus) bool {
	if from == to {
		return true
	}
	if from.Terminal() || !to.Valid() {
		return false
	}
	switch to {
	case OrderStatusCancelled:
		return true
	case OrderStatusNew:
		return false
	case OrderStatusDelivered:
		return from == OrderStatusCompleted
	}
	fromRank, ok := forwardRank[from]
	if !ok {
		return false
	}
	return forwardRank[to] > fromRank
}

// ValidateOrderUpdate проверяет патч заказа до любой записи в хранилище.
// Возвращает nil или *RejectionError. Порядок правил:
// права на закрытый заказ, отрицательная сумма, предусловия статуса, допустимость перехода.
// Повтор текущего статуса без смены исполнителей предусловия не проверяет.
func ValidateOrderUpdate(current Order, patch OrderPatch, actor Actor) error {
	if patch == nil {
		return Reject(ReasonInvalidInput, "empty order update")
	}
	if !actor.Role.Valid() {
		return Reject(ReasonForbidden, "unknown actor role")
	}
	if (current.Status == OrderStatusCompleted || current.Status == OrderStatusCancelled) && !actor.IsStaff() {
		return Reject(ReasonForbidden, fmt.Sprintf("only admins and sales reps can edit a %s order", current.Status))
	}
	if amount, ok := SuppliedAmount(patch); ok && amount < 0 {
		return Reject(ReasonInvalidAmount, "total amount must not be negative")
	}

	next, ok := RequestedStatus(patch)
	if !ok {
		return nil
	}
	if !next.Valid() {
		return Reject(ReasonInvalidInput, fmt.Sprintf("unknown order status %q", next))
	}

	proposed := patch.ApplyTo(current)
	// повтор текущего статуса без смены исполнителей ничего не меняет
	if next == current.Status && proposed.DesignerID == current.DesignerID && proposed.SalesRepID == current.SalesRepID {
		return nil
	}
	switch next {
	case OrderStatusInProgress:
		if proposed.DesignerID == "" {
			return Reject(ReasonMissingDesigner, "assign a designer before starting work")
		}
	case OrderStatusCompleted:
		if proposed.SalesRepID == "" && actor.Role != RoleAdmin {
			return Reject(ReasonMissingSalesRep, "assign a sales representative before completing the order")
		}
		if proposed.TotalAmountMinor <= 0 {
			return Reject(ReasonInvalidAmount, "set a positive total amount before completing the order")
		}
	}

	if !CanTransition(current.Status, next) {
		return Reject(ReasonInvalidTransition, fmt.Sprintf("cannot move order from %s to %s", current.Status, next))
	}
	return nil
}
