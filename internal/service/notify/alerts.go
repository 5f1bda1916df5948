package notify

import (
	"fmt"
	"strings"

	"github.com/vladislavdragonenkov/orderdesk/internal/domain"
)

// Alert — одно сообщение для набора получателей.
type Alert struct {
	// Name идентифицирует сценарий в логах и dead-letter записях.
	Name       string                  `json:"name"`
	Type       domain.NotificationType `json:"type"`
	Message    string                  `json:"message"`
	Recipients []string                `json:"recipients,omitempty"`
	// ToAdmins добавляет к получателям всех администраторов на момент отправки.
	ToAdmins bool           `json:"to_admins,omitempty"`
	Attrs    map[string]any `json:"attrs,omitempty"`
}

// Drafts возвращает черновики для явно указанных получателей (без администраторов).
func (a Alert) Drafts() []domain.NotificationDraft {
	drafts := make([]domain.NotificationDraft, 0, len(a.Recipients))
	for _, recipient := range a.Recipients {
		drafts = append(drafts, domain.NotificationDraft{RecipientID: recipient, Type: a.Type, Message: a.Message})
	}
	return drafts
}

// SignupAlert оповещает администраторов о новом пользователе.
func SignupAlert(profile domain.Profile) Alert {
	name := strings.TrimSpace(profile.FullName)
	if name == "" {
		name = profile.Email
	}
	return Alert{
		Name:     "signup",
		Type:     domain.NotificationTypeUser,
		Message:  fmt.Sprintf("New %s registered: %s", roleLabel(profile.Role), name),
		ToAdmins: true,
		Attrs:    map[string]any{"profile_id": profile.ID},
	}
}

// OrderAssignmentAlerts оповещает новых исполнителей. Неизменённые назначения
// алертов не порождают, поэтому повторный одинаковый патч не дублирует уведомления.
func OrderAssignmentAlerts(before, after domain.Order) []Alert {
	var alerts []Alert
	if after.DesignerID != "" && after.DesignerID != before.DesignerID {
		alerts = append(alerts, Alert{
			Name:       "order_assigned",
			Type:       orderNotificationType(after),
			Message:    fmt.Sprintf("You have been assigned as designer on order %s", orderLabel(after)),
			Recipients: []string{after.DesignerID},
			Attrs:      orderAttrs(after),
		})
	}
	if after.SalesRepID != "" && after.SalesRepID != before.SalesRepID {
		alerts = append(alerts, Alert{
			Name:       "order_assigned",
			Type:       orderNotificationType(after),
			Message:    fmt.Sprintf("You have been assigned as sales representative on order %s", orderLabel(after)),
			Recipients: []string{after.SalesRepID},
			Attrs:      orderAttrs(after),
		})
	}
	return alerts
}

// OrderStatusAlerts оповещает заинтересованных участников о смене статуса.
func OrderStatusAlerts(before, after domain.Order) []Alert {
	if before.Status == after.Status {
		return nil
	}

	label := orderLabel(after)
	switch after.Status {
	case domain.OrderStatusReview:
		alert := Alert{
			Name:    "order_status",
			Type:    orderNotificationType(after),
			Message: fmt.Sprintf("Order %s is ready for review", label),
			Attrs:   orderAttrs(after),
		}
		// без менеджера проверку берут на себя администраторы
		if after.SalesRepID == "" {
			alert.ToAdmins = true
		} else {
			alert.Recipients = []string{after.SalesRepID}
		}
		return []Alert{alert}
	case domain.OrderStatusCompleted:
		return []Alert{customerOrderAlert(after, fmt.Sprintf("Your order %s has been completed", label))}
	case domain.OrderStatusDelivered:
		return []Alert{customerOrderAlert(after, fmt.Sprintf("Your order %s has been delivered", label))}
	case domain.OrderStatusCancelled:
		return []Alert{customerOrderAlert(after, fmt.Sprintf("Your order %s has been cancelled", label))}
	default:
		return nil
	}
}

// InvoiceCreatedAlert оповещает клиента и администраторов о новом счёте.
func InvoiceCreatedAlert(invoice domain.Invoice) Alert {
	return Alert{
		Name:       "invoice_created",
		Type:       domain.NotificationTypeInvoice,
		Message:    fmt.Sprintf("Invoice %s for %s has been issued", shortID(invoice.ID), formatAmount(invoice.TotalAmountMinor)),
		Recipients: []string{invoice.CustomerID},
		ToAdmins:   true,
		Attrs:      map[string]any{"invoice_id": invoice.ID},
	}
}

// InvoiceStatusAlerts оповещает клиента и администраторов при переходе в paid или cancelled.
func InvoiceStatusAlerts(before, after domain.Invoice) []Alert {
	if before.Status == after.Status {
		return nil
	}

	var message string
	switch after.Status {
	case domain.InvoiceStatusPaid:
		message = fmt.Sprintf("Invoice %s has been paid", shortID(after.ID))
	case domain.InvoiceStatusCancelled:
		message = fmt.Sprintf("Invoice %s has been cancelled", shortID(after.ID))
	default:
		return nil
	}
	return []Alert{{
		Name:       "invoice_status",
		Type:       domain.NotificationTypeInvoice,
		Message:    message,
		Recipients: []string{after.CustomerID},
		ToAdmins:   true,
		Attrs:      map[string]any{"invoice_id": after.ID},
	}}
}

// EditRequestCreatedAlerts оповещает клиента, администраторов и, для индивидуальных
// заказов, менеджера по продажам.
func EditRequestCreatedAlerts(order domain.Order, req domain.EditRequest) []Alert {
	attrs := map[string]any{"order_id": order.ID, "edit_request_id": req.ID}
	label := orderLabel(order)

	alerts := []Alert{
		{
			Name:       "edit_request_created",
			Type:       domain.NotificationTypeOrder,
			Message:    fmt.Sprintf("Your edit request for order %s has been received", label),
			Recipients: []string{req.CustomerID},
			Attrs:      attrs,
		},
	}

	staff := Alert{
		Name:     "edit_request_created",
		Type:     domain.NotificationTypeOrder,
		Message:  fmt.Sprintf("New edit request for order %s (revision %d)", label, order.RevisionCount),
		ToAdmins: true,
		Attrs:    attrs,
	}
	if order.IsCustom() && order.SalesRepID != "" {
		staff.Recipients = []string{order.SalesRepID}
	}
	return append(alerts, staff)
}

// EditRequestResolvedAlert оповещает клиента о решении по запросу.
func EditRequestResolvedAlert(req domain.EditRequest) Alert {
	return Alert{
		Name:       "edit_request_resolved",
		Type:       domain.NotificationTypeOrder,
		Message:    fmt.Sprintf("Your edit request %s is now %s", shortID(req.ID), req.Status),
		Recipients: []string{req.CustomerID},
		Attrs:      map[string]any{"order_id": req.OrderID, "edit_request_id": req.ID},
	}
}

func customerOrderAlert(order domain.Order, message string) Alert {
	return Alert{
		Name:       "order_status",
		Type:       orderNotificationType(order),
		Message:    message,
		Recipients: []string{order.CustomerID},
		Attrs:      orderAttrs(order),
	}
}

func orderNotificationType(order domain.Order) domain.NotificationType {
	if order.Kind == domain.OrderKindStockDesign {
		return domain.NotificationTypeStockDesign
	}
	return domain.NotificationTypeOrder
}

func orderAttrs(order domain.Order) map[string]any {
	return map[string]any{"order_id": order.ID}
}

func orderLabel(order domain.Order) string {
	if title := strings.TrimSpace(order.Title); title != "" {
		return fmt.Sprintf("%q", title)
	}
	return shortID(order.ID)
}

func shortID(id string) string {
	if len(id) > 8 {
		return "#" + id[:8]
	}
	return "#" + id
}

func roleLabel(role domain.Role) string {
	switch role {
	case domain.RoleSalesRep:
		return "sales representative"
	case "":
		return "user"
	default:
		return string(role)
	}
}

func formatAmount(minor int64) string {
	sign := ""
	if minor < 0 {
		sign = "-"
		minor = -minor
	}
	return fmt.Sprintf("%s%d.%02d", sign, minor/100, minor%100)
}
