// Package invoice ведёт счета и поддерживает payment_status покрытых заказов
// в соответствии со статусом счёта.
package invoice

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/orderdesk/internal/changefeed"
	"github.com/vladislavdragonenkov/orderdesk/internal/domain"
	"github.com/vladislavdragonenkov/orderdesk/internal/metrics"
	"github.com/vladislavdragonenkov/orderdesk/internal/service/effects"
	"github.com/vladislavdragonenkov/orderdesk/internal/service/notify"
	"github.com/vladislavdragonenkov/orderdesk/internal/service/outbox"
)

const defaultConflictRetries = 3

// Deps — зависимости Reconciler. Invoices и Orders обязательны.
type Deps struct {
	Invoices   domain.InvoiceRepository
	Orders     domain.OrderRepository
	Dispatcher *notify.Dispatcher
	Effects    effects.Runner
	Changes    domain.ChangePublisher
	Events     *outbox.Recorder
	Metrics    *metrics.WorkflowMetrics
	Logger     *log.Entry
}

// Reconciler — InvoiceReconciler: создание и изменение счетов со сверкой оплаты заказов.
type Reconciler struct {
	invoices   domain.InvoiceRepository
	orders     domain.OrderRepository
	dispatcher *notify.Dispatcher
	runner     effects.Runner
	changes    domain.ChangePublisher
	events     *outbox.Recorder
	metrics    *metrics.WorkflowMetrics
	logger     *log.Entry
	now        func() time.Time
	retries    int
}

// NewReconciler создаёт Reconciler.
func NewReconciler(deps Deps) *Reconciler {
	r := &Reconciler{
		invoices:   deps.Invoices,
		orders:     deps.Orders,
		dispatcher: deps.Dispatcher,
		runner:     deps.Effects,
		changes:    deps.Changes,
		events:     deps.Events,
		metrics:    deps.Metrics,
		logger:     deps.Logger,
		now:        func() time.Time { return time.Now().UTC() },
		retries:    defaultConflictRetries,
	}
	if r.logger == nil {
		r.logger = log.WithField("component", "invoice-reconciler")
	}
	if r.runner == nil {
		r.runner = effects.Discard{}
	}
	return r
}

// NewInvoice: входные данные для создания счёта.
type NewInvoice struct {
	CustomerID       string
	OrderIDs         []string
	TotalAmountMinor int64
	Status           domain.InvoiceStatus
}

// CreateInvoice создаёт счёт и проставляет статус оплаты покрытым заказам.
func (r *Reconciler) CreateInvoice(ctx context.Context, input NewInvoice, actor domain.Actor) (invoice domain.Invoice, err error) {
	defer r.observe("create_invoice", time.Now(), &err)

	if !actor.IsStaff() {
		return domain.Invoice{}, domain.Reject(domain.ReasonForbidden, "only admins and sales reps can issue invoices")
	}
	input.CustomerID = strings.TrimSpace(input.CustomerID)
	if input.CustomerID == "" {
		return domain.Invoice{}, domain.Reject(domain.ReasonInvalidInput, "customer id is required")
	}
	if input.TotalAmountMinor < 0 {
		return domain.Invoice{}, domain.Reject(domain.ReasonInvalidAmount, "invoice amount must not be negative")
	}
	if input.Status == "" {
		input.Status = domain.InvoiceStatusUnpaid
	}
	if input.Status != domain.InvoiceStatusUnpaid && input.Status != domain.InvoiceStatusPaid {
		return domain.Invoice{}, domain.Reject(domain.ReasonInvalidInput, fmt.Sprintf("invoice cannot be created as %q", input.Status))
	}

	orderIDs := domain.DedupeIDs(input.OrderIDs)
	if err := r.checkCoverage(ctx, input.CustomerID, orderIDs); err != nil {
		return domain.Invoice{}, err
	}

	now := r.now()
	invoice = domain.Invoice{
		ID:               uuid.NewString(),
		CustomerID:       input.CustomerID,
		OrderIDs:         orderIDs,
		TotalAmountMinor: input.TotalAmountMinor,
		Status:           input.Status,
		Version:          1,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := r.invoices.Create(ctx, invoice); err != nil {
		return domain.Invoice{}, fmt.Errorf("create invoice: %w", err)
	}

	swept, err := r.sweep(ctx, orderIDs, input.Status.PaymentStatus())
	if err != nil {
		return domain.Invoice{}, err
	}

	r.runner.Submit(ctx, changefeed.Effect(r.changes, domain.CollectionInvoices, domain.ChangeInsert, invoice, now))
	r.publishOrders(ctx, swept)
	if r.dispatcher != nil {
		r.dispatcher.Submit(ctx, r.runner, notify.InvoiceCreatedAlert(invoice))
	}
	r.runner.Submit(ctx, r.events.Effect(outbox.AggregateInvoice, outbox.WorkflowEvent{
		EventType:   outbox.EventInvoiceCreated,
		AggregateID: invoice.ID,
		ActorID:     actor.ID,
		To:          string(invoice.Status),
		Metadata:    map[string]any{"order_ids": orderIDs},
	}))
	return invoice, nil
}

// UpdateInvoice применяет патч счёта. Порядок шагов:
//  1. при смене набора заказов прежние заказы сбрасываются в unpaid, новые получают
//     статус оплаты по итоговому статусу счёта;
//  2. иначе при переходе в paid все покрытые заказы становятся paid, при уходе из paid становятся unpaid;
//  3. записывается сам счёт (с проверкой версии);
//  4. при переходе в paid или cancelled уведомляются клиент и администраторы.
//
// Шаги не объединены в транзакцию; повтор всей операции безопасен.
func (r *Reconciler) UpdateInvoice(ctx context.Context, invoiceID string, patch domain.InvoicePatch, actor domain.Actor) (invoice domain.Invoice, err error) {
	defer r.observe("update_invoice", time.Now(), &err)

	if !actor.IsStaff() {
		return domain.Invoice{}, domain.Reject(domain.ReasonForbidden, "only admins and sales reps can change invoices")
	}
	if patch.Empty() {
		return domain.Invoice{}, domain.Reject(domain.ReasonInvalidInput, "empty invoice update")
	}
	if patch.Status != nil && !patch.Status.Valid() {
		return domain.Invoice{}, domain.Reject(domain.ReasonInvalidInput, fmt.Sprintf("unknown invoice status %q", *patch.Status))
	}
	if patch.TotalAmountMinor != nil && *patch.TotalAmountMinor < 0 {
		return domain.Invoice{}, domain.Reject(domain.ReasonInvalidAmount, "invoice amount must not be negative")
	}

	logger := r.logger.WithFields(log.Fields{"invoice_id": invoiceID, "actor_id": actor.ID})
	for attempt := 1; attempt <= r.retries; attempt++ {
		current, err := r.invoices.Get(ctx, invoiceID)
		if err != nil {
			return domain.Invoice{}, fmt.Errorf("load invoice: %w", err)
		}
		if current.Status == domain.InvoiceStatusCancelled {
			return domain.Invoice{}, domain.Reject(domain.ReasonInvalidState, "cancelled invoices cannot be changed")
		}

		next := patch.ApplyTo(current)
		if patch.OrderIDs != nil {
			if err := r.checkCoverage(ctx, current.CustomerID, next.OrderIDs); err != nil {
				return domain.Invoice{}, err
			}
		}

		swept, err := r.reconcile(ctx, current, next, patch.OrderIDs != nil)
		if err != nil {
			return domain.Invoice{}, err
		}

		next.UpdatedAt = r.now()
		saved, err := r.invoices.Save(ctx, next)
		if err == nil {
			r.afterUpdate(ctx, current, saved, swept, actor)
			return saved, nil
		}
		if !domain.IsVersionConflict(err) {
			return domain.Invoice{}, fmt.Errorf("save invoice: %w", err)
		}
		r.metrics.RecordVersionConflict("invoice")
		logger.WithField("attempt", attempt).Warn("invoice version conflict, retrying")
	}

	return domain.Invoice{}, fmt.Errorf("update invoice %s: %w", invoiceID, domain.ErrInvoiceVersionConflict)
}

// GetInvoice возвращает счёт; клиент видит только свои счета.
func (r *Reconciler) GetInvoice(ctx context.Context, invoiceID string, actor domain.Actor) (domain.Invoice, error) {
	invoice, err := r.invoices.Get(ctx, invoiceID)
	if err != nil {
		return domain.Invoice{}, fmt.Errorf("load invoice: %w", err)
	}
	if actor.Role == domain.RoleCustomer && invoice.CustomerID != actor.ID {
		return domain.Invoice{}, domain.Reject(domain.ReasonForbidden, "customers can only view their own invoices")
	}
	return invoice, nil
}

// ListInvoices возвращает счета клиента.
func (r *Reconciler) ListInvoices(ctx context.Context, customerID string, limit int, actor domain.Actor) ([]domain.Invoice, error) {
	if actor.Role == domain.RoleCustomer && customerID != actor.ID {
		return nil, domain.Reject(domain.ReasonForbidden, "customers can only list their own invoices")
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return r.invoices.ListByCustomer(ctx, customerID, limit)
}

// reconcile выполняет сверку payment_status и возвращает затронутые заказы.
func (r *Reconciler) reconcile(ctx context.Context, current, next domain.Invoice, orderSetChanged bool) ([]domain.Order, error) {
	if orderSetChanged {
		released, err := r.sweep(ctx, current.OrderIDs, domain.PaymentStatusUnpaid)
		if err != nil {
			return nil, err
		}
		covered, err := r.sweep(ctx, next.OrderIDs, next.Status.PaymentStatus())
		if err != nil {
			return released, err
		}
		return mergeOrders(released, covered), nil
	}

	switch {
	case current.Status != domain.InvoiceStatusPaid && next.Status == domain.InvoiceStatusPaid:
		return r.sweep(ctx, current.OrderIDs, domain.PaymentStatusPaid)
	case current.Status == domain.InvoiceStatusPaid && next.Status != domain.InvoiceStatusPaid:
		return r.sweep(ctx, current.OrderIDs, domain.PaymentStatusUnpaid)
	default:
		return nil, nil
	}
}

func (r *Reconciler) sweep(ctx context.Context, orderIDs []string, status domain.PaymentStatus) ([]domain.Order, error) {
	if len(orderIDs) == 0 {
		return nil, nil
	}
	updated, err := r.orders.SetPaymentStatus(ctx, orderIDs, status)
	if err != nil {
		return nil, fmt.Errorf("set payment status %s: %w", status, err)
	}
	r.metrics.RecordPaymentSweep(string(status), len(updated))
	return updated, nil
}

// checkCoverage проверяет, что все заказы существуют и принадлежат клиенту счёта.
func (r *Reconciler) checkCoverage(ctx context.Context, customerID string, orderIDs []string) error {
	for _, id := range orderIDs {
		order, err := r.orders.Get(ctx, id)
		if err != nil {
			if domain.IsNotFound(err) {
				return domain.Reject(domain.ReasonInvalidInput, fmt.Sprintf("order %s does not exist", id))
			}
			return fmt.Errorf("load order %s: %w", id, err)
		}
		if order.CustomerID != customerID {
			return domain.Reject(domain.ReasonCustomerMismatch, fmt.Sprintf("order %s belongs to another customer", id))
		}
	}
	return nil
}

func (r *Reconciler) afterUpdate(ctx context.Context, before, after domain.Invoice, swept []domain.Order, actor domain.Actor) {
	r.runner.Submit(ctx, changefeed.Effect(r.changes, domain.CollectionInvoices, domain.ChangeUpdate, after, after.UpdatedAt))
	r.publishOrders(ctx, swept)

	if r.dispatcher != nil {
		r.dispatcher.Submit(ctx, r.runner, notify.InvoiceStatusAlerts(before, after)...)
	}
	if before.Status != after.Status {
		r.runner.Submit(ctx, r.events.Effect(outbox.AggregateInvoice, outbox.WorkflowEvent{
			EventType:   outbox.EventInvoiceStatusChanged,
			AggregateID: after.ID,
			ActorID:     actor.ID,
			From:        string(before.Status),
			To:          string(after.Status),
			Metadata:    map[string]any{"order_ids": after.OrderIDs},
		}))
	}
}

func (r *Reconciler) publishOrders(ctx context.Context, orders []domain.Order) {
	for _, order := range orders {
		r.runner.Submit(ctx, changefeed.Effect(r.changes, domain.CollectionOrders, domain.ChangeUpdate, order, order.UpdatedAt))
	}
}

func (r *Reconciler) observe(operation string, started time.Time, err *error) {
	result := metrics.ResultOK
	if *err != nil {
		result = metrics.ResultError
		if rej, ok := domain.AsRejection(*err); ok {
			result = metrics.ResultRejected
			r.metrics.RecordRejection(string(rej.Reason))
		}
	}
	r.metrics.ObserveOperation(operation, result, time.Since(started))
}

// mergeOrders оставляет последнюю версию каждого заказа.
func mergeOrders(groups ...[]domain.Order) []domain.Order {
	index := make(map[string]int)
	var out []domain.Order
	for _, group := range groups {
		for _, order := range group {
			if i, ok := index[order.ID]; ok {
				out[i] = order
				continue
			}
			index[order.ID] = len(out)
			out = append(out, order)
		}
	}
	return out
}
