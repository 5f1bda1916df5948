// Package editrequest ведёт запросы на правку завершённых заказов: создание
// с переоткрытием заказа и разрешение запроса сотрудниками.
package editrequest

import (
	"context"
	"errors"
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

const defaultReopenRetries = 3

// Deps: зависимости Workflow. Requests и Orders обязательны.
type Deps struct {
	Requests   domain.EditRequestRepository
	Orders     domain.OrderRepository
	Comments   domain.CommentRepository
	Dispatcher *notify.Dispatcher
	Effects    effects.Runner
	Changes    domain.ChangePublisher
	Events     *outbox.Recorder
	Metrics    *metrics.WorkflowMetrics
	Logger     *log.Entry
}

// Workflow: EditRequestWorkflow.
type Workflow struct {
	requests   domain.EditRequestRepository
	orders     domain.OrderRepository
	comments   domain.CommentRepository
	dispatcher *notify.Dispatcher
	runner     effects.Runner
	changes    domain.ChangePublisher
	events     *outbox.Recorder
	metrics    *metrics.WorkflowMetrics
	logger     *log.Entry
	now        func() time.Time
	retries    int
}

// NewWorkflow создаёт Workflow.
func NewWorkflow(deps Deps) *Workflow {
	w := &Workflow{
		requests:   deps.Requests,
		orders:     deps.Orders,
		comments:   deps.Comments,
		dispatcher: deps.Dispatcher,
		runner:     deps.Effects,
		changes:    deps.Changes,
		events:     deps.Events,
		metrics:    deps.Metrics,
		logger:     deps.Logger,
		now:        func() time.Time { return time.Now().UTC() },
		retries:    defaultReopenRetries,
	}
	if w.logger == nil {
		w.logger = log.WithField("component", "edit-request-workflow")
	}
	if w.runner == nil {
		w.runner = effects.Discard{}
	}
	return w
}

// CreateEditRequest регистрирует запрос на правку завершённого заказа:
//  1. заказ должен быть в статусе completed, иначе InvalidState;
//  2. запрос записывается в статусе pending;
//  3. заказ переводится в new, revision_count увеличивается на 1;
//  4. аудит-комментарий и уведомления отправляются как неблокирующие эффекты.
//
// Если переоткрыть заказ не удалось, запись запроса удаляется.
func (w *Workflow) CreateEditRequest(ctx context.Context, orderID, description string, actor domain.Actor) (req domain.EditRequest, err error) {
	defer w.observe("create_edit_request", time.Now(), &err)

	description = strings.TrimSpace(description)
	if description == "" {
		return domain.EditRequest{}, domain.Reject(domain.ReasonInvalidInput, "edit request description is required")
	}

	order, err := w.orders.Get(ctx, orderID)
	if err != nil {
		return domain.EditRequest{}, fmt.Errorf("load order: %w", err)
	}
	if !actor.IsStaff() && order.CustomerID != actor.ID {
		return domain.EditRequest{}, domain.Reject(domain.ReasonForbidden, "only the order owner or staff can request edits")
	}
	if order.Status != domain.OrderStatusCompleted {
		return domain.EditRequest{}, domain.Reject(domain.ReasonInvalidState,
			fmt.Sprintf("edits can be requested only for completed orders, order is %s", order.Status))
	}

	now := w.now()
	req = domain.EditRequest{
		ID:          uuid.NewString(),
		OrderID:     order.ID,
		CustomerID:  order.CustomerID,
		Description: description,
		Status:      domain.EditRequestStatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := w.requests.Create(ctx, req); err != nil {
		return domain.EditRequest{}, fmt.Errorf("create edit request: %w", err)
	}

	logger := w.logger.WithFields(log.Fields{"order_id": order.ID, "edit_request_id": req.ID})
	reopened, err := w.reopen(ctx, order)
	if err != nil {
		if delErr := w.requests.Delete(context.WithoutCancel(ctx), req.ID); delErr != nil {
			logger.WithError(delErr).Error("failed to delete edit request after reopen failure")
		}
		return domain.EditRequest{}, err
	}
	logger.WithField("revision", reopened.RevisionCount).Info("order reopened by edit request")

	w.runner.Submit(ctx, w.auditComment(req, actor))
	w.runner.Submit(ctx, changefeed.Effect(w.changes, domain.CollectionEditRequests, domain.ChangeInsert, req, now))
	w.runner.Submit(ctx, changefeed.Effect(w.changes, domain.CollectionOrders, domain.ChangeUpdate, reopened, reopened.UpdatedAt))
	if w.dispatcher != nil {
		w.dispatcher.Submit(ctx, w.runner, notify.EditRequestCreatedAlerts(reopened, req)...)
	}
	w.runner.Submit(ctx, w.events.Effect(outbox.AggregateEditRequest, outbox.WorkflowEvent{
		EventType:   outbox.EventEditRequestCreated,
		AggregateID: req.ID,
		ActorID:     actor.ID,
		To:          string(req.Status),
		Metadata:    map[string]any{"order_id": order.ID},
	}))
	w.runner.Submit(ctx, w.events.Effect(outbox.AggregateOrder, outbox.WorkflowEvent{
		EventType:   outbox.EventOrderReopened,
		AggregateID: reopened.ID,
		ActorID:     actor.ID,
		From:        string(domain.OrderStatusCompleted),
		To:          string(reopened.Status),
		Metadata:    map[string]any{"edit_request_id": req.ID, "revision_count": reopened.RevisionCount},
	}))
	return req, nil
}

// reopen переводит заказ в new и увеличивает счётчик ревизий. При конфликте версий
// заказ перечитывается; если он успел уйти из completed, возвращается InvalidState.
func (w *Workflow) reopen(ctx context.Context, order domain.Order) (domain.Order, error) {
	for attempt := 1; attempt <= w.retries; attempt++ {
		if attempt > 1 {
			current, err := w.orders.Get(ctx, order.ID)
			if err != nil {
				return domain.Order{}, fmt.Errorf("reload order: %w", err)
			}
			if current.Status != domain.OrderStatusCompleted {
				return domain.Order{}, domain.Reject(domain.ReasonInvalidState,
					fmt.Sprintf("order moved to %s while the edit request was created", current.Status))
			}
			order = current
		}

		next := order
		next.Status = domain.OrderStatusNew
		next.RevisionCount++
		next.UpdatedAt = w.now()

		saved, err := w.orders.Save(ctx, next)
		if err == nil {
			return saved, nil
		}
		if !domain.IsVersionConflict(err) {
			return domain.Order{}, fmt.Errorf("reopen order: %w", err)
		}
		w.metrics.RecordVersionConflict("order")
	}
	return domain.Order{}, fmt.Errorf("reopen order %s: %w", order.ID, domain.ErrOrderVersionConflict)
}

func (w *Workflow) auditComment(req domain.EditRequest, actor domain.Actor) effects.Effect {
	comment := domain.Comment{
		ID:            uuid.NewString(),
		OrderID:       req.OrderID,
		AuthorID:      actor.ID,
		EditRequestID: req.ID,
		Body:          "Edit requested: " + req.Description,
		CreatedAt:     req.CreatedAt,
	}
	return effects.Effect{
		Name:    "audit.edit_request",
		Kind:    effects.KindAuditComment,
		Attrs:   log.Fields{"order_id": req.OrderID, "edit_request_id": req.ID},
		Payload: comment,
		Run: func(ctx context.Context) error {
			if w.comments == nil {
				return nil
			}
			if err := w.comments.Append(ctx, comment); err != nil && !errors.Is(err, domain.ErrAlreadyExists) {
				return err
			}
			return nil
		},
	}
}

// Resolution — решение по запросу на правку.
type Resolution struct {
	Status        domain.EditRequestStatus
	DesignerNotes string
}

// ResolveEditRequest переводит запрос: pending → approved|rejected (admin, sales_rep),
// approved → completed (admin, sales_rep или назначенный дизайнер заказа).
func (w *Workflow) ResolveEditRequest(ctx context.Context, requestID string, resolution Resolution, actor domain.Actor) (req domain.EditRequest, err error) {
	defer w.observe("resolve_edit_request", time.Now(), &err)

	current, err := w.requests.Get(ctx, requestID)
	if err != nil {
		return domain.EditRequest{}, fmt.Errorf("load edit request: %w", err)
	}
	if !current.Status.CanTransitionTo(resolution.Status) {
		return domain.EditRequest{}, domain.Reject(domain.ReasonInvalidTransition,
			fmt.Sprintf("edit request cannot move from %s to %s", current.Status, resolution.Status))
	}
	if err := w.authorizeResolution(ctx, current, resolution.Status, actor); err != nil {
		return domain.EditRequest{}, err
	}

	now := w.now()
	req = current
	req.Status = resolution.Status
	req.ResolvedBy = actor.ID
	req.ResolvedAt = &now
	req.UpdatedAt = now
	if notes := strings.TrimSpace(resolution.DesignerNotes); notes != "" {
		req.DesignerNotes = notes
	}

	if err := w.requests.Resolve(ctx, req, current.Status); err != nil {
		return domain.EditRequest{}, fmt.Errorf("resolve edit request: %w", err)
	}

	w.logger.WithFields(log.Fields{
		"edit_request_id": req.ID,
		"order_id":        req.OrderID,
		"status":          req.Status,
	}).Info("edit request resolved")

	w.runner.Submit(ctx, changefeed.Effect(w.changes, domain.CollectionEditRequests, domain.ChangeUpdate, req, now))
	if w.dispatcher != nil {
		w.dispatcher.Submit(ctx, w.runner, notify.EditRequestResolvedAlert(req))
	}
	w.runner.Submit(ctx, w.events.Effect(outbox.AggregateEditRequest, outbox.WorkflowEvent{
		EventType:   outbox.EventEditRequestStatusChanged,
		AggregateID: req.ID,
		ActorID:     actor.ID,
		From:        string(current.Status),
		To:          string(req.Status),
		Metadata:    map[string]any{"order_id": req.OrderID},
	}))
	return req, nil
}

func (w *Workflow) authorizeResolution(ctx context.Context, req domain.EditRequest, next domain.EditRequestStatus, actor domain.Actor) error {
	if actor.IsStaff() {
		return nil
	}
	if next != domain.EditRequestStatusCompleted || actor.Role != domain.RoleDesigner {
		return domain.Reject(domain.ReasonForbidden, "only admins and sales reps can resolve edit requests")
	}
	order, err := w.orders.Get(ctx, req.OrderID)
	if err != nil {
		return fmt.Errorf("load order: %w", err)
	}
	if order.DesignerID != actor.ID {
		return domain.Reject(domain.ReasonForbidden, "only the assigned designer can complete an edit request")
	}
	return nil
}

// ListEditRequests возвращает запросы по заказу; клиент видит только свои.
func (w *Workflow) ListEditRequests(ctx context.Context, orderID string, actor domain.Actor) ([]domain.EditRequest, error) {
	if actor.Role == domain.RoleCustomer {
		order, err := w.orders.Get(ctx, orderID)
		if err != nil {
			return nil, fmt.Errorf("load order: %w", err)
		}
		if order.CustomerID != actor.ID {
			return nil, domain.Reject(domain.ReasonForbidden, "customers can only view their own edit requests")
		}
	}
	return w.requests.ListByOrder(ctx, orderID)
}

func (w *Workflow) observe(operation string, started time.Time, err *error) {
	result := metrics.ResultOK
	if *err != nil {
		result = metrics.ResultError
		if rej, ok := domain.AsRejection(*err); ok {
			result = metrics.ResultRejected
			w.metrics.RecordRejection(string(rej.Reason))
		}
	}
	w.metrics.ObserveOperation(operation, result, time.Since(started))
}
