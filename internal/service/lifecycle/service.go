// Package lifecycle применяет изменения заказа: валидация перехода, запись с
// проверкой версии и неблокирующие эффекты (уведомления, change feed, outbox).
package lifecycle

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

const (
	defaultConflictRetries   = 3
	defaultConflictBaseDelay = 10 * time.Millisecond
)

// Deps — зависимости сервиса. Orders обязателен, остальное опционально.
type Deps struct {
	Orders     domain.OrderRepository
	Comments   domain.CommentRepository
	Directory  domain.Directory
	Dispatcher *notify.Dispatcher
	Effects    effects.Runner
	Changes    domain.ChangePublisher
	Events     *outbox.Recorder
	Metrics    *metrics.WorkflowMetrics
	Logger     *log.Entry
}

// Option настраивает Service.
type Option func(*Service)

// WithConflictRetries задаёт число попыток при конфликте версий и базовую задержку.
func WithConflictRetries(attempts int, baseDelay time.Duration) Option {
	return func(s *Service) {
		if attempts > 0 {
			s.conflictRetries = attempts
		}
		if baseDelay >= 0 {
			s.conflictBaseDelay = baseDelay
		}
	}
}

// WithClock подменяет источник времени.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// Service: OrderLifecycleService.
type Service struct {
	orders     domain.OrderRepository
	comments   domain.CommentRepository
	directory  domain.Directory
	dispatcher *notify.Dispatcher
	runner     effects.Runner
	changes    domain.ChangePublisher
	events     *outbox.Recorder
	metrics    *metrics.WorkflowMetrics
	logger     *log.Entry
	now        func() time.Time

	conflictRetries   int
	conflictBaseDelay time.Duration
}

// NewService создаёт сервис жизненного цикла заказа.
func NewService(deps Deps, options ...Option) *Service {
	s := &Service{
		orders:            deps.Orders,
		comments:          deps.Comments,
		directory:         deps.Directory,
		dispatcher:        deps.Dispatcher,
		runner:            deps.Effects,
		changes:           deps.Changes,
		events:            deps.Events,
		metrics:           deps.Metrics,
		logger:            deps.Logger,
		now:               func() time.Time { return time.Now().UTC() },
		conflictRetries:   defaultConflictRetries,
		conflictBaseDelay: defaultConflictBaseDelay,
	}
	for _, option := range options {
		option(s)
	}
	if s.logger == nil {
		s.logger = log.WithField("component", "order-lifecycle")
	}
	if s.runner == nil {
		s.runner = effects.Discard{}
	}
	return s
}

// NewOrder: входные данные для создания заказа.
type NewOrder struct {
	CustomerID       string
	Kind             domain.OrderKind
	Title            string
	Description      string
	TotalAmountMinor int64
}

// CreateOrder создаёт заказ в статусе pending. Клиент создаёт заказ только на себя.
func (s *Service) CreateOrder(ctx context.Context, input NewOrder, actor domain.Actor) (order domain.Order, err error) {
	defer s.observe("create_order", time.Now(), &err)

	input.CustomerID = strings.TrimSpace(input.CustomerID)
	if actor.Role == domain.RoleCustomer && input.CustomerID == "" {
		input.CustomerID = actor.ID
	}
	switch {
	case !actor.Role.Valid():
		return domain.Order{}, domain.Reject(domain.ReasonForbidden, "unknown actor role")
	case actor.Role == domain.RoleCustomer && input.CustomerID != actor.ID:
		return domain.Order{}, domain.Reject(domain.ReasonForbidden, "customers can only place their own orders")
	case input.CustomerID == "":
		return domain.Order{}, domain.Reject(domain.ReasonInvalidInput, "customer id is required")
	case strings.TrimSpace(input.Title) == "":
		return domain.Order{}, domain.Reject(domain.ReasonInvalidInput, "order title is required")
	case input.TotalAmountMinor < 0:
		return domain.Order{}, domain.Reject(domain.ReasonInvalidAmount, "total amount must not be negative")
	}
	if input.Kind == "" {
		input.Kind = domain.OrderKindCustom
	}
	if input.Kind != domain.OrderKindCustom && input.Kind != domain.OrderKindStockDesign {
		return domain.Order{}, domain.Reject(domain.ReasonInvalidInput, fmt.Sprintf("unknown order type %q", input.Kind))
	}

	now := s.now()
	order = domain.Order{
		ID:               uuid.NewString(),
		CustomerID:       input.CustomerID,
		Kind:             input.Kind,
		Title:            strings.TrimSpace(input.Title),
		Description:      strings.TrimSpace(input.Description),
		Status:           domain.OrderStatusPending,
		PaymentStatus:    domain.PaymentStatusUnpaid,
		TotalAmountMinor: input.TotalAmountMinor,
		Version:          1,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.orders.Create(ctx, order); err != nil {
		return domain.Order{}, fmt.Errorf("create order: %w", err)
	}

	s.runner.Submit(ctx, changefeed.Effect(s.changes, domain.CollectionOrders, domain.ChangeInsert, order, now))
	s.runner.Submit(ctx, s.events.Effect(outbox.AggregateOrder, outbox.WorkflowEvent{
		EventType:   outbox.EventOrderCreated,
		AggregateID: order.ID,
		ActorID:     actor.ID,
		To:          string(order.Status),
	}))
	return order, nil
}

// UpdateOrder валидирует и применяет патч, затем запускает эффекты.
// Отказ валидации возвращается как *domain.RejectionError без записи и уведомлений.
// Конфликт версии (например, с параллельной сверкой оплаты) приводит к перечитыванию
// заказа и повторной валидации.
func (s *Service) UpdateOrder(ctx context.Context, orderID string, patch domain.OrderPatch, actor domain.Actor) (view domain.OrderView, err error) {
	defer s.observe("update_order", time.Now(), &err)

	if patch != nil {
		patch = domain.NormalizePatch(patch)
	}
	logger := s.logger.WithFields(log.Fields{"order_id": orderID, "actor_id": actor.ID})

	for attempt := 1; attempt <= s.conflictRetries; attempt++ {
		current, err := s.orders.Get(ctx, orderID)
		if err != nil {
			return domain.OrderView{}, fmt.Errorf("load order: %w", err)
		}
		if actor.Role == domain.RoleCustomer && current.CustomerID != actor.ID {
			return domain.OrderView{}, domain.Reject(domain.ReasonForbidden, "customers can only edit their own orders")
		}
		if err := domain.ValidateOrderUpdate(current, patch, actor); err != nil {
			return domain.OrderView{}, err
		}

		next := patch.ApplyTo(current)
		if !changed(current, next) {
			logger.Debug("order update is a no-op")
			return s.view(ctx, current), nil
		}
		next.UpdatedAt = s.now()

		saved, err := s.orders.Save(ctx, next)
		if err == nil {
			s.afterUpdate(ctx, current, saved, actor)
			return s.view(ctx, saved), nil
		}
		if !domain.IsVersionConflict(err) {
			return domain.OrderView{}, fmt.Errorf("save order: %w", err)
		}

		s.metrics.RecordVersionConflict("order")
		logger.WithField("attempt", attempt).Warn("order version conflict, retrying")
		if err := s.sleep(ctx, attempt); err != nil {
			return domain.OrderView{}, err
		}
	}

	return domain.OrderView{}, fmt.Errorf("update order %s: %w", orderID, domain.ErrOrderVersionConflict)
}

// GetOrder возвращает денормализованный заказ с обсуждением.
func (s *Service) GetOrder(ctx context.Context, orderID string, actor domain.Actor) (view domain.OrderView, err error) {
	defer s.observe("get_order", time.Now(), &err)

	order, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return domain.OrderView{}, fmt.Errorf("load order: %w", err)
	}
	if actor.Role == domain.RoleCustomer && order.CustomerID != actor.ID {
		return domain.OrderView{}, domain.Reject(domain.ReasonForbidden, "customers can only view their own orders")
	}

	view = s.view(ctx, order)
	if s.comments != nil {
		comments, err := s.comments.List(ctx, orderID)
		if err != nil {
			s.logger.WithError(err).WithField("order_id", orderID).Warn("failed to load order comments")
		} else {
			view.Comments = comments
		}
	}
	return view, nil
}

// ListOrders возвращает заказы клиента.
func (s *Service) ListOrders(ctx context.Context, customerID string, limit int, actor domain.Actor) ([]domain.Order, error) {
	if actor.Role == domain.RoleCustomer && customerID != actor.ID {
		return nil, domain.Reject(domain.ReasonForbidden, "customers can only list their own orders")
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.orders.ListByCustomer(ctx, customerID, limit)
}

func (s *Service) afterUpdate(ctx context.Context, before, after domain.Order, actor domain.Actor) {
	s.runner.Submit(ctx, changefeed.Effect(s.changes, domain.CollectionOrders, domain.ChangeUpdate, after, after.UpdatedAt))

	if s.dispatcher != nil {
		alerts := append(notify.OrderAssignmentAlerts(before, after), notify.OrderStatusAlerts(before, after)...)
		s.dispatcher.Submit(ctx, s.runner, alerts...)
	}

	if before.Status != after.Status {
		s.runner.Submit(ctx, s.events.Effect(outbox.AggregateOrder, outbox.WorkflowEvent{
			EventType:   outbox.EventOrderStatusChanged,
			AggregateID: after.ID,
			ActorID:     actor.ID,
			From:        string(before.Status),
			To:          string(after.Status),
		}))
	}
	if before.DesignerID != after.DesignerID || before.SalesRepID != after.SalesRepID {
		s.runner.Submit(ctx, s.events.Effect(outbox.AggregateOrder, outbox.WorkflowEvent{
			EventType:   outbox.EventOrderAssignmentChanged,
			AggregateID: after.ID,
			ActorID:     actor.ID,
			Metadata: map[string]any{
				"assigned_designer_id":  after.DesignerID,
				"assigned_sales_rep_id": after.SalesRepID,
			},
		}))
	}
}

// view подставляет имена участников. Ошибка справочника не мешает вернуть заказ.
func (s *Service) view(ctx context.Context, order domain.Order) domain.OrderView {
	view := domain.OrderView{Order: order}
	if s.directory == nil {
		return view
	}

	ids := make([]string, 0, 3)
	for _, id := range []string{order.CustomerID, order.SalesRepID, order.DesignerID} {
		if id != "" {
			ids = append(ids, id)
		}
	}
	names, err := s.directory.Names(ctx, ids)
	if err != nil {
		s.logger.WithError(err).WithField("order_id", order.ID).Warn("failed to resolve participant names")
		return view
	}
	view.CustomerName = names[order.CustomerID]
	view.SalesRepName = names[order.SalesRepID]
	view.DesignerName = names[order.DesignerID]
	return view
}

func (s *Service) sleep(ctx context.Context, attempt int) error {
	if s.conflictBaseDelay <= 0 {
		return ctx.Err()
	}
	delay := s.conflictBaseDelay << (attempt - 1)
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (s *Service) observe(operation string, started time.Time, err *error) {
	result := metrics.ResultOK
	if *err != nil {
		result = metrics.ResultError
		if rej, ok := domain.AsRejection(*err); ok {
			result = metrics.ResultRejected
			s.metrics.RecordRejection(string(rej.Reason))
		}
	}
	s.metrics.ObserveOperation(operation, result, time.Since(started))
}

// changed сравнивает поля, которые может менять патч.
func changed(before, after domain.Order) bool {
	return before.Status != after.Status ||
		before.SalesRepID != after.SalesRepID ||
		before.DesignerID != after.DesignerID ||
		before.TotalAmountMinor != after.TotalAmountMinor ||
		before.Title != after.Title ||
		before.Description != after.Description
}
