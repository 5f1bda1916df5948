// Package grpcsvc публикует workflow заказов, счетов и запросов на правку через gRPC.
package grpcsvc

import (
	"context"
	"strings"
	"time"

	validatorv10 "github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/vladislavdragonenkov/orderdesk/internal/domain"
	"github.com/vladislavdragonenkov/orderdesk/internal/realtime"
	"github.com/vladislavdragonenkov/orderdesk/internal/service/editrequest"
	"github.com/vladislavdragonenkov/orderdesk/internal/service/effects"
	"github.com/vladislavdragonenkov/orderdesk/internal/service/invoice"
	"github.com/vladislavdragonenkov/orderdesk/internal/service/lifecycle"
	"github.com/vladislavdragonenkov/orderdesk/internal/service/notify"
)

const (
	// ActorIDHeader и ActorRoleHeader передают аутентифицированного инициатора.
	// Их проставляет шлюз аутентификации перед сервисом.
	ActorIDHeader   = "x-actor-id"
	ActorRoleHeader = "x-actor-role"

	watchBufferSize = 64
)

// Deps: зависимости WorkflowService.
type Deps struct {
	Orders       *lifecycle.Service
	Invoices     *invoice.Reconciler
	EditRequests *editrequest.Workflow
	Dispatcher   *notify.Dispatcher
	Effects      effects.Runner
	Realtime     *realtime.Manager
	Idempotency  domain.IdempotencyRepository
	Logger       *log.Entry
}

// WorkflowService реализует WorkflowServer поверх сервисов workflow.
type WorkflowService struct {
	orders       *lifecycle.Service
	invoices     *invoice.Reconciler
	editRequests *editrequest.Workflow
	dispatcher   *notify.Dispatcher
	runner       effects.Runner
	realtime     *realtime.Manager
	idemRepo     domain.IdempotencyRepository
	validate     *validatorv10.Validate
	logger       *log.Entry
	now          func() time.Time
}

var _ WorkflowServer = (*WorkflowService)(nil)

// NewWorkflowService конструирует сервис с зависимостями.
func NewWorkflowService(deps Deps) *WorkflowService {
	logger := deps.Logger
	if logger == nil {
		logger = log.WithField("component", "grpc-workflow")
	}
	runner := deps.Effects
	if runner == nil {
		runner = effects.Discard{}
	}
	return &WorkflowService{
		orders:       deps.Orders,
		invoices:     deps.Invoices,
		editRequests: deps.EditRequests,
		dispatcher:   deps.Dispatcher,
		runner:       runner,
		realtime:     deps.Realtime,
		idemRepo:     deps.Idempotency,
		validate:     newValidator(),
		logger:       logger,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// CreateOrder создаёт заказ.
func (s *WorkflowService) CreateOrder(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	actor, err := actorFromContext(ctx)
	if err != nil {
		return nil, err
	}
	var req createOrderRequest
	if err := decode(s.validate, in, &req); err != nil {
		return nil, err
	}
	return s.withIdempotency(ctx, MethodCreateOrder, actor, in, func(ctx context.Context) (*structpb.Struct, error) {
		order, err := s.orders.CreateOrder(ctx, lifecycle.NewOrder{
			CustomerID:       req.CustomerID,
			Kind:             domain.OrderKind(req.OrderType),
			Title:            req.Title,
			Description:      req.Description,
			TotalAmountMinor: req.TotalAmountMinor,
		}, actor)
		return s.respond(MethodCreateOrder, map[string]any{"order": order}, err)
	})
}

// UpdateOrder применяет одну группу изменений заказа.
func (s *WorkflowService) UpdateOrder(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	actor, err := actorFromContext(ctx)
	if err != nil {
		return nil, err
	}
	var req updateOrderRequest
	if err := decode(s.validate, in, &req); err != nil {
		return nil, err
	}
	patch, err := req.patch()
	if err != nil {
		return nil, toStatus(s.logger, MethodUpdateOrder, err)
	}
	return s.withIdempotency(ctx, MethodUpdateOrder, actor, in, func(ctx context.Context) (*structpb.Struct, error) {
		view, err := s.orders.UpdateOrder(ctx, req.OrderID, patch, actor)
		return s.respond(MethodUpdateOrder, map[string]any{"order": view}, err)
	})
}

// GetOrder возвращает заказ с именами участников и комментариями.
func (s *WorkflowService) GetOrder(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	actor, err := actorFromContext(ctx)
	if err != nil {
		return nil, err
	}
	var req idRequest
	if err := decode(s.validate, in, &req); err != nil {
		return nil, err
	}
	view, err := s.orders.GetOrder(ctx, req.ID, actor)
	return s.respond(MethodGetOrder, map[string]any{"order": view}, err)
}

// ListOrders возвращает заказы клиента, по умолчанию самого инициатора.
func (s *WorkflowService) ListOrders(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	actor, err := actorFromContext(ctx)
	if err != nil {
		return nil, err
	}
	var req listRequest
	if err := decode(s.validate, in, &req); err != nil {
		return nil, err
	}
	orders, err := s.orders.ListOrders(ctx, customerOrSelf(req.CustomerID, actor), req.Limit, actor)
	return s.respond(MethodListOrders, map[string]any{"orders": orders}, err)
}

// CreateInvoice выставляет счёт.
func (s *WorkflowService) CreateInvoice(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	actor, err := actorFromContext(ctx)
	if err != nil {
		return nil, err
	}
	var req createInvoiceRequest
	if err := decode(s.validate, in, &req); err != nil {
		return nil, err
	}
	return s.withIdempotency(ctx, MethodCreateInvoice, actor, in, func(ctx context.Context) (*structpb.Struct, error) {
		inv, err := s.invoices.CreateInvoice(ctx, invoice.NewInvoice{
			CustomerID:       req.CustomerID,
			OrderIDs:         req.OrderIDs,
			TotalAmountMinor: req.TotalAmountMinor,
			Status:           domain.InvoiceStatus(req.Status),
		}, actor)
		return s.respond(MethodCreateInvoice, map[string]any{"invoice": inv}, err)
	})
}

// UpdateInvoice меняет счёт и сверяет статус оплаты заказов.
func (s *WorkflowService) UpdateInvoice(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	actor, err := actorFromContext(ctx)
	if err != nil {
		return nil, err
	}
	var req updateInvoiceRequest
	if err := decode(s.validate, in, &req); err != nil {
		return nil, err
	}
	return s.withIdempotency(ctx, MethodUpdateInvoice, actor, in, func(ctx context.Context) (*structpb.Struct, error) {
		inv, err := s.invoices.UpdateInvoice(ctx, req.InvoiceID, req.patch(), actor)
		return s.respond(MethodUpdateInvoice, map[string]any{"invoice": inv}, err)
	})
}

// GetInvoice возвращает счёт.
func (s *WorkflowService) GetInvoice(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	actor, err := actorFromContext(ctx)
	if err != nil {
		return nil, err
	}
	var req idRequest
	if err := decode(s.validate, in, &req); err != nil {
		return nil, err
	}
	inv, err := s.invoices.GetInvoice(ctx, req.ID, actor)
	return s.respond(MethodGetInvoice, map[string]any{"invoice": inv}, err)
}

// ListInvoices возвращает счета клиента.
func (s *WorkflowService) ListInvoices(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	actor, err := actorFromContext(ctx)
	if err != nil {
		return nil, err
	}
	var req listRequest
	if err := decode(s.validate, in, &req); err != nil {
		return nil, err
	}
	invoices, err := s.invoices.ListInvoices(ctx, customerOrSelf(req.CustomerID, actor), req.Limit, actor)
	return s.respond(MethodListInvoices, map[string]any{"invoices": invoices}, err)
}

// CreateEditRequest переоткрывает завершённый заказ запросом на правку.
func (s *WorkflowService) CreateEditRequest(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	actor, err := actorFromContext(ctx)
	if err != nil {
		return nil, err
	}
	var req createEditRequestRequest
	if err := decode(s.validate, in, &req); err != nil {
		return nil, err
	}
	return s.withIdempotency(ctx, MethodCreateEditRequest, actor, in, func(ctx context.Context) (*structpb.Struct, error) {
		created, err := s.editRequests.CreateEditRequest(ctx, req.OrderID, req.Description, actor)
		return s.respond(MethodCreateEditRequest, map[string]any{"edit_request": created}, err)
	})
}

// ResolveEditRequest меняет статус запроса на правку.
func (s *WorkflowService) ResolveEditRequest(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	actor, err := actorFromContext(ctx)
	if err != nil {
		return nil, err
	}
	var req resolveEditRequestRequest
	if err := decode(s.validate, in, &req); err != nil {
		return nil, err
	}
	return s.withIdempotency(ctx, MethodResolveEditRequest, actor, in, func(ctx context.Context) (*structpb.Struct, error) {
		resolved, err := s.editRequests.ResolveEditRequest(ctx, req.EditRequestID, editrequest.Resolution{
			Status:        domain.EditRequestStatus(req.Status),
			DesignerNotes: req.DesignerNotes,
		}, actor)
		return s.respond(MethodResolveEditRequest, map[string]any{"edit_request": resolved}, err)
	})
}

// ListEditRequests возвращает запросы на правку заказа.
func (s *WorkflowService) ListEditRequests(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	actor, err := actorFromContext(ctx)
	if err != nil {
		return nil, err
	}
	var req listEditRequestsRequest
	if err := decode(s.validate, in, &req); err != nil {
		return nil, err
	}
	list, err := s.editRequests.ListEditRequests(ctx, req.OrderID, actor)
	return s.respond(MethodListEditRequests, map[string]any{"edit_requests": list}, err)
}

// ListNotifications возвращает входящие уведомления инициатора и число непрочитанных.
func (s *WorkflowService) ListNotifications(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	actor, err := actorFromContext(ctx)
	if err != nil {
		return nil, err
	}
	var req listNotificationsRequest
	if err := decode(s.validate, in, &req); err != nil {
		return nil, err
	}
	items, unread, err := s.dispatcher.Inbox(ctx, actor.ID, req.UnreadOnly, req.Limit)
	return s.respond(MethodListNotifications, map[string]any{"notifications": items, "unread": unread}, err)
}

// MarkNotificationRead отмечает уведомление инициатора прочитанным.
func (s *WorkflowService) MarkNotificationRead(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	actor, err := actorFromContext(ctx)
	if err != nil {
		return nil, err
	}
	var req markNotificationReadRequest
	if err := decode(s.validate, in, &req); err != nil {
		return nil, err
	}
	err = s.dispatcher.MarkRead(ctx, actor.ID, req.NotificationID)
	return s.respond(MethodMarkNotificationRead, map[string]any{"notification_id": req.NotificationID, "read": true}, err)
}

// RegisterProfile регистрирует профиль. Клиент регистрирует только себя и только как customer.
func (s *WorkflowService) RegisterProfile(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	actor, err := actorFromContext(ctx)
	if err != nil {
		return nil, err
	}
	var req registerProfileRequest
	if err := decode(s.validate, in, &req); err != nil {
		return nil, err
	}
	if actor.Role != domain.RoleAdmin {
		if req.ID != actor.ID || (req.Role != "" && domain.Role(req.Role) != actor.Role) {
			return nil, status.Error(codes.PermissionDenied, "profiles can only be registered for yourself")
		}
		req.Role = string(actor.Role)
	}
	profile, err := s.dispatcher.RegisterProfile(ctx, s.runner, domain.Profile{
		ID:       req.ID,
		FullName: req.FullName,
		Email:    req.Email,
		Role:     domain.Role(req.Role),
	})
	return s.respond(MethodRegisterProfile, map[string]any{"profile": profile}, err)
}

// WatchChanges транслирует изменения коллекции, пока клиент не закроет поток.
// События, пришедшие до подписки или во время разрыва, не воспроизводятся.
func (s *WorkflowService) WatchChanges(in *structpb.Struct, stream ChangeStreamServer) error {
	ctx := stream.Context()
	actor, err := actorFromContext(ctx)
	if err != nil {
		return err
	}
	if s.realtime == nil {
		return status.Error(codes.Unimplemented, "change streaming is not configured")
	}
	var req watchChangesRequest
	if err := decode(s.validate, in, &req); err != nil {
		return err
	}
	filter, err := scopeFilter(actor, req)
	if err != nil {
		return err
	}

	kinds := make([]domain.ChangeKind, 0, len(req.Kinds))
	for _, kind := range req.Kinds {
		kinds = append(kinds, domain.ChangeKind(kind))
	}

	id := "grpc-" + uuid.NewString()
	logger := s.logger.WithFields(log.Fields{"subscription_id": id, "collection": req.Collection, "actor_id": actor.ID})
	events := make(chan domain.ChangeEvent, watchBufferSize)
	channel, err := s.realtime.Subscribe(ctx, id, realtime.Spec{
		Collection: req.Collection,
		Kinds:      kinds,
		Filter:     filter,
		OnChange: func(event domain.ChangeEvent) {
			select {
			case events <- event:
			default:
				logger.Warn("watch stream is slow, change dropped")
			}
		},
	})
	if err != nil {
		logger.WithError(err).Warn("failed to open change subscription")
		return status.Error(codes.Unavailable, "change feed is unavailable")
	}
	defer s.realtime.Unsubscribe(id)
	logger.Debug("watch stream opened")

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-channel.Done():
			return status.Error(codes.Unavailable, "change feed closed")
		case event := <-events:
			msg, err := encode(event)
			if err != nil {
				logger.WithError(err).Warn("failed to encode change event")
				continue
			}
			if err := stream.Send(msg); err != nil {
				return err
			}
		}
	}
}

// scopeFilter ограничивает поток строками, которые инициатор вправе видеть.
func scopeFilter(actor domain.Actor, req watchChangesRequest) (realtime.RowFilter, error) {
	requested := realtime.RowFilter{Field: strings.TrimSpace(req.FilterField), Value: req.FilterValue}

	if req.Collection == domain.CollectionNotifications {
		if requested.Field != "" && (requested.Field != "recipient_id" || requested.Value != actor.ID) {
			return realtime.RowFilter{}, status.Error(codes.PermissionDenied, "notifications can only be watched for yourself")
		}
		return realtime.RowFilter{Field: "recipient_id", Value: actor.ID}, nil
	}
	if actor.IsStaff() {
		return requested, nil
	}

	var own realtime.RowFilter
	switch {
	case actor.Role == domain.RoleCustomer && req.Collection != domain.CollectionComments:
		own = realtime.RowFilter{Field: "customer_id", Value: actor.ID}
	case actor.Role == domain.RoleDesigner && req.Collection == domain.CollectionOrders:
		own = realtime.RowFilter{Field: "assigned_designer_id", Value: actor.ID}
	default:
		return realtime.RowFilter{}, status.Errorf(codes.PermissionDenied, "%s cannot watch %s", actor.Role, req.Collection)
	}
	if requested.Field != "" && requested != own {
		return realtime.RowFilter{}, status.Error(codes.PermissionDenied, "filter is outside of your scope")
	}
	return own, nil
}

func (s *WorkflowService) respond(method string, body map[string]any, err error) (*structpb.Struct, error) {
	if err != nil {
		return nil, toStatus(s.logger, method, err)
	}
	out, err := encode(body)
	if err != nil {
		return nil, toStatus(s.logger, method, err)
	}
	return out, nil
}

func actorFromContext(ctx context.Context) (domain.Actor, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return domain.Actor{}, status.Error(codes.Unauthenticated, "actor metadata is required")
	}
	actor := domain.Actor{ID: firstValue(md, ActorIDHeader), Role: domain.Role(firstValue(md, ActorRoleHeader))}
	if actor.ID == "" || !actor.Role.Valid() {
		return domain.Actor{}, status.Error(codes.Unauthenticated, "actor metadata is required")
	}
	return actor, nil
}

func firstValue(md metadata.MD, key string) string {
	values := md.Get(key)
	if len(values) == 0 {
		return ""
	}
	return strings.TrimSpace(values[0])
}

func customerOrSelf(customerID string, actor domain.Actor) string {
	if customerID = strings.TrimSpace(customerID); customerID != "" {
		return customerID
	}
	return actor.ID
}
