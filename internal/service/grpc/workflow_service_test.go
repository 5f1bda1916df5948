package grpcsvc_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/vladislavdragonenkov/orderdesk/internal/changefeed"
	"github.com/vladislavdragonenkov/orderdesk/internal/domain"
	"github.com/vladislavdragonenkov/orderdesk/internal/realtime"
	"github.com/vladislavdragonenkov/orderdesk/internal/service/editrequest"
	"github.com/vladislavdragonenkov/orderdesk/internal/service/effects"
	grpcsvc "github.com/vladislavdragonenkov/orderdesk/internal/service/grpc"
	"github.com/vladislavdragonenkov/orderdesk/internal/service/invoice"
	"github.com/vladislavdragonenkov/orderdesk/internal/service/lifecycle"
	"github.com/vladislavdragonenkov/orderdesk/internal/service/notify"
	"github.com/vladislavdragonenkov/orderdesk/internal/storage/memory"
)

const bufSize = 1024 * 1024

var (
	admin    = domain.Actor{ID: "admin-1", Role: domain.RoleAdmin}
	rep      = domain.Actor{ID: "rep-1", Role: domain.RoleSalesRep}
	customer = domain.Actor{ID: "cust-1", Role: domain.RoleCustomer}
)

type testServer struct {
	client   *grpcsvc.Client
	realtime *realtime.Manager
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	logger := loggerForTests()
	orders := memory.NewOrderRepository()
	comments := memory.NewCommentRepository()
	directory := memory.NewDirectory(
		domain.Profile{ID: "admin-1", FullName: "Ada", Role: domain.RoleAdmin},
		domain.Profile{ID: "rep-1", FullName: "Rita", Role: domain.RoleSalesRep},
		domain.Profile{ID: "d1", FullName: "Dan", Role: domain.RoleDesigner},
		domain.Profile{ID: "cust-1", FullName: "Carl", Role: domain.RoleCustomer},
	)
	broker := changefeed.NewBroker(0, logger)
	runner := effects.NewInlineRunner(effects.WithRetryBaseDelay(0), effects.WithLogger(logger))
	dispatcher := notify.NewDispatcher(memory.NewNotificationRepository(), directory, notify.WithChangePublisher(broker))

	manager := realtime.NewManager(broker, realtime.WithLogger(logger))
	require.NoError(t, manager.Open())

	service := grpcsvc.NewWorkflowService(grpcsvc.Deps{
		Orders: lifecycle.NewService(lifecycle.Deps{
			Orders: orders, Comments: comments, Directory: directory,
			Dispatcher: dispatcher, Effects: runner, Changes: broker,
		}),
		Invoices: invoice.NewReconciler(invoice.Deps{
			Invoices: memory.NewInvoiceRepository(), Orders: orders,
			Dispatcher: dispatcher, Effects: runner, Changes: broker,
		}),
		EditRequests: editrequest.NewWorkflow(editrequest.Deps{
			Requests: memory.NewEditRequestRepository(), Orders: orders, Comments: comments,
			Dispatcher: dispatcher, Effects: runner, Changes: broker,
		}),
		Dispatcher:  dispatcher,
		Effects:     runner,
		Realtime:    manager,
		Idempotency: memory.NewIdempotencyRepository(),
		Logger:      logger,
	})

	listener := bufconn.Listen(bufSize)
	server := grpc.NewServer()
	grpcsvc.RegisterWorkflowServer(server, service)
	go func() {
		if err := server.Serve(listener); err != nil {
			logger.WithError(err).Error("grpc serve failed")
		}
	}()

	dialer := func(context.Context, string) (net.Conn, error) {
		return listener.Dial()
	}
	//nolint:staticcheck // grpc.Dial is required for bufconn testing
	conn, err := grpc.Dial("bufnet", grpc.WithContextDialer(dialer), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = conn.Close()
		server.Stop()
		_ = manager.CloseAll(context.Background())
		_ = broker.Close()
	})
	return &testServer{client: grpcsvc.NewClient(conn), realtime: manager}
}

func loggerForTests() *logrus.Entry {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: false, DisableTimestamp: true})
	logger.SetLevel(logrus.DebugLevel)
	return logger.WithField("component", "test")
}

func actorCtx(actor domain.Actor, kv ...string) context.Context {
	pairs := append([]string{grpcsvc.ActorIDHeader, actor.ID, grpcsvc.ActorRoleHeader, string(actor.Role)}, kv...)
	return metadata.AppendToOutgoingContext(context.Background(), pairs...)
}

func (s *testServer) call(t *testing.T, ctx context.Context, method string, body map[string]any) (*structpb.Struct, error) {
	t.Helper()
	in, err := structpb.NewStruct(body)
	require.NoError(t, err)
	return s.client.Call(ctx, method, in)
}

func (s *testServer) mustCall(t *testing.T, ctx context.Context, method string, body map[string]any) *structpb.Struct {
	t.Helper()
	out, err := s.call(t, ctx, method, body)
	require.NoError(t, err)
	return out
}

func record(resp *structpb.Struct, name string) map[string]any {
	return resp.Fields[name].GetStructValue().AsMap()
}

func requireCode(t *testing.T, err error, code codes.Code) {
	t.Helper()
	require.Error(t, err)
	require.Equal(t, code, status.Code(err), err.Error())
}

func (s *testServer) createOrder(t *testing.T) string {
	t.Helper()
	resp := s.mustCall(t, actorCtx(customer), grpcsvc.MethodCreateOrder, map[string]any{
		"title":              "Wedding invitations",
		"total_amount_minor": 12000,
	})
	return record(resp, "order")["id"].(string)
}

func TestWorkflowService_RequiresActor(t *testing.T) {
	srv := newTestServer(t)

	_, err := srv.call(t, context.Background(), grpcsvc.MethodGetOrder, map[string]any{"id": "o1"})
	requireCode(t, err, codes.Unauthenticated)

	ctx := actorCtx(domain.Actor{ID: "x", Role: "owner"})
	_, err = srv.call(t, ctx, grpcsvc.MethodGetOrder, map[string]any{"id": "o1"})
	requireCode(t, err, codes.Unauthenticated)
}

func TestWorkflowService_UpdateOrderRejections(t *testing.T) {
	srv := newTestServer(t)
	orderID := srv.createOrder(t)

	_, err := srv.call(t, actorCtx(admin), grpcsvc.MethodUpdateOrder, map[string]any{
		"order_id": orderID,
		"status":   "in_progress",
	})
	requireCode(t, err, codes.FailedPrecondition)
	require.Contains(t, status.Convert(err).Message(), string(domain.ReasonMissingDesigner))

	_, err = srv.call(t, actorCtx(admin), grpcsvc.MethodUpdateOrder, map[string]any{
		"order_id":           orderID,
		"status":             "assigned",
		"total_amount_minor": 100,
	})
	requireCode(t, err, codes.InvalidArgument)

	_, err = srv.call(t, actorCtx(admin), grpcsvc.MethodUpdateOrder, map[string]any{"status": "assigned"})
	requireCode(t, err, codes.InvalidArgument)

	_, err = srv.call(t, actorCtx(admin), grpcsvc.MethodUpdateOrder, map[string]any{"order_id": "missing", "status": "assigned"})
	requireCode(t, err, codes.NotFound)

	_, err = srv.call(t, actorCtx(domain.Actor{ID: "cust-2", Role: domain.RoleCustomer}), grpcsvc.MethodGetOrder, map[string]any{"id": orderID})
	requireCode(t, err, codes.PermissionDenied)
}

func TestWorkflowService_OrderToInvoiceFlow(t *testing.T) {
	srv := newTestServer(t)
	orderID := srv.createOrder(t)

	resp := srv.mustCall(t, actorCtx(admin), grpcsvc.MethodUpdateOrder, map[string]any{
		"order_id":              orderID,
		"status":                "in_progress",
		"assigned_designer_id":  "d1",
		"assigned_sales_rep_id": "rep-1",
	})
	order := record(resp, "order")
	require.Equal(t, "in_progress", order["status"])
	require.Equal(t, "Dan", order["designer_name"])

	srv.mustCall(t, actorCtx(rep), grpcsvc.MethodUpdateOrder, map[string]any{"order_id": orderID, "status": "completed"})

	resp = srv.mustCall(t, actorCtx(rep), grpcsvc.MethodCreateInvoice, map[string]any{
		"customer_id":        "cust-1",
		"order_ids":          []any{orderID},
		"total_amount_minor": 12000,
	})
	invoiceID := record(resp, "invoice")["id"].(string)

	srv.mustCall(t, actorCtx(admin), grpcsvc.MethodUpdateInvoice, map[string]any{"invoice_id": invoiceID, "status": "paid"})

	resp = srv.mustCall(t, actorCtx(customer), grpcsvc.MethodGetOrder, map[string]any{"id": orderID})
	require.Equal(t, "paid", record(resp, "order")["payment_status"])

	resp = srv.mustCall(t, actorCtx(customer), grpcsvc.MethodListInvoices, map[string]any{})
	require.Len(t, resp.Fields["invoices"].GetListValue().GetValues(), 1)

	resp = srv.mustCall(t, actorCtx(customer), grpcsvc.MethodListNotifications, map[string]any{"unread_only": true})
	require.Positive(t, resp.Fields["unread"].GetNumberValue())

	_, err := srv.call(t, actorCtx(customer), grpcsvc.MethodUpdateInvoice, map[string]any{"invoice_id": invoiceID, "status": "cancelled"})
	requireCode(t, err, codes.PermissionDenied)
}

func TestWorkflowService_CreateEditRequestIsIdempotent(t *testing.T) {
	srv := newTestServer(t)
	orderID := srv.createOrder(t)

	srv.mustCall(t, actorCtx(admin), grpcsvc.MethodUpdateOrder, map[string]any{
		"order_id":              orderID,
		"status":                "completed",
		"assigned_designer_id":  "d1",
		"assigned_sales_rep_id": "rep-1",
	})

	ctx := actorCtx(customer, "idempotency-key", "edit-1")
	body := map[string]any{"order_id": orderID, "description": "Bigger font please"}
	first := srv.mustCall(t, ctx, grpcsvc.MethodCreateEditRequest, body)
	second := srv.mustCall(t, ctx, grpcsvc.MethodCreateEditRequest, body)
	require.Equal(t, record(first, "edit_request")["id"], record(second, "edit_request")["id"])

	resp := srv.mustCall(t, actorCtx(customer), grpcsvc.MethodGetOrder, map[string]any{"id": orderID})
	order := record(resp, "order")
	require.Equal(t, "new", order["status"])
	require.EqualValues(t, 1, order["revision_count"])

	resp = srv.mustCall(t, actorCtx(customer), grpcsvc.MethodListEditRequests, map[string]any{"order_id": orderID})
	require.Len(t, resp.Fields["edit_requests"].GetListValue().GetValues(), 1)

	_, err := srv.call(t, ctx, grpcsvc.MethodCreateEditRequest, map[string]any{"order_id": orderID, "description": "other"})
	requireCode(t, err, codes.AlreadyExists)

	// отказ тоже сохраняется за ключом
	failCtx := actorCtx(customer, "idempotency-key", "edit-2")
	_, err = srv.call(t, failCtx, grpcsvc.MethodCreateEditRequest, body)
	requireCode(t, err, codes.FailedPrecondition)
	_, err = srv.call(t, failCtx, grpcsvc.MethodCreateEditRequest, body)
	requireCode(t, err, codes.FailedPrecondition)
}

func TestWorkflowService_RegisterProfile(t *testing.T) {
	srv := newTestServer(t)
	newcomer := domain.Actor{ID: "cust-9", Role: domain.RoleCustomer}

	_, err := srv.call(t, actorCtx(newcomer), grpcsvc.MethodRegisterProfile, map[string]any{"id": "cust-9", "role": "admin"})
	requireCode(t, err, codes.PermissionDenied)

	resp := srv.mustCall(t, actorCtx(newcomer), grpcsvc.MethodRegisterProfile, map[string]any{"id": "cust-9", "full_name": "Nina"})
	require.Equal(t, "customer", record(resp, "profile")["role"])

	resp = srv.mustCall(t, actorCtx(admin), grpcsvc.MethodListNotifications, map[string]any{})
	items := resp.Fields["notifications"].GetListValue().GetValues()
	require.Len(t, items, 1)
	require.Equal(t, "New customer registered: Nina", items[0].GetStructValue().Fields["message"].GetStringValue())

	_, err = srv.call(t, actorCtx(newcomer), grpcsvc.MethodRegisterProfile, map[string]any{"id": "cust-9", "email": "not-an-email"})
	requireCode(t, err, codes.InvalidArgument)
}

func TestWorkflowService_WatchChanges(t *testing.T) {
	srv := newTestServer(t)
	orderID := srv.createOrder(t)

	ctx, cancel := context.WithTimeout(actorCtx(customer), 5*time.Second)
	defer cancel()

	in, err := structpb.NewStruct(map[string]any{"collection": "orders", "kinds": []any{"update"}})
	require.NoError(t, err)
	stream, err := srv.client.WatchChanges(ctx, in)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return srv.realtime.Len() == 1 }, 2*time.Second, 10*time.Millisecond)

	srv.mustCall(t, actorCtx(admin), grpcsvc.MethodUpdateOrder, map[string]any{
		"order_id":              orderID,
		"assigned_sales_rep_id": "rep-1",
	})

	event, err := stream.Recv()
	require.NoError(t, err)
	require.Equal(t, "update", event.Fields["kind"].GetStringValue())
	row := event.Fields["row"].GetStructValue().AsMap()
	require.Equal(t, orderID, row["id"])
	require.Equal(t, "rep-1", row["assigned_sales_rep_id"])

	cancel()
	require.Eventually(t, func() bool { return srv.realtime.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestWorkflowService_WatchChangesScope(t *testing.T) {
	srv := newTestServer(t)

	in, err := structpb.NewStruct(map[string]any{"collection": "orders", "filter_field": "customer_id", "filter_value": "cust-2"})
	require.NoError(t, err)
	stream, err := srv.client.WatchChanges(actorCtx(customer), in)
	require.NoError(t, err)
	_, err = stream.Recv()
	requireCode(t, err, codes.PermissionDenied)

	in, err = structpb.NewStruct(map[string]any{"collection": "payments"})
	require.NoError(t, err)
	stream, err = srv.client.WatchChanges(actorCtx(admin), in)
	require.NoError(t, err)
	_, err = stream.Recv()
	requireCode(t, err, codes.InvalidArgument)
}
