package grpcsvc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName: полное имя gRPC-сервиса. Сообщения передаются как google.protobuf.Struct
// с JSON-полями записей, поэтому генерация кода не требуется.
const ServiceName = "orderdesk.v1.WorkflowService"

const (
	MethodCreateOrder          = "CreateOrder"
	MethodUpdateOrder          = "UpdateOrder"
	MethodGetOrder             = "GetOrder"
	MethodListOrders           = "ListOrders"
	MethodCreateInvoice        = "CreateInvoice"
	MethodUpdateInvoice        = "UpdateInvoice"
	MethodGetInvoice           = "GetInvoice"
	MethodListInvoices         = "ListInvoices"
	MethodCreateEditRequest    = "CreateEditRequest"
	MethodResolveEditRequest   = "ResolveEditRequest"
	MethodListEditRequests     = "ListEditRequests"
	MethodListNotifications    = "ListNotifications"
	MethodMarkNotificationRead = "MarkNotificationRead"
	MethodRegisterProfile      = "RegisterProfile"
	MethodWatchChanges         = "WatchChanges"
)

// FullMethod возвращает путь метода для grpc.Invoke и интерсепторов.
func FullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

// WorkflowServer — серверная сторона WorkflowService.
type WorkflowServer interface {
	CreateOrder(context.Context, *structpb.Struct) (*structpb.Struct, error)
	UpdateOrder(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetOrder(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListOrders(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CreateInvoice(context.Context, *structpb.Struct) (*structpb.Struct, error)
	UpdateInvoice(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetInvoice(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListInvoices(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CreateEditRequest(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ResolveEditRequest(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListEditRequests(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListNotifications(context.Context, *structpb.Struct) (*structpb.Struct, error)
	MarkNotificationRead(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RegisterProfile(context.Context, *structpb.Struct) (*structpb.Struct, error)
	WatchChanges(*structpb.Struct, ChangeStreamServer) error
}

// ChangeStreamServer: серверный поток WatchChanges.
type ChangeStreamServer interface {
	Send(*structpb.Struct) error
	grpc.ServerStream
}

type changeStreamServer struct {
	grpc.ServerStream
}

func (s *changeStreamServer) Send(m *structpb.Struct) error {
	return s.ServerStream.SendMsg(m)
}

type unaryCall func(WorkflowServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(method string, call unaryCall) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(WorkflowServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(method)}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(WorkflowServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

func watchChangesHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(WorkflowServer).WatchChanges(in, &changeStreamServer{ServerStream: stream})
}

// WorkflowServiceDesc описывает WorkflowService для grpc.Server.RegisterService.
var WorkflowServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*WorkflowServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: MethodCreateOrder, Handler: unaryHandler(MethodCreateOrder, WorkflowServer.CreateOrder)},
		{MethodName: MethodUpdateOrder, Handler: unaryHandler(MethodUpdateOrder, WorkflowServer.UpdateOrder)},
		{MethodName: MethodGetOrder, Handler: unaryHandler(MethodGetOrder, WorkflowServer.GetOrder)},
		{MethodName: MethodListOrders, Handler: unaryHandler(MethodListOrders, WorkflowServer.ListOrders)},
		{MethodName: MethodCreateInvoice, Handler: unaryHandler(MethodCreateInvoice, WorkflowServer.CreateInvoice)},
		{MethodName: MethodUpdateInvoice, Handler: unaryHandler(MethodUpdateInvoice, WorkflowServer.UpdateInvoice)},
		{MethodName: MethodGetInvoice, Handler: unaryHandler(MethodGetInvoice, WorkflowServer.GetInvoice)},
		{MethodName: MethodListInvoices, Handler: unaryHandler(MethodListInvoices, WorkflowServer.ListInvoices)},
		{MethodName: MethodCreateEditRequest, Handler: unaryHandler(MethodCreateEditRequest, WorkflowServer.CreateEditRequest)},
		{MethodName: MethodResolveEditRequest, Handler: unaryHandler(MethodResolveEditRequest, WorkflowServer.ResolveEditRequest)},
		{MethodName: MethodListEditRequests, Handler: unaryHandler(MethodListEditRequests, WorkflowServer.ListEditRequests)},
		{MethodName: MethodListNotifications, Handler: unaryHandler(MethodListNotifications, WorkflowServer.ListNotifications)},
		{MethodName: MethodMarkNotificationRead, Handler: unaryHandler(MethodMarkNotificationRead, WorkflowServer.MarkNotificationRead)},
		{MethodName: MethodRegisterProfile, Handler: unaryHandler(MethodRegisterProfile, WorkflowServer.RegisterProfile)},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    MethodWatchChanges,
			Handler:       watchChangesHandler,
			ServerStreams: true,
		},
	},
	Metadata: "orderdesk/v1/workflow.proto",
}

// RegisterWorkflowServer регистрирует реализацию на gRPC-сервере.
func RegisterWorkflowServer(registrar grpc.ServiceRegistrar, srv WorkflowServer) {
	registrar.RegisterService(&WorkflowServiceDesc, srv)
}

// Client: клиент WorkflowService поверх grpc.ClientConnInterface.
type Client struct {
	conn grpc.ClientConnInterface
}

// NewClient создаёт клиента.
func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

// Call вызывает unary-метод по короткому имени.
func (c *Client) Call(ctx context.Context, method string, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, FullMethod(method), in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// ChangeStreamClient — клиентская сторона WatchChanges.
type ChangeStreamClient interface {
	Recv() (*structpb.Struct, error)
	grpc.ClientStream
}

type changeStreamClient struct {
	grpc.ClientStream
}

func (c *changeStreamClient) Recv() (*structpb.Struct, error) {
	m := new(structpb.Struct)
	if err := c.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// WatchChanges открывает поток изменений.
func (c *Client) WatchChanges(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (ChangeStreamClient, error) {
	stream, err := c.conn.NewStream(ctx, &WorkflowServiceDesc.Streams[0], FullMethod(MethodWatchChanges), opts...)
	if err != nil {
		return nil, err
	}
	x := &changeStreamClient{ClientStream: stream}
	if err := x.ClientStream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}
