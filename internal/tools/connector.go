package tools

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// Протокол коннектора CRM: один унарный метод, запрос и ответ google.protobuf.Struct.
//
// Запрос:  {op: "invoke"|"snapshot", tool, tenant_id, user_id, trace_id, currency, args}
// Ответ:   {code: 0 | http-like code, result, error, rolled_back, retry_after_ms}
const (
	ConnectorService = "studiocrm.tools.v1.ToolService"
	ConnectorMethod  = "/" + ConnectorService + "/Invoke"

	OpInvoke   = "invoke"
	OpSnapshot = "snapshot"
)

// ConnectorHandler серверная сторона протокола.
type ConnectorHandler interface {
	Invoke(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

func invokeHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	h := srv.(ConnectorHandler)
	if interceptor == nil {
		return h.Invoke(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ConnectorMethod}
	return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return h.Invoke(ctx, req.(*structpb.Struct))
	})
}

var connectorDesc = grpc.ServiceDesc{
	ServiceName: ConnectorService,
	HandlerType: (*ConnectorHandler)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Invoke", Handler: invokeHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "studiocrm/tools/v1/tools.proto",
}

// RegisterConnector регистрирует обработчик на gRPC сервере.
func RegisterConnector(s grpc.ServiceRegistrar, h ConnectorHandler) {
	s.RegisterService(&connectorDesc, h)
}
