package connectors

import (
	"context"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// UnaryTenantInterceptor сверяет тенанта из метаданных gRPC с тенантом в теле вызова.
func UnaryTenantInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		// 1. Извлекаем метаданные из контекста
		md, ok := metadata.FromIncomingContext(ctx)
		if !ok {
			return nil, status.Errorf(codes.Unauthenticated, "missing metadata")
		}

		// 2. Ищем тенанта (в gRPC заголовки обычно в нижнем регистре)
		tenants := md.Get("x-tenant-id")
		if len(tenants) == 0 || tenants[0] == "" {
			return nil, status.Errorf(codes.Unauthenticated, "missing tenant")
		}

		// 3. Тело не может говорить от имени другого тенанта
		if s, isStruct := req.(*structpb.Struct); isStruct {
			if body := s.GetFields()["tenant_id"].GetStringValue(); body != tenants[0] {
				logger.Warn("tenant mismatch", zap.String("metadata", tenants[0]), zap.String("body", body),
					zap.String("method", info.FullMethod))
				return nil, status.Errorf(codes.PermissionDenied, "tenant mismatch")
			}
		}

		// Идем дальше по цепочке
		return handler(ctx, req)
	}
}
