package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/xela07ax/spaceai-tool-gateway/internal/catalog"
	"github.com/xela07ax/spaceai-tool-gateway/internal/domain"
)

/*
gRPC-транспорт шлюза. Сервис объявлен вручную поверх structpb.Struct, без сгенерированного кода:

	rpc Execute(google.protobuf.Struct) returns (google.protobuf.Struct)

Вход: {"endpoint": "crm/create_lead", "request": {...ActionRequest...}}.
Выход: тот же JSON, что отдает HTTP (Response или ManualResult для audit/log).
*/

const (
	ToolGatewayService = "toolgateway.v1.ToolGateway"
	ExecuteMethod      = "/" + ToolGatewayService + "/Execute"

	// Ключ метаданных со сквозным ID
	MetadataTraceID = "x-trace-id"
)

// ToolGatewayServer: контракт сервиса для grpc.ServiceDesc.
type ToolGatewayServer interface {
	Execute(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
}

var ToolGatewayServiceDesc = grpc.ServiceDesc{
	ServiceName: ToolGatewayService,
	HandlerType: (*ToolGatewayServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Execute", Handler: executeHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "toolgateway/v1/toolgateway.proto",
}

func executeHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ToolGatewayServer).Execute(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ExecuteMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ToolGatewayServer).Execute(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// RegisterToolGatewayServer регистрирует сервис на gRPC-сервере.
func RegisterToolGatewayServer(s grpc.ServiceRegistrar, srv ToolGatewayServer) {
	s.RegisterService(&ToolGatewayServiceDesc, srv)
}

// UnaryTraceInterceptor достает Trace-ID из метаданных (или генерирует) и возвращает его в заголовке ответа.
func UnaryTraceInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	logger = logger.Named("grpc")
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		var traceID string
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if vals := md.Get(MetadataTraceID); len(vals) > 0 {
				traceID = vals[0]
			}
		}
		if traceID == "" {
			traceID = uuid.New().String()
		}
		_ = grpc.SetHeader(ctx, metadata.Pairs(MetadataTraceID, traceID))

		resp, err := handler(WithTraceID(ctx, traceID), req)
		logger.Debug("call",
			zap.String("method", info.FullMethod),
			zap.String("trace_id", traceID),
			zap.String("code", status.Code(err).String()),
		)
		return resp, err
	}
}

type GRPCGatewayServer struct {
	gw *Gateway
}

func NewGRPCGatewayServer(gw *Gateway) *GRPCGatewayServer {
	return &GRPCGatewayServer{gw: gw}
}

func (s *GRPCGatewayServer) Execute(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	endpoint := in.GetFields()["endpoint"].GetStringValue()

	// Тот же пайплайн, что и для HTTP: Struct → JSON → доменная структура
	raw, err := json.Marshal(in.GetFields()["request"].GetStructValue().AsMap())
	if err != nil {
		return nil, toStatus(s.gw.Reject(ctx, endpoint, fmt.Errorf("%w: %v", domain.ErrValidation, err)))
	}

	var out interface{}
	if endpoint == catalog.EndpointAuditLog {
		var req domain.AuditLogRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			return nil, toStatus(s.gw.Reject(ctx, endpoint, fmt.Errorf("%w: malformed request: %v", domain.ErrValidation, err)))
		}
		out, err = s.gw.RecordManual(ctx, &req)
	} else {
		if _, ok := s.gw.Catalog().Lookup(endpoint); !ok {
			return nil, toStatus(s.gw.Reject(ctx, endpoint, fmt.Errorf("%w: %s", domain.ErrUnknownEndpoint, endpoint)))
		}
		var req domain.ActionRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			return nil, toStatus(s.gw.Reject(ctx, endpoint, fmt.Errorf("%w: malformed request: %v", domain.ErrValidation, err)))
		}
		out, err = s.gw.Execute(ctx, endpoint, &req)
	}
	if err != nil {
		return nil, toStatus(err)
	}

	return toStruct(out)
}

func toStruct(v interface{}) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to encode response: %v", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, status.Errorf(codes.Internal, "failed to encode response: %v", err)
	}
	res, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to encode response: %v", err)
	}
	return res, nil
}

// toStatus: соответствие доменных ошибок кодам gRPC, в том же приоритете, что HTTPStatus.
func toStatus(err error) error {
	var code codes.Code
	switch {
	case errors.Is(err, domain.ErrAuditUnavailable), errors.Is(err, domain.ErrStoreUnavailable):
		code = codes.Unavailable
	case errors.Is(err, domain.ErrValidation):
		code = codes.InvalidArgument
	case errors.Is(err, domain.ErrPermissionDenied), errors.Is(err, domain.ErrApprovalRequired):
		code = codes.PermissionDenied
	case errors.Is(err, domain.ErrUnknownEndpoint):
		code = codes.NotFound
	default:
		code = codes.Internal
	}
	return status.Error(code, err.Error())
}
