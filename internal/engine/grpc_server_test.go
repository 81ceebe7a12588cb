package engine

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/xela07ax/spaceai-tool-gateway/internal/catalog"
	"github.com/xela07ax/spaceai-tool-gateway/internal/domain"
)

func newGRPCClient(t *testing.T, gw *Gateway) *grpc.ClientConn {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer(grpc.UnaryInterceptor(UnaryTraceInterceptor(zap.NewNop())))
	RegisterToolGatewayServer(srv, NewGRPCGatewayServer(gw))
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func executeRequest(t *testing.T, endpoint string, req map[string]interface{}) *structpb.Struct {
	t.Helper()
	in, err := structpb.NewStruct(map[string]interface{}{"endpoint": endpoint, "request": req})
	require.NoError(t, err)
	return in
}

func grpcRequest(requestID, action string) map[string]interface{} {
	return map[string]interface{}{
		"agent_name":       "openclaw-agent",
		"reason":           "process request",
		"business_context": "tenant operations",
		"requested_action": action,
		"tenant_id":        "tenant-1",
		"user_id":          "user-1",
		"request_id":       requestID,
		"payload":          map[string]interface{}{"value": "x"},
	}
}

func TestGRPC_ExecuteAndReplay(t *testing.T) {
	f := newFixture(t)
	conn := newGRPCClient(t, f.gw)

	ctx := metadata.AppendToOutgoingContext(context.Background(), MetadataTraceID, "grpc-trace")
	var header metadata.MD
	out := new(structpb.Struct)
	err := conn.Invoke(ctx, ExecuteMethod, executeRequest(t, catalog.EndpointCreateLead, grpcRequest("g-1", "create_lead")), out, grpc.Header(&header))
	require.NoError(t, err)
	assert.True(t, out.Fields["ok"].GetBoolValue())
	assert.Equal(t, []string{"grpc-trace"}, header.Get(MetadataTraceID))

	again := new(structpb.Struct)
	err = conn.Invoke(ctx, ExecuteMethod, executeRequest(t, catalog.EndpointCreateLead, grpcRequest("g-1", "create_lead")), again)
	require.NoError(t, err)
	assert.True(t, again.Fields["idempotent"].GetBoolValue())

	events := f.events(t)
	require.Len(t, events, 2)
	assert.Equal(t, "grpc-trace", events[0].TraceID)
}

func TestGRPC_ErrorCodes(t *testing.T) {
	tests := []struct {
		name     string
		endpoint string
		req      map[string]interface{}
		code     codes.Code
	}{
		{name: "validation", endpoint: catalog.EndpointCreateLead, req: map[string]interface{}{"agent_name": "x"}, code: codes.InvalidArgument},
		{name: "approval", endpoint: catalog.EndpointCharge, req: grpcRequest("g-2", "charge"), code: codes.PermissionDenied},
		{name: "unknown", endpoint: "crm/unknown", req: grpcRequest("g-3", "x"), code: codes.NotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			conn := newGRPCClient(t, f.gw)

			err := conn.Invoke(context.Background(), ExecuteMethod, executeRequest(t, tt.endpoint, tt.req), new(structpb.Struct))
			require.Error(t, err)
			assert.Equal(t, tt.code, status.Code(err))
			assert.Len(t, f.events(t), 1)
		})
	}
}

func TestGRPC_AuditLog(t *testing.T) {
	f := newFixture(t)
	conn := newGRPCClient(t, f.gw)

	req := grpcRequest("g-m", "external_refund")
	req["status"] = "success"
	out := new(structpb.Struct)
	require.NoError(t, conn.Invoke(context.Background(), ExecuteMethod, executeRequest(t, catalog.EndpointAuditLog, req), out))

	assert.True(t, out.Fields["ok"].GetBoolValue())
	events := f.events(t)
	require.Len(t, events, 1)
	assert.Equal(t, domain.AuditSuccess, events[0].Status)
}

func TestGRPC_AuditUnavailable(t *testing.T) {
	f := newFixture(t)
	f.storage.fail.Store(true)
	conn := newGRPCClient(t, f.gw)

	err := conn.Invoke(context.Background(), ExecuteMethod, executeRequest(t, catalog.EndpointCreateLead, grpcRequest("g-u", "create_lead")), new(structpb.Struct))
	assert.Equal(t, codes.Unavailable, status.Code(err))
}
