package tools

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/studiocrm-agent/internal/catalog"
	"github.com/xela07ax/studiocrm-agent/internal/domain"
	"github.com/xela07ax/studiocrm-agent/internal/resilience"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"
)

type fakeConnector struct {
	calls   atomic.Int32
	respond func(ctx context.Context, req map[string]interface{}) (map[string]interface{}, error)
}

func (f *fakeConnector) Invoke(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	f.calls.Add(1)
	out, err := f.respond(ctx, req.AsMap())
	if err != nil {
		return nil, err
	}
	return structpb.NewStruct(out)
}

func dialConnector(t *testing.T, h ConnectorHandler) *grpc.ClientConn {
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	RegisterConnector(srv, h)
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

func guard(attempts uint) *resilience.Guard {
	return resilience.New(resilience.Settings{
		Name: "connector", MaxRequests: 1, Timeout: time.Minute, FailureThreshold: 10,
		Attempts: attempts, AttemptTimeout: time.Second,
	}, nil, zap.NewNop())
}

func execCtx() *domain.ExecutionContext {
	return domain.NewExecutionContext("t1", "u1", "Studio", domain.FailSafePolicy("t1"),
		domain.Credentials{Currency: "EUR"}, &domain.Session{ID: "s1"}, "trace-1")
}

func TestRegistry_RegisterLookupVerify(t *testing.T) {
	r := NewRegistry()
	noop := Func{ToolName: "create_lead", Fn: func(context.Context, map[string]interface{}, *domain.ExecutionContext) (interface{}, error) {
		return nil, nil
	}}

	require.NoError(t, r.Register(noop))
	assert.Error(t, r.Register(noop), "duplicate")
	assert.Error(t, r.Register(Func{}), "empty name")

	_, err := r.Lookup("create_lead")
	require.NoError(t, err)

	_, err = r.Lookup("drop_db")
	var nf *domain.ToolNotFoundError
	require.True(t, errors.As(err, &nf))
	assert.Equal(t, "drop_db", nf.Tool)

	cat, err := catalog.Parse([]byte("tools:\n  - {name: create_lead, authority: CREATE_LEAD}\n  - {name: send_email, authority: SEND_EMAIL}\n"))
	require.NoError(t, err)

	var cfgErr *domain.ConfigurationError
	require.True(t, errors.As(r.Verify(cat), &cfgErr))
	assert.Contains(t, cfgErr.Error(), "send_email")

	n, err := RegisterRemote(r, cat, nil, "", guard(1))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.NoError(t, r.Verify(cat))
	assert.Equal(t, []string{"create_lead", "send_email"}, r.Names())
}

func TestRemoteTool_InvokeRoundTrip(t *testing.T) {
	fc := &fakeConnector{respond: func(ctx context.Context, req map[string]interface{}) (map[string]interface{}, error) {
		md, _ := metadata.FromIncomingContext(ctx)
		assert.Equal(t, []string{"t1"}, md.Get("x-tenant-id"))
		assert.Equal(t, "invoke", req["op"])
		assert.Equal(t, "create_lead", req["tool"])
		assert.Equal(t, "EUR", req["currency"])
		args := req["args"].(map[string]interface{})
		assert.Equal(t, "Anna", args["name"])
		return map[string]interface{}{"code": 0, "result": map[string]interface{}{"id": "L-1"}}, nil
	}}
	tool := NewRemoteTool("create_lead", dialConnector(t, fc), "", guard(1))

	res, err := tool.Invoke(context.Background(), map[string]interface{}{"name": "Anna", "tags": []string{"wedding"}}, execCtx())
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"id": "L-1"}, res)
}

func TestRemoteTool_ErrorMapping(t *testing.T) {
	tests := []struct {
		name     string
		resp     map[string]interface{}
		rpcErr   error
		attempts uint
		calls    int32
		check    func(t *testing.T, err error)
	}{
		{
			name: "business error not retried", attempts: 3, calls: 1,
			resp:  map[string]interface{}{"code": 422, "error": "invalid email"},
			check: func(t *testing.T, err error) { assert.ErrorContains(t, err, "invalid email") },
		},
		{
			name: "rolled back", attempts: 3, calls: 1,
			resp:  map[string]interface{}{"code": 409, "error": "partial", "rolled_back": true},
			check: func(t *testing.T, err error) { assert.ErrorIs(t, err, domain.ErrRolledBack) },
		},
		{
			name: "server error retried", attempts: 2, calls: 2,
			resp:  map[string]interface{}{"code": 503, "error": "crm down"},
			check: func(t *testing.T, err error) { assert.ErrorContains(t, err, "crm down") },
		},
		{
			name: "permission denied not retried", attempts: 3, calls: 1,
			rpcErr: status.Error(codes.PermissionDenied, "nope"),
			check:  func(t *testing.T, err error) { assert.Equal(t, codes.PermissionDenied, status.Code(err)) },
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fc := &fakeConnector{respond: func(context.Context, map[string]interface{}) (map[string]interface{}, error) {
				return tt.resp, tt.rpcErr
			}}
			tool := NewRemoteTool("send_email", dialConnector(t, fc), ConnectorMethod, guard(tt.attempts))

			_, err := tool.Invoke(context.Background(), map[string]interface{}{}, execCtx())
			require.Error(t, err)
			tt.check(t, err)
			assert.Equal(t, tt.calls, fc.calls.Load())
		})
	}
}

func TestRemoteTool_ThrottleHonoursRetryAfter(t *testing.T) {
	fc := &fakeConnector{}
	fc.respond = func(context.Context, map[string]interface{}) (map[string]interface{}, error) {
		if fc.calls.Load() == 1 {
			return map[string]interface{}{"code": 429, "retry_after_ms": 5}, nil
		}
		return map[string]interface{}{"code": 0, "result": "ok"}, nil
	}
	tool := NewRemoteTool("send_email", dialConnector(t, fc), "", guard(2))

	res, err := tool.Invoke(context.Background(), nil, execCtx())
	require.NoError(t, err)
	assert.Equal(t, "ok", res)
	assert.Equal(t, int32(2), fc.calls.Load())
}

func TestRemoteTool_SnapshotUnimplementedIsEmpty(t *testing.T) {
	fc := &fakeConnector{respond: func(_ context.Context, req map[string]interface{}) (map[string]interface{}, error) {
		if req["op"] == OpSnapshot {
			return nil, status.Error(codes.Unimplemented, "no snapshots")
		}
		return map[string]interface{}{"code": 0}, nil
	}}
	tool := NewRemoteTool("update_client", dialConnector(t, fc), "", guard(1))

	snap, err := tool.Snapshot(context.Background(), map[string]interface{}{"client_id": "c1"}, execCtx())
	require.NoError(t, err)
	assert.Nil(t, snap)
}
