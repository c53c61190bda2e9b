package tools

import (
	"context"
	"fmt"
	"time"

	"github.com/xela07ax/studiocrm-agent/internal/catalog"
	"github.com/xela07ax/studiocrm-agent/internal/domain"
	"github.com/xela07ax/studiocrm-agent/internal/resilience"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

const defaultThrottleDelay = time.Second

// RemoteTool вызывает инструмент во внешнем коннекторе CRM по gRPC.
type RemoteTool struct {
	name   string
	method string
	conn   grpc.ClientConnInterface
	guard  *resilience.Guard
}

func NewRemoteTool(name string, conn grpc.ClientConnInterface, method string, guard *resilience.Guard) *RemoteTool {
	if method == "" {
		method = ConnectorMethod
	}
	return &RemoteTool{name: name, method: method, conn: conn, guard: guard}
}

func (t *RemoteTool) Name() string { return t.name }

func (t *RemoteTool) Invoke(ctx context.Context, args map[string]interface{}, ec *domain.ExecutionContext) (interface{}, error) {
	return t.call(ctx, OpInvoke, args, ec)
}

// Snapshot коннектор может не поддерживать снимки: тогда аудит пишется без before/after.
func (t *RemoteTool) Snapshot(ctx context.Context, args map[string]interface{}, ec *domain.ExecutionContext) (interface{}, error) {
	res, err := t.call(ctx, OpSnapshot, args, ec)
	if status.Code(err) == codes.Unimplemented {
		return nil, nil
	}
	return res, err
}

func (t *RemoteTool) call(ctx context.Context, op string, args map[string]interface{}, ec *domain.ExecutionContext) (interface{}, error) {
	// 1. Конвертируем аргументы в Protobuf Struct
	req, err := structpb.NewStruct(map[string]interface{}{
		"op":        op,
		"tool":      t.name,
		"tenant_id": ec.TenantID(),
		"user_id":   ec.UserID(),
		"trace_id":  ec.TraceID(),
		"currency":  ec.Credentials().Currency,
		"args":      normalizeArgs(args),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create proto struct: %w", err)
	}

	ctx = metadata.AppendToOutgoingContext(ctx,
		"x-tenant-id", ec.TenantID(),
		"x-trace-id", ec.TraceID(),
	)

	// 2. Вызов под защитой Guard
	var result interface{}
	err = t.guard.Do(ctx, func(ctx context.Context) error {
		resp := new(structpb.Struct)
		if err := t.conn.Invoke(ctx, t.method, req, resp); err != nil {
			return classifyRPCError(err)
		}
		var callErr error
		result, callErr = decodeResponse(resp)
		return callErr
	})
	return result, err
}

// classifyRPCError сетевые сбои повторяем, остальное нет.
func classifyRPCError(err error) error {
	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded, codes.Aborted:
		return err
	case codes.ResourceExhausted:
		return &resilience.ThrottleError{RetryAfter: defaultThrottleDelay, Cause: err}
	default:
		return resilience.Permanent(err)
	}
}

func decodeResponse(resp *structpb.Struct) (interface{}, error) {
	f := resp.GetFields()
	code := int(f["code"].GetNumberValue())
	msg := f["error"].GetStringValue()

	switch {
	case code == 0:
		if v, ok := f["result"]; ok {
			return v.AsInterface(), nil
		}
		return nil, nil
	case f["rolled_back"].GetBoolValue():
		return nil, resilience.Permanent(fmt.Errorf("connector [%d] %s: %w", code, msg, domain.ErrRolledBack))
	case code == 429:
		delay := time.Duration(f["retry_after_ms"].GetNumberValue()) * time.Millisecond
		if delay <= 0 {
			delay = defaultThrottleDelay
		}
		return nil, &resilience.ThrottleError{RetryAfter: delay, Cause: fmt.Errorf("connector: %s", msg)}
	case code >= 500:
		return nil, fmt.Errorf("connector returned error [%d]: %s", code, msg)
	default:
		return nil, resilience.Permanent(fmt.Errorf("connector returned error [%d]: %s", code, msg))
	}
}

// normalizeArgs приводит значения к виду, который принимает structpb (через JSON-совместимые типы).
func normalizeArgs(args map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(args))
	for k, v := range args {
		out[k] = normalizeValue(v)
	}
	return out
}

func normalizeValue(v interface{}) interface{} {
	switch x := v.(type) {
	case map[string]interface{}:
		return normalizeArgs(x)
	case []string:
		out := make([]interface{}, len(x))
		for i, s := range x {
			out[i] = s
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(x))
		for i, e := range x {
			out[i] = normalizeValue(e)
		}
		return out
	default:
		return v
	}
}

// RegisterRemote регистрирует RemoteTool для каждого инструмента каталога без локальной реализации.
func RegisterRemote(r *Registry, c *catalog.Catalog, conn grpc.ClientConnInterface, method string, guard *resilience.Guard) (int, error) {
	n := 0
	for _, name := range c.Names() {
		if _, err := r.Lookup(name); err == nil {
			continue
		}
		if err := r.Register(NewRemoteTool(name, conn, method, guard)); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}
