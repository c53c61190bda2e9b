// Package connectors содержит dev-реализацию коннектора CRM студии: in-memory CRM,
// которая отвечает по протоколу tools (structpb поверх gRPC).
package connectors

import (
	"context"
	"fmt"
	"math/rand/v2" // Используем v2 для Go 1.25
	"strings"
	"sync"
	"time"

	"github.com/xela07ax/studiocrm-agent/internal/tools"
	"go.uber.org/zap"
	"google.golang.org/protobuf/types/known/structpb"
)

type record = map[string]interface{}

// MockCRM хранит записи по тенанту и таблице. Клиенты засеваются при первом обращении тенанта.
type MockCRM struct {
	mu      sync.Mutex
	tables  map[string]map[string]record // tenant/table -> id -> запись
	seeded  map[string]bool
	seq     int
	latency time.Duration // верхняя граница случайной задержки, 0 без задержки
	logger  *zap.Logger
}

func NewMockCRM(latency time.Duration, logger *zap.Logger) *MockCRM {
	return &MockCRM{
		tables:  make(map[string]map[string]record),
		seeded:  make(map[string]bool),
		latency: latency,
		logger:  logger.Named("mock-crm"),
	}
}

// Invoke реализует tools.ConnectorHandler.
func (c *MockCRM) Invoke(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if c.latency > 0 {
		// Имитируем задержку внешней системы
		select {
		case <-time.After(time.Duration(rand.Int64N(int64(c.latency)))):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	in := req.AsMap()
	op, _ := in["op"].(string)
	tool, _ := in["tool"].(string)
	tenant, _ := in["tenant_id"].(string)
	args, _ := in["args"].(map[string]interface{})
	if args == nil {
		args = map[string]interface{}{}
	}

	c.mu.Lock()
	c.seed(tenant)
	var resp map[string]interface{}
	if op == tools.OpSnapshot {
		resp = c.snapshot(tenant, tool, args)
	} else {
		resp = c.invoke(tenant, tool, args, in)
	}
	c.mu.Unlock()

	c.logger.Debug("connector call", zap.String("op", op), zap.String("tool", tool),
		zap.String("tenant_id", tenant), zap.Any("code", resp["code"]))
	return structpb.NewStruct(resp)
}

func (c *MockCRM) invoke(tenant, tool string, args, in map[string]interface{}) map[string]interface{} {
	switch tool {
	case "search_clients":
		return ok(c.search(tenant, str(args["query"])))

	case "list_sessions":
		return ok(c.list(tenant, "sessions"))

	case "create_lead":
		return ok(c.insert(tenant, "leads", "L", args))

	case "update_client":
		id := str(args["client_id"])
		rec, found := c.table(tenant, "clients")[id]
		if !found {
			return fail(404, fmt.Sprintf("client %s not found", id))
		}
		if fields, isMap := args["fields"].(map[string]interface{}); isMap {
			for k, v := range fields {
				rec[k] = v
			}
		}
		return ok(copyRecord(rec))

	case "schedule_session":
		return ok(c.insert(tenant, "sessions", "S", args))

	case "share_gallery":
		id := str(args["gallery_id"])
		if id == "" {
			return fail(400, "gallery_id is required")
		}
		return ok(map[string]interface{}{"id": id, "link": "https://gallery.example/" + tenant + "/" + id})

	case "create_invoice":
		rec := c.insert(tenant, "invoices", "INV", args)
		rec["currency"] = in["currency"]
		return ok(rec)

	case "send_invoice":
		id := str(args["invoice_id"])
		if _, found := c.table(tenant, "invoices")[id]; !found {
			return fail(404, fmt.Sprintf("invoice %s not found", id))
		}
		return ok(map[string]interface{}{"id": id, "sent": true})

	case "send_email", "send_bulk_email":
		return ok(map[string]interface{}{"sent": recipients(args["to"])})

	case "submit_order":
		// Лаборатория отклоняет заказ, коннектор откатывает резерв
		if total, _ := args["total"].(float64); total > 10000 {
			return map[string]interface{}{"code": 402, "error": "print lab declined the order", "rolled_back": true}
		}
		return ok(c.insert(tenant, "orders", "O", args))

	default:
		return fail(404, fmt.Sprintf("tool %s not supported by connector", tool))
	}
}

// snapshot отдает текущее состояние записи, на которую указывает шаг.
func (c *MockCRM) snapshot(tenant, tool string, args map[string]interface{}) map[string]interface{} {
	var table, id string
	switch tool {
	case "update_client":
		table, id = "clients", str(args["client_id"])
	case "send_invoice":
		table, id = "invoices", str(args["invoice_id"])
	default:
		return map[string]interface{}{"code": 0}
	}
	rec, found := c.table(tenant, table)[id]
	if !found {
		return map[string]interface{}{"code": 0}
	}
	return ok(copyRecord(rec))
}

func (c *MockCRM) seed(tenant string) {
	if c.seeded[tenant] {
		return
	}
	c.seeded[tenant] = true
	clients := c.table(tenant, "clients")
	clients["C-1"] = record{"id": "C-1", "name": "Anna Petrova", "email": "anna@example.com", "phone": "+49 151 000001"}
	clients["C-2"] = record{"id": "C-2", "name": "Mark Lee", "email": "mark@example.com", "phone": "+49 151 000002"}
}

func (c *MockCRM) table(tenant, name string) map[string]record {
	key := tenant + "/" + name
	t, found := c.tables[key]
	if !found {
		t = make(map[string]record)
		c.tables[key] = t
	}
	return t
}

func (c *MockCRM) insert(tenant, table, prefix string, args map[string]interface{}) record {
	c.seq++
	rec := copyRecord(args)
	rec["id"] = fmt.Sprintf("%s-%d", prefix, c.seq)
	c.table(tenant, table)[rec["id"].(string)] = rec
	return copyRecord(rec)
}

func (c *MockCRM) search(tenant, query string) map[string]interface{} {
	query = strings.ToLower(query)
	out := make([]interface{}, 0)
	for _, rec := range c.table(tenant, "clients") {
		name, email := strings.ToLower(str(rec["name"])), strings.ToLower(str(rec["email"]))
		if query == "" || strings.Contains(name, query) || strings.Contains(email, query) {
			out = append(out, copyRecord(rec))
		}
	}
	return map[string]interface{}{"clients": out}
}

func (c *MockCRM) list(tenant, table string) map[string]interface{} {
	out := make([]interface{}, 0)
	for _, rec := range c.table(tenant, table) {
		out = append(out, copyRecord(rec))
	}
	return map[string]interface{}{table: out}
}

func ok(result map[string]interface{}) map[string]interface{} {
	return map[string]interface{}{"code": 0, "result": result}
}

func fail(code int, msg string) map[string]interface{} {
	return map[string]interface{}{"code": code, "error": msg}
}

func copyRecord(r record) record {
	out := make(record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

func str(v interface{}) string {
	s, _ := v.(string)
	return s
}

func recipients(v interface{}) int {
	switch x := v.(type) {
	case string:
		if x == "" {
			return 0
		}
		return len(strings.Split(x, ","))
	case []interface{}:
		return len(x)
	default:
		return 0
	}
}
