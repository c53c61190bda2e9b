package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/xela07ax/studiocrm-agent/internal/audit"
	"github.com/xela07ax/studiocrm-agent/internal/catalog"
	"github.com/xela07ax/studiocrm-agent/internal/domain"
	"github.com/xela07ax/studiocrm-agent/internal/planner"
	"github.com/xela07ax/studiocrm-agent/internal/tools"
)

const testCatalog = `
tools:
  - name: search_clients
    description: Find clients by name or email
    authority: READ_DATA
  - name: create_lead
    description: Create a new lead
    authority: CREATE_LEAD
  - name: update_client
    description: Update client fields
    authority: UPDATE_CLIENT
    table: clients
    id_arg: client_id
    fields_arg: fields
  - name: share_gallery
    description: Share a gallery link
    authority: MANAGE_GALLERY
    critical: false
  - name: schedule_session
    description: Book a photo session
    authority: MANAGE_CALENDAR
  - name: create_invoice
    description: Draft an invoice
    authority: CREATE_INVOICE
    amount_arg: amount
  - name: submit_order
    description: Submit a print order
    authority: SUBMIT_ORDER
    sensitive: true
    amount_arg: total
`

func testCatalogSource(t *testing.T) *catalog.Source {
	t.Helper()
	c, err := catalog.Parse([]byte(testCatalog))
	require.NoError(t, err)
	return catalog.Static(c)
}

func autoAllPolicy(tenantID string) domain.Policy {
	p := domain.FailSafePolicy(tenantID)
	p.Mode = domain.ModeAutoAll
	p.Authorities = domain.NewAuthoritySet(
		domain.AuthorityReadData, domain.AuthorityCreateLead, domain.AuthorityUpdateClient,
		domain.AuthorityManageGallery, domain.AuthorityManageCalendar, domain.AuthorityCreateInvoice,
		domain.AuthoritySubmitOrder,
	)
	p.ApprovalThresholdAmount = 1000
	p.MaxOpsPerHour = 100
	return p
}

func testContext(p domain.Policy) *domain.ExecutionContext {
	return domain.NewExecutionContext(p.TenantID, "u1", "Studio", p, domain.Credentials{}, &domain.Session{ID: "s1"}, "trace-1")
}

// toolbox реестр с инструментами, которые считают вызовы и могут падать по требованию.
type toolbox struct {
	mu    sync.Mutex
	calls []string
	fail  map[string]error
}

func newToolbox(t *testing.T) (*toolbox, *tools.Registry) {
	t.Helper()
	tb := &toolbox{fail: map[string]error{}}
	reg := tools.NewRegistry()
	for _, name := range []string{"search_clients", "create_lead", "share_gallery", "schedule_session", "create_invoice", "submit_order"} {
		require.NoError(t, reg.Register(tools.Func{ToolName: name, Fn: tb.invoker(name)}))
	}
	require.NoError(t, reg.Register(&snapshotTool{tb: tb}))
	return tb, reg
}

func (tb *toolbox) invoker(name string) func(ctx context.Context, args map[string]interface{}, ec *domain.ExecutionContext) (interface{}, error) {
	return func(ctx context.Context, args map[string]interface{}, ec *domain.ExecutionContext) (interface{}, error) {
		tb.mu.Lock()
		defer tb.mu.Unlock()
		tb.calls = append(tb.calls, name)
		if err := tb.fail[name]; err != nil {
			return nil, err
		}
		return map[string]interface{}{"id": name + "-1", "ok": true}, nil
	}
}

func (tb *toolbox) failWith(name string, err error) {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.fail[name] = err
}

func (tb *toolbox) called() []string {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return append([]string(nil), tb.calls...)
}

// snapshotTool update_client с состоянием клиента до и после.
type snapshotTool struct {
	tb    *toolbox
	mu    sync.Mutex
	email string
}

func (s *snapshotTool) Name() string { return "update_client" }

func (s *snapshotTool) Invoke(ctx context.Context, args map[string]interface{}, ec *domain.ExecutionContext) (interface{}, error) {
	if _, err := s.tb.invoker("update_client")(ctx, args, ec); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if fields, ok := args["fields"].(map[string]interface{}); ok {
		if v, ok := fields["email"].(string); ok {
			s.email = v
		}
	}
	return map[string]interface{}{"updated": true}, nil
}

func (s *snapshotTool) Snapshot(ctx context.Context, args map[string]interface{}, ec *domain.ExecutionContext) (interface{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return map[string]interface{}{"id": args["client_id"], "email": s.email}, nil
}

type auditEvent struct {
	Kind     string
	PlanID   string
	Tool     string
	Approver string
	Reason   string
	Step     audit.StepRecord
	Err      error
}

type fakeRecorder struct {
	mu     sync.Mutex
	events []auditEvent
}

func (r *fakeRecorder) add(e auditEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *fakeRecorder) RecordProposal(ec *domain.ExecutionContext, plan *domain.Plan, reasons []string) {
	r.add(auditEvent{Kind: "proposal", PlanID: plan.ID})
}

func (r *fakeRecorder) RecordApproval(ec *domain.ExecutionContext, plan *domain.Plan, approver string) {
	r.add(auditEvent{Kind: "approval", PlanID: plan.ID, Approver: approver})
}

func (r *fakeRecorder) RecordDenial(ec *domain.ExecutionContext, plan *domain.Plan, reason, approver string) {
	r.add(auditEvent{Kind: "denial", PlanID: plan.ID, Reason: reason, Approver: approver})
}

func (r *fakeRecorder) RecordExecution(ec *domain.ExecutionContext, s audit.StepRecord) {
	r.add(auditEvent{Kind: "executed", PlanID: s.PlanID, Tool: s.Tool, Step: s})
}

func (r *fakeRecorder) RecordFailure(ec *domain.ExecutionContext, s audit.StepRecord, err error) {
	r.add(auditEvent{Kind: "failed", PlanID: s.PlanID, Tool: s.Tool, Step: s, Err: err})
}

func (r *fakeRecorder) RecordRollback(ec *domain.ExecutionContext, s audit.StepRecord, err error) {
	r.add(auditEvent{Kind: "rolled_back", PlanID: s.PlanID, Tool: s.Tool, Step: s, Err: err})
}

func (r *fakeRecorder) kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Kind)
	}
	return out
}

func (r *fakeRecorder) find(kind string) (auditEvent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e.Kind == kind {
			return e, true
		}
	}
	return auditEvent{}, false
}

type fakePolicies struct {
	mu       sync.Mutex
	policies map[string]domain.Policy
}

func (f *fakePolicies) Load(ctx context.Context, tenantID string) domain.Policy {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.policies[tenantID]; ok {
		return p
	}
	return domain.FailSafePolicy(tenantID)
}

func (f *fakePolicies) set(p domain.Policy) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.policies[p.TenantID] = p
}

type fakeCreds struct {
	err error
}

func (f *fakeCreds) Load(ctx context.Context, tenantID string) (domain.Credentials, error) {
	if f.err != nil {
		return domain.Credentials{}, f.err
	}
	return domain.Credentials{TenantID: tenantID, Currency: "EUR", ModelAPIKey: "sk-test"}, nil
}

type fakeTenants struct {
	names map[string]string
	err   error
}

func (f *fakeTenants) GetTenantName(ctx context.Context, tenantID string) (string, error) {
	return f.names[tenantID], f.err
}

// fakePlanner отдает заранее заданный план (новый экземпляр на каждый вызов).
type fakePlanner struct {
	mu        sync.Mutex
	steps     []domain.Step
	risk      domain.RiskLevel
	threadRef string
	err       error
	calls     int
	lastEC    *domain.ExecutionContext
	seq       int
}

func (f *fakePlanner) Generate(ctx context.Context, ec *domain.ExecutionContext, userMessage string) (*planner.Draft, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.lastEC = ec
	if f.err != nil {
		return nil, f.err
	}
	f.seq++
	risk := f.risk
	if risk == "" {
		risk = domain.RiskLow
	}
	plan := &domain.Plan{
		ID:          fmt.Sprintf("plan-%d", f.seq),
		Steps:       append([]domain.Step(nil), f.steps...),
		RiskLevel:   risk,
		Explanation: "Here is what I will do.",
	}
	return &planner.Draft{Plan: plan, ThreadRef: f.threadRef, Strategy: "fake"}, nil
}

type fakePending struct {
	mu    sync.Mutex
	plans map[string]*domain.PendingPlan
}

func newFakePending() *fakePending {
	return &fakePending{plans: map[string]*domain.PendingPlan{}}
}

func (f *fakePending) CreatePendingPlan(ctx context.Context, p *domain.PendingPlan) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *p
	f.plans[p.ID] = &cp
	return nil
}

func (f *fakePending) GetPendingPlan(ctx context.Context, id string) (*domain.PendingPlan, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.plans[id]
	if !ok {
		return nil, domain.ErrPlanNotFound
	}
	cp := *p
	return &cp, nil
}

func (f *fakePending) ListPendingPlans(ctx context.Context, tenantID string, status domain.ApprovalStatus) ([]*domain.PendingPlan, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*domain.PendingPlan, 0)
	for _, p := range f.plans {
		if p.TenantID == tenantID && (status == "" || p.Status == status) {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakePending) ResolvePendingPlan(ctx context.Context, id string, status domain.ApprovalStatus, reviewerID, comment string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.plans[id]
	if !ok || p.Status != domain.StatusPending {
		return domain.ErrPlanNotPending
	}
	p.Status = status
	p.ReviewerID = &reviewerID
	p.Comment = &comment
	return nil
}

func (f *fakePending) get(id string) *domain.PendingPlan {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.plans[id]
}

// fakeFlagRepo tenant -> включенные флаги.
type fakeFlagRepo struct {
	mu    sync.Mutex
	flags map[string]map[string]bool
	err   error
}

func newFakeFlagRepo(tenants ...string) *fakeFlagRepo {
	f := &fakeFlagRepo{flags: make(map[string]map[string]bool)}
	for _, id := range tenants {
		f.flags[id] = map[string]bool{}
	}
	return f
}

func (f *fakeFlagRepo) with(tenantID, flag string) *fakeFlagRepo {
	if f.flags[tenantID] == nil {
		f.flags[tenantID] = map[string]bool{}
	}
	f.flags[tenantID][flag] = true
	return f
}

func (f *fakeFlagRepo) has(tenantID, flag string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.flags[tenantID][flag]
}

func (f *fakeFlagRepo) GetTenantsWithFlag(ctx context.Context, flag string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	var out []string
	for id, flags := range f.flags {
		if flags[flag] {
			out = append(out, id)
		}
	}
	return out, nil
}

func (f *fakeFlagRepo) SetTenantFlag(ctx context.Context, tenantID, flag string, on bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	flags, ok := f.flags[tenantID]
	if !ok {
		return errors.New("tenant not found")
	}
	flags[flag] = on
	return nil
}
