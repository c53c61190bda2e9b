package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/studiocrm-agent/internal/domain"
	"github.com/xela07ax/studiocrm-agent/internal/engine"
	"github.com/xela07ax/studiocrm-agent/internal/infra/auth"
	"go.uber.org/zap"
)

type fakeValidator struct{}

func (fakeValidator) VerifyToken(tokenStr string) (*auth.Claims, error) {
	if tokenStr != "Bearer good" {
		return nil, errors.New("bad token")
	}
	return &auth.Claims{TenantID: "t1", UserID: "u1"}, nil
}

type fakeAssistant struct {
	turnReq     engine.TurnRequest
	decisionReq engine.DecisionRequest
	err         error
}

func (f *fakeAssistant) HandleTurn(ctx context.Context, req engine.TurnRequest) (*engine.TurnResult, error) {
	f.turnReq = req
	if f.err != nil {
		return nil, f.err
	}
	return &engine.TurnResult{SessionID: "s1", State: domain.PlanCompleted, Reply: "done"}, nil
}

func (f *fakeAssistant) ConfirmPlan(ctx context.Context, req engine.DecisionRequest) (*engine.TurnResult, error) {
	f.decisionReq = req
	if f.err != nil {
		return nil, f.err
	}
	return &engine.TurnResult{State: domain.PlanCompleted, Reply: "executed"}, nil
}

func (f *fakeAssistant) RejectPlan(ctx context.Context, req engine.DecisionRequest) (*domain.PendingPlan, error) {
	f.decisionReq = req
	if f.err != nil {
		return nil, f.err
	}
	return &domain.PendingPlan{ID: req.PlanID, Status: domain.StatusRejected}, nil
}

func (f *fakeAssistant) ListPending(ctx context.Context, tenantID string) ([]*domain.PendingPlan, error) {
	return []*domain.PendingPlan{{ID: "p1", TenantID: tenantID, Status: domain.StatusPending}}, f.err
}

func (f *fakeAssistant) History(ctx context.Context, tenantID, userID string) ([]domain.Message, error) {
	return nil, f.err
}

func do(t *testing.T, s *Server, method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer good")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func TestHealthIsPublic(t *testing.T) {
	s := NewServer(&fakeAssistant{}, fakeValidator{}, zap.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthRequired(t *testing.T) {
	s := NewServer(&fakeAssistant{}, fakeValidator{}, zap.NewNop())

	rec := do(t, s, http.MethodPost, "/v1/assistant/turns", `{"message":"hi"}`, map[string]string{"Authorization": "Bearer forged"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestTurn_PassesPrincipalAndTrace(t *testing.T) {
	a := &fakeAssistant{}
	s := NewServer(a, fakeValidator{}, zap.NewNop())

	rec := do(t, s, http.MethodPost, "/v1/assistant/turns", `{"message":"Add Anna as a lead"}`, map[string]string{"X-Trace-ID": "trace-42"})

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "trace-42", rec.Header().Get("X-Trace-ID"))
	assert.Equal(t, engine.TurnRequest{TenantID: "t1", UserID: "u1", Message: "Add Anna as a lead", TraceID: "trace-42"}, a.turnReq)

	var res engine.TurnResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, domain.PlanCompleted, res.State)
	assert.Equal(t, "done", res.Reply)
}

func TestTurn_GeneratesTraceID(t *testing.T) {
	s := NewServer(&fakeAssistant{}, fakeValidator{}, zap.NewNop())

	rec := do(t, s, http.MethodPost, "/v1/assistant/turns", `{"message":"hi"}`, nil)
	assert.NotEmpty(t, rec.Header().Get("X-Trace-ID"))
}

func TestTurn_BadBody(t *testing.T) {
	s := NewServer(&fakeAssistant{}, fakeValidator{}, zap.NewNop())

	rec := do(t, s, http.MethodPost, "/v1/assistant/turns", `{not json`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		err  error
		code int
		want string
	}{
		{engine.ErrEmptyMessage, http.StatusBadRequest, "invalid_request"},
		{&domain.PlanGenerationError{Reason: "completion timed out"}, http.StatusUnprocessableEntity, "plan_generation_failed"},
		{&domain.CredentialLoadError{TenantID: "t1", Err: errors.New("sealed")}, http.StatusServiceUnavailable, "credentials_unavailable"},
		{&domain.ConfigurationError{Component: "tool catalog", Err: errors.New("missing")}, http.StatusServiceUnavailable, "configuration_error"},
		{&domain.AuthorizationError{Authority: domain.AuthorityCreateLead}, http.StatusForbidden, "forbidden"},
		{domain.ErrPlanNotFound, http.StatusNotFound, "plan_not_found"},
		{domain.ErrPlanNotPending, http.StatusConflict, "plan_not_pending"},
		{domain.ErrPlanExpired, http.StatusGone, "plan_expired"},
		{context.DeadlineExceeded, http.StatusGatewayTimeout, "timeout"},
		{errors.New("boom"), http.StatusInternalServerError, "internal"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			s := NewServer(&fakeAssistant{err: tt.err}, fakeValidator{}, zap.NewNop())

			rec := do(t, s, http.MethodPost, "/v1/assistant/turns", `{"message":"hi"}`, nil)
			assert.Equal(t, tt.code, rec.Code)

			var body errorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.want, body.Error)
			assert.NotEmpty(t, body.TraceID)
		})
	}
}

func TestInternalErrorsAreNotLeaked(t *testing.T) {
	s := NewServer(&fakeAssistant{err: errors.New("pq: password authentication failed")}, fakeValidator{}, zap.NewNop())

	rec := do(t, s, http.MethodPost, "/v1/assistant/turns", `{"message":"hi"}`, nil)
	assert.NotContains(t, rec.Body.String(), "password")
}

func TestConfirmAndReject(t *testing.T) {
	a := &fakeAssistant{}
	s := NewServer(a, fakeValidator{}, zap.NewNop())

	rec := do(t, s, http.MethodPost, "/v1/assistant/plans/p-9/confirm", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "p-9", a.decisionReq.PlanID)
	assert.Equal(t, "t1", a.decisionReq.TenantID)
	assert.Equal(t, "u1", a.decisionReq.ReviewerID)

	rec = do(t, s, http.MethodPost, "/v1/assistant/plans/p-9/reject", `{"comment":"wrong client"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "wrong client", a.decisionReq.Comment)

	var pp domain.PendingPlan
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pp))
	assert.Equal(t, domain.StatusRejected, pp.Status)
}

func TestListPendingAndHistory(t *testing.T) {
	s := NewServer(&fakeAssistant{}, fakeValidator{}, zap.NewNop())

	rec := do(t, s, http.MethodGet, "/v1/assistant/plans", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"id":"p1"`)

	rec = do(t, s, http.MethodGet, "/v1/assistant/history", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"messages":[]}`, rec.Body.String())
}
