package engine

/*
Файл control.go реализует control plane ассистента: один ход пользователя проходит
цепочку turn lock -> контекст -> план -> guardrail -> (отказ | подтверждение | исполнение)
-> обновление сессии. Подтвержденные человеком планы исполняются через ConfirmPlan.
*/

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/xela07ax/studiocrm-agent/internal/domain"
	"github.com/xela07ax/studiocrm-agent/internal/metrics"
	"github.com/xela07ax/studiocrm-agent/internal/planner"
	"github.com/xela07ax/studiocrm-agent/internal/session"
	"go.uber.org/zap"
)

var ErrEmptyMessage = errors.New("message is empty")

type PlanGenerator interface {
	Generate(ctx context.Context, ec *domain.ExecutionContext, userMessage string) (*planner.Draft, error)
}

// PendingStore очередь планов, ожидающих решения человека.
type PendingStore interface {
	CreatePendingPlan(ctx context.Context, p *domain.PendingPlan) error
	GetPendingPlan(ctx context.Context, id string) (*domain.PendingPlan, error)
	ListPendingPlans(ctx context.Context, tenantID string, status domain.ApprovalStatus) ([]*domain.PendingPlan, error)
	ResolvePendingPlan(ctx context.Context, id string, status domain.ApprovalStatus, reviewerID, comment string) error
}

// Deps зависимости control plane. Переключатели и лимитер опциональны.
type Deps struct {
	Sessions   *session.Store
	Assembler  *Assembler
	Planner    PlanGenerator
	Executor   *Executor
	Pending    PendingStore
	Audit      AuditRecorder
	Suspended  *TenantSwitch
	Supervised *TenantSwitch
	Ops        *OpsLimiter
	Metrics    *metrics.Metrics
	PendingTTL time.Duration
}

type ControlPlane struct {
	Deps
	logger *zap.Logger
	now    func() time.Time
}

func NewControlPlane(d Deps, logger *zap.Logger) *ControlPlane {
	if d.Metrics == nil {
		d.Metrics = metrics.New(nil)
	}
	if d.PendingTTL <= 0 {
		d.PendingTTL = 24 * time.Hour
	}
	return &ControlPlane{
		Deps:   d,
		logger: logger.With(zap.String("mod", "control-plane")),
		now:    time.Now,
	}
}

type TurnRequest struct {
	TenantID string
	UserID   string
	Message  string
	TraceID  string
}

// TurnResult ответ на один ход или на решение по плану.
type TurnResult struct {
	SessionID     string           `json:"session_id"`
	State         domain.PlanState `json:"state"`
	Reply         string           `json:"reply"`
	Plan          *domain.Plan     `json:"plan,omitempty"`
	Review        *Review          `json:"review,omitempty"`
	PendingPlanID string           `json:"pending_plan_id,omitempty"`
	Execution     *ExecutionResult `json:"execution,omitempty"`
}

// HandleTurn полный ход ассистента. Ходы одной пары (tenant, user) строго последовательны.
func (c *ControlPlane) HandleTurn(ctx context.Context, req TurnRequest) (res *TurnResult, err error) {
	start := c.now()
	defer func() {
		state := "error"
		if err == nil && res != nil {
			state = string(res.State)
		} else if err != nil {
			c.Metrics.ErrorTotal.WithLabelValues(errorType(err)).Inc()
		}
		c.Metrics.TurnsTotal.WithLabelValues(state).Inc()
		c.Metrics.TurnDuration.WithLabelValues(state).Observe(c.now().Sub(start).Seconds())
	}()

	if strings.TrimSpace(req.Message) == "" {
		return nil, ErrEmptyMessage
	}
	log := c.logger.With(zap.String("tenant_id", req.TenantID), zap.String("user_id", req.UserID), zap.String("trace_id", req.TraceID))

	// 1. Turn lock
	unlock, err := c.Sessions.LockTurn(ctx, req.TenantID, req.UserID)
	if err != nil {
		return nil, fmt.Errorf("acquire turn: %w", err)
	}
	defer unlock()

	// 2. Сообщение пользователя попадает в историю до сборки контекста
	sess, err := c.Sessions.LoadOrCreate(ctx, req.TenantID, req.UserID)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if err := c.Sessions.AppendMessage(ctx, sess.ID, domain.Message{Role: domain.RoleUser, Content: req.Message}); err != nil {
		return nil, fmt.Errorf("append user message: %w", err)
	}

	// 3. Контекст
	ec, err := c.Assembler.Build(ctx, req.TenantID, req.UserID, req.TraceID)
	if err != nil {
		log.Error("context assembly failed", zap.Error(err))
		return nil, err
	}

	// 4. План
	draft, err := c.Planner.Generate(ctx, ec, req.Message)
	if err != nil {
		log.Warn("plan generation failed", zap.Error(err))
		return nil, err
	}
	plan := draft.Plan
	res = &TurnResult{SessionID: ec.SessionID(), Plan: plan}

	// 5. Пустой план: просто ответ
	if len(plan.Steps) == 0 {
		res.State = domain.PlanCompleted
		res.Reply = plan.Explanation
		if res.Reply == "" {
			res.Reply = "There is nothing to do for this request."
		}
		c.finish(ctx, ec, draft.ThreadRef, res)
		return res, nil
	}

	// 6. Guardrail по каждому шагу + флаги тенанта
	review, err := c.review(ec, plan)
	if err != nil {
		return nil, err
	}
	if review.State == domain.PlanAutoExecutable {
		c.checkOpsLimit(ctx, ec, review, log)
	}
	res.Review = review

	// 7. Ветвление по состоянию
	switch review.State {
	case domain.PlanDenied:
		c.Audit.RecordDenial(ec, plan, strings.Join(review.Reasons, "; "), "")
		res.State = domain.PlanDenied
		res.Reply = deniedReply(review)

	case domain.PlanNeedsConfirmation:
		if err := c.propose(ctx, ec, plan, review); err != nil {
			return nil, err
		}
		res.State = domain.PlanNeedsConfirmation
		res.PendingPlanID = plan.ID
		res.Reply = proposalReply(plan, review)

	default:
		exec, err := c.Executor.Execute(ctx, ec, plan, "")
		if err != nil {
			return nil, err
		}
		res.State = exec.State
		res.Execution = exec
		res.Reply = withExplanation(plan, exec.Summary)
	}

	log.Info("turn handled", zap.String("plan_id", plan.ID), zap.String("state", string(res.State)),
		zap.Strings("tools", plan.ToolNames()), zap.String("strategy", draft.Strategy))

	// 8. Сессия
	c.finish(ctx, ec, draft.ThreadRef, res)
	return res, nil
}

// review классификация плана с учетом флагов тенанта.
func (c *ControlPlane) review(ec *domain.ExecutionContext, plan *domain.Plan) (*Review, error) {
	r, err := c.Executor.Classify(ec, plan)
	if err != nil {
		return nil, err
	}
	if r.Denied() || r.Writes() == 0 {
		return r, nil
	}
	if c.Suspended.IsSet(ec.TenantID()) {
		r.deny("tenant is suspended")
		return r, nil
	}
	if r.State == domain.PlanAutoExecutable && c.Supervised.IsSet(ec.TenantID()) {
		r.requireConfirmation("tenant is under supervision")
	}
	return r, nil
}

// checkOpsLimit резервирует автоматические операции. Исчерпанный или недоступный
// лимитер переводит план в подтверждение.
func (c *ControlPlane) checkOpsLimit(ctx context.Context, ec *domain.ExecutionContext, r *Review, log *zap.Logger) {
	if c.Ops == nil || r.Writes() == 0 {
		return
	}
	ok, err := c.Ops.Reserve(ctx, ec.TenantID(), ec.Policy().MaxOpsPerHour, r.Writes())
	switch {
	case err != nil:
		log.Warn("ops limiter unavailable, requiring confirmation", zap.Error(err))
		r.requireConfirmation("automatic operation limit could not be checked")
	case !ok:
		r.requireConfirmation(fmt.Sprintf("hourly limit of %d automatic operations reached", ec.Policy().MaxOpsPerHour))
	}
}

func (c *ControlPlane) propose(ctx context.Context, ec *domain.ExecutionContext, plan *domain.Plan, r *Review) error {
	now := c.now()
	pp := &domain.PendingPlan{
		ID:        plan.ID,
		TenantID:  ec.TenantID(),
		UserID:    ec.UserID(),
		Plan:      *plan,
		Reasons:   r.Reasons,
		Status:    domain.StatusPending,
		CreatedAt: now,
		ExpiresAt: now.Add(c.PendingTTL),
	}
	if err := c.Pending.CreatePendingPlan(ctx, pp); err != nil {
		return fmt.Errorf("save pending plan: %w", err)
	}
	c.Audit.RecordProposal(ec, plan, r.Reasons)
	return nil
}

// finish обновляет сессию: рабочая память, тред, сводка, ответ ассистента.
// Ошибки только логируются, результат хода уже получен.
func (c *ControlPlane) finish(ctx context.Context, ec *domain.ExecutionContext, threadRef string, res *TurnResult) {
	partial := map[string]interface{}{
		"last_plan_state": string(res.State),
	}
	if res.Plan != nil {
		partial["last_plan_id"] = res.Plan.ID
		partial["last_tools"] = res.Plan.ToolNames()
	}
	if res.PendingPlanID != "" {
		partial["pending_plan_id"] = res.PendingPlanID
	}

	var ref *string
	if threadRef != "" {
		ref = &threadRef
	}
	summary := res.Reply
	if res.Execution != nil {
		summary = res.Execution.Summary
	}

	if err := c.Sessions.MergeMemory(ctx, ec.SessionID(), partial, ref, &summary); err != nil {
		c.logger.Error("session memory update failed", zap.String("session_id", ec.SessionID()), zap.Error(err))
	}
	if err := c.Sessions.AppendMessage(ctx, ec.SessionID(), domain.Message{Role: domain.RoleAssistant, Content: res.Reply}); err != nil {
		c.logger.Error("append assistant message failed", zap.String("session_id", ec.SessionID()), zap.Error(err))
	}
}

// ExecuteConfirmed исполняет план, одобренный человеком. Форма и запреты
// проверяются заново, решение о подтверждении пропускается.
func (c *ControlPlane) ExecuteConfirmed(ctx context.Context, ec *domain.ExecutionContext, plan *domain.Plan, approver string) (*ExecutionResult, error) {
	r, err := c.review(ec, plan)
	if err != nil {
		return nil, err
	}
	if r.Denied() {
		reason := strings.Join(r.Reasons, "; ")
		c.Audit.RecordDenial(ec, plan, reason, approver)
		return nil, &domain.AuthorizationError{Authority: r.MissingAuthority(), Reason: reason}
	}

	c.Audit.RecordApproval(ec, plan, approver)
	return c.Executor.Execute(ctx, ec, plan, approver)
}

// DecisionRequest решение ревьюера по плану из очереди.
type DecisionRequest struct {
	TenantID   string
	ReviewerID string
	PlanID     string
	Comment    string
	TraceID    string
}

// loadPending план тенанта из очереди. Чужой план неотличим от отсутствующего.
func (c *ControlPlane) loadPending(ctx context.Context, tenantID, id string) (*domain.PendingPlan, error) {
	pp, err := c.Pending.GetPendingPlan(ctx, id)
	if err != nil {
		return nil, err
	}
	if pp.TenantID != tenantID {
		return nil, domain.ErrPlanNotFound
	}
	return pp, nil
}

// ConfirmPlan одобрение и исполнение плана от имени пользователя, который его запросил.
// Просроченный план отклоняется с комментарием "expired".
func (c *ControlPlane) ConfirmPlan(ctx context.Context, req DecisionRequest) (*TurnResult, error) {
	// 1. Загружаем и проверяем переход
	pp, err := c.loadPending(ctx, req.TenantID, req.PlanID)
	if err != nil {
		return nil, err
	}
	if err := pp.CanTransitionTo(domain.StatusApproved, c.now()); err != nil {
		if errors.Is(err, domain.ErrPlanExpired) {
			if rerr := c.Pending.ResolvePendingPlan(ctx, pp.ID, domain.StatusRejected, req.ReviewerID, "expired"); rerr != nil {
				c.logger.Warn("failed to close expired plan", zap.String("plan_id", pp.ID), zap.Error(rerr))
			}
		}
		return nil, err
	}

	// 2. Ход пользователя, которому принадлежит план
	unlock, err := c.Sessions.LockTurn(ctx, req.TenantID, pp.UserID)
	if err != nil {
		return nil, fmt.Errorf("acquire turn: %w", err)
	}
	defer unlock()

	ec, err := c.Assembler.Build(ctx, req.TenantID, pp.UserID, req.TraceID)
	if err != nil {
		return nil, err
	}

	res := &TurnResult{SessionID: ec.SessionID(), Plan: &pp.Plan}

	// 3. Повторная проверка до фиксации: запрещенный план закрывается как REJECTED
	r, err := c.review(ec, &pp.Plan)
	if err != nil {
		return nil, err
	}
	if r.Denied() {
		reason := strings.Join(r.Reasons, "; ")
		if err := c.Pending.ResolvePendingPlan(ctx, pp.ID, domain.StatusRejected, req.ReviewerID, "no longer permitted: "+reason); err != nil {
			return nil, err
		}
		c.Audit.RecordDenial(ec, &pp.Plan, reason, req.ReviewerID)
		res.State = domain.PlanDenied
		res.Reply = "The approved plan can no longer run: " + reason
		c.Metrics.TurnsTotal.WithLabelValues(string(res.State)).Inc()
		c.finish(ctx, ec, "", res)
		return res, nil
	}

	// 4. Атомарно фиксируем решение (второй ревьюер получит ErrPlanNotPending)
	if err := c.Pending.ResolvePendingPlan(ctx, pp.ID, domain.StatusApproved, req.ReviewerID, req.Comment); err != nil {
		return nil, err
	}

	// 5. Исполнение
	exec, err := c.ExecuteConfirmed(ctx, ec, &pp.Plan, req.ReviewerID)
	var authErr *domain.AuthorizationError
	switch {
	case errors.As(err, &authErr):
		res.State = domain.PlanDenied
		res.Reply = "The approved plan can no longer run: " + authErr.Reason
	case err != nil:
		return nil, err
	default:
		res.State = exec.State
		res.Execution = exec
		res.Reply = exec.Summary
	}
	c.Metrics.TurnsTotal.WithLabelValues(string(res.State)).Inc()

	c.logger.Info("pending plan confirmed", zap.String("plan_id", pp.ID), zap.String("tenant_id", req.TenantID),
		zap.String("reviewer_id", req.ReviewerID), zap.String("state", string(res.State)))

	c.finish(ctx, ec, "", res)
	return res, nil
}

// RejectPlan отклонение плана ревьюером. Исполнения нет, решение пишется в аудит.
func (c *ControlPlane) RejectPlan(ctx context.Context, req DecisionRequest) (*domain.PendingPlan, error) {
	pp, err := c.loadPending(ctx, req.TenantID, req.PlanID)
	if err != nil {
		return nil, err
	}
	if err := pp.CanTransitionTo(domain.StatusRejected, c.now()); err != nil {
		return nil, err
	}
	if err := c.Pending.ResolvePendingPlan(ctx, pp.ID, domain.StatusRejected, req.ReviewerID, req.Comment); err != nil {
		return nil, err
	}

	pp.Status = domain.StatusRejected
	pp.ReviewerID = &req.ReviewerID
	pp.Comment = &req.Comment

	// Для аудита достаточно идентичности: политика и секреты не нужны
	ec := domain.NewExecutionContext(req.TenantID, pp.UserID, "", domain.FailSafePolicy(req.TenantID), domain.Credentials{}, nil, req.TraceID)
	reason := "rejected by reviewer"
	if req.Comment != "" {
		reason += ": " + req.Comment
	}
	c.Audit.RecordDenial(ec, &pp.Plan, reason, req.ReviewerID)

	// Пользователь увидит решение в истории
	if sess, err := c.Sessions.LoadOrCreate(ctx, req.TenantID, pp.UserID); err == nil {
		msg := fmt.Sprintf("Plan %s was rejected.", pp.ID)
		if req.Comment != "" {
			msg += " Reviewer comment: " + req.Comment
		}
		if err := c.Sessions.AppendMessage(ctx, sess.ID, domain.Message{Role: domain.RoleAssistant, Content: msg}); err != nil {
			c.logger.Warn("append rejection message failed", zap.Error(err))
		}
	}

	c.logger.Info("pending plan rejected", zap.String("plan_id", pp.ID), zap.String("tenant_id", req.TenantID),
		zap.String("reviewer_id", req.ReviewerID))
	return pp, nil
}

// ListPending очередь планов тенанта, ожидающих решения.
func (c *ControlPlane) ListPending(ctx context.Context, tenantID string) ([]*domain.PendingPlan, error) {
	return c.Pending.ListPendingPlans(ctx, tenantID, domain.StatusPending)
}

// History история диалога пары (tenant, user).
func (c *ControlPlane) History(ctx context.Context, tenantID, userID string) ([]domain.Message, error) {
	sess, err := c.Sessions.LoadOrCreate(ctx, tenantID, userID)
	if err != nil {
		return nil, err
	}
	return c.Sessions.GetHistory(ctx, sess.ID)
}

func deniedReply(r *Review) string {
	return "I can't do this under the current assistant policy:\n- " + strings.Join(r.Reasons, "\n- ")
}

func proposalReply(plan *domain.Plan, r *Review) string {
	return withExplanation(plan, "This plan needs your confirmation before it runs:\n- "+strings.Join(r.Reasons, "\n- "))
}

func withExplanation(plan *domain.Plan, text string) string {
	if plan.Explanation == "" {
		return text
	}
	return plan.Explanation + "\n\n" + text
}
