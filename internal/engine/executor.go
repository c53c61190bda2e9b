package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/xela07ax/studiocrm-agent/internal/audit"
	"github.com/xela07ax/studiocrm-agent/internal/catalog"
	"github.com/xela07ax/studiocrm-agent/internal/domain"
	"github.com/xela07ax/studiocrm-agent/internal/guardrail"
	"github.com/xela07ax/studiocrm-agent/internal/metrics"
	"github.com/xela07ax/studiocrm-agent/internal/tools"
	"go.uber.org/zap"
)

// AuditRecorder запись решений и шагов в журнал. Реализация не блокирует.
type AuditRecorder interface {
	RecordProposal(ec *domain.ExecutionContext, plan *domain.Plan, reasons []string)
	RecordApproval(ec *domain.ExecutionContext, plan *domain.Plan, approver string)
	RecordDenial(ec *domain.ExecutionContext, plan *domain.Plan, reason, approver string)
	RecordExecution(ec *domain.ExecutionContext, s audit.StepRecord)
	RecordFailure(ec *domain.ExecutionContext, s audit.StepRecord, err error)
	RecordRollback(ec *domain.ExecutionContext, s audit.StepRecord, err error)
}

// Статусы шага в результате исполнения.
const (
	StepSucceeded    = "succeeded"
	StepFailed       = "failed"
	StepRolledBack = "rolled_back"
)

type StepOutcome struct {
	Index  int         `json:"index"`
	Tool   string      `json:"tool"`
	Status string      `json:"status"`
	Output interface{} `json:"output,omitempty"`
	Error  string      `json:"error,omitempty"`
}

// ExecutionResult накопленные результаты шагов и итоговая сводка.
// Steps содержит только выполнявшиеся шаги, пропущенные после остановки есть в NotAttempted и в сводке.
type ExecutionResult struct {
	PlanID       string           `json:"plan_id"`
	State        domain.PlanState `json:"state"`
	Steps        []StepOutcome    `json:"steps"`
	NotAttempted []string         `json:"not_attempted,omitempty"`
	Succeeded    int              `json:"succeeded"`
	Failed       int              `json:"failed"`
	Halted       bool             `json:"halted"`
	Summary      string           `json:"summary"`
}

// Executor исполняет план строго по порядку шагов.
type Executor struct {
	registry  *tools.Registry
	catalog   *catalog.Source
	audit     AuditRecorder
	sensitive domain.StringSet
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

func NewExecutor(registry *tools.Registry, src *catalog.Source, rec AuditRecorder, sensitive []string, m *metrics.Metrics, logger *zap.Logger) *Executor {
	if m == nil {
		m = metrics.New(nil)
	}
	return &Executor{
		registry:  registry,
		catalog:   src,
		audit:     rec,
		sensitive: domain.NewStringSet(sensitive...),
		metrics:   m,
		logger:    logger.With(zap.String("mod", "executor")),
	}
}

// Classify DRAFTED -> {DENIED, NEEDS_CONFIRMATION, AUTO_EXECUTABLE} по политике контекста.
func (e *Executor) Classify(ec *domain.ExecutionContext, plan *domain.Plan) (*Review, error) {
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	cat, err := e.catalog.Catalog()
	if err != nil {
		return nil, err
	}
	return classify(ec.Policy(), cat, e.sensitive, plan), nil
}

// Execute EXECUTING -> {COMPLETED, PARTIALLY_FAILED}. Отказ критичного шага
// останавливает план, некритичного нет. Ошибки шагов не поднимаются наверх:
// они в результате и в аудите.
func (e *Executor) Execute(ctx context.Context, ec *domain.ExecutionContext, plan *domain.Plan, approver string) (*ExecutionResult, error) {
	cat, err := e.catalog.Catalog()
	if err != nil {
		return nil, err
	}

	res := &ExecutionResult{PlanID: plan.ID, Steps: make([]StepOutcome, 0, len(plan.Steps))}
	log := e.logger.With(zap.String("plan_id", plan.ID), zap.String("tenant_id", ec.TenantID()), zap.String("trace_id", ec.TraceID()))

	for i, step := range plan.Steps {
		if res.Halted {
			res.NotAttempted = append(res.NotAttempted, step.Tool)
			continue
		}

		spec, ok := cat.Get(step.Tool)
		if !ok {
			spec = catalog.ToolSpec{Name: step.Tool}
		}

		out, halt := e.runStep(ctx, ec, plan, i, step, spec, approver)
		res.Steps = append(res.Steps, out)
		if out.Status == StepSucceeded {
			res.Succeeded++
			continue
		}

		res.Failed++
		log.Warn("plan step failed", zap.Int("step", i+1), zap.String("tool", step.Tool),
			zap.String("error", out.Error), zap.Bool("halt", halt))
		if halt {
			res.Halted = true
		}
	}

	res.State = domain.PlanCompleted
	if res.Failed > 0 {
		res.State = domain.PlanPartiallyFailed
	}
	res.Summary = summarize(res)
	return res, nil
}

// runStep fetch-execute-fetch для одного шага. Второй результат: нужно ли остановить план.
func (e *Executor) runStep(ctx context.Context, ec *domain.ExecutionContext, plan *domain.Plan, i int, step domain.Step, spec catalog.ToolSpec, approver string) (StepOutcome, bool) {
	out := StepOutcome{Index: i, Tool: step.Tool}
	rec := audit.StepRecord{
		PlanID:    plan.ID,
		Index:     i,
		Tool:      step.Tool,
		Table:     spec.Table,
		TargetID:  targetID(spec, step.Args, nil),
		Args:      step.Args,
		RiskLevel: plan.RiskLevel,
		Approver:  approver,
	}
	if spec.AmountArg != "" {
		if v, ok := toFloat(step.Args[spec.AmountArg]); ok {
			rec.Amount = &v
		}
	}

	fail := func(err error, halt bool) (StepOutcome, bool) {
		out.Status = StepFailed
		out.Error = err.Error()
		e.audit.RecordFailure(ec, rec, err)
		e.metrics.ErrorTotal.WithLabelValues(errorType(err)).Inc()
		return out, halt
	}

	// 1. Отмена хода останавливает план
	if err := ctx.Err(); err != nil {
		return fail(err, true)
	}

	// 2. Инструмент должен быть в реестре
	tool, err := e.registry.Lookup(step.Tool)
	if err != nil {
		return fail(err, spec.IsCritical())
	}

	// 3. Жесткая проверка полномочия
	if spec.Authority == "" {
		return fail(&domain.ToolNotFoundError{Tool: step.Tool}, true)
	}
	if err := guardrail.RequireAuthority(ec, spec.Authority); err != nil {
		return fail(err, true)
	}

	// 4. Fetch: состояние до
	snap, canSnap := tool.(tools.Snapshotter)
	if canSnap && !spec.IsRead() {
		rec.Before = e.snapshot(ctx, snap, step, ec)
	}

	// 5. Execute
	start := time.Now()
	result, err := tool.Invoke(ctx, step.Args, ec)
	status := StepSucceeded
	if err != nil {
		status = StepFailed
	}
	e.metrics.StepDuration.WithLabelValues(step.Tool, status).Observe(time.Since(start).Seconds())

	if err != nil {
		toolErr := &domain.ToolExecutionError{Tool: step.Tool, Err: err}
		if errors.Is(err, domain.ErrRolledBack) {
			out.Status = StepRolledBack
			out.Error = toolErr.Error()
			e.audit.RecordRollback(ec, rec, toolErr)
			e.metrics.ErrorTotal.WithLabelValues("rolled_back").Inc()
			return out, spec.IsCritical()
		}
		return fail(toolErr, spec.IsCritical())
	}

	// 6. Fetch: состояние после
	if rec.TargetID == "" {
		rec.TargetID = targetID(spec, step.Args, result)
	}
	rec.After = result
	if canSnap && !spec.IsRead() {
		if after := e.snapshot(ctx, snap, step, ec); after != nil {
			rec.After = after
		}
	}
	e.audit.RecordExecution(ec, rec)

	out.Status = StepSucceeded
	out.Output = result
	return out, false
}

// snapshot ошибка снимка не мешает шагу, только логируется.
func (e *Executor) snapshot(ctx context.Context, s tools.Snapshotter, step domain.Step, ec *domain.ExecutionContext) interface{} {
	v, err := s.Snapshot(ctx, step.Args, ec)
	if err != nil {
		e.logger.Warn("snapshot failed", zap.String("tool", step.Tool), zap.Error(err))
		return nil
	}
	return v
}

func summarize(res *ExecutionResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Completed %d of %d steps.", res.Succeeded, len(res.Steps)+len(res.NotAttempted))
	for _, s := range res.Steps {
		switch s.Status {
		case StepSucceeded:
			fmt.Fprintf(&b, "\n- %s: done", s.Tool)
		case StepRolledBack:
			fmt.Fprintf(&b, "\n- %s: rolled back (%s)", s.Tool, s.Error)
		default:
			fmt.Fprintf(&b, "\n- %s: failed (%s)", s.Tool, s.Error)
		}
	}
	for _, tool := range res.NotAttempted {
		fmt.Fprintf(&b, "\n- %s: not attempted", tool)
	}
	if res.Halted {
		b.WriteString("\nExecution stopped after a critical step failed.")
	}
	return b.String()
}

// errorType метка для ErrorTotal.
func errorType(err error) string {
	var (
		authErr   *domain.AuthorizationError
		notFound  *domain.ToolNotFoundError
		credErr   *domain.CredentialLoadError
		planErr   *domain.PlanGenerationError
		configErr *domain.ConfigurationError
		toolErr   *domain.ToolExecutionError
	)
	switch {
	case errors.As(err, &authErr):
		return "authorization"
	case errors.As(err, &notFound):
		return "tool_not_found"
	case errors.As(err, &credErr):
		return "credentials"
	case errors.As(err, &planErr):
		return "plan_generation"
	case errors.As(err, &configErr):
		return "configuration"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	case errors.As(err, &toolErr):
		return "tool_execution"
	default:
		return "internal"
	}
}
