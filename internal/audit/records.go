package audit

import (
	"github.com/xela07ax/studiocrm-agent/internal/domain"
)

// StepRecord шаг плана с состоянием цели до и после (fetch-execute-fetch).
type StepRecord struct {
	PlanID    string
	Index     int
	Tool      string
	Table     string
	TargetID  string
	Args      map[string]interface{}
	Before    interface{}
	After     interface{}
	Amount    *float64
	RiskLevel domain.RiskLevel
	Approver  string
}

// RecordProposal одна запись на план, ушедший на подтверждение.
func (t *Trail) RecordProposal(ec *domain.ExecutionContext, plan *domain.Plan, reasons []string) {
	e := t.planEntry(ec, plan, domain.AuditProposed)
	e.Metadata["reasons"] = reasons
	t.Record(e)
}

// RecordApproval решение человека по плану.
func (t *Trail) RecordApproval(ec *domain.ExecutionContext, plan *domain.Plan, approver string) {
	e := t.planEntry(ec, plan, domain.AuditApproved)
	e.Approver = &approver
	t.Record(e)
}

// RecordDenial план не исполнялся: запрет политики или отказ ревьюера.
func (t *Trail) RecordDenial(ec *domain.ExecutionContext, plan *domain.Plan, reason, approver string) {
	e := t.planEntry(ec, plan, domain.AuditFailed)
	e.Error = reason
	if approver != "" {
		e.Approver = &approver
	}
	t.Record(e)
}

func (t *Trail) RecordExecution(ec *domain.ExecutionContext, s StepRecord) {
	t.Record(t.stepEntry(ec, s, domain.AuditExecuted, nil))
}

func (t *Trail) RecordFailure(ec *domain.ExecutionContext, s StepRecord, err error) {
	t.Record(t.stepEntry(ec, s, domain.AuditFailed, err))
}

// RecordRollback инструмент сам откатил частичную запись.
func (t *Trail) RecordRollback(ec *domain.ExecutionContext, s StepRecord, err error) {
	t.Record(t.stepEntry(ec, s, domain.AuditRolledBack, err))
}

func (t *Trail) planEntry(ec *domain.ExecutionContext, plan *domain.Plan, status domain.AuditStatus) domain.AuditEntry {
	return domain.AuditEntry{
		TenantID:  ec.TenantID(),
		UserID:    userRef(ec),
		Action:    "plan",
		TargetID:  plan.ID,
		After:     plan,
		Status:    status,
		RiskLevel: plan.RiskLevel,
		Metadata: map[string]interface{}{
			"trace_id":   ec.TraceID(),
			"session_id": ec.SessionID(),
			"tools":      plan.ToolNames(),
		},
	}
}

func (t *Trail) stepEntry(ec *domain.ExecutionContext, s StepRecord, status domain.AuditStatus, err error) domain.AuditEntry {
	e := domain.AuditEntry{
		TenantID:    ec.TenantID(),
		UserID:      userRef(ec),
		Action:      s.Tool,
		TargetTable: s.Table,
		TargetID:    s.TargetID,
		Before:      s.Before,
		After:       s.After,
		Status:      status,
		RiskLevel:   s.RiskLevel,
		Amount:      s.Amount,
		Metadata: map[string]interface{}{
			"trace_id":   ec.TraceID(),
			"session_id": ec.SessionID(),
			"plan_id":    s.PlanID,
			"step":       s.Index + 1,
			"args":       s.Args,
		},
	}
	if s.Approver != "" {
		approver := s.Approver
		e.Approver = &approver
	}
	if err != nil {
		e.Error = err.Error()
	}
	return e
}

// userRef nil для системных действий без пользователя.
func userRef(ec *domain.ExecutionContext) *string {
	if ec.UserID() == "" {
		return nil
	}
	u := ec.UserID()
	return &u
}
