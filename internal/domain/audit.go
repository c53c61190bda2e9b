package domain

import "time"

type AuditStatus string

const (
	AuditProposed   AuditStatus = "proposed"
	AuditApproved   AuditStatus = "approved"
	AuditExecuted   AuditStatus = "executed"
	AuditFailed     AuditStatus = "failed"
	AuditRolledBack AuditStatus = "rolled_back"
)

// AuditEntry запись журнала аудита. Только добавление, никаких update/delete.
type AuditEntry struct {
	ID          string                 `json:"id"`
	TenantID    string                 `json:"tenant_id"`
	UserID      *string                `json:"user_id,omitempty"` // nil для системных действий
	Action      string                 `json:"action"`
	TargetTable string                 `json:"target_table,omitempty"`
	TargetID    string                 `json:"target_id,omitempty"`
	Before      interface{}            `json:"before,omitempty"`
	After       interface{}            `json:"after,omitempty"`
	Status      AuditStatus            `json:"status"`
	Approver    *string                `json:"approver,omitempty"`
	RiskLevel   RiskLevel              `json:"risk_level,omitempty"`
	Amount      *float64               `json:"amount,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	Error       string                 `json:"error,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
}
