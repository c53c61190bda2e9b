package domain

import (
	"errors"
	"fmt"
)

type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// ParseRiskLevel нормализует уровень риска. Пустое или неизвестное значение считается высоким.
func ParseRiskLevel(s string) RiskLevel {
	switch r := RiskLevel(s); r {
	case RiskLow, RiskMedium, RiskHigh:
		return r
	default:
		return RiskHigh
	}
}

type Step struct {
	Tool string                 `json:"tool"`
	Args map[string]interface{} `json:"args"`
}

// Plan упорядоченный список шагов. После генерации не меняется.
type Plan struct {
	ID                string    `json:"id"`
	Steps             []Step    `json:"steps"`
	RiskLevel         RiskLevel `json:"riskLevel"`
	Explanation       string    `json:"explanation"`
	EstimatedDuration string    `json:"estimatedDuration"`
}

var ErrEmptyPlan = errors.New("plan has no steps")

// Validate проверяет форму плана перед исполнением.
func (p *Plan) Validate() error {
	if p == nil || len(p.Steps) == 0 {
		return ErrEmptyPlan
	}
	for i, s := range p.Steps {
		if s.Tool == "" {
			return fmt.Errorf("step %d: tool name is empty", i+1)
		}
	}
	switch p.RiskLevel {
	case RiskLow, RiskMedium, RiskHigh:
	default:
		return fmt.Errorf("unknown risk level %q", p.RiskLevel)
	}
	return nil
}

// ToolNames список инструментов в порядке шагов.
func (p *Plan) ToolNames() []string {
	out := make([]string, 0, len(p.Steps))
	for _, s := range p.Steps {
		out = append(out, s.Tool)
	}
	return out
}

// PlanState состояния автомата исполнения плана.
type PlanState string

const (
	PlanDrafted           PlanState = "DRAFTED"
	PlanNeedsConfirmation PlanState = "NEEDS_CONFIRMATION"
	PlanAutoExecutable    PlanState = "AUTO_EXECUTABLE"
	PlanExecuting         PlanState = "EXECUTING"
	PlanCompleted         PlanState = "COMPLETED"
	PlanPartiallyFailed   PlanState = "PARTIALLY_FAILED"
	PlanDenied            PlanState = "DENIED"
)
