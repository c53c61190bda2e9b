package engine

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/xela07ax/studiocrm-agent/internal/catalog"
	"github.com/xela07ax/studiocrm-agent/internal/domain"
	"github.com/xela07ax/studiocrm-agent/internal/guardrail"
)

// StepDecision решение guardrail по одному шагу плана.
type StepDecision struct {
	Index   int              `json:"index"`
	Tool    string           `json:"tool"`
	Verdict string           `json:"verdict"`
	Reason  string           `json:"reason,omitempty"`
	Missing domain.Authority `json:"missing_authority,omitempty"`
	Write   bool             `json:"write"`

	verdict guardrail.Verdict
}

// Review итог классификации плана: отказ, подтверждение или автоисполнение.
type Review struct {
	State   domain.PlanState `json:"state"`
	Steps   []StepDecision   `json:"steps"`
	Reasons []string         `json:"reasons,omitempty"`
}

// Denied хотя бы один шаг запрещен политикой.
func (r *Review) Denied() bool { return r.State == domain.PlanDenied }

// Writes количество шагов, меняющих данные тенанта.
func (r *Review) Writes() int {
	n := 0
	for _, s := range r.Steps {
		if s.Write {
			n++
		}
	}
	return n
}

// MissingAuthority первое недостающее полномочие среди запрещенных шагов.
func (r *Review) MissingAuthority() domain.Authority {
	for _, s := range r.Steps {
		if s.Missing != "" {
			return s.Missing
		}
	}
	return ""
}

func (r *Review) deny(reason string) {
	r.State = domain.PlanDenied
	r.Reasons = []string{reason}
}

func (r *Review) requireConfirmation(reason string) {
	r.State = domain.PlanNeedsConfirmation
	r.Reasons = append(r.Reasons, reason)
}

// classify прогоняет каждый шаг через guardrail и сводит решения.
// Любой Deny делает план DENIED; Propose, высокий риск или неисключенное
// чувствительное действие переводят план в NEEDS_CONFIRMATION.
func classify(p domain.Policy, cat *catalog.Catalog, sensitive domain.StringSet, plan *domain.Plan) *Review {
	r := &Review{Steps: make([]StepDecision, 0, len(plan.Steps))}

	var denials, proposals []string
	for i, step := range plan.Steps {
		d := reviewStep(p, cat, sensitive, step)
		d.Index = i
		d.Verdict = d.verdict.String()
		r.Steps = append(r.Steps, d)

		switch d.verdict {
		case guardrail.Deny:
			denials = append(denials, fmt.Sprintf("step %d (%s): %s", i+1, step.Tool, d.Reason))
		case guardrail.Propose:
			proposals = append(proposals, fmt.Sprintf("step %d (%s): %s", i+1, step.Tool, d.Reason))
		}
	}

	if len(denials) > 0 {
		r.State = domain.PlanDenied
		r.Reasons = denials
		return r
	}

	if plan.RiskLevel == domain.RiskHigh {
		proposals = append([]string{"plan risk level is high"}, proposals...)
	}
	if len(proposals) > 0 {
		r.State = domain.PlanNeedsConfirmation
		r.Reasons = proposals
		return r
	}

	r.State = domain.PlanAutoExecutable
	return r
}

func reviewStep(p domain.Policy, cat *catalog.Catalog, sensitive domain.StringSet, step domain.Step) StepDecision {
	d := StepDecision{Tool: step.Tool, Write: true}

	spec, ok := cat.Get(step.Tool)
	if !ok {
		d.verdict = guardrail.Deny
		d.Reason = fmt.Sprintf("tool %s is not in the catalog", step.Tool)
		return d
	}

	// Чтение не проходит через EvaluateWrite: достаточно READ_DATA
	if spec.IsRead() {
		d.Write = false
		if guardrail.HasAuthority(p, spec.Authority) {
			d.verdict = guardrail.Allow
			return d
		}
		d.verdict = guardrail.Deny
		d.Missing = spec.Authority
		d.Reason = fmt.Sprintf("missing authority %s", spec.Authority)
		return d
	}

	action := actionFor(spec, step, sensitive)
	dec := guardrail.Review(p, action)
	d.verdict, d.Reason, d.Missing = dec.Verdict, dec.Reason, dec.Missing

	// Чувствительное действие вне AutoSafeActions всегда требует человека, даже в auto_all
	if d.verdict == guardrail.Allow && action.Sensitive && !p.AutoSafeActions.Has(spec.Name) {
		d.verdict = guardrail.Propose
		d.Reason = fmt.Sprintf("%s is a sensitive action", spec.Name)
	}
	return d
}

// actionFor переводит шаг плана в термины guardrail по описанию инструмента.
func actionFor(spec catalog.ToolSpec, step domain.Step, sensitive domain.StringSet) guardrail.Action {
	a := guardrail.Action{
		Name:      spec.Name,
		Authority: spec.Authority,
		Sensitive: spec.Sensitive || sensitive.Has(spec.Name),
		Email:     spec.Email,
		Table:     spec.Table,
	}
	if spec.AmountArg != "" {
		if v, ok := toFloat(step.Args[spec.AmountArg]); ok {
			a.Amount = &v
		}
	}
	if spec.RecipientsArg != "" {
		a.Recipients = toStrings(step.Args[spec.RecipientsArg])
	}
	if spec.Table != "" {
		a.Fields = changedFields(spec, step.Args)
	}
	return a
}

// changedFields ключи объекта FieldsArg, а если он не задан, все аргументы кроме идентификатора.
func changedFields(spec catalog.ToolSpec, args map[string]interface{}) []string {
	var out []string
	if spec.FieldsArg != "" {
		switch v := args[spec.FieldsArg].(type) {
		case map[string]interface{}:
			for k := range v {
				out = append(out, k)
			}
		default:
			out = toStrings(v)
		}
	} else {
		for k := range args {
			if k != spec.IDArg {
				out = append(out, k)
			}
		}
	}
	sort.Strings(out)
	return out
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// toStrings принимает строку со списком через запятую/точку с запятой или массив строк.
func toStrings(v interface{}) []string {
	var out []string
	switch s := v.(type) {
	case string:
		for _, part := range strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ';' }) {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
	case []string:
		out = append(out, s...)
	case []interface{}:
		for _, item := range s {
			if str, ok := item.(string); ok && str != "" {
				out = append(out, str)
			}
		}
	}
	return out
}

// targetID идентификатор цели из аргументов или из ответа инструмента.
func targetID(spec catalog.ToolSpec, args map[string]interface{}, result interface{}) string {
	if spec.IDArg != "" {
		if v, ok := args[spec.IDArg]; ok && v != nil {
			return fmt.Sprint(v)
		}
	}
	if m, ok := result.(map[string]interface{}); ok {
		if v, ok := m["id"]; ok && v != nil {
			return fmt.Sprint(v)
		}
	}
	return ""
}
