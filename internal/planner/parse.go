package planner

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xela07ax/studiocrm-agent/internal/catalog"
	"github.com/xela07ax/studiocrm-agent/internal/domain"
)

type rawStep struct {
	Tool string                 `json:"tool"`
	Args map[string]interface{} `json:"args"`
}

type rawPlan struct {
	Steps             *[]rawStep `json:"steps"`
	RiskLevel         string     `json:"riskLevel"`
	Explanation       string     `json:"explanation"`
	EstimatedDuration string     `json:"estimatedDuration"`
}

// ParsePlan разбирает ответ модели. Допускаются markdown-ограждения и текст вокруг JSON.
// Пустой или неизвестный riskLevel считается high. Инструмент вне каталога отклоняет план целиком.
// Пустой список шагов допустим: это ответ без действий.
func ParsePlan(text string, cat *catalog.Catalog) (*domain.Plan, error) {
	body := extractJSON(text)
	if body == "" {
		return nil, &domain.PlanGenerationError{Reason: "response contains no JSON object"}
	}

	var raw rawPlan
	if err := json.Unmarshal([]byte(body), &raw); err != nil {
		return nil, &domain.PlanGenerationError{Reason: "malformed plan", Err: err}
	}
	if raw.Steps == nil {
		return nil, &domain.PlanGenerationError{Reason: "missing steps array"}
	}

	plan := &domain.Plan{
		Steps:             make([]domain.Step, 0, len(*raw.Steps)),
		RiskLevel:         domain.ParseRiskLevel(strings.ToLower(strings.TrimSpace(raw.RiskLevel))),
		Explanation:       strings.TrimSpace(raw.Explanation),
		EstimatedDuration: raw.EstimatedDuration,
	}
	for i, s := range *raw.Steps {
		name := strings.TrimSpace(s.Tool)
		if name == "" {
			return nil, &domain.PlanGenerationError{Reason: fmt.Sprintf("step %d has no tool", i+1)}
		}
		if _, ok := cat.Get(name); !ok {
			return nil, &domain.PlanGenerationError{Reason: fmt.Sprintf("step %d uses unknown tool %q", i+1, name)}
		}
		args := s.Args
		if args == nil {
			args = map[string]interface{}{}
		}
		plan.Steps = append(plan.Steps, domain.Step{Tool: name, Args: args})
	}
	return plan, nil
}

// extractJSON достает объект из ```json ... ``` или берет текст от первой { до последней }.
func extractJSON(text string) string {
	text = strings.TrimSpace(text)
	if i := strings.Index(text, "```"); i >= 0 {
		rest := text[i+3:]
		if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
			rest = rest[nl+1:] // пропускаем язык после ограждения
		}
		if j := strings.Index(rest, "```"); j >= 0 {
			rest = rest[:j]
		}
		text = strings.TrimSpace(rest)
	}

	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start < 0 || end <= start {
		return ""
	}
	return text[start : end+1]
}
