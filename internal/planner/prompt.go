package planner

import (
	"fmt"
	"sort"
	"strings"

	"github.com/xela07ax/studiocrm-agent/internal/catalog"
	"github.com/xela07ax/studiocrm-agent/internal/domain"
)

const planFormat = `Reply with a single JSON object and nothing else:
{"steps":[{"tool":"<tool name>","args":{...}}],"riskLevel":"low|medium|high","explanation":"<one short paragraph for the studio owner>","estimatedDuration":"<e.g. 5s>"}
Use only tools from the list. Use an empty steps array when no action is needed and answer in explanation.
Mark riskLevel high for anything that spends money, contacts many clients or cannot be undone.`

// systemPrompt для стратегии chat: общая модель с инструкциями.
func systemPrompt(ec *domain.ExecutionContext, cat *catalog.Catalog) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are the CRM assistant of the photography studio %q. ", ec.TenantName())
	b.WriteString("You plan actions in the studio CRM on behalf of the studio owner.\n\n")
	b.WriteString("Available tools:\n")
	b.WriteString(cat.Describe())
	b.WriteString("\n")
	b.WriteString(planFormat)
	return b.String()
}

// personaPrompt короткая инструкция персоны-планировщика. Каталог приходит в запросе.
func personaPrompt(persona string) string {
	if persona == "" {
		persona = "You are the studio planner. You turn requests into executable CRM plans."
	}
	return persona + "\n\n" + planFormat
}

// buildRequest сообщение пользователя, каталог и рабочая память сессии.
func buildRequest(userMessage string, ec *domain.ExecutionContext, cat *catalog.Catalog) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Studio: %s\n", ec.TenantName())
	if cur := ec.Credentials().Currency; cur != "" {
		fmt.Fprintf(&b, "Currency: %s\n", cur)
	}

	sess := ec.Session()
	if sess != nil {
		if sess.LastSummary != "" {
			fmt.Fprintf(&b, "Conversation so far: %s\n", sess.LastSummary)
		}
		if len(sess.WorkingMemory) > 0 {
			b.WriteString("Known facts:\n")
			keys := make([]string, 0, len(sess.WorkingMemory))
			for k := range sess.WorkingMemory {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				fmt.Fprintf(&b, "- %s: %v\n", k, sess.WorkingMemory[k])
			}
		}
	}

	b.WriteString("\nTools:\n")
	b.WriteString(cat.Describe())
	b.WriteString("\nRequest: ")
	b.WriteString(userMessage)
	return b.String()
}
