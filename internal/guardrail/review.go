package guardrail

import (
	"fmt"
	"strings"

	"github.com/xela07ax/studiocrm-agent/internal/domain"
)

// Action описание одного шага плана в терминах, понятных guardrail.
// Собирается движком из каталога инструментов и аргументов шага.
type Action struct {
	Name       string
	Authority  domain.Authority
	Sensitive  bool
	Amount     *float64
	Email      bool
	Recipients []string
	Table      string
	Fields     []string
}

// Decision итог проверки шага с причиной для пользователя и аудита.
type Decision struct {
	Verdict Verdict
	Reason  string
	Missing domain.Authority // заполнено, если отказ из-за полномочия
}

// Review объединяет независимые оси проверки в одно решение:
//  1. EvaluateWrite: Deny и Propose окончательны;
//  2. сумма на уровне порога или выше -> Propose (исключений нет);
//  3. письма: disabled -> Deny, approval -> Propose, trusted_auto -> Propose, если есть недоверенный домен;
//  4. запись в ограниченные поля -> Propose;
//  5. чувствительное действие в режиме auto_safe -> Propose.
//
// Пункты 3-5 не применяются к действиям из AutoSafeActions.
func Review(p domain.Policy, a Action) Decision {
	switch EvaluateWrite(p, a.Authority) {
	case Deny:
		if !p.Authorities.Has(a.Authority) {
			return Decision{Verdict: Deny, Missing: a.Authority, Reason: fmt.Sprintf("missing authority %s", a.Authority)}
		}
		return Decision{Verdict: Deny, Reason: fmt.Sprintf("writes are not permitted in mode %s", p.Mode)}
	case Propose:
		return Decision{Verdict: Propose, Reason: "policy requires approval for every write"}
	}

	if a.Amount != nil && !ShouldApprove(p, *a.Amount) {
		return Decision{Verdict: Propose, Reason: fmt.Sprintf("amount %.2f is at or above approval threshold %.2f", *a.Amount, p.ApprovalThresholdAmount)}
	}

	if p.AutoSafeActions.Has(a.Name) {
		return Decision{Verdict: Allow}
	}

	if a.Email {
		switch p.EmailSendMode {
		case domain.EmailDisabled:
			return Decision{Verdict: Deny, Reason: "email sending is disabled"}
		case domain.EmailTrustedAuto:
			if d, ok := untrustedRecipient(p, a.Recipients); ok {
				return Decision{Verdict: Propose, Reason: fmt.Sprintf("recipient domain %s is not trusted", d)}
			}
		default:
			return Decision{Verdict: Propose, Reason: "email requires approval"}
		}
	}

	if restricted := p.RestrictedFields[a.Table]; len(restricted) > 0 {
		for _, f := range a.Fields {
			if restricted.Has(f) {
				return Decision{Verdict: Propose, Reason: fmt.Sprintf("field %s.%s is restricted", a.Table, f)}
			}
		}
	}

	if a.Sensitive && p.Mode == domain.ModeAutoSafe {
		return Decision{Verdict: Propose, Reason: fmt.Sprintf("%s is a sensitive action", a.Name)}
	}

	return Decision{Verdict: Allow}
}

// untrustedRecipient возвращает первый домен вне trustlist. Адрес без домена недоверенный.
func untrustedRecipient(p domain.Policy, recipients []string) (string, bool) {
	if len(recipients) == 0 {
		return "(no recipients)", true
	}
	for _, r := range recipients {
		at := strings.LastIndexByte(r, '@')
		if at < 0 || at == len(r)-1 {
			return r, true
		}
		d := strings.ToLower(strings.TrimSpace(r[at+1:]))
		if !p.EmailDomainTrustlist.Has(d) {
			return d, true
		}
	}
	return "", false
}
