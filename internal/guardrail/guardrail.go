// Package guardrail содержит чистые функции принятия решения: можно ли ассистенту
// выполнить запись сам, нужно ли предложить ее человеку или запретить.
// Пакет не ходит ни в сеть, ни в базу.
package guardrail

import (
	"github.com/xela07ax/studiocrm-agent/internal/domain"
)

// Verdict закрытое перечисление решений. Нулевое значение это запрет.
type Verdict int

const (
	Deny Verdict = iota
	Propose
	Allow
)

func (v Verdict) String() string {
	switch v {
	case Allow:
		return "allow"
	case Propose:
		return "propose"
	default:
		return "deny"
	}
}

// EvaluateWrite точный алгоритм: полномочие отсутствует -> Deny при любом режиме,
// иначе решение определяется только режимом. Неизвестный режим -> Deny.
func EvaluateWrite(p domain.Policy, authority domain.Authority) Verdict {
	if !p.Authorities.Has(authority) {
		return Deny
	}

	switch p.Mode {
	case domain.ModeReadOnly:
		return Deny
	case domain.ModePropose:
		return Propose
	case domain.ModeAutoSafe, domain.ModeAutoAll:
		return Allow
	default:
		return Deny
	}
}

// ShouldApprove сообщает, можно ли одобрить сумму автоматически.
// Строгое неравенство: сумма, равная порогу, требует подтверждения.
func ShouldApprove(p domain.Policy, amount float64) bool {
	return amount < p.ApprovalThresholdAmount
}

// HasAuthority проверка без побочных эффектов.
func HasAuthority(p domain.Policy, authority domain.Authority) bool {
	return p.Authorities.Has(authority)
}

// DiffMissingAuthorities возвращает требуемые полномочия, которых нет в политике,
// в исходном порядке и без повторов.
func DiffMissingAuthorities(p domain.Policy, required []domain.Authority) []domain.Authority {
	var missing []domain.Authority
	seen := make(map[domain.Authority]struct{}, len(required))
	for _, a := range required {
		if _, dup := seen[a]; dup {
			continue
		}
		seen[a] = struct{}{}
		if !p.Authorities.Has(a) {
			missing = append(missing, a)
		}
	}
	return missing
}

// RequireAuthority жесткий стоп перед мутирующей операцией.
// Не зависит от мягкой рекомендации EvaluateWrite.
func RequireAuthority(ec *domain.ExecutionContext, authority domain.Authority) error {
	if ec == nil {
		return &domain.AuthorizationError{Authority: authority, Reason: "no execution context"}
	}
	if !ec.Policy().Authorities.Has(authority) {
		return &domain.AuthorizationError{Authority: authority}
	}
	return nil
}
