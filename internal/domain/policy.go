package domain

import (
	"encoding/json"
	"sort"
	"time"
)

// Mode определяет, насколько самостоятельно ассистент может менять данные тенанта.
type Mode string

const (
	ModeReadOnly Mode = "read_only" // Только чтение
	ModePropose  Mode = "propose"   // Любая запись уходит на подтверждение человеку
	ModeAutoSafe Mode = "auto_safe" // Автоисполнение, но чувствительные действия через HITL
	ModeAutoAll  Mode = "auto_all"  // Полное автоисполнение в рамках полномочий
)

// ParseMode возвращает режим и признак того, что значение известно.
// Неизвестное значение сохраняется как есть: Guardrail трактует его как запрет.
func ParseMode(s string) (Mode, bool) {
	m := Mode(s)
	switch m {
	case ModeReadOnly, ModePropose, ModeAutoSafe, ModeAutoAll:
		return m, true
	default:
		return m, false
	}
}

// Authority это тег полномочия, которое требуется инструменту для записи.
type Authority string

const (
	AuthorityReadData       Authority = "READ_DATA"
	AuthorityCreateLead     Authority = "CREATE_LEAD"
	AuthorityUpdateClient   Authority = "UPDATE_CLIENT"
	AuthoritySendEmail      Authority = "SEND_EMAIL"
	AuthorityCreateInvoice  Authority = "CREATE_INVOICE"
	AuthoritySendInvoice    Authority = "SEND_INVOICE"
	AuthorityManageCalendar Authority = "MANAGE_CALENDAR"
	AuthorityManageGallery  Authority = "MANAGE_GALLERY"
	AuthoritySubmitOrder    Authority = "SUBMIT_ORDER"
)

// AuthoritySet множество полномочий. Дубликаты невозможны по построению.
type AuthoritySet map[Authority]struct{}

func NewAuthoritySet(items ...Authority) AuthoritySet {
	s := make(AuthoritySet, len(items))
	for _, a := range items {
		if a != "" {
			s[a] = struct{}{}
		}
	}
	return s
}

func (s AuthoritySet) Has(a Authority) bool {
	_, ok := s[a]
	return ok
}

// Slice возвращает отсортированный список (стабильный порядок для логов и JSON).
func (s AuthoritySet) Slice() []Authority {
	out := make([]Authority, 0, len(s))
	for a := range s {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (s AuthoritySet) Clone() AuthoritySet {
	c := make(AuthoritySet, len(s))
	for a := range s {
		c[a] = struct{}{}
	}
	return c
}

func (s AuthoritySet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Slice())
}

func (s *AuthoritySet) UnmarshalJSON(data []byte) error {
	var items []Authority
	if err := json.Unmarshal(data, &items); err != nil {
		return err
	}
	*s = NewAuthoritySet(items...)
	return nil
}

// StringSet используется для доменов, действий и полей.
type StringSet map[string]struct{}

func NewStringSet(items ...string) StringSet {
	s := make(StringSet, len(items))
	for _, v := range items {
		if v != "" {
			s[v] = struct{}{}
		}
	}
	return s
}

func (s StringSet) Has(v string) bool {
	_, ok := s[v]
	return ok
}

func (s StringSet) Slice() []string {
	out := make([]string, 0, len(s))
	for v := range s {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

func (s StringSet) Clone() StringSet {
	c := make(StringSet, len(s))
	for v := range s {
		c[v] = struct{}{}
	}
	return c
}

func (s StringSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Slice())
}

func (s *StringSet) UnmarshalJSON(data []byte) error {
	var items []string
	if err := json.Unmarshal(data, &items); err != nil {
		return err
	}
	*s = NewStringSet(items...)
	return nil
}

// EmailSendMode управляет отправкой писем от имени студии.
type EmailSendMode string

const (
	EmailDisabled    EmailSendMode = "disabled"     // Отправка запрещена
	EmailApproval    EmailSendMode = "approval"     // Каждое письмо через подтверждение
	EmailTrustedAuto EmailSendMode = "trusted_auto" // Автоотправка только на доверенные домены
)

// Policy описывает полномочия ассистента для одного тенанта.
type Policy struct {
	TenantID                string               `json:"tenant_id"`
	Mode                    Mode                 `json:"mode"`
	Authorities             AuthoritySet         `json:"authorities"`
	ApprovalThresholdAmount float64              `json:"approval_threshold_amount"`
	EmailSendMode           EmailSendMode        `json:"email_send_mode"`
	RestrictedFields        map[string]StringSet `json:"restricted_fields"` // table -> fields
	AutoSafeActions         StringSet            `json:"auto_safe_actions"`
	MaxOpsPerHour           int                  `json:"max_ops_per_hour"`
	EmailDomainTrustlist    StringSet            `json:"email_domain_trustlist"`

	UpdatedAt time.Time `json:"updated_at"`
}

// Clone возвращает глубокую копию, чтобы контекст исполнения оставался неизменяемым.
func (p Policy) Clone() Policy {
	c := p
	c.Authorities = p.Authorities.Clone()
	c.AutoSafeActions = p.AutoSafeActions.Clone()
	c.EmailDomainTrustlist = p.EmailDomainTrustlist.Clone()
	c.RestrictedFields = make(map[string]StringSet, len(p.RestrictedFields))
	for table, fields := range p.RestrictedFields {
		c.RestrictedFields[table] = fields.Clone()
	}
	return c
}

// FailSafePolicy максимально ограничительная политика. Отдается при любой ошибке загрузки,
// поэтому отсутствие политики никогда не расширяет права (Zero Trust).
func FailSafePolicy(tenantID string) Policy {
	return Policy{
		TenantID:                tenantID,
		Mode:                    ModeReadOnly,
		Authorities:             NewAuthoritySet(AuthorityReadData),
		ApprovalThresholdAmount: 0,
		EmailSendMode:           EmailDisabled,
		RestrictedFields:        map[string]StringSet{},
		AutoSafeActions:         NewStringSet(),
		MaxOpsPerHour:           0,
		EmailDomainTrustlist:    NewStringSet(),
	}
}
