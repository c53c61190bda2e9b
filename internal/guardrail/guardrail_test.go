package guardrail

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/studiocrm-agent/internal/domain"
)

var allAuthorities = []domain.Authority{
	domain.AuthorityReadData, domain.AuthorityCreateLead, domain.AuthorityUpdateClient,
	domain.AuthoritySendEmail, domain.AuthorityCreateInvoice, domain.AuthoritySendInvoice,
	domain.AuthorityManageCalendar, domain.AuthorityManageGallery, domain.AuthoritySubmitOrder,
}

var allModes = []domain.Mode{
	domain.ModeReadOnly, domain.ModePropose, domain.ModeAutoSafe, domain.ModeAutoAll, "legacy_mode",
}

func policy(mode domain.Mode, auths ...domain.Authority) domain.Policy {
	p := domain.FailSafePolicy("t1")
	p.Mode = mode
	p.Authorities = domain.NewAuthoritySet(auths...)
	return p
}

func TestEvaluateWrite_ReadOnlyDeniesEverything(t *testing.T) {
	p := policy(domain.ModeReadOnly, allAuthorities...)
	for _, a := range allAuthorities {
		assert.Equal(t, Deny, EvaluateWrite(p, a), "authority %s", a)
	}
}

func TestEvaluateWrite_MissingAuthorityDeniesInEveryMode(t *testing.T) {
	for _, m := range allModes {
		p := policy(m, domain.AuthorityCreateLead)
		assert.Equal(t, Deny, EvaluateWrite(p, domain.AuthoritySendEmail), "mode %s", m)
	}
}

func TestEvaluateWrite_ModeDispatch(t *testing.T) {
	tests := []struct {
		mode domain.Mode
		want Verdict
	}{
		{domain.ModeReadOnly, Deny},
		{domain.ModePropose, Propose},
		{domain.ModeAutoSafe, Allow},
		{domain.ModeAutoAll, Allow},
		{"", Deny},
		{"legacy_mode", Deny},
	}
	for _, tt := range tests {
		t.Run(string(tt.mode), func(t *testing.T) {
			p := policy(tt.mode, domain.AuthorityCreateLead)
			assert.Equal(t, tt.want, EvaluateWrite(p, domain.AuthorityCreateLead))
		})
	}
}

func TestEvaluateWrite_Scenarios(t *testing.T) {
	assert.Equal(t, Propose, EvaluateWrite(policy(domain.ModePropose, domain.AuthorityCreateLead), domain.AuthorityCreateLead))
	assert.Equal(t, Deny, EvaluateWrite(policy(domain.ModeAutoSafe), domain.AuthoritySendEmail))
}

func TestShouldApprove_StrictThreshold(t *testing.T) {
	p := policy(domain.ModeAutoAll)
	p.ApprovalThresholdAmount = 500

	assert.True(t, ShouldApprove(p, 499.99))
	assert.False(t, ShouldApprove(p, 500))
	assert.False(t, ShouldApprove(p, 500.01))

	p.ApprovalThresholdAmount = 0
	assert.False(t, ShouldApprove(p, 0))
	assert.True(t, ShouldApprove(p, -1))
}

func TestDiffMissingAuthorities(t *testing.T) {
	p := policy(domain.ModeAutoAll, domain.AuthorityCreateLead)

	missing := DiffMissingAuthorities(p, []domain.Authority{
		domain.AuthoritySendEmail, domain.AuthorityCreateLead, domain.AuthoritySendEmail, domain.AuthoritySubmitOrder,
	})
	assert.Equal(t, []domain.Authority{domain.AuthoritySendEmail, domain.AuthoritySubmitOrder}, missing)
	assert.Empty(t, DiffMissingAuthorities(p, []domain.Authority{domain.AuthorityCreateLead}))
	assert.True(t, HasAuthority(p, domain.AuthorityCreateLead))
	assert.False(t, HasAuthority(p, domain.AuthoritySendEmail))
}

func TestRequireAuthority(t *testing.T) {
	ec := domain.NewExecutionContext("t1", "u1", "Studio", policy(domain.ModeReadOnly, domain.AuthorityCreateLead), domain.Credentials{}, nil, "")

	// Жесткая проверка смотрит только на полномочия, не на режим.
	assert.NoError(t, RequireAuthority(ec, domain.AuthorityCreateLead))

	err := RequireAuthority(ec, domain.AuthoritySendInvoice)
	var authErr *domain.AuthorizationError
	require.True(t, errors.As(err, &authErr))
	assert.Equal(t, domain.AuthoritySendInvoice, authErr.Authority)

	assert.Error(t, RequireAuthority(nil, domain.AuthorityCreateLead))
}

func amount(v float64) *float64 { return &v }

func TestReview_Composition(t *testing.T) {
	base := policy(domain.ModeAutoSafe, domain.AuthorityCreateInvoice, domain.AuthoritySendEmail, domain.AuthorityUpdateClient, domain.AuthoritySubmitOrder)
	base.ApprovalThresholdAmount = 1000
	base.EmailSendMode = domain.EmailTrustedAuto
	base.EmailDomainTrustlist = domain.NewStringSet("studio.example")
	base.RestrictedFields = map[string]domain.StringSet{"clients": domain.NewStringSet("email")}

	tests := []struct {
		name   string
		mutate func(p *domain.Policy)
		action Action
		want   Verdict
	}{
		{"missing authority", nil, Action{Name: "create_lead", Authority: domain.AuthorityCreateLead}, Deny},
		{"under threshold", nil, Action{Name: "create_invoice", Authority: domain.AuthorityCreateInvoice, Amount: amount(999)}, Allow},
		{"at threshold", nil, Action{Name: "create_invoice", Authority: domain.AuthorityCreateInvoice, Amount: amount(1000)}, Propose},
		{"over threshold in auto_all", func(p *domain.Policy) { p.Mode = domain.ModeAutoAll }, Action{Name: "create_invoice", Authority: domain.AuthorityCreateInvoice, Amount: amount(5000)}, Propose},
		{"over threshold even if auto safe", func(p *domain.Policy) { p.AutoSafeActions = domain.NewStringSet("create_invoice") }, Action{Name: "create_invoice", Authority: domain.AuthorityCreateInvoice, Amount: amount(5000)}, Propose},
		{"trusted recipient", nil, Action{Name: "send_email", Authority: domain.AuthoritySendEmail, Email: true, Recipients: []string{"anna@Studio.Example"}}, Allow},
		{"untrusted recipient", nil, Action{Name: "send_email", Authority: domain.AuthoritySendEmail, Email: true, Recipients: []string{"anna@studio.example", "bob@gmail.com"}}, Propose},
		{"email disabled", func(p *domain.Policy) { p.EmailSendMode = domain.EmailDisabled }, Action{Name: "send_email", Authority: domain.AuthoritySendEmail, Email: true, Recipients: []string{"a@studio.example"}}, Deny},
		{"email approval", func(p *domain.Policy) { p.EmailSendMode = domain.EmailApproval }, Action{Name: "send_email", Authority: domain.AuthoritySendEmail, Email: true}, Propose},
		{"restricted field", nil, Action{Name: "update_client", Authority: domain.AuthorityUpdateClient, Table: "clients", Fields: []string{"name", "email"}}, Propose},
		{"unrestricted field", nil, Action{Name: "update_client", Authority: domain.AuthorityUpdateClient, Table: "clients", Fields: []string{"name"}}, Allow},
		{"sensitive in auto_safe", nil, Action{Name: "submit_order", Authority: domain.AuthoritySubmitOrder, Sensitive: true}, Propose},
		{"sensitive in auto_all", func(p *domain.Policy) { p.Mode = domain.ModeAutoAll }, Action{Name: "submit_order", Authority: domain.AuthoritySubmitOrder, Sensitive: true}, Allow},
		{"sensitive but auto safe action", func(p *domain.Policy) { p.AutoSafeActions = domain.NewStringSet("submit_order") }, Action{Name: "submit_order", Authority: domain.AuthoritySubmitOrder, Sensitive: true}, Allow},
		{"propose mode wins", func(p *domain.Policy) { p.Mode = domain.ModePropose }, Action{Name: "update_client", Authority: domain.AuthorityUpdateClient}, Propose},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := base.Clone()
			if tt.mutate != nil {
				tt.mutate(&p)
			}
			d := Review(p, tt.action)
			assert.Equal(t, tt.want, d.Verdict, d.Reason)
			if d.Verdict != Allow {
				assert.NotEmpty(t, d.Reason)
			}
		})
	}
}

func TestReview_MissingAuthorityIsReported(t *testing.T) {
	d := Review(policy(domain.ModeAutoAll), Action{Name: "send_invoice", Authority: domain.AuthoritySendInvoice})
	assert.Equal(t, Deny, d.Verdict)
	assert.Equal(t, domain.AuthoritySendInvoice, d.Missing)
}
