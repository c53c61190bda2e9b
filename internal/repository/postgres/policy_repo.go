package postgres

/*
Файл policy_repo.go отвечает за хранение политик тенантов.
Горячий путь читает политику из кэша policy.Store, сюда он ходит только на промахе.
*/

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/xela07ax/studiocrm-agent/internal/domain"
)

func (r *Repo) GetPolicy(ctx context.Context, tenantID string) (*domain.Policy, error) {
	query := `
		SELECT tenant_id, mode, authorities, approval_threshold_amount, email_send_mode,
		       restricted_fields, auto_safe_actions, max_ops_per_hour, email_domain_trustlist, updated_at
		FROM tenant_policies
		WHERE tenant_id = $1`

	var (
		p                                   domain.Policy
		mode, emailMode                     string
		authorities, autoSafe, trustedHosts []string
		restricted                          []byte
	)
	err := r.pool.QueryRow(ctx, query, tenantID).Scan(
		&p.TenantID, &mode, &authorities, &p.ApprovalThresholdAmount, &emailMode,
		&restricted, &autoSafe, &p.MaxOpsPerHour, &trustedHosts, &p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil // Политики нет: Store отдаст fail-safe
		}
		return nil, fmt.Errorf("postgres: failed to get policy: %w", err)
	}

	// Неизвестный режим сохраняется как есть, Guardrail трактует его как запрет
	p.Mode, _ = domain.ParseMode(mode)
	p.EmailSendMode = domain.EmailSendMode(emailMode)
	p.AutoSafeActions = domain.NewStringSet(autoSafe...)
	p.EmailDomainTrustlist = domain.NewStringSet(trustedHosts...)

	p.Authorities = domain.NewAuthoritySet()
	for _, a := range authorities {
		p.Authorities[domain.Authority(a)] = struct{}{}
	}

	p.RestrictedFields = map[string]domain.StringSet{}
	if len(restricted) > 0 {
		if err := json.Unmarshal(restricted, &p.RestrictedFields); err != nil {
			return nil, fmt.Errorf("postgres: decode restricted_fields: %w", err)
		}
	}
	return &p, nil
}

// UpsertPolicy создает или заменяет политику тенанта целиком.
func (r *Repo) UpsertPolicy(ctx context.Context, p *domain.Policy) error {
	restricted, err := json.Marshal(p.RestrictedFields)
	if err != nil {
		return fmt.Errorf("postgres: encode restricted_fields: %w", err)
	}

	authorities := make([]string, 0, len(p.Authorities))
	for _, a := range p.Authorities.Slice() {
		authorities = append(authorities, string(a))
	}

	query := `
		INSERT INTO tenant_policies (tenant_id, mode, authorities, approval_threshold_amount, email_send_mode,
		                             restricted_fields, auto_safe_actions, max_ops_per_hour, email_domain_trustlist, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
		ON CONFLICT (tenant_id) DO UPDATE SET
			mode = EXCLUDED.mode,
			authorities = EXCLUDED.authorities,
			approval_threshold_amount = EXCLUDED.approval_threshold_amount,
			email_send_mode = EXCLUDED.email_send_mode,
			restricted_fields = EXCLUDED.restricted_fields,
			auto_safe_actions = EXCLUDED.auto_safe_actions,
			max_ops_per_hour = EXCLUDED.max_ops_per_hour,
			email_domain_trustlist = EXCLUDED.email_domain_trustlist,
			updated_at = NOW()`

	_, err = r.pool.Exec(ctx, query,
		p.TenantID, string(p.Mode), authorities, p.ApprovalThresholdAmount, string(p.EmailSendMode),
		restricted, p.AutoSafeActions.Slice(), p.MaxOpsPerHour, p.EmailDomainTrustlist.Slice(),
	)
	if err != nil {
		return fmt.Errorf("postgres: failed to upsert policy: %w", err)
	}
	return nil
}
