package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xela07ax/studiocrm-agent/internal/domain"
)

const auditFields = 15

// WriteBatch пакетная вставка записей аудита. Таблица только на добавление.
func (r *Repo) WriteBatch(ctx context.Context, entries []domain.AuditEntry) error {
	if len(entries) == 0 {
		return nil
	}

	var placeholders strings.Builder
	vals := make([]interface{}, 0, len(entries)*auditFields)

	// Динамически строим запрос для пакетной вставки
	for i, e := range entries {
		p := i * auditFields
		if i > 0 {
			placeholders.WriteString(",")
		}
		placeholders.WriteString("(")
		for j := 1; j <= auditFields; j++ {
			if j > 1 {
				placeholders.WriteString(", ")
			}
			fmt.Fprintf(&placeholders, "$%d", p+j)
		}
		placeholders.WriteString(")")

		before, err := jsonOrNil(e.Before)
		if err != nil {
			return err
		}
		after, err := jsonOrNil(e.After)
		if err != nil {
			return err
		}
		meta, err := jsonOrNil(e.Metadata)
		if err != nil {
			return err
		}

		vals = append(vals,
			e.ID, e.TenantID, e.UserID, e.Action, e.TargetTable, e.TargetID,
			before, after, string(e.Status), e.Approver, string(e.RiskLevel), e.Amount,
			meta, e.Error, e.CreatedAt,
		)
	}

	query := "INSERT INTO audit_entries (id, tenant_id, user_id, action, target_table, target_id, before_state, after_state, status, approver, risk_level, amount, metadata, error, created_at) VALUES " +
		placeholders.String()

	if _, err := r.pool.Exec(ctx, query, vals...); err != nil {
		return fmt.Errorf("postgres: audit batch insert: %w", err)
	}
	return nil
}

// ListAuditEntries последние записи тенанта, новые первыми.
func (r *Repo) ListAuditEntries(ctx context.Context, tenantID string, limit int) ([]domain.AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT id, tenant_id, user_id, action, target_table, target_id, before_state, after_state,
		       status, approver, risk_level, amount, metadata, error, created_at
		FROM audit_entries
		WHERE tenant_id = $1
		ORDER BY created_at DESC
		LIMIT $2`

	rows, err := r.pool.Query(ctx, query, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query audit entries: %w", err)
	}
	defer rows.Close()

	entries := make([]domain.AuditEntry, 0)
	for rows.Next() {
		var (
			e                   domain.AuditEntry
			status, risk        string
			before, after, meta []byte
		)
		if err := rows.Scan(&e.ID, &e.TenantID, &e.UserID, &e.Action, &e.TargetTable, &e.TargetID, &before, &after,
			&status, &e.Approver, &risk, &e.Amount, &meta, &e.Error, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan audit entry: %w", err)
		}
		e.Status = domain.AuditStatus(status)
		e.RiskLevel = domain.RiskLevel(risk)
		if len(before) > 0 {
			e.Before = json.RawMessage(before)
		}
		if len(after) > 0 {
			e.After = json.RawMessage(after)
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &e.Metadata); err != nil {
				return nil, fmt.Errorf("postgres: decode audit metadata: %w", err)
			}
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: rows iteration error: %w", err)
	}
	return entries, nil
}

func jsonOrNil(v interface{}) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("postgres: encode audit payload: %w", err)
	}
	return b, nil
}
