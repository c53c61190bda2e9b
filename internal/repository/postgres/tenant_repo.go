package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Флаги тенанта, которыми управляют переключатели движка. Каждый флаг
// хранится в своей колонке tenants.
const (
	TenantSuspended  = "suspended"
	TenantSupervised = "supervised"
)

var flagColumns = map[string]string{
	TenantSuspended:  "suspended",
	TenantSupervised: "supervised",
}

func flagColumn(flag string) (string, error) {
	col, ok := flagColumns[flag]
	if !ok {
		return "", fmt.Errorf("postgres: unknown tenant flag %q", flag)
	}
	return col, nil
}

// GetTenantName отображаемое имя студии. Пустая строка, если тенанта нет.
func (r *Repo) GetTenantName(ctx context.Context, tenantID string) (string, error) {
	var name string
	err := r.pool.QueryRow(ctx, `SELECT display_name FROM tenants WHERE id = $1`, tenantID).Scan(&name)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("postgres: failed to get tenant name: %w", err)
	}
	return name, nil
}

// SetTenantFlag включает или снимает один флаг (приостановка, ручной надзор), не трогая остальные.
func (r *Repo) SetTenantFlag(ctx context.Context, tenantID, flag string, on bool) error {
	col, err := flagColumn(flag)
	if err != nil {
		return err
	}
	ct, err := r.pool.Exec(ctx, fmt.Sprintf(`UPDATE tenants SET %s = $1, updated_at = NOW() WHERE id = $2`, col), on, tenantID)
	if err != nil {
		return fmt.Errorf("postgres: failed to update tenant %s: %w", flag, err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("postgres: tenant %s not found", tenantID)
	}
	return nil
}

// GetTenantsWithFlag список ID тенантов с включенным флагом.
// Используется для прогрева L1 (RAM) кэша переключателей при старте.
func (r *Repo) GetTenantsWithFlag(ctx context.Context, flag string) ([]string, error) {
	col, err := flagColumn(flag)
	if err != nil {
		return nil, err
	}
	// Выбираем только ID, чтобы минимизировать трафик между БД и приложением
	rows, err := r.pool.Query(ctx, fmt.Sprintf(`SELECT id FROM tenants WHERE %s`, col))
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to fetch %s tenants: %w", flag, err)
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("postgres: scan tenant id error: %w", err)
		}
		ids = append(ids, id)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: rows iteration error: %w", err)
	}
	return ids, nil
}
