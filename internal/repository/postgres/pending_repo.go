package postgres

/*
Файл pending_repo.go содержит очередь планов, ожидающих решения человека (Human-in-the-loop).
*/

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/xela07ax/studiocrm-agent/internal/domain"
)

const pendingColumns = `id, tenant_id, user_id, plan, reasons, status, reviewer_id, comment, created_at, expires_at`

// CreatePendingPlan ставит план в очередь на подтверждение.
func (r *Repo) CreatePendingPlan(ctx context.Context, p *domain.PendingPlan) error {
	plan, err := json.Marshal(p.Plan)
	if err != nil {
		return fmt.Errorf("postgres: encode plan: %w", err)
	}

	query := `INSERT INTO pending_plans (id, tenant_id, user_id, plan, reasons, status, created_at, expires_at)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err = r.pool.Exec(ctx, query, p.ID, p.TenantID, p.UserID, plan, p.Reasons, string(p.Status), p.CreatedAt, p.ExpiresAt)
	if err != nil {
		return fmt.Errorf("postgres: failed to create pending plan: %w", err)
	}
	return nil
}

// GetPendingPlan получение плана для решения. domain.ErrPlanNotFound если записи нет.
func (r *Repo) GetPendingPlan(ctx context.Context, id string) (*domain.PendingPlan, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+pendingColumns+` FROM pending_plans WHERE id = $1`, id)

	p, err := scanPending(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrPlanNotFound
		}
		return nil, fmt.Errorf("postgres: failed to get pending plan: %w", err)
	}
	return p, nil
}

// ListPendingPlans очередь решений тенанта (новые сверху).
func (r *Repo) ListPendingPlans(ctx context.Context, tenantID string, status domain.ApprovalStatus) ([]*domain.PendingPlan, error) {
	query := `SELECT ` + pendingColumns + ` FROM pending_plans WHERE tenant_id = $1`
	args := []interface{}{tenantID}
	if status != "" {
		query += " AND status = $2"
		args = append(args, string(status))
	}
	query += " ORDER BY created_at DESC LIMIT 100"

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query pending plans: %w", err)
	}
	defer rows.Close()

	// Пустой слайс, чтобы в JSON был [] вместо null
	results := make([]*domain.PendingPlan, 0)
	for rows.Next() {
		p, err := scanPending(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: failed to scan pending plan: %w", err)
		}
		results = append(results, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: rows iteration error: %w", err)
	}
	return results, nil
}

// ResolvePendingPlan атомарно фиксирует решение.
// Условие WHERE status = 'PENDING' исключает двойное решение (Double Decision).
func (r *Repo) ResolvePendingPlan(ctx context.Context, id string, status domain.ApprovalStatus, reviewerID, comment string) error {
	query := `
		UPDATE pending_plans
		SET status = $1,
		    reviewer_id = $2,
		    comment = $3,
		    updated_at = NOW()
		WHERE id = $4 AND status = 'PENDING'`

	ct, err := r.pool.Exec(ctx, query, string(status), reviewerID, comment, id)
	if err != nil {
		return fmt.Errorf("postgres: failed to resolve pending plan: %w", err)
	}
	if ct.RowsAffected() == 0 {
		// Либо ID неверный, либо решение уже принято ранее
		return domain.ErrPlanNotPending
	}
	return nil
}

func scanPending(row pgx.Row) (*domain.PendingPlan, error) {
	var (
		p                   domain.PendingPlan
		plan                []byte
		status              string
		reviewerID, comment *string
		expiresAt           *time.Time
	)
	if err := row.Scan(&p.ID, &p.TenantID, &p.UserID, &plan, &p.Reasons, &status,
		&reviewerID, &comment, &p.CreatedAt, &expiresAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(plan, &p.Plan); err != nil {
		return nil, fmt.Errorf("decode plan: %w", err)
	}
	p.Status = domain.ApprovalStatus(status)
	p.ReviewerID, p.Comment = reviewerID, comment
	if expiresAt != nil {
		p.ExpiresAt = *expiresAt
	}
	return &p, nil
}
