package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/xela07ax/studiocrm-agent/internal/domain"
	"github.com/xela07ax/studiocrm-agent/internal/session"
	"go.uber.org/zap"
)

// PolicyLoader никогда не возвращает ошибку: при сбое отдается fail-safe политика.
type PolicyLoader interface {
	Load(ctx context.Context, tenantID string) domain.Policy
}

type CredentialLoader interface {
	Load(ctx context.Context, tenantID string) (domain.Credentials, error)
}

type TenantDirectory interface {
	GetTenantName(ctx context.Context, tenantID string) (string, error)
}

// Assembler собирает неизменяемый контекст исполнения на один ход.
type Assembler struct {
	sessions *session.Store
	policies PolicyLoader
	creds    CredentialLoader
	tenants  TenantDirectory
	logger   *zap.Logger
}

func NewAssembler(sessions *session.Store, policies PolicyLoader, creds CredentialLoader, tenants TenantDirectory, logger *zap.Logger) *Assembler {
	return &Assembler{
		sessions: sessions,
		policies: policies,
		creds:    creds,
		tenants:  tenants,
		logger:   logger.With(zap.String("mod", "assembler")),
	}
}

// Build порядок: сессия -> политика (fail-safe) -> секреты (фатально) -> имя студии.
func (a *Assembler) Build(ctx context.Context, tenantID, userID, traceID string) (*domain.ExecutionContext, error) {
	// 1. Сессия
	sess, err := a.sessions.LoadOrCreate(ctx, tenantID, userID)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}

	// 2. Политика
	p := a.policies.Load(ctx, tenantID)

	// 3. Секреты: безопасного значения по умолчанию нет
	creds, err := a.creds.Load(ctx, tenantID)
	if err != nil {
		var credErr *domain.CredentialLoadError
		if !errors.As(err, &credErr) {
			err = &domain.CredentialLoadError{TenantID: tenantID, Err: err}
		}
		return nil, err
	}

	// 4. Имя студии, при ошибке используем ID
	name := tenantID
	if a.tenants != nil {
		n, err := a.tenants.GetTenantName(ctx, tenantID)
		switch {
		case err != nil:
			a.logger.Warn("tenant name lookup failed", zap.String("tenant_id", tenantID), zap.Error(err))
		case n != "":
			name = n
		}
	}

	return domain.NewExecutionContext(tenantID, userID, name, p, creds, sess, traceID), nil
}
