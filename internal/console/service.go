// Package console операторская консоль платформы: политики тенантов, переключатели,
// провижининг секретов и журнал аудита.
package console

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/studiocrm-agent/internal/domain"
	"github.com/xela07ax/studiocrm-agent/internal/engine"
	"github.com/xela07ax/studiocrm-agent/internal/policy"
	"github.com/xela07ax/studiocrm-agent/internal/secrets"
	"go.uber.org/zap"
)

var (
	ErrInvalidPolicy = errors.New("invalid policy")
	ErrNoMasterKey   = errors.New("secrets master key is not configured")
)

// TenantRepository описывает требования консоли к хранилищу.
type TenantRepository interface {
	GetPolicy(ctx context.Context, tenantID string) (*domain.Policy, error)
	UpsertPolicy(ctx context.Context, p *domain.Policy) error
	SaveSealedCredentials(ctx context.Context, rec *secrets.Record) error
	ListAuditEntries(ctx context.Context, tenantID string, limit int) ([]domain.AuditEntry, error)
}

// TenantStatus сводка по тенанту для оператора.
type TenantStatus struct {
	TenantID    string `json:"tenant_id"`
	Suspended   bool   `json:"suspended"`
	Supervised  bool   `json:"supervised"`
	OpsThisHour int    `json:"ops_this_hour"`
}

type TenantService struct {
	repo       TenantRepository
	rdb        *redis.Client
	box        *secrets.Box
	suspended  *engine.TenantSwitch
	supervised *engine.TenantSwitch
	ops        *engine.OpsLimiter
	logger     *zap.Logger
}

func NewTenantService(repo TenantRepository, rdb *redis.Client, box *secrets.Box,
	suspended, supervised *engine.TenantSwitch, ops *engine.OpsLimiter, logger *zap.Logger) *TenantService {
	return &TenantService{
		repo:       repo,
		rdb:        rdb,
		box:        box,
		suspended:  suspended,
		supervised: supervised,
		ops:        ops,
		logger:     logger.Named("tenant-service"),
	}
}

// Policy возвращает сохраненную политику или ограничительную, если ее еще нет.
func (s *TenantService) Policy(ctx context.Context, tenantID string) (domain.Policy, error) {
	p, err := s.repo.GetPolicy(ctx, tenantID)
	if err != nil {
		return domain.Policy{}, err
	}
	if p == nil {
		return domain.FailSafePolicy(tenantID), nil
	}
	return *p, nil
}

// UpdatePolicy сохраняет политику и уведомляет инстансы ассистента об обновлении.
func (s *TenantService) UpdatePolicy(ctx context.Context, p *domain.Policy) error {
	if err := validatePolicy(p); err != nil {
		return err
	}

	// 1. Persistence Layer
	if err := s.repo.UpsertPolicy(ctx, p); err != nil {
		return fmt.Errorf("update policy: %w", err)
	}

	// 2. Real-time Signaling: кэш инстансов протухнет сам по TTL, сигнал только ускоряет
	if err := policy.PublishUpdate(ctx, s.rdb, p.TenantID); err != nil {
		s.logger.Warn("policy update signal delivery failed", zap.String("tenant_id", p.TenantID), zap.Error(err))
	}
	s.logger.Info("policy updated", zap.String("tenant_id", p.TenantID), zap.String("mode", string(p.Mode)))
	return nil
}

func validatePolicy(p *domain.Policy) error {
	if p.TenantID == "" {
		return fmt.Errorf("%w: tenant_id is required", ErrInvalidPolicy)
	}
	if _, ok := domain.ParseMode(string(p.Mode)); !ok {
		return fmt.Errorf("%w: unknown mode %q", ErrInvalidPolicy, p.Mode)
	}
	if p.ApprovalThresholdAmount < 0 || p.MaxOpsPerHour < 0 {
		return fmt.Errorf("%w: limits must not be negative", ErrInvalidPolicy)
	}
	switch p.EmailSendMode {
	case "":
		p.EmailSendMode = domain.EmailDisabled
	case domain.EmailDisabled, domain.EmailApproval, domain.EmailTrustedAuto:
	default:
		return fmt.Errorf("%w: unknown email_send_mode %q", ErrInvalidPolicy, p.EmailSendMode)
	}
	if p.Authorities == nil {
		p.Authorities = domain.NewAuthoritySet()
	}
	if p.AutoSafeActions == nil {
		p.AutoSafeActions = domain.NewStringSet()
	}
	if p.EmailDomainTrustlist == nil {
		p.EmailDomainTrustlist = domain.NewStringSet()
	}
	if p.RestrictedFields == nil {
		p.RestrictedFields = map[string]domain.StringSet{}
	}
	return nil
}

// ProvisionCredentials шифрует секреты тенанта мастер-ключом и сохраняет.
func (s *TenantService) ProvisionCredentials(ctx context.Context, c domain.Credentials) error {
	if s.box == nil {
		return ErrNoMasterKey
	}
	rec, err := secrets.SealRecord(s.box, c)
	if err != nil {
		return fmt.Errorf("seal credentials: %w", err)
	}
	if err := s.repo.SaveSealedCredentials(ctx, rec); err != nil {
		return fmt.Errorf("save credentials: %w", err)
	}
	s.logger.Info("credentials provisioned", zap.String("tenant_id", c.TenantID))
	return nil
}

func (s *TenantService) Suspend(ctx context.Context, tenantID string) error {
	return s.suspended.Set(ctx, tenantID, true)
}

func (s *TenantService) Resume(ctx context.Context, tenantID string) error {
	return s.suspended.Set(ctx, tenantID, false)
}

func (s *TenantService) Supervise(ctx context.Context, tenantID string) error {
	return s.supervised.Set(ctx, tenantID, true)
}

func (s *TenantService) Release(ctx context.Context, tenantID string) error {
	return s.supervised.Set(ctx, tenantID, false)
}

// Status собирает состояние тенанта. Недоступный счетчик операций не мешает ответу.
func (s *TenantService) Status(ctx context.Context, tenantID string) TenantStatus {
	st := TenantStatus{
		TenantID:   tenantID,
		Suspended:  s.suspended.IsSet(tenantID),
		Supervised: s.supervised.IsSet(tenantID),
	}
	if s.ops != nil {
		used, err := s.ops.Used(ctx, tenantID)
		if err != nil {
			s.logger.Warn("ops counter unavailable", zap.String("tenant_id", tenantID), zap.Error(err))
		}
		st.OpsThisHour = used
	}
	return st
}

func (s *TenantService) AuditLog(ctx context.Context, tenantID string, limit int) ([]domain.AuditEntry, error) {
	entries, err := s.repo.ListAuditEntries(ctx, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("audit log: %w", err)
	}
	return entries, nil
}
