// Package policy поставляет политику тенанта на горячий путь.
//
// Store это in-memory кэш политик с TTL поверх PostgreSQL. Load никогда не возвращает ошибку:
// при сбое, таймауте или отсутствии записи отдается FailSafePolicy, и она не кэшируется,
// чтобы восстановление хранилища сразу вернуло настоящие права.
package policy

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/studiocrm-agent/internal/domain"
	"github.com/xela07ax/studiocrm-agent/internal/infra"
	"github.com/xela07ax/studiocrm-agent/internal/metrics"
	"go.uber.org/zap"
)

type Repository interface {
	// GetPolicy возвращает nil, nil если политики нет.
	GetPolicy(ctx context.Context, tenantID string) (*domain.Policy, error)
}

type cached struct {
	policy    domain.Policy
	expiresAt time.Time
}

type Store struct {
	mu       sync.RWMutex
	policies map[string]cached

	repo    Repository
	ttl     time.Duration
	timeout time.Duration
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

func NewStore(repo Repository, ttl, timeout time.Duration, m *metrics.Metrics, logger *zap.Logger) *Store {
	if m == nil {
		m = metrics.New(nil)
	}
	return &Store{
		policies: make(map[string]cached),
		repo:     repo,
		ttl:      ttl,
		timeout:  timeout,
		logger:   logger.Named("policies"),
		metrics:  m,
		now:      time.Now,
	}
}

// Load отдает политику тенанта. Горячий путь работает с RAM, холодный идет в БД с таймаутом.
func (s *Store) Load(ctx context.Context, tenantID string) domain.Policy {
	// 1. Кэш
	if p, ok := s.fromCache(tenantID); ok {
		s.metrics.PolicyLookups.WithLabelValues("hit").Inc()
		return p
	}

	// 2. Хранилище с ограничением по времени
	lctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	p, err := s.repo.GetPolicy(lctx, tenantID)
	if err != nil {
		s.logger.Warn("policy load failed, using fail-safe policy",
			zap.String("tenant_id", tenantID), zap.Error(err))
		s.metrics.PolicyLookups.WithLabelValues("failsafe").Inc()
		return domain.FailSafePolicy(tenantID)
	}
	if p == nil {
		// 3. Нет политики: Default Deny (Zero Trust)
		s.logger.Info("no policy configured, using fail-safe policy", zap.String("tenant_id", tenantID))
		s.metrics.PolicyLookups.WithLabelValues("failsafe").Inc()
		return domain.FailSafePolicy(tenantID)
	}

	norm := normalize(*p, tenantID)
	s.mu.Lock()
	s.policies[tenantID] = cached{policy: norm, expiresAt: s.now().Add(s.ttl)}
	s.mu.Unlock()

	s.metrics.PolicyLookups.WithLabelValues("miss").Inc()
	return norm.Clone()
}

func (s *Store) fromCache(tenantID string) (domain.Policy, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.policies[tenantID]
	if !ok || !s.now().Before(c.expiresAt) {
		return domain.Policy{}, false
	}
	return c.policy.Clone(), true
}

// normalize закрывает nil-множества, чтобы Guardrail не различал nil и пустое.
func normalize(p domain.Policy, tenantID string) domain.Policy {
	p.TenantID = tenantID
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
	switch p.EmailSendMode {
	case domain.EmailDisabled, domain.EmailApproval, domain.EmailTrustedAuto:
	default:
		p.EmailSendMode = domain.EmailApproval
	}
	return p
}

func (s *Store) Invalidate(tenantID string) {
	s.mu.Lock()
	delete(s.policies, tenantID)
	s.mu.Unlock()
	s.logger.Debug("policy invalidated", zap.String("tenant_id", tenantID))
}

func (s *Store) InvalidateAll() {
	s.mu.Lock()
	n := len(s.policies)
	s.policies = make(map[string]cached)
	s.mu.Unlock()
	s.logger.Info("policy cache flushed", zap.Int("count", n))
}

// Listen слушает сигналы об изменении политик. При переподключении сбрасывает весь кэш:
// пока подписки не было, сигналы могли потеряться.
func (s *Store) Listen(ctx context.Context, rdb *redis.Client) {
	infra.ListenStateResilient(ctx, rdb, s.logger, infra.RedisChanPolicyUpdate,
		func() error {
			s.InvalidateAll()
			return nil
		},
		func(tenantID string, _ bool) {
			s.Invalidate(tenantID)
		},
	)
}

// PublishUpdate сообщает всем инстансам, что политика тенанта изменилась.
func PublishUpdate(ctx context.Context, rdb *redis.Client, tenantID string) error {
	return rdb.Publish(ctx, infra.RedisChanPolicyUpdate, infra.FormatSignal(tenantID, true)).Err()
}
