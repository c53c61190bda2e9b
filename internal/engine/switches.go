package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/studiocrm-agent/internal/infra"
	"go.uber.org/zap"
)

// Флаги тенанта в БД (совпадают с repository/postgres). Флаги независимы:
// снятие одного не трогает другой.
const (
	FlagSuspended  = "suspended"
	FlagSupervised = "supervised"
)

// TenantFlagRepo источник истины для флагов тенанта.
type TenantFlagRepo interface {
	GetTenantsWithFlag(ctx context.Context, flag string) ([]string, error)
	SetTenantFlag(ctx context.Context, tenantID, flag string, on bool) error
}

// TenantSwitch in-memory флаг тенантов (suspended / supervised) с синхронизацией через Redis.
// Проверка в hot path только читает локальную мапу.
type TenantSwitch struct {
	flag     string
	redisKey string
	lockKey  string
	channel  string

	repo   TenantFlagRepo
	rdb    *redis.Client
	logger *zap.Logger

	mu      sync.RWMutex
	tenants map[string]struct{}
}

func newTenantSwitch(flag, redisKey, lockKey, channel string, rdb *redis.Client, repo TenantFlagRepo, logger *zap.Logger) *TenantSwitch {
	return &TenantSwitch{
		flag:     flag,
		redisKey: redisKey,
		lockKey:  lockKey,
		channel:  channel,
		repo:     repo,
		rdb:      rdb,
		logger:   logger.With(zap.String("mod", flag)),
		tenants:  make(map[string]struct{}),
	}
}

// NewSuspensionSwitch приостановленные тенанты: любые записи запрещены.
func NewSuspensionSwitch(rdb *redis.Client, repo TenantFlagRepo, logger *zap.Logger) *TenantSwitch {
	return newTenantSwitch(FlagSuspended, infra.RedisKeySuspendedTenants, infra.RedisKeyLockSuspended,
		infra.RedisChanSuspension, rdb, repo, logger)
}

// NewSupervisionSwitch тенанты под надзором: каждый план уходит на подтверждение.
func NewSupervisionSwitch(rdb *redis.Client, repo TenantFlagRepo, logger *zap.Logger) *TenantSwitch {
	return newTenantSwitch(FlagSupervised, infra.RedisKeySupervisedTenants, infra.RedisKeyLockSupervised,
		infra.RedisChanSupervision, rdb, repo, logger)
}

// Init загружает состояние из БД и Redis при старте.
func (s *TenantSwitch) Init(ctx context.Context) error {
	ids, err := s.repo.GetTenantsWithFlag(ctx, s.flag)
	if err != nil {
		return fmt.Errorf("failed to fetch %s tenants from DB: %w", s.flag, err)
	}

	return WarmupState(ctx, s.rdb, s.logger, ids, s.redisKey, s.lockKey, func(items []string) {
		fresh := make(map[string]struct{}, len(items))
		for _, id := range items {
			fresh[id] = struct{}{}
		}
		s.mu.Lock()
		s.tenants = fresh
		s.mu.Unlock()
	})
}

// StartListener подписывается на изменения флага в реальном времени. Блокирует до отмены ctx.
func (s *TenantSwitch) StartListener(ctx context.Context) {
	infra.ListenStateResilient(ctx, s.rdb, s.logger, s.channel,
		func() error { return s.Init(ctx) }, // Переподключение
		s.apply,
	)
}

func (s *TenantSwitch) apply(tenantID string, on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if on {
		s.tenants[tenantID] = struct{}{}
	} else {
		delete(s.tenants, tenantID)
	}
}

// IsSet быстрая проверка для hot path.
func (s *TenantSwitch) IsSet(tenantID string) bool {
	if s == nil {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.tenants[tenantID]
	return ok
}

// Set меняет флаг: БД -> Redis set -> сигнал остальным инстансам.
func (s *TenantSwitch) Set(ctx context.Context, tenantID string, on bool) error {
	// 1. Источник истины, пишется только свой флаг
	if err := s.repo.SetTenantFlag(ctx, tenantID, s.flag, on); err != nil {
		return fmt.Errorf("update tenant %s flag: %w", s.flag, err)
	}

	// 2. L2 и сигнал
	pipe := s.rdb.TxPipeline()
	if on {
		pipe.SAdd(ctx, s.redisKey, tenantID)
	} else {
		pipe.SRem(ctx, s.redisKey, tenantID)
	}
	pipe.Publish(ctx, s.channel, infra.FormatSignal(tenantID, on))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publish %s signal: %w", s.flag, err)
	}

	// 3. Локально применяем сразу, не дожидаясь своего же сигнала
	s.apply(tenantID, on)
	s.logger.Info("tenant flag changed", zap.String("tenant_id", tenantID), zap.Bool("on", on))
	return nil
}

// Len количество тенантов с включенным флагом.
func (s *TenantSwitch) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tenants)
}
