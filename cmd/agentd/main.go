package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/xela07ax/studiocrm-agent/internal/api"
	"github.com/xela07ax/studiocrm-agent/internal/audit"
	"github.com/xela07ax/studiocrm-agent/internal/catalog"
	"github.com/xela07ax/studiocrm-agent/internal/domain"
	"github.com/xela07ax/studiocrm-agent/internal/engine"
	"github.com/xela07ax/studiocrm-agent/internal/infra"
	"github.com/xela07ax/studiocrm-agent/internal/infra/auth"
	"github.com/xela07ax/studiocrm-agent/internal/metrics"
	"github.com/xela07ax/studiocrm-agent/internal/planner"
	"github.com/xela07ax/studiocrm-agent/internal/policy"
	"github.com/xela07ax/studiocrm-agent/internal/repository/postgres"
	"github.com/xela07ax/studiocrm-agent/internal/resilience"
	"github.com/xela07ax/studiocrm-agent/internal/secrets"
	"github.com/xela07ax/studiocrm-agent/internal/session"
	"github.com/xela07ax/studiocrm-agent/internal/tools"
)

func main() {
	// 1. Конфигурация и логгер
	cfg, err := infra.LoadConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger, err := infra.NewLogger(cfg.Logger)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("agentd stopped with error", zap.Error(err))
	}
}

func run(cfg *infra.Config, logger *zap.Logger) error {
	// Контекст для управления жизненным циклом фоновых горутин
	appCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 2. Инфраструктура: Postgres, Redis, метрики
	pool, err := postgres.NewPool(appCtx, cfg.Database)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer pool.Close()
	repo := postgres.New(pool)

	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	defer rdb.Close()
	if err := rdb.Ping(appCtx).Err(); err != nil {
		logger.Warn("redis unreachable at startup, continuing with local state", zap.Error(err))
	}

	m := metrics.New(prometheus.DefaultRegisterer)

	// 3. Хранилища тенанта: сессии, политики, секреты
	sessions := session.NewStore(cfg.Engine.HistoryLimit, session.NewRedisMirror(rdb, cfg.Engine.SessionTTL), logger)

	policies := policy.NewStore(repo, cfg.Engine.PolicyCacheTTL, cfg.Engine.StoreTimeout, m, logger)
	go policies.Listen(appCtx, rdb)

	box, err := secrets.NewBox(cfg.Secrets.MasterKey)
	if err != nil {
		// Без ключа секреты не расшифруются: каждый ход упадет с CredentialLoadError
		logger.Error("secrets box disabled", zap.Error(err))
	}
	creds := secrets.NewLoader(repo, box, cfg.Engine.StoreTimeout, logger)

	// 4. Каталог и реестр инструментов поверх коннектора CRM
	src := catalog.NewSource(cfg.Tools.CatalogPath)
	cat, err := src.Catalog()
	if err != nil {
		return err
	}

	conn, err := grpc.NewClient(cfg.Tools.ConnectorAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("connector: %w", err)
	}
	defer conn.Close()

	toolGuard := resilience.New(resilience.Settings{
		Name:           "crm-connector",
		MaxRequests:    3,
		Interval:       5 * time.Second,
		Timeout:        30 * time.Second,
		Attempts:       3,
		AttemptTimeout: cfg.Tools.Timeout,
		RateLimit:      cfg.Tools.RateLimit,
		Burst:          int(cfg.Tools.RateLimit),
	}, m, logger)

	registry := tools.NewRegistry()
	n, err := tools.RegisterRemote(registry, cat, conn, cfg.Tools.InvokeMethod, toolGuard)
	if err != nil {
		return err
	}
	if err := registry.Verify(cat); err != nil {
		return err
	}
	logger.Info("tool registry ready", zap.Int("tools", n))

	// 5. Планировщик: модель тенанта строится из его ключа
	llmGuard := resilience.New(resilience.Settings{
		Name:           "completion",
		MaxRequests:    uint32(cfg.Planner.CBMaxRequests),
		Interval:       cfg.Planner.CBInterval,
		Timeout:        cfg.Planner.CBTimeout,
		Attempts:       cfg.Planner.RetryAttempts,
		AttemptTimeout: cfg.Planner.Timeout,
		RateLimit:      cfg.Planner.RateLimit,
		Burst:          int(cfg.Planner.RateLimit),
	}, m, logger)

	factory := func(ctx context.Context, c domain.Credentials) (model.BaseChatModel, error) {
		if !c.ModelAPIKey.IsSet() {
			return nil, errors.New("tenant has no completion API key")
		}
		name := c.ModelName
		if name == "" {
			name = cfg.Planner.Model
		}
		return openai.NewChatModel(ctx, &openai.ChatModelConfig{
			Model:   name,
			APIKey:  c.ModelAPIKey.Reveal(),
			BaseURL: cfg.Planner.BaseURL,
		})
	}

	var persona planner.Strategy
	if cfg.Planner.Persona {
		threads := planner.NewThreadStore(rdb, cfg.Planner.ThreadTTL, cfg.Planner.ThreadMaxTurns)
		persona = planner.NewPersonaStrategy(llmGuard, threads, "", logger)
	}
	gen := planner.NewGenerator(src, factory, persona, planner.NewChatStrategy(llmGuard, cfg.Engine.HistoryLimit), cfg.Planner.Timeout, logger)

	// 6. Аудит: данные полетят в базу пачками
	trail := audit.NewTrail(repo, audit.Config{
		BufferSize:    cfg.Engine.AuditBufferSize,
		BatchSize:     cfg.Engine.AuditBatchSize,
		FlushInterval: cfg.Engine.AuditFlushInterval,
	}, m, logger)
	trail.Start()

	// 7. Переключатели тенантов и лимит автоматических операций
	suspended := engine.NewSuspensionSwitch(rdb, repo, logger)
	if err := suspended.Init(appCtx); err != nil {
		return fmt.Errorf("suspension switch: %w", err)
	}
	go suspended.StartListener(appCtx)

	supervised := engine.NewSupervisionSwitch(rdb, repo, logger)
	if err := supervised.Init(appCtx); err != nil {
		return fmt.Errorf("supervision switch: %w", err)
	}
	go supervised.StartListener(appCtx)

	// 8. Ядро
	executor := engine.NewExecutor(registry, src, trail, cfg.Engine.SensitiveActions, m, logger)
	cp := engine.NewControlPlane(engine.Deps{
		Sessions:   sessions,
		Assembler:  engine.NewAssembler(sessions, policies, creds, repo, logger),
		Planner:    gen,
		Executor:   executor,
		Pending:    repo,
		Audit:      trail,
		Suspended:  suspended,
		Supervised: supervised,
		Ops:        engine.NewOpsLimiter(rdb),
		Metrics:    m,
		PendingTTL: cfg.Engine.PendingPlanTTL,
	}, logger)

	go janitor(appCtx, sessions, cfg.Engine.SessionIdleEvict, logger)

	// 9. HTTP: API ассистента и метрики на отдельном порту
	pubKey, err := auth.ParseRSAPublicKey(cfg.Auth.PublicKey)
	if err != nil {
		return fmt.Errorf("auth public key: %w", err)
	}
	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      api.NewServer(cp, auth.NewBaseValidator(pubKey), logger),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsSrv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Server.MetricsPort), Handler: metricsMux}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("metrics listener started", zap.String("addr", metricsSrv.Addr))
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("metrics: %w", err)
		}
	}()
	go func() {
		logger.Info("assistant API started", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("api: %w", err)
		}
	}()

	// 10. Graceful Shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	var runErr error
	select {
	case <-stop:
		logger.Info("agentd stopping")
	case runErr = <-errCh:
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("api shutdown failed", zap.Error(err))
	}
	_ = metricsSrv.Shutdown(shutdownCtx)

	// Ходы завершены: дописываем остаток аудита
	trail.Stop()
	cancel()

	logger.Info("agentd exited properly")
	return runErr
}

// janitor выселяет простаивающие сессии из памяти процесса.
func janitor(ctx context.Context, sessions *session.Store, idle time.Duration, logger *zap.Logger) {
	if idle <= 0 {
		return
	}
	ticker := time.NewTicker(idle / 4)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := sessions.Prune(idle); n > 0 {
				logger.Debug("idle sessions evicted", zap.Int("count", n))
			}
		}
	}
}
