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

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/studiocrm-agent/internal/console"
	"github.com/xela07ax/studiocrm-agent/internal/engine"
	"github.com/xela07ax/studiocrm-agent/internal/infra"
	"github.com/xela07ax/studiocrm-agent/internal/infra/auth"
	"github.com/xela07ax/studiocrm-agent/internal/repository/postgres"
	"github.com/xela07ax/studiocrm-agent/internal/secrets"
)

func main() {
	// 1. Инициализация ресурсов
	cfg, err := infra.LoadConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger, err := infra.NewLogger(cfg.Logger)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := postgres.NewPool(ctx, cfg.Database)
	if err != nil {
		logger.Fatal("database unreachable", zap.Error(err))
	}
	defer pool.Close()
	repo := postgres.New(pool)

	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	defer rdb.Close()

	box, err := secrets.NewBox(cfg.Secrets.MasterKey)
	if err != nil {
		logger.Warn("credential provisioning disabled", zap.Error(err))
	}

	pubKey, err := auth.ParseRSAPublicKey(cfg.Auth.PublicKey)
	if err != nil {
		logger.Fatal("auth public key", zap.Error(err))
	}

	// 2. Переключатели: консоль пишет в них, ассистенты получают сигнал через Pub/Sub
	suspended := engine.NewSuspensionSwitch(rdb, repo, logger)
	supervised := engine.NewSupervisionSwitch(rdb, repo, logger)
	for _, sw := range []*engine.TenantSwitch{suspended, supervised} {
		if err := sw.Init(ctx); err != nil {
			logger.Fatal("tenant switch init", zap.Error(err))
		}
		go sw.StartListener(ctx)
	}

	// 3. Инициализация слоев (Dependency Injection)
	svc := console.NewTenantService(repo, rdb, box, suspended, supervised, engine.NewOpsLimiter(rdb), logger)

	// 4. Запуск сервера
	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.ConsolePort),
		Handler:      console.NewConsoleServer(svc, auth.NewBaseValidator(pubKey), logger),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logger.Info("console API started", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("console listen", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("console shutdown failed", zap.Error(err))
	}
	logger.Info("console exited properly")
}
