package main

import (
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/xela07ax/studiocrm-agent/internal/connectors"
	"github.com/xela07ax/studiocrm-agent/internal/infra"
	"github.com/xela07ax/studiocrm-agent/internal/tools"
)

// mockcrm dev-коннектор CRM для локального запуска agentd без настоящей CRM.
func main() {
	cfg, err := infra.LoadConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger, err := infra.NewLogger(cfg.Logger)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	lis, err := net.Listen("tcp", cfg.Tools.ConnectorAddr)
	if err != nil {
		logger.Fatal("failed to listen gRPC", zap.Error(err))
	}

	grpcSrv := grpc.NewServer(grpc.UnaryInterceptor(connectors.UnaryTenantInterceptor(logger)))
	tools.RegisterConnector(grpcSrv, connectors.NewMockCRM(300*time.Millisecond, logger))

	go func() {
		logger.Info("mock CRM connector started", zap.String("addr", lis.Addr().String()))
		if err := grpcSrv.Serve(lis); err != nil {
			logger.Fatal("failed to serve gRPC", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	grpcSrv.GracefulStop()
	logger.Info("mock CRM connector exited properly")
}
