package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-tool-gateway/internal/catalog"
	"github.com/xela07ax/spaceai-tool-gateway/internal/console/handler"
	"github.com/xela07ax/spaceai-tool-gateway/internal/console/server"
	"github.com/xela07ax/spaceai-tool-gateway/internal/console/service"
	"github.com/xela07ax/spaceai-tool-gateway/internal/infra"
	"github.com/xela07ax/spaceai-tool-gateway/internal/repository/postgres"
)

func main() {
	cfg, err := infra.LoadConfig()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger, err := infra.NewLogger(cfg.Logger)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if cfg.Database.URL == "" || cfg.Redis.Addr == "" {
		logger.Fatal("console requires database.url and redis.addr")
	}
	ctx := context.Background()

	// 1. Инициализация ресурсов
	pool, err := postgres.Connect(ctx, cfg.Database.URL, cfg.Database.MaxConns, cfg.Database.MinConns)
	if err != nil {
		logger.Fatal("database unreachable", zap.Error(err))
	}
	defer pool.Close()
	if err := postgres.Migrate(ctx, pool); err != nil {
		logger.Fatal("migration failed", zap.Error(err))
	}

	auditRepo, err := postgres.NewAuditRepo(pool, cfg.Console.AuditTable)
	if err != nil {
		logger.Fatal("invalid console.audit_table", zap.Error(err))
	}

	rdb := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Fatal("redis unavailable", zap.Error(err))
	}

	// 2. Инициализация слоев (Dependency Injection)
	cat := catalog.Default()
	if len(cfg.Engine.ReadOnly) > 0 {
		if cat, err = cat.WithReadOnly(cfg.Engine.ReadOnly...); err != nil {
			logger.Fatal("invalid engine.read_only", zap.Error(err))
		}
	}
	auditHandler := handler.NewAuditHandler(service.NewAuditService(auditRepo), logger)
	endpointHandler := handler.NewEndpointHandler(service.NewEndpointService(cat, rdb, logger), logger)
	consoleSrv := server.NewConsoleServer(logger, auditHandler, endpointHandler)

	// 3. Запуск сервера
	srv := &http.Server{
		Addr:         cfg.Console.HTTPAddr,
		Handler:      consoleSrv,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logger.Info("console API started", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("listen failed", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("console shutdown failed", zap.Error(err))
	}
	logger.Info("console API exited properly")
}
