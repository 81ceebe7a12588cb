package main

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/xela07ax/spaceai-tool-gateway/internal/audit"
	"github.com/xela07ax/spaceai-tool-gateway/internal/catalog"
	"github.com/xela07ax/spaceai-tool-gateway/internal/engine"
	"github.com/xela07ax/spaceai-tool-gateway/internal/infra"
	"github.com/xela07ax/spaceai-tool-gateway/internal/policy"
	"github.com/xela07ax/spaceai-tool-gateway/internal/repository/memory"
	"github.com/xela07ax/spaceai-tool-gateway/internal/repository/postgres"
	redisrepo "github.com/xela07ax/spaceai-tool-gateway/internal/repository/redis"
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

	// Контекст для управления жизненным циклом фоновых горутин
	// При SIGTERM cancel() остановит слушателей
	appCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 1. Инфраструктура и ресурсы
	var pool *pgxpool.Pool
	needPostgres := cfg.Store.Driver == infra.DriverPostgres || cfg.Audit.Storage == infra.DriverPostgres || cfg.Audit.Archive
	if needPostgres {
		pool, err = postgres.Connect(appCtx, cfg.Database.URL, cfg.Database.MaxConns, cfg.Database.MinConns)
		if err != nil {
			logger.Fatal("postgres unavailable", zap.Error(err))
		}
		defer pool.Close()
		if err := postgres.Migrate(appCtx, pool); err != nil {
			logger.Fatal("migration failed", zap.Error(err))
		}
	}

	var rdb goredis.UniversalClient
	if cfg.Store.Driver == infra.DriverRedis || cfg.Engine.FreezeListener {
		rdb = goredis.NewClient(&goredis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		if err := rdb.Ping(appCtx).Err(); err != nil {
			logger.Fatal("redis unavailable", zap.Error(err))
		}
	}

	// Метрики
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := engine.NewMetrics(reg)

	// 2. Хранилище действий за Rate Limiter / Circuit Breaker / Retry
	var store engine.ActionStore
	switch cfg.Store.Driver {
	case infra.DriverRedis:
		store = redisrepo.NewActionStore(rdb).WithPendingTTL(cfg.Engine.PendingTTL)
	case infra.DriverPostgres:
		store = postgres.NewActionRepo(pool).WithPendingTTL(cfg.Engine.PendingTTL)
	default:
		store = memory.NewActionStore()
	}
	reliable := engine.NewReliableStore(store, engine.ReliabilityConfig{
		Name:        "action-store",
		MaxRequests: cfg.Engine.CBMaxRequests,
		Interval:    cfg.Engine.CBInterval,
		Timeout:     cfg.Engine.CBTimeout,
		MaxFailures: cfg.Engine.CBMaxFailures,
		Attempts:    cfg.Engine.RetryAttempts,
		Delay:       cfg.Engine.RetryDelay,
		RateLimit:   cfg.Engine.StoreRateLimit,
		Burst:       cfg.Engine.StoreBurst,
	}, metrics, logger)

	// 3. Журнал аудита и асинхронный архив
	var storage audit.Storage = audit.NewMemoryStorage()
	if cfg.Audit.Storage == infra.DriverPostgres {
		storage, err = postgres.NewAuditRepo(pool, postgres.TableAuditEvents)
		if err != nil {
			logger.Fatal("audit storage", zap.Error(err))
		}
	}

	var logOpts []audit.Option
	var archive *audit.AgentFS
	if cfg.Audit.Archive {
		archiveRepo, err := postgres.NewAuditRepo(pool, postgres.TableAuditArchive)
		if err != nil {
			logger.Fatal("audit archive", zap.Error(err))
		}
		archive = audit.NewAgentFS(archiveRepo, audit.ArchiveConfig{
			BufferSize:    cfg.Audit.BufferSize,
			BatchSize:     cfg.Audit.BatchSize,
			FlushInterval: cfg.Audit.FlushInterval,
		}, logger)
		archive.OnBufferFill(func(n int) { metrics.ArchiveBufferFill.Set(float64(n)) })
		archive.Start()
		logOpts = append(logOpts, audit.WithArchive(archive))
	}

	auditLog := audit.NewLog(storage, logger, logOpts...)
	if err := auditLog.Init(appCtx); err != nil {
		logger.Fatal("audit log init failed", zap.Error(err))
	}

	// 4. Каталог и Control Plane (заморозка эндпоинтов)
	cat := catalog.Default()
	if len(cfg.Engine.ReadOnly) > 0 {
		if cat, err = cat.WithReadOnly(cfg.Engine.ReadOnly...); err != nil {
			logger.Fatal("invalid engine.read_only", zap.Error(err))
		}
	}

	gwOpts := []engine.Option{
		engine.WithMetrics(metrics),
		engine.WithSettle(cfg.Engine.SettleAttempts, cfg.Engine.SettleDelay),
	}
	if cfg.Engine.FreezeListener {
		fm := engine.NewFreezeManager(rdb, logger, cfg.Engine.Frozen...)
		if err := fm.Init(appCtx); err != nil {
			logger.Fatal("failed to init freeze manager", zap.Error(err))
		}
		go fm.StartListener(appCtx)
		gwOpts = append(gwOpts, engine.WithFreeze(fm))
	}

	gw := engine.NewGateway(cat, policy.NewKeywordEnforcer(), reliable, auditLog, logger, gwOpts...)

	// 5. Транспорты
	srv := &http.Server{
		Addr:         cfg.Server.HTTPAddr,
		Handler:      engine.NewRouter(gw, logger),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	metricsSrv := &http.Server{Addr: cfg.Server.MetricsAddr, Handler: mux}

	var grpcSrv *grpc.Server
	if cfg.Server.GRPCAddr != "" {
		grpcSrv = grpc.NewServer(grpc.UnaryInterceptor(engine.UnaryTraceInterceptor(logger)))
		engine.RegisterToolGatewayServer(grpcSrv, engine.NewGRPCGatewayServer(gw))

		lis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
		if err != nil {
			logger.Fatal("failed to listen gRPC", zap.Error(err))
		}
		go func() {
			logger.Info("gRPC server started", zap.String("addr", cfg.Server.GRPCAddr))
			if err := grpcSrv.Serve(lis); err != nil {
				logger.Error("gRPC server stopped", zap.Error(err))
			}
		}()
	}

	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()

	go func() {
		logger.Info("tool gateway started",
			zap.String("addr", srv.Addr),
			zap.String("store", cfg.Store.Driver),
			zap.String("audit", cfg.Audit.Storage),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("listen failed", zap.Error(err))
		}
	}()

	// 6. Graceful Shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	logger.Info("tool gateway stopping...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP shutdown failed", zap.Error(err))
	}
	if grpcSrv != nil {
		grpcSrv.GracefulStop()
	}
	_ = metricsSrv.Shutdown(shutdownCtx)
	cancel()

	// Архив дописывает буфер после остановки входящего трафика
	if archive != nil {
		archive.Stop()
	}
	logger.Info("tool gateway exited properly")
}
