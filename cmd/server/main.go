package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	jwtpkg "mailmeta/backend/internal/auth/jwt"
	"mailmeta/backend/internal/config"
	"mailmeta/backend/internal/domain"
	"mailmeta/backend/internal/health"
	"mailmeta/backend/internal/logger"
	"mailmeta/backend/internal/monitoring"
	"mailmeta/backend/internal/pool"
	"mailmeta/backend/internal/service"
	"mailmeta/backend/internal/storage/factory"
	httptransport "mailmeta/backend/internal/transport/http"
)

const version = "0.3.0"

// main 启动邮箱元数据服务
func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	// 设置 Gin 模式（基于开发环境标志）
	if !cfg.Log.Development {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	// 初始化日志系统
	log, err := logger.NewLogger(logger.FromAppConfig(cfg.Log, "mailmeta"))
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer func() { _ = log.Sync() }()

	log.Info("starting mailmeta server",
		zap.String("version", version),
		zap.String("log_level", cfg.Log.Level),
		zap.String("storage_backend", cfg.Storage.Backend),
	)

	metrics := monitoring.NewMetrics(prometheus.DefaultRegisterer)

	// 初始化存储层
	store, err := factory.Open(cfg, log)
	if err != nil {
		log.Fatal("failed to initialize storage", zap.Error(err))
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Warn("storage close warning", zap.Error(err))
		}
	}()

	// 初始化服务层
	seqPolicy := service.UnboundedRetry().WithBackoff(cfg.Sequence.Backoff, cfg.Sequence.MaxBackoff)
	seqOpts := []service.SequenceOption{
		service.WithSequenceRetryPolicy(seqPolicy),
		service.WithSequenceLogger(log),
		service.WithSequenceMetrics(metrics),
	}
	var sequences []*service.SequenceAllocator
	for _, kind := range []domain.SequenceKind{domain.SequenceUID, domain.SequenceModSeq} {
		allocator, err := service.NewSequenceAllocator(store, kind, seqOpts...)
		if err != nil {
			log.Fatal("failed to create sequence allocator", zap.String("kind", string(kind)), zap.Error(err))
		}
		sequences = append(sequences, allocator)
	}

	aclPolicy := service.BoundedRetry(cfg.ACL.MaxRetries).WithBackoff(cfg.ACL.Backoff, 0)
	rights := service.NewRightsStore(store,
		service.WithRightsRetryPolicy(aclPolicy),
		service.WithRightsLogger(log),
		service.WithRightsMetrics(metrics),
	)

	index := service.NewIndexTableHandler(store,
		service.WithIndexLogger(log),
		service.WithIndexMetrics(metrics),
	)
	reader := service.NewIndexReader(store, nil, log)

	// 索引事件按邮箱分区串行处理
	workers := pool.NewPartitionedPool(cfg.Index.Workers, cfg.Index.QueueSize,
		pool.WithPanicHandler(func(recovered interface{}) {
			metrics.RecordPanic()
			log.Error("index worker panic", zap.Any("panic", recovered), zap.Stack("stack"))
		}),
	)
	// 工作协程不跟随信号退出，由 Stop 排空队列
	workers.Start(context.Background())
	dispatcher := service.NewEventDispatcher(index, workers,
		service.WithEventTimeout(cfg.Index.Timeout),
		service.WithDispatcherLogger(log),
		service.WithDispatcherMetrics(metrics),
	)

	// 初始化健康检查
	healthChecker := health.NewChecker(version, 2*time.Second, log)
	healthChecker.AddStore("storage", store)
	healthChecker.AddGoroutineCheck(10000)

	var jwtManager *jwtpkg.Manager
	if cfg.Auth.Enabled {
		jwtManager = jwtpkg.NewManager(cfg.Auth.Secret, cfg.Auth.Issuer, cfg.Auth.TokenExpiry)
		log.Info("service token authentication enabled", zap.String("issuer", cfg.Auth.Issuer))
	} else {
		log.Warn("service token authentication disabled")
	}

	router := httptransport.NewRouter(httptransport.RouterDependencies{
		Config:     cfg,
		Sequences:  sequences,
		Rights:     rights,
		Index:      index,
		Reader:     reader,
		Dispatcher: dispatcher,
		Health:     healthChecker,
		Metrics:    metrics,
		JWTManager: jwtManager,
		Logger:     log,
	})

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(ctx)

	// HTTP 服务器 goroutine
	group.Go(func() error {
		log.Info("HTTP server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	// 健康检查 goroutine
	group.Go(func() error {
		healthChecker.StartPeriodicCheck(groupCtx, 30*time.Second)
		return nil
	})

	// 优雅关闭 goroutine
	group.Go(func() error {
		<-groupCtx.Done()
		log.Info("shutdown signal received, gracefully shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		// 先停止接收请求，再排空索引队列
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error("HTTP server shutdown error", zap.Error(err))
		}
		workers.Stop()

		log.Info("servers stopped")
		return nil
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("server error", zap.Error(err))
		return
	}

	log.Info("server exited cleanly")
}
