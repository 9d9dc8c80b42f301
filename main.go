package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"docchat/internal/api"
	"docchat/internal/auth"
	"docchat/internal/backend"
	"docchat/internal/config"
	"docchat/internal/doclist"
	"docchat/internal/logging"
	"docchat/internal/metrics"
	"docchat/internal/redis"
	"docchat/internal/view"
)

func main() {
	// A missing .env is fine; the environment may already be populated.
	_ = godotenv.Load()

	cfg, err := config.Load(os.Getenv("DOCCHAT_CONFIG"))
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer logger.Sync()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	var rdb *redis.Client
	if cfg.Redis.Enabled {
		rdb, err = redis.NewRedisClient(cfg.Redis)
		if err != nil {
			logger.Fatal("create redis client", zap.Error(err))
		}
		defer rdb.Close()
	}

	client, err := backend.New(cfg.Backend, backend.WithMetrics(m), backend.WithLogger(logger))
	if err != nil {
		logger.Fatal("create backend client", zap.Error(err))
	}

	lists := doclist.NewManager(doclist.ManagerConfig{
		IdleTimeout: cfg.BasicConfig.IdleAfter(),
		SnapshotTTL: cfg.Redis.TTL(),
		Redis:       rdb,
		Logger:      logger,
		Metrics:     m,
	})
	defer lists.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	lists.StartJanitor(ctx, cfg.BasicConfig.PollEvery())
	go func() {
		if err := lists.Listen(ctx); err != nil {
			logger.Error("document list invalidation listener stopped", zap.Error(err))
		}
	}()

	tmpl, err := view.Templates()
	if err != nil {
		logger.Fatal("parse templates", zap.Error(err))
	}
	authService := auth.NewService(cfg.Auth)
	handlers := api.NewHandler(lists, client, authService, logger, cfg.BasicConfig.DeleteWithin())

	router := gin.New()
	router.Use(gin.Recovery(), logging.Middleware(logger))
	router.SetHTMLTemplate(tmpl)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
	handlers.RegisterRoutes(router)

	srv := &http.Server{
		Addr:    cfg.BasicConfig.Address(),
		Handler: router,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("server shutdown", zap.Error(err))
		}
	}()

	logger.Info("docchat listening", zap.String("addr", srv.Addr), zap.String("backend", cfg.Backend.BaseURL))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("server stopped", zap.Error(err))
	}
}
