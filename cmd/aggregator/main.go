package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"aggregator/internal/chain"
	"aggregator/internal/client/opensea"
	"aggregator/internal/config"
	cronrunner "aggregator/internal/cron"
	"aggregator/internal/db"
	"aggregator/internal/handler"
	"aggregator/internal/logger"
	gormrepository "aggregator/internal/repository/gorm"
	"aggregator/internal/service"
)

func main() {
	cfgPath := os.Getenv("AGG_CONFIG")
	if cfgPath == "" {
		cfgPath = "config/config.yaml"
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		panic(err)
	}
	if err := cfg.Validate(); err != nil {
		panic(err)
	}

	logger, err := logger.New(cfg.Log)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	dbConn, err := db.Open(cfg.DB)
	if err != nil {
		logger.Fatal("db open failed", zap.Error(err))
	}
	defer db.Close(dbConn)

	if err := db.SetTimezone(dbConn, cfg.DB.Timezone); err != nil {
		logger.Warn("failed to set timezone", zap.Error(err))
	}
	if err := db.AutoMigrate(dbConn); err != nil {
		logger.Fatal("auto-migrate failed", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store := gormrepository.New(dbConn.Gorm)

	apiClient := opensea.NewClient(opensea.ClientOptions{
		BaseURL:       cfg.History.BaseURL,
		APIKeys:       cfg.Feed.APIKeys,
		HTTPClient:    &http.Client{Timeout: cfg.History.Timeout},
		PageSleep:     cfg.History.PageSleep,
		RetryAttempts: cfg.History.RetryAttempts,
	})
	stream := opensea.NewStream(opensea.StreamOptions{
		BaseURL:        cfg.Feed.WSSBaseURL,
		APIKeys:        cfg.Feed.APIKeys,
		PingInterval:   cfg.Feed.PingInterval,
		PongTimeout:    cfg.Feed.PongTimeout,
		ReconnectDelay: cfg.Feed.ReconnectDelay,
		Logger:         logger,
	})

	chainClient, err := chain.Dial(ctx, cfg.Chain.RPCURLs)
	if err != nil {
		logger.Fatal("chain dial failed", zap.Error(err))
	}
	defer chainClient.Close()

	normalizer := service.NewNormalizer(store, logger)
	if err := normalizer.ReloadCurrencies(ctx); err != nil {
		logger.Warn("currency preload failed", zap.Error(err))
	}
	bestSvc := service.NewBestOrderService(store, logger)
	validitySvc := service.NewValidityService(store, chainClient, bestSvc, cfg.Validity, logger)
	validitySvc.Start(ctx)
	eventSvc := service.NewEventService(store, apiClient, normalizer, bestSvc, validitySvc, logger)
	feedSvc := service.NewFeedService(store, stream, eventSvc, apiClient, cfg.Feed, logger)
	repairSvc := service.NewGapRepairService(store, apiClient, eventSvc, cfg.Repair, logger)
	rollupSvc := service.NewRollupService(store, logger)

	if strings.EqualFold(cfg.App.Env, "dev") {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(corsMiddleware())

	healthHandler := &handler.HealthHandler{DB: dbConn.Gorm}
	healthHandler.Register(engine)
	orderHandler := &handler.OrderHandler{
		Best:   bestSvc,
		Rollup: rollupSvc,
		Events: eventSvc,
	}
	orderHandler.Register(engine)
	collectionHandler := &handler.CollectionHandler{Repo: store}
	collectionHandler.Register(engine)

	srv := &http.Server{
		Addr:    cfg.Server.HTTPAddr,
		Handler: engine,
	}

	cronRunner := cronrunner.New(logger, ctx)
	if cfg.Cron.Enabled {
		_, err = cronRunner.Add(cfg.Cron.GapRepair, func(ctx context.Context) {
			if err := repairSvc.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn("cron gap repair failed", zap.Error(err))
			}
		})
		if err != nil {
			logger.Fatal("cron gap repair register failed", zap.Error(err))
		}
		_, err = cronRunner.Add(cfg.Cron.CollectionReload, func(ctx context.Context) {
			if err := feedSvc.ReloadCollections(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn("cron collection reload failed", zap.Error(err))
			}
		})
		if err != nil {
			logger.Fatal("cron collection reload register failed", zap.Error(err))
		}
		_, err = cronRunner.Add(cfg.Cron.ValiditySweep, func(ctx context.Context) {
			if err := validitySvc.SweepStaleOrders(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn("cron validity sweep failed", zap.Error(err))
			}
		})
		if err != nil {
			logger.Fatal("cron validity sweep register failed", zap.Error(err))
		}
		_, err = cronRunner.Add(cfg.Cron.RollupReconcile, func(ctx context.Context) {
			if err := rollupSvc.Reconcile(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn("cron rollup reconcile failed", zap.Error(err))
			}
		})
		if err != nil {
			logger.Fatal("cron rollup reconcile register failed", zap.Error(err))
		}
		cronRunner.Start()
		defer cronRunner.Stop()
	}

	go func() {
		// Join the watch set before the first events arrive.
		if err := feedSvc.ReloadCollections(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("initial collection reload failed", zap.Error(err))
		}
		if err := feedSvc.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("feed stopped", zap.Error(err))
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server starting", zap.String("addr", cfg.Server.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	validitySvc.Wait()
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	}
}
