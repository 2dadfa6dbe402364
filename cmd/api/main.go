package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"stock-ledger/internal/app"
	"stock-ledger/internal/auth"
	"stock-ledger/internal/cache"
	"stock-ledger/internal/config"
	"stock-ledger/internal/handlers"
	"stock-ledger/internal/jobs"
	"stock-ledger/internal/kafka"
	"stock-ledger/pkg/logger"
	"stock-ledger/pkg/middleware"

	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	_ "stock-ledger/docs"
)

// @title           Stock Ledger API
// @version         1.0
// @description     Atomic stock ledger, order orchestration and low-stock notifications.

// @host      localhost:8080
// @BasePath  /api/v1

// @schemes   http https

// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
// @description Type "Bearer" followed by a space and JWT token.
func main() {
	cfg := config.Load()

	appLogger := logger.New(cfg.Environment, cfg.LogLevel)
	defer appLogger.Sync()

	appLogger.Info("Starting stock ledger",
		zap.String("environment", cfg.Environment),
		zap.String("port", cfg.Port),
		zap.String("sqlite_path", cfg.SQLitePath),
		zap.Bool("kafka", cfg.UseKafka),
		zap.Bool("cache", cfg.UseCache),
	)

	core, err := app.New(cfg, appLogger)
	if err != nil {
		appLogger.Fatal("Failed to initialize ledger", zap.Error(err))
	}
	defer func() {
		if err := core.Close(); err != nil {
			appLogger.Warn("Error during shutdown", zap.Error(err))
		}
	}()

	rootCtx, stopBackground := context.WithCancel(context.Background())
	defer stopBackground()

	var stockCache cache.Cache
	if cfg.UseCache {
		stockCache = cache.NewCache(cfg, appLogger)
		if rc, ok := stockCache.(*cache.RedisCache); ok {
			core.OnClose(rc.Close)
		}
	}
	if cfg.UseKafka && stockCache != nil {
		startCacheConsumer(rootCtx, cfg, stockCache, appLogger)
	}

	scheduler, err := jobs.NewScheduler(cfg.ReconcileSchedule, core.Notifier, appLogger)
	if err != nil {
		appLogger.Fatal("Failed to initialize reconciliation scheduler", zap.Error(err))
	}
	if scheduler != nil {
		scheduler.Start()
	}

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()

	// CORS first so preflight requests never reach auth
	router.Use(middleware.CORS())
	router.Use(middleware.RecoveryHandler(appLogger))
	router.Use(middleware.RequestIDMiddleware(appLogger))
	router.Use(logger.GinMiddleware(appLogger))

	requestIDStore := newRequestIDStore(cfg, appLogger)
	router.Use(middleware.IdempotencyMiddleware(requestIDStore, appLogger))
	router.Use(middleware.ErrorHandler(appLogger))
	router.Use(middleware.StoreResponseMiddleware(requestIDStore, appLogger, cfg.IdempotencyTTL))

	router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	jwtManager := auth.NewJWTManager(cfg.JWTSecret, cfg.TokenTTL, appLogger)
	authHandler := auth.NewAuthHandler(jwtManager, cfg.StaffUsers, appLogger)

	stockHandler := handlers.NewStockHandler(core.Ledger, core.Notifier, stockCache, cfg.CacheTTL, appLogger)
	orderHandler := handlers.NewOrderHandler(core.Orders, stockCache, appLogger)
	notificationHandler := handlers.NewNotificationHandler(core.Notifier, appLogger)

	v1 := router.Group("/api/v1")
	{
		v1.GET("/health", healthCheck(core))
		v1.POST("/auth/login", authHandler.Login)

		protected := v1.Group("")
		protected.Use(middleware.AuthMiddleware(jwtManager, appLogger))
		handlers.RegisterRoutes(protected, stockHandler, orderHandler, notificationHandler)
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		appLogger.Info("HTTP server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		appLogger.Error("Server forced to shutdown", zap.Error(err))
	}
	stopBackground()
	if scheduler != nil {
		scheduler.Stop(ctx)
	}

	appLogger.Info("Server exited")
}

func newRequestIDStore(cfg *config.Config, logger *zap.Logger) middleware.RequestIDStore {
	if cfg.UseRedisIdempotency {
		client := cache.NewClient(cfg)
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		err := client.Ping(ctx).Err()
		if err == nil {
			logger.Info("Request ID store backed by Redis", zap.String("addr", cfg.RedisAddr()))
			return middleware.NewRedisRequestIDStore(client)
		}
		logger.Warn("Redis unavailable for request IDs, using in-memory store", zap.Error(err))
		client.Close()
	}
	return middleware.NewInMemoryRequestIDStore()
}

func startCacheConsumer(ctx context.Context, cfg *config.Config, stockCache cache.Cache, logger *zap.Logger) {
	consumer, err := kafka.NewConsumer(cfg, stockCache, logger)
	if err != nil {
		logger.Warn("Cache invalidation consumer disabled", zap.Error(err))
		return
	}
	go func() {
		defer consumer.Close()
		if err := consumer.Start(ctx); err != nil {
			logger.Error("Cache invalidation consumer stopped", zap.Error(err))
		}
	}()
}

// healthCheck godoc
// @Summary      Health check endpoint
// @Description  Reports whether the service can reach its database
// @Tags         health
// @Produce      json
// @Success      200  {object}  map[string]string
// @Failure      503  {object}  map[string]string
// @Router       /health [get]
func healthCheck(core *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		if err := core.Store.Ping(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status":   "degraded",
				"service":  "stock-ledger",
				"database": err.Error(),
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"service": "stock-ledger",
		})
	}
}
