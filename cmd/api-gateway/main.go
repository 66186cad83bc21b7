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

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	_ "github.com/noah-isme/grants-approval-api/api/swagger"
	"github.com/noah-isme/grants-approval-api/internal/handler"
	"github.com/noah-isme/grants-approval-api/internal/middleware"
	"github.com/noah-isme/grants-approval-api/internal/models"
	"github.com/noah-isme/grants-approval-api/internal/repository"
	"github.com/noah-isme/grants-approval-api/internal/service"
	"github.com/noah-isme/grants-approval-api/pkg/cache"
	"github.com/noah-isme/grants-approval-api/pkg/config"
	"github.com/noah-isme/grants-approval-api/pkg/database"
	"github.com/noah-isme/grants-approval-api/pkg/jobs"
	"github.com/noah-isme/grants-approval-api/pkg/logger"
	"github.com/noah-isme/grants-approval-api/pkg/mailer"
	corsmiddleware "github.com/noah-isme/grants-approval-api/pkg/middleware/cors"
	reqidmiddleware "github.com/noah-isme/grants-approval-api/pkg/middleware/requestid"
)

// @title Grants Approval API
// @version 1.0.0
// @description Four-level sequential approval workflow for grant proposals, plans and reports
// @BasePath /api/v1
// @schemes http
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.NewPostgres(ctx, cfg.Database)
	if err != nil {
		logr.Fatal("failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient, err = cache.NewRedis(ctx, cfg.Redis)
		if err != nil {
			logr.Warn("redis unavailable, hierarchy cache disabled", zap.Error(err))
			redisClient = nil
		}
	}

	validate := validator.New()
	metricsSvc := service.NewMetricsService()

	userRepo := repository.NewUserRepository(db)
	hierarchyRepo := repository.NewHierarchyRepository(db)
	approvalRepo := repository.NewApprovalRepository(db)
	cacheRepo := repository.NewCacheRepository(redisClient, logr)
	defer cacheRepo.Close() //nolint:errcheck
	tx := repository.NewTransactor(db)

	cacheSvc := service.NewCacheService(cacheRepo, metricsSvc, cfg.Approvals.HierarchyCacheTTL, logr, redisClient != nil)

	notificationSvc, err := service.NewNotificationService(mailer.NewSMTPSender(cfg.Mail, logr), metricsSvc, logr)
	if err != nil {
		logr.Fatal("failed to init notifications", zap.Error(err))
	}
	notifyQueue := jobs.NewQueue("notifications", notificationSvc.Deliver, jobs.QueueConfig{
		Workers:    cfg.Notifications.Workers,
		BufferSize: cfg.Notifications.BufferSize,
		MaxRetries: cfg.Notifications.MaxRetries,
		RetryDelay: cfg.Notifications.RetryDelay,
		Logger:     logr,
	})
	notifyQueue.Start(context.Background())
	notificationSvc.Bind(notifyQueue)

	hierarchySvc := service.NewHierarchyService(hierarchyRepo, userRepo, tx, userRepo, cacheSvc, notificationSvc, validate, logr, service.HierarchyServiceConfig{
		CacheTTL: cfg.Approvals.HierarchyCacheTTL,
	})

	adapters, err := buildAdapters(db, logr)
	if err != nil {
		logr.Fatal("failed to build entity adapters", zap.Error(err))
	}
	approvalSvc, err := service.NewApprovalService(service.ApprovalServiceParams{
		Ledger:    approvalRepo,
		Tx:        tx,
		Hierarchy: hierarchySvc,
		Users:     userRepo,
		Audit:     userRepo,
		Notifier:  notificationSvc,
		Metrics:   metricsSvc,
		Logger:    logr,
		Config:    service.ApprovalServiceConfig{PreviousLevelCheck: cfg.Approvals.PreviousLevelCheck},
		Adapters:  adapters,
	})
	if err != nil {
		logr.Fatal("failed to init approval engine", zap.Error(err))
	}
	exportSvc := service.NewExportService(approvalSvc, userRepo, logr)
	authSvc := service.NewAuthService(userRepo, validate, logr, service.AuthConfig{
		AccessTokenSecret: cfg.JWT.Secret,
		AccessTokenExpiry: cfg.JWT.Expiration,
		Issuer:            cfg.JWT.Issuer,
	})

	metricsHandler := handler.NewMetricsHandler(metricsSvc, map[string]handler.Pinger{
		"database": db,
		"cache":    handler.PingFunc(cacheRepo.Ping),
	})
	authHandler := handler.NewAuthHandler(authSvc)
	hierarchyHandler := handler.NewHierarchyHandler(hierarchySvc)
	approvalHandler := handler.NewApprovalHandler(approvalSvc, exportSvc)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(metricsSvc, "/metrics", "/health", "/ready"))

	r.GET("/health", metricsHandler.Health)
	r.GET("/ready", metricsHandler.Ready)
	r.GET("/metrics", metricsHandler.Prometheus)

	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	api := r.Group(cfg.APIPrefix)
	api.POST("/auth/login", authHandler.Login)

	secured := api.Group("")
	secured.Use(middleware.JWT(authSvc))
	secured.GET("/auth/me", authHandler.Me)

	types := secured.Group("/approval-types")
	types.GET("", hierarchyHandler.ListTypes)
	types.GET("/:type/hierarchy", hierarchyHandler.Get)
	types.PUT("/:type/hierarchy", middleware.RequireRoles(models.RoleAdmin), hierarchyHandler.Assign)

	approvals := secured.Group("/approvals")
	approvals.GET("/pending", approvalHandler.Pending)
	approvals.GET("/:kind/:id", approvalHandler.State)
	approvals.GET("/:kind/:id/history", approvalHandler.History)
	approvals.GET("/:kind/:id/history/export", approvalHandler.ExportHistory)
	approvals.POST("/:kind/:id/submit", approvalHandler.Submit)
	approvals.POST("/:kind/:id/resubmit", approvalHandler.Resubmit)
	approvals.POST("/:kind/:id/approve", approvalHandler.Approve)
	approvals.POST("/:kind/:id/deny", approvalHandler.Deny)
	approvals.POST("/:kind/:id/request-information", approvalHandler.RequestInformation)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logr.Sugar().Infow("server starting", "addr", srv.Addr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logr.Sugar().Fatalw("server failed", "error", err)
		}
	}()

	<-ctx.Done()
	logr.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logr.Error("graceful shutdown failed", zap.Error(err))
	}
	notifyQueue.Stop()
}

// buildAdapters registers one table-backed adapter per entity kind. Workplans also cascade
// approval to their activities.
func buildAdapters(db *sqlx.DB, logr *zap.Logger) ([]service.EntityAdapter, error) {
	adapters := make([]service.EntityAdapter, 0, len(models.EntityKinds))
	for _, kind := range models.EntityKinds {
		repo, err := repository.NewEntityRepository(db, kind)
		if err != nil {
			return nil, err
		}
		if kind == models.EntityWorkplan {
			wp, err := service.NewWorkplanAdapter(repo, repo, logr)
			if err != nil {
				return nil, err
			}
			adapters = append(adapters, wp)
			continue
		}
		adapters = append(adapters, repo)
	}
	return adapters, nil
}
