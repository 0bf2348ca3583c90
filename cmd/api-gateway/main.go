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
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	_ "github.com/noah-isme/procurement-api/api/swagger"
	"github.com/noah-isme/procurement-api/internal/handler"
	internalmiddleware "github.com/noah-isme/procurement-api/internal/middleware"
	"github.com/noah-isme/procurement-api/internal/models"
	"github.com/noah-isme/procurement-api/internal/repository"
	"github.com/noah-isme/procurement-api/internal/service"
	"github.com/noah-isme/procurement-api/pkg/cache"
	"github.com/noah-isme/procurement-api/pkg/config"
	"github.com/noah-isme/procurement-api/pkg/database"
	"github.com/noah-isme/procurement-api/pkg/idempotency"
	"github.com/noah-isme/procurement-api/pkg/jobs"
	"github.com/noah-isme/procurement-api/pkg/logger"
	corsmiddleware "github.com/noah-isme/procurement-api/pkg/middleware/cors"
	reqidmiddleware "github.com/noah-isme/procurement-api/pkg/middleware/requestid"
	"github.com/noah-isme/procurement-api/pkg/storage"
)

// @title Procurement API
// @version 1.0.0
// @description Purchase request lifecycle, project budgets and cost ledger
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

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		logr.Fatal("failed to connect database", zap.Error(err))
	}
	defer db.Close()

	redisClient, err := cache.NewRedis(cfg.Redis)
	if err != nil {
		logr.Warn("redis unavailable, continuing without cache", zap.Error(err))
		redisClient = nil
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metricsSvc := service.NewMetricsService()
	cacheRepo := repository.NewCacheRepository(redisClient, logr)
	cacheSvc := service.NewCacheService(cacheRepo, metricsSvc, cfg.Procurement.ListCacheTTL, logr, redisClient != nil)

	requestRepo := repository.NewProcurementRepository(db)
	projectRepo := repository.NewProjectRepository(db)
	ledger := service.NewLedgerPolicy(cfg.Procurement.CostSigns)
	bus := service.NewEventBus(logr)

	notifications := service.NewNotificationService(
		service.NewLogNotifier(logr),
		projectRepo,
		cfg.Procurement.AdminEmails,
		metricsSvc,
		logr,
		jobs.QueueConfig{
			Workers:    cfg.Procurement.NotifyWorkers,
			MaxRetries: cfg.Procurement.NotifyRetries,
			RetryDelay: cfg.Procurement.NotifyRetryDelay,
			Logger:     logr,
		},
	)
	notifications.Start(ctx)
	unsubscribe := bus.Subscribe(notifications.HandleEvent)

	procurementSvc := service.NewProcurementService(requestRepo, projectRepo, ledger,
		service.WithEventBus(bus),
		service.WithRequestCache(cacheSvc, cfg.Procurement.ListCacheTTL),
		service.WithProcurementMetrics(metricsSvc),
		service.WithMembershipEnforcement(cfg.Procurement.EnforceMembership),
		service.WithProcurementLogger(logr),
	)
	projectSvc := service.NewProjectService(projectRepo, requestRepo, ledger, metricsSvc, logr, cfg.Procurement.EnforceMembership,
		service.WithProjectEditListener(notifications),
	)
	tokenSvc := service.NewTokenService(service.TokenConfig{
		Secret:   cfg.JWT.Secret,
		Issuer:   cfg.JWT.Issuer,
		Audience: cfg.JWT.Audience,
	})

	var reportHandler *handler.ReportHandler
	if cfg.Reports.Enabled {
		files, err := storage.NewLocalStorage(cfg.Reports.StorageDir)
		if err != nil {
			logr.Fatal("failed to init report storage", zap.Error(err))
		}
		reportSvc := service.NewReportService(requestRepo, files,
			storage.NewSignedURLSigner(cfg.Reports.SignedURLSecret, cfg.Reports.SignedURLTTL),
			service.ReportServiceConfig{
				APIPrefix:       cfg.APIPrefix,
				ResultTTL:       cfg.Reports.SignedURLTTL,
				CleanupInterval: cfg.Reports.CleanupInterval,
			},
			logr,
		)
		reportSvc.StartCleanup(ctx)
		reportHandler = handler.NewReportHandler(reportSvc)
	}

	checks := map[string]handler.Pinger{"postgres": db}
	if redisClient != nil {
		checks["redis"] = handler.PingFunc(cacheRepo.Ping)
	}
	metricsHandler := handler.NewMetricsHandler(metricsSvc, checks)
	procurementHandler := handler.NewProcurementHandler(procurementSvc)
	projectHandler := handler.NewProjectHandler(projectSvc)
	eventHandler := handler.NewEventHandler(bus, metricsSvc, cfg.Procurement.EventStreamKeepAlive)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(internalmiddleware.Metrics(metricsSvc))

	r.GET("/health", metricsHandler.Health)
	r.GET("/ready", metricsHandler.Ready)
	r.GET("/metrics", metricsHandler.Prometheus)

	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	idem := func(c *gin.Context) { c.Next() }
	if cfg.Idempotency.Enabled && redisClient != nil {
		idem = internalmiddleware.Idempotency(idempotency.NewStore(redisClient, cfg.Idempotency.TTL), logr)
	}

	api := r.Group(cfg.APIPrefix)
	if reportHandler != nil {
		api.GET("/reports/download", reportHandler.Download)
	}

	authed := api.Group("")
	authed.Use(internalmiddleware.JWT(tokenSvc))

	student := internalmiddleware.RequireRoles(models.RoleStudent)
	admin := internalmiddleware.RequireRoles(models.RoleAdmin)

	requests := authed.Group("/requests")
	requests.POST("", student, idem, procurementHandler.Create)
	requests.GET("", procurementHandler.List)
	if cfg.Procurement.EventStreamEnabled {
		requests.GET("/events", eventHandler.Stream)
	}
	requests.GET("/:id", procurementHandler.Get)
	requests.GET("/:id/history", procurementHandler.History)
	requests.PUT("/:id", student, procurementHandler.Edit)
	requests.POST("/:id/submit", student, idem, procurementHandler.Submit)
	requests.POST("/:id/transitions", idem, procurementHandler.Transition)

	projects := authed.Group("/projects")
	projects.POST("", admin, projectHandler.Create)
	projects.GET("", projectHandler.List)
	projects.GET("/:number", projectHandler.Get)
	projects.PUT("/:number", admin, projectHandler.Edit)
	projects.PATCH("/:number/inactivate", admin, projectHandler.Inactivate)
	projects.POST("/:number/recalculate", admin, projectHandler.Recalculate)

	costs := authed.Group("/costs")
	costs.POST("", admin, idem, projectHandler.AddCost)
	costs.GET("", projectHandler.ListCosts)

	if reportHandler != nil {
		authed.POST("/reports", admin, reportHandler.Generate)
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	srv.RegisterOnShutdown(eventHandler.Shutdown)

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

	unsubscribe()
	notifications.Stop()
}
