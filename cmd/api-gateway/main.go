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

	_ "github.com/noah-isme/coi-compliance-api/api/swagger"
	"github.com/noah-isme/coi-compliance-api/internal/handler"
	"github.com/noah-isme/coi-compliance-api/internal/middleware"
	"github.com/noah-isme/coi-compliance-api/internal/models"
	"github.com/noah-isme/coi-compliance-api/internal/repository"
	"github.com/noah-isme/coi-compliance-api/internal/service"
	"github.com/noah-isme/coi-compliance-api/pkg/cache"
	"github.com/noah-isme/coi-compliance-api/pkg/config"
	"github.com/noah-isme/coi-compliance-api/pkg/database"
	"github.com/noah-isme/coi-compliance-api/pkg/extraction"
	"github.com/noah-isme/coi-compliance-api/pkg/jobs"
	"github.com/noah-isme/coi-compliance-api/pkg/logger"
	corsmiddleware "github.com/noah-isme/coi-compliance-api/pkg/middleware/cors"
	reqidmiddleware "github.com/noah-isme/coi-compliance-api/pkg/middleware/requestid"
	"github.com/noah-isme/coi-compliance-api/pkg/notify"
	"github.com/noah-isme/coi-compliance-api/pkg/storage"
)

// @title COI Compliance API
// @version 1.0.0
// @description Certificate of insurance collection and approval workflow
// @BasePath /api/v1
// @schemes http https

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

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		logr.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer db.Close()

	redisClient, err := cache.NewRedis(cfg.Redis)
	if err != nil {
		logr.Warn("redis unavailable, continuing without cache and with in-process locks", zap.Error(err))
		redisClient = nil
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	metricsSvc := service.NewMetricsService()
	cacheRepo := repository.NewCacheRepository(redisClient, logr)
	cacheSvc := service.NewCacheService(cacheRepo, metricsSvc, cfg.Workflow.ReuseCacheTTL, logr, redisClient != nil)

	coiRepo := repository.NewCOIRepository(db)
	notificationRepo := repository.NewNotificationRepository(db)
	userRepo := repository.NewUserRepository(db)
	locker := repository.NewRecordLocker(redisClient, cfg.Locking.TTL)

	documentStore, localStore, err := storage.New(ctx, cfg.Storage, fmt.Sprintf("%s%s/documents", cfg.BaseURL, cfg.APIPrefix))
	if err != nil {
		logr.Fatal("failed to init document storage", zap.Error(err))
	}
	notifier, err := notify.New(cfg.Notifications, logr)
	if err != nil {
		logr.Fatal("failed to init notifier", zap.Error(err))
	}

	catalog := service.NewPolicyCatalog(cfg.Workflow)
	documents := service.NewDocumentService(documentStore, extraction.NewClient(cfg.Extraction), metricsSvc, service.DocumentOptionsFromConfig(cfg.Storage), logr)
	dispatcher := service.NewNotificationDispatcher(notifier, notificationRepo, notificationRepo, metricsSvc, catalog, service.DispatcherOptionsFromConfig(cfg.Notifications), logr)
	reuse := service.NewReuseResolver(coiRepo, cacheSvc, cfg.Workflow.ReuseCacheTTL, logr)

	opts := []service.COIServiceOption{
		service.WithAdminDirectory(userRepo),
		service.WithAuditReader(userRepo),
		service.WithReuseResolver(reuse),
		service.WithMetrics(metricsSvc),
		service.WithWorkflowConfig(cfg.Workflow),
	}
	var coiSvc *service.COIService
	var queue *jobs.Queue
	if cfg.Notifications.Async {
		queue = jobs.NewQueue("notifications", func(jobCtx context.Context, job jobs.Job) error {
			return coiSvc.HandleNotificationJob(jobCtx, job)
		}, jobs.QueueConfig{
			Workers:    cfg.Notifications.WorkerConcurrency,
			BufferSize: 256,
			MaxRetries: cfg.Notifications.DeliveryRetries,
			RetryDelay: cfg.Notifications.RetryDelay,
			JobTimeout: cfg.Notifications.DeliveryTimeout * time.Duration(cfg.Notifications.DeliveryRetries+2),
			Logger:     logr,
		})
		opts = append(opts, service.WithNotificationQueue(queue))
	}
	coiSvc = service.NewCOIService(coiRepo, locker, documents, dispatcher, userRepo, logr, opts...)
	if queue != nil {
		queue.Start(ctx)
		defer queue.Stop()
	}

	authSvc := service.NewAuthService(logr, service.AuthConfigFromConfig(cfg.JWT))

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(metricsSvc))

	var cacheCheck interface {
		Ping(ctx context.Context) error
	}
	if redisClient != nil {
		cacheCheck = cacheRepo
	}
	metricsHandler := handler.NewMetricsHandler(metricsSvc, db, cacheCheck)
	r.GET("/health", metricsHandler.Health)
	r.GET("/ready", metricsHandler.Ready)
	r.GET("/metrics", metricsHandler.Prometheus)

	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	var opener interface {
		OpenSigned(token string) (*os.File, string, error)
	}
	if localStore != nil {
		opener = localStore
	}
	limits := routeLimits{api: pass, upload: pass}
	if cfg.RateLimit.Enabled {
		counter := repository.NewRateCounter(redisClient)
		limits.api = middleware.RateLimit("api", cfg.RateLimit.APIRequests, cfg.RateLimit.Window, counter, logr)
		limits.upload = middleware.RateLimit("upload", cfg.RateLimit.UploadRequests, cfg.RateLimit.Window, counter, logr)
	}
	registerRoutes(r.Group(cfg.APIPrefix, limits.api), handler.NewCOIHandler(coiSvc), handler.NewDocumentHandler(opener), metricsHandler, authSvc, limits)

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
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logr.Warn("graceful shutdown failed", zap.Error(err))
	}
	logr.Info("server stopped")
}

// routeLimits holds the per-client request budgets. upload runs after JWT so it counts per user.
type routeLimits struct {
	api    gin.HandlerFunc
	upload gin.HandlerFunc
}

func pass(c *gin.Context) { c.Next() }

func registerRoutes(api *gin.RouterGroup, cois *handler.COIHandler, documents *handler.DocumentHandler, metrics *handler.MetricsHandler, auth middleware.TokenValidator, limits routeLimits) {
	api.GET("/documents/:token", documents.Download)

	secured := api.Group("")
	secured.Use(middleware.JWT(auth))

	admin := middleware.RequireRoles(models.RoleAdmin)
	managers := middleware.RequireRoles(models.RoleGC, models.RoleAdmin)
	broker := middleware.RequireRoles(models.RoleBroker)

	secured.GET("/policies", cois.Policies)
	secured.GET("/brokers", managers, cois.Brokers)
	secured.GET("/metrics/summary", admin, metrics.Snapshot)

	group := secured.Group("/cois")
	group.POST("", managers, cois.Create)
	group.GET("", cois.List)
	group.GET("/export", admin, cois.Export)
	group.GET("/:id", cois.Get)
	group.PUT("/:id/brokers", managers, cois.AssignBrokers)
	group.POST("/:id/certificate", managers, cois.GenerateCertificate)
	group.GET("/:id/assignment", broker, cois.Assignment)
	group.POST("/:id/policies/:kind/document", broker, limits.upload, cois.UploadDocument)
	group.POST("/:id/signature", broker, limits.upload, cois.Sign)
	group.GET("/:id/readiness", broker, cois.Readiness)
	group.POST("/:id/submit", broker, cois.Submit)
	group.POST("/:id/approve", admin, cois.Approve)
	group.POST("/:id/reject", admin, cois.Reject)
	group.POST("/:id/archive", admin, cois.Archive)
	group.POST("/:id/unarchive", admin, cois.Unarchive)
	group.POST("/:id/notifications/retry", admin, cois.RetryNotification)
	group.GET("/:id/audit", admin, cois.AuditTrail)
}
