package main

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/noah-isme/coi-compliance-api/internal/repository"
	"github.com/noah-isme/coi-compliance-api/internal/service"
	"github.com/noah-isme/coi-compliance-api/pkg/cache"
	"github.com/noah-isme/coi-compliance-api/pkg/config"
	"github.com/noah-isme/coi-compliance-api/pkg/database"
	"github.com/noah-isme/coi-compliance-api/pkg/extraction"
	"github.com/noah-isme/coi-compliance-api/pkg/logger"
	"github.com/noah-isme/coi-compliance-api/pkg/notify"
	"github.com/noah-isme/coi-compliance-api/pkg/storage"
)

// app holds the collaborators a command needs. Commands open only what they use.
type app struct {
	cfg    *config.Config
	logger *zap.Logger
	db     *sqlx.DB
	redis  *redis.Client
}

func newRootCmd() *cobra.Command {
	var timeout time.Duration

	root := &cobra.Command{
		Use:          "coictl",
		Short:        "Operator tooling for the COI compliance API",
		SilenceUsage: true,
	}
	root.PersistentFlags().DurationVar(&timeout, "timeout", 2*time.Minute, "Deadline for the whole command")

	root.AddCommand(
		newTokenCmd(),
		newDeliveriesCmd(),
		newNotifyCmd(),
		newReuseCmd(),
	)

	root.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		if timeout > 0 {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			cobra.OnFinalize(cancel)
			cmd.SetContext(ctx)
		}
		return nil
	}
	return root
}

func loadApp() (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logr, err := logger.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	return &app{cfg: cfg, logger: logr}, nil
}

func (a *app) database() (*sqlx.DB, error) {
	if a.db != nil {
		return a.db, nil
	}
	db, err := database.NewPostgres(a.cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	a.db = db
	return db, nil
}

func (a *app) close() {
	if a.db != nil {
		_ = a.db.Close()
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	_ = a.logger.Sync()
}

// coiService wires the same service graph as the API process, minus the async queue: commands
// dispatch inline and wait for the report.
func (a *app) coiService(ctx context.Context) (*service.COIService, *service.ReuseResolver, error) {
	db, err := a.database()
	if err != nil {
		return nil, nil, err
	}
	redisClient, err := cache.NewRedis(a.cfg.Redis)
	if err != nil {
		a.logger.Warn("redis unavailable, reuse cache disabled", zap.Error(err))
		redisClient = nil
	}
	a.redis = redisClient

	metricsSvc := service.NewMetricsService()
	cacheSvc := service.NewCacheService(repository.NewCacheRepository(redisClient, a.logger), metricsSvc, a.cfg.Workflow.ReuseCacheTTL, a.logger, redisClient != nil)

	coiRepo := repository.NewCOIRepository(db)
	notificationRepo := repository.NewNotificationRepository(db)
	userRepo := repository.NewUserRepository(db)

	store, _, err := storage.New(ctx, a.cfg.Storage, fmt.Sprintf("%s%s/documents", a.cfg.BaseURL, a.cfg.APIPrefix))
	if err != nil {
		return nil, nil, fmt.Errorf("init storage: %w", err)
	}
	notifier, err := notify.New(a.cfg.Notifications, a.logger)
	if err != nil {
		return nil, nil, fmt.Errorf("init notifier: %w", err)
	}

	catalog := service.NewPolicyCatalog(a.cfg.Workflow)
	documents := service.NewDocumentService(store, extraction.NewClient(a.cfg.Extraction), metricsSvc, service.DocumentOptionsFromConfig(a.cfg.Storage), a.logger)
	dispatcher := service.NewNotificationDispatcher(notifier, notificationRepo, notificationRepo, metricsSvc, catalog, service.DispatcherOptionsFromConfig(a.cfg.Notifications), a.logger)
	reuse := service.NewReuseResolver(coiRepo, cacheSvc, a.cfg.Workflow.ReuseCacheTTL, a.logger)

	svc := service.NewCOIService(coiRepo, repository.NewRecordLocker(redisClient, a.cfg.Locking.TTL), documents, dispatcher, userRepo, a.logger,
		service.WithAdminDirectory(userRepo),
		service.WithAuditReader(userRepo),
		service.WithReuseResolver(reuse),
		service.WithMetrics(metricsSvc),
		service.WithWorkflowConfig(a.cfg.Workflow),
	)
	return svc, reuse, nil
}
