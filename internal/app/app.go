package app

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"listing_sync_v1_202610/internal/config"
	"listing_sync_v1_202610/internal/controller"
	"listing_sync_v1_202610/internal/metrics"
	"listing_sync_v1_202610/internal/repository"
	"listing_sync_v1_202610/internal/router"
	"listing_sync_v1_202610/internal/service"
	"listing_sync_v1_202610/internal/task"
	"listing_sync_v1_202610/pkg/database"
	"listing_sync_v1_202610/pkg/meli"
	"listing_sync_v1_202610/pkg/net"
)

// ==================== 依赖容器 ====================

// Dependencies 依赖容器
type Dependencies struct {
	Config      *config.Config
	Logger      *zap.Logger
	DB          *gorm.DB
	Repos       *Repositories
	Dispatcher  net.Dispatcher
	Services    *Services
	Tasks       *Tasks
	Controllers *Controllers
}

// Repositories 仓库集合
type Repositories struct {
	Listing      repository.ListingRepository
	AccountToken repository.AccountTokenRepository
	SyncRun      repository.SyncRunRepository
}

// Services 服务集合
type Services struct {
	Tokens *service.TokenService
	Lister *service.ListerService
	Detail *service.DetailService
	Writer *service.SnapshotWriter
}

// Tasks 任务集合
type Tasks struct {
	Listing   *task.ListingSyncTask
	Token     *task.TokenTask
	Retention *task.RetentionTask
	Manager   *task.TaskManager
}

// Controllers 控制器集合
type Controllers struct {
	Sync    *controller.SyncController
	Listing *controller.ListingController
}

// ==================== 初始化函数 ====================

// Build 按配置组装全部组件，并把配置中的账户写入令牌表
func Build(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Dependencies, error) {
	// -------- 数据库 --------
	db, err := database.Open(cfg.Database, cfg.Log.Level, logger)
	if err != nil {
		return nil, err
	}
	if err := database.Migrate(ctx, db); err != nil {
		closeDB(db)
		return nil, err
	}

	metrics.Register()

	// -------- Repo 层 --------
	repos := initRepositories(db)

	// -------- 基础服务 --------
	dispatcher := initDispatcher(cfg, logger)
	client := meli.NewClient(dispatcher)

	// -------- 业务服务 --------
	services := initServices(cfg, repos, client, logger)
	if _, err := services.Tokens.Seed(ctx, cfg.Accounts); err != nil {
		services.Writer.Close()
		closeDB(db)
		return nil, err
	}

	// -------- 任务 --------
	tasks := &Tasks{
		Listing: task.NewListingSyncTask(task.ListingSyncDeps{
			Tokens:  services.Tokens,
			Lister:  services.Lister,
			Fetcher: services.Detail,
			Writer:  services.Writer,
			Runs:    repos.SyncRun,
			Logger:  logger,
		}, task.ListingSyncConfig{
			Accounts:           cfg.AccountNames(),
			AccountConcurrency: cfg.Sync.AccountConcurrency,
			Schedule:           cfg.Sync.Schedule,
		}),
		Token:     task.NewTokenTask(services.Tokens, cfg.Sync.TokenSchedule, logger),
		Retention: task.NewRetentionTask(repos.Listing, repos.SyncRun, cfg.Sync.HistoryRetention, cfg.Sync.RetentionSchedule, logger),
	}
	tasks.Manager = task.NewTaskManager(tasks.Listing, tasks.Token, tasks.Retention, logger)

	// -------- Controller 层 --------
	controllers := &Controllers{
		Sync:    controller.NewSyncController(tasks.Listing),
		Listing: controller.NewListingController(repos.Listing, cfg.Marketplace.Channel),
	}

	return &Dependencies{
		Config:      cfg,
		Logger:      logger,
		DB:          db,
		Repos:       repos,
		Dispatcher:  dispatcher,
		Services:    services,
		Tasks:       tasks,
		Controllers: controllers,
	}, nil
}

// initRepositories 初始化所有仓库
func initRepositories(db *gorm.DB) *Repositories {
	return &Repositories{
		Listing:      repository.NewListingRepository(db),
		AccountToken: repository.NewAccountTokenRepository(db),
		SyncRun:      repository.NewSyncRunRepository(db),
	}
}

// initDispatcher 初始化平台 HTTP 调度器
func initDispatcher(cfg *config.Config, logger *zap.Logger) net.Dispatcher {
	m := cfg.Marketplace
	return net.NewDispatcher(net.NewRestyClient(m.BaseURL), net.Options{
		Timeout:           m.HTTPTimeout,
		MaxAttempts:       m.RetryMax,
		WaitMin:           m.RetryWaitMin,
		WaitMax:           m.RetryWaitMax,
		RequestsPerSecond: m.RequestsPerSecond,
		Observer:          metrics.ObserveHTTPAttempt,
	}, logger)
}

// initServices 初始化业务服务
func initServices(cfg *config.Config, repos *Repositories, client *meli.Client, logger *zap.Logger) *Services {
	m := cfg.Marketplace

	tokens := service.NewTokenService(repos.AccountToken, client, service.TokenOptions{
		RefreshMargin: cfg.Sync.RefreshMargin,
		DefaultTTL:    m.DefaultTokenTTL,
		Observer:      metrics.ObserveRefresh,
	}, logger)

	lister := service.NewListerService(client, tokens, service.ListerOptions{
		PageSize:     m.PageSize,
		PageInterval: m.PageInterval,
		MaxPages:     m.MaxPages,
		Status:       m.StatusFilter,
	}, logger)

	detail := service.NewDetailService(client, tokens, service.DetailOptions{
		Channel:     m.Channel,
		Concurrency: cfg.Sync.ItemConcurrency,
		ItemTimeout: itemTimeout(m),
	}, logger)

	writer := service.NewSnapshotWriter(repos.Listing, cfg.Sync.ItemConcurrency, 30*time.Second, logger)
	writer.OnWrite(metrics.ObserveWrite)

	return &Services{Tokens: tokens, Lister: lister, Detail: detail, Writer: writer}
}

// itemTimeout 单个商品的处理上限：两轮完整重试 (含一次令牌刷新) 加写库
func itemTimeout(m config.MarketplaceConfig) time.Duration {
	if m.HTTPTimeout <= 0 || m.RetryMax <= 0 {
		return 0
	}
	round := time.Duration(m.RetryMax) * (m.HTTPTimeout + m.RetryWaitMax)
	return 2*round + time.Minute
}

// ==================== 运行与关闭 ====================

// Router 创建触发 API 路由
func (d *Dependencies) Router() *gin.Engine {
	return router.SetupRouter(d.Controllers.Sync, d.Controllers.Listing, router.Options{
		Cooldown:  d.Config.Sync.TriggerCooldown,
		JWTSecret: d.Config.Server.JWTSecret,
		Logger:    d.Logger,
	})
}

// Close 停止任务，写完队列，关闭数据库
func (d *Dependencies) Close() {
	d.Tasks.Manager.Stop()
	// 手动触发的后台同步不经过 Manager
	d.Tasks.Listing.Stop()
	d.Services.Writer.Close()
	closeDB(d.DB)
}

func closeDB(db *gorm.DB) {
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}
