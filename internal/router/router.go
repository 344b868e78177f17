package router

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"listing_sync_v1_202610/internal/controller"
	"listing_sync_v1_202610/internal/middleware"
)

// Options 路由参数
type Options struct {
	Cooldown  time.Duration // 手动触发冷却，0 表示不限制
	JWTSecret string        // 非空时触发接口需要运维令牌
	Logger    *zap.Logger
}

// SetupRouter 创建 gin 引擎并注册所有路由
func SetupRouter(syncCtl *controller.SyncController, listingCtl *controller.ListingController, opts Options) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	if opts.Logger != nil {
		r.Use(middleware.AuditLog(opts.Logger))
	}
	InitRoutes(r, syncCtl, listingCtl, opts)
	return r
}

// InitRoutes 注册所有路由
func InitRoutes(r *gin.Engine,
	syncCtl *controller.SyncController,
	listingCtl *controller.ListingController,
	opts Options) {
	// 1. 运维路由
	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// 2. API 路由组
	api := r.Group("/api/v1")
	{
		limiter := middleware.NewCooldownLimiter()

		// sync 同步触发
		sync := api.Group("/sync")
		{
			// GET /api/v1/sync/status
			sync.GET("/status", syncCtl.Status)

			// POST /api/v1/sync
			sync.POST("",
				middleware.OperatorAuth(opts.JWTSecret),
				middleware.SyncCooldown(limiter, opts.Cooldown),
				syncCtl.TriggerAll)

			// POST /api/v1/sync/:account
			sync.POST("/:account",
				middleware.OperatorAuth(opts.JWTSecret),
				middleware.SyncCooldown(limiter, opts.Cooldown),
				syncCtl.TriggerAccount)
		}

		// listings 快照查询
		listings := api.Group("/listings")
		{
			listings.GET("/:account", listingCtl.GetListings)
			listings.GET("/:account/:id", listingCtl.GetListing)
		}
	}
}
