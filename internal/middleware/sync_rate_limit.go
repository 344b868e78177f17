package middleware

import (
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// ==================== 同步冷却中间件 ====================

// SyncCooldown 同步触发冷却中间件
// 路由带 :account 时按账户冷却，否则按全量同步冷却
// 只有触发成功 (2xx) 才开始计时，409 等失败响应不占用冷却
//
// 使用示例:
//
//	router.POST("/api/v1/sync/:account",
//	    middleware.SyncCooldown(limiter, 5*time.Minute),
//	    syncCtl.TriggerAccount,
//	)
func SyncCooldown(limiter *CooldownLimiter, interval time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		if interval <= 0 {
			c.Next()
			return
		}

		key := AllAccountsKey
		if account := c.Param("account"); account != "" {
			key = AccountKey(account)
		}

		result := limiter.CheckOnly(key, interval)
		if !result.Allowed {
			retryAfter := int(math.Ceil(result.RetryAfter.Seconds()))
			c.Header("Retry-After", fmt.Sprint(retryAfter))
			c.JSON(http.StatusTooManyRequests, gin.H{
				"code":    429,
				"message": formatRetryMessage(result.RetryAfter),
				"data": gin.H{
					"retry_after": retryAfter,
				},
			})
			c.Abort()
			return
		}

		c.Next()

		if status := c.Writer.Status(); status >= 200 && status < 300 {
			limiter.MarkExecuted(key)
		}
	}
}

// formatRetryMessage 格式化重试提示信息
func formatRetryMessage(d time.Duration) string {
	seconds := int(math.Ceil(d.Seconds()))

	if seconds < 60 {
		return fmt.Sprintf("同步冷却中，请 %d 秒后重试", seconds)
	}

	minutes := seconds / 60
	remainingSeconds := seconds % 60

	if remainingSeconds == 0 {
		return fmt.Sprintf("同步冷却中，请 %d 分钟后重试", minutes)
	}

	return fmt.Sprintf("同步冷却中，请 %d 分 %d 秒后重试", minutes, remainingSeconds)
}
