package controller

import (
	"errors"
	"net/http"
	"sort"

	"github.com/gin-gonic/gin"

	"listing_sync_v1_202610/internal/middleware"
	"listing_sync_v1_202610/internal/task"
)

// SyncRunner 同步任务 (ListingSyncTask 实现)
type SyncRunner interface {
	Trigger(accounts []string) error
	IsKnown(account string) bool
	Running() bool
	Status() map[string]task.AccountReport
	LastReport() *task.RunReport
}

// SyncController 同步控制器
type SyncController struct {
	runner SyncRunner
}

// NewSyncController 创建同步控制器
func NewSyncController(runner SyncRunner) *SyncController {
	return &SyncController{runner: runner}
}

// ==================== Handler 实现 ====================

// TriggerAll 同步全部账户
// @Summary 手动触发全部账户同步
// @Tags Sync
// @Success 202 {object} map[string]interface{}
// @Failure 409 {object} map[string]interface{} "已有同步在执行"
// @Failure 429 {object} map[string]interface{} "冷却中"
// @Router /api/v1/sync [post]
func (c *SyncController) TriggerAll(ctx *gin.Context) {
	if !c.trigger(ctx, nil) {
		return
	}
	ctx.JSON(http.StatusAccepted, gin.H{
		"code":    202,
		"message": "全部账户同步已触发",
		"data":    gin.H{"operator": middleware.GetOperator(ctx)},
	})
}

// TriggerAccount 同步单个账户
// @Summary 手动触发单个账户同步
// @Tags Sync
// @Param account path string true "账户名"
// @Success 202 {object} map[string]interface{}
// @Failure 404 {object} map[string]interface{} "账户未配置"
// @Failure 409 {object} map[string]interface{} "已有同步在执行"
// @Failure 429 {object} map[string]interface{} "冷却中"
// @Router /api/v1/sync/{account} [post]
func (c *SyncController) TriggerAccount(ctx *gin.Context) {
	account := ctx.Param("account")
	if !c.runner.IsKnown(account) {
		ctx.JSON(http.StatusNotFound, gin.H{"code": 404, "message": "账户未配置: " + account})
		return
	}
	if !c.trigger(ctx, []string{account}) {
		return
	}
	ctx.JSON(http.StatusAccepted, gin.H{
		"code":    202,
		"message": "账户同步已触发",
		"data":    gin.H{"account": account, "operator": middleware.GetOperator(ctx)},
	})
}

// Status 查询同步状态
// @Summary 各账户同步状态与最近一次结果
// @Tags Sync
// @Success 200 {object} map[string]interface{}
// @Router /api/v1/sync/status [get]
func (c *SyncController) Status(ctx *gin.Context) {
	states := c.runner.Status()
	accounts := make([]task.AccountReport, 0, len(states))
	for _, s := range states {
		accounts = append(accounts, s)
	}
	sort.Slice(accounts, func(i, j int) bool { return accounts[i].Account < accounts[j].Account })

	data := gin.H{
		"running":  c.runner.Running(),
		"accounts": accounts,
	}
	if last := c.runner.LastReport(); last != nil {
		saved, failed := last.Totals()
		data["last_run"] = gin.H{
			"run_id":      last.RunID,
			"started_at":  last.StartedAt,
			"finished_at": last.FinishedAt,
			"aborted":     last.Aborted,
			"saved":       saved,
			"failed":      failed,
		}
	}

	ctx.JSON(http.StatusOK, gin.H{"code": 200, "message": "success", "data": data})
}

// ==================== 工具函数 ====================

func (c *SyncController) trigger(ctx *gin.Context, accounts []string) bool {
	err := c.runner.Trigger(accounts)
	switch {
	case err == nil:
		return true
	case errors.Is(err, task.ErrRunInProgress):
		ctx.JSON(http.StatusConflict, gin.H{"code": 409, "message": "已有同步在执行，请稍后再试"})
	default:
		ctx.JSON(http.StatusInternalServerError, gin.H{"code": 500, "message": err.Error()})
	}
	return false
}
