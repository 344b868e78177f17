package task

import (
	"go.uber.org/zap"
)

// ==================== TaskManager 后台任务管理器 ====================

// TaskManager 统一管理 serve 模式下的后台任务
// 管理范围：令牌保活、商品定时同步、历史清理
type TaskManager struct {
	listing   *ListingSyncTask
	token     *TokenTask
	retention *RetentionTask
	logger    *zap.Logger
	started   []func()
}

// NewTaskManager 创建任务管理器，nil 任务会被跳过
func NewTaskManager(listing *ListingSyncTask, token *TokenTask, retention *RetentionTask, logger *zap.Logger) *TaskManager {
	return &TaskManager{
		listing:   listing,
		token:     token,
		retention: retention,
		logger:    logger.Named("task_manager"),
	}
}

// ==================== 生命周期管理 ====================

// Start 依次启动所有任务，任一失败则停止已启动的任务
func (tm *TaskManager) Start() error {
	// 令牌先保活，同步开始时令牌已就绪
	if tm.token != nil {
		if err := tm.token.Start(); err != nil {
			tm.Stop()
			return err
		}
		tm.started = append(tm.started, tm.token.Stop)
	}
	if tm.listing != nil {
		if err := tm.listing.Start(); err != nil {
			tm.Stop()
			return err
		}
		tm.started = append(tm.started, tm.listing.Stop)
	}
	if tm.retention != nil {
		if err := tm.retention.Start(); err != nil {
			tm.Stop()
			return err
		}
		tm.started = append(tm.started, tm.retention.Stop)
	}
	tm.logger.Info("后台任务已启动", zap.Int("tasks", len(tm.started)))
	return nil
}

// Stop 按启动的逆序停止
func (tm *TaskManager) Stop() {
	for i := len(tm.started) - 1; i >= 0; i-- {
		tm.started[i]()
	}
	if len(tm.started) > 0 {
		tm.logger.Info("后台任务已停止")
	}
	tm.started = nil
}
