package task

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// TokenRefresher 刷新即将过期的令牌 (TokenService 实现)
type TokenRefresher interface {
	RefreshExpiring(ctx context.Context, concurrency int) (int, error)
}

// TokenTask 令牌保活任务
// 定期刷新即将过期的令牌，避免同步开始时集中刷新
type TokenTask struct {
	tokens   TokenRefresher
	cron     *cron.Cron
	schedule string
	logger   *zap.Logger

	concurrencyLimit int
	timeout          time.Duration
}

func NewTokenTask(tokens TokenRefresher, schedule string, logger *zap.Logger) *TokenTask {
	return &TokenTask{
		tokens:           tokens,
		cron:             cron.New(cron.WithSeconds()), // 支持秒级控制
		schedule:         schedule,
		logger:           logger.Named("token_task"),
		concurrencyLimit: 4,
		timeout:          5 * time.Minute,
	}
}

// Start 启动定时任务，并立即执行一次
func (t *TokenTask) Start() error {
	go t.RunOnce()

	if _, err := t.cron.AddFunc(t.schedule, t.RunOnce); err != nil {
		return fmt.Errorf("无法启动 Token 定时任务: %w", err)
	}
	t.cron.Start()
	t.logger.Info("Token 保活任务已启动", zap.String("schedule", t.schedule))
	return nil
}

// Stop 停止调度并等待正在执行的任务
func (t *TokenTask) Stop() {
	<-t.cron.Stop().Done()
}

// RunOnce 执行一次保活检查
func (t *TokenTask) RunOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
	defer cancel()

	n, err := t.tokens.RefreshExpiring(ctx, t.concurrencyLimit)
	if err != nil {
		t.logger.Warn("部分账户令牌刷新失败", zap.Int("refreshed", n), zap.Error(err))
		return
	}
	if n > 0 {
		t.logger.Info("令牌保活完成", zap.Int("refreshed", n))
	}
}
