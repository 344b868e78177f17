package task

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// HistoryPruner 价格历史清理 (ListingRepository 实现)
type HistoryPruner interface {
	PruneHistory(ctx context.Context, before time.Time) (int64, error)
}

// RunPruner 同步记录清理 (SyncRunRepository 实现)
type RunPruner interface {
	Prune(ctx context.Context, before time.Time) (int64, error)
}

// RetentionTask 历史数据保留任务
// 定期删除超过保留期的价格历史和同步记录，快照不受影响
type RetentionTask struct {
	history   HistoryPruner
	runs      RunPruner
	retention time.Duration
	schedule  string
	cron      *cron.Cron
	logger    *zap.Logger
	now       func() time.Time
}

func NewRetentionTask(history HistoryPruner, runs RunPruner, retention time.Duration, schedule string, logger *zap.Logger) *RetentionTask {
	return &RetentionTask{
		history:   history,
		runs:      runs,
		retention: retention,
		schedule:  schedule,
		cron:      cron.New(cron.WithSeconds()),
		logger:    logger.Named("retention_task"),
		now:       time.Now,
	}
}

// Enabled 是否配置了保留期
func (t *RetentionTask) Enabled() bool {
	return t.retention > 0
}

// Start 注册定时清理，未配置保留期时不启动
func (t *RetentionTask) Start() error {
	if !t.Enabled() {
		t.logger.Info("未配置历史保留期，价格历史永久保留")
		return nil
	}
	if _, err := t.cron.AddFunc(t.schedule, func() { _, _ = t.RunOnce() }); err != nil {
		return fmt.Errorf("无法注册历史清理任务: %w", err)
	}
	t.cron.Start()
	t.logger.Info("历史清理任务已启动",
		zap.String("schedule", t.schedule),
		zap.Duration("retention", t.retention),
	)
	return nil
}

// Stop 停止调度并等待正在执行的清理
func (t *RetentionTask) Stop() {
	<-t.cron.Stop().Done()
}

// RunOnce 执行一次清理，返回删除的历史行数
func (t *RetentionTask) RunOnce() (int64, error) {
	if !t.Enabled() {
		return 0, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	start := t.now()
	// 库里的时间统一按 UTC 存储
	before := start.Add(-t.retention).UTC()

	n, err := t.history.PruneHistory(ctx, before)
	if err != nil {
		t.logger.Error("清理价格历史失败", zap.Error(err))
		return 0, err
	}

	var runs int64
	if t.runs != nil {
		if runs, err = t.runs.Prune(ctx, before); err != nil {
			t.logger.Warn("清理同步记录失败", zap.Error(err))
		}
	}

	t.logger.Info("历史清理完成",
		zap.Time("before", before),
		zap.Int64("history", n),
		zap.Int64("runs", runs),
		zap.Duration("elapsed", time.Since(start)),
	)
	return n, nil
}
