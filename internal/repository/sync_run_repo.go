package repository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"listing_sync_v1_202610/internal/model"
)

// SyncRunRepository 同步执行记录仓储接口
type SyncRunRepository interface {
	Create(ctx context.Context, run *model.SyncRun) error
	Update(ctx context.Context, run *model.SyncRun) error
	ListByRun(ctx context.Context, runID string) ([]model.SyncRun, error)
	Latest(ctx context.Context, account string) (*model.SyncRun, error)
	// Prune 删除 started_at 早于 before 的已结束记录
	Prune(ctx context.Context, before time.Time) (int64, error)
}

type syncRunRepo struct {
	db *gorm.DB
}

// NewSyncRunRepository 创建同步记录仓储
func NewSyncRunRepository(db *gorm.DB) SyncRunRepository {
	return &syncRunRepo{db: db}
}

func (r *syncRunRepo) Create(ctx context.Context, run *model.SyncRun) error {
	return r.db.WithContext(ctx).Create(run).Error
}

func (r *syncRunRepo) Update(ctx context.Context, run *model.SyncRun) error {
	return r.db.WithContext(ctx).Save(run).Error
}

func (r *syncRunRepo) ListByRun(ctx context.Context, runID string) ([]model.SyncRun, error) {
	var list []model.SyncRun
	err := r.db.WithContext(ctx).Where("run_id = ?", runID).Order("account").Find(&list).Error
	return list, err
}

func (r *syncRunRepo) Latest(ctx context.Context, account string) (*model.SyncRun, error) {
	var run model.SyncRun
	err := r.db.WithContext(ctx).Where("account = ?", account).Order("id DESC").First(&run).Error
	if err != nil {
		return nil, err
	}
	return &run, nil
}

func (r *syncRunRepo) Prune(ctx context.Context, before time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("started_at < ? AND finished_at IS NOT NULL", before).
		Delete(&model.SyncRun{})
	return res.RowsAffected, res.Error
}
