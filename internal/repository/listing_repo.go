package repository

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"listing_sync_v1_202610/internal/model"
)

// ==================== 接口定义 ====================

// ListingRepository 商品快照仓储接口
type ListingRepository interface {
	// Save 在一个事务里 upsert 快照并追加价格历史
	Save(ctx context.Context, snap *model.ListingSnapshot, hist *model.PriceHistory) error

	Get(ctx context.Context, channel, account, listingID string) (*model.ListingSnapshot, error)
	ListByAccount(ctx context.Context, channel, account string, page, pageSize int) ([]model.ListingSnapshot, int64, error)

	// 统计 (account 为空表示全部账户)
	CountSnapshots(ctx context.Context, channel, account string) (int64, error)
	CountHistory(ctx context.Context, channel, account string) (int64, error)
	ListHistory(ctx context.Context, channel, account, listingID string) ([]model.PriceHistory, error)

	// PruneHistory 删除 captured_at 早于 before 的历史，快照不动
	PruneHistory(ctx context.Context, before time.Time) (int64, error)
}

// ==================== 仓储实现 ====================

type listingRepo struct {
	db *gorm.DB
}

// NewListingRepository 创建商品快照仓储
func NewListingRepository(db *gorm.DB) ListingRepository {
	return &listingRepo{db: db}
}

// snapshotUpdateColumns 冲突时覆盖的列，id 和 created_at 保持不变
var snapshotUpdateColumns = []string{
	"sku", "title", "status", "price", "currency", "url",
	"variations", "attributes", "images",
	"preferred_image_url", "declared_stock",
	"published_at", "last_captured_at", "raw", "updated_at",
}

func (r *listingRepo) Save(ctx context.Context, snap *model.ListingSnapshot, hist *model.PriceHistory) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{
				{Name: "channel"}, {Name: "account"}, {Name: "listing_id"},
			},
			DoUpdates: clause.AssignmentColumns(snapshotUpdateColumns),
		}).Create(snap).Error
		if err != nil {
			return fmt.Errorf("upsert snapshot: %w", err)
		}
		if hist == nil {
			return nil
		}
		if err := tx.Create(hist).Error; err != nil {
			return fmt.Errorf("append price history: %w", err)
		}
		return nil
	})
}

func (r *listingRepo) Get(ctx context.Context, channel, account, listingID string) (*model.ListingSnapshot, error) {
	var snap model.ListingSnapshot
	err := r.db.WithContext(ctx).
		Where("channel = ? AND account = ? AND listing_id = ?", channel, account, listingID).
		First(&snap).Error
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

func (r *listingRepo) ListByAccount(ctx context.Context, channel, account string, page, pageSize int) ([]model.ListingSnapshot, int64, error) {
	var (
		list  []model.ListingSnapshot
		total int64
	)
	if err := r.scope(r.db.WithContext(ctx).Model(&model.ListingSnapshot{}), channel, account).Count(&total).Error; err != nil {
		return nil, 0, err
	}
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 50
	}
	err := r.scope(r.db.WithContext(ctx), channel, account).
		Order("listing_id").Offset((page - 1) * pageSize).Limit(pageSize).Find(&list).Error
	return list, total, err
}

func (r *listingRepo) CountSnapshots(ctx context.Context, channel, account string) (int64, error) {
	var n int64
	err := r.scope(r.db.WithContext(ctx).Model(&model.ListingSnapshot{}), channel, account).Count(&n).Error
	return n, err
}

func (r *listingRepo) CountHistory(ctx context.Context, channel, account string) (int64, error) {
	var n int64
	err := r.scope(r.db.WithContext(ctx).Model(&model.PriceHistory{}), channel, account).Count(&n).Error
	return n, err
}

func (r *listingRepo) ListHistory(ctx context.Context, channel, account, listingID string) ([]model.PriceHistory, error) {
	var list []model.PriceHistory
	err := r.db.WithContext(ctx).
		Where("channel = ? AND account = ? AND listing_id = ?", channel, account, listingID).
		Order("captured_at, id").
		Find(&list).Error
	return list, err
}

func (r *listingRepo) PruneHistory(ctx context.Context, before time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Where("captured_at < ?", before).Delete(&model.PriceHistory{})
	return res.RowsAffected, res.Error
}

func (r *listingRepo) scope(q *gorm.DB, channel, account string) *gorm.DB {
	if channel != "" {
		q = q.Where("channel = ?", channel)
	}
	if account != "" {
		q = q.Where("account = ?", account)
	}
	return q
}
