package model

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// ListingSnapshot 商品快照
// (channel, account, listing_id) 唯一，字段反映最近一次成功抓取
type ListingSnapshot struct {
	BaseModel

	// 1. 业务主键
	Channel   string `gorm:"size:20;not null;uniqueIndex:uk_listing_snapshot,priority:1;index:idx_listing_status,priority:1" json:"channel"`
	Account   string `gorm:"size:64;not null;uniqueIndex:uk_listing_snapshot,priority:2;index:idx_listing_status,priority:2" json:"account"`
	ListingID string `gorm:"size:64;not null;uniqueIndex:uk_listing_snapshot,priority:3" json:"listing_id"`

	// 2. 基础信息 (缺失即为 NULL)
	SKU      *string             `gorm:"size:128;index" json:"sku"`
	Title    *string             `gorm:"size:512" json:"title"`
	Status   *string             `gorm:"size:32;index:idx_listing_status,priority:3" json:"status"`
	Price    decimal.NullDecimal `gorm:"type:decimal(12,2)" json:"price"`
	Currency *string             `gorm:"size:8" json:"currency"`
	URL      *string             `gorm:"size:512" json:"url"`

	// 3. 结构化数据 (JSON 列)
	Variations datatypes.JSONSlice[VariationData] `gorm:"type:json" json:"variations"`
	Attributes datatypes.JSON                     `gorm:"type:json" json:"attributes"`
	Images     datatypes.JSONSlice[string]        `gorm:"type:json" json:"images"`

	PreferredImageURL *string `gorm:"size:512" json:"preferred_image_url"`
	DeclaredStock     *int64  `json:"declared_stock"`

	// 4. 时间
	PublishedAt    *time.Time `json:"published_at"`
	LastCapturedAt time.Time  `gorm:"not null;index" json:"last_captured_at"`

	// 5. 原始报文
	Raw datatypes.JSON `gorm:"type:json" json:"-"`
}

func (ListingSnapshot) TableName() string {
	return "listing_snapshots"
}

// VariationData 变体
type VariationData struct {
	ID            int64               `json:"id"`
	SKU           *string             `json:"sku"`
	Attributes    datatypes.JSON      `json:"attributes"`
	Price         decimal.NullDecimal `json:"price"`
	DeclaredStock *int64              `json:"declared_stock"`
}

// PriceHistory 价格历史，只追加
// 每次成功抓取都会写一行，价格不变也写
type PriceHistory struct {
	ID         int64               `gorm:"primaryKey;autoIncrement" json:"id"`
	Channel    string              `gorm:"size:20;not null;index:idx_price_history_listing,priority:1" json:"channel"`
	Account    string              `gorm:"size:64;not null;index:idx_price_history_listing,priority:2" json:"account"`
	ListingID  string              `gorm:"size:64;not null;index:idx_price_history_listing,priority:3" json:"listing_id"`
	SKU        *string             `gorm:"size:128" json:"sku"`
	Price      decimal.NullDecimal `gorm:"type:decimal(12,2)" json:"price"`
	Currency   *string             `gorm:"size:8" json:"currency"`
	CapturedAt time.Time           `gorm:"not null;index:idx_price_history_listing,priority:4" json:"captured_at"`
}

func (PriceHistory) TableName() string {
	return "price_history"
}

// HistoryFrom 由快照生成历史记录
func HistoryFrom(s *ListingSnapshot) *PriceHistory {
	return &PriceHistory{
		Channel:    s.Channel,
		Account:    s.Account,
		ListingID:  s.ListingID,
		SKU:        s.SKU,
		Price:      s.Price,
		Currency:   s.Currency,
		CapturedAt: s.LastCapturedAt,
	}
}
