package service

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"

	"listing_sync_v1_202610/internal/model"
	"listing_sync_v1_202610/pkg/meli"
)

const sellerSKUAttribute = "SELLER_SKU"

// ToListingSnapshot 商品详情转快照
// 缺失字段映射为 NULL，不填默认值
func ToListingSnapshot(channel, account string, item *meli.Item, raw []byte, capturedAt time.Time) (*model.ListingSnapshot, error) {
	if item == nil || item.ID == "" {
		return nil, errors.New("item without id")
	}

	snap := &model.ListingSnapshot{
		// 业务主键
		Channel:   channel,
		Account:   account,
		ListingID: item.ID,

		// 基础信息
		SKU:      pickSKU(item.SellerCustomField, item.Attributes),
		Title:    item.Title,
		Status:   item.Status,
		Price:    item.Price,
		Currency: nonEmpty(item.CurrencyID),
		URL:      nonEmpty(item.Permalink),

		DeclaredStock:  item.AvailableQuantity,
		PublishedAt:    parseTime(item.DateCreated),
		LastCapturedAt: capturedAt,
	}

	// 图片: secure_url 优先
	if item.Pictures != nil {
		images := make(datatypes.JSONSlice[string], 0, len(item.Pictures))
		for _, p := range item.Pictures {
			if u := pictureURL(p); u != "" {
				images = append(images, u)
			}
		}
		snap.Images = images
		if len(item.Pictures) > 0 {
			if u := pictureURL(item.Pictures[0]); u != "" {
				snap.PreferredImageURL = &u
			}
		}
	}

	// 变体: 价格缺失时回落到商品价格
	if item.Variations != nil {
		variations := make(datatypes.JSONSlice[model.VariationData], 0, len(item.Variations))
		for _, v := range item.Variations {
			price := v.Price
			if !price.Valid {
				price = item.Price
			}
			variations = append(variations, model.VariationData{
				ID:            v.ID,
				SKU:           pickSKU(v.SellerCustomField, v.Attributes),
				Attributes:    toJSON(v.AttributeCombinations),
				Price:         price,
				DeclaredStock: v.AvailableQuantity,
			})
		}
		snap.Variations = variations
	}

	snap.Attributes = toJSON(item.Attributes)

	if len(raw) > 0 && json.Valid(raw) {
		snap.Raw = datatypes.JSON(append([]byte(nil), raw...))
	}
	return snap, nil
}

// pickSKU seller_custom_field 优先，其次 SELLER_SKU 属性
func pickSKU(custom *string, attrs []meli.Attribute) *string {
	if v := nonEmpty(custom); v != nil {
		return v
	}
	for _, a := range attrs {
		if a.ID == sellerSKUAttribute {
			if v := nonEmpty(a.ValueName); v != nil {
				return v
			}
		}
	}
	return nil
}

func pictureURL(p meli.Picture) string {
	if p.SecureURL != "" {
		return p.SecureURL
	}
	return p.URL
}

func nonEmpty(s *string) *string {
	if s == nil || strings.TrimSpace(*s) == "" {
		return nil
	}
	return s
}

func parseTime(s *string) *time.Time {
	if s == nil || *s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, *s)
	if err != nil {
		return nil
	}
	t = t.UTC()
	return &t
}

// toJSON nil 切片返回 nil (存为 NULL)
func toJSON[T any](v []T) datatypes.JSON {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return datatypes.JSON(b)
}

// priceOf 取快照价格，方便日志
func priceOf(d decimal.NullDecimal) string {
	if !d.Valid {
		return "null"
	}
	return d.Decimal.StringFixed(2)
}
