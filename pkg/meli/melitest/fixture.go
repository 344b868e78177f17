package melitest

import (
	"encoding/json"
	"fmt"
)

// Fixture 生成商品详情报文
// 偶数商品带变体和 SELLER_SKU 属性，奇数商品带 seller_custom_field
func Fixture(sellerID, itemID string, idx int, price string) map[string]any {
	if price == "" {
		price = fmt.Sprintf("%d.90", 10+idx)
	}
	item := map[string]any{
		"id":                 itemID,
		"title":              fmt.Sprintf("Produto %s #%d", sellerID, idx),
		"status":             "active",
		"price":              json.Number(price),
		"currency_id":        "BRL",
		"permalink":          fmt.Sprintf("https://produto.example.com/%s", itemID),
		"available_quantity": idx % 7,
		"date_created":       "2024-03-05T10:20:30.000Z",
		"pictures": []map[string]any{
			{"id": "p1", "url": fmt.Sprintf("http://img.example.com/%s-1.jpg", itemID), "secure_url": fmt.Sprintf("https://img.example.com/%s-1.jpg", itemID)},
			{"id": "p2", "url": fmt.Sprintf("http://img.example.com/%s-2.jpg", itemID), "secure_url": ""},
		},
	}

	if idx%2 == 0 {
		item["seller_custom_field"] = nil
		item["attributes"] = []map[string]any{
			{"id": "BRAND", "name": "Marca", "value_name": "Genérica"},
			{"id": "SELLER_SKU", "name": "SKU", "value_name": fmt.Sprintf("SKU-%s-%d", sellerID, idx)},
		}
		item["variations"] = []map[string]any{
			{
				"id":                  int64(idx)*10 + 1,
				"seller_custom_field": fmt.Sprintf("SKU-%s-%d-A", sellerID, idx),
				"attribute_combinations": []map[string]any{
					{"id": "COLOR", "name": "Cor", "value_name": "Azul"},
				},
				"price":              nil,
				"available_quantity": 2,
			},
		}
	} else {
		item["seller_custom_field"] = fmt.Sprintf("SKU-%s-%d", sellerID, idx)
		item["attributes"] = []map[string]any{
			{"id": "BRAND", "name": "Marca", "value_name": "Genérica"},
		}
		item["variations"] = []map[string]any{}
	}
	return item
}
