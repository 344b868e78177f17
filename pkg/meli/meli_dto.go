package meli

import "github.com/shopspring/decimal"

// ==================== 列表搜索 ====================

// SearchResponse /users/{seller_id}/items/search 响应
type SearchResponse struct {
	Results  []string `json:"results"`
	ScrollID *string  `json:"scroll_id,omitempty"`
	Paging   Paging   `json:"paging"`
}

type Paging struct {
	Total  int `json:"total"`
	Offset int `json:"offset"`
	Limit  int `json:"limit"`
}

// Cursor 返回非空的 scroll_id
func (r *SearchResponse) Cursor() string {
	if r.ScrollID == nil {
		return ""
	}
	return *r.ScrollID
}

// SearchQuery 搜索参数
// Scan 为 true 时请求游标分页 (search_type=scan)
type SearchQuery struct {
	ScrollID string
	Offset   int
	Limit    int
	Scan     bool
	Status   string
}

// ==================== 商品详情 ====================

// Item /items/{id} 响应，缺失字段保持 nil
type Item struct {
	ID                string              `json:"id"`
	Title             *string             `json:"title"`
	Status            *string             `json:"status"`
	Price             decimal.NullDecimal `json:"price"`
	CurrencyID        *string             `json:"currency_id"`
	Permalink         *string             `json:"permalink"`
	SellerCustomField *string             `json:"seller_custom_field"`
	AvailableQuantity *int64              `json:"available_quantity"`
	DateCreated       *string             `json:"date_created"`
	Pictures          []Picture           `json:"pictures"`
	Attributes        []Attribute         `json:"attributes"`
	Variations        []Variation         `json:"variations"`
}

type Picture struct {
	ID        string `json:"id,omitempty"`
	URL       string `json:"url"`
	SecureURL string `json:"secure_url"`
}

type Attribute struct {
	ID        string  `json:"id"`
	Name      *string `json:"name,omitempty"`
	ValueID   *string `json:"value_id,omitempty"`
	ValueName *string `json:"value_name,omitempty"`
}

type Variation struct {
	ID                    int64               `json:"id"`
	SellerCustomField     *string             `json:"seller_custom_field"`
	AttributeCombinations []Attribute         `json:"attribute_combinations"`
	Attributes            []Attribute         `json:"attributes,omitempty"`
	Price                 decimal.NullDecimal `json:"price"`
	AvailableQuantity     *int64              `json:"available_quantity"`
}

// ==================== OAuth ====================

// TokenResponse /oauth/token 响应
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token"`
	UserID       int64  `json:"user_id"`
}
