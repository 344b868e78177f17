package model

import "time"

// Token 状态常量
const (
	TokenStatusValid   = "valid"        // 有效
	TokenStatusInvalid = "auth_invalid" // 需重新授权
)

// AccountToken 账户凭证，只由 TokenManager 修改
type AccountToken struct {
	Account      string     `gorm:"primaryKey;size:64" json:"account"`
	Channel      string     `gorm:"size:20;not null;default:'ML'" json:"channel"`
	ClientID     string     `gorm:"size:128" json:"client_id"`
	ClientSecret string     `gorm:"size:255" json:"-"`
	SellerID     string     `gorm:"size:64" json:"seller_id"`
	AccessToken  string     `gorm:"type:text" json:"-"`
	RefreshToken string     `gorm:"type:text" json:"-"`
	ExpiresAt    *time.Time `gorm:"comment:access_token 过期时间" json:"expires_at"`

	Status        string     `gorm:"size:20;default:'valid'" json:"status"`
	LastRefreshAt *time.Time `json:"last_refresh_at"`
	LastError     string     `gorm:"size:1024" json:"last_error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (AccountToken) TableName() string {
	return "account_tokens"
}

