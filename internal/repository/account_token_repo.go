package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"listing_sync_v1_202610/internal/model"
)

// ErrAccountNotFound 账户凭证不存在
var ErrAccountNotFound = errors.New("account token not found")

// ==================== 接口定义 ====================

// AccountTokenRepository 账户凭证仓储接口
type AccountTokenRepository interface {
	Get(ctx context.Context, account string) (*model.AccountToken, error)
	List(ctx context.Context) ([]model.AccountToken, error)

	// Seed 不存在则插入，存在则只更新 client_id / client_secret / seller_id
	// 令牌会轮换，库里的令牌优先于配置
	Seed(ctx context.Context, tok *model.AccountToken) (created bool, err error)

	SaveRefresh(ctx context.Context, account, accessToken, refreshToken string, expiresAt time.Time) error
	MarkStatus(ctx context.Context, account, status, lastError string) error

	// ListExpiring 过期时间早于 before (或为空) 且未被判定失效的账户
	ListExpiring(ctx context.Context, before time.Time) ([]model.AccountToken, error)
}

// ==================== 仓储实现 ====================

type accountTokenRepo struct {
	db *gorm.DB
}

// NewAccountTokenRepository 创建账户凭证仓储
func NewAccountTokenRepository(db *gorm.DB) AccountTokenRepository {
	return &accountTokenRepo{db: db}
}

func (r *accountTokenRepo) Get(ctx context.Context, account string) (*model.AccountToken, error) {
	var tok model.AccountToken
	err := r.db.WithContext(ctx).Where("account = ?", account).First(&tok).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	return &tok, nil
}

func (r *accountTokenRepo) List(ctx context.Context) ([]model.AccountToken, error) {
	var list []model.AccountToken
	err := r.db.WithContext(ctx).Order("account").Find(&list).Error
	return list, err
}

func (r *accountTokenRepo) Seed(ctx context.Context, tok *model.AccountToken) (bool, error) {
	created := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing model.AccountToken
		err := tx.Where("account = ?", tok.Account).First(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			if tok.Status == "" {
				tok.Status = model.TokenStatusValid
			}
			created = true
			return tx.Create(tok).Error
		}
		if err != nil {
			return err
		}
		return tx.Model(&model.AccountToken{}).
			Where("account = ?", tok.Account).
			Updates(map[string]interface{}{
				"channel":       tok.Channel,
				"client_id":     tok.ClientID,
				"client_secret": tok.ClientSecret,
				"seller_id":     tok.SellerID,
			}).Error
	})
	return created, err
}

func (r *accountTokenRepo) SaveRefresh(ctx context.Context, account, accessToken, refreshToken string, expiresAt time.Time) error {
	now := time.Now()
	return r.db.WithContext(ctx).Model(&model.AccountToken{}).
		Where("account = ?", account).
		Updates(map[string]interface{}{
			"access_token":    accessToken,
			"refresh_token":   refreshToken,
			"expires_at":      expiresAt,
			"status":          model.TokenStatusValid,
			"last_refresh_at": now,
			"last_error":      "",
		}).Error
}

func (r *accountTokenRepo) MarkStatus(ctx context.Context, account, status, lastError string) error {
	if len(lastError) > 1024 {
		lastError = lastError[:1024]
	}
	return r.db.WithContext(ctx).Model(&model.AccountToken{}).
		Where("account = ?", account).
		Updates(map[string]interface{}{
			"status":     status,
			"last_error": lastError,
		}).Error
}

func (r *accountTokenRepo) ListExpiring(ctx context.Context, before time.Time) ([]model.AccountToken, error) {
	var list []model.AccountToken
	err := r.db.WithContext(ctx).
		Where("status <> ?", model.TokenStatusInvalid).
		Where("expires_at IS NULL OR expires_at < ?", before).
		Order("account").
		Find(&list).Error
	return list, err
}
