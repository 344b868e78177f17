package service

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"listing_sync_v1_202610/internal/config"
	"listing_sync_v1_202610/internal/model"
	"listing_sync_v1_202610/internal/repository"
	"listing_sync_v1_202610/pkg/meli"
	"listing_sync_v1_202610/pkg/meli/melitest"
	"listing_sync_v1_202610/pkg/net"
)

// ==================== 测试辅助 ====================

type harness struct {
	srv     *melitest.Server
	db      *gorm.DB
	client  *meli.Client
	tokens  *TokenService
	listing repository.ListingRepository
	acctRep repository.AccountTokenRepository
}

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("连接测试数据库失败: %v", err)
	}
	sqlDB, _ := db.DB()
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(model.AllModels()...); err != nil {
		t.Fatalf("数据库迁移失败: %v", err)
	}
	return db
}

// seller 账户名即卖家 ID 的测试卖家
func seller(id string, count int, mode melitest.PageMode) melitest.Seller {
	return melitest.Seller{
		ID: id, Count: count, Mode: mode,
		ClientID: "cid-" + id, ClientSecret: "secret-" + id, RefreshToken: "TG-" + id,
	}
}

func accountOf(s melitest.Seller) config.AccountConfig {
	return config.AccountConfig{
		Name: "acct-" + s.ID, Channel: "ML",
		ClientID: s.ClientID, ClientSecret: s.ClientSecret,
		SellerID: s.ID, RefreshToken: s.RefreshToken,
	}
}

func newHarness(t *testing.T, sellers ...melitest.Seller) *harness {
	t.Helper()
	srv := melitest.NewServer(sellers...)
	t.Cleanup(srv.Close)

	d := net.NewDispatcher(net.NewRestyClient(srv.URL), net.Options{
		Timeout:     5 * time.Second,
		MaxAttempts: 3,
		WaitMin:     time.Millisecond,
		WaitMax:     5 * time.Millisecond,
	}, zap.NewNop())
	client := meli.NewClient(d)

	db := setupTestDB(t)
	acctRepo := repository.NewAccountTokenRepository(db)
	tokens := NewTokenService(acctRepo, client, TokenOptions{RefreshMargin: 5 * time.Minute}, zap.NewNop())

	var accounts []config.AccountConfig
	for _, s := range sellers {
		accounts = append(accounts, accountOf(s))
	}
	if _, err := tokens.Seed(context.Background(), accounts); err != nil {
		t.Fatalf("写入账户失败: %v", err)
	}

	return &harness{
		srv:     srv,
		db:      db,
		client:  client,
		tokens:  tokens,
		listing: repository.NewListingRepository(db),
		acctRep: acctRepo,
	}
}

func (h *harness) lister(pageSize int) *ListerService {
	return NewListerService(h.client, h.tokens, ListerOptions{PageSize: pageSize, MaxPages: 1000}, zap.NewNop())
}

func (h *harness) detail(concurrency int) *DetailService {
	return NewDetailService(h.client, h.tokens, DetailOptions{Channel: "ML", Concurrency: concurrency, ItemTimeout: 10 * time.Second}, zap.NewNop())
}

func nopLogger() *zap.Logger { return zap.NewNop() }
