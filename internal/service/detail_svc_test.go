package service

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"listing_sync_v1_202610/internal/model"
	"listing_sync_v1_202610/pkg/meli/melitest"
	"listing_sync_v1_202610/pkg/net"
)

func TestDetail_ConcurrencyBound(t *testing.T) {
	const k = 4
	s := seller("100", 30, melitest.Cursor)
	h := newHarness(t, s)
	h.srv.ItemDelay = 20 * time.Millisecond

	var saved int32
	stats, err := h.detail(k).FetchMany(context.Background(), "acct-100", expectedIDs(s),
		func(ctx context.Context, snap *model.ListingSnapshot) error {
			atomic.AddInt32(&saved, 1)
			return nil
		})
	require.NoError(t, err)
	assert.Equal(t, 30, stats.Saved)
	assert.Equal(t, int32(30), saved)
	assert.LessOrEqual(t, h.srv.MaxInFlight(), k, "在途请求不能超过并发上限")
	assert.Greater(t, h.srv.MaxInFlight(), 1, "应当并发执行")
}

func TestDetail_FetchParsesListing(t *testing.T) {
	s := seller("100", 2, melitest.Cursor)
	h := newHarness(t, s)
	d := h.detail(1)
	ctx := context.Background()

	// 偶数商品: SKU 来自 SELLER_SKU 属性，变体价格回落到商品价格
	even, err := d.Fetch(ctx, "acct-100", s.ListingID(0))
	require.NoError(t, err)
	assert.Equal(t, "ML", even.Channel)
	require.NotNil(t, even.SKU)
	assert.Equal(t, "SKU-100-0", *even.SKU)
	require.NotNil(t, even.PreferredImageURL)
	assert.Equal(t, "https://img.example.com/"+s.ListingID(0)+"-1.jpg", *even.PreferredImageURL)
	assert.Equal(t, []string{
		"https://img.example.com/" + s.ListingID(0) + "-1.jpg",
		"http://img.example.com/" + s.ListingID(0) + "-2.jpg",
	}, []string(even.Images))
	require.Len(t, even.Variations, 1)
	v := even.Variations[0]
	require.NotNil(t, v.SKU)
	assert.Equal(t, "SKU-100-0-A", *v.SKU)
	assert.True(t, v.Price.Valid)
	assert.True(t, v.Price.Decimal.Equal(even.Price.Decimal))
	require.NotNil(t, even.PublishedAt)
	assert.Equal(t, 2024, even.PublishedAt.Year())
	assert.NotEmpty(t, even.Raw)

	// 奇数商品: SKU 来自 seller_custom_field
	odd, err := d.Fetch(ctx, "acct-100", s.ListingID(1))
	require.NoError(t, err)
	require.NotNil(t, odd.SKU)
	assert.Equal(t, "SKU-100-1", *odd.SKU)
	assert.Empty(t, odd.Variations)
}

func TestDetail_ItemFailureIsolated(t *testing.T) {
	s := seller("100", 10, melitest.Cursor)
	h := newHarness(t, s)
	h.srv.FailItem(s.ListingID(3), 400)
	h.srv.FailItem(s.ListingID(5), 500, 500, 500)

	stats, err := h.detail(3).FetchMany(context.Background(), "acct-100", expectedIDs(s),
		func(ctx context.Context, snap *model.ListingSnapshot) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, 8, stats.Saved)
	assert.Equal(t, 2, stats.Failed)
}

func TestDetail_FetchErrorsAreTyped(t *testing.T) {
	s := seller("100", 3, melitest.Cursor)
	h := newHarness(t, s)
	h.srv.FailItem(s.ListingID(0), 404)
	h.srv.FailItem(s.ListingID(1), 503, 503, 503)
	d := h.detail(1)
	ctx := context.Background()

	_, err := d.Fetch(ctx, "acct-100", s.ListingID(0))
	var ife *ItemFetchError
	require.True(t, errors.As(err, &ife))
	assert.Equal(t, PhaseFetch, ife.Phase)
	assert.Equal(t, s.ListingID(0), ife.ListingID)
	assert.True(t, net.IsPermanent(err))

	_, err = d.Fetch(ctx, "acct-100", s.ListingID(1))
	assert.True(t, net.IsTransient(err))
}

func TestDetail_SecondUnauthorizedIsItemError(t *testing.T) {
	s := seller("100", 1, melitest.Cursor)
	h := newHarness(t, s)
	h.srv.FailItem(s.ListingID(0), 401, 401)

	_, err := h.detail(1).Fetch(context.Background(), "acct-100", s.ListingID(0))
	var ife *ItemFetchError
	require.True(t, errors.As(err, &ife))
	assert.Equal(t, PhaseAuth, ife.Phase)
	assert.True(t, errors.Is(err, net.ErrUnauthorized))
	assert.Equal(t, 2, h.srv.RefreshCount("100"), "一次获取 + 一次强制刷新")
}

func TestDetail_AuthErrorStopsAccount(t *testing.T) {
	s := seller("100", 40, melitest.Cursor)
	h := newHarness(t, s)
	h.srv.RejectRefresh("100", true)

	stats, err := h.detail(2).FetchMany(context.Background(), "acct-100", expectedIDs(s),
		func(ctx context.Context, snap *model.ListingSnapshot) error { return nil })
	var ae *AuthError
	require.True(t, errors.As(err, &ae), "实际错误: %v", err)
	assert.Equal(t, 0, stats.Saved)
	assert.Greater(t, stats.Skipped, 0, "鉴权失败后不再启动新任务")
}

func TestDetail_CancelLetsInFlightFinish(t *testing.T) {
	s := seller("100", 20, melitest.Cursor)
	h := newHarness(t, s)
	h.srv.ItemDelay = 50 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	var saved int32
	stats, err := h.detail(2).FetchMany(ctx, "acct-100", expectedIDs(s),
		func(c context.Context, snap *model.ListingSnapshot) error {
			cancel()
			if c.Err() != nil {
				return c.Err()
			}
			atomic.AddInt32(&saved, 1)
			return nil
		})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, stats.Saved, int(saved))
	assert.Equal(t, 0, stats.Failed, "在途任务不应因取消而失败")
	assert.Greater(t, stats.Skipped, 0)
	assert.Equal(t, 20, stats.Saved+stats.Skipped)
}

func TestDetail_PanicInHandlerIsContained(t *testing.T) {
	s := seller("100", 3, melitest.Cursor)
	h := newHarness(t, s)
	d := NewDetailService(h.client, h.tokens, DetailOptions{Channel: "ML", Concurrency: 2}, zap.NewNop())

	stats, err := d.FetchMany(context.Background(), "acct-100", expectedIDs(s),
		func(ctx context.Context, snap *model.ListingSnapshot) error {
			if snap.ListingID == s.ListingID(1) {
				panic("boom")
			}
			return nil
		})
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Saved)
	assert.Equal(t, 1, stats.Failed)
}
