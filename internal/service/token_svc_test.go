package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"listing_sync_v1_202610/internal/config"
	"listing_sync_v1_202610/internal/model"
	"listing_sync_v1_202610/internal/repository"
	"listing_sync_v1_202610/pkg/meli/melitest"
	"listing_sync_v1_202610/pkg/net"
)

func TestTokenService_SingleFlightRefresh(t *testing.T) {
	h := newHarness(t, seller("100", 0, melitest.Cursor))
	ctx := context.Background()

	var wg sync.WaitGroup
	tokens := make([]string, 10)
	errs := make([]error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tokens[i], _, errs[i] = h.tokens.GetAccessToken(ctx, "acct-100")
		}(i)
	}
	wg.Wait()

	for i := range errs {
		require.NoError(t, errs[i])
		assert.Equal(t, tokens[0], tokens[i], "所有调用方应拿到同一个令牌")
	}
	assert.Equal(t, 1, h.srv.RefreshCount("100"), "10 个并发调用只允许一次刷新")
}

func TestTokenService_ForceRefreshSingleFlight(t *testing.T) {
	h := newHarness(t, seller("100", 0, melitest.Cursor))
	ctx := context.Background()

	stale, _, err := h.tokens.GetAccessToken(ctx, "acct-100")
	require.NoError(t, err)
	require.Equal(t, 1, h.srv.RefreshCount("100"))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tok, _, err := h.tokens.ForceRefresh(ctx, "acct-100", stale)
			assert.NoError(t, err)
			assert.NotEqual(t, stale, tok)
		}()
	}
	wg.Wait()
	assert.Equal(t, 2, h.srv.RefreshCount("100"))
}

func TestTokenService_PersistsRotatedToken(t *testing.T) {
	s := seller("100", 0, melitest.Cursor)
	s.Rotate = true
	h := newHarness(t, s)
	ctx := context.Background()

	_, sellerID, err := h.tokens.GetAccessToken(ctx, "acct-100")
	require.NoError(t, err)
	assert.Equal(t, "100", sellerID)

	row, err := h.acctRep.Get(ctx, "acct-100")
	require.NoError(t, err)
	assert.Equal(t, h.srv.CurrentRefreshToken("100"), row.RefreshToken)
	assert.NotEqual(t, "TG-100", row.RefreshToken)
	require.NotNil(t, row.ExpiresAt)
	assert.WithinDuration(t, time.Now().Add(21600*time.Second-expirySkew), *row.ExpiresAt, time.Minute)

	// 新实例从库里读取令牌，不会重复刷新
	fresh := NewTokenService(h.acctRep, h.client, TokenOptions{RefreshMargin: 5 * time.Minute}, zap.NewNop())
	_, _, err = fresh.GetAccessToken(ctx, "acct-100")
	require.NoError(t, err)
	assert.Equal(t, 1, h.srv.RefreshCount("100"))
}

// failingSaveRepo 前 n 次 SaveRefresh 失败
type failingSaveRepo struct {
	repository.AccountTokenRepository
	mu    sync.Mutex
	fails int
}

func (r *failingSaveRepo) SaveRefresh(ctx context.Context, account, accessToken, refreshToken string, expiresAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fails > 0 {
		r.fails--
		return errors.New("disk I/O error")
	}
	return r.AccountTokenRepository.SaveRefresh(ctx, account, accessToken, refreshToken, expiresAt)
}

func TestTokenService_RotatedTokenSurvivesFailedSave(t *testing.T) {
	s := seller("100", 0, melitest.Cursor)
	s.Rotate = true
	h := newHarness(t, s)
	ctx := context.Background()

	repo := &failingSaveRepo{AccountTokenRepository: h.acctRep, fails: 1}
	svc := NewTokenService(repo, h.client, TokenOptions{RefreshMargin: 5 * time.Minute}, zap.NewNop())

	first, _, err := svc.GetAccessToken(ctx, "acct-100")
	require.NoError(t, err)

	row, err := h.acctRep.Get(ctx, "acct-100")
	require.NoError(t, err)
	assert.Equal(t, "TG-100", row.RefreshToken, "写库失败，库里仍是旧值")
	assert.NotEqual(t, "TG-100", h.srv.CurrentRefreshToken("100"))

	// 第二次刷新必须用内存里轮换后的 refresh_token
	second, _, err := svc.ForceRefresh(ctx, "acct-100", first)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
	assert.Equal(t, 2, h.srv.RefreshCount("100"))

	row, err = h.acctRep.Get(ctx, "acct-100")
	require.NoError(t, err)
	assert.Equal(t, h.srv.CurrentRefreshToken("100"), row.RefreshToken, "写库恢复后落库最新值")
	assert.Equal(t, model.TokenStatusValid, row.Status)
}

func TestTokenService_RejectedRefreshIsAuthError(t *testing.T) {
	h := newHarness(t, seller("100", 0, melitest.Cursor))
	h.srv.RejectRefresh("100", true)
	ctx := context.Background()

	_, _, err := h.tokens.GetAccessToken(ctx, "acct-100")
	var ae *AuthError
	require.True(t, errors.As(err, &ae), "实际错误: %v", err)
	assert.Equal(t, "acct-100", ae.Account)
	assert.True(t, net.IsPermanent(err))

	row, err := h.acctRep.Get(ctx, "acct-100")
	require.NoError(t, err)
	assert.Equal(t, model.TokenStatusInvalid, row.Status)
	assert.NotEmpty(t, row.LastError)
}

func TestTokenService_UnknownAccount(t *testing.T) {
	h := newHarness(t)
	_, _, err := h.tokens.GetAccessToken(context.Background(), "ghost")
	var ae *AuthError
	assert.True(t, errors.As(err, &ae))
}

func TestTokenService_AuthorizedRetriesOnce(t *testing.T) {
	h := newHarness(t, seller("100", 0, melitest.Cursor))
	ctx := context.Background()

	calls := 0
	err := h.tokens.Authorized(ctx, "acct-100", func(token, sellerID string) error {
		calls++
		return net.ErrUnauthorized
	})
	assert.True(t, errors.Is(err, net.ErrUnauthorized), "第二次失败应原样返回")
	assert.Equal(t, 2, calls, "只重试一次")
	assert.Equal(t, 2, h.srv.RefreshCount("100"), "首次获取一次 + 强制刷新一次")
}

func TestTokenService_AuthorizedRecovers(t *testing.T) {
	h := newHarness(t, seller("100", 0, melitest.Cursor))
	ctx := context.Background()

	first, _, err := h.tokens.GetAccessToken(ctx, "acct-100")
	require.NoError(t, err)
	h.srv.ExpireTokens("100")

	var used []string
	err = h.tokens.Authorized(ctx, "acct-100", func(token, sellerID string) error {
		used = append(used, token)
		if token == first {
			return net.ErrUnauthorized
		}
		return nil
	})
	require.NoError(t, err)
	require.Len(t, used, 2)
	assert.NotEqual(t, used[0], used[1])
}

func TestTokenService_RefreshNotifier(t *testing.T) {
	h := newHarness(t, seller("100", 0, melitest.Cursor))

	var mu sync.Mutex
	var states []bool
	ctx := WithRefreshNotifier(context.Background(), func(refreshing bool) {
		mu.Lock()
		states = append(states, refreshing)
		mu.Unlock()
	})
	_, _, err := h.tokens.GetAccessToken(ctx, "acct-100")
	require.NoError(t, err)
	assert.Equal(t, []bool{true, false}, states)
}

func TestTokenService_RefreshExpiring(t *testing.T) {
	h := newHarness(t, seller("100", 0, melitest.Cursor), seller("200", 0, melitest.Offset))
	h.srv.RejectRefresh("200", true)

	n, err := h.tokens.RefreshExpiring(context.Background(), 2)
	assert.Equal(t, 1, n)
	assert.Error(t, err)

	// 已刷新的账户不再过期，被拒绝的账户标记为失效
	n, err = h.tokens.RefreshExpiring(context.Background(), 2)
	assert.Equal(t, 0, n)
	assert.NoError(t, err)
}

func TestTokenService_SeedSkipsIncomplete(t *testing.T) {
	h := newHarness(t)
	a := accountOf(seller("300", 0, melitest.Cursor))
	a.RefreshToken = ""

	seeded, err := h.tokens.Seed(context.Background(), []config.AccountConfig{a})
	require.NoError(t, err)
	assert.Empty(t, seeded)
}
