package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"listing_sync_v1_202610/internal/config"
	"listing_sync_v1_202610/internal/model"
	"listing_sync_v1_202610/internal/repository"
	"listing_sync_v1_202610/pkg/meli"
	"listing_sync_v1_202610/pkg/net"
)

// expirySkew 提前视为过期，抵消时钟偏差和网络耗时
const expirySkew = 120 * time.Second

// TokenProvider OAuth 刷新接口 (meli.Client 实现)
type TokenProvider interface {
	RefreshToken(ctx context.Context, account, clientID, clientSecret, refreshToken string) (*meli.TokenResponse, error)
}

// RefreshObserver 刷新结束回调 (指标统计用)
type RefreshObserver func(account string, err error)

// TokenOptions 令牌管理参数
type TokenOptions struct {
	RefreshMargin time.Duration
	DefaultTTL    time.Duration
	Observer      RefreshObserver
}

type tokenSnapshot struct {
	accessToken string
	sellerID    string
	expiresAt   *time.Time
	// unsavedRefresh 轮换后未能写库的 refresh_token，下次刷新优先使用
	unsavedRefresh string
}

// TokenService 账户令牌管理
// 每个账户同一时刻最多一个刷新请求在途
type TokenService struct {
	repo     repository.AccountTokenRepository
	provider TokenProvider
	opts     TokenOptions
	logger   *zap.Logger
	now      func() time.Time

	mu    sync.Mutex
	locks map[string]chan struct{}
	cache map[string]tokenSnapshot
}

func NewTokenService(repo repository.AccountTokenRepository, provider TokenProvider, opts TokenOptions, logger *zap.Logger) *TokenService {
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = 21600 * time.Second
	}
	return &TokenService{
		repo:     repo,
		provider: provider,
		opts:     opts,
		logger:   logger.Named("token"),
		now:      time.Now,
		locks:    make(map[string]chan struct{}),
		cache:    make(map[string]tokenSnapshot),
	}
}

// ==================== 对外方法 ====================

// GetAccessToken 获取可用令牌，必要时刷新
func (s *TokenService) GetAccessToken(ctx context.Context, account string) (string, string, error) {
	if snap, ok := s.cached(account); ok && s.fresh(snap) {
		return snap.accessToken, snap.sellerID, nil
	}

	unlock, err := s.lock(ctx, account)
	if err != nil {
		return "", "", err
	}
	defer unlock()

	// 双重检查：排在后面的调用方直接用前一个刷新的结果
	snap, err := s.load(ctx, account)
	if err != nil {
		return "", "", err
	}
	if s.fresh(snap) {
		return snap.accessToken, snap.sellerID, nil
	}

	snap, err = s.refreshLocked(ctx, account)
	if err != nil {
		return "", "", err
	}
	return snap.accessToken, snap.sellerID, nil
}

// ForceRefresh 令牌被服务端拒绝后强制刷新
// 若缓存令牌已不是 staleToken，说明别人刷新过了，直接返回
func (s *TokenService) ForceRefresh(ctx context.Context, account, staleToken string) (string, string, error) {
	unlock, err := s.lock(ctx, account)
	if err != nil {
		return "", "", err
	}
	defer unlock()

	snap, err := s.load(ctx, account)
	if err != nil {
		return "", "", err
	}
	if snap.accessToken != "" && snap.accessToken != staleToken && s.fresh(snap) {
		return snap.accessToken, snap.sellerID, nil
	}

	snap, err = s.refreshLocked(ctx, account)
	if err != nil {
		return "", "", err
	}
	return snap.accessToken, snap.sellerID, nil
}

// Authorized 带令牌执行 fn
// 遇到 ErrUnauthorized 强制刷新一次并重试一次，第二次失败原样返回
func (s *TokenService) Authorized(ctx context.Context, account string, fn func(token, sellerID string) error) error {
	token, sellerID, err := s.GetAccessToken(ctx, account)
	if err != nil {
		return err
	}

	err = fn(token, sellerID)
	if !errors.Is(err, net.ErrUnauthorized) {
		return err
	}

	s.logger.Warn("令牌被拒绝，强制刷新后重试", zap.String("account", account))
	token, sellerID, err = s.ForceRefresh(ctx, account, token)
	if err != nil {
		return err
	}
	return fn(token, sellerID)
}

// Seed 启动时写入配置中的账户
// 缺少必要字段的账户跳过
func (s *TokenService) Seed(ctx context.Context, accounts []config.AccountConfig) ([]string, error) {
	var seeded []string
	for _, a := range accounts {
		if !a.Complete() {
			s.logger.Warn("账户配置不完整，跳过", zap.String("account", a.Name))
			continue
		}
		created, err := s.repo.Seed(ctx, &model.AccountToken{
			Account:      a.Name,
			Channel:      a.Channel,
			ClientID:     a.ClientID,
			ClientSecret: a.ClientSecret,
			SellerID:     a.SellerID,
			AccessToken:  a.AccessToken,
			RefreshToken: a.RefreshToken,
		})
		if err != nil {
			return seeded, fmt.Errorf("seed account %s: %w", a.Name, err)
		}
		s.evict(a.Name)
		s.logger.Info("账户已就绪", zap.String("account", a.Name), zap.Bool("created", created))
		seeded = append(seeded, a.Name)
	}
	return seeded, nil
}

// RefreshExpiring 刷新即将过期的令牌 (保活任务调用)
func (s *TokenService) RefreshExpiring(ctx context.Context, concurrency int) (int, error) {
	list, err := s.repo.ListExpiring(ctx, s.now().Add(s.opts.RefreshMargin))
	if err != nil {
		return 0, err
	}
	if concurrency < 1 {
		concurrency = 1
	}

	var (
		mu        sync.Mutex
		refreshed int
		errs      []error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for _, tok := range list {
		account := tok.Account
		g.Go(func() error {
			if _, _, err := s.GetAccessToken(gctx, account); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
				return nil
			}
			mu.Lock()
			refreshed++
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return refreshed, errors.Join(errs...)
}

// Accounts 所有已存储的账户
func (s *TokenService) Accounts(ctx context.Context) ([]model.AccountToken, error) {
	return s.repo.List(ctx)
}

// ==================== 内部方法 ====================

// refreshLocked 调用方须持有账户锁
func (s *TokenService) refreshLocked(ctx context.Context, account string) (tokenSnapshot, error) {
	row, err := s.repo.Get(ctx, account)
	if err != nil {
		if errors.Is(err, repository.ErrAccountNotFound) {
			return tokenSnapshot{}, &AuthError{Account: account, Err: err}
		}
		return tokenSnapshot{}, fmt.Errorf("load account %s: %w", account, err)
	}
	current := row.RefreshToken
	if prev, ok := s.cached(account); ok && prev.unsavedRefresh != "" {
		current = prev.unsavedRefresh
	}
	if current == "" {
		return tokenSnapshot{}, &AuthError{Account: account, Err: errors.New("missing refresh token")}
	}

	notifyRefresh(ctx, true)
	defer notifyRefresh(ctx, false)

	start := s.now()
	resp, err := s.provider.RefreshToken(ctx, account, row.ClientID, row.ClientSecret, current)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return tokenSnapshot{}, ctxErr
		}
		s.observe(account, err)
		s.recordFailure(account, row.Status, err)
		s.logger.Error("刷新令牌失败", zap.String("account", account), zap.Error(err))
		return tokenSnapshot{}, &AuthError{Account: account, Err: err}
	}

	ttl := time.Duration(resp.ExpiresIn) * time.Second
	if ttl <= 0 {
		ttl = s.opts.DefaultTTL
	}
	ttl -= expirySkew
	if ttl < 0 {
		ttl = 0
	}
	expiresAt := start.Add(ttl)

	refreshToken := resp.RefreshToken
	if refreshToken == "" {
		refreshToken = current
	}

	snap := tokenSnapshot{accessToken: resp.AccessToken, sellerID: row.SellerID, expiresAt: &expiresAt}

	// 新 refresh_token 会让旧的作废，写库不受调用方取消影响
	// 写库失败时留在内存里，库中的旧值已不可用
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := s.repo.SaveRefresh(writeCtx, account, resp.AccessToken, refreshToken, expiresAt); err != nil {
		snap.unsavedRefresh = refreshToken
		s.logger.Error("令牌写库失败，新 refresh_token 暂存内存", zap.String("account", account), zap.Error(err))
	}

	s.mu.Lock()
	s.cache[account] = snap
	s.mu.Unlock()

	s.observe(account, nil)
	s.logger.Info("令牌已刷新", zap.String("account", account), zap.Time("expires_at", expiresAt))
	return snap, nil
}

// recordFailure 提供方拒绝时标记需重新授权，临时错误只记录原因
func (s *TokenService) recordFailure(account, status string, cause error) {
	if net.IsPermanent(cause) || errors.Is(cause, net.ErrUnauthorized) {
		status = model.TokenStatusInvalid
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.repo.MarkStatus(ctx, account, status, cause.Error()); err != nil {
		s.logger.Warn("更新令牌状态失败", zap.String("account", account), zap.Error(err))
	}
}

// load 优先读缓存，缓存没有则读库
func (s *TokenService) load(ctx context.Context, account string) (tokenSnapshot, error) {
	if snap, ok := s.cached(account); ok {
		return snap, nil
	}
	row, err := s.repo.Get(ctx, account)
	if err != nil {
		if errors.Is(err, repository.ErrAccountNotFound) {
			return tokenSnapshot{}, &AuthError{Account: account, Err: err}
		}
		return tokenSnapshot{}, fmt.Errorf("load account %s: %w", account, err)
	}
	snap := tokenSnapshot{accessToken: row.AccessToken, sellerID: row.SellerID, expiresAt: row.ExpiresAt}
	s.mu.Lock()
	s.cache[account] = snap
	s.mu.Unlock()
	return snap, nil
}

func (s *TokenService) fresh(snap tokenSnapshot) bool {
	if snap.accessToken == "" || snap.expiresAt == nil {
		return false
	}
	return snap.expiresAt.Sub(s.now()) >= s.opts.RefreshMargin
}

func (s *TokenService) cached(account string) (tokenSnapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.cache[account]
	return snap, ok
}

func (s *TokenService) evict(account string) {
	s.mu.Lock()
	delete(s.cache, account)
	s.mu.Unlock()
}

// lock 获取账户锁，可被 ctx 取消
func (s *TokenService) lock(ctx context.Context, account string) (func(), error) {
	s.mu.Lock()
	l, ok := s.locks[account]
	if !ok {
		l = make(chan struct{}, 1)
		s.locks[account] = l
	}
	s.mu.Unlock()

	select {
	case l <- struct{}{}:
		return func() { <-l }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *TokenService) observe(account string, err error) {
	if s.opts.Observer != nil {
		s.opts.Observer(account, err)
	}
}

// ==================== 状态通知 ====================

type refreshNotifierKey struct{}

// WithRefreshNotifier 在 ctx 上挂载刷新通知 (编排器用来切换 TOKEN_REFRESH 状态)
func WithRefreshNotifier(ctx context.Context, fn func(refreshing bool)) context.Context {
	return context.WithValue(ctx, refreshNotifierKey{}, fn)
}

func notifyRefresh(ctx context.Context, refreshing bool) {
	if fn, ok := ctx.Value(refreshNotifierKey{}).(func(bool)); ok && fn != nil {
		fn(refreshing)
	}
}
