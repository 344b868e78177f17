package net

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// RequestFunc 在给定的请求上设置参数并执行一次请求
// 每次尝试都会拿到一个新的 *resty.Request
type RequestFunc func(r *resty.Request) (*resty.Response, error)

// AttemptObserver 每次尝试结束后回调 (指标统计用)
type AttemptObserver func(account string, status int, retry bool)

// Dispatcher 网络调度器 (通用组件)
type Dispatcher interface {
	// Send 发送 HTTP 请求
	// account: 发请求的账户名，用于日志与指标
	// 401 立即返回 ErrUnauthorized；429/5xx/网络错误按指数退避重试
	Send(ctx context.Context, account string, fn RequestFunc) (*resty.Response, error)
}

// Options 调度器参数
type Options struct {
	Timeout           time.Duration // 单次尝试超时
	MaxAttempts       int           // 总尝试次数 (含首次)
	WaitMin           time.Duration
	WaitMax           time.Duration
	RequestsPerSecond float64 // 全局限速，0 表示不限
	Observer          AttemptObserver
}

// httpDispatcher 是 Dispatcher 接口的具体实现
// 注意：它是私有的，外部只能通过 NewDispatcher 获取接口
type httpDispatcher struct {
	client  *resty.Client
	opts    Options
	limiter *rate.Limiter
	logger  *zap.Logger
}

var _ Dispatcher = (*httpDispatcher)(nil)

func NewDispatcher(client *resty.Client, opts Options, logger *zap.Logger) Dispatcher {
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	if opts.WaitMin <= 0 {
		opts.WaitMin = 500 * time.Millisecond
	}
	if opts.WaitMax < opts.WaitMin {
		opts.WaitMax = opts.WaitMin
	}
	d := &httpDispatcher{
		client: client,
		opts:   opts,
		logger: logger.Named("dispatcher"),
	}
	if opts.RequestsPerSecond > 0 {
		burst := int(opts.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		d.limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
	}
	return d
}

// NewRestyClient 创建统一的 Resty 客户端
// 重试由 Dispatcher 负责，这里不开启 resty 自带重试
func NewRestyClient(baseURL string) *resty.Client {
	return resty.New().
		SetBaseURL(baseURL).
		SetHeader("User-Agent", "listing-sync/1.0")
}

// Send 发送 HTTP 请求 (自动处理重试与退避)
func (d *httpDispatcher) Send(ctx context.Context, account string, fn RequestFunc) (*resty.Response, error) {
	var (
		resp     *resty.Response
		attempts int
	)

	op := func() error {
		attempts++
		if d.limiter != nil {
			if err := d.limiter.Wait(ctx); err != nil {
				return backoff.Permanent(err)
			}
		}

		r, err := d.attempt(ctx, fn)
		status := 0
		if r != nil {
			status = r.StatusCode()
		}

		classified := classify(ctx, r, err)
		var te *TransientHTTPError
		retry := errors.As(classified, &te) && attempts < d.opts.MaxAttempts
		if d.opts.Observer != nil {
			d.opts.Observer(account, status, retry)
		}

		switch {
		case classified == nil:
			resp = r
			return nil
		case te != nil:
			return classified
		default:
			resp = r
			return backoff.Permanent(classified)
		}
	}

	notify := func(err error, wait time.Duration) {
		d.logger.Warn("请求失败，准备重试",
			zap.String("account", account),
			zap.Int("attempt", attempts),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	}

	err := backoff.RetryNotify(op, d.newBackOff(ctx), notify)
	if err == nil {
		return resp, nil
	}

	var te *TransientHTTPError
	if errors.As(err, &te) {
		te.Attempts = attempts
		d.logger.Error("重试次数耗尽",
			zap.String("account", account),
			zap.Int("attempts", attempts),
			zap.Int("status", te.Status),
		)
		return nil, te
	}
	return resp, err
}

// attempt 单次请求，带独立超时
func (d *httpDispatcher) attempt(ctx context.Context, fn RequestFunc) (*resty.Response, error) {
	attemptCtx := ctx
	if d.opts.Timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, d.opts.Timeout)
		defer cancel()
	}
	return fn(d.client.R().SetContext(attemptCtx))
}

func (d *httpDispatcher) newBackOff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = d.opts.WaitMin
	eb.MaxInterval = d.opts.WaitMax
	eb.Multiplier = 2
	eb.RandomizationFactor = 0.2
	eb.MaxElapsedTime = 0
	eb.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(eb, uint64(d.opts.MaxAttempts-1)), ctx)
}

// classify 将一次尝试的结果归类
// nil: 成功; *TransientHTTPError: 可重试; 其他: 立即返回
func classify(ctx context.Context, resp *resty.Response, err error) error {
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return &TransientHTTPError{Err: err}
	}

	code := resp.StatusCode()
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusUnauthorized:
		return fmt.Errorf("%w: %s", ErrUnauthorized, snippet(resp.Body()))
	case code == http.StatusForbidden && tokenRejected(resp.Body()):
		return fmt.Errorf("%w: %s", ErrUnauthorized, snippet(resp.Body()))
	case code == http.StatusTooManyRequests || code >= 500:
		return &TransientHTTPError{Status: code, Err: fmt.Errorf("http %d: %s", code, snippet(resp.Body()))}
	default:
		return &PermanentHTTPError{Status: code, Body: snippet(resp.Body())}
	}
}

// tokenRejected 部分 403 实际是令牌失效
func tokenRejected(body []byte) bool {
	s := strings.ToLower(string(body))
	return strings.Contains(s, "invalid_token") ||
		strings.Contains(s, "invalid access token") ||
		strings.Contains(s, "expired")
}
