package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"listing_sync_v1_202610/pkg/meli"
	"listing_sync_v1_202610/pkg/net"
)

// 分页策略
const (
	StrategyCursor = "cursor"
	StrategyOffset = "offset"
)

// maxPageFailures 连续失败页数上限
const maxPageFailures = 3

// ItemSource 市场 API (meli.Client 实现)
type ItemSource interface {
	SearchItems(ctx context.Context, account, token, sellerID string, q meli.SearchQuery) (*meli.SearchResponse, error)
	GetItem(ctx context.Context, account, token, itemID string) (*meli.Item, []byte, error)
}

// Authorizer 带令牌执行请求 (TokenService 实现)
type Authorizer interface {
	Authorized(ctx context.Context, account string, fn func(token, sellerID string) error) error
}

// ListerOptions 枚举参数
type ListerOptions struct {
	PageSize     int
	PageInterval time.Duration
	MaxPages     int
	Status       string
}

// Enumeration 枚举结果
type Enumeration struct {
	IDs      []string
	Pages    int
	Strategy string
	Warnings []string
}

// ListerService 枚举账户下全部商品 ID
type ListerService struct {
	source ItemSource
	auth   Authorizer
	opts   ListerOptions
	logger *zap.Logger
}

func NewListerService(source ItemSource, auth Authorizer, opts ListerOptions, logger *zap.Logger) *ListerService {
	if opts.PageSize < 1 {
		opts.PageSize = 50
	}
	if opts.MaxPages < 1 {
		opts.MaxPages = 10000
	}
	return &ListerService{source: source, auth: auth, opts: opts, logger: logger.Named("lister")}
}

// enumeration 一次枚举的状态
type enumeration struct {
	*Enumeration
	account  string
	seen     map[string]struct{}
	limiter  *rate.Limiter
	failures int
}

// Enumerate 返回去重后的全部商品 ID (按首次出现顺序)
// 首页带 scroll_id 走游标分页，否则走 offset 分页；空页为唯一可信的结束条件
func (s *ListerService) Enumerate(ctx context.Context, account string) (*Enumeration, error) {
	e := &enumeration{
		Enumeration: &Enumeration{IDs: []string{}},
		account:     account,
		seen:        make(map[string]struct{}),
	}
	if s.opts.PageInterval > 0 {
		e.limiter = rate.NewLimiter(rate.Every(s.opts.PageInterval), 1)
	}

	first, err := s.page(ctx, e, meli.SearchQuery{Scan: true, Limit: s.opts.PageSize, Status: s.opts.Status})
	if err != nil {
		return nil, err
	}
	e.add(first.Results)

	if first.Cursor() != "" {
		e.Strategy = StrategyCursor
		err = s.byCursor(ctx, e, first)
	} else {
		e.Strategy = StrategyOffset
		err = s.byOffset(ctx, e, first)
	}
	if err != nil {
		return nil, err
	}

	if declared := first.Paging.Total; declared != len(e.IDs) {
		s.warn(e, &PaginationInconsistency{
			Account: account, Declared: declared, Observed: len(e.IDs), Pages: e.Pages,
			Detail: "declared total differs from enumerated ids",
		})
	}

	s.logger.Info("枚举完成",
		zap.String("account", account),
		zap.String("strategy", e.Strategy),
		zap.Int("pages", e.Pages),
		zap.Int("ids", len(e.IDs)),
	)
	return e.Enumeration, nil
}

func (s *ListerService) byCursor(ctx context.Context, e *enumeration, first *meli.SearchResponse) error {
	if len(first.Results) == 0 {
		return nil
	}
	cursor := first.Cursor()
	for {
		if e.Pages >= s.opts.MaxPages {
			s.warn(e, &PaginationInconsistency{Account: e.account, Observed: len(e.IDs), Pages: e.Pages, Detail: "page ceiling reached"})
			return nil
		}

		page, err := s.page(ctx, e, meli.SearchQuery{Scan: true, ScrollID: cursor, Limit: s.opts.PageSize, Status: s.opts.Status})
		if err != nil {
			if fatal(ctx, err) {
				return err
			}
			// 游标页失败无法跳过，结束本次枚举
			s.warn(e, &PaginationInconsistency{Account: e.account, Observed: len(e.IDs), Pages: e.Pages, Detail: "cursor page failed: " + err.Error()})
			return nil
		}
		if len(page.Results) == 0 {
			return nil
		}
		if e.add(page.Results) == 0 {
			s.warn(e, &PaginationInconsistency{Account: e.account, Observed: len(e.IDs), Pages: e.Pages, Detail: "cursor page repeated known ids"})
			return nil
		}
		next := page.Cursor()
		if next == "" {
			s.warn(e, &PaginationInconsistency{Account: e.account, Observed: len(e.IDs), Pages: e.Pages, Detail: "cursor missing mid-scan"})
			return nil
		}
		cursor = next
	}
}

func (s *ListerService) byOffset(ctx context.Context, e *enumeration, first *meli.SearchResponse) error {
	size := s.opts.PageSize
	last := len(first.Results)
	offset := 0
	for last >= size {
		if e.Pages >= s.opts.MaxPages {
			s.warn(e, &PaginationInconsistency{Account: e.account, Declared: first.Paging.Total, Observed: len(e.IDs), Pages: e.Pages, Detail: "page ceiling reached"})
			return nil
		}

		// 声明总数可能偏小，到达总数后仍继续探测直到短页
		offset += size
		page, err := s.page(ctx, e, meli.SearchQuery{Offset: offset, Limit: size, Status: s.opts.Status})
		if err != nil {
			if fatal(ctx, err) {
				return err
			}
			e.failures++
			s.logger.Warn("分页失败，跳过该页",
				zap.String("account", e.account), zap.Int("offset", offset), zap.Error(err))
			if e.failures >= maxPageFailures {
				s.warn(e, &PaginationInconsistency{Account: e.account, Declared: first.Paging.Total, Observed: len(e.IDs), Pages: e.Pages, Detail: "too many failed pages"})
				return nil
			}
			continue
		}
		e.failures = 0

		last = len(page.Results)
		if e.add(page.Results) == 0 && last > 0 {
			s.warn(e, &PaginationInconsistency{Account: e.account, Declared: first.Paging.Total, Observed: len(e.IDs), Pages: e.Pages, Detail: "offset page repeated known ids"})
			return nil
		}
	}
	return nil
}

// page 拉取一页，经令牌包装并限速
func (s *ListerService) page(ctx context.Context, e *enumeration, q meli.SearchQuery) (*meli.SearchResponse, error) {
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	e.Pages++

	var resp *meli.SearchResponse
	err := s.auth.Authorized(ctx, e.account, func(token, sellerID string) error {
		var err error
		resp, err = s.source.SearchItems(ctx, e.account, token, sellerID, q)
		return err
	})
	if errors.Is(err, net.ErrUnauthorized) {
		// 刷新后仍被拒绝
		return nil, &AuthError{Account: e.account, Err: err}
	}
	if err != nil {
		return nil, fmt.Errorf("list page %d: %w", e.Pages, err)
	}
	return resp, nil
}

func (s *ListerService) warn(e *enumeration, w *PaginationInconsistency) {
	e.Warnings = append(e.Warnings, w.Error())
	s.logger.Warn("分页不一致",
		zap.String("account", w.Account),
		zap.Int("declared", w.Declared),
		zap.Int("observed", w.Observed),
		zap.Int("pages", w.Pages),
		zap.String("detail", w.Detail),
	)
}

// add 返回新增的 ID 数
func (e *enumeration) add(ids []string) int {
	added := 0
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := e.seen[id]; ok {
			continue
		}
		e.seen[id] = struct{}{}
		e.IDs = append(e.IDs, id)
		added++
	}
	return added
}

// fatal 鉴权失败和调用方取消终止整个账户
// 单次请求超时包在 TransientHTTPError 里，不算取消
func fatal(ctx context.Context, err error) bool {
	var ae *AuthError
	return errors.As(err, &ae) || ctx.Err() != nil
}
