package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"listing_sync_v1_202610/internal/model"
	"listing_sync_v1_202610/pkg/meli"
	"listing_sync_v1_202610/pkg/net"
)

// DetailOptions 详情抓取参数
type DetailOptions struct {
	Channel     string
	Concurrency int
	// ItemTimeout 单个商品 (含重试和写库) 的超时
	ItemTimeout time.Duration
}

// FetchStats 批量抓取统计
type FetchStats struct {
	Fetched int
	Saved   int
	Failed  int
	Skipped int // 取消后未开始的
}

// SnapshotHandler 处理抓取到的快照 (通常是写库)
type SnapshotHandler func(ctx context.Context, snap *model.ListingSnapshot) error

// DetailService 商品详情抓取
type DetailService struct {
	source ItemSource
	auth   Authorizer
	opts   DetailOptions
	logger *zap.Logger
	now    func() time.Time
}

func NewDetailService(source ItemSource, auth Authorizer, opts DetailOptions, logger *zap.Logger) *DetailService {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.ItemTimeout <= 0 {
		opts.ItemTimeout = 3 * time.Minute
	}
	return &DetailService{
		source: source,
		auth:   auth,
		opts:   opts,
		logger: logger.Named("detail"),
		now:    time.Now,
	}
}

// Fetch 抓取并解析单个商品
// 401 时强制刷新并重试一次，任何失败都包装为 ItemFetchError
func (s *DetailService) Fetch(ctx context.Context, account, listingID string) (*model.ListingSnapshot, error) {
	var (
		item *meli.Item
		raw  []byte
	)
	err := s.auth.Authorized(ctx, account, func(token, _ string) error {
		var err error
		item, raw, err = s.source.GetItem(ctx, account, token, listingID)
		return err
	})
	if err != nil {
		return nil, &ItemFetchError{Account: account, ListingID: listingID, Phase: phaseOf(err), Err: err}
	}

	snap, err := ToListingSnapshot(s.opts.Channel, account, item, raw, s.now().UTC())
	if err != nil {
		return nil, &ItemFetchError{Account: account, ListingID: listingID, Phase: PhaseParse, Err: err}
	}
	return snap, nil
}

// FetchMany 有界并发抓取，单个失败不影响其他
// ctx 取消后不再启动新任务，已在途的任务在独立超时内完成 (不会写一半)
// 遇到 AuthError 停止该账户剩余任务并返回
func (s *DetailService) FetchMany(ctx context.Context, account string, ids []string, handle SnapshotHandler) (FetchStats, error) {
	var (
		stats   FetchStats
		authErr error
		mu      sync.Mutex
		wg      sync.WaitGroup
	)

	sem := semaphore.NewWeighted(int64(s.opts.Concurrency))
	schedCtx, stop := context.WithCancel(ctx)
	defer stop()
	detached := context.WithoutCancel(ctx)

	started := 0
	for _, id := range ids {
		if err := sem.Acquire(schedCtx, 1); err != nil {
			break
		}
		started++
		wg.Add(1)

		go func(listingID string) {
			defer wg.Done()
			defer sem.Release(1)

			err := s.fetchOne(detached, account, listingID, handle, &mu, &stats)
			if err == nil {
				return
			}

			var ae *AuthError
			mu.Lock()
			stats.Failed++
			if errors.As(err, &ae) && authErr == nil {
				authErr = ae
				stop()
			}
			processed := stats.Saved + stats.Failed
			mu.Unlock()

			s.logger.Warn("商品同步失败",
				zap.String("account", account),
				zap.String("listing_id", listingID),
				zap.String("phase", phaseOf(err)),
				zap.Int("processed", processed),
				zap.Error(err),
			)
		}(id)
	}
	wg.Wait()

	stats.Skipped = len(ids) - started
	if authErr != nil {
		return stats, authErr
	}
	if stats.Skipped > 0 {
		return stats, ctx.Err()
	}
	return stats, nil
}

// fetchOne 抓取 + 处理，panic 视为该商品失败
func (s *DetailService) fetchOne(base context.Context, account, listingID string, handle SnapshotHandler, mu *sync.Mutex, stats *FetchStats) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &ItemFetchError{Account: account, ListingID: listingID, Phase: PhaseFetch, Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	ctx, cancel := context.WithTimeout(base, s.opts.ItemTimeout)
	defer cancel()

	snap, err := s.Fetch(ctx, account, listingID)
	if err != nil {
		return err
	}
	mu.Lock()
	stats.Fetched++
	mu.Unlock()

	if err := handle(ctx, snap); err != nil {
		return &ItemFetchError{Account: account, ListingID: listingID, Phase: PhasePersist, Err: err}
	}

	mu.Lock()
	stats.Saved++
	n := stats.Saved
	mu.Unlock()
	if n%50 == 0 {
		s.logger.Info("同步进度", zap.String("account", account), zap.Int("saved", n))
	}
	s.logger.Debug("商品已同步",
		zap.String("account", account),
		zap.String("listing_id", listingID),
		zap.String("price", priceOf(snap.Price)),
	)
	return nil
}

func phaseOf(err error) string {
	var (
		ife *ItemFetchError
		ae  *AuthError
		de  *meli.DecodeError
		pe  *PersistenceError
	)
	switch {
	case errors.As(err, &ife):
		return ife.Phase
	case errors.As(err, &ae), errors.Is(err, net.ErrUnauthorized):
		return PhaseAuth
	case errors.As(err, &de):
		return PhaseParse
	case errors.As(err, &pe):
		return PhasePersist
	default:
		return PhaseFetch
	}
}
