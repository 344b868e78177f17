package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"listing_sync_v1_202610/internal/model"
	"listing_sync_v1_202610/internal/repository"
)

// ErrWriterClosed 写入器已关闭
var ErrWriterClosed = errors.New("snapshot writer closed")

type writeReq struct {
	snap *model.ListingSnapshot
	done chan error
}

// SnapshotWriter 单写协程，串行执行快照 upsert + 历史追加
// sqlite 同一时刻只允许一个写事务
type SnapshotWriter struct {
	repo     repository.ListingRepository
	timeout  time.Duration
	logger   *zap.Logger
	observer func(err error)

	mu     sync.RWMutex
	closed bool
	queue  chan writeReq
	wg     sync.WaitGroup
}

func NewSnapshotWriter(repo repository.ListingRepository, queueSize int, timeout time.Duration, logger *zap.Logger) *SnapshotWriter {
	if queueSize < 1 {
		queueSize = 1
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	w := &SnapshotWriter{
		repo:    repo,
		timeout: timeout,
		logger:  logger.Named("writer"),
		queue:   make(chan writeReq, queueSize),
	}
	w.wg.Add(1)
	go w.loop()
	return w
}

// OnWrite 设置写入结果回调 (指标统计用)，须在首次 Save 前调用
func (w *SnapshotWriter) OnWrite(fn func(err error)) {
	w.observer = fn
}

// Save 入队并等待写入结果
// 一旦入队，写入不受 ctx 取消影响
func (w *SnapshotWriter) Save(ctx context.Context, snap *model.ListingSnapshot) error {
	req := writeReq{snap: snap, done: make(chan error, 1)}

	w.mu.RLock()
	if w.closed {
		w.mu.RUnlock()
		return &PersistenceError{Account: snap.Account, ListingID: snap.ListingID, Err: ErrWriterClosed}
	}
	select {
	case w.queue <- req:
		w.mu.RUnlock()
	case <-ctx.Done():
		w.mu.RUnlock()
		return &PersistenceError{Account: snap.Account, ListingID: snap.ListingID, Err: ctx.Err()}
	}

	return <-req.done
}

// Close 停止接收并写完队列中剩余的快照
func (w *SnapshotWriter) Close() {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.queue)
	}
	w.mu.Unlock()
	w.wg.Wait()
}

func (w *SnapshotWriter) loop() {
	defer w.wg.Done()
	for req := range w.queue {
		req.done <- w.write(req.snap)
	}
}

func (w *SnapshotWriter) write(snap *model.ListingSnapshot) error {
	ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
	defer cancel()

	err := w.repo.Save(ctx, snap, model.HistoryFrom(snap))
	if w.observer != nil {
		w.observer(err)
	}
	if err != nil {
		w.logger.Error("快照写入失败",
			zap.String("account", snap.Account),
			zap.String("listing_id", snap.ListingID),
			zap.Error(err),
		)
		return &PersistenceError{Account: snap.Account, ListingID: snap.ListingID, Err: err}
	}
	return nil
}
