package task

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"listing_sync_v1_202610/internal/model"
	"listing_sync_v1_202610/internal/repository"
	"listing_sync_v1_202610/internal/service"
)

// ==================== 测试替身 ====================

type fakeTokens struct {
	fail map[string]error
}

func (f *fakeTokens) GetAccessToken(ctx context.Context, account string) (string, string, error) {
	if err := f.fail[account]; err != nil {
		return "", "", err
	}
	return "token-" + account, "seller-" + account, nil
}

type fakeLister struct {
	ids   map[string][]string
	panic map[string]bool
	block chan struct{}
}

func (f *fakeLister) Enumerate(ctx context.Context, account string) (*service.Enumeration, error) {
	if f.panic[account] {
		panic("lister exploded")
	}
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return &service.Enumeration{IDs: f.ids[account], Strategy: service.StrategyCursor, Pages: 1}, nil
}

type fakeFetcher struct{}

func (fakeFetcher) FetchMany(ctx context.Context, account string, ids []string, handle service.SnapshotHandler) (service.FetchStats, error) {
	var stats service.FetchStats
	for _, id := range ids {
		snap := &model.ListingSnapshot{Channel: "ML", Account: account, ListingID: id, LastCapturedAt: time.Now()}
		stats.Fetched++
		if err := handle(ctx, snap); err != nil {
			stats.Failed++
			continue
		}
		stats.Saved++
	}
	return stats, nil
}

type memWriter struct {
	mu    sync.Mutex
	saved map[string]int
}

func (w *memWriter) Save(ctx context.Context, snap *model.ListingSnapshot) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.saved == nil {
		w.saved = make(map[string]int)
	}
	w.saved[snap.Account]++
	return nil
}

func setupTestDB(t *testing.T) *gorm.DB {
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

func newTask(t *testing.T, tokens TokenSource, lister Enumerator, accounts ...string) (*ListingSyncTask, *memWriter, repository.SyncRunRepository) {
	w := &memWriter{}
	runs := repository.NewSyncRunRepository(setupTestDB(t))
	task := NewListingSyncTask(ListingSyncDeps{
		Tokens:  tokens,
		Lister:  lister,
		Fetcher: fakeFetcher{},
		Writer:  w,
		Runs:    runs,
		Logger:  zap.NewNop(),
	}, ListingSyncConfig{Accounts: accounts, AccountConcurrency: 2})
	return task, w, runs
}

// ==================== 测试用例 ====================

func TestListingSyncTask_FailureIsolation(t *testing.T) {
	tokens := &fakeTokens{fail: map[string]error{
		"BAD": &service.AuthError{Account: "BAD", Err: errors.New("invalid_grant")},
	}}
	lister := &fakeLister{
		ids:   map[string][]string{"GOOD": {"1", "2", "3"}, "BAD": {"9"}, "BOOM": {"7"}},
		panic: map[string]bool{"BOOM": true},
	}
	task, w, runs := newTask(t, tokens, lister, "GOOD", "BAD", "BOOM")

	report, err := task.Run(context.Background(), nil)
	require.NoError(t, err)
	assert.False(t, report.Aborted, "账户失败不算中止")

	assert.Equal(t, model.SyncStateDone, report.Accounts["GOOD"].State)
	assert.Equal(t, 3, report.Accounts["GOOD"].Saved)
	assert.Equal(t, 3, w.saved["GOOD"])

	bad := report.Accounts["BAD"]
	assert.Equal(t, model.SyncStateFailed, bad.State)
	var ae *service.AuthError
	assert.True(t, errors.As(bad.Err, &ae))

	assert.Equal(t, model.SyncStateFailed, report.Accounts["BOOM"].State)
	assert.Contains(t, report.Accounts["BOOM"].Error, "panic")

	list, err := runs.ListByRun(context.Background(), report.RunID)
	require.NoError(t, err)
	require.Len(t, list, 3)
	for _, r := range list {
		assert.NotNil(t, r.FinishedAt)
	}
}

func TestListingSyncTask_UnknownAccount(t *testing.T) {
	task, _, _ := newTask(t, &fakeTokens{}, &fakeLister{}, "GOOD")

	report, err := task.Run(context.Background(), []string{"GHOST"})
	require.NoError(t, err)
	rep := report.Accounts["GHOST"]
	assert.Equal(t, model.SyncStateFailed, rep.State)
	assert.ErrorIs(t, rep.Err, ErrUnknownAcct)
}

func TestListingSyncTask_CancelledRunIsAborted(t *testing.T) {
	lister := &fakeLister{ids: map[string][]string{}, block: make(chan struct{})}
	task, _, _ := newTask(t, &fakeTokens{}, lister, "A", "B", "C")

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	report, err := task.Run(ctx, nil)
	require.NoError(t, err)
	assert.True(t, report.Aborted)
}

func TestListingSyncTask_RejectsOverlappingRuns(t *testing.T) {
	lister := &fakeLister{ids: map[string][]string{"A": {"1"}}, block: make(chan struct{})}
	task, _, _ := newTask(t, &fakeTokens{}, lister, "A")

	require.NoError(t, task.Trigger(nil))
	assert.True(t, task.Running())
	assert.ErrorIs(t, task.Trigger(nil), ErrRunInProgress)
	_, err := task.Run(context.Background(), nil)
	assert.ErrorIs(t, err, ErrRunInProgress)

	close(lister.block)
	require.Eventually(t, func() bool { return !task.Running() }, 2*time.Second, 10*time.Millisecond)
	require.NotNil(t, task.LastReport())
	assert.Equal(t, model.SyncStateDone, task.Status()["A"].State)
	task.Stop()
}

func TestListingSyncTask_StartWithoutSchedule(t *testing.T) {
	task, _, _ := newTask(t, &fakeTokens{}, &fakeLister{}, "A")
	require.NoError(t, task.Start())
	task.Stop()
}

func TestListingSyncTask_InvalidSchedule(t *testing.T) {
	task := NewListingSyncTask(ListingSyncDeps{}, ListingSyncConfig{Schedule: "not a cron"})
	assert.Error(t, task.Start())
}
