package task

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"listing_sync_v1_202610/internal/model"
	"listing_sync_v1_202610/internal/repository"
)

type failingPruner struct{}

func (failingPruner) PruneHistory(ctx context.Context, before time.Time) (int64, error) {
	return 0, errors.New("disk full")
}

func TestRetentionTask_RunOnce(t *testing.T) {
	db := setupTestDB(t)
	listings := repository.NewListingRepository(db)
	runs := repository.NewSyncRunRepository(db)
	ctx := context.Background()

	now := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	for _, age := range []time.Duration{100 * 24 * time.Hour, 40 * 24 * time.Hour, time.Hour} {
		snap := &model.ListingSnapshot{Channel: "ML", Account: "TOYS", ListingID: "MLB1", LastCapturedAt: now.Add(-age)}
		require.NoError(t, listings.Save(ctx, snap, model.HistoryFrom(snap)))
	}
	finished := now.Add(-99 * 24 * time.Hour)
	require.NoError(t, runs.Create(ctx, &model.SyncRun{RunID: "old", Account: "TOYS", State: model.SyncStateDone, StartedAt: now.Add(-100 * 24 * time.Hour), FinishedAt: &finished}))
	require.NoError(t, runs.Create(ctx, &model.SyncRun{RunID: "new", Account: "TOYS", State: model.SyncStateDone, StartedAt: now}))

	task := NewRetentionTask(listings, runs, 30*24*time.Hour, "0 30 3 * * *", zap.NewNop())
	task.now = func() time.Time { return now }

	n, err := task.RunOnce()
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	hist, err := listings.CountHistory(ctx, "ML", "")
	require.NoError(t, err)
	assert.Equal(t, int64(1), hist)
	snaps, err := listings.CountSnapshots(ctx, "ML", "")
	require.NoError(t, err)
	assert.Equal(t, int64(1), snaps, "快照不受影响")

	old, err := runs.ListByRun(ctx, "old")
	require.NoError(t, err)
	assert.Empty(t, old)
	kept, err := runs.ListByRun(ctx, "new")
	require.NoError(t, err)
	assert.Len(t, kept, 1)
}

func TestRetentionTask_Disabled(t *testing.T) {
	task := NewRetentionTask(failingPruner{}, nil, 0, "bogus", zap.NewNop())
	assert.False(t, task.Enabled())
	require.NoError(t, task.Start(), "未启用时不解析 cron")
	n, err := task.RunOnce()
	assert.NoError(t, err)
	assert.Zero(t, n)
	task.Stop()
}

func TestRetentionTask_Error(t *testing.T) {
	task := NewRetentionTask(failingPruner{}, nil, time.Hour, "@every 1h", zap.NewNop())
	_, err := task.RunOnce()
	assert.Error(t, err)
}

func TestTaskManager_StartStop(t *testing.T) {
	listing, _, _ := newTask(t, &fakeTokens{}, &fakeLister{}, "A")
	token := NewTokenTask(&countingRefresher{}, "0 0/40 * * * *", zap.NewNop())
	retention := NewRetentionTask(failingPruner{}, nil, 0, "", zap.NewNop())

	tm := NewTaskManager(listing, token, retention, zap.NewNop())
	require.NoError(t, tm.Start())
	assert.Len(t, tm.started, 3)
	tm.Stop()
	assert.Empty(t, tm.started)
}

func TestTaskManager_StartFailureStopsStarted(t *testing.T) {
	token := NewTokenTask(&countingRefresher{}, "0 0/40 * * * *", zap.NewNop())
	listing := NewListingSyncTask(ListingSyncDeps{}, ListingSyncConfig{Schedule: "not a cron"})

	tm := NewTaskManager(listing, token, nil, zap.NewNop())
	assert.Error(t, tm.Start())
	assert.Empty(t, tm.started)
}
