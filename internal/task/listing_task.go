package task

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"listing_sync_v1_202610/internal/metrics"
	"listing_sync_v1_202610/internal/model"
	"listing_sync_v1_202610/internal/repository"
	"listing_sync_v1_202610/internal/service"
)

// ==================== 依赖接口 ====================

type TokenSource interface {
	GetAccessToken(ctx context.Context, account string) (string, string, error)
}

type Enumerator interface {
	Enumerate(ctx context.Context, account string) (*service.Enumeration, error)
}

type Fetcher interface {
	FetchMany(ctx context.Context, account string, ids []string, handle service.SnapshotHandler) (service.FetchStats, error)
}

type SnapshotSaver interface {
	Save(ctx context.Context, snap *model.ListingSnapshot) error
}

// ListingSyncDeps 编排器依赖
type ListingSyncDeps struct {
	Tokens  TokenSource
	Lister  Enumerator
	Fetcher Fetcher
	Writer  SnapshotSaver
	Runs    repository.SyncRunRepository
	Logger  *zap.Logger
}

// ListingSyncConfig 编排器配置
type ListingSyncConfig struct {
	Accounts           []string // 已配置的账户
	AccountConcurrency int
	Schedule           string // cron 表达式 (秒级)，为空不调度
}

// ==================== 执行报告 ====================

// AccountReport 单个账户的同步结果
type AccountReport struct {
	Account     string     `json:"account"`
	State       string     `json:"state"`
	Strategy    string     `json:"strategy,omitempty"`
	Listed      int        `json:"listed"`
	Fetched     int        `json:"fetched"`
	Saved       int        `json:"saved"`
	Failed      int        `json:"failed"`
	Skipped     int        `json:"skipped"`
	Warnings    []string   `json:"warnings,omitempty"`
	Error       string     `json:"error,omitempty"`
	Interrupted bool       `json:"interrupted"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`

	Err error `json:"-"`
}

// Terminal 是否已结束
func (r *AccountReport) Terminal() bool {
	return r.State == model.SyncStateDone || r.State == model.SyncStateFailed
}

// RunReport 一次同步的结果
type RunReport struct {
	RunID      string                    `json:"run_id"`
	StartedAt  time.Time                 `json:"started_at"`
	FinishedAt time.Time                 `json:"finished_at"`
	Accounts   map[string]*AccountReport `json:"accounts"`
	// Aborted 运行被取消，有账户没有正常结束
	Aborted bool `json:"aborted"`
}

// Totals 汇总保存和失败数
func (r *RunReport) Totals() (saved, failed int) {
	for _, a := range r.Accounts {
		saved += a.Saved
		failed += a.Failed
	}
	return saved, failed
}

// TaskError 任务错误
type TaskError string

func (e TaskError) Error() string { return string(e) }

const (
	ErrRunInProgress TaskError = "sync run already in progress"
	ErrUnknownAcct   TaskError = "account is not configured"
)

// ==================== ListingSyncTask ====================

// ListingSyncTask 商品同步编排
// 账户之间有界并发，单个账户失败不影响其他账户
type ListingSyncTask struct {
	deps   ListingSyncDeps
	cfg    ListingSyncConfig
	known  map[string]struct{}
	logger *zap.Logger
	cron   *cron.Cron

	baseCtx context.Context
	cancel  context.CancelFunc
	bg      sync.WaitGroup

	mu      sync.RWMutex
	running bool
	states  map[string]*AccountReport
	last    *RunReport
}

func NewListingSyncTask(deps ListingSyncDeps, cfg ListingSyncConfig) *ListingSyncTask {
	if cfg.AccountConcurrency < 1 {
		cfg.AccountConcurrency = 1
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	known := make(map[string]struct{}, len(cfg.Accounts))
	states := make(map[string]*AccountReport, len(cfg.Accounts))
	for _, a := range cfg.Accounts {
		known[a] = struct{}{}
		states[a] = &AccountReport{Account: a, State: model.SyncStateIdle}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &ListingSyncTask{
		deps:    deps,
		cfg:     cfg,
		known:   known,
		logger:  deps.Logger.Named("listing_task"),
		cron:    cron.New(cron.WithSeconds()),
		baseCtx: ctx,
		cancel:  cancel,
		states:  states,
	}
}

// Run 同步执行一次；accounts 为空表示全部账户
func (t *ListingSyncTask) Run(ctx context.Context, accounts []string) (*RunReport, error) {
	if !t.acquire() {
		return nil, ErrRunInProgress
	}
	defer t.release()
	return t.run(ctx, accounts), nil
}

// Trigger 后台执行一次，已有运行时返回 ErrRunInProgress
func (t *ListingSyncTask) Trigger(accounts []string) error {
	if !t.acquire() {
		return ErrRunInProgress
	}
	t.bg.Add(1)
	go func() {
		defer t.bg.Done()
		defer t.release()
		t.run(t.baseCtx, accounts)
	}()
	return nil
}

// Start 注册定时全量同步
func (t *ListingSyncTask) Start() error {
	if t.cfg.Schedule == "" {
		t.logger.Info("未配置同步计划，仅支持手动触发")
		return nil
	}
	_, err := t.cron.AddFunc(t.cfg.Schedule, func() {
		if err := t.Trigger(nil); err != nil {
			t.logger.Warn("上一次同步尚未结束，跳过本次调度")
		}
	})
	if err != nil {
		return fmt.Errorf("无法注册同步定时任务: %w", err)
	}
	t.cron.Start()
	t.logger.Info("商品同步定时任务已启动", zap.String("schedule", t.cfg.Schedule))
	return nil
}

// Stop 停止调度并等待后台运行结束 (在途商品会写完)
func (t *ListingSyncTask) Stop() {
	<-t.cron.Stop().Done()
	t.cancel()
	t.bg.Wait()
}

// Running 是否有同步在执行
func (t *ListingSyncTask) Running() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.running
}

// Status 各账户最近状态
func (t *ListingSyncTask) Status() map[string]AccountReport {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]AccountReport, len(t.states))
	for k, v := range t.states {
		out[k] = *v
	}
	return out
}

// LastReport 最近一次完成的同步
func (t *ListingSyncTask) LastReport() *RunReport {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.last
}

// IsKnown 账户是否已配置
func (t *ListingSyncTask) IsKnown(account string) bool {
	_, ok := t.known[account]
	return ok
}

// ==================== 内部方法 ====================

func (t *ListingSyncTask) run(ctx context.Context, accounts []string) *RunReport {
	if len(accounts) == 0 {
		accounts = t.cfg.Accounts
	}
	report := &RunReport{
		RunID:     uuid.NewString(),
		StartedAt: time.Now(),
		Accounts:  make(map[string]*AccountReport, len(accounts)),
	}
	t.logger.Info("开始同步", zap.String("run_id", report.RunID), zap.Strings("accounts", accounts))

	var g errgroup.Group
	g.SetLimit(t.cfg.AccountConcurrency)
	for _, account := range accounts {
		if _, dup := report.Accounts[account]; dup {
			continue
		}
		rep := &AccountReport{Account: account, State: model.SyncStateIdle}
		report.Accounts[account] = rep
		t.publish(rep)

		if ctx.Err() != nil {
			continue
		}
		g.Go(func() error {
			t.syncAccount(ctx, report.RunID, rep)
			return nil
		})
	}
	_ = g.Wait()

	report.FinishedAt = time.Now()
	for _, rep := range report.Accounts {
		if !rep.Terminal() || rep.Interrupted {
			report.Aborted = true
		}
	}

	saved, failed := report.Totals()
	t.logger.Info("同步结束",
		zap.String("run_id", report.RunID),
		zap.Int("saved", saved),
		zap.Int("failed", failed),
		zap.Bool("aborted", report.Aborted),
		zap.Duration("elapsed", report.FinishedAt.Sub(report.StartedAt)),
	)

	t.mu.Lock()
	t.last = report
	t.mu.Unlock()
	return report
}

// syncAccount 单个账户: LISTING -> FETCHING -> DONE | FAILED
func (t *ListingSyncTask) syncAccount(ctx context.Context, runID string, rep *AccountReport) {
	log := t.logger.With(zap.String("run_id", runID), zap.String("account", rep.Account))
	start := time.Now()
	t.update(rep, func(r *AccountReport) { r.StartedAt = &start })

	run := &model.SyncRun{RunID: runID, Account: rep.Account, State: model.SyncStateListing, StartedAt: start.UTC()}
	if t.deps.Runs != nil {
		if err := t.deps.Runs.Create(context.WithoutCancel(ctx), run); err != nil {
			log.Warn("写入同步记录失败", zap.Error(err))
		}
	}

	defer func() {
		if r := recover(); r != nil {
			log.Error("账户同步 panic", zap.Any("panic", r), zap.Stack("stack"))
			t.fail(ctx, rep, fmt.Errorf("panic: %v", r))
		}
		t.finish(ctx, rep, run, start, log)
	}()

	if !t.IsKnown(rep.Account) {
		t.fail(ctx, rep, fmt.Errorf("%s: %w", rep.Account, ErrUnknownAcct))
		return
	}

	// 令牌刷新期间切到 TOKEN_REFRESH，结束后回到原阶段
	var phase string
	var phaseMu sync.Mutex
	setPhase := func(p string) {
		phaseMu.Lock()
		phase = p
		phaseMu.Unlock()
		t.update(rep, func(r *AccountReport) { r.State = p })
	}
	ctx = service.WithRefreshNotifier(ctx, func(refreshing bool) {
		if refreshing {
			t.update(rep, func(r *AccountReport) { r.State = model.SyncStateTokenRefresh })
			return
		}
		phaseMu.Lock()
		p := phase
		phaseMu.Unlock()
		t.update(rep, func(r *AccountReport) { r.State = p })
	})

	setPhase(model.SyncStateListing)
	if _, _, err := t.deps.Tokens.GetAccessToken(ctx, rep.Account); err != nil {
		t.fail(ctx, rep, err)
		return
	}

	enum, err := t.deps.Lister.Enumerate(ctx, rep.Account)
	if err != nil {
		t.fail(ctx, rep, err)
		return
	}
	t.update(rep, func(r *AccountReport) {
		r.Listed = len(enum.IDs)
		r.Strategy = enum.Strategy
		r.Warnings = enum.Warnings
	})
	log.Info("商品枚举完成", zap.Int("listed", len(enum.IDs)), zap.String("strategy", enum.Strategy))

	setPhase(model.SyncStateFetching)
	stats, err := t.deps.Fetcher.FetchMany(ctx, rep.Account, enum.IDs, func(c context.Context, snap *model.ListingSnapshot) error {
		return t.deps.Writer.Save(c, snap)
	})
	t.update(rep, func(r *AccountReport) {
		r.Fetched = stats.Fetched
		r.Saved = stats.Saved
		r.Failed = stats.Failed
		r.Skipped = stats.Skipped
	})
	if err != nil {
		t.fail(ctx, rep, err)
		return
	}
	t.update(rep, func(r *AccountReport) { r.State = model.SyncStateDone })
}

// fail 只有运行 ctx 本身结束才算中断，请求超时属于账户级失败
func (t *ListingSyncTask) fail(ctx context.Context, rep *AccountReport, err error) {
	interrupted := ctx.Err() != nil
	t.update(rep, func(r *AccountReport) {
		r.State = model.SyncStateFailed
		r.Err = err
		r.Error = err.Error()
		r.Interrupted = interrupted
	})
}

func (t *ListingSyncTask) finish(ctx context.Context, rep *AccountReport, run *model.SyncRun, start time.Time, log *zap.Logger) {
	end := time.Now()
	var snapshot AccountReport
	t.update(rep, func(r *AccountReport) {
		r.FinishedAt = &end
		snapshot = *r
	})

	metrics.ObserveAccount(rep.Account, snapshot.State, end.Sub(start), snapshot.Listed, snapshot.Saved, snapshot.Failed)

	if snapshot.State == model.SyncStateFailed {
		log.Error("账户同步失败",
			zap.Int("saved", snapshot.Saved),
			zap.Int("failed", snapshot.Failed),
			zap.Bool("interrupted", snapshot.Interrupted),
			zap.Error(snapshot.Err),
		)
	} else {
		log.Info("账户同步完成",
			zap.Int("listed", snapshot.Listed),
			zap.Int("saved", snapshot.Saved),
			zap.Int("failed", snapshot.Failed),
			zap.Duration("elapsed", end.Sub(start)),
		)
	}

	if t.deps.Runs == nil || run.ID == 0 {
		return
	}
	run.State = snapshot.State
	run.Listed = snapshot.Listed
	run.Fetched = snapshot.Fetched
	run.Saved = snapshot.Saved
	run.Failed = snapshot.Failed
	run.Error = snapshot.Error
	run.Warnings = snapshot.Warnings
	finished := end.UTC()
	run.FinishedAt = &finished

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := t.deps.Runs.Update(writeCtx, run); err != nil {
		log.Warn("更新同步记录失败", zap.Error(err))
	}
}

// update 在锁内修改账户报告，并同步到状态表
func (t *ListingSyncTask) update(rep *AccountReport, fn func(r *AccountReport)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fn(rep)
	t.states[rep.Account] = rep
}

func (t *ListingSyncTask) publish(rep *AccountReport) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.states[rep.Account] = rep
}

func (t *ListingSyncTask) acquire() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return false
	}
	t.running = true
	return true
}

func (t *ListingSyncTask) release() {
	t.mu.Lock()
	t.running = false
	t.mu.Unlock()
}
