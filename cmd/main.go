package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"listing_sync_v1_202610/internal/app"
	"listing_sync_v1_202610/internal/config"
	"listing_sync_v1_202610/internal/middleware"
	"listing_sync_v1_202610/internal/task"
	"listing_sync_v1_202610/pkg/logger"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newApp().RunContext(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "lsync",
		Usage: "marketplace listing synchronization",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "配置文件路径 (默认查找 ./lsync.yaml)",
				EnvVars: []string{"LSYNC_CONFIG"},
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "sync",
				Usage: "同步一次后退出",
				Flags: []cli.Flag{
					&cli.StringSliceFlag{Name: "account", Aliases: []string{"a"}, Usage: "只同步指定账户，可重复"},
				},
				Action: runSync,
			},
			{
				Name:   "serve",
				Usage:  "定时同步、令牌保活、历史清理和触发 API",
				Action: runServe,
			},
			{
				Name:   "accounts",
				Usage:  "列出账户及令牌状态",
				Action: runAccounts,
			},
			{
				Name:  "token",
				Usage: "签发触发 API 的运维令牌",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "operator", Value: "ops", Usage: "令牌持有人"},
				},
				Action: runToken,
			},
		},
	}
}

// ==================== 初始化 ====================

// bootstrap 加载配置、日志并组装依赖
func bootstrap(c *cli.Context) (*app.Dependencies, *zap.Logger, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, nil, err
	}
	log := logger.New(cfg.Log)

	deps, err := app.Build(c.Context, cfg, log)
	if err != nil {
		_ = log.Sync()
		return nil, nil, fmt.Errorf("初始化失败: %w", err)
	}
	return deps, log, nil
}

// ==================== 命令实现 ====================

func runSync(c *cli.Context) error {
	deps, log, err := bootstrap(c)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()
	defer deps.Close()

	report, err := deps.Tasks.Listing.Run(c.Context, c.StringSlice("account"))
	if err != nil {
		return err
	}
	printReport(c.App.Writer, report)

	// 账户级失败只体现在报告里，被信号中断才返回非零
	if report.Aborted {
		return cli.Exit("同步被中断", 130)
	}
	return nil
}

func runServe(c *cli.Context) error {
	deps, log, err := bootstrap(c)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()
	defer deps.Close()

	if err := deps.Tasks.Manager.Start(); err != nil {
		return err
	}

	return startServer(c.Context, deps.Config.Server.Addr, deps.Router(), log)
}

func runAccounts(c *cli.Context) error {
	deps, log, err := bootstrap(c)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()
	defer deps.Close()

	stored, err := deps.Services.Tokens.Accounts(c.Context)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(c.App.Writer, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ACCOUNT\tCHANNEL\tSELLER\tSTATUS\tEXPIRES_AT\tLAST_ERROR")
	for _, t := range stored {
		expires := "-"
		if t.ExpiresAt != nil {
			expires = t.ExpiresAt.Local().Format(time.DateTime)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", t.Account, t.Channel, t.SellerID, t.Status, expires, t.LastError)
	}
	return w.Flush()
}

func runToken(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}
	token, err := middleware.GenerateOperatorToken(cfg.Server.JWTSecret, c.String("operator"), cfg.Server.TokenTTL)
	if err != nil {
		return err
	}
	fmt.Fprintln(c.App.Writer, token)
	return nil
}

// ==================== 服务启动 ====================

// startServer 启动服务，ctx 取消后优雅关闭
func startServer(ctx context.Context, addr string, handler http.Handler, log *zap.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("服务启动", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("服务启动失败: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("正在关闭服务...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("服务强制关闭: %w", err)
	}
	log.Info("服务已退出")
	return nil
}

// ==================== 工具函数 ====================

func printReport(out io.Writer, report *task.RunReport) {
	names := make([]string, 0, len(report.Accounts))
	for name := range report.Accounts {
		names = append(names, name)
	}
	sort.Strings(names)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "run %s  %s\n", report.RunID, report.FinishedAt.Sub(report.StartedAt).Round(time.Millisecond))
	fmt.Fprintln(w, "ACCOUNT\tSTATE\tSTRATEGY\tLISTED\tSAVED\tFAILED\tERROR")
	for _, name := range names {
		a := report.Accounts[name]
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%s\n", a.Account, a.State, a.Strategy, a.Listed, a.Saved, a.Failed, a.Error)
	}
	saved, failed := report.Totals()
	fmt.Fprintf(w, "total\t\t\t\t%d\t%d\t\n", saved, failed)
	_ = w.Flush()
}
