package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 同步引擎的全部配置
// 在 main 中构造一次，显式传入各组件
type Config struct {
	App         AppConfig
	Log         LogConfig
	Database    DatabaseConfig
	Marketplace MarketplaceConfig
	Sync        SyncConfig
	Server      ServerConfig
	Accounts    []AccountConfig
}

// AppConfig 应用信息
type AppConfig struct {
	Name string
	Env  string
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string // debug, info, warn, error
	Format string // json, console
	Output string // stdout, stderr 或文件路径
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Driver          string // sqlite, postgres
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	SlowThreshold   time.Duration
}

// MarketplaceConfig 平台 API 配置
type MarketplaceConfig struct {
	BaseURL           string
	Channel           string
	PageSize          int
	PageInterval      time.Duration // 翻页间隔，防止触发 QPS 限制
	MaxPages          int           // 单账户翻页上限
	StatusFilter      string        // 为空表示不过滤
	HTTPTimeout       time.Duration
	RetryMax          int // 单次逻辑调用的最大尝试次数 (含首次)
	RetryWaitMin      time.Duration
	RetryWaitMax      time.Duration
	RequestsPerSecond float64 // 0 表示不限速
	DefaultTokenTTL   time.Duration
}

// SyncConfig 同步调度配置
type SyncConfig struct {
	AccountConcurrency int
	ItemConcurrency    int
	RefreshMargin      time.Duration
	Schedule           string // cron 表达式 (秒级)，为空则不启用定时同步
	TokenSchedule      string // token 保活 cron 表达式
	TriggerCooldown    time.Duration
	HistoryRetention   time.Duration // 价格历史保留时长，0 表示永久保留
	RetentionSchedule  string
}

// ServerConfig 触发 API 配置
type ServerConfig struct {
	Addr string
	// JWTSecret 非空时触发接口需要 Bearer 令牌
	JWTSecret string
	TokenTTL  time.Duration
}

// AccountConfig 单个卖家账户的初始凭证
type AccountConfig struct {
	Name         string `mapstructure:"name"`
	Channel      string `mapstructure:"channel"`
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`
	SellerID     string `mapstructure:"seller_id"`
	AccessToken  string `mapstructure:"access_token"`
	RefreshToken string `mapstructure:"refresh_token"`
}

// Load 加载配置
// 优先级 (高 -> 低):
// 1. LSYNC_ 前缀环境变量 (如 LSYNC_SYNC_ITEM_CONCURRENCY)
// 2. 配置文件 (path 为空时在当前目录查找 lsync.*)
// 3. 内置默认值
func Load(path string) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("lsync")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) || path != "" {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
	}

	v.SetEnvPrefix("LSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{
		App: AppConfig{
			Name: v.GetString("app.name"),
			Env:  v.GetString("app.env"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
			Output: v.GetString("log.output"),
		},
		Database: DatabaseConfig{
			Driver:          v.GetString("database.driver"),
			DSN:             v.GetString("database.dsn"),
			MaxOpenConns:    v.GetInt("database.max_open_conns"),
			MaxIdleConns:    v.GetInt("database.max_idle_conns"),
			ConnMaxLifetime: v.GetDuration("database.conn_max_lifetime"),
			SlowThreshold:   v.GetDuration("database.slow_threshold"),
		},
		Marketplace: MarketplaceConfig{
			BaseURL:           v.GetString("marketplace.base_url"),
			Channel:           v.GetString("marketplace.channel"),
			PageSize:          v.GetInt("marketplace.page_size"),
			PageInterval:      v.GetDuration("marketplace.page_interval"),
			MaxPages:          v.GetInt("marketplace.max_pages"),
			StatusFilter:      v.GetString("marketplace.status_filter"),
			HTTPTimeout:       v.GetDuration("marketplace.http_timeout"),
			RetryMax:          v.GetInt("marketplace.retry_max"),
			RetryWaitMin:      v.GetDuration("marketplace.retry_wait_min"),
			RetryWaitMax:      v.GetDuration("marketplace.retry_wait_max"),
			RequestsPerSecond: v.GetFloat64("marketplace.requests_per_second"),
			DefaultTokenTTL:   v.GetDuration("marketplace.default_token_ttl"),
		},
		Sync: SyncConfig{
			AccountConcurrency: v.GetInt("sync.account_concurrency"),
			ItemConcurrency:    v.GetInt("sync.item_concurrency"),
			RefreshMargin:      v.GetDuration("sync.refresh_margin"),
			Schedule:           v.GetString("sync.schedule"),
			TokenSchedule:      v.GetString("sync.token_schedule"),
			TriggerCooldown:    v.GetDuration("sync.trigger_cooldown"),
			HistoryRetention:   v.GetDuration("sync.history_retention"),
			RetentionSchedule:  v.GetString("sync.retention_schedule"),
		},
		Server: ServerConfig{
			Addr:      v.GetString("server.addr"),
			JWTSecret: v.GetString("server.jwt_secret"),
			TokenTTL:  v.GetDuration("server.token_ttl"),
		},
	}

	if err := v.UnmarshalKey("accounts", &cfg.Accounts); err != nil {
		return nil, fmt.Errorf("解析 accounts 配置失败: %w", err)
	}
	cfg.Accounts = mergeAccounts(cfg.Accounts, loadAccountsFromEnv(v))

	applyDefaults(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadAccountsFromEnv 兼容旧版 .env 写法
// LSYNC_ACCOUNT_NAMES=TOYS,PESCA 配合 CLIENT_ID_TOYS / CLIENT_SECRET_TOYS / SELLER_ID_TOYS ...
func loadAccountsFromEnv(v *viper.Viper) []AccountConfig {
	_ = v.BindEnv("account_names", "LSYNC_ACCOUNT_NAMES")
	raw := v.GetString("account_names")
	if raw == "" {
		return nil
	}

	var accounts []AccountConfig
	for _, name := range strings.Split(raw, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		upper := strings.ToUpper(name)
		get := func(base string) string {
			key := "env_accounts." + strings.ToLower(name) + "." + strings.ToLower(base)
			_ = v.BindEnv(key, base+"_"+upper)
			return cleanToken(v.GetString(key))
		}
		accounts = append(accounts, AccountConfig{
			Name:         name,
			ClientID:     get("CLIENT_ID"),
			ClientSecret: get("CLIENT_SECRET"),
			SellerID:     get("SELLER_ID"),
			AccessToken:  get("ACCESS_TOKEN"),
			RefreshToken: get("REFRESH_TOKEN"),
		})
	}
	return accounts
}

// mergeAccounts 文件中的账户优先，环境变量只补充缺失的账户
func mergeAccounts(fromFile, fromEnv []AccountConfig) []AccountConfig {
	seen := make(map[string]struct{}, len(fromFile))
	for _, a := range fromFile {
		seen[a.Name] = struct{}{}
	}
	for _, a := range fromEnv {
		if _, ok := seen[a.Name]; ok {
			continue
		}
		fromFile = append(fromFile, a)
	}
	return fromFile
}

func cleanToken(s string) string {
	return strings.Trim(s, "'\" \t")
}

// applyDefaults 为空字段填充默认值
func applyDefaults(cfg *Config) {
	if cfg.App.Name == "" {
		cfg.App.Name = "listing-sync"
	}
	if cfg.App.Env == "" {
		cfg.App.Env = "development"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "console"
	}
	if cfg.Log.Output == "" {
		cfg.Log.Output = "stdout"
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite"
	}
	if cfg.Database.DSN == "" && cfg.Database.Driver == "sqlite" {
		cfg.Database.DSN = "listing_sync.db"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = time.Hour
	}
	if cfg.Database.SlowThreshold == 0 {
		cfg.Database.SlowThreshold = 200 * time.Millisecond
	}
	if cfg.Marketplace.BaseURL == "" {
		cfg.Marketplace.BaseURL = "https://api.mercadolibre.com"
	}
	if cfg.Marketplace.Channel == "" {
		cfg.Marketplace.Channel = "ML"
	}
	if cfg.Marketplace.PageSize == 0 {
		cfg.Marketplace.PageSize = 50
	}
	if cfg.Marketplace.PageInterval == 0 {
		cfg.Marketplace.PageInterval = 120 * time.Millisecond
	}
	if cfg.Marketplace.MaxPages == 0 {
		cfg.Marketplace.MaxPages = 10000
	}
	if cfg.Marketplace.HTTPTimeout == 0 {
		cfg.Marketplace.HTTPTimeout = 30 * time.Second
	}
	if cfg.Marketplace.RetryMax == 0 {
		cfg.Marketplace.RetryMax = 5
	}
	if cfg.Marketplace.RetryWaitMin == 0 {
		cfg.Marketplace.RetryWaitMin = 500 * time.Millisecond
	}
	if cfg.Marketplace.RetryWaitMax == 0 {
		cfg.Marketplace.RetryWaitMax = 8 * time.Second
	}
	if cfg.Marketplace.DefaultTokenTTL == 0 {
		cfg.Marketplace.DefaultTokenTTL = 21600 * time.Second
	}
	if cfg.Sync.AccountConcurrency == 0 {
		cfg.Sync.AccountConcurrency = 4
	}
	if cfg.Sync.ItemConcurrency == 0 {
		cfg.Sync.ItemConcurrency = 20
	}
	if cfg.Sync.RefreshMargin == 0 {
		cfg.Sync.RefreshMargin = 300 * time.Second
	}
	if cfg.Sync.TokenSchedule == "" {
		cfg.Sync.TokenSchedule = "0 0/40 * * * *"
	}
	if cfg.Sync.TriggerCooldown == 0 {
		cfg.Sync.TriggerCooldown = 5 * time.Minute
	}
	if cfg.Sync.RetentionSchedule == "" {
		cfg.Sync.RetentionSchedule = "0 30 3 * * *"
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Server.TokenTTL == 0 {
		cfg.Server.TokenTTL = 24 * time.Hour
	}
	for i := range cfg.Accounts {
		if cfg.Accounts[i].Channel == "" {
			cfg.Accounts[i].Channel = cfg.Marketplace.Channel
		}
	}
}

// validate 校验配置
func (c *Config) validate() error {
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("不支持的数据库驱动: %s", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return errors.New("database.dsn 不能为空")
	}
	if c.Marketplace.PageSize < 1 {
		return fmt.Errorf("marketplace.page_size 必须大于 0, 当前: %d", c.Marketplace.PageSize)
	}
	if c.Marketplace.RetryMax < 1 {
		return fmt.Errorf("marketplace.retry_max 必须大于 0, 当前: %d", c.Marketplace.RetryMax)
	}
	if c.Sync.AccountConcurrency < 1 || c.Sync.ItemConcurrency < 1 {
		return errors.New("sync 并发上限必须大于 0")
	}
	if c.Sync.HistoryRetention < 0 {
		return fmt.Errorf("sync.history_retention 不能为负数: %s", c.Sync.HistoryRetention)
	}

	names := make(map[string]struct{}, len(c.Accounts))
	for _, a := range c.Accounts {
		if a.Name == "" {
			return errors.New("账户名称不能为空")
		}
		if _, dup := names[a.Name]; dup {
			return fmt.Errorf("账户名称重复: %s", a.Name)
		}
		names[a.Name] = struct{}{}
	}
	return nil
}

// Complete 账户凭证是否完整 (refresh 流程所需字段齐全)
func (a AccountConfig) Complete() bool {
	return a.ClientID != "" && a.ClientSecret != "" && a.SellerID != "" && a.RefreshToken != ""
}

// AccountNames 返回所有账户名称
func (c *Config) AccountNames() []string {
	names := make([]string, 0, len(c.Accounts))
	for _, a := range c.Accounts {
		names = append(names, a.Name)
	}
	return names
}
