package config

import (
	"fmt"
	"os"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
)

// 配置结构体（与各阶段一一对应，保留必要字段，便于后续扩展）
type Config struct {
	App struct {
		Env      string `toml:"env"`
		LogLevel string `toml:"log_level"`
		LogFile  string `toml:"log_file"`
	} `toml:"app"`

	Telegram struct {
		BotToken       string            `toml:"bot_token"`
		APIURL         string            `toml:"api_url"` // 默认 https://api.telegram.org
		SourceChannels map[string]string `toml:"source_channels"` // 名称 -> chat_id
		PersonalChatID string            `toml:"personal_chat_id"`
		PollTimeoutSec int               `toml:"poll_timeout_seconds"`
	} `toml:"telegram"`

	Exchange struct {
		Name           string `toml:"name"` // bingx
		APIKey         string `toml:"api_key"`
		SecretKey      string `toml:"secret_key"`
		BaseURL        string `toml:"base_url"`
		Testnet        bool   `toml:"testnet"`
		TimeoutSeconds int    `toml:"timeout_seconds"`
		MaxRetries     int    `toml:"max_retries"` // 单次请求最多重试次数（指数退避）
	} `toml:"exchange"`

	Trading struct {
		BalanceBaseline   string `toml:"balance_baseline"`    // USDT，取不到余额时的兜底
		RiskPerTrade      string `toml:"risk_per_trade"`      // 默认 0.02
		InitialMarginPlan string `toml:"initial_margin_plan"` // 默认 20.00 USDT
		MinLeverage       string `toml:"min_leverage"`        // 默认 6.00
		MaxLeverage       string `toml:"max_leverage"`        // 默认 50.00
		MaxActiveTrades   int    `toml:"max_active_trades"`
		ExtractOnly       bool   `toml:"extract_only"`
		DryRun            bool   `toml:"dry_run"`
	} `toml:"trading"`

	Dedup struct {
		TTLHours int `toml:"ttl_hours"` // 默认 2
	} `toml:"dedup"`

	Entry struct {
		Workers             int    `toml:"workers"`
		PollIntervalSeconds int    `toml:"poll_interval_seconds"`
		SpreadPct           string `toml:"spread_pct"` // 半价差，占 entry 比例，默认 0.001
		MaxPriceShifts      int    `toml:"max_price_shifts"`
		ClaimLeaseSeconds   int    `toml:"claim_lease_seconds"`
	} `toml:"entry"`

	Lifecycle struct {
		PollIntervalSeconds  int    `toml:"poll_interval_seconds"`
		IdleIntervalSeconds  int    `toml:"idle_interval_seconds"`
		BreakEvenEpsilonPct  string `toml:"break_even_epsilon_pct"` // 默认 0.000015
		TrailTriggerPct      string `toml:"trail_trigger_pct"`      // 默认 0.061
		TrailDistancePct     string `toml:"trail_distance_pct"`     // 默认 0.025
		TrailMinUpdateSec    int    `toml:"trail_min_update_seconds"`
	} `toml:"lifecycle"`

	Pyramid struct {
		Enabled             bool           `toml:"enabled"`
		PollIntervalSeconds int            `toml:"poll_interval_seconds"`
		MaxMultiplier       string         `toml:"max_multiplier"` // 默认 2.0
		Scales              []PyramidScale `toml:"scales"`
	} `toml:"pyramid"`

	Hedge struct {
		Enabled             bool   `toml:"enabled"`
		PollIntervalSeconds int    `toml:"poll_interval_seconds"`
		AdverseMovePct      string `toml:"adverse_move_pct"` // 默认 0.02
		MaxReentryAttempts  int    `toml:"max_reentry_attempts"`
	} `toml:"hedge"`

	Watchdog struct {
		PollIntervalSeconds int `toml:"poll_interval_seconds"`
	} `toml:"watchdog"`

	Maintenance struct {
		IntervalSeconds   int `toml:"interval_seconds"`
		TimeoutShortHours int `toml:"timeout_short_hours"` // 默认 24
		TimeoutLongDays   int `toml:"timeout_long_days"`   // 默认 6
	} `toml:"maintenance"`

	Storage struct {
		DBPath        string `toml:"db_path"`
		TelemetryPath string `toml:"telemetry_path"`
	} `toml:"storage"`

	Web struct {
		Enabled bool   `toml:"enabled"`
		Listen  string `toml:"listen"`
	} `toml:"web"`

	Report struct {
		Enabled       bool   `toml:"enabled"`
		IntervalHours int    `toml:"interval_hours"`
		SnapshotPNG   bool   `toml:"snapshot_png"`
		SnapshotDir   string `toml:"snapshot_dir"`
	} `toml:"report"`
}

// PyramidScale 单级加仓阶梯：达到 threshold_pct 盈利后按 add_fraction 追加。
type PyramidScale struct {
	ThresholdPct string `toml:"threshold_pct"`
	AddFraction  string `toml:"add_fraction"`
}

// Load 读取并解析 TOML 配置文件，并设置缺省值与基本校验
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.App.LogLevel == "" {
		c.App.LogLevel = "info"
	}
	if c.Telegram.APIURL == "" {
		c.Telegram.APIURL = "https://api.telegram.org"
	}
	if c.Telegram.PollTimeoutSec <= 0 {
		c.Telegram.PollTimeoutSec = 30
	}
	if c.Exchange.Name == "" {
		c.Exchange.Name = "bingx"
	}
	if c.Exchange.BaseURL == "" {
		if c.Exchange.Testnet {
			c.Exchange.BaseURL = "https://open-api-vst.bingx.com"
		} else {
			c.Exchange.BaseURL = "https://open-api.bingx.com"
		}
	}
	if c.Exchange.TimeoutSeconds <= 0 {
		c.Exchange.TimeoutSeconds = 5
	}
	if c.Exchange.MaxRetries <= 0 {
		c.Exchange.MaxRetries = 5
	}
	if c.Trading.BalanceBaseline == "" {
		c.Trading.BalanceBaseline = "402.10"
	}
	if c.Trading.RiskPerTrade == "" {
		c.Trading.RiskPerTrade = "0.02"
	}
	if c.Trading.InitialMarginPlan == "" {
		c.Trading.InitialMarginPlan = "20.00"
	}
	if c.Trading.MinLeverage == "" {
		c.Trading.MinLeverage = "6.00"
	}
	if c.Trading.MaxLeverage == "" {
		c.Trading.MaxLeverage = "50.00"
	}
	if c.Trading.MaxActiveTrades <= 0 {
		c.Trading.MaxActiveTrades = 100
	}
	if c.Dedup.TTLHours <= 0 {
		c.Dedup.TTLHours = 2
	}
	if c.Entry.Workers <= 0 {
		c.Entry.Workers = 2
	}
	if c.Entry.PollIntervalSeconds <= 0 {
		c.Entry.PollIntervalSeconds = 3
	}
	if c.Entry.SpreadPct == "" {
		c.Entry.SpreadPct = "0.001"
	}
	if c.Entry.MaxPriceShifts <= 0 {
		c.Entry.MaxPriceShifts = 50
	}
	if c.Entry.ClaimLeaseSeconds <= 0 {
		c.Entry.ClaimLeaseSeconds = 600
	}
	if c.Lifecycle.PollIntervalSeconds <= 0 {
		c.Lifecycle.PollIntervalSeconds = 3
	}
	if c.Lifecycle.IdleIntervalSeconds <= 0 {
		c.Lifecycle.IdleIntervalSeconds = 15
	}
	if c.Lifecycle.BreakEvenEpsilonPct == "" {
		c.Lifecycle.BreakEvenEpsilonPct = "0.000015"
	}
	if c.Lifecycle.TrailTriggerPct == "" {
		c.Lifecycle.TrailTriggerPct = "0.061"
	}
	if c.Lifecycle.TrailDistancePct == "" {
		c.Lifecycle.TrailDistancePct = "0.025"
	}
	if c.Lifecycle.TrailMinUpdateSec <= 0 {
		c.Lifecycle.TrailMinUpdateSec = 10
	}
	if c.Pyramid.PollIntervalSeconds <= 0 {
		c.Pyramid.PollIntervalSeconds = 30
	}
	if c.Pyramid.MaxMultiplier == "" {
		c.Pyramid.MaxMultiplier = "2.0"
	}
	if len(c.Pyramid.Scales) == 0 {
		c.Pyramid.Scales = []PyramidScale{
			{ThresholdPct: "3.0", AddFraction: "0.50"},
			{ThresholdPct: "6.0", AddFraction: "0.25"},
		}
	}
	if c.Hedge.PollIntervalSeconds <= 0 {
		c.Hedge.PollIntervalSeconds = 30
	}
	if c.Hedge.AdverseMovePct == "" {
		c.Hedge.AdverseMovePct = "0.02"
	}
	if c.Hedge.MaxReentryAttempts <= 0 {
		c.Hedge.MaxReentryAttempts = 3
	}
	if c.Watchdog.PollIntervalSeconds <= 0 {
		c.Watchdog.PollIntervalSeconds = 10
	}
	if c.Maintenance.IntervalSeconds <= 0 {
		c.Maintenance.IntervalSeconds = 3600
	}
	if c.Maintenance.TimeoutShortHours <= 0 {
		c.Maintenance.TimeoutShortHours = 24
	}
	if c.Maintenance.TimeoutLongDays <= 0 {
		c.Maintenance.TimeoutLongDays = 6
	}
	if c.Storage.DBPath == "" {
		c.Storage.DBPath = "data/sigflow.db"
	}
	if c.Storage.TelemetryPath == "" {
		c.Storage.TelemetryPath = "logs/telemetry.jsonl"
	}
	if c.Web.Listen == "" {
		c.Web.Listen = ":8390"
	}
	if c.Report.IntervalHours <= 0 {
		c.Report.IntervalHours = 24
	}
	if c.Report.SnapshotDir == "" {
		c.Report.SnapshotDir = "logs/reports"
	}
}

func (c *Config) validate() error {
	if strings.TrimSpace(c.Telegram.BotToken) == "" {
		return fmt.Errorf("telegram.bot_token 不能为空")
	}
	if len(c.Telegram.SourceChannels) == 0 {
		return fmt.Errorf("telegram.source_channels 至少配置一个频道")
	}
	if !c.Trading.DryRun {
		if strings.TrimSpace(c.Exchange.APIKey) == "" || strings.TrimSpace(c.Exchange.SecretKey) == "" {
			return fmt.Errorf("exchange.api_key/secret_key 不能为空（或改用 dry_run）")
		}
	}
	if strings.ToLower(c.Exchange.Name) != "bingx" {
		return fmt.Errorf("暂不支持交易所: %s", c.Exchange.Name)
	}
	return nil
}
