package app

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"sigflow/internal/config"
	"sigflow/internal/engine"
	"sigflow/internal/gateway/bingx"
	"sigflow/internal/ingest"
	"sigflow/internal/logger"
	"sigflow/internal/notify"
	"sigflow/internal/report"
	"sigflow/internal/store"
	"sigflow/internal/telegram"
	"sigflow/internal/telemetry"
	"sigflow/internal/transport/web"
)

// AppBuilder 按依赖顺序装配各子系统。显式注入，无模块级单例；
// 进程级资源只有数据库文件句柄，由 store.DB 持有。
type AppBuilder struct {
	cfg *config.Config
}

func NewAppBuilder(cfg *config.Config) *AppBuilder {
	return &AppBuilder{cfg: cfg}
}

// Build 构建 App（不启动）。
func (b *AppBuilder) Build(ctx context.Context) (*App, error) {
	cfg := b.cfg
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}

	db, err := store.Open(cfg.Storage.DBPath)
	if err != nil {
		return nil, err
	}
	signals := store.NewSignalStore(db)
	positions := store.NewLifecycleStore(db)

	sink, err := telemetry.NewSink(cfg.Storage.TelemetryPath)
	if err != nil {
		return nil, fmt.Errorf("初始化遥测失败: %w", err)
	}

	gw, err := bingx.NewClient(bingx.Config{
		BaseURL:        cfg.Exchange.BaseURL,
		APIKey:         cfg.Exchange.APIKey,
		SecretKey:      cfg.Exchange.SecretKey,
		TimeoutSeconds: cfg.Exchange.TimeoutSeconds,
		MaxRetries:     cfg.Exchange.MaxRetries,
	})
	if err != nil {
		return nil, err
	}

	pollTimeout := time.Duration(cfg.Telegram.PollTimeoutSec) * time.Second
	tgClient := telegram.NewClient(cfg.Telegram.APIURL, cfg.Telegram.BotToken, pollTimeout)
	source := telegram.NewSource(tgClient, cfg.Telegram.SourceChannels, pollTimeout)
	operator := notify.NewTelegram(tgClient, cfg.Telegram.PersonalChatID)

	d := func(s string) decimal.Decimal {
		v, err := decimal.NewFromString(s)
		if err != nil {
			return decimal.Zero
		}
		return v
	}

	sizer := bingx.Sizer{
		RiskPerTrade:      d(cfg.Trading.RiskPerTrade),
		InitialMarginPlan: d(cfg.Trading.InitialMarginPlan),
		MinLeverage:       d(cfg.Trading.MinLeverage),
		MaxLeverage:       d(cfg.Trading.MaxLeverage),
	}

	watchdog := engine.NewWatchdog(signals, positions, sink,
		cfg.Trading.MaxActiveTrades,
		time.Duration(cfg.Watchdog.PollIntervalSeconds)*time.Second)

	entryEngine := engine.NewEntryEngine(signals, positions, gw, sink, operator, operator, watchdog, sizer, engine.EntryConfig{
		SpreadPct:        d(cfg.Entry.SpreadPct),
		MaxPriceShifts:   cfg.Entry.MaxPriceShifts,
		PollInterval:     time.Duration(cfg.Entry.PollIntervalSeconds) * time.Second,
		FirstFillTimeout: time.Duration(cfg.Maintenance.TimeoutShortHours) * time.Hour,
		TotalFillTimeout: time.Duration(cfg.Maintenance.TimeoutLongDays) * 24 * time.Hour,
		ClaimLease:       time.Duration(cfg.Entry.ClaimLeaseSeconds) * time.Second,
		BalanceBaseline:  d(cfg.Trading.BalanceBaseline),
		DryRun:           cfg.Trading.DryRun,
	})

	lifecycle := engine.NewLifecycleManager(positions, gw, sink, operator, engine.LifecycleConfig{
		PollInterval:     time.Duration(cfg.Lifecycle.PollIntervalSeconds) * time.Second,
		IdleInterval:     time.Duration(cfg.Lifecycle.IdleIntervalSeconds) * time.Second,
		BreakEvenEpsilon: d(cfg.Lifecycle.BreakEvenEpsilonPct),
		TrailTriggerPct:  d(cfg.Lifecycle.TrailTriggerPct),
		TrailDistancePct: d(cfg.Lifecycle.TrailDistancePct),
		TrailMinSLUpdate: time.Duration(cfg.Lifecycle.TrailMinUpdateSec) * time.Second,
	})

	scales := make([]engine.PyramidScale, 0, len(cfg.Pyramid.Scales))
	for _, sc := range cfg.Pyramid.Scales {
		scales = append(scales, engine.PyramidScale{
			ThresholdPct: d(sc.ThresholdPct),
			AddFraction:  d(sc.AddFraction),
		})
	}
	pyramid := engine.NewPyramidManager(positions, gw, sink, engine.PyramidConfig{
		Scales:        scales,
		MaxMultiplier: d(cfg.Pyramid.MaxMultiplier),
		PollInterval:  time.Duration(cfg.Pyramid.PollIntervalSeconds) * time.Second,
	})

	hedge := engine.NewHedgeManager(signals, positions, gw, entryEngine, sink, operator, engine.HedgeConfig{
		AdverseMovePct:     d(cfg.Hedge.AdverseMovePct),
		MaxReentryAttempts: cfg.Hedge.MaxReentryAttempts,
		PollInterval:       time.Duration(cfg.Hedge.PollIntervalSeconds) * time.Second,
	})

	maintenance := engine.NewMaintenance(signals, positions, gw, sink, operator, engine.MaintenanceConfig{
		Interval:     time.Duration(cfg.Maintenance.IntervalSeconds) * time.Second,
		TimeoutShort: time.Duration(cfg.Maintenance.TimeoutShortHours) * time.Hour,
		TimeoutLong:  time.Duration(cfg.Maintenance.TimeoutLongDays) * 24 * time.Hour,
	})

	pipeline := ingest.NewPipeline(source, signals, gw, sink,
		time.Duration(cfg.Dedup.TTLHours)*time.Hour)

	builder := report.NewBuilder(signals, positions)
	var webServer *web.Server
	if cfg.Web.Enabled {
		webServer = web.NewServer(cfg.Web.Listen, watchdog, positions, builder)
	}
	var daily *report.Daily
	if cfg.Report.Enabled {
		daily = report.NewDaily(builder, operator, report.DailyConfig{
			Interval:    time.Duration(cfg.Report.IntervalHours) * time.Hour,
			WebURL:      "http://127.0.0.1" + cfg.Web.Listen + "/report",
			SnapshotPNG: cfg.Report.SnapshotPNG && cfg.Web.Enabled,
			SnapshotDir: cfg.Report.SnapshotDir,
		})
	}

	logger.Infof("✓ 子系统装配完成（频道=%d extract_only=%v dry_run=%v）",
		len(cfg.Telegram.SourceChannels), cfg.Trading.ExtractOnly, cfg.Trading.DryRun)

	return &App{
		cfg:         cfg,
		db:          db,
		gateway:     gw,
		operator:    operator,
		pipeline:    pipeline,
		entry:       entryEngine,
		lifecycle:   lifecycle,
		pyramid:     pyramid,
		hedge:       hedge,
		watchdog:    watchdog,
		maintenance: maintenance,
		web:         webServer,
		daily:       daily,
	}, nil
}
