package app

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"sigflow/internal/config"
	"sigflow/internal/engine"
	"sigflow/internal/gateway/bingx"
	"sigflow/internal/ingest"
	"sigflow/internal/logger"
	"sigflow/internal/notify"
	"sigflow/internal/report"
	"sigflow/internal/store"
	"sigflow/internal/transport/web"
)

// App 负责应用级编排：加载配置→初始化依赖→启动各后台循环。
type App struct {
	cfg         *config.Config
	db          *store.DB
	gateway     *bingx.Client
	operator    *notify.Telegram
	pipeline    *ingest.Pipeline
	entry       *engine.EntryEngine
	lifecycle   *engine.LifecycleManager
	pyramid     *engine.PyramidManager
	hedge       *engine.HedgeManager
	watchdog    *engine.Watchdog
	maintenance *engine.Maintenance
	web         *web.Server
	daily       *report.Daily
}

// NewApp 根据配置构建应用对象（不启动）。
func NewApp(cfg *config.Config) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	logger.SetLevel(cfg.App.LogLevel)
	if err := logger.SetFile(cfg.App.LogFile); err != nil {
		logger.Warnf("日志文件不可用: %v", err)
	}
	return buildAppWithWire(context.Background(), cfg)
}

// Run 启动全部后台任务并阻塞到 ctx 取消。
// 各循环在下一个挂起点退出；在途交易所调用不中断，下次启动由维护任务对账。
func (a *App) Run(ctx context.Context) error {
	if a == nil || a.cfg == nil {
		return fmt.Errorf("app not initialized")
	}
	defer a.db.Close()

	a.sendStartupMessage(ctx)

	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error { return a.pipeline.Run(ctx) })
	group.Go(func() error { return a.watchdog.Run(ctx) })
	group.Go(func() error { return a.maintenance.Run(ctx) })

	if a.cfg.Trading.ExtractOnly {
		logger.Infof("extract-only 模式：仅提取入库，不进入交易阶段")
	} else {
		for i := 0; i < a.cfg.Entry.Workers; i++ {
			workerID := fmt.Sprintf("entry-worker-%d", i+1)
			group.Go(func() error { return a.entry.RunWorker(ctx, workerID) })
		}
		group.Go(func() error { return a.lifecycle.Run(ctx) })
		if a.cfg.Pyramid.Enabled {
			group.Go(func() error { return a.pyramid.Run(ctx) })
		}
		if a.cfg.Hedge.Enabled {
			group.Go(func() error { return a.hedge.Run(ctx) })
		}
	}
	if a.web != nil {
		group.Go(func() error { return a.web.Run(ctx) })
	}
	if a.daily != nil {
		group.Go(func() error { return a.daily.Run(ctx) })
	}

	return group.Wait()
}

// sendStartupMessage 启动摘要（余额基线、风险参数、活跃仓位数）。
func (a *App) sendStartupMessage(ctx context.Context) {
	balance := "N/A"
	if !a.cfg.Trading.DryRun {
		if b, err := a.gateway.GetBalance(ctx); err == nil {
			balance = b.String()
		}
	}
	env := "Mainnet"
	if a.cfg.Exchange.Testnet {
		env = "Testnet"
	}
	a.operator.Notify("🚀 Bot 启动",
		fmt.Sprintf("💰 钱包余额: %s USDT ✅", balance),
		fmt.Sprintf("⚙️ 单笔风险: %s ✅", a.cfg.Trading.RiskPerTrade),
		fmt.Sprintf("📢 监控频道: %d ✅", len(a.cfg.Telegram.SourceChannels)),
		fmt.Sprintf("🌐 环境: %s ✅", env),
	)
}
