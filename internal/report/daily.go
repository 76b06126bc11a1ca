package report

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/chromedp/chromedp"

	"sigflow/internal/logger"
)

// Notifier 运营通知（与 engine 解耦的最小面）。
type Notifier interface {
	SendText(text string) error
}

// DailyConfig 日报任务参数。
type DailyConfig struct {
	Interval    time.Duration
	WebURL      string // /report 页面地址，快照用
	SnapshotPNG bool
	SnapshotDir string
}

// Daily 周期日报：文本摘要推送 + 可选的图表页 PNG 快照。
type Daily struct {
	builder  *Builder
	notifier Notifier
	cfg      DailyConfig
}

func NewDaily(builder *Builder, notifier Notifier, cfg DailyConfig) *Daily {
	return &Daily{builder: builder, notifier: notifier, cfg: cfg}
}

func (d *Daily) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			d.emitOnce(ctx)
		}
	}
}

func (d *Daily) emitOnce(ctx context.Context) {
	end := time.Now()
	start := end.Add(-d.cfg.Interval)
	summary, err := d.builder.Build(ctx, start, end)
	if err != nil {
		logger.Errorf("日报聚合失败: %v", err)
		return
	}
	if d.notifier != nil {
		if err := d.notifier.SendText(summary.Text()); err != nil {
			logger.Warnf("日报推送失败: %v", err)
		}
	}
	if d.cfg.SnapshotPNG && d.cfg.WebURL != "" {
		if path, err := d.snapshot(ctx); err != nil {
			logger.Warnf("日报图表快照失败: %v", err)
		} else {
			logger.Infof("✓ 日报图表已快照: %s", path)
		}
	}
}

// snapshot 用无头浏览器截取 /report 页面。
func (d *Daily) snapshot(ctx context.Context) (string, error) {
	if err := os.MkdirAll(d.cfg.SnapshotDir, 0o755); err != nil {
		return "", err
	}
	cctx, cancel := chromedp.NewContext(ctx)
	defer cancel()
	cctx, tcancel := context.WithTimeout(cctx, 30*time.Second)
	defer tcancel()

	var buf []byte
	if err := chromedp.Run(cctx,
		chromedp.Navigate(d.cfg.WebURL),
		chromedp.Sleep(2*time.Second), // 等 echarts 动画落定
		chromedp.FullScreenshot(&buf, 90),
	); err != nil {
		return "", err
	}
	path := filepath.Join(d.cfg.SnapshotDir, fmt.Sprintf("report-%s.png", time.Now().Format("20060102-150405")))
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		return "", err
	}
	return path, nil
}
