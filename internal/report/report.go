package report

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"

	"sigflow/internal/store"
)

// 中文说明：
// 日报聚合：从两个 Store 汇总窗口内的信号与仓位结果，
// 供运营频道文本摘要与 /report 图表页共用。

// Summary 一个统计窗口的汇总。
type Summary struct {
	Start, End time.Time

	SignalsReceived int
	SignalsRejected int
	SignalsExpired  int
	SignalsDone     int
	SignalsFailed   int

	PositionsActive  int
	ClosedStopHit    int
	ClosedByTargets  int
	ClosedByHedge    int
}

// Builder 汇总构建器。
type Builder struct {
	signals   *store.SignalStore
	positions *store.LifecycleStore
}

func NewBuilder(signals *store.SignalStore, positions *store.LifecycleStore) *Builder {
	return &Builder{signals: signals, positions: positions}
}

func (b *Builder) Build(ctx context.Context, start, end time.Time) (*Summary, error) {
	s := &Summary{Start: start, End: end}
	var err error
	if s.SignalsReceived, err = b.signals.CountReceivedBetween(ctx, start, end); err != nil {
		return nil, err
	}
	count := func(statuses ...string) int {
		n, cerr := b.signals.CountByStatusBetween(ctx, statuses, start, end)
		if cerr != nil {
			return 0
		}
		return n
	}
	s.SignalsRejected = count(store.SignalStatusRejected)
	s.SignalsExpired = count(store.SignalStatusExpired)
	s.SignalsDone = count(store.SignalStatusCompleted)
	s.SignalsFailed = count(store.SignalStatusFailed)

	if s.PositionsActive, err = b.positions.CountActive(ctx); err != nil {
		return nil, err
	}
	s.ClosedStopHit, _ = b.positions.CountClosedBetween(ctx, start, end, "stop_hit")
	s.ClosedByTargets, _ = b.positions.CountClosedBetween(ctx, start, end, "all_targets_filled")
	s.ClosedByHedge, _ = b.positions.CountClosedBetween(ctx, start, end, "hedge")
	return s, nil
}

// Text 运营频道文本摘要。
func (s *Summary) Text() string {
	return fmt.Sprintf(
		"📊 日报 %s ~ %s\n"+
			"信号: 收到 %d / 完成 %d / 拒绝 %d / 过期 %d / 失败 %d\n"+
			"仓位: 活跃 %d / 止盈离场 %d / 止损 %d / 对冲退出 %d",
		s.Start.Format("01-02 15:04"), s.End.Format("01-02 15:04"),
		s.SignalsReceived, s.SignalsDone, s.SignalsRejected, s.SignalsExpired, s.SignalsFailed,
		s.PositionsActive, s.ClosedByTargets, s.ClosedStopHit, s.ClosedByHedge,
	)
}

// RenderChart 渲染汇总柱状图页面（/report）。
func RenderChart(w io.Writer, s *Summary) error {
	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithTitleOpts(opts.Title{
			Title:    "sigflow 运行汇总",
			Subtitle: fmt.Sprintf("%s ~ %s", s.Start.Format(time.DateTime), s.End.Format(time.DateTime)),
		}),
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "sigflow report"}),
	)
	bar.SetXAxis([]string{"收到", "完成", "拒绝", "过期", "失败", "活跃仓位", "止盈离场", "止损", "对冲退出"}).
		AddSeries("数量", []opts.BarData{
			{Value: s.SignalsReceived},
			{Value: s.SignalsDone},
			{Value: s.SignalsRejected},
			{Value: s.SignalsExpired},
			{Value: s.SignalsFailed},
			{Value: s.PositionsActive},
			{Value: s.ClosedByTargets},
			{Value: s.ClosedStopHit},
			{Value: s.ClosedByHedge},
		})
	return bar.Render(w)
}
