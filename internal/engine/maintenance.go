package engine

import (
	"context"
	"fmt"
	"time"

	"sigflow/internal/gateway/bingx"
	"sigflow/internal/logger"
	"sigflow/internal/store"
	"sigflow/internal/telemetry"
)

// 中文说明：
// 维护任务（Stage 7）：幂等清理与对账。
// - 24h 无成交的入场挂单撤销，信号标记 EXPIRED；
// - 6d 仍在跟踪的订单撤销并移出跟踪；
// - 对账：本地跟踪的订单在交易所侧应存在，孤儿双向记录并纠正。

// MaintenanceConfig 维护参数。
type MaintenanceConfig struct {
	Interval     time.Duration
	TimeoutShort time.Duration // 24h
	TimeoutLong  time.Duration // 6d
}

// Maintenance 周期维护器。
type Maintenance struct {
	signals   *store.SignalStore
	positions *store.LifecycleStore
	gateway   Gateway
	telemetry *telemetry.Sink
	notifier  Notifier
	cfg       MaintenanceConfig
}

func NewMaintenance(signals *store.SignalStore, positions *store.LifecycleStore, gateway Gateway,
	sink *telemetry.Sink, notifier Notifier, cfg MaintenanceConfig) *Maintenance {
	return &Maintenance{
		signals:   signals,
		positions: positions,
		gateway:   gateway,
		telemetry: sink,
		notifier:  notifier,
		cfg:       cfg,
	}
}

func (m *Maintenance) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := m.RunOnce(ctx); err != nil {
				logger.Errorf("维护任务失败: %v", err)
			}
		}
	}
}

// RunOnce 执行一轮全部维护动作；可重复执行（幂等）。
func (m *Maintenance) RunOnce(ctx context.Context) error {
	m.ageOutStaleSignals(ctx)
	m.cleanupStaleEntries(ctx)
	m.cleanupLongStale(ctx)
	m.reconcile(ctx)
	return nil
}

// ageOutStaleSignals 容量受限期间滞留过久的 NEW 信号按长时限老化。
func (m *Maintenance) ageOutStaleSignals(ctx context.Context) {
	stale, err := m.signals.ListOlderThan(ctx, []string{store.SignalStatusNew}, m.cfg.TimeoutLong, 200)
	if err != nil {
		logger.Errorf("读取滞留信号失败: %v", err)
		return
	}
	for _, sig := range stale {
		if err := m.signals.UpdateStatus(ctx, sig.ID, store.SignalStatusExpired, "maintenance: NEW 超过长时限"); err != nil {
			continue
		}
		m.telemetry.Emit("signal_aged_out", "INFO", "MAINTENANCE", "滞留信号老化", telemetry.Correlation{SignalID: sig.ID}, map[string]any{
			"symbol": sig.Symbol, "side": sig.Side,
		})
	}
}

// cleanupStaleEntries 24h：PENDING_ENTRY 超时且零成交 → 撤单 + CANCELLED/EXPIRED。
func (m *Maintenance) cleanupStaleEntries(ctx context.Context) {
	stale, err := m.positions.ListByState(ctx, []string{store.PositionPendingEntry}, 200)
	if err != nil {
		logger.Errorf("读取 PENDING_ENTRY 失败: %v", err)
		return
	}
	for _, pos := range stale {
		if time.Since(pos.CreatedAt) < m.cfg.TimeoutShort {
			continue
		}
		lock := getPositionLock(pos.SignalID)
		lock.Lock()
		m.expireEntry(ctx, pos)
		lock.Unlock()
	}
}

func (m *Maintenance) expireEntry(ctx context.Context, pos *store.PositionRecord) {
	anyFill := false
	ids := append([]string(nil), pos.EntryOrderIDs...)
	if pos.ReplacementOrderID != "" {
		ids = append(ids, pos.ReplacementOrderID)
	}
	for _, oid := range ids {
		st, err := m.gateway.GetOrder(ctx, pos.Symbol, oid)
		if err != nil {
			continue
		}
		if st.ExecutedQty.Sign() > 0 {
			anyFill = true
			continue
		}
		if st.Status == bingx.OrderStatusNew || st.Status == bingx.OrderStatusPartiallyFilled {
			_ = m.gateway.Cancel(ctx, pos.Symbol, oid)
		}
	}
	if anyFill {
		return // 已有成交的交给入场引擎/生命周期继续
	}
	corr := telemetry.Correlation{SignalID: pos.SignalID, BotOrderID: pos.BotOrderID}
	m.telemetry.Emit("maintenance_expired", "WARNING", "MAINTENANCE", "24h 无成交挂单已撤", corr, map[string]any{
		"symbol": pos.Symbol, "order_ids": ids,
	})
	cancelled := store.PositionCancelled
	reason := "maintenance: 24h 无成交"
	_ = m.positions.UpdatePosition(ctx, pos.SignalID, store.PositionUpdate{State: &cancelled, ClosedReason: &reason})
	_ = m.signals.UpdateStatus(ctx, pos.SignalID, store.SignalStatusExpired, reason)
	m.notifier.Notify("⏳ 挂单过期清理",
		fmt.Sprintf("signal_id: %d", pos.SignalID),
		fmt.Sprintf("标的: %s %s", pos.Symbol, pos.Side),
	)
}

// cleanupLongStale 6d：跟踪表里仍未了结的订单撤销并出队。
func (m *Maintenance) cleanupLongStale(ctx context.Context) {
	tracked, err := m.positions.ListTracked(ctx, 1000)
	if err != nil {
		return
	}
	for _, t := range tracked {
		pos, err := m.positions.GetPosition(ctx, t.SignalID)
		if err != nil || pos == nil {
			continue
		}
		if time.Since(pos.CreatedAt) < m.cfg.TimeoutLong {
			continue
		}
		st, err := m.gateway.GetOrder(ctx, t.Symbol, t.OrderID)
		if err != nil {
			continue
		}
		if st.Status == bingx.OrderStatusNew || st.Status == bingx.OrderStatusPartiallyFilled {
			_ = m.gateway.Cancel(ctx, t.Symbol, t.OrderID)
		}
		_ = m.positions.DeleteTrackedOrder(ctx, t.OrderID)
		m.telemetry.Emit("maintenance_purged", "INFO", "MAINTENANCE", "6d 未了结订单已清理", telemetry.Correlation{
			SignalID: t.SignalID, OrderIDs: []string{t.OrderID},
		}, map[string]any{"kind": t.Kind})
	}
}

// reconcile 本地跟踪 vs 交易所：
// - 本地在跟踪、交易所已不存在/已撤 → 移出跟踪（本地纠正）；
// - 本地 CLOSED、交易所仍有持仓 → 记录孤儿并告警（人工裁决，不自动平仓）。
func (m *Maintenance) reconcile(ctx context.Context) {
	active, err := m.positions.ListByState(ctx,
		[]string{store.PositionPendingEntry, store.PositionPartial, store.PositionOpen, store.PositionClosing}, 500)
	if err != nil {
		return
	}
	activeBySymbolSide := map[string]bool{}
	for _, pos := range active {
		activeBySymbolSide[pos.Symbol+"#"+pos.Side] = true
	}

	tracked, err := m.positions.ListTracked(ctx, 1000)
	if err != nil {
		return
	}
	for _, t := range tracked {
		st, err := m.gateway.GetOrder(ctx, t.Symbol, t.OrderID)
		if err != nil {
			if bingx.IsBusinessError(err) {
				// 交易所明确不认识该订单 → 本地孤儿，出队
				_ = m.positions.DeleteTrackedOrder(ctx, t.OrderID)
				m.telemetry.Emit("reconcile_orphan_local", "WARNING", "MAINTENANCE", "本地跟踪的订单在交易所不存在", telemetry.Correlation{
					SignalID: t.SignalID, OrderIDs: []string{t.OrderID},
				}, map[string]any{"kind": t.Kind})
			}
			continue
		}
		if st.Status == bingx.OrderStatusCanceled || st.Status == bingx.OrderStatusExpired {
			_ = m.positions.DeleteTrackedOrder(ctx, t.OrderID)
		}
	}

	// 交易所持仓 vs 本地仓位
	positions, err := m.gateway.GetPositions(ctx, "")
	if err != nil {
		return
	}
	for _, p := range positions {
		if p.Qty.Sign() <= 0 {
			continue
		}
		key := p.Symbol + "#" + p.PositionSide
		if activeBySymbolSide[key] {
			continue
		}
		m.telemetry.Emit("reconcile_orphan_exchange", "WARNING", "MAINTENANCE", "交易所持仓无本地对应仓位", telemetry.Correlation{}, map[string]any{
			"symbol": p.Symbol, "side": p.PositionSide, "qty": p.Qty.String(),
		})
		m.notifier.Notify("⚠️ 对账发现孤儿持仓",
			fmt.Sprintf("标的: %s %s", p.Symbol, p.PositionSide),
			fmt.Sprintf("数量: %s", p.Qty),
			"请人工确认来源",
		)
	}
}
