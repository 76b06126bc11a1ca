package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"sigflow/internal/gateway/bingx"
	"sigflow/internal/logger"
	"sigflow/internal/store"
	"sigflow/internal/telemetry"
)

// 中文说明：
// 生命周期管理器（Stage 4）：OPEN 后挂 TP/SL，REST 轮询 executedQty 增量驱动状态转移。
// 原则：只有交易所确认的订单状态才推动转移；对同一状态重复读取不产生副作用。

// LifecycleConfig 生命周期参数。
type LifecycleConfig struct {
	PollInterval      time.Duration
	IdleInterval      time.Duration
	BreakEvenEpsilon  decimal.Decimal // TP2 成交后 SL 上移到 BE+ε
	TrailTriggerPct   decimal.Decimal // 默认 0.061
	TrailDistancePct  decimal.Decimal // 默认 0.025
	TrailMinSLUpdate  time.Duration   // SL 改单限速，默认 10s
}

// LifecycleManager 仓位状态机持有者。
type LifecycleManager struct {
	positions *store.LifecycleStore
	gateway   Gateway
	telemetry *telemetry.Sink
	notifier  Notifier
	cfg       LifecycleConfig
}

func NewLifecycleManager(positions *store.LifecycleStore, gateway Gateway, sink *telemetry.Sink, notifier Notifier, cfg LifecycleConfig) *LifecycleManager {
	return &LifecycleManager{positions: positions, gateway: gateway, telemetry: sink, notifier: notifier, cfg: cfg}
}

func (m *LifecycleManager) Run(ctx context.Context) error {
	for {
		interval := m.cfg.IdleInterval
		open, err := m.positions.ListByState(ctx, []string{store.PositionOpen, store.PositionPartial, store.PositionClosing}, 500)
		if err != nil {
			logger.Errorf("读取活跃仓位失败: %v", err)
		} else if len(open) > 0 {
			interval = m.cfg.PollInterval
		}
		for _, pos := range open {
			lock := getPositionLock(pos.SignalID)
			lock.Lock()
			m.tickOne(ctx, pos)
			lock.Unlock()
			if ctx.Err() != nil {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(interval):
		}
	}
}

func (m *LifecycleManager) tickOne(ctx context.Context, pos *store.PositionRecord) {
	// 刷新（锁内重读，避免与加仓/对冲互踩）
	pos, err := m.positions.GetPosition(ctx, pos.SignalID)
	if err != nil || pos == nil {
		return
	}
	if pos.HedgeState == store.HedgeActive {
		return // 对冲接管期间不做 TP/SL 管理
	}
	switch pos.State {
	case store.PositionOpen, store.PositionClosing:
	default:
		return
	}

	if pos.State == store.PositionOpen && !protectionsAttached(pos) {
		m.attachProtections(ctx, pos)
		return
	}

	m.pollOrders(ctx, pos)

	pos, err = m.positions.GetPosition(ctx, pos.SignalID)
	if err != nil || pos == nil {
		return
	}
	if pos.State == store.PositionClosing {
		m.confirmClosed(ctx, pos)
		return
	}
	if pos.State == store.PositionOpen {
		m.updateTrailing(ctx, pos)
	}
}

func protectionsAttached(pos *store.PositionRecord) bool {
	if pos.SLPrice.Sign() > 0 && pos.SLOrderID == "" {
		return false
	}
	for _, lvl := range pos.TPLevels {
		if lvl.OrderID == "" && lvl.Status == "OPEN" {
			return false
		}
	}
	return true
}

// attachProtections OPEN 转移时挂全部 reduce-only TP 与 SL；任一腿挂失败 → FAILED。
func (m *LifecycleManager) attachProtections(ctx context.Context, pos *store.PositionRecord) {
	corr := telemetry.Correlation{SignalID: pos.SignalID, BotOrderID: pos.BotOrderID}
	remaining := pos.RemainingQty
	if remaining.Sign() <= 0 {
		return
	}
	closeSide := closeSideFor(pos.Side)

	// TP 等分（余数给最后一级），总量不超过持仓
	n := len(pos.TPLevels)
	levels := append([]store.TPLevel(nil), pos.TPLevels...)
	if n > 0 {
		per := remaining.Div(decimal.NewFromInt(int64(n)))
		allocated := decimal.Zero
		for i := range levels {
			if levels[i].OrderID != "" {
				allocated = allocated.Add(decFrom(levels[i].Qty))
				continue // 幂等：已挂的腿不重复挂
			}
			q := per
			if i == n-1 {
				q = remaining.Sub(allocated)
			}
			if q.Sign() <= 0 {
				continue
			}
			price := decFrom(levels[i].Price)
			oid, err := m.gateway.PlaceLimit(ctx, bingx.LimitOrderRequest{
				Symbol:       pos.Symbol,
				Side:         closeSide,
				PositionSide: pos.Side,
				Price:        price,
				Quantity:     q,
				ReduceOnly:   true,
				TimeInForce:  "GTC",
			})
			if err != nil {
				m.failPosition(ctx, pos, corr, fmt.Sprintf("TP%d 挂单失败: %v", i+1, err))
				return
			}
			allocated = allocated.Add(q)
			levels[i].OrderID = oid
			levels[i].Qty = q.String()
			_ = m.positions.UpsertTracked(ctx, store.TrackedOrder{
				OrderID: oid, SignalID: pos.SignalID, Symbol: pos.Symbol,
				Kind: store.TrackKindTP, LevelIndex: i,
			})
		}
		_ = m.positions.UpdatePosition(ctx, pos.SignalID, store.PositionUpdate{TPLevels: levels})
	}

	if pos.SLPrice.Sign() > 0 && pos.SLOrderID == "" {
		oid, err := m.gateway.PlaceStopMarket(ctx, bingx.StopOrderRequest{
			Symbol:       pos.Symbol,
			Side:         closeSide,
			PositionSide: pos.Side,
			StopPrice:    pos.SLPrice,
			Quantity:     remaining,
			ReduceOnly:   true,
		})
		if err != nil {
			m.failPosition(ctx, pos, corr, fmt.Sprintf("SL 挂单失败: %v", err))
			return
		}
		_ = m.positions.UpdatePosition(ctx, pos.SignalID, store.PositionUpdate{SLOrderID: &oid})
		_ = m.positions.UpsertTracked(ctx, store.TrackedOrder{
			OrderID: oid, SignalID: pos.SignalID, Symbol: pos.Symbol, Kind: store.TrackKindSL, LevelIndex: -1,
		})
	}

	m.telemetry.Emit("protections_attached", "INFO", "LIFECYCLE", "TP/SL 已全部受理", corr, map[string]any{
		"symbol": pos.Symbol, "tp_count": n, "sl": pos.SLPrice.String(),
	})
	m.notifier.Notify("✅ TP/SL 已挂 (BingX confirmed)",
		fmt.Sprintf("signal_id: %d", pos.SignalID),
		fmt.Sprintf("标的: %s %s", pos.Symbol, pos.Side),
		fmt.Sprintf("TP 档数: %d", n),
		fmt.Sprintf("SL: %s", pos.SLPrice),
	)
}

// pollOrders executedQty 增量 → 成交事件；重复读取无增量即无副作用。
func (m *LifecycleManager) pollOrders(ctx context.Context, pos *store.PositionRecord) {
	tracked, err := m.positions.ListTracked(ctx, 500)
	if err != nil {
		return
	}
	for _, t := range tracked {
		if t.SignalID != pos.SignalID {
			continue
		}
		if t.Kind != store.TrackKindTP && t.Kind != store.TrackKindSL {
			continue
		}
		st, err := m.gateway.GetOrder(ctx, pos.Symbol, t.OrderID)
		if err != nil {
			continue // 未知态下一轮解决
		}
		if st.ExecutedQty.LessThan(t.LastExecutedQty) {
			_ = m.positions.UpdateTracked(ctx, t.OrderID, st.ExecutedQty, st.Status)
			continue
		}
		delta := st.ExecutedQty.Sub(t.LastExecutedQty)
		if delta.Sign() > 0 {
			m.applyFill(ctx, pos.SignalID, t, delta, st)
		}
		_ = m.positions.UpdateTracked(ctx, t.OrderID, st.ExecutedQty, st.Status)

		if t.Kind == store.TrackKindSL && st.Status == bingx.OrderStatusFilled {
			m.closePosition(ctx, pos.SignalID, "stop_hit")
			return
		}
	}
}

func (m *LifecycleManager) applyFill(ctx context.Context, signalID int64, t store.TrackedOrder, delta decimal.Decimal, st *bingx.Order) {
	pos, err := m.positions.GetPosition(ctx, signalID)
	if err != nil || pos == nil {
		return
	}
	corr := telemetry.Correlation{SignalID: signalID, BotOrderID: pos.BotOrderID, OrderIDs: []string{t.OrderID}}

	remaining := pos.RemainingQty.Sub(delta)
	if remaining.Sign() < 0 {
		remaining = decimal.Zero
	}

	if t.Kind == store.TrackKindTP && t.LevelIndex >= 0 && t.LevelIndex < len(pos.TPLevels) {
		levels := append([]store.TPLevel(nil), pos.TPLevels...)
		lvl := &levels[t.LevelIndex]
		lvl.FilledQty = decFrom(lvl.FilledQty).Add(delta).String()
		if st.Status == bingx.OrderStatusFilled {
			lvl.Status = "COMPLETED"
		} else {
			lvl.Status = "PARTIAL"
		}
		// 遥测先行，状态随后落库
		m.telemetry.Emit("tp_fill", "INFO", "LIFECYCLE", "TP 成交确认", corr, map[string]any{
			"tp_index": t.LevelIndex + 1, "fill_qty": delta.String(), "remaining": remaining.String(),
		})
		allDone := true
		for _, l := range levels {
			if l.Status != "COMPLETED" {
				allDone = false
				break
			}
		}
		upd := store.PositionUpdate{RemainingQty: &remaining, TPLevels: levels}
		if allDone || remaining.Sign() <= 0 {
			closing := store.PositionClosing
			upd.State = &closing
		}
		_ = m.positions.UpdatePosition(ctx, signalID, upd)
		m.notifier.Notify("✅ TP 成交 (BingX confirmed)",
			fmt.Sprintf("signal_id: %d", signalID),
			fmt.Sprintf("标的: %s", pos.Symbol),
			fmt.Sprintf("TP%d 成交 %s，剩余 %s", t.LevelIndex+1, delta, remaining),
		)
		// TP2（index 1）成交 → SL 上移到保本价 + ε
		if t.LevelIndex == 1 && st.Status == bingx.OrderStatusFilled {
			m.moveSLToBreakEven(ctx, signalID)
		}
		return
	}

	if t.Kind == store.TrackKindSL {
		m.telemetry.Emit("sl_fill", "WARNING", "LIFECYCLE", "SL 成交确认", corr, map[string]any{
			"fill_qty": delta.String(), "remaining": remaining.String(),
		})
		_ = m.positions.UpdatePosition(ctx, signalID, store.PositionUpdate{RemainingQty: &remaining})
	}
}

// moveSLToBreakEven 撤旧 SL，按 original_entry_price×(1±ε) 重挂。
func (m *LifecycleManager) moveSLToBreakEven(ctx context.Context, signalID int64) {
	pos, err := m.positions.GetPosition(ctx, signalID)
	if err != nil || pos == nil || pos.State != store.PositionOpen {
		return
	}
	base := pos.OriginalEntryPrice
	if base.Sign() <= 0 {
		return
	}
	eps := base.Mul(m.cfg.BreakEvenEpsilon)
	be := base.Add(eps)
	if pos.Side == bingx.PositionShort {
		be = base.Sub(eps)
	}
	if pos.RemainingQty.Sign() <= 0 {
		return
	}
	// 幂等：SL 已在保本位则不动
	if pos.SLPrice.Equal(be) {
		return
	}
	m.replaceSL(ctx, pos, be, "TP2 成交，SL 上移到保本")
}

// updateTrailing 浮盈 ≥ 触发阈值后进入移动止损：SL 跟在最优价后方 trail 距离。
// 改单限速，单仓位最短间隔 TrailMinSLUpdate。
func (m *LifecycleManager) updateTrailing(ctx context.Context, pos *store.PositionRecord) {
	base := pos.OriginalEntryPrice
	if base.Sign() <= 0 || pos.RemainingQty.Sign() <= 0 {
		return
	}
	ltp, err := m.gateway.GetMarkPrice(ctx, pos.Symbol)
	if err != nil || ltp.Sign() <= 0 {
		return
	}
	profit := ltp.Sub(base).Div(base)
	if pos.Side == bingx.PositionShort {
		profit = profit.Neg()
	}

	if !pos.TrailActive {
		if profit.LessThan(m.cfg.TrailTriggerPct) {
			return
		}
		active := true
		_ = m.positions.UpdatePosition(ctx, pos.SignalID, store.PositionUpdate{
			TrailActive: &active, TrailAnchorPrice: &ltp,
		})
		m.telemetry.Emit("trailing_activated", "INFO", "LIFECYCLE", "进入移动止损", telemetry.Correlation{SignalID: pos.SignalID}, map[string]any{
			"profit_pct": profit.String(), "anchor": ltp.String(),
		})
		pos.TrailActive = true
		pos.TrailAnchorPrice = ltp
	}

	// 刷新锚点（LONG 取新高、SHORT 取新低）
	anchor := pos.TrailAnchorPrice
	improved := false
	if pos.Side == bingx.PositionLong && ltp.GreaterThan(anchor) {
		anchor, improved = ltp, true
	}
	if pos.Side == bingx.PositionShort && (anchor.Sign() <= 0 || ltp.LessThan(anchor)) {
		anchor, improved = ltp, true
	}
	if improved {
		_ = m.positions.UpdatePosition(ctx, pos.SignalID, store.PositionUpdate{TrailAnchorPrice: &anchor})
	}

	newSL := anchor.Mul(decimal.NewFromInt(1).Sub(m.cfg.TrailDistancePct))
	if pos.Side == bingx.PositionShort {
		newSL = anchor.Mul(decimal.NewFromInt(1).Add(m.cfg.TrailDistancePct))
	}
	// 只朝有利方向收紧
	if pos.SLPrice.Sign() > 0 {
		if pos.Side == bingx.PositionLong && newSL.LessThanOrEqual(pos.SLPrice) {
			return
		}
		if pos.Side == bingx.PositionShort && newSL.GreaterThanOrEqual(pos.SLPrice) {
			return
		}
	}
	if time.Since(pos.LastSLUpdate) < m.cfg.TrailMinSLUpdate {
		return
	}
	m.replaceSL(ctx, pos, newSL, "移动止损收紧")
}

// replaceSL 撤旧挂新；新单受理后才落库（exchange-first）。
func (m *LifecycleManager) replaceSL(ctx context.Context, pos *store.PositionRecord, newSL decimal.Decimal, why string) {
	corr := telemetry.Correlation{SignalID: pos.SignalID, BotOrderID: pos.BotOrderID}
	if pos.SLOrderID != "" {
		if err := m.gateway.Cancel(ctx, pos.Symbol, pos.SLOrderID); err != nil {
			logger.Warnf("撤旧 SL 失败(signal=%d): %v", pos.SignalID, err)
		}
	}
	oid, err := m.gateway.PlaceStopMarket(ctx, bingx.StopOrderRequest{
		Symbol:       pos.Symbol,
		Side:         closeSideFor(pos.Side),
		PositionSide: pos.Side,
		StopPrice:    newSL,
		Quantity:     pos.RemainingQty,
		ReduceOnly:   true,
	})
	if err != nil {
		m.failPosition(ctx, pos, corr, fmt.Sprintf("重挂 SL 失败（需人工处理）: %v", err))
		return
	}
	now := time.Now()
	_ = m.positions.UpdatePosition(ctx, pos.SignalID, store.PositionUpdate{
		SLPrice: &newSL, SLOrderID: &oid, LastSLUpdate: &now,
	})
	_ = m.positions.UpsertTracked(ctx, store.TrackedOrder{
		OrderID: oid, SignalID: pos.SignalID, Symbol: pos.Symbol, Kind: store.TrackKindSL, LevelIndex: -1,
	})
	m.telemetry.Emit("sl_moved", "INFO", "LIFECYCLE", why, corr, map[string]any{
		"new_sl": newSL.String(), "order_id": oid,
	})
	pos.SLOrderID = oid
	pos.SLPrice = newSL
	pos.LastSLUpdate = now
}

// confirmClosed CLOSING → 交易所持仓读 0 → CLOSED。
func (m *LifecycleManager) confirmClosed(ctx context.Context, pos *store.PositionRecord) {
	positions, err := m.gateway.GetPositions(ctx, pos.Symbol)
	if err != nil {
		return
	}
	for _, p := range positions {
		if p.PositionSide == pos.Side && p.Qty.Sign() > 0 {
			return // 交易所侧仍有持仓
		}
	}
	m.closePosition(ctx, pos.SignalID, "all_targets_filled")
}

// closePosition 终态转移：撤残余保护腿，CLOSED 落库并通知。
func (m *LifecycleManager) closePosition(ctx context.Context, signalID int64, outcome string) {
	pos, err := m.positions.GetPosition(ctx, signalID)
	if err != nil || pos == nil || pos.State == store.PositionClosed {
		return
	}
	corr := telemetry.Correlation{SignalID: signalID, BotOrderID: pos.BotOrderID}
	for _, lvl := range pos.TPLevels {
		if lvl.OrderID != "" && lvl.Status != "COMPLETED" {
			_ = m.gateway.Cancel(ctx, pos.Symbol, lvl.OrderID)
		}
	}
	if pos.SLOrderID != "" && outcome != "stop_hit" {
		_ = m.gateway.Cancel(ctx, pos.Symbol, pos.SLOrderID)
	}
	m.telemetry.Emit("position_closed", "INFO", "LIFECYCLE", "仓位关闭", corr, map[string]any{
		"outcome": outcome, "symbol": pos.Symbol,
	})
	closed := store.PositionClosed
	zero := decimal.Zero
	now := time.Now()
	_ = m.positions.UpdatePosition(ctx, signalID, store.PositionUpdate{
		State: &closed, RemainingQty: &zero, ClosedReason: &outcome, ClosedAt: &now,
	})
	m.notifier.Notify("🏁 仓位关闭 (BingX confirmed)",
		fmt.Sprintf("signal_id: %d", signalID),
		fmt.Sprintf("标的: %s %s", pos.Symbol, pos.Side),
		fmt.Sprintf("原因: %s", outcome),
	)
}

func (m *LifecycleManager) failPosition(ctx context.Context, pos *store.PositionRecord, corr telemetry.Correlation, detail string) {
	m.telemetry.Emit("position_failed", "ERROR", "LIFECYCLE", detail, corr, nil)
	failed := store.PositionFailed
	_ = m.positions.UpdatePosition(ctx, pos.SignalID, store.PositionUpdate{State: &failed, ClosedReason: &detail})
	m.notifier.Notify("仓位保护失败 ❌",
		fmt.Sprintf("signal_id: %d", pos.SignalID),
		fmt.Sprintf("标的: %s %s", pos.Symbol, pos.Side),
		fmt.Sprintf("原因: %s", detail),
	)
}

func decFrom(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
