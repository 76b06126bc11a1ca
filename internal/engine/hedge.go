package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"sigflow/internal/gateway/bingx"
	"sigflow/internal/logger"
	"sigflow/internal/store"
	"sigflow/internal/telemetry"
)

// 中文说明：
// 对冲与再入场管理器（Stage 5）。
// - OPEN 仓位对 original_entry_price 逆行 2% → 反向 100% 对冲：
//   对冲 TP 腿挂在原始入场价（触发市价），对冲 SL 腿挂在原始 SL（reduce-only 限价）。
// - 对冲 TP 成交视同主仓止损事件 → 有界再入场（≤3 次），超限后 (symbol, side) 锁定，
//   直到同符号新外部信号到来解锁。
// - 主仓 SL 直接命中（stop_hit）且无对冲时同样触发再入场。

// HedgeConfig 对冲/再入场参数。
type HedgeConfig struct {
	AdverseMovePct     decimal.Decimal // 默认 0.02
	MaxReentryAttempts int             // 默认 3
	PollInterval       time.Duration
}

// HedgeManager Stage 5 管理器。
type HedgeManager struct {
	signals   *store.SignalStore
	positions *store.LifecycleStore
	gateway   Gateway
	entry     *EntryEngine
	telemetry *telemetry.Sink
	notifier  Notifier
	cfg       HedgeConfig
}

func NewHedgeManager(signals *store.SignalStore, positions *store.LifecycleStore, gateway Gateway,
	entry *EntryEngine, sink *telemetry.Sink, notifier Notifier, cfg HedgeConfig) *HedgeManager {
	return &HedgeManager{
		signals:   signals,
		positions: positions,
		gateway:   gateway,
		entry:     entry,
		telemetry: sink,
		notifier:  notifier,
		cfg:       cfg,
	}
}

func (m *HedgeManager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := m.tick(ctx); err != nil {
				logger.Errorf("对冲轮询失败: %v", err)
			}
		}
	}
}

func (m *HedgeManager) tick(ctx context.Context) error {
	// 1) OPEN：逆行监测；HEDGED：对冲腿结果监测
	active, err := m.positions.ListByState(ctx, []string{store.PositionOpen}, 500)
	if err != nil {
		return err
	}
	for _, pos := range active {
		lock := getPositionLock(pos.SignalID)
		lock.Lock()
		m.checkAdverse(ctx, pos.SignalID)
		lock.Unlock()
		if ctx.Err() != nil {
			return nil
		}
	}

	// 2) 对冲结果与再入场
	closedOrHedged, err := m.positions.ListByState(ctx, []string{store.PositionOpen, store.PositionClosed}, 500)
	if err != nil {
		return err
	}
	for _, pos := range closedOrHedged {
		lock := getPositionLock(pos.SignalID)
		lock.Lock()
		switch {
		case pos.HedgeState == store.HedgeActive:
			m.checkHedgeOutcome(ctx, pos.SignalID)
		case pos.State == store.PositionClosed && isStopOutcome(pos.ClosedReason):
			m.maybeReenter(ctx, pos.SignalID)
		}
		lock.Unlock()
		if ctx.Err() != nil {
			return nil
		}
	}
	return nil
}

func isStopOutcome(reason string) bool {
	r := strings.ToLower(reason)
	return strings.Contains(r, "stop_hit") || strings.Contains(r, "hedge_tp")
}

// checkAdverse 逆行 2%（对 original_entry_price）→ 开对冲。
func (m *HedgeManager) checkAdverse(ctx context.Context, signalID int64) {
	pos, err := m.positions.GetPosition(ctx, signalID)
	if err != nil || pos == nil || pos.State != store.PositionOpen {
		return
	}
	if pos.HedgeState != store.HedgeNone {
		return
	}
	base := pos.OriginalEntryPrice
	if base.Sign() <= 0 || pos.FilledQty.Sign() <= 0 {
		return
	}
	ltp, err := m.gateway.GetMarkPrice(ctx, pos.Symbol)
	if err != nil || ltp.Sign() <= 0 {
		return
	}
	one := decimal.NewFromInt(1)
	triggered := false
	if pos.Side == bingx.PositionLong {
		triggered = ltp.LessThanOrEqual(base.Mul(one.Sub(m.cfg.AdverseMovePct)))
	} else {
		triggered = ltp.GreaterThanOrEqual(base.Mul(one.Add(m.cfg.AdverseMovePct)))
	}
	if !triggered {
		return
	}
	m.activateHedge(ctx, pos, ltp)
}

// activateHedge 撤主仓保护腿 → 反向等量市价开对冲 → 挂对冲两腿。
func (m *HedgeManager) activateHedge(ctx context.Context, pos *store.PositionRecord, ltp decimal.Decimal) {
	corr := telemetry.Correlation{SignalID: pos.SignalID, BotOrderID: pos.BotOrderID}
	hedgeSide := oppositeSide(pos.Side)
	qty := pos.FilledQty
	signalEntry := pos.OriginalEntryPrice
	signalSL := pos.SignalSLPrice
	if signalSL.Sign() <= 0 {
		signalSL = pos.SLPrice
	}
	if signalEntry.Sign() <= 0 || signalSL.Sign() <= 0 || qty.Sign() <= 0 {
		return
	}

	m.telemetry.Emit("hedge_triggered", "WARNING", "HEDGE", "逆行触发对冲", corr, map[string]any{
		"symbol": pos.Symbol, "signal_side": pos.Side, "hedge_side": hedgeSide,
		"ltp": ltp.String(), "qty": qty.String(),
	})

	// 撤主仓 TP/SL，避免生命周期与对冲互踩
	for _, lvl := range pos.TPLevels {
		if lvl.OrderID != "" && lvl.Status != "COMPLETED" {
			_ = m.gateway.Cancel(ctx, pos.Symbol, lvl.OrderID)
		}
	}
	if pos.SLOrderID != "" {
		_ = m.gateway.Cancel(ctx, pos.Symbol, pos.SLOrderID)
	}
	_ = m.positions.DeleteTrackedForSignal(ctx, pos.SignalID)

	if pos.Leverage.Sign() > 0 {
		if err := m.gateway.SetLeverage(ctx, pos.Symbol, hedgeSide, pos.Leverage); err != nil {
			logger.Warnf("设置对冲杠杆失败(%s): %v", pos.Symbol, err)
		}
	}

	hedged := store.HedgeActive
	if err := m.positions.UpdatePosition(ctx, pos.SignalID, store.PositionUpdate{HedgeState: &hedged}); err != nil {
		return
	}

	entryOID, err := m.gateway.PlaceMarket(ctx, bingx.MarketOrderRequest{
		Symbol:       pos.Symbol,
		Side:         openSideFor(hedgeSide),
		PositionSide: hedgeSide,
		Quantity:     qty,
	})
	if err != nil {
		none := store.HedgeNone
		_ = m.positions.UpdatePosition(ctx, pos.SignalID, store.PositionUpdate{HedgeState: &none})
		logger.Errorf("对冲开仓失败(signal=%d): %v", pos.SignalID, err)
		return
	}

	hedgeClose := closeSideFor(hedgeSide)
	// 对冲 TP 腿 = 原始入场价（触发市价：价格回到入场即退出对冲）
	tpOID, err1 := m.gateway.PlaceStopMarket(ctx, bingx.StopOrderRequest{
		Symbol:       pos.Symbol,
		Side:         hedgeClose,
		PositionSide: hedgeSide,
		StopPrice:    signalEntry,
		Quantity:     qty,
		ReduceOnly:   true,
	})
	// 对冲 SL 腿 = 原始 SL（reduce-only 限价）
	slOID, err2 := m.gateway.PlaceLimit(ctx, bingx.LimitOrderRequest{
		Symbol:       pos.Symbol,
		Side:         hedgeClose,
		PositionSide: hedgeSide,
		Price:        signalSL,
		Quantity:     qty,
		ReduceOnly:   true,
		TimeInForce:  "GTC",
	})
	if err1 != nil || err2 != nil {
		logger.Errorf("对冲保护腿挂单异常(signal=%d): tp=%v sl=%v", pos.SignalID, err1, err2)
	}

	_ = m.positions.UpdatePosition(ctx, pos.SignalID, store.PositionUpdate{
		HedgeEntryOrderID: &entryOID, HedgeTPOrderID: &tpOID, HedgeSLOrderID: &slOID,
	})
	m.telemetry.Emit("hedge_opened", "INFO", "HEDGE", "对冲已开仓", telemetry.Correlation{
		SignalID: pos.SignalID, BotOrderID: pos.BotOrderID, OrderIDs: []string{entryOID, tpOID, slOID},
	}, map[string]any{
		"symbol": pos.Symbol, "hedge_side": hedgeSide, "qty": qty.String(),
		"hedge_tp": signalEntry.String(), "hedge_sl": signalSL.String(),
	})
	m.notifier.Notify("🧊 对冲已开 (BingX confirmed)",
		fmt.Sprintf("signal_id: %d", pos.SignalID),
		fmt.Sprintf("标的: %s", pos.Symbol),
		fmt.Sprintf("主仓方向: %s，对冲方向: %s", pos.Side, hedgeSide),
		fmt.Sprintf("数量: %s", qty),
		fmt.Sprintf("对冲 TP(原始入场): %s", signalEntry),
		fmt.Sprintf("对冲 SL(原始SL): %s", signalSL),
	)
}

// checkHedgeOutcome 对冲任一腿成交 → 全部强平 → CLOSED；仅对冲 TP 成交时进入有界再入场。
func (m *HedgeManager) checkHedgeOutcome(ctx context.Context, signalID int64) {
	pos, err := m.positions.GetPosition(ctx, signalID)
	if err != nil || pos == nil || pos.HedgeState != store.HedgeActive {
		return
	}
	outcome := ""
	for _, probe := range []struct {
		oid  string
		name string
	}{{pos.HedgeTPOrderID, "hedge_tp"}, {pos.HedgeSLOrderID, "hedge_sl"}} {
		if probe.oid == "" {
			continue
		}
		st, err := m.gateway.GetOrder(ctx, pos.Symbol, probe.oid)
		if err != nil {
			continue
		}
		if st.Status == bingx.OrderStatusFilled {
			outcome = probe.name
			break
		}
	}
	if outcome == "" {
		return
	}

	corr := telemetry.Correlation{SignalID: signalID, BotOrderID: pos.BotOrderID}

	// 残余腿与主仓全部收掉（交易所裁决后的强制退出）
	other := pos.HedgeSLOrderID
	if outcome == "hedge_sl" {
		other = pos.HedgeTPOrderID
	}
	if other != "" {
		_ = m.gateway.Cancel(ctx, pos.Symbol, other)
	}
	if pos.RemainingQty.Sign() > 0 {
		_, err := m.gateway.PlaceMarket(ctx, bingx.MarketOrderRequest{
			Symbol:       pos.Symbol,
			Side:         closeSideFor(pos.Side),
			PositionSide: pos.Side,
			Quantity:     pos.RemainingQty,
			ReduceOnly:   true,
		})
		if err != nil {
			logger.Errorf("对冲退出时主仓平仓失败(signal=%d): %v", signalID, err)
		}
	}

	m.telemetry.Emit("hedge_closed", "INFO", "HEDGE", "对冲结束，强制退出", corr, map[string]any{
		"outcome": outcome, "symbol": pos.Symbol,
	})
	closed := store.PositionClosed
	hedgeClosed := store.HedgeClosed
	zero := decimal.Zero
	now := time.Now()
	reason := outcome
	_ = m.positions.UpdatePosition(ctx, signalID, store.PositionUpdate{
		State: &closed, HedgeState: &hedgeClosed, RemainingQty: &zero,
		ClosedReason: &reason, ClosedAt: &now,
	})
	m.notifier.Notify("🧊 对冲结束",
		fmt.Sprintf("signal_id: %d", signalID),
		fmt.Sprintf("标的: %s", pos.Symbol),
		fmt.Sprintf("结果: %s", outcome),
	)

	// 对冲 TP（价格回到原始入场）视同主仓止损事件 → 再入场
	m.maybeReenter(ctx, signalID)
}

// maybeReenter 有界再入场：≤3 次；超限锁定 (symbol, side) 直到新信号。
func (m *HedgeManager) maybeReenter(ctx context.Context, signalID int64) {
	pos, err := m.positions.GetPosition(ctx, signalID)
	if err != nil || pos == nil || pos.State != store.PositionClosed {
		return
	}
	if !isStopOutcome(pos.ClosedReason) {
		return
	}
	corr := telemetry.Correlation{SignalID: signalID, BotOrderID: pos.BotOrderID}

	locked, err := m.signals.IsReentryLocked(ctx, pos.Symbol, pos.Side)
	if err != nil || locked {
		return
	}
	if pos.ReentryAttempts >= m.cfg.MaxReentryAttempts {
		_ = m.signals.SetReentryLock(ctx, pos.Symbol, pos.Side, signalID,
			fmt.Sprintf("再入场达到上限(%d)", m.cfg.MaxReentryAttempts))
		m.telemetry.Emit("reentry_locked", "WARNING", "HEDGE", "再入场锁定，等待新外部信号", corr, map[string]any{
			"symbol": pos.Symbol, "side": pos.Side, "max": m.cfg.MaxReentryAttempts,
		})
		return
	}

	// 该信号在交易所侧仍有持仓则不再入场
	positions, err := m.gateway.GetPositions(ctx, pos.Symbol)
	if err != nil {
		return
	}
	for _, p := range positions {
		if p.PositionSide == pos.Side && p.Qty.Sign() > 0 {
			return
		}
	}

	sig, err := m.signals.GetSignal(ctx, signalID)
	if err != nil || sig == nil {
		return
	}

	attempts := pos.ReentryAttempts + 1
	_ = m.positions.UpdatePosition(ctx, signalID, store.PositionUpdate{ReentryAttempts: &attempts})
	m.telemetry.Emit("reentry_attempt", "INFO", "HEDGE", "按原信号参数再入场", corr, map[string]any{
		"symbol": sig.Symbol, "side": sig.Side, "attempt": attempts, "max": m.cfg.MaxReentryAttempts,
	})

	ok := m.entry.ExecuteSignal(ctx, sig)
	level := "INFO"
	if !ok {
		level = "WARNING"
	}
	m.telemetry.Emit("reentry_completed", level, "HEDGE", "再入场结果", corr, map[string]any{
		"symbol": sig.Symbol, "success": ok, "attempt": attempts,
	})
	if !ok && attempts >= m.cfg.MaxReentryAttempts {
		_ = m.signals.SetReentryLock(ctx, pos.Symbol, pos.Side, signalID,
			fmt.Sprintf("再入场达到上限(%d)", m.cfg.MaxReentryAttempts))
	}
}
