package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"sigflow/internal/gateway/bingx"
	"sigflow/internal/logger"
	"sigflow/internal/pkg/format"
	"sigflow/internal/store"
	"sigflow/internal/telemetry"
)

// 中文说明：
// 入场引擎（Stage 2）：领取 NEW 信号 → 动态仓位/杠杆 → 双腿限价挂单 →
// 首次成交合并改单 → 全部成交转 OPEN。对外确认消息只在交易所受理后发出。

// CapacityGuard 容量判定（由 Watchdog 提供）。
type CapacityGuard interface {
	MayAcceptNewSignal() (bool, string)
}

// EntryConfig 入场引擎参数。
type EntryConfig struct {
	SpreadPct        decimal.Decimal // 单价入场的默认半价差比例
	MaxPriceShifts   int
	PollInterval     time.Duration
	FirstFillTimeout time.Duration // 24h 无成交 → EXPIRED
	TotalFillTimeout time.Duration // 6d 总时限
	ClaimLease       time.Duration
	BalanceBaseline  decimal.Decimal
	DryRun           bool
}

// EntryEngine 双腿限价入场执行器。
type EntryEngine struct {
	signals   *store.SignalStore
	positions *store.LifecycleStore
	gateway   Gateway
	telemetry *telemetry.Sink
	notifier  Notifier
	guard     CapacityGuard
	sizer     bingx.Sizer
	cfg       EntryConfig
	publishTo Notifier // 确认消息的目标频道（exchange-first）
}

func NewEntryEngine(signals *store.SignalStore, positions *store.LifecycleStore, gateway Gateway,
	sink *telemetry.Sink, notifier Notifier, publish Notifier, guard CapacityGuard,
	sizer bingx.Sizer, cfg EntryConfig) *EntryEngine {
	return &EntryEngine{
		signals:   signals,
		positions: positions,
		gateway:   gateway,
		telemetry: sink,
		notifier:  notifier,
		publishTo: publish,
		guard:     guard,
		sizer:     sizer,
		cfg:       cfg,
	}
}

// RunWorker 单个 worker 循环：容量允许时领取并执行。
func (e *EntryEngine) RunWorker(ctx context.Context, workerID string) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(e.cfg.PollInterval):
		}
		if ok, reason := e.guard.MayAcceptNewSignal(); !ok {
			logger.Debugf("容量受限，暂不领取新信号: %s", reason)
			continue
		}
		sig, err := e.signals.ClaimNext(ctx, workerID, e.cfg.ClaimLease)
		if err != nil {
			logger.Errorf("领取信号失败: %v", err)
			continue
		}
		if sig == nil {
			continue
		}
		if ctx.Err() != nil {
			// 干净停机：已领取未下单的信号退回 NEW
			_ = e.signals.ReleaseClaim(context.Background(), sig.ID)
			return nil
		}
		e.ExecuteSignal(ctx, sig)
	}
}

// ExecuteSignal 对单条已领取信号执行完整入场流程；供 worker 与再入场复用。
// 返回是否走到 OPEN。
func (e *EntryEngine) ExecuteSignal(ctx context.Context, sig *store.QueuedSignal) bool {
	corr := telemetry.Correlation{SignalID: sig.ID}

	if e.cfg.DryRun {
		_ = e.signals.UpdateStatus(ctx, sig.ID, store.SignalStatusFailed, "dry_run")
		e.telemetry.Emit("entry_skipped", "WARNING", "ENTRY", "dry_run 模式拒绝下单", corr, nil)
		return false
	}

	side := strings.ToUpper(sig.Side)
	if side != bingx.PositionLong && side != bingx.PositionShort {
		e.reject(ctx, sig, corr, "invalid_side", fmt.Sprintf("非法方向: %s", sig.Side))
		return false
	}

	// 合约精度（每次向交易所查询；查询失败时退回入库时缓存的值）
	tick, step, minQty := sig.TickSize, sig.QtyStep, decimal.Zero
	info, err := e.gateway.GetSymbolInfo(ctx, sig.Symbol)
	if err == nil {
		tick, step, minQty = info.TickSize, info.QtyStep, info.MinQty
	} else if tick.Sign() <= 0 {
		e.reject(ctx, sig, corr, "symbol_info", fmt.Sprintf("查询合约精度失败: %v", err))
		return false
	}

	// 仓位与杠杆
	entry := sig.EntryPrice
	var sl, lev, qty decimal.Decimal
	class := ""
	if sig.SLPrice == nil {
		// FAST 兜底：SL = ∓2%，杠杆固定 x10.00
		sl, lev = e.sizer.FastFallback(entry, side)
		sl = bingx.QuantizePriceForSide(sl, tick, closeSideFor(side))
		qty = e.sizer.FastQuantity(entry)
		class = bingx.ClassFast
	} else {
		sl = *sig.SLPrice
		balance, err := e.gateway.GetBalance(ctx)
		if err != nil || balance.Sign() <= 0 {
			logger.Warnf("查询余额失败，使用基线余额 %s: %v", e.cfg.BalanceBaseline, err)
			balance = e.cfg.BalanceBaseline
		}
		sizing, err := e.sizer.Calculate(balance, entry, sl)
		if err != nil {
			e.reject(ctx, sig, corr, "sizing", err.Error())
			return false
		}
		lev, qty, class = sizing.Leverage, sizing.Quantity, sizing.Class
	}

	qty = bingx.QuantizeQty(qty, step)
	if minQty.Sign() > 0 && qty.LessThan(minQty) {
		e.reject(ctx, sig, corr, "below_min_qty", fmt.Sprintf("数量 %s 低于最小下单量 %s", qty, minQty))
		return false
	}
	_ = e.signals.SetSignalType(ctx, sig.ID, class)

	if err := e.gateway.SetLeverage(ctx, sig.Symbol, side, lev); err != nil {
		logger.Warnf("设置杠杆失败(%s x%s)，按交易所现值继续: %v", sig.Symbol, lev, err)
	}

	// 双腿价：Δ 来自区间半宽或默认比例，tick 量化到安全侧
	spread := entry.Mul(e.cfg.SpreadPct)
	if sig.EntryLow != nil && sig.EntryHigh != nil {
		if half := sig.EntryHigh.Sub(*sig.EntryLow).Div(decimal.NewFromInt(2)); half.Sign() > 0 {
			spread = half
		}
	}
	orderSide := openSideFor(side)
	p1, p2 := bingx.DualLimitPrices(entry, spread, tick, orderSide)
	ltp, err := e.gateway.GetMarkPrice(ctx, sig.Symbol)
	if err != nil {
		e.reject(ctx, sig, corr, "mark_price", fmt.Sprintf("查询最新价失败: %v", err))
		return false
	}
	p1, p2, err = bingx.EnsureMakerSafe(orderSide, p1, p2, ltp, tick, e.cfg.MaxPriceShifts)
	if err != nil {
		e.reject(ctx, sig, corr, "maker_safety", err.Error())
		return false
	}

	q1 := bingx.QuantizeQty(qty.Div(decimal.NewFromInt(2)), step)
	q2 := qty.Sub(q1)
	if q1.Sign() <= 0 || q2.Sign() <= 0 {
		e.reject(ctx, sig, corr, "split_too_small", "双腿拆分后数量不足一个步长")
		return false
	}

	botOrderID := uuid.NewString()
	corr.BotOrderID = botOrderID

	// 建仓行（PENDING_ENTRY）；遥测先于状态落库
	tpLevels := make([]store.TPLevel, 0, len(sig.TPPrices))
	for i, tp := range sig.TPPrices {
		tpLevels = append(tpLevels, store.TPLevel{Index: i, Price: tp.String(), FilledQty: "0", Status: "OPEN"})
	}
	e.telemetry.Emit("entry_planned", "INFO", "ENTRY", "双腿入场已规划", corr, map[string]any{
		"symbol": sig.Symbol, "side": side,
		"entry": entry.String(), "spread": spread.String(),
		"p1": p1.String(), "p2": p2.String(),
		"q1": q1.String(), "q2": q2.String(),
		"leverage": lev.StringFixed(2), "class": class,
	})
	_, _, err = e.positions.CreatePositionIfAbsent(ctx, store.PositionRecord{
		SignalID:      sig.ID,
		BotOrderID:    botOrderID,
		Symbol:        sig.Symbol,
		Side:          side,
		State:         store.PositionPendingEntry,
		SignalType:    class,
		PlannedQty:    qty,
		FilledQty:     decimal.Zero,
		RemainingQty:  decimal.Zero,
		AvgEntryPrice: decimal.Zero,
		Leverage:      lev,
		SLPrice:       sl,
		SignalSLPrice: sl,
		TPLevels:      tpLevels,
	})
	if err != nil {
		e.reject(ctx, sig, corr, "store", fmt.Sprintf("建仓行失败: %v", err))
		return false
	}
	// 再入场会复用同一行：重置执行态（original_entry_price 不回写，保持不可变）
	pendingState := store.PositionPendingEntry
	hedgeNone := store.HedgeNone
	zero := decimal.Zero
	emptyStr := ""
	falseVal := false
	_ = e.positions.UpdatePosition(ctx, sig.ID, store.PositionUpdate{
		State: &pendingState, PlannedQty: &qty, FilledQty: &zero, RemainingQty: &zero,
		Leverage: &lev, SLPrice: &sl, SLOrderID: &emptyStr, TPLevels: tpLevels,
		ReplacementOrderID: &emptyStr, HedgeState: &hedgeNone, TrailActive: &falseVal,
	})

	// 双腿下单（post-only GTC）
	placeOne := func(price, q decimal.Decimal) (string, error) {
		return e.gateway.PlaceLimit(ctx, bingx.LimitOrderRequest{
			Symbol:       sig.Symbol,
			Side:         orderSide,
			PositionSide: side,
			Price:        price,
			Quantity:     q,
			PostOnly:     true,
			TimeInForce:  "GTC",
		})
	}
	oid1, err := placeOne(p1, q1)
	if err != nil {
		e.fail(ctx, sig, corr, "placement", fmt.Sprintf("第一腿下单失败: %v", err))
		return false
	}
	oid2, err := placeOne(p2, q2)
	if err != nil {
		_ = e.gateway.Cancel(ctx, sig.Symbol, oid1)
		e.fail(ctx, sig, corr, "placement", fmt.Sprintf("第二腿下单失败: %v", err))
		return false
	}
	entryIDs := []string{oid1, oid2}
	corr.OrderIDs = entryIDs
	_ = e.positions.UpdatePosition(ctx, sig.ID, store.PositionUpdate{EntryOrderIDs: entryIDs})
	for _, oid := range entryIDs {
		_ = e.positions.UpsertTracked(ctx, store.TrackedOrder{
			OrderID: oid, SignalID: sig.ID, Symbol: sig.Symbol, Kind: store.TrackKindEntry, LevelIndex: -1,
		})
	}
	e.telemetry.Emit("entry_placed", "INFO", "ENTRY", "双腿挂单已受理", corr, map[string]any{
		"symbol": sig.Symbol, "order_ids": entryIDs,
	})

	// exchange-first：受理后才对外发确认
	e.publish(sig, botOrderID, entryIDs, entry, sl, lev, qty, class, false, false)

	// 成交跟踪与合并
	return e.watchFills(ctx, sig, corr, watchParams{
		entry: entry, qty: qty, tick: tick, step: step,
		side: side, orderSide: orderSide, entryIDs: entryIDs,
	})
}

type watchParams struct {
	entry, qty, tick, step decimal.Decimal
	side, orderSide        string
	entryIDs               []string
}

// watchFills 轮询成交：首次成交即合并改单；全部成交转 OPEN。
// f 与 Σ(price×qty) 每轮从头累计（确定性对账），幂等。
func (e *EntryEngine) watchFills(ctx context.Context, sig *store.QueuedSignal, corr telemetry.Correlation, wp watchParams) bool {
	firstFillDeadline := time.Now().Add(e.cfg.FirstFillTimeout)
	totalDeadline := time.Now().Add(e.cfg.TotalFillTimeout)
	merged := false
	replacementID := ""
	originalSet := false

	allIDs := func() []string {
		ids := append([]string(nil), wp.entryIDs...)
		if replacementID != "" {
			ids = append(ids, replacementID)
		}
		return ids
	}

	sumFills := func(ids []string) (f, w decimal.Decimal, statuses map[string]*bingx.Order) {
		statuses = map[string]*bingx.Order{}
		for _, oid := range ids {
			st, err := e.gateway.GetOrder(ctx, sig.Symbol, oid)
			if err != nil {
				continue // 未知态交给下一轮
			}
			statuses[oid] = st
			if st.ExecutedQty.Sign() > 0 && st.AvgFillPrice.Sign() > 0 {
				f = f.Add(st.ExecutedQty)
				w = w.Add(st.ExecutedQty.Mul(st.AvgFillPrice))
			}
		}
		return f, w, statuses
	}

	for {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(e.cfg.PollInterval):
		}

		now := time.Now()
		f, w, statuses := sumFills(allIDs())

		if f.Sign() <= 0 {
			if now.After(firstFillDeadline) {
				for _, oid := range allIDs() {
					_ = e.gateway.Cancel(ctx, sig.Symbol, oid)
				}
				e.expire(ctx, sig, corr, "24h 无成交，挂单撤销")
				return false
			}
			continue
		}

		avg := w.Div(f)
		if !originalSet {
			// 首次成交：original_entry_price 一经写入永不改动
			_ = e.positions.SetOriginalEntryPrice(ctx, sig.ID, avg)
			originalSet = true
		}
		remaining := wp.qty.Sub(f)
		state := store.PositionPartial
		if remaining.Sign() <= 0 {
			state = store.PositionOpen
		}
		e.telemetry.Emit("entry_fill", "INFO", "ENTRY", "入场成交进度", corr, map[string]any{
			"filled": f.String(), "avg": avg.String(), "remaining": remaining.String(),
		})
		_ = e.positions.UpdatePosition(ctx, sig.ID, store.PositionUpdate{
			State: &state, FilledQty: &f, RemainingQty: &f, AvgEntryPrice: &avg,
		})

		if remaining.Sign() <= 0 {
			_ = e.signals.UpdateStatus(ctx, sig.ID, store.SignalStatusCompleted, "")
			logger.Infof("✓ 入场完成 signal=%d %s %s qty=%s avg=%s", sig.ID, sig.Symbol, wp.side, f, avg)
			return true
		}

		if !merged {
			// 合并：撤掉仍在挂的原始腿，按量加权剩余价改单
			for _, oid := range wp.entryIDs {
				st := statuses[oid]
				if st == nil || st.Status == bingx.OrderStatusNew || st.Status == bingx.OrderStatusPartiallyFilled {
					_ = e.gateway.Cancel(ctx, sig.Symbol, oid)
				}
			}
			// 撤单后重新对账（撤单与成交存在竞态）
			f2, w2, _ := sumFills(wp.entryIDs)
			remaining = wp.qty.Sub(f2)
			if remaining.Sign() > 0 {
				pr := wp.entry.Mul(wp.qty).Sub(w2).Div(remaining)
				pr = bingx.QuantizePriceForSide(pr, wp.tick, wp.orderSide)
				ltp, err := e.gateway.GetMarkPrice(ctx, sig.Symbol)
				if err == nil {
					pr, _, err = bingx.EnsureMakerSafe(wp.orderSide, pr, pr, ltp, wp.tick, e.cfg.MaxPriceShifts)
				}
				if err != nil {
					e.fail(ctx, sig, corr, "replacement", fmt.Sprintf("改单价不可用: %v", err))
					return false
				}
				oid, err := e.gateway.PlaceLimit(ctx, bingx.LimitOrderRequest{
					Symbol:       sig.Symbol,
					Side:         wp.orderSide,
					PositionSide: wp.side,
					Price:        pr,
					Quantity:     remaining,
					PostOnly:     true,
					TimeInForce:  "GTC",
				})
				if err != nil {
					e.fail(ctx, sig, corr, "replacement", fmt.Sprintf("改单失败: %v", err))
					return false
				}
				replacementID = oid
				_ = e.positions.UpdatePosition(ctx, sig.ID, store.PositionUpdate{ReplacementOrderID: &replacementID})
				_ = e.positions.UpsertTracked(ctx, store.TrackedOrder{
					OrderID: oid, SignalID: sig.ID, Symbol: sig.Symbol, Kind: store.TrackKindEntry, LevelIndex: -1,
				})
				e.telemetry.Emit("entry_merged", "INFO", "ENTRY", "首次成交后合并改单", corr, map[string]any{
					"replacement_order_id": oid, "pr": pr.String(), "remaining": remaining.String(),
				})
			}
			merged = true
		}

		if now.After(totalDeadline) {
			// 6d 总时限：撤掉残腿，按已成交量转 OPEN
			for _, oid := range allIDs() {
				_ = e.gateway.Cancel(ctx, sig.Symbol, oid)
			}
			f3, w3, _ := sumFills(allIDs())
			if f3.Sign() <= 0 {
				e.expire(ctx, sig, corr, "6d 总时限无成交")
				return false
			}
			avg3 := w3.Div(f3)
			open := store.PositionOpen
			_ = e.positions.UpdatePosition(ctx, sig.ID, store.PositionUpdate{
				State: &open, PlannedQty: &f3, FilledQty: &f3, RemainingQty: &f3, AvgEntryPrice: &avg3,
			})
			_ = e.signals.UpdateStatus(ctx, sig.ID, store.SignalStatusCompleted, "总时限截断，按已成交量持仓")
			return true
		}
	}
}

func (e *EntryEngine) reject(ctx context.Context, sig *store.QueuedSignal, corr telemetry.Correlation, reason, detail string) {
	e.telemetry.Emit("signal_rejected", "WARNING", "ENTRY", detail, corr, map[string]any{"reason": reason})
	_ = e.signals.UpdateStatus(ctx, sig.ID, store.SignalStatusRejected, reason+": "+detail)
	e.notifier.Notify("信号被拒 ❌",
		fmt.Sprintf("signal_id: %d", sig.ID),
		fmt.Sprintf("标的: %s %s", sig.Symbol, sig.Side),
		fmt.Sprintf("原因: %s", detail),
	)
}

func (e *EntryEngine) fail(ctx context.Context, sig *store.QueuedSignal, corr telemetry.Correlation, reason, detail string) {
	e.telemetry.Emit("position_failed", "ERROR", "ENTRY", detail, corr, map[string]any{"reason": reason})
	failed := store.PositionFailed
	_ = e.positions.UpdatePosition(ctx, sig.ID, store.PositionUpdate{State: &failed, ClosedReason: &detail})
	_ = e.signals.UpdateStatus(ctx, sig.ID, store.SignalStatusFailed, reason+": "+detail)
	e.notifier.Notify("入场失败 ❌",
		fmt.Sprintf("signal_id: %d", sig.ID),
		fmt.Sprintf("标的: %s %s", sig.Symbol, sig.Side),
		fmt.Sprintf("原因: %s", detail),
	)
}

func (e *EntryEngine) expire(ctx context.Context, sig *store.QueuedSignal, corr telemetry.Correlation, detail string) {
	e.telemetry.Emit("entry_expired", "WARNING", "ENTRY", detail, corr, nil)
	cancelled := store.PositionCancelled
	_ = e.positions.UpdatePosition(ctx, sig.ID, store.PositionUpdate{State: &cancelled, ClosedReason: &detail})
	_ = e.signals.UpdateStatus(ctx, sig.ID, store.SignalStatusExpired, detail)
	e.notifier.Notify("入场过期 ⏳",
		fmt.Sprintf("signal_id: %d", sig.ID),
		fmt.Sprintf("标的: %s %s", sig.Symbol, sig.Side),
		fmt.Sprintf("原因: %s", detail),
	)
}

// publish 对外确认模板：仅在交易所受理后发出，禁止原文转发。
func (e *EntryEngine) publish(sig *store.QueuedSignal, botOrderID string, orderIDs []string,
	entry, sl, lev, qty decimal.Decimal, class string, tpSLSet, positionOpened bool) {
	if e.publishTo == nil {
		return
	}
	var sb strings.Builder
	sb.WriteString("SENT ONLY AFTER BINGX CONFIRMATION (code=0/fills)\n\n")
	sb.WriteString("✅ Order Placed\n")
	sb.WriteString(fmt.Sprintf("🕒 Tid: %s\n", time.Now().Format("2006-01-02 15:04:05")))
	sb.WriteString(fmt.Sprintf("📢 Från kanal: %s\n", sig.SourceChannel))
	sb.WriteString(fmt.Sprintf("📊 Symbol: %s\n", sig.Symbol))
	sb.WriteString(fmt.Sprintf("📈 Riktning: %s\n", sig.Side))
	sb.WriteString(fmt.Sprintf("💰 Entry: %s\n", format.Price(entry)))
	sb.WriteString(fmt.Sprintf("🛑 Stop Loss: %s\n", format.Price(sl)))
	sb.WriteString(fmt.Sprintf("⚡ Leverage: %s (%s)\n", format.Leverage(lev), class))
	sb.WriteString(fmt.Sprintf("📦 Quantity: %s\n", format.Qty(qty)))
	sb.WriteString(fmt.Sprintf("🆔 Bot Order ID: %s\n", botOrderID))
	sb.WriteString(fmt.Sprintf("🆔 BingX Order IDs: %s\n", strings.Join(orderIDs, ", ")))
	if len(sig.TPPrices) > 0 {
		sb.WriteString("🎯 Take Profits:\n")
		share := decimal.NewFromInt(1).Div(decimal.NewFromInt(int64(len(sig.TPPrices)))).Round(4)
		for i, tp := range sig.TPPrices {
			pct := tp.Sub(entry).Div(entry)
			if sig.Side == bingx.PositionShort {
				pct = pct.Neg()
			}
			sb.WriteString(fmt.Sprintf("  TP%d: %s (%s, share %s)\n",
				i+1, format.Price(tp), format.Percent(pct), share.String()))
		}
	}
	sb.WriteString(fmt.Sprintf("order_accepted: %v\n", true))
	sb.WriteString(fmt.Sprintf("tp_sl_set: %v\n", tpSLSet))
	sb.WriteString(fmt.Sprintf("position_opened: %v\n", positionOpened))
	if err := e.publishTo.SendText(sb.String()); err != nil {
		logger.Warnf("确认消息发送失败(signal=%d): %v", sig.ID, err)
	}
}
