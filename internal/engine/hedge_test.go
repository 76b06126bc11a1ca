package engine

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"

	"sigflow/internal/gateway/bingx"
	"sigflow/internal/store"
	"sigflow/internal/telemetry"
)

func newHedge(signals *store.SignalStore, positions *store.LifecycleStore, gw Gateway, entry *EntryEngine, sink *telemetry.Sink) *HedgeManager {
	return NewHedgeManager(signals, positions, gw, entry, sink, nopNotifier{}, HedgeConfig{
		AdverseMovePct:     d("0.02"),
		MaxReentryAttempts: 3,
		PollInterval:       testLifecycleCfg.PollInterval,
	})
}

func TestAdverseMoveOpensHedge(t *testing.T) {
	signals, positions, sink := newTestStores(t)
	gw := newFakeGateway()
	m := newHedge(signals, positions, gw, nil, sink)
	ctx := context.Background()

	sig := seedSignal(t, signals, "GUNUSDT", "LONG", "100", "95", "110")
	seedOpenPosition(t, positions, sig.ID, "GUNUSDT", "LONG", "10", "10", "100", "95", "110")

	// -1% 不触发
	gw.setMarkPrice("99")
	m.checkAdverse(ctx, sig.ID)
	pos, _ := positions.GetPosition(ctx, sig.ID)
	if pos.HedgeState != store.HedgeNone {
		t.Fatalf("hedge must not trigger at -1%%")
	}

	// -2% 触发：反向等量，TP 腿在原始入场价，SL 腿在原始 SL
	gw.setMarkPrice("98")
	m.checkAdverse(ctx, sig.ID)
	pos, _ = positions.GetPosition(ctx, sig.ID)
	if pos.HedgeState != store.HedgeActive {
		t.Fatalf("expected HEDGED, got %s", pos.HedgeState)
	}
	if len(gw.placedMarkets) != 1 {
		t.Fatalf("expected one hedge market order")
	}
	open := gw.placedMarkets[0]
	if open.PositionSide != bingx.PositionShort || open.Side != bingx.SideSell {
		t.Errorf("hedge must open SHORT via SELL: %+v", open)
	}
	if open.Quantity.String() != "10" {
		t.Errorf("hedge size must equal filled qty, got %s", open.Quantity)
	}
	if len(gw.placedStops) != 1 || gw.placedStops[0].StopPrice.String() != "100" {
		t.Errorf("hedge TP leg must sit at original entry 100: %+v", gw.placedStops)
	}
	foundSLLeg := false
	for _, req := range gw.placedLimits {
		if req.ReduceOnly && req.Price.String() == "95" && req.PositionSide == bingx.PositionShort {
			foundSLLeg = true
		}
	}
	if !foundSLLeg {
		t.Errorf("hedge SL leg must sit at original SL 95: %+v", gw.placedLimits)
	}

	// 幂等：已对冲不再重复开
	m.checkAdverse(ctx, sig.ID)
	if len(gw.placedMarkets) != 1 {
		t.Errorf("hedge must be one-shot")
	}
}

func TestHedgeTPCountsAsStopAndTriggersReentry(t *testing.T) {
	signals, positions, sink := newTestStores(t)
	gw := newFakeGateway()
	entry := newEntryEngine(signals, positions, gw, sink)
	m := newHedge(signals, positions, gw, entry, sink)
	ctx := context.Background()

	// 粗 tick/细步长，保证再入场腿价可以平移到安全侧且可拆分
	gw.symbolInfo.TickSize = d("0.1")
	gw.symbolInfo.QtyStep = d("0.001")
	gw.symbolInfo.MinQty = d("0.001")

	sig := seedSignal(t, signals, "GUNUSDT", "LONG", "100", "95", "110")
	seedOpenPosition(t, positions, sig.ID, "GUNUSDT", "LONG", "10", "10", "100", "95", "110")

	gw.setMarkPrice("98")
	m.checkAdverse(ctx, sig.ID)
	pos, _ := positions.GetPosition(ctx, sig.ID)

	// 对冲 TP 腿（原始入场价）成交
	gw.script(pos.HedgeTPOrderID, func(call int, o *fakeOrder) (decimal.Decimal, decimal.Decimal, string) {
		return o.stopReq.Quantity, o.stopReq.StopPrice, bingx.OrderStatusFilled
	})
	// 再入场的双腿首查即全成
	gw.autoFillLimits = true
	before := len(gw.placedLimits)
	m.checkHedgeOutcome(ctx, sig.ID)

	pos, _ = positions.GetPosition(ctx, sig.ID)
	if pos.ReentryAttempts != 1 {
		t.Errorf("expected 1 re-entry attempt, got %d", pos.ReentryAttempts)
	}
	if len(gw.placedLimits) <= before {
		t.Errorf("expected re-entry dual-limit placement")
	}
	// 再入场成功后重新进入 OPEN，对冲态复位
	if pos.State != store.PositionOpen {
		t.Errorf("expected OPEN after re-entry, got %s", pos.State)
	}
	if pos.HedgeState != store.HedgeNone {
		t.Errorf("expected hedge reset to NONE, got %s", pos.HedgeState)
	}
}

func TestReentryBoundedAndLocked(t *testing.T) {
	signals, positions, sink := newTestStores(t)
	gw := newFakeGateway()
	entry := newEntryEngine(signals, positions, gw, sink)
	m := newHedge(signals, positions, gw, entry, sink)
	ctx := context.Background()

	sig := seedSignal(t, signals, "GUNUSDT", "LONG", "100", "95", "110")
	seedOpenPosition(t, positions, sig.ID, "GUNUSDT", "LONG", "10", "10", "100", "95", "110")

	closed := store.PositionClosed
	reason := "stop_hit"
	attempts := 3
	_ = positions.UpdatePosition(ctx, sig.ID, store.PositionUpdate{
		State: &closed, ClosedReason: &reason, ReentryAttempts: &attempts,
	})

	m.maybeReenter(ctx, sig.ID)
	locked, err := signals.IsReentryLocked(ctx, "GUNUSDT", "LONG")
	if err != nil || !locked {
		t.Fatalf("expected lock after max attempts, locked=%v err=%v", locked, err)
	}
	// 锁定后不再尝试
	before := len(gw.placedLimits)
	m.maybeReenter(ctx, sig.ID)
	if len(gw.placedLimits) != before {
		t.Errorf("locked signal must not re-enter")
	}

	// 新外部信号到来解锁
	if err := signals.ClearReentryLock(ctx, "GUNUSDT", "LONG"); err != nil {
		t.Fatalf("clear lock: %v", err)
	}
	locked, _ = signals.IsReentryLocked(ctx, "GUNUSDT", "LONG")
	if locked {
		t.Errorf("expected unlock after new signal")
	}
}
