package engine

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"

	"sigflow/internal/gateway/bingx"
	"sigflow/internal/store"
	"sigflow/internal/telemetry"
)

func newLifecycle(positions *store.LifecycleStore, gw Gateway, sink *telemetry.Sink) *LifecycleManager {
	return NewLifecycleManager(positions, gw, sink, nopNotifier{}, testLifecycleCfg)
}

func TestAttachProtections(t *testing.T) {
	_, positions, sink := newTestStores(t)
	gw := newFakeGateway()
	m := newLifecycle(positions, gw, sink)
	ctx := context.Background()

	pos := seedOpenPosition(t, positions, 1, "GUNUSDT", "LONG", "7965", "7965", "0.02335", "0.02234", "0.02375", "0.02400")
	m.tickOne(ctx, pos)

	pos, _ = positions.GetPosition(ctx, 1)
	if pos.SLOrderID == "" {
		t.Fatalf("expected SL order attached")
	}
	var tpQty decimal.Decimal
	for i, lvl := range pos.TPLevels {
		if lvl.OrderID == "" {
			t.Errorf("TP%d not attached", i+1)
		}
		tpQty = tpQty.Add(d(lvl.Qty))
	}
	// reduce-only TP 总量不超过持仓
	if tpQty.GreaterThan(pos.FilledQty) {
		t.Errorf("TP qty %s exceeds filled %s", tpQty, pos.FilledQty)
	}
	for _, req := range gw.placedLimits {
		if !req.ReduceOnly || req.Side != bingx.SideSell {
			t.Errorf("TP leg must be reduce-only SELL: %+v", req)
		}
	}
	if len(gw.placedStops) != 1 || !gw.placedStops[0].ReduceOnly {
		t.Errorf("expected one reduce-only SL stop, got %+v", gw.placedStops)
	}
}

func TestAttachFailureMarksFailed(t *testing.T) {
	_, positions, sink := newTestStores(t)
	gw := newFakeGateway()
	gw.placeLimitErr = &bingx.APIError{Code: 101204, Msg: "insufficient margin"}
	m := newLifecycle(positions, gw, sink)
	ctx := context.Background()

	pos := seedOpenPosition(t, positions, 2, "GUNUSDT", "LONG", "10", "10", "100", "98", "103")
	m.tickOne(ctx, pos)

	pos, _ = positions.GetPosition(ctx, 2)
	if pos.State != store.PositionFailed {
		t.Errorf("expected FAILED, got %s", pos.State)
	}
}

func TestTPFillDeltaAndIdempotence(t *testing.T) {
	_, positions, sink := newTestStores(t)
	gw := newFakeGateway()
	m := newLifecycle(positions, gw, sink)
	ctx := context.Background()

	pos := seedOpenPosition(t, positions, 3, "GUNUSDT", "LONG", "10", "10", "100", "98", "103", "106")
	m.tickOne(ctx, pos) // 挂 TP/SL
	pos, _ = positions.GetPosition(ctx, 3)
	tp1 := pos.TPLevels[0].OrderID

	// TP1 全成
	gw.script(tp1, func(call int, o *fakeOrder) (decimal.Decimal, decimal.Decimal, string) {
		return o.req.Quantity, o.req.Price, bingx.OrderStatusFilled
	})
	m.tickOne(ctx, pos)

	pos, _ = positions.GetPosition(ctx, 3)
	if pos.TPLevels[0].Status != "COMPLETED" {
		t.Fatalf("expected TP1 COMPLETED, got %s", pos.TPLevels[0].Status)
	}
	remainingAfter := pos.RemainingQty

	// 幂等：相同交易所状态再轮询一次，无新副作用
	m.tickOne(ctx, pos)
	pos2, _ := positions.GetPosition(ctx, 3)
	if !pos2.RemainingQty.Equal(remainingAfter) {
		t.Errorf("re-poll changed remaining: %s -> %s", remainingAfter, pos2.RemainingQty)
	}
	if pos2.TPLevels[0].FilledQty != pos.TPLevels[0].FilledQty {
		t.Errorf("re-poll changed TP fill")
	}
}

func TestTP2FillMovesSLToBreakEven(t *testing.T) {
	_, positions, sink := newTestStores(t)
	gw := newFakeGateway()
	m := newLifecycle(positions, gw, sink)
	ctx := context.Background()

	pos := seedOpenPosition(t, positions, 4, "GUNUSDT", "LONG", "10", "10", "100", "98", "103", "106", "109")
	m.tickOne(ctx, pos)
	pos, _ = positions.GetPosition(ctx, 4)
	oldSL := pos.SLOrderID
	tp2 := pos.TPLevels[1].OrderID

	gw.script(tp2, func(call int, o *fakeOrder) (decimal.Decimal, decimal.Decimal, string) {
		return o.req.Quantity, o.req.Price, bingx.OrderStatusFilled
	})
	m.tickOne(ctx, pos)

	pos, _ = positions.GetPosition(ctx, 4)
	if pos.SLOrderID == oldSL {
		t.Fatalf("expected SL replaced after TP2 fill")
	}
	// BE = original × (1+ε)
	want := d("100").Mul(d("1").Add(testLifecycleCfg.BreakEvenEpsilon))
	if !pos.SLPrice.Equal(want) {
		t.Errorf("expected SL %s, got %s", want, pos.SLPrice)
	}
}

func TestSLFillClosesPosition(t *testing.T) {
	_, positions, sink := newTestStores(t)
	gw := newFakeGateway()
	m := newLifecycle(positions, gw, sink)
	ctx := context.Background()

	pos := seedOpenPosition(t, positions, 5, "GUNUSDT", "LONG", "10", "10", "100", "98", "103")
	m.tickOne(ctx, pos)
	pos, _ = positions.GetPosition(ctx, 5)

	gw.script(pos.SLOrderID, func(call int, o *fakeOrder) (decimal.Decimal, decimal.Decimal, string) {
		return o.stopReq.Quantity, o.stopReq.StopPrice, bingx.OrderStatusFilled
	})
	m.tickOne(ctx, pos)

	pos, _ = positions.GetPosition(ctx, 5)
	if pos.State != store.PositionClosed {
		t.Fatalf("expected CLOSED, got %s", pos.State)
	}
	if pos.ClosedReason != "stop_hit" {
		t.Errorf("expected stop_hit, got %s", pos.ClosedReason)
	}
}

func TestTrailingActivatesAndTightensSL(t *testing.T) {
	_, positions, sink := newTestStores(t)
	gw := newFakeGateway()
	m := newLifecycle(positions, gw, sink)
	ctx := context.Background()

	pos := seedOpenPosition(t, positions, 6, "GUNUSDT", "LONG", "10", "10", "100", "98", "120")
	m.tickOne(ctx, pos) // 挂保护

	// 浮盈 7% ≥ 6.1% → 进入移动止损，SL = 107×(1−0.025)
	gw.setMarkPrice("107")
	pos, _ = positions.GetPosition(ctx, 6)
	m.tickOne(ctx, pos)

	pos, _ = positions.GetPosition(ctx, 6)
	if !pos.TrailActive {
		t.Fatalf("expected trailing active")
	}
	want := d("107").Mul(d("0.975"))
	if !pos.SLPrice.Equal(want) {
		t.Errorf("expected trailed SL %s, got %s", want, pos.SLPrice)
	}

	// 价格回落不放松 SL
	gw.setMarkPrice("105")
	m.tickOne(ctx, pos)
	pos2, _ := positions.GetPosition(ctx, 6)
	if !pos2.SLPrice.Equal(want) {
		t.Errorf("SL must not loosen: %s -> %s", want, pos2.SLPrice)
	}
}
