package engine

import (
	"context"
	"testing"

	"sigflow/internal/store"
	"sigflow/internal/telemetry"
)

func newPyramid(positions *store.LifecycleStore, gw Gateway, sink *telemetry.Sink) *PyramidManager {
	return NewPyramidManager(positions, gw, sink, PyramidConfig{
		Scales: []PyramidScale{
			{ThresholdPct: d("3.0"), AddFraction: d("0.50")},
			{ThresholdPct: d("6.0"), AddFraction: d("0.25")},
		},
		MaxMultiplier: d("2.0"),
		PollInterval:  testLifecycleCfg.PollInterval,
	})
}

func TestPyramidScaleLadder(t *testing.T) {
	_, positions, sink := newTestStores(t)
	gw := newFakeGateway()
	m := newPyramid(positions, gw, sink)
	ctx := context.Background()

	seedOpenPosition(t, positions, 10, "GUNUSDT", "LONG", "10", "10", "100", "98", "120")

	// +3% → scale 1 加 50%
	gw.setMarkPrice("103")
	m.checkOne(ctx, 10)
	pos, _ := positions.GetPosition(ctx, 10)
	if !pos.Pyramid.HasScale(1) {
		t.Fatalf("expected scale 1 executed")
	}
	if pos.Pyramid.HasScale(2) {
		t.Fatalf("scale 2 must not run at +3%%")
	}
	if got := pos.FilledQty.String(); got != "15" {
		t.Errorf("expected filled 15, got %s", got)
	}
	if len(gw.placedMarkets) != 1 || gw.placedMarkets[0].Quantity.String() != "5" {
		t.Errorf("expected market add qty 5, got %+v", gw.placedMarkets)
	}

	// 同价位重复轮询：one-shot，不重复加仓
	m.checkOne(ctx, 10)
	pos, _ = positions.GetPosition(ctx, 10)
	if len(gw.placedMarkets) != 1 {
		t.Fatalf("scale 1 must be one-shot, got %d orders", len(gw.placedMarkets))
	}

	// +6% → scale 2 加 25%
	gw.setMarkPrice("106")
	m.checkOne(ctx, 10)
	pos, _ = positions.GetPosition(ctx, 10)
	if !pos.Pyramid.HasScale(2) {
		t.Fatalf("expected scale 2 executed")
	}
	if got := pos.FilledQty.String(); got != "17.5" {
		t.Errorf("expected filled 17.5, got %s", got)
	}
	// 不变量：filled ≤ planned × 2.0
	if pos.FilledQty.GreaterThan(pos.PlannedQty.Mul(d("2.0"))) {
		t.Errorf("filled %s exceeds cap", pos.FilledQty)
	}
}

func TestPyramidRespectsCap(t *testing.T) {
	_, positions, sink := newTestStores(t)
	gw := newFakeGateway()
	m := NewPyramidManager(positions, gw, sink, PyramidConfig{
		Scales:        []PyramidScale{{ThresholdPct: d("3.0"), AddFraction: d("1.50")}},
		MaxMultiplier: d("2.0"),
		PollInterval:  testLifecycleCfg.PollInterval,
	})
	ctx := context.Background()
	seedOpenPosition(t, positions, 11, "GUNUSDT", "LONG", "10", "10", "100", "98", "120")

	gw.setMarkPrice("104")
	m.checkOne(ctx, 11)
	pos, _ := positions.GetPosition(ctx, 11)
	if pos.Pyramid.HasScale(1) {
		t.Fatalf("scale exceeding cap must be skipped")
	}
	if len(gw.placedMarkets) != 0 {
		t.Errorf("no order expected when cap would be exceeded")
	}
}

func TestPyramidShortSide(t *testing.T) {
	_, positions, sink := newTestStores(t)
	gw := newFakeGateway()
	m := newPyramid(positions, gw, sink)
	ctx := context.Background()
	seedOpenPosition(t, positions, 12, "GUNUSDT", "SHORT", "10", "10", "100", "102", "90")

	// SHORT 的浮盈方向是下跌
	gw.setMarkPrice("96.9")
	m.checkOne(ctx, 12)
	pos, _ := positions.GetPosition(ctx, 12)
	if !pos.Pyramid.HasScale(1) {
		t.Fatalf("expected scale 1 for short at -3.1%%")
	}
	if gw.placedMarkets[0].Side != "SELL" {
		t.Errorf("short add must SELL, got %s", gw.placedMarkets[0].Side)
	}
}
