package bingx

import (
	"testing"
)

func TestQuantizePriceSafeSide(t *testing.T) {
	tick := d("0.00001")
	// 买向下、卖向上（远离盘口）
	if got := QuantizePriceForSide(d("0.023378"), tick, SideBuy); got.String() != "0.02337" {
		t.Errorf("buy quantize=%s want 0.02337", got)
	}
	if got := QuantizePriceForSide(d("0.023372"), tick, SideSell); got.String() != "0.02338" {
		t.Errorf("sell quantize=%s want 0.02338", got)
	}
}

func TestQuantizeIdempotent(t *testing.T) {
	tick := d("0.00001")
	step := d("0.001")
	prices := []string{"0.023378", "0.02335", "1234.56789"}
	for _, p := range prices {
		once := QuantizePriceForSide(d(p), tick, SideBuy)
		twice := QuantizePriceForSide(once, tick, SideBuy)
		if !once.Equal(twice) {
			t.Errorf("price quantize not idempotent: %s -> %s -> %s", p, once, twice)
		}
	}
	qtys := []string{"7965.7321", "0.0015", "42"}
	for _, q := range qtys {
		once := QuantizeQty(d(q), step)
		twice := QuantizeQty(once, step)
		if !once.Equal(twice) {
			t.Errorf("qty quantize not idempotent: %s -> %s -> %s", q, once, twice)
		}
	}
}

func TestQuantizeQtyRoundsDown(t *testing.T) {
	if got := QuantizeQty(d("7965.9"), d("1")); got.String() != "7965" {
		t.Errorf("qty=%s want 7965", got)
	}
	if got := QuantizeQty(d("0.0019"), d("0.001")); got.String() != "0.001" {
		t.Errorf("qty=%s want 0.001", got)
	}
}

func TestDualLimitPrices(t *testing.T) {
	p1, p2 := DualLimitPrices(d("0.02335"), d("0.0000233"), d("0.00001"), SideBuy)
	// P1 = Em − Δ，P2 = Em + Δ，买侧向下量化
	if p1.String() != "0.02332" {
		t.Errorf("p1=%s want 0.02332", p1)
	}
	if p2.String() != "0.02337" {
		t.Errorf("p2=%s want 0.02337", p2)
	}
	if !p1.LessThan(p2) {
		t.Errorf("p1 must be below p2")
	}
}

func TestEnsureMakerSafe(t *testing.T) {
	tick := d("0.00001")

	// 买单两腿都在 LTP 下方：不动
	p1, p2, err := EnsureMakerSafe(SideBuy, d("0.02332"), d("0.02337"), d("0.02340"), tick, 50)
	if err != nil {
		t.Fatal(err)
	}
	if p1.String() != "0.02332" || p2.String() != "0.02337" {
		t.Errorf("prices moved unnecessarily: %s %s", p1, p2)
	}

	// 上腿越过 LTP：整体向外平移
	p1, p2, err = EnsureMakerSafe(SideBuy, d("0.02338"), d("0.02343"), d("0.02340"), tick, 50)
	if err != nil {
		t.Fatal(err)
	}
	if !p2.LessThan(d("0.02340")) {
		t.Errorf("p2=%s must end below ltp", p2)
	}

	// 平移预算不足：报错（上层 REJECT）
	_, _, err = EnsureMakerSafe(SideBuy, d("0.02432"), d("0.02437"), d("0.02340"), tick, 3)
	if err == nil {
		t.Errorf("expected maker-safety error")
	}

	// 卖单方向对称
	p1, p2, err = EnsureMakerSafe(SideSell, d("0.02338"), d("0.02343"), d("0.02340"), tick, 50)
	if err != nil {
		t.Fatal(err)
	}
	if !p1.GreaterThan(d("0.02340")) {
		t.Errorf("sell p1=%s must end above ltp", p1)
	}
}

func TestSymbolFormatRoundTrip(t *testing.T) {
	tests := []struct {
		in   string
		wire string
	}{
		{"BTCUSDT", "BTC-USDT"},
		{"GUN/USDT", "GUN-USDT"},
		{"eth-usdt", "ETH-USDT"},
	}
	for _, tt := range tests {
		if got := FormatSymbol(tt.in); got != tt.wire {
			t.Errorf("FormatSymbol(%s)=%s want %s", tt.in, got, tt.wire)
		}
		if got := NormalizeSymbol(tt.wire); got != NormalizeSymbol(tt.in) {
			t.Errorf("round trip broken for %s", tt.in)
		}
	}
}
