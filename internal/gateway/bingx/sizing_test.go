package bingx

import (
	"testing"

	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestCalculatePositionSize(t *testing.T) {
	sizer := Sizer{
		RiskPerTrade:      d("0.02"),
		InitialMarginPlan: d("20.00"),
		MinLeverage:       d("6.00"),
		MaxLeverage:       d("50.00"),
	}

	// 余额 402.10，入场 0.02335，止损 0.02234：
	// Δ≈0.04326，N≈185.9，杠杆 9.30，DYNAMIC，qty≈7965.7
	s, err := sizer.Calculate(d("402.10"), d("0.02335"), d("0.02234"))
	if err != nil {
		t.Fatal(err)
	}
	if got := s.Leverage.StringFixed(2); got != "9.30" {
		t.Errorf("leverage=%s want 9.30", got)
	}
	if s.Class != ClassDynamic {
		t.Errorf("class=%s want DYNAMIC", s.Class)
	}
	if s.Delta.Sub(d("0.04326")).Abs().GreaterThan(d("0.0001")) {
		t.Errorf("delta=%s want ≈0.04326", s.Delta)
	}
	if s.Quantity.Sub(d("7965.7")).Abs().GreaterThan(d("1")) {
		t.Errorf("qty=%s want ≈7965.7", s.Quantity)
	}
}

func TestLeverageClampAndPrecision(t *testing.T) {
	sizer := Sizer{
		RiskPerTrade:      d("0.02"),
		InitialMarginPlan: d("20.00"),
		MinLeverage:       d("6.00"),
		MaxLeverage:       d("50.00"),
	}
	tests := []struct {
		name    string
		entry   string
		sl      string
		balance string
		want    string
	}{
		// 极小 Δ → 原始杠杆远超 50 → 封顶
		{"clamp high", "100", "99.99", "402.10", "50.00"},
		// 极大 Δ → 原始杠杆低于 6 → 抬底
		{"clamp low", "100", "50", "402.10", "6.00"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := sizer.Calculate(d(tt.balance), d(tt.entry), d(tt.sl))
			if err != nil {
				t.Fatal(err)
			}
			if got := s.Leverage.StringFixed(2); got != tt.want {
				t.Errorf("leverage=%s want %s", got, tt.want)
			}
			// 两位小数不变量
			if s.Leverage.Exponent() < -2 {
				t.Errorf("leverage precision beyond 2dp: %s", s.Leverage)
			}
		})
	}
}

func TestClassifyLeverage(t *testing.T) {
	tests := []struct {
		lev  string
		want string
	}{
		{"5.00", ClassSwing},
		{"6.00", ClassSwing},
		{"6.50", ClassSwing},
		{"6.75", ClassSwing}, // 边界归 SWING（更保守的一类）
		{"6.76", ClassDynamic},
		{"7.49", ClassDynamic},
		{"7.50", ClassDynamic},
		{"9.30", ClassDynamic},
	}
	for _, tt := range tests {
		if got := ClassifyLeverage(d(tt.lev)); got != tt.want {
			t.Errorf("classify(%s)=%s want %s", tt.lev, got, tt.want)
		}
	}
}

func TestFastFallback(t *testing.T) {
	sizer := Sizer{InitialMarginPlan: d("20.00")}

	sl, lev := sizer.FastFallback(d("0.04160"), PositionLong)
	if got := lev.StringFixed(2); got != "10.00" {
		t.Errorf("leverage=%s want 10.00", got)
	}
	if !sl.Equal(d("0.04160").Mul(d("0.98"))) {
		t.Errorf("long fallback sl=%s", sl)
	}

	sl, _ = sizer.FastFallback(d("0.04160"), PositionShort)
	if !sl.Equal(d("0.04160").Mul(d("1.02"))) {
		t.Errorf("short fallback sl=%s", sl)
	}
}
