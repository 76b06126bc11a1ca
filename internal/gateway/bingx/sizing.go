package bingx

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// 信号分级：SWING / DYNAMIC / FAST（FAST 仅由缺省止损兜底触发）。
const (
	ClassSwing   = "SWING"
	ClassDynamic = "DYNAMIC"
	ClassFast    = "FAST"
)

var (
	swingMax   = decimal.RequireFromString("6.00")
	dynamicMin = decimal.RequireFromString("7.50")
	classMid   = decimal.RequireFromString("6.75")

	fastLeverage = decimal.RequireFromString("10.00")
	fastDelta    = decimal.RequireFromString("0.02")

	two     = decimal.NewFromInt(2)
	hundred = decimal.NewFromInt(100)
)

// Sizer 仓位/杠杆计算参数（SSoT 基线来自配置）。
type Sizer struct {
	RiskPerTrade      decimal.Decimal // r，默认 0.02
	InitialMarginPlan decimal.Decimal // IM，默认 20.00 USDT
	MinLeverage       decimal.Decimal // 默认 6.00
	MaxLeverage       decimal.Decimal // 默认 50.00
}

// Sizing 计算结果。
type Sizing struct {
	Notional decimal.Decimal // N = r*B/Δ
	Delta    decimal.Decimal // Δ = |E-S|/E
	Leverage decimal.Decimal // 两位小数，HALF-UP，区间 [min,max]
	Class    string
	Quantity decimal.Decimal // IM * lev / E（未量化）
}

// Calculate 按入场价与止损价计算名义敞口、杠杆与数量。
// 公式：Δ = |E−S|/E；N = r·B/Δ；lev = clamp(N/IM)；qty = IM·lev/E。
func (s Sizer) Calculate(balance, entry, stopLoss decimal.Decimal) (Sizing, error) {
	if entry.Sign() <= 0 {
		return Sizing{}, fmt.Errorf("entry 必须为正: %s", entry)
	}
	delta := entry.Sub(stopLoss).Abs().Div(entry)
	if delta.Sign() == 0 {
		delta = fastDelta
	}
	notional := s.RiskPerTrade.Mul(balance).Div(delta)
	levRaw := notional.Div(s.InitialMarginPlan)
	lev := clampDecimal(levRaw, s.MinLeverage, s.MaxLeverage).Round(2)
	qty := s.InitialMarginPlan.Mul(lev).Div(entry)
	return Sizing{
		Notional: notional,
		Delta:    delta,
		Leverage: lev,
		Class:    ClassifyLeverage(lev),
		Quantity: qty,
	}, nil
}

// FastFallback 缺省止损兜底：SL = entry ∓ 2%，杠杆固定 x10.00。
func (s Sizer) FastFallback(entry decimal.Decimal, side string) (sl decimal.Decimal, lev decimal.Decimal) {
	if side == PositionShort {
		sl = entry.Mul(decimal.NewFromInt(1).Add(fastDelta))
	} else {
		sl = entry.Mul(decimal.NewFromInt(1).Sub(fastDelta))
	}
	return sl, fastLeverage
}

// FastQuantity 兜底场景下的数量：IM * 10 / E。
func (s Sizer) FastQuantity(entry decimal.Decimal) decimal.Decimal {
	return s.InitialMarginPlan.Mul(fastLeverage).Div(entry)
}

// ClassifyLeverage 杠杆分级：≤6.00 SWING，≥7.50 DYNAMIC，中间取较近者。
// 恰好 6.75 归 SWING（向更保守的一类收敛）。
func ClassifyLeverage(lev decimal.Decimal) string {
	switch {
	case lev.LessThanOrEqual(swingMax):
		return ClassSwing
	case lev.GreaterThanOrEqual(dynamicMin):
		return ClassDynamic
	case lev.LessThanOrEqual(classMid):
		return ClassSwing
	default:
		return ClassDynamic
	}
}

func clampDecimal(v, lo, hi decimal.Decimal) decimal.Decimal {
	if v.LessThan(lo) {
		return lo
	}
	if v.GreaterThan(hi) {
		return hi
	}
	return v
}
