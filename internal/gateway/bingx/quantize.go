package bingx

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// 中文说明：
// 价格/数量量化。价格向「安全侧」取整（挂单远离盘口：买向下、卖向上），
// 数量一律向下取整到步长。两次量化等于一次（幂等）。

// QuantizePriceDown 价格向下取整到 tick。
func QuantizePriceDown(price, tick decimal.Decimal) decimal.Decimal {
	if tick.Sign() <= 0 {
		return price
	}
	ticks := price.Div(tick).Floor()
	return ticks.Mul(tick)
}

// QuantizePriceUp 价格向上取整到 tick。
func QuantizePriceUp(price, tick decimal.Decimal) decimal.Decimal {
	if tick.Sign() <= 0 {
		return price
	}
	ticks := price.Div(tick).Ceil()
	return ticks.Mul(tick)
}

// QuantizePriceForSide 按委托方向选择安全侧：BUY 向下、SELL 向上。
func QuantizePriceForSide(price, tick decimal.Decimal, side string) decimal.Decimal {
	if side == SideSell {
		return QuantizePriceUp(price, tick)
	}
	return QuantizePriceDown(price, tick)
}

// QuantizeQty 数量向下取整到步长。结果可能小于 minQty，由调用方判定拒单。
func QuantizeQty(qty, step decimal.Decimal) decimal.Decimal {
	if step.Sign() <= 0 {
		return qty
	}
	steps := qty.Div(step).Floor()
	return steps.Mul(step)
}

// DualLimitPrices 计算双腿挂单价：P1 = Em - Δ，P2 = Em + Δ（tick 量化）。
func DualLimitPrices(entryMid, spread, tick decimal.Decimal, side string) (decimal.Decimal, decimal.Decimal) {
	p1 := QuantizePriceForSide(entryMid.Sub(spread), tick, side)
	p2 := QuantizePriceForSide(entryMid.Add(spread), tick, side)
	return p1, p2
}

// EnsureMakerSafe 保证挂单不吃掉盘口：LONG 两腿都要低于 LTP，SHORT 都要高于。
// 越界时按 tick 向外平移，最多 maxShifts 次，仍不满足则报错（上层 REJECT）。
func EnsureMakerSafe(side string, p1, p2, ltp, tick decimal.Decimal, maxShifts int) (decimal.Decimal, decimal.Decimal, error) {
	if ltp.Sign() <= 0 || tick.Sign() <= 0 {
		return p1, p2, nil
	}
	for i := 0; i < maxShifts; i++ {
		if side == SideBuy {
			if p1.LessThan(ltp) && p2.LessThan(ltp) {
				return p1, p2, nil
			}
			p1 = p1.Sub(tick)
			p2 = p2.Sub(tick)
		} else {
			if p1.GreaterThan(ltp) && p2.GreaterThan(ltp) {
				return p1, p2, nil
			}
			p1 = p1.Add(tick)
			p2 = p2.Add(tick)
		}
	}
	if (side == SideBuy && p1.LessThan(ltp) && p2.LessThan(ltp)) ||
		(side != SideBuy && p1.GreaterThan(ltp) && p2.GreaterThan(ltp)) {
		return p1, p2, nil
	}
	return p1, p2, fmt.Errorf("挂单价无法满足 post-only 安全侧（side=%s ltp=%s）", side, ltp)
}
