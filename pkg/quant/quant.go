// Package quant 价格/数量按交易所最小变动单位取整，全部使用精确十进制运算
package quant

import (
	"github.com/shopspring/decimal"
)

// Down 向下取整到 step 的整数倍（step<=0 时原样返回）
func Down(x, step decimal.Decimal) decimal.Decimal {
	if !step.IsPositive() {
		return x
	}
	return x.Div(step).Floor().Mul(step)
}

// Up 向上取整到 step 的整数倍
func Up(x, step decimal.Decimal) decimal.Decimal {
	if !step.IsPositive() {
		return x
	}
	return x.Div(step).Ceil().Mul(step)
}

// Size 数量总是向下取整（只减少敞口）
func Size(raw, step decimal.Decimal) decimal.Decimal {
	if raw.IsNegative() {
		return decimal.Zero
	}
	return Down(raw, step)
}

// Bid 买价向下取整
func Bid(raw, tick decimal.Decimal) decimal.Decimal {
	return Down(raw, tick)
}

// Ask 卖价向上取整
func Ask(raw, tick decimal.Decimal) decimal.Decimal {
	return Up(raw, tick)
}

// ImproveBid 在最优买价上加一个 tick，结果不会触及或越过最优卖价
func ImproveBid(bestBid, bestAsk, tick decimal.Decimal) decimal.Decimal {
	base := Bid(bestBid, tick)
	improved := base.Add(tick)
	if bestAsk.IsPositive() && improved.GreaterThanOrEqual(bestAsk) {
		return base
	}
	return improved
}

// ImproveAsk 在最优卖价上减一个 tick，结果不会触及或越过最优买价
func ImproveAsk(bestBid, bestAsk, tick decimal.Decimal) decimal.Decimal {
	base := Ask(bestAsk, tick)
	improved := base.Sub(tick)
	if improved.LessThanOrEqual(bestBid) || !improved.IsPositive() {
		return base
	}
	return improved
}

// Wire 转换为线上格式（去掉多余的 0），只在跨越外部边界时调用
func Wire(x decimal.Decimal) string {
	return x.String()
}

// Float 转换为浮点（用于指标/日志）
func Float(x decimal.Decimal) float64 {
	f, _ := x.Float64()
	return f
}
