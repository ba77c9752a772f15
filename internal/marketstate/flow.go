package marketstate

import (
	"math"
	"time"

	"github.com/betbot/perpmm/internal/exchange"
)

// DefaultHalfLife 成交流统计的默认半衰期
const DefaultHalfLife = 5 * time.Minute

// FlowStats 指数衰减的成交计数
type FlowStats struct {
	MakerBuy   float64
	MakerSell  float64
	MakerTotal float64
	TakerTotal float64
	LastUpdate time.Time
}

func decayFactor(elapsed, halfLife time.Duration) float64 {
	if elapsed <= 0 || halfLife <= 0 {
		return 1
	}
	return math.Pow(0.5, elapsed.Seconds()/halfLife.Seconds())
}

func (f FlowStats) decayedTo(now time.Time, halfLife time.Duration) FlowStats {
	if f.LastUpdate.IsZero() {
		return f
	}
	k := decayFactor(now.Sub(f.LastUpdate), halfLife)
	return FlowStats{
		MakerBuy:   f.MakerBuy * k,
		MakerSell:  f.MakerSell * k,
		MakerTotal: f.MakerTotal * k,
		TakerTotal: f.TakerTotal * k,
		LastUpdate: f.LastUpdate,
	}
}

func (f *FlowStats) record(fill exchange.Fill, at time.Time, halfLife time.Duration) {
	if !f.LastUpdate.IsZero() && at.Before(f.LastUpdate) {
		// 乱序成交按最后更新时刻计入
		at = f.LastUpdate
	}
	d := f.decayedTo(at, halfLife)
	if fill.Maker {
		d.MakerTotal++
		if fill.Side.IsBuy() {
			d.MakerBuy++
		} else {
			d.MakerSell++
		}
	} else {
		d.TakerTotal++
	}
	d.LastUpdate = at
	*f = d
}

// MakerShare maker 成交占比；没有成交时返回 1
func (f FlowStats) MakerShare() float64 {
	total := f.MakerTotal + f.TakerTotal
	if total <= 0 {
		return 1
	}
	return f.MakerTotal / total
}

// Imbalance 买卖 maker 成交比（大的一侧 / 小的一侧，分子分母各加 1 平滑）以及占优方向
func (f FlowStats) Imbalance() (ratio float64, dominant exchange.Side, ok bool) {
	if f.MakerBuy == f.MakerSell {
		return 1, "", false
	}
	hi, lo, side := f.MakerBuy, f.MakerSell, exchange.Buy
	if f.MakerSell > f.MakerBuy {
		hi, lo, side = f.MakerSell, f.MakerBuy, exchange.Sell
	}
	return (hi + 1) / (lo + 1), side, true
}
