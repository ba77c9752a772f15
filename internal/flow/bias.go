package flow

import "github.com/betbot/perpmm/pkg/config"

type biasPhase int

const (
	phaseUnset biasPhase = iota
	phaseAccumulate
	phaseDistribute
)

// Bias 方向性偏置：把持仓名义价值维持在目标附近
// 低于区间下沿时挂买（累积），高于上沿时挂卖（以 maker 返佣分发），
// 区间内沿用上一阶段，在两个边沿之间来回
type Bias struct {
	target    float64
	tolerance float64
	phase     biasPhase
}

// NewBias 创建
func NewBias(p config.BiasParams) *Bias {
	return &Bias{target: p.TargetNotionalUSD, tolerance: p.ToleranceUSD}
}

// Decide 根据当前带符号名义价值返回方向
func (b *Bias) Decide(notional float64) (Side, string) {
	switch {
	case notional < b.target-b.tolerance:
		b.phase = phaseAccumulate
		return Bid, "bias_accumulate"
	case notional > b.target+b.tolerance:
		b.phase = phaseDistribute
		return Ask, "bias_distribute"
	}
	if b.phase == phaseUnset {
		if notional < b.target {
			b.phase = phaseAccumulate
		} else {
			b.phase = phaseDistribute
		}
	}
	if b.phase == phaseAccumulate {
		return Bid, "bias_band_accumulate"
	}
	return Ask, "bias_band_distribute"
}
