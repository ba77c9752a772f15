package risk

import (
	"github.com/shopspring/decimal"

	"github.com/betbot/perpmm/pkg/config"
)

// Sizer 按可用保证金约束下单名义价值
type Sizer struct {
	p config.SizingParams
}

// NewSizer 创建
func NewSizer(p config.SizingParams) *Sizer {
	return &Sizer{p: p}
}

// Cap 上限 = free × allocation_fraction / max_resting_orders × leverage。
// 只缩小不拒绝；保证金未知时按 unknown_collateral 放行（bypass）或归零（zero）。
func (s *Sizer) Cap(desiredNotional decimal.Decimal, freeCollateral *decimal.Decimal) decimal.Decimal {
	if freeCollateral == nil {
		if s.p.UnknownCollateral == "zero" {
			return decimal.Zero
		}
		return desiredNotional
	}
	resting := s.p.MaxRestingOrders
	if resting <= 0 {
		resting = 1
	}
	limit := freeCollateral.
		Mul(decimal.NewFromFloat(s.p.AllocationFraction)).
		Div(decimal.NewFromInt(int64(resting))).
		Mul(decimal.NewFromFloat(s.p.Leverage))
	if !limit.IsPositive() {
		return decimal.Zero
	}
	return decimal.Min(desiredNotional, limit)
}
