package risk

import "github.com/shopspring/decimal"

// Verdict 组合层面的风控结论
type Verdict int

const (
	VerdictOK Verdict = iota
	VerdictPause
	VerdictEmergencyStop
)

func (v Verdict) String() string {
	switch v {
	case VerdictPause:
		return "pause"
	case VerdictEmergencyStop:
		return "emergency_stop"
	}
	return "ok"
}

// PortfolioGuard 按权益比例判断全部品种的浮亏
type PortfolioGuard struct {
	stopLossPct decimal.Decimal
	pausePct    decimal.Decimal
}

// NewPortfolioGuard 创建（百分比，如 5 表示权益的 5%）
func NewPortfolioGuard(stopLossPct, pausePct float64) *PortfolioGuard {
	return &PortfolioGuard{
		stopLossPct: decimal.NewFromFloat(stopLossPct),
		pausePct:    decimal.NewFromFloat(pausePct),
	}
}

// Check 权益未知或没有浮亏时返回 OK
func (g *PortfolioGuard) Check(aggregateUnrealized, equity decimal.Decimal) Verdict {
	if !equity.IsPositive() || !aggregateUnrealized.IsNegative() {
		return VerdictOK
	}
	lossPct := aggregateUnrealized.Neg().Div(equity).Mul(decimal.NewFromInt(100))
	switch {
	case g.stopLossPct.IsPositive() && lossPct.GreaterThanOrEqual(g.stopLossPct):
		return VerdictEmergencyStop
	case g.pausePct.IsPositive() && lossPct.GreaterThanOrEqual(g.pausePct):
		return VerdictPause
	}
	return VerdictOK
}
