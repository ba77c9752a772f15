package risk

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/betbot/perpmm/pkg/config"
)

// TakeProfit 同时满足收益率和金额阈值时止盈
type TakeProfit struct {
	minBps float64
	minUSD decimal.Decimal
	exiter *Exiter
}

// NewTakeProfit 创建
func NewTakeProfit(p config.RiskParams, exiter *Exiter) *TakeProfit {
	return &TakeProfit{
		minBps: p.TakeProfitMinBps,
		minUSD: decimal.NewFromFloat(p.TakeProfitMinUSD),
		exiter: exiter,
	}
}

// Should 未实现盈亏加资金费 >= take_profit_min_usd 且收益率 >= take_profit_min_bps
func (t *TakeProfit) Should(unrealizedUSD, funding decimal.Decimal, pnlBps float64) bool {
	net := unrealizedUSD.Add(funding)
	if !net.IsPositive() {
		return false
	}
	return net.GreaterThanOrEqual(t.minUSD) && pnlBps >= t.minBps
}

// Execute 全量平仓
func (t *TakeProfit) Execute(ctx context.Context, req ExitRequest) (ExitResult, error) {
	req.Size = req.Position.Abs()
	if req.Reason == "" {
		req.Reason = "take_profit"
	}
	return t.exiter.Exit(ctx, req)
}
