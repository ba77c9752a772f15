package risk

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/betbot/perpmm/internal/exchange"
	"github.com/betbot/perpmm/pkg/logger"
	"github.com/betbot/perpmm/pkg/quant"
)

// ErrExitExhausted 所有 IOC 档位都未能完成平仓
var ErrExitExhausted = errors.New("exit chain exhausted")

// Orderer 下单能力
type Orderer interface {
	PlaceOrder(ctx context.Context, req exchange.OrderRequest) (exchange.OrderResult, error)
}

// ExitStep 平仓阶梯的一档
type ExitStep string

const (
	StepTop        ExitStep = "top"        // 对手盘最优价 IOC
	StepAggressive ExitStep = "aggressive" // 中间价 ±aggressive_pct 的 IOC（市价）
	StepMid        ExitStep = "mid"        // 中间价附近 IOC
)

// ExitRequest 一次减仓
type ExitRequest struct {
	Instrument string
	Position   decimal.Decimal // 带符号持仓
	Size       decimal.Decimal // 本次减仓数量（正数，<= |Position|）
	BestBid    decimal.Decimal
	BestAsk    decimal.Decimal
	Tick       decimal.Decimal
	SizeStep   decimal.Decimal
	Reason     string
}

// ExitResult 减仓结果
type ExitResult struct {
	Filled    decimal.Decimal
	Remaining decimal.Decimal
	Steps     []ExitStep // 实际尝试过的档位
	LastStep  ExitStep   // 完成平仓的档位
}

// Exiter 按 top → aggressive → mid 顺序发 reduce-only IOC，成交完即停
type Exiter struct {
	orders        Orderer
	aggressivePct decimal.Decimal
	log           *logrus.Entry
}

// NewExiter 创建；aggressivePct 为百分比（2 表示 ±2%）
func NewExiter(orders Orderer, aggressivePct float64) *Exiter {
	return &Exiter{
		orders:        orders,
		aggressivePct: decimal.NewFromFloat(aggressivePct).Div(decimal.NewFromInt(100)),
		log:           logger.Component("exit"),
	}
}

func (e *Exiter) price(step ExitStep, side exchange.Side, req ExitRequest) decimal.Decimal {
	mid := req.BestBid.Add(req.BestAsk).Div(decimal.NewFromInt(2))
	one := decimal.NewFromInt(1)
	switch step {
	case StepTop:
		if side.IsBuy() {
			return req.BestAsk
		}
		return req.BestBid
	case StepAggressive:
		if side.IsBuy() {
			return quant.Up(mid.Mul(one.Add(e.aggressivePct)), req.Tick)
		}
		return quant.Down(mid.Mul(one.Sub(e.aggressivePct)), req.Tick)
	default:
		if side.IsBuy() {
			return quant.Up(mid, req.Tick)
		}
		return quant.Down(mid, req.Tick)
	}
}

// Exit 执行减仓阶梯
func (e *Exiter) Exit(ctx context.Context, req ExitRequest) (ExitResult, error) {
	res := ExitResult{Filled: decimal.Zero}
	if req.Position.IsZero() {
		return res, nil
	}
	side := exchange.Sell
	if req.Position.IsNegative() {
		side = exchange.Buy
	}
	size := req.Size
	if size.GreaterThan(req.Position.Abs()) || !size.IsPositive() {
		size = req.Position.Abs()
	}
	remaining := quant.Size(size, req.SizeStep)
	res.Remaining = remaining
	if !remaining.IsPositive() {
		return res, nil
	}

	log := e.log.WithFields(logrus.Fields{"instrument": req.Instrument, "side": side, "reason": req.Reason})
	for _, step := range []ExitStep{StepTop, StepAggressive, StepMid} {
		px := e.price(step, side, req)
		if !px.IsPositive() {
			continue
		}
		res.Steps = append(res.Steps, step)
		out, err := e.orders.PlaceOrder(ctx, exchange.OrderRequest{
			Instrument: req.Instrument,
			Side:       side,
			Size:       remaining,
			Price:      px,
			TIF:        exchange.IOC,
			ReduceOnly: true,
		})
		if errors.Is(err, exchange.ErrRateLimited) {
			return res, err
		}
		if err == nil && out.FilledSize.IsPositive() {
			res.Filled = res.Filled.Add(out.FilledSize)
			remaining = remaining.Sub(out.FilledSize)
			res.Remaining = remaining
		}
		if err == nil && !remaining.IsPositive() {
			res.LastStep = step
			res.Remaining = decimal.Zero
			log.Infof("减仓完成 @%s size=%s px=%s", step, res.Filled, px)
			return res, nil
		}
		// 未平完且 ctx 已结束：不再尝试后续档位
		if ctxErr := ctx.Err(); ctxErr != nil {
			log.Warnf("减仓中断 @%s: 已成交 %s, 剩余 %s", step, res.Filled, res.Remaining)
			return res, fmt.Errorf("%w: remaining %s: %w", ErrExitExhausted, res.Remaining, ctxErr)
		}
		if err != nil {
			log.Warnf("减仓 %s 档失败: %v", step, err)
		}
	}
	log.Warnf("减仓阶梯耗尽: 已成交 %s, 剩余 %s", res.Filled, res.Remaining)
	return res, fmt.Errorf("%w: remaining %s", ErrExitExhausted, res.Remaining)
}
