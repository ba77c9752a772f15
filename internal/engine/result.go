// Package engine 决策循环：每个 bot 一个 goroutine，按固定间隔对其品种逐个做一轮决策
package engine

import (
	"fmt"

	"github.com/betbot/perpmm/internal/flow"
)

// Kind 单品种单周期的结果类型
type Kind string

const (
	Quoted    Kind = "quoted"
	Skipped   Kind = "skipped"
	Suspended Kind = "suspended"
	Flattened Kind = "flattened"
	Failed    Kind = "failed"
)

// 跳过/暂停原因
const (
	ReasonStaleBook      = "stale_book"
	ReasonSpreadBelow    = "spread_below_floor"
	ReasonRateLimited    = "rate_limited"
	ReasonRejected       = "rejected"
	ReasonSizeZero       = "size_zero"
	ReasonBailoutPause   = "bailout_pause"
	ReasonBreaker        = "breaker"
	ReasonPortfolioPause = "portfolio_pause"
	ReasonPortfolioStop  = "portfolio_emergency_stop"
	ReasonBailoutPartial = "bailout_partial"
	ReasonBailoutFull    = "bailout_full"
	ReasonTakeProfit     = "take_profit"
	ReasonPanic          = "panic"
	reasonSideNonePrefix = "side_none:"
)

// Result 单品种单周期的显式结果
type Result struct {
	Instrument string
	Kind       Kind
	Reason     string
	Side       flow.Side
	Err        error
}

func (r Result) String() string {
	if r.Err != nil {
		return fmt.Sprintf("%s %s(%s): %v", r.Instrument, r.Kind, r.Reason, r.Err)
	}
	return fmt.Sprintf("%s %s(%s)", r.Instrument, r.Kind, r.Reason)
}

func skipped(inst, reason string) Result {
	return Result{Instrument: inst, Kind: Skipped, Reason: reason}
}

func failed(inst, reason string, err error) Result {
	return Result{Instrument: inst, Kind: Failed, Reason: reason, Err: err}
}
