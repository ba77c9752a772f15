package flow

import (
	"fmt"
	"math"
	"time"

	"github.com/betbot/perpmm/internal/exchange"
	"github.com/betbot/perpmm/internal/marketstate"
	"github.com/betbot/perpmm/pkg/config"
)

// Side 挂单方向
type Side string

const (
	Both Side = "both"
	Bid  Side = "bid"
	Ask  Side = "ask"
	None Side = "none"
)

// Quotes 是否挂买/卖
func (s Side) Quotes() (bid, ask bool) {
	switch s {
	case Both:
		return true, true
	case Bid:
		return true, false
	case Ask:
		return false, true
	}
	return false, false
}

// SideState 当前方向与最近一次翻转所在周期
type SideState struct {
	Current       Side
	LastFlipCycle int64
}

// Votes 各因素投票，正数偏向买、负数偏向卖，取值 [-1, 1]
type Votes struct {
	Momentum  float64
	Inventory float64
	Flow      float64
	Book      float64
}

// Inputs 单周期选边所需的数据
type Inputs struct {
	Now             time.Time
	Mid             float64
	Bids            []exchange.Level
	Asks            []exchange.Level
	NotionalUSD     float64 // 带符号持仓名义价值
	Flow            marketstate.FlowStats
	LiveBps         float64
	DynamicFloorBps float64
}

// Selection 选边结果
type Selection struct {
	Side     Side
	Desired  Side // 冷却前的目标方向
	Reason   string
	Votes    Votes
	Regime   Regime
	BidScore float64
	AskScore float64
}

// minFlowSamples maker 占比判断需要的最少（衰减后）成交数
const minFlowSamples = 3

// Selector 单品种选边器，只在决策循环 goroutine 中使用
type Selector struct {
	params   config.Params
	momentum *Momentum
	state    SideState
	bias     *Bias
}

// NewSelector 创建
func NewSelector(p config.Params) *Selector {
	f := p.Flow
	s := &Selector{
		params: p,
		momentum: NewMomentum(
			time.Duration(f.ShortSec)*time.Second,
			time.Duration(f.MediumSec)*time.Second,
			time.Duration(f.LongSec)*time.Second,
		),
	}
	if p.Bias.Enabled {
		s.bias = NewBias(p.Bias)
	}
	return s
}

// State 当前状态
func (s *Selector) State() SideState {
	return s.state
}

// ForceNone 强制进入 None（例如全量减仓后的暂停），不受冷却限制
func (s *Selector) ForceNone(cycle int64) {
	s.transition(None, cycle)
}

func (s *Selector) transition(to Side, cycle int64) {
	if s.state.Current != to {
		s.state.Current = to
		s.state.LastFlipCycle = cycle
	}
}

// Decide 计算本周期方向
func (s *Selector) Decide(cycle int64, in Inputs) Selection {
	s.momentum.Add(in.Mid, in.Now)

	sel := s.desired(in)
	sel.Desired = sel.Side

	cur := s.state.Current
	switch {
	case cur == "" || sel.Side == cur:
		s.transition(sel.Side, cycle)
	case sel.Side == None:
		// 进入 None 立即生效
		s.transition(None, cycle)
	case cycle-s.state.LastFlipCycle < int64(s.params.Flow.FlipCooldownCycles):
		sel.Reason = fmt.Sprintf("cooldown(%s->%s)", cur, sel.Side)
		sel.Side = cur
	default:
		s.transition(sel.Side, cycle)
	}
	return sel
}

func (s *Selector) desired(in Inputs) Selection {
	fp := s.params.Flow

	if in.DynamicFloorBps > 0 && in.LiveBps-in.DynamicFloorBps < s.params.Spread.NoneMarginBps {
		return Selection{Side: None, Reason: "spread_near_floor"}
	}
	if in.Flow.MakerTotal+in.Flow.TakerTotal >= minFlowSamples && in.Flow.MakerShare() < fp.MinMakerShare {
		return Selection{Side: None, Reason: "maker_share_collapsed"}
	}

	if s.bias != nil {
		side, reason := s.bias.Decide(in.NotionalUSD)
		return Selection{Side: side, Reason: reason}
	}

	switch s.params.Mode {
	case "both":
		return Selection{Side: Both, Reason: "mode"}
	case "bid":
		return Selection{Side: Bid, Reason: "mode"}
	case "ask":
		return Selection{Side: Ask, Reason: "mode"}
	}
	return s.auto(in)
}

func (s *Selector) auto(in Inputs) Selection {
	fp := s.params.Flow
	regime := s.momentum.Regime(in.Now, fp.TrendVolBps)

	var v Votes
	if fp.TrendVolBps > 0 {
		v.Momentum = clamp(s.momentum.Score(in.Now)/fp.TrendVolBps*regime.Multiplier(), -1, 1)
	}
	if s.params.SizeNotionalUSD > 0 {
		v.Inventory = clamp(-in.NotionalUSD/s.params.SizeNotionalUSD, -1, 1)
	}
	if ratio, dom, ok := in.Flow.Imbalance(); ok && ratio >= fp.ImbalanceRatio {
		if dom == exchange.Buy {
			v.Flow = 1
		} else {
			v.Flow = -1
		}
	}
	v.Book = BookPressure(in.Bids, in.Asks, fp.BookLevels)

	weights := [4]float64{fp.WeightMomentum, fp.WeightInventory, fp.WeightFlow, fp.WeightBook}
	values := [4]float64{v.Momentum, v.Inventory, v.Flow, v.Book}
	var bidScore, askScore float64
	for i := range values {
		if values[i] > 0 {
			bidScore += weights[i] * values[i]
		} else {
			askScore -= weights[i] * values[i]
		}
	}

	sel := Selection{Votes: v, Regime: regime, BidScore: bidScore, AskScore: askScore}
	switch {
	case bidScore > askScore*(1+fp.Margin) && bidScore > 0:
		sel.Side, sel.Reason = Bid, "votes"
	case askScore > bidScore*(1+fp.Margin) && askScore > 0:
		sel.Side, sel.Reason = Ask, "votes"
	case v.Inventory > 0:
		sel.Side, sel.Reason = Bid, "tie_inventory"
	case v.Inventory < 0:
		sel.Side, sel.Reason = Ask, "tie_inventory"
	default:
		sel.Side, sel.Reason = Both, "tie"
	}
	return sel
}

// BookPressure 近端深度不平衡 [-1, 1]，第 i 档权重 1/(i+1)
func BookPressure(bids, asks []exchange.Level, levels int) float64 {
	if levels <= 0 {
		levels = 5
	}
	weigh := func(ls []exchange.Level) float64 {
		var w float64
		for i, l := range ls {
			if i >= levels {
				break
			}
			sz, _ := l.Sz.Float64()
			w += sz / float64(i+1)
		}
		return w
	}
	b, a := weigh(bids), weigh(asks)
	if b+a <= 0 {
		return 0
	}
	return (b - a) / (b + a)
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
