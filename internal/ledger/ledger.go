// Package ledger 按品种维护持仓、均价和已实现盈亏
package ledger

import (
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/betbot/perpmm/internal/exchange"
)

var bpsFactor = decimal.NewFromInt(10000)

// CoinState 单品种账本状态
// AvgEntry 只在 Position != 0 时有意义，平仓后归零
type CoinState struct {
	Position decimal.Decimal // 带符号
	AvgEntry decimal.Decimal
	Realized decimal.Decimal // 不含手续费
	Fees     decimal.Decimal // 累计手续费，返佣为负
	Fills    int
}

// Flat 是否无持仓
func (s CoinState) Flat() bool {
	return s.Position.IsZero()
}

// Notional 持仓名义价值（按 mark）
func (s CoinState) Notional(mark decimal.Decimal) decimal.Decimal {
	return s.Position.Abs().Mul(mark)
}

// ApplyResult 一笔成交对账本的影响
type ApplyResult struct {
	RealizedDelta decimal.Decimal
	ClosedSize    decimal.Decimal
	Flipped       bool
}

// Ledger 线程安全的多品种账本，状态按需创建
type Ledger struct {
	mu     sync.Mutex
	states map[string]*CoinState
}

// New 创建账本
func New() *Ledger {
	return &Ledger{states: make(map[string]*CoinState)}
}

func (l *Ledger) get(inst string) *CoinState {
	st := l.states[inst]
	if st == nil {
		st = &CoinState{}
		l.states[inst] = st
	}
	return st
}

// Apply 记入一笔成交
func (l *Ledger) Apply(inst string, f exchange.Fill) ApplyResult {
	l.mu.Lock()
	defer l.mu.Unlock()

	st := l.get(inst)
	st.Fees = st.Fees.Add(f.Fee)
	st.Fills++
	if !f.Size.IsPositive() {
		return ApplyResult{}
	}

	signed := f.Size
	if !f.Side.IsBuy() {
		signed = signed.Neg()
	}
	pos := st.Position

	// 开仓或加仓
	if pos.IsZero() || pos.Sign() == signed.Sign() {
		absPos := pos.Abs()
		st.AvgEntry = absPos.Mul(st.AvgEntry).Add(f.Size.Mul(f.Price)).Div(absPos.Add(f.Size))
		st.Position = pos.Add(signed)
		return ApplyResult{}
	}

	// 减仓/平仓/反手
	closed := decimal.Min(pos.Abs(), f.Size)
	pnl := closed.Mul(f.Price.Sub(st.AvgEntry))
	if pos.IsNegative() {
		pnl = pnl.Neg()
	}
	st.Realized = st.Realized.Add(pnl)
	st.Position = pos.Add(signed)

	res := ApplyResult{RealizedDelta: pnl, ClosedSize: closed}
	switch {
	case st.Position.IsZero():
		st.AvgEntry = decimal.Zero
	case st.Position.Sign() != pos.Sign():
		// 反手：剩余部分按成交价开仓
		st.AvgEntry = f.Price
		res.Flipped = true
	}
	return res
}

// Seed 用交易所持仓覆盖本地状态（以交易所为准），保留已实现盈亏
func (l *Ledger) Seed(inst string, position, entry decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	st := l.get(inst)
	st.Position = position
	if position.IsZero() {
		st.AvgEntry = decimal.Zero
	} else {
		st.AvgEntry = entry
	}
}

// State 返回状态副本
func (l *Ledger) State(inst string) CoinState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return *l.get(inst)
}

// Instruments 已有状态的品种（排序）
func (l *Ledger) Instruments() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.states))
	for k := range l.states {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Unrealized 按 mark 计算未实现盈亏
func (l *Ledger) Unrealized(inst string, mark decimal.Decimal) decimal.Decimal {
	st := l.State(inst)
	return Unrealized(st, mark)
}

// Unrealized 按 mark 计算未实现盈亏
func Unrealized(st CoinState, mark decimal.Decimal) decimal.Decimal {
	if st.Flat() || !mark.IsPositive() {
		return decimal.Zero
	}
	return st.Position.Mul(mark.Sub(st.AvgEntry))
}

// AdverseBps 不利偏离（bps）：多头 mark 低于均价为正，空头 mark 高于均价为正
func (l *Ledger) AdverseBps(inst string, mark decimal.Decimal) float64 {
	return AdverseBps(l.State(inst), mark)
}

// AdverseBps 不利偏离（bps）
func AdverseBps(st CoinState, mark decimal.Decimal) float64 {
	if st.Flat() || !st.AvgEntry.IsPositive() || !mark.IsPositive() {
		return 0
	}
	diff := st.AvgEntry.Sub(mark)
	if st.Position.IsNegative() {
		diff = diff.Neg()
	}
	v, _ := diff.Div(st.AvgEntry).Mul(bpsFactor).Float64()
	return v
}

// PnLBps 有利偏离（bps），即 -AdverseBps
func PnLBps(st CoinState, mark decimal.Decimal) float64 {
	return -AdverseBps(st, mark)
}
