// Package spread 价差门槛：动态下限、滚动分位数和基于分钟表现的自动调参
package spread

import (
	"math"
	"sort"

	"github.com/shopspring/decimal"
)

// LiveBps 当前价差（bps）：(ask-bid)/mid*1e4，盘口无效时返回 0
func LiveBps(bid, ask decimal.Decimal) float64 {
	if !bid.IsPositive() || !ask.IsPositive() || !ask.GreaterThan(bid) {
		return 0
	}
	mid := bid.Add(ask).Div(decimal.NewFromInt(2))
	v, _ := ask.Sub(bid).Div(mid).Mul(decimal.NewFromInt(10000)).Float64()
	return v
}

// History 固定容量的价差样本环形缓冲
type History struct {
	buf  []float64
	next int
	full bool
}

// NewHistory 创建
func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = 1
	}
	return &History{buf: make([]float64, capacity)}
}

// Add 追加样本，满后覆盖最旧的
func (h *History) Add(v float64) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return
	}
	h.buf[h.next] = v
	h.next++
	if h.next == len(h.buf) {
		h.next = 0
		h.full = true
	}
}

// Len 样本数
func (h *History) Len() int {
	if h.full {
		return len(h.buf)
	}
	return h.next
}

// Percentile 线性插值分位数，p 取 [0,100]；没有样本时 ok=false
func (h *History) Percentile(p float64) (float64, bool) {
	n := h.Len()
	if n == 0 {
		return 0, false
	}
	s := make([]float64, n)
	copy(s, h.buf[:n])
	sort.Float64s(s)

	p = math.Max(0, math.Min(100, p))
	rank := p / 100 * float64(n-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi {
		return s[lo], true
	}
	frac := rank - float64(lo)
	return s[lo] + (s[hi]-s[lo])*frac, true
}
