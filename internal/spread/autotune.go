package spread

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/betbot/perpmm/internal/perf"
	"github.com/betbot/perpmm/pkg/config"
)

// Direction 调参方向
type Direction string

const (
	Pickier Direction = "pickier" // 高 maker 占比但亏损：疑似逆向选择
	Looser  Direction = "looser"  // 盈利但成交太少
)

// Adjustment 一次调参的结果，用于日志
type Adjustment struct {
	Instrument string
	Direction  Direction
	Before     Tuning
	After      Tuning
	Summary    perf.Summary
}

func (a Adjustment) String() string {
	return fmt.Sprintf("%s %s: percentile %.1f -> %.1f, buffer %.2f -> %.2f bps (maker share %.2f, pnl %s, fills/min %.2f)",
		a.Instrument, a.Direction,
		a.Before.Percentile, a.After.Percentile,
		a.Before.GuardBufferBps, a.After.GuardBufferBps,
		a.Summary.AvgMakerShare, a.Summary.NetPnL.StringFixed(4), a.Summary.FillsPerMinute)
}

// AutoTuner 按品种冷却的自动调参
type AutoTuner struct {
	mu   sync.Mutex
	last map[string]time.Time
}

// NewAutoTuner 创建
func NewAutoTuner() *AutoTuner {
	return &AutoTuner{last: make(map[string]time.Time)}
}

// Evaluate 检查最近窗口的分钟表现并调整 floor 的分位数/缓冲
// 未调整时 ok=false
func (t *AutoTuner) Evaluate(inst string, p config.AutoTuneParams, floor *Floor, minutes []perf.MinuteMetrics, now time.Time) (Adjustment, bool) {
	if !p.Enabled || len(minutes) == 0 {
		return Adjustment{}, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	cooldown := time.Duration(p.CooldownMinutes) * time.Minute
	if last, ok := t.last[inst]; ok && now.Sub(last) < cooldown {
		return Adjustment{}, false
	}

	s := perf.Summarize(minutes)
	before := floor.Tuning()
	after := before
	var dir Direction
	switch {
	case s.MakerFills+s.TakerFills > 0 && s.AvgMakerShare >= p.MakerShareHigh && !s.NetPnL.IsPositive():
		dir = Pickier
		after.Percentile += p.PercentileStep
		after.GuardBufferBps += p.BufferStepBps
	case s.NetPnL.IsPositive() && s.FillsPerMinute < p.TargetFillsPerMin:
		dir = Looser
		after.Percentile -= p.PercentileStep
	default:
		return Adjustment{}, false
	}
	after.Percentile = clamp(after.Percentile, p.PercentileMin, p.PercentileMax)
	after.GuardBufferBps = clamp(after.GuardBufferBps, p.BufferMinBps, p.BufferMaxBps)
	if after == before {
		return Adjustment{}, false
	}

	floor.SetTuning(after)
	t.last[inst] = now
	return Adjustment{Instrument: inst, Direction: dir, Before: before, After: after, Summary: s}, true
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
