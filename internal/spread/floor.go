package spread

import (
	"math"
	"time"

	"github.com/betbot/perpmm/pkg/config"
)

// Tuning 自动调参可调整的两个值
type Tuning struct {
	Percentile     float64
	GuardBufferBps float64
}

// Floor 动态价差下限
// Value() 始终 >= 静态下限，且 >= 手续费保本 + 保护缓冲
type Floor struct {
	params       config.SpreadParams
	tuning       Tuning
	breakevenBps float64

	current     float64
	lastCompute time.Time
}

// NewFloor 创建，初始值为最低允许值
func NewFloor(p config.SpreadParams) *Floor {
	f := &Floor{
		params: p,
		tuning: Tuning{Percentile: p.Percentile, GuardBufferBps: p.GuardBufferBps},
	}
	f.current = f.Minimum()
	return f
}

// SetMakerFeeBps 设置 maker 费率（bps），保本 = 2 × maker 费率，返佣时为 0
func (f *Floor) SetMakerFeeBps(makerBps float64) {
	f.breakevenBps = math.Max(0, 2*makerBps)
}

// BreakevenBps 来回手续费保本价差
func (f *Floor) BreakevenBps() float64 {
	return f.breakevenBps
}

// Tuning 当前调参值
func (f *Floor) Tuning() Tuning {
	return f.tuning
}

// SetTuning 由自动调参设置
func (f *Floor) SetTuning(t Tuning) {
	f.tuning = t
}

// Minimum 最低允许值：max(静态下限, 保本 + 缓冲)
func (f *Floor) Minimum() float64 {
	return math.Max(f.params.StaticFloorBps, f.breakevenBps+f.tuning.GuardBufferBps)
}

// Value 当前动态下限（已向上钳位）
func (f *Floor) Value() float64 {
	return math.Max(f.current, f.Minimum())
}

// Recompute 按节奏重算分位数；只有变化超过滞回阈值才更新
// 返回是否发生了更新
func (f *Floor) Recompute(h *History, now time.Time) bool {
	every := time.Duration(f.params.RecomputeSec) * time.Second
	if !f.lastCompute.IsZero() && now.Sub(f.lastCompute) < every {
		return false
	}
	f.lastCompute = now
	if h.Len() < f.params.MinSamples {
		return false
	}
	pct, ok := h.Percentile(f.tuning.Percentile)
	if !ok {
		return false
	}
	next := math.Max(pct, f.Minimum())
	if math.Abs(next-f.current) <= f.params.HysteresisBps {
		return false
	}
	f.current = next
	return true
}
