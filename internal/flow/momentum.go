// Package flow 选边：动量、库存、成交流和盘口压力投票，带翻转冷却
package flow

import (
	"math"
	"time"
)

// Regime 行情状态
type Regime string

const (
	Trending Regime = "trending"
	Choppy   Regime = "choppy"
	Neutral  Regime = "neutral"
)

// Multiplier 动量投票的放大系数
func (r Regime) Multiplier() float64 {
	switch r {
	case Trending:
		return 1.5
	case Choppy:
		return 0.5
	}
	return 1
}

var windowWeights = [3]float64{0.5, 0.3, 0.2}

type midSample struct {
	at  time.Time
	mid float64
}

// Momentum 多时间窗中间价动量
type Momentum struct {
	windows [3]time.Duration
	samples []midSample
}

// NewMomentum 创建（短/中/长窗口）
func NewMomentum(short, medium, long time.Duration) *Momentum {
	return &Momentum{windows: [3]time.Duration{short, medium, long}}
}

// Add 追加中间价样本，丢弃长窗口之外的旧样本
func (m *Momentum) Add(mid float64, now time.Time) {
	if mid <= 0 || math.IsNaN(mid) {
		return
	}
	m.samples = append(m.samples, midSample{at: now, mid: mid})
	cutoff := now.Add(-m.windows[2])
	i := 0
	for i < len(m.samples)-1 && m.samples[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		m.samples = append(m.samples[:0], m.samples[i:]...)
	}
}

// Returns 各窗口内的涨跌幅（bps）
func (m *Momentum) Returns(now time.Time) [3]float64 {
	var out [3]float64
	if len(m.samples) < 2 {
		return out
	}
	last := m.samples[len(m.samples)-1]
	for w, d := range m.windows {
		cutoff := now.Add(-d)
		for _, s := range m.samples {
			if !s.at.Before(cutoff) {
				if s.mid > 0 {
					out[w] = (last.mid - s.mid) / s.mid * 1e4
				}
				break
			}
		}
	}
	return out
}

// Score 加权动量（bps），短窗口权重最大
func (m *Momentum) Score(now time.Time) float64 {
	r := m.Returns(now)
	var s float64
	for i := range r {
		s += r[i] * windowWeights[i]
	}
	return s
}

// Volatility 相邻样本平均绝对变化（bps）
func (m *Momentum) Volatility() float64 {
	if len(m.samples) < 2 {
		return 0
	}
	var sum float64
	for i := 1; i < len(m.samples); i++ {
		prev := m.samples[i-1].mid
		sum += math.Abs(m.samples[i].mid-prev) / prev * 1e4
	}
	return sum / float64(len(m.samples)-1)
}

// Regime 三个窗口同向且漂移大于噪声为 trending；不同向且波动超过阈值为 choppy
func (m *Momentum) Regime(now time.Time, volThresholdBps float64) Regime {
	r := m.Returns(now)
	vol := m.Volatility()
	consistent := (r[0] > 0 && r[1] > 0 && r[2] > 0) || (r[0] < 0 && r[1] < 0 && r[2] < 0)
	switch {
	case consistent && math.Abs(m.Score(now)) >= math.Max(vol, volThresholdBps):
		return Trending
	case !consistent && vol >= volThresholdBps:
		return Choppy
	}
	return Neutral
}
