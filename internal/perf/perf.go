// Package perf 按品种、按自然分钟统计成交表现
package perf

import (
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/betbot/perpmm/internal/exchange"
)

// MinuteMetrics 单品种单分钟统计
type MinuteMetrics struct {
	Instrument  string
	Minute      time.Time // 分钟起点（UTC）
	MakerFills  int
	TakerFills  int
	RealizedPnL decimal.Decimal
	NetFees     decimal.Decimal // 正数为支出
	Volume      decimal.Decimal // 成交额
}

// MakerShare maker 成交占比，没有成交时为 0
func (m MinuteMetrics) MakerShare() float64 {
	total := m.MakerFills + m.TakerFills
	if total == 0 {
		return 0
	}
	return float64(m.MakerFills) / float64(total)
}

// NetPnL 已实现盈亏扣除手续费
func (m MinuteMetrics) NetPnL() decimal.Decimal {
	return m.RealizedPnL.Sub(m.NetFees)
}

// MinuteOf 所在分钟起点
func MinuteOf(t time.Time) time.Time {
	return t.UTC().Truncate(time.Minute)
}

// Recorder 当前分钟累计 + 有界的历史分钟
type Recorder struct {
	maxHistory int

	mu      sync.Mutex
	current map[string]*MinuteMetrics
	history map[string][]MinuteMetrics
}

// NewRecorder 创建；maxHistory 为每个品种保留的历史分钟数
func NewRecorder(maxHistory int) *Recorder {
	if maxHistory <= 0 {
		maxHistory = 60
	}
	return &Recorder{
		maxHistory: maxHistory,
		current:    make(map[string]*MinuteMetrics),
		history:    make(map[string][]MinuteMetrics),
	}
}

// bucket 迟到的成交（分钟早于当前桶）计入当前桶，已完成的分钟不再改动
func (r *Recorder) bucket(inst string, minute time.Time) *MinuteMetrics {
	m := r.current[inst]
	switch {
	case m == nil:
		m = &MinuteMetrics{Instrument: inst, Minute: minute}
		r.current[inst] = m
	case m.Minute.Before(minute):
		r.pushLocked(*m)
		m = &MinuteMetrics{Instrument: inst, Minute: minute}
		r.current[inst] = m
	}
	return m
}

// Record 记入一笔成交及其已实现盈亏
func (r *Recorder) Record(f exchange.Fill, realized decimal.Decimal, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m := r.bucket(f.Instrument, MinuteOf(at))
	if f.Maker {
		m.MakerFills++
	} else {
		m.TakerFills++
	}
	m.RealizedPnL = m.RealizedPnL.Add(realized)
	m.NetFees = m.NetFees.Add(f.Fee)
	m.Volume = m.Volume.Add(f.Notional())
}

func (r *Recorder) pushLocked(m MinuteMetrics) {
	h := append(r.history[m.Instrument], m)
	if len(h) > r.maxHistory {
		h = h[len(h)-r.maxHistory:]
	}
	r.history[m.Instrument] = h
}

// Rollover 结束 now 之前的分钟，返回新完成的分钟（按品种排序）
// 没有成交的品种也会产生一条空记录，保证自动调参看到连续的分钟
func (r *Recorder) Rollover(insts []string, now time.Time) []MinuteMetrics {
	minute := MinuteOf(now)
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []MinuteMetrics
	for _, inst := range insts {
		m := r.current[inst]
		switch {
		case m == nil:
			r.current[inst] = &MinuteMetrics{Instrument: inst, Minute: minute}
		case m.Minute.Before(minute):
			r.pushLocked(*m)
			out = append(out, *m)
			r.current[inst] = &MinuteMetrics{Instrument: inst, Minute: minute}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Instrument < out[j].Instrument })
	return out
}

// Window 最近 d 时间内已完成的分钟（旧在前）
func (r *Recorder) Window(inst string, d time.Duration, now time.Time) []MinuteMetrics {
	cutoff := MinuteOf(now).Add(-d)
	r.mu.Lock()
	defer r.mu.Unlock()
	h := r.history[inst]
	i := sort.Search(len(h), func(i int) bool { return !h[i].Minute.Before(cutoff) })
	return append([]MinuteMetrics(nil), h[i:]...)
}

// Current 当前分钟的累计（副本）
func (r *Recorder) Current(inst string) MinuteMetrics {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m := r.current[inst]; m != nil {
		return *m
	}
	return MinuteMetrics{Instrument: inst}
}

// Summary 汇总一段分钟
type Summary struct {
	Minutes        int
	MakerFills     int
	TakerFills     int
	NetPnL         decimal.Decimal
	AvgMakerShare  float64
	FillsPerMinute float64
}

// Summarize 汇总；AvgMakerShare 只统计有成交的分钟
func Summarize(ms []MinuteMetrics) Summary {
	var s Summary
	s.Minutes = len(ms)
	var shareSum float64
	var active int
	for _, m := range ms {
		s.MakerFills += m.MakerFills
		s.TakerFills += m.TakerFills
		s.NetPnL = s.NetPnL.Add(m.NetPnL())
		if m.MakerFills+m.TakerFills > 0 {
			shareSum += m.MakerShare()
			active++
		}
	}
	if active > 0 {
		s.AvgMakerShare = shareSum / float64(active)
	}
	if s.Minutes > 0 {
		s.FillsPerMinute = float64(s.MakerFills) / float64(s.Minutes)
	}
	return s
}
