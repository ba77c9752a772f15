package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/betbot/perpmm/internal/metrics"
	"github.com/betbot/perpmm/internal/perf"
)

// InstrumentStatus 单品种状态（状态接口输出）
type InstrumentStatus struct {
	Instrument        string     `json:"instrument"`
	Side              string     `json:"side"`
	LastKind          Kind       `json:"last_kind"`
	LastReason        string     `json:"last_reason"`
	Position          string     `json:"position"`
	AvgEntry          string     `json:"avg_entry"`
	Realized          string     `json:"realized"`
	Fees              string     `json:"fees"`
	LiveBps           float64    `json:"live_bps"`
	EffectiveFloorBps float64    `json:"effective_floor_bps"`
	Percentile        float64    `json:"percentile"`
	GuardBufferBps    float64    `json:"guard_buffer_bps"`
	RestingQuotes     int        `json:"resting_quotes"`
	ConsecutiveErrors int64      `json:"consecutive_errors"`
	SuspendedUntil    *time.Time `json:"suspended_until,omitempty"`
}

// BotStatus bot 状态
type BotStatus struct {
	Name        string             `json:"name"`
	Cycle       int64              `json:"cycle"`
	Verdict     string             `json:"portfolio"`
	UpdatedAt   time.Time          `json:"updated_at"`
	Instruments []InstrumentStatus `json:"instruments"`
}

// Instrument 查找单个品种
func (s BotStatus) Instrument(inst string) (InstrumentStatus, bool) {
	for _, is := range s.Instruments {
		if is.Instrument == inst {
			return is, true
		}
	}
	return InstrumentStatus{}, false
}

func (b *Bot) publishStatus(now time.Time) {
	out := BotStatus{
		Name:        b.opts.Name,
		Cycle:       b.cycle,
		Verdict:     b.verdict.String(),
		UpdatedAt:   now,
		Instruments: make([]InstrumentStatus, 0, len(b.insts)),
	}
	for _, in := range b.insts {
		st := b.deps.Ledger.State(in.name)
		tuning := b.gates.For(in.name).Floor().Tuning()
		is := InstrumentStatus{
			Instrument:        in.name,
			Side:              string(in.selector.State().Current),
			LastKind:          in.last.Kind,
			LastReason:        in.last.Reason,
			Position:          st.Position.String(),
			AvgEntry:          st.AvgEntry.String(),
			Realized:          st.Realized.String(),
			Fees:              st.Fees.String(),
			LiveBps:           in.decision.LiveBps,
			EffectiveFloorBps: in.decision.EffectiveFloor,
			Percentile:        tuning.Percentile,
			GuardBufferBps:    tuning.GuardBufferBps,
			RestingQuotes:     len(in.quotes),
			ConsecutiveErrors: in.breaker.Errors(),
		}
		if until := in.breaker.SuspendedUntil(); !until.IsZero() {
			is.SuspendedUntil = &until
		}
		out.Instruments = append(out.Instruments, is)
	}
	b.statusMu.Lock()
	b.status = out
	b.statusMu.Unlock()
}

// maybeRollover 跨分钟时结算上一分钟、落盘并运行自动调参（在决策循环内同步执行）
func (b *Bot) maybeRollover(ctx context.Context, now time.Time) {
	minute := perf.MinuteOf(now)
	if b.lastMinute.IsZero() {
		b.lastMinute = minute
		b.deps.Perf.Rollover(b.names, now)
		return
	}
	if !minute.After(b.lastMinute) {
		return
	}
	b.lastMinute = minute

	done := b.deps.Perf.Rollover(b.names, now)
	if len(done) > 0 {
		if err := b.deps.Sink.SaveMinutes(ctx, b.opts.Name, done); err != nil {
			metrics.SinkErrors.Add(1)
			b.log.Warnf("写入分钟统计失败: %v", err)
		}
	}

	for _, in := range b.insts {
		p := in.params.AutoTune
		window := b.deps.Perf.Window(in.name, time.Duration(p.WindowMinutes)*time.Minute, now)
		adj, ok := b.tuner.Evaluate(in.name, p, b.gates.For(in.name).Floor(), window, now)
		if !ok {
			continue
		}
		b.log.WithField("instrument", in.name).Infof("自动调参: %s", adj)
		b.event(ctx, in.name, perf.EventAutoTune, fmt.Sprint(adj), now)
	}
}
