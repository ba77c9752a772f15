// Package risk 水下计时减仓、止盈、组合风控、保证金约束下单量和单品种断路器
package risk

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/betbot/perpmm/pkg/config"
)

// Action 水下计时器的处置
type Action int

const (
	ActionNone Action = iota
	ActionPartial
	ActionFull
)

func (a Action) String() string {
	switch a {
	case ActionPartial:
		return "partial"
	case ActionFull:
		return "full"
	}
	return "none"
}

// UnderwaterTimer 持仓处于浮亏的起始时间；浮亏消失或平仓后清空
type UnderwaterTimer struct {
	Since        *time.Time
	partialFired bool
}

// Underwater 按品种跟踪浮亏持续时间
type Underwater struct {
	resolver *config.Resolver

	mu          sync.Mutex
	timers      map[string]*UnderwaterTimer
	pausedUntil map[string]time.Time
}

// NewUnderwater 创建
func NewUnderwater(r *config.Resolver) *Underwater {
	return &Underwater{
		resolver:    r,
		timers:      make(map[string]*UnderwaterTimer),
		pausedUntil: make(map[string]time.Time),
	}
}

// Evaluate 根据当前浮亏（bps，正数为不利）和持仓判断处置。
// 达到全量阈值或持续超过最长时长：全量减仓，并在 pause_after_bailout 内暂停挂单；
// 达到部分阈值且持续超过 work_time：部分减仓，每段水下期只触发一次。
func (u *Underwater) Evaluate(inst string, adverseBps float64, position decimal.Decimal, now time.Time) Action {
	p := u.resolver.For(inst).Risk

	u.mu.Lock()
	defer u.mu.Unlock()

	if position.IsZero() || adverseBps <= 0 {
		delete(u.timers, inst)
		return ActionNone
	}
	t, ok := u.timers[inst]
	if !ok || t.Since == nil {
		since := now
		t = &UnderwaterTimer{Since: &since}
		u.timers[inst] = t
	}
	elapsed := now.Sub(*t.Since)

	if adverseBps >= p.FullBps || elapsed >= time.Duration(p.MaxDurationSec)*time.Second {
		delete(u.timers, inst)
		u.pausedUntil[inst] = now.Add(time.Duration(p.PauseAfterBailout) * time.Second)
		return ActionFull
	}
	if !t.partialFired && adverseBps >= p.PartialBps && elapsed >= time.Duration(p.WorkTimeSec)*time.Second {
		t.partialFired = true
		return ActionPartial
	}
	return ActionNone
}

// Timer 当前计时状态（拷贝）
func (u *Underwater) Timer(inst string) UnderwaterTimer {
	u.mu.Lock()
	defer u.mu.Unlock()
	if t, ok := u.timers[inst]; ok {
		return *t
	}
	return UnderwaterTimer{}
}

// Paused 是否处于全量减仓后的暂停期
func (u *Underwater) Paused(inst string, now time.Time) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	until, ok := u.pausedUntil[inst]
	if !ok {
		return false
	}
	if !now.Before(until) {
		delete(u.pausedUntil, inst)
		return false
	}
	return true
}

// PartialSize 部分减仓数量（持仓绝对值 × partial_fraction）
func (u *Underwater) PartialSize(inst string, position decimal.Decimal) decimal.Decimal {
	frac := decimal.NewFromFloat(u.resolver.For(inst).Risk.PartialFraction)
	return position.Abs().Mul(frac)
}
