package risk

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"
)

// ErrSuspended 表示该品种因连续错误被暂停。
var ErrSuspended = errors.New("instrument suspended")

// BreakerConfig 断路器配置。
// 约定：MaxErrors <= 0 表示关闭。
type BreakerConfig struct {
	// MaxErrors 连续错误上限（下单失败/周期异常等）。
	MaxErrors int64

	// SuspendFor 达到上限后暂停的时长。
	SuspendFor time.Duration
}

// Breaker 单个品种的断路器，快路径使用原子变量。
// 达到连续错误上限后暂停 SuspendFor，期满自动恢复；成功一次即清零计数。
type Breaker struct {
	consecutiveErrors atomic.Int64
	suspendedUntil    atomic.Int64 // unix nano，0 表示未暂停
	trips             atomic.Int64

	maxErrors  atomic.Int64
	suspendFor atomic.Int64
}

func NewBreaker(cfg BreakerConfig) *Breaker {
	b := &Breaker{}
	b.SetConfig(cfg)
	return b
}

func (b *Breaker) SetConfig(cfg BreakerConfig) {
	if b == nil {
		return
	}
	b.maxErrors.Store(cfg.MaxErrors)
	b.suspendFor.Store(int64(cfg.SuspendFor))
}

// Allow 快路径检查是否允许本周期交易。
func (b *Breaker) Allow(now time.Time) error {
	if b == nil {
		return nil
	}
	until := b.suspendedUntil.Load()
	if until == 0 {
		return nil
	}
	if now.UnixNano() < until {
		return fmt.Errorf("%w: 剩余 %v", ErrSuspended, time.Duration(until-now.UnixNano()).Round(time.Second))
	}
	// 期满：只有一个调用方负责清零
	b.suspendedUntil.CompareAndSwap(until, 0)
	return nil
}

// OnSuccess 在一次周期成功后调用，清空连续错误计数。
func (b *Breaker) OnSuccess() {
	if b == nil {
		return
	}
	b.consecutiveErrors.Store(0)
}

// OnError 累计连续错误；达到上限时进入暂停并返回 true。
func (b *Breaker) OnError(now time.Time) bool {
	if b == nil {
		return false
	}
	n := b.consecutiveErrors.Add(1)
	maxErr := b.maxErrors.Load()
	if maxErr <= 0 || n < maxErr {
		return false
	}
	b.consecutiveErrors.Store(0)
	b.suspendedUntil.Store(now.Add(time.Duration(b.suspendFor.Load())).UnixNano())
	b.trips.Add(1)
	return true
}

// Resume 手动恢复（同时清空连续错误计数）。
func (b *Breaker) Resume() {
	if b == nil {
		return
	}
	b.suspendedUntil.Store(0)
	b.consecutiveErrors.Store(0)
}

// Errors 当前连续错误数
func (b *Breaker) Errors() int64 { return b.consecutiveErrors.Load() }

// Trips 累计触发次数
func (b *Breaker) Trips() int64 { return b.trips.Load() }

// SuspendedUntil 暂停截止时间，未暂停返回零值
func (b *Breaker) SuspendedUntil() time.Time {
	until := b.suspendedUntil.Load()
	if until == 0 {
		return time.Time{}
	}
	return time.Unix(0, until)
}
