package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"
)

// pollStep 等待令牌时的轮询间隔
const pollStep = 10 * time.Millisecond

// TokenBucket 令牌桶（浮点令牌，按经过时间连续补充）
// 令牌数始终在 [0, capacity] 内
type TokenBucket struct {
	capacity     float64
	tokens       float64
	refillPerSec float64
	lastRefill   time.Time
	now          func() time.Time
	mu           sync.Mutex
}

// NewTokenBucket 按每分钟配额创建令牌桶，初始为满
func NewTokenBucket(perMinute float64) *TokenBucket {
	return NewTokenBucketWithClock(perMinute, perMinute, time.Now)
}

// NewEmptyTokenBucket 初始为空的令牌桶
func NewEmptyTokenBucket(perMinute float64) *TokenBucket {
	return NewTokenBucketWithClock(perMinute, 0, time.Now)
}

// NewTokenBucketWithClock 指定初始令牌和时钟（测试用）
func NewTokenBucketWithClock(perMinute, initial float64, now func() time.Time) *TokenBucket {
	if perMinute < 0 {
		perMinute = 0
	}
	if now == nil {
		now = time.Now
	}
	tb := &TokenBucket{
		capacity:     perMinute,
		refillPerSec: perMinute / 60,
		now:          now,
	}
	tb.tokens = clamp(initial, 0, tb.capacity)
	tb.lastRefill = now()
	return tb
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

// refill 调用方需持有锁
func (tb *TokenBucket) refill() {
	now := tb.now()
	elapsed := now.Sub(tb.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	tb.tokens = clamp(tb.tokens+elapsed*tb.refillPerSec, 0, tb.capacity)
	tb.lastRefill = now
}

// TryAcquire 不等待，立即尝试扣除 cost
func (tb *TokenBucket) TryAcquire(cost float64) bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.takeLocked(cost)
}

func (tb *TokenBucket) takeLocked(cost float64) bool {
	if cost < 0 || cost > tb.capacity {
		return false
	}
	tb.refill()
	if tb.tokens >= cost {
		tb.tokens -= cost
		return true
	}
	return false
}

// deficitWait 还差多久才够 cost，调用方需持有锁
func (tb *TokenBucket) deficitWait(cost float64) time.Duration {
	if tb.refillPerSec <= 0 {
		return time.Duration(math.MaxInt64)
	}
	missing := cost - tb.tokens
	if missing <= 0 {
		return 0
	}
	return time.Duration(missing / tb.refillPerSec * float64(time.Second))
}

// Acquire 补充令牌后尝试扣除 cost；不够时最多等待 maxWait
// 返回 false 表示本轮应放弃该操作（限流丢弃），调用方不得紧循环重试
func (tb *TokenBucket) Acquire(ctx context.Context, cost float64, maxWait time.Duration) bool {
	tb.mu.Lock()
	if tb.takeLocked(cost) {
		tb.mu.Unlock()
		return true
	}
	if cost < 0 || cost > tb.capacity || maxWait <= 0 {
		tb.mu.Unlock()
		return false
	}
	// 等待时间超过上限的直接拒绝，不做无谓等待
	if tb.deficitWait(cost) > maxWait {
		tb.mu.Unlock()
		return false
	}
	tb.mu.Unlock()

	steps := int(maxWait/pollStep) + 1
	timer := time.NewTimer(pollStep)
	defer timer.Stop()
	for i := 0; i < steps; i++ {
		select {
		case <-ctx.Done():
			return false
		case <-timer.C:
		}
		if tb.TryAcquire(cost) {
			return true
		}
		timer.Reset(pollStep)
	}
	return false
}

// Tokens 当前令牌数（已补充）
func (tb *TokenBucket) Tokens() float64 {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refill()
	return tb.tokens
}

// Capacity 桶容量
func (tb *TokenBucket) Capacity() float64 {
	return tb.capacity
}
