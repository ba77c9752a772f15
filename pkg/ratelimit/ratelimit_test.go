package ratelimit

import (
	"context"
	"testing"
	"testing/quick"
	"time"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func TestTokenBucket_RefillScenario(t *testing.T) {
	clock := newFakeClock()
	tb := NewTokenBucketWithClock(60, 0, clock.now)

	if got := tb.Tokens(); got != 0 {
		t.Fatalf("初始令牌应为 0，实际 %v", got)
	}

	clock.advance(10 * time.Second)
	if got := tb.Tokens(); got != 10 {
		t.Fatalf("空闲 10s 后令牌应为 10，实际 %v", got)
	}

	if !tb.Acquire(context.Background(), 5, 0) {
		t.Fatalf("acquire(5) 应成功")
	}
	if got := tb.Tokens(); got != 5 {
		t.Fatalf("扣除后令牌应为 5，实际 %v", got)
	}
}

func TestTokenBucket_CapacityCap(t *testing.T) {
	clock := newFakeClock()
	tb := NewTokenBucketWithClock(60, 0, clock.now)
	clock.advance(10 * time.Minute)
	if got := tb.Tokens(); got != 60 {
		t.Fatalf("令牌不应超过容量，实际 %v", got)
	}
}

func TestTokenBucket_ShedLoad(t *testing.T) {
	clock := newFakeClock()
	tb := NewTokenBucketWithClock(60, 3, clock.now)

	if tb.TryAcquire(5) {
		t.Fatalf("令牌不足时应拒绝")
	}
	if got := tb.Tokens(); got != 3 {
		t.Fatalf("拒绝后令牌不应变化，实际 %v", got)
	}
	// 差 2 个令牌需要 2s，maxWait 只有 100ms，应直接拒绝
	start := time.Now()
	if tb.Acquire(context.Background(), 5, 100*time.Millisecond) {
		t.Fatalf("等待上限内不可能补足，应拒绝")
	}
	if time.Since(start) > 50*time.Millisecond {
		t.Fatalf("明显补不足时不应等待")
	}
	if tb.TryAcquire(61) {
		t.Fatalf("超过容量的 cost 永远失败")
	}
	if tb.TryAcquire(-1) {
		t.Fatalf("负 cost 应拒绝")
	}
}

func TestTokenBucket_AcquireWaits(t *testing.T) {
	// 6000/min = 100/s，缺 1 个令牌约 10ms
	tb := NewTokenBucketWithClock(6000, 0, time.Now)
	if !tb.Acquire(context.Background(), 1, 200*time.Millisecond) {
		t.Fatalf("在等待上限内应获得令牌")
	}
}

func TestTokenBucket_AcquireContextCancel(t *testing.T) {
	tb := NewTokenBucketWithClock(60, 0, time.Now)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if tb.Acquire(ctx, 1, 2*time.Second) {
		t.Fatalf("ctx 已取消应返回 false")
	}
}

// 任意补充/扣除序列后 0 <= tokens <= capacity
func TestTokenBucket_BoundsProperty(t *testing.T) {
	f := func(perMinute uint16, steps []struct {
		Advance uint16
		Cost    uint16
	}) bool {
		clock := newFakeClock()
		capacity := float64(perMinute%3000) + 1
		tb := NewTokenBucketWithClock(capacity, capacity/2, clock.now)
		for _, s := range steps {
			clock.advance(time.Duration(s.Advance) * time.Millisecond)
			tb.TryAcquire(float64(s.Cost % 100))
			got := tb.Tokens()
			if got < 0 || got > tb.Capacity() {
				return false
			}
		}
		return true
	}
	if err := quick.Check(f, nil); err != nil {
		t.Fatalf("令牌边界性质不成立: %v", err)
	}
}

func TestDual_Weights(t *testing.T) {
	cases := map[Op]float64{
		OpOrder:    1,
		OpCancel:   1,
		OpBook:     2,
		OpMeta:     20,
		OpUserFees: 20,
		Op("x"):    1,
	}
	for op, want := range cases {
		if got := Weight(op); got != want {
			t.Errorf("Weight(%s) = %v, 期望 %v", op, got, want)
		}
	}

	d := NewDual(0, 0)
	if d.Rest.Capacity() != DefaultRestPerMinute || d.Stream.Capacity() != DefaultStreamPerMinute {
		t.Fatalf("默认配额错误: rest=%v stream=%v", d.Rest.Capacity(), d.Stream.Capacity())
	}
	if !d.AcquireRest(context.Background(), OpMeta, 0) {
		t.Fatalf("满桶时应允许 meta 请求")
	}
	if got := d.Rest.Tokens(); got > DefaultRestPerMinute-20+0.5 {
		t.Fatalf("meta 应扣除 20，剩余 %v", got)
	}
}

func TestReplaceThrottle(t *testing.T) {
	th := NewReplaceThrottle(500 * time.Millisecond)
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	if !th.AllowAt("BTC", now) {
		t.Fatalf("首次应允许")
	}
	if th.AllowAt("BTC", now.Add(100*time.Millisecond)) {
		t.Fatalf("间隔内不应允许")
	}
	if !th.AllowAt("ETH", now.Add(100*time.Millisecond)) {
		t.Fatalf("不同品种互不影响")
	}
	if !th.AllowAt("BTC", now.Add(600*time.Millisecond)) {
		t.Fatalf("间隔后应允许")
	}

	var nilThrottle *ReplaceThrottle
	if !nilThrottle.AllowAt("BTC", now) {
		t.Fatalf("nil 不限制")
	}
}
