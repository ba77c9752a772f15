package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ReplaceThrottle 每个品种两次改单之间的最小间隔
type ReplaceThrottle struct {
	interval time.Duration
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewReplaceThrottle interval<=0 时不限制
func NewReplaceThrottle(interval time.Duration) *ReplaceThrottle {
	return &ReplaceThrottle{
		interval: interval,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (t *ReplaceThrottle) limiter(key string) *rate.Limiter {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.limiters[key]
	if !ok {
		l = rate.NewLimiter(rate.Every(t.interval), 1)
		t.limiters[key] = l
	}
	return l
}

// Allow 当前是否允许对该品种改单
func (t *ReplaceThrottle) Allow(key string) bool {
	return t.AllowAt(key, time.Now())
}

// AllowAt 指定时间点判断
func (t *ReplaceThrottle) AllowAt(key string, now time.Time) bool {
	if t == nil || t.interval <= 0 {
		return true
	}
	return t.limiter(key).AllowN(now, 1)
}
