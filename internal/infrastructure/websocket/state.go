package websocket

import "time"

// State 推送连接状态
type State int32

const (
	Disconnected State = iota
	Connecting
	Subscribed
	Degraded // 已连接但心跳/数据超时，下一次失败转为 Disconnected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Subscribed:
		return "subscribed"
	case Degraded:
		return "degraded"
	}
	return "unknown"
}

// 默认参数
const (
	DefaultPingInterval  = 30 * time.Second
	DefaultReadTimeout   = 30 * time.Second
	DefaultDegradedAfter = 15 * time.Second
	DefaultBackoffBase   = time.Second
	DefaultBackoffMax    = 30 * time.Second
	writeTimeout         = 10 * time.Second
	controlMaxWait       = time.Second
)

// Backoff 第 n 次连续失败后的等待时间：min(max, base*2^(n-1))，n<=0 时为 0
func Backoff(n int, base, max time.Duration) time.Duration {
	if n <= 0 || base <= 0 {
		return 0
	}
	if max < base {
		max = base
	}
	d := base
	for i := 1; i < n; i++ {
		if d >= max/2 {
			return max
		}
		d *= 2
	}
	if d > max {
		return max
	}
	return d
}
