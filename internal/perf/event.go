package perf

import "time"

// EventKind 事件日志类型
type EventKind string

const (
	EventBailout    EventKind = "bailout"
	EventTakeProfit EventKind = "take_profit"
	EventAutoTune   EventKind = "autotune"
	EventSuspended  EventKind = "suspended"
	EventPortfolio  EventKind = "portfolio"
	EventStartup    EventKind = "startup"
)

// Event 写入事件日志的一条记录
type Event struct {
	Time       time.Time
	Bot        string
	Instrument string
	Kind       EventKind
	Detail     string
}
