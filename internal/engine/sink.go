package engine

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/betbot/perpmm/internal/exchange"
	"github.com/betbot/perpmm/internal/perf"
)

// Sink 只写的持久化出口（分钟统计、成交与事件日志）
type Sink interface {
	SaveMinutes(ctx context.Context, bot string, ms []perf.MinuteMetrics) error
	SaveFill(ctx context.Context, f exchange.Fill, realized decimal.Decimal) error
	SaveEvent(ctx context.Context, e perf.Event) error
}

type nopSink struct{}

func (nopSink) SaveMinutes(context.Context, string, []perf.MinuteMetrics) error { return nil }
func (nopSink) SaveFill(context.Context, exchange.Fill, decimal.Decimal) error { return nil }
func (nopSink) SaveEvent(context.Context, perf.Event) error { return nil }
