package ratelimit

import (
	"context"
	"time"
)

// Op 请求通道上的操作类型
type Op string

const (
	OpOrder    Op = "order"
	OpCancel   Op = "cancel"
	OpBook     Op = "l2book"
	OpMeta     Op = "meta"
	OpUserFees Op = "userfees"
	OpAccount  Op = "account"
	OpOrders   Op = "openorders"
)

// 默认配额（每分钟）
const (
	DefaultRestPerMinute   = 1200
	DefaultStreamPerMinute = 2000
)

var weights = map[Op]float64{
	OpOrder:    1,
	OpCancel:   1,
	OpBook:     2,
	OpMeta:     20,
	OpUserFees: 20,
	OpAccount:  2,
	OpOrders:   20,
}

// Weight 操作的令牌权重，未知操作按 1 计
func Weight(op Op) float64 {
	if w, ok := weights[op]; ok {
		return w
	}
	return 1
}

// Dual 进程级的两个令牌桶：
// Rest 限制请求/响应通道（按操作加权），Stream 只限制流式通道自身的出站控制消息
type Dual struct {
	Rest   *TokenBucket
	Stream *TokenBucket
}

// NewDual 创建双令牌桶
func NewDual(restPerMinute, streamPerMinute float64) *Dual {
	if restPerMinute <= 0 {
		restPerMinute = DefaultRestPerMinute
	}
	if streamPerMinute <= 0 {
		streamPerMinute = DefaultStreamPerMinute
	}
	return &Dual{
		Rest:   NewTokenBucket(restPerMinute),
		Stream: NewTokenBucket(streamPerMinute),
	}
}

// AcquireRest 按操作权重从请求桶取令牌
func (d *Dual) AcquireRest(ctx context.Context, op Op, maxWait time.Duration) bool {
	return d.Rest.Acquire(ctx, Weight(op), maxWait)
}

// AcquireStream 流式控制消息（订阅、心跳）每条计 1
func (d *Dual) AcquireStream(ctx context.Context, maxWait time.Duration) bool {
	return d.Stream.Acquire(ctx, 1, maxWait)
}
