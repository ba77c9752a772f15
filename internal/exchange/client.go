package exchange

import (
	"context"
	"errors"
)

var (
	// ErrRateLimited 令牌不足，本轮跳过该操作
	ErrRateLimited = errors.New("rate limited")
	// ErrRejected 交易所拒单，不要用相同参数重试
	ErrRejected = errors.New("order rejected")
	// ErrUnknownInstrument 元数据中没有该品种
	ErrUnknownInstrument = errors.New("unknown instrument")
	// ErrNoAccount 未配置账户地址
	ErrNoAccount = errors.New("account address not configured")
)

// Client 交易所请求/响应能力
type Client interface {
	TopOfBook(ctx context.Context, inst string) (TopOfBook, error)
	InstrumentMetadata(ctx context.Context, inst string) (Metadata, error)
	AccountState(ctx context.Context) (AccountState, error)
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
	CancelOrder(ctx context.Context, inst string, orderID int64) error
	OpenOrders(ctx context.Context) ([]OpenOrder, error)
	UserFees(ctx context.Context) (Fees, error)
}
