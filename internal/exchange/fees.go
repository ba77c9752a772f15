package exchange

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/betbot/perpmm/pkg/logger"
)

// 查询失败时使用的默认费率
var (
	DefaultMakerRate = decimal.RequireFromString("0.00015")
	DefaultTakerRate = decimal.RequireFromString("0.00045")
)

const feeTTL = 15 * time.Minute

type feeSource interface {
	UserFees(ctx context.Context) (Fees, error)
}

// FeeCache 账户费率缓存（15 分钟）
type FeeCache struct {
	src feeSource
	now func() time.Time

	mu      sync.Mutex
	fees    Fees
	fetched time.Time
	ok      bool
}

// NewFeeCache 创建费率缓存
func NewFeeCache(src feeSource) *FeeCache {
	return &FeeCache{src: src, now: time.Now}
}

// Get 返回当前费率；查询失败时返回上次结果或默认费率
func (c *FeeCache) Get(ctx context.Context) Fees {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ok && c.now().Sub(c.fetched) < feeTTL {
		return c.fees
	}
	fees, err := c.src.UserFees(ctx)
	if err != nil || fees.MakerRate.IsZero() && fees.TakerRate.IsZero() {
		if err != nil {
			logger.Component("fees").Debugf("查询费率失败: %v", err)
		}
		if c.ok {
			return c.fees
		}
		return Fees{MakerRate: DefaultMakerRate, TakerRate: DefaultTakerRate}
	}
	c.fees, c.fetched, c.ok = fees, c.now(), true
	return fees
}
