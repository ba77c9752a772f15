package marketstate

import (
	"context"
	"errors"
	"fmt"

	"github.com/betbot/perpmm/internal/exchange"
	"github.com/betbot/perpmm/pkg/logger"
)

// ErrUnavailable 没有可用的新鲜行情，本轮跳过该品种
var ErrUnavailable = errors.New("market data unavailable")

// BookSource 请求通道的盘口查询
type BookSource interface {
	TopOfBook(ctx context.Context, inst string) (exchange.TopOfBook, error)
}

// Reader 决策循环的读路径：优先缓存，过期时单次兜底查询
type Reader struct {
	store    *Store
	fallback BookSource
}

// NewReader 创建；fallback 为 nil 时不做兜底查询
func NewReader(store *Store, fallback BookSource) *Reader {
	return &Reader{store: store, fallback: fallback}
}

// Store 底层缓存
func (r *Reader) Store() *Store {
	return r.store
}

// Top 返回新鲜快照
func (r *Reader) Top(ctx context.Context, inst string) (Snapshot, error) {
	if snap, fresh, ok := r.store.Get(inst); ok && fresh && snap.Valid() {
		return snap, nil
	}
	if r.fallback == nil {
		return Snapshot{}, fmt.Errorf("%s: %w", inst, ErrUnavailable)
	}

	top, err := r.fallback.TopOfBook(ctx, inst)
	if err != nil {
		if !errors.Is(err, exchange.ErrRateLimited) {
			logger.Component("marketstate").Debugf("%s 兜底查询盘口失败: %v", inst, err)
		}
		return Snapshot{}, fmt.Errorf("%s: %w (%v)", inst, ErrUnavailable, err)
	}
	if top.Instrument == "" {
		top.Instrument = inst
	}
	snap := FromTopOfBook(top, SourceFallback, r.store.now())
	if !snap.Valid() {
		return Snapshot{}, fmt.Errorf("%s: 兜底盘口无效: %w", inst, ErrUnavailable)
	}
	r.store.Put(snap)
	return snap, nil
}
