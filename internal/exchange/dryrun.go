package exchange

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/betbot/perpmm/pkg/logger"
)

// DryRunClient 只读模式：查询走真实客户端，下单/撤单只记录日志
// post-only 单记为本地挂单，IOC 视为未成交
type DryRunClient struct {
	Client
	nextID atomic.Int64
	log    *logrus.Entry

	mu   sync.Mutex
	open map[int64]OpenOrder
}

// NewDryRunClient 包装一个真实客户端
func NewDryRunClient(inner Client) *DryRunClient {
	d := &DryRunClient{Client: inner, log: logger.Component("dryrun"), open: make(map[int64]OpenOrder)}
	d.nextID.Store(1_000_000)
	return d
}

// PlaceOrder 不发单
func (d *DryRunClient) PlaceOrder(_ context.Context, req OrderRequest) (OrderResult, error) {
	id := d.nextID.Add(1)
	d.log.WithFields(logrus.Fields{
		"instrument": req.Instrument,
		"side":       req.Side,
		"px":         req.Price.String(),
		"sz":         req.Size.String(),
		"tif":        req.TIF,
		"reduceOnly": req.ReduceOnly,
	}).Info("[dry-run] 下单")
	if req.TIF == IOC {
		return OrderResult{Status: StatusRejected, OrderID: id, Reason: "dry-run"}, nil
	}
	d.mu.Lock()
	d.open[id] = OpenOrder{
		Instrument: req.Instrument,
		OrderID:    id,
		ClientID:   req.ClientID,
		Side:       req.Side,
		Price:      req.Price,
		Size:       req.Size,
		Time:       time.Now(),
	}
	d.mu.Unlock()
	return OrderResult{Status: StatusResting, OrderID: id}, nil
}

// CancelOrder 不发撤单
func (d *DryRunClient) CancelOrder(_ context.Context, inst string, orderID int64) error {
	d.mu.Lock()
	delete(d.open, orderID)
	d.mu.Unlock()
	d.log.Infof("[dry-run] 撤单 %s oid=%d", inst, orderID)
	return nil
}

// OpenOrders 本地记录的挂单
func (d *DryRunClient) OpenOrders(context.Context) ([]OpenOrder, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]OpenOrder, 0, len(d.open))
	for _, o := range d.open {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OrderID < out[j].OrderID })
	return out, nil
}
