package engine

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/betbot/perpmm/internal/exchange"
	"github.com/betbot/perpmm/internal/ledger"
	"github.com/betbot/perpmm/internal/marketstate"
	"github.com/betbot/perpmm/internal/metrics"
	"github.com/betbot/perpmm/internal/perf"
	"github.com/betbot/perpmm/pkg/logger"
	"github.com/betbot/perpmm/pkg/quant"
)

// Accounting 成交回调：账本、成交流统计、分钟统计和成交日志
// 多个 bot 共用一份，成交按品种落到各自状态
type Accounting struct {
	ledger *ledger.Ledger
	store  *marketstate.Store
	perf   *perf.Recorder
	sink   Sink
	now    func() time.Time
	log    *logrus.Entry
}

// NewAccounting 创建；sink 为 nil 时不落盘
func NewAccounting(l *ledger.Ledger, store *marketstate.Store, rec *perf.Recorder, sink Sink) *Accounting {
	if sink == nil {
		sink = nopSink{}
	}
	return &Accounting{
		ledger: l,
		store:  store,
		perf:   rec,
		sink:   sink,
		now:    time.Now,
		log:    logger.Component("accounting"),
	}
}

// OnFill 记入一笔成交
func (a *Accounting) OnFill(f exchange.Fill) {
	res := a.ledger.Apply(f.Instrument, f)
	a.store.RecordFill(f)

	at := f.Time
	if at.IsZero() {
		at = a.now()
	}
	a.perf.Record(f, res.RealizedDelta, at)

	st := a.ledger.State(f.Instrument)
	metrics.RealizedPnL.WithLabelValues(f.Instrument).Set(quant.Float(st.Realized))
	metrics.Position.WithLabelValues(f.Instrument).Set(quant.Float(st.Position))

	a.log.WithFields(logrus.Fields{
		"instrument": f.Instrument,
		"side":       f.Side,
		"maker":      f.Maker,
	}).Infof("成交 %s@%s, 持仓 %s, 已实现 %s", f.Size, f.Price, st.Position, res.RealizedDelta)

	if err := a.sink.SaveFill(context.Background(), f, res.RealizedDelta); err != nil {
		metrics.SinkErrors.Add(1)
		a.log.Warnf("写入成交日志失败: %v", err)
	}
}
