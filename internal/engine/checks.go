package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/betbot/perpmm/internal/exchange"
	"github.com/betbot/perpmm/internal/ledger"
	"github.com/betbot/perpmm/internal/marketstate"
	"github.com/betbot/perpmm/internal/metrics"
	"github.com/betbot/perpmm/internal/perf"
	"github.com/betbot/perpmm/internal/risk"
	"github.com/betbot/perpmm/pkg/quant"
)

// checkRisk 水下计时与止盈；done=true 时本周期到此结束
func (b *Bot) checkRisk(ctx context.Context, in *instrument, snap marketstate.Snapshot, st ledger.CoinState, tick, step decimal.Decimal, now time.Time) (Result, bool) {
	mid := snap.Mid()
	adverse := ledger.AdverseBps(st, mid)
	req := risk.ExitRequest{
		Instrument: in.name,
		Position:   st.Position,
		BestBid:    snap.BestBid,
		BestAsk:    snap.BestAsk,
		Tick:       tick,
		SizeStep:   step,
	}

	switch b.underwater.Evaluate(in.name, adverse, st.Position, now) {
	case risk.ActionFull:
		in.selector.ForceNone(b.cycle)
		b.cancelAll(ctx, in)
		req.Size, req.Reason = st.Position.Abs(), ReasonBailoutFull
		metrics.Bailouts.WithLabelValues(in.name, "full").Inc()
		out, err := in.exiter.Exit(ctx, req)
		return b.afterExit(ctx, in, req, adverse, out, err, perf.EventBailout, now), true
	case risk.ActionPartial:
		req.Size, req.Reason = b.underwater.PartialSize(in.name, st.Position), ReasonBailoutPartial
		metrics.Bailouts.WithLabelValues(in.name, "partial").Inc()
		out, err := in.exiter.Exit(ctx, req)
		return b.afterExit(ctx, in, req, adverse, out, err, perf.EventBailout, now), true
	}

	if st.Flat() {
		return Result{}, false
	}
	funding := decimal.Zero
	if pos, ok := b.account.PositionOf(in.name); ok {
		funding = pos.Funding
	}
	if in.tp.Should(ledger.Unrealized(st, mid), funding, ledger.PnLBps(st, mid)) {
		b.cancelAll(ctx, in)
		req.Reason = ReasonTakeProfit
		out, err := in.tp.Execute(ctx, req)
		return b.afterExit(ctx, in, req, adverse, out, err, perf.EventTakeProfit, now), true
	}
	return Result{}, false
}

func (b *Bot) afterExit(ctx context.Context, in *instrument, req risk.ExitRequest, adverse float64, out risk.ExitResult, err error, kind perf.EventKind, now time.Time) Result {
	b.event(ctx, in.name, kind, fmt.Sprintf("%s pos=%s adverse=%.1fbps filled=%s remaining=%s steps=%v",
		req.Reason, req.Position, adverse, out.Filled, out.Remaining, out.Steps), now)
	switch {
	case errors.Is(err, exchange.ErrRateLimited):
		return skipped(in.name, ReasonRateLimited)
	case err != nil:
		return failed(in.name, req.Reason, err)
	}
	return Result{Instrument: in.name, Kind: Flattened, Reason: req.Reason}
}

// emergencyFlatten 组合止损：撤单并尽力平掉该品种全部持仓，本周期不再挂单
func (b *Bot) emergencyFlatten(ctx context.Context, in *instrument, now time.Time) Result {
	b.cancelAll(ctx, in)
	in.selector.ForceNone(b.cycle)
	st := b.deps.Ledger.State(in.name)
	if st.Flat() {
		return Result{Instrument: in.name, Kind: Suspended, Reason: ReasonPortfolioStop}
	}
	snap, err := b.deps.Reader.Top(ctx, in.name)
	if err != nil {
		return Result{Instrument: in.name, Kind: Suspended, Reason: ReasonPortfolioStop, Err: err}
	}
	mid := snap.Mid()
	tick, _ := b.deps.Steps.Tick(in.name, mid)
	req := risk.ExitRequest{
		Instrument: in.name,
		Position:   st.Position,
		Size:       st.Position.Abs(),
		BestBid:    snap.BestBid,
		BestAsk:    snap.BestAsk,
		Tick:       tick,
		SizeStep:   b.deps.Steps.SizeStep(in.name),
		Reason:     ReasonPortfolioStop,
	}
	out, err := in.exiter.Exit(ctx, req)
	return b.afterExit(ctx, in, req, ledger.AdverseBps(st, mid), out, err, perf.EventPortfolio, now)
}

// checkPortfolio 本 bot 全部品种的浮亏相对权益；只影响当前周期
func (b *Bot) checkPortfolio(ctx context.Context, now time.Time) risk.Verdict {
	total := decimal.Zero
	store := b.deps.Reader.Store()
	for _, in := range b.insts {
		snap, _, ok := store.Get(in.name)
		if !ok || !snap.Valid() {
			continue
		}
		total = total.Add(b.deps.Ledger.Unrealized(in.name, snap.Mid()))
	}
	v := b.deps.Guard.Check(total, b.account.Equity)
	if v != b.verdict {
		msg := fmt.Sprintf("组合风控 %s -> %s (浮亏 %s, 权益 %s)", b.verdict, v, total.StringFixed(2), b.account.Equity.StringFixed(2))
		if v == risk.VerdictOK {
			b.log.Info(msg)
		} else {
			b.log.Warn(msg)
		}
		b.event(ctx, "", perf.EventPortfolio, fmt.Sprintf("%s unrealized=%s equity=%s", v, total, b.account.Equity), now)
		b.verdict = v
	}
	return v
}

// refreshPositions 以交易所持仓为准重置账本，并对账挂单
func (b *Bot) refreshPositions(ctx context.Context) {
	acc, err := b.deps.Client.AccountState(ctx)
	if err != nil {
		if errors.Is(err, exchange.ErrRateLimited) {
			return
		}
		b.log.Warnf("刷新账户状态失败: %v", err)
		return
	}
	b.account = acc
	for _, in := range b.insts {
		local := b.deps.Ledger.State(in.name)
		pos, ok := acc.PositionOf(in.name)
		size, entry := decimal.Zero, decimal.Zero
		if ok {
			size, entry = pos.Size, pos.EntryPx
		}
		if local.Position.Equal(size) && (size.IsZero() || local.AvgEntry.Equal(entry)) {
			continue
		}
		if local.Fills > 0 || !local.Position.IsZero() {
			b.log.WithField("instrument", in.name).Warnf("本地持仓 %s@%s 与交易所 %s@%s 不一致，以交易所为准",
				local.Position, local.AvgEntry, size, entry)
		}
		b.deps.Ledger.Seed(in.name, size, entry)
		metrics.Position.WithLabelValues(in.name).Set(quant.Float(size))
	}

	orders, err := b.deps.Client.OpenOrders(ctx)
	if err != nil {
		b.log.Debugf("查询挂单失败: %v", err)
		return
	}
	open := make(map[int64]struct{}, len(orders))
	for _, o := range orders {
		open[o.OrderID] = struct{}{}
	}
	for _, in := range b.insts {
		for side, q := range in.quotes {
			if _, ok := open[q.orderID]; !ok {
				delete(in.quotes, side)
			}
		}
	}
}

func (b *Bot) event(ctx context.Context, inst string, kind perf.EventKind, detail string, now time.Time) {
	err := b.deps.Sink.SaveEvent(ctx, perf.Event{
		Time:       now,
		Bot:        b.opts.Name,
		Instrument: inst,
		Kind:       kind,
		Detail:     detail,
	})
	if err != nil {
		metrics.SinkErrors.Add(1)
		b.log.Warnf("写入事件日志失败: %v", err)
	}
}
