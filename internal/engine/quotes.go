package engine

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/betbot/perpmm/internal/exchange"
	"github.com/betbot/perpmm/internal/flow"
	"github.com/betbot/perpmm/internal/marketstate"
	"github.com/betbot/perpmm/pkg/quant"
)

var errThrottled = errors.New("replace throttled")

// quote 按选边结果维护买卖各一张 post-only 挂单
func (b *Bot) quote(ctx context.Context, in *instrument, snap marketstate.Snapshot, side flow.Side, reason string, tick, step decimal.Decimal, now time.Time) Result {
	wantBid, wantAsk := side.Quotes()

	var bidPx, askPx decimal.Decimal
	if in.params.Spread.ImproveOneTick {
		bidPx = quant.ImproveBid(snap.BestBid, snap.BestAsk, tick)
		askPx = quant.ImproveAsk(snap.BestBid, snap.BestAsk, tick)
	} else {
		bidPx = quant.Bid(snap.BestBid, tick)
		askPx = quant.Ask(snap.BestAsk, tick)
	}
	notional := in.sizer.Cap(decimal.NewFromFloat(in.params.SizeNotionalUSD), b.account.FreeCollateral)

	res := Result{Instrument: in.name, Kind: Quoted, Reason: reason, Side: side}
	legs := []struct {
		side exchange.Side
		want bool
		px   decimal.Decimal
	}{
		{exchange.Buy, wantBid, bidPx},
		{exchange.Sell, wantAsk, askPx},
	}
	for _, leg := range legs {
		if !leg.want {
			if err := b.cancelQuote(ctx, in, leg.side); errors.Is(err, exchange.ErrRateLimited) {
				return skipped(in.name, ReasonRateLimited)
			}
			continue
		}
		if !leg.px.IsPositive() {
			continue
		}
		size := quant.Size(notional.Div(leg.px), step)
		if !size.IsPositive() {
			_ = b.cancelQuote(ctx, in, leg.side)
			res = Result{Instrument: in.name, Kind: Skipped, Reason: ReasonSizeZero, Side: side}
			continue
		}

		err := b.placeQuote(ctx, in, leg.side, leg.px, size, now)
		switch {
		case err == nil, errors.Is(err, errThrottled):
		case errors.Is(err, exchange.ErrRateLimited):
			return skipped(in.name, ReasonRateLimited)
		case errors.Is(err, exchange.ErrRejected):
			// post-only 会吃单时被拒，下个周期按新盘口重试
			b.log.WithField("instrument", in.name).Debugf("%s 挂单被拒: %v", leg.side, err)
			res = Result{Instrument: in.name, Kind: Skipped, Reason: ReasonRejected, Side: side}
		default:
			return failed(in.name, "place_order", err)
		}
	}
	return res
}

// placeQuote 价格不变时保留原挂单；改价受 min_replace_ms 限制
func (b *Bot) placeQuote(ctx context.Context, in *instrument, side exchange.Side, px, size decimal.Decimal, now time.Time) error {
	q := in.quotes[side]
	if q != nil && q.price.Equal(px) {
		return nil
	}
	if q != nil && !b.deps.Throttle.AllowAt(in.name+"/"+string(side), now) {
		return errThrottled
	}
	if err := b.cancelQuote(ctx, in, side); err != nil {
		return err
	}

	out, err := b.deps.Client.PlaceOrder(ctx, exchange.OrderRequest{
		Instrument: in.name,
		Side:       side,
		Size:       size,
		Price:      px,
		TIF:        exchange.PostOnly,
		ClientID:   exchange.NewClientID(),
	})
	if err != nil {
		return err
	}
	if out.Status == exchange.StatusResting && out.OrderID != 0 {
		in.quotes[side] = &quote{orderID: out.OrderID, price: px, size: size, placedAt: now}
	}
	return nil
}

// cancelQuote 撤掉一侧挂单；交易所报告订单已不存在时也视为成功
func (b *Bot) cancelQuote(ctx context.Context, in *instrument, side exchange.Side) error {
	q := in.quotes[side]
	if q == nil {
		return nil
	}
	err := b.deps.Client.CancelOrder(ctx, in.name, q.orderID)
	if err != nil && !errors.Is(err, exchange.ErrRejected) {
		return err
	}
	delete(in.quotes, side)
	return nil
}

func (b *Bot) cancelAll(ctx context.Context, in *instrument) {
	for _, side := range []exchange.Side{exchange.Buy, exchange.Sell} {
		if err := b.cancelQuote(ctx, in, side); err != nil {
			b.log.WithField("instrument", in.name).Debugf("撤单失败 %s: %v", side, err)
		}
	}
}

// drainUpdates 处理推送通道的订单状态，移除已终结的挂单
func (b *Bot) drainUpdates() {
	for {
		select {
		case u := <-b.updates:
			in := b.byName[u.Instrument]
			if in == nil || u.Status == "open" {
				continue
			}
			for side, q := range in.quotes {
				if q.orderID == u.OrderID {
					delete(in.quotes, side)
				}
			}
		default:
			return
		}
	}
}
