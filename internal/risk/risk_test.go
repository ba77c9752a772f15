package risk

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/perpmm/internal/exchange"
	"github.com/betbot/perpmm/pkg/config"
)

var t0 = time.Date(2025, 7, 1, 12, 0, 0, 0, time.UTC)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func bailoutResolver() *config.Resolver {
	p := config.DefaultParams()
	p.Risk.PartialBps = 30
	p.Risk.WorkTimeSec = 90
	p.Risk.FullBps = 60
	p.Risk.MaxDurationSec = 180
	p.Risk.PauseAfterBailout = 60
	return config.NewStaticResolver(p)
}

func TestUnderwater_Scenario(t *testing.T) {
	u := NewUnderwater(bailoutResolver())
	pos := d("1")

	assert.Equal(t, ActionNone, u.Evaluate("BTC", 10, pos, t0), "开始计时")
	require.NotNil(t, u.Timer("BTC").Since)

	assert.Equal(t, ActionNone, u.Evaluate("BTC", 35, pos, t0.Add(60*time.Second)), "未到 work_time")
	assert.Equal(t, ActionPartial, u.Evaluate("BTC", 35, pos, t0.Add(95*time.Second)))
	assert.Equal(t, ActionNone, u.Evaluate("BTC", 40, pos, t0.Add(100*time.Second)), "同一段水下期只部分减仓一次")

	now := t0.Add(110 * time.Second)
	assert.Equal(t, ActionFull, u.Evaluate("BTC", 65, pos, now))
	assert.True(t, u.Paused("BTC", now.Add(30*time.Second)))
	assert.False(t, u.Paused("BTC", now.Add(61*time.Second)))
	assert.Nil(t, u.Timer("BTC").Since, "全量减仓后计时器清空")
}

func TestUnderwater_FullOnMaxDuration(t *testing.T) {
	u := NewUnderwater(bailoutResolver())
	pos := d("-2")
	u.Evaluate("ETH", 5, pos, t0)
	assert.Equal(t, ActionNone, u.Evaluate("ETH", 5, pos, t0.Add(179*time.Second)))
	assert.Equal(t, ActionFull, u.Evaluate("ETH", 5, pos, t0.Add(180*time.Second)))
}

func TestUnderwater_ClearsWhenRecoveredOrFlat(t *testing.T) {
	u := NewUnderwater(bailoutResolver())
	pos := d("1")
	u.Evaluate("BTC", 35, pos, t0)
	u.Evaluate("BTC", 35, pos, t0.Add(95*time.Second))

	// 回到水面以上，新的水下期重新计时并允许再次部分减仓
	assert.Equal(t, ActionNone, u.Evaluate("BTC", -1, pos, t0.Add(100*time.Second)))
	assert.Nil(t, u.Timer("BTC").Since)
	u.Evaluate("BTC", 35, pos, t0.Add(110*time.Second))
	assert.Equal(t, ActionPartial, u.Evaluate("BTC", 35, pos, t0.Add(200*time.Second)))

	assert.Equal(t, ActionNone, u.Evaluate("BTC", 80, decimal.Zero, t0.Add(210*time.Second)), "空仓不处置")
	assert.Nil(t, u.Timer("BTC").Since)
}

func TestUnderwater_PartialSize(t *testing.T) {
	u := NewUnderwater(bailoutResolver())
	assert.Equal(t, "1.5", u.PartialSize("BTC", d("-3")).String())
}

type fakeOrderer struct {
	reqs    []exchange.OrderRequest
	results []exchange.OrderResult
	errs    []error
	placed  func(i int)
}

func (f *fakeOrderer) PlaceOrder(_ context.Context, req exchange.OrderRequest) (exchange.OrderResult, error) {
	i := len(f.reqs)
	f.reqs = append(f.reqs, req)
	var res exchange.OrderResult
	var err error
	if i < len(f.results) {
		res = f.results[i]
	}
	if i < len(f.errs) {
		err = f.errs[i]
	}
	if f.placed != nil {
		f.placed(i)
	}
	return res, err
}

func exitReq(pos string) ExitRequest {
	return ExitRequest{
		Instrument: "BTC",
		Position:   d(pos),
		BestBid:    d("100"),
		BestAsk:    d("100.2"),
		Tick:       d("0.1"),
		SizeStep:   d("0.001"),
	}
}

func TestTakeProfit_ChainOrder(t *testing.T) {
	o := &fakeOrderer{
		results: []exchange.OrderResult{
			{Status: exchange.StatusRejected},
			{Status: exchange.StatusFilled, FilledSize: d("0.2")},
			{Status: exchange.StatusFilled, FilledSize: d("0.3")},
		},
		errs: []error{exchange.ErrRejected},
	}
	tp := NewTakeProfit(config.DefaultParams().Risk, NewExiter(o, 2))

	res, err := tp.Execute(context.Background(), exitReq("0.5"))
	require.NoError(t, err)
	require.Len(t, o.reqs, 3)
	assert.Equal(t, []ExitStep{StepTop, StepAggressive, StepMid}, res.Steps)
	assert.Equal(t, StepMid, res.LastStep)
	assert.Equal(t, "0.5", res.Filled.String())

	// 多头平仓：卖出，价格依次为 bid、mid×0.98 向下取整、mid 向下取整
	for _, r := range o.reqs {
		assert.Equal(t, exchange.Sell, r.Side)
		assert.Equal(t, exchange.IOC, r.TIF)
		assert.True(t, r.ReduceOnly)
	}
	assert.Equal(t, "100", o.reqs[0].Price.String())
	assert.Equal(t, "98", o.reqs[1].Price.String())
	assert.Equal(t, "100.1", o.reqs[2].Price.String())
	assert.Equal(t, "0.5", o.reqs[0].Size.String())
	assert.Equal(t, "0.3", o.reqs[2].Size.String(), "剩余数量进入下一档")
}

func TestExit_StopsAtFirstFullFill(t *testing.T) {
	o := &fakeOrderer{results: []exchange.OrderResult{{Status: exchange.StatusFilled, FilledSize: d("2")}}}
	res, err := NewExiter(o, 2).Exit(context.Background(), exitReq("-2"))
	require.NoError(t, err)
	require.Len(t, o.reqs, 1)
	assert.Equal(t, exchange.Buy, o.reqs[0].Side)
	assert.Equal(t, "100.2", o.reqs[0].Price.String())
	assert.Equal(t, StepTop, res.LastStep)
}

func TestExit_ExhaustedAndRateLimited(t *testing.T) {
	o := &fakeOrderer{}
	res, err := NewExiter(o, 2).Exit(context.Background(), exitReq("1"))
	assert.True(t, errors.Is(err, ErrExitExhausted))
	assert.Len(t, o.reqs, 3)
	assert.Equal(t, "1", res.Remaining.String())

	o = &fakeOrderer{errs: []error{exchange.ErrRateLimited}}
	_, err = NewExiter(o, 2).Exit(context.Background(), exitReq("1"))
	assert.True(t, errors.Is(err, exchange.ErrRateLimited))
	assert.Len(t, o.reqs, 1, "限流时不继续后续档位")
}

func TestExit_ContextEndsAfterPartialFill(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	o := &fakeOrderer{
		results: []exchange.OrderResult{{Status: exchange.StatusFilled, FilledSize: d("0.4")}},
		placed:  func(int) { cancel() },
	}
	res, err := NewExiter(o, 2).Exit(ctx, exitReq("1"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrExitExhausted))
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Len(t, o.reqs, 1, "ctx 结束后不再尝试后续档位")
	assert.Equal(t, "0.4", res.Filled.String())
	assert.Equal(t, "0.6", res.Remaining.String())
	assert.Empty(t, res.LastStep)
}

func TestExit_PartialSizeQuantized(t *testing.T) {
	o := &fakeOrderer{results: []exchange.OrderResult{{FilledSize: d("0.333")}}}
	req := exitReq("0.6667")
	req.Size = d("0.33335")
	_, err := NewExiter(o, 2).Exit(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "0.333", o.reqs[0].Size.String())
}

func TestTakeProfit_Should(t *testing.T) {
	tp := NewTakeProfit(config.DefaultParams().Risk, nil) // 30 bps, 50 USD
	cases := []struct {
		unrealized, funding string
		bps                 float64
		want                bool
	}{
		{"60", "0", 35, true},
		{"60", "0", 20, false},
		{"40", "0", 80, false},
		{"40", "15", 80, true},
		{"60", "-20", 80, false},
		{"-10", "0", 80, false},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, tp.Should(d(c.unrealized), d(c.funding), c.bps), "%+v", c)
	}
}

func TestPortfolioGuard(t *testing.T) {
	g := NewPortfolioGuard(5, 2)
	equity := d("1000")
	assert.Equal(t, VerdictOK, g.Check(d("10"), equity))
	assert.Equal(t, VerdictOK, g.Check(d("-19"), equity))
	assert.Equal(t, VerdictPause, g.Check(d("-20"), equity))
	assert.Equal(t, VerdictEmergencyStop, g.Check(d("-50"), equity))
	assert.Equal(t, VerdictOK, g.Check(d("-500"), decimal.Zero), "权益未知")
}

func TestSizer(t *testing.T) {
	p := config.DefaultParams().Sizing // 0.5 / 4 × 3
	s := NewSizer(p)
	free := d("100")
	assert.Equal(t, "25", s.Cap(d("25"), &free).String())
	small := d("40")
	assert.Equal(t, "15", s.Cap(d("25"), &small).String(), "只缩小不拒绝")
	neg := d("-5")
	assert.True(t, s.Cap(d("25"), &neg).IsZero())

	assert.Equal(t, "25", s.Cap(d("25"), nil).String(), "bypass")
	p.UnknownCollateral = "zero"
	assert.True(t, NewSizer(p).Cap(d("25"), nil).IsZero())
}

func TestBreaker_SuspendsAndRecovers(t *testing.T) {
	b := NewBreaker(BreakerConfig{MaxErrors: 5, SuspendFor: 60 * time.Second})
	for i := 0; i < 4; i++ {
		assert.False(t, b.OnError(t0))
	}
	b.OnSuccess()
	assert.Zero(t, b.Errors(), "成功后清零")

	var tripped bool
	for i := 0; i < 5; i++ {
		tripped = b.OnError(t0)
	}
	assert.True(t, tripped)
	assert.EqualValues(t, 1, b.Trips())

	err := b.Allow(t0.Add(30 * time.Second))
	assert.True(t, errors.Is(err, ErrSuspended))
	assert.Equal(t, t0.Add(60*time.Second), b.SuspendedUntil().UTC())

	assert.NoError(t, b.Allow(t0.Add(60*time.Second)))
	assert.True(t, b.SuspendedUntil().IsZero())

	b.OnError(t0)
	b.Resume()
	assert.Zero(t, b.Errors())

	var nilBreaker *Breaker
	assert.NoError(t, nilBreaker.Allow(t0))
}
