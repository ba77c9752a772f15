package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/perpmm/internal/exchange"
	"github.com/betbot/perpmm/internal/ledger"
	"github.com/betbot/perpmm/internal/marketstate"
	"github.com/betbot/perpmm/internal/perf"
	"github.com/betbot/perpmm/internal/risk"
	"github.com/betbot/perpmm/pkg/config"
	"github.com/betbot/perpmm/pkg/ratelimit"
)

var t0 = time.Date(2025, 7, 1, 12, 0, 0, 0, time.UTC)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fakeClient struct {
	mu        sync.Mutex
	account   exchange.AccountState
	placeErr  error
	placeFn   func(exchange.OrderRequest) (exchange.OrderResult, error)
	placed    []exchange.OrderRequest
	cancelled []int64
	open      map[int64]exchange.OpenOrder
	nextID    int64
}

func newFakeClient() *fakeClient {
	return &fakeClient{open: make(map[int64]exchange.OpenOrder), nextID: 100}
}

func (c *fakeClient) TopOfBook(context.Context, string) (exchange.TopOfBook, error) {
	return exchange.TopOfBook{}, errors.New("no fallback in tests")
}

func (c *fakeClient) InstrumentMetadata(_ context.Context, inst string) (exchange.Metadata, error) {
	return exchange.Metadata{Instrument: inst, TickSize: d("0.01"), SizeStep: d("0.001")}, nil
}

func (c *fakeClient) AccountState(context.Context) (exchange.AccountState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.account, nil
}

func (c *fakeClient) setAccount(a exchange.AccountState) {
	c.mu.Lock()
	c.account = a
	c.mu.Unlock()
}

func (c *fakeClient) PlaceOrder(_ context.Context, req exchange.OrderRequest) (exchange.OrderResult, error) {
	c.mu.Lock()
	c.placed = append(c.placed, req)
	fn, err := c.placeFn, c.placeErr
	c.mu.Unlock()
	if fn != nil {
		return fn(req)
	}
	if err != nil {
		return exchange.OrderResult{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	c.open[c.nextID] = exchange.OpenOrder{Instrument: req.Instrument, OrderID: c.nextID, Side: req.Side, Price: req.Price, Size: req.Size}
	return exchange.OrderResult{Status: exchange.StatusResting, OrderID: c.nextID}, nil
}

func (c *fakeClient) CancelOrder(_ context.Context, _ string, orderID int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelled = append(c.cancelled, orderID)
	delete(c.open, orderID)
	return nil
}

func (c *fakeClient) OpenOrders(context.Context) ([]exchange.OpenOrder, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]exchange.OpenOrder, 0, len(c.open))
	for _, o := range c.open {
		out = append(out, o)
	}
	return out, nil
}

func (c *fakeClient) UserFees(context.Context) (exchange.Fees, error) {
	return exchange.Fees{}, errors.New("unused")
}

func (c *fakeClient) placedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.placed)
}

type memSink struct {
	mu      sync.Mutex
	minutes []perf.MinuteMetrics
	fills   []exchange.Fill
	events  []perf.Event
}

func (s *memSink) SaveMinutes(_ context.Context, _ string, ms []perf.MinuteMetrics) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.minutes = append(s.minutes, ms...)
	return nil
}

func (s *memSink) SaveFill(_ context.Context, f exchange.Fill, _ decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fills = append(s.fills, f)
	return nil
}

func (s *memSink) SaveEvent(_ context.Context, e perf.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

func (s *memSink) eventKinds() []perf.EventKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []perf.EventKind
	for _, e := range s.events {
		out = append(out, e.Kind)
	}
	return out
}

type harness struct {
	now    time.Time
	client *fakeClient
	store  *marketstate.Store
	ledger *ledger.Ledger
	perf   *perf.Recorder
	sink   *memSink
	acct   *Accounting
	bot    *Bot
}

func bothParams() config.Params {
	p := config.DefaultParams()
	p.Mode = "both"
	return p
}

func newHarness(t *testing.T, p config.Params, account exchange.AccountState) *harness {
	t.Helper()
	h := &harness{now: t0, client: newFakeClient(), sink: &memSink{}}
	h.client.account = account
	clock := func() time.Time { return h.now }

	h.store = marketstate.NewStore(10*time.Second, time.Minute)
	h.store.SetClock(clock)
	h.ledger = ledger.New()
	h.perf = perf.NewRecorder(60)
	h.acct = NewAccounting(h.ledger, h.store, h.perf, h.sink)
	h.acct.now = clock

	h.bot = New(Options{Name: "test", Coins: []string{"BTC"}, Interval: time.Second, RefreshEvery: 10}, Deps{
		Client:   h.client,
		Reader:   marketstate.NewReader(h.store, nil),
		Ledger:   h.ledger,
		Perf:     h.perf,
		Resolver: config.NewStaticResolver(p),
		Throttle: ratelimit.NewReplaceThrottle(0),
		Guard:    risk.NewPortfolioGuard(5, 2),
		Sink:     h.sink,
	})
	h.bot.now = clock
	h.bot.Init(context.Background())
	return h
}

func (h *harness) book(bid, ask string) {
	h.store.Put(marketstate.Snapshot{
		Instrument: "BTC",
		BestBid:    d(bid),
		BestAsk:    d(ask),
		Bids:       []exchange.Level{{Px: d(bid), Sz: d("1")}},
		Asks:       []exchange.Level{{Px: d(ask), Sz: d("1")}},
		Timestamp:  h.now,
		Source:     marketstate.SourceStream,
	})
}

func (h *harness) step(t *testing.T) Result {
	t.Helper()
	res := h.bot.Step(context.Background())
	require.Len(t, res, 1)
	h.now = h.now.Add(time.Second)
	return res[0]
}

func TestStep_SkipsWithoutFreshBook(t *testing.T) {
	h := newHarness(t, bothParams(), exchange.AccountState{})
	res := h.step(t)
	assert.Equal(t, Skipped, res.Kind)
	assert.Equal(t, ReasonStaleBook, res.Reason)
	assert.True(t, errors.Is(res.Err, marketstate.ErrUnavailable))

	h.book("100", "100.2")
	h.now = h.now.Add(11 * time.Second)
	res = h.step(t)
	assert.Equal(t, ReasonStaleBook, res.Reason, "过期快照不驱动下单")
	assert.Zero(t, h.client.placedCount())
}

func TestStep_SkipsBelowSpreadFloor(t *testing.T) {
	h := newHarness(t, bothParams(), exchange.AccountState{})
	h.book("100", "100.04")
	res := h.step(t)
	assert.Equal(t, Skipped, res.Kind)
	assert.Equal(t, ReasonSpreadBelow, res.Reason)
	assert.Zero(t, h.client.placedCount())
}

func TestStep_QuotesBothSidesAndKeepsUnchangedPrices(t *testing.T) {
	h := newHarness(t, bothParams(), exchange.AccountState{})
	h.book("100", "100.2")

	res := h.step(t)
	require.Equal(t, Quoted, res.Kind, res.String())
	require.Len(t, h.client.placed, 2)
	bid, ask := h.client.placed[0], h.client.placed[1]
	assert.Equal(t, exchange.Buy, bid.Side)
	assert.Equal(t, "100.01", bid.Price.String(), "改善一个 tick")
	assert.Equal(t, "0.249", bid.Size.String())
	assert.Equal(t, exchange.PostOnly, bid.TIF)
	assert.NotEmpty(t, bid.ClientID)
	assert.Equal(t, exchange.Sell, ask.Side)
	assert.Equal(t, "100.19", ask.Price.String())

	h.book("100", "100.2")
	h.step(t)
	assert.Equal(t, 2, h.client.placedCount(), "价格不变不改单")

	h.book("100.05", "100.25")
	h.step(t)
	assert.Equal(t, 4, h.client.placedCount())
	assert.Len(t, h.client.cancelled, 2)

	st := h.bot.Status()
	is, ok := st.Instrument("BTC")
	require.True(t, ok)
	assert.Equal(t, 2, is.RestingQuotes)
	assert.Equal(t, "both", is.Side)
	assert.EqualValues(t, 3, st.Cycle)
}

func TestStep_OrderUpdateDropsQuote(t *testing.T) {
	h := newHarness(t, bothParams(), exchange.AccountState{})
	h.book("100", "100.2")
	h.step(t)
	filled := h.client.placed[0]
	require.Equal(t, exchange.Buy, filled.Side)

	h.bot.OnOrderUpdate(exchange.OrderUpdate{Instrument: "BTC", OrderID: 101, Status: "filled"})
	h.bot.OnOrderUpdate(exchange.OrderUpdate{Instrument: "ETH", OrderID: 101, Status: "filled"})
	h.book("100", "100.2")
	h.step(t)
	require.Equal(t, 3, h.client.placedCount(), "成交的一侧重新挂单")
	assert.Equal(t, exchange.Buy, h.client.placed[2].Side)
}

func TestStep_BreakerSuspendsAfterConsecutiveErrors(t *testing.T) {
	h := newHarness(t, bothParams(), exchange.AccountState{})
	h.client.placeErr = errors.New("boom")
	h.book("100", "100.2")

	for i := 0; i < 5; i++ {
		res := h.step(t)
		require.Equal(t, Failed, res.Kind, "cycle %d", i)
	}
	res := h.step(t)
	assert.Equal(t, Suspended, res.Kind)
	assert.Equal(t, ReasonBreaker, res.Reason)
	assert.Contains(t, h.sink.eventKinds(), perf.EventSuspended)
}

func TestStep_RateLimitedIsSoftSkip(t *testing.T) {
	h := newHarness(t, bothParams(), exchange.AccountState{})
	h.client.placeErr = exchange.ErrRateLimited
	h.book("100", "100.2")
	for i := 0; i < 7; i++ {
		res := h.step(t)
		require.Equal(t, Skipped, res.Kind)
		require.Equal(t, ReasonRateLimited, res.Reason)
	}
}

func TestStep_PanicRecovered(t *testing.T) {
	h := newHarness(t, bothParams(), exchange.AccountState{})
	h.client.placeFn = func(exchange.OrderRequest) (exchange.OrderResult, error) { panic("bad") }
	h.book("100", "100.2")
	res := h.step(t)
	assert.Equal(t, Failed, res.Kind)
	assert.Equal(t, ReasonPanic, res.Reason)
	assert.Equal(t, 1, int(h.bot.Status().Instruments[0].ConsecutiveErrors))
}

func TestStep_FullBailoutThenPause(t *testing.T) {
	acc := exchange.AccountState{
		Equity:    d("100000"),
		Positions: []exchange.Position{{Instrument: "BTC", Size: d("1"), EntryPx: d("100")}},
	}
	h := newHarness(t, bothParams(), acc)
	require.Equal(t, "1", h.ledger.State("BTC").Position.String(), "启动时以交易所持仓为准")

	h.client.placeFn = func(req exchange.OrderRequest) (exchange.OrderResult, error) {
		return exchange.OrderResult{Status: exchange.StatusFilled, FilledSize: req.Size}, nil
	}
	h.book("99.3", "99.4")
	res := h.step(t)
	require.Equal(t, Flattened, res.Kind, res.String())
	assert.Equal(t, ReasonBailoutFull, res.Reason)
	require.Len(t, h.client.placed, 1)
	exit := h.client.placed[0]
	assert.Equal(t, exchange.Sell, exit.Side)
	assert.Equal(t, exchange.IOC, exit.TIF)
	assert.True(t, exit.ReduceOnly)
	assert.Equal(t, "99.3", exit.Price.String())

	h.acct.OnFill(exchange.Fill{Instrument: "BTC", Side: exchange.Sell, Price: d("99.3"), Size: d("1"), Time: h.now})
	assert.True(t, h.ledger.State("BTC").Flat())

	h.book("99.3", "99.5")
	res = h.step(t)
	assert.Equal(t, Skipped, res.Kind)
	assert.Equal(t, ReasonBailoutPause, res.Reason)
	assert.Equal(t, 1, h.client.placedCount(), "暂停期间不挂单")
	assert.Contains(t, h.sink.eventKinds(), perf.EventBailout)
	assert.Len(t, h.sink.fills, 1)
}

func TestStep_PortfolioEmergencyStop(t *testing.T) {
	acc := exchange.AccountState{
		Equity:    d("1000"),
		Positions: []exchange.Position{{Instrument: "BTC", Size: d("10"), EntryPx: d("100")}},
	}
	h := newHarness(t, bothParams(), acc)
	h.client.placeFn = func(req exchange.OrderRequest) (exchange.OrderResult, error) {
		return exchange.OrderResult{Status: exchange.StatusFilled, FilledSize: req.Size}, nil
	}
	h.book("94", "94.1")
	res := h.step(t)
	require.Equal(t, Flattened, res.Kind, res.String())
	assert.Equal(t, ReasonPortfolioStop, res.Reason)
	require.Len(t, h.client.placed, 1, "只发平仓单，不挂做市单")
	exit := h.client.placed[0]
	assert.Equal(t, exchange.Sell, exit.Side)
	assert.Equal(t, exchange.IOC, exit.TIF)
	assert.True(t, exit.ReduceOnly)
	assert.Equal(t, "10", exit.Size.String())
	assert.Equal(t, "94", exit.Price.String())
	assert.Equal(t, "emergency_stop", h.bot.Status().Verdict)
	assert.Contains(t, h.sink.eventKinds(), perf.EventPortfolio)
}

func TestStep_MaxPositionQuotesReducingSideOnly(t *testing.T) {
	acc := exchange.AccountState{
		Equity:    d("100000"),
		Positions: []exchange.Position{{Instrument: "BTC", Size: d("5"), EntryPx: d("100")}},
	}
	h := newHarness(t, bothParams(), acc)
	h.book("100", "100.2")
	res := h.step(t)
	require.Equal(t, Quoted, res.Kind, res.String())
	assert.Equal(t, "max_position", res.Reason)
	require.Len(t, h.client.placed, 1)
	assert.Equal(t, exchange.Sell, h.client.placed[0].Side)
}

func TestStep_SideNoneCancelsQuotes(t *testing.T) {
	p := bothParams()
	p.Flow.MinMakerShare = 0.5
	h := newHarness(t, p, exchange.AccountState{})
	h.book("100", "100.2")
	h.step(t)
	require.Equal(t, 2, h.client.placedCount())

	for i := 0; i < 4; i++ {
		h.store.RecordFill(exchange.Fill{Instrument: "BTC", Side: exchange.Buy, Size: d("1"), Price: d("100"), Time: h.now})
	}
	h.book("100", "100.2")
	res := h.step(t)
	assert.Equal(t, Skipped, res.Kind)
	assert.True(t, strings.HasPrefix(res.Reason, reasonSideNonePrefix), res.Reason)
	assert.Len(t, h.client.cancelled, 2)
}

func TestStep_PositionRefreshExchangeWins(t *testing.T) {
	h := newHarness(t, bothParams(), exchange.AccountState{})
	h.client.setAccount(exchange.AccountState{
		Equity:    d("100000"),
		Positions: []exchange.Position{{Instrument: "BTC", Size: d("0.5"), EntryPx: d("100")}},
	})
	for i := 0; i < 10; i++ {
		h.book("100", "100.2")
		h.step(t)
		assert.True(t, h.ledger.State("BTC").Flat(), "第 %d 周期尚未刷新", i+1)
	}
	h.book("100", "100.2")
	h.step(t)
	assert.Equal(t, "0.5", h.ledger.State("BTC").Position.String())
	assert.Equal(t, "100", h.ledger.State("BTC").AvgEntry.String())
}

func TestStep_MinuteRolloverFlushesAndTunes(t *testing.T) {
	h := newHarness(t, bothParams(), exchange.AccountState{})
	h.book("100", "100.2")
	h.step(t)

	h.acct.OnFill(exchange.Fill{Instrument: "BTC", Side: exchange.Buy, Price: d("100"), Size: d("0.1"), Maker: true, Time: t0.Add(10 * time.Second)})
	h.now = t0.Add(61 * time.Second)
	h.book("100", "100.2")
	h.step(t)

	require.Len(t, h.sink.minutes, 1)
	m := h.sink.minutes[0]
	assert.Equal(t, "BTC", m.Instrument)
	assert.Equal(t, t0, m.Minute)
	assert.Equal(t, 1, m.MakerFills)

	// maker 占比 100% 且净盈亏不为正：调得更挑剔
	assert.Contains(t, h.sink.eventKinds(), perf.EventAutoTune)
	is, _ := h.bot.Status().Instrument("BTC")
	def := config.DefaultParams()
	assert.Equal(t, def.Spread.Percentile+def.AutoTune.PercentileStep, is.Percentile)
}

func TestRun_CancelsOnShutdown(t *testing.T) {
	h := newHarness(t, bothParams(), exchange.AccountState{})
	h.book("100", "100.2")
	h.step(t)
	require.Equal(t, 2, h.client.placedCount())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, h.bot.Run(ctx))
	assert.Len(t, h.client.cancelled, 2)
}
