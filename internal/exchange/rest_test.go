package exchange

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/perpmm/pkg/ratelimit"
)

const metaBody = `{"universe":[{"name":"BTC","szDecimals":5,"maxLeverage":40},{"name":"OLD","szDecimals":2,"isDelisted":true},{"name":"ETH","szDecimals":4,"maxLeverage":25}]}`

func newTestSigner(t *testing.T) *KeySigner {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	s, err := NewKeySigner("0x" + hex.EncodeToString(crypto.FromECDSA(key)))
	require.NoError(t, err)
	return s
}

type fakeExchange struct {
	exchangeResp string
	infoCalls    atomic.Int64

	mu         sync.Mutex
	lastAction json.RawMessage
	lastReq    wireSignedRequest
}

func (f *fakeExchange) last() (wireSignedRequest, json.RawMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastReq, f.lastAction
}

func (f *fakeExchange) handler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		switch r.URL.Path {
		case "/info":
			f.infoCalls.Add(1)
			var req map[string]string
			assert.NoError(t, json.Unmarshal(body, &req))
			switch req["type"] {
			case "meta":
				_, _ = w.Write([]byte(metaBody))
			case "l2Book":
				_, _ = w.Write([]byte(`{"coin":"BTC","time":1700000000000,"levels":[[{"px":"100.5","sz":"2","n":1},{"px":"100.4","sz":"1","n":1}],[{"px":"100.7","sz":"3","n":2}]]}`))
			case "clearinghouseState":
				_, _ = w.Write([]byte(`{"assetPositions":[{"position":{"coin":"BTC","szi":"-0.5","entryPx":"101","positionValue":"50","unrealizedPnl":"0.5","cumFunding":{"sinceOpen":"0.2"}}}],"marginSummary":{"accountValue":"1000","totalMarginUsed":"100"},"withdrawable":""}`))
			case "userFees":
				_, _ = w.Write([]byte(`{"userAddRate":"0.0001","userCrossRate":"0.00035"}`))
			case "openOrders":
				_, _ = w.Write([]byte(`[{"coin":"ETH","side":"A","limitPx":"2000.5","sz":"0.1","oid":7,"timestamp":1700000000000}]`))
			default:
				w.WriteHeader(http.StatusBadRequest)
			}
		case "/exchange":
			f.mu.Lock()
			assert.NoError(t, json.Unmarshal(body, &f.lastReq))
			f.lastAction = f.lastReq.Action
			f.mu.Unlock()
			_, _ = w.Write([]byte(f.exchangeResp))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
}

func newTestClient(t *testing.T, f *fakeExchange, limiter *ratelimit.Dual) (*RESTClient, *KeySigner) {
	t.Helper()
	srv := httptest.NewServer(f.handler(t))
	t.Cleanup(srv.Close)
	signer := newTestSigner(t)
	return NewRESTClient(RESTConfig{BaseURL: srv.URL, Timeout: 2 * time.Second}, limiter, signer), signer
}

func TestRESTClient_TopOfBook(t *testing.T) {
	c, _ := newTestClient(t, &fakeExchange{}, nil)

	top, err := c.TopOfBook(context.Background(), "BTC")
	require.NoError(t, err)
	assert.True(t, top.Valid())
	assert.Equal(t, "100.5", top.BidPx.String())
	assert.Equal(t, "100.7", top.AskPx.String())
	assert.Len(t, top.Bids, 2)
}

func TestRESTClient_MetadataCached(t *testing.T) {
	f := &fakeExchange{}
	c, _ := newTestClient(t, f, nil)
	ctx := context.Background()

	md, err := c.InstrumentMetadata(ctx, "ETH")
	require.NoError(t, err)
	assert.Equal(t, 2, md.AssetIndex)
	assert.Equal(t, "0.01", md.TickSize.String())
	assert.Equal(t, "0.0001", md.SizeStep.String())

	_, err = c.InstrumentMetadata(ctx, "BTC")
	require.NoError(t, err)
	assert.EqualValues(t, 1, f.infoCalls.Load(), "元数据应被缓存")

	_, err = c.InstrumentMetadata(ctx, "OLD")
	assert.True(t, errors.Is(err, ErrUnknownInstrument))
}

func TestRESTClient_RateLimited(t *testing.T) {
	f := &fakeExchange{}
	limiter := &ratelimit.Dual{
		Rest:   ratelimit.NewTokenBucketWithClock(60, 1, time.Now),
		Stream: ratelimit.NewTokenBucket(60),
	}
	c, _ := newTestClient(t, f, limiter)

	// l2Book 权重 2，桶里只有 1
	_, err := c.TopOfBook(context.Background(), "BTC")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRateLimited))
	assert.EqualValues(t, 0, f.infoCalls.Load(), "被限流时不应发请求")
}

func TestRESTClient_AccountState(t *testing.T) {
	c, _ := newTestClient(t, &fakeExchange{}, nil)

	st, err := c.AccountState(context.Background())
	require.NoError(t, err)
	p, ok := st.PositionOf("BTC")
	require.True(t, ok)
	assert.Equal(t, "-0.5", p.Size.String())
	assert.Equal(t, "100", p.MarkPx.String())
	assert.Equal(t, "-0.2", p.Funding.String())
	require.NotNil(t, st.FreeCollateral)
	assert.Equal(t, "900", st.FreeCollateral.String())
}

func TestRESTClient_PlaceOrderResting(t *testing.T) {
	f := &fakeExchange{exchangeResp: `{"status":"ok","response":{"type":"order","data":{"statuses":[{"resting":{"oid":42}}]}}}`}
	c, signer := newTestClient(t, f, nil)

	res, err := c.PlaceOrder(context.Background(), OrderRequest{
		Instrument: "BTC",
		Side:       Buy,
		Size:       decimal.RequireFromString("0.00100"),
		Price:      decimal.RequireFromString("100.50"),
	})
	require.NoError(t, err)
	assert.Equal(t, StatusResting, res.Status)
	assert.EqualValues(t, 42, res.OrderID)

	req, raw := f.last()
	var action wireOrderAction
	require.NoError(t, json.Unmarshal(raw, &action))
	require.Len(t, action.Orders, 1)
	o := action.Orders[0]
	assert.Equal(t, 0, o.A)
	assert.True(t, o.B)
	assert.Equal(t, "100.5", o.P)
	assert.Equal(t, "0.001", o.S)
	assert.Equal(t, "Alo", o.T.Limit.Tif)
	assert.NotEmpty(t, o.C)

	addr, err := RecoverAddress(req.Action, req.Nonce, req.Signature)
	require.NoError(t, err)
	assert.Equal(t, signer.Address(), addr)
}

func TestRESTClient_PlaceOrderRejected(t *testing.T) {
	f := &fakeExchange{exchangeResp: `{"status":"ok","response":{"type":"order","data":{"statuses":[{"error":"Post only order would have immediately matched"}]}}}`}
	c, _ := newTestClient(t, f, nil)

	res, err := c.PlaceOrder(context.Background(), OrderRequest{
		Instrument: "BTC", Side: Sell, Size: decimal.NewFromInt(1), Price: decimal.NewFromInt(100),
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRejected))
	assert.Equal(t, StatusRejected, res.Status)
	assert.Contains(t, res.Reason, "Post only")
}

func TestRESTClient_PlaceOrderFilled(t *testing.T) {
	f := &fakeExchange{exchangeResp: `{"status":"ok","response":{"type":"order","data":{"statuses":[{"filled":{"totalSz":"0.02","avgPx":"1891.4","oid":77}}]}}}`}
	c, _ := newTestClient(t, f, nil)

	res, err := c.PlaceOrder(context.Background(), OrderRequest{
		Instrument: "ETH", Side: Sell, Size: decimal.RequireFromString("0.02"), Price: decimal.NewFromInt(1800), TIF: IOC, ReduceOnly: true,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusFilled, res.Status)
	assert.Equal(t, "0.02", res.FilledSize.String())
	assert.Equal(t, "1891.4", res.AvgPx.String())
}

func TestRESTClient_ExchangeError(t *testing.T) {
	f := &fakeExchange{exchangeResp: `{"status":"err","response":"User or API Wallet does not exist."}`}
	c, _ := newTestClient(t, f, nil)

	err := c.CancelOrder(context.Background(), "BTC", 5)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRejected))
	assert.Contains(t, err.Error(), "does not exist")
}

func TestRESTClient_Cancel(t *testing.T) {
	f := &fakeExchange{exchangeResp: `{"status":"ok","response":{"type":"cancel","data":{"statuses":["success"]}}}`}
	c, _ := newTestClient(t, f, nil)

	require.NoError(t, c.CancelOrder(context.Background(), "BTC", 5))
	_, raw := f.last()
	var action wireCancelAction
	require.NoError(t, json.Unmarshal(raw, &action))
	assert.Equal(t, []wireCancel{{A: 0, O: 5}}, action.Cancels)
}

func TestRESTClient_OpenOrdersAndFees(t *testing.T) {
	c, _ := newTestClient(t, &fakeExchange{}, nil)
	ctx := context.Background()

	orders, err := c.OpenOrders(ctx)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, Sell, orders[0].Side)
	assert.EqualValues(t, 7, orders[0].OrderID)

	fees, err := c.UserFees(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, fees.MakerBps(), 1e-9)
}

type stubFees struct {
	calls int
	err   error
}

func (s *stubFees) UserFees(context.Context) (Fees, error) {
	s.calls++
	if s.err != nil {
		return Fees{}, s.err
	}
	return Fees{MakerRate: decimal.RequireFromString("0.0001"), TakerRate: decimal.RequireFromString("0.0003")}, nil
}

func TestFeeCache(t *testing.T) {
	src := &stubFees{err: errors.New("down")}
	fc := NewFeeCache(src)
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	fc.now = func() time.Time { return now }
	ctx := context.Background()

	assert.True(t, fc.Get(ctx).MakerRate.Equal(DefaultMakerRate), "失败时使用默认费率")

	src.err = nil
	assert.Equal(t, "0.0001", fc.Get(ctx).MakerRate.String())
	calls := src.calls
	fc.Get(ctx)
	assert.Equal(t, calls, src.calls, "TTL 内不应重复查询")

	now = now.Add(16 * time.Minute)
	src.err = errors.New("down")
	assert.Equal(t, "0.0001", fc.Get(ctx).MakerRate.String(), "失败时沿用上次结果")
}

func TestSigner_RoundTrip(t *testing.T) {
	s := newTestSigner(t)
	action := []byte(`{"type":"cancel"}`)

	sig, err := s.Sign(action, 123)
	require.NoError(t, err)
	assert.Contains(t, []int{27, 28}, sig.V)

	addr, err := RecoverAddress(action, 123, sig)
	require.NoError(t, err)
	assert.Equal(t, s.Address(), addr)

	other, err := RecoverAddress(action, 124, sig)
	if err == nil {
		assert.NotEqual(t, s.Address(), other)
	}
}

func TestWireFill_Maker(t *testing.T) {
	f := WireFill{Coin: "BTC", Px: "100", Sz: "0.5", Side: "B", Crossed: false, Fee: "-0.001"}.ToFill()
	assert.True(t, f.Maker)
	assert.Equal(t, Buy, f.Side)
	assert.Equal(t, "50", f.Notional().String())
}

func TestNewClientID(t *testing.T) {
	id := NewClientID()
	assert.Len(t, id, 34)
	assert.NotEqual(t, id, NewClientID())
}

func TestDryRunClient_TracksPostOnly(t *testing.T) {
	c := NewDryRunClient(nil)
	ctx := context.Background()

	res, err := c.PlaceOrder(ctx, OrderRequest{Instrument: "BTC", Side: Buy, Price: decimal.NewFromInt(100), Size: decimal.NewFromFloat(0.1), TIF: PostOnly})
	require.NoError(t, err)
	assert.Equal(t, StatusResting, res.Status)

	ioc, err := c.PlaceOrder(ctx, OrderRequest{Instrument: "BTC", Side: Sell, Price: decimal.NewFromInt(99), Size: decimal.NewFromFloat(0.1), TIF: IOC})
	require.NoError(t, err)
	assert.True(t, ioc.FilledSize.IsZero())

	open, err := c.OpenOrders(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, res.OrderID, open[0].OrderID)

	require.NoError(t, c.CancelOrder(ctx, "BTC", res.OrderID))
	open, _ = c.OpenOrders(ctx)
	assert.Empty(t, open)
}
