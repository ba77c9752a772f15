package exchange

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/betbot/perpmm/internal/metrics"
	"github.com/betbot/perpmm/pkg/logger"
	"github.com/betbot/perpmm/pkg/quant"
	"github.com/betbot/perpmm/pkg/ratelimit"
)

const metaTTL = time.Hour

// RESTConfig 请求通道配置
type RESTConfig struct {
	BaseURL string
	Account string        // 账户地址，查询持仓/挂单/费率需要
	Timeout time.Duration // 单次请求超时
	MaxWait time.Duration // 等待令牌的上限
}

// RESTClient 基于 resty 的请求/响应客户端
// 每次调用先按权重从请求桶取令牌，取不到返回 ErrRateLimited
type RESTClient struct {
	info    *resty.Client // 查询：可重试
	exch    *resty.Client // 下单/撤单：不重试，避免重复下单
	limiter *ratelimit.Dual
	signer  Signer
	account string
	maxWait time.Duration
	now     func() time.Time
	log     *logrus.Entry

	metaMu sync.Mutex
	meta   map[string]Metadata
	metaAt time.Time
}

// NewRESTClient 创建客户端；signer 为 nil 时只能查询
func NewRESTClient(cfg RESTConfig, limiter *ratelimit.Dual, signer Signer) *RESTClient {
	host := strings.TrimSuffix(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	info := resty.New().
		SetBaseURL(host).
		SetTimeout(cfg.Timeout).
		SetRetryCount(2).
		SetRetryWaitTime(200 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		AddRetryCondition(func(resp *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return resp.StatusCode() == 429 || resp.StatusCode() >= 500
		}).
		SetRetryAfter(func(client *resty.Client, resp *resty.Response) (time.Duration, error) {
			// 429 优先使用 Retry-After
			if resp != nil && resp.StatusCode() == 429 {
				if ra := resp.Header().Get("Retry-After"); ra != "" {
					if d, err := time.ParseDuration(ra + "s"); err == nil {
						return d, nil
					}
				}
			}
			return 0, nil
		})

	exch := resty.New().
		SetBaseURL(host).
		SetTimeout(cfg.Timeout)

	account := cfg.Account
	if account == "" && signer != nil {
		account = signer.Address()
	}

	return &RESTClient{
		info:    info,
		exch:    exch,
		limiter: limiter,
		signer:  signer,
		account: account,
		maxWait: cfg.MaxWait,
		now:     time.Now,
		log:     logger.Component("rest"),
	}
}

// Account 当前账户地址
func (c *RESTClient) Account() string {
	return c.account
}

func (c *RESTClient) acquire(ctx context.Context, op ratelimit.Op) error {
	if c.limiter == nil {
		return nil
	}
	if !c.limiter.AcquireRest(ctx, op, c.maxWait) {
		metrics.RateLimitedTotal.WithLabelValues("rest", string(op)).Inc()
		return errors.Wrapf(ErrRateLimited, "%s", op)
	}
	return nil
}

func (c *RESTClient) postInfo(ctx context.Context, op ratelimit.Op, body any, out any) error {
	if err := c.acquire(ctx, op); err != nil {
		return err
	}
	started := time.Now()
	resp, err := c.info.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(body).
		Post("/info")
	metrics.ObserveLatency(string(op), started)
	if err != nil {
		return errors.Wrapf(err, "info %s", op)
	}
	if !resp.IsSuccess() {
		return errors.Errorf("info %s: http %d: %s", op, resp.StatusCode(), truncate(resp.Body()))
	}
	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return errors.Wrapf(err, "解析 %s 响应失败", op)
	}
	return nil
}

func (c *RESTClient) postExchange(ctx context.Context, op ratelimit.Op, action any) (json.RawMessage, error) {
	if c.signer == nil {
		return nil, errors.New("未配置签名私钥，不能下单")
	}
	if err := c.acquire(ctx, op); err != nil {
		return nil, err
	}
	actionBytes, err := json.Marshal(action)
	if err != nil {
		return nil, errors.Wrap(err, "编码 action 失败")
	}
	nonce := c.now().UnixMilli()
	sig, err := c.signer.Sign(actionBytes, nonce)
	if err != nil {
		return nil, err
	}

	started := time.Now()
	resp, err := c.exch.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(wireSignedRequest{Action: actionBytes, Nonce: nonce, Signature: sig}).
		Post("/exchange")
	metrics.ObserveLatency(string(op), started)
	if err != nil {
		return nil, errors.Wrapf(err, "exchange %s", op)
	}
	if !resp.IsSuccess() {
		return nil, errors.Errorf("exchange %s: http %d: %s", op, resp.StatusCode(), truncate(resp.Body()))
	}

	var out wireExchangeResp
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return nil, errors.Wrapf(err, "解析 %s 响应失败", op)
	}
	if out.Status != "ok" {
		var reason string
		if json.Unmarshal(out.Response, &reason) != nil {
			reason = string(out.Response)
		}
		return nil, errors.Wrapf(ErrRejected, "%s: %s", op, reason)
	}
	var st wireStatuses
	if err := json.Unmarshal(out.Response, &st); err != nil {
		return nil, errors.Wrapf(err, "解析 %s statuses 失败", op)
	}
	if len(st.Data.Statuses) == 0 {
		return nil, errors.Errorf("%s 响应没有 statuses", op)
	}
	return st.Data.Statuses[0], nil
}

// TopOfBook 查询盘口（权重 2）
func (c *RESTClient) TopOfBook(ctx context.Context, inst string) (TopOfBook, error) {
	var book WireBook
	if err := c.postInfo(ctx, ratelimit.OpBook, map[string]string{"type": "l2Book", "coin": inst}, &book); err != nil {
		return TopOfBook{}, err
	}
	if book.Coin == "" {
		book.Coin = inst
	}
	return book.ToTopOfBook()
}

func (c *RESTClient) loadMeta(ctx context.Context) (map[string]Metadata, error) {
	c.metaMu.Lock()
	defer c.metaMu.Unlock()
	if c.meta != nil && c.now().Sub(c.metaAt) < metaTTL {
		return c.meta, nil
	}
	var m wireMeta
	if err := c.postInfo(ctx, ratelimit.OpMeta, map[string]string{"type": "meta"}, &m); err != nil {
		if c.meta != nil {
			// 刷新失败时继续使用旧元数据
			c.log.Warnf("刷新元数据失败，沿用缓存: %v", err)
			return c.meta, nil
		}
		return nil, err
	}
	c.meta = m.toMetadata()
	c.metaAt = c.now()
	return c.meta, nil
}

// InstrumentMetadata 品种元数据（整表缓存 1 小时，权重 20）
func (c *RESTClient) InstrumentMetadata(ctx context.Context, inst string) (Metadata, error) {
	meta, err := c.loadMeta(ctx)
	if err != nil {
		return Metadata{}, err
	}
	md, ok := meta[inst]
	if !ok {
		return Metadata{}, errors.Wrapf(ErrUnknownInstrument, "%s", inst)
	}
	return md, nil
}

// AccountState 账户持仓与可用保证金
func (c *RESTClient) AccountState(ctx context.Context) (AccountState, error) {
	if c.account == "" {
		return AccountState{}, ErrNoAccount
	}
	var w wireClearinghouse
	if err := c.postInfo(ctx, ratelimit.OpAccount, map[string]string{"type": "clearinghouseState", "user": c.account}, &w); err != nil {
		return AccountState{}, err
	}
	return w.toAccountState(), nil
}

// OpenOrders 当前挂单
func (c *RESTClient) OpenOrders(ctx context.Context) ([]OpenOrder, error) {
	if c.account == "" {
		return nil, ErrNoAccount
	}
	var ws []WireOrder
	if err := c.postInfo(ctx, ratelimit.OpOrders, map[string]string{"type": "openOrders", "user": c.account}, &ws); err != nil {
		return nil, err
	}
	out := make([]OpenOrder, 0, len(ws))
	for _, w := range ws {
		out = append(out, OpenOrder{
			Instrument: w.Coin,
			OrderID:    w.Oid,
			ClientID:   w.Cloid,
			Side:       SideFromWire(w.Side),
			Price:      parseDec(w.LimitPx),
			Size:       parseDec(w.Sz),
			Time:       msTime(w.Timestamp),
		})
	}
	return out, nil
}

// UserFees 账户费率
func (c *RESTClient) UserFees(ctx context.Context) (Fees, error) {
	if c.account == "" {
		return Fees{}, ErrNoAccount
	}
	var w wireFees
	if err := c.postInfo(ctx, ratelimit.OpUserFees, map[string]string{"type": "userFees", "user": c.account}, &w); err != nil {
		return Fees{}, err
	}
	return Fees{MakerRate: parseDec(w.UserAddRate), TakerRate: parseDec(w.UserCrossRate)}, nil
}

// PlaceOrder 下单；拒单返回 ErrRejected
func (c *RESTClient) PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error) {
	md, err := c.InstrumentMetadata(ctx, req.Instrument)
	if err != nil {
		return OrderResult{}, err
	}
	if req.ClientID == "" {
		req.ClientID = NewClientID()
	}
	if req.TIF == "" {
		req.TIF = PostOnly
	}
	o := wireOrderReq{
		A: md.AssetIndex,
		B: req.Side.IsBuy(),
		P: quant.Wire(req.Price),
		S: quant.Wire(req.Size),
		R: req.ReduceOnly,
		C: req.ClientID,
	}
	o.T.Limit.Tif = string(req.TIF)
	action := wireOrderAction{Type: "order", Orders: []wireOrderReq{o}, Grouping: "na"}

	raw, err := c.postExchange(ctx, ratelimit.OpOrder, action)
	if err != nil {
		metrics.OrdersTotal.WithLabelValues(req.Instrument, string(req.Side), string(req.TIF), "error").Inc()
		return OrderResult{Status: StatusRejected, Reason: err.Error()}, err
	}
	res, err := parseOrderStatus(raw)
	metrics.OrdersTotal.WithLabelValues(req.Instrument, string(req.Side), string(req.TIF), string(res.Status)).Inc()
	return res, err
}

func parseOrderStatus(raw json.RawMessage) (OrderResult, error) {
	var st wireOrderStatus
	if err := json.Unmarshal(raw, &st); err != nil {
		return OrderResult{Status: StatusRejected}, errors.Wrap(err, "解析下单状态失败")
	}
	switch {
	case st.Error != "":
		return OrderResult{Status: StatusRejected, Reason: st.Error}, errors.Wrap(ErrRejected, st.Error)
	case st.Filled != nil:
		return OrderResult{
			Status:     StatusFilled,
			OrderID:    st.Filled.Oid,
			FilledSize: parseDec(st.Filled.TotalSz),
			AvgPx:      parseDec(st.Filled.AvgPx),
		}, nil
	case st.Resting != nil:
		return OrderResult{Status: StatusResting, OrderID: st.Resting.Oid}, nil
	}
	return OrderResult{Status: StatusRejected}, errors.Errorf("未知的下单状态: %s", string(raw))
}

// CancelOrder 撤单
func (c *RESTClient) CancelOrder(ctx context.Context, inst string, orderID int64) error {
	md, err := c.InstrumentMetadata(ctx, inst)
	if err != nil {
		return err
	}
	action := wireCancelAction{Type: "cancel", Cancels: []wireCancel{{A: md.AssetIndex, O: orderID}}}
	raw, err := c.postExchange(ctx, ratelimit.OpCancel, action)
	if err != nil {
		return err
	}
	var ok string
	if json.Unmarshal(raw, &ok) == nil && ok == "success" {
		return nil
	}
	var st wireOrderStatus
	if json.Unmarshal(raw, &st) == nil && st.Error != "" {
		return errors.Wrap(ErrRejected, st.Error)
	}
	return errors.Errorf("未知的撤单状态: %s", string(raw))
}

func truncate(b []byte) string {
	if len(b) > 200 {
		return string(b[:200]) + "..."
	}
	return string(b)
}
