package engine

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/betbot/perpmm/internal/exchange"
	"github.com/betbot/perpmm/internal/flow"
	"github.com/betbot/perpmm/internal/ledger"
	"github.com/betbot/perpmm/internal/marketstate"
	"github.com/betbot/perpmm/internal/metrics"
	"github.com/betbot/perpmm/internal/perf"
	"github.com/betbot/perpmm/internal/risk"
	"github.com/betbot/perpmm/internal/spread"
	"github.com/betbot/perpmm/pkg/config"
	"github.com/betbot/perpmm/pkg/logger"
	"github.com/betbot/perpmm/pkg/quant"
	"github.com/betbot/perpmm/pkg/ratelimit"
)

const (
	defaultInterval     = 250 * time.Millisecond
	shutdownCancelAfter = 5 * time.Second
	updateBuffer        = 256
)

// Deps 进程内共享的组件
type Deps struct {
	Client   exchange.Client
	Reader   *marketstate.Reader
	Ledger   *ledger.Ledger
	Perf     *perf.Recorder
	Resolver *config.Resolver
	Steps    *quant.Steps
	Fees     *exchange.FeeCache
	Throttle *ratelimit.ReplaceThrottle
	Guard    *risk.PortfolioGuard
	Sink     Sink
}

// Options 单个 bot 的配置
type Options struct {
	Name         string
	Coins        []string
	Interval     time.Duration
	RefreshEvery int // 每隔多少个周期从交易所刷新持仓
}

type quote struct {
	orderID  int64
	price    decimal.Decimal
	size     decimal.Decimal
	placedAt time.Time
}

// instrument 单品种状态，只在决策循环 goroutine 中访问
type instrument struct {
	name     string
	params   config.Params
	selector *flow.Selector
	breaker  *risk.Breaker
	exiter   *risk.Exiter
	tp       *risk.TakeProfit
	sizer    *risk.Sizer
	quotes   map[exchange.Side]*quote

	last     Result
	decision spread.Decision
}

// Bot 一组品种的决策循环
type Bot struct {
	opts Options
	deps Deps

	gates      *spread.Gates
	tuner      *spread.AutoTuner
	underwater *risk.Underwater

	insts  []*instrument
	byName map[string]*instrument
	names  []string

	updates chan exchange.OrderUpdate

	cycle      int64
	lastMinute time.Time
	account    exchange.AccountState
	verdict    risk.Verdict

	now func() time.Time
	log *logrus.Entry

	statusMu sync.RWMutex
	status   BotStatus
}

// New 创建 bot
func New(opts Options, deps Deps) *Bot {
	if opts.Interval <= 0 {
		opts.Interval = defaultInterval
	}
	if deps.Sink == nil {
		deps.Sink = nopSink{}
	}
	if deps.Steps == nil {
		deps.Steps = quant.NewSteps()
	}
	if deps.Guard == nil {
		deps.Guard = risk.NewPortfolioGuard(0, 0)
	}
	b := &Bot{
		opts:       opts,
		deps:       deps,
		gates:      spread.NewGates(deps.Resolver),
		tuner:      spread.NewAutoTuner(),
		underwater: risk.NewUnderwater(deps.Resolver),
		byName:     make(map[string]*instrument),
		updates:    make(chan exchange.OrderUpdate, updateBuffer),
		now:        time.Now,
		log:        logger.WithField("bot", opts.Name),
	}
	coins := append([]string(nil), opts.Coins...)
	sort.Strings(coins)
	for _, c := range coins {
		p := deps.Resolver.For(c)
		exiter := risk.NewExiter(deps.Client, p.Risk.AggressivePct)
		in := &instrument{
			name:     c,
			params:   p,
			selector: flow.NewSelector(p),
			breaker: risk.NewBreaker(risk.BreakerConfig{
				MaxErrors:  int64(p.Risk.MaxErrors),
				SuspendFor: time.Duration(p.Risk.SuspendSec) * time.Second,
			}),
			exiter: exiter,
			tp:     risk.NewTakeProfit(p.Risk, exiter),
			sizer:  risk.NewSizer(p.Sizing),
			quotes: make(map[exchange.Side]*quote),
		}
		b.insts = append(b.insts, in)
		b.byName[c] = in
		b.names = append(b.names, c)
	}
	return b
}

// Name bot 名称
func (b *Bot) Name() string { return b.opts.Name }

// Coins 品种列表（排序）
func (b *Bot) Coins() []string { return append([]string(nil), b.names...) }

// OnOrderUpdate 推送通道的订单状态回调，只入队，由决策循环处理
func (b *Bot) OnOrderUpdate(u exchange.OrderUpdate) {
	if _, ok := b.byName[u.Instrument]; !ok {
		return
	}
	select {
	case b.updates <- u:
	default:
		b.log.Debugf("订单更新队列已满，丢弃 %s oid=%d", u.Instrument, u.OrderID)
	}
}

// Init 启动前加载元数据并以交易所持仓为准初始化账本
func (b *Bot) Init(ctx context.Context) {
	for _, in := range b.insts {
		md, err := b.deps.Client.InstrumentMetadata(ctx, in.name)
		if err != nil {
			b.log.Warnf("%s 元数据不可用，tick 改为推断: %v", in.name, err)
			continue
		}
		b.deps.Steps.SetMetadata(in.name, md.TickSize, md.SizeStep)
	}
	b.refreshPositions(ctx)
	b.event(ctx, "", perf.EventStartup, fmt.Sprintf("coins=%v interval=%v", b.names, b.opts.Interval), b.now())
}

// Run 按固定间隔运行直到 ctx 取消；退出前尽力撤掉挂单
func (b *Bot) Run(ctx context.Context) error {
	b.Init(ctx)
	b.log.Infof("决策循环启动: %v, 间隔 %v", b.names, b.opts.Interval)

	ticker := time.NewTicker(b.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			b.shutdown()
			return nil
		case <-ticker.C:
			// 当前周期不受取消影响，跑完再退出
			cycleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 4*b.opts.Interval+time.Second)
			b.Step(cycleCtx)
			cancel()
		}
	}
}

func (b *Bot) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownCancelAfter)
	defer cancel()
	n := 0
	for _, in := range b.insts {
		n += len(in.quotes)
		b.cancelAll(ctx, in)
	}
	b.log.Infof("决策循环退出，已尝试撤销 %d 个挂单（不保证全部成功）", n)
}

// Step 执行一个周期，返回每个品种的结果
func (b *Bot) Step(ctx context.Context) []Result {
	b.cycle++
	now := b.now()
	metrics.Cycles.Add(1)
	metrics.CyclesTotal.WithLabelValues(b.opts.Name).Inc()

	b.drainUpdates()
	if b.opts.RefreshEvery > 0 && b.cycle > 1 && (b.cycle-1)%int64(b.opts.RefreshEvery) == 0 {
		b.refreshPositions(ctx)
	}
	if b.deps.Fees != nil {
		fees := b.deps.Fees.Get(ctx)
		for _, in := range b.insts {
			b.gates.For(in.name).Floor().SetMakerFeeBps(fees.MakerBps())
		}
	}

	verdict := b.checkPortfolio(ctx, now)
	results := make([]Result, 0, len(b.insts))
	for _, in := range b.insts {
		var res Result
		switch verdict {
		case risk.VerdictEmergencyStop:
			res = b.emergencyFlatten(ctx, in, now)
		case risk.VerdictPause:
			b.cancelAll(ctx, in)
			res = skipped(in.name, ReasonPortfolioPause)
		default:
			res = b.safeStep(ctx, in, now)
		}
		b.record(ctx, in, res, now)
		results = append(results, res)
	}

	b.maybeRollover(ctx, now)
	b.publishStatus(now)
	return results
}

func (b *Bot) safeStep(ctx context.Context, in *instrument, now time.Time) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Errorf("%s 周期 panic: %v\n%s", in.name, r, debug.Stack())
			res = failed(in.name, ReasonPanic, fmt.Errorf("panic: %v", r))
		}
	}()
	return b.stepInstrument(ctx, in, now)
}

func (b *Bot) record(ctx context.Context, in *instrument, res Result, now time.Time) {
	prev := in.last
	in.last = res
	metrics.OutcomesTotal.WithLabelValues(in.name, string(res.Kind), res.Reason).Inc()

	switch res.Kind {
	case Failed:
		b.log.WithField("instrument", in.name).Warnf("周期失败: %s", res)
		if in.breaker.OnError(now) {
			b.cancelAll(ctx, in)
			until := in.breaker.SuspendedUntil()
			b.log.WithField("instrument", in.name).Errorf("连续错误达到上限，暂停到 %s", until.Format(time.TimeOnly))
			b.event(ctx, in.name, perf.EventSuspended, fmt.Sprintf("until=%s last=%v", until.Format(time.RFC3339), res.Err), now)
		}
	case Suspended:
	default:
		in.breaker.OnSuccess()
	}
	if res.Kind != Skipped || res.Reason != prev.Reason {
		b.log.WithField("instrument", in.name).Debug(res.String())
	}
}

func (b *Bot) stepInstrument(ctx context.Context, in *instrument, now time.Time) Result {
	if err := in.breaker.Allow(now); err != nil {
		return Result{Instrument: in.name, Kind: Suspended, Reason: ReasonBreaker, Err: err}
	}

	snap, err := b.deps.Reader.Top(ctx, in.name)
	if err != nil {
		// 过期行情不驱动下单
		b.cancelAll(ctx, in)
		return Result{Instrument: in.name, Kind: Skipped, Reason: ReasonStaleBook, Err: err}
	}
	b.deps.Steps.Observe(in.name, snap.BestBid)
	b.deps.Steps.Observe(in.name, snap.BestAsk)
	mid := snap.Mid()
	tick, _ := b.deps.Steps.Tick(in.name, mid)
	step := b.deps.Steps.SizeStep(in.name)

	st := b.deps.Ledger.State(in.name)
	if res, done := b.checkRisk(ctx, in, snap, st, tick, step, now); done {
		return res
	}
	if b.underwater.Paused(in.name, now) {
		b.cancelAll(ctx, in)
		in.selector.ForceNone(b.cycle)
		return skipped(in.name, ReasonBailoutPause)
	}

	live := spread.LiveBps(snap.BestBid, snap.BestAsk)
	dec := b.gates.Evaluate(in.name, live, now)
	in.decision = dec
	metrics.EffectiveFloor.WithLabelValues(in.name).Set(dec.EffectiveFloor)
	if !dec.Pass {
		b.cancelAll(ctx, in)
		return skipped(in.name, ReasonSpreadBelow)
	}

	notional := quant.Float(st.Position.Mul(mid))
	sel := in.selector.Decide(b.cycle, flow.Inputs{
		Now:             now,
		Mid:             quant.Float(mid),
		Bids:            snap.Bids,
		Asks:            snap.Asks,
		NotionalUSD:     notional,
		Flow:            b.deps.Reader.Store().Flow(in.name),
		LiveBps:         live,
		DynamicFloorBps: dec.EffectiveFloor,
	})
	side, reason := sel.Side, sel.Reason
	if limit := in.params.MaxPositionUSD; limit > 0 && side != flow.None && absf(notional) >= limit {
		// 超过上限只挂减仓方向
		side, reason = flow.Ask, "max_position"
		if notional < 0 {
			side = flow.Bid
		}
	}
	if side == flow.None {
		b.cancelAll(ctx, in)
		return Result{Instrument: in.name, Kind: Skipped, Reason: reasonSideNonePrefix + reason, Side: flow.None}
	}
	return b.quote(ctx, in, snap, side, reason, tick, step, now)
}

func absf(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

// Status 最近一次周期的状态快照
func (b *Bot) Status() BotStatus {
	b.statusMu.RLock()
	defer b.statusMu.RUnlock()
	s := b.status
	s.Instruments = append([]InstrumentStatus(nil), b.status.Instruments...)
	return s
}
