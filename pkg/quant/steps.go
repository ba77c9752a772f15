package quant

import (
	"strings"
	"sync"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/betbot/perpmm/pkg/logger"
)

// TickSource tick 的来源
type TickSource string

const (
	SourceMetadata  TickSource = "metadata"
	SourceInferred  TickSource = "inferred"
	SourceHeuristic TickSource = "heuristic"
)

const (
	minInferDecimals = 2
	maxInferDecimals = 8
)

// DefaultSizeStep 缺少元数据时的数量步长（3 位小数）
var DefaultSizeStep = decimal.New(1, -3)

// heuristic 按价格量级估计 tick（约 5 位有效数字）
var heuristic = []struct {
	min  decimal.Decimal
	tick decimal.Decimal
}{
	{decimal.NewFromInt(10000), decimal.New(1, 0)},
	{decimal.NewFromInt(1000), decimal.New(1, -1)},
	{decimal.NewFromInt(100), decimal.New(1, -2)},
	{decimal.NewFromInt(10), decimal.New(1, -3)},
	{decimal.NewFromInt(1), decimal.New(1, -4)},
}

// HeuristicTick 价格量级表
func HeuristicTick(price decimal.Decimal) decimal.Decimal {
	for _, row := range heuristic {
		if price.GreaterThanOrEqual(row.min) {
			return row.tick
		}
	}
	return decimal.New(1, -5)
}

// Decimals 价格的小数位数（不含尾部 0）
func Decimals(price decimal.Decimal) int {
	s := price.String()
	if i := strings.IndexByte(s, '.'); i >= 0 {
		return len(s) - i - 1
	}
	return 0
}

type instSteps struct {
	metaTick    decimal.Decimal
	metaSize    decimal.Decimal
	hasMeta     bool
	maxDecimals int
	lastTick    decimal.Decimal
	lastSource  TickSource
}

// Steps 每个品种的 tick/size step 注册表
// 优先级：元数据 -> 实时价格小数位推断 -> 价格量级表
// 推断值不具权威性，元数据到达后若不一致只告警
type Steps struct {
	mu    sync.Mutex
	insts map[string]*instSteps
	log   *logrus.Entry
}

// NewSteps 创建注册表
func NewSteps() *Steps {
	return &Steps{
		insts: make(map[string]*instSteps),
		log:   logger.Component("quant"),
	}
}

func (s *Steps) get(inst string) *instSteps {
	st, ok := s.insts[inst]
	if !ok {
		st = &instSteps{}
		s.insts[inst] = st
	}
	return st
}

// SetMetadata 记录交易所元数据，与之前推断的 tick 不一致时告警
func (s *Steps) SetMetadata(inst string, tick, sizeStep decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.get(inst)
	if st.lastSource != "" && st.lastSource != SourceMetadata && tick.IsPositive() && !st.lastTick.Equal(tick) {
		s.log.WithFields(logrus.Fields{
			"instrument": inst,
			"used":       st.lastTick.String(),
			"source":     st.lastSource,
			"metadata":   tick.String(),
		}).Warn("推断 tick 与交易所元数据不一致，改用元数据")
	}
	st.metaTick = tick
	st.metaSize = sizeStep
	st.hasMeta = tick.IsPositive()
}

// Observe 记录一个实时价格的精度
func (s *Steps) Observe(inst string, price decimal.Decimal) {
	if !price.IsPositive() {
		return
	}
	d := Decimals(price)
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.get(inst)
	if d > st.maxDecimals {
		st.maxDecimals = d
	}
}

// Tick 返回品种 tick 及来源；refPrice 用于量级表回退
func (s *Steps) Tick(inst string, refPrice decimal.Decimal) (decimal.Decimal, TickSource) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.get(inst)

	var tick decimal.Decimal
	var src TickSource
	switch {
	case st.hasMeta:
		tick, src = st.metaTick, SourceMetadata
	case st.maxDecimals > 0 && st.maxDecimals <= maxInferDecimals:
		d := st.maxDecimals
		if d < minInferDecimals {
			d = minInferDecimals
		}
		tick, src = decimal.New(1, int32(-d)), SourceInferred
	default:
		// 没有观测或精度超过 8 位（浮点噪声），按量级估计
		tick, src = HeuristicTick(refPrice), SourceHeuristic
	}
	st.lastTick, st.lastSource = tick, src
	return tick, src
}

// SizeStep 数量步长
func (s *Steps) SizeStep(inst string) decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.get(inst)
	if st.hasMeta && st.metaSize.IsPositive() {
		return st.metaSize
	}
	return DefaultSizeStep
}
