package exchange

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side 买卖方向
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// IsBuy 是否买入
func (s Side) IsBuy() bool { return s == Buy }

// Opposite 反方向
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// SideFromWire 交易所 "B"/"A" 转换
func SideFromWire(s string) Side {
	if s == "B" || s == "b" || s == "buy" {
		return Buy
	}
	return Sell
}

// TimeInForce 订单有效方式
type TimeInForce string

const (
	PostOnly TimeInForce = "Alo" // 只做 maker，会吃单则拒绝
	IOC      TimeInForce = "Ioc"
	GTC      TimeInForce = "Gtc"
)

// Level 盘口一档
type Level struct {
	Px decimal.Decimal
	Sz decimal.Decimal
}

// TopOfBook 盘口
type TopOfBook struct {
	Instrument string
	BidPx      decimal.Decimal
	AskPx      decimal.Decimal
	BidSz      decimal.Decimal
	AskSz      decimal.Decimal
	Bids       []Level
	Asks       []Level
	Time       time.Time
}

// Valid 买卖价均为正且未交叉
func (t TopOfBook) Valid() bool {
	return t.BidPx.IsPositive() && t.AskPx.IsPositive() && t.BidPx.LessThan(t.AskPx)
}

// Metadata 品种元数据
type Metadata struct {
	Instrument  string
	AssetIndex  int
	TickSize    decimal.Decimal
	SizeStep    decimal.Decimal
	SzDecimals  int
	MaxLeverage int
}

// Position 交易所持仓
type Position struct {
	Instrument    string
	Size          decimal.Decimal // 带符号
	EntryPx       decimal.Decimal
	MarkPx        decimal.Decimal
	UnrealizedPnL decimal.Decimal
	Funding       decimal.Decimal // 开仓以来资金费（收入为正）
}

// AccountState 账户状态
type AccountState struct {
	Positions      []Position
	Equity         decimal.Decimal
	FreeCollateral *decimal.Decimal // nil 表示未知
}

// PositionOf 查找持仓
func (a AccountState) PositionOf(inst string) (Position, bool) {
	for _, p := range a.Positions {
		if p.Instrument == inst {
			return p, true
		}
	}
	return Position{}, false
}

// OrderRequest 下单请求
type OrderRequest struct {
	Instrument string
	Side       Side
	Size       decimal.Decimal
	Price      decimal.Decimal
	TIF        TimeInForce
	ReduceOnly bool
	ClientID   string
}

// OrderStatus 下单结果
type OrderStatus string

const (
	StatusResting  OrderStatus = "resting"
	StatusFilled   OrderStatus = "filled"
	StatusRejected OrderStatus = "rejected"
)

// OrderResult 下单返回
type OrderResult struct {
	Status     OrderStatus
	OrderID    int64
	FilledSize decimal.Decimal
	AvgPx      decimal.Decimal
	Reason     string
}

// OpenOrder 挂单
type OpenOrder struct {
	Instrument string
	OrderID    int64
	ClientID   string
	Side       Side
	Price      decimal.Decimal
	Size       decimal.Decimal
	Time       time.Time
}

// Fill 成交
type Fill struct {
	Instrument string
	Side       Side
	Price      decimal.Decimal
	Size       decimal.Decimal
	Maker      bool
	Fee        decimal.Decimal // 正数为支出，负数为返佣
	OrderID    int64
	TradeID    int64
	Time       time.Time
}

// Notional 成交额
func (f Fill) Notional() decimal.Decimal {
	return f.Price.Mul(f.Size)
}

// OrderUpdate 订单状态推送
type OrderUpdate struct {
	Instrument string
	OrderID    int64
	ClientID   string
	Side       Side
	Price      decimal.Decimal
	Size       decimal.Decimal
	Status     string // open | filled | canceled | rejected ...
	Time       time.Time
}

// Fees 手续费率（小数形式，如 0.00015）
type Fees struct {
	MakerRate decimal.Decimal
	TakerRate decimal.Decimal
}

// MakerBps maker 费率（bps）
func (f Fees) MakerBps() float64 {
	v, _ := f.MakerRate.Mul(decimal.NewFromInt(10000)).Float64()
	return v
}
