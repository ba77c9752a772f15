package exchange

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// WireLevel 交易所盘口档位 {"px","sz","n"}
type WireLevel struct {
	Px string `json:"px"`
	Sz string `json:"sz"`
	N  int    `json:"n"`
}

// WireBook l2Book 数据（请求通道与推送通道格式相同）
type WireBook struct {
	Coin   string        `json:"coin"`
	Time   int64         `json:"time"`
	Levels [][]WireLevel `json:"levels"`
}

// ParseLevels 转换档位，跳过无法解析的档
func ParseLevels(in []WireLevel) []Level {
	out := make([]Level, 0, len(in))
	for _, l := range in {
		px, err1 := decimal.NewFromString(l.Px)
		sz, err2 := decimal.NewFromString(l.Sz)
		if err1 != nil || err2 != nil {
			continue
		}
		out = append(out, Level{Px: px, Sz: sz})
	}
	return out
}

// ToTopOfBook 转换为盘口
func (b WireBook) ToTopOfBook() (TopOfBook, error) {
	if len(b.Levels) < 2 {
		return TopOfBook{}, fmt.Errorf("l2Book %s 缺少买卖档", b.Coin)
	}
	t := TopOfBook{
		Instrument: b.Coin,
		Bids:       ParseLevels(b.Levels[0]),
		Asks:       ParseLevels(b.Levels[1]),
		Time:       msTime(b.Time),
	}
	if len(t.Bids) > 0 {
		t.BidPx, t.BidSz = t.Bids[0].Px, t.Bids[0].Sz
	}
	if len(t.Asks) > 0 {
		t.AskPx, t.AskSz = t.Asks[0].Px, t.Asks[0].Sz
	}
	return t, nil
}

func msTime(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func parseDec(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// WireFill userFills 中的一条成交
type WireFill struct {
	Coin    string `json:"coin"`
	Px      string `json:"px"`
	Sz      string `json:"sz"`
	Side    string `json:"side"`
	Time    int64  `json:"time"`
	Crossed bool   `json:"crossed"` // true 为 taker
	Fee     string `json:"fee"`
	Oid     int64  `json:"oid"`
	Tid     int64  `json:"tid"`
}

// ToFill 转换为成交
func (w WireFill) ToFill() Fill {
	return Fill{
		Instrument: w.Coin,
		Side:       SideFromWire(w.Side),
		Price:      parseDec(w.Px),
		Size:       parseDec(w.Sz),
		Maker:      !w.Crossed,
		Fee:        parseDec(w.Fee),
		OrderID:    w.Oid,
		TradeID:    w.Tid,
		Time:       msTime(w.Time),
	}
}

// WireOrder 挂单/订单推送中的订单
type WireOrder struct {
	Coin      string `json:"coin"`
	Side      string `json:"side"`
	LimitPx   string `json:"limitPx"`
	Sz        string `json:"sz"`
	Oid       int64  `json:"oid"`
	Timestamp int64  `json:"timestamp"`
	Cloid     string `json:"cloid,omitempty"`
}

// WireOrderUpdate orderUpdates 推送
type WireOrderUpdate struct {
	Order           WireOrder `json:"order"`
	Status          string    `json:"status"`
	StatusTimestamp int64     `json:"statusTimestamp"`
}

// ToOrderUpdate 转换
func (w WireOrderUpdate) ToOrderUpdate() OrderUpdate {
	return OrderUpdate{
		Instrument: w.Order.Coin,
		OrderID:    w.Order.Oid,
		ClientID:   w.Order.Cloid,
		Side:       SideFromWire(w.Order.Side),
		Price:      parseDec(w.Order.LimitPx),
		Size:       parseDec(w.Order.Sz),
		Status:     w.Status,
		Time:       msTime(w.StatusTimestamp),
	}
}

type wireMeta struct {
	Universe []struct {
		Name        string `json:"name"`
		SzDecimals  int    `json:"szDecimals"`
		MaxLeverage int    `json:"maxLeverage"`
		IsDelisted  bool   `json:"isDelisted"`
	} `json:"universe"`
}

// 永续合约价格最多 6 - szDecimals 位小数
const maxPerpDecimals = 6

func (m wireMeta) toMetadata() map[string]Metadata {
	out := make(map[string]Metadata, len(m.Universe))
	for i, u := range m.Universe {
		if u.IsDelisted {
			continue
		}
		pxDecimals := maxPerpDecimals - u.SzDecimals
		if pxDecimals < 0 {
			pxDecimals = 0
		}
		out[u.Name] = Metadata{
			Instrument:  u.Name,
			AssetIndex:  i,
			TickSize:    decimal.New(1, int32(-pxDecimals)),
			SizeStep:    decimal.New(1, int32(-u.SzDecimals)),
			SzDecimals:  u.SzDecimals,
			MaxLeverage: u.MaxLeverage,
		}
	}
	return out
}

type wireClearinghouse struct {
	AssetPositions []struct {
		Position struct {
			Coin          string `json:"coin"`
			Szi           string `json:"szi"`
			EntryPx       string `json:"entryPx"`
			PositionValue string `json:"positionValue"`
			UnrealizedPnl string `json:"unrealizedPnl"`
			CumFunding    struct {
				SinceOpen string `json:"sinceOpen"`
			} `json:"cumFunding"`
		} `json:"position"`
	} `json:"assetPositions"`
	MarginSummary struct {
		AccountValue    string `json:"accountValue"`
		TotalMarginUsed string `json:"totalMarginUsed"`
	} `json:"marginSummary"`
	Withdrawable string `json:"withdrawable"`
}

func (w wireClearinghouse) toAccountState() AccountState {
	st := AccountState{Equity: parseDec(w.MarginSummary.AccountValue)}
	for _, ap := range w.AssetPositions {
		p := ap.Position
		size := parseDec(p.Szi)
		if size.IsZero() {
			continue
		}
		value := parseDec(p.PositionValue)
		mark := decimal.Zero
		if !value.IsZero() {
			mark = value.Div(size.Abs())
		}
		st.Positions = append(st.Positions, Position{
			Instrument:    p.Coin,
			Size:          size,
			EntryPx:       parseDec(p.EntryPx),
			MarkPx:        mark,
			UnrealizedPnL: parseDec(p.UnrealizedPnl),
			Funding:       parseDec(p.CumFunding.SinceOpen).Neg(),
		})
	}
	switch {
	case w.Withdrawable != "":
		free := parseDec(w.Withdrawable)
		st.FreeCollateral = &free
	case w.MarginSummary.AccountValue != "":
		free := parseDec(w.MarginSummary.AccountValue).Sub(parseDec(w.MarginSummary.TotalMarginUsed))
		st.FreeCollateral = &free
	}
	return st
}

type wireOrderType struct {
	Limit struct {
		Tif string `json:"tif"`
	} `json:"limit"`
}

type wireOrderReq struct {
	A int           `json:"a"`
	B bool          `json:"b"`
	P string        `json:"p"`
	S string        `json:"s"`
	R bool          `json:"r"`
	T wireOrderType `json:"t"`
	C string        `json:"c,omitempty"`
}

type wireOrderAction struct {
	Type     string         `json:"type"`
	Orders   []wireOrderReq `json:"orders"`
	Grouping string         `json:"grouping"`
}

type wireCancel struct {
	A int   `json:"a"`
	O int64 `json:"o"`
}

type wireCancelAction struct {
	Type    string       `json:"type"`
	Cancels []wireCancel `json:"cancels"`
}

type wireSignedRequest struct {
	Action    json.RawMessage `json:"action"`
	Nonce     int64           `json:"nonce"`
	Signature Signature       `json:"signature"`
}

type wireExchangeResp struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response"`
}

type wireStatuses struct {
	Type string `json:"type"`
	Data struct {
		Statuses []json.RawMessage `json:"statuses"`
	} `json:"data"`
}

type wireOrderStatus struct {
	Resting *struct {
		Oid int64 `json:"oid"`
	} `json:"resting"`
	Filled *struct {
		TotalSz string `json:"totalSz"`
		AvgPx   string `json:"avgPx"`
		Oid     int64  `json:"oid"`
	} `json:"filled"`
	Error string `json:"error"`
}

type wireFees struct {
	UserAddRate   string `json:"userAddRate"`
	UserCrossRate string `json:"userCrossRate"`
}

// NewClientID 生成 16 字节十六进制客户端订单号
func NewClientID() string {
	id := uuid.New()
	return fmt.Sprintf("0x%x", id[:])
}
