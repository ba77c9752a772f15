package websocket

import (
	"encoding/json"
	"time"

	"github.com/betbot/perpmm/internal/exchange"
	"github.com/betbot/perpmm/internal/marketstate"
)

type subscription struct {
	Type string `json:"type"`
	Coin string `json:"coin,omitempty"`
	User string `json:"user,omitempty"`
}

type subscribeRequest struct {
	Method       string       `json:"method"`
	Subscription subscription `json:"subscription"`
}

type pingRequest struct {
	Method string `json:"method"`
}

type envelope struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

type bboData struct {
	Coin string                 `json:"coin"`
	Time int64                  `json:"time"`
	Bbo  [2]*exchange.WireLevel `json:"bbo"`
}

type userFillsData struct {
	IsSnapshot bool                `json:"isSnapshot"`
	User       string              `json:"user"`
	Fills      []exchange.WireFill `json:"fills"`
}

func (s *Stream) handleMessage(message []byte) {
	var env envelope
	if err := json.Unmarshal(message, &env); err != nil {
		s.log.Debugf("解析消息失败: %v, msg=%q", err, preview(message))
		return
	}

	switch env.Channel {
	case "pong", "subscriptionResponse":
		return
	case "error":
		s.log.Warnf("服务端错误: %s", preview(env.Data))
		return
	case "l2Book":
		s.handleBook(env.Data)
	case "bbo":
		s.handleBBO(env.Data)
	case "userFills":
		s.handleFills(env.Data)
	case "orderUpdates":
		s.handleOrderUpdates(env.Data)
	default:
		s.log.Debugf("未知频道 %q: %s", env.Channel, preview(message))
		return
	}

	// 收到数据帧说明连接健康
	s.failures.Store(0)
	s.compareAndSetState(Degraded, Subscribed)
}

func (s *Stream) handleBook(data json.RawMessage) {
	var wb exchange.WireBook
	if err := json.Unmarshal(data, &wb); err != nil {
		s.log.Debugf("解析 l2Book 失败: %v", err)
		return
	}
	top, err := wb.ToTopOfBook()
	if err != nil {
		s.log.Debugf("l2Book 无效: %v", err)
		return
	}
	if s.store != nil {
		s.store.Put(marketstate.FromTopOfBook(top, marketstate.SourceStream, time.Now()))
	}
}

func (s *Stream) handleBBO(data json.RawMessage) {
	var b bboData
	if err := json.Unmarshal(data, &b); err != nil {
		s.log.Debugf("解析 bbo 失败: %v", err)
		return
	}
	var bid, ask exchange.Level
	if b.Bbo[0] != nil {
		if lv := exchange.ParseLevels([]exchange.WireLevel{*b.Bbo[0]}); len(lv) == 1 {
			bid = lv[0]
		}
	}
	if b.Bbo[1] != nil {
		if lv := exchange.ParseLevels([]exchange.WireLevel{*b.Bbo[1]}); len(lv) == 1 {
			ask = lv[0]
		}
	}
	ts := time.Now()
	if b.Time > 0 {
		ts = time.UnixMilli(b.Time)
	}
	if s.store != nil && b.Coin != "" {
		s.store.PutTop(b.Coin, bid, ask, ts)
	}
}

func (s *Stream) handleFills(data json.RawMessage) {
	var uf userFillsData
	if err := json.Unmarshal(data, &uf); err != nil {
		s.log.Debugf("解析 userFills 失败: %v", err)
		return
	}
	// 订阅后的首条快照是历史成交，持仓已由启动时的账户状态覆盖
	if uf.IsSnapshot {
		s.log.Debugf("跳过 userFills 快照 (%d 条)", len(uf.Fills))
		return
	}
	s.handlersMu.RLock()
	hs := s.fillHandlers
	s.handlersMu.RUnlock()
	for _, wf := range uf.Fills {
		f := wf.ToFill()
		for _, h := range hs {
			h(f)
		}
	}
}

func (s *Stream) handleOrderUpdates(data json.RawMessage) {
	var ws []exchange.WireOrderUpdate
	if err := json.Unmarshal(data, &ws); err != nil {
		s.log.Debugf("解析 orderUpdates 失败: %v", err)
		return
	}
	s.handlersMu.RLock()
	hs := s.orderHandlers
	s.handlersMu.RUnlock()
	for _, w := range ws {
		u := w.ToOrderUpdate()
		for _, h := range hs {
			h(u)
		}
	}
}
