package marketstate

import (
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/betbot/perpmm/internal/exchange"
)

// Source 快照来源
type Source string

const (
	SourceStream   Source = "stream"
	SourceFallback Source = "fallback"
)

// Snapshot 单个品种的盘口快照（不可变，整体替换）
type Snapshot struct {
	Instrument string
	BestBid    decimal.Decimal
	BestAsk    decimal.Decimal
	BidSize    decimal.Decimal
	AskSize    decimal.Decimal
	Bids       []exchange.Level
	Asks       []exchange.Level
	Timestamp  time.Time
	Source     Source
}

// Mid 中间价
func (s Snapshot) Mid() decimal.Decimal {
	return s.BestBid.Add(s.BestAsk).Div(decimal.NewFromInt(2))
}

// Valid 买卖价均为正且未交叉
func (s Snapshot) Valid() bool {
	return s.BestBid.IsPositive() && s.BestAsk.IsPositive() && s.BestBid.LessThan(s.BestAsk)
}

// FromTopOfBook 请求通道结果转换为快照
func FromTopOfBook(t exchange.TopOfBook, src Source, now time.Time) Snapshot {
	ts := t.Time
	if ts.IsZero() {
		ts = now
	}
	return Snapshot{
		Instrument: t.Instrument,
		BestBid:    t.BidPx,
		BestAsk:    t.AskPx,
		BidSize:    t.BidSz,
		AskSize:    t.AskSz,
		Bids:       t.Bids,
		Asks:       t.Asks,
		Timestamp:  ts,
		Source:     src,
	}
}

// AtomicBook 单品种的无锁快照槽：写入方整体替换，读取方拿到一致快照
//
// 重要：上层会缓存 *AtomicBook 指针，Reset 必须原地清空，不能替换指针。
type AtomicBook struct {
	snap     atomic.Pointer[Snapshot]
	received atomic.Int64 // 本地接收时间（unix ms），用于判断新鲜度
}

// Reset 清空
func (b *AtomicBook) Reset() {
	if b == nil {
		return
	}
	b.snap.Store(nil)
	b.received.Store(0)
}

// Load 读取快照，没有数据时 ok=false
func (b *AtomicBook) Load() (Snapshot, bool) {
	if b == nil {
		return Snapshot{}, false
	}
	p := b.snap.Load()
	if p == nil {
		return Snapshot{}, false
	}
	return *p, true
}

// ReceivedAt 最近一次写入的本地时间
func (b *AtomicBook) ReceivedAt() time.Time {
	ms := b.received.Load()
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// IsFresh 最近 maxAge 内有写入
func (b *AtomicBook) IsFresh(now time.Time, maxAge time.Duration) bool {
	if b == nil {
		return false
	}
	t := b.ReceivedAt()
	if t.IsZero() {
		return false
	}
	return now.Sub(t) <= maxAge
}

// Update 写入新快照；交易所时间戳早于当前快照的乱序数据被丢弃
func (b *AtomicBook) Update(s Snapshot, receivedAt time.Time) bool {
	next := &s
	for {
		cur := b.snap.Load()
		if cur != nil && !s.Timestamp.IsZero() && s.Timestamp.Before(cur.Timestamp) {
			return false
		}
		if b.snap.CompareAndSwap(cur, next) {
			break
		}
	}
	b.received.Store(receivedAt.UnixMilli())
	return true
}

// UpdateTop 只更新最优价（bbo），保留已有深度
func (b *AtomicBook) UpdateTop(inst string, bid, ask exchange.Level, ts, receivedAt time.Time) bool {
	for {
		cur := b.snap.Load()
		if cur != nil && !ts.IsZero() && ts.Before(cur.Timestamp) {
			return false
		}
		next := Snapshot{Instrument: inst}
		if cur != nil {
			next = *cur
		}
		if bid.Px.IsPositive() {
			next.BestBid, next.BidSize = bid.Px, bid.Sz
		}
		if ask.Px.IsPositive() {
			next.BestAsk, next.AskSize = ask.Px, ask.Sz
		}
		next.Timestamp = ts
		next.Source = SourceStream
		if b.snap.CompareAndSwap(cur, &next) {
			break
		}
	}
	b.received.Store(receivedAt.UnixMilli())
	return true
}
