// Package marketstate 连接层与决策循环之间共享的行情/成交流缓存
//
// 写入方：推送通道（以及请求通道的兜底查询）
// 读取方：决策循环，只读内存，不等待网络
package marketstate

import (
	"sort"
	"sync"
	"time"

	"github.com/betbot/perpmm/internal/exchange"
)

// DefaultStaleAfter 快照过期时间
const DefaultStaleAfter = 10 * time.Second

// Store 按品种保存最新快照和衰减后的成交流统计
type Store struct {
	staleAfter time.Duration
	halfLife   time.Duration
	now        func() time.Time

	mu    sync.RWMutex
	books map[string]*AtomicBook
	flows map[string]*FlowStats
}

// NewStore 创建；staleAfter/halfLife <=0 时使用默认值
func NewStore(staleAfter, halfLife time.Duration) *Store {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	if halfLife <= 0 {
		halfLife = DefaultHalfLife
	}
	return &Store{
		staleAfter: staleAfter,
		halfLife:   halfLife,
		now:        time.Now,
		books:      make(map[string]*AtomicBook),
		flows:      make(map[string]*FlowStats),
	}
}

// SetClock 测试用
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

// StaleAfter 过期阈值
func (s *Store) StaleAfter() time.Duration {
	return s.staleAfter
}

func (s *Store) book(inst string) *AtomicBook {
	s.mu.RLock()
	b := s.books[inst]
	s.mu.RUnlock()
	if b != nil {
		return b
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if b = s.books[inst]; b == nil {
		b = &AtomicBook{}
		s.books[inst] = b
	}
	return b
}

// Put 写入完整快照（l2Book 或兜底查询）
func (s *Store) Put(snap Snapshot) bool {
	return s.book(snap.Instrument).Update(snap, s.now())
}

// PutTop 写入最优价（bbo）
func (s *Store) PutTop(inst string, bid, ask exchange.Level, ts time.Time) bool {
	return s.book(inst).UpdateTop(inst, bid, ask, ts, s.now())
}

// Get 返回快照；fresh 表示在过期阈值内
func (s *Store) Get(inst string) (snap Snapshot, fresh bool, ok bool) {
	s.mu.RLock()
	b := s.books[inst]
	s.mu.RUnlock()
	snap, ok = b.Load()
	if !ok {
		return Snapshot{}, false, false
	}
	return snap, b.IsFresh(s.now(), s.staleAfter), true
}

// Reset 清空某个品种（断线后不再信任旧数据时使用）
func (s *Store) Reset(inst string) {
	s.mu.RLock()
	b := s.books[inst]
	s.mu.RUnlock()
	b.Reset()
}

// Instruments 已有快照的品种（排序）
func (s *Store) Instruments() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.books))
	for k := range s.books {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// RecordFill 更新成交流统计
func (s *Store) RecordFill(f exchange.Fill) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fs := s.flows[f.Instrument]
	if fs == nil {
		fs = &FlowStats{}
		s.flows[f.Instrument] = fs
	}
	at := f.Time
	if at.IsZero() {
		at = s.now()
	}
	fs.record(f, at, s.halfLife)
}

// Flow 返回衰减到当前时刻的成交流统计（副本）
func (s *Store) Flow(inst string) FlowStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fs := s.flows[inst]
	if fs == nil {
		return FlowStats{}
	}
	return fs.decayedTo(s.now(), s.halfLife)
}
