// Package websocket 交易所推送通道：订阅盘口/最优价/用户成交/订单更新，断线按退避重连
package websocket

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/betbot/perpmm/internal/exchange"
	"github.com/betbot/perpmm/internal/marketstate"
	"github.com/betbot/perpmm/internal/metrics"
	"github.com/betbot/perpmm/pkg/logger"
	"github.com/betbot/perpmm/pkg/ratelimit"
	"github.com/betbot/perpmm/pkg/sigchan"
	"github.com/betbot/perpmm/pkg/syncgroup"
)

// Config 推送通道配置
type Config struct {
	URL           string
	Coins         []string
	User          string // 为空时不订阅 userFills/orderUpdates
	ProxyURL      string
	PingInterval  time.Duration
	ReadTimeout   time.Duration
	DegradedAfter time.Duration
	ReconnectBase time.Duration
	ReconnectMax  time.Duration
}

func (c *Config) applyDefaults() {
	if c.PingInterval <= 0 {
		c.PingInterval = DefaultPingInterval
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = DefaultReadTimeout
	}
	if c.DegradedAfter <= 0 || c.DegradedAfter > c.ReadTimeout {
		c.DegradedAfter = c.ReadTimeout / 2
	}
	if c.ReconnectBase <= 0 {
		c.ReconnectBase = DefaultBackoffBase
	}
	if c.ReconnectMax <= 0 {
		c.ReconnectMax = DefaultBackoffMax
	}
}

// FillHandler 用户成交回调（在读 goroutine 中调用，不要阻塞）
type FillHandler func(exchange.Fill)

// OrderHandler 订单更新回调
type OrderHandler func(exchange.OrderUpdate)

// StateHandler 状态变化回调
type StateHandler func(from, to State)

// Stream 单条推送连接，由监督 goroutine 负责连接、订阅和重连
type Stream struct {
	cfg     Config
	store   *marketstate.Store
	limiter *ratelimit.Dual
	log     *logrus.Entry

	state    atomic.Int32
	failures atomic.Int64 // 连续失败次数，收到第一帧数据后清零

	connMu sync.Mutex
	conn   *websocket.Conn
	// gorilla/websocket 只允许一个并发写
	writeMu sync.Mutex

	reconnectC *sigchan.Chan
	cancel     context.CancelFunc
	closeOnce  sync.Once

	sg     *syncgroup.SyncGroup // 监督 goroutine
	connSg *syncgroup.SyncGroup // 单条连接上的 read/ping/health

	lastMessageAt atomic.Int64 // unix ms
	connects      atomic.Int64

	handlersMu    sync.RWMutex
	fillHandlers  []FillHandler
	orderHandlers []OrderHandler
	stateHandlers []StateHandler
}

// NewStream 创建推送通道；limiter 为 nil 时出站控制消息不限流
func NewStream(cfg Config, store *marketstate.Store, limiter *ratelimit.Dual) *Stream {
	cfg.applyDefaults()
	return &Stream{
		cfg:        cfg,
		store:      store,
		limiter:    limiter,
		log:        logger.Component("stream"),
		reconnectC: sigchan.New(1),
		sg:         syncgroup.NewSyncGroup(),
		connSg:     syncgroup.NewSyncGroup(),
	}
}

// OnFill 注册成交回调
func (s *Stream) OnFill(h FillHandler) {
	if h == nil {
		return
	}
	s.handlersMu.Lock()
	s.fillHandlers = append(s.fillHandlers, h)
	s.handlersMu.Unlock()
}

// OnOrderUpdate 注册订单更新回调
func (s *Stream) OnOrderUpdate(h OrderHandler) {
	if h == nil {
		return
	}
	s.handlersMu.Lock()
	s.orderHandlers = append(s.orderHandlers, h)
	s.handlersMu.Unlock()
}

// OnStateChange 注册状态变化回调
func (s *Stream) OnStateChange(h StateHandler) {
	if h == nil {
		return
	}
	s.handlersMu.Lock()
	s.stateHandlers = append(s.stateHandlers, h)
	s.handlersMu.Unlock()
}

// State 当前状态
func (s *Stream) State() State {
	return State(s.state.Load())
}

// Failures 当前连续失败次数
func (s *Stream) Failures() int {
	return int(s.failures.Load())
}

// Connects 累计成功建立连接的次数
func (s *Stream) Connects() int {
	return int(s.connects.Load())
}

// LastMessageAt 最近一次收到消息的时间
func (s *Stream) LastMessageAt() time.Time {
	ms := s.lastMessageAt.Load()
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func (s *Stream) setState(to State) {
	from := State(s.state.Swap(int32(to)))
	if from == to {
		return
	}
	metrics.StreamState.Set(float64(to))
	s.log.Infof("连接状态 %s -> %s", from, to)

	s.handlersMu.RLock()
	hs := s.stateHandlers
	s.handlersMu.RUnlock()
	for _, h := range hs {
		h(from, to)
	}
}

// compareAndSetState 只在当前状态为 from 时切换
func (s *Stream) compareAndSetState(from, to State) {
	if s.state.CompareAndSwap(int32(from), int32(to)) {
		metrics.StreamState.Set(float64(to))
		s.log.Infof("连接状态 %s -> %s", from, to)
		s.handlersMu.RLock()
		hs := s.stateHandlers
		s.handlersMu.RUnlock()
		for _, h := range hs {
			h(from, to)
		}
	}
}

// Start 启动监督 goroutine（非阻塞）
func (s *Stream) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.sg.Add("stream-supervisor", func() {
		s.supervise(ctx)
	})
	s.sg.Run()
}

// Reconnect 触发一次重连
func (s *Stream) Reconnect() {
	s.reconnectC.Emit()
}

// Close 停止重连，发送关闭帧并等待所有 goroutine 退出
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.sg.Wait()
		s.setState(Disconnected)
	})
	return nil
}

func (s *Stream) supervise(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		s.setState(Connecting)
		s.reconnectC.Drain()

		err := s.connect(ctx)
		if err == nil {
			select {
			case <-ctx.Done():
			case <-s.reconnectC.C():
			}
			s.teardown()
			if ctx.Err() != nil {
				return
			}
		} else if ctx.Err() == nil {
			s.log.Warnf("连接失败: %v", err)
		}

		s.setState(Disconnected)
		if ctx.Err() != nil {
			return
		}
		n := s.failures.Add(1)
		metrics.StreamReconnects.Inc()
		metrics.StreamReconnect.Add(1)

		wait := Backoff(int(n), s.cfg.ReconnectBase, s.cfg.ReconnectMax)
		s.log.Warnf("%s 后重连（连续失败 %d 次）", wait, n)
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

// connect 拨号、订阅全部频道并启动连接级 goroutine
func (s *Stream) connect(ctx context.Context) error {
	dialer := websocket.Dialer{
		HandshakeTimeout: 30 * time.Second,
		Proxy:            proxyFunc(s.cfg.ProxyURL),
	}
	conn, _, err := dialer.DialContext(ctx, s.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("拨号失败: %w", err)
	}

	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()

	connCtx, connCancel := context.WithCancel(ctx)
	s.lastMessageAt.Store(time.Now().UnixMilli())

	// 服务端不会保留订阅，每次连接都从头订阅
	if err := s.subscribeAll(connCtx); err != nil {
		connCancel()
		s.closeConn()
		return err
	}
	s.connects.Add(1)
	s.setState(Subscribed)

	s.connSg.Add("stream-read", func() {
		defer connCancel()
		s.read(connCtx, conn)
	})
	s.connSg.Add("stream-ping", func() {
		s.ping(connCtx)
	})
	s.connSg.Add("stream-health", func() {
		s.health(connCtx)
	})
	s.connSg.Run()
	return nil
}

// teardown 关闭当前连接并等待连接级 goroutine 退出
func (s *Stream) teardown() {
	s.closeConn()
	s.connSg.Wait()
}

func (s *Stream) closeConn() {
	s.connMu.Lock()
	conn := s.conn
	s.conn = nil
	s.connMu.Unlock()
	if conn == nil {
		return
	}
	s.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	s.writeMu.Unlock()
	_ = conn.Close()
}

// writeControl 发送一条出站控制消息，先从推送桶取令牌
func (s *Stream) writeControl(ctx context.Context, kind string, v any) error {
	if s.limiter != nil && !s.limiter.AcquireStream(ctx, controlMaxWait) {
		metrics.RateLimitedTotal.WithLabelValues("stream", kind).Inc()
		return fmt.Errorf("%s: %w", kind, exchange.ErrRateLimited)
	}
	s.connMu.Lock()
	conn := s.conn
	s.connMu.Unlock()
	if conn == nil {
		return errors.New("连接未建立")
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(v)
}

func (s *Stream) subscribeAll(ctx context.Context) error {
	subs := make([]subscription, 0, len(s.cfg.Coins)*2+2)
	for _, coin := range s.cfg.Coins {
		subs = append(subs,
			subscription{Type: "l2Book", Coin: coin},
			subscription{Type: "bbo", Coin: coin},
		)
	}
	if s.cfg.User != "" {
		subs = append(subs,
			subscription{Type: "userFills", User: s.cfg.User},
			subscription{Type: "orderUpdates", User: s.cfg.User},
		)
	}
	for _, sub := range subs {
		if err := s.writeControl(ctx, "subscribe", subscribeRequest{Method: "subscribe", Subscription: sub}); err != nil {
			return fmt.Errorf("订阅 %s %s%s 失败: %w", sub.Type, sub.Coin, sub.User, err)
		}
	}
	s.log.Infof("已订阅 %d 个频道（%d 个品种）", len(subs), len(s.cfg.Coins))
	return nil
}

func (s *Stream) read(ctx context.Context, conn *websocket.Conn) {
	for {
		if ctx.Err() != nil {
			return
		}
		// 超过 ReadTimeout 没有任何帧（包括 pong）视为心跳超时
		if err := conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout)); err != nil {
			s.Reconnect()
			return
		}
		_, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Warnf("服务端关闭连接: %v", err)
			} else {
				s.log.Warnf("读取失败: %v，触发重连", err)
			}
			s.Reconnect()
			return
		}
		s.lastMessageAt.Store(time.Now().UnixMilli())
		s.handleMessage(message)
	}
}

func (s *Stream) ping(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := s.writeControl(ctx, "ping", pingRequest{Method: "ping"})
			if errors.Is(err, exchange.ErrRateLimited) {
				// 令牌不足时跳过这次心跳
				continue
			}
			if err != nil {
				if ctx.Err() == nil {
					s.log.Warnf("发送 ping 失败: %v，触发重连", err)
					s.Reconnect()
				}
				return
			}
		}
	}
}

// health 数据超时先降级，超过读超时则重连
func (s *Stream) health(ctx context.Context) {
	step := s.cfg.DegradedAfter / 4
	if step < 10*time.Millisecond {
		step = 10 * time.Millisecond
	}
	ticker := time.NewTicker(step)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			idle := time.Since(s.LastMessageAt())
			switch {
			case idle > s.cfg.ReadTimeout:
				s.log.Warnf("%s 未收到任何消息，触发重连", idle.Truncate(time.Millisecond))
				s.Reconnect()
				return
			case idle > s.cfg.DegradedAfter:
				s.compareAndSetState(Subscribed, Degraded)
			}
		}
	}
}
