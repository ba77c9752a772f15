// Package controlplane 只读状态接口：健康检查、各 bot 决策状态与单品种详情。
package controlplane

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/betbot/perpmm/internal/engine"
	"github.com/betbot/perpmm/internal/infrastructure/websocket"
	"github.com/betbot/perpmm/internal/ledger"
	"github.com/betbot/perpmm/internal/marketstate"
	"github.com/betbot/perpmm/pkg/logger"
)

// StatusSource 由 engine.Bot 实现
type StatusSource interface {
	Name() string
	Status() engine.BotStatus
}

// StreamInfo 由 websocket.Stream 实现
type StreamInfo interface {
	State() websocket.State
	Failures() int
	Connects() int
	LastMessageAt() time.Time
}

type Config struct {
	Version string
	Stream  StreamInfo
	Store   *marketstate.Store
	Ledger  *ledger.Ledger
	Bots    []StatusSource
}

type Server struct {
	cfg     Config
	started time.Time
	now     func() time.Time
}

func New(cfg Config) *Server {
	return &Server{cfg: cfg, started: time.Now(), now: time.Now}
}

func (s *Server) Router() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", s.handleHealth)

	api := r.Group("/api")
	api.GET("/status", s.handleStatus)
	api.GET("/instruments/:coin", s.handleInstrument)
	return r
}

// StartAsync 非阻塞启动，ctx.Done() 时关闭
func (s *Server) StartAsync(ctx context.Context, listenAddr string) (*http.Server, error) {
	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return nil, err
	}
	hs := &http.Server{
		Addr:              listenAddr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := hs.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Component("controlplane").Errorf("状态服务退出: %v", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = hs.Shutdown(shutdownCtx)
	}()
	return hs, nil
}

type streamStatus struct {
	State         string     `json:"state"`
	Failures      int        `json:"failures"`
	Connects      int        `json:"connects"`
	LastMessageAt *time.Time `json:"last_message_at,omitempty"`
}

type statusResponse struct {
	Version string             `json:"version"`
	Uptime  string             `json:"uptime"`
	Stream  *streamStatus      `json:"stream,omitempty"`
	Bots    []engine.BotStatus `json:"bots"`
}

type bookView struct {
	BestBid   string    `json:"best_bid"`
	BestAsk   string    `json:"best_ask"`
	Mid       string    `json:"mid"`
	Source    string    `json:"source"`
	Fresh     bool      `json:"fresh"`
	Timestamp time.Time `json:"ts"`
}

type ledgerView struct {
	Position   string `json:"position"`
	AvgEntry   string `json:"avg_entry"`
	Realized   string `json:"realized"`
	Unrealized string `json:"unrealized,omitempty"`
	Fees       string `json:"fees"`
	Fills      int    `json:"fills"`
}

type flowView struct {
	MakerShare float64 `json:"maker_share"`
	Imbalance  float64 `json:"imbalance,omitempty"`
	Dominant   string  `json:"dominant,omitempty"`
}

type instrumentResponse struct {
	Instrument string                   `json:"instrument"`
	Bot        string                   `json:"bot,omitempty"`
	Book       *bookView                `json:"book,omitempty"`
	Ledger     ledgerView               `json:"ledger"`
	Flow       flowView                 `json:"flow"`
	Decision   *engine.InstrumentStatus `json:"decision,omitempty"`
}

func (s *Server) handleHealth(c *gin.Context) {
	if s.cfg.Stream != nil && s.cfg.Stream.State() == websocket.Disconnected && s.now().Sub(s.started) > time.Minute {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "stream": s.cfg.Stream.State().String()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleStatus(c *gin.Context) {
	out := statusResponse{
		Version: s.cfg.Version,
		Uptime:  s.now().Sub(s.started).Truncate(time.Second).String(),
		Bots:    make([]engine.BotStatus, 0, len(s.cfg.Bots)),
	}
	if st := s.cfg.Stream; st != nil {
		out.Stream = &streamStatus{
			State:    st.State().String(),
			Failures: st.Failures(),
			Connects: st.Connects(),
		}
		if at := st.LastMessageAt(); !at.IsZero() {
			out.Stream.LastMessageAt = &at
		}
	}
	for _, b := range s.cfg.Bots {
		out.Bots = append(out.Bots, b.Status())
	}
	sort.Slice(out.Bots, func(i, j int) bool { return out.Bots[i].Name < out.Bots[j].Name })
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleInstrument(c *gin.Context) {
	coin := strings.ToUpper(strings.TrimSpace(c.Param("coin")))
	if coin == "" {
		writeError(c, http.StatusBadRequest, "coin is required")
		return
	}

	out := instrumentResponse{Instrument: coin}
	known := false
	for _, b := range s.cfg.Bots {
		if is, ok := b.Status().Instrument(coin); ok {
			out.Bot = b.Name()
			out.Decision = &is
			known = true
			break
		}
	}

	if s.cfg.Store != nil {
		if snap, fresh, ok := s.cfg.Store.Get(coin); ok {
			known = true
			out.Book = &bookView{
				BestBid:   snap.BestBid.String(),
				BestAsk:   snap.BestAsk.String(),
				Mid:       snap.Mid().String(),
				Source:    string(snap.Source),
				Fresh:     fresh,
				Timestamp: snap.Timestamp,
			}
			fs := s.cfg.Store.Flow(coin)
			out.Flow.MakerShare = fs.MakerShare()
			if ratio, dom, ok := fs.Imbalance(); ok {
				out.Flow.Imbalance = ratio
				out.Flow.Dominant = string(dom)
			}
		}
	}

	if s.cfg.Ledger != nil {
		st := s.cfg.Ledger.State(coin)
		if st.Fills > 0 || !st.Flat() {
			known = true
		}
		out.Ledger = ledgerView{
			Position: st.Position.String(),
			AvgEntry: st.AvgEntry.String(),
			Realized: st.Realized.String(),
			Fees:     st.Fees.String(),
			Fills:    st.Fills,
		}
		if out.Book != nil && !st.Flat() {
			snap, _, _ := s.cfg.Store.Get(coin)
			out.Ledger.Unrealized = ledger.Unrealized(st, snap.Mid()).StringFixed(4)
		}
	}

	if !known {
		writeError(c, http.StatusNotFound, "instrument not found")
		return
	}
	c.JSON(http.StatusOK, out)
}

func writeError(c *gin.Context, status int, msg string) {
	c.JSON(status, gin.H{"error": msg})
}
