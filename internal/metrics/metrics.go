package metrics

import (
	"expvar"

	"github.com/prometheus/client_golang/prometheus"
)

// expvar 计数（/debug/vars）
var (
	Cycles          = expvar.NewInt("cycles")
	StreamReconnect = expvar.NewInt("stream_reconnects")
	SinkErrors      = expvar.NewInt("sink_errors")
)

// Prometheus 指标（/metrics）
var (
	CyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mm_cycles_total",
			Help: "Decision cycles per bot",
		},
		[]string{"bot"},
	)

	OutcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mm_instrument_outcomes_total",
			Help: "Per-instrument cycle outcomes split by kind and reason",
		},
		[]string{"instrument", "kind", "reason"},
	)

	OrdersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mm_orders_total",
			Help: "Orders sent split by side, time in force and result",
		},
		[]string{"instrument", "side", "tif", "result"},
	)

	RateLimitedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mm_rate_limited_total",
			Help: "Token bucket refusals per bucket and operation",
		},
		[]string{"bucket", "op"},
	)

	StreamState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "mm_stream_state",
			Help: "Streaming connection state (0 disconnected, 1 connecting, 2 subscribed, 3 degraded)",
		},
	)

	StreamReconnects = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mm_stream_reconnects_total",
			Help: "Streaming reconnect attempts",
		},
	)

	RequestLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mm_request_latency_seconds",
			Help:    "Request/response channel latency per operation",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"op"},
	)

	RealizedPnL = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mm_realized_pnl_usd",
			Help: "Realized PnL per instrument",
		},
		[]string{"instrument"},
	)

	Position = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mm_position",
			Help: "Signed position per instrument",
		},
		[]string{"instrument"},
	)

	EffectiveFloor = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mm_effective_floor_bps",
			Help: "Effective minimum spread per instrument",
		},
		[]string{"instrument"},
	)

	Bailouts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mm_bailouts_total",
			Help: "Underwater reductions split by kind (partial, full)",
		},
		[]string{"instrument", "kind"},
	)
)

func init() {
	prometheus.MustRegister(
		CyclesTotal,
		OutcomesTotal,
		OrdersTotal,
		RateLimitedTotal,
		StreamState,
		StreamReconnects,
		RequestLatency,
		RealizedPnL,
		Position,
		EffectiveFloor,
		Bailouts,
	)
}
