package spread

import (
	"math"
	"sync"
	"time"

	"github.com/betbot/perpmm/pkg/config"
)

// Decision 价差门槛判断结果
type Decision struct {
	LiveBps        float64
	StaticFloor    float64
	DynamicFloor   float64
	EffectiveFloor float64
	Pass           bool
}

// Gate 单品种价差门槛：样本历史 + 动态下限
type Gate struct {
	params  config.SpreadParams
	history *History
	floor   *Floor
}

// NewGate 创建
func NewGate(p config.SpreadParams) *Gate {
	return &Gate{
		params:  p,
		history: NewHistory(p.HistorySize),
		floor:   NewFloor(p),
	}
}

// Floor 动态下限
func (g *Gate) Floor() *Floor {
	return g.floor
}

// History 样本历史
func (g *Gate) History() *History {
	return g.history
}

// Evaluate 记录样本、按节奏重算下限，并判断当前价差是否足够
func (g *Gate) Evaluate(liveBps float64, now time.Time) Decision {
	if liveBps > 0 {
		g.history.Add(liveBps)
	}
	g.floor.Recompute(g.history, now)

	dyn := g.floor.Value()
	eff := math.Max(g.params.StaticFloorBps, dyn)
	return Decision{
		LiveBps:        liveBps,
		StaticFloor:    g.params.StaticFloorBps,
		DynamicFloor:   dyn,
		EffectiveFloor: eff,
		Pass:           liveBps > 0 && liveBps >= eff,
	}
}

// Gates 多品种门槛，按需创建
type Gates struct {
	resolver *config.Resolver

	mu    sync.Mutex
	gates map[string]*Gate
}

// NewGates 创建
func NewGates(r *config.Resolver) *Gates {
	return &Gates{resolver: r, gates: make(map[string]*Gate)}
}

// For 返回品种的门槛
func (g *Gates) For(inst string) *Gate {
	g.mu.Lock()
	defer g.mu.Unlock()
	gate := g.gates[inst]
	if gate == nil {
		gate = NewGate(g.resolver.For(inst).Spread)
		g.gates[inst] = gate
	}
	return gate
}

// Evaluate 见 Gate.Evaluate
func (g *Gates) Evaluate(inst string, liveBps float64, now time.Time) Decision {
	return g.For(inst).Evaluate(liveBps, now)
}
