package config

import (
	"fmt"
	"time"
)

// Params 单个品种的策略参数（全局值 + 品种覆盖合并后的结果）
// 字段只使用值类型，按值复制即可得到独立副本
type Params struct {
	SizeNotionalUSD float64 `yaml:"size_notional_usd"`
	MaxPositionUSD  float64 `yaml:"max_position_usd"` // 超过后只挂减仓方向
	MinReplaceMs    int     `yaml:"min_replace_ms"`
	StaleAfterMs    int     `yaml:"stale_after_ms"`
	Mode            string  `yaml:"mode"` // both | bid | ask | auto

	Spread   SpreadParams   `yaml:"spread"`
	AutoTune AutoTuneParams `yaml:"autotune"`
	Flow     FlowParams     `yaml:"flow"`
	Bias     BiasParams     `yaml:"bias"`
	Risk     RiskParams     `yaml:"risk"`
	Sizing   SizingParams   `yaml:"sizing"`
}

// SpreadParams 价差门槛
type SpreadParams struct {
	StaticFloorBps float64 `yaml:"static_floor_bps"`
	Percentile     float64 `yaml:"percentile"`
	RecomputeSec   int     `yaml:"recompute_sec"`
	HysteresisBps  float64 `yaml:"hysteresis_bps"`
	GuardBufferBps float64 `yaml:"guard_buffer_bps"`
	HistorySize    int     `yaml:"history_size"`
	MinSamples     int     `yaml:"min_samples"`
	ImproveOneTick bool    `yaml:"improve_one_tick"`
	NoneMarginBps  float64 `yaml:"none_floor_margin_bps"`
}

// AutoTuneParams 自动调参
type AutoTuneParams struct {
	Enabled           bool    `yaml:"enabled"`
	WindowMinutes     int     `yaml:"window_minutes"`
	CooldownMinutes   int     `yaml:"cooldown_minutes"`
	MakerShareHigh    float64 `yaml:"maker_share_high"`
	TargetFillsPerMin float64 `yaml:"target_fills_per_min"`
	PercentileStep    float64 `yaml:"percentile_step"`
	BufferStepBps     float64 `yaml:"buffer_step_bps"`
	PercentileMin     float64 `yaml:"percentile_min"`
	PercentileMax     float64 `yaml:"percentile_max"`
	BufferMinBps      float64 `yaml:"buffer_min_bps"`
	BufferMaxBps      float64 `yaml:"buffer_max_bps"`
	HistoryMinutes    int     `yaml:"history_minutes"`
}

// FlowParams 选边
type FlowParams struct {
	FlipCooldownCycles int     `yaml:"flip_cooldown_cycles"`
	Margin             float64 `yaml:"margin"`
	HalfLifeSec        float64 `yaml:"half_life_sec"`
	ImbalanceRatio     float64 `yaml:"imbalance_ratio"`
	ShortSec           int     `yaml:"short_sec"`
	MediumSec          int     `yaml:"medium_sec"`
	LongSec            int     `yaml:"long_sec"`
	WeightMomentum     float64 `yaml:"weight_momentum"`
	WeightInventory    float64 `yaml:"weight_inventory"`
	WeightFlow         float64 `yaml:"weight_flow"`
	WeightBook         float64 `yaml:"weight_book"`
	TrendVolBps        float64 `yaml:"trend_vol_bps"`
	BookLevels         int     `yaml:"book_levels"`
	MinMakerShare      float64 `yaml:"min_maker_share"`
}

// BiasParams 方向性偏置（设置后覆盖自动选边）
type BiasParams struct {
	Enabled           bool    `yaml:"enabled"`
	TargetNotionalUSD float64 `yaml:"target_notional_usd"` // 带符号：正数做多目标，负数做空目标
	ToleranceUSD      float64 `yaml:"tolerance_usd"`
}

// RiskParams 水下计时/止盈
type RiskParams struct {
	PartialBps        float64 `yaml:"partial_bps"`
	WorkTimeSec       int     `yaml:"work_time_sec"`
	FullBps           float64 `yaml:"full_bps"`
	MaxDurationSec    int     `yaml:"max_duration_sec"`
	PartialFraction   float64 `yaml:"partial_fraction"`
	PauseAfterBailout int     `yaml:"pause_after_bailout_sec"`
	TakeProfitMinBps  float64 `yaml:"take_profit_min_bps"`
	TakeProfitMinUSD  float64 `yaml:"take_profit_min_usd"`
	AggressivePct     float64 `yaml:"aggressive_pct"`
	MaxErrors         int     `yaml:"max_errors"`
	SuspendSec        int     `yaml:"suspend_sec"`
}

// SizingParams 保证金约束下的下单量
type SizingParams struct {
	AllocationFraction float64 `yaml:"allocation_fraction"`
	MaxRestingOrders   int     `yaml:"max_resting_orders"`
	Leverage           float64 `yaml:"leverage"`
	UnknownCollateral  string  `yaml:"unknown_collateral"` // bypass | zero
}

// DefaultParams 硬编码默认值
func DefaultParams() Params {
	return Params{
		SizeNotionalUSD: 25,
		MaxPositionUSD:  400,
		MinReplaceMs:    500,
		StaleAfterMs:    10_000,
		Mode:            "auto",
		Spread: SpreadParams{
			StaticFloorBps: 5,
			Percentile:     60,
			RecomputeSec:   30,
			HysteresisBps:  0.5,
			GuardBufferBps: 1,
			HistorySize:    600,
			MinSamples:     20,
			ImproveOneTick: true,
			NoneMarginBps:  0.5,
		},
		AutoTune: AutoTuneParams{
			Enabled:           true,
			WindowMinutes:     5,
			CooldownMinutes:   10,
			MakerShareHigh:    0.8,
			TargetFillsPerMin: 1,
			PercentileStep:    5,
			BufferStepBps:     0.5,
			PercentileMin:     40,
			PercentileMax:     90,
			BufferMinBps:      0.5,
			BufferMaxBps:      5,
			HistoryMinutes:    60,
		},
		Flow: FlowParams{
			FlipCooldownCycles: 8,
			Margin:             0.10,
			HalfLifeSec:        300,
			ImbalanceRatio:     1.5,
			ShortSec:           15,
			MediumSec:          60,
			LongSec:            300,
			WeightMomentum:     1,
			WeightInventory:    1,
			WeightFlow:         0.5,
			WeightBook:         0.5,
			TrendVolBps:        3,
			BookLevels:         5,
			MinMakerShare:      0.3,
		},
		Bias: BiasParams{
			ToleranceUSD: 50,
		},
		Risk: RiskParams{
			PartialBps:        30,
			WorkTimeSec:       90,
			FullBps:           60,
			MaxDurationSec:    180,
			PartialFraction:   0.5,
			PauseAfterBailout: 60,
			TakeProfitMinBps:  30,
			TakeProfitMinUSD:  50,
			AggressivePct:     2,
			MaxErrors:         5,
			SuspendSec:        60,
		},
		Sizing: SizingParams{
			AllocationFraction: 0.5,
			MaxRestingOrders:   4,
			Leverage:           3,
			UnknownCollateral:  "bypass",
		},
	}
}

// Validate 校验参数
func (p Params) Validate() error {
	if p.SizeNotionalUSD <= 0 {
		return fmt.Errorf("size_notional_usd 必须大于 0")
	}
	switch p.Mode {
	case "both", "bid", "ask", "auto":
	default:
		return fmt.Errorf("未知的 mode: %s (支持 both, bid, ask, auto)", p.Mode)
	}
	if p.Spread.StaticFloorBps < 0 {
		return fmt.Errorf("spread.static_floor_bps 不能为负数")
	}
	if p.Spread.Percentile <= 0 || p.Spread.Percentile > 100 {
		return fmt.Errorf("spread.percentile 必须在 (0, 100] 之间")
	}
	if p.Spread.HistorySize <= 0 {
		return fmt.Errorf("spread.history_size 必须大于 0")
	}
	if p.AutoTune.PercentileMin > p.AutoTune.PercentileMax {
		return fmt.Errorf("autotune.percentile_min 不能大于 percentile_max")
	}
	if p.AutoTune.BufferMinBps > p.AutoTune.BufferMaxBps {
		return fmt.Errorf("autotune.buffer_min_bps 不能大于 buffer_max_bps")
	}
	if p.Flow.ShortSec <= 0 || p.Flow.ShortSec > p.Flow.MediumSec || p.Flow.MediumSec > p.Flow.LongSec {
		return fmt.Errorf("flow 时间窗必须满足 0 < short <= medium <= long")
	}
	if p.Risk.PartialBps > p.Risk.FullBps {
		return fmt.Errorf("risk.partial_bps 不能大于 full_bps")
	}
	if p.Risk.WorkTimeSec > p.Risk.MaxDurationSec {
		return fmt.Errorf("risk.work_time_sec 不能大于 max_duration_sec")
	}
	if p.Risk.PartialFraction <= 0 || p.Risk.PartialFraction > 1 {
		return fmt.Errorf("risk.partial_fraction 必须在 (0, 1] 之间")
	}
	if p.StaleAfterMs <= 0 || p.Flow.HalfLifeSec <= 0 {
		return fmt.Errorf("stale_after_ms 与 flow.half_life_sec 必须大于 0")
	}
	if p.AutoTune.HistoryMinutes < p.AutoTune.WindowMinutes {
		return fmt.Errorf("autotune.history_minutes 不能小于 window_minutes")
	}
	switch p.Sizing.UnknownCollateral {
	case "bypass", "zero":
	default:
		return fmt.Errorf("sizing.unknown_collateral 只支持 bypass 或 zero")
	}
	if p.Sizing.MaxRestingOrders <= 0 || p.Sizing.Leverage <= 0 {
		return fmt.Errorf("sizing.max_resting_orders 与 sizing.leverage 必须大于 0")
	}
	return nil
}

// StaleAfter 行情快照过期时间
func (p Params) StaleAfter() time.Duration {
	return time.Duration(p.StaleAfterMs) * time.Millisecond
}

// FlowHalfLife 成交流统计半衰期
func (p Params) FlowHalfLife() time.Duration {
	return time.Duration(p.Flow.HalfLifeSec * float64(time.Second))
}
