package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
config_version: "2.1.0"
network: testnet
dry_run: true
rate_limit:
  rest_per_minute: 600
bots:
  - name: majors
    coins: [btc, " eth "]
    loop_ms: 200
  - coins: [SOL]
stagger_sec: 0
strategy:
  size_notional_usd: 40
  spread:
    static_floor_bps: 4
  stale_after_ms: 3000
  risk:
    full_bps: 80
  flow:
    half_life_sec: 90
  autotune:
    history_minutes: 120
overrides:
  eth:
    spread:
      static_floor_bps: 7
    mode: bid
`

func TestParse_LayeredResolution(t *testing.T) {
	c, err := Parse([]byte(sampleYAML))
	require.NoError(t, err)
	require.NoError(t, c.Validate())

	assert.Equal(t, "2.1.0", c.ConfigVersion)
	assert.Equal(t, "https://api.hyperliquid-testnet.xyz", c.APIURL)
	assert.Equal(t, 600.0, c.RestPerMinute)
	assert.Equal(t, 2000.0, c.StreamPerMinute, "未配置使用默认值")
	assert.Equal(t, time.Duration(0), c.Stagger, "显式配置 0 不错开启动")
	require.Len(t, c.Bots, 2)
	assert.Equal(t, []string{"BTC", "ETH"}, c.Bots[0].Coins)
	assert.Equal(t, 200*time.Millisecond, c.Bots[0].Loop)
	assert.Equal(t, "bot-2", c.Bots[1].Name)
	assert.Equal(t, 250*time.Millisecond, c.Bots[1].Loop)

	btc := c.Resolver.For("BTC")
	eth := c.Resolver.For("ETH")

	// 全局覆盖默认值
	assert.Equal(t, 40.0, btc.SizeNotionalUSD)
	assert.Equal(t, 4.0, btc.Spread.StaticFloorBps)
	assert.Equal(t, 80.0, btc.Risk.FullBps)
	// 全局未设置的键保留默认值
	assert.Equal(t, 60.0, btc.Spread.Percentile)
	assert.Equal(t, 30.0, btc.Risk.PartialBps)
	assert.Equal(t, "auto", btc.Mode)
	assert.Equal(t, 3*time.Second, btc.StaleAfter())
	assert.Equal(t, 90*time.Second, btc.FlowHalfLife())
	assert.Equal(t, 120, btc.AutoTune.HistoryMinutes)

	// 品种覆盖 > 全局 > 默认
	assert.Equal(t, 7.0, eth.Spread.StaticFloorBps)
	assert.Equal(t, "bid", eth.Mode)
	assert.Equal(t, 40.0, eth.SizeNotionalUSD, "覆盖未设置的键继承全局")
	assert.Equal(t, 80.0, eth.Risk.FullBps)
	assert.Equal(t, 60.0, eth.Spread.Percentile)

	assert.Equal(t, []string{"ETH"}, c.Resolver.Overridden())
}

func TestParse_InvalidOverride(t *testing.T) {
	_, err := Parse([]byte(`
bots: [{coins: [BTC]}]
overrides:
  BTC:
    mode: sideways
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "BTC")
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{"无 bot", "dry_run: true", "至少需要配置一个 bot"},
		{"缺私钥", "bots: [{coins: [BTC]}]", "PERPMM_PRIVATE_KEY"},
		{"品种重复", "dry_run: true\nbots: [{name: a, coins: [BTC]}, {name: b, coins: [btc]}]", "同时出现"},
		{"loop 过小", "dry_run: true\nbots: [{coins: [BTC], loop_ms: 10}]", "loop_ms"},
	}
	t.Setenv("PERPMM_PRIVATE_KEY", "")
	t.Setenv("PERPMM_COINS", "")
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			cfg, err := Parse([]byte(c.yaml))
			require.NoError(t, err)
			err = cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), c.want)
		})
	}
}

func TestLoadFromFile_EnvFallback(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bot.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log_level: debug\n"), 0o644))

	t.Setenv("PERPMM_COINS", "btc,eth")
	t.Setenv("PERPMM_PRIVATE_KEY", "0xabc")
	t.Setenv("PERPMM_LOG_LEVEL", "warn")

	c, err := LoadFromFile(path)
	require.NoError(t, err)
	require.NoError(t, c.Validate())
	assert.Equal(t, "debug", c.LogLevel, "配置文件优先于环境变量")
	assert.Equal(t, "0xabc", c.PrivateKey)
	assert.Equal(t, []string{"BTC", "ETH"}, c.AllCoins())
	assert.Equal(t, DefaultConfigVersion, c.ConfigVersion)
	assert.Equal(t, 5*time.Second, c.Stagger)

	_, err = LoadFromFile(filepath.Join(dir, "bot.toml"))
	require.Error(t, err)
}

func TestDefaultParamsValid(t *testing.T) {
	require.NoError(t, DefaultParams().Validate())
}

func TestParamsValidate_StateWindows(t *testing.T) {
	p := DefaultParams()
	assert.Equal(t, 10*time.Second, p.StaleAfter())
	assert.Equal(t, 5*time.Minute, p.FlowHalfLife())

	p.StaleAfterMs = 0
	assert.Error(t, p.Validate())

	p = DefaultParams()
	p.AutoTune.HistoryMinutes = p.AutoTune.WindowMinutes - 1
	assert.Error(t, p.Validate())
}
