package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigVersion 未配置版本号时使用
const DefaultConfigVersion = "1.0.0"

// ConfigFile 配置文件结构（YAML，JSON 作为 YAML 子集同样可读）
type ConfigFile struct {
	ConfigVersion  string `yaml:"config_version"`
	Network        string `yaml:"network"` // mainnet | testnet
	APIURL         string `yaml:"api_url"`
	WSURL          string `yaml:"ws_url"`
	AccountAddress string `yaml:"account_address"`
	PrivateKey     string `yaml:"private_key"`
	DryRun         bool   `yaml:"dry_run"`

	LogLevel string `yaml:"log_level"`
	LogFile  string `yaml:"log_file"`

	MetricsAddr string `yaml:"metrics_addr"`
	StatusAddr  string `yaml:"status_addr"`
	DBPath      string `yaml:"db_path"`
	VersionDir  string `yaml:"version_dir"`

	RateLimit struct {
		RestPerMinute   float64 `yaml:"rest_per_minute"`
		StreamPerMinute float64 `yaml:"stream_per_minute"`
		MaxWaitMs       int     `yaml:"max_wait_ms"`
	} `yaml:"rate_limit"`

	Stream struct {
		PingIntervalSec  int `yaml:"ping_interval_sec"`
		ReadTimeoutSec   int `yaml:"read_timeout_sec"`
		ReconnectBaseMs  int `yaml:"reconnect_base_ms"`
		ReconnectMaxMs   int `yaml:"reconnect_max_ms"`
		DegradedAfterSec int `yaml:"degraded_after_sec"`
	} `yaml:"stream"`

	Portfolio struct {
		StopLossPct float64 `yaml:"stop_loss_pct"`
		PausePct    float64 `yaml:"pause_pct"`
	} `yaml:"portfolio"`

	Bots []struct {
		Name   string   `yaml:"name"`
		Coins  []string `yaml:"coins"`
		LoopMs int      `yaml:"loop_ms"`
	} `yaml:"bots"`
	StaggerSec            *int `yaml:"stagger_sec"`
	PositionRefreshCycles int  `yaml:"position_refresh_cycles"`

	Strategy  yaml.Node            `yaml:"strategy"`
	Overrides map[string]yaml.Node `yaml:"overrides"`
}

// StreamConfig 流式连接参数
type StreamConfig struct {
	PingInterval  time.Duration
	ReadTimeout   time.Duration
	ReconnectBase time.Duration
	ReconnectMax  time.Duration
	DegradedAfter time.Duration
}

// BotConfig 一个做市实例
type BotConfig struct {
	Name  string
	Coins []string
	Loop  time.Duration
}

// Config 运行配置
type Config struct {
	ConfigVersion  string
	Network        string
	APIURL         string
	WSURL          string
	AccountAddress string
	PrivateKey     string
	DryRun         bool

	LogLevel string
	LogFile  string

	MetricsAddr string
	StatusAddr  string
	DBPath      string
	VersionDir  string

	RestPerMinute   float64
	StreamPerMinute float64
	MaxWait         time.Duration

	Stream StreamConfig

	PortfolioStopLossPct float64
	PortfolioPausePct    float64

	Bots                  []BotConfig
	Stagger               time.Duration
	PositionRefreshCycles int

	Resolver *Resolver
}

var networkURLs = map[string][2]string{
	"mainnet": {"https://api.hyperliquid.xyz", "wss://api.hyperliquid.xyz/ws"},
	"testnet": {"https://api.hyperliquid-testnet.xyz", "wss://api.hyperliquid-testnet.xyz/ws"},
}

// LoadFromFile 加载配置（优先级：配置文件 > 环境变量 > 默认值；私钥只从环境变量或文件读取）
func LoadFromFile(filePath string) (*Config, error) {
	cf := &ConfigFile{}
	if filePath != "" {
		var err error
		cf, err = loadConfigFile(filePath)
		if err != nil {
			return nil, fmt.Errorf("加载配置文件失败 %s: %w", filePath, err)
		}
	}
	return build(cf)
}

// Parse 从内存中的 YAML 构建配置
func Parse(data []byte) (*Config, error) {
	var cf ConfigFile
	if err := yaml.Unmarshal(data, &cf); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}
	return build(&cf)
}

func loadConfigFile(filePath string) (*ConfigFile, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}
	switch ext := strings.ToLower(filepath.Ext(filePath)); ext {
	case ".yaml", ".yml", ".json":
	default:
		return nil, fmt.Errorf("不支持的配置文件格式: %s (支持 .yaml, .yml, .json)", ext)
	}
	var cf ConfigFile
	if err := yaml.Unmarshal(data, &cf); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}
	return &cf, nil
}

func build(cf *ConfigFile) (*Config, error) {
	network := firstNonEmpty(cf.Network, os.Getenv("PERPMM_NETWORK"), "mainnet")
	urls, ok := networkURLs[network]
	if !ok {
		return nil, fmt.Errorf("未知的 network: %s", network)
	}

	c := &Config{
		ConfigVersion:  firstNonEmpty(cf.ConfigVersion, os.Getenv("PERPMM_CONFIG_VERSION"), DefaultConfigVersion),
		Network:        network,
		APIURL:         firstNonEmpty(cf.APIURL, os.Getenv("PERPMM_API_URL"), urls[0]),
		WSURL:          firstNonEmpty(cf.WSURL, os.Getenv("PERPMM_WS_URL"), urls[1]),
		AccountAddress: firstNonEmpty(cf.AccountAddress, os.Getenv("PERPMM_ACCOUNT_ADDRESS")),
		PrivateKey:     firstNonEmpty(cf.PrivateKey, os.Getenv("PERPMM_PRIVATE_KEY")),
		DryRun:         cf.DryRun || parseBoolEnv("PERPMM_DRY_RUN"),

		LogLevel: firstNonEmpty(cf.LogLevel, os.Getenv("PERPMM_LOG_LEVEL"), "info"),
		LogFile:  firstNonEmpty(cf.LogFile, os.Getenv("PERPMM_LOG_FILE"), "logs/bot.log"),

		MetricsAddr: firstNonEmpty(cf.MetricsAddr, os.Getenv("PERPMM_METRICS_ADDR")),
		StatusAddr:  firstNonEmpty(cf.StatusAddr, os.Getenv("PERPMM_STATUS_ADDR")),
		DBPath:      firstNonEmpty(cf.DBPath, os.Getenv("PERPMM_DB_PATH"), "data/perpmm.db"),
		VersionDir:  firstNonEmpty(cf.VersionDir, os.Getenv("PERPMM_VERSION_DIR"), "data/version"),

		RestPerMinute:   firstPositive(cf.RateLimit.RestPerMinute, parseFloatEnv("PERPMM_REST_PER_MINUTE"), 1200),
		StreamPerMinute: firstPositive(cf.RateLimit.StreamPerMinute, parseFloatEnv("PERPMM_STREAM_PER_MINUTE"), 2000),
		MaxWait:         ms(cf.RateLimit.MaxWaitMs, 50),

		Stream: StreamConfig{
			PingInterval:  sec(cf.Stream.PingIntervalSec, 30),
			ReadTimeout:   sec(cf.Stream.ReadTimeoutSec, 30),
			ReconnectBase: ms(cf.Stream.ReconnectBaseMs, 1000),
			ReconnectMax:  ms(cf.Stream.ReconnectMaxMs, 30_000),
			DegradedAfter: sec(cf.Stream.DegradedAfterSec, 10),
		},

		PortfolioStopLossPct: firstPositive(cf.Portfolio.StopLossPct, 5),
		PortfolioPausePct:    firstPositive(cf.Portfolio.PausePct, 2),

		Stagger:               5 * time.Second,
		PositionRefreshCycles: cf.PositionRefreshCycles,
	}
	if cf.StaggerSec != nil {
		c.Stagger = time.Duration(*cf.StaggerSec) * time.Second
	}
	if c.PositionRefreshCycles <= 0 {
		c.PositionRefreshCycles = 10
	}

	for i, b := range cf.Bots {
		name := b.Name
		if name == "" {
			name = fmt.Sprintf("bot-%d", i+1)
		}
		c.Bots = append(c.Bots, BotConfig{Name: name, Coins: normalizeCoins(b.Coins), Loop: ms(b.LoopMs, 250)})
	}
	if len(c.Bots) == 0 {
		if coins := parseList(os.Getenv("PERPMM_COINS")); len(coins) > 0 {
			c.Bots = append(c.Bots, BotConfig{Name: "bot-1", Coins: normalizeCoins(coins), Loop: 250 * time.Millisecond})
		}
	}

	var global *yaml.Node
	if cf.Strategy.Kind != 0 {
		global = &cf.Strategy
	}
	overrides := make(map[string]yaml.Node, len(cf.Overrides))
	for k, v := range cf.Overrides {
		overrides[strings.ToUpper(strings.TrimSpace(k))] = v
	}
	r, err := NewResolver(global, overrides)
	if err != nil {
		return nil, err
	}
	c.Resolver = r
	return c, nil
}

// Validate 启动时校验，配置错误只在启动时致命
func (c *Config) Validate() error {
	if len(c.Bots) == 0 {
		return fmt.Errorf("至少需要配置一个 bot（bots 或 PERPMM_COINS）")
	}
	seen := map[string]string{}
	for _, b := range c.Bots {
		if len(b.Coins) == 0 {
			return fmt.Errorf("bot %s 没有配置 coins", b.Name)
		}
		if b.Loop < 50*time.Millisecond {
			return fmt.Errorf("bot %s 的 loop_ms 过小: %v", b.Name, b.Loop)
		}
		for _, coin := range b.Coins {
			if other, ok := seen[coin]; ok {
				return fmt.Errorf("品种 %s 同时出现在 %s 和 %s", coin, other, b.Name)
			}
			seen[coin] = b.Name
		}
	}
	if !c.DryRun && c.PrivateKey == "" {
		return fmt.Errorf("PERPMM_PRIVATE_KEY 未配置（或开启 dry_run）")
	}
	if c.PortfolioPausePct > c.PortfolioStopLossPct {
		return fmt.Errorf("portfolio.pause_pct 不能大于 stop_loss_pct")
	}
	if c.Stream.ReconnectBase <= 0 || c.Stream.ReconnectMax < c.Stream.ReconnectBase {
		return fmt.Errorf("stream 重连参数无效: base=%v max=%v", c.Stream.ReconnectBase, c.Stream.ReconnectMax)
	}
	return nil
}

// AllCoins 所有 bot 的品种
func (c *Config) AllCoins() []string {
	var out []string
	for _, b := range c.Bots {
		out = append(out, b.Coins...)
	}
	return out
}

func normalizeCoins(in []string) []string {
	out := make([]string, 0, len(in))
	for _, c := range in {
		c = strings.ToUpper(strings.TrimSpace(c))
		if c != "" {
			out = append(out, c)
		}
	}
	return out
}

func parseList(str string) []string {
	if str == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(str, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstPositive(values ...float64) float64 {
	for _, v := range values {
		if v > 0 {
			return v
		}
	}
	return 0
}

func ms(v, def int) time.Duration {
	if v <= 0 {
		v = def
	}
	return time.Duration(v) * time.Millisecond
}

func sec(v, def int) time.Duration {
	if v <= 0 {
		v = def
	}
	return time.Duration(v) * time.Second
}

func parseFloatEnv(key string) float64 {
	f, err := strconv.ParseFloat(os.Getenv(key), 64)
	if err != nil {
		return 0
	}
	return f
}

func parseBoolEnv(key string) bool {
	b, _ := strconv.ParseBool(os.Getenv(key))
	return b
}
