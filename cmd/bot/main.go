package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/betbot/perpmm/internal/controlplane"
	"github.com/betbot/perpmm/internal/engine"
	"github.com/betbot/perpmm/internal/exchange"
	"github.com/betbot/perpmm/internal/infrastructure/websocket"
	"github.com/betbot/perpmm/internal/ledger"
	"github.com/betbot/perpmm/internal/marketstate"
	"github.com/betbot/perpmm/internal/metrics"
	"github.com/betbot/perpmm/internal/perf"
	"github.com/betbot/perpmm/internal/risk"
	"github.com/betbot/perpmm/internal/storage/sqlite"
	"github.com/betbot/perpmm/internal/storage/versionstore"
	"github.com/betbot/perpmm/pkg/config"
	"github.com/betbot/perpmm/pkg/logger"
	"github.com/betbot/perpmm/pkg/quant"
	"github.com/betbot/perpmm/pkg/ratelimit"
	"github.com/betbot/perpmm/pkg/shutdown"
	"github.com/betbot/perpmm/pkg/syncgroup"
)

func firstExistingFile(paths ...string) (string, bool) {
	for _, p := range paths {
		if strings.TrimSpace(p) == "" {
			continue
		}
		if _, err := os.Stat(p); err == nil {
			return p, true
		}
	}
	return "", false
}

func main() {
	configPath := flag.String("config", "", "配置文件路径（支持 .yaml, .yml, .json）")
	envPath := flag.String("env", ".env", ".env 文件路径（不存在时忽略）")
	dryRun := flag.Bool("dry-run", false, "只读模式：不真实下单")
	flag.Parse()

	if err := godotenv.Load(*envPath); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "加载 %s 失败: %v\n", *envPath, err)
	}

	if err := logger.InitDefault(); err != nil {
		panic(fmt.Sprintf("初始化日志失败: %v", err))
	}

	path := *configPath
	if path == "" {
		if p, ok := firstExistingFile("yml/config.yaml", "config.yaml"); ok {
			path = p
			logrus.Infof("使用默认配置文件: %s", p)
		} else {
			logrus.Warnf("未指定配置文件，将使用环境变量和默认值")
		}
	}
	cfg, err := config.LoadFromFile(path)
	if err != nil {
		logrus.Errorf("加载配置失败: %v", err)
		os.Exit(1)
	}
	if *dryRun {
		cfg.DryRun = true
	}
	if err := cfg.Validate(); err != nil {
		logrus.Errorf("配置验证失败: %v", err)
		os.Exit(1)
	}

	if err := logger.Init(logger.Config{
		Level:      cfg.LogLevel,
		OutputFile: cfg.LogFile,
		MaxSize:    100,
		MaxBackups: 10,
		MaxAge:     30,
		Compress:   true,
		ByDay:      true,
	}); err != nil {
		logrus.Errorf("重新初始化日志失败: %v", err)
		os.Exit(1)
	}
	stopRotation := make(chan struct{})
	logger.StartRotationChecker(stopRotation)
	defer close(stopRotation)

	runID := uuid.NewString()
	log := logger.WithFields(logrus.Fields{"run": runID[:8], "network": cfg.Network})
	log.Infof("启动做市引擎，配置版本 %s，%d 个 bot", cfg.ConfigVersion, len(cfg.Bots))
	if overridden := cfg.Resolver.Overridden(); len(overridden) > 0 {
		log.Infof("单品种参数覆盖: %v", overridden)
	}

	recordVersion(log, cfg, path)

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	if cfg.MetricsAddr != "" {
		if _, err := metrics.StartAsync(rootCtx, cfg.MetricsAddr); err != nil {
			log.Errorf("metrics/pprof 启动失败: %v", err)
		} else {
			log.Infof("metrics/pprof 启用: listen=%s", cfg.MetricsAddr)
		}
	}

	limiter := ratelimit.NewDual(cfg.RestPerMinute, cfg.StreamPerMinute)

	var signer exchange.Signer
	if cfg.PrivateKey != "" {
		ks, err := exchange.NewKeySigner(cfg.PrivateKey)
		if err != nil {
			log.Errorf("%v", err)
			os.Exit(1)
		}
		signer = ks
	}
	account := cfg.AccountAddress
	if account == "" && signer != nil {
		account = signer.Address()
	}

	rest := exchange.NewRESTClient(exchange.RESTConfig{
		BaseURL: cfg.APIURL,
		Account: account,
		MaxWait: cfg.MaxWait,
	}, limiter, signer)
	var client exchange.Client = rest
	if cfg.DryRun {
		client = exchange.NewDryRunClient(rest)
		log.Warnf("只读模式已启用：不会真实下单，订单只记录在日志中")
	}

	sink, err := sqlite.Open(cfg.DBPath)
	if err != nil {
		log.Errorf("打开数据库失败: %v", err)
		os.Exit(1)
	}

	global := cfg.Resolver.Global()
	store := marketstate.NewStore(global.StaleAfter(), global.FlowHalfLife())
	reader := marketstate.NewReader(store, client)
	led := ledger.New()
	rec := perf.NewRecorder(global.AutoTune.HistoryMinutes)
	accounting := engine.NewAccounting(led, store, rec, sink)
	fees := exchange.NewFeeCache(client)
	steps := quant.NewSteps()
	guard := risk.NewPortfolioGuard(cfg.PortfolioStopLossPct, cfg.PortfolioPausePct)
	throttle := ratelimit.NewReplaceThrottle(time.Duration(global.MinReplaceMs) * time.Millisecond)

	stream := websocket.NewStream(websocket.Config{
		URL:           cfg.WSURL,
		Coins:         cfg.AllCoins(),
		User:          account,
		ProxyURL:      os.Getenv("PERPMM_PROXY"),
		PingInterval:  cfg.Stream.PingInterval,
		ReadTimeout:   cfg.Stream.ReadTimeout,
		DegradedAfter: cfg.Stream.DegradedAfter,
		ReconnectBase: cfg.Stream.ReconnectBase,
		ReconnectMax:  cfg.Stream.ReconnectMax,
	}, store, limiter)
	stream.OnFill(accounting.OnFill)

	bots := make([]*engine.Bot, 0, len(cfg.Bots))
	sources := make([]controlplane.StatusSource, 0, len(cfg.Bots))
	for _, bc := range cfg.Bots {
		b := engine.New(engine.Options{
			Name:         bc.Name,
			Coins:        bc.Coins,
			Interval:     bc.Loop,
			RefreshEvery: cfg.PositionRefreshCycles,
		}, engine.Deps{
			Client:   client,
			Reader:   reader,
			Ledger:   led,
			Perf:     rec,
			Resolver: cfg.Resolver,
			Steps:    steps,
			Fees:     fees,
			Throttle: throttle,
			Guard:    guard,
			Sink:     sink,
		})
		stream.OnOrderUpdate(b.OnOrderUpdate)
		bots = append(bots, b)
		sources = append(sources, b)
	}

	stream.Start(rootCtx)

	if cfg.StatusAddr != "" {
		cp := controlplane.New(controlplane.Config{
			Version: cfg.ConfigVersion,
			Stream:  stream,
			Store:   store,
			Ledger:  led,
			Bots:    sources,
		})
		if _, err := cp.StartAsync(rootCtx, cfg.StatusAddr); err != nil {
			log.Errorf("状态接口启动失败: %v", err)
		} else {
			log.Infof("状态接口启用: listen=%s", cfg.StatusAddr)
		}
	}

	// 多个 bot 错开启动，避免同时打满请求桶
	botCtx, botCancel := context.WithCancel(rootCtx)
	sg := syncgroup.NewSyncGroup()
	for i, b := range bots {
		delay := time.Duration(i) * cfg.Stagger
		b := b
		sg.Add("bot:"+b.Name(), func() {
			if delay > 0 {
				select {
				case <-botCtx.Done():
					return
				case <-time.After(delay):
				}
			}
			if err := b.Run(botCtx); err != nil {
				logger.WithField("bot", b.Name()).Errorf("决策循环退出: %v", err)
			}
		})
	}
	sg.Run()
	log.Info("做市引擎已启动，按 Ctrl+C 停止")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	log.Info("收到停止信号，正在关闭...")

	sm := shutdown.NewManager()
	sm.OnShutdown("bots", shutdown.StageBots, func(ctx context.Context) {
		// 当前周期跑完，再撤销挂单
		botCancel()
		sg.Wait()
	})
	sm.OnShutdown("stream", shutdown.StageStream, func(ctx context.Context) {
		if err := stream.Close(); err != nil {
			log.Warnf("关闭推送通道失败: %v", err)
		}
	})
	sm.OnShutdown("sqlite", shutdown.StageStorage, func(ctx context.Context) {
		now := time.Now()
		for _, b := range bots {
			if done := rec.Rollover(b.Coins(), now.Add(time.Minute)); len(done) > 0 {
				if err := sink.SaveMinutes(ctx, b.Name(), done); err != nil {
					log.Warnf("写入最后一分钟统计失败: %v", err)
				}
			}
		}
		if err := sink.Close(); err != nil {
			log.Warnf("关闭数据库失败: %v", err)
		}
	})
	sm.OnShutdown("servers", shutdown.StageServers, func(ctx context.Context) {
		rootCancel()
	})

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	sm.Shutdown(shutdownCtx)

	log.Info("做市引擎已停止")
}

// recordVersion 记录本次启动的配置版本，与上次不同则提示
func recordVersion(log *logrus.Entry, cfg *config.Config, path string) {
	key, err := versionstore.ParseKey(os.Getenv("PERPMM_STATE_KEY"))
	if err != nil {
		log.Warnf("PERPMM_STATE_KEY 无效，版本库不加密: %v", err)
	}
	vs, err := versionstore.Open(versionstore.OpenOptions{Path: cfg.VersionDir, EncryptionKey: key})
	if err != nil {
		log.Warnf("打开版本库失败: %v", err)
		return
	}
	defer vs.Close()

	var raw []byte
	if path != "" {
		raw, _ = os.ReadFile(path)
	}
	names := make([]string, 0, len(cfg.Bots))
	for _, b := range cfg.Bots {
		names = append(names, b.Name)
	}
	cur := versionstore.Record{
		Version:   cfg.ConfigVersion,
		Digest:    versionstore.Digest(raw),
		Bots:      names,
		StartedAt: time.Now(),
	}

	prev, ok, err := vs.Last()
	switch {
	case err != nil:
		log.Warnf("读取上次配置版本失败: %v", err)
	case !ok:
		log.Infof("首次启动，配置版本 %s", cur.Version)
	case cur.Changed(prev):
		if prev.Version == cur.Version {
			log.Warnf("配置内容已变化但版本号仍为 %s（上次启动 %s）", cur.Version, prev.StartedAt.Format(time.RFC3339))
		} else {
			log.Infof("配置版本 %s -> %s", prev.Version, cur.Version)
		}
	}
	if err := vs.Save(cur); err != nil {
		log.Warnf("写入配置版本失败: %v", err)
	}
}
