package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/derivbot/gotrade/internal/account"
	"github.com/derivbot/gotrade/internal/domain"
	"github.com/derivbot/gotrade/internal/engine"
	"github.com/derivbot/gotrade/internal/health"
	"github.com/derivbot/gotrade/internal/risk"
	"github.com/derivbot/gotrade/internal/settlement"
	"github.com/derivbot/gotrade/internal/store"
	"github.com/derivbot/gotrade/internal/venue"
	"github.com/derivbot/gotrade/pkg/config"
	"github.com/derivbot/gotrade/pkg/logger"
	"github.com/derivbot/gotrade/pkg/ratelimit"
	"github.com/derivbot/gotrade/pkg/shutdown"
)

func main() {
	// 加载 .env(尽力而为),缺失时直接用真实环境变量
	_ = godotenv.Load()

	var (
		configPath = flag.String("config", "config.yaml", "配置文件路径")
		dryRun     = flag.Bool("dry-run", false, "纸交易模式,不发真实买单")
	)
	flag.Parse()

	cfg, err := config.LoadFromFile(*configPath)
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}
	if *dryRun {
		cfg.DryRun = true
	}

	if err := logger.Init(logger.Config{
		Level:      cfg.LogLevel,
		OutputFile: cfg.LogFile,
		MaxSize:    50,
		MaxBackups: 5,
		MaxAge:     7,
		Compress:   true,
	}); err != nil {
		log.Fatalf("初始化日志失败: %v", err)
	}
	logger.Infof("启动交易核心 dry_run=%v config=%s", cfg.DryRun, *configPath)

	// 账户来源:配置了 REST 地址走会话管理 API,否则用环境变量里的静态账户
	var accounts domain.AccountProvider
	if cfg.Venue.APIBaseURL != "" {
		accounts = account.NewHTTPProvider(cfg.Venue.APIBaseURL, cfg.Venue.Token)
	} else {
		accounts = account.StaticProvider{Account: domain.ActiveAccount{
			AccountID: os.Getenv("ACCOUNT_ID"),
			Token:     cfg.Venue.Token,
			Currency:  "USD",
			Equity:    10000,
		}}
	}
	active, err := accounts.ActiveAccount()
	if err != nil {
		log.Fatalf("获取活跃账户失败: %v", err)
	}

	// 风控:先用已知权益快照初始化,缺了它闸门会直接拒单
	riskCache := risk.NewCache()
	riskCache.InitAccount(active.AccountID, active.Equity)
	gate := risk.NewGate(riskCache, risk.Limits{
		MaxStake:             cfg.Risk.MaxStake,
		MaxConcurrentTrades:  cfg.Risk.MaxConcurrentTrades,
		Cooldown:             cfg.Risk.CooldownAfterTrade,
		MaxConsecutiveLosses: cfg.Risk.MaxConsecutiveLosses,
		DailyLossLimitPct:    cfg.Risk.DailyLossLimitPct,
		DrawdownLimitPct:     cfg.Risk.DrawdownLimitPct,
	})

	// 持久层:sqlite 主存储 + badger 死信兜底
	primary, err := store.OpenSQLite(cfg.Store.DBPath)
	if err != nil {
		log.Fatalf("打开主存储失败: %v", err)
	}
	dlq, err := store.OpenDeadLetter(cfg.Store.DeadLetterPath, cfg.Store.DeadLetterMaxKeys)
	if err != nil {
		log.Fatalf("打开死信存储失败: %v", err)
	}
	queue := store.NewQueue(primary, dlq, store.QueueConfig{
		MaxAttempts:    cfg.Store.MaxRetries,
		RetryBase:      cfg.Store.RetryBaseDelay,
		RetryMax:       cfg.Store.RetryMaxDelay,
		ReplayInterval: cfg.Store.ReplayInterval,
	})

	// 连接管理
	client := venue.NewClient(venue.Config{
		URL:             cfg.Venue.URL,
		Token:           cfg.Venue.Token,
		RequestTimeout:  cfg.Venue.RequestTimeout,
		ReconnectBase:   cfg.Venue.ReconnectBaseDelay,
		ReconnectMax:    cfg.Venue.ReconnectMaxDelay,
		ReconnectJitter: cfg.Venue.ReconnectJitter,
		StormThreshold:  cfg.Venue.StormThreshold,
		StormWindow:     cfg.Venue.StormWindow,
		StormCooldown:   cfg.Venue.StormCooldown,
		QueueDepth:      cfg.Venue.OutboundQueueDepth,
		OverflowPolicy:  venue.ParseOverflowPolicy(cfg.Venue.OutboundOverflowMode),
		EventBufferSize: cfg.Venue.EventBufferSize,
	})
	client.OnStateChange(func(s venue.State) {
		logger.Infof("连接状态切换: %s", s)
	})
	if err := client.Start(); err != nil {
		log.Fatalf("连接场馆失败: %v", err)
	}

	// 限流
	classes := make(map[string]ratelimit.ClassConfig, len(cfg.Throttle.Classes))
	for name, c := range cfg.Throttle.Classes {
		classes[name] = ratelimit.ClassConfig{Rate: c.Rate, Burst: c.Burst, MaxWait: c.MaxWait}
	}
	throttle := ratelimit.NewGate(classes)

	// 结算跟踪
	tracker := settlement.New(settlement.VenueSubscriber{Client: client}, riskCache, queue, settlement.Config{
		StalenessWindow: cfg.Settlement.StalenessWindow,
		MaxResubscribes: cfg.Settlement.MaxResubscribes,
		DedupeTTL:       cfg.Settlement.DedupeTTL,
		RequestTimeout:  cfg.Settlement.SubscribeTimeout,
	})
	tracker.OnStuck(func(contractID string) {
		queue.Enqueue("alerts", map[string]string{
			"type":        "stuck_order",
			"contract_id": contractID,
			"at":          time.Now().UTC().Format(time.RFC3339),
		})
	})

	// 执行引擎
	eng := engine.New(client, throttle, gate, riskCache, tracker, engine.Config{
		SlippagePct:        cfg.Engine.SlippageTolerance,
		RequoteMaxAttempts: cfg.Engine.RequoteMaxAttempts,
		RequoteDelay:       cfg.Engine.RequoteDelay,
		DryRun:             cfg.DryRun,
	})

	// 健康聚合 / 资源监控 / 自愈
	agg := health.NewAggregator(client, tracker, queue)
	monitor := health.NewResourceMonitor(agg, health.MonitorConfig{
		Interval:           cfg.Health.SampleInterval,
		QueueSaturationPct: cfg.Health.QueueSaturationPct,
	})
	monitor.Start()
	recovery := health.NewRecoveryManager(agg, client, queue, health.RecoveryConfig{
		CheckInterval:     cfg.Health.SampleInterval,
		MaxClosedDuration: cfg.Health.MaxClosedDuration,
		ActionCooldown:    cfg.Health.RecoveryCooldown,
	})
	recovery.Start()

	var httpSrv *health.Server
	if cfg.Health.ListenAddr != "" {
		httpSrv = health.NewServer(cfg.Health.ListenAddr, agg, eng, accounts)
		httpSrv.Start()
	}

	// 停机顺序有依赖,注册为单个回调串行执行:
	// 先停入口和自愈,再停跟踪与连接,最后刷持久化
	mgr := shutdown.NewManager()
	mgr.OnShutdown(func(ctx context.Context) {
		if httpSrv != nil {
			_ = httpSrv.Shutdown(ctx)
		}
		recovery.Stop()
		monitor.Stop()
		tracker.Stop()
		client.Stop()
		queue.Stop()
		_ = dlq.Close()
		_ = primary.Close()
	})

	stopCh := make(chan os.Signal, 1)
	signal.Notify(stopCh, os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)
	<-stopCh

	logger.Info("收到退出信号,开始优雅停机")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	mgr.Shutdown(ctx)
	logger.Info("交易核心已退出")
}
