package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// VenueConfig 交易所连接配置
type VenueConfig struct {
	URL                  string        // WebSocket 地址
	APIBaseURL           string        // 账户信息 REST 地址
	Token                string        // 访问令牌（通常来自环境变量，不写入配置文件）
	RequestTimeout       time.Duration // 单请求超时
	ReconnectBaseDelay   time.Duration // 重连基础延迟
	ReconnectMaxDelay    time.Duration // 重连最大延迟
	ReconnectJitter      float64       // 重连抖动比例（0~1）
	StormThreshold       int           // 滑动窗口内触发熔断的重连次数
	StormWindow          time.Duration // 重连风暴统计窗口
	StormCooldown        time.Duration // 熔断后的冷却时间
	OutboundQueueDepth   int           // 出站队列深度
	OutboundOverflowMode string        // 队列溢出策略: reject | drop_oldest | priority
	EventBufferSize      int           // 订阅事件通道缓冲
}

// ThrottleClassConfig 单个操作类别的限流配置
type ThrottleClassConfig struct {
	Rate    float64       // 每秒补充令牌数
	Burst   int           // 桶容量
	MaxWait time.Duration // 等待令牌的最长时间
}

// ThrottleConfig 限流配置（按操作类别）
type ThrottleConfig struct {
	Classes map[string]ThrottleClassConfig
}

// RiskConfig 风控限额配置
type RiskConfig struct {
	MaxStake             float64       // 单笔最大下注
	MaxConcurrentTrades  int           // 最大并发持仓数
	CooldownAfterTrade   time.Duration // 全局交易冷却
	MaxConsecutiveLosses int           // 最大连续亏损次数
	DailyLossLimitPct    float64       // 当日亏损占初始权益百分比上限
	DrawdownLimitPct     float64       // 距权益峰值回撤百分比上限
}

// EngineConfig 执行引擎配置
type EngineConfig struct {
	SlippageTolerance  float64       // 报价滑点容忍（相对预期价的百分比）
	RequoteMaxAttempts int           // 重新报价最大次数
	RequoteDelay       time.Duration // 重新报价间隔
}

// SettlementConfig 结算跟踪配置
type SettlementConfig struct {
	StalenessWindow  time.Duration // 无事件判定为 stale 的窗口
	MaxResubscribes  int           // 最大重订阅次数
	DedupeTTL        time.Duration // 结算去重集合 TTL
	SubscribeTimeout time.Duration // 订阅请求超时
}

// StoreConfig 持久化配置
type StoreConfig struct {
	DBPath            string        // sqlite 数据库路径
	MaxRetries        int           // 写入重试次数
	RetryBaseDelay    time.Duration // 重试基础延迟
	RetryMaxDelay     time.Duration // 重试最大延迟
	DeadLetterPath    string        // 死信存储目录（badger）
	DeadLetterMaxKeys int           // 死信条目数量上限
	ReplayInterval    time.Duration // 死信回放检查间隔
}

// HealthConfig 健康检查与自愈配置
type HealthConfig struct {
	ListenAddr         string        // 状态 HTTP 服务监听地址（空则不启动）
	SampleInterval     time.Duration // 资源采样间隔
	RecoveryCooldown   time.Duration // 两次自愈动作之间的最小间隔
	MaxClosedDuration  time.Duration // 连接持续 Closed 超过该时长触发强制重连
	QueueSaturationPct float64       // 出站队列饱和告警阈值（0~1）
}

// Config 应用配置
type Config struct {
	Venue      VenueConfig
	Throttle   ThrottleConfig
	Risk       RiskConfig
	Engine     EngineConfig
	Settlement SettlementConfig
	Store      StoreConfig
	Health     HealthConfig
	LogLevel   string
	LogFile    string
	DryRun     bool // 纸交易模式：不向交易所发真实买单，只打印日志
}

// configFile 配置文件结构（用于 YAML 解析；时间一律用毫秒/秒整数，避免 duration 解析歧义）
type configFile struct {
	Venue struct {
		URL                  string  `yaml:"url"`
		APIBaseURL           string  `yaml:"api_base_url"`
		RequestTimeoutMs     int     `yaml:"request_timeout_ms"`
		ReconnectBaseDelayMs int     `yaml:"reconnect_base_delay_ms"`
		ReconnectMaxDelayMs  int     `yaml:"reconnect_max_delay_ms"`
		ReconnectJitter      float64 `yaml:"reconnect_jitter"`
		StormThreshold       int     `yaml:"storm_threshold"`
		StormWindowSec       int     `yaml:"storm_window_sec"`
		StormCooldownSec     int     `yaml:"storm_cooldown_sec"`
		OutboundQueueDepth   int     `yaml:"outbound_queue_depth"`
		OutboundOverflowMode string  `yaml:"outbound_overflow_mode"`
		EventBufferSize      int     `yaml:"event_buffer_size"`
	} `yaml:"venue"`
	Throttle map[string]struct {
		Rate      float64 `yaml:"rate"`
		Burst     int     `yaml:"burst"`
		MaxWaitMs int     `yaml:"max_wait_ms"`
	} `yaml:"throttle"`
	Risk struct {
		MaxStake             float64 `yaml:"max_stake"`
		MaxConcurrentTrades  int     `yaml:"max_concurrent_trades"`
		CooldownMs           int     `yaml:"cooldown_ms"`
		MaxConsecutiveLosses int     `yaml:"max_consecutive_losses"`
		DailyLossLimitPct    float64 `yaml:"daily_loss_limit_pct"`
		DrawdownLimitPct     float64 `yaml:"drawdown_limit_pct"`
	} `yaml:"risk"`
	Engine struct {
		SlippageTolerance  float64 `yaml:"slippage_tolerance"`
		RequoteMaxAttempts int     `yaml:"requote_max_attempts"`
		RequoteDelayMs     int     `yaml:"requote_delay_ms"`
	} `yaml:"engine"`
	Settlement struct {
		StalenessWindowSec int `yaml:"staleness_window_sec"`
		MaxResubscribes    int `yaml:"max_resubscribes"`
		DedupeTTLSec       int `yaml:"dedupe_ttl_sec"`
		SubscribeTimeoutMs int `yaml:"subscribe_timeout_ms"`
	} `yaml:"settlement"`
	Store struct {
		DBPath            string `yaml:"db_path"`
		MaxRetries        int    `yaml:"max_retries"`
		RetryBaseDelayMs  int    `yaml:"retry_base_delay_ms"`
		RetryMaxDelayMs   int    `yaml:"retry_max_delay_ms"`
		DeadLetterPath    string `yaml:"dead_letter_path"`
		DeadLetterMaxKeys int    `yaml:"dead_letter_max_keys"`
		ReplayIntervalSec int    `yaml:"replay_interval_sec"`
	} `yaml:"store"`
	Health struct {
		ListenAddr           string  `yaml:"listen_addr"`
		SampleIntervalSec    int     `yaml:"sample_interval_sec"`
		RecoveryCooldownSec  int     `yaml:"recovery_cooldown_sec"`
		MaxClosedDurationSec int     `yaml:"max_closed_duration_sec"`
		QueueSaturationPct   float64 `yaml:"queue_saturation_pct"`
	} `yaml:"health"`
	LogLevel string `yaml:"log_level"`
	LogFile  string `yaml:"log_file"`
	DryRun   bool   `yaml:"dry_run"`
}

// Default 返回默认配置
func Default() *Config {
	return &Config{
		Venue: VenueConfig{
			RequestTimeout:       10 * time.Second,
			ReconnectBaseDelay:   1 * time.Second,
			ReconnectMaxDelay:    60 * time.Second,
			ReconnectJitter:      0.25,
			StormThreshold:       5,
			StormWindow:          60 * time.Second,
			StormCooldown:        120 * time.Second,
			OutboundQueueDepth:   256,
			OutboundOverflowMode: "priority",
			EventBufferSize:      64,
		},
		Throttle: ThrottleConfig{
			Classes: map[string]ThrottleClassConfig{
				"quote": {Rate: 5, Burst: 10, MaxWait: 3 * time.Second},
				"buy":   {Rate: 2, Burst: 4, MaxWait: 5 * time.Second},
			},
		},
		Risk: RiskConfig{
			MaxStake:             50,
			MaxConcurrentTrades:  5,
			CooldownAfterTrade:   2 * time.Second,
			MaxConsecutiveLosses: 5,
			DailyLossLimitPct:    2,
			DrawdownLimitPct:     6,
		},
		Engine: EngineConfig{
			SlippageTolerance:  0.5,
			RequoteMaxAttempts: 3,
			RequoteDelay:       250 * time.Millisecond,
		},
		Settlement: SettlementConfig{
			StalenessWindow:  30 * time.Second,
			MaxResubscribes:  5,
			DedupeTTL:        24 * time.Hour,
			SubscribeTimeout: 10 * time.Second,
		},
		Store: StoreConfig{
			DBPath:            "data/trades.db",
			MaxRetries:        5,
			RetryBaseDelay:    500 * time.Millisecond,
			RetryMaxDelay:     30 * time.Second,
			DeadLetterPath:    "data/deadletter",
			DeadLetterMaxKeys: 10000,
			ReplayInterval:    30 * time.Second,
		},
		Health: HealthConfig{
			ListenAddr:         "127.0.0.1:9321",
			SampleInterval:     10 * time.Second,
			RecoveryCooldown:   60 * time.Second,
			MaxClosedDuration:  5 * time.Minute,
			QueueSaturationPct: 0.8,
		},
		LogLevel: "info",
		LogFile:  "logs/combined.log",
	}
}

// LoadFromFile 从 YAML 文件加载配置（文件不存在时返回默认配置+环境变量覆盖）
func LoadFromFile(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("读取配置文件失败: %w", err)
			}
		} else {
			var cf configFile
			if err := yaml.Unmarshal(data, &cf); err != nil {
				return nil, fmt.Errorf("解析配置文件失败: %w", err)
			}
			applyFile(cfg, &cf)
		}
	}

	applyEnv(cfg)

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyFile(cfg *Config, cf *configFile) {
	v := &cf.Venue
	if v.URL != "" {
		cfg.Venue.URL = v.URL
	}
	if v.APIBaseURL != "" {
		cfg.Venue.APIBaseURL = v.APIBaseURL
	}
	setMs(&cfg.Venue.RequestTimeout, v.RequestTimeoutMs)
	setMs(&cfg.Venue.ReconnectBaseDelay, v.ReconnectBaseDelayMs)
	setMs(&cfg.Venue.ReconnectMaxDelay, v.ReconnectMaxDelayMs)
	if v.ReconnectJitter > 0 {
		cfg.Venue.ReconnectJitter = v.ReconnectJitter
	}
	if v.StormThreshold > 0 {
		cfg.Venue.StormThreshold = v.StormThreshold
	}
	setSec(&cfg.Venue.StormWindow, v.StormWindowSec)
	setSec(&cfg.Venue.StormCooldown, v.StormCooldownSec)
	if v.OutboundQueueDepth > 0 {
		cfg.Venue.OutboundQueueDepth = v.OutboundQueueDepth
	}
	if v.OutboundOverflowMode != "" {
		cfg.Venue.OutboundOverflowMode = v.OutboundOverflowMode
	}
	if v.EventBufferSize > 0 {
		cfg.Venue.EventBufferSize = v.EventBufferSize
	}

	for class, tc := range cf.Throttle {
		c := cfg.Throttle.Classes[class]
		if tc.Rate > 0 {
			c.Rate = tc.Rate
		}
		if tc.Burst > 0 {
			c.Burst = tc.Burst
		}
		if tc.MaxWaitMs > 0 {
			c.MaxWait = time.Duration(tc.MaxWaitMs) * time.Millisecond
		}
		cfg.Throttle.Classes[class] = c
	}

	r := &cf.Risk
	if r.MaxStake > 0 {
		cfg.Risk.MaxStake = r.MaxStake
	}
	if r.MaxConcurrentTrades > 0 {
		cfg.Risk.MaxConcurrentTrades = r.MaxConcurrentTrades
	}
	setMs(&cfg.Risk.CooldownAfterTrade, r.CooldownMs)
	if r.MaxConsecutiveLosses > 0 {
		cfg.Risk.MaxConsecutiveLosses = r.MaxConsecutiveLosses
	}
	if r.DailyLossLimitPct > 0 {
		cfg.Risk.DailyLossLimitPct = r.DailyLossLimitPct
	}
	if r.DrawdownLimitPct > 0 {
		cfg.Risk.DrawdownLimitPct = r.DrawdownLimitPct
	}

	e := &cf.Engine
	if e.SlippageTolerance > 0 {
		cfg.Engine.SlippageTolerance = e.SlippageTolerance
	}
	if e.RequoteMaxAttempts > 0 {
		cfg.Engine.RequoteMaxAttempts = e.RequoteMaxAttempts
	}
	setMs(&cfg.Engine.RequoteDelay, e.RequoteDelayMs)

	s := &cf.Settlement
	setSec(&cfg.Settlement.StalenessWindow, s.StalenessWindowSec)
	if s.MaxResubscribes > 0 {
		cfg.Settlement.MaxResubscribes = s.MaxResubscribes
	}
	setSec(&cfg.Settlement.DedupeTTL, s.DedupeTTLSec)
	setMs(&cfg.Settlement.SubscribeTimeout, s.SubscribeTimeoutMs)

	st := &cf.Store
	if st.DBPath != "" {
		cfg.Store.DBPath = st.DBPath
	}
	if st.MaxRetries > 0 {
		cfg.Store.MaxRetries = st.MaxRetries
	}
	setMs(&cfg.Store.RetryBaseDelay, st.RetryBaseDelayMs)
	setMs(&cfg.Store.RetryMaxDelay, st.RetryMaxDelayMs)
	if st.DeadLetterPath != "" {
		cfg.Store.DeadLetterPath = st.DeadLetterPath
	}
	if st.DeadLetterMaxKeys > 0 {
		cfg.Store.DeadLetterMaxKeys = st.DeadLetterMaxKeys
	}
	setSec(&cfg.Store.ReplayInterval, st.ReplayIntervalSec)

	h := &cf.Health
	if h.ListenAddr != "" {
		cfg.Health.ListenAddr = h.ListenAddr
	}
	setSec(&cfg.Health.SampleInterval, h.SampleIntervalSec)
	setSec(&cfg.Health.RecoveryCooldown, h.RecoveryCooldownSec)
	setSec(&cfg.Health.MaxClosedDuration, h.MaxClosedDurationSec)
	if h.QueueSaturationPct > 0 {
		cfg.Health.QueueSaturationPct = h.QueueSaturationPct
	}

	if cf.LogLevel != "" {
		cfg.LogLevel = cf.LogLevel
	}
	if cf.LogFile != "" {
		cfg.LogFile = cf.LogFile
	}
	if cf.DryRun {
		cfg.DryRun = true
	}
}

// applyEnv 用环境变量覆盖配置（优先级最高）
func applyEnv(cfg *Config) {
	if v := os.Getenv("VENUE_WS_URL"); v != "" {
		cfg.Venue.URL = v
	}
	if v := os.Getenv("VENUE_API_URL"); v != "" {
		cfg.Venue.APIBaseURL = v
	}
	if v := os.Getenv("VENUE_TOKEN"); v != "" {
		cfg.Venue.Token = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("DB_PATH"); v != "" {
		cfg.Store.DBPath = v
	}
	if v := os.Getenv("DEAD_LETTER_PATH"); v != "" {
		cfg.Store.DeadLetterPath = v
	}
	if v := os.Getenv("HEALTH_LISTEN_ADDR"); v != "" {
		cfg.Health.ListenAddr = v
	}
	if v := os.Getenv("DRY_RUN"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.DryRun = b
		}
	}
}

func validate(cfg *Config) error {
	switch cfg.Venue.OutboundOverflowMode {
	case "reject", "drop_oldest", "priority":
	default:
		return fmt.Errorf("无效的队列溢出策略: %q（支持 reject | drop_oldest | priority）", cfg.Venue.OutboundOverflowMode)
	}
	if cfg.Venue.ReconnectJitter < 0 || cfg.Venue.ReconnectJitter > 1 {
		return fmt.Errorf("reconnect_jitter 必须在 [0,1] 之间")
	}
	if cfg.Venue.ReconnectBaseDelay > cfg.Venue.ReconnectMaxDelay {
		return fmt.Errorf("reconnect_base_delay 不能大于 reconnect_max_delay")
	}
	for class, tc := range cfg.Throttle.Classes {
		if tc.Rate <= 0 || tc.Burst <= 0 {
			return fmt.Errorf("限流配置无效: class=%s rate=%v burst=%d", class, tc.Rate, tc.Burst)
		}
	}
	if strings.TrimSpace(cfg.Store.DBPath) == "" {
		return fmt.Errorf("db_path 不能为空")
	}
	return nil
}

func setMs(dst *time.Duration, ms int) {
	if ms > 0 {
		*dst = time.Duration(ms) * time.Millisecond
	}
}

func setSec(dst *time.Duration, sec int) {
	if sec > 0 {
		*dst = time.Duration(sec) * time.Second
	}
}
