package config

import "strings"

// Config 是 Quantor 的主配置载体。
type Config struct {
	App       AppConfig       `toml:"app"`
	Market    MarketConfig    `toml:"market"`
	Provider  ProviderConfig  `toml:"provider"`
	Evaluator EvaluatorConfig `toml:"evaluator"`
	Consensus ConsensusConfig `toml:"consensus"`
	Risk      RiskConfig      `toml:"risk"`
	Execution ExecutionConfig `toml:"execution"`
	Journal   JournalConfig   `toml:"journal"`
	Exchange  ExchangeConfig  `toml:"exchange"`
}

type AppConfig struct {
	Env      string `toml:"env"`
	LogLevel string `toml:"log_level"`
	LogPath  string `toml:"log_path"`
	HTTPAddr string `toml:"http_addr"`
}

// MarketConfig 控制行情抓取与快照组装。
type MarketConfig struct {
	Assets              []string `toml:"assets"`
	Interval            string   `toml:"interval"`       // 决策周期，例如 "5m"
	TrendInterval       string   `toml:"trend_interval"` // 宏观周期，例如 "4h"
	CandleLimit         int      `toml:"candle_limit"`
	FetchTimeoutSeconds int      `toml:"fetch_timeout_seconds"`
	FetchRetries        int      `toml:"fetch_retries"`
}

// ProviderConfig 描述推理服务（LLM）的访问方式。
type ProviderConfig struct {
	BaseURL                string `toml:"base_url"`
	APIKey                 string `toml:"api_key"`
	Model                  string `toml:"model"`
	TimeoutSeconds         int    `toml:"timeout_seconds"`
	BreakerThreshold       int    `toml:"breaker_threshold"`
	BreakerCooldownSeconds int    `toml:"breaker_cooldown_seconds"`
}

// EvaluatorConfig 控制评估器编制与权重。
type EvaluatorConfig struct {
	TimeoutSeconds  int                `toml:"timeout_seconds"`
	ProfilesPath    string             `toml:"profiles_path"`
	Weights         map[string]float64 `toml:"weights"`
	RiskWeightBoost float64            `toml:"risk_weight_boost"` // 风险评估器的权重倍率
	Disabled        []string           `toml:"disabled"`
}

// ConsensusConfig 控制仲裁阈值与历史表现调整。
type ConsensusConfig struct {
	NoTradeThreshold float64 `toml:"no_trade_threshold"` // 低于该分数一律 hold
	TieEpsilon       float64 `toml:"tie_epsilon"`        // 多空质量差在该范围内视为平票
	PerfClamp        float64 `toml:"perf_clamp"`         // 表现调整的截断幅度
	PerfDecay        float64 `toml:"perf_decay"`         // 滚动表现的衰减系数
}

// RiskConfig 控制仓位与风险上限。
type RiskConfig struct {
	RiskPerTradeFraction  float64 `toml:"risk_per_trade_fraction"`
	MaxAllocationFraction float64 `toml:"max_allocation_fraction"`
	PerAssetExposureCap   float64 `toml:"per_asset_exposure_cap"`
	MaxDrawdownFraction   float64 `toml:"max_drawdown_fraction"` // 相对峰值权益的最大回撤
	MaxLeverage           int     `toml:"max_leverage"`
	MinStopDistancePct    float64 `toml:"min_stop_distance_pct"`
	MinOrderUSD           float64 `toml:"min_order_usd"`
}

// ExecutionConfig 控制执行模式与重试。
type ExecutionConfig struct {
	Mode                   string `toml:"mode"` // "systematic" | "manual"
	ApprovalTimeoutSeconds int    `toml:"approval_timeout_seconds"`
	MaxSubmitAttempts      int    `toml:"max_submit_attempts"`
	RetryBaseMillis        int    `toml:"retry_base_millis"`
	QueueCapacity          int    `toml:"queue_capacity"`
}

type JournalConfig struct {
	Path      string `toml:"path"`
	TracePath string `toml:"trace_path"`
}

// ExchangeConfig 描述交易所适配器的访问方式。
type ExchangeConfig struct {
	APIKey    string `toml:"api_key"`
	SecretKey string `toml:"secret_key"`
	Testnet   bool   `toml:"testnet"`
}

// Manual reports whether proposals require human approval before submission.
func (e ExecutionConfig) Manual() bool {
	return strings.EqualFold(strings.TrimSpace(e.Mode), "manual")
}
