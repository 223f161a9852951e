package config

// 默认值常量
const (
	defaultAppEnv            = "dev"
	defaultAppLogLevel       = "info"
	defaultAppHTTPAddr       = ":9992"
	defaultAppLogPath        = "data/logs/quantor.log"
	defaultMarketInterval    = "5m"
	defaultTrendInterval     = "4h"
	defaultCandleLimit       = 200
	defaultFetchTimeout      = 20
	defaultFetchRetries      = 3
	defaultProviderTimeout   = 90
	defaultBreakerThreshold  = 3
	defaultBreakerCooldown   = 120
	defaultEvaluatorTimeout  = 60
	defaultProfilesPath      = "configs/profiles.yaml"
	defaultRiskWeightBoost   = 1.2
	defaultNoTradeThreshold  = 40
	defaultTieEpsilon        = 1.0
	defaultPerfClamp         = 0.5
	defaultPerfDecay         = 0.8
	defaultRiskPerTrade      = 0.02
	defaultMaxAllocation     = 0.25
	defaultExposureCap       = 2.0  // 单资产名义价值上限（含杠杆），相对余额
	defaultMaxDrawdown       = 0.25 // 相对峰值权益的最大回撤
	defaultMaxLeverage       = 10
	defaultMinStopDistance   = 0.002
	defaultMinOrderUSD       = 10
	defaultExecutionMode     = "systematic"
	defaultApprovalTimeout   = 300
	defaultMaxSubmitAttempts = 3
	defaultRetryBaseMillis   = 500
	defaultQueueCapacity     = 32
	defaultJournalPath       = "data/db/journal.db"
	defaultTracePath         = "data/db/traces.db"
)

// applyDefaults 为所有子配置应用默认值（仅填充零值字段）。
func (c *Config) applyDefaults() {
	c.App.applyDefaults()
	c.Market.applyDefaults()
	c.Provider.applyDefaults()
	c.Evaluator.applyDefaults()
	c.Consensus.applyDefaults()
	c.Risk.applyDefaults()
	c.Execution.applyDefaults()
	c.Journal.applyDefaults()
}

func (a *AppConfig) applyDefaults() {
	if a.Env == "" {
		a.Env = defaultAppEnv
	}
	if a.LogLevel == "" {
		a.LogLevel = defaultAppLogLevel
	}
	if a.HTTPAddr == "" {
		a.HTTPAddr = defaultAppHTTPAddr
	}
	if a.LogPath == "" {
		a.LogPath = defaultAppLogPath
	}
}

func (m *MarketConfig) applyDefaults() {
	if m.Interval == "" {
		m.Interval = defaultMarketInterval
	}
	if m.TrendInterval == "" {
		m.TrendInterval = defaultTrendInterval
	}
	if m.CandleLimit <= 0 {
		m.CandleLimit = defaultCandleLimit
	}
	if m.FetchTimeoutSeconds <= 0 {
		m.FetchTimeoutSeconds = defaultFetchTimeout
	}
	if m.FetchRetries <= 0 {
		m.FetchRetries = defaultFetchRetries
	}
}

func (p *ProviderConfig) applyDefaults() {
	if p.TimeoutSeconds <= 0 {
		p.TimeoutSeconds = defaultProviderTimeout
	}
	if p.BreakerThreshold <= 0 {
		p.BreakerThreshold = defaultBreakerThreshold
	}
	if p.BreakerCooldownSeconds <= 0 {
		p.BreakerCooldownSeconds = defaultBreakerCooldown
	}
}

func (e *EvaluatorConfig) applyDefaults() {
	if e.TimeoutSeconds <= 0 {
		e.TimeoutSeconds = defaultEvaluatorTimeout
	}
	if e.ProfilesPath == "" {
		e.ProfilesPath = defaultProfilesPath
	}
	if e.RiskWeightBoost <= 0 {
		e.RiskWeightBoost = defaultRiskWeightBoost
	}
}

func (c *ConsensusConfig) applyDefaults() {
	if c.NoTradeThreshold <= 0 {
		c.NoTradeThreshold = defaultNoTradeThreshold
	}
	if c.TieEpsilon <= 0 {
		c.TieEpsilon = defaultTieEpsilon
	}
	if c.PerfClamp <= 0 {
		c.PerfClamp = defaultPerfClamp
	}
	if c.PerfDecay <= 0 {
		c.PerfDecay = defaultPerfDecay
	}
}

func (r *RiskConfig) applyDefaults() {
	if r.RiskPerTradeFraction <= 0 {
		r.RiskPerTradeFraction = defaultRiskPerTrade
	}
	if r.MaxAllocationFraction <= 0 {
		r.MaxAllocationFraction = defaultMaxAllocation
	}
	if r.PerAssetExposureCap <= 0 {
		r.PerAssetExposureCap = defaultExposureCap
	}
	if r.MaxDrawdownFraction <= 0 {
		r.MaxDrawdownFraction = defaultMaxDrawdown
	}
	if r.MaxLeverage <= 0 {
		r.MaxLeverage = defaultMaxLeverage
	}
	if r.MinStopDistancePct <= 0 {
		r.MinStopDistancePct = defaultMinStopDistance
	}
	if r.MinOrderUSD <= 0 {
		r.MinOrderUSD = defaultMinOrderUSD
	}
}

func (e *ExecutionConfig) applyDefaults() {
	if e.Mode == "" {
		e.Mode = defaultExecutionMode
	}
	if e.ApprovalTimeoutSeconds <= 0 {
		e.ApprovalTimeoutSeconds = defaultApprovalTimeout
	}
	if e.MaxSubmitAttempts <= 0 {
		e.MaxSubmitAttempts = defaultMaxSubmitAttempts
	}
	if e.RetryBaseMillis <= 0 {
		e.RetryBaseMillis = defaultRetryBaseMillis
	}
	if e.QueueCapacity <= 0 {
		e.QueueCapacity = defaultQueueCapacity
	}
}

func (j *JournalConfig) applyDefaults() {
	if j.Path == "" {
		j.Path = defaultJournalPath
	}
	if j.TracePath == "" {
		j.TracePath = defaultTracePath
	}
}
