package config

import (
	"fmt"
	"strings"
)

// validate 对配置进行基础校验。
func validate(c *Config) error {
	if err := c.Market.validate(); err != nil {
		return err
	}
	if err := c.Consensus.validate(); err != nil {
		return err
	}
	if err := c.Risk.validate(); err != nil {
		return err
	}
	if err := c.Execution.validate(); err != nil {
		return err
	}
	return nil
}

func (m *MarketConfig) validate() error {
	if len(m.Assets) == 0 {
		return fmt.Errorf("market.assets requires at least one asset")
	}
	seen := make(map[string]struct{}, len(m.Assets))
	for i, a := range m.Assets {
		a = strings.ToUpper(strings.TrimSpace(a))
		if a == "" {
			return fmt.Errorf("market.assets contains an empty entry")
		}
		if _, dup := seen[a]; dup {
			return fmt.Errorf("market.assets contains duplicate asset: %s", a)
		}
		seen[a] = struct{}{}
		m.Assets[i] = a
	}
	return nil
}

func (c *ConsensusConfig) validate() error {
	if c.NoTradeThreshold < 0 || c.NoTradeThreshold > 100 {
		return fmt.Errorf("consensus.no_trade_threshold must be within [0,100]")
	}
	if c.PerfClamp <= 0 || c.PerfClamp >= 1 {
		return fmt.Errorf("consensus.perf_clamp must be within (0,1)")
	}
	if c.PerfDecay <= 0 || c.PerfDecay >= 1 {
		return fmt.Errorf("consensus.perf_decay must be within (0,1)")
	}
	return nil
}

func (r *RiskConfig) validate() error {
	if r.RiskPerTradeFraction <= 0 || r.RiskPerTradeFraction > 0.1 {
		return fmt.Errorf("risk.risk_per_trade_fraction must be within (0,0.1]")
	}
	if r.MaxAllocationFraction <= 0 || r.MaxAllocationFraction > 1 {
		return fmt.Errorf("risk.max_allocation_fraction must be within (0,1]")
	}
	// 敞口上限约束的是名义价值，至少要容得下满杠杆的一笔最大仓位
	if r.PerAssetExposureCap < r.MaxAllocationFraction {
		return fmt.Errorf("risk.per_asset_exposure_cap must be >= risk.max_allocation_fraction")
	}
	if r.MaxDrawdownFraction <= 0 || r.MaxDrawdownFraction >= 1 {
		return fmt.Errorf("risk.max_drawdown_fraction must be within (0,1)")
	}
	if r.MaxLeverage < 1 {
		return fmt.Errorf("risk.max_leverage must be >= 1")
	}
	return nil
}

func (e *ExecutionConfig) validate() error {
	mode := strings.ToLower(strings.TrimSpace(e.Mode))
	if mode != "systematic" && mode != "manual" {
		return fmt.Errorf("execution.mode must be systematic or manual, got %q", e.Mode)
	}
	if e.MaxSubmitAttempts < 1 {
		return fmt.Errorf("execution.max_submit_attempts must be >= 1")
	}
	return nil
}
