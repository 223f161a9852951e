// Package risk converts a consensus decision into a concrete, capped
// position proposal. All money math runs on decimals; float64 only
// crosses the boundary at the edges.
package risk

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"quantor/internal/config"
	"quantor/internal/consensus"
	"quantor/internal/evaluator"
	"quantor/internal/logger"
)

// tierPolicy 固定的分档杠杆与仓位上限表。
type tierPolicy struct {
	leverage    int
	maxFraction float64 // 占账户余额的最大保证金比例
}

var tierTable = map[string]tierPolicy{
	consensus.TierLow:    {leverage: 2, maxFraction: 0.08},
	consensus.TierMedium: {leverage: 3, maxFraction: 0.15},
	consensus.TierHigh:   {leverage: 5, maxFraction: 0.25},
}

// Proposal is a fully sized trade plan, ready for the execution
// coordinator. MarginUSD obeys the allocation ceiling unconditionally.
type Proposal struct {
	ID         string
	CycleID    string
	Symbol     string
	Side       string // "buy" or "sell"
	Tier       string
	Score      float64
	Supporters []string

	MarginUSD   float64
	NotionalUSD float64
	Quantity    float64 // base asset amount
	Leverage    int
	EntryPrice  float64 // reference price at sizing time
	StopPrice   float64
	TargetPrice float64

	// Adjustments 记录每一次缩减及原因，便于审计。
	Adjustments []string
	CreatedAt   time.Time
}

// Sizer applies the risk configuration to consensus decisions.
type Sizer struct {
	cfg config.RiskConfig
}

func NewSizer(cfg config.RiskConfig) *Sizer {
	return &Sizer{cfg: cfg}
}

// Size returns nil (no trade) when the decision is hold, below the
// conviction threshold, or the computed size degenerates to dust. The
// returned proposal's margin never exceeds balance × max allocation
// fraction, regardless of score or tier.
func (s *Sizer) Size(d consensus.Decision, balance, assetExposure, price float64) (*Proposal, error) {
	if !d.Actionable() {
		return nil, nil
	}
	if balance <= 0 {
		return nil, fmt.Errorf("non-positive balance %.2f", balance)
	}
	if price <= 0 {
		return nil, fmt.Errorf("non-positive price %.4f for %s", price, d.Symbol)
	}
	policy, ok := tierTable[d.Tier]
	if !ok {
		return nil, fmt.Errorf("no sizing policy for tier %q", d.Tier)
	}

	stopDist := d.StopDistancePct
	if stopDist < s.cfg.MinStopDistancePct {
		stopDist = s.cfg.MinStopDistancePct
	}

	bal := decimal.NewFromFloat(balance)
	// 风险预算 × 置信度 ÷ 止损距离 = 期望名义价值：跌满止损距离时
	// 亏损恰好等于调整后的风险预算
	riskBudget := bal.Mul(decimal.NewFromFloat(s.cfg.RiskPerTradeFraction))
	confidence := decimal.NewFromFloat(d.Score / 100)
	notionalWant := riskBudget.Mul(confidence).Div(decimal.NewFromFloat(stopDist))

	var adjustments []string

	lev := policy.leverage
	if s.cfg.MaxLeverage > 0 && lev > s.cfg.MaxLeverage {
		lev = s.cfg.MaxLeverage
	}
	levDec := decimal.NewFromInt(int64(lev))
	marginWant := notionalWant.Div(levDec)

	// 档位上限
	tierCap := bal.Mul(decimal.NewFromFloat(policy.maxFraction))
	if marginWant.GreaterThan(tierCap) {
		adjustments = append(adjustments, fmt.Sprintf("tier cap %s: margin %s -> %s", d.Tier, marginWant.StringFixed(2), tierCap.StringFixed(2)))
		marginWant = tierCap
	}
	// 绝对上限，任何情况下不可突破
	hardCap := bal.Mul(decimal.NewFromFloat(s.cfg.MaxAllocationFraction))
	if marginWant.GreaterThan(hardCap) {
		adjustments = append(adjustments, fmt.Sprintf("allocation ceiling: margin %s -> %s", marginWant.StringFixed(2), hardCap.StringFixed(2)))
		marginWant = hardCap
	}

	// 单资产敞口上限按名义价值约束
	notional := marginWant.Mul(levDec)
	exposureCap := bal.Mul(decimal.NewFromFloat(s.cfg.PerAssetExposureCap))
	room := exposureCap.Sub(decimal.NewFromFloat(assetExposure))
	if room.LessThanOrEqual(decimal.Zero) {
		logger.Infof("risk: %s exposure %.2f already at cap %s, dropping proposal", d.Symbol, assetExposure, exposureCap.StringFixed(2))
		return nil, nil
	}
	if notional.GreaterThan(room) {
		adjustments = append(adjustments, fmt.Sprintf("exposure cap: notional %s -> %s", notional.StringFixed(2), room.StringFixed(2)))
		notional = room
		marginWant = notional.Div(levDec)
	}

	marginF, _ := marginWant.Float64()
	notionalF, _ := notional.Float64()
	if notionalF < s.cfg.MinOrderUSD {
		logger.Debugf("risk: %s sized to dust (%.2f USD < %.2f), no trade", d.Symbol, notionalF, s.cfg.MinOrderUSD)
		return nil, nil
	}

	qty, _ := notional.Div(decimal.NewFromFloat(price)).Float64()
	p := &Proposal{
		ID:          uuid.NewString(),
		CycleID:     d.CycleID,
		Symbol:      d.Symbol,
		Side:        sideFor(d.Action),
		Tier:        d.Tier,
		Score:       d.Score,
		Supporters:  append([]string(nil), d.Supporters...),
		MarginUSD:   marginF,
		NotionalUSD: notionalF,
		Quantity:    qty,
		Leverage:    lev,
		EntryPrice:  price,
		StopPrice:   protectivePrice(d.Action, price, stopDist, true),
		TargetPrice: protectivePrice(d.Action, price, targetDistance(d, stopDist), false),
		Adjustments: adjustments,
		CreatedAt:   time.Now(),
	}
	return p, nil
}

func sideFor(action string) string {
	if action == evaluator.ActionSell {
		return "sell"
	}
	return "buy"
}

// targetDistance falls back to 2x the stop distance when the evaluators
// supplied no target.
func targetDistance(d consensus.Decision, stopDist float64) float64 {
	if d.TargetPct > 0 {
		return d.TargetPct
	}
	return stopDist * 2
}

// protectivePrice 计算止损/止盈触发价。stop=true 表示止损方向。
func protectivePrice(action string, price, dist float64, stop bool) float64 {
	against := stop
	if action == evaluator.ActionSell {
		against = !stop
	}
	if against {
		return price * (1 - dist)
	}
	return price * (1 + dist)
}
