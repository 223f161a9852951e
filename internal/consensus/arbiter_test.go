package consensus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quantor/internal/config"
	"quantor/internal/evaluator"
)

func testConfig() config.ConsensusConfig {
	return config.ConsensusConfig{
		NoTradeThreshold: 40,
		TieEpsilon:       1.0,
		PerfClamp:        0.5,
		PerfDecay:        0.8,
	}
}

func rec(id, action string, conf float64) evaluator.Recommendation {
	return evaluator.Recommendation{
		Evaluator:       id,
		Symbol:          "BTCUSDT",
		Action:          action,
		Confidence:      conf,
		StopDistancePct: 0.01,
		TargetPct:       0.03,
	}
}

func TestDecideAllBuyHighConviction(t *testing.T) {
	// 四个评估器一致看多，风险评估器权重 1.2
	arb := NewArbiter(testConfig(), nil)
	recs := []evaluator.Recommendation{
		rec("technical", evaluator.ActionBuy, 92),
		rec("ml", evaluator.ActionBuy, 88),
		rec("risk", evaluator.ActionBuy, 85),
		rec("quant", evaluator.ActionBuy, 90),
	}
	weights := map[string]float64{"technical": 1.0, "ml": 1.0, "risk": 1.2, "quant": 1.0}

	d := arb.Decide("c1", "btcusdt", recs, weights)
	assert.Equal(t, evaluator.ActionBuy, d.Action)
	assert.Equal(t, "BTCUSDT", d.Symbol)
	assert.InDelta(t, 88.57, d.Score, 0.1)
	assert.Equal(t, TierHigh, d.Tier)
	assert.Equal(t, []string{"ml", "quant", "risk", "technical"}, d.Supporters)
	assert.True(t, d.Actionable())
}

func TestDecideDeterministic(t *testing.T) {
	arb := NewArbiter(testConfig(), nil)
	recs := []evaluator.Recommendation{
		rec("technical", evaluator.ActionBuy, 75),
		rec("ml", evaluator.ActionSell, 40),
		rec("risk", evaluator.ActionHold, 60),
		rec("quant", evaluator.ActionBuy, 81),
	}
	weights := map[string]float64{"risk": 1.2}

	first := arb.Decide("c1", "BTCUSDT", recs, weights)
	for i := 0; i < 50; i++ {
		again := arb.Decide("c1", "BTCUSDT", recs, weights)
		require.Equal(t, first.Action, again.Action)
		require.Equal(t, first.Score, again.Score)
		require.Equal(t, first.Tier, again.Tier)
		require.Equal(t, first.Supporters, again.Supporters)
	}
}

func TestDecideSplitOpinionHolds(t *testing.T) {
	// 两多两空，势均力敌，且双方质量都低于阈值
	arb := NewArbiter(testConfig(), nil)
	recs := []evaluator.Recommendation{
		rec("technical", evaluator.ActionBuy, 70),
		rec("ml", evaluator.ActionBuy, 65),
		rec("risk", evaluator.ActionSell, 72),
		rec("quant", evaluator.ActionSell, 68),
	}
	d := arb.Decide("c1", "BTCUSDT", recs, nil)
	assert.Equal(t, evaluator.ActionHold, d.Action)
	assert.False(t, d.Actionable())
}

func TestDecideTieBreakWithinEpsilon(t *testing.T) {
	// 多空质量 45 vs 46 落在 epsilon 内，必须 hold
	arb := NewArbiter(testConfig(), nil)
	recs := []evaluator.Recommendation{
		rec("technical", evaluator.ActionBuy, 90),
		rec("ml", evaluator.ActionSell, 92),
	}
	d := arb.Decide("c1", "BTCUSDT", recs, nil)
	assert.Equal(t, evaluator.ActionHold, d.Action)
	assert.Contains(t, d.Rationale, "ambiguous")
	assert.False(t, d.Actionable())
}

func TestDecideNullIsolation(t *testing.T) {
	// ML 超时给出 null，其余三个看多，仍应产出有效决策
	arb := NewArbiter(testConfig(), nil)
	recs := []evaluator.Recommendation{
		rec("technical", evaluator.ActionBuy, 80),
		evaluator.NullRecommendation("ml", "BTCUSDT", "timeout"),
		rec("risk", evaluator.ActionBuy, 82),
		rec("quant", evaluator.ActionBuy, 79),
	}
	d := arb.Decide("c1", "BTCUSDT", recs, nil)
	assert.Equal(t, evaluator.ActionBuy, d.Action)
	assert.Equal(t, 1, d.NullCount)
	// null 只摊薄总权重：(80+82+79)/4
	assert.InDelta(t, 60.25, d.Score, 0.01)
	assert.Equal(t, TierMedium, d.Tier)
	assert.NotContains(t, d.Supporters, "ml")
}

func TestDecideAllNullYieldsZeroHold(t *testing.T) {
	arb := NewArbiter(testConfig(), nil)
	recs := []evaluator.Recommendation{
		evaluator.NullRecommendation("technical", "BTCUSDT", "fail"),
		evaluator.NullRecommendation("ml", "BTCUSDT", "fail"),
		evaluator.NullRecommendation("risk", "BTCUSDT", "fail"),
		evaluator.NullRecommendation("quant", "BTCUSDT", "fail"),
	}
	d := arb.Decide("c1", "BTCUSDT", recs, nil)
	assert.Equal(t, evaluator.ActionHold, d.Action)
	assert.Zero(t, d.Score)
	assert.Equal(t, 4, d.NullCount)
	assert.Equal(t, TierNone, d.Tier)
}

func TestDecideBelowThresholdHolds(t *testing.T) {
	arb := NewArbiter(testConfig(), nil)
	recs := []evaluator.Recommendation{
		rec("technical", evaluator.ActionBuy, 35),
		rec("ml", evaluator.ActionBuy, 38),
		rec("risk", evaluator.ActionHold, 10),
		rec("quant", evaluator.ActionHold, 5),
	}
	d := arb.Decide("c1", "BTCUSDT", recs, nil)
	assert.Equal(t, evaluator.ActionHold, d.Action)
	assert.Equal(t, TierNone, d.Tier)
}

func TestDecidePerformanceAdjustmentShiftsWeight(t *testing.T) {
	perf := NewPerformanceLedger(0.8)
	// technical 连续亏损，权重应被压低
	for i := 0; i < 20; i++ {
		perf.Attribute([]string{"technical"}, -1)
		perf.Attribute([]string{"quant"}, 1)
	}
	arb := NewArbiter(testConfig(), perf)
	recs := []evaluator.Recommendation{
		rec("technical", evaluator.ActionBuy, 90),
		rec("quant", evaluator.ActionSell, 88),
	}
	d := arb.Decide("c1", "BTCUSDT", recs, nil)
	assert.Equal(t, evaluator.ActionSell, d.Action)
	assert.Less(t, d.Weights["technical"], d.Weights["quant"])
	// clamp 在 ±0.5，权重被限制在 [0.5, 1.5] 区间
	assert.GreaterOrEqual(t, d.Weights["technical"], 0.5)
	assert.LessOrEqual(t, d.Weights["quant"], 1.5)
}

func TestMedianStopReconciliation(t *testing.T) {
	arb := NewArbiter(testConfig(), nil)
	a := rec("technical", evaluator.ActionBuy, 90)
	a.StopDistancePct = 0.01
	b := rec("ml", evaluator.ActionBuy, 88)
	b.StopDistancePct = 0.02
	c := rec("quant", evaluator.ActionBuy, 86)
	c.StopDistancePct = 0.05
	d := arb.Decide("c1", "BTCUSDT", []evaluator.Recommendation{a, b, c}, nil)
	assert.Equal(t, 0.02, d.StopDistancePct)
}
