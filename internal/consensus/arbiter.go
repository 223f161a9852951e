package consensus

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"quantor/internal/config"
	"quantor/internal/evaluator"
	"quantor/internal/logger"
)

// Arbiter 按加权投票把同一资产的多份建议合成一个决策。
// 规则：
// - 每个评估器一票，票值 = 基础权重 × (1 + 表现调整)，调整截断在 ±clamp
// - 每个动作类的质量 = Σ(票值 × confidence)，null 建议计入 hold、置信度记 0
// - 胜出动作取质量最高者；共识分数 = 胜出质量 / 总票值，落在 [0,100]
// - 多空质量差在 tie_epsilon 内视为信号模糊，强制 hold
// - 全部输入为 null 时输出 hold、分数 0
// 仲裁本身永不失败，也不含随机性：同样的输入和权重必得同样的输出。
type Arbiter struct {
	cfg  config.ConsensusConfig
	perf *PerformanceLedger
}

func NewArbiter(cfg config.ConsensusConfig, perf *PerformanceLedger) *Arbiter {
	return &Arbiter{cfg: cfg, perf: perf}
}

type classMass struct {
	mass       float64
	supporters []string
}

// Decide reconciles one asset's recommendations. baseWeights maps
// evaluator ID to its configured weight; missing entries default to 1.
func (a *Arbiter) Decide(cycleID, symbol string, recs []evaluator.Recommendation, baseWeights map[string]float64) Decision {
	d := Decision{
		CycleID:   cycleID,
		Symbol:    strings.ToUpper(strings.TrimSpace(symbol)),
		Action:    evaluator.ActionHold,
		Tier:      TierNone,
		Weights:   make(map[string]float64, len(recs)),
		DecidedAt: time.Now(),
	}
	if len(recs) == 0 {
		d.Rationale = "no recommendations"
		return d
	}

	classes := map[string]*classMass{
		evaluator.ActionBuy:  {},
		evaluator.ActionSell: {},
		evaluator.ActionHold: {},
	}
	totalWeight := 0.0
	for _, rec := range recs {
		w := effectiveWeight(rec.Evaluator, baseWeights, a.perf, a.cfg.PerfClamp)
		d.Weights[rec.Evaluator] = w
		totalWeight += w
		action := rec.Action
		conf := rec.Confidence
		if rec.Null {
			action = evaluator.ActionHold
			conf = 0
		}
		cls, ok := classes[action]
		if !ok {
			cls = classes[evaluator.ActionHold]
			conf = 0
		}
		cls.mass += w * conf
		cls.supporters = append(cls.supporters, rec.Evaluator)
		if rec.Null {
			d.NullCount++
		}
	}
	if totalWeight <= 0 {
		d.Rationale = "zero total weight"
		return d
	}

	buyScore := classes[evaluator.ActionBuy].mass / totalWeight
	sellScore := classes[evaluator.ActionSell].mass / totalWeight
	holdScore := classes[evaluator.ActionHold].mass / totalWeight

	action := evaluator.ActionHold
	score := holdScore
	switch {
	case math.Abs(buyScore-sellScore) <= a.cfg.TieEpsilon && buyScore > 0 && sellScore > 0:
		// 多空势均力敌，属于刻意的模糊信号处理，不是遗漏
		d.Rationale = fmt.Sprintf("ambiguous signal: buy %.1f vs sell %.1f within epsilon %.1f", buyScore, sellScore, a.cfg.TieEpsilon)
	case buyScore > sellScore && buyScore > holdScore:
		action, score = evaluator.ActionBuy, buyScore
	case sellScore > buyScore && sellScore > holdScore:
		action, score = evaluator.ActionSell, sellScore
	}

	d.Score = clampScore(score)
	d.Tier = TierFor(d.Score, a.cfg.NoTradeThreshold)
	if action != evaluator.ActionHold && d.Tier == TierNone {
		logger.Debugf("consensus %s: %s score %.1f below threshold %.1f, holding",
			d.Symbol, action, d.Score, a.cfg.NoTradeThreshold)
		action = evaluator.ActionHold
	}
	d.Action = action

	if action != evaluator.ActionHold {
		winners := pickSupporters(recs, action)
		d.Supporters = winners
		d.StopDistancePct = medianStop(recs, action)
		d.TargetPct = medianTarget(recs, action)
		d.Rationale = summarize(recs, action)
	} else if d.Rationale == "" {
		d.Rationale = fmt.Sprintf("hold consensus (buy %.1f / sell %.1f / hold %.1f)", buyScore, sellScore, holdScore)
	}
	return d
}

func effectiveWeight(id string, base map[string]float64, perf *PerformanceLedger, clamp float64) float64 {
	w := 1.0
	if base != nil {
		if v, ok := base[id]; ok && v > 0 {
			w = v
		}
	}
	if perf != nil {
		adj := perf.Score(id)
		if adj > clamp {
			adj = clamp
		}
		if adj < -clamp {
			adj = -clamp
		}
		w *= 1 + adj
	}
	return w
}

func clampScore(s float64) float64 {
	if s < 0 {
		return 0
	}
	if s > 100 {
		return 100
	}
	return s
}

func pickSupporters(recs []evaluator.Recommendation, action string) []string {
	var out []string
	for _, r := range recs {
		if !r.Null && r.Action == action {
			out = append(out, r.Evaluator)
		}
	}
	sort.Strings(out)
	return out
}

// medianStop 取胜出方向支持者止损距离的中位数，作为“最窄安全”折中。
func medianStop(recs []evaluator.Recommendation, action string) float64 {
	return medianOf(recs, action, func(r evaluator.Recommendation) float64 { return r.StopDistancePct })
}

func medianTarget(recs []evaluator.Recommendation, action string) float64 {
	return medianOf(recs, action, func(r evaluator.Recommendation) float64 { return r.TargetPct })
}

func medianOf(recs []evaluator.Recommendation, action string, pick func(evaluator.Recommendation) float64) float64 {
	var vals []float64
	for _, r := range recs {
		if r.Null || r.Action != action {
			continue
		}
		if v := pick(r); v > 0 {
			vals = append(vals, v)
		}
	}
	if len(vals) == 0 {
		return 0
	}
	sort.Float64s(vals)
	mid := len(vals) / 2
	if len(vals)%2 == 1 {
		return vals[mid]
	}
	return (vals[mid-1] + vals[mid]) / 2
}

func summarize(recs []evaluator.Recommendation, action string) string {
	var parts []string
	for _, r := range recs {
		if r.Null || r.Action != action || r.Rationale == "" {
			continue
		}
		parts = append(parts, fmt.Sprintf("%s: %s", r.Evaluator, r.Rationale))
	}
	sort.Strings(parts)
	return strings.Join(parts, " | ")
}
