// Package consensus reconciles the evaluator recommendations for one
// asset into a single conviction-scored decision via weighted voting.
package consensus

import (
	"time"
)

// Conviction tiers 按共识分数分档。
const (
	TierNone   = "none"
	TierLow    = "low"
	TierMedium = "medium"
	TierHigh   = "high"
)

// Decision is the arbiter output for one asset in one cycle.
type Decision struct {
	CycleID string
	Symbol  string
	Action  string  // buy / sell / hold
	Score   float64 // 0..100, weighted confidence mass of the winning class
	Tier    string

	// Weights 本轮每个评估器实际使用的有效权重（含表现调整）。
	Weights map[string]float64
	// Supporters 赢面动作的支持者 ID，按字典序。
	Supporters []string

	StopDistancePct float64
	TargetPct       float64
	Rationale       string
	NullCount       int
	DecidedAt       time.Time
}

// Actionable reports whether the decision should flow into sizing.
func (d Decision) Actionable() bool {
	return d.Action != "" && d.Action != "hold" && d.Tier != TierNone
}

// TierFor maps a consensus score onto its conviction tier. The no-trade
// boundary is configurable; the upper bands are fixed.
func TierFor(score, noTradeThreshold float64) string {
	switch {
	case score < noTradeThreshold:
		return TierNone
	case score < 60:
		return TierLow
	case score < 80:
		return TierMedium
	default:
		return TierHigh
	}
}
