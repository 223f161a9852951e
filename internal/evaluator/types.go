// Package evaluator runs the fixed roster of independent analysts against
// one snapshot and collects their bounded Recommendations.
package evaluator

import (
	"context"
	"strings"

	"quantor/internal/snapshot"
)

// Action 可选动作。
const (
	ActionBuy  = "buy"
	ActionSell = "sell"
	ActionHold = "hold"
)

// Recommendation is the single-evaluator opinion for one asset. Immutable
// once produced. A null recommendation (Null=true) stands in for a failed
// or timed-out evaluator: action hold, confidence 0.
type Recommendation struct {
	Evaluator       string  `json:"evaluator"`
	Symbol          string  `json:"symbol"`
	Action          string  `json:"action"`
	Confidence      float64 `json:"confidence"`        // 0..100
	StopDistancePct float64 `json:"stop_distance_pct"` // 止损距离，相对价格比例
	TargetPct       float64 `json:"target_pct"`        // 止盈距离，相对价格比例
	Rationale       string  `json:"rationale"`
	Null            bool    `json:"null,omitempty"`
}

// NullRecommendation stands in for an evaluator that failed or timed out.
func NullRecommendation(evaluatorID, symbol, reason string) Recommendation {
	return Recommendation{
		Evaluator:  evaluatorID,
		Symbol:     strings.ToUpper(strings.TrimSpace(symbol)),
		Action:     ActionHold,
		Confidence: 0,
		Rationale:  reason,
		Null:       true,
	}
}

// Evaluator is one independent analysis unit. Implementations correspond to
// different analytical focuses but share this single contract.
type Evaluator interface {
	ID() string
	Produce(ctx context.Context, snap *snapshot.Snapshot, symbol string) (Recommendation, error)
}

// NormalizeAction maps free-form action text onto the closed set.
func NormalizeAction(action string) string {
	switch strings.ToLower(strings.TrimSpace(action)) {
	case "buy", "long", "open_long":
		return ActionBuy
	case "sell", "short", "open_short":
		return ActionSell
	case "hold", "wait", "none":
		return ActionHold
	default:
		return ""
	}
}
