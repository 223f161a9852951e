package evaluator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"quantor/internal/gateway/provider"
	"quantor/internal/logger"
	"quantor/internal/pkg/circuit"
	"quantor/internal/pkg/jsonutil"
	"quantor/internal/snapshot"
)

// outputContract 附加在每个 system prompt 末尾，约束模型只输出单个 JSON 对象。
const outputContract = `

## Output
Respond with exactly one JSON object, no prose outside it:
{"action":"buy|sell|hold","confidence":0-100,"stop_distance_pct":0.015,"target_pct":0.04,"rationale":"one short sentence"}
stop_distance_pct and target_pct are fractions of current price and are required when action is buy or sell.`

// TraceSink 接收每次模型调用的原始输入输出，用于事后排查。
type TraceSink interface {
	EvaluatorTrace(ctx context.Context, evaluatorID, symbol, system, user, raw, errMsg string) error
}

// ProfileEvaluator is one roster member backed by a chat model. The
// profile (role, system prompt) is resolved from the registry on every
// call so hot reloads take effect at the next cycle.
type ProfileEvaluator struct {
	id       string
	registry *Registry
	reasoner provider.Reasoner
	breaker  *circuit.Breaker
	trace    TraceSink
}

func NewProfileEvaluator(id string, reg *Registry, rsn provider.Reasoner, br *circuit.Breaker) *ProfileEvaluator {
	return &ProfileEvaluator{
		id:       strings.ToLower(strings.TrimSpace(id)),
		registry: reg,
		reasoner: rsn,
		breaker:  br,
	}
}

// WithTrace 挂接调用日志，nil 表示不记录。
func (p *ProfileEvaluator) WithTrace(sink TraceSink) *ProfileEvaluator {
	p.trace = sink
	return p
}

func (p *ProfileEvaluator) ID() string { return p.id }

func (p *ProfileEvaluator) Produce(ctx context.Context, snap *snapshot.Snapshot, symbol string) (Recommendation, error) {
	if p.breaker != nil && !p.breaker.Allow() {
		return Recommendation{}, fmt.Errorf("provider circuit open for %s", p.id)
	}
	prof, ok := p.registry.Profile(p.id)
	if !ok {
		return Recommendation{}, fmt.Errorf("no profile registered for %s", p.id)
	}
	market, ok := snap.Market(symbol)
	if !ok {
		return Recommendation{}, fmt.Errorf("no market data for %s", symbol)
	}

	payload := provider.ChatPayload{
		System: prof.SystemPrompt + outputContract,
		User:   renderUserPrompt(snap, market),
	}
	out, err := p.reasoner.Call(ctx, payload)
	if err != nil {
		if p.breaker != nil {
			p.breaker.RecordFailure()
		}
		p.recordTrace(ctx, symbol, payload, "", err.Error())
		return Recommendation{}, fmt.Errorf("provider call failed: %w", err)
	}
	if p.breaker != nil {
		p.breaker.RecordSuccess()
	}

	block, found := jsonutil.ExtractObject(out)
	if !found {
		p.recordTrace(ctx, symbol, payload, out, "未找到 JSON 对象")
		return Recommendation{}, fmt.Errorf("未找到 JSON 对象")
	}
	rec, err := ParseRecommendation(p.id, symbol, block)
	if err != nil {
		p.recordTrace(ctx, symbol, payload, out, err.Error())
		return Recommendation{}, err
	}
	p.recordTrace(ctx, symbol, payload, out, "")
	return rec, nil
}

func (p *ProfileEvaluator) recordTrace(ctx context.Context, symbol string, payload provider.ChatPayload, raw, errMsg string) {
	if p.trace == nil {
		return
	}
	if terr := p.trace.EvaluatorTrace(ctx, p.id, symbol, payload.System, payload.User, raw, errMsg); terr != nil {
		logger.Warnf("记录评估日志失败 %s/%s: %v", p.id, symbol, terr)
	}
}

// renderUserPrompt 把快照中与本资产相关的部分渲染为提示词。市场数据用
// 紧凑 JSON 给出，持仓只保留本资产的摘要。
func renderUserPrompt(snap *snapshot.Snapshot, market snapshot.AssetMarket) string {
	var b strings.Builder
	b.WriteString("## Market\n")
	if raw, err := json.Marshal(market); err == nil {
		b.Write(raw)
	}
	b.WriteString("\n\n## Account\n")
	fmt.Fprintf(&b, "balance=%.2f available=%.2f (%s)\n",
		snap.Account.Balance, snap.Account.Available, snap.Account.StakeCurrency)

	b.WriteString("\n## Open Position\n")
	found := false
	for _, p := range snap.Positions {
		if !strings.EqualFold(p.Symbol, market.Symbol) {
			continue
		}
		found = true
		fmt.Fprintf(&b, "side=%s amount=%.6f entry=%.4f notional_usd=%.2f unrealized_pnl=%.2f\n",
			p.Side, p.Amount, p.EntryPrice, p.NotionalUSD, p.UnrealizedPnL)
	}
	if !found {
		b.WriteString("none\n")
	}
	fmt.Fprintf(&b, "\nTimestamp: %s\n", snap.TakenAt.UTC().Format("2006-01-02 15:04:05Z"))
	return b.String()
}
