package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"quantor/internal/config"
	"quantor/internal/consensus"
	"quantor/internal/evaluator"
	"quantor/internal/executor"
	"quantor/internal/journal"
	"quantor/internal/logger"
	"quantor/internal/risk"
	"quantor/internal/snapshot"
)

// Engine runs one full decision cycle: snapshot, evaluation, arbitration,
// sizing, execution. Assets are processed concurrently; the coordinator
// serializes per-asset execution on its side.
type Engine struct {
	cfg       *config.Config
	assembler *snapshot.Assembler
	pool      *evaluator.Pool
	profiles  *evaluator.Registry
	arbiter   *consensus.Arbiter
	perf      *consensus.PerformanceLedger
	sizer     *risk.Sizer
	coord     *executor.Coordinator
	journal   *journal.Journal
	window    *risk.ReturnWindow

	lastBalance float64
	peakBalance float64
}

// Cycle executes one complete pass. Errors abort only the current cycle;
// the scheduler will fire again at the next boundary.
func (e *Engine) Cycle(ctx context.Context) {
	cycleID := uuid.NewString()
	started := time.Now()
	logger.Infof("cycle %s started", cycleID)

	expired := e.coord.ExpireStale(started)
	if expired > 0 {
		logger.Infof("cycle %s: expired %d unapproved proposals", cycleID, expired)
	}
	if e.coord.Stopped() {
		e.suspendedCycle(ctx, cycleID, started)
		return
	}

	snap, err := e.assembler.Assemble(ctx, cycleID)
	if err != nil {
		logger.Errorf("cycle %s aborted: snapshot assembly failed: %v", cycleID, err)
		e.journal.Cycle(cycleID, started, time.Now(), 0, 0, fmt.Sprintf("aborted: %v", err))
		return
	}

	e.reconcileClosed(snap)
	e.observeReturn(cycleID, snap.Account.Balance)

	if e.checkDrawdown(ctx, snap) {
		e.journal.Cycle(cycleID, started, time.Now(), 0, 0, "suspended: drawdown limit breached")
		return
	}
	// 组装快照期间可能有人拉了急停
	if e.coord.Stopped() {
		e.journal.Cycle(cycleID, started, time.Now(), 0, 0, "suspended: emergency stop")
		return
	}

	weights := e.assembleWeights()
	eg, egCtx := errgroup.WithContext(ctx)
	for _, asset := range e.cfg.Market.Assets {
		asset := asset
		if reason, skipped := snap.Skipped[asset]; skipped {
			logger.Warnf("cycle %s: %s skipped: %s", cycleID, asset, reason)
			continue
		}
		eg.Go(func() error {
			e.processAsset(egCtx, snap, asset, weights)
			return nil
		})
	}
	_ = eg.Wait()

	e.journal.Cycle(cycleID, started, time.Now(), len(e.cfg.Market.Assets), len(snap.Skipped), "")
	logger.Infof("cycle %s finished in %s", cycleID, time.Since(started).Truncate(time.Millisecond))
}

// processAsset runs the per-asset pipeline. Nothing here returns an
// error: every failure mode downgrades to hold or a logged skip.
func (e *Engine) processAsset(ctx context.Context, snap *snapshot.Snapshot, asset string, weights map[string]float64) {
	recs := e.pool.Collect(ctx, snap, asset)
	decision := e.arbiter.Decide(snap.CycleID, asset, recs, weights)
	e.journal.Decision(decision.CycleID, decision.Symbol, decision.Action, decision.Score,
		decision.Tier, decision.NullCount, decision.StopDistancePct, decision.TargetPct,
		decision.Supporters, decision.Rationale, decision.DecidedAt)
	logger.Infof("consensus %s: %s score=%.1f tier=%s nulls=%d",
		decision.Symbol, decision.Action, decision.Score, decision.Tier, decision.NullCount)

	if !decision.Actionable() {
		return
	}
	market, ok := snap.Market(asset)
	if !ok {
		return
	}
	proposal, err := e.sizer.Size(decision, snap.Account.Balance, snap.ExposureUSD(asset), market.Price)
	if err != nil {
		logger.Errorf("sizing %s failed: %v", asset, err)
		return
	}
	if proposal == nil {
		return
	}
	for _, adj := range proposal.Adjustments {
		logger.Infof("sizing %s: %s", asset, adj)
	}

	ticket, err := e.coord.Handle(ctx, proposal)
	if err != nil {
		logger.Warnf("execution %s: %v", asset, err)
		return
	}
	logger.Infof("execution %s: proposal %s now %s", asset, proposal.ID, ticket.State())
}

// suspendedCycle runs while the emergency stop is engaged: retry forced
// closes and reconcile, never evaluate or open new exposure.
func (e *Engine) suspendedCycle(ctx context.Context, cycleID string, started time.Time) {
	logger.Warnf("cycle %s: emergency stop engaged, evaluation suspended", cycleID)
	e.coord.CloseRemaining()
	snap, err := e.assembler.Assemble(ctx, cycleID)
	if err != nil {
		logger.Errorf("cycle %s: snapshot assembly failed while stopped: %v", cycleID, err)
		e.journal.Cycle(cycleID, started, time.Now(), 0, 0, fmt.Sprintf("suspended: %v", err))
		return
	}
	e.reconcileClosed(snap)
	e.journal.Cycle(cycleID, started, time.Now(), 0, 0, "suspended: emergency stop")
}

// checkDrawdown tracks peak equity and, when the drawdown limit is
// breached, force-closes every protected position and blocks its asset
// until an operator clears it.
func (e *Engine) checkDrawdown(ctx context.Context, snap *snapshot.Snapshot) bool {
	balance := snap.Account.Balance
	if balance > e.peakBalance {
		e.peakBalance = balance
	}
	limit := e.cfg.Risk.MaxDrawdownFraction
	if limit <= 0 || e.peakBalance <= 0 {
		return false
	}
	dd := (e.peakBalance - balance) / e.peakBalance
	if dd < limit {
		return false
	}
	reason := fmt.Sprintf("drawdown %.1f%% breached limit %.1f%%", dd*100, limit*100)
	logger.Errorf("risk: %s, force-closing open positions", reason)
	e.journal.Metric(snap.CycleID, "drawdown", dd)
	for _, asset := range e.cfg.Market.Assets {
		ticket, ok := e.coord.Ticket(asset)
		if !ok || ticket.State() != executor.StateProtected {
			continue
		}
		if err := e.coord.ForceClose(ctx, asset, reason); err != nil {
			logger.Errorf("risk: forced close %s failed: %v", asset, err)
			continue
		}
		e.attribute(snap, ticket)
	}
	return true
}

// reconcileClosed resolves Protected tickets whose venue position has
// disappeared, attributing the realized return to the supporting
// evaluators.
func (e *Engine) reconcileClosed(snap *snapshot.Snapshot) {
	for _, asset := range e.cfg.Market.Assets {
		ticket, ok := e.coord.Ticket(asset)
		if !ok || ticket.State() != executor.StateProtected {
			continue
		}
		if hasPosition(snap, asset) {
			continue
		}
		closed, err := e.coord.MarkClosed(asset, "position no longer on venue")
		if err != nil {
			logger.Warnf("reconcile %s: %v", asset, err)
			continue
		}
		e.attribute(snap, closed)
	}
}

// attribute approximates the trade return from entry price to the
// current snapshot price. Venue-side fills would be more precise; the
// sign is what drives the performance ledger.
func (e *Engine) attribute(snap *snapshot.Snapshot, t *executor.Ticket) {
	p := t.Proposal
	market, ok := snap.Market(p.Symbol)
	if !ok || p.EntryPrice <= 0 {
		return
	}
	ret := (market.Price - p.EntryPrice) / p.EntryPrice
	if p.Side == "sell" {
		ret = -ret
	}
	e.perf.Attribute(p.Supporters, ret)
	logger.Infof("attribution %s: return %.4f credited to %s",
		p.Symbol, ret, strings.Join(p.Supporters, ","))
}

func (e *Engine) observeReturn(cycleID string, balance float64) {
	if e.lastBalance > 0 && balance > 0 {
		e.window.Observe((balance - e.lastBalance) / e.lastBalance)
		e.journal.Metric(cycleID, "risk_metric", e.window.Metric())
	}
	e.lastBalance = balance
}

// assembleWeights merges profile weights with config overrides and the
// risk evaluator boost.
func (e *Engine) assembleWeights() map[string]float64 {
	out := make(map[string]float64)
	for id, p := range e.profiles.Snapshot().Profiles {
		w := p.Weight
		if w <= 0 {
			w = 1
		}
		out[id] = w
	}
	for id, w := range e.cfg.Evaluator.Weights {
		if w > 0 {
			out[strings.ToLower(id)] = w
		}
	}
	if boost := e.cfg.Evaluator.RiskWeightBoost; boost > 0 {
		if w, ok := out["risk"]; ok {
			out["risk"] = w * boost
		}
	}
	return out
}

func hasPosition(snap *snapshot.Snapshot, symbol string) bool {
	for _, p := range snap.Positions {
		if strings.EqualFold(p.Symbol, symbol) && p.Amount != 0 {
			return true
		}
	}
	return false
}
