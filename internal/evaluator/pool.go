package evaluator

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"quantor/internal/logger"
	"quantor/internal/snapshot"
)

// Pool fans the roster out concurrently against one snapshot. Every
// evaluator gets its own timeout budget; a slow or failing evaluator is
// recorded as a null recommendation and never stalls its siblings. The
// pool always returns exactly len(roster) recommendations.
type Pool struct {
	roster  []Evaluator
	timeout time.Duration
}

func NewPool(roster []Evaluator, timeout time.Duration) *Pool {
	if timeout <= 0 {
		timeout = time.Minute
	}
	return &Pool{roster: roster, timeout: timeout}
}

func (p *Pool) Size() int { return len(p.roster) }

// Collect runs every evaluator for one symbol. The returned slice is index
// aligned with the roster; order is stable across cycles.
func (p *Pool) Collect(ctx context.Context, snap *snapshot.Snapshot, symbol string) []Recommendation {
	results := make([]Recommendation, len(p.roster))
	eg := new(errgroup.Group)
	for i, ev := range p.roster {
		i, ev := i, ev
		eg.Go(func() error {
			results[i] = p.runOne(ctx, ev, snap, symbol)
			return nil
		})
	}
	_ = eg.Wait()
	return results
}

func (p *Pool) runOne(ctx context.Context, ev Evaluator, snap *snapshot.Snapshot, symbol string) Recommendation {
	evalCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := time.Now()
	rec, err := ev.Produce(evalCtx, snap, symbol)
	elapsed := time.Since(start).Truncate(time.Millisecond)
	if err != nil {
		reason := err.Error()
		if evalCtx.Err() != nil {
			reason = fmt.Sprintf("timeout after %s: %v", elapsed, err)
		}
		logger.Warnf("evaluator %s failed for %s (elapsed=%s): %v", ev.ID(), symbol, elapsed, err)
		return NullRecommendation(ev.ID(), symbol, reason)
	}
	if verr := checkShape(rec); verr != nil {
		logger.Warnf("evaluator %s returned malformed recommendation for %s: %v", ev.ID(), symbol, verr)
		return NullRecommendation(ev.ID(), symbol, verr.Error())
	}
	logger.Debugf("evaluator %s -> %s %s conf=%.0f (elapsed=%s)", ev.ID(), rec.Action, symbol, rec.Confidence, elapsed)
	return rec
}

// checkShape enforces the recommendation contract after the evaluator's
// own parsing: closed action set and bounded confidence. Malformed output
// is treated identically to failure.
func checkShape(rec Recommendation) error {
	if NormalizeAction(rec.Action) == "" {
		return fmt.Errorf("invalid action %q", rec.Action)
	}
	if rec.Confidence < 0 || rec.Confidence > 100 {
		return fmt.Errorf("confidence %.1f outside [0,100]", rec.Confidence)
	}
	if rec.StopDistancePct < 0 || rec.TargetPct < 0 {
		return fmt.Errorf("negative stop/target distance")
	}
	return nil
}
