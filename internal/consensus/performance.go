package consensus

import (
	"sort"
	"sync"

	"quantor/internal/logger"
)

// PerformanceLedger tracks a rolling per-evaluator performance score used
// to adjust voting weight. Scores are an exponentially decayed mean of
// signed per-trade returns: +r when a supported position closed with
// return r, negative otherwise. Process-wide, safe for concurrent use.
type PerformanceLedger struct {
	mu     sync.Mutex
	decay  float64
	scores map[string]float64
}

func NewPerformanceLedger(decay float64) *PerformanceLedger {
	if decay <= 0 || decay >= 1 {
		decay = 0.8
	}
	return &PerformanceLedger{
		decay:  decay,
		scores: make(map[string]float64),
	}
}

// Attribute folds one closed-trade return into every supporting
// evaluator's score. tradeReturn is the signed fractional return of the
// position, e.g. +0.03 for a 3% win.
func (l *PerformanceLedger) Attribute(supporters []string, tradeReturn float64) {
	if len(supporters) == 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, id := range supporters {
		prev := l.scores[id]
		l.scores[id] = l.decay*prev + (1-l.decay)*tradeReturn
	}
	logger.Debugf("performance attributed %.4f to %d evaluators", tradeReturn, len(supporters))
}

// Score 返回某评估器当前的滚动表现，未知评估器为 0。
func (l *PerformanceLedger) Score(id string) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.scores[id]
}

// Snapshot 返回全部分数的拷贝，键按字典序遍历时稳定。
func (l *PerformanceLedger) Snapshot() map[string]float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]float64, len(l.scores))
	for id, s := range l.scores {
		out[id] = s
	}
	return out
}

// IDs 返回有记录的评估器 ID，字典序。
func (l *PerformanceLedger) IDs() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.scores))
	for id := range l.scores {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Reset clears one evaluator's history, or everything when id is empty.
func (l *PerformanceLedger) Reset(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if id == "" {
		l.scores = make(map[string]float64)
		return
	}
	delete(l.scores, id)
}
