package risk

import (
	"math"
	"sync"
)

// ReturnWindow keeps a bounded history of per-cycle account returns and
// derives a Sharpe-like risk metric from it. Fewer than two samples give
// a metric of 0.
type ReturnWindow struct {
	mu      sync.Mutex
	limit   int
	returns []float64
}

func NewReturnWindow(limit int) *ReturnWindow {
	if limit <= 0 {
		limit = 256
	}
	return &ReturnWindow{limit: limit}
}

// Observe 追加一次周期收益率（比例，非百分数）。
func (w *ReturnWindow) Observe(r float64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.returns = append(w.returns, r)
	if len(w.returns) > w.limit {
		w.returns = w.returns[len(w.returns)-w.limit:]
	}
}

// Metric returns mean/stdev of the observed returns, 0 when degenerate.
func (w *ReturnWindow) Metric() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := len(w.returns)
	if n < 2 {
		return 0
	}
	mean := 0.0
	for _, r := range w.returns {
		mean += r
	}
	mean /= float64(n)
	varSum := 0.0
	for _, r := range w.returns {
		d := r - mean
		varSum += d * d
	}
	stdev := math.Sqrt(varSum / float64(n-1))
	if stdev == 0 {
		return 0
	}
	return mean / stdev
}
