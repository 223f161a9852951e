package consensus

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLedgerDecayedMean(t *testing.T) {
	l := NewPerformanceLedger(0.8)
	l.Attribute([]string{"technical"}, 0.10)
	// 0.8*0 + 0.2*0.10
	assert.InDelta(t, 0.02, l.Score("technical"), 1e-9)
	l.Attribute([]string{"technical"}, -0.05)
	// 0.8*0.02 + 0.2*(-0.05)
	assert.InDelta(t, 0.006, l.Score("technical"), 1e-9)
}

func TestLedgerUnknownEvaluatorIsZero(t *testing.T) {
	l := NewPerformanceLedger(0.8)
	assert.Zero(t, l.Score("nobody"))
}

func TestLedgerReset(t *testing.T) {
	l := NewPerformanceLedger(0.8)
	l.Attribute([]string{"technical", "quant"}, 0.1)
	l.Reset("technical")
	assert.Zero(t, l.Score("technical"))
	assert.NotZero(t, l.Score("quant"))

	l.Reset("")
	assert.Empty(t, l.IDs())
}

func TestLedgerConcurrentAttribution(t *testing.T) {
	l := NewPerformanceLedger(0.8)
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				l.Attribute([]string{"technical"}, 0.01)
				_ = l.Score("technical")
			}
		}()
	}
	wg.Wait()
	assert.Greater(t, l.Score("technical"), 0.0)
}
