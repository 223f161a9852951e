package evaluator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quantor/internal/snapshot"
)

type stubEvaluator struct {
	id    string
	rec   Recommendation
	err   error
	delay time.Duration
}

func (s *stubEvaluator) ID() string { return s.id }

func (s *stubEvaluator) Produce(ctx context.Context, snap *snapshot.Snapshot, symbol string) (Recommendation, error) {
	if s.delay > 0 {
		select {
		case <-ctx.Done():
			return Recommendation{}, ctx.Err()
		case <-time.After(s.delay):
		}
	}
	if s.err != nil {
		return Recommendation{}, s.err
	}
	return s.rec, nil
}

func buyRec(id string, conf float64) Recommendation {
	return Recommendation{
		Evaluator:       id,
		Symbol:          "BTCUSDT",
		Action:          ActionBuy,
		Confidence:      conf,
		StopDistancePct: 0.01,
	}
}

func TestCollectReturnsRosterSizedSlice(t *testing.T) {
	pool := NewPool([]Evaluator{
		&stubEvaluator{id: "technical", rec: buyRec("technical", 80)},
		&stubEvaluator{id: "ml", rec: buyRec("ml", 75)},
		&stubEvaluator{id: "quant", rec: buyRec("quant", 82)},
	}, time.Second)

	recs := pool.Collect(context.Background(), &snapshot.Snapshot{}, "BTCUSDT")
	require.Len(t, recs, 3)
	// roster 顺序稳定
	assert.Equal(t, "technical", recs[0].Evaluator)
	assert.Equal(t, "ml", recs[1].Evaluator)
	assert.Equal(t, "quant", recs[2].Evaluator)
}

func TestCollectIsolatesFailures(t *testing.T) {
	pool := NewPool([]Evaluator{
		&stubEvaluator{id: "technical", rec: buyRec("technical", 80)},
		&stubEvaluator{id: "ml", err: errors.New("provider down")},
		&stubEvaluator{id: "quant", rec: buyRec("quant", 79)},
	}, time.Second)

	recs := pool.Collect(context.Background(), &snapshot.Snapshot{}, "BTCUSDT")
	require.Len(t, recs, 3)
	assert.False(t, recs[0].Null)
	assert.True(t, recs[1].Null)
	assert.Equal(t, ActionHold, recs[1].Action)
	assert.Zero(t, recs[1].Confidence)
	assert.Contains(t, recs[1].Rationale, "provider down")
	assert.False(t, recs[2].Null)
}

func TestCollectTimesOutSlowEvaluator(t *testing.T) {
	pool := NewPool([]Evaluator{
		&stubEvaluator{id: "technical", rec: buyRec("technical", 80)},
		&stubEvaluator{id: "ml", rec: buyRec("ml", 90), delay: time.Second},
	}, 30*time.Millisecond)

	start := time.Now()
	recs := pool.Collect(context.Background(), &snapshot.Snapshot{}, "BTCUSDT")
	require.Len(t, recs, 2)
	assert.True(t, recs[1].Null)
	assert.False(t, recs[0].Null, "fast evaluator must not be cancelled by the slow one")
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestCollectRejectsMalformedOutput(t *testing.T) {
	bad := buyRec("ml", 150) // confidence 越界
	pool := NewPool([]Evaluator{
		&stubEvaluator{id: "ml", rec: bad},
	}, time.Second)

	recs := pool.Collect(context.Background(), &snapshot.Snapshot{}, "BTCUSDT")
	require.Len(t, recs, 1)
	assert.True(t, recs[0].Null)
}

func TestNormalizeAction(t *testing.T) {
	assert.Equal(t, ActionBuy, NormalizeAction("Buy"))
	assert.Equal(t, ActionBuy, NormalizeAction("open_long"))
	assert.Equal(t, ActionSell, NormalizeAction("SHORT"))
	assert.Equal(t, ActionHold, NormalizeAction(" wait "))
	assert.Empty(t, NormalizeAction("yolo"))
}
