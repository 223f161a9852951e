package app

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quantor/internal/config"
	"quantor/internal/consensus"
	"quantor/internal/evaluator"
	"quantor/internal/executor"
	"quantor/internal/gateway/exchange"
	"quantor/internal/journal"
	"quantor/internal/risk"
	"quantor/internal/snapshot"
)

type fakeSource struct{}

func (fakeSource) FetchHistory(ctx context.Context, symbol, interval string, limit int) ([]snapshot.Candle, error) {
	out := make([]snapshot.Candle, 60)
	for i := range out {
		out[i] = snapshot.Candle{Open: 100, High: 105, Low: 95, Close: 100, Volume: 10}
	}
	return out, nil
}

func (fakeSource) GetFundingRate(ctx context.Context, symbol string) (float64, error) {
	return 0, nil
}

func (fakeSource) GetOpenInterest(ctx context.Context, symbol string) (float64, error) {
	return 0, nil
}

type fakeVenue struct {
	balance   float64
	positions []exchange.Position
	closeErrs []error // 给强平逐次脚本化的错误
	closed    []string
}

func (v *fakeVenue) Name() string { return "fake" }

func (v *fakeVenue) GetAccountState(ctx context.Context) (exchange.Account, error) {
	return exchange.Account{StakeCurrency: "USDT", Balance: v.balance, Available: v.balance}, nil
}

func (v *fakeVenue) GetPositions(ctx context.Context) ([]exchange.Position, error) {
	return v.positions, nil
}

func (v *fakeVenue) GetOpenOrders(ctx context.Context) ([]exchange.Order, error) {
	return nil, nil
}

func (v *fakeVenue) PlaceOrder(ctx context.Context, spec exchange.OrderSpec) (exchange.Ack, error) {
	return exchange.Ack{
		OrderID:   "ord-" + spec.Token,
		Token:     spec.Token,
		Status:    exchange.AckFilled,
		FilledQty: spec.Amount,
	}, nil
}

func (v *fakeVenue) QueryOrderByToken(ctx context.Context, token string) (exchange.Ack, bool, error) {
	return exchange.Ack{}, false, nil
}

func (v *fakeVenue) CancelOrder(ctx context.Context, orderID string) error { return nil }

func (v *fakeVenue) ClosePosition(ctx context.Context, symbol, side, reason string) error {
	if len(v.closeErrs) > 0 {
		err := v.closeErrs[0]
		v.closeErrs = v.closeErrs[1:]
		if err != nil {
			return err
		}
	}
	v.closed = append(v.closed, symbol)
	return nil
}

// countingEvaluator 固定返回 hold，只统计被调用次数。
type countingEvaluator struct {
	calls atomic.Int64
}

func (c *countingEvaluator) ID() string { return "technical" }

func (c *countingEvaluator) Produce(ctx context.Context, snap *snapshot.Snapshot, symbol string) (evaluator.Recommendation, error) {
	c.calls.Add(1)
	return evaluator.Recommendation{
		Evaluator:  "technical",
		Symbol:     symbol,
		Action:     evaluator.ActionHold,
		Confidence: 50,
		Rationale:  "no edge",
	}, nil
}

func engineConfig() *config.Config {
	return &config.Config{
		Market: config.MarketConfig{
			Assets:              []string{"BTCUSDT"},
			Interval:            "5m",
			TrendInterval:       "4h",
			CandleLimit:         60,
			FetchTimeoutSeconds: 5,
			FetchRetries:        1,
		},
		Consensus: config.ConsensusConfig{
			NoTradeThreshold: 40,
			TieEpsilon:       1,
			PerfClamp:        0.5,
			PerfDecay:        0.8,
		},
		Risk: config.RiskConfig{
			RiskPerTradeFraction:  0.02,
			MaxAllocationFraction: 0.25,
			PerAssetExposureCap:   2.0,
			MaxDrawdownFraction:   0.25,
			MaxLeverage:           10,
			MinStopDistancePct:    0.002,
			MinOrderUSD:           10,
		},
		Execution: config.ExecutionConfig{
			Mode:              "systematic",
			MaxSubmitAttempts: 3,
			RetryBaseMillis:   1,
			QueueCapacity:     4,
		},
	}
}

func newTestEngine(t *testing.T, venue *fakeVenue) (*Engine, *countingEvaluator) {
	t.Helper()
	cfg := engineConfig()
	ev := &countingEvaluator{}

	profiles, err := evaluator.NewRegistry("")
	require.NoError(t, err)
	jnl, err := journal.Open(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(jnl.Close)

	perf := consensus.NewPerformanceLedger(cfg.Consensus.PerfDecay)
	e := &Engine{
		cfg:       cfg,
		assembler: snapshot.NewAssembler(fakeSource{}, venue, cfg.Market),
		pool:      evaluator.NewPool([]evaluator.Evaluator{ev}, time.Second),
		profiles:  profiles,
		arbiter:   consensus.NewArbiter(cfg.Consensus, perf),
		perf:      perf,
		sizer:     risk.NewSizer(cfg.Risk),
		coord:     executor.NewCoordinator(venue, cfg.Execution, jnl),
		journal:   jnl,
		window:    risk.NewReturnWindow(0),
	}
	return e, ev
}

func protectedTicket(t *testing.T, e *Engine, symbol string) {
	t.Helper()
	ticket, err := e.coord.Handle(context.Background(), &risk.Proposal{
		ID:          "p-" + symbol,
		CycleID:     "c0",
		Symbol:      symbol,
		Side:        "buy",
		Tier:        "high",
		Score:       85,
		MarginUSD:   500,
		NotionalUSD: 2500,
		Quantity:    0.05,
		Leverage:    5,
		EntryPrice:  100,
		StopPrice:   98,
		TargetPrice: 104,
		CreatedAt:   time.Now(),
	})
	require.NoError(t, err)
	require.Equal(t, executor.StateProtected, ticket.State())
}

func TestCycleSuspendedWhileStopped(t *testing.T) {
	venue := &fakeVenue{balance: 10000}
	e, ev := newTestEngine(t, venue)

	e.coord.EmergencyStop("operator request")
	e.Cycle(context.Background())

	// 急停期间不消耗任何评估调用
	assert.Zero(t, ev.calls.Load())
}

func TestSuspendedCycleRetriesForcedClose(t *testing.T) {
	venue := &fakeVenue{balance: 10000}
	e, ev := newTestEngine(t, venue)
	protectedTicket(t, e, "BTCUSDT")
	venue.positions = []exchange.Position{
		{Symbol: "BTCUSDT", Side: "long", Amount: 0.05, EntryPrice: 100, NotionalUSD: 2500},
	}

	// 拉急停时首次强平失败，仓位留在 Protected
	venue.closeErrs = []error{errors.New("venue busy")}
	e.coord.EmergencyStop("operator request")
	require.Empty(t, venue.closed)

	// 急停保持期间的循环重试强平，且不评估
	e.Cycle(context.Background())
	assert.Contains(t, venue.closed, "BTCUSDT")
	assert.Zero(t, ev.calls.Load())

	_, ok := e.coord.Ticket("BTCUSDT")
	assert.False(t, ok)
}

func TestCycleDrawdownBreachForcesCloseAndBlocks(t *testing.T) {
	venue := &fakeVenue{balance: 10000}
	e, ev := newTestEngine(t, venue)
	protectedTicket(t, e, "BTCUSDT")
	venue.positions = []exchange.Position{
		{Symbol: "BTCUSDT", Side: "long", Amount: 0.05, EntryPrice: 100, NotionalUSD: 2500},
	}

	// 第一轮建立权益峰值
	e.Cycle(context.Background())
	assert.Equal(t, int64(1), ev.calls.Load())
	assert.Empty(t, venue.closed)

	// 权益回撤 30%，超过 25% 上限：强平并封禁，不再评估
	venue.balance = 7000
	e.Cycle(context.Background())

	assert.Contains(t, venue.closed, "BTCUSDT")
	assert.Contains(t, e.coord.Blocked(), "BTCUSDT")
	assert.Equal(t, int64(1), ev.calls.Load())

	// 平掉的工单必须让出资产位
	_, ok := e.coord.Ticket("BTCUSDT")
	assert.False(t, ok)
}

func TestCycleDrawdownWithinLimitEvaluates(t *testing.T) {
	venue := &fakeVenue{balance: 10000}
	e, ev := newTestEngine(t, venue)

	e.Cycle(context.Background())
	venue.balance = 9000 // 10% 回撤，未触线
	e.Cycle(context.Background())

	assert.Equal(t, int64(2), ev.calls.Load())
	assert.Empty(t, venue.closed)
	assert.Empty(t, e.coord.Blocked())
}
