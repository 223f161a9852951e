package executor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quantor/internal/config"
	"quantor/internal/gateway/exchange"
	"quantor/internal/risk"
)

// mockVenue simulates the exchange. Duplicate client tokens never create
// a second order; placeErrs scripts per-call failures.
type mockVenue struct {
	mu         sync.Mutex
	orders     map[string]exchange.Ack // token -> ack
	placeCalls int
	placeErrs  []error // consumed per PlaceOrder call, nil = success
	// recordBeforeErr 控制失败下单是否已在交易所侧落地（模糊失败场景）
	recordBeforeErr bool
	// recordRejected 让落地的订单以 rejected 状态出现在回查里
	recordRejected bool
	closeErrs      []error // consumed per ClosePosition call, nil = success
	closed         []string
}

func newMockVenue() *mockVenue {
	return &mockVenue{orders: make(map[string]exchange.Ack)}
}

func (m *mockVenue) Name() string { return "mock" }

func (m *mockVenue) GetAccountState(ctx context.Context) (exchange.Account, error) {
	return exchange.Account{Balance: 10000, Available: 10000}, nil
}

func (m *mockVenue) GetPositions(ctx context.Context) ([]exchange.Position, error) {
	return nil, nil
}

func (m *mockVenue) GetOpenOrders(ctx context.Context) ([]exchange.Order, error) {
	return nil, nil
}

func (m *mockVenue) PlaceOrder(ctx context.Context, spec exchange.OrderSpec) (exchange.Ack, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.placeCalls++

	var scripted error
	if len(m.placeErrs) > 0 {
		scripted = m.placeErrs[0]
		m.placeErrs = m.placeErrs[1:]
	}
	if existing, ok := m.orders[spec.Token]; ok {
		// 重复 token：返回已有订单，绝不重复建单
		return existing, nil
	}
	if scripted != nil {
		if m.recordBeforeErr {
			status := exchange.AckAccepted
			if m.recordRejected {
				status = exchange.AckRejected
			}
			m.orders[spec.Token] = exchange.Ack{
				OrderID: "ord-" + spec.Token,
				Token:   spec.Token,
				Status:  status,
			}
		}
		return exchange.Ack{}, scripted
	}
	ack := exchange.Ack{
		OrderID:   "ord-" + spec.Token,
		Token:     spec.Token,
		Status:    exchange.AckFilled,
		FilledQty: spec.Amount,
	}
	m.orders[spec.Token] = ack
	return ack, nil
}

func (m *mockVenue) QueryOrderByToken(ctx context.Context, token string) (exchange.Ack, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ack, ok := m.orders[token]
	return ack, ok, nil
}

func (m *mockVenue) CancelOrder(ctx context.Context, orderID string) error { return nil }

func (m *mockVenue) ClosePosition(ctx context.Context, symbol, side, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.closeErrs) > 0 {
		err := m.closeErrs[0]
		m.closeErrs = m.closeErrs[1:]
		if err != nil {
			return err
		}
	}
	m.closed = append(m.closed, symbol)
	return nil
}

func (m *mockVenue) orderCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.orders)
}

func testExecConfig(mode string) config.ExecutionConfig {
	return config.ExecutionConfig{
		Mode:                   mode,
		ApprovalTimeoutSeconds: 60,
		MaxSubmitAttempts:      3,
		RetryBaseMillis:        1,
		QueueCapacity:          4,
	}
}

func proposal(symbol string) *risk.Proposal {
	return &risk.Proposal{
		ID:          "p-" + symbol,
		CycleID:     "c1",
		Symbol:      symbol,
		Side:        "buy",
		Tier:        "high",
		Score:       85,
		MarginUSD:   500,
		NotionalUSD: 2500,
		Quantity:    0.05,
		Leverage:    5,
		EntryPrice:  50000,
		StopPrice:   49000,
		TargetPrice: 52000,
		CreatedAt:   time.Now(),
	}
}

func TestSystematicHappyPath(t *testing.T) {
	venue := newMockVenue()
	c := NewCoordinator(venue, testExecConfig("systematic"), nil)

	ticket, err := c.Handle(context.Background(), proposal("BTCUSDT"))
	require.NoError(t, err)
	assert.Equal(t, StateProtected, ticket.State())
	// 入场单 + 止损 + 止盈
	assert.Equal(t, 3, venue.orderCount())
}

func TestAmbiguousSubmitResolvedByToken(t *testing.T) {
	// 第一次下单超时但交易所已接单；回查应复用既有订单
	venue := newMockVenue()
	venue.recordBeforeErr = true
	venue.placeErrs = []error{errors.New("request timeout")}
	c := NewCoordinator(venue, testExecConfig("systematic"), nil)

	ticket, err := c.Handle(context.Background(), proposal("BTCUSDT"))
	require.NoError(t, err)
	assert.Equal(t, StateProtected, ticket.State())
	// 入场只占一个订单位，没有因重试翻倍
	assert.Equal(t, 3, venue.orderCount())

	history := ticket.History()
	sawAssumedFill := false
	for _, tr := range history {
		assert.NotEqual(t, StateSubmitFailed, tr.To, "ambiguous failure must not surface as submit_failed")
		if tr.From == StateSubmitted && tr.To == StateFilled {
			assert.Equal(t, "market order assumed filled", tr.Reason)
			sawAssumedFill = true
		}
	}
	assert.True(t, sawAssumedFill, "adopted accepted order should promote with the market-order reason")
}

func TestAmbiguousSubmitWithRejectedOrderAborts(t *testing.T) {
	// 超时后回查发现订单已被交易所拒绝：按失败尝试处理，绝不收养
	venue := newMockVenue()
	venue.recordBeforeErr = true
	venue.recordRejected = true
	venue.placeErrs = []error{errors.New("request timeout")}
	c := NewCoordinator(venue, testExecConfig("systematic"), nil)

	ticket, err := c.Handle(context.Background(), proposal("BTCUSDT"))
	require.Error(t, err)
	assert.Equal(t, StateAborted, ticket.State())

	sawFailed := false
	for _, tr := range ticket.History() {
		if tr.To == StateSubmitFailed {
			sawFailed = true
		}
		assert.NotEqual(t, StateFilled, tr.To, "rejected order must never be adopted as a fill")
	}
	assert.True(t, sawFailed, "rejected re-query result must count as a failed attempt")

	// 工单收尾后资产位必须释放
	_, err = c.Handle(context.Background(), proposal("BTCUSDT"))
	require.NoError(t, err)
}

func TestSubmitRetriesThenAborts(t *testing.T) {
	venue := newMockVenue()
	venue.placeErrs = []error{
		errors.New("503"), errors.New("503"), errors.New("503"),
	}
	c := NewCoordinator(venue, testExecConfig("systematic"), nil)

	ticket, err := c.Handle(context.Background(), proposal("BTCUSDT"))
	require.Error(t, err)
	assert.Equal(t, StateAborted, ticket.State())
	assert.Zero(t, venue.orderCount())

	// 终态后同资产可以再来新提案
	_, err = c.Handle(context.Background(), proposal("BTCUSDT"))
	require.NoError(t, err)
}

func TestPerAssetOrderingRejectsSecondProposal(t *testing.T) {
	venue := newMockVenue()
	c := NewCoordinator(venue, testExecConfig("manual"), nil)

	_, err := c.Handle(context.Background(), proposal("BTCUSDT"))
	require.NoError(t, err)

	_, err = c.Handle(context.Background(), proposal("BTCUSDT"))
	assert.ErrorIs(t, err, ErrUnresolvedProposal)

	// 其它资产不受影响
	_, err = c.Handle(context.Background(), proposal("ETHUSDT"))
	assert.NoError(t, err)
}

func TestManualApprovalFlow(t *testing.T) {
	venue := newMockVenue()
	c := NewCoordinator(venue, testExecConfig("manual"), nil)

	ticket, err := c.Handle(context.Background(), proposal("BTCUSDT"))
	require.NoError(t, err)
	assert.Equal(t, StateAwaitingApproval, ticket.State())
	assert.Zero(t, venue.orderCount())
	require.Len(t, c.Pending(), 1)

	approved, err := c.Approve(context.Background(), "p-BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, StateProtected, approved.State())
	assert.Empty(t, c.Pending())
}

func TestManualRejection(t *testing.T) {
	venue := newMockVenue()
	c := NewCoordinator(venue, testExecConfig("manual"), nil)

	ticket, err := c.Handle(context.Background(), proposal("BTCUSDT"))
	require.NoError(t, err)

	require.NoError(t, c.Reject("p-BTCUSDT", "not today"))
	assert.Equal(t, StateRejected, ticket.State())
	assert.Zero(t, venue.orderCount())
}

func TestApprovalWindowExpiry(t *testing.T) {
	venue := newMockVenue()
	cfg := testExecConfig("manual")
	cfg.ApprovalTimeoutSeconds = 1
	c := NewCoordinator(venue, cfg, nil)

	p := proposal("BTCUSDT")
	p.CreatedAt = time.Now().Add(-time.Minute)
	ticket, err := c.Handle(context.Background(), p)
	require.NoError(t, err)

	expired := c.ExpireStale(time.Now())
	assert.Equal(t, 1, expired)
	assert.Equal(t, StateExpired, ticket.State())
	assert.Zero(t, venue.orderCount())

	for _, tr := range ticket.History() {
		assert.NotEqual(t, StateSubmitting, tr.To, "expired proposal must never reach submitting")
	}
}

func TestEmergencyStopBlocksNewProposals(t *testing.T) {
	venue := newMockVenue()
	c := NewCoordinator(venue, testExecConfig("systematic"), nil)

	c.EmergencyStop("test")
	_, err := c.Handle(context.Background(), proposal("BTCUSDT"))
	assert.ErrorIs(t, err, ErrEmergencyStopped)
	assert.Zero(t, venue.orderCount())

	c.Resume()
	_, err = c.Handle(context.Background(), proposal("BTCUSDT"))
	assert.NoError(t, err)
}

func TestEmergencyStopForceClosesProtected(t *testing.T) {
	venue := newMockVenue()
	c := NewCoordinator(venue, testExecConfig("systematic"), nil)

	ticket, err := c.Handle(context.Background(), proposal("BTCUSDT"))
	require.NoError(t, err)
	require.Equal(t, StateProtected, ticket.State())

	c.EmergencyStop("operator request")
	assert.Contains(t, venue.closed, "BTCUSDT")
	assert.Equal(t, StateClosed, ticket.State())

	// 强平后资产位已释放，解除急停即可接新提案
	c.Resume()
	_, err = c.Handle(context.Background(), proposal("BTCUSDT"))
	assert.NoError(t, err)
}

func TestCloseRemainingRetriesFailedForcedClose(t *testing.T) {
	venue := newMockVenue()
	c := NewCoordinator(venue, testExecConfig("systematic"), nil)

	ticket, err := c.Handle(context.Background(), proposal("BTCUSDT"))
	require.NoError(t, err)

	// 首次强平被交易所打回，工单保持 protected 等待重试
	venue.closeErrs = []error{errors.New("venue overloaded")}
	c.EmergencyStop("operator request")
	assert.Empty(t, venue.closed)
	assert.Equal(t, StateProtected, ticket.State())

	c.CloseRemaining()
	assert.Contains(t, venue.closed, "BTCUSDT")
	assert.Equal(t, StateClosed, ticket.State())
}

func TestForceCloseBlocksAsset(t *testing.T) {
	venue := newMockVenue()
	c := NewCoordinator(venue, testExecConfig("systematic"), nil)

	ticket, err := c.Handle(context.Background(), proposal("BTCUSDT"))
	require.NoError(t, err)

	require.NoError(t, c.ForceClose(context.Background(), "BTCUSDT", "drawdown limit"))
	assert.Contains(t, venue.closed, "BTCUSDT")
	assert.Equal(t, StateClosed, ticket.State())

	_, err = c.Handle(context.Background(), proposal("BTCUSDT"))
	assert.ErrorIs(t, err, ErrAssetBlocked)

	c.Unblock("BTCUSDT")
	_, err = c.Handle(context.Background(), proposal("BTCUSDT"))
	assert.NoError(t, err)
}

func TestForceCloseRequiresProtectedTicket(t *testing.T) {
	venue := newMockVenue()
	c := NewCoordinator(venue, testExecConfig("manual"), nil)

	_, err := c.Handle(context.Background(), proposal("BTCUSDT"))
	require.NoError(t, err)

	// awaiting_approval 没有仓位可平
	err = c.ForceClose(context.Background(), "BTCUSDT", "drawdown limit")
	assert.ErrorIs(t, err, ErrUnknownProposal)
	assert.Empty(t, venue.closed)
}

func TestApproveFailureReleasesAssetSlot(t *testing.T) {
	venue := newMockVenue()
	c := NewCoordinator(venue, testExecConfig("manual"), nil)

	ticket, err := c.Handle(context.Background(), proposal("BTCUSDT"))
	require.NoError(t, err)
	// 工单被并发路径推走，审批迁移必然失败
	require.NoError(t, ticket.advance(StateAutoApproved, "raced ahead"))

	_, err = c.Approve(context.Background(), "p-BTCUSDT")
	require.Error(t, err)
	assert.Equal(t, StateAborted, ticket.State())

	// 失败的审批不能卡死资产位
	_, err = c.Handle(context.Background(), proposal("BTCUSDT"))
	assert.NoError(t, err)
}

func TestProtectiveFailureForcesClose(t *testing.T) {
	venue := newMockVenue()
	// 入场成功，两条保护单连续失败（3 次重试全烧完）
	venue.placeErrs = []error{
		nil,
		errors.New("reject"), errors.New("reject"), errors.New("reject"),
	}
	c := NewCoordinator(venue, testExecConfig("systematic"), nil)

	ticket, err := c.Handle(context.Background(), proposal("BTCUSDT"))
	require.Error(t, err)
	assert.Equal(t, StateAborted, ticket.State())
	assert.Contains(t, venue.closed, "BTCUSDT")

	// 强平后资产进入封禁名单
	_, err = c.Handle(context.Background(), proposal("BTCUSDT"))
	assert.ErrorIs(t, err, ErrAssetBlocked)

	c.Unblock("BTCUSDT")
	_, err = c.Handle(context.Background(), proposal("BTCUSDT"))
	assert.NoError(t, err)
}

func TestMarkClosedResolvesTicket(t *testing.T) {
	venue := newMockVenue()
	c := NewCoordinator(venue, testExecConfig("systematic"), nil)

	_, err := c.Handle(context.Background(), proposal("BTCUSDT"))
	require.NoError(t, err)

	closed, err := c.MarkClosed("BTCUSDT", "position gone")
	require.NoError(t, err)
	assert.Equal(t, StateClosed, closed.State())

	_, ok := c.Ticket("BTCUSDT")
	assert.False(t, ok)
}

func TestQueueCapacityBounded(t *testing.T) {
	venue := newMockVenue()
	cfg := testExecConfig("manual")
	cfg.QueueCapacity = 1
	c := NewCoordinator(venue, cfg, nil)

	_, err := c.Handle(context.Background(), proposal("BTCUSDT"))
	require.NoError(t, err)
	_, err = c.Handle(context.Background(), proposal("ETHUSDT"))
	assert.ErrorIs(t, err, ErrQueueFull)
}

func TestIllegalTransitionRejected(t *testing.T) {
	ticket := newTicket(proposal("BTCUSDT"), "tok", time.Time{})
	assert.Error(t, ticket.advance(StateFilled, "skip ahead"))
	assert.Equal(t, StateProposed, ticket.State())
}
