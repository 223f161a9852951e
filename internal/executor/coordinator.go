package executor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"quantor/internal/config"
	"quantor/internal/gateway/exchange"
	"quantor/internal/logger"
	"quantor/internal/risk"
)

var (
	ErrEmergencyStopped   = errors.New("emergency stop engaged")
	ErrAssetBlocked       = errors.New("asset blocked after risk breach")
	ErrUnresolvedProposal = errors.New("asset has an unresolved proposal")
)

// Recorder 接收状态迁移事件，用于落库审计。实现不得阻塞执行路径。
type Recorder interface {
	ProposalEvent(proposalID, symbol string, state State, reason string)
}

// Coordinator owns every in-flight ticket. One proposal per asset at a
// time: a new proposal for an asset whose previous ticket is unresolved
// is rejected outright, preserving creation order.
type Coordinator struct {
	exch     exchange.Adapter
	cfg      config.ExecutionConfig
	recorder Recorder

	approvals *approvalQueue
	emergency atomic.Bool

	mu      sync.Mutex
	active  map[string]*Ticket // symbol -> unresolved ticket
	blocked map[string]string  // symbol -> breach reason
}

func NewCoordinator(exch exchange.Adapter, cfg config.ExecutionConfig, rec Recorder) *Coordinator {
	return &Coordinator{
		exch:      exch,
		cfg:       cfg,
		recorder:  rec,
		approvals: newApprovalQueue(cfg.QueueCapacity),
		active:    make(map[string]*Ticket),
		blocked:   make(map[string]string),
	}
}

// Handle runs one proposal as far as the configured mode allows: to the
// approval queue in manual mode, all the way to Protected in systematic
// mode.
func (c *Coordinator) Handle(ctx context.Context, p *risk.Proposal) (*Ticket, error) {
	if c.emergency.Load() {
		return nil, ErrEmergencyStopped
	}
	symbol := strings.ToUpper(p.Symbol)

	c.mu.Lock()
	if reason, ok := c.blocked[symbol]; ok {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s (%s)", ErrAssetBlocked, symbol, reason)
	}
	if prev, ok := c.active[symbol]; ok && !prev.State().Terminal() {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s in state %s", ErrUnresolvedProposal, prev.Proposal.ID, prev.State())
	}
	ticket := newTicket(p, uuid.NewString(), c.expiryFor(p))
	c.active[symbol] = ticket
	c.mu.Unlock()
	c.record(ticket, "created")

	if c.cfg.Manual() {
		if err := c.transition(ticket, StateAwaitingApproval, "manual mode"); err != nil {
			return nil, err
		}
		if err := c.approvals.add(ticket); err != nil {
			_ = c.transition(ticket, StateAborted, err.Error())
			c.release(ticket)
			return nil, err
		}
		logger.Infof("executor: %s %s awaiting approval (expires %s)",
			p.Side, symbol, ticket.expireAt.Format(time.RFC3339))
		return ticket, nil
	}

	if err := c.transition(ticket, StateAutoApproved, "systematic mode"); err != nil {
		return nil, err
	}
	if err := c.run(ctx, ticket); err != nil {
		return ticket, err
	}
	return ticket, nil
}

// Approve releases a pending ticket into submission.
func (c *Coordinator) Approve(ctx context.Context, proposalID string) (*Ticket, error) {
	ticket, err := c.approvals.take(proposalID)
	if err != nil {
		return nil, err
	}
	if err := c.transition(ticket, StateAutoApproved, "operator approval"); err != nil {
		// 已经出队，不能让工单卡住资产位
		_ = c.transition(ticket, StateAborted, "approval transition failed")
		c.release(ticket)
		return nil, err
	}
	if err := c.run(ctx, ticket); err != nil {
		return ticket, err
	}
	return ticket, nil
}

// Reject terminates a pending ticket.
func (c *Coordinator) Reject(proposalID, reason string) error {
	ticket, err := c.approvals.take(proposalID)
	if err != nil {
		return err
	}
	if err := c.transition(ticket, StateRejected, reason); err != nil {
		return err
	}
	c.release(ticket)
	return nil
}

// Pending 返回审批队列中的工单。
func (c *Coordinator) Pending() []*Ticket { return c.approvals.pending() }

// ExpireStale expires approval tickets whose window has passed. Called
// once per cycle by the engine.
func (c *Coordinator) ExpireStale(now time.Time) int {
	stale := c.approvals.sweepExpired(now)
	for _, t := range stale {
		if err := t.advance(StateExpired, "approval window elapsed"); err == nil {
			c.record(t, "approval window elapsed")
			c.release(t)
			logger.Infof("executor: proposal %s for %s expired unapproved", t.Proposal.ID, t.Proposal.Symbol)
		}
	}
	return len(stale)
}

// EmergencyStop blocks all new work and force-closes every protected
// position. In-flight submissions abort at their next transition.
func (c *Coordinator) EmergencyStop(reason string) {
	if c.emergency.CompareAndSwap(false, true) {
		logger.Errorf("EMERGENCY STOP engaged: %s", reason)
		c.forceCloseOpen(reason)
	}
}

// forceCloseOpen closes the venue position behind every Protected ticket.
// A failed close is logged and retried at the next CloseRemaining call;
// the stop flag already prevents any new exposure.
func (c *Coordinator) forceCloseOpen(reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	c.mu.Lock()
	open := make([]*Ticket, 0, len(c.active))
	for _, t := range c.active {
		if t.State() == StateProtected {
			open = append(open, t)
		}
	}
	c.mu.Unlock()
	sort.Slice(open, func(i, j int) bool { return open[i].Proposal.Symbol < open[j].Proposal.Symbol })

	for _, t := range open {
		p := t.Proposal
		if err := c.exch.ClosePosition(ctx, p.Symbol, p.Side, reason); err != nil {
			logger.Errorf("executor: forced close %s failed: %v", p.Symbol, err)
			continue
		}
		if err := c.transition(t, StateClosed, fmt.Sprintf("forced close: %s", reason)); err == nil {
			c.release(t)
		}
	}
}

// CloseRemaining retries forced closes that failed when the stop was
// engaged. No-op unless stopped.
func (c *Coordinator) CloseRemaining() {
	if c.emergency.Load() {
		c.forceCloseOpen("emergency stop engaged")
	}
}

// ForceClose closes the position behind a Protected ticket and blocks
// the asset until an operator clears it via Unblock.
func (c *Coordinator) ForceClose(ctx context.Context, symbol, reason string) error {
	c.mu.Lock()
	t, ok := c.active[strings.ToUpper(symbol)]
	c.mu.Unlock()
	if !ok || t.State() != StateProtected {
		return ErrUnknownProposal
	}
	p := t.Proposal
	if err := c.exch.ClosePosition(ctx, p.Symbol, p.Side, reason); err != nil {
		return fmt.Errorf("force close %s: %w", p.Symbol, err)
	}
	c.Block(p.Symbol, reason)
	if err := c.transition(t, StateClosed, reason); err != nil {
		return err
	}
	c.release(t)
	return nil
}

// Resume lifts the emergency stop.
func (c *Coordinator) Resume() {
	if c.emergency.CompareAndSwap(true, false) {
		logger.Warnf("emergency stop lifted")
	}
}

// Stopped 返回急停状态。
func (c *Coordinator) Stopped() bool { return c.emergency.Load() }

// Block bars an asset from new proposals until Unblock.
func (c *Coordinator) Block(symbol, reason string) {
	c.mu.Lock()
	c.blocked[strings.ToUpper(symbol)] = reason
	c.mu.Unlock()
}

func (c *Coordinator) Unblock(symbol string) {
	c.mu.Lock()
	delete(c.blocked, strings.ToUpper(symbol))
	c.mu.Unlock()
}

// Blocked 返回当前被禁的资产及原因。
func (c *Coordinator) Blocked() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]string, len(c.blocked))
	for k, v := range c.blocked {
		out[k] = v
	}
	return out
}

// Ticket returns the unresolved ticket for an asset, if any.
func (c *Coordinator) Ticket(symbol string) (*Ticket, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.active[strings.ToUpper(symbol)]
	return t, ok
}

// MarkClosed resolves a Protected ticket whose position has been closed
// on the venue. Returns the ticket for PnL attribution.
func (c *Coordinator) MarkClosed(symbol, reason string) (*Ticket, error) {
	c.mu.Lock()
	t, ok := c.active[strings.ToUpper(symbol)]
	c.mu.Unlock()
	if !ok {
		return nil, ErrUnknownProposal
	}
	if err := c.transition(t, StateClosed, reason); err != nil {
		return nil, err
	}
	c.release(t)
	return t, nil
}

// run carries an approved ticket through submission and protection.
func (c *Coordinator) run(ctx context.Context, t *Ticket) error {
	if err := c.submit(ctx, t); err != nil {
		return err
	}
	return c.protect(ctx, t)
}

// submit places the entry order with bounded retry. The same client
// token is reused on every attempt; before any retry the venue is
// re-queried by token so an ambiguous failure never duplicates the order.
func (c *Coordinator) submit(ctx context.Context, t *Ticket) error {
	if err := c.transition(t, StateSubmitting, "entry order"); err != nil {
		return err
	}
	p := t.Proposal
	spec := exchange.OrderSpec{
		Token:    t.Token,
		Symbol:   p.Symbol,
		Side:     p.Side,
		Kind:     "market",
		Amount:   p.Quantity,
		Leverage: p.Leverage,
		Tag:      p.CycleID,
	}
	maxAttempts := c.cfg.MaxSubmitAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}

	for {
		if c.emergency.Load() {
			return c.abort(t, "emergency stop during submission")
		}
		attempt := t.bumpAttempts()
		ack, err := c.exch.PlaceOrder(ctx, spec)
		if err == nil && ack.Status != exchange.AckRejected {
			return c.adoptAck(t, ack)
		}

		reason := "venue rejection"
		if err != nil {
			reason = err.Error()
			// 模糊失败：下单结果未知，先按 token 回查，确认后绝不重发
			if known, found, kerr := c.exch.QueryOrderByToken(ctx, t.Token); kerr == nil && found {
				// 回查到已拒绝的单子等同于一次失败尝试，继续走重试
				if known.Status == exchange.AckRejected {
					reason = fmt.Sprintf("order rejected on venue after ambiguous submit: %s", known.OrderID)
				} else {
					logger.Warnf("executor: ambiguous submit for %s resolved via token query, order %s exists",
						p.Symbol, known.OrderID)
					return c.adoptAck(t, known)
				}
			}
		}
		if terr := c.transition(t, StateSubmitFailed, reason); terr != nil {
			return terr
		}
		if attempt >= maxAttempts {
			return c.abort(t, fmt.Sprintf("submit failed after %d attempts: %s", attempt, reason))
		}
		if err := sleepCtx(ctx, c.backoff(attempt)); err != nil {
			return c.abort(t, "cancelled during retry backoff")
		}
		if terr := c.transition(t, StateSubmitting, fmt.Sprintf("retry %d", attempt+1)); terr != nil {
			return terr
		}
	}
}

// adoptAck 根据交易所回执推进状态。
func (c *Coordinator) adoptAck(t *Ticket, ack exchange.Ack) error {
	t.setOrderID(ack.OrderID)
	switch ack.Status {
	case exchange.AckFilled:
		if t.State() == StateSubmitting {
			if err := c.transition(t, StateFilled, "filled on submit"); err != nil {
				return err
			}
		}
		return nil
	case exchange.AckAccepted:
		if err := c.transition(t, StateSubmitted, "accepted"); err != nil {
			return err
		}
		// 市价单在回执后立即视为成交；限价路径会通过回查确认
		return c.transition(t, StateFilled, "market order assumed filled")
	default:
		// 未知回执状态没有安全的推进路径，工单必须收尾而不是滞留
		return c.abort(t, fmt.Sprintf("unexpected ack status %q", ack.Status))
	}
}

// protect places both protective orders. A filled position must never
// outlive this function unprotected: when placement cannot be completed
// the position is force-closed and the asset blocked.
func (c *Coordinator) protect(ctx context.Context, t *Ticket) error {
	if t.State() != StateFilled {
		return nil
	}
	p := t.Proposal
	exitSide := "sell"
	if p.Side == "sell" {
		exitSide = "buy"
	}
	legs := []exchange.OrderSpec{
		{
			Token:      t.Token + "-sl",
			Symbol:     p.Symbol,
			Side:       exitSide,
			Kind:       "stop",
			Amount:     p.Quantity,
			TriggerPx:  p.StopPrice,
			ReduceOnly: true,
			Tag:        p.CycleID,
		},
		{
			Token:      t.Token + "-tp",
			Symbol:     p.Symbol,
			Side:       exitSide,
			Kind:       "take_profit",
			Amount:     p.Quantity,
			TriggerPx:  p.TargetPrice,
			ReduceOnly: true,
			Tag:        p.CycleID,
		},
	}
	maxAttempts := c.cfg.MaxSubmitAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	for _, leg := range legs {
		if err := c.placeProtective(ctx, t, leg, maxAttempts); err != nil {
			logger.Errorf("executor: protective %s for %s failed, force-closing position: %v", leg.Kind, p.Symbol, err)
			if cerr := c.exch.ClosePosition(ctx, p.Symbol, p.Side, "unprotected position"); cerr != nil {
				c.EmergencyStop(fmt.Sprintf("cannot close unprotected %s position: %v", p.Symbol, cerr))
			}
			c.Block(p.Symbol, "force-closed while unprotected")
			return c.abort(t, fmt.Sprintf("protective %s placement failed", leg.Kind))
		}
	}
	return c.transition(t, StateProtected, "stop and target in place")
}

func (c *Coordinator) placeProtective(ctx context.Context, t *Ticket, spec exchange.OrderSpec, maxAttempts int) error {
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if c.emergency.Load() {
			return ErrEmergencyStopped
		}
		ack, err := c.exch.PlaceOrder(ctx, spec)
		if err == nil && ack.Status != exchange.AckRejected {
			return nil
		}
		if err == nil {
			lastErr = fmt.Errorf("venue rejected %s", spec.Kind)
		} else {
			lastErr = err
			if _, found, kerr := c.exch.QueryOrderByToken(ctx, spec.Token); kerr == nil && found {
				return nil
			}
		}
		if attempt < maxAttempts {
			if err := sleepCtx(ctx, c.backoff(attempt)); err != nil {
				return err
			}
		}
	}
	return lastErr
}

func (c *Coordinator) abort(t *Ticket, reason string) error {
	if err := c.transition(t, StateAborted, reason); err != nil {
		return err
	}
	c.release(t)
	return fmt.Errorf("proposal %s aborted: %s", t.Proposal.ID, reason)
}

func (c *Coordinator) transition(t *Ticket, to State, reason string) error {
	if err := t.advance(to, reason); err != nil {
		return err
	}
	c.record(t, reason)
	return nil
}

func (c *Coordinator) record(t *Ticket, reason string) {
	if c.recorder == nil {
		return
	}
	c.recorder.ProposalEvent(t.Proposal.ID, t.Proposal.Symbol, t.State(), reason)
}

func (c *Coordinator) release(t *Ticket) {
	symbol := strings.ToUpper(t.Proposal.Symbol)
	c.mu.Lock()
	if cur, ok := c.active[symbol]; ok && cur == t {
		delete(c.active, symbol)
	}
	c.mu.Unlock()
}

func (c *Coordinator) expiryFor(p *risk.Proposal) time.Time {
	if !c.cfg.Manual() {
		return time.Time{}
	}
	timeout := time.Duration(c.cfg.ApprovalTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return p.CreatedAt.Add(timeout)
}

func (c *Coordinator) backoff(attempt int) time.Duration {
	base := time.Duration(c.cfg.RetryBaseMillis) * time.Millisecond
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	return base << (attempt - 1)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
