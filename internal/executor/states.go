// Package executor drives sized proposals through the submission state
// machine: approval, idempotent order placement with bounded retry,
// protective order placement, and terminal bookkeeping.
package executor

import (
	"fmt"
	"sync"
	"time"

	"quantor/internal/risk"
)

// State 提案生命周期状态。
type State string

const (
	StateProposed         State = "proposed"
	StateAwaitingApproval State = "awaiting_approval"
	StateAutoApproved     State = "auto_approved"
	StateSubmitting       State = "submitting"
	StateSubmitted        State = "submitted"
	StateSubmitFailed     State = "submit_failed"
	StateFilled           State = "filled"
	StateProtected        State = "protected"
	StateClosed           State = "closed"
	StateRejected         State = "rejected"
	StateExpired          State = "expired"
	StateAborted          State = "aborted"
)

// transitions 合法的状态迁移表。未列出的迁移一律拒绝。
var transitions = map[State][]State{
	StateProposed:         {StateAwaitingApproval, StateAutoApproved, StateAborted},
	StateAwaitingApproval: {StateAutoApproved, StateRejected, StateExpired, StateAborted},
	StateAutoApproved:     {StateSubmitting, StateAborted},
	StateSubmitting:       {StateSubmitted, StateSubmitFailed, StateFilled, StateAborted},
	StateSubmitFailed:     {StateSubmitting, StateAborted},
	StateSubmitted:        {StateFilled, StateAborted},
	StateFilled:           {StateProtected, StateAborted},
	StateProtected:        {StateClosed, StateAborted},
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	switch s {
	case StateClosed, StateRejected, StateExpired, StateAborted:
		return true
	}
	return false
}

func canTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition 一次状态迁移记录。
type Transition struct {
	From   State
	To     State
	Reason string
	At     time.Time
}

// Ticket tracks one proposal through the state machine. The idempotency
// token is fixed at creation and reused across every submit attempt, so
// the venue can collapse duplicates.
type Ticket struct {
	Proposal *risk.Proposal
	Token    string

	mu       sync.Mutex
	state    State
	orderID  string
	attempts int
	history  []Transition
	expireAt time.Time
}

func newTicket(p *risk.Proposal, token string, expireAt time.Time) *Ticket {
	t := &Ticket{
		Proposal: p,
		Token:    token,
		state:    StateProposed,
		expireAt: expireAt,
	}
	t.history = append(t.history, Transition{To: StateProposed, At: time.Now()})
	return t
}

// State 返回当前状态。
func (t *Ticket) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// OrderID 返回交易所订单号，未提交成功时为空。
func (t *Ticket) OrderID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.orderID
}

// History 返回迁移历史的拷贝。
func (t *Ticket) History() []Transition {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Transition(nil), t.history...)
}

func (t *Ticket) expired(now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state == StateAwaitingApproval && !t.expireAt.IsZero() && now.After(t.expireAt)
}

// advance performs one checked transition. Illegal transitions return an
// error and leave the ticket untouched.
func (t *Ticket) advance(to State, reason string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !canTransition(t.state, to) {
		return fmt.Errorf("illegal transition %s -> %s for %s", t.state, to, t.Proposal.ID)
	}
	t.history = append(t.history, Transition{From: t.state, To: to, Reason: reason, At: time.Now()})
	t.state = to
	return nil
}

func (t *Ticket) setOrderID(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.orderID = id
}

func (t *Ticket) bumpAttempts() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.attempts++
	return t.attempts
}
