package executor

import (
	"errors"
	"sort"
	"sync"
	"time"
)

var (
	ErrQueueFull       = errors.New("approval queue full")
	ErrUnknownProposal = errors.New("unknown proposal")
)

// approvalQueue holds tickets awaiting human approval. Capacity is
// bounded; a full queue rejects new proposals rather than growing without
// limit in unattended manual mode.
type approvalQueue struct {
	mu       sync.Mutex
	capacity int
	items    map[string]*Ticket // proposal ID -> ticket
}

func newApprovalQueue(capacity int) *approvalQueue {
	if capacity <= 0 {
		capacity = 16
	}
	return &approvalQueue{
		capacity: capacity,
		items:    make(map[string]*Ticket),
	}
}

func (q *approvalQueue) add(t *Ticket) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= q.capacity {
		return ErrQueueFull
	}
	q.items[t.Proposal.ID] = t
	return nil
}

func (q *approvalQueue) take(id string) (*Ticket, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.items[id]
	if !ok {
		return nil, ErrUnknownProposal
	}
	delete(q.items, id)
	return t, nil
}

// pending 返回等待审批的工单，按创建时间排序。
func (q *approvalQueue) pending() []*Ticket {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*Ticket, 0, len(q.items))
	for _, t := range q.items {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Proposal.CreatedAt.Before(out[j].Proposal.CreatedAt)
	})
	return out
}

// sweepExpired removes and returns tickets whose approval window has
// passed.
func (q *approvalQueue) sweepExpired(now time.Time) []*Ticket {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []*Ticket
	for id, t := range q.items {
		if t.expired(now) {
			delete(q.items, id)
			out = append(out, t)
		}
	}
	return out
}
