package session

import (
	"sort"
	"sync"
	"time"
)

// State is the lifecycle of one correlated request.
type State int

const (
	StatePending State = iota
	StateCompleted
	StateTimedOut
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateCompleted:
		return "completed"
	case StateTimedOut:
		return "timed_out"
	}
	return "unknown"
}

// Pending tracks one request awaiting a correlated response.
type Pending[R any] struct {
	CorrelationID uint64
	State         State
	SentAt        time.Time
	Deadline      time.Time
	Result        R
}

// Table maps correlation ids to pending result slots. Responses are
// filed by the poll that decodes them and collected by the caller that
// sent the request, so no goroutine waits on a response.
type Table[R any] struct {
	mu    sync.Mutex
	items map[uint64]*Pending[R]
}

func NewTable[R any]() *Table[R] {
	return &Table[R]{items: make(map[uint64]*Pending[R])}
}

// Register starts tracking id with the given deadline.
func (t *Table[R]) Register(id uint64, sentAt, deadline time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.items[id] = &Pending[R]{CorrelationID: id, State: StatePending, SentAt: sentAt, Deadline: deadline}
}

// Complete files a response. Unknown ids and requests that already
// settled are ignored and report false.
func (t *Table[R]) Complete(id uint64, result R) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	item, ok := t.items[id]
	if !ok || item.State != StatePending {
		return false
	}
	item.State = StateCompleted
	item.Result = result
	return true
}

// Expire marks every pending request past its deadline as timed out and
// returns their ids in ascending order.
func (t *Table[R]) Expire(now time.Time) []uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []uint64
	for id, item := range t.items {
		if item.State == StatePending && !now.Before(item.Deadline) {
			item.State = StateTimedOut
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Get returns a copy of the entry for id.
func (t *Table[R]) Get(id uint64) (Pending[R], bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	item, ok := t.items[id]
	if !ok {
		return Pending[R]{}, false
	}
	return *item, true
}

// Take returns and forgets id once it has settled.
func (t *Table[R]) Take(id uint64) (Pending[R], bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	item, ok := t.items[id]
	if !ok || item.State == StatePending {
		return Pending[R]{}, false
	}
	delete(t.items, id)
	return *item, true
}

// Remove forgets id regardless of state.
func (t *Table[R]) Remove(id uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.items, id)
}

func (t *Table[R]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.items)
}
