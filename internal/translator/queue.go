package translator

import (
	"sync"

	"dynarec/internal/emit"
	"dynarec/internal/guest"
)

// DefaultQueueCapacity bounds each tier's stack of pending work.
const DefaultQueueCapacity = 1024

const numTiers = int(emit.Tier1) + 1

// Item is a pending background translation.
type Item struct {
	Address uint64
	Mode    guest.ExecutionMode
	Tier    emit.Tier
	// Complete is set for call targets, whose callers honour the calling
	// convention.
	Complete bool
}

// Queue holds pending translations in one LIFO stack per tier, so code
// that became hot most recently is compiled first. A full stack drops its
// newest item to make room.
type Queue struct {
	mu       sync.Mutex
	cond     *sync.Cond
	stacks   [numTiers][]Item
	capacity int

	signaled bool
	forced   bool
	evicted  uint64
}

// NewQueue returns an empty queue holding at most capacity items per tier.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	q := &Queue{capacity: capacity}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Enqueue pushes an item and wakes the worker.
func (q *Queue) Enqueue(it Item) {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := &q.stacks[it.Tier]
	if len(*s) >= q.capacity {
		*s = (*s)[:len(*s)-1]
		q.evicted++
	}
	*s = append(*s, it)
	q.signaled = true
	q.cond.Broadcast()
}

// TryDequeue pops the newest item of the highest tier. An empty queue
// clears the wake-up signal.
func (q *Queue) TryDequeue() (Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for tier := numTiers - 1; tier >= 0; tier-- {
		s := &q.stacks[tier]
		if n := len(*s); n > 0 {
			it := (*s)[n-1]
			*s = (*s)[:n-1]
			return it, true
		}
	}
	q.signaled = false
	return Item{}, false
}

// WaitForItems blocks until an item was pushed since the queue was last
// seen empty, or until ForceSignal. It returns false once forced.
func (q *Queue) WaitForItems() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for !q.signaled && !q.forced {
		q.cond.Wait()
	}
	return !q.forced
}

// ForceSignal wakes every waiter and makes future waits return false.
func (q *Queue) ForceSignal() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.forced = true
	q.cond.Broadcast()
}

// Forced reports whether ForceSignal was called since the last Rearm.
func (q *Queue) Forced() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.forced
}

// Rearm undoes ForceSignal for a new worker.
func (q *Queue) Rearm() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.forced = false
}

// Len returns the number of pending items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, s := range q.stacks {
		n += len(s)
	}
	return n
}

// Evicted returns how many items were dropped on overflow.
func (q *Queue) Evicted() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.evicted
}
