package kernel

import (
	"sync"

	"github.com/google/btree"
)

// timerEntry is a single scheduled timer trigger, ordered by deadline
// in the global timer list.
type timerEntry struct {
	deadline int64
	seq      uint64 // tiebreaker so btree.Less is a strict order
	trigger  *Trigger
}

func (a *timerEntry) Less(other btree.Item) bool {
	b := other.(*timerEntry)
	if a.deadline != b.deadline {
		return a.deadline < b.deadline
	}
	return a.seq < b.seq
}

// TimerQueue is the global timer list, a deadline-ordered btree.
// Expire(now) pops every entry whose deadline has passed in order.
type TimerQueue struct {
	mu   sync.Mutex
	tree *btree.BTree
	next uint64
}

// NewTimerQueue returns an empty timer list.
func NewTimerQueue() *TimerQueue {
	return &TimerQueue{tree: btree.New(32)}
}

// Schedule installs trigger to fire once the queue's clock reaches
// deadline.
func (q *TimerQueue) Schedule(deadline int64, trigger *Trigger) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.next++
	q.tree.ReplaceOrInsert(&timerEntry{deadline: deadline, seq: q.next, trigger: trigger})
}

// Expire fires every timer whose deadline is <= now and removes it from
// the queue.
func (q *TimerQueue) Expire(now int64) {
	q.mu.Lock()
	var due []*timerEntry
	for {
		item := q.tree.Min()
		if item == nil {
			break
		}
		entry := item.(*timerEntry)
		if entry.deadline > now {
			break
		}
		q.tree.Delete(entry)
		due = append(due, entry)
	}
	q.mu.Unlock()

	for _, entry := range due {
		Fire(entry.trigger)
	}
}

// Len reports the number of outstanding timers, for tests.
func (q *TimerQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.tree.Len()
}
