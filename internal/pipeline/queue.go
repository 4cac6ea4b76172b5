package pipeline

import (
	"sort"
	"sync"
	"time"
)

// TaskQueue is a bounded set of pending per-file sync tasks keyed by path.
// Enqueuing a path that is already pending coalesces into the existing task
// and pushes its deadline out by the debounce interval, so a burst of
// notifications yields one sync once the file goes quiet.
type TaskQueue struct {
	mu       sync.Mutex
	capacity int
	debounce time.Duration
	due      map[string]time.Time
	wake     chan struct{}
}

// NewTaskQueue creates a queue holding at most capacity distinct paths.
func NewTaskQueue(capacity int, debounce time.Duration) *TaskQueue {
	if capacity < 1 {
		capacity = 1
	}
	return &TaskQueue{
		capacity: capacity,
		debounce: debounce,
		due:      make(map[string]time.Time),
		wake:     make(chan struct{}, 1),
	}
}

// Enqueue schedules path for now+debounce. It reports false when the queue
// is full and path is not already pending; the periodic full sync picks
// such files up later.
func (q *TaskQueue) Enqueue(path string, now time.Time) bool {
	q.mu.Lock()
	_, pending := q.due[path]
	if !pending && len(q.due) >= q.capacity {
		q.mu.Unlock()
		return false
	}
	q.due[path] = now.Add(q.debounce)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return true
}

// Ready removes and returns every path due at or before now, earliest first.
func (q *TaskQueue) Ready(now time.Time) []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	var ready []string
	for p, t := range q.due {
		if !t.After(now) {
			ready = append(ready, p)
		}
	}
	sort.Slice(ready, func(i, j int) bool {
		ti, tj := q.due[ready[i]], q.due[ready[j]]
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return ready[i] < ready[j]
	})
	for _, p := range ready {
		delete(q.due, p)
	}
	return ready
}

// NextDue returns the earliest pending deadline.
func (q *TaskQueue) NextDue() (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var (
		next time.Time
		ok   bool
	)
	for _, t := range q.due {
		if !ok || t.Before(next) {
			next, ok = t, true
		}
	}
	return next, ok
}

// Len returns the number of pending paths.
func (q *TaskQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.due)
}

// Wake is signalled after each successful Enqueue.
func (q *TaskQueue) Wake() <-chan struct{} {
	return q.wake
}
