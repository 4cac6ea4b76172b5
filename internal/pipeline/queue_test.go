package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTaskQueue_CoalescesAndDebounces(t *testing.T) {
	q := NewTaskQueue(10, time.Second)
	now := t0

	assert.True(t, q.Enqueue("a", now))
	assert.True(t, q.Enqueue("a", now.Add(500*time.Millisecond)))
	assert.Equal(t, 1, q.Len())

	// The second enqueue pushed the deadline to 1.5s.
	assert.Empty(t, q.Ready(now.Add(time.Second)))
	assert.Equal(t, []string{"a"}, q.Ready(now.Add(1500*time.Millisecond)))
	assert.Zero(t, q.Len())
}

func TestTaskQueue_ReadyOrder(t *testing.T) {
	q := NewTaskQueue(10, 0)
	q.Enqueue("c", t0.Add(2*time.Second))
	q.Enqueue("b", t0)
	q.Enqueue("a", t0)

	next, ok := q.NextDue()
	assert.True(t, ok)
	assert.Equal(t, t0, next)

	assert.Equal(t, []string{"a", "b"}, q.Ready(t0.Add(time.Second)))
	assert.Equal(t, []string{"c"}, q.Ready(t0.Add(time.Hour)))

	_, ok = q.NextDue()
	assert.False(t, ok)
}

func TestTaskQueue_Bounded(t *testing.T) {
	q := NewTaskQueue(2, time.Second)
	assert.True(t, q.Enqueue("a", t0))
	assert.True(t, q.Enqueue("b", t0))
	assert.False(t, q.Enqueue("c", t0))
	// Pending paths still coalesce when full.
	assert.True(t, q.Enqueue("a", t0.Add(time.Second)))
	assert.Equal(t, 2, q.Len())
}

func TestTaskQueue_Wake(t *testing.T) {
	q := NewTaskQueue(4, 0)
	q.Enqueue("a", t0)
	q.Enqueue("b", t0)

	select {
	case <-q.Wake():
	default:
		t.Fatal("expected a wake signal")
	}
	select {
	case <-q.Wake():
		t.Fatal("wake signals should collapse")
	default:
	}
}
