package dsa

import (
	"sync"
	"time"
)

// ─── Deadline Queue (Min-Heap) ──────────────────────────────────────────────
// Binary min-heap ordered by Due, used for the pending-score queue.
//
// Operations:
//   Push:    O(log n), sift up (replaces an item with the same key)
//   PopDue:  O(k log n), extract every item due at or before now
//   Remove:  O(n)
//   Peek:    O(1)

// HeapItem is an element in the deadline queue.
type HeapItem struct {
	Key   string    // Unique identifier (e.g. challenge ID)
	Due   time.Time // Earliest time the item should be examined
	Value any       // Payload (caller stores whatever they need)
}

// DeadlineQueue is a thread-safe min-heap keyed by due time.
type DeadlineQueue struct {
	mu   sync.Mutex
	heap []HeapItem
}

// NewDeadlineQueue creates an empty queue.
func NewDeadlineQueue() *DeadlineQueue {
	return &DeadlineQueue{}
}

// Push adds an item. An existing item with the same key is replaced.
func (q *DeadlineQueue) Push(item HeapItem) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if i := q.indexOf(item.Key); i >= 0 {
		q.removeAt(i)
	}
	q.heap = append(q.heap, item)
	q.siftUp(len(q.heap) - 1)
}

// Pop removes and returns the earliest item.
func (q *DeadlineQueue) Pop() (HeapItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.heap) == 0 {
		return HeapItem{}, false
	}
	top := q.heap[0]
	q.removeAt(0)
	return top, true
}

// PopDue removes and returns every item with Due ≤ now, earliest first.
func (q *DeadlineQueue) PopDue(now time.Time) []HeapItem {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []HeapItem
	for len(q.heap) > 0 && !q.heap[0].Due.After(now) {
		out = append(out, q.heap[0])
		q.removeAt(0)
	}
	return out
}

// Peek returns the earliest item without removing it.
func (q *DeadlineQueue) Peek() (HeapItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.heap) == 0 {
		return HeapItem{}, false
	}
	return q.heap[0], true
}

// Remove deletes the item with key. Returns false if absent.
func (q *DeadlineQueue) Remove(key string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	i := q.indexOf(key)
	if i < 0 {
		return false
	}
	q.removeAt(i)
	return true
}

// Items returns a copy of all items in heap order.
func (q *DeadlineQueue) Items() []HeapItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]HeapItem, len(q.heap))
	copy(out, q.heap)
	return out
}

// Len returns the number of items in the queue.
func (q *DeadlineQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap)
}

func (q *DeadlineQueue) indexOf(key string) int {
	for i := range q.heap {
		if q.heap[i].Key == key {
			return i
		}
	}
	return -1
}

func (q *DeadlineQueue) removeAt(i int) {
	last := len(q.heap) - 1
	q.heap[i] = q.heap[last]
	q.heap = q.heap[:last]
	if i < len(q.heap) {
		q.siftDown(i)
		q.siftUp(i)
	}
}

// less orders by Due, tie-breaking on key for determinism.
func (q *DeadlineQueue) less(i, j int) bool {
	if !q.heap[i].Due.Equal(q.heap[j].Due) {
		return q.heap[i].Due.Before(q.heap[j].Due)
	}
	return q.heap[i].Key < q.heap[j].Key
}

func (q *DeadlineQueue) siftUp(idx int) {
	for idx > 0 {
		parent := (idx - 1) / 2
		if !q.less(idx, parent) {
			break
		}
		q.heap[idx], q.heap[parent] = q.heap[parent], q.heap[idx]
		idx = parent
	}
}

func (q *DeadlineQueue) siftDown(idx int) {
	n := len(q.heap)
	for {
		smallest := idx
		left := 2*idx + 1
		right := 2*idx + 2

		if left < n && q.less(left, smallest) {
			smallest = left
		}
		if right < n && q.less(right, smallest) {
			smallest = right
		}
		if smallest == idx {
			break
		}
		q.heap[idx], q.heap[smallest] = q.heap[smallest], q.heap[idx]
		idx = smallest
	}
}
