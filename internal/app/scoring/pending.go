package scoring

import (
	"context"
	"fmt"
	"time"

	"github.com/tutu-network/oracle/internal/domain"
	"github.com/tutu-network/oracle/internal/infra/dsa"
)

// ─── Pending-Score Queue ────────────────────────────────────────────────────
// Near-term challenges wait here, with their recorded responses, until the
// observation window elapses. The queue is examined once per epoch.

// DefaultGracePeriod is how long past its resolution deadline a challenge
// may wait for ground truth before it is discarded unscored.
const DefaultGracePeriod = 24 * time.Hour

// PendingItem is a challenge awaiting ground truth.
type PendingItem struct {
	Challenge  domain.Challenge  `json:"challenge"`
	Workers    []string          `json:"workers"`   // every worker the challenge was sent to
	Responses  []domain.Response `json:"responses"` // valid responses; absent workers timed out
	GraceUntil time.Time         `json:"grace_until"`
	Attempts   int               `json:"attempts"`
}

// Expired reports whether the grace period has elapsed at now.
func (p PendingItem) Expired(now time.Time) bool {
	return now.After(p.GraceUntil)
}

// PendingStore persists the queue across restarts.
type PendingStore interface {
	SavePending(ctx context.Context, item PendingItem) error
	DeletePending(ctx context.Context, challengeID string) error
	LoadPending(ctx context.Context) ([]PendingItem, error)
}

// PendingQueue orders pending challenges by resolution deadline.
type PendingQueue struct {
	heap  *dsa.DeadlineQueue
	store PendingStore // optional
	grace time.Duration
}

// NewPendingQueue creates a queue. store may be nil for an in-memory queue.
func NewPendingQueue(grace time.Duration, store PendingStore) *PendingQueue {
	if grace <= 0 {
		grace = DefaultGracePeriod
	}
	return &PendingQueue{heap: dsa.NewDeadlineQueue(), store: store, grace: grace}
}

// Load restores persisted items into the heap.
func (q *PendingQueue) Load(ctx context.Context) (int, error) {
	if q.store == nil {
		return 0, nil
	}
	items, err := q.store.LoadPending(ctx)
	if err != nil {
		return 0, fmt.Errorf("load pending: %w", err)
	}
	for _, it := range items {
		q.push(it, it.Challenge.ResolutionDeadline)
	}
	return len(items), nil
}

// Add enqueues a challenge with its responses and persists it.
func (q *PendingQueue) Add(ctx context.Context, c domain.Challenge, workers []string, responses []domain.Response) error {
	item := PendingItem{
		Challenge:  c,
		Workers:    workers,
		Responses:  responses,
		GraceUntil: c.ResolutionDeadline.Add(q.grace),
	}
	if q.store != nil {
		if err := q.store.SavePending(ctx, item); err != nil {
			return fmt.Errorf("persist pending %s: %w", c.ID, err)
		}
	}
	q.push(item, c.ResolutionDeadline)
	return nil
}

// Due removes and returns every item whose resolution deadline has passed.
// Callers must either Requeue or Done each returned item.
func (q *PendingQueue) Due(now time.Time) []PendingItem {
	popped := q.heap.PopDue(now)
	out := make([]PendingItem, 0, len(popped))
	for _, h := range popped {
		out = append(out, h.Value.(PendingItem))
	}
	return out
}

// Requeue puts an item back, to be examined again once due.
func (q *PendingQueue) Requeue(item PendingItem, due time.Time) {
	q.push(item, due)
}

// Done drops an item from durable storage after it was scored or discarded.
func (q *PendingQueue) Done(ctx context.Context, challengeID string) error {
	q.heap.Remove(challengeID)
	if q.store == nil {
		return nil
	}
	return q.store.DeletePending(ctx, challengeID)
}

// Items returns the queued items, earliest deadline first.
func (q *PendingQueue) Items() []PendingItem {
	raw := q.heap.Items()
	out := make([]PendingItem, 0, len(raw))
	for _, h := range raw {
		out = append(out, h.Value.(PendingItem))
	}
	return out
}

// Len returns the queue depth.
func (q *PendingQueue) Len() int { return q.heap.Len() }

func (q *PendingQueue) push(item PendingItem, due time.Time) {
	q.heap.Push(dsa.HeapItem{Key: item.Challenge.ID, Due: due, Value: item})
}
