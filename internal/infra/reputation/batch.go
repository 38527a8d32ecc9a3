package reputation

import (
	"fmt"
	"sort"
	"sync"

	"github.com/tutu-network/oracle/internal/domain"
)

// ─── Epoch Batch ────────────────────────────────────────────────────────────
// An epoch's ledger effects are all-or-nothing: scores are staged during the
// epoch and applied together by Commit, or dropped by Discard.

type stagedUpdate struct {
	score float64
	key   string
}

// Batch stages one epoch's reputation updates.
type Batch struct {
	ledger *Ledger
	epoch  uint64

	mu     sync.Mutex
	staged map[string][]stagedUpdate // worker → updates in staging order
	keys   map[string]struct{}       // worker/key pairs staged this epoch
	active map[string]struct{}       // workers that responded without a staged score
	closed bool
}

// CommitSummary reports what a Commit applied.
type CommitSummary struct {
	Epoch   uint64 `json:"epoch"`
	Workers int    `json:"workers"`
	Updates int    `json:"updates"`
	Decayed int    `json:"decayed"` // inactive workers that received a 0
}

// Begin opens a batch for epoch.
func (l *Ledger) Begin(epoch uint64) *Batch {
	return &Batch{
		ledger: l,
		epoch:  epoch,
		staged: make(map[string][]stagedUpdate),
		keys:   make(map[string]struct{}),
		active: make(map[string]struct{}),
	}
}

// Epoch returns the batch's epoch.
func (b *Batch) Epoch() uint64 { return b.epoch }

// Stage records a raw score for later application. Duplicate keys, whether
// already applied or already staged, return ErrDuplicateUpdate.
func (b *Batch) Stage(workerID string, rawScore float64, key string) error {
	s := b.ledger.slot(workerID)
	if s == nil {
		return fmt.Errorf("%w: %s", domain.ErrWorkerNotRegistered, workerID)
	}
	s.mu.Lock()
	_, applied := s.applied[key]
	s.mu.Unlock()

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return domain.ErrBatchClosed
	}
	pair := workerID + "/" + key
	if _, dup := b.keys[pair]; key != "" && (dup || applied) {
		return fmt.Errorf("%w: %s", domain.ErrDuplicateUpdate, pair)
	}
	b.keys[pair] = struct{}{}
	b.staged[workerID] = append(b.staged[workerID], stagedUpdate{score: rawScore, key: key})
	return nil
}

// MarkActive records that workerID responded this epoch even though no score
// was staged for it, as with near-term challenges still awaiting ground
// truth. Commit does not decay active workers.
func (b *Batch) MarkActive(workerID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.active[workerID] = struct{}{}
	}
}

// Len returns the number of staged updates.
func (b *Batch) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, u := range b.staged {
		n += len(u)
	}
	return n
}

// Discard drops every staged update. The ledger is unchanged.
func (b *Batch) Discard() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.staged = nil
	b.keys = nil
	b.active = nil
}

// Commit applies the staged updates. Registered workers that neither had an
// update staged nor were marked active receive a raw score of 0 (decay, not
// exemption). All affected records are locked for the duration, so readers
// never observe a partially applied epoch. A batch for an epoch the ledger
// has already committed returns ErrStaleEpoch and applies nothing.
func (b *Batch) Commit() (CommitSummary, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return CommitSummary{}, domain.ErrBatchClosed
	}
	b.closed = true

	l := b.ledger
	l.mu.RLock()
	ids := make([]string, 0, len(l.slots))
	slots := make(map[string]*slot, len(l.slots))
	for id, s := range l.slots {
		ids = append(ids, id)
		slots[id] = s
	}
	l.mu.RUnlock()
	sort.Strings(ids)

	// Lock in sorted order; Update only ever holds one slot lock.
	for _, id := range ids {
		slots[id].mu.Lock()
	}
	defer func() {
		for _, id := range ids {
			slots[id].mu.Unlock()
		}
	}()

	for _, id := range ids {
		if last := slots[id].rec.LastEpoch; last > 0 && b.epoch <= last {
			return CommitSummary{}, fmt.Errorf("%w: batch %d, %s committed through %d", domain.ErrStaleEpoch, b.epoch, id, last)
		}
	}

	sum := CommitSummary{Epoch: b.epoch, Workers: len(ids)}
	for _, id := range ids {
		s := slots[id]
		updates := b.staged[id]
		_, active := b.active[id]
		if len(updates) == 0 && !active {
			l.apply(s, 0, fmt.Sprintf("inactive/%d", b.epoch), b.epoch)
			sum.Decayed++
		}
		for _, u := range updates {
			l.apply(s, u.score, u.key, b.epoch)
			sum.Updates++
		}
		s.rec.LastEpoch = b.epoch
		pruneApplied(s, b.epoch, l.cfg.RetentionEpochs)
	}
	b.staged = nil
	b.active = nil
	return sum, nil
}

func pruneApplied(s *slot, epoch, retention uint64) {
	if retention == 0 || epoch < retention {
		return
	}
	cutoff := epoch - retention
	for k, e := range s.applied {
		if e < cutoff {
			delete(s.applied, k)
		}
	}
}
