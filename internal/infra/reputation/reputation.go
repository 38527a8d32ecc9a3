// Package reputation implements the EMA-based reputation ledger for workers.
//
// Each worker has one record:
//   - EMA:         0.9×ema + 0.1×raw_score per applied update
//   - History:     the last N raw scores (FIFO eviction)
//   - Consistency: mean(History), fed back into the next scoring round
//   - Immunity:    new workers get a weight floor until ImmunityUntil
//
// Records are mutated only through Update or an epoch Batch. Each worker has
// its own lock, so updates to distinct workers never contend; the ledger-wide
// lock guards registration only.
package reputation

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/tutu-network/oracle/internal/domain"
)

// ─── Constants ──────────────────────────────────────────────────────────────

const (
	// Alpha is the EMA smoothing factor.
	// Low α = slow adaptation = resistant to manipulation.
	Alpha = 0.1

	// DefaultHistorySize bounds the raw-score history per worker.
	DefaultHistorySize = 100

	// DefaultImmunityBlocks is the registration grace period in blocks.
	DefaultImmunityBlocks = 5000

	// DefaultBlockTime converts blocks to wall-clock time.
	DefaultBlockTime = 12 * time.Second

	// DefaultImmunityFloor is the minimum weight an immune worker contributes.
	DefaultImmunityFloor = 0.01

	// DefaultRetentionEpochs is how long applied update keys are remembered.
	DefaultRetentionEpochs = 16
)

// ─── Types ──────────────────────────────────────────────────────────────────

// Record stores a worker's complete reputation state.
type Record struct {
	WorkerID      string    `json:"worker_id"`
	Stake         float64   `json:"stake"`
	EMA           float64   `json:"ema_score"`
	History       []float64 `json:"history"`
	RegisteredAt  time.Time `json:"registered_at"`
	ImmunityUntil time.Time `json:"immunity_until"`
	LastUpdate    time.Time `json:"last_update"`
	LastEpoch     uint64    `json:"last_epoch"`
	Updates       int       `json:"updates"`
}

// Consistency returns mean(History), or 0 for a worker with no history.
func (r *Record) Consistency() float64 {
	if len(r.History) == 0 {
		return 0
	}
	var sum float64
	for _, s := range r.History {
		sum += s
	}
	return sum / float64(len(r.History))
}

// Immune reports whether the worker is still inside its immunity period.
func (r *Record) Immune(now time.Time) bool {
	return now.Before(r.ImmunityUntil)
}

func (r Record) clone() Record {
	r.History = append([]float64(nil), r.History...)
	return r
}

// ─── Configuration ──────────────────────────────────────────────────────────

// Config configures the ledger.
type Config struct {
	HistorySize     int
	ImmunityPeriod  time.Duration
	ImmunityFloor   float64
	RetentionEpochs uint64
}

// DefaultConfig returns the ledger defaults (N=100, 5000-block immunity).
func DefaultConfig() Config {
	return Config{
		HistorySize:     DefaultHistorySize,
		ImmunityPeriod:  DefaultImmunityBlocks * DefaultBlockTime,
		ImmunityFloor:   DefaultImmunityFloor,
		RetentionEpochs: DefaultRetentionEpochs,
	}
}

// ─── Ledger ─────────────────────────────────────────────────────────────────

type slot struct {
	mu      sync.Mutex
	rec     Record
	applied map[string]uint64 // update key → epoch applied
}

// Ledger is the source of truth for weight computation.
type Ledger struct {
	mu    sync.RWMutex
	cfg   Config
	slots map[string]*slot

	// Injectable clock for testing.
	now func() time.Time
}

// NewLedger creates an empty ledger.
func NewLedger(cfg Config) *Ledger {
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = DefaultHistorySize
	}
	return &Ledger{
		cfg:   cfg,
		slots: make(map[string]*slot),
		now:   time.Now,
	}
}

// SetClock replaces the ledger clock.
func (l *Ledger) SetClock(now func() time.Time) { l.now = now }

// ─── Registration ───────────────────────────────────────────────────────────

// Register adds a worker with ema=0 and a fresh immunity period.
// Registering an existing worker updates its stake only.
func (l *Ledger) Register(workerID string, stake float64) Record {
	l.mu.Lock()
	defer l.mu.Unlock()

	if s, ok := l.slots[workerID]; ok {
		s.mu.Lock()
		s.rec.Stake = stake
		rec := s.rec.clone()
		s.mu.Unlock()
		return rec
	}

	now := l.now()
	s := &slot{
		rec: Record{
			WorkerID:      workerID,
			Stake:         stake,
			RegisteredAt:  now,
			ImmunityUntil: now.Add(l.cfg.ImmunityPeriod),
			LastUpdate:    now,
		},
		applied: make(map[string]uint64),
	}
	l.slots[workerID] = s
	return s.rec.clone()
}

// Deregister removes a worker. Returns false if it was not registered.
func (l *Ledger) Deregister(workerID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.slots[workerID]; !ok {
		return false
	}
	delete(l.slots, workerID)
	return true
}

// Get returns a copy of a worker's record.
func (l *Ledger) Get(workerID string) (Record, bool) {
	s := l.slot(workerID)
	if s == nil {
		return Record{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rec.clone(), true
}

// Workers returns registered worker IDs in ascending order.
func (l *Ledger) Workers() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	ids := make([]string, 0, len(l.slots))
	for id := range l.slots {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Count returns the number of registered workers.
func (l *Ledger) Count() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.slots)
}

func (l *Ledger) slot(workerID string) *slot {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.slots[workerID]
}

// ─── Updates ────────────────────────────────────────────────────────────────

// Update applies one raw score immediately. key identifies the update
// (typically challenge ID); a key is applied at most once per worker and a
// replay returns ErrDuplicateUpdate without changing the record.
func (l *Ledger) Update(workerID string, rawScore float64, key string) (Record, error) {
	s := l.slot(workerID)
	if s == nil {
		return Record{}, fmt.Errorf("%w: %s", domain.ErrWorkerNotRegistered, workerID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, seen := s.applied[key]; key != "" && seen {
		return s.rec.clone(), fmt.Errorf("%w: %s/%s", domain.ErrDuplicateUpdate, workerID, key)
	}
	l.apply(s, rawScore, key, s.rec.LastEpoch)
	return s.rec.clone(), nil
}

// apply mutates one slot. Caller holds s.mu.
func (l *Ledger) apply(s *slot, rawScore float64, key string, epoch uint64) {
	rawScore = clamp(rawScore, 0, 1)
	rec := &s.rec
	rec.EMA = clamp(ema(rec.EMA, rawScore, Alpha), 0, 1)

	if len(rec.History) >= l.cfg.HistorySize {
		copy(rec.History, rec.History[1:])
		rec.History[len(rec.History)-1] = rawScore
	} else {
		rec.History = append(rec.History, rawScore)
	}

	rec.Updates++
	rec.LastUpdate = l.now()
	if key != "" {
		s.applied[key] = epoch
	}
}

// Consistency returns the worker's current consistency term.
func (l *Ledger) Consistency(workerID string) float64 {
	s := l.slot(workerID)
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rec.Consistency()
}

// ConsistencySnapshot returns every worker's consistency term, frozen for
// one scoring round.
func (l *Ledger) ConsistencySnapshot() map[string]float64 {
	out := make(map[string]float64)
	for _, rec := range l.Snapshot() {
		out[rec.WorkerID] = rec.Consistency()
	}
	return out
}

// ─── Weights ────────────────────────────────────────────────────────────────

// Weights builds this scorer's normalized weight vector from the ledger.
// Immune workers are floored at ImmunityFloor before normalization.
func (l *Ledger) Weights(epoch uint64, scorerID string) (domain.WeightVector, error) {
	now := l.now()
	vec := domain.WeightVector{Epoch: epoch, ScorerID: scorerID, Weights: make(map[string]float64)}

	var total float64
	for _, rec := range l.Snapshot() {
		w := rec.EMA
		if rec.Immune(now) {
			w = math.Max(w, l.cfg.ImmunityFloor)
		}
		vec.Weights[rec.WorkerID] = w
		total += w
	}
	if total <= 0 {
		return vec, domain.ErrZeroWeights
	}
	for id, w := range vec.Weights {
		vec.Weights[id] = w / total
	}
	return vec, nil
}

// ─── Queries ────────────────────────────────────────────────────────────────

// Snapshot returns copies of every record, ordered by worker ID.
func (l *Ledger) Snapshot() []Record {
	l.mu.RLock()
	slots := make([]*slot, 0, len(l.slots))
	for _, s := range l.slots {
		slots = append(slots, s)
	}
	l.mu.RUnlock()

	out := make([]Record, 0, len(slots))
	for _, s := range slots {
		s.mu.Lock()
		out = append(out, s.rec.clone())
		s.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WorkerID < out[j].WorkerID })
	return out
}

// Restore replaces the ledger contents with persisted records.
// Applied-key memory is not persisted; the epoch counter guards replays.
func (l *Ledger) Restore(recs []Record) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.slots = make(map[string]*slot, len(recs))
	for _, r := range recs {
		l.slots[r.WorkerID] = &slot{rec: r.clone(), applied: make(map[string]uint64)}
	}
}

// Leaderboard returns workers sorted by EMA, descending.
func (l *Ledger) Leaderboard(limit int) []Record {
	recs := l.Snapshot()
	sort.SliceStable(recs, func(i, j int) bool { return recs[i].EMA > recs[j].EMA })
	if limit > 0 && limit < len(recs) {
		recs = recs[:limit]
	}
	return recs
}

// ─── Pure Helper Functions ──────────────────────────────────────────────────

// ema computes the Exponential Moving Average:
//
//	new = α × sample + (1 - α) × old
func ema(old, sample, alpha float64) float64 {
	return alpha*sample + (1-alpha)*old
}

// clamp restricts a value to [min, max]. NaN maps to min.
func clamp(v, min, max float64) float64 {
	if v < min || math.IsNaN(v) {
		return min
	}
	if v > max {
		return max
	}
	return v
}
