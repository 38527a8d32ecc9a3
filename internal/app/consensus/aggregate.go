package consensus

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/tutu-network/oracle/internal/domain"
)

// ─── Aggregation ────────────────────────────────────────────────────────────
//
//	median_w   = stake-weighted median of every scorer's weight for w
//	clipped    = clamp(weight, max(0, median_w − θ), median_w + θ)
//	agg_w      = Σ stake × clipped / Σ stake
//	monopoly   = agg_top × 0.98^(streak − 30) once streak > 30,
//	             freed share redistributed pro rata to the other workers
//	result     = agg / Σ agg

// AggregatorConfig controls the consensus rule.
type AggregatorConfig struct {
	ClipThreshold  float64 // Max deviation from the median (default: 0.1)
	MonopolyEpochs int     // Consecutive #1 epochs tolerated (default: 30)
	MonopolyDecay  float64 // Per-epoch decay past the limit (default: 0.02)
	MinScorers     int     // Valid vectors required (default: 1)
	MinerShare     float64 // Emission fraction reported to the distributor (default: 0.41)
}

// DefaultAggregatorConfig returns the production consensus rule.
func DefaultAggregatorConfig() AggregatorConfig {
	return AggregatorConfig{
		ClipThreshold:  0.1,
		MonopolyEpochs: 30,
		MonopolyDecay:  0.02,
		MinScorers:     1,
		MinerShare:     0.41,
	}
}

// Aggregator combines revealed vectors into emission weights. It carries the
// top-rank streak across epochs, so one Aggregator serves one epoch sequence.
type Aggregator struct {
	cfg AggregatorConfig

	mu         sync.Mutex
	topWorker  string
	streak     int
	lastEpoch  uint64
	aggregated bool

	// Injectable clock for testing.
	now func() time.Time
}

// NewAggregator creates an aggregator.
func NewAggregator(cfg AggregatorConfig) *Aggregator {
	def := DefaultAggregatorConfig()
	if cfg.ClipThreshold <= 0 {
		cfg.ClipThreshold = def.ClipThreshold
	}
	if cfg.MonopolyEpochs <= 0 {
		cfg.MonopolyEpochs = def.MonopolyEpochs
	}
	if cfg.MonopolyDecay < 0 || cfg.MonopolyDecay >= 1 {
		cfg.MonopolyDecay = def.MonopolyDecay
	}
	if cfg.MinScorers <= 0 {
		cfg.MinScorers = def.MinScorers
	}
	return &Aggregator{cfg: cfg, now: time.Now}
}

// SetClock replaces the aggregator clock.
func (a *Aggregator) SetClock(now func() time.Time) { a.now = now }

// Streak returns the current top worker and its consecutive epochs at #1.
func (a *Aggregator) Streak() (string, int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.topWorker, a.streak
}

// RestoreStreak reinstates streak state after a restart.
func (a *Aggregator) RestoreStreak(top string, streak int, lastEpoch uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.topWorker, a.streak, a.lastEpoch, a.aggregated = top, streak, lastEpoch, true
}

// Aggregate computes the consensus result for epoch. Epochs must be
// aggregated in increasing order. Too few valid vectors, zero total stake or
// a zero aggregate abort the epoch with an *EpochAbortError; streak state is
// untouched on abort.
func (a *Aggregator) Aggregate(epoch uint64, subs []Submission) (domain.ConsensusResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.aggregated && epoch <= a.lastEpoch {
		return domain.ConsensusResult{}, fmt.Errorf("epoch %d already aggregated (last %d)", epoch, a.lastEpoch)
	}

	res := domain.ConsensusResult{
		Epoch:      epoch,
		Weights:    make(map[string]float64),
		Deviation:  make(map[string]float64),
		Excluded:   make(map[string]string),
		MinerShare: a.cfg.MinerShare,
		ComputedAt: a.now(),
	}

	valid := make([]Submission, 0, len(subs))
	var totalStake float64
	for _, s := range subs {
		if reason := invalid(epoch, s); reason != "" {
			res.Excluded[s.ScorerID] = reason
			continue
		}
		valid = append(valid, s)
		totalStake += s.Stake
	}
	sort.Slice(valid, func(i, j int) bool { return valid[i].ScorerID < valid[j].ScorerID })

	switch {
	case len(valid) == 0:
		return res, &domain.EpochAbortError{Epoch: epoch, Reason: "no valid weight vectors"}
	case len(valid) < a.cfg.MinScorers:
		return res, &domain.EpochAbortError{Epoch: epoch, Reason: fmt.Sprintf("%d valid vectors, need %d", len(valid), a.cfg.MinScorers)}
	case totalStake <= 0:
		return res, &domain.EpochAbortError{Epoch: epoch, Reason: "zero total stake"}
	}

	workers := unionWorkers(valid)
	values := make([]float64, len(valid))
	stakes := make([]float64, len(valid))
	for i, s := range valid {
		stakes[i] = s.Stake
		res.Scorers = append(res.Scorers, s.ScorerID)
	}

	var total float64
	for _, w := range workers {
		for i, s := range valid {
			values[i] = s.Vector.Weights[w]
		}
		med := WeightedMedian(values, stakes)
		lo, hi := math.Max(0, med-a.cfg.ClipThreshold), med+a.cfg.ClipThreshold

		var acc float64
		for i, v := range values {
			res.Deviation[valid[i].ScorerID] += math.Abs(v - med)
			c := math.Min(math.Max(v, lo), hi)
			if c != v {
				res.Clipped++
			}
			acc += stakes[i] * c
		}
		agg := acc / totalStake
		res.Weights[w] = agg
		total += agg
	}
	if total <= 0 {
		return res, &domain.EpochAbortError{Epoch: epoch, Reason: "aggregate weights sum to zero"}
	}
	for id := range res.Deviation {
		res.Deviation[id] /= float64(len(workers))
	}
	normalize(res.Weights, total)

	top := topWorker(res.Weights)
	streak := 1
	if top == a.topWorker && a.aggregated {
		streak = a.streak + 1
	}
	if over := streak - a.cfg.MonopolyEpochs; over > 0 {
		decayTop(res.Weights, top, math.Pow(1-a.cfg.MonopolyDecay, float64(over)))
	}

	a.topWorker, a.streak, a.lastEpoch, a.aggregated = top, streak, epoch, true
	res.TopWorker, res.TopStreak = top, streak
	return res, nil
}

// Monopolized reports whether the result's top worker was decayed.
func (a *Aggregator) Monopolized(res domain.ConsensusResult) bool {
	return res.TopStreak > a.cfg.MonopolyEpochs
}

// WeightedMedian returns the lower stake-weighted median: the smallest value
// whose cumulative stake reaches half the total.
func WeightedMedian(values, stakes []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	idx := make([]int, len(values))
	var total float64
	for i := range idx {
		idx[i] = i
		total += stakes[i]
	}
	sort.SliceStable(idx, func(i, j int) bool { return values[idx[i]] < values[idx[j]] })
	var cum float64
	for _, i := range idx {
		cum += stakes[i]
		if cum >= total/2 {
			return values[i]
		}
	}
	return values[idx[len(idx)-1]]
}

func invalid(epoch uint64, s Submission) string {
	switch {
	case s.Stake <= 0 || math.IsNaN(s.Stake) || math.IsInf(s.Stake, 0):
		return "non-positive stake"
	case s.Vector.Epoch != epoch:
		return fmt.Sprintf("vector for epoch %d", s.Vector.Epoch)
	case len(s.Vector.Weights) == 0:
		return "empty vector"
	}
	for w, v := range s.Vector.Weights {
		if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Sprintf("invalid weight for %s", w)
		}
	}
	return ""
}

func unionWorkers(subs []Submission) []string {
	seen := make(map[string]struct{})
	for _, s := range subs {
		for w := range s.Vector.Weights {
			seen[w] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for w := range seen {
		out = append(out, w)
	}
	sort.Strings(out)
	return out
}

func normalize(w map[string]float64, total float64) {
	for id, v := range w {
		w[id] = v / total
	}
}

// topWorker returns the highest-weighted worker; ties go to the lower ID.
func topWorker(w map[string]float64) string {
	var best string
	bestW := -1.0
	for _, id := range sortedIDs(w) {
		if w[id] > bestW {
			best, bestW = id, w[id]
		}
	}
	return best
}

// decayTop scales the top worker by factor and hands the freed share to the
// others in proportion to their weight. The sum is preserved.
func decayTop(w map[string]float64, top string, factor float64) {
	var others float64
	for id, v := range w {
		if id != top {
			others += v
		}
	}
	if others <= 0 {
		return
	}
	freed := w[top] * (1 - factor)
	w[top] -= freed
	for id, v := range w {
		if id != top {
			w[id] = v + freed*v/others
		}
	}
}

func sortedIDs(w map[string]float64) []string {
	ids := make([]string, 0, len(w))
	for id := range w {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
