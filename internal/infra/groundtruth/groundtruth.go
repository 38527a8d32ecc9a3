// Package groundtruth provides Ground Truth Resolver adapters.
//
//   - Table: an in-memory observation table with optional publish times
//   - Quorum: combines several providers, requiring a minimum number to agree
package groundtruth

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tutu-network/oracle/internal/domain"
)

// ─── Table ──────────────────────────────────────────────────────────────────

type observation struct {
	gt          domain.GroundTruth
	availableAt time.Time
}

// Table resolves challenges from observations loaded ahead of time. An
// observation with a future publish time resolves Pending until then.
type Table struct {
	mu          sync.RWMutex
	obs         map[string]observation
	unavailable map[string]bool

	now func() time.Time
}

// NewTable creates an empty table.
func NewTable() *Table {
	return &Table{
		obs:         make(map[string]observation),
		unavailable: make(map[string]bool),
		now:         time.Now,
	}
}

// SetClock replaces the table clock.
func (t *Table) SetClock(now func() time.Time) { t.now = now }

// Publish stores an observation that becomes visible at availableAt.
// A zero availableAt publishes immediately.
func (t *Table) Publish(gt domain.GroundTruth, availableAt time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.obs[gt.ChallengeID] = observation{gt: gt, availableAt: availableAt}
	delete(t.unavailable, gt.ChallengeID)
}

// MarkUnavailable records that no observation will ever exist.
func (t *Table) MarkUnavailable(challengeID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.obs, challengeID)
	t.unavailable[challengeID] = true
}

// Len returns the number of stored observations.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.obs)
}

// Resolve implements domain.GroundTruthResolver.
func (t *Table) Resolve(_ context.Context, c domain.Challenge) (domain.GroundTruth, domain.Resolution, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.unavailable[c.ID] {
		return domain.GroundTruth{}, domain.Unavailable, nil
	}
	o, ok := t.obs[c.ID]
	if !ok {
		return domain.GroundTruth{}, domain.Pending, nil
	}
	now := t.now()
	if !o.availableAt.IsZero() && now.Before(o.availableAt) {
		return domain.GroundTruth{}, domain.Pending, nil
	}
	gt := o.gt
	if gt.ResolvedAt.IsZero() {
		gt.ResolvedAt = now
	}
	return gt, domain.Resolved, nil
}

// ─── Quorum ─────────────────────────────────────────────────────────────────

// Quorum resolves a challenge across several providers. At least
// MinSources providers must resolve it; each metric is the median of the
// providers that report it and the extreme flag is a strict majority vote.
type Quorum struct {
	sources    []domain.GroundTruthResolver
	minSources int
}

// NewQuorum creates a quorum resolver. minSources is clamped to [1, len(sources)].
func NewQuorum(minSources int, sources ...domain.GroundTruthResolver) *Quorum {
	if minSources < 1 {
		minSources = 1
	}
	if minSources > len(sources) && len(sources) > 0 {
		minSources = len(sources)
	}
	return &Quorum{sources: sources, minSources: minSources}
}

// Resolve implements domain.GroundTruthResolver. The result is Pending while
// enough providers might still resolve, Unavailable once they cannot.
func (q *Quorum) Resolve(ctx context.Context, c domain.Challenge) (domain.GroundTruth, domain.Resolution, error) {
	if len(q.sources) == 0 {
		return domain.GroundTruth{}, domain.Unavailable, nil
	}
	type answer struct {
		gt  domain.GroundTruth
		res domain.Resolution
		err error
	}
	answers := make([]answer, len(q.sources))
	g, gctx := errgroup.WithContext(ctx)
	for i, src := range q.sources {
		g.Go(func() error {
			gt, res, err := src.Resolve(gctx, c)
			answers[i] = answer{gt, res, err}
			return nil
		})
	}
	_ = g.Wait()

	var resolved []domain.GroundTruth
	var pending, failed int
	var errs []error
	for _, a := range answers {
		switch {
		case a.err != nil:
			failed++
			errs = append(errs, a.err)
		case a.res == domain.Resolved:
			resolved = append(resolved, a.gt)
		case a.res == domain.Pending:
			pending++
		}
	}
	if failed == len(q.sources) {
		return domain.GroundTruth{}, domain.Pending, fmt.Errorf("all %d ground truth sources failed: %w", failed, errors.Join(errs...))
	}
	if len(resolved) >= q.minSources {
		return combine(c.ID, resolved), domain.Resolved, nil
	}
	// Failed sources may recover, so they count as still pending.
	if len(resolved)+pending+failed >= q.minSources {
		return domain.GroundTruth{}, domain.Pending, nil
	}
	return domain.GroundTruth{}, domain.Unavailable, nil
}

func combine(challengeID string, gts []domain.GroundTruth) domain.GroundTruth {
	out := domain.GroundTruth{ChallengeID: challengeID, Values: make(map[string]float64)}
	byMetric := make(map[string][]float64)
	extreme := 0
	for _, gt := range gts {
		for m, v := range gt.Values {
			byMetric[m] = append(byMetric[m], v)
		}
		if gt.IsExtremeEvent {
			extreme++
		}
		if gt.ResolvedAt.After(out.ResolvedAt) {
			out.ResolvedAt = gt.ResolvedAt
		}
	}
	for m, vs := range byMetric {
		out.Values[m] = median(vs)
	}
	out.IsExtremeEvent = extreme*2 > len(gts)
	return out
}

func median(vs []float64) float64 {
	s := append([]float64(nil), vs...)
	sort.Float64s(s)
	n := len(s)
	if n%2 == 1 {
		return s[n/2]
	}
	return (s[n/2-1] + s[n/2]) / 2
}
