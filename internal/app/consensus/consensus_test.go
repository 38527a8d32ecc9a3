package consensus

import (
	"errors"
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tutu-network/oracle/internal/domain"
)

func vector(epoch uint64, scorer string, w map[string]float64) domain.WeightVector {
	return domain.WeightVector{Epoch: epoch, ScorerID: scorer, Weights: w}
}

func sum(w map[string]float64) float64 {
	var s float64
	for _, v := range w {
		s += v
	}
	return s
}

// ─── Digest ─────────────────────────────────────────────────────────────────

func TestDigestCanonical(t *testing.T) {
	a := vector(3, "s1", map[string]float64{"w1": 0.25, "w2": 0.75})
	b := vector(3, "s1", map[string]float64{"w2": 0.75, "w1": 0.25})
	salt := []byte("pepper")

	assert.Equal(t, Digest(3, "s1", a, salt), Digest(3, "s1", b, salt))
	assert.NotEqual(t, Digest(3, "s1", a, salt), Digest(4, "s1", a, salt))
	assert.NotEqual(t, Digest(3, "s1", a, salt), Digest(3, "s2", a, salt))
	assert.NotEqual(t, Digest(3, "s1", a, salt), Digest(3, "s1", a, []byte("salt")))

	c := vector(3, "s1", map[string]float64{"w1": 0.25, "w2": math.Nextafter(0.75, 1)})
	assert.NotEqual(t, Digest(3, "s1", a, salt), Digest(3, "s1", c, salt))
}

// ─── Board ──────────────────────────────────────────────────────────────────

func TestSealRevealsCleanly(t *testing.T) {
	vec := vector(8, "s1", map[string]float64{"w1": 0.4, "w2": 0.6})
	c, err := Seal(vec)
	require.NoError(t, err)
	assert.Len(t, c.Salt, SaltSize)
	assert.Equal(t, Digest(8, "s1", vec, c.Salt), c.Digest)

	other, err := Seal(vec)
	require.NoError(t, err)
	assert.NotEqual(t, c.Digest, other.Digest, "fresh salt per seal")

	b := newTestBoard(t, "s1")
	require.NoError(t, b.Commit(8, "s1", c.Digest))
	b.CloseCommits(8)
	require.NoError(t, b.Reveal(8, "s1", c.Vector, c.Salt))
}

func newTestBoard(t *testing.T, scorers ...string) *Board {
	t.Helper()
	b := NewBoard()
	for _, s := range scorers {
		b.RegisterScorer(s, 100)
	}
	return b
}

func TestBoardCommitRevealHappyPath(t *testing.T) {
	b := newTestBoard(t, "s1")
	vec := vector(7, "s1", map[string]float64{"w1": 1})
	salt := []byte("salt")

	require.NoError(t, b.Commit(7, "s1", Digest(7, "s1", vec, salt)))
	assert.ErrorIs(t, b.Reveal(7, "s1", vec, salt), domain.ErrRevealWindowClosed, "reveal before commits close")

	assert.Equal(t, 1, b.CloseCommits(7))
	require.NoError(t, b.Reveal(7, "s1", vec, salt))
	assert.ErrorIs(t, b.Reveal(7, "s1", vec, salt), domain.ErrAlreadyRevealed)

	phase, ok := b.State(7, "s1")
	require.True(t, ok)
	assert.Equal(t, PhaseRevealed, phase)

	summary := b.CloseReveals(7)
	require.Len(t, summary.Revealed, 1)
	assert.Equal(t, 100.0, summary.Revealed[0].Stake)
	assert.Equal(t, WindowClosed, b.Window(7))
	assert.ErrorIs(t, b.Reveal(7, "s1", vec, salt), domain.ErrRevealWindowClosed, "reveal after close")
}

func TestBoardLateCommitRejected(t *testing.T) {
	b := newTestBoard(t, "s1", "s2")
	require.NoError(t, b.Commit(1, "s1", Digest(1, "s1", vector(1, "s1", nil), nil)))
	b.CloseCommits(1)

	err := b.Commit(1, "s2", Digest(1, "s2", vector(1, "s2", nil), nil))
	assert.ErrorIs(t, err, domain.ErrCommitWindowClosed)
	_, ok := b.State(1, "s2")
	assert.False(t, ok, "late commit must not be queued")
}

func TestBoardCommitErrors(t *testing.T) {
	b := newTestBoard(t, "s1")
	assert.ErrorIs(t, b.Commit(1, "ghost", [32]byte{}), domain.ErrScorerNotRegistered)
	require.NoError(t, b.Commit(1, "s1", [32]byte{1}))
	assert.ErrorIs(t, b.Commit(1, "s1", [32]byte{2}), domain.ErrAlreadyCommitted)

	b.CloseCommits(1)
	assert.ErrorIs(t, b.Reveal(1, "nobody", vector(1, "nobody", nil), nil), domain.ErrNoCommit)
}

func TestBoardMismatchIsFraudAlways(t *testing.T) {
	cases := map[string]func(domain.WeightVector, []byte) (domain.WeightVector, []byte){
		"changed weight": func(v domain.WeightVector, s []byte) (domain.WeightVector, []byte) {
			v.Weights = map[string]float64{"w1": 0.6, "w2": 0.4}
			return v, s
		},
		"changed salt": func(v domain.WeightVector, _ []byte) (domain.WeightVector, []byte) {
			return v, []byte("other")
		},
		"extra worker": func(v domain.WeightVector, s []byte) (domain.WeightVector, []byte) {
			v.Weights = map[string]float64{"w1": 0.5, "w2": 0.5, "w3": 0}
			return v, s
		},
		"wrong epoch": func(v domain.WeightVector, s []byte) (domain.WeightVector, []byte) {
			v.Epoch = 99
			return v, s
		},
	}
	for name, tamper := range cases {
		t.Run(name, func(t *testing.T) {
			b := newTestBoard(t, "honest", "cheat")
			honest := vector(5, "honest", map[string]float64{"w1": 0.5, "w2": 0.5})
			committed := vector(5, "cheat", map[string]float64{"w1": 0.5, "w2": 0.5})
			salt := []byte("s")
			require.NoError(t, b.Commit(5, "honest", Digest(5, "honest", honest, salt)))
			require.NoError(t, b.Commit(5, "cheat", Digest(5, "cheat", committed, salt)))
			b.CloseCommits(5)

			require.NoError(t, b.Reveal(5, "honest", honest, salt))
			v, s := tamper(committed, salt)
			err := b.Reveal(5, "cheat", v, s)
			assert.ErrorIs(t, err, domain.ErrReputationFraud)

			// A corrected second reveal is not accepted either.
			assert.Error(t, b.Reveal(5, "cheat", committed, salt))

			summary := b.CloseReveals(5)
			require.Len(t, summary.Revealed, 1)
			assert.Equal(t, "honest", summary.Revealed[0].ScorerID)
			assert.Equal(t, []string{"cheat"}, summary.Fraudulent)
		})
	}
}

func TestBoardUnrevealedExpires(t *testing.T) {
	b := newTestBoard(t, "s1", "s2")
	v1 := vector(2, "s1", map[string]float64{"w": 1})
	require.NoError(t, b.Commit(2, "s1", Digest(2, "s1", v1, nil)))
	require.NoError(t, b.Commit(2, "s2", [32]byte{9}))
	b.CloseCommits(2)
	require.NoError(t, b.Reveal(2, "s1", v1, nil))

	summary := b.CloseReveals(2)
	assert.Equal(t, []string{"s2"}, summary.Expired)
	phase, _ := b.State(2, "s2")
	assert.Equal(t, PhaseExpired, phase)
	assert.Len(t, b.Revealed(2), 1)
}

func TestBoardPrune(t *testing.T) {
	b := newTestBoard(t, "s1")
	for e := uint64(1); e <= 5; e++ {
		require.NoError(t, b.Commit(e, "s1", [32]byte{byte(e)}))
		b.CloseCommits(e)
		b.CloseReveals(e)
	}
	assert.Equal(t, 2, b.Prune(5, 2))
	assert.Empty(t, b.Entries(1))
	assert.Len(t, b.Entries(3), 1)
}

func TestBoardCommitAfterPruneRejected(t *testing.T) {
	b := newTestBoard(t, "s1", "s2")
	require.NoError(t, b.Commit(1, "s1", [32]byte{1}))
	b.CloseCommits(1)
	b.CloseReveals(1)
	b.Prune(10, 4)

	assert.ErrorIs(t, b.Commit(1, "s2", [32]byte{2}), domain.ErrCommitWindowClosed)
	assert.Equal(t, WindowClosed, b.Window(1))
	_, ok := b.State(1, "s2")
	assert.False(t, ok)

	// Rounds nobody closes are dropped once they fall behind the horizon.
	for e := uint64(1000); e <= 1004; e++ {
		require.NoError(t, b.Commit(e, "s1", [32]byte{byte(e)}))
	}
	assert.Equal(t, 5, b.Prune(2000, 4))
	assert.ErrorIs(t, b.Commit(1002, "s2", [32]byte{3}), domain.ErrCommitWindowClosed)
	require.NoError(t, b.Commit(2000, "s1", [32]byte{4}))
}

// ─── Aggregator ─────────────────────────────────────────────────────────────

func sub(epoch uint64, scorer string, stake float64, w map[string]float64) Submission {
	return Submission{ScorerID: scorer, Stake: stake, Vector: vector(epoch, scorer, w)}
}

func TestAggregateClipsSingleOutlier(t *testing.T) {
	a := NewAggregator(DefaultAggregatorConfig())
	res, err := a.Aggregate(1, []Submission{
		sub(1, "s1", 1, map[string]float64{"A": 0.5, "B": 0.5}),
		sub(1, "s2", 1, map[string]float64{"A": 0.5, "B": 0.5}),
		sub(1, "evil", 1, map[string]float64{"A": 1.0, "B": 0.0}),
	})
	require.NoError(t, err)
	assert.InDelta(t, 1.6/3, res.Weights["A"], 1e-9)
	assert.InDelta(t, 1.4/3, res.Weights["B"], 1e-9)
	assert.InDelta(t, 1.0, sum(res.Weights), 1e-9)
	assert.Equal(t, 2, res.Clipped)
	assert.InDelta(t, 0.5, res.Deviation["evil"], 1e-9)
	assert.Zero(t, res.Deviation["s1"])
}

func TestAggregateOutlierInfluenceBounded(t *testing.T) {
	// For any outlier value, the aggregate moves by at most θ × its stake share.
	base := []Submission{
		sub(1, "s1", 2, map[string]float64{"A": 0.3, "B": 0.7}),
		sub(1, "s2", 2, map[string]float64{"A": 0.3, "B": 0.7}),
	}
	honest, err := NewAggregator(DefaultAggregatorConfig()).Aggregate(1, base)
	require.NoError(t, err)

	for _, x := range []float64{0, 0.1, 0.5, 0.9, 1, 10} {
		subs := append(append([]Submission(nil), base...), sub(1, "evil", 1, map[string]float64{"A": x, "B": 1 - x}))
		res, err := NewAggregator(DefaultAggregatorConfig()).Aggregate(1, subs)
		require.NoError(t, err)
		for _, w := range []string{"A", "B"} {
			assert.LessOrEqual(t, math.Abs(res.Weights[w]-honest.Weights[w]), 0.1/5+1e-9, "outlier %v worker %s", x, w)
		}
	}
}

func TestAggregateStakeWeighted(t *testing.T) {
	a := NewAggregator(DefaultAggregatorConfig())
	res, err := a.Aggregate(1, []Submission{
		sub(1, "whale", 3, map[string]float64{"A": 0.6, "B": 0.4}),
		sub(1, "minnow", 1, map[string]float64{"A": 0.5, "B": 0.5}),
	})
	require.NoError(t, err)
	assert.InDelta(t, (3*0.6+1*0.5)/4, res.Weights["A"], 1e-9)
	assert.Equal(t, "A", res.TopWorker)
	assert.Equal(t, []string{"minnow", "whale"}, res.Scorers)
	assert.Equal(t, 0.41, res.MinerShare)
}

func TestAggregateExcludesInvalid(t *testing.T) {
	a := NewAggregator(DefaultAggregatorConfig())
	res, err := a.Aggregate(4, []Submission{
		sub(4, "ok", 1, map[string]float64{"A": 1}),
		sub(4, "broke", 0, map[string]float64{"A": 1}),
		sub(3, "stale", 1, map[string]float64{"A": 1}),
		sub(4, "nan", 1, map[string]float64{"A": math.NaN()}),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"ok"}, res.Scorers)
	assert.Len(t, res.Excluded, 3)
}

func TestAggregateAbort(t *testing.T) {
	a := NewAggregator(DefaultAggregatorConfig())
	_, err := a.Aggregate(1, nil)
	var abort *domain.EpochAbortError
	require.True(t, errors.As(err, &abort))
	assert.Equal(t, uint64(1), abort.Epoch)
	assert.ErrorIs(t, err, domain.ErrEpochAbort)

	_, err = a.Aggregate(2, []Submission{sub(2, "s", 1, map[string]float64{"A": 0, "B": 0})})
	assert.ErrorIs(t, err, domain.ErrEpochAbort)

	cfg := DefaultAggregatorConfig()
	cfg.MinScorers = 2
	_, err = NewAggregator(cfg).Aggregate(1, []Submission{sub(1, "s", 1, map[string]float64{"A": 1})})
	assert.ErrorIs(t, err, domain.ErrEpochAbort)

	// Aborts leave the aggregator ready for the same epoch.
	_, err = a.Aggregate(2, []Submission{sub(2, "s", 1, map[string]float64{"A": 1})})
	assert.NoError(t, err)
	_, err = a.Aggregate(2, []Submission{sub(2, "s", 1, map[string]float64{"A": 1})})
	assert.Error(t, err, "re-aggregating an epoch")
}

func TestAntiMonopolyDecay(t *testing.T) {
	top := map[string]float64{"A": 0.4, "B": 0.3, "C": 0.3}
	other := map[string]float64{"A": 0.3, "B": 0.4, "C": 0.3}

	// A at #1 for 31 consecutive epochs.
	long := NewAggregator(DefaultAggregatorConfig())
	var longRes domain.ConsensusResult
	for e := uint64(1); e <= 31; e++ {
		var err error
		longRes, err = long.Aggregate(e, []Submission{sub(e, "s", 1, top)})
		require.NoError(t, err)
	}

	// B at #1 for 26 epochs, then A for the last 5.
	short := NewAggregator(DefaultAggregatorConfig())
	var shortRes domain.ConsensusResult
	for e := uint64(1); e <= 31; e++ {
		w := other
		if e > 26 {
			w = top
		}
		var err error
		shortRes, err = short.Aggregate(e, []Submission{sub(e, "s", 1, w)})
		require.NoError(t, err)
	}

	assert.Equal(t, 31, longRes.TopStreak)
	assert.Equal(t, 5, shortRes.TopStreak)
	assert.Less(t, longRes.Weights["A"], shortRes.Weights["A"])
	assert.InDelta(t, 0.4*0.98, longRes.Weights["A"], 1e-9)
	assert.InDelta(t, 1.0, sum(longRes.Weights), 1e-9)
	assert.True(t, long.Monopolized(longRes))
	assert.False(t, short.Monopolized(shortRes))

	// Freed share is split pro rata between B and C.
	assert.InDelta(t, longRes.Weights["B"], longRes.Weights["C"], 1e-12)
}

func TestAntiMonopolyAtThirtyNoDecay(t *testing.T) {
	a := NewAggregator(DefaultAggregatorConfig())
	w := map[string]float64{"A": 0.6, "B": 0.4}
	var res domain.ConsensusResult
	for e := uint64(1); e <= 30; e++ {
		var err error
		res, err = a.Aggregate(e, []Submission{sub(e, "s", 1, w)})
		require.NoError(t, err)
	}
	assert.InDelta(t, 0.6, res.Weights["A"], 1e-12)

	res, err := a.Aggregate(40, []Submission{sub(40, "s", 1, w)})
	require.NoError(t, err)
	assert.InDelta(t, 0.6*0.98, res.Weights["A"], 1e-9)
}

func TestWeightedMedian(t *testing.T) {
	tests := []struct {
		values, stakes []float64
		want           float64
	}{
		{[]float64{0.1, 0.5, 0.9}, []float64{1, 1, 1}, 0.5},
		{[]float64{0.1, 0.5, 0.9}, []float64{10, 1, 1}, 0.1},
		{[]float64{0.2, 0.8}, []float64{1, 1}, 0.2},
		{[]float64{0.9, 0.1, 0.5}, []float64{1, 1, 5}, 0.5},
		{nil, nil, 0},
	}
	for i, tt := range tests {
		assert.Equal(t, tt.want, WeightedMedian(tt.values, tt.stakes), fmt.Sprintf("case %d", i))
	}
}
