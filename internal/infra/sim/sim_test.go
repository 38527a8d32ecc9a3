package sim

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tutu-network/oracle/internal/domain"
	"github.com/tutu-network/oracle/internal/infra/groundtruth"
)

func challenge(id string, seed uint64) domain.Challenge {
	return domain.Challenge{
		ID:               id,
		TaskType:         domain.TaskShortTerm,
		Location:         domain.Location{Name: "Tokyo, Japan", Lat: 35.6762, Lon: 139.6503},
		RequestedMetrics: []string{domain.MetricTemperature, domain.MetricPrecipitation, domain.MetricRiskIndex},
		RandomSeed:       seed,
	}
}

func TestObserveDeterministic(t *testing.T) {
	a := Observe(challenge("c1", 99))
	b := Observe(challenge("c1", 99))
	assert.Equal(t, a, b)

	risk := a.Values[domain.MetricRiskIndex]
	assert.GreaterOrEqual(t, risk, 0.0)
	assert.LessOrEqual(t, risk, 1.0)
	assert.Equal(t, risk >= ExtremeRisk, a.IsExtremeEvent)
}

func TestTiersOrderedByError(t *testing.T) {
	tr := NewTransport(TransportConfig{LatencyScale: 0})
	tr.Add("high", TierHigh)
	tr.Add("entry", TierEntry)

	errFor := func(worker string) float64 {
		var sum float64
		for i := uint64(0); i < 300; i++ {
			c := challenge("c", i+1)
			resp, err := tr.Send(context.Background(), worker, c)
			require.NoError(t, err)
			sum += math.Abs(resp.Values[domain.MetricTemperature] - Observe(c).Values[domain.MetricTemperature])
		}
		return sum / 300
	}
	assert.Less(t, errFor("high"), errFor("entry"))
}

func TestSendAnswersRequestedMetricsOnly(t *testing.T) {
	tr := NewTransport(TransportConfig{})
	tr.Add("w1", TierMid)
	c := challenge("c1", 5)
	c.RequestedMetrics = []string{domain.MetricRiskIndex}

	resp, err := tr.Send(context.Background(), "w1", c)
	require.NoError(t, err)
	assert.Len(t, resp.Values, 1)
	assert.Equal(t, "c1", resp.ChallengeID)
	assert.Equal(t, "w1", resp.WorkerID)
	_, err = c.Validate(resp)
	assert.NoError(t, err)
}

func TestOfflineWorkerBlocksUntilTimeout(t *testing.T) {
	tr := NewTransport(TransportConfig{})
	tr.Add("w1", TierHigh)
	tr.SetOffline("w1", true)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := tr.Send(ctx, "w1", challenge("c1", 1))
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	tr.SetOffline("w1", false)
	_, err = tr.Send(context.Background(), "w1", challenge("c1", 1))
	assert.NoError(t, err)
}

func TestUnknownWorker(t *testing.T) {
	_, err := NewTransport(TransportConfig{}).Send(context.Background(), "ghost", challenge("c", 1))
	assert.Error(t, err)
}

func TestPublishDelaysNearTerm(t *testing.T) {
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	tbl := groundtruth.NewTable()
	tbl.SetClock(func() time.Time { return now })

	hist := challenge("hist", 1)
	near := challenge("near", 2)
	near.NearTerm = true
	near.ResolutionDeadline = now.Add(24 * time.Hour)
	Publish(tbl, []domain.Challenge{hist, near})

	_, res, _ := tbl.Resolve(context.Background(), hist)
	assert.Equal(t, domain.Resolved, res)
	_, res, _ = tbl.Resolve(context.Background(), near)
	assert.Equal(t, domain.Pending, res)

	now = now.Add(25 * time.Hour)
	_, res, _ = tbl.Resolve(context.Background(), near)
	assert.Equal(t, domain.Resolved, res)
}

func TestParseTier(t *testing.T) {
	tier, err := ParseTier("mid")
	require.NoError(t, err)
	assert.Equal(t, TierMid, tier)
	_, err = ParseTier("legendary")
	assert.Error(t, err)
}

func TestResolverWaitsForDeadline(t *testing.T) {
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	r := NewResolver()
	r.SetClock(func() time.Time { return now })

	near := challenge("near", 3)
	near.NearTerm = true
	near.ResolutionDeadline = now.Add(time.Hour)

	_, res, err := r.Resolve(context.Background(), near)
	require.NoError(t, err)
	assert.Equal(t, domain.Pending, res)

	now = now.Add(2 * time.Hour)
	gt, res, err := r.Resolve(context.Background(), near)
	require.NoError(t, err)
	assert.Equal(t, domain.Resolved, res)
	assert.Equal(t, Observe(near).Values, gt.Values)
	assert.Equal(t, now, gt.ResolvedAt)
}
