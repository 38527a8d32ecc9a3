package groundtruth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tutu-network/oracle/internal/domain"
)

type stubSource struct {
	gt  domain.GroundTruth
	res domain.Resolution
	err error
}

func (s stubSource) Resolve(context.Context, domain.Challenge) (domain.GroundTruth, domain.Resolution, error) {
	return s.gt, s.res, s.err
}

func resolvedWith(temp float64, extreme bool) stubSource {
	return stubSource{
		gt:  domain.GroundTruth{Values: map[string]float64{domain.MetricTemperature: temp}, IsExtremeEvent: extreme},
		res: domain.Resolved,
	}
}

func TestTableLifecycle(t *testing.T) {
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	tbl := NewTable()
	tbl.SetClock(func() time.Time { return now })
	c := domain.Challenge{ID: "c1"}
	ctx := context.Background()

	if _, res, _ := tbl.Resolve(ctx, c); res != domain.Pending {
		t.Errorf("unknown challenge = %v, want pending", res)
	}

	tbl.Publish(domain.GroundTruth{ChallengeID: "c1", Values: map[string]float64{"temperature": 21}}, now.Add(time.Hour))
	if _, res, _ := tbl.Resolve(ctx, c); res != domain.Pending {
		t.Errorf("before publish time = %v, want pending", res)
	}

	now = now.Add(2 * time.Hour)
	gt, res, err := tbl.Resolve(ctx, c)
	if err != nil || res != domain.Resolved {
		t.Fatalf("after publish time = %v, %v", res, err)
	}
	if gt.Values["temperature"] != 21 {
		t.Errorf("temperature = %v, want 21", gt.Values["temperature"])
	}
	if !gt.ResolvedAt.Equal(now) {
		t.Errorf("ResolvedAt = %v, want %v", gt.ResolvedAt, now)
	}

	tbl.MarkUnavailable("c1")
	if _, res, _ := tbl.Resolve(ctx, c); res != domain.Unavailable {
		t.Errorf("after MarkUnavailable = %v, want unavailable", res)
	}
	if tbl.Len() != 0 {
		t.Errorf("Len = %d, want 0", tbl.Len())
	}
}

func TestQuorumMedianAndVote(t *testing.T) {
	q := NewQuorum(2,
		resolvedWith(20, true),
		resolvedWith(22, false),
		resolvedWith(40, true),
	)
	gt, res, err := q.Resolve(context.Background(), domain.Challenge{ID: "c"})
	if err != nil || res != domain.Resolved {
		t.Fatalf("Resolve = %v, %v", res, err)
	}
	if gt.Values[domain.MetricTemperature] != 22 {
		t.Errorf("median temperature = %v, want 22", gt.Values[domain.MetricTemperature])
	}
	if !gt.IsExtremeEvent {
		t.Error("IsExtremeEvent = false, want majority true")
	}
	if gt.ChallengeID != "c" {
		t.Errorf("ChallengeID = %q", gt.ChallengeID)
	}
}

func TestQuorumEvenMedianAndTiedVote(t *testing.T) {
	q := NewQuorum(1, resolvedWith(20, true), resolvedWith(30, false))
	gt, _, _ := q.Resolve(context.Background(), domain.Challenge{ID: "c"})
	if gt.Values[domain.MetricTemperature] != 25 {
		t.Errorf("median = %v, want 25", gt.Values[domain.MetricTemperature])
	}
	if gt.IsExtremeEvent {
		t.Error("tied vote should not flag an extreme event")
	}
}

func TestQuorumPendingAndUnavailable(t *testing.T) {
	ctx := context.Background()
	c := domain.Challenge{ID: "c"}

	q := NewQuorum(2, resolvedWith(20, false), stubSource{res: domain.Pending}, stubSource{res: domain.Unavailable})
	if _, res, _ := q.Resolve(ctx, c); res != domain.Pending {
		t.Errorf("one resolved + one pending = %v, want pending", res)
	}

	q = NewQuorum(2, resolvedWith(20, false), stubSource{res: domain.Unavailable}, stubSource{res: domain.Unavailable})
	if _, res, _ := q.Resolve(ctx, c); res != domain.Unavailable {
		t.Errorf("quorum unreachable = %v, want unavailable", res)
	}

	q = NewQuorum(1, stubSource{err: errors.New("503")}, stubSource{err: errors.New("timeout")})
	if _, _, err := q.Resolve(ctx, c); err == nil {
		t.Error("all sources failing should return an error")
	}

	q = NewQuorum(2, resolvedWith(20, false), stubSource{err: errors.New("503")})
	if _, res, err := q.Resolve(ctx, c); err != nil || res != domain.Pending {
		t.Errorf("partial failure = %v, %v, want pending", res, err)
	}
}
