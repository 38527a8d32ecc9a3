package domain

import (
	"errors"
	"math"
	"testing"
	"time"
)

func testChallenge() Challenge {
	return Challenge{
		ID:               "c-1",
		TaskType:         TaskShortTerm,
		Location:         Location{Name: "Tokyo, Japan", Lat: 35.6762, Lon: 139.6503},
		TargetTime:       time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
		RequestedMetrics: []string{MetricTemperature, MetricPrecipitation, MetricRiskIndex},
	}
}

// ─── Challenge Key Tests ────────────────────────────────────────────────────

func TestChallengeKey_DistinguishesTaskType(t *testing.T) {
	a := testChallenge()
	b := testChallenge()
	b.TaskType = TaskRiskIndex
	if a.Key() == b.Key() {
		t.Errorf("Key() equal for different task types: %q", a.Key())
	}
}

func TestChallengeKey_RangedUsesRangeStart(t *testing.T) {
	c := testChallenge()
	c.TaskType = TaskLongRange
	c.TargetTime = time.Time{}
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	c.TimeRange = &TimeRange{Start: start, End: start.Add(30 * 24 * time.Hour)}

	d := c
	d.TimeRange = &TimeRange{Start: start.Add(time.Hour), End: start.Add(31 * 24 * time.Hour)}
	if c.Key() == d.Key() {
		t.Error("Key() should differ when range start differs")
	}
}

// ─── Validate Tests ─────────────────────────────────────────────────────────

func TestValidate(t *testing.T) {
	c := testChallenge()
	tests := []struct {
		name        string
		resp        Response
		wantErr     error
		wantMissing int
	}{
		{
			name: "complete",
			resp: Response{ChallengeID: "c-1", Confidence: 0.8, Values: map[string]float64{
				MetricTemperature: 20, MetricPrecipitation: 5, MetricRiskIndex: 0.2,
			}},
		},
		{
			name: "optional metric allowed",
			resp: Response{ChallengeID: "c-1", Values: map[string]float64{
				MetricTemperature: 20, MetricPrecipitation: 5, MetricRiskIndex: 0.2, MetricHumidity: 70,
			}},
		},
		{
			name:        "missing metrics reported",
			resp:        Response{ChallengeID: "c-1", Values: map[string]float64{MetricTemperature: 20}},
			wantMissing: 2,
		},
		{
			name:    "unknown metric rejected",
			resp:    Response{ChallengeID: "c-1", Values: map[string]float64{"pressure": 1013}},
			wantErr: ErrUnknownMetric,
		},
		{
			name:    "wrong challenge",
			resp:    Response{ChallengeID: "c-2"},
			wantErr: ErrWrongChallenge,
		},
		{
			name:    "confidence out of range",
			resp:    Response{ChallengeID: "c-1", Confidence: 1.2},
			wantErr: ErrInvalidResponse,
		},
		{
			name:    "NaN value",
			resp:    Response{ChallengeID: "c-1", Values: map[string]float64{MetricTemperature: math.NaN()}},
			wantErr: ErrInvalidResponse,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			missing, err := c.Validate(tt.resp)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Validate() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Validate() unexpected error: %v", err)
			}
			if len(missing) != tt.wantMissing {
				t.Errorf("missing = %v, want %d entries", missing, tt.wantMissing)
			}
		})
	}
}

func TestRiskIndexSchema_RejectsOptionalShortTermMetric(t *testing.T) {
	c := testChallenge()
	c.TaskType = TaskRiskIndex
	_, err := c.Validate(Response{ChallengeID: "c-1", Values: map[string]float64{MetricWindSpeed: 10}})
	if !errors.Is(err, ErrUnknownMetric) {
		t.Errorf("error = %v, want ErrUnknownMetric", err)
	}
}

// ─── Misc ───────────────────────────────────────────────────────────────────

func TestEpochAbortError_Unwraps(t *testing.T) {
	err := error(&EpochAbortError{Epoch: 7, Reason: "no ground truth"})
	if !errors.Is(err, ErrEpochAbort) {
		t.Error("EpochAbortError should unwrap to ErrEpochAbort")
	}
	if got := err.Error(); got != "epoch 7 aborted: no ground truth" {
		t.Errorf("Error() = %q", got)
	}
}

func TestWeightVector_SumAndWorkers(t *testing.T) {
	w := WeightVector{Weights: map[string]float64{"b": 0.25, "a": 0.75}}
	if w.Sum() != 1.0 {
		t.Errorf("Sum() = %f, want 1.0", w.Sum())
	}
	got := w.Workers()
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("Workers() = %v, want [a b]", got)
	}
}

func TestResolution_String(t *testing.T) {
	if Pending.String() != "pending" || Resolved.String() != "resolved" || Unavailable.String() != "unavailable" {
		t.Error("unexpected Resolution strings")
	}
}
