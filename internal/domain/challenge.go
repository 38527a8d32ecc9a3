// Package domain contains pure business types with ZERO infrastructure imports.
// This is the innermost ring of clean architecture: it depends on nothing.
package domain

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"time"
)

// ─── Task Types ─────────────────────────────────────────────────────────────

// TaskType tags the challenge variant. Each variant has a fixed schema.
type TaskType string

const (
	TaskShortTerm TaskType = "short_term"
	TaskRiskIndex TaskType = "risk_index"
	TaskLongRange TaskType = "long_range"
)

// Metric names carried in Response.Values and GroundTruth.Values.
const (
	MetricTemperature   = "temperature"   // °C
	MetricPrecipitation = "precipitation" // mm
	MetricRiskIndex     = "risk_index"    // [0, 1]
	MetricHumidity      = "humidity"      // %
	MetricWindSpeed     = "wind_speed"    // km/h
)

// TaskSchema lists the metrics a task type requests and the ones it tolerates.
type TaskSchema struct {
	Required []string
	Optional []string
	Ranged   bool // long_range challenges carry a TimeRange instead of a TargetTime
}

var schemas = map[TaskType]TaskSchema{
	TaskShortTerm: {
		Required: []string{MetricTemperature, MetricPrecipitation, MetricRiskIndex},
		Optional: []string{MetricHumidity, MetricWindSpeed},
	},
	TaskRiskIndex: {
		Required: []string{MetricRiskIndex, MetricTemperature, MetricPrecipitation},
	},
	TaskLongRange: {
		Required: []string{MetricTemperature, MetricPrecipitation, MetricRiskIndex},
		Ranged:   true,
	},
}

// SchemaFor returns the fixed schema for a task type.
func SchemaFor(t TaskType) (TaskSchema, bool) {
	s, ok := schemas[t]
	return s, ok
}

func (s TaskSchema) allows(metric string) bool {
	for _, m := range s.Required {
		if m == metric {
			return true
		}
	}
	for _, m := range s.Optional {
		if m == metric {
			return true
		}
	}
	return false
}

// ─── Challenge ──────────────────────────────────────────────────────────────

// Location is a coverage grid cell.
type Location struct {
	Name string  `json:"name" yaml:"name"`
	Lat  float64 `json:"lat" yaml:"lat"`
	Lon  float64 `json:"lon" yaml:"lon"`
}

// TimeRange is a closed observation window for long-range challenges.
type TimeRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Challenge is an immutable prediction task issued to every worker.
type Challenge struct {
	ID                 string     `json:"id"`
	Epoch              uint64     `json:"epoch"`
	TaskType           TaskType   `json:"task_type"`
	Location           Location   `json:"location"`
	TargetTime         time.Time  `json:"target_time,omitempty"`
	TimeRange          *TimeRange `json:"time_range,omitempty"`
	RequestedMetrics   []string   `json:"requested_metrics"`
	RandomSeed         uint64     `json:"random_seed"`
	NearTerm           bool       `json:"near_term"`
	IssuedAt           time.Time  `json:"issued_at"`
	ResolutionDeadline time.Time  `json:"resolution_deadline"`
}

// Key identifies the (location, target time, task type) triple.
// No two challenges in one epoch may share a key.
func (c Challenge) Key() string {
	at := c.TargetTime
	if c.TimeRange != nil {
		at = c.TimeRange.Start
	}
	return c.Location.Name + "|" +
		strconv.FormatFloat(c.Location.Lat, 'f', 4, 64) + "," +
		strconv.FormatFloat(c.Location.Lon, 'f', 4, 64) + "|" +
		strconv.FormatInt(at.Unix(), 10) + "|" + string(c.TaskType)
}

// Requests reports whether the challenge asks for metric.
func (c Challenge) Requests(metric string) bool {
	for _, m := range c.RequestedMetrics {
		if m == metric {
			return true
		}
	}
	return false
}

// Validate checks a response against the challenge's task schema.
// Unknown metrics and out-of-range values reject the response; missing
// requested metrics are returned so the caller can score them as 0.
func (c Challenge) Validate(r Response) (missing []string, err error) {
	if r.ChallengeID != c.ID {
		return nil, fmt.Errorf("%w: got %s, want %s", ErrWrongChallenge, r.ChallengeID, c.ID)
	}
	schema, ok := SchemaFor(c.TaskType)
	if !ok {
		return nil, fmt.Errorf("unknown task type %q", c.TaskType)
	}
	for _, name := range sortedKeys(r.Values) {
		if !schema.allows(name) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownMetric, name)
		}
		v := r.Values[name]
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("%w: %s is not finite", ErrInvalidResponse, name)
		}
	}
	if r.Confidence < 0 || r.Confidence > 1 || math.IsNaN(r.Confidence) {
		return nil, fmt.Errorf("%w: confidence %v outside [0,1]", ErrInvalidResponse, r.Confidence)
	}
	for _, m := range c.RequestedMetrics {
		if _, ok := r.Values[m]; !ok {
			missing = append(missing, m)
		}
	}
	return missing, nil
}

// ─── Response / Ground Truth ────────────────────────────────────────────────

// Response is a worker's answer to one challenge. Immutable once recorded.
type Response struct {
	ChallengeID string             `json:"challenge_id"`
	WorkerID    string             `json:"worker_id"`
	Values      map[string]float64 `json:"values"`
	Confidence  float64            `json:"confidence"`
	SubmittedAt time.Time          `json:"submitted_at"`
	Elapsed     time.Duration      `json:"elapsed"` // SubmittedAt − IssuedAt
}

// Value returns a metric value, if present.
func (r Response) Value(metric string) (float64, bool) {
	v, ok := r.Values[metric]
	return v, ok
}

// GroundTruth is the verified observation for a challenge.
type GroundTruth struct {
	ChallengeID    string             `json:"challenge_id"`
	Values         map[string]float64 `json:"values"`
	ResolvedAt     time.Time          `json:"resolved_at"`
	IsExtremeEvent bool               `json:"is_extreme_event"`
}

// Resolution is the state a Ground Truth Resolver reports for a challenge.
type Resolution int

const (
	Resolved Resolution = iota
	Pending
	Unavailable
)

func (r Resolution) String() string {
	switch r {
	case Resolved:
		return "resolved"
	case Pending:
		return "pending"
	case Unavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// ─── Weights ────────────────────────────────────────────────────────────────

// WeightVector is one scorer's per-worker weights for an epoch.
type WeightVector struct {
	Epoch    uint64             `json:"epoch"`
	ScorerID string             `json:"scorer_id"`
	Weights  map[string]float64 `json:"weights"`
}

// Sum returns the total weight.
func (w WeightVector) Sum() float64 {
	var s float64
	for _, v := range w.Weights {
		s += v
	}
	return s
}

// Workers returns worker IDs in ascending order.
func (w WeightVector) Workers() []string { return sortedKeys(w.Weights) }

// ConsensusResult is the aggregated emission-weight vector for one epoch.
type ConsensusResult struct {
	Epoch      uint64             `json:"epoch"`
	Weights    map[string]float64 `json:"weights"`
	Deviation  map[string]float64 `json:"deviation"` // scorer → mean |w − median|
	Scorers    []string           `json:"scorers"`
	Excluded   map[string]string  `json:"excluded,omitempty"` // scorer → reason
	Clipped    int                `json:"clipped"`
	TopWorker  string             `json:"top_worker,omitempty"`
	TopStreak  int                `json:"top_streak"`
	MinerShare float64            `json:"miner_share"`
	ComputedAt time.Time          `json:"computed_at"`
}

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
