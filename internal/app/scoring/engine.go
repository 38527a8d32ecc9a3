// Package scoring computes the bonus-adjusted score for one
// (challenge, response, ground truth) triple and holds near-term challenges
// until their ground truth resolves.
//
//	base  = 0.40×temp + 0.25×precip + 0.15×risk + 0.10×latency + 0.10×consistency
//	final = min(base × 1.5, 1.0) if an extreme event was correctly predicted
//	      = min(base, 1.0)       otherwise
//
// The extreme-event bonus can lift a score to the 1.0 cap but never past it,
// so every score fed to the ledger and to aggregation lies in [0, 1].
package scoring

import (
	"math"
	"time"

	"github.com/tutu-network/oracle/internal/domain"
)

// ─── Constants ──────────────────────────────────────────────────────────────

const (
	WeightTemperature   = 0.40
	WeightPrecipitation = 0.25
	WeightRisk          = 0.15
	WeightLatency       = 0.10
	WeightConsistency   = 0.10

	// TemperatureTolerance is the absolute error (°C) that scores 0.
	TemperatureTolerance = 10.0
	// PrecipitationTolerance is the absolute error (mm) that scores 0.
	PrecipitationTolerance = 50.0

	// RiskNearMiss is the absolute error under which a bucket mismatch
	// still earns RiskNearMissScore.
	RiskNearMiss      = 0.15
	RiskNearMissScore = 0.7

	// ExtremeBonus multiplies the base score when an extreme event was
	// correctly predicted.
	ExtremeBonus = 1.5
	// ExtremeRiskCut is the predicted risk above which a response counts
	// as predicting an extreme event.
	ExtremeRiskCut = 0.6

	// MaxScore is the operative upper bound of Final.
	MaxScore = 1.0

	// DefaultTimeout is the per-challenge response timeout.
	DefaultTimeout = 8 * time.Second
)

// ─── Risk Buckets ───────────────────────────────────────────────────────────

// RiskLevel is the ordinal bucket of a continuous risk index.
type RiskLevel int

const (
	RiskLow RiskLevel = iota
	RiskMedium
	RiskHigh
	RiskExtreme
)

func (r RiskLevel) String() string {
	switch r {
	case RiskLow:
		return "low"
	case RiskMedium:
		return "medium"
	case RiskHigh:
		return "high"
	default:
		return "extreme"
	}
}

// Classify maps a risk index in [0,1] to a bucket via thresholds 0.25/0.5/0.75.
func Classify(risk float64) RiskLevel {
	switch {
	case risk < 0.25:
		return RiskLow
	case risk < 0.5:
		return RiskMedium
	case risk < 0.75:
		return RiskHigh
	default:
		return RiskExtreme
	}
}

// ─── Engine ─────────────────────────────────────────────────────────────────

// Breakdown is the per-dimension result of one Score call.
type Breakdown struct {
	Temperature   float64  `json:"temp_score"`
	Precipitation float64  `json:"precip_score"`
	Risk          float64  `json:"risk_score"`
	Latency       float64  `json:"latency_score"`
	Consistency   float64  `json:"consistency"`
	Base          float64  `json:"base_score"`
	Uncapped      float64  `json:"uncapped_score"`
	Final         float64  `json:"final_score"`
	ExtremeBonus  bool     `json:"extreme_bonus"`
	TimedOut      bool     `json:"timed_out"`
	Missing       []string `json:"missing,omitempty"`
}

// Config configures the engine.
type Config struct {
	Timeout time.Duration
}

// DefaultConfig returns the 8 s response timeout.
func DefaultConfig() Config {
	return Config{Timeout: DefaultTimeout}
}

// Engine scores responses. It is stateless and safe for concurrent use.
type Engine struct {
	timeout time.Duration
}

// NewEngine creates a scoring engine.
func NewEngine(cfg Config) *Engine {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Engine{timeout: cfg.Timeout}
}

// Timeout returns the response timeout used for latency scoring.
func (e *Engine) Timeout() time.Duration { return e.timeout }

// Score computes the score for one response. A nil resp is a Timeout: every
// dimension scores 0. A response missing a requested metric scores 0 on that
// dimension. The consistency term only counts when at least one requested
// metric was answered, so an empty answer can never earn credit.
// Score never fails.
func (e *Engine) Score(c domain.Challenge, resp *domain.Response, gt domain.GroundTruth, consistency float64) Breakdown {
	var b Breakdown
	if resp == nil {
		b.TimedOut = true
		b.Missing = append([]string(nil), c.RequestedMetrics...)
		return b
	}

	answered := 0
	dim := func(metric string) (pred, actual float64, ok bool) {
		if !c.Requests(metric) {
			return 0, 0, false
		}
		pred, hasPred := resp.Value(metric)
		actual, hasActual := gt.Values[metric]
		if !hasPred {
			b.Missing = append(b.Missing, metric)
			return 0, 0, false
		}
		answered++
		return pred, actual, hasActual
	}

	if pred, actual, ok := dim(domain.MetricTemperature); ok {
		b.Temperature = clamp(1-math.Abs(pred-actual)/TemperatureTolerance, 0, 1)
	}
	if pred, actual, ok := dim(domain.MetricPrecipitation); ok {
		b.Precipitation = clamp(1-math.Abs(pred-actual)/PrecipitationTolerance, 0, 1)
	}
	predRisk, actualRisk, riskOK := dim(domain.MetricRiskIndex)
	if riskOK {
		b.Risk = riskScore(predRisk, actualRisk)
	}

	b.Latency = e.latencyScore(c, resp)
	if answered > 0 {
		b.Consistency = clamp(consistency, 0, 1)
	}

	b.Base = WeightTemperature*b.Temperature +
		WeightPrecipitation*b.Precipitation +
		WeightRisk*b.Risk +
		WeightLatency*b.Latency +
		WeightConsistency*b.Consistency

	b.Uncapped = b.Base
	_, hasRisk := resp.Value(domain.MetricRiskIndex)
	if gt.IsExtremeEvent && hasRisk && predRisk > ExtremeRiskCut {
		b.ExtremeBonus = true
		b.Uncapped = b.Base * ExtremeBonus
	}
	b.Final = math.Min(b.Uncapped, MaxScore)
	return b
}

// latencyScore is clamp(1 − elapsed/timeout, 0, 1). A response submitted
// after the challenge's resolution deadline scores 0.
func (e *Engine) latencyScore(c domain.Challenge, resp *domain.Response) float64 {
	if !c.ResolutionDeadline.IsZero() && !resp.SubmittedAt.IsZero() && resp.SubmittedAt.After(c.ResolutionDeadline) {
		return 0
	}
	if resp.Elapsed < 0 {
		return 0
	}
	return clamp(1-resp.Elapsed.Seconds()/e.timeout.Seconds(), 0, 1)
}

func riskScore(pred, actual float64) float64 {
	switch {
	case Classify(pred) == Classify(actual):
		return 1.0
	case math.Abs(pred-actual) < RiskNearMiss:
		return RiskNearMissScore
	default:
		return 0
	}
}

func clamp(v, min, max float64) float64 {
	if v < min || math.IsNaN(v) {
		return min
	}
	if v > max {
		return max
	}
	return v
}
