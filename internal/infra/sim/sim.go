// Package sim provides a simulated worker population and observation feed.
//
// Workers belong to one of three quality tiers whose prediction error is
// Gaussian around the simulated observation. Observations are derived from
// per-location climate baselines and the challenge seed, so a run is
// reproducible for a given set of challenges.
package sim

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/tutu-network/oracle/internal/domain"
	"github.com/tutu-network/oracle/internal/infra/groundtruth"
)

// ─── Tiers ──────────────────────────────────────────────────────────────────

// Tier is a worker quality class.
type Tier string

const (
	TierHigh  Tier = "high"
	TierMid   Tier = "mid"
	TierEntry Tier = "entry"
)

// Model is the noise and latency profile of a tier.
type Model struct {
	TempSigma     float64 // °C
	PrecipSigma   float64 // mm
	RiskSigma     float64
	MinLatency    time.Duration
	MaxLatency    time.Duration
	MinConfidence float64
	MaxConfidence float64
}

var models = map[Tier]Model{
	TierHigh:  {TempSigma: 0.5, PrecipSigma: 12, RiskSigma: 0.04, MinLatency: 300 * time.Millisecond, MaxLatency: 1200 * time.Millisecond, MinConfidence: 0.60, MaxConfidence: 0.95},
	TierMid:   {TempSigma: 1.2, PrecipSigma: 25, RiskSigma: 0.08, MinLatency: 800 * time.Millisecond, MaxLatency: 2200 * time.Millisecond, MinConfidence: 0.60, MaxConfidence: 0.95},
	TierEntry: {TempSigma: 2.5, PrecipSigma: 45, RiskSigma: 0.15, MinLatency: 1500 * time.Millisecond, MaxLatency: 3500 * time.Millisecond, MinConfidence: 0.40, MaxConfidence: 0.65},
}

// ModelFor returns the profile of a tier.
func ModelFor(t Tier) (Model, bool) {
	m, ok := models[t]
	return m, ok
}

// ParseTier parses a tier name.
func ParseTier(s string) (Tier, error) {
	t := Tier(s)
	if _, ok := models[t]; !ok {
		return "", fmt.Errorf("unknown tier %q", s)
	}
	return t, nil
}

// ─── Climate Baselines ──────────────────────────────────────────────────────

// Baseline is the climatological mean at a location.
type Baseline struct {
	Temp     float64
	Precip   float64
	Humidity float64
	Wind     float64
	Risk     float64
}

var defaultBaseline = Baseline{Temp: 25, Precip: 100, Humidity: 70, Wind: 15, Risk: 0.25}

var baselines = map[string]Baseline{
	"Jakarta, Indonesia":   {Temp: 28.5, Precip: 150, Humidity: 82, Wind: 15, Risk: 0.35},
	"Miami, Florida":       {Temp: 30.0, Precip: 120, Humidity: 75, Wind: 20, Risk: 0.30},
	"Sahel Region, Africa": {Temp: 37.0, Precip: 60, Humidity: 35, Wind: 18, Risk: 0.40},
	"Tokyo, Japan":         {Temp: 22.0, Precip: 80, Humidity: 65, Wind: 12, Risk: 0.20},
	"London, UK":           {Temp: 14.0, Precip: 55, Humidity: 78, Wind: 22, Risk: 0.15},
	"Sydney, Australia":    {Temp: 25.0, Precip: 70, Humidity: 60, Wind: 16, Risk: 0.22},
}

// BaselineFor returns the baseline for a location name, or a temperate default.
func BaselineFor(name string) Baseline {
	if b, ok := baselines[name]; ok {
		return b
	}
	return defaultBaseline
}

// ExtremeRisk is the observed risk index at or above which an observation
// is flagged as an extreme event.
const ExtremeRisk = 0.75

// Observe derives the simulated observation for a challenge. The result
// depends only on the challenge location, task type and seed.
func Observe(c domain.Challenge) domain.GroundTruth {
	b := BaselineFor(c.Location.Name)
	rng := rand.New(rand.NewPCG(c.RandomSeed, 0x6f62736572766564))

	// Occasional anomalous events push risk and precipitation up together.
	anomaly := 0.0
	if rng.Float64() < 0.15 {
		anomaly = 0.3 + 0.3*rng.Float64()
	}
	gt := domain.GroundTruth{
		ChallengeID: c.ID,
		Values: map[string]float64{
			domain.MetricTemperature:   round(b.Temp+rng.NormFloat64()*2, 1),
			domain.MetricPrecipitation: round(math.Max(0, b.Precip*(1+anomaly*2)+rng.NormFloat64()*15), 1),
			domain.MetricRiskIndex:     round(clamp(b.Risk+anomaly+rng.NormFloat64()*0.05, 0, 1), 2),
			domain.MetricHumidity:      round(clamp(b.Humidity+rng.NormFloat64()*5, 10, 100), 1),
			domain.MetricWindSpeed:     round(math.Max(0, b.Wind+rng.NormFloat64()*4), 1),
		},
	}
	gt.IsExtremeEvent = gt.Values[domain.MetricRiskIndex] >= ExtremeRisk
	return gt
}

// Publish loads simulated observations for challenges into table.
// Historical observations are visible immediately; near-term ones become
// visible at the challenge's resolution deadline.
func Publish(table *groundtruth.Table, challenges []domain.Challenge) {
	for _, c := range challenges {
		var at time.Time
		if c.NearTerm {
			at = c.ResolutionDeadline
		}
		table.Publish(Observe(c), at)
	}
}

// Resolver implements domain.GroundTruthResolver from simulated
// observations. Near-term challenges stay Pending until their deadline.
type Resolver struct {
	now func() time.Time
}

var _ domain.GroundTruthResolver = (*Resolver)(nil)

// NewResolver creates a simulated resolver.
func NewResolver() *Resolver { return &Resolver{now: time.Now} }

// SetClock replaces the resolver clock.
func (r *Resolver) SetClock(now func() time.Time) { r.now = now }

// Resolve implements domain.GroundTruthResolver.
func (r *Resolver) Resolve(_ context.Context, c domain.Challenge) (domain.GroundTruth, domain.Resolution, error) {
	now := r.now()
	if c.NearTerm && now.Before(c.ResolutionDeadline) {
		return domain.GroundTruth{}, domain.Pending, nil
	}
	gt := Observe(c)
	gt.ResolvedAt = now
	return gt, domain.Resolved, nil
}

// ─── Transport ──────────────────────────────────────────────────────────────

// TransportConfig configures the simulated transport.
type TransportConfig struct {
	// LatencyScale multiplies tier latencies; 0 answers immediately.
	LatencyScale float64
	Seed         uint64
}

// DefaultTransportConfig returns real-time latencies.
func DefaultTransportConfig() TransportConfig {
	return TransportConfig{LatencyScale: 1}
}

// Transport implements domain.Transport with simulated workers.
type Transport struct {
	cfg TransportConfig

	mu      sync.RWMutex
	workers map[string]Tier
	offline map[string]bool
}

var _ domain.Transport = (*Transport)(nil)

// NewTransport creates an empty simulated worker population.
func NewTransport(cfg TransportConfig) *Transport {
	if cfg.LatencyScale < 0 {
		cfg.LatencyScale = 0
	}
	return &Transport{
		cfg:     cfg,
		workers: make(map[string]Tier),
		offline: make(map[string]bool),
	}
}

// Add registers a simulated worker.
func (t *Transport) Add(workerID string, tier Tier) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.workers[workerID] = tier
}

// SetOffline makes a worker stop answering until it is set back online.
func (t *Transport) SetOffline(workerID string, offline bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if offline {
		t.offline[workerID] = true
	} else {
		delete(t.offline, workerID)
	}
}

// Workers returns the simulated worker IDs in ascending order.
func (t *Transport) Workers() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ids := make([]string, 0, len(t.workers))
	for id := range t.workers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Send implements domain.Transport. Offline workers block until ctx ends.
func (t *Transport) Send(ctx context.Context, workerID string, c domain.Challenge) (domain.Response, error) {
	t.mu.RLock()
	tier, ok := t.workers[workerID]
	offline := t.offline[workerID]
	t.mu.RUnlock()
	if !ok {
		return domain.Response{}, fmt.Errorf("sim: unknown worker %s", workerID)
	}
	if offline {
		<-ctx.Done()
		return domain.Response{}, ctx.Err()
	}

	m := models[tier]
	rng := rand.New(rand.NewPCG(c.RandomSeed^t.cfg.Seed, workerSeed(workerID)))
	truth := Observe(c)

	latency := m.MinLatency + time.Duration(rng.Float64()*float64(m.MaxLatency-m.MinLatency))
	if wait := time.Duration(float64(latency) * t.cfg.LatencyScale); wait > 0 {
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return domain.Response{}, ctx.Err()
		case <-timer.C:
		}
	}

	values := make(map[string]float64, len(c.RequestedMetrics))
	for _, metric := range c.RequestedMetrics {
		actual := truth.Values[metric]
		switch metric {
		case domain.MetricTemperature:
			values[metric] = round(actual+rng.NormFloat64()*m.TempSigma, 1)
		case domain.MetricPrecipitation:
			values[metric] = round(math.Max(0, actual+rng.NormFloat64()*m.PrecipSigma), 1)
		case domain.MetricRiskIndex:
			values[metric] = round(clamp(actual+rng.NormFloat64()*m.RiskSigma, 0, 1), 2)
		default:
			values[metric] = actual
		}
	}
	return domain.Response{
		ChallengeID: c.ID,
		WorkerID:    workerID,
		Values:      values,
		Confidence:  round(m.MinConfidence+rng.Float64()*(m.MaxConfidence-m.MinConfidence), 2),
	}, nil
}

func workerSeed(id string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(id))
	return h.Sum64()
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
