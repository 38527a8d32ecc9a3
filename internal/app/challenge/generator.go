// Package challenge issues the per-epoch prediction challenges.
//
// A generator run:
//  1. Derives an RNG seed from crypto/rand entropy mixed with the epoch seed
//  2. Splits the batch into historical and near-term challenges by ratio
//  3. Draws (location, target time, task type) triples, rejecting repeats
//  4. Stamps each challenge with a fresh, unique random seed and deadline
package challenge

import (
	crand "crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"

	"github.com/tutu-network/oracle/internal/domain"
	"github.com/tutu-network/oracle/internal/infra/dsa"
)

// ─── Configuration ──────────────────────────────────────────────────────────

// GeneratorConfig controls challenge generation.
type GeneratorConfig struct {
	Count           int           // challenges per epoch (default: 10)
	HistoricalRatio float64       // fraction resolved immediately (default: 0.7)
	ResponseTimeout time.Duration // historical resolution deadline (default: 8s)
	MinHorizon      time.Duration // near-term forecast horizon lower bound (default: 24h)
	MaxHorizon      time.Duration // near-term forecast horizon upper bound (default: 72h)
	MaxLookback     time.Duration // how far back historical targets may fall (default: 365d)
	MinRangeDays    int           // long_range window length bounds (default: 30–90)
	MaxRangeDays    int
	MaxAttempts     int // draws per challenge before giving up (default: 64)
}

// DefaultGeneratorConfig returns the production mix.
func DefaultGeneratorConfig() GeneratorConfig {
	return GeneratorConfig{
		Count:           10,
		HistoricalRatio: 0.7,
		ResponseTimeout: 8 * time.Second,
		MinHorizon:      24 * time.Hour,
		MaxHorizon:      72 * time.Hour,
		MaxLookback:     365 * 24 * time.Hour,
		MinRangeDays:    30,
		MaxRangeDays:    90,
		MaxAttempts:     64,
	}
}

// Historical task-type mix. Near-term draws renormalize over the first two.
type weightedTask struct {
	t domain.TaskType
	w float64
}

var taskMix = []weightedTask{
	{domain.TaskShortTerm, 0.5},
	{domain.TaskRiskIndex, 0.3},
	{domain.TaskLongRange, 0.2},
}

// ─── Generator ──────────────────────────────────────────────────────────────

// Generator produces challenge batches. It holds no per-epoch state and is
// safe for concurrent use.
type Generator struct {
	cfg     GeneratorConfig
	entropy io.Reader
	now     func() time.Time
}

// NewGenerator creates a generator backed by crypto/rand.
func NewGenerator(cfg GeneratorConfig) *Generator {
	def := DefaultGeneratorConfig()
	if cfg.Count <= 0 {
		cfg.Count = def.Count
	}
	if cfg.HistoricalRatio < 0 || cfg.HistoricalRatio > 1 || math.IsNaN(cfg.HistoricalRatio) {
		cfg.HistoricalRatio = def.HistoricalRatio
	}
	if cfg.ResponseTimeout <= 0 {
		cfg.ResponseTimeout = def.ResponseTimeout
	}
	if cfg.MinHorizon <= 0 || cfg.MaxHorizon < cfg.MinHorizon {
		cfg.MinHorizon, cfg.MaxHorizon = def.MinHorizon, def.MaxHorizon
	}
	if cfg.MaxLookback < 24*time.Hour {
		cfg.MaxLookback = def.MaxLookback
	}
	if cfg.MinRangeDays <= 0 || cfg.MaxRangeDays < cfg.MinRangeDays {
		cfg.MinRangeDays, cfg.MaxRangeDays = def.MinRangeDays, def.MaxRangeDays
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	return &Generator{cfg: cfg, entropy: crand.Reader, now: time.Now}
}

// SetClock replaces the generator clock.
func (g *Generator) SetClock(now func() time.Time) { g.now = now }

// SetEntropy replaces the unpredictable entropy source. Tests only.
func (g *Generator) SetEntropy(r io.Reader) { g.entropy = r }

// Config returns the effective configuration.
func (g *Generator) Config() GeneratorConfig { return g.cfg }

// Split returns the historical and near-term counts for the configured batch.
func (g *Generator) Split() (historical, nearTerm int) {
	historical = int(math.Round(float64(g.cfg.Count) * g.cfg.HistoricalRatio))
	return historical, g.cfg.Count - historical
}

// Generate issues one epoch's challenges over grid. No two returned
// challenges share a Key, and every RandomSeed is distinct.
func (g *Generator) Generate(epochSeed uint64, grid Grid) ([]domain.Challenge, error) {
	if len(grid) == 0 {
		return nil, fmt.Errorf("%w: empty coverage grid", domain.ErrGridExhausted)
	}
	rng, err := g.seed(epochSeed)
	if err != nil {
		return nil, err
	}

	seen := dsa.NewBloomFilter(dsa.BloomConfig{
		ExpectedItems: g.cfg.Count * g.cfg.MaxAttempts,
		FPRate:        0.0001,
	})
	seeds := make(map[uint64]struct{}, g.cfg.Count)
	issued := g.now().UTC()

	historical, nearTerm := g.Split()
	out := make([]domain.Challenge, 0, g.cfg.Count)
	for i := 0; i < historical+nearTerm; i++ {
		near := i >= historical
		c, err := g.draw(rng, grid, issued, near, seen)
		if err != nil {
			return out, err
		}
		for {
			c.RandomSeed = rng.Uint64()
			if _, dup := seeds[c.RandomSeed]; !dup {
				break
			}
		}
		seeds[c.RandomSeed] = struct{}{}
		out = append(out, c)
	}
	return out, nil
}

// seed mixes 32 bytes of entropy with the epoch seed through SHA-256.
func (g *Generator) seed(epochSeed uint64) (*rand.Rand, error) {
	var buf [40]byte
	if _, err := io.ReadFull(g.entropy, buf[:32]); err != nil {
		return nil, fmt.Errorf("read entropy: %w", err)
	}
	binary.BigEndian.PutUint64(buf[32:], epochSeed)
	sum := sha256.Sum256(buf[:])
	return rand.New(rand.NewChaCha8(sum)), nil
}

func (g *Generator) draw(rng *rand.Rand, grid Grid, issued time.Time, near bool, seen *dsa.BloomFilter) (domain.Challenge, error) {
	for attempt := 0; attempt < g.cfg.MaxAttempts; attempt++ {
		c := domain.Challenge{
			ID:       uuid.NewString(),
			Location: grid[rng.IntN(len(grid))],
			IssuedAt: issued,
			NearTerm: near,
		}
		if near {
			c.TaskType = pickTask(rng, taskMix[:2])
			horizon := g.cfg.MinHorizon + time.Duration(rng.Int64N(int64(g.cfg.MaxHorizon-g.cfg.MinHorizon)+1))
			c.TargetTime = issued.Add(horizon).Truncate(time.Hour)
			c.ResolutionDeadline = issued.Add(horizon)
		} else {
			c.TaskType = pickTask(rng, taskMix)
			c.ResolutionDeadline = issued.Add(g.cfg.ResponseTimeout)
			if c.TaskType == domain.TaskLongRange {
				days := g.cfg.MinRangeDays + rng.IntN(g.cfg.MaxRangeDays-g.cfg.MinRangeDays+1)
				end := g.pastTime(rng, issued)
				c.TimeRange = &domain.TimeRange{Start: end.AddDate(0, 0, -days), End: end}
			} else {
				c.TargetTime = g.pastTime(rng, issued)
			}
		}
		schema, _ := domain.SchemaFor(c.TaskType)
		c.RequestedMetrics = append([]string(nil), schema.Required...)

		if seen.AddIfAbsent(c.Key()) {
			return c, nil
		}
	}
	return domain.Challenge{}, fmt.Errorf("%w: %d draws without a fresh triple", domain.ErrGridExhausted, g.cfg.MaxAttempts)
}

// pastTime returns an hour-aligned time between one day and MaxLookback ago.
func (g *Generator) pastTime(rng *rand.Rand, issued time.Time) time.Time {
	span := int64(g.cfg.MaxLookback - 24*time.Hour)
	back := 24*time.Hour + time.Duration(rng.Int64N(span+1))
	return issued.Add(-back).Truncate(time.Hour)
}

func pickTask(rng *rand.Rand, mix []weightedTask) domain.TaskType {
	var total float64
	for _, m := range mix {
		total += m.w
	}
	r := rng.Float64() * total
	for _, m := range mix {
		if r < m.w {
			return m.t
		}
		r -= m.w
	}
	return mix[len(mix)-1].t
}
