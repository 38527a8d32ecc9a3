package challenge

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tutu-network/oracle/internal/domain"
)

// byteReader yields an endless stream of one byte value.
type byteReader byte

func (b byteReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = byte(b)
	}
	return len(p), nil
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("entropy drained") }

var fixedNow = time.Date(2026, 6, 1, 12, 30, 0, 0, time.UTC)

func newTestGenerator(t *testing.T, cfg GeneratorConfig) *Generator {
	t.Helper()
	g := NewGenerator(cfg)
	g.SetClock(func() time.Time { return fixedNow })
	g.SetEntropy(byteReader(7))
	return g
}

func TestGenerateSplitAndDeadlines(t *testing.T) {
	g := newTestGenerator(t, DefaultGeneratorConfig())
	cs, err := g.Generate(42, DefaultGrid())
	require.NoError(t, err)
	require.Len(t, cs, 10)

	var hist, near int
	for _, c := range cs {
		assert.NotEmpty(t, c.ID)
		assert.Equal(t, fixedNow, c.IssuedAt)
		schema, ok := domain.SchemaFor(c.TaskType)
		require.True(t, ok)
		assert.Equal(t, schema.Required, c.RequestedMetrics)

		if c.NearTerm {
			near++
			assert.NotEqual(t, domain.TaskLongRange, c.TaskType)
			horizon := c.ResolutionDeadline.Sub(c.IssuedAt)
			assert.GreaterOrEqual(t, horizon, 24*time.Hour)
			assert.LessOrEqual(t, horizon, 72*time.Hour)
			assert.True(t, c.TargetTime.After(fixedNow))
			continue
		}
		hist++
		assert.Equal(t, fixedNow.Add(8*time.Second), c.ResolutionDeadline)
		if c.TaskType == domain.TaskLongRange {
			require.NotNil(t, c.TimeRange)
			days := c.TimeRange.End.Sub(c.TimeRange.Start).Hours() / 24
			assert.GreaterOrEqual(t, days, 29.9)
			assert.LessOrEqual(t, days, 90.1)
			assert.True(t, c.TimeRange.End.Before(fixedNow))
		} else {
			assert.Nil(t, c.TimeRange)
			assert.True(t, c.TargetTime.Before(fixedNow.Add(-23*time.Hour)))
		}
	}
	assert.Equal(t, 7, hist)
	assert.Equal(t, 3, near)
}

func TestGenerateUniqueTriplesAndSeeds(t *testing.T) {
	cfg := DefaultGeneratorConfig()
	cfg.Count = 200
	g := newTestGenerator(t, cfg)
	cs, err := g.Generate(1, DefaultGrid())
	require.NoError(t, err)

	keys := make(map[string]bool)
	seeds := make(map[uint64]bool)
	for _, c := range cs {
		assert.False(t, keys[c.Key()], "duplicate key %s", c.Key())
		assert.False(t, seeds[c.RandomSeed], "duplicate seed %d", c.RandomSeed)
		keys[c.Key()] = true
		seeds[c.RandomSeed] = true
	}
}

func TestGenerateRatioRounding(t *testing.T) {
	cfg := DefaultGeneratorConfig()
	cfg.Count = 7
	h, n := NewGenerator(cfg).Split()
	assert.Equal(t, 5, h)
	assert.Equal(t, 2, n)

	cfg.HistoricalRatio = 0
	h, n = NewGenerator(cfg).Split()
	assert.Equal(t, 0, h)
	assert.Equal(t, 7, n)
}

func TestGenerateSeedDependsOnEpochSeedAndEntropy(t *testing.T) {
	g := newTestGenerator(t, DefaultGeneratorConfig())
	a, err := g.Generate(1, DefaultGrid())
	require.NoError(t, err)
	b, err := g.Generate(1, DefaultGrid())
	require.NoError(t, err)
	c, err := g.Generate(2, DefaultGrid())
	require.NoError(t, err)
	assert.Equal(t, a[0].RandomSeed, b[0].RandomSeed, "same entropy and epoch seed")
	assert.NotEqual(t, a[0].RandomSeed, c[0].RandomSeed, "different epoch seed")

	g.SetEntropy(byteReader(8))
	d, err := g.Generate(1, DefaultGrid())
	require.NoError(t, err)
	assert.NotEqual(t, a[0].RandomSeed, d[0].RandomSeed, "different entropy")
}

func TestGenerateGridExhausted(t *testing.T) {
	cfg := DefaultGeneratorConfig()
	cfg.Count = 4
	cfg.HistoricalRatio = 1
	cfg.MaxLookback = 24 * time.Hour
	cfg.MinRangeDays, cfg.MaxRangeDays = 30, 30
	g := newTestGenerator(t, cfg)

	// One location, one possible target time: three task types at most.
	cs, err := g.Generate(9, Grid{{Name: "Tokyo, Japan", Lat: 35.6762, Lon: 139.6503}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrGridExhausted))
	assert.Len(t, cs, 3)
}

func TestGenerateErrors(t *testing.T) {
	g := newTestGenerator(t, DefaultGeneratorConfig())
	_, err := g.Generate(1, nil)
	assert.ErrorIs(t, err, domain.ErrGridExhausted)

	g.SetEntropy(failingReader{})
	_, err = g.Generate(1, DefaultGrid())
	assert.ErrorContains(t, err, "entropy")
}

func TestParseGrid(t *testing.T) {
	g, err := ParseGrid([]byte(`
locations:
  - name: Jakarta, Indonesia
    lat: -6.2088
    lon: 106.8456
  - name: Tokyo, Japan
    lat: 35.6762
    lon: 139.6503
`))
	require.NoError(t, err)
	require.Len(t, g, 2)
	assert.Equal(t, "Tokyo, Japan", g[1].Name)
	assert.InDelta(t, 139.6503, g[1].Lon, 1e-9)

	_, err = ParseGrid([]byte("locations:\n  - {name: A, lat: 1, lon: 1}\n  - {name: A, lat: 2, lon: 2}\n"))
	assert.ErrorContains(t, err, "duplicate")

	_, err = ParseGrid([]byte("locations:\n  - {name: A, lat: 91, lon: 1}\n"))
	assert.ErrorContains(t, err, "out of range")

	_, err = ParseGrid([]byte("locations: []\n"))
	assert.Error(t, err)

	assert.NoError(t, DefaultGrid().Validate())
}
