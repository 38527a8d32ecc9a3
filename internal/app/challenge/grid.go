package challenge

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/tutu-network/oracle/internal/domain"
)

// Grid is the coverage grid challenges are drawn from.
type Grid []domain.Location

// DefaultGrid returns the built-in coverage grid.
func DefaultGrid() Grid {
	return Grid{
		{Name: "Jakarta, Indonesia", Lat: -6.2088, Lon: 106.8456},
		{Name: "Miami, Florida", Lat: 25.7617, Lon: -80.1918},
		{Name: "Sahel Region, Africa", Lat: 14.4974, Lon: 1.5000},
		{Name: "Tokyo, Japan", Lat: 35.6762, Lon: 139.6503},
		{Name: "London, UK", Lat: 51.5074, Lon: -0.1278},
		{Name: "Sydney, Australia", Lat: -33.8688, Lon: 151.2093},
	}
}

type gridFile struct {
	Locations []domain.Location `yaml:"locations"`
}

// LoadGrid reads a YAML coverage grid:
//
//	locations:
//	  - name: Jakarta, Indonesia
//	    lat: -6.2088
//	    lon: 106.8456
func LoadGrid(path string) (Grid, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read grid: %w", err)
	}
	return ParseGrid(data)
}

// ParseGrid decodes and validates a YAML coverage grid.
func ParseGrid(data []byte) (Grid, error) {
	var f gridFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse grid: %w", err)
	}
	g := Grid(f.Locations)
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return g, nil
}

// Validate rejects empty grids, duplicate names and out-of-range coordinates.
func (g Grid) Validate() error {
	if len(g) == 0 {
		return fmt.Errorf("grid has no locations")
	}
	seen := make(map[string]bool, len(g))
	for i, loc := range g {
		if loc.Name == "" {
			return fmt.Errorf("grid location %d: empty name", i)
		}
		if seen[loc.Name] {
			return fmt.Errorf("grid location %q: duplicate", loc.Name)
		}
		seen[loc.Name] = true
		if loc.Lat < -90 || loc.Lat > 90 || loc.Lon < -180 || loc.Lon > 180 {
			return fmt.Errorf("grid location %q: coordinates (%v, %v) out of range", loc.Name, loc.Lat, loc.Lon)
		}
	}
	return nil
}
