// Package dsa implements the data structures the engine schedules with.
//
// This package provides two structures:
//  1. BloomFilter, O(1) probabilistic membership for challenge keys
//  2. DeadlineQueue, an O(log n) min-heap ordered by due time
package dsa

import (
	"crypto/sha256"
	"encoding/binary"
	"math"
	"sync"
)

// ─── Bloom Filter ───────────────────────────────────────────────────────────
// Probabilistic set membership for (location, target time, task type) keys.
// Answers "was this challenge already issued this epoch?" with:
//   - No  → definitely not (zero false negatives)
//   - Yes → probably (false positive rate ≤ configured FPR)
//
// A false positive only costs the generator one extra draw; a duplicate can
// never slip through.

// BloomConfig configures a Bloom filter.
type BloomConfig struct {
	ExpectedItems int     // Expected number of elements
	FPRate        float64 // Desired false positive rate (e.g. 0.001 = 0.1%)
}

// DefaultBloomConfig sizes the filter for one epoch of challenges.
func DefaultBloomConfig() BloomConfig {
	return BloomConfig{
		ExpectedItems: 256,
		FPRate:        0.001,
	}
}

// BloomFilter is a space-efficient probabilistic set.
type BloomFilter struct {
	mu      sync.RWMutex
	bits    []uint64 // bit array stored as uint64 words
	numBits uint
	numHash uint
	count   int
}

// NewBloomFilter creates a Bloom filter sized to achieve the target FP rate.
//
//	m = -(n * ln(p)) / (ln(2)^2)   (total bits)
//	k = (m/n) * ln(2)              (hash functions)
func NewBloomFilter(cfg BloomConfig) *BloomFilter {
	if cfg.ExpectedItems <= 0 {
		cfg.ExpectedItems = 256
	}
	if cfg.FPRate <= 0 || cfg.FPRate >= 1 {
		cfg.FPRate = 0.001
	}

	n := float64(cfg.ExpectedItems)
	p := cfg.FPRate

	m := uint(math.Ceil(-(n * math.Log(p)) / (math.Log(2) * math.Log(2))))
	k := uint(math.Ceil(float64(m) / n * math.Log(2)))
	if m == 0 {
		m = 64
	}
	if k == 0 {
		k = 1
	}

	return &BloomFilter{
		bits:    make([]uint64, (m+63)/64),
		numBits: m,
		numHash: k,
	}
}

// Add inserts a key into the filter.
func (bf *BloomFilter) Add(key string) {
	bf.mu.Lock()
	defer bf.mu.Unlock()
	bf.set(key)
}

// Contains tests whether a key might be in the filter.
func (bf *BloomFilter) Contains(key string) bool {
	bf.mu.RLock()
	defer bf.mu.RUnlock()
	return bf.test(key)
}

// AddIfAbsent inserts key and returns true when it was definitely absent.
// Returns false (and leaves the filter untouched) when key is probably present.
func (bf *BloomFilter) AddIfAbsent(key string) bool {
	bf.mu.Lock()
	defer bf.mu.Unlock()
	if bf.test(key) {
		return false
	}
	bf.set(key)
	return true
}

// Count returns the number of keys added.
func (bf *BloomFilter) Count() int {
	bf.mu.RLock()
	defer bf.mu.RUnlock()
	return bf.count
}

// EstimatedFPRate returns the current false positive estimate:
// (1 - e^(-kn/m))^k.
func (bf *BloomFilter) EstimatedFPRate() float64 {
	bf.mu.RLock()
	defer bf.mu.RUnlock()

	m := float64(bf.numBits)
	k := float64(bf.numHash)
	n := float64(bf.count)
	return math.Pow(1-math.Exp(-k*n/m), k)
}

// Reset clears the filter.
func (bf *BloomFilter) Reset() {
	bf.mu.Lock()
	defer bf.mu.Unlock()
	for i := range bf.bits {
		bf.bits[i] = 0
	}
	bf.count = 0
}

func (bf *BloomFilter) set(key string) {
	h1, h2 := baseHashes(key)
	for i := uint(0); i < bf.numHash; i++ {
		pos := bf.nthHash(h1, h2, i)
		bf.bits[pos/64] |= 1 << (pos % 64)
	}
	bf.count++
}

func (bf *BloomFilter) test(key string) bool {
	h1, h2 := baseHashes(key)
	for i := uint(0); i < bf.numHash; i++ {
		pos := bf.nthHash(h1, h2, i)
		if bf.bits[pos/64]&(1<<(pos%64)) == 0 {
			return false
		}
	}
	return true
}

// baseHashes derives two 32-bit hashes from SHA-256 for Kirsch-Mitzenmacker
// double hashing: h_i(x) = h1(x) + i*h2(x).
func baseHashes(key string) (uint32, uint32) {
	sum := sha256.Sum256([]byte(key))
	return binary.BigEndian.Uint32(sum[0:4]), binary.BigEndian.Uint32(sum[4:8])
}

func (bf *BloomFilter) nthHash(h1, h2 uint32, i uint) uint {
	return uint((uint64(h1) + uint64(i)*uint64(h2)) % uint64(bf.numBits))
}
