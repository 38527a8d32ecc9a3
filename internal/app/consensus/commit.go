// Package consensus implements commit-reveal weight submission and the
// stake-weighted, outlier-clipped aggregation of revealed weight vectors.
//
// Per scorer, per epoch:
//
//	Commit(digest) → Committed ─ CloseCommits ─▶ reveal window open
//	Reveal(vector, salt):  digest matches → Revealed
//	                       digest differs → Fraudulent (ErrReputationFraud)
//	CloseReveals:          still Committed → Expired
//
// A commit after CloseCommits is rejected, never queued. A reveal before
// CloseCommits or after CloseReveals is rejected.
package consensus

import (
	crand "crypto/rand"
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/tutu-network/oracle/internal/domain"
)

// ─── Digest ─────────────────────────────────────────────────────────────────

const digestDomain = "oracle/weights/v1"

// Digest is the Keccak-256 commitment to a weight vector. The encoding is
// canonical: workers in ascending order, weights as IEEE-754 bits, every
// variable-length field length-prefixed.
func Digest(epoch uint64, scorerID string, vec domain.WeightVector, salt []byte) common.Hash {
	workers := vec.Workers()
	buf := make([]byte, 0, 64+len(workers)*24+len(salt))
	buf = append(buf, digestDomain...)
	buf = binary.BigEndian.AppendUint64(buf, epoch)
	buf = appendBytes(buf, []byte(scorerID))
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(workers)))
	for _, w := range workers {
		buf = appendBytes(buf, []byte(w))
		buf = binary.BigEndian.AppendUint64(buf, math.Float64bits(vec.Weights[w]))
	}
	buf = appendBytes(buf, salt)
	return crypto.Keccak256Hash(buf)
}

func appendBytes(buf, b []byte) []byte {
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(b)))
	return append(buf, b...)
}

// ─── Phases ─────────────────────────────────────────────────────────────────

// Phase is one scorer's commit-reveal state for one epoch.
type Phase int

const (
	PhaseCommitted Phase = iota
	PhaseRevealed
	PhaseExpired
	PhaseFraudulent
)

func (p Phase) String() string {
	switch p {
	case PhaseCommitted:
		return "committed"
	case PhaseRevealed:
		return "revealed"
	case PhaseExpired:
		return "expired"
	case PhaseFraudulent:
		return "fraudulent"
	default:
		return "unknown"
	}
}

// Window is an epoch's position in the commit-reveal timeline.
type Window int

const (
	WindowCommit Window = iota
	WindowReveal
	WindowClosed
)

func (w Window) String() string {
	switch w {
	case WindowCommit:
		return "commit"
	case WindowReveal:
		return "reveal"
	default:
		return "closed"
	}
}

// SaltSize is the length of the random salt drawn by Seal.
const SaltSize = 32

// Commitment is the plaintext behind a digest, kept by the committing
// scorer until it reveals.
type Commitment struct {
	Epoch    uint64              `json:"epoch"`
	ScorerID string              `json:"scorer_id"`
	Digest   common.Hash         `json:"digest"`
	Salt     []byte              `json:"salt"`
	Vector   domain.WeightVector `json:"vector"`
	Revealed bool                `json:"revealed"`
}

// Seal draws a fresh salt and computes the digest for vec.
func Seal(vec domain.WeightVector) (Commitment, error) {
	salt := make([]byte, SaltSize)
	if _, err := crand.Read(salt); err != nil {
		return Commitment{}, fmt.Errorf("draw salt: %w", err)
	}
	return Commitment{
		Epoch:    vec.Epoch,
		ScorerID: vec.ScorerID,
		Digest:   Digest(vec.Epoch, vec.ScorerID, vec, salt),
		Salt:     salt,
		Vector:   cloneVector(vec),
	}, nil
}

// Submission is one scorer's revealed vector with the stake it carries.
type Submission struct {
	ScorerID string              `json:"scorer_id"`
	Stake    float64             `json:"stake"`
	Vector   domain.WeightVector `json:"vector"`
}

// Entry is the board's record of one scorer in one epoch.
type Entry struct {
	ScorerID    string              `json:"scorer_id"`
	Digest      common.Hash         `json:"digest"`
	Phase       Phase               `json:"phase"`
	Vector      domain.WeightVector `json:"vector"`
	CommittedAt time.Time           `json:"committed_at"`
	RevealedAt  time.Time           `json:"revealed_at"`
}

type round struct {
	window  Window
	entries map[string]*Entry
}

// CloseSummary reports the outcome of an epoch's reveal window.
type CloseSummary struct {
	Epoch      uint64
	Revealed   []Submission
	Expired    []string
	Fraudulent []string
}

// ─── Board ──────────────────────────────────────────────────────────────────

// Board tracks commits and reveals for every epoch still in flight.
type Board struct {
	mu      sync.Mutex
	scorers map[string]float64 // scorer → stake
	rounds  map[uint64]*round
	closed  uint64 // commits for epochs at or below this are rejected

	// Injectable clock for testing.
	now func() time.Time
}

// NewBoard creates an empty board.
func NewBoard() *Board {
	return &Board{
		scorers: make(map[string]float64),
		rounds:  make(map[uint64]*round),
		now:     time.Now,
	}
}

// SetClock replaces the board clock.
func (b *Board) SetClock(now func() time.Time) { b.now = now }

// RegisterScorer adds or restakes a scorer.
func (b *Board) RegisterScorer(id string, stake float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.scorers[id] = stake
}

// Scorers returns registered scorer IDs in ascending order.
func (b *Board) Scorers() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	ids := make([]string, 0, len(b.scorers))
	for id := range b.scorers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (b *Board) round(epoch uint64) *round {
	r, ok := b.rounds[epoch]
	if !ok {
		r = &round{window: WindowCommit, entries: make(map[string]*Entry)}
		b.rounds[epoch] = r
	}
	return r
}

// Commit records scorer's digest for epoch while the commit window is open.
func (b *Board) Commit(epoch uint64, scorerID string, digest common.Hash) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.scorers[scorerID]; !ok {
		return fmt.Errorf("%w: %s", domain.ErrScorerNotRegistered, scorerID)
	}
	r, ok := b.rounds[epoch]
	if !ok {
		if epoch <= b.closed {
			return fmt.Errorf("%w: epoch %d closed", domain.ErrCommitWindowClosed, epoch)
		}
		r = b.round(epoch)
	}
	if r.window != WindowCommit {
		return fmt.Errorf("%w: epoch %d is in %s window", domain.ErrCommitWindowClosed, epoch, r.window)
	}
	if _, dup := r.entries[scorerID]; dup {
		return fmt.Errorf("%w: %s epoch %d", domain.ErrAlreadyCommitted, scorerID, epoch)
	}
	r.entries[scorerID] = &Entry{
		ScorerID:    scorerID,
		Digest:      digest,
		Phase:       PhaseCommitted,
		CommittedAt: b.now(),
	}
	return nil
}

// CloseCommits ends the commit window for epoch and opens its reveal window.
// Returns the number of commits received.
func (b *Board) CloseCommits(epoch uint64) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	r := b.round(epoch)
	if r.window == WindowCommit {
		r.window = WindowReveal
	}
	b.closed = max(b.closed, epoch)
	return len(r.entries)
}

// Reveal discloses scorer's vector for epoch. A vector or salt that does not
// hash to the committed digest marks the scorer fraudulent for the epoch.
func (b *Board) Reveal(epoch uint64, scorerID string, vec domain.WeightVector, salt []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.rounds[epoch]
	if !ok || r.window != WindowReveal {
		state := "unknown"
		if ok {
			state = r.window.String()
		}
		return fmt.Errorf("%w: epoch %d is in %s window", domain.ErrRevealWindowClosed, epoch, state)
	}
	e, ok := r.entries[scorerID]
	if !ok {
		return fmt.Errorf("%w: %s epoch %d", domain.ErrNoCommit, scorerID, epoch)
	}
	if e.Phase != PhaseCommitted {
		return fmt.Errorf("%w: %s epoch %d is %s", domain.ErrAlreadyRevealed, scorerID, epoch, e.Phase)
	}
	if vec.Epoch != epoch || vec.ScorerID != scorerID || Digest(epoch, scorerID, vec, salt) != e.Digest {
		e.Phase = PhaseFraudulent
		return fmt.Errorf("%w: %s epoch %d", domain.ErrReputationFraud, scorerID, epoch)
	}
	e.Phase = PhaseRevealed
	e.Vector = cloneVector(vec)
	e.RevealedAt = b.now()
	return nil
}

// CloseReveals ends the reveal window for epoch. Scorers that committed but
// never revealed expire. The summary lists the valid submissions.
func (b *Board) CloseReveals(epoch uint64) CloseSummary {
	b.mu.Lock()
	defer b.mu.Unlock()
	sum := CloseSummary{Epoch: epoch}
	r, ok := b.rounds[epoch]
	if !ok {
		return sum
	}
	r.window = WindowClosed
	for _, id := range sortedEntryIDs(r) {
		e := r.entries[id]
		switch e.Phase {
		case PhaseCommitted:
			e.Phase = PhaseExpired
			sum.Expired = append(sum.Expired, id)
		case PhaseFraudulent:
			sum.Fraudulent = append(sum.Fraudulent, id)
		}
	}
	sum.Revealed = b.revealedLocked(r)
	return sum
}

// Revealed returns the valid submissions for epoch, ordered by scorer.
func (b *Board) Revealed(epoch uint64) []Submission {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.rounds[epoch]
	if !ok {
		return nil
	}
	return b.revealedLocked(r)
}

func (b *Board) revealedLocked(r *round) []Submission {
	var out []Submission
	for _, id := range sortedEntryIDs(r) {
		e := r.entries[id]
		if e.Phase != PhaseRevealed {
			continue
		}
		out = append(out, Submission{ScorerID: id, Stake: b.scorers[id], Vector: cloneVector(e.Vector)})
	}
	return out
}

// State returns a scorer's phase for epoch.
func (b *Board) State(epoch uint64, scorerID string) (Phase, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.rounds[epoch]
	if !ok {
		return 0, false
	}
	e, ok := r.entries[scorerID]
	if !ok {
		return 0, false
	}
	return e.Phase, true
}

// Window returns epoch's current window.
func (b *Board) Window(epoch uint64) Window {
	b.mu.Lock()
	defer b.mu.Unlock()
	if r, ok := b.rounds[epoch]; ok {
		return r.window
	}
	if epoch <= b.closed {
		return WindowClosed
	}
	return WindowCommit
}

// Entries returns copies of every entry for epoch, ordered by scorer.
func (b *Board) Entries(epoch uint64) []Entry {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.rounds[epoch]
	if !ok {
		return nil
	}
	out := make([]Entry, 0, len(r.entries))
	for _, id := range sortedEntryIDs(r) {
		e := *r.entries[id]
		e.Vector = cloneVector(e.Vector)
		out = append(out, e)
	}
	return out
}

// Prune drops every round older than keep epochs before current, whatever
// its window. Pruned epochs stay closed to commits.
func (b *Board) Prune(current, keep uint64) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if current <= keep {
		return 0
	}
	cutoff := current - keep
	b.closed = max(b.closed, cutoff-1)
	n := 0
	for epoch := range b.rounds {
		if epoch < cutoff {
			delete(b.rounds, epoch)
			n++
		}
	}
	return n
}

func sortedEntryIDs(r *round) []string {
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func cloneVector(v domain.WeightVector) domain.WeightVector {
	if v.Weights == nil {
		return v
	}
	w := make(map[string]float64, len(v.Weights))
	for k, x := range v.Weights {
		w[k] = x
	}
	v.Weights = w
	return v
}
