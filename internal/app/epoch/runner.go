// Package epoch drives the scoring loop, one epoch per tempo.
//
// Each epoch:
//  1. Generates challenges and dispatches them to every registered worker
//  2. Scores historical responses as they arrive; parks near-term challenges
//  3. Scores pending challenges whose ground truth has resolved
//  4. Commits the ledger batch, or discards it if the epoch aborts
//  5. Commits this scorer's weight vector for the epoch
//  6. Closes the commit window, then settles the previous epoch:
//     reveal, close reveals, aggregate, distribute
//
// A scoring abort leaves the reputation ledger untouched. Settlement of the
// previous epoch still runs, since those vectors were committed by an epoch
// that did complete.
package epoch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/tutu-network/oracle/internal/app/challenge"
	"github.com/tutu-network/oracle/internal/app/consensus"
	"github.com/tutu-network/oracle/internal/app/dispatch"
	"github.com/tutu-network/oracle/internal/app/scoring"
	"github.com/tutu-network/oracle/internal/domain"
	"github.com/tutu-network/oracle/internal/infra/observability"
	"github.com/tutu-network/oracle/internal/infra/reputation"
)

// ─── Configuration ──────────────────────────────────────────────────────────

const (
	// DefaultTempo is 360 blocks at 12 s per block.
	DefaultTempo = 360 * 12 * time.Second

	// DefaultMaxUnresolvedRatio is the share of historical challenges that
	// may lack ground truth before the epoch aborts.
	DefaultMaxUnresolvedRatio = 0.5

	// DefaultKeepRounds is how many settled epochs of commit-reveal state are kept.
	DefaultKeepRounds = 4
)

// Config configures the runner.
type Config struct {
	ScorerID           string
	ScorerStake        float64
	Tempo              time.Duration
	MaxUnresolvedRatio float64
	KeepRounds         uint64
}

// DefaultConfig returns runner defaults.
func DefaultConfig() Config {
	return Config{
		ScorerID:           "scorer-0",
		ScorerStake:        1,
		Tempo:              DefaultTempo,
		MaxUnresolvedRatio: DefaultMaxUnresolvedRatio,
		KeepRounds:         DefaultKeepRounds,
	}
}

// Deps are the collaborators the runner drives. Store, Distributor, Audit,
// Tracer and Logger are optional.
type Deps struct {
	Generator   *challenge.Generator
	Grid        challenge.Grid
	Dispatcher  *dispatch.Dispatcher
	Engine      *scoring.Engine
	Ledger      *reputation.Ledger
	Pending     *scoring.PendingQueue
	Resolver    domain.GroundTruthResolver
	Board       *consensus.Board
	Aggregator  *consensus.Aggregator
	Distributor domain.EmissionDistributor
	Audit       domain.AuditSink
	Store       Store
	Tracer      *observability.Tracer
	Logger      *slog.Logger
}

// Report summarizes one RunEpoch call.
type Report struct {
	Epoch            uint64                   `json:"epoch"`
	Challenges       int                      `json:"challenges"`
	Historical       int                      `json:"historical"`
	NearTerm         int                      `json:"near_term"`
	Staged           int                      `json:"staged"`
	Unresolved       int                      `json:"unresolved"`
	PendingScored    int                      `json:"pending_scored"`
	PendingDiscarded int                      `json:"pending_discarded"`
	PendingDepth     int                      `json:"pending_depth"`
	Aborted          bool                     `json:"aborted"`
	Commit           reputation.CommitSummary `json:"commit"`
	Committed        bool                     `json:"committed"` // this scorer's vector was committed
	Settled          *domain.ConsensusResult  `json:"settled,omitempty"`
	Reveals          *consensus.CloseSummary  `json:"reveals,omitempty"`
	Duration         time.Duration            `json:"duration"`
}

// ─── Runner ─────────────────────────────────────────────────────────────────

// Runner executes epochs. RunEpoch calls are serialized.
type Runner struct {
	cfg Config
	d   Deps
	log *slog.Logger

	run sync.Mutex // held for the duration of RunEpoch

	mu          sync.RWMutex
	next        uint64
	last        *Report
	latest      *domain.ConsensusResult
	commitments map[uint64]consensus.Commitment

	now func() time.Time
}

// NewRunner wires a runner. The scorer is registered on the board with its stake.
func NewRunner(cfg Config, d Deps) (*Runner, error) {
	if d.Generator == nil || d.Dispatcher == nil || d.Engine == nil || d.Ledger == nil ||
		d.Pending == nil || d.Resolver == nil || d.Board == nil || d.Aggregator == nil {
		return nil, errors.New("epoch: missing required collaborator")
	}
	if cfg.ScorerID == "" {
		return nil, errors.New("epoch: scorer id required")
	}
	def := DefaultConfig()
	if cfg.ScorerStake <= 0 {
		cfg.ScorerStake = def.ScorerStake
	}
	if cfg.Tempo <= 0 {
		cfg.Tempo = def.Tempo
	}
	if cfg.MaxUnresolvedRatio <= 0 || cfg.MaxUnresolvedRatio > 1 {
		cfg.MaxUnresolvedRatio = def.MaxUnresolvedRatio
	}
	if cfg.KeepRounds == 0 {
		cfg.KeepRounds = def.KeepRounds
	}
	if len(d.Grid) == 0 {
		d.Grid = challenge.DefaultGrid()
	}
	if d.Distributor == nil {
		d.Distributor = nopDistributor{}
	}
	if d.Audit == nil {
		d.Audit = domain.NopAudit{}
	}
	if d.Store == nil {
		d.Store = nopStore{}
	}
	if d.Tracer == nil {
		d.Tracer = observability.NewTracer(observability.TracerConfig{Enabled: false})
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	d.Board.RegisterScorer(cfg.ScorerID, cfg.ScorerStake)

	return &Runner{
		cfg:         cfg,
		d:           d,
		log:         d.Logger.With(slog.String("component", "epoch")),
		next:        1,
		commitments: make(map[uint64]consensus.Commitment),
		now:         time.Now,
	}, nil
}

// SetClock replaces the runner clock. Collaborators keep their own clocks.
func (r *Runner) SetClock(now func() time.Time) { r.now = now }

// Config returns the effective configuration.
func (r *Runner) Config() Config { return r.cfg }

// NextEpoch returns the epoch Run will execute next.
func (r *Runner) NextEpoch() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.next
}

// LastReport returns the most recent epoch report.
func (r *Runner) LastReport() (Report, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.last == nil {
		return Report{}, false
	}
	return *r.last, true
}

// LatestConsensus returns the most recent consensus result held in memory.
func (r *Runner) LatestConsensus() (domain.ConsensusResult, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.latest == nil {
		return domain.ConsensusResult{}, false
	}
	return *r.latest, true
}

// Run executes one epoch immediately and then one per tempo until ctx ends.
// Epoch errors are logged; they never stop the loop.
func (r *Runner) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.Tempo)
	defer ticker.Stop()

	for {
		epoch := r.NextEpoch()
		rep, err := r.RunEpoch(ctx, epoch)
		switch {
		case err != nil:
			r.log.Warn("epoch finished with errors", slog.Uint64("epoch", epoch), slog.Any("err", err))
		default:
			r.log.Info("epoch complete",
				slog.Uint64("epoch", epoch),
				slog.Int("challenges", rep.Challenges),
				slog.Int("staged", rep.Staged),
				slog.Int("pending", rep.PendingDepth),
				slog.Duration("took", rep.Duration),
			)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// RunEpoch executes epoch. Epochs must run in increasing order; the returned
// error may join a scoring abort with a settlement failure.
func (r *Runner) RunEpoch(ctx context.Context, epoch uint64) (Report, error) {
	r.run.Lock()
	defer r.run.Unlock()

	if next := r.NextEpoch(); epoch < next {
		return Report{}, fmt.Errorf("epoch %d already run (next is %d)", epoch, next)
	}

	start := r.now()
	ctx = observability.WithTraceID(ctx, "epoch-"+strconv.FormatUint(epoch, 10))
	ctx, span := r.d.Tracer.StartSpan(ctx, "epoch", map[string]string{"epoch": strconv.FormatUint(epoch, 10)})

	rep := &Report{Epoch: epoch}
	scoreErr := r.score(ctx, epoch, rep)
	if scoreErr == nil {
		if err := r.commitOwn(ctx, epoch); err != nil {
			r.log.Warn("commit weight vector", slog.Uint64("epoch", epoch), slog.Any("err", err))
		} else {
			rep.Committed = true
		}
	}
	settleErr := r.settle(ctx, epoch, rep)
	r.prune(ctx, epoch)

	rep.PendingDepth = r.d.Pending.Len()
	observability.PendingDepth.Set(float64(rep.PendingDepth))
	rep.Duration = r.now().Sub(start)
	observability.EpochDuration.Observe(rep.Duration.Seconds())

	err := errors.Join(scoreErr, settleErr)
	r.d.Tracer.EndSpan(span, err)

	r.mu.Lock()
	r.next = epoch + 1
	r.last = rep
	r.mu.Unlock()
	return *rep, err
}

// ─── Restore ────────────────────────────────────────────────────────────────

const (
	metaTopWorker   = "top_worker"
	metaTopStreak   = "top_streak"
	metaStreakEpoch = "streak_epoch"
)

// Restore reloads durable state: the ledger snapshot, the pending queue, the
// anti-monopoly streak, and this scorer's unrevealed last commitment. It must
// run before workers are registered. Returns the next epoch to run.
func (r *Runner) Restore(ctx context.Context) (uint64, error) {
	recs, ledgerEpoch, err := r.d.Store.LoadReputation(ctx)
	if err != nil {
		return 0, fmt.Errorf("load reputation: %w", err)
	}
	if len(recs) > 0 {
		r.d.Ledger.Restore(recs)
	}
	n, err := r.d.Pending.Load(ctx)
	if err != nil {
		return 0, err
	}

	top, _ := r.d.Store.GetMeta(ctx, metaTopWorker)
	streak, _ := strconv.Atoi(r.meta(ctx, metaTopStreak))
	streakEpoch, _ := strconv.ParseUint(r.meta(ctx, metaStreakEpoch), 10, 64)
	if top != "" {
		r.d.Aggregator.RestoreStreak(top, streak, streakEpoch)
	}

	if ledgerEpoch > 0 {
		c, err := r.d.Store.GetCommitment(ctx, ledgerEpoch, r.cfg.ScorerID)
		if err == nil && !c.Revealed {
			if err := r.d.Board.Commit(ledgerEpoch, r.cfg.ScorerID, c.Digest); err == nil {
				r.d.Board.CloseCommits(ledgerEpoch)
				r.mu.Lock()
				r.commitments[ledgerEpoch] = c
				r.mu.Unlock()
			}
		}
	}

	r.mu.Lock()
	if ledgerEpoch+1 > r.next {
		r.next = ledgerEpoch + 1
	}
	next := r.next
	r.mu.Unlock()

	r.log.Info("state restored",
		slog.Int("workers", len(recs)),
		slog.Int("pending", n),
		slog.Uint64("next_epoch", next),
	)
	return next, nil
}

func (r *Runner) meta(ctx context.Context, key string) string {
	v, err := r.d.Store.GetMeta(ctx, key)
	if err != nil {
		return ""
	}
	return v
}

func (r *Runner) audit(ctx context.Context, ev domain.AuditEvent) {
	if ev.At.IsZero() {
		ev.At = r.now()
	}
	r.d.Audit.Record(ctx, ev)
}

type nopDistributor struct{}

func (nopDistributor) Distribute(context.Context, domain.ConsensusResult) error { return nil }
