package epoch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/ethereum/go-ethereum/common"

	"github.com/tutu-network/oracle/internal/app/consensus"
	"github.com/tutu-network/oracle/internal/domain"
	"github.com/tutu-network/oracle/internal/infra/observability"
)

// ─── Commit-Reveal ──────────────────────────────────────────────────────────

// commitOwn seals this scorer's ledger-derived vector and commits its digest.
// The plaintext is persisted before the digest goes on the board so a
// restart can still reveal it.
func (r *Runner) commitOwn(ctx context.Context, epoch uint64) error {
	vec, err := r.d.Ledger.Weights(epoch, r.cfg.ScorerID)
	if err != nil {
		return fmt.Errorf("build weight vector: %w", err)
	}
	c, err := consensus.Seal(vec)
	if err != nil {
		return err
	}
	if err := r.d.Store.SaveCommitment(ctx, c); err != nil {
		r.log.Error("persist commitment", slog.Uint64("epoch", epoch), slog.Any("err", err))
	}
	if err := r.commit(ctx, epoch, r.cfg.ScorerID, c.Digest); err != nil {
		return err
	}
	r.mu.Lock()
	r.commitments[epoch] = c
	r.mu.Unlock()
	return nil
}

// SubmitCommit records a scorer's digest for the next epoch to run, the only
// epoch whose commit window is open. A commit after the window closed is
// rejected and audited.
func (r *Runner) SubmitCommit(ctx context.Context, epoch uint64, scorerID string, digest common.Hash) error {
	next := r.NextEpoch()
	if epoch > next {
		return fmt.Errorf("%w: epoch %d, next is %d", domain.ErrCommitNotOpen, epoch, next)
	}
	if epoch < next {
		err := fmt.Errorf("%w: epoch %d, next is %d", domain.ErrCommitWindowClosed, epoch, next)
		r.audit(ctx, domain.AuditEvent{Kind: domain.AuditLateCommit, Epoch: epoch, ScorerID: scorerID, Detail: err.Error()})
		return err
	}
	return r.commit(ctx, epoch, scorerID, digest)
}

func (r *Runner) commit(ctx context.Context, epoch uint64, scorerID string, digest common.Hash) error {
	err := r.d.Board.Commit(epoch, scorerID, digest)
	if errors.Is(err, domain.ErrCommitWindowClosed) {
		r.audit(ctx, domain.AuditEvent{Kind: domain.AuditLateCommit, Epoch: epoch, ScorerID: scorerID, Detail: err.Error()})
	}
	return err
}

// SubmitReveal discloses a scorer's vector. Digest mismatches are audited
// when the reveal window closes.
func (r *Runner) SubmitReveal(_ context.Context, epoch uint64, scorerID string, vec domain.WeightVector, salt []byte) error {
	return r.d.Board.Reveal(epoch, scorerID, vec, salt)
}

// ─── Settlement ─────────────────────────────────────────────────────────────

// settle closes epoch's commit window and settles epoch-1 if its reveal
// window is open.
func (r *Runner) settle(ctx context.Context, epoch uint64, rep *Report) error {
	r.d.Board.CloseCommits(epoch)
	if epoch == 0 {
		return nil
	}
	prev := epoch - 1
	if r.d.Board.Window(prev) != consensus.WindowReveal {
		return nil
	}

	ctx, span := r.d.Tracer.StartSpan(ctx, "settle", map[string]string{"epoch": strconv.FormatUint(prev, 10)})
	res, err := r.settleEpoch(ctx, prev, rep)
	r.d.Tracer.EndSpan(span, err)
	if err != nil {
		return err
	}

	rep.Settled = &res
	r.mu.Lock()
	r.latest = &res
	r.mu.Unlock()
	return nil
}

func (r *Runner) settleEpoch(ctx context.Context, epoch uint64, rep *Report) (domain.ConsensusResult, error) {
	r.revealOwn(ctx, epoch)

	summary := r.d.Board.CloseReveals(epoch)
	rep.Reveals = &summary
	for _, id := range summary.Expired {
		r.audit(ctx, domain.AuditEvent{Kind: domain.AuditRevealExpired, Epoch: epoch, ScorerID: id})
	}
	for _, id := range summary.Fraudulent {
		observability.FraudRejections.Inc()
		r.audit(ctx, domain.AuditEvent{Kind: domain.AuditFraud, Epoch: epoch, ScorerID: id, Detail: "revealed vector does not match commitment"})
	}

	res, err := r.d.Aggregator.Aggregate(epoch, summary.Revealed)
	if err != nil {
		var abort *domain.EpochAbortError
		if errors.As(err, &abort) {
			observability.EpochAborts.Inc()
			r.audit(ctx, domain.AuditEvent{Kind: domain.AuditEpochAbort, Epoch: epoch, Detail: abort.Reason})
		}
		return domain.ConsensusResult{}, err
	}
	for id, reason := range res.Excluded {
		r.log.Warn("scorer vector excluded", slog.Uint64("epoch", epoch), slog.String("scorer", id), slog.String("reason", reason))
	}

	observability.ClippedWeights.Add(float64(res.Clipped))
	observability.TopWorkerStreak.Set(float64(res.TopStreak))
	if r.d.Aggregator.Monopolized(res) {
		observability.MonopolyDecays.Inc()
		r.audit(ctx, domain.AuditEvent{
			Kind:     domain.AuditMonopolyDecay,
			Epoch:    epoch,
			WorkerID: res.TopWorker,
			Detail:   "top for " + strconv.Itoa(res.TopStreak) + " consecutive epochs",
		})
	}

	if err := r.d.Store.SaveConsensus(ctx, res); err != nil {
		r.log.Error("persist consensus", slog.Uint64("epoch", epoch), slog.Any("err", err))
	}
	r.saveStreak(ctx, res)

	if err := r.d.Distributor.Distribute(ctx, res); err != nil {
		return res, fmt.Errorf("distribute epoch %d: %w", epoch, err)
	}
	return res, nil
}

// revealOwn discloses this scorer's commitment for epoch, from memory or the store.
func (r *Runner) revealOwn(ctx context.Context, epoch uint64) {
	r.mu.RLock()
	c, ok := r.commitments[epoch]
	r.mu.RUnlock()
	if !ok {
		stored, err := r.d.Store.GetCommitment(ctx, epoch, r.cfg.ScorerID)
		if err != nil {
			return
		}
		c = stored
	}
	if c.Revealed {
		return
	}
	if err := r.SubmitReveal(ctx, epoch, r.cfg.ScorerID, c.Vector, c.Salt); err != nil {
		r.log.Error("reveal own vector", slog.Uint64("epoch", epoch), slog.Any("err", err))
		return
	}
	if err := r.d.Store.MarkRevealed(ctx, epoch, r.cfg.ScorerID); err != nil {
		r.log.Error("mark commitment revealed", slog.Uint64("epoch", epoch), slog.Any("err", err))
	}
}

func (r *Runner) saveStreak(ctx context.Context, res domain.ConsensusResult) {
	for k, v := range map[string]string{
		metaTopWorker:   res.TopWorker,
		metaTopStreak:   strconv.Itoa(res.TopStreak),
		metaStreakEpoch: strconv.FormatUint(res.Epoch, 10),
	} {
		if err := r.d.Store.SetMeta(ctx, k, v); err != nil {
			r.log.Error("persist streak", slog.String("key", k), slog.Any("err", err))
		}
	}
}

// prune drops settled commit-reveal state older than KeepRounds.
func (r *Runner) prune(ctx context.Context, epoch uint64) {
	keep := r.cfg.KeepRounds
	r.d.Board.Prune(epoch, keep)
	if epoch <= keep {
		return
	}
	cutoff := epoch - keep
	r.mu.Lock()
	for e := range r.commitments {
		if e < cutoff {
			delete(r.commitments, e)
		}
	}
	r.mu.Unlock()
	if _, err := r.d.Store.PruneCommitments(ctx, cutoff); err != nil {
		r.log.Error("prune commitments", slog.Any("err", err))
	}
}
