package epoch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/tutu-network/oracle/internal/app/dispatch"
	"github.com/tutu-network/oracle/internal/app/scoring"
	"github.com/tutu-network/oracle/internal/domain"
	"github.com/tutu-network/oracle/internal/infra/observability"
	"github.com/tutu-network/oracle/internal/infra/reputation"
)

// ─── Scoring Phase ──────────────────────────────────────────────────────────

type parked struct {
	c         domain.Challenge
	workers   []string
	responses []domain.Response
}

// epochScoring accumulates one epoch's scoring state across goroutines.
type epochScoring struct {
	epoch       uint64
	batch       *reputation.Batch
	consistency map[string]float64

	mu         sync.Mutex
	unresolved int
	staged     int
	nearTerm   []parked
}

// score runs the scoring half of an epoch. Ledger effects are applied only
// if the whole phase succeeds.
func (r *Runner) score(ctx context.Context, epoch uint64, rep *Report) error {
	workers := r.d.Ledger.Workers()

	gctx, gen := r.d.Tracer.StartSpan(ctx, "generate", nil)
	challenges, err := r.d.Generator.Generate(epoch, r.d.Grid)
	switch {
	case errors.Is(err, domain.ErrGridExhausted) && len(challenges) > 0:
		r.log.Warn("coverage grid exhausted", slog.Uint64("epoch", epoch), slog.Int("generated", len(challenges)))
	case err != nil:
		r.d.Tracer.EndSpan(gen, err)
		return r.abort(gctx, epoch, rep, nil, fmt.Sprintf("challenge generation: %v", err))
	}
	r.d.Tracer.EndSpan(gen, nil)

	for i := range challenges {
		challenges[i].Epoch = epoch
		horizon := "historical"
		if challenges[i].NearTerm {
			horizon = "near_term"
			rep.NearTerm++
		} else {
			rep.Historical++
		}
		observability.ChallengesIssued.WithLabelValues(string(challenges[i].TaskType), horizon).Inc()
	}
	rep.Challenges = len(challenges)

	st := &epochScoring{
		epoch:       epoch,
		batch:       r.d.Ledger.Begin(epoch),
		consistency: r.d.Ledger.ConsistencySnapshot(),
	}

	dctx, span := r.d.Tracer.StartSpan(ctx, "dispatch", nil)
	if len(workers) > 0 {
		g, gctx := errgroup.WithContext(dctx)
		for _, c := range challenges {
			g.Go(func() error {
				r.runChallenge(gctx, st, c, workers)
				return nil
			})
		}
		_ = g.Wait()
	}
	r.d.Tracer.EndSpan(span, nil)

	pctx, span := r.d.Tracer.StartSpan(ctx, "pending", nil)
	resolved := r.processPending(pctx, st, rep)
	r.d.Tracer.EndSpan(span, nil)

	rep.Unresolved = st.unresolved
	if rep.Historical > 0 && float64(st.unresolved)/float64(rep.Historical) > r.cfg.MaxUnresolvedRatio {
		st.batch.Discard()
		reason := fmt.Sprintf("ground truth unresolved for %d of %d historical challenges", st.unresolved, rep.Historical)
		return r.abort(ctx, epoch, rep, resolved, reason)
	}

	sum, err := st.batch.Commit()
	if err != nil {
		return fmt.Errorf("commit epoch %d batch: %w", epoch, err)
	}
	rep.Commit = sum
	rep.Staged = st.staged
	observability.EpochsCompleted.Inc()

	// Resolved pending rows are dropped only once the snapshot holding their
	// scores is durable. After a failed write a restart scores them again.
	if err := r.d.Store.SaveReputation(ctx, epoch, r.d.Ledger.Snapshot()); err != nil {
		r.log.Error("persist reputation snapshot", slog.Uint64("epoch", epoch), slog.Any("err", err))
	} else {
		for _, item := range resolved {
			if err := r.d.Pending.Done(ctx, item.Challenge.ID); err != nil {
				r.log.Error("drop scored pending challenge", slog.String("challenge", item.Challenge.ID), slog.Any("err", err))
			}
		}
	}
	for _, p := range st.nearTerm {
		if err := r.d.Pending.Add(ctx, p.c, p.workers, p.responses); err != nil {
			r.log.Error("park near-term challenge", slog.String("challenge", p.c.ID), slog.Any("err", err))
		}
	}
	return nil
}

// runChallenge resolves (historical only), dispatches and stages one challenge.
func (r *Runner) runChallenge(ctx context.Context, st *epochScoring, c domain.Challenge, workers []string) {
	var gt domain.GroundTruth
	if !c.NearTerm {
		var res domain.Resolution
		var err error
		gt, res, err = r.d.Resolver.Resolve(ctx, c)
		if err != nil || res != domain.Resolved {
			st.mu.Lock()
			st.unresolved++
			st.mu.Unlock()
			observability.GroundTruthDiscards.Inc()
			detail := "resolution " + res.String()
			if err != nil {
				detail = err.Error()
			}
			r.audit(ctx, domain.AuditEvent{Kind: domain.AuditGroundTruth, Epoch: st.epoch, ChallengeID: c.ID, Detail: detail})
			return
		}
	}

	var responses []domain.Response
	for res := range r.d.Dispatcher.Stream(ctx, c, workers) {
		r.observe(ctx, st.epoch, c, res)
		if c.NearTerm {
			if res.Response != nil {
				responses = append(responses, *res.Response)
				st.batch.MarkActive(res.WorkerID)
			}
			continue
		}
		b := r.d.Engine.Score(c, res.Response, gt, st.consistency[res.WorkerID])
		r.stage(ctx, st, c, res.WorkerID, b, "historical")
	}

	if c.NearTerm {
		st.mu.Lock()
		st.nearTerm = append(st.nearTerm, parked{c: c, workers: workers, responses: responses})
		st.mu.Unlock()
	}
}

// observe records dispatch metrics and audits every flagged outcome.
func (r *Runner) observe(ctx context.Context, epoch uint64, c domain.Challenge, res dispatch.Result) {
	ev := domain.AuditEvent{Epoch: epoch, WorkerID: res.WorkerID, ChallengeID: c.ID}
	switch {
	case res.TimedOut():
		observability.DispatchOutcomes.WithLabelValues("timeout").Inc()
		ev.Kind = domain.AuditTimeout
		r.audit(ctx, ev)
	case res.Err != nil:
		observability.DispatchOutcomes.WithLabelValues("rejected").Inc()
		ev.Kind = domain.AuditInvalidResponse
		ev.Detail = res.Err.Error()
		r.audit(ctx, ev)
	case len(res.Missing) > 0:
		observability.DispatchOutcomes.WithLabelValues("missing_metric").Inc()
		ev.Kind = domain.AuditMissingMetric
		ev.Detail = strings.Join(res.Missing, ",")
		r.audit(ctx, ev)
	default:
		observability.DispatchOutcomes.WithLabelValues("ok").Inc()
	}
	if res.Response != nil {
		observability.ResponseLatency.Observe(res.Response.Elapsed.Seconds())
	}
}

// stage adds one score to the epoch batch. The update key is the challenge
// ID, so each challenge moves a worker's EMA at most once.
func (r *Runner) stage(ctx context.Context, st *epochScoring, c domain.Challenge, workerID string, b scoring.Breakdown, horizon string) {
	err := st.batch.Stage(workerID, b.Final, c.ID)
	switch {
	case err == nil:
		st.mu.Lock()
		st.staged++
		st.mu.Unlock()
		observability.Scores.WithLabelValues(horizon).Observe(b.Final)
		if b.ExtremeBonus {
			observability.ExtremeBonuses.Inc()
		}
	case errors.Is(err, domain.ErrDuplicateUpdate):
		r.audit(ctx, domain.AuditEvent{Kind: domain.AuditDuplicateUpdate, Epoch: st.epoch, WorkerID: workerID, ChallengeID: c.ID})
	case errors.Is(err, domain.ErrWorkerNotRegistered):
		r.log.Debug("skip score for deregistered worker", slog.String("worker", workerID), slog.String("challenge", c.ID))
	default:
		r.log.Error("stage score", slog.String("worker", workerID), slog.String("challenge", c.ID), slog.Any("err", err))
	}
}

// processPending scores near-term challenges whose ground truth resolved and
// drops those past their grace period. Resolved items are returned so the
// caller can remove them once the batch commits.
func (r *Runner) processPending(ctx context.Context, st *epochScoring, rep *Report) []scoring.PendingItem {
	now := r.now()
	var resolved []scoring.PendingItem
	for _, item := range r.d.Pending.Due(now) {
		c := item.Challenge
		gt, res, err := r.d.Resolver.Resolve(ctx, c)
		if err == nil && res == domain.Resolved {
			byWorker := make(map[string]*domain.Response, len(item.Responses))
			for i := range item.Responses {
				byWorker[item.Responses[i].WorkerID] = &item.Responses[i]
			}
			for _, w := range item.Workers {
				b := r.d.Engine.Score(c, byWorker[w], gt, st.consistency[w])
				r.stage(ctx, st, c, w, b, "near_term")
			}
			resolved = append(resolved, item)
			rep.PendingScored++
			continue
		}

		if item.Expired(now) {
			detail := "grace period elapsed, resolution " + res.String()
			if err != nil {
				detail = "grace period elapsed: " + err.Error()
			}
			observability.GroundTruthDiscards.Inc()
			r.audit(ctx, domain.AuditEvent{Kind: domain.AuditGroundTruth, Epoch: st.epoch, ChallengeID: c.ID, Detail: detail})
			if err := r.d.Pending.Done(ctx, c.ID); err != nil {
				r.log.Error("drop expired pending challenge", slog.String("challenge", c.ID), slog.Any("err", err))
			}
			rep.PendingDiscarded++
			continue
		}

		if err != nil {
			r.log.Warn("resolve pending challenge", slog.String("challenge", c.ID), slog.Any("err", err))
		}
		item.Attempts++
		r.d.Pending.Requeue(item, now)
	}
	return resolved
}

// abort rolls the scoring phase back. Resolved pending items go back on the
// queue so a later epoch can score them.
func (r *Runner) abort(ctx context.Context, epoch uint64, rep *Report, resolved []scoring.PendingItem, reason string) error {
	for _, item := range resolved {
		r.d.Pending.Requeue(item, item.Challenge.ResolutionDeadline)
	}
	rep.Aborted = true
	rep.PendingScored = 0
	observability.EpochAborts.Inc()
	r.audit(ctx, domain.AuditEvent{Kind: domain.AuditEpochAbort, Epoch: epoch, Detail: reason})
	return &domain.EpochAbortError{Epoch: epoch, Reason: reason}
}
