package domain

import (
	"context"
	"time"
)

// ─── Collaborator Interfaces ────────────────────────────────────────────────
// These interfaces define boundaries between the engine and the outside world.
// Infrastructure implements them; application layer depends on them.

// Transport delivers a challenge to one worker and waits for its answer.
// Implementations must honour ctx cancellation; the dispatcher enforces the
// response timeout through ctx.
type Transport interface {
	Send(ctx context.Context, workerID string, c Challenge) (Response, error)
}

// GroundTruthResolver looks up the observed values for a challenge.
// A Pending or Unavailable resolution returns a zero GroundTruth and nil error;
// err is reserved for infrastructure failures.
type GroundTruthResolver interface {
	Resolve(ctx context.Context, c Challenge) (GroundTruth, Resolution, error)
}

// EmissionDistributor receives the final consensus weights once per epoch.
type EmissionDistributor interface {
	Distribute(ctx context.Context, result ConsensusResult) error
}

// AuditSink receives every discarded or flagged event.
type AuditSink interface {
	Record(ctx context.Context, ev AuditEvent)
}

// ─── Audit Events ───────────────────────────────────────────────────────────

// AuditKind classifies an audit event.
type AuditKind string

const (
	AuditTimeout         AuditKind = "timeout"
	AuditMissingMetric   AuditKind = "missing_metric"
	AuditInvalidResponse AuditKind = "invalid_response"
	AuditGroundTruth     AuditKind = "ground_truth_unavailable"
	AuditFraud           AuditKind = "reputation_fraud"
	AuditEpochAbort      AuditKind = "epoch_abort"
	AuditLateCommit      AuditKind = "late_commit"
	AuditRevealExpired   AuditKind = "reveal_expired"
	AuditDuplicateUpdate AuditKind = "duplicate_update"
	AuditMonopolyDecay   AuditKind = "monopoly_decay"
)

// AuditEvent is one entry in the audit trail.
type AuditEvent struct {
	ID          string    `json:"id"`
	Kind        AuditKind `json:"kind"`
	Epoch       uint64    `json:"epoch"`
	WorkerID    string    `json:"worker_id,omitempty"`
	ScorerID    string    `json:"scorer_id,omitempty"`
	ChallengeID string    `json:"challenge_id,omitempty"`
	Detail      string    `json:"detail,omitempty"`
	At          time.Time `json:"at"`
}

// NopAudit discards events. Useful in tests.
type NopAudit struct{}

func (NopAudit) Record(context.Context, AuditEvent) {}
