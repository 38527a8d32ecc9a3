package domain

import (
	"errors"
	"fmt"
)

// ─── Sentinel Errors ────────────────────────────────────────────────────────
// Domain errors are pure: no infrastructure dependency.
// None of these is fatal to the epoch loop.

var (
	// Response errors
	ErrTimeout         = errors.New("worker did not respond within the response timeout")
	ErrMissingMetric   = errors.New("response lacks a requested metric")
	ErrUnknownMetric   = errors.New("response carries a metric the task type does not define")
	ErrWrongChallenge  = errors.New("response does not belong to this challenge")
	ErrInvalidResponse = errors.New("response value out of range")

	// Ground truth errors
	ErrGroundTruthUnavailable = errors.New("ground truth unavailable")

	// Commit-reveal errors
	ErrReputationFraud     = errors.New("revealed weight vector does not match committed digest")
	ErrCommitWindowClosed  = errors.New("commit window closed")
	ErrCommitNotOpen       = errors.New("commit window not open yet")
	ErrRevealWindowClosed  = errors.New("reveal window not open")
	ErrNoCommit            = errors.New("no commit recorded for scorer")
	ErrAlreadyCommitted    = errors.New("scorer already committed for epoch")
	ErrAlreadyRevealed     = errors.New("scorer already revealed for epoch")
	ErrScorerNotRegistered = errors.New("scorer not registered")

	// Ledger errors
	ErrWorkerNotRegistered = errors.New("worker not registered")
	ErrDuplicateUpdate     = errors.New("reputation update already applied")
	ErrBatchClosed         = errors.New("epoch batch already committed or discarded")
	ErrStaleEpoch          = errors.New("epoch already committed to the ledger")
	ErrZeroWeights         = errors.New("weight vector sums to zero")

	// Epoch errors
	ErrEpochAbort    = errors.New("epoch aborted")
	ErrGridExhausted = errors.New("coverage grid cannot supply enough unique challenges")
)

// EpochAbortError reports why an epoch was rolled back.
type EpochAbortError struct {
	Epoch  uint64
	Reason string
}

func (e *EpochAbortError) Error() string {
	return fmt.Sprintf("epoch %d aborted: %s", e.Epoch, e.Reason)
}

func (e *EpochAbortError) Unwrap() error { return ErrEpochAbort }
