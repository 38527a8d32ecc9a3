package epoch

import (
	"context"
	"errors"

	"github.com/tutu-network/oracle/internal/app/consensus"
	"github.com/tutu-network/oracle/internal/domain"
	"github.com/tutu-network/oracle/internal/infra/reputation"
)

// Store is the durable state the runner writes at epoch boundaries.
// The sqlite package provides the production implementation.
type Store interface {
	SaveReputation(ctx context.Context, epoch uint64, recs []reputation.Record) error
	LoadReputation(ctx context.Context) ([]reputation.Record, uint64, error)
	SaveConsensus(ctx context.Context, res domain.ConsensusResult) error
	SaveCommitment(ctx context.Context, c consensus.Commitment) error
	GetCommitment(ctx context.Context, epoch uint64, scorerID string) (consensus.Commitment, error)
	MarkRevealed(ctx context.Context, epoch uint64, scorerID string) error
	PruneCommitments(ctx context.Context, cutoff uint64) (int64, error)
	SetMeta(ctx context.Context, key, value string) error
	GetMeta(ctx context.Context, key string) (string, error)
}

var errNoStore = errors.New("no durable store configured")

// nopStore keeps nothing; every read misses.
type nopStore struct{}

func (nopStore) SaveReputation(context.Context, uint64, []reputation.Record) error { return nil }
func (nopStore) LoadReputation(context.Context) ([]reputation.Record, uint64, error) {
	return nil, 0, nil
}
func (nopStore) SaveConsensus(context.Context, domain.ConsensusResult) error { return nil }
func (nopStore) SaveCommitment(context.Context, consensus.Commitment) error { return nil }
func (nopStore) MarkRevealed(context.Context, uint64, string) error { return nil }
func (nopStore) PruneCommitments(context.Context, uint64) (int64, error) { return 0, nil }
func (nopStore) SetMeta(context.Context, string, string) error { return nil }
func (nopStore) GetMeta(context.Context, string) (string, error) { return "", errNoStore }
func (nopStore) GetCommitment(context.Context, uint64, string) (consensus.Commitment, error) {
	return consensus.Commitment{}, errNoStore
}
