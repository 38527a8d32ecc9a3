package sqlite

import (
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/ethereum/go-ethereum/common"

	"github.com/tutu-network/oracle/internal/app/consensus"
	"github.com/tutu-network/oracle/internal/app/scoring"
	"github.com/tutu-network/oracle/internal/domain"
	"github.com/tutu-network/oracle/internal/infra/reputation"
)

// ─── Reputation Operations ──────────────────────────────────────────────────

const metaLedgerEpoch = "ledger_epoch"

// SaveReputation replaces the stored ledger snapshot in one transaction and
// records the epoch it reflects.
func (db *DB) SaveReputation(ctx context.Context, epoch uint64, recs []reputation.Record) error {
	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM reputation`); err != nil {
		return fmt.Errorf("clear reputation: %w", err)
	}
	for _, r := range recs {
		hist, err := json.Marshal(r.History)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO reputation (worker_id, stake, ema_score, history_json, registered_at, immunity_until, last_update, last_epoch, updates)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, r.WorkerID, r.Stake, r.EMA, string(hist), formatTime(r.RegisteredAt), formatTime(r.ImmunityUntil),
			formatTime(r.LastUpdate), r.LastEpoch, r.Updates)
		if err != nil {
			return fmt.Errorf("insert reputation %s: %w", r.WorkerID, err)
		}
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO engine_meta (key, value, updated_at) VALUES (?, ?, datetime('now'))
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = datetime('now')
	`, metaLedgerEpoch, strconv.FormatUint(epoch, 10)); err != nil {
		return err
	}
	return tx.Commit()
}

// LoadReputation returns the stored snapshot and the epoch it reflects.
func (db *DB) LoadReputation(ctx context.Context) ([]reputation.Record, uint64, error) {
	rows, err := db.db.QueryContext(ctx, `
		SELECT worker_id, stake, ema_score, history_json, registered_at, immunity_until, last_update, last_epoch, updates
		FROM reputation ORDER BY worker_id
	`)
	if err != nil {
		return nil, 0, err
	}
	defer func() { _ = rows.Close() }()

	var recs []reputation.Record
	for rows.Next() {
		var (
			r                     reputation.Record
			hist, reg, imm, lastU string
		)
		if err := rows.Scan(&r.WorkerID, &r.Stake, &r.EMA, &hist, &reg, &imm, &lastU, &r.LastEpoch, &r.Updates); err != nil {
			return nil, 0, err
		}
		if err := json.Unmarshal([]byte(hist), &r.History); err != nil {
			return nil, 0, fmt.Errorf("decode history %s: %w", r.WorkerID, err)
		}
		r.RegisteredAt, r.ImmunityUntil, r.LastUpdate = parseTime(reg), parseTime(imm), parseTime(lastU)
		recs = append(recs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	var epoch uint64
	v, err := db.GetMeta(ctx, metaLedgerEpoch)
	switch {
	case errors.Is(err, ErrNotFound):
	case err != nil:
		return nil, 0, err
	default:
		epoch, _ = strconv.ParseUint(v, 10, 64)
	}
	return recs, epoch, nil
}

// ─── Pending Queue Operations ───────────────────────────────────────────────
// DB implements scoring.PendingStore.

var _ scoring.PendingStore = (*DB)(nil)

// SavePending upserts a pending challenge.
func (db *DB) SavePending(ctx context.Context, item scoring.PendingItem) error {
	payload, err := json.Marshal(item)
	if err != nil {
		return err
	}
	_, err = db.db.ExecContext(ctx, `
		INSERT INTO pending_challenges (challenge_id, epoch, due_at, grace_until, payload_json, updated_at)
		VALUES (?, ?, ?, ?, ?, datetime('now'))
		ON CONFLICT(challenge_id) DO UPDATE SET
			due_at       = excluded.due_at,
			grace_until  = excluded.grace_until,
			payload_json = excluded.payload_json,
			updated_at   = datetime('now')
	`, item.Challenge.ID, item.Challenge.Epoch, formatTime(item.Challenge.ResolutionDeadline),
		formatTime(item.GraceUntil), string(payload))
	return err
}

// DeletePending removes a pending challenge. Deleting a missing row is not an error.
func (db *DB) DeletePending(ctx context.Context, challengeID string) error {
	_, err := db.db.ExecContext(ctx, `DELETE FROM pending_challenges WHERE challenge_id = ?`, challengeID)
	return err
}

// LoadPending returns every pending challenge, earliest deadline first.
func (db *DB) LoadPending(ctx context.Context) ([]scoring.PendingItem, error) {
	rows, err := db.db.QueryContext(ctx, `SELECT payload_json FROM pending_challenges ORDER BY due_at, challenge_id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var items []scoring.PendingItem
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var it scoring.PendingItem
		if err := json.Unmarshal([]byte(payload), &it); err != nil {
			return nil, fmt.Errorf("decode pending: %w", err)
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// ─── Audit Operations ───────────────────────────────────────────────────────

// InsertAudit appends an audit event.
func (db *DB) InsertAudit(ctx context.Context, ev domain.AuditEvent) error {
	_, err := db.db.ExecContext(ctx, `
		INSERT INTO audit_events (id, kind, epoch, worker_id, scorer_id, challenge_id, detail, at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, ev.ID, string(ev.Kind), ev.Epoch, ev.WorkerID, ev.ScorerID, ev.ChallengeID, ev.Detail, formatTime(ev.At))
	return err
}

// ListAudit returns the newest events first. An empty kind matches all.
func (db *DB) ListAudit(ctx context.Context, kind domain.AuditKind, limit int) ([]domain.AuditEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.db.QueryContext(ctx, `
		SELECT id, kind, epoch, worker_id, scorer_id, challenge_id, detail, at
		FROM audit_events
		WHERE ? = '' OR kind = ?
		ORDER BY at DESC, id
		LIMIT ?
	`, string(kind), string(kind), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []domain.AuditEvent
	for rows.Next() {
		var (
			ev       domain.AuditEvent
			kindStr  string
			atString string
		)
		if err := rows.Scan(&ev.ID, &kindStr, &ev.Epoch, &ev.WorkerID, &ev.ScorerID, &ev.ChallengeID, &ev.Detail, &atString); err != nil {
			return nil, err
		}
		ev.Kind = domain.AuditKind(kindStr)
		ev.At = parseTime(atString)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// CountAudit returns the number of events of kind.
func (db *DB) CountAudit(ctx context.Context, kind domain.AuditKind) (int, error) {
	var n int
	err := db.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_events WHERE kind = ?`, string(kind)).Scan(&n)
	return n, err
}

// ─── Consensus Operations ───────────────────────────────────────────────────

// SaveConsensus stores an epoch's consensus result.
func (db *DB) SaveConsensus(ctx context.Context, res domain.ConsensusResult) error {
	payload, err := json.Marshal(res)
	if err != nil {
		return err
	}
	_, err = db.db.ExecContext(ctx, `
		INSERT INTO consensus_results (epoch, top_worker, top_streak, clipped, result_json, computed_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(epoch) DO UPDATE SET
			top_worker  = excluded.top_worker,
			top_streak  = excluded.top_streak,
			clipped     = excluded.clipped,
			result_json = excluded.result_json,
			computed_at = excluded.computed_at
	`, res.Epoch, res.TopWorker, res.TopStreak, res.Clipped, string(payload), formatTime(res.ComputedAt))
	return err
}

// LatestConsensus returns the most recent consensus result, or ErrNotFound.
func (db *DB) LatestConsensus(ctx context.Context) (domain.ConsensusResult, error) {
	var payload string
	err := db.db.QueryRowContext(ctx, `SELECT result_json FROM consensus_results ORDER BY epoch DESC LIMIT 1`).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ConsensusResult{}, ErrNotFound
	}
	if err != nil {
		return domain.ConsensusResult{}, err
	}
	var res domain.ConsensusResult
	if err := json.Unmarshal([]byte(payload), &res); err != nil {
		return domain.ConsensusResult{}, fmt.Errorf("decode consensus: %w", err)
	}
	return res, nil
}

// ConsensusHistory returns up to limit results, newest first.
func (db *DB) ConsensusHistory(ctx context.Context, limit int) ([]domain.ConsensusResult, error) {
	if limit <= 0 {
		limit = 30
	}
	rows, err := db.db.QueryContext(ctx, `SELECT result_json FROM consensus_results ORDER BY epoch DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []domain.ConsensusResult
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var res domain.ConsensusResult
		if err := json.Unmarshal([]byte(payload), &res); err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	return out, rows.Err()
}

// ─── Commitment Operations ──────────────────────────────────────────────────

// SaveCommitment stores the material needed to reveal a commit later.
func (db *DB) SaveCommitment(ctx context.Context, c consensus.Commitment) error {
	vec, err := json.Marshal(c.Vector)
	if err != nil {
		return err
	}
	_, err = db.db.ExecContext(ctx, `
		INSERT INTO commitments (epoch, scorer_id, digest, salt_hex, vector_json, revealed)
		VALUES (?, ?, ?, ?, ?, 0)
		ON CONFLICT(epoch, scorer_id) DO NOTHING
	`, c.Epoch, c.ScorerID, c.Digest.Hex(), hex.EncodeToString(c.Salt), string(vec))
	return err
}

// GetCommitment returns a stored commitment, or ErrNotFound.
func (db *DB) GetCommitment(ctx context.Context, epoch uint64, scorerID string) (consensus.Commitment, error) {
	var (
		c        = consensus.Commitment{Epoch: epoch, ScorerID: scorerID}
		digest   string
		salt     string
		vec      string
		revealed int
	)
	err := db.db.QueryRowContext(ctx, `
		SELECT digest, salt_hex, vector_json, revealed FROM commitments WHERE epoch = ? AND scorer_id = ?
	`, epoch, scorerID).Scan(&digest, &salt, &vec, &revealed)
	if errors.Is(err, sql.ErrNoRows) {
		return consensus.Commitment{}, ErrNotFound
	}
	if err != nil {
		return consensus.Commitment{}, err
	}
	c.Digest = common.HexToHash(digest)
	if c.Salt, err = hex.DecodeString(salt); err != nil {
		return consensus.Commitment{}, fmt.Errorf("decode salt: %w", err)
	}
	if err := json.Unmarshal([]byte(vec), &c.Vector); err != nil {
		return consensus.Commitment{}, fmt.Errorf("decode vector: %w", err)
	}
	c.Revealed = revealed == 1
	return c, nil
}

// MarkRevealed flags a commitment as revealed.
func (db *DB) MarkRevealed(ctx context.Context, epoch uint64, scorerID string) error {
	_, err := db.db.ExecContext(ctx, `UPDATE commitments SET revealed = 1 WHERE epoch = ? AND scorer_id = ?`, epoch, scorerID)
	return err
}

// PruneCommitments drops revealed commitments for epochs before cutoff.
func (db *DB) PruneCommitments(ctx context.Context, cutoff uint64) (int64, error) {
	res, err := db.db.ExecContext(ctx, `DELETE FROM commitments WHERE revealed = 1 AND epoch < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
