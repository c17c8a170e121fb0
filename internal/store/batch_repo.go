package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/agentmarkets/trustline/internal/domain"
)

// BatchRepo handles persistence for staged BatchRegistration records. Staging
// is what lets confirm look proofs up by merkle root instead of recomputing
// them from a possibly-changed agent set.
type BatchRepo struct{}

// Stage persists a prepared batch keyed by its merkle root. Re-preparing the
// same agent set yields the same root, so the row is simply replaced.
func (r *BatchRepo) Stage(ctx context.Context, db *sql.DB, b domain.BatchRegistration) error {
	entries, err := json.Marshal(b.Entries)
	if err != nil {
		return fmt.Errorf("marshal batch entries: %w", err)
	}
	const q = `INSERT INTO batch_registrations (merkle_root, entries_json, agent_count, created_at)
VALUES (?, ?, ?, ?)
ON CONFLICT(merkle_root) DO UPDATE SET entries_json = excluded.entries_json,
	agent_count = excluded.agent_count, created_at = excluded.created_at`
	if _, err := db.ExecContext(ctx, q, b.MerkleRoot, string(entries), len(b.Entries), b.CreatedAt); err != nil {
		return domain.WrapEngineError(domain.ErrStoreWrite.Code, "stage batch", err)
	}
	return nil
}

// GetByRoot retrieves a staged batch by merkle root.
func (r *BatchRepo) GetByRoot(ctx context.Context, db *sql.DB, merkleRoot string) (*domain.BatchRegistration, error) {
	const q = `SELECT merkle_root, entries_json, created_at, confirmed_at, chain, tx_hash
FROM batch_registrations WHERE merkle_root = ?`
	var b domain.BatchRegistration
	var entries string
	err := db.QueryRowContext(ctx, q, merkleRoot).Scan(&b.MerkleRoot, &entries, &b.CreatedAt, &b.ConfirmedAt, &b.Chain, &b.TxHash)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.ErrBatchNotFound
		}
		return nil, fmt.Errorf("get batch: %w", err)
	}
	if err := json.Unmarshal([]byte(entries), &b.Entries); err != nil {
		return nil, fmt.Errorf("unmarshal batch entries: %w", err)
	}
	return &b, nil
}

// MarkConfirmed records the on-chain posting evidence for a staged batch.
func (r *BatchRepo) MarkConfirmed(ctx context.Context, db *sql.DB, merkleRoot, chain, txHash string, at int64) error {
	const q = `UPDATE batch_registrations SET confirmed_at = ?, chain = ?, tx_hash = ? WHERE merkle_root = ?`
	res, err := db.ExecContext(ctx, q, at, chain, txHash, merkleRoot)
	if err != nil {
		return fmt.Errorf("mark batch confirmed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return domain.ErrBatchNotFound
	}
	return nil
}

// DeleteStagedBefore removes unconfirmed staged batches created before the
// cutoff. Confirmed batches are kept as history.
func (r *BatchRepo) DeleteStagedBefore(ctx context.Context, db *sql.DB, cutoffUnix int64) (int64, error) {
	const q = `DELETE FROM batch_registrations WHERE confirmed_at = 0 AND created_at < ?`
	res, err := db.ExecContext(ctx, q, cutoffUnix)
	if err != nil {
		return 0, fmt.Errorf("delete staged batches: %w", err)
	}
	return res.RowsAffected()
}

// ListRecent returns batch headers newest first, without entry payloads.
func (r *BatchRepo) ListRecent(ctx context.Context, db *sql.DB, limit int) ([]domain.BatchRegistration, error) {
	const q = `SELECT merkle_root, agent_count, created_at, confirmed_at, chain, tx_hash
FROM batch_registrations ORDER BY created_at DESC LIMIT ?`
	rows, err := db.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("list batches: %w", err)
	}
	defer rows.Close()

	var out []domain.BatchRegistration
	for rows.Next() {
		var b domain.BatchRegistration
		var count int
		if err := rows.Scan(&b.MerkleRoot, &count, &b.CreatedAt, &b.ConfirmedAt, &b.Chain, &b.TxHash); err != nil {
			return nil, fmt.Errorf("scan batch: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}
