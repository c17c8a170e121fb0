package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/agentmarkets/trustline/internal/domain"
)

// FeedbackRepo handles persistence for ReputationFeedback records. Rows are
// append-only; the UNIQUE constraint on transaction_id enforces the
// exactly-once guarantee at the schema level as well.
type FeedbackRepo struct{}

// InsertTx appends a feedback row within an existing transaction.
func (r *FeedbackRepo) InsertTx(ctx context.Context, tx *sql.Tx, fb domain.ReputationFeedback) error {
	const q = `INSERT INTO reputation_feedback
	(id, agent_id, transaction_id, rating, outcome, escrow_id, amount_wei, currency, duration_seconds, tx_hash, deliverable_hash, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := tx.ExecContext(ctx, q,
		fb.ID, fb.AgentID, fb.TransactionID, fb.Rating, string(fb.Outcome),
		fb.EscrowID, fb.AmountWei, fb.Currency, fb.DurationSeconds,
		fb.TxHash, fb.DeliverableHash, fb.CreatedAt,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return domain.ErrAlreadyTerminal
		}
		return fmt.Errorf("insert feedback: %w", err)
	}
	return nil
}

// ListByAgent returns an agent's feedback ordered oldest first, the order the
// recency-weighted score is defined over.
func (r *FeedbackRepo) ListByAgent(ctx context.Context, db *sql.DB, agentID string) ([]domain.ReputationFeedback, error) {
	const q = `SELECT id, agent_id, transaction_id, rating, outcome, escrow_id, amount_wei, currency, duration_seconds, tx_hash, deliverable_hash, created_at
FROM reputation_feedback WHERE agent_id = ? ORDER BY created_at ASC, id ASC`
	rows, err := db.QueryContext(ctx, q, agentID)
	if err != nil {
		return nil, fmt.Errorf("list feedback: %w", err)
	}
	defer rows.Close()

	var out []domain.ReputationFeedback
	for rows.Next() {
		var fb domain.ReputationFeedback
		var outcome string
		err := rows.Scan(&fb.ID, &fb.AgentID, &fb.TransactionID, &fb.Rating, &outcome,
			&fb.EscrowID, &fb.AmountWei, &fb.Currency, &fb.DurationSeconds,
			&fb.TxHash, &fb.DeliverableHash, &fb.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan feedback: %w", err)
		}
		fb.Outcome = domain.Outcome(outcome)
		out = append(out, fb)
	}
	return out, rows.Err()
}
