package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/agentmarkets/trustline/internal/domain"
)

// TxRepo handles persistence for Transaction records. Every transition method
// is a conditional write: the UPDATE only matches when the row is still in
// the expected source state, and a zero-row result surfaces as
// ErrStateConflict. Terminal state and its on-chain evidence are always
// written by the same statement, so a mixed row is unrepresentable.
type TxRepo struct{}

const txColumns = `id, buyer_agent_id, seller_agent_id, amount_wei, currency, state,
	deadline, dispute_window_hours, created_at, funded_at, delivered_at, completed_at,
	deliverable_hash, escrow_id, escrow_tx_hash, deliver_tx_hash,
	release_tx_hash, refund_tx_hash, refund_reason,
	disputed_at, dispute_reason, dispute_tx_hash,
	dispute_resolved_at, dispute_resolution, dispute_resolved_by`

// Create inserts a new PENDING transaction.
func (r *TxRepo) Create(ctx context.Context, db *sql.DB, t domain.Transaction) error {
	const q = `INSERT INTO transactions (id, buyer_agent_id, seller_agent_id, amount_wei, currency, state, deadline, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := db.ExecContext(ctx, q,
		t.ID, t.BuyerAgentID, t.SellerAgentID, t.AmountWei, t.Currency,
		string(domain.TxPending), t.Deadline, t.CreatedAt,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return domain.ErrDuplicateTransaction
		}
		return fmt.Errorf("create transaction: %w", err)
	}
	return nil
}

// GetByID retrieves a transaction by its ID.
func (r *TxRepo) GetByID(ctx context.Context, db *sql.DB, id string) (*domain.Transaction, error) {
	q := `SELECT ` + txColumns + ` FROM transactions WHERE id = ?`
	return scanTransaction(db.QueryRowContext(ctx, q, id))
}

// GetByIDTx retrieves a transaction through an open database transaction.
// Reads issued while a transaction is open must go through it: the open
// transaction holds the pool's only connection.
func (r *TxRepo) GetByIDTx(ctx context.Context, tx *sql.Tx, id string) (*domain.Transaction, error) {
	q := `SELECT ` + txColumns + ` FROM transactions WHERE id = ?`
	return scanTransaction(tx.QueryRowContext(ctx, q, id))
}

func scanTransaction(row *sql.Row) (*domain.Transaction, error) {
	var t domain.Transaction
	var state, resolution string
	err := row.Scan(&t.ID, &t.BuyerAgentID, &t.SellerAgentID, &t.AmountWei, &t.Currency, &state,
		&t.Deadline, &t.DisputeWindowHours, &t.CreatedAt, &t.FundedAt, &t.DeliveredAt, &t.CompletedAt,
		&t.DeliverableHash, &t.EscrowID, &t.EscrowTxHash, &t.DeliverTxHash,
		&t.ReleaseTxHash, &t.RefundTxHash, &t.RefundReason,
		&t.DisputedAt, &t.DisputeReason, &t.DisputeTxHash,
		&t.DisputeResolvedAt, &resolution, &t.DisputeResolvedBy)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.ErrTransactionNotFound
		}
		return nil, fmt.Errorf("get transaction: %w", err)
	}
	t.State = domain.TxState(state)
	t.DisputeResolution = domain.Resolution(resolution)
	return &t, nil
}

// execTransition runs one conditional state UPDATE and converts a zero-row
// result to ErrStateConflict.
func execTransition(ctx context.Context, e interface {
	ExecContext(context.Context, string, ...any) (sql.Result, error)
}, q string, args ...any) error {
	res, err := e.ExecContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("transition transaction: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return domain.ErrStateConflict
	}
	return nil
}

// MarkFunded performs PENDING -> FUNDED, recording the on-chain escrow
// evidence. A zero deadline keeps whatever deadline the row already carries.
func (r *TxRepo) MarkFunded(ctx context.Context, db *sql.DB, id, escrowID, escrowTxHash string, deadline, at int64) error {
	const q = `UPDATE transactions SET
		state = 'FUNDED', escrow_id = ?, escrow_tx_hash = ?,
		deadline = COALESCE(NULLIF(?, 0), deadline), funded_at = ?
	WHERE id = ? AND state = 'PENDING'`
	return execTransition(ctx, db, q, escrowID, escrowTxHash, deadline, at, id)
}

// MarkDeliveredTx performs FUNDED -> DELIVERED, freezing the dispute window.
func (r *TxRepo) MarkDeliveredTx(ctx context.Context, tx *sql.Tx, id, deliverableHash, deliverTxHash string, windowHours int, at int64) error {
	const q = `UPDATE transactions SET
		state = 'DELIVERED', deliverable_hash = ?, deliver_tx_hash = ?, dispute_window_hours = ?, delivered_at = ?
	WHERE id = ? AND state = 'FUNDED'`
	return execTransition(ctx, tx, q, deliverableHash, deliverTxHash, windowHours, at, id)
}

// MarkDisputedTx performs DELIVERED -> DISPUTED.
func (r *TxRepo) MarkDisputedTx(ctx context.Context, tx *sql.Tx, id, reason, disputeTxHash string, at int64) error {
	const q = `UPDATE transactions SET
		state = 'DISPUTED', dispute_reason = ?, dispute_tx_hash = ?, disputed_at = ?
	WHERE id = ? AND state = 'DELIVERED'`
	return execTransition(ctx, tx, q, reason, disputeTxHash, at, id)
}

// MarkReleasedTx performs DELIVERED -> RELEASED, writing the release evidence
// together with the terminal state.
func (r *TxRepo) MarkReleasedTx(ctx context.Context, tx *sql.Tx, id, releaseTxHash string, at int64) error {
	const q = `UPDATE transactions SET
		state = 'RELEASED', release_tx_hash = ?, completed_at = ?
	WHERE id = ? AND state = 'DELIVERED'`
	return execTransition(ctx, tx, q, releaseTxHash, at, id)
}

// MarkRefundedTx performs FUNDED -> REFUNDED (deadline timeout path). A
// mark-only refund passes an empty refundTxHash.
func (r *TxRepo) MarkRefundedTx(ctx context.Context, tx *sql.Tx, id, refundTxHash, refundReason string, at int64) error {
	const q = `UPDATE transactions SET
		state = 'REFUNDED', refund_tx_hash = ?, refund_reason = ?, completed_at = ?
	WHERE id = ? AND state = 'FUNDED'`
	return execTransition(ctx, tx, q, refundTxHash, refundReason, at, id)
}

// ResolveTx performs DISPUTED -> RELEASED or DISPUTED -> REFUNDED. Exactly one
// of the two evidence hashes is written depending on the final state.
func (r *TxRepo) ResolveTx(ctx context.Context, tx *sql.Tx, id string, final domain.TxState, resolution domain.Resolution, resolvedBy, onchainTxHash, refundReason string, at int64) error {
	switch final {
	case domain.TxReleased:
		const q = `UPDATE transactions SET
			state = 'RELEASED', release_tx_hash = ?,
			dispute_resolved_at = ?, dispute_resolution = ?, dispute_resolved_by = ?, completed_at = ?
		WHERE id = ? AND state = 'DISPUTED'`
		return execTransition(ctx, tx, q, onchainTxHash, at, string(resolution), resolvedBy, at, id)
	case domain.TxRefunded:
		const q = `UPDATE transactions SET
			state = 'REFUNDED', refund_tx_hash = ?, refund_reason = ?,
			dispute_resolved_at = ?, dispute_resolution = ?, dispute_resolved_by = ?, completed_at = ?
		WHERE id = ? AND state = 'DISPUTED'`
		return execTransition(ctx, tx, q, onchainTxHash, refundReason, at, string(resolution), resolvedBy, at, id)
	default:
		return domain.NewEngineError(domain.ErrInvalidInput.Code,
			fmt.Sprintf("resolve must end in a terminal state, got %s", final))
	}
}

// ListExpiredFunded returns FUNDED transactions whose deadline has passed,
// oldest deadline first, bounded to one sweep page.
func (r *TxRepo) ListExpiredFunded(ctx context.Context, db *sql.DB, nowUnix int64, limit int) ([]domain.Transaction, error) {
	q := `SELECT ` + txColumns + ` FROM transactions
WHERE state = 'FUNDED' AND deadline > 0 AND deadline < ?
ORDER BY deadline ASC LIMIT ?`
	return r.list(ctx, db, q, nowUnix, limit)
}

// ListReleasable returns DELIVERED, undisputed transactions whose dispute
// window has elapsed, oldest delivery first.
func (r *TxRepo) ListReleasable(ctx context.Context, db *sql.DB, nowUnix int64, limit int) ([]domain.Transaction, error) {
	q := `SELECT ` + txColumns + ` FROM transactions
WHERE state = 'DELIVERED' AND disputed_at = 0
  AND delivered_at + dispute_window_hours * 3600 < ?
ORDER BY delivered_at ASC LIMIT ?`
	return r.list(ctx, db, q, nowUnix, limit)
}

func (r *TxRepo) list(ctx context.Context, db *sql.DB, q string, args ...any) ([]domain.Transaction, error) {
	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	var out []domain.Transaction
	for rows.Next() {
		var t domain.Transaction
		var state, resolution string
		err := rows.Scan(&t.ID, &t.BuyerAgentID, &t.SellerAgentID, &t.AmountWei, &t.Currency, &state,
			&t.Deadline, &t.DisputeWindowHours, &t.CreatedAt, &t.FundedAt, &t.DeliveredAt, &t.CompletedAt,
			&t.DeliverableHash, &t.EscrowID, &t.EscrowTxHash, &t.DeliverTxHash,
			&t.ReleaseTxHash, &t.RefundTxHash, &t.RefundReason,
			&t.DisputedAt, &t.DisputeReason, &t.DisputeTxHash,
			&t.DisputeResolvedAt, &resolution, &t.DisputeResolvedBy)
		if err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		t.State = domain.TxState(state)
		t.DisputeResolution = domain.Resolution(resolution)
		out = append(out, t)
	}
	return out, rows.Err()
}

// SellerOutcomeCounts aggregates settled outcomes for a seller. It backs the
// stats-based reputation approximation used when no feedback rows exist. Only
// terminal rows count: a settled row that went through a dispute is bucketed
// as disputed whichever side won, and an open dispute contributes nothing
// until it resolves.
func (r *TxRepo) SellerOutcomeCounts(ctx context.Context, db *sql.DB, sellerID string) (released, refunded, disputed int, err error) {
	const q = `SELECT state, disputed_at != 0, COUNT(*) FROM transactions
WHERE seller_agent_id = ? AND state IN ('RELEASED', 'REFUNDED')
GROUP BY state, disputed_at != 0`
	rows, err := db.QueryContext(ctx, q, sellerID)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("seller outcome counts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var state string
		var viaDispute bool
		var n int
		if err := rows.Scan(&state, &viaDispute, &n); err != nil {
			return 0, 0, 0, fmt.Errorf("scan outcome count: %w", err)
		}
		switch {
		case viaDispute:
			disputed += n
		case domain.TxState(state) == domain.TxReleased:
			released = n
		case domain.TxState(state) == domain.TxRefunded:
			refunded = n
		}
	}
	return released, refunded, disputed, rows.Err()
}
