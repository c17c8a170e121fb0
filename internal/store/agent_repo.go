package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/holiman/uint256"

	"github.com/agentmarkets/trustline/internal/domain"
)

// AgentRepo handles persistence for Agent records.
type AgentRepo struct{}

const agentColumns = `id, name, wallet_address, wallet_ref, custodial, identity_json,
	reputation_score, reputation_tier, reputation_tx_count, reputation_updated_at,
	total_earned_wei, total_spent_wei,
	onchain_token_id, onchain_chain, onchain_tx_hash, onchain_registered_at, created_at`

// Create inserts a new agent.
func (r *AgentRepo) Create(ctx context.Context, db *sql.DB, a domain.Agent) error {
	const q = `INSERT INTO agents (` + agentColumns + `)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	custodial := 0
	if a.Custodial {
		custodial = 1
	}
	earned := a.TotalEarnedWei
	if earned == "" {
		earned = "0"
	}
	spent := a.TotalSpentWei
	if spent == "" {
		spent = "0"
	}
	_, err := db.ExecContext(ctx, q,
		a.ID, a.Name, a.WalletAddress, a.WalletRef, custodial, a.IdentityJSON,
		a.ReputationScore, string(a.ReputationTier), a.ReputationTxCount, a.ReputationUpdatedAt,
		earned, spent,
		a.OnchainTokenID, a.OnchainChain, a.OnchainTxHash, a.OnchainRegisteredAt, a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create agent: %w", err)
	}
	return nil
}

// GetByID retrieves an agent by its ID.
func (r *AgentRepo) GetByID(ctx context.Context, db *sql.DB, id string) (*domain.Agent, error) {
	q := `SELECT ` + agentColumns + ` FROM agents WHERE id = ?`
	return scanAgent(db.QueryRowContext(ctx, q, id))
}

func scanAgent(row *sql.Row) (*domain.Agent, error) {
	var a domain.Agent
	var custodial int
	var tier string
	err := row.Scan(&a.ID, &a.Name, &a.WalletAddress, &a.WalletRef, &custodial, &a.IdentityJSON,
		&a.ReputationScore, &tier, &a.ReputationTxCount, &a.ReputationUpdatedAt,
		&a.TotalEarnedWei, &a.TotalSpentWei,
		&a.OnchainTokenID, &a.OnchainChain, &a.OnchainTxHash, &a.OnchainRegisteredAt, &a.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.ErrAgentNotFound
		}
		return nil, fmt.Errorf("get agent: %w", err)
	}
	a.Custodial = custodial != 0
	a.ReputationTier = domain.Tier(tier)
	return &a, nil
}

// ListEligibleForRegistration returns agents with staged identity metadata
// that are not yet registered on-chain, ordered ascending by ID.
func (r *AgentRepo) ListEligibleForRegistration(ctx context.Context, db *sql.DB) ([]string, error) {
	const q = `SELECT id FROM agents WHERE identity_json != '' AND onchain_token_id = '' ORDER BY id ASC`
	rows, err := db.QueryContext(ctx, q)
	if err != nil {
		return nil, domain.WrapEngineError(domain.ErrStoreQuery.Code, "list eligible agents", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan agent id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CountRegistered returns how many agents carry an on-chain token.
func (r *AgentRepo) CountRegistered(ctx context.Context, db *sql.DB) (int, error) {
	var n int
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM agents WHERE onchain_token_id != ''`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count registered agents: %w", err)
	}
	return n, nil
}

// SetOnchainRegistration records the on-chain identity for an agent. The
// update is conditional on the agent not already being registered, keeping
// registration a one-way transition. Returns (false, nil) if the agent was
// already registered.
func (r *AgentRepo) SetOnchainRegistration(ctx context.Context, db *sql.DB, agentID, tokenID, chain, txHash string, at int64) (bool, error) {
	const q = `UPDATE agents SET
		onchain_token_id = ?,
		onchain_chain = ?,
		onchain_tx_hash = ?,
		onchain_registered_at = ?
	WHERE id = ? AND onchain_token_id = ''`

	res, err := db.ExecContext(ctx, q, tokenID, chain, txHash, at, agentID)
	if err != nil {
		return false, fmt.Errorf("set onchain registration: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("check rows affected: %w", err)
	}
	return n > 0, nil
}

// UpdateReputationCache rewrites the cached score, tier and count for an agent.
func (r *AgentRepo) UpdateReputationCache(ctx context.Context, db *sql.DB, agentID string, score float64, tier domain.Tier, count int, at int64) error {
	const q = `UPDATE agents SET
		reputation_score = ?,
		reputation_tier = ?,
		reputation_tx_count = ?,
		reputation_updated_at = ?
	WHERE id = ?`
	res, err := db.ExecContext(ctx, q, score, string(tier), count, at, agentID)
	if err != nil {
		return fmt.Errorf("update reputation cache: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return domain.ErrAgentNotFound
	}
	return nil
}

// ListStaleReputation returns agent IDs ordered by cache age, stalest first.
// Agents with no cache at all (reputation_updated_at = 0) sort first.
func (r *AgentRepo) ListStaleReputation(ctx context.Context, db *sql.DB, limit int) ([]string, error) {
	const q = `SELECT id FROM agents ORDER BY reputation_updated_at ASC LIMIT ?`
	rows, err := db.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, domain.WrapEngineError(domain.ErrStoreQuery.Code, "list stale reputation", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan agent id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// AddSettledTotalsTx adds the settled amount to the seller's earned total and
// the buyer's spent total within a transaction. Totals are decimal-string
// integers in wei; arithmetic runs in uint256 to avoid floats.
func (r *AgentRepo) AddSettledTotalsTx(ctx context.Context, tx *sql.Tx, sellerID, buyerID, sellerWei, spentWei string) error {
	if err := addTotalTx(ctx, tx, sellerID, "total_earned_wei", sellerWei); err != nil {
		return err
	}
	return addTotalTx(ctx, tx, buyerID, "total_spent_wei", spentWei)
}

func addTotalTx(ctx context.Context, tx *sql.Tx, agentID, column, deltaWei string) error {
	var current string
	q := fmt.Sprintf(`SELECT %s FROM agents WHERE id = ?`, column)
	if err := tx.QueryRowContext(ctx, q, agentID).Scan(&current); err != nil {
		if err == sql.ErrNoRows {
			return domain.ErrAgentNotFound
		}
		return fmt.Errorf("read %s: %w", column, err)
	}

	cur, err := uint256.FromDecimal(current)
	if err != nil {
		return fmt.Errorf("parse stored total %q: %w", current, err)
	}
	delta, err := uint256.FromDecimal(deltaWei)
	if err != nil {
		return fmt.Errorf("parse delta %q: %w", deltaWei, err)
	}
	cur.Add(cur, delta)

	uq := fmt.Sprintf(`UPDATE agents SET %s = ? WHERE id = ?`, column)
	if _, err := tx.ExecContext(ctx, uq, cur.Dec(), agentID); err != nil {
		return fmt.Errorf("update %s: %w", column, err)
	}
	return nil
}
