// Package store provides SQLite-backed persistence for the Trustline engine.
package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/agentmarkets/trustline/internal/domain"
)

// schemaV1 defines the initial database schema.
const schemaV1 = `
CREATE TABLE IF NOT EXISTS agents (
	id                    TEXT PRIMARY KEY,
	name                  TEXT NOT NULL DEFAULT '',
	wallet_address        TEXT NOT NULL DEFAULT '',
	wallet_ref            TEXT NOT NULL DEFAULT '',
	custodial             INTEGER NOT NULL DEFAULT 0,
	identity_json         TEXT NOT NULL DEFAULT '',
	reputation_score      REAL NOT NULL DEFAULT 0.0,
	reputation_tier       TEXT NOT NULL DEFAULT 'NEW',
	reputation_tx_count   INTEGER NOT NULL DEFAULT 0,
	reputation_updated_at INTEGER NOT NULL DEFAULT 0,
	total_earned_wei      TEXT NOT NULL DEFAULT '0',
	total_spent_wei       TEXT NOT NULL DEFAULT '0',
	onchain_token_id      TEXT NOT NULL DEFAULT '',
	onchain_chain         TEXT NOT NULL DEFAULT '',
	onchain_tx_hash       TEXT NOT NULL DEFAULT '',
	onchain_registered_at INTEGER NOT NULL DEFAULT 0,
	created_at            INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_agents_reputation_updated ON agents(reputation_updated_at);

CREATE TABLE IF NOT EXISTS transactions (
	id                   TEXT PRIMARY KEY,
	buyer_agent_id       TEXT NOT NULL,
	seller_agent_id      TEXT NOT NULL,
	amount_wei           TEXT NOT NULL,
	currency             TEXT NOT NULL DEFAULT 'USDC',
	state                TEXT NOT NULL DEFAULT 'PENDING',
	deadline             INTEGER NOT NULL DEFAULT 0,
	dispute_window_hours INTEGER NOT NULL DEFAULT 0,
	created_at           INTEGER NOT NULL DEFAULT 0,
	funded_at            INTEGER NOT NULL DEFAULT 0,
	delivered_at         INTEGER NOT NULL DEFAULT 0,
	completed_at         INTEGER NOT NULL DEFAULT 0,
	deliverable_hash     TEXT NOT NULL DEFAULT '',
	escrow_id            TEXT NOT NULL DEFAULT '',
	escrow_tx_hash       TEXT NOT NULL DEFAULT '',
	deliver_tx_hash      TEXT NOT NULL DEFAULT '',
	release_tx_hash      TEXT NOT NULL DEFAULT '',
	refund_tx_hash       TEXT NOT NULL DEFAULT '',
	refund_reason        TEXT NOT NULL DEFAULT '',
	disputed_at          INTEGER NOT NULL DEFAULT 0,
	dispute_reason       TEXT NOT NULL DEFAULT '',
	dispute_tx_hash      TEXT NOT NULL DEFAULT '',
	dispute_resolved_at  INTEGER NOT NULL DEFAULT 0,
	dispute_resolution   TEXT NOT NULL DEFAULT '',
	dispute_resolved_by  TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_transactions_state_deadline ON transactions(state, deadline);
CREATE INDEX IF NOT EXISTS idx_transactions_state_delivered ON transactions(state, delivered_at);
CREATE INDEX IF NOT EXISTS idx_transactions_seller ON transactions(seller_agent_id, state);

CREATE TABLE IF NOT EXISTS reputation_feedback (
	id               TEXT PRIMARY KEY,
	agent_id         TEXT NOT NULL,
	transaction_id   TEXT NOT NULL UNIQUE,
	rating           INTEGER NOT NULL,
	outcome          TEXT NOT NULL,
	escrow_id        TEXT NOT NULL DEFAULT '',
	amount_wei       TEXT NOT NULL DEFAULT '0',
	currency         TEXT NOT NULL DEFAULT 'USDC',
	duration_seconds INTEGER NOT NULL DEFAULT 0,
	tx_hash          TEXT NOT NULL DEFAULT '',
	deliverable_hash TEXT NOT NULL DEFAULT '',
	created_at       INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_feedback_agent ON reputation_feedback(agent_id, created_at);

CREATE TABLE IF NOT EXISTS batch_registrations (
	merkle_root  TEXT PRIMARY KEY,
	entries_json TEXT NOT NULL DEFAULT '[]',
	agent_count  INTEGER NOT NULL DEFAULT 0,
	created_at   INTEGER NOT NULL DEFAULT 0,
	confirmed_at INTEGER NOT NULL DEFAULT 0,
	chain        TEXT NOT NULL DEFAULT '',
	tx_hash      TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_batches_created ON batch_registrations(created_at);

CREATE TABLE IF NOT EXISTS roles (
	principal  TEXT NOT NULL,
	role       TEXT NOT NULL,
	granted_at INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (principal, role)
);

CREATE TABLE IF NOT EXISTS audit_records (
	id          TEXT PRIMARY KEY,
	category    TEXT NOT NULL,
	actor       TEXT NOT NULL DEFAULT '',
	action      TEXT NOT NULL,
	subject_id  TEXT NOT NULL DEFAULT '',
	detail_json TEXT NOT NULL DEFAULT '{}',
	severity    TEXT NOT NULL DEFAULT 'info',
	created_at  INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_audit_subject ON audit_records(subject_id);

CREATE TABLE IF NOT EXISTS sweep_runs (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	run_type     TEXT NOT NULL,
	started_at   INTEGER NOT NULL DEFAULT 0,
	completed_at INTEGER NOT NULL DEFAULT 0,
	processed    INTEGER NOT NULL DEFAULT 0,
	successful   INTEGER NOT NULL DEFAULT 0,
	failed       INTEGER NOT NULL DEFAULT 0
);
`

// NewDB opens a SQLite database at the given path with recommended pragmas
// and runs the V1 schema migration.
func NewDB(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, domain.WrapEngineError(domain.ErrStoreInit.Code, "open database", err)
	}

	// Limit connections to 1 for SQLite (WAL allows concurrent reads but single writer).
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		db.Close()
		return nil, domain.WrapEngineError(domain.ErrStoreInit.Code, "migrate schema", err)
	}

	return db, nil
}

func migrate(db *sql.DB) error {
	_, err := db.ExecContext(context.Background(), schemaV1)
	return err
}
