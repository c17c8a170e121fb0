package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/agentmarkets/trustline/internal/domain"
)

// SweepRunRepo records sweep executions for operational visibility.
type SweepRunRepo struct{}

// Start inserts a run row and returns its ID.
func (r *SweepRunRepo) Start(ctx context.Context, db *sql.DB, runType string, at int64) (int64, error) {
	res, err := db.ExecContext(ctx, `INSERT INTO sweep_runs (run_type, started_at) VALUES (?, ?)`, runType, at)
	if err != nil {
		return 0, fmt.Errorf("start sweep run: %w", err)
	}
	return res.LastInsertId()
}

// Finish completes a run row with its result counts.
func (r *SweepRunRepo) Finish(ctx context.Context, db *sql.DB, id int64, at int64, res domain.SweepResult) error {
	const q = `UPDATE sweep_runs SET completed_at = ?, processed = ?, successful = ?, failed = ? WHERE id = ?`
	if _, err := db.ExecContext(ctx, q, at, res.Processed, res.Successful, res.Failed, id); err != nil {
		return fmt.Errorf("finish sweep run: %w", err)
	}
	return nil
}
