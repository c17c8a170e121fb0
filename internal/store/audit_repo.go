package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/agentmarkets/trustline/internal/domain"
)

// AuditRepo handles persistence for AuditRecord rows.
type AuditRepo struct{}

// Record inserts an audit record.
func (r *AuditRepo) Record(ctx context.Context, db *sql.DB, rec domain.AuditRecord) error {
	const q = `INSERT INTO audit_records (id, category, actor, action, subject_id, detail_json, severity, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	detail := rec.DetailJSON
	if detail == "" {
		detail = "{}"
	}
	severity := rec.Severity
	if severity == "" {
		severity = "info"
	}
	_, err := db.ExecContext(ctx, q,
		rec.ID, rec.Category, rec.Actor, rec.Action, rec.SubjectID, detail, severity, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("record audit: %w", err)
	}
	return nil
}

// ListBySubject returns audit records for a subject, newest first.
func (r *AuditRepo) ListBySubject(ctx context.Context, db *sql.DB, subjectID string, limit int) ([]domain.AuditRecord, error) {
	const q = `SELECT id, category, actor, action, subject_id, detail_json, severity, created_at
FROM audit_records WHERE subject_id = ? ORDER BY created_at DESC LIMIT ?`
	rows, err := db.QueryContext(ctx, q, subjectID, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit records: %w", err)
	}
	defer rows.Close()

	var out []domain.AuditRecord
	for rows.Next() {
		var rec domain.AuditRecord
		if err := rows.Scan(&rec.ID, &rec.Category, &rec.Actor, &rec.Action, &rec.SubjectID, &rec.DetailJSON, &rec.Severity, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
