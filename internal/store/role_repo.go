package store

import (
	"context"
	"database/sql"
	"fmt"
)

// RoleRepo handles the principal/role records backing administrative
// capabilities. Admin checks consult this table, not process configuration.
type RoleRepo struct{}

// Grant assigns a role to a principal. Granting an existing role is a no-op.
func (r *RoleRepo) Grant(ctx context.Context, db *sql.DB, principal, role string, at int64) error {
	const q = `INSERT INTO roles (principal, role, granted_at) VALUES (?, ?, ?)
ON CONFLICT(principal, role) DO NOTHING`
	if _, err := db.ExecContext(ctx, q, principal, role, at); err != nil {
		return fmt.Errorf("grant role: %w", err)
	}
	return nil
}

// Revoke removes a role from a principal.
func (r *RoleRepo) Revoke(ctx context.Context, db *sql.DB, principal, role string) error {
	if _, err := db.ExecContext(ctx, `DELETE FROM roles WHERE principal = ? AND role = ?`, principal, role); err != nil {
		return fmt.Errorf("revoke role: %w", err)
	}
	return nil
}

// HasRole reports whether the principal holds the role.
func (r *RoleRepo) HasRole(ctx context.Context, db *sql.DB, principal, role string) (bool, error) {
	var n int
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM roles WHERE principal = ? AND role = ?`, principal, role).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check role: %w", err)
	}
	return n > 0, nil
}
