// Package guard enforces admin capability checks for settlement operations
// that move funds or override the state machine.
package guard

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/agentmarkets/trustline/internal/domain"
	"github.com/agentmarkets/trustline/internal/store"
)

// RoleAdmin grants dispute resolution, sweep triggering and batch management.
const RoleAdmin = "admin"

// Authorizer answers capability questions from the roles table and writes an
// audit record for every denial.
type Authorizer struct {
	DB    *sql.DB
	Roles *store.RoleRepo
	Audit *store.AuditRepo
	Clock func() time.Time
}

func NewAuthorizer(db *sql.DB) *Authorizer {
	return &Authorizer{
		DB:    db,
		Roles: &store.RoleRepo{},
		Audit: &store.AuditRepo{},
		Clock: time.Now,
	}
}

// RequireAdmin returns nil when principal holds the admin role, and an
// ErrAdminRequired engine error otherwise. action names the operation being
// attempted and is recorded in the denial audit trail.
func (a *Authorizer) RequireAdmin(ctx context.Context, principal, action string) error {
	if principal == "" {
		a.recordDenial(ctx, principal, action)
		return domain.NewEngineError(domain.ErrAdminRequired.Code, "admin principal required")
	}
	ok, err := a.Roles.HasRole(ctx, a.DB, principal, RoleAdmin)
	if err != nil {
		return err
	}
	if !ok {
		a.recordDenial(ctx, principal, action)
		return domain.NewEngineError(domain.ErrAdminRequired.Code,
			fmt.Sprintf("principal %s lacks admin role for %s", principal, action))
	}
	return nil
}

// GrantAdmin makes principal an admin. Granting an existing role is a no-op.
func (a *Authorizer) GrantAdmin(ctx context.Context, principal string) error {
	if principal == "" {
		return domain.NewEngineError(domain.ErrInvalidInput.Code, "principal is required")
	}
	return a.Roles.Grant(ctx, a.DB, principal, RoleAdmin, a.Clock().Unix())
}

// RevokeAdmin removes the admin role from principal.
func (a *Authorizer) RevokeAdmin(ctx context.Context, principal string) error {
	return a.Roles.Revoke(ctx, a.DB, principal, RoleAdmin)
}

func (a *Authorizer) recordDenial(ctx context.Context, principal, action string) {
	actor := principal
	if actor == "" {
		actor = "anonymous"
	}
	err := a.Audit.Record(ctx, a.DB, domain.AuditRecord{
		ID:        uuid.NewString(),
		Category:  "authorization",
		Actor:     actor,
		Action:    action,
		Severity:  "warning",
		CreatedAt: a.Clock().Unix(),
	})
	if err != nil {
		log.Printf("guard: audit write failed for %s/%s: %v", actor, action, err)
	}
}
