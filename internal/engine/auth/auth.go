package auth

import (
	"context"
	"database/sql"
	"errors"

	"callsheet/internal/domain"
)

// Service provides RBAC helpers backed by SQL. Roles are granted per
// organization and cover every project of that organization.
type Service struct {
	DB *sql.DB
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s Service) q(tx *sql.Tx) querier {
	if tx != nil {
		return tx
	}
	return s.DB
}

func (s Service) ActorHasPermission(ctx context.Context, tx *sql.Tx, orgID, actorID, perm string) (bool, error) {
	row := s.q(tx).QueryRowContext(ctx, `
SELECT 1 FROM actor_roles ar
JOIN role_permissions rp ON rp.role_id=ar.role_id
WHERE ar.org_id=? AND ar.actor_id=? AND rp.permission_id=? LIMIT 1`,
		orgID, actorID, perm)
	var n int
	err := row.Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

// Require returns a *domain.PermissionError when the actor lacks perm.
func (s Service) Require(ctx context.Context, orgID, actorID, perm string) error {
	if actorID == "" {
		return &domain.PermissionError{Permission: perm}
	}
	ok, err := s.ActorHasPermission(ctx, nil, orgID, actorID, perm)
	if err != nil {
		return domain.Persistence("check permission", err)
	}
	if !ok {
		return &domain.PermissionError{Permission: perm}
	}
	return nil
}

func (s Service) ActorRoles(ctx context.Context, tx *sql.Tx, orgID, actorID string) ([]string, error) {
	return s.strings(ctx, tx, `SELECT role_id FROM actor_roles WHERE org_id=? AND actor_id=? ORDER BY role_id`, orgID, actorID)
}

func (s Service) ActorPermissions(ctx context.Context, tx *sql.Tx, orgID, actorID string) ([]string, error) {
	return s.strings(ctx, tx, `
SELECT DISTINCT rp.permission_id
FROM actor_roles ar
JOIN role_permissions rp ON rp.role_id=ar.role_id
WHERE ar.org_id=? AND ar.actor_id=?
ORDER BY rp.permission_id`, orgID, actorID)
}

func (s Service) strings(ctx context.Context, tx *sql.Tx, query string, args ...any) ([]string, error) {
	rows, err := s.q(tx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
