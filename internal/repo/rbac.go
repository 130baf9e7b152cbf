package repo

import (
	"context"
	"database/sql"
)

func (r Repo) EnsureActor(ctx context.Context, tx *sql.Tx, actorID string, now string) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT OR IGNORE INTO actors(id, created_at) VALUES (?,?)`, actorID, now)
	return err
}

func (r Repo) EnsureOrg(ctx context.Context, tx *sql.Tx, orgID, name, now string) error {
	if name == "" {
		name = orgID
	}
	_, err := r.q(tx).ExecContext(ctx, `INSERT OR IGNORE INTO organizations(id, name, created_at) VALUES (?,?,?)`, orgID, name, now)
	return err
}

// OrgExists reports whether the organization row is present.
func (r Repo) OrgExists(ctx context.Context, orgID string) (bool, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(1) FROM organizations WHERE id=?`, orgID).Scan(&n)
	return n > 0, err
}

func (r Repo) InsertRole(ctx context.Context, tx *sql.Tx, id, desc string) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO roles(id, description) VALUES (?,?)
ON CONFLICT(id) DO UPDATE SET description=excluded.description`, id, nullable(desc))
	return err
}

func (r Repo) InsertPermission(ctx context.Context, tx *sql.Tx, id, desc string) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT OR IGNORE INTO permissions(id, description) VALUES (?,?)`, id, nullable(desc))
	return err
}

func (r Repo) AddRolePermission(ctx context.Context, tx *sql.Tx, roleID, permID string) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT OR IGNORE INTO role_permissions(role_id, permission_id) VALUES (?,?)`, roleID, permID)
	return err
}

// AssignRole grants roleID to the actor within an organization.
func (r Repo) AssignRole(ctx context.Context, tx *sql.Tx, orgID, actorID, roleID string) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT OR IGNORE INTO actor_roles(org_id, actor_id, role_id) VALUES (?,?,?)`, orgID, actorID, roleID)
	return err
}

func (r Repo) RevokeRole(ctx context.Context, tx *sql.Tx, orgID, actorID, roleID string) error {
	_, err := r.q(tx).ExecContext(ctx, `DELETE FROM actor_roles WHERE org_id=? AND actor_id=? AND role_id=?`, orgID, actorID, roleID)
	return err
}

// ActorRole is one role binding.
type ActorRole struct {
	OrgID   string `json:"org_id"`
	ActorID string `json:"actor_id"`
	RoleID  string `json:"role_id"`
}

// ListActorRoles returns role bindings in an organization, optionally for one actor.
func (r Repo) ListActorRoles(ctx context.Context, orgID, actorID string) ([]ActorRole, error) {
	query := `SELECT org_id, actor_id, role_id FROM actor_roles WHERE org_id=?`
	args := []any{orgID}
	if actorID != "" {
		query += ` AND actor_id=?`
		args = append(args, actorID)
	}
	query += ` ORDER BY actor_id, role_id`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []ActorRole
	for rows.Next() {
		var ar ActorRole
		if err := rows.Scan(&ar.OrgID, &ar.ActorID, &ar.RoleID); err != nil {
			return nil, err
		}
		res = append(res, ar)
	}
	return res, rows.Err()
}

// RoleExists reports whether roleID is defined.
func (r Repo) RoleExists(ctx context.Context, roleID string) (bool, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(1) FROM roles WHERE id=?`, roleID).Scan(&n)
	return n > 0, err
}
