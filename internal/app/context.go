// Package app wires a workspace directory into an open database, its config
// and the seed rows every command expects to exist.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"callsheet/internal/config"
	"callsheet/internal/db"
	"callsheet/internal/migrate"
	"callsheet/internal/repo"
)

// Workspace is an opened callsheet workspace.
type Workspace struct {
	Dir    string
	DB     *sql.DB
	Config *config.Config
}

// Open loads the workspace config (defaults when absent), opens the database and
// applies pending migrations.
func Open(ctx context.Context, dir string, busy time.Duration) (*Workspace, error) {
	cfg, err := config.LoadOptional(dir)
	if err != nil {
		return nil, err
	}
	if _, err := db.EnsureWorkspace(dir); err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: dir, BusyTimeout: busy})
	if err != nil {
		return nil, err
	}
	if err := migrate.MigrateContext(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Workspace{Dir: dir, DB: conn, Config: cfg}, nil
}

func (w *Workspace) Close() error { return w.DB.Close() }

// Bootstrap ensures the workspace organization, the configured roles and their
// permissions exist. When the organization has no role bindings yet, ownerID
// becomes its owner.
func Bootstrap(ctx context.Context, r repo.Repo, cfg *config.Config, ownerID string) error {
	if cfg == nil {
		cfg = config.Default()
	}
	now := time.Now().UTC().Format(time.RFC3339)
	orgID := cfg.Workspace.Org
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := r.EnsureOrg(ctx, tx, orgID, cfg.Workspace.OrgName, now); err != nil {
		return fmt.Errorf("ensure org: %w", err)
	}
	for _, perm := range config.AllPermissions() {
		if err := r.InsertPermission(ctx, tx, perm, ""); err != nil {
			return fmt.Errorf("insert permission %s: %w", perm, err)
		}
	}
	roleIDs := make([]string, 0, len(cfg.RBAC.Roles))
	for id := range cfg.RBAC.Roles {
		roleIDs = append(roleIDs, id)
	}
	sort.Strings(roleIDs)
	for _, id := range roleIDs {
		role := cfg.RBAC.Roles[id]
		if err := r.InsertRole(ctx, tx, id, role.Description); err != nil {
			return fmt.Errorf("insert role %s: %w", id, err)
		}
		for _, perm := range role.Permissions {
			if err := r.AddRolePermission(ctx, tx, id, perm); err != nil {
				return fmt.Errorf("grant %s to role %s: %w", perm, id, err)
			}
		}
	}
	var bindings int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM actor_roles WHERE org_id=?`, orgID).Scan(&bindings); err != nil {
		return err
	}
	if bindings == 0 && ownerID != "" {
		if _, ok := cfg.RBAC.Roles["owner"]; ok {
			if err := r.EnsureActor(ctx, tx, ownerID, now); err != nil {
				return fmt.Errorf("ensure actor: %w", err)
			}
			if err := r.AssignRole(ctx, tx, orgID, ownerID, "owner"); err != nil {
				return fmt.Errorf("assign owner: %w", err)
			}
		}
	}
	return tx.Commit()
}
