package engine

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"strings"
	"time"

	"github.com/google/uuid"

	"callsheet/internal/domain"
	"callsheet/internal/events"
	"callsheet/internal/repo"
)

// WhoAmI lists an actor's roles and effective permissions in an organization.
type WhoAmI struct {
	ActorID     string   `json:"actor_id"`
	OrgID       string   `json:"org_id"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
}

func (e Engine) WhoAmI(ctx context.Context, orgID, actorID string) (WhoAmI, error) {
	orgID = e.orgOrDefault(orgID)
	roles, err := e.Auth.ActorRoles(ctx, nil, orgID, actorID)
	if err != nil {
		return WhoAmI{}, domain.Persistence("list actor roles", err)
	}
	perms, err := e.Auth.ActorPermissions(ctx, nil, orgID, actorID)
	if err != nil {
		return WhoAmI{}, domain.Persistence("list actor permissions", err)
	}
	return WhoAmI{ActorID: actorID, OrgID: orgID, Roles: roles, Permissions: perms}, nil
}

// GrantRole binds roleID to target within orgID.
func (e Engine) GrantRole(ctx context.Context, orgID, actor, target, roleID string) error {
	return e.changeRole(ctx, orgID, actor, target, roleID, true)
}

// RevokeRole removes a role binding. Revoking a binding that does not exist is
// not an error.
func (e Engine) RevokeRole(ctx context.Context, orgID, actor, target, roleID string) error {
	return e.changeRole(ctx, orgID, actor, target, roleID, false)
}

func (e Engine) changeRole(ctx context.Context, orgID, actor, target, roleID string, grant bool) error {
	orgID = e.orgOrDefault(orgID)
	target = strings.TrimSpace(target)
	roleID = strings.TrimSpace(roleID)
	if target == "" || roleID == "" {
		return &domain.ValidationError{Field: "role", Message: "actor and role are required"}
	}
	if strings.TrimSpace(actor) == "" {
		return &domain.ValidationError{Field: "actor", Message: "actor is required"}
	}
	if ok, err := e.Repo.OrgExists(ctx, orgID); err != nil {
		return domain.Persistence("get organization", err)
	} else if !ok {
		return &domain.NotFoundError{Kind: "organization", ID: orgID}
	}
	if ok, err := e.Repo.RoleExists(ctx, roleID); err != nil {
		return domain.Persistence("get role", err)
	} else if !ok {
		return &domain.NotFoundError{Kind: "role", ID: roleID}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Persistence("begin role change", err)
	}
	defer tx.Rollback()
	evtType := events.RoleGranted
	if grant {
		if err := e.Repo.EnsureActor(ctx, tx, target, e.now().UTC().Format(time.RFC3339)); err != nil {
			return domain.Persistence("ensure actor", err)
		}
		if err := e.Repo.AssignRole(ctx, tx, orgID, target, roleID); err != nil {
			return domain.Persistence("assign role", err)
		}
	} else {
		evtType = events.RoleRevoked
		if err := e.Repo.RevokeRole(ctx, tx, orgID, target, roleID); err != nil {
			return domain.Persistence("revoke role", err)
		}
	}
	if err := e.Events.Append(ctx, tx, evtType, "", "organization", orgID, actor, events.EventPayload{
		"actor_id": target,
		"role_id":  roleID,
	}); err != nil {
		return domain.Persistence("append rbac event", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Persistence("commit role change", err)
	}
	e.logger().Info("role changed", "org_id", orgID, "actor_id", target, "role_id", roleID, "granted", grant)
	return nil
}

// IssuedAPIKey carries the plaintext key. It is only available at creation.
type IssuedAPIKey struct {
	domain.APIKey
	Key string `json:"key"`
}

// CreateAPIKey issues a key for target. Only the SHA-256 digest is stored.
func (e Engine) CreateAPIKey(ctx context.Context, actor, target, name string) (IssuedAPIKey, error) {
	target = strings.TrimSpace(target)
	if target == "" {
		return IssuedAPIKey{}, &domain.ValidationError{Field: "actor_id", Message: "actor_id is required"}
	}
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return IssuedAPIKey{}, err
	}
	plain := "cs_" + hex.EncodeToString(buf)
	now := e.now().UTC().Format(time.RFC3339)
	key := domain.APIKey{
		ID:        uuid.NewString(),
		ActorID:   target,
		Name:      strings.TrimSpace(name),
		KeyHash:   repo.HashAPIKey(plain),
		CreatedAt: now,
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return IssuedAPIKey{}, domain.Persistence("begin create api key", err)
	}
	defer tx.Rollback()
	if err := e.Repo.EnsureActor(ctx, tx, target, now); err != nil {
		return IssuedAPIKey{}, domain.Persistence("ensure actor", err)
	}
	if err := e.Repo.InsertAPIKeyTx(ctx, tx, key); err != nil {
		return IssuedAPIKey{}, domain.Persistence("insert api key", err)
	}
	if err := e.Events.Append(ctx, tx, events.APIKeyCreated, "", "api_key", key.ID, actor, events.EventPayload{
		"actor_id": target,
		"name":     key.Name,
	}); err != nil {
		return IssuedAPIKey{}, domain.Persistence("append api key event", err)
	}
	if err := tx.Commit(); err != nil {
		return IssuedAPIKey{}, domain.Persistence("commit create api key", err)
	}
	return IssuedAPIKey{APIKey: key, Key: plain}, nil
}

func (e Engine) ListAPIKeys(ctx context.Context, actorID string) ([]domain.APIKey, error) {
	keys, err := e.Repo.ListAPIKeys(ctx, strings.TrimSpace(actorID))
	return keys, domain.Persistence("list api keys", err)
}

// RevokeAPIKey deletes the key and records the revocation in one transaction.
func (e Engine) RevokeAPIKey(ctx context.Context, actor, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return &domain.ValidationError{Field: "id", Message: "id is required"}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Persistence("begin revoke api key", err)
	}
	defer tx.Rollback()
	owner, err := e.Repo.DeleteAPIKeyTx(ctx, tx, id)
	if err != nil {
		return domain.Persistence("delete api key", err)
	}
	if err := e.Events.Append(ctx, tx, events.APIKeyRevoked, "", "api_key", id, actor, events.EventPayload{
		"actor_id": owner,
	}); err != nil {
		return domain.Persistence("append api key event", err)
	}
	return domain.Persistence("commit revoke api key", tx.Commit())
}

func (e Engine) orgOrDefault(orgID string) string {
	if orgID = strings.TrimSpace(orgID); orgID != "" {
		return orgID
	}
	if e.Config != nil {
		return e.Config.Workspace.Org
	}
	return ""
}
