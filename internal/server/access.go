package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"callsheet/internal/config"
	"callsheet/internal/engine"
)

type whoAmIOutput struct {
	Body engine.WhoAmI `json:"body"`
}

type meOutput struct {
	Body MeResponse `json:"body"`
}

type apiKeyOutput struct {
	Body APIKeyResponse `json:"body"`
}

type apiKeysOutput struct {
	Body []APIKeyResponse `json:"body"`
}

// registerAccess exposes the caller's identity, role bindings and API keys.
func registerAccess(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Authenticated principal and its effective permissions",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*meOutput, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		out := MeResponse{ActorID: p.ActorID, Source: p.Source, OrgID: workspaceOrg(e), Roles: p.Roles, Permissions: p.Permissions}
		// Token-embedded permissions are authoritative; everyone else gets
		// their bindings in the workspace organization.
		if len(p.Permissions) == 0 {
			who, err := e.WhoAmI(ctx, out.OrgID, p.ActorID)
			if err != nil {
				return nil, handleError(err)
			}
			out.Permissions = who.Permissions
			if len(out.Roles) == 0 {
				out.Roles = who.Roles
			}
		}
		out.Roles = nonNilSlice(out.Roles)
		out.Permissions = nonNilSlice(out.Permissions)
		return &meOutput{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-org-permissions",
		Method:      http.MethodGet,
		Path:        "/orgs/{org_id}/me/permissions",
		Summary:     "Caller's roles and permissions in an organization",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, in *struct {
		OrgID string `path:"org_id"`
	}) (*whoAmIOutput, error) {
		actor, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		who, err := e.WhoAmI(ctx, in.OrgID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		who.Roles = nonNilSlice(who.Roles)
		who.Permissions = nonNilSlice(who.Permissions)
		return &whoAmIOutput{Body: who}, nil
	})

	roleChange := func(verb string, apply func(ctx context.Context, orgID, actor, target, role string) error) {
		huma.Register(api, huma.Operation{
			OperationID:   verb + "-role",
			Method:        http.MethodPost,
			Path:          "/orgs/{org_id}/rbac/roles/" + verb,
			Summary:       strings.ToUpper(verb[:1]) + verb[1:] + " a role binding",
			DefaultStatus: http.StatusNoContent,
			Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
		}, func(ctx context.Context, in *struct {
			OrgID string            `path:"org_id"`
			Body  RoleChangeRequest `json:"body"`
		}) (*struct{}, error) {
			p, err := requirePermission(ctx, e, in.OrgID, config.PermRBACManage)
			if err != nil {
				return nil, handleError(err)
			}
			if err := apply(ctx, in.OrgID, p.ActorID, in.Body.ActorID, in.Body.RoleID); err != nil {
				return nil, handleError(err)
			}
			return &struct{}{}, nil
		})
	}
	roleChange("grant", e.GrantRole)
	roleChange("revoke", e.RevokeRole)

	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/apikeys",
		Summary:       "Issue an API key; the plaintext key is only returned here",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, in *struct {
		Body CreateAPIKeyRequest `json:"body"`
	}) (*apiKeyOutput, error) {
		p, err := requireWorkspacePermission(ctx, e, "", config.PermAPIKeyManage)
		if err != nil {
			return nil, handleError(err)
		}
		issued, err := e.CreateAPIKey(ctx, p.ActorID, in.Body.ActorID, in.Body.Name)
		if err != nil {
			return nil, handleError(err)
		}
		out := apiKeyResponse(issued.APIKey)
		out.Key = issued.Key
		return &apiKeyOutput{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-api-keys",
		Method:      http.MethodGet,
		Path:        "/apikeys",
		Summary:     "List API keys, optionally for one actor",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, in *struct {
		ActorID string `query:"actor_id"`
	}) (*apiKeysOutput, error) {
		if _, err := requireWorkspacePermission(ctx, e, "", config.PermAPIKeyManage); err != nil {
			return nil, handleError(err)
		}
		keys, err := e.ListAPIKeys(ctx, in.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		out := &apiKeysOutput{Body: make([]APIKeyResponse, 0, len(keys))}
		for _, k := range keys {
			out.Body = append(out.Body, apiKeyResponse(k))
		}
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "revoke-api-key",
		Method:        http.MethodDelete,
		Path:          "/apikeys/{key_id}",
		Summary:       "Revoke an API key",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, in *struct {
		KeyID string `path:"key_id"`
	}) (*struct{}, error) {
		p, err := requireWorkspacePermission(ctx, e, "", config.PermAPIKeyManage)
		if err != nil {
			return nil, handleError(err)
		}
		if err := e.RevokeAPIKey(ctx, p.ActorID, in.KeyID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}
