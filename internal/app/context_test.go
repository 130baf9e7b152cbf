package app

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"callsheet/internal/config"
	"callsheet/internal/engine/auth"
	"callsheet/internal/repo"
)

func TestOpenAndBootstrap(t *testing.T) {
	ctx := context.Background()
	ws, err := Open(ctx, t.TempDir(), 0)
	require.NoError(t, err)
	defer ws.Close()

	r := repo.Repo{DB: ws.DB}
	require.NoError(t, Bootstrap(ctx, r, ws.Config, "alice"))
	// Second run neither fails nor hands ownership to someone else.
	require.NoError(t, Bootstrap(ctx, r, ws.Config, "bob"))

	org := ws.Config.Workspace.Org
	ok, err := r.OrgExists(ctx, org)
	require.NoError(t, err)
	assert.True(t, ok)

	svc := auth.Service{DB: ws.DB}
	require.NoError(t, svc.Require(ctx, org, "alice", config.PermPhaseTransition))
	assert.Error(t, svc.Require(ctx, org, "bob", config.PermPhaseRead))

	roles, err := svc.ActorRoles(ctx, nil, org, "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"owner"}, roles)

	exists, err := r.RoleExists(ctx, "scheduler")
	require.NoError(t, err)
	assert.True(t, exists)
}
