package callsheetsdk

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"callsheet/internal/app"
	"callsheet/internal/engine"
	"callsheet/internal/logging"
	"callsheet/internal/repo"
	"callsheet/internal/server"
)

func newClient(t *testing.T) *Client {
	t.Helper()
	ctx := context.Background()
	ws, err := app.Open(ctx, t.TempDir(), 0)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	require.NoError(t, app.Bootstrap(ctx, repo.Repo{DB: ws.DB}, ws.Config, "owner"))

	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	e := engine.New(ws.DB, ws.Config, logging.Discard()).WithClock(func() time.Time { return now })
	key, err := e.CreateAPIKey(ctx, "owner", "owner", "sdk")
	require.NoError(t, err)

	handler, err := server.New(server.Config{Engine: e, Auth: server.AuthConfig{JWTSecret: "sdk-secret"}, Logger: logging.Discard()})
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c := New(srv.URL)
	c.APIKey = key.Key
	return c
}

func TestClientPhaseLifecycle(t *testing.T) {
	c := newClient(t)
	ctx := context.Background()
	tz := "Europe/London"

	p, err := c.CreateProject(ctx, NewProject{
		ID: "tour", Name: "Summer Tour", Venue: "Arena", Timezone: &tz,
		RehearsalStartDate: "2025-06-01", ShowStartDate: "2025-06-10",
	})
	require.NoError(t, err)
	assert.Equal(t, "tour", p.ID)

	ph, err := c.Phase(ctx, "tour")
	require.NoError(t, err)
	assert.Equal(t, "prep", ph.CurrentPhase)

	ev, err := c.Evaluate(ctx, "tour")
	require.NoError(t, err)
	assert.False(t, ev.Result.CanTransition)
	assert.Equal(t, "staffing", ev.Result.TargetPhase)
	assert.NotEmpty(t, ev.Result.Blockers)

	_, err = c.Transition(ctx, "tour", "staffing", TransitionOptions{})
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
	assert.Equal(t, "invalid_transition", apiErr.Code)
	assert.NotEmpty(t, apiErr.Blockers())

	res, err := c.Transition(ctx, "tour", "staffing", TransitionOptions{
		Force: true, Reason: "crew list confirmed offline", ExpectedVersion: ev.Result.Version,
	})
	require.NoError(t, err)
	assert.Equal(t, "prep", res.PreviousPhase)
	assert.Equal(t, "staffing", res.CurrentPhase)
	require.NotNil(t, res.Record)
	assert.True(t, res.Record.Forced)

	_, err = c.Transition(ctx, "tour", "pre_show", TransitionOptions{
		Force: true, Reason: "stale", ExpectedVersion: ev.Result.Version,
	})
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "concurrency_conflict", apiErr.Code)

	hist, err := c.History(ctx, "tour", 10, "")
	require.NoError(t, err)
	require.Len(t, hist.Items, 1)
	assert.Equal(t, "owner", hist.Items[0].Actor)

	events, err := c.EventsPage(ctx, "tour", 10, "")
	require.NoError(t, err)
	assert.NotEmpty(t, events.Items)
}

func TestClientConfigAndBatch(t *testing.T) {
	c := newClient(t)
	ctx := context.Background()

	_, err := c.CreateProject(ctx, NewProject{ID: "gala", Name: "Gala"})
	require.NoError(t, err)

	hour := 8
	cfg, err := c.SetProjectConfig(ctx, "gala", PhaseConfigPatch{PostShowTransitionHour: &hour})
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.PostShowTransitionHour)
	assert.Equal(t, "project", cfg.Sources["post_show_transition_hour"])

	bad := 0
	_, err = c.SetProjectConfig(ctx, "gala", PhaseConfigPatch{ArchiveMonth: &bad})
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Equal(t, "archive_month", apiErr.Details["field"])

	cfg, err = c.SetProjectConfig(ctx, "gala", PhaseConfigPatch{Reset: true})
	require.NoError(t, err)
	assert.NotEqual(t, "project", cfg.Sources["post_show_transition_hour"])

	sum, err := c.RunEvaluation(ctx, EvaluationRun{DryRun: true})
	require.NoError(t, err)
	assert.True(t, sum.DryRun)
	assert.Equal(t, 1, sum.Evaluated)
	assert.Equal(t, 1, sum.Unchanged)

	scheduled, err := c.Scheduled(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, scheduled)
}

func TestClientRejectsMissingCredentials(t *testing.T) {
	c := newClient(t)
	c.APIKey = ""
	_, err := c.Phase(context.Background(), "anything")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
}
