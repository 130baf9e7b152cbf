package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"callsheet/internal/app"
	"callsheet/internal/config"
	"callsheet/internal/domain"
	"callsheet/internal/engine"
	"callsheet/internal/evaluator"
	"callsheet/internal/logging"
	"callsheet/internal/repo"
)

const (
	testSecret = "test-secret"
	owner      = "tester"
)

var testNow = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ctx := context.Background()
	ws, err := app.Open(ctx, t.TempDir(), 0)
	if err != nil {
		t.Fatalf("open workspace: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	if err := app.Bootstrap(ctx, repo.Repo{DB: ws.DB}, ws.Config, owner); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	e := engine.New(ws.DB, ws.Config, logging.Discard()).WithClock(func() time.Time { return testNow })
	handler, err := New(Config{
		Engine: e,
		Auth:   AuthConfig{JWTSecret: testSecret, AllowLegacyActorHeader: true},
		Logger: logging.Discard(),
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return &testServer{URL: srv.URL + "/v1", Engine: e, client: srv.Client()}
}

func asActor(actor string) map[string]string {
	return map[string]string{"X-Actor-Id": actor}
}

func doJSON(t *testing.T, s *testServer, method, path string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader = bytes.NewReader(nil)
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, s.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := s.client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		t.Fatalf("unmarshal %s: %v", string(data), err)
	}
	return v
}

type errorEnvelope struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func createGala(t *testing.T, s *testServer, id string) {
	t.Helper()
	tz := "America/New_York"
	res, data := doJSON(t, s, http.MethodPost, "/projects", CreateProjectRequest{
		ID:                 id,
		Name:               "Spring Gala",
		Venue:              "Main Hall",
		Timezone:           &tz,
		RehearsalStartDate: "2025-04-01",
		ShowStartDate:      "2025-04-05",
	}, asActor(owner))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create project status %d: %s", res.StatusCode, string(data))
	}
}

func TestHealthNeedsNoAuth(t *testing.T) {
	s := newTestServer(t)
	res, data := doJSON(t, s, http.MethodGet, "/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, string(data))
	}
	h := decode[HealthResponse](t, data)
	if h.Status != "ok" || h.SchemaVersion < 1 {
		t.Fatalf("unexpected health %+v", h)
	}
}

func TestUnauthenticatedRequestRejected(t *testing.T) {
	s := newTestServer(t)
	res, data := doJSON(t, s, http.MethodGet, "/projects", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", res.StatusCode, string(data))
	}
	env := decode[errorEnvelope](t, data)
	if env.Error.Code != "unauthorized" {
		t.Fatalf("unexpected code %q", env.Error.Code)
	}
}

func TestCreateProjectStartsInPrep(t *testing.T) {
	s := newTestServer(t)
	createGala(t, s, "gala")

	res, data := doJSON(t, s, http.MethodGet, "/projects/gala/phase", nil, asActor(owner))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("phase status %d: %s", res.StatusCode, string(data))
	}
	phase := decode[PhaseResponse](t, data)
	if phase.CurrentPhase != string(domain.PhasePrep) || phase.DisplayName != "Prep" {
		t.Fatalf("unexpected phase %+v", phase)
	}
	if phase.Timezone != "America/New_York" || phase.RehearsalStartDate != "2025-04-01" {
		t.Fatalf("project fields not reflected: %+v", phase)
	}
}

func TestCreateProjectRejectsBadDate(t *testing.T) {
	s := newTestServer(t)
	res, data := doJSON(t, s, http.MethodPost, "/projects", CreateProjectRequest{
		ID: "bad", Name: "Bad", RehearsalStartDate: "04/01/2025",
	}, asActor(owner))
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", res.StatusCode, string(data))
	}
	env := decode[errorEnvelope](t, data)
	if env.Error.Code != domain.CodeValidation || env.Error.Details["field"] != "rehearsal_start_date" {
		t.Fatalf("unexpected error %+v", env.Error)
	}
}

func TestManualTransitionBlockedThenForced(t *testing.T) {
	s := newTestServer(t)
	createGala(t, s, "gala")

	res, data := doJSON(t, s, http.MethodPost, "/projects/gala/phase/transitions", TransitionRequest{
		TargetPhase: "staffing",
	}, asActor(owner))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", res.StatusCode, string(data))
	}
	env := decode[errorEnvelope](t, data)
	if env.Error.Code != domain.CodeInvalidTransition {
		t.Fatalf("unexpected code %q", env.Error.Code)
	}
	blockers, ok := env.Error.Details["blockers"].([]any)
	if !ok || len(blockers) == 0 {
		t.Fatalf("expected blockers in details, got %+v", env.Error.Details)
	}

	res, data = doJSON(t, s, http.MethodPost, "/projects/gala/phase/transitions", TransitionRequest{
		TargetPhase: "staffing",
		Force:       true,
		Reason:      "crew confirmed by phone",
	}, asActor(owner))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("forced transition status %d: %s", res.StatusCode, string(data))
	}
	out := decode[TransitionResponse](t, data)
	if out.CurrentPhase != "staffing" || out.Record == nil || !out.Record.Forced {
		t.Fatalf("unexpected transition response %+v", out)
	}

	res, data = doJSON(t, s, http.MethodGet, "/projects/gala/phase/history", nil, asActor(owner))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("history status %d: %s", res.StatusCode, string(data))
	}
	page := decode[historyPage](t, data)
	if len(page.Items) != 1 || page.Items[0].Actor != owner || page.Items[0].Reason != "crew confirmed by phone" {
		t.Fatalf("unexpected history %+v", page)
	}
}

func TestTransitionRequiresPermission(t *testing.T) {
	s := newTestServer(t)
	createGala(t, s, "gala")

	res, data := doJSON(t, s, http.MethodPost, "/projects/gala/phase/transitions", TransitionRequest{
		TargetPhase: "staffing", Force: true, Reason: "x",
	}, asActor("stranger"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", res.StatusCode, string(data))
	}
	env := decode[errorEnvelope](t, data)
	if env.Error.Details["permission"] != config.PermPhaseTransition {
		t.Fatalf("unexpected details %+v", env.Error.Details)
	}

	res, data = doJSON(t, s, http.MethodPost, "/orgs/"+s.Engine.Config.Workspace.Org+"/rbac/roles/grant", RoleChangeRequest{
		ActorID: "stranger", RoleID: "producer",
	}, asActor(owner))
	if res.StatusCode != http.StatusNoContent && res.StatusCode != http.StatusOK {
		t.Fatalf("grant status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, s, http.MethodPost, "/projects/gala/phase/transitions", TransitionRequest{
		TargetPhase: "staffing", Force: true, Reason: "x",
	}, asActor("stranger"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("transition after grant status %d: %s", res.StatusCode, string(data))
	}
}

func TestUnknownProjectIsNotFound(t *testing.T) {
	s := newTestServer(t)
	res, data := doJSON(t, s, http.MethodGet, "/projects/missing/phase/evaluation", nil, asActor(owner))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", res.StatusCode, string(data))
	}
}

func TestBearerTokenPermissions(t *testing.T) {
	s := newTestServer(t)
	createGala(t, s, "gala")

	token, err := SignToken(testSecret, "robot", time.Hour, nil, []string{config.PermPhaseRead})
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	bearer := map[string]string{"Authorization": "Bearer " + token}
	res, data := doJSON(t, s, http.MethodGet, "/projects/gala/phase/evaluation", nil, bearer)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("evaluation status %d: %s", res.StatusCode, string(data))
	}
	ev := decode[EvaluationResponse](t, data)
	if ev.Result.CurrentPhase != "prep" || ev.Timezone.Name != "America/New_York" {
		t.Fatalf("unexpected evaluation %+v", ev)
	}

	res, _ = doJSON(t, s, http.MethodPut, "/projects/gala/phase/config", PhaseConfigRequest{}, bearer)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for config write, got %d", res.StatusCode)
	}

	res, data = doJSON(t, s, http.MethodGet, "/me", nil, bearer)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me status %d: %s", res.StatusCode, string(data))
	}
	me := decode[MeResponse](t, data)
	if me.ActorID != "robot" || me.Source != "jwt" || len(me.Permissions) != 1 {
		t.Fatalf("unexpected principal %+v", me)
	}

	wrong, _ := SignToken("other-secret", "robot", time.Hour, nil, nil)
	res, _ = doJSON(t, s, http.MethodGet, "/projects", nil, map[string]string{"Authorization": "Bearer " + wrong})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad signature, got %d", res.StatusCode)
	}
}

func TestAPIKeyLifecycle(t *testing.T) {
	s := newTestServer(t)

	res, data := doJSON(t, s, http.MethodPost, "/apikeys", CreateAPIKeyRequest{ActorID: "scheduler-bot", Name: "cron"}, asActor(owner))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create key status %d: %s", res.StatusCode, string(data))
	}
	key := decode[APIKeyResponse](t, data)
	if !strings.HasPrefix(key.Key, "cs_") {
		t.Fatalf("unexpected key %+v", key)
	}
	org := s.Engine.Config.Workspace.Org
	res, data = doJSON(t, s, http.MethodPost, "/orgs/"+org+"/rbac/roles/grant", RoleChangeRequest{
		ActorID: "scheduler-bot", RoleID: "scheduler",
	}, asActor(owner))
	if res.StatusCode >= 300 {
		t.Fatalf("grant status %d: %s", res.StatusCode, string(data))
	}

	withKey := map[string]string{"X-Api-Key": key.Key}
	res, data = doJSON(t, s, http.MethodPost, "/phase/evaluations", EvaluationRequest{DryRun: true}, withKey)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("evaluation via api key status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, s, http.MethodGet, "/apikeys?actor_id=scheduler-bot", nil, asActor(owner))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list keys status %d: %s", res.StatusCode, string(data))
	}
	listed := decode[[]APIKeyResponse](t, data)
	if len(listed) != 1 || listed[0].LastUsedAt == "" || listed[0].Key != "" {
		t.Fatalf("expected one used key without plaintext, got %+v", listed)
	}

	res, _ = doJSON(t, s, http.MethodDelete, "/apikeys/"+key.ID, nil, asActor(owner))
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("revoke status %d", res.StatusCode)
	}
	res, _ = doJSON(t, s, http.MethodGet, "/me", nil, withKey)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("revoked key still accepted: %d", res.StatusCode)
	}
}

func TestPhaseConfigRoundTrip(t *testing.T) {
	s := newTestServer(t)
	createGala(t, s, "gala")
	org := s.Engine.Config.Workspace.Org

	hour := 9
	res, data := doJSON(t, s, http.MethodPut, "/orgs/"+org+"/phase/config", PhaseConfigRequest{PostShowTransitionHour: &hour}, asActor(owner))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("org config status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, s, http.MethodGet, "/projects/gala/phase/config", nil, asActor(owner))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get config status %d: %s", res.StatusCode, string(data))
	}
	cfg := decode[domain.PhaseConfiguration](t, data)
	if cfg.PostShowTransitionHour != 9 || cfg.Sources["post_show_transition_hour"] != domain.SourceOrganization {
		t.Fatalf("org override not applied: %+v", cfg)
	}

	bad := 13
	res, data = doJSON(t, s, http.MethodPut, "/projects/gala/phase/config", PhaseConfigRequest{ArchiveMonth: &bad}, asActor(owner))
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", res.StatusCode, string(data))
	}
	env := decode[errorEnvelope](t, data)
	if env.Error.Details["field"] != "archive_month" {
		t.Fatalf("unexpected details %+v", env.Error.Details)
	}

	res, data = doJSON(t, s, http.MethodPut, "/projects/gala/phase/config", PhaseConfigRequest{Reset: true}, asActor(owner))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("reset status %d: %s", res.StatusCode, string(data))
	}
}

func TestBatchEvaluationAdvancesReadyProjects(t *testing.T) {
	s := newTestServer(t)
	createGala(t, s, "ready")
	createGala(t, s, "blocked")
	res, data := doJSON(t, s, http.MethodPost, "/projects/ready/readiness", engine.ReadinessBundle{
		TeamAssignments: []domain.TeamAssignment{{ID: "a1", UserID: "u1", Role: "crew", Confirmed: true}},
	}, asActor(owner))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("load readiness status %d: %s", res.StatusCode, string(data))
	}
	items := decode[engine.ActionItems](t, data)
	if !items.Validation.IsComplete {
		t.Fatalf("expected prep checklist complete, got %+v", items.Validation)
	}

	res, data = doJSON(t, s, http.MethodPost, "/phase/evaluations", EvaluationRequest{EnabledPhases: []string{"prep"}}, asActor(owner))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("evaluation status %d: %s", res.StatusCode, string(data))
	}
	summary := decode[evaluator.Summary](t, data)
	if summary.Evaluated != 2 || summary.Transitioned != 1 || summary.Unchanged != 1 || summary.Failed != 0 {
		t.Fatalf("unexpected summary %s", string(data))
	}

	phase, err := s.Engine.GetCurrentPhase(context.Background(), "ready")
	if err != nil || phase != domain.PhaseStaffing {
		t.Fatalf("ready project at %s (%v)", phase, err)
	}

	res, data = doJSON(t, s, http.MethodPost, "/phase/evaluations", EvaluationRequest{EnabledPhases: []string{"nope"}}, asActor(owner))
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown phase, got %d: %s", res.StatusCode, string(data))
	}
}

func TestScheduledTransitionsRejectsNegativeWindow(t *testing.T) {
	s := newTestServer(t)
	res, data := doJSON(t, s, http.MethodGet, "/phase/scheduled?hours_ahead=-1", nil, asActor(owner))
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, s, http.MethodGet, "/phase/scheduled", nil, asActor(owner))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("scheduled status %d: %s", res.StatusCode, string(data))
	}
}

func TestEvaluationsStayInCallerOrganization(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	createGala(t, s, "home")
	if err := s.Engine.Repo.EnsureOrg(ctx, nil, "rival", "Rival Productions", testNow.Format(time.RFC3339)); err != nil {
		t.Fatalf("seed org: %v", err)
	}
	tz := "America/New_York"
	rehearsal, show := domain.NewDate(2025, time.April, 1), domain.NewDate(2025, time.April, 5)
	if _, err := s.Engine.CreateProject(ctx, domain.ProjectInput{
		ID: "elsewhere", OrgID: "rival", Name: "Winter Revue", Timezone: &tz,
		RehearsalStartDate: &rehearsal, ShowStartDate: &show,
	}, "rival-producer"); err != nil {
		t.Fatalf("create rival project: %v", err)
	}
	if err := s.Engine.LoadReadiness(ctx, "elsewhere", engine.ReadinessBundle{
		TeamAssignments: []domain.TeamAssignment{{ID: "a1", UserID: "u1", Role: "crew", Confirmed: true}},
	}, "rival-producer"); err != nil {
		t.Fatalf("load rival readiness: %v", err)
	}

	res, data := doJSON(t, s, http.MethodPost, "/phase/evaluations", EvaluationRequest{}, asActor(owner))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("evaluation status %d: %s", res.StatusCode, string(data))
	}
	summary := decode[evaluator.Summary](t, data)
	if summary.Evaluated != 1 || summary.Transitioned != 0 {
		t.Fatalf("expected only the workspace project evaluated, got %s", string(data))
	}
	phase, err := s.Engine.GetCurrentPhase(ctx, "elsewhere")
	if err != nil || phase != domain.PhasePrep {
		t.Fatalf("rival project moved to %s (%v)", phase, err)
	}

	res, data = doJSON(t, s, http.MethodPost, "/phase/evaluations", EvaluationRequest{OrgID: "rival"}, asActor(owner))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for another organization, got %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, s, http.MethodGet, "/phase/scheduled?org_id=rival", nil, asActor(owner))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for another organization's schedule, got %d: %s", res.StatusCode, string(data))
	}
}

func TestEventsPagination(t *testing.T) {
	s := newTestServer(t)
	createGala(t, s, "one")
	createGala(t, s, "two")
	createGala(t, s, "three")

	res, data := doJSON(t, s, http.MethodGet, "/events?type=project.created&limit=2", nil, asActor(owner))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events status %d: %s", res.StatusCode, string(data))
	}
	page := decode[paginatedEvents](t, data)
	if len(page.Items) != 2 || page.NextCursor == "" {
		t.Fatalf("unexpected first page %+v", page)
	}
	res, data = doJSON(t, s, http.MethodGet, "/events?type=project.created&limit=2&cursor="+page.NextCursor, nil, asActor(owner))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events status %d: %s", res.StatusCode, string(data))
	}
	next := decode[paginatedEvents](t, data)
	if len(next.Items) != 1 || next.Items[0].EntityID != "one" || next.NextCursor != "" {
		t.Fatalf("unexpected second page %+v", next)
	}
}

func TestOpenAPIDocument(t *testing.T) {
	s := newTestServer(t)
	res, data := doJSON(t, s, http.MethodGet, "/openapi.json", nil, asActor(owner))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("openapi status %d", res.StatusCode)
	}
	doc := decode[map[string]any](t, data)
	paths, _ := doc["paths"].(map[string]any)
	if _, ok := paths["/v1/projects/{project_id}/phase/transitions"]; !ok {
		t.Fatalf("transition route missing from openapi paths")
	}
}

func TestWebhookDeliversTransitions(t *testing.T) {
	s := newTestServer(t)
	createGala(t, s, "gala")

	type delivery struct {
		body   []byte
		header http.Header
	}
	var mu sync.Mutex
	var got []delivery
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		got = append(got, delivery{body: body, header: r.Header.Clone()})
		mu.Unlock()
	}))
	defer hook.Close()

	d := NewWebhookDispatcher(s.Engine.Repo, []config.WebhookConfig{
		{URL: hook.URL, Secret: "shh", Events: []string{"phase.transitioned"}},
		{URL: hook.URL, Phases: []string{"pre_show"}},
		{URL: hook.URL, Projects: []string{"other"}},
	}, logging.Discard())
	ctx := context.Background()
	// First pass pins the cursors at the end of the outbox.
	d.DispatchAll(ctx)

	if _, err := s.Engine.ExecuteTransition(ctx, engine.ExecuteRequest{
		ProjectID: "gala", Target: domain.PhaseStaffing, Trigger: domain.TriggerManual,
		Actor: owner, Force: true, Reason: "test",
	}); err != nil {
		t.Fatalf("transition: %v", err)
	}
	d.DispatchAll(ctx)

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 {
		t.Fatalf("expected one delivery, got %d", len(got))
	}
	var n Notification
	if err := json.Unmarshal(got[0].body, &n); err != nil {
		t.Fatalf("decode notification: %v", err)
	}
	if n.Type != "phase.transitioned" || n.ProjectID != "gala" || n.Transition == nil {
		t.Fatalf("unexpected notification %+v", n)
	}
	if n.Transition.From != "prep" || n.Transition.To != "staffing" || !n.Transition.Forced {
		t.Fatalf("unexpected transition %+v", n.Transition)
	}
	h := got[0].header
	if h.Get("X-Callsheet-Project") != "gala" || h.Get("X-Callsheet-Event") != "phase.transitioned" {
		t.Fatalf("unexpected headers %v", h)
	}
	if h.Get("X-Callsheet-Signature") != Sign("shh", got[0].body) {
		t.Fatalf("signature mismatch: %q", h.Get("X-Callsheet-Signature"))
	}
}
