package evaluator

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"callsheet/internal/config"
	"callsheet/internal/db"
	"callsheet/internal/domain"
	"callsheet/internal/engine"
	"callsheet/internal/logging"
	"callsheet/internal/migrate"
)

var testNow = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

func newEngine(t *testing.T) (engine.Engine, context.Context) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	cfg := config.Default()
	eng := engine.New(conn, cfg, logging.Discard()).WithClock(func() time.Time { return testNow })
	ctx := context.Background()
	require.NoError(t, eng.Repo.EnsureOrg(ctx, nil, cfg.Workspace.Org, "", testNow.Format(time.RFC3339)))
	return eng, ctx
}

func datePtr(y int, m time.Month, d int) *domain.Date {
	v := domain.NewDate(y, m, d)
	return &v
}

// seedReady creates a project whose Prep -> Staffing transition is due.
func seedReady(t *testing.T, eng engine.Engine, ctx context.Context, id string) {
	t.Helper()
	tz := "UTC"
	_, err := eng.CreateProject(ctx, domain.ProjectInput{
		ID: id, Name: "Show " + id, Venue: "Hall", Timezone: &tz,
		RehearsalStartDate: datePtr(2025, time.April, 1),
		ShowStartDate:      datePtr(2025, time.April, 10),
	}, "producer")
	require.NoError(t, err)
	require.NoError(t, eng.Repo.InsertTeamAssignment(ctx, nil, domain.TeamAssignment{
		ID: id + "-a", ProjectID: id, UserID: "u", Role: "crew", Confirmed: true,
	}))
}

func newEvaluator(eng PhaseEngine, lister ProjectLister) Evaluator {
	return Evaluator{
		Engine:         eng,
		Projects:       lister,
		Health:         func(context.Context) error { return nil },
		Workers:        4,
		ProjectTimeout: 5 * time.Second,
		Logger:         logging.Discard(),
		Now:            func() time.Time { return testNow },
	}
}

// flakyEngine fails execution for selected projects with a storage error.
type flakyEngine struct {
	engine.Engine
	fail map[string]bool
}

func (f flakyEngine) ExecuteTransition(ctx context.Context, req engine.ExecuteRequest) (engine.ExecuteResult, error) {
	if f.fail[req.ProjectID] {
		return engine.ExecuteResult{}, &domain.PersistenceError{Op: "write phase", Err: errors.New("disk I/O error")}
	}
	return f.Engine.ExecuteTransition(ctx, req)
}

func TestEvaluateAllProjects_IsolatesPersistenceFailures(t *testing.T) {
	eng, ctx := newEngine(t)
	fail := map[string]bool{}
	for i := 0; i < 50; i++ {
		id := fmt.Sprintf("p%02d", i)
		seedReady(t, eng, ctx, id)
		if i%17 == 3 {
			fail[id] = true
		}
	}
	require.Len(t, fail, 3)

	ev := newEvaluator(flakyEngine{Engine: eng, fail: fail}, eng)
	sum, err := ev.EvaluateAllProjects(ctx, Options{})
	require.NoError(t, err)

	assert.Equal(t, 50, sum.Evaluated)
	assert.Equal(t, 47, sum.Transitioned)
	assert.Equal(t, 3, sum.Failed)
	assert.False(t, sum.Aborted)
	require.Len(t, sum.Errors, 3)
	for _, e := range sum.Errors {
		assert.True(t, fail[e.ProjectID], e.ProjectID)
		assert.Equal(t, domain.CodePersistence, e.Code)
	}
	for id := range fail {
		phase, err := eng.GetCurrentPhase(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, domain.PhasePrep, phase)
	}
}

func TestEvaluateAllProjects_DryRunWritesNothing(t *testing.T) {
	eng, ctx := newEngine(t)
	seedReady(t, eng, ctx, "ready")
	_, err := eng.CreateProject(ctx, domain.ProjectInput{ID: "bare", Name: "Bare"}, "producer")
	require.NoError(t, err)

	sum, err := newEvaluator(eng, eng).EvaluateAllProjects(ctx, Options{DryRun: true})
	require.NoError(t, err)

	assert.Equal(t, 2, sum.Evaluated)
	assert.Equal(t, 1, sum.WouldTransition)
	assert.Equal(t, 1, sum.Unchanged)
	assert.Zero(t, sum.Transitioned)
	phase, err := eng.GetCurrentPhase(ctx, "ready")
	require.NoError(t, err)
	assert.Equal(t, domain.PhasePrep, phase)
}

func TestEvaluateAllProjects_EnabledPhasesFilter(t *testing.T) {
	eng, ctx := newEngine(t)
	seedReady(t, eng, ctx, "a")
	seedReady(t, eng, ctx, "b")
	_, err := eng.ExecuteTransition(ctx, engine.ExecuteRequest{
		ProjectID: "b", Target: domain.PhaseComplete, Actor: "producer", Reason: "wrap", Force: true,
	})
	require.NoError(t, err)

	sum, err := newEvaluator(eng, eng).EvaluateAllProjects(ctx, Options{EnabledPhases: []domain.Phase{domain.PhasePrep}})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Evaluated)
	require.Len(t, sum.Outcomes, 1)
	assert.Equal(t, "a", sum.Outcomes[0].ProjectID)
	assert.Equal(t, StatusTransitioned, sum.Outcomes[0].Status)
	assert.Equal(t, domain.PhaseStaffing, sum.Outcomes[0].To)

	_, err = newEvaluator(eng, eng).EvaluateAllProjects(ctx, Options{EnabledPhases: []domain.Phase{"intermission"}})
	var ve *domain.ValidationError
	assert.ErrorAs(t, err, &ve)
}

func TestEvaluateAllProjects_SecondRunAdvancesOneStepOnly(t *testing.T) {
	eng, ctx := newEngine(t)
	seedReady(t, eng, ctx, "p1")

	ev := newEvaluator(eng, eng)
	_, err := ev.EvaluateAllProjects(ctx, Options{})
	require.NoError(t, err)
	sum, err := ev.EvaluateAllProjects(ctx, Options{})
	require.NoError(t, err)

	// Staffing has no requirements defined, so it may advance once more.
	phase, err := eng.GetCurrentPhase(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, domain.PhasePreShow, phase)
	assert.Equal(t, 1, sum.Transitioned)

	seq, err := eng.Events.Sequence(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, seq, 2)
	for _, rec := range seq {
		assert.Equal(t, rec.FromPhase.Index()+1, rec.ToPhase.Index())
		assert.Equal(t, domain.SystemActor, rec.Actor)
	}
}

// stubEngine serves canned evaluations keyed by project id.
type stubEngine struct {
	inspect func(ctx context.Context, id string) (engine.Evaluation, error)
	execute func(ctx context.Context, req engine.ExecuteRequest) (engine.ExecuteResult, error)
}

func (s stubEngine) Inspect(ctx context.Context, id string) (engine.Evaluation, error) {
	return s.inspect(ctx, id)
}

func (s stubEngine) ExecuteTransition(ctx context.Context, req engine.ExecuteRequest) (engine.ExecuteResult, error) {
	if s.execute != nil {
		return s.execute(ctx, req)
	}
	return engine.ExecuteResult{ProjectID: req.ProjectID, Current: req.Target}, nil
}

type stubLister struct {
	ids   []string
	calls atomic.Int32
}

func (s *stubLister) Candidates(context.Context, engine.CandidateFilter) ([]domain.ProjectPhaseState, error) {
	s.calls.Add(1)
	out := make([]domain.ProjectPhaseState, 0, len(s.ids))
	for _, id := range s.ids {
		out = append(out, domain.ProjectPhaseState{ProjectID: id, CurrentPhase: domain.PhasePrep})
	}
	return out, nil
}

func unchanged(id string) engine.Evaluation {
	return engine.Evaluation{
		State:  domain.ProjectPhaseState{ProjectID: id, CurrentPhase: domain.PhasePrep},
		Result: domain.TransitionResult{ProjectID: id, CurrentPhase: domain.PhasePrep},
	}
}

func TestEvaluateAllProjects_TimeoutIsPerProject(t *testing.T) {
	eng := stubEngine{inspect: func(ctx context.Context, id string) (engine.Evaluation, error) {
		if id == "slow" {
			time.Sleep(500 * time.Millisecond)
		}
		return unchanged(id), nil
	}}
	ev := newEvaluator(eng, &stubLister{ids: []string{"a", "slow", "b"}})
	ev.ProjectTimeout = 20 * time.Millisecond

	sum, err := ev.EvaluateAllProjects(context.Background(), Options{})
	require.NoError(t, err)
	assert.Equal(t, 3, sum.Evaluated)
	assert.Equal(t, 2, sum.Unchanged)
	require.Len(t, sum.Errors, 1)
	assert.Equal(t, "slow", sum.Errors[0].ProjectID)
	assert.Equal(t, domain.CodeTimeout, sum.Errors[0].Code)
}

func TestEvaluateAllProjects_CommitAtDeadlineCountsAsTransitioned(t *testing.T) {
	staffing := domain.PhaseStaffing
	eng := stubEngine{
		inspect: func(ctx context.Context, id string) (engine.Evaluation, error) {
			ev := unchanged(id)
			ev.Result.CanTransition = true
			ev.Result.TargetPhase = &staffing
			return ev, nil
		},
		// The write completes only once the unit's deadline has fired.
		execute: func(ctx context.Context, req engine.ExecuteRequest) (engine.ExecuteResult, error) {
			<-ctx.Done()
			return engine.ExecuteResult{ProjectID: req.ProjectID, Previous: domain.PhasePrep, Current: req.Target}, nil
		},
	}
	ev := newEvaluator(eng, &stubLister{ids: []string{"edge"}})
	ev.ProjectTimeout = 10 * time.Millisecond

	sum, err := ev.EvaluateAllProjects(context.Background(), Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Transitioned)
	assert.Equal(t, 0, sum.Failed)
	assert.Empty(t, sum.Errors)
}

func TestEvaluateAllProjects_CancelledBeforeStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	eng := stubEngine{inspect: func(_ context.Context, id string) (engine.Evaluation, error) { return unchanged(id), nil }}

	sum, err := newEvaluator(eng, &stubLister{ids: []string{"a", "b"}}).EvaluateAllProjects(ctx, Options{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, sum.Cancelled)
	assert.Zero(t, sum.Evaluated)
}

func TestEvaluateAllProjects_CancellationDoesNotInterruptStartedUnit(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var started atomic.Int32
	eng := stubEngine{inspect: func(uctx context.Context, id string) (engine.Evaluation, error) {
		started.Add(1)
		cancel()
		time.Sleep(10 * time.Millisecond)
		if err := uctx.Err(); err != nil {
			return engine.Evaluation{}, err
		}
		return unchanged(id), nil
	}}
	ev := newEvaluator(eng, &stubLister{ids: []string{"a", "b", "c"}})
	ev.Workers = 1

	sum, err := ev.EvaluateAllProjects(ctx, Options{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int32(1), started.Load())
	assert.Equal(t, 1, sum.Evaluated)
	assert.Equal(t, 1, sum.Unchanged)
	assert.True(t, sum.Cancelled)
}

func TestEvaluateAllProjects_AbortsWhenStorageUnreachable(t *testing.T) {
	eng := stubEngine{inspect: func(context.Context, string) (engine.Evaluation, error) {
		return engine.Evaluation{}, &domain.PersistenceError{Op: "get phase state", Err: errors.New("database is locked")}
	}}
	ev := newEvaluator(eng, &stubLister{ids: []string{"a", "b", "c", "d"}})
	ev.Workers = 1
	ev.Health = func(context.Context) error { return errors.New("connection refused") }

	sum, err := ev.EvaluateAllProjects(context.Background(), Options{})
	assert.ErrorIs(t, err, domain.ErrStorageUnavailable)
	assert.True(t, sum.Aborted)
	assert.Equal(t, 1, sum.Evaluated)
	assert.Equal(t, 1, sum.Failed)
}

func TestGetScheduledTransitions(t *testing.T) {
	eng, ctx := newEngine(t)
	tz := "UTC"
	for id, end := range map[string]*domain.Date{
		"soon":  datePtr(2025, time.March, 10),
		"later": datePtr(2025, time.March, 20),
	} {
		_, err := eng.CreateProject(ctx, domain.ProjectInput{ID: id, Name: id, Timezone: &tz, ShowEndDate: end}, "producer")
		require.NoError(t, err)
		_, err = eng.ExecuteTransition(ctx, engine.ExecuteRequest{
			ProjectID: id, Target: domain.PhaseActive, Actor: "producer", Reason: "opening night", Force: true,
		})
		require.NoError(t, err)
	}

	ev := newEvaluator(eng, eng)
	list, err := ev.GetScheduledTransitions(ctx, "", 24)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "soon", list[0].ProjectID)
	assert.Equal(t, domain.PhasePostShow, list[0].To)
	assert.True(t, list[0].ScheduledAt.Equal(time.Date(2025, 3, 11, 6, 0, 0, 0, time.UTC)))

	list, err = ev.GetScheduledTransitions(ctx, "", 24*14)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "later", list[1].ProjectID)

	list, err = ev.GetScheduledTransitions(ctx, "other-org", 24*14)
	require.NoError(t, err)
	assert.Empty(t, list)

	_, err = ev.GetScheduledTransitions(ctx, "", -1)
	var ve *domain.ValidationError
	assert.ErrorAs(t, err, &ve)
}

func TestEvaluateProject(t *testing.T) {
	eng, ctx := newEngine(t)
	seedReady(t, eng, ctx, "p1")

	got, err := newEvaluator(eng, eng).EvaluateProject(ctx, "p1")
	require.NoError(t, err)
	assert.True(t, got.Result.CanTransition)
	assert.Equal(t, "UTC", got.Timezone.Name)
	assert.Equal(t, domain.SourceProject, got.Timezone.Source)
	assert.Equal(t, testNow, got.EvaluatedAt)

	_, err = newEvaluator(eng, eng).EvaluateProject(ctx, "nope")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRunEvaluatesUntilCancelled(t *testing.T) {
	lister := &stubLister{}
	eng := stubEngine{inspect: func(_ context.Context, id string) (engine.Evaluation, error) { return unchanged(id), nil }}
	ev := newEvaluator(eng, lister)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	err := ev.Run(ctx, 10*time.Millisecond, Options{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.GreaterOrEqual(t, lister.calls.Load(), int32(2))

	assert.Error(t, ev.Run(context.Background(), 0, Options{}))
}

func TestNewUsesConfig(t *testing.T) {
	eng, _ := newEngine(t)
	ev := New(eng, config.Evaluator{Workers: 3}, nil)
	assert.Equal(t, 3, ev.Workers)
	assert.Equal(t, 30*time.Second, ev.ProjectTimeout)
	require.NotNil(t, ev.Health)
}
