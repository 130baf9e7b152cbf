// Package evaluator drives automatic phase transitions across projects. Each
// project is an isolated unit of work: its failure is recorded in the run
// summary and never stops the batch, except when storage itself is gone.
package evaluator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"callsheet/internal/config"
	"callsheet/internal/domain"
	"callsheet/internal/engine"
)

// PhaseEngine is the part of engine.Engine the evaluator drives.
type PhaseEngine interface {
	Inspect(ctx context.Context, projectID string) (engine.Evaluation, error)
	ExecuteTransition(ctx context.Context, req engine.ExecuteRequest) (engine.ExecuteResult, error)
}

// ProjectLister returns the projects eligible for automatic evaluation.
type ProjectLister interface {
	Candidates(ctx context.Context, f engine.CandidateFilter) ([]domain.ProjectPhaseState, error)
}

type Evaluator struct {
	Engine   PhaseEngine
	Projects ProjectLister
	// Health is consulted after a persistence failure. An error aborts the run.
	Health         func(ctx context.Context) error
	Workers        int
	ProjectTimeout time.Duration
	Logger         *slog.Logger
	Now            func() time.Time
}

// New wires an evaluator to eng with pool settings from cfg.
func New(eng engine.Engine, cfg config.Evaluator, logger *slog.Logger) Evaluator {
	return Evaluator{
		Engine:         eng,
		Projects:       eng,
		Health:         eng.Repo.Ping,
		Workers:        cfg.WorkerCount(),
		ProjectTimeout: cfg.Timeout(),
		Logger:         logger,
		Now:            eng.Now,
	}
}

func (e Evaluator) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

func (e Evaluator) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Evaluator) workers() int {
	if e.Workers <= 0 {
		return 1
	}
	return e.Workers
}

func (e Evaluator) timeout() time.Duration {
	if e.ProjectTimeout <= 0 {
		return 30 * time.Second
	}
	return e.ProjectTimeout
}

type Options struct {
	DryRun bool `json:"dry_run"`
	// EnabledPhases restricts the run to projects currently in these phases.
	EnabledPhases []domain.Phase `json:"enabled_phases,omitempty"`
	OrgID         string         `json:"org_id,omitempty"`
}

type Status string

const (
	StatusTransitioned    Status = "transitioned"
	StatusUnchanged       Status = "unchanged"
	StatusWouldTransition Status = "would_transition"
	StatusFailed          Status = "failed"
)

type ProjectOutcome struct {
	ProjectID string       `json:"project_id"`
	Status    Status       `json:"status"`
	From      domain.Phase `json:"from,omitempty"`
	To        domain.Phase `json:"to,omitempty"`
	ErrorCode string       `json:"error_code,omitempty"`
	Error     string       `json:"error,omitempty"`
}

type ProjectError struct {
	ProjectID string `json:"project_id"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

type Summary struct {
	StartedAt       time.Time        `json:"started_at"`
	FinishedAt      time.Time        `json:"finished_at"`
	DryRun          bool             `json:"dry_run"`
	Evaluated       int              `json:"evaluated"`
	Transitioned    int              `json:"transitioned"`
	WouldTransition int              `json:"would_transition"`
	Unchanged       int              `json:"unchanged"`
	Failed          int              `json:"failed"`
	Errors          []ProjectError   `json:"errors"`
	Outcomes        []ProjectOutcome `json:"outcomes"`
	// Cancelled is set when the caller stopped the run before every project started.
	Cancelled bool `json:"cancelled"`
	// Aborted is set when storage became unreachable mid-run.
	Aborted bool `json:"aborted"`
}

// EvaluateAllProjects evaluates every eligible project and, unless DryRun,
// executes due transitions as the system actor.
func (e Evaluator) EvaluateAllProjects(ctx context.Context, opts Options) (Summary, error) {
	sum := Summary{StartedAt: e.now(), DryRun: opts.DryRun, Errors: []ProjectError{}, Outcomes: []ProjectOutcome{}}
	for _, ph := range opts.EnabledPhases {
		if !ph.IsValid() {
			return sum, &domain.ValidationError{Field: "enabled_phases", Message: fmt.Sprintf("unknown phase %q", ph)}
		}
	}
	states, err := e.Projects.Candidates(ctx, engine.CandidateFilter{OrgID: opts.OrgID, Phases: opts.EnabledPhases})
	if err != nil {
		return sum, e.classifyStorage(ctx, err)
	}

	outcomes := make([]*ProjectOutcome, len(states))
	var aborted atomic.Bool
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers())
	for i, st := range states {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			out := e.runUnit(gctx, st, opts)
			outcomes[i] = &out
			if out.ErrorCode == domain.CodePersistence && e.storageDown(ctx) {
				aborted.Store(true)
				return domain.ErrStorageUnavailable
			}
			return nil
		})
	}
	_ = g.Wait()

	for _, out := range outcomes {
		if out == nil {
			continue
		}
		sum.Evaluated++
		sum.Outcomes = append(sum.Outcomes, *out)
		switch out.Status {
		case StatusTransitioned:
			sum.Transitioned++
		case StatusWouldTransition:
			sum.WouldTransition++
		case StatusUnchanged:
			sum.Unchanged++
		case StatusFailed:
			sum.Failed++
			sum.Errors = append(sum.Errors, ProjectError{ProjectID: out.ProjectID, Code: out.ErrorCode, Message: out.Error})
		}
	}
	sum.FinishedAt = e.now()
	sum.Aborted = aborted.Load()
	sum.Cancelled = ctx.Err() != nil && sum.Evaluated < len(states)

	log := e.logger().With(
		"evaluated", sum.Evaluated,
		"transitioned", sum.Transitioned,
		"would_transition", sum.WouldTransition,
		"unchanged", sum.Unchanged,
		"failed", sum.Failed,
		"dry_run", sum.DryRun,
	)
	switch {
	case sum.Aborted:
		log.Error("evaluation run aborted: storage unavailable")
		return sum, fmt.Errorf("evaluation run aborted after %d projects: %w", sum.Evaluated, domain.ErrStorageUnavailable)
	case sum.Cancelled:
		log.Warn("evaluation run cancelled")
		return sum, ctx.Err()
	}
	log.Info("evaluation run finished")
	return sum, nil
}

// completionGrace is how long runUnit waits past the deadline for a unit that
// is already finishing. A unit that committed at the deadline is counted as
// done, not as a timeout.
const completionGrace = 50 * time.Millisecond

// runUnit evaluates one project under its own deadline. The unit is detached
// from caller cancellation: once started it runs to completion or timeout.
func (e Evaluator) runUnit(parent context.Context, st domain.ProjectPhaseState, opts Options) ProjectOutcome {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), e.timeout())
	defer cancel()

	done := make(chan ProjectOutcome, 1)
	go func() { done <- e.evaluateOne(ctx, st, opts) }()
	select {
	case out := <-done:
		return out
	case <-ctx.Done():
	}
	grace := time.NewTimer(completionGrace)
	defer grace.Stop()
	select {
	case out := <-done:
		if out.Status != StatusFailed {
			return out
		}
	case <-grace.C:
	}
	e.logger().Warn("project evaluation timed out", "project_id", st.ProjectID, "timeout", e.timeout())
	return failed(st.ProjectID, st.CurrentPhase, fmt.Errorf("%w after %s", domain.ErrTimeout, e.timeout()))
}

func (e Evaluator) evaluateOne(ctx context.Context, st domain.ProjectPhaseState, opts Options) ProjectOutcome {
	ev, err := e.Engine.Inspect(ctx, st.ProjectID)
	if err != nil {
		return failed(st.ProjectID, st.CurrentPhase, err)
	}
	out := ProjectOutcome{ProjectID: st.ProjectID, From: ev.State.CurrentPhase, Status: StatusUnchanged}
	res := ev.Result
	if !res.CanTransition || res.TargetPhase == nil {
		return out
	}
	out.To = *res.TargetPhase
	if opts.DryRun {
		out.Status = StatusWouldTransition
		return out
	}
	version := res.Version
	exec, err := e.Engine.ExecuteTransition(ctx, engine.ExecuteRequest{
		ProjectID:       st.ProjectID,
		Target:          *res.TargetPhase,
		Trigger:         domain.TriggerAutomatic,
		Actor:           domain.SystemActor,
		Reason:          "automatic evaluation",
		ExpectedVersion: &version,
	})
	if err != nil {
		return failed(st.ProjectID, out.From, err)
	}
	if !exec.NoOp {
		out.Status = StatusTransitioned
	}
	return out
}

func failed(projectID string, from domain.Phase, err error) ProjectOutcome {
	return ProjectOutcome{
		ProjectID: projectID,
		Status:    StatusFailed,
		From:      from,
		ErrorCode: domain.ErrorCode(err),
		Error:     err.Error(),
	}
}

func (e Evaluator) storageDown(ctx context.Context) bool {
	if e.Health == nil {
		return false
	}
	hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.timeout())
	defer cancel()
	if err := e.Health(hctx); err != nil {
		e.logger().Error("storage health check failed", "err", err)
		return true
	}
	return false
}

func (e Evaluator) classifyStorage(ctx context.Context, err error) error {
	if domain.ErrorCode(err) == domain.CodePersistence && e.storageDown(ctx) {
		return fmt.Errorf("%w: %v", domain.ErrStorageUnavailable, err)
	}
	return err
}

// ProjectEvaluation is the on-demand single-project view.
type ProjectEvaluation struct {
	engine.Evaluation
	EvaluatedAt time.Time `json:"evaluated_at"`
}

// EvaluateProject returns the decision for one project without executing it.
func (e Evaluator) EvaluateProject(ctx context.Context, projectID string) (ProjectEvaluation, error) {
	ev, err := e.Engine.Inspect(ctx, projectID)
	if err != nil {
		return ProjectEvaluation{}, err
	}
	return ProjectEvaluation{Evaluation: ev, EvaluatedAt: e.now()}, nil
}

type ScheduledTransition struct {
	ProjectID   string       `json:"project_id"`
	From        domain.Phase `json:"from"`
	To          domain.Phase `json:"to"`
	ScheduledAt time.Time    `json:"scheduled_at"`
	CriteriaMet bool         `json:"criteria_met"`
	Timezone    string       `json:"timezone"`
}

// DefaultLookahead is used when no lookahead is given.
const DefaultLookahead = 24

// GetScheduledTransitions lists time gates opening within hoursAhead hours,
// soonest first. An empty orgID lists every organization. Projects that fail
// to evaluate are logged and skipped.
func (e Evaluator) GetScheduledTransitions(ctx context.Context, orgID string, hoursAhead int) ([]ScheduledTransition, error) {
	if hoursAhead < 0 {
		return nil, &domain.ValidationError{Field: "hours_ahead", Message: "must not be negative"}
	}
	if hoursAhead == 0 {
		hoursAhead = DefaultLookahead
	}
	states, err := e.Projects.Candidates(ctx, engine.CandidateFilter{OrgID: orgID})
	if err != nil {
		return nil, e.classifyStorage(ctx, err)
	}
	now := e.now()
	until := now.Add(time.Duration(hoursAhead) * time.Hour)
	out := []ScheduledTransition{}
	for _, st := range states {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		ev, err := e.Engine.Inspect(ctx, st.ProjectID)
		if err != nil {
			if errors.Is(err, domain.ErrStorageUnavailable) {
				return nil, err
			}
			e.logger().Warn("skipping project in schedule", "project_id", st.ProjectID, "err", err)
			continue
		}
		res := ev.Result
		if res.ScheduledAt == nil || res.TargetPhase == nil {
			continue
		}
		if res.ScheduledAt.Before(now) || res.ScheduledAt.After(until) {
			continue
		}
		out = append(out, ScheduledTransition{
			ProjectID:   st.ProjectID,
			From:        res.CurrentPhase,
			To:          *res.TargetPhase,
			ScheduledAt: *res.ScheduledAt,
			CriteriaMet: res.CriteriaMet,
			Timezone:    res.Timezone,
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].ScheduledAt.Equal(out[j].ScheduledAt) {
			return out[i].ScheduledAt.Before(out[j].ScheduledAt)
		}
		return out[i].ProjectID < out[j].ProjectID
	})
	return out, nil
}

// Run evaluates all projects immediately and then every interval until ctx
// is done. Failed runs are logged; the loop keeps going.
func (e Evaluator) Run(ctx context.Context, interval time.Duration, opts Options) error {
	if interval <= 0 {
		return &domain.ValidationError{Field: "interval", Message: "must be positive"}
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := e.EvaluateAllProjects(ctx, opts); err != nil && ctx.Err() == nil {
			e.logger().Error("scheduled evaluation failed", "err", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
