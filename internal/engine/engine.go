package engine

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"callsheet/internal/config"
	"callsheet/internal/criteria"
	"callsheet/internal/domain"
	"callsheet/internal/engine/auth"
	"callsheet/internal/events"
	"callsheet/internal/repo"
	"callsheet/internal/settings"
	"callsheet/internal/tz"
)

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Auth     auth.Service
	Settings settings.Provider
	TZ       tz.Service
	Config   *config.Config
	Logger   *slog.Logger
	Now      func() time.Time
}

func New(db *sql.DB, cfg *config.Config, logger *slog.Logger) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := repo.Repo{DB: db}
	w := events.Writer{DB: db}
	return Engine{
		DB:     db,
		Repo:   r,
		Events: w,
		Auth:   auth.Service{DB: db},
		Settings: settings.Provider{
			DB:       db,
			Repo:     r,
			Events:   w,
			Defaults: settings.DefaultsFrom(cfg.Phase),
		},
		TZ:     tz.Service{Logger: logger},
		Config: cfg,
		Logger: logger,
		Now:    time.Now,
	}
}

// WithClock returns a copy of e whose components all read time from now.
func (e Engine) WithClock(now func() time.Time) Engine {
	e.Now = now
	e.Events.Now = now
	e.Settings.Now = now
	e.Settings.Events.Now = now
	return e
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

// GetCurrentPhase returns the stored phase of a project.
func (e Engine) GetCurrentPhase(ctx context.Context, projectID string) (domain.Phase, error) {
	st, err := e.GetState(ctx, projectID)
	if err != nil {
		return "", err
	}
	return st.CurrentPhase, nil
}

func (e Engine) GetState(ctx context.Context, projectID string) (domain.ProjectPhaseState, error) {
	if strings.TrimSpace(projectID) == "" {
		return domain.ProjectPhaseState{}, &domain.ValidationError{Field: "project_id", Message: "project id is required"}
	}
	st, err := e.Repo.GetPhaseState(ctx, projectID, e.Settings.AutoDefault())
	return st, domain.Persistence("get phase state", err)
}

// Evaluation is a decision plus everything it was derived from.
type Evaluation struct {
	State    domain.ProjectPhaseState  `json:"state"`
	Config   domain.PhaseConfiguration `json:"config"`
	Timezone TimezoneInfo              `json:"timezone"`
	Criteria domain.ValidationResult   `json:"criteria"`
	Result   domain.TransitionResult   `json:"result"`
}

type TimezoneInfo struct {
	Name    string              `json:"name"`
	Source  domain.ConfigSource `json:"source"`
	Warning string              `json:"warning,omitempty"`
}

// EvaluateTransition decides whether the project may advance to its successor.
// It never writes.
func (e Engine) EvaluateTransition(ctx context.Context, projectID string) (domain.TransitionResult, error) {
	ev, err := e.Inspect(ctx, projectID)
	if err != nil {
		return domain.TransitionResult{}, err
	}
	return ev.Result, nil
}

// Inspect is EvaluateTransition with diagnostics.
func (e Engine) Inspect(ctx context.Context, projectID string) (Evaluation, error) {
	st, err := e.GetState(ctx, projectID)
	if err != nil {
		return Evaluation{}, err
	}
	return e.evaluate(ctx, st)
}

func (e Engine) evaluate(ctx context.Context, st domain.ProjectPhaseState) (Evaluation, error) {
	cfg, zones, err := e.Settings.ResolveWithZones(ctx, st.OrgID, st.ProjectID)
	if err != nil {
		return Evaluation{}, err
	}
	res := e.TZ.ResolveTimezone(st.ProjectID, st.Timezone, zones.Inherited)
	in, err := e.Repo.ReadinessSnapshot(ctx, st.ProjectID)
	if err != nil {
		return Evaluation{}, domain.Persistence("read readiness", err)
	}
	if err := ctx.Err(); err != nil {
		return Evaluation{}, err
	}
	v := criteria.ForTransition(st.CurrentPhase, in)
	ev := Evaluation{
		State:    st,
		Config:   cfg,
		Timezone: TimezoneInfo{Name: res.Name, Source: res.Source},
		Criteria: v,
		Result:   Decide(st, cfg, res, v, e.now()),
	}
	if res.Warning != nil {
		ev.Timezone.Warning = res.Warning.Error()
	}
	return ev, nil
}

// Decide combines exit criteria and the time gate into a decision.
func Decide(st domain.ProjectPhaseState, cfg domain.PhaseConfiguration, res tz.Resolution, v domain.ValidationResult, now time.Time) domain.TransitionResult {
	out := domain.TransitionResult{
		ProjectID:    st.ProjectID,
		CurrentPhase: st.CurrentPhase,
		Blockers:     append([]domain.CriteriaItem{}, v.Blockers...),
		CriteriaMet:  v.IsComplete,
		Timezone:     res.Name,
		Version:      st.PhaseUpdatedAt,
	}
	if res.Warning != nil {
		out.TimezoneWarning = res.Warning.Error()
	}
	next, ok := st.CurrentPhase.Next()
	if !ok {
		out.CriteriaMet = false
		return out
	}
	out.TargetPhase = &next

	gate := Gate(st, cfg, res.Location, now)
	switch {
	case gate.Missing != nil:
		out.Blockers = appendUnique(out.Blockers, *gate.Missing)
	case gate.Applies:
		at := gate.At.UTC()
		out.ScheduledAt = &at
		out.TimeGateMet = gate.Due
		if !gate.Due {
			out.Blockers = appendUnique(out.Blockers, domain.CriteriaItem{
				Key:    KeyTimeGate,
				Label:  "Transition not due yet",
				Detail: "due at " + gate.At.Format(time.RFC3339),
			})
		}
	default:
		out.TimeGateMet = true
	}
	out.CanTransition = out.CriteriaMet && out.TimeGateMet
	return out
}

// KeyTimeGate marks a blocker raised by an unelapsed time gate.
const KeyTimeGate = "time_gate"

// GateStatus describes the time gate for leaving the current phase.
type GateStatus struct {
	Applies bool
	At      time.Time
	Due     bool
	// Missing is set when the gate applies but its date is unknown.
	Missing *domain.CriteriaItem
}

// Gate computes the time gate for leaving st.CurrentPhase:
//
//	PreShow -> Active:    local midnight of the rehearsal start date
//	Active -> PostShow:   PostShowTransitionHour local, the day after show end
//	Complete -> Archived: archive month/day local midnight, once the governing
//	                      date lies in a prior year
func Gate(st domain.ProjectPhaseState, cfg domain.PhaseConfiguration, loc *time.Location, now time.Time) GateStatus {
	if loc == nil {
		loc = time.UTC
	}
	switch st.CurrentPhase {
	case domain.PhasePreShow:
		if st.RehearsalStartDate == nil {
			return GateStatus{Applies: true, Missing: &domain.CriteriaItem{Key: "rehearsal_start_date", Label: "Rehearsal start date is not set"}}
		}
		return due(tz.ComputeGateInstant(*st.RehearsalStartDate, tz.Midnight, loc), now)
	case domain.PhaseActive:
		if st.ShowEndDate == nil {
			return GateStatus{Applies: true, Missing: &domain.CriteriaItem{Key: criteria.KeyShowEndDate, Label: "Show end date recorded"}}
		}
		wall := tz.WallClock{Hour: cfg.PostShowTransitionHour}
		return due(tz.ComputeGateInstant(st.ShowEndDate.AddDays(1), wall, loc), now)
	case domain.PhaseComplete:
		governing := GoverningDate(st, loc)
		year := tz.LocalDate(now, loc).Year
		if year <= governing.Year {
			// Never in the governing year: the earliest chance is next year.
			gate := tz.ComputeGateInstant(cfg.ArchiveDate(governing.Year+1), tz.Midnight, loc)
			return GateStatus{Applies: true, At: gate}
		}
		return due(tz.ComputeGateInstant(cfg.ArchiveDate(year), tz.Midnight, loc), now)
	default:
		return GateStatus{}
	}
}

// GoverningDate is the date the archive rule compares against: show end,
// else rehearsal start, else the local date the project entered its phase.
func GoverningDate(st domain.ProjectPhaseState, loc *time.Location) domain.Date {
	switch {
	case st.ShowEndDate != nil:
		return *st.ShowEndDate
	case st.RehearsalStartDate != nil:
		return *st.RehearsalStartDate
	default:
		return tz.LocalDate(st.PhaseUpdatedAt, loc)
	}
}

func due(at, now time.Time) GateStatus {
	return GateStatus{Applies: true, At: at, Due: tz.IsDue(at, now)}
}

func appendUnique(items []domain.CriteriaItem, item domain.CriteriaItem) []domain.CriteriaItem {
	for _, it := range items {
		if it.Key == item.Key {
			return items
		}
	}
	return append(items, item)
}

// ExecuteRequest asks for a phase change.
type ExecuteRequest struct {
	ProjectID string
	Target    domain.Phase
	Trigger   domain.Trigger
	Actor     string
	Reason    string
	// Force is honored for manual transitions only.
	Force bool
	// ExpectedVersion is the decision's Version. When set, a project whose
	// phase changed since is rejected with a ConcurrencyError.
	ExpectedVersion *time.Time
}

type ExecuteResult struct {
	ProjectID string                   `json:"project_id"`
	Previous  domain.Phase             `json:"previous_phase"`
	Current   domain.Phase             `json:"current_phase"`
	NoOp      bool                     `json:"no_op"`
	Record    *domain.TransitionRecord `json:"record,omitempty"`
	Decision  domain.TransitionResult  `json:"decision"`
}

// ExecuteTransition validates the request against a fresh decision and moves
// the project in one transaction guarded by the phase version.
func (e Engine) ExecuteTransition(ctx context.Context, req ExecuteRequest) (ExecuteResult, error) {
	if err := validateRequest(&req); err != nil {
		return ExecuteResult{}, err
	}
	st, err := e.GetState(ctx, req.ProjectID)
	if err != nil {
		return ExecuteResult{}, err
	}
	if req.ExpectedVersion != nil && !req.ExpectedVersion.Equal(st.PhaseUpdatedAt) {
		return ExecuteResult{}, &domain.ConcurrencyError{ProjectID: req.ProjectID, Expected: *req.ExpectedVersion, Actual: st.PhaseUpdatedAt}
	}
	if st.CurrentPhase == req.Target {
		return ExecuteResult{ProjectID: req.ProjectID, Previous: st.CurrentPhase, Current: st.CurrentPhase, NoOp: true}, nil
	}
	ev, err := e.evaluate(ctx, st)
	if err != nil {
		return ExecuteResult{}, err
	}
	decision := ev.Result
	recommended := decision.CanTransition && decision.TargetPhase != nil && *decision.TargetPhase == req.Target
	forced := false

	switch req.Trigger {
	case domain.TriggerAutomatic:
		next, ok := st.CurrentPhase.Next()
		if !ok || req.Target != next {
			return ExecuteResult{}, &domain.InvalidTransitionError{
				ProjectID: req.ProjectID, From: st.CurrentPhase, To: req.Target,
				Reason:   "automatic transitions only advance to the next phase",
				Blockers: decision.Blockers,
			}
		}
		if !recommended {
			return ExecuteResult{}, &domain.InvalidTransitionError{
				ProjectID: req.ProjectID, From: st.CurrentPhase, To: req.Target,
				Reason:   "transition is not due",
				Blockers: decision.Blockers,
			}
		}
	case domain.TriggerManual:
		if !recommended {
			if !req.Force {
				return ExecuteResult{}, &domain.InvalidTransitionError{
					ProjectID: req.ProjectID, From: st.CurrentPhase, To: req.Target,
					Reason:   "target is not the recommended transition; force is required",
					Blockers: decision.Blockers,
				}
			}
			if req.Reason == "" {
				return ExecuteResult{}, &domain.ValidationError{Field: "reason", Message: "a reason is required for forced transitions"}
			}
			forced = true
		}
	}

	rec, err := e.commit(ctx, st, req, forced)
	if err != nil {
		return ExecuteResult{}, err
	}
	if rec == nil {
		return ExecuteResult{ProjectID: req.ProjectID, Previous: req.Target, Current: req.Target, NoOp: true, Decision: decision}, nil
	}
	e.logger().Info("phase transitioned",
		"project_id", req.ProjectID,
		"from", rec.FromPhase,
		"to", rec.ToPhase,
		"trigger", rec.Trigger,
		"actor", rec.Actor,
		"forced", rec.Forced,
	)
	return ExecuteResult{
		ProjectID: req.ProjectID,
		Previous:  st.CurrentPhase,
		Current:   req.Target,
		Record:    rec,
		Decision:  decision,
	}, nil
}

func validateRequest(req *ExecuteRequest) error {
	req.ProjectID = strings.TrimSpace(req.ProjectID)
	req.Actor = strings.TrimSpace(req.Actor)
	req.Reason = strings.TrimSpace(req.Reason)
	if req.ProjectID == "" {
		return &domain.ValidationError{Field: "project_id", Message: "project id is required"}
	}
	if !req.Target.IsValid() {
		return &domain.ValidationError{Field: "target", Message: fmt.Sprintf("unknown phase %q", req.Target)}
	}
	if req.Trigger == "" {
		req.Trigger = domain.TriggerManual
	}
	if !req.Trigger.IsValid() {
		return &domain.ValidationError{Field: "trigger", Message: fmt.Sprintf("unknown trigger %q", req.Trigger)}
	}
	if req.Actor == "" {
		return &domain.ValidationError{Field: "actor", Message: "actor is required"}
	}
	return nil
}

// commit writes the phase change and its record. A nil record with a nil
// error means a concurrent writer already moved the project to the target.
func (e Engine) commit(ctx context.Context, st domain.ProjectPhaseState, req ExecuteRequest, forced bool) (*domain.TransitionRecord, error) {
	version := nextVersion(st.PhaseUpdatedAt, e.now())
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, domain.Persistence("begin transition", err)
	}
	defer tx.Rollback()

	ok, err := e.Repo.CompareAndSwapPhaseTx(ctx, tx, req.ProjectID, st.PhaseUpdatedAt, req.Target, version)
	if err != nil {
		return nil, domain.Persistence("write phase", err)
	}
	if !ok {
		_ = tx.Rollback()
		cur, err := e.GetState(ctx, req.ProjectID)
		if err != nil {
			return nil, err
		}
		if cur.CurrentPhase == req.Target {
			return nil, nil
		}
		return nil, &domain.ConcurrencyError{ProjectID: req.ProjectID, Expected: st.PhaseUpdatedAt, Actual: cur.PhaseUpdatedAt}
	}
	rec := domain.TransitionRecord{
		ID:         uuid.NewString(),
		ProjectID:  req.ProjectID,
		FromPhase:  st.CurrentPhase,
		ToPhase:    req.Target,
		Trigger:    req.Trigger,
		Actor:      req.Actor,
		Reason:     req.Reason,
		OccurredAt: version,
		Forced:     forced,
	}
	if err := e.Events.Record(ctx, tx, rec); err != nil {
		return nil, domain.Persistence("record transition", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, domain.Persistence("commit transition", err)
	}
	return &rec, nil
}

// nextVersion keeps versions strictly increasing even when the clock does not.
func nextVersion(prev, now time.Time) time.Time {
	now = now.UTC().Round(0)
	if floor := prev.Add(time.Nanosecond); now.Before(floor) {
		return floor.UTC()
	}
	return now
}

// CreateProject inserts a project and its initial Prep phase state.
func (e Engine) CreateProject(ctx context.Context, in domain.ProjectInput, actor string) (domain.Project, error) {
	if strings.TrimSpace(actor) == "" {
		return domain.Project{}, &domain.ValidationError{Field: "actor", Message: "actor is required"}
	}
	p, err := e.newProject(in)
	if err != nil {
		return domain.Project{}, err
	}
	ok, err := e.Repo.OrgExists(ctx, p.OrgID)
	if err != nil {
		return domain.Project{}, domain.Persistence("get organization", err)
	}
	if !ok {
		return domain.Project{}, &domain.NotFoundError{Kind: "organization", ID: p.OrgID}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, domain.Persistence("begin create project", err)
	}
	defer tx.Rollback()
	if err := e.Repo.InsertProjectTx(ctx, tx, p); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "unique") {
			return domain.Project{}, &domain.ValidationError{Field: "id", Message: fmt.Sprintf("project %s already exists", p.ID)}
		}
		return domain.Project{}, domain.Persistence("insert project", err)
	}
	if err := e.InitProjectPhase(ctx, tx, p.ID); err != nil {
		return domain.Project{}, err
	}
	if err := e.Events.Append(ctx, tx, events.ProjectCreated, p.ID, "project", p.ID, actor, events.EventPayload{
		"org_id": p.OrgID,
		"name":   p.Name,
		"phase":  domain.PhasePrep,
	}); err != nil {
		return domain.Project{}, domain.Persistence("append project event", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, domain.Persistence("commit create project", err)
	}
	e.logger().Info("project created", "project_id", p.ID, "org_id", p.OrgID)
	return p, nil
}

// InitProjectPhase creates the phase state of a new project in Prep.
func (e Engine) InitProjectPhase(ctx context.Context, tx *sql.Tx, projectID string) error {
	return domain.Persistence("insert phase state", e.Repo.InsertPhaseStateTx(ctx, tx, projectID, domain.PhasePrep, e.now().UTC().Round(0)))
}

func (e Engine) newProject(in domain.ProjectInput) (domain.Project, error) {
	p := domain.Project{
		ID:                 strings.TrimSpace(in.ID),
		OrgID:              strings.TrimSpace(in.OrgID),
		Name:               strings.TrimSpace(in.Name),
		Description:        strings.TrimSpace(in.Description),
		Venue:              strings.TrimSpace(in.Venue),
		RehearsalStartDate: in.RehearsalStartDate,
		ShowStartDate:      in.ShowStartDate,
		ShowEndDate:        in.ShowEndDate,
		CreatedAt:          e.now().UTC(),
	}
	if p.Name == "" {
		return p, &domain.ValidationError{Field: "name", Message: "name is required"}
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.OrgID == "" && e.Config != nil {
		p.OrgID = e.Config.Workspace.Org
	}
	if p.OrgID == "" {
		return p, &domain.ValidationError{Field: "org_id", Message: "organization is required"}
	}
	if in.Timezone != nil && strings.TrimSpace(*in.Timezone) != "" {
		name := strings.TrimSpace(*in.Timezone)
		if _, err := tz.LoadLocation(name); err != nil {
			return p, &domain.ValidationError{Field: "timezone", Message: fmt.Sprintf("unknown timezone %q", name)}
		}
		p.Timezone = &name
	}
	return p, nil
}

// UpdateProject applies patch to the project record. Phase-relevant dates
// take effect on the next evaluation.
func (e Engine) UpdateProject(ctx context.Context, projectID string, patch domain.ProjectPatch, actor string) (domain.Project, error) {
	if strings.TrimSpace(actor) == "" {
		return domain.Project{}, &domain.ValidationError{Field: "actor", Message: "actor is required"}
	}
	if patch.Name != nil && strings.TrimSpace(*patch.Name) == "" {
		return domain.Project{}, &domain.ValidationError{Field: "name", Message: "name must not be empty"}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, domain.Persistence("begin update project", err)
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateProjectTx(ctx, tx, projectID, patch); err != nil {
		return domain.Project{}, domain.Persistence("update project", err)
	}
	if err := e.Events.Append(ctx, tx, events.ProjectUpdated, projectID, "project", projectID, actor, events.EventPayload{"changes": patch}); err != nil {
		return domain.Project{}, domain.Persistence("append project event", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, domain.Persistence("commit update project", err)
	}
	return e.GetProject(ctx, projectID)
}

func (e Engine) GetProject(ctx context.Context, projectID string) (domain.Project, error) {
	p, err := e.Repo.GetProject(ctx, projectID)
	return p, domain.Persistence("get project", err)
}

func (e Engine) ListProjects(ctx context.Context, orgID string) ([]domain.Project, error) {
	ps, err := e.Repo.ListProjects(ctx, orgID)
	return ps, domain.Persistence("list projects", err)
}

// CandidateFilter selects projects for batch evaluation.
type CandidateFilter struct {
	OrgID string
	// Phases keeps projects currently in one of these phases; empty keeps all.
	Phases []domain.Phase
}

// Candidates returns non-archived projects with auto transitions enabled.
func (e Engine) Candidates(ctx context.Context, f CandidateFilter) ([]domain.ProjectPhaseState, error) {
	states, err := e.Repo.ListPhaseStates(ctx, repo.PhaseStateFilter{
		OrgID:           f.OrgID,
		Phases:          f.Phases,
		ExcludeArchived: true,
		AutoOnly:        true,
		DefaultAuto:     e.Settings.AutoDefault(),
	})
	return states, domain.Persistence("list phase states", err)
}

// ActionItems are the open criteria and readiness entries for one phase.
type ActionItems struct {
	ProjectID  string                  `json:"project_id"`
	Phase      domain.Phase            `json:"phase"`
	Validation domain.ValidationResult `json:"validation"`
	Readiness  []domain.ReadinessItem  `json:"readiness"`
}

// ActionItems reports what is left before the project may leave phase, or its
// current phase when phase is nil.
func (e Engine) ActionItems(ctx context.Context, projectID string, phase *domain.Phase) (ActionItems, error) {
	st, err := e.GetState(ctx, projectID)
	if err != nil {
		return ActionItems{}, err
	}
	target := st.CurrentPhase
	if phase != nil {
		if !phase.IsValid() {
			return ActionItems{}, &domain.ValidationError{Field: "phase", Message: fmt.Sprintf("unknown phase %q", *phase)}
		}
		target = *phase
	}
	in, err := e.Repo.ReadinessSnapshot(ctx, projectID)
	if err != nil {
		return ActionItems{}, domain.Persistence("read readiness", err)
	}
	items, err := e.Repo.ListReadinessItems(ctx, projectID, target, false)
	if err != nil {
		return ActionItems{}, domain.Persistence("list readiness items", err)
	}
	if items == nil {
		items = []domain.ReadinessItem{}
	}
	return ActionItems{
		ProjectID:  projectID,
		Phase:      target,
		Validation: criteria.ForTransition(target, in),
		Readiness:  items,
	}, nil
}

// History returns a project's transition records, most recent first.
func (e Engine) History(ctx context.Context, projectID string, limit int, cursor string) (events.HistoryPage, error) {
	if _, err := e.GetState(ctx, projectID); err != nil {
		return events.HistoryPage{}, err
	}
	page, err := e.Events.History(ctx, projectID, limit, cursor)
	return page, domain.Persistence("read history", err)
}
