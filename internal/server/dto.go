package server

import (
	"encoding/json"
	"strings"
	"time"

	"callsheet/internal/domain"
	"callsheet/internal/engine"
)

// Request payloads. Dates travel as YYYY-MM-DD strings and are parsed into
// domain.Date by the handlers.

type CreateProjectRequest struct {
	ID                 string  `json:"id,omitempty"`
	OrgID              string  `json:"org_id,omitempty"`
	Name               string  `json:"name"`
	Description        string  `json:"description,omitempty"`
	Venue              string  `json:"venue,omitempty"`
	Timezone           *string `json:"timezone,omitempty" example:"America/New_York"`
	RehearsalStartDate string  `json:"rehearsal_start_date,omitempty" format:"date"`
	ShowStartDate      string  `json:"show_start_date,omitempty" format:"date"`
	ShowEndDate        string  `json:"show_end_date,omitempty" format:"date"`
}

type UpdateProjectRequest struct {
	Name               *string `json:"name,omitempty"`
	Description        *string `json:"description,omitempty"`
	Venue              *string `json:"venue,omitempty"`
	RehearsalStartDate *string `json:"rehearsal_start_date,omitempty" format:"date"`
	ShowStartDate      *string `json:"show_start_date,omitempty" format:"date"`
	ShowEndDate        *string `json:"show_end_date,omitempty" format:"date"`
}

type TransitionRequest struct {
	TargetPhase string `json:"target_phase" example:"staffing"`
	Reason      string `json:"reason,omitempty"`
	Force       bool   `json:"force,omitempty"`
	// ExpectedVersion is the phase_updated_at the caller decided on.
	ExpectedVersion *time.Time `json:"expected_version,omitempty"`
}

type PhaseConfigRequest struct {
	ArchiveMonth           *int    `json:"archive_month,omitempty"`
	ArchiveDay             *int    `json:"archive_day,omitempty"`
	PostShowTransitionHour *int    `json:"post_show_transition_hour,omitempty"`
	AutoTransitionsEnabled *bool   `json:"auto_transitions_enabled,omitempty"`
	Timezone               *string `json:"timezone,omitempty"`
	// Reset drops every project override except the timezone.
	Reset bool `json:"reset,omitempty"`
}

func (r PhaseConfigRequest) patch() domain.PhaseConfigPatch {
	return domain.PhaseConfigPatch{
		ArchiveMonth:           r.ArchiveMonth,
		ArchiveDay:             r.ArchiveDay,
		PostShowTransitionHour: r.PostShowTransitionHour,
		AutoTransitionsEnabled: r.AutoTransitionsEnabled,
		Timezone:               r.Timezone,
	}
}

type EvaluationRequest struct {
	DryRun        bool     `json:"dry_run,omitempty"`
	EnabledPhases []string `json:"enabled_phases,omitempty"`
	OrgID         string   `json:"org_id,omitempty"`
}

type RoleChangeRequest struct {
	ActorID string `json:"actor_id"`
	RoleID  string `json:"role_id"`
}

type HealthResponse struct {
	Status        string `json:"status" example:"ok"`
	SchemaVersion int    `json:"schema_version"`
}

// MeResponse describes the authenticated caller. Source is jwt, api_key or
// legacy_header.
type MeResponse struct {
	ActorID     string   `json:"actor_id"`
	Source      string   `json:"source"`
	OrgID       string   `json:"org_id"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
}

type CreateAPIKeyRequest struct {
	ActorID string `json:"actor_id"`
	Name    string `json:"name,omitempty"`
}

// Response payloads

type ProjectResponse struct {
	ID                 string `json:"id"`
	OrgID              string `json:"org_id"`
	Name               string `json:"name"`
	Description        string `json:"description,omitempty"`
	Venue              string `json:"venue,omitempty"`
	Timezone           string `json:"timezone,omitempty"`
	RehearsalStartDate string `json:"rehearsal_start_date,omitempty" format:"date"`
	ShowStartDate      string `json:"show_start_date,omitempty" format:"date"`
	ShowEndDate        string `json:"show_end_date,omitempty" format:"date"`
	CreatedAt          string `json:"created_at" format:"date-time"`
}

type PhaseResponse struct {
	ProjectID              string `json:"project_id"`
	OrgID                  string `json:"org_id"`
	CurrentPhase           string `json:"current_phase" enum:"prep,staffing,pre_show,active,post_show,complete,archived"`
	DisplayName            string `json:"display_name"`
	PhaseUpdatedAt         string `json:"phase_updated_at" format:"date-time"`
	AutoTransitionsEnabled bool   `json:"auto_transitions_enabled"`
	Timezone               string `json:"timezone,omitempty"`
	RehearsalStartDate     string `json:"rehearsal_start_date,omitempty" format:"date"`
	ShowEndDate            string `json:"show_end_date,omitempty" format:"date"`
}

type TransitionResultResponse struct {
	ProjectID       string                `json:"project_id"`
	CurrentPhase    string                `json:"current_phase"`
	CanTransition   bool                  `json:"can_transition"`
	TargetPhase     string                `json:"target_phase,omitempty"`
	Blockers        []domain.CriteriaItem `json:"blockers"`
	ScheduledAt     string                `json:"scheduled_at,omitempty" format:"date-time"`
	CriteriaMet     bool                  `json:"criteria_met"`
	TimeGateMet     bool                  `json:"time_gate_met"`
	Timezone        string                `json:"timezone"`
	TimezoneWarning string                `json:"timezone_warning,omitempty"`
	Version         string                `json:"version" format:"date-time"`
}

type EvaluationResponse struct {
	State     PhaseResponse             `json:"state"`
	Config    domain.PhaseConfiguration `json:"config"`
	Timezone  engine.TimezoneInfo       `json:"timezone"`
	Criteria  domain.ValidationResult   `json:"criteria"`
	Result    TransitionResultResponse  `json:"result"`
	Evaluated string                    `json:"evaluated_at" format:"date-time"`
}

type TransitionResponse struct {
	ProjectID     string                   `json:"project_id"`
	PreviousPhase string                   `json:"previous_phase"`
	CurrentPhase  string                   `json:"current_phase"`
	NoOp          bool                     `json:"no_op"`
	Record        *domain.TransitionRecord `json:"record,omitempty"`
	Decision      TransitionResultResponse `json:"decision"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type APIKeyResponse struct {
	ID         string `json:"id"`
	ActorID    string `json:"actor_id"`
	Name       string `json:"name,omitempty"`
	CreatedAt  string `json:"created_at" format:"date-time"`
	LastUsedAt string `json:"last_used_at,omitempty"`
	// Key is only returned when the key is created.
	Key string `json:"key,omitempty"`
}

// Mapping helpers

func projectInput(req CreateProjectRequest) (domain.ProjectInput, error) {
	in := domain.ProjectInput{
		ID:          req.ID,
		OrgID:       req.OrgID,
		Name:        req.Name,
		Description: req.Description,
		Venue:       req.Venue,
		Timezone:    req.Timezone,
	}
	var err error
	if in.RehearsalStartDate, err = optionalDate("rehearsal_start_date", req.RehearsalStartDate); err != nil {
		return in, err
	}
	if in.ShowStartDate, err = optionalDate("show_start_date", req.ShowStartDate); err != nil {
		return in, err
	}
	if in.ShowEndDate, err = optionalDate("show_end_date", req.ShowEndDate); err != nil {
		return in, err
	}
	return in, nil
}

func projectPatch(req UpdateProjectRequest) (domain.ProjectPatch, error) {
	patch := domain.ProjectPatch{Name: req.Name, Description: req.Description, Venue: req.Venue}
	var err error
	if req.RehearsalStartDate != nil {
		if patch.RehearsalStartDate, err = requiredDate("rehearsal_start_date", *req.RehearsalStartDate); err != nil {
			return patch, err
		}
	}
	if req.ShowStartDate != nil {
		if patch.ShowStartDate, err = requiredDate("show_start_date", *req.ShowStartDate); err != nil {
			return patch, err
		}
	}
	if req.ShowEndDate != nil {
		if patch.ShowEndDate, err = requiredDate("show_end_date", *req.ShowEndDate); err != nil {
			return patch, err
		}
	}
	return patch, nil
}

func optionalDate(field, raw string) (*domain.Date, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	return requiredDate(field, raw)
}

func requiredDate(field, raw string) (*domain.Date, error) {
	d, err := domain.ParseDate(strings.TrimSpace(raw))
	if err != nil {
		return nil, &domain.ValidationError{Field: field, Message: "expected YYYY-MM-DD"}
	}
	return &d, nil
}

func dateString(d *domain.Date) string {
	if d == nil {
		return ""
	}
	return d.String()
}

func timeString(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func projectResponse(p domain.Project) ProjectResponse {
	return ProjectResponse{
		ID:                 p.ID,
		OrgID:              p.OrgID,
		Name:               p.Name,
		Description:        p.Description,
		Venue:              p.Venue,
		Timezone:           stringOrEmpty(p.Timezone),
		RehearsalStartDate: dateString(p.RehearsalStartDate),
		ShowStartDate:      dateString(p.ShowStartDate),
		ShowEndDate:        dateString(p.ShowEndDate),
		CreatedAt:          timeString(p.CreatedAt),
	}
}

func mapProjects(items []domain.Project) []ProjectResponse {
	out := make([]ProjectResponse, 0, len(items))
	for _, p := range items {
		out = append(out, projectResponse(p))
	}
	return out
}

func phaseResponse(st domain.ProjectPhaseState) PhaseResponse {
	return PhaseResponse{
		ProjectID:              st.ProjectID,
		OrgID:                  st.OrgID,
		CurrentPhase:           string(st.CurrentPhase),
		DisplayName:            st.CurrentPhase.Display(),
		PhaseUpdatedAt:         timeString(st.PhaseUpdatedAt),
		AutoTransitionsEnabled: st.AutoTransitionsEnabled,
		Timezone:               stringOrEmpty(st.Timezone),
		RehearsalStartDate:     dateString(st.RehearsalStartDate),
		ShowEndDate:            dateString(st.ShowEndDate),
	}
}

func transitionResultResponse(r domain.TransitionResult) TransitionResultResponse {
	res := TransitionResultResponse{
		ProjectID:       r.ProjectID,
		CurrentPhase:    string(r.CurrentPhase),
		CanTransition:   r.CanTransition,
		Blockers:        nonNilSlice(r.Blockers),
		CriteriaMet:     r.CriteriaMet,
		TimeGateMet:     r.TimeGateMet,
		Timezone:        r.Timezone,
		TimezoneWarning: r.TimezoneWarning,
		Version:         timeString(r.Version),
	}
	if r.TargetPhase != nil {
		res.TargetPhase = string(*r.TargetPhase)
	}
	if r.ScheduledAt != nil {
		res.ScheduledAt = timeString(*r.ScheduledAt)
	}
	return res
}

func evaluationResponse(ev engine.Evaluation, at time.Time) EvaluationResponse {
	return EvaluationResponse{
		State:     phaseResponse(ev.State),
		Config:    ev.Config,
		Timezone:  ev.Timezone,
		Criteria:  normalizeValidation(ev.Criteria),
		Result:    transitionResultResponse(ev.Result),
		Evaluated: timeString(at),
	}
}

func transitionResponse(res engine.ExecuteResult) TransitionResponse {
	return TransitionResponse{
		ProjectID:     res.ProjectID,
		PreviousPhase: string(res.Previous),
		CurrentPhase:  string(res.Current),
		NoOp:          res.NoOp,
		Record:        res.Record,
		Decision:      transitionResultResponse(res.Decision),
	}
}

func normalizeValidation(v domain.ValidationResult) domain.ValidationResult {
	v.CompletedItems = nonNilSlice(v.CompletedItems)
	v.PendingItems = nonNilSlice(v.PendingItems)
	v.Blockers = nonNilSlice(v.Blockers)
	return v
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		ProjectID:  e.ProjectID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func apiKeyResponse(k domain.APIKey) APIKeyResponse {
	return APIKeyResponse{ID: k.ID, ActorID: k.ActorID, Name: k.Name, CreatedAt: k.CreatedAt, LastUsedAt: k.LastUsedAt}
}

// JSON helpers

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var tmp any
	if err := json.Unmarshal([]byte(raw), &tmp); err != nil {
		return nil
	}
	if obj, ok := tmp.(map[string]any); ok {
		return obj
	}
	return nil
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

func stringOrEmpty(ptr *string) string {
	if ptr == nil {
		return ""
	}
	return *ptr
}
