// Package callsheetsdk is a small client for the Callsheet phase API.
package callsheetsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client talks to one Callsheet server.
type Client struct {
	BaseURL     string
	BasePath    string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v1",
		Timeout:  10 * time.Second,
	}
}

type Project struct {
	ID                 string `json:"id"`
	OrgID              string `json:"org_id"`
	Name               string `json:"name"`
	Description        string `json:"description,omitempty"`
	Venue              string `json:"venue,omitempty"`
	Timezone           string `json:"timezone,omitempty"`
	RehearsalStartDate string `json:"rehearsal_start_date,omitempty"`
	ShowStartDate      string `json:"show_start_date,omitempty"`
	ShowEndDate        string `json:"show_end_date,omitempty"`
	CreatedAt          string `json:"created_at,omitempty"`
}

// NewProject is the create payload. Dates use YYYY-MM-DD.
type NewProject struct {
	ID                 string  `json:"id,omitempty"`
	OrgID              string  `json:"org_id,omitempty"`
	Name               string  `json:"name"`
	Description        string  `json:"description,omitempty"`
	Venue              string  `json:"venue,omitempty"`
	Timezone           *string `json:"timezone,omitempty"`
	RehearsalStartDate string  `json:"rehearsal_start_date,omitempty"`
	ShowStartDate      string  `json:"show_start_date,omitempty"`
	ShowEndDate        string  `json:"show_end_date,omitempty"`
}

type Phase struct {
	ProjectID              string `json:"project_id"`
	OrgID                  string `json:"org_id"`
	CurrentPhase           string `json:"current_phase"`
	DisplayName            string `json:"display_name"`
	PhaseUpdatedAt         string `json:"phase_updated_at"`
	AutoTransitionsEnabled bool   `json:"auto_transitions_enabled"`
	Timezone               string `json:"timezone,omitempty"`
}

type CriteriaItem struct {
	Key    string `json:"key"`
	Label  string `json:"label"`
	Detail string `json:"detail,omitempty"`
}

// Decision is the engine's verdict on a project's next phase.
type Decision struct {
	ProjectID       string         `json:"project_id"`
	CurrentPhase    string         `json:"current_phase"`
	CanTransition   bool           `json:"can_transition"`
	TargetPhase     string         `json:"target_phase,omitempty"`
	Blockers        []CriteriaItem `json:"blockers"`
	ScheduledAt     string         `json:"scheduled_at,omitempty"`
	CriteriaMet     bool           `json:"criteria_met"`
	TimeGateMet     bool           `json:"time_gate_met"`
	Timezone        string         `json:"timezone"`
	TimezoneWarning string         `json:"timezone_warning,omitempty"`
	Version         string         `json:"version"`
}

type Evaluation struct {
	State     Phase    `json:"state"`
	Result    Decision `json:"result"`
	Evaluated string   `json:"evaluated_at"`
}

type TransitionRecord struct {
	ID         string `json:"id"`
	ProjectID  string `json:"project_id"`
	FromPhase  string `json:"from_phase"`
	ToPhase    string `json:"to_phase"`
	Trigger    string `json:"trigger"`
	Actor      string `json:"actor"`
	Reason     string `json:"reason,omitempty"`
	OccurredAt string `json:"occurred_at"`
	Forced     bool   `json:"forced"`
}

// TransitionOptions tune a manual transition.
type TransitionOptions struct {
	Reason string
	Force  bool
	// ExpectedVersion is Decision.Version from the evaluation the caller acted on.
	ExpectedVersion string
}

type TransitionResult struct {
	ProjectID     string            `json:"project_id"`
	PreviousPhase string            `json:"previous_phase"`
	CurrentPhase  string            `json:"current_phase"`
	NoOp          bool              `json:"no_op"`
	Record        *TransitionRecord `json:"record,omitempty"`
	Decision      Decision          `json:"decision"`
}

type HistoryPage struct {
	Items      []TransitionRecord `json:"items"`
	NextCursor string             `json:"next_cursor,omitempty"`
}

type PhaseConfig struct {
	ArchiveMonth           int               `json:"archive_month"`
	ArchiveDay             int               `json:"archive_day"`
	PostShowTransitionHour int               `json:"post_show_transition_hour"`
	AutoTransitionsEnabled bool              `json:"auto_transitions_enabled"`
	Timezone               string            `json:"timezone,omitempty"`
	Sources                map[string]string `json:"sources,omitempty"`
}

// PhaseConfigPatch leaves nil fields inherited.
type PhaseConfigPatch struct {
	ArchiveMonth           *int    `json:"archive_month,omitempty"`
	ArchiveDay             *int    `json:"archive_day,omitempty"`
	PostShowTransitionHour *int    `json:"post_show_transition_hour,omitempty"`
	AutoTransitionsEnabled *bool   `json:"auto_transitions_enabled,omitempty"`
	Timezone               *string `json:"timezone,omitempty"`
	Reset                  bool    `json:"reset,omitempty"`
}

type EvaluationRun struct {
	DryRun        bool     `json:"dry_run,omitempty"`
	EnabledPhases []string `json:"enabled_phases,omitempty"`
	OrgID         string   `json:"org_id,omitempty"`
}

type Outcome struct {
	ProjectID string `json:"project_id"`
	Status    string `json:"status"`
	From      string `json:"from,omitempty"`
	To        string `json:"to,omitempty"`
	ErrorCode string `json:"error_code,omitempty"`
	Error     string `json:"error,omitempty"`
}

type Summary struct {
	DryRun          bool      `json:"dry_run"`
	Evaluated       int       `json:"evaluated"`
	Transitioned    int       `json:"transitioned"`
	WouldTransition int       `json:"would_transition"`
	Unchanged       int       `json:"unchanged"`
	Failed          int       `json:"failed"`
	Outcomes        []Outcome `json:"outcomes"`
	Cancelled       bool      `json:"cancelled"`
	Aborted         bool      `json:"aborted"`
}

type Scheduled struct {
	ProjectID   string `json:"project_id"`
	From        string `json:"from"`
	To          string `json:"to"`
	ScheduledAt string `json:"scheduled_at"`
	CriteriaMet bool   `json:"criteria_met"`
	Timezone    string `json:"timezone"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id"`
	EntityID   string         `json:"entity_id"`
	EntityKind string         `json:"entity_kind"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses. Code and Details come from the error
// envelope when the body carries one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Blockers returns the unmet criteria of an invalid_transition error.
func (e *APIError) Blockers() []CriteriaItem {
	raw, ok := e.Details["blockers"]
	if !ok {
		return nil
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return nil
	}
	var items []CriteriaItem
	_ = json.Unmarshal(b, &items)
	return items
}

// CreateProject creates a project in prep.
func (c *Client) CreateProject(ctx context.Context, in NewProject) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodPost, "projects", in, &resp)
	return resp, err
}

// Phase returns a project's current phase.
func (c *Client) Phase(ctx context.Context, projectID string) (Phase, error) {
	var resp Phase
	err := c.do(ctx, http.MethodGet, c.projectPath(projectID, "phase"), nil, &resp)
	return resp, err
}

// Evaluate asks whether a project can advance without changing it.
func (c *Client) Evaluate(ctx context.Context, projectID string) (Evaluation, error) {
	var resp Evaluation
	err := c.do(ctx, http.MethodGet, c.projectPath(projectID, "phase/evaluation"), nil, &resp)
	return resp, err
}

// Transition moves a project to target by hand.
func (c *Client) Transition(ctx context.Context, projectID, target string, opts TransitionOptions) (TransitionResult, error) {
	body := map[string]any{"target_phase": target}
	if opts.Reason != "" {
		body["reason"] = opts.Reason
	}
	if opts.Force {
		body["force"] = true
	}
	if opts.ExpectedVersion != "" {
		body["expected_version"] = opts.ExpectedVersion
	}
	var resp TransitionResult
	err := c.do(ctx, http.MethodPost, c.projectPath(projectID, "phase/transitions"), body, &resp)
	return resp, err
}

// History returns transition records, most recent first.
func (c *Client) History(ctx context.Context, projectID string, limit int, cursor string) (HistoryPage, error) {
	var resp HistoryPage
	endpoint := withQuery(c.projectPath(projectID, "phase/history"), url.Values{
		"limit":  {optionalInt(limit)},
		"cursor": {cursor},
	})
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// ProjectConfig returns the effective settings for a project.
func (c *Client) ProjectConfig(ctx context.Context, projectID string) (PhaseConfig, error) {
	var resp PhaseConfig
	err := c.do(ctx, http.MethodGet, c.projectPath(projectID, "phase/config"), nil, &resp)
	return resp, err
}

// SetProjectConfig overrides settings for a project.
func (c *Client) SetProjectConfig(ctx context.Context, projectID string, patch PhaseConfigPatch) (PhaseConfig, error) {
	var resp PhaseConfig
	err := c.do(ctx, http.MethodPut, c.projectPath(projectID, "phase/config"), patch, &resp)
	return resp, err
}

// RunEvaluation triggers a batch evaluation.
func (c *Client) RunEvaluation(ctx context.Context, run EvaluationRun) (Summary, error) {
	var resp Summary
	err := c.do(ctx, http.MethodPost, "phase/evaluations", run, &resp)
	return resp, err
}

// Scheduled lists time gates opening within hoursAhead hours.
func (c *Client) Scheduled(ctx context.Context, hoursAhead int) ([]Scheduled, error) {
	var resp []Scheduled
	endpoint := withQuery("phase/scheduled", url.Values{"hours_ahead": {optionalInt(hoursAhead)}})
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// EventsPage returns a page of events, newest first.
func (c *Client) EventsPage(ctx context.Context, projectID string, limit int, cursor string) (PaginatedEvents, error) {
	var resp PaginatedEvents
	endpoint := withQuery("events", url.Values{
		"project_id": {projectID},
		"limit":      {optionalInt(limit)},
		"cursor":     {cursor},
	})
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string         `json:"code"`
				Message string         `json:"message"`
				Details map[string]any `json:"details"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
			apiErr.Details = env.Error.Details
		}
		return apiErr
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) projectPath(projectID, p string) string {
	return fmt.Sprintf("projects/%s/%s", url.PathEscape(projectID), strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if c.BasePath != "" {
		base += "/" + strings.Trim(c.BasePath, "/")
	}
	return base
}

func withQuery(endpoint string, q url.Values) string {
	for k, v := range q {
		if len(v) == 0 || v[0] == "" {
			q.Del(k)
		}
	}
	if len(q) == 0 {
		return endpoint
	}
	return endpoint + "?" + q.Encode()
}

func optionalInt(n int) string {
	if n <= 0 {
		return ""
	}
	return fmt.Sprintf("%d", n)
}
