package domain

import (
	"fmt"
	"time"
)

const dateLayout = "2006-01-02"

// Date is a calendar date with no zone attached.
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

func NewDate(year int, month time.Month, day int) Date {
	return Date{Year: year, Month: month, Day: day}
}

func ParseDate(s string) (Date, error) {
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return Date{}, &ValidationError{Field: "date", Message: fmt.Sprintf("invalid date %q, expected YYYY-MM-DD", s)}
	}
	return Date{Year: t.Year(), Month: t.Month(), Day: t.Day()}, nil
}

func (d Date) IsZero() bool { return d.Year == 0 && d.Month == 0 && d.Day == 0 }

func (d Date) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, int(d.Month), d.Day)
}

// AddDays returns the calendar date n days later, normalising month/year rollover.
func (d Date) AddDays(n int) Date {
	t := time.Date(d.Year, d.Month, d.Day+n, 0, 0, 0, 0, time.UTC)
	return Date{Year: t.Year(), Month: t.Month(), Day: t.Day()}
}

// Before reports whether d is strictly earlier than other.
func (d Date) Before(other Date) bool {
	if d.Year != other.Year {
		return d.Year < other.Year
	}
	if d.Month != other.Month {
		return d.Month < other.Month
	}
	return d.Day < other.Day
}

func (d Date) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

func (d *Date) UnmarshalText(b []byte) error {
	parsed, err := ParseDate(string(b))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// Project is the slice of the external project record this core reads.
type Project struct {
	ID                 string    `json:"id"`
	OrgID              string    `json:"org_id"`
	Name               string    `json:"name"`
	Description        string    `json:"description,omitempty"`
	Venue              string    `json:"venue,omitempty"`
	Timezone           *string   `json:"timezone,omitempty"`
	RehearsalStartDate *Date     `json:"rehearsal_start_date,omitempty"`
	ShowStartDate      *Date     `json:"show_start_date,omitempty"`
	ShowEndDate        *Date     `json:"show_end_date,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
}

// ProjectPhaseState is the single mutable row per project. It is written only
// through the engine's guarded transition path.
type ProjectPhaseState struct {
	ProjectID              string    `json:"project_id"`
	OrgID                  string    `json:"org_id"`
	CurrentPhase           Phase     `json:"current_phase"`
	PhaseUpdatedAt         time.Time `json:"phase_updated_at"`
	AutoTransitionsEnabled bool      `json:"auto_transitions_enabled"`
	Timezone               *string   `json:"timezone,omitempty"`
	RehearsalStartDate     *Date     `json:"rehearsal_start_date,omitempty"`
	ShowEndDate            *Date     `json:"show_end_date,omitempty"`
}

// ConfigSource names the level a configuration value was resolved from.
type ConfigSource string

const (
	SourceProject      ConfigSource = "project"
	SourceOrganization ConfigSource = "organization"
	SourceDefault      ConfigSource = "default"
)

// PhaseConfiguration is the effective transition configuration for a project.
type PhaseConfiguration struct {
	ArchiveMonth           time.Month              `json:"archive_month"`
	ArchiveDay             int                     `json:"archive_day"`
	PostShowTransitionHour int                     `json:"post_show_transition_hour"`
	AutoTransitionsEnabled bool                    `json:"auto_transitions_enabled"`
	Timezone               string                  `json:"timezone,omitempty"`
	Sources                map[string]ConfigSource `json:"sources,omitempty"`
}

// ArchiveDate returns the configured archive date in year. A Feb 29 setting
// falls on Feb 28 in non-leap years.
func (c PhaseConfiguration) ArchiveDate(year int) Date {
	day := c.ArchiveDay
	if last := DaysIn(c.ArchiveMonth, year); day > last {
		day = last
	}
	return NewDate(year, c.ArchiveMonth, day)
}

// DaysIn returns the number of days in month m of year.
func DaysIn(m time.Month, year int) int {
	return time.Date(year, m+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// PhaseConfigPatch holds optional overrides at project or organization scope.
// Nil fields inherit from the next level. At project scope Timezone is the
// project's own timezone; at organization scope it is the default for every
// project without one.
type PhaseConfigPatch struct {
	ArchiveMonth           *int    `json:"archive_month,omitempty"`
	ArchiveDay             *int    `json:"archive_day,omitempty"`
	PostShowTransitionHour *int    `json:"post_show_transition_hour,omitempty"`
	AutoTransitionsEnabled *bool   `json:"auto_transitions_enabled,omitempty"`
	Timezone               *string `json:"timezone,omitempty"`
}

// IsEmpty reports whether the patch overrides nothing.
func (p PhaseConfigPatch) IsEmpty() bool {
	return p.ArchiveMonth == nil && p.ArchiveDay == nil && p.PostShowTransitionHour == nil &&
		p.AutoTransitionsEnabled == nil && p.Timezone == nil
}

// ProjectInput creates a project. Dates use YYYY-MM-DD.
type ProjectInput struct {
	ID                 string  `json:"id,omitempty"`
	OrgID              string  `json:"org_id"`
	Name               string  `json:"name"`
	Description        string  `json:"description,omitempty"`
	Venue              string  `json:"venue,omitempty"`
	Timezone           *string `json:"timezone,omitempty"`
	RehearsalStartDate *Date   `json:"rehearsal_start_date,omitempty"`
	ShowStartDate      *Date   `json:"show_start_date,omitempty"`
	ShowEndDate        *Date   `json:"show_end_date,omitempty"`
}

// ProjectPatch updates the phase-relevant project fields. Nil fields are kept.
type ProjectPatch struct {
	Name               *string `json:"name,omitempty"`
	Description        *string `json:"description,omitempty"`
	Venue              *string `json:"venue,omitempty"`
	RehearsalStartDate *Date   `json:"rehearsal_start_date,omitempty"`
	ShowStartDate      *Date   `json:"show_start_date,omitempty"`
	ShowEndDate        *Date   `json:"show_end_date,omitempty"`
}

// TransitionRecord is one immutable audit row.
type TransitionRecord struct {
	ID         string    `json:"id"`
	ProjectID  string    `json:"project_id"`
	FromPhase  Phase     `json:"from_phase"`
	ToPhase    Phase     `json:"to_phase"`
	Trigger    Trigger   `json:"trigger"`
	Actor      string    `json:"actor"`
	Reason     string    `json:"reason,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
	Forced     bool      `json:"forced"`
}

// CriteriaItem is one checklist entry in a validation result.
type CriteriaItem struct {
	Key    string `json:"key"`
	Label  string `json:"label"`
	Detail string `json:"detail,omitempty"`
}

// ValidationResult is recomputed on every evaluation and never persisted.
type ValidationResult struct {
	IsComplete     bool           `json:"is_complete"`
	CompletedItems []CriteriaItem `json:"completed_items"`
	PendingItems   []CriteriaItem `json:"pending_items"`
	Blockers       []CriteriaItem `json:"blockers"`
}

// TransitionResult is the engine's decision for a project's next phase.
type TransitionResult struct {
	ProjectID       string         `json:"project_id"`
	CurrentPhase    Phase          `json:"current_phase"`
	CanTransition   bool           `json:"can_transition"`
	TargetPhase     *Phase         `json:"target_phase,omitempty"`
	Blockers        []CriteriaItem `json:"blockers"`
	ScheduledAt     *time.Time     `json:"scheduled_at,omitempty"`
	CriteriaMet     bool           `json:"criteria_met"`
	TimeGateMet     bool           `json:"time_gate_met"`
	Timezone        string         `json:"timezone"`
	TimezoneWarning string         `json:"timezone_warning,omitempty"`
	Version         time.Time      `json:"version"`
}

// Event is a generic outbox row consumed by the webhook notifier.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
	// LastUsedAt is empty until the key first authenticates a request.
	LastUsedAt string `json:"last_used_at,omitempty"`
}

// Readiness inputs. These rows belong to the wider scheduling application and are
// read-only here.

type TeamAssignment struct {
	ID        string `json:"id"`
	ProjectID string `json:"project_id"`
	UserID    string `json:"user_id"`
	Role      string `json:"role"`
	Confirmed bool   `json:"confirmed"`
}

type StaffingRequirement struct {
	ProjectID string `json:"project_id"`
	Role      string `json:"role"`
	Required  int    `json:"required"`
}

type TalentAssignment struct {
	ID        string `json:"id"`
	ProjectID string `json:"project_id"`
	TalentID  string `json:"talent_id"`
	EscortID  string `json:"escort_id,omitempty"`
	Assigned  bool   `json:"assigned"`
}

type TimecardStatus string

const (
	TimecardDraft     TimecardStatus = "draft"
	TimecardSubmitted TimecardStatus = "submitted"
	TimecardApproved  TimecardStatus = "approved"
	TimecardRejected  TimecardStatus = "rejected"
)

func (s TimecardStatus) IsValid() bool {
	switch s {
	case TimecardDraft, TimecardSubmitted, TimecardApproved, TimecardRejected:
		return true
	}
	return false
}

type Timecard struct {
	ID        string         `json:"id"`
	ProjectID string         `json:"project_id"`
	UserID    string         `json:"user_id"`
	Status    TimecardStatus `json:"status"`
	Paid      bool           `json:"paid"`
}

// ReadinessItem is an open checklist entry maintained outside this core.
type ReadinessItem struct {
	ProjectID string `json:"project_id"`
	Phase     Phase  `json:"phase"`
	Key       string `json:"key"`
	Label     string `json:"label"`
	Done      bool   `json:"done"`
}
