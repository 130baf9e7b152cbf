// Package settings resolves per-project transition settings. Every field is
// resolved independently: project override, then organization default, then
// the built-in default from the workspace file.
package settings

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"callsheet/internal/config"
	"callsheet/internal/domain"
	"callsheet/internal/events"
	"callsheet/internal/repo"
	"callsheet/internal/tz"
)

// Field names used in PhaseConfiguration.Sources.
const (
	FieldArchiveMonth           = "archive_month"
	FieldArchiveDay             = "archive_day"
	FieldPostShowTransitionHour = "post_show_transition_hour"
	FieldAutoTransitionsEnabled = "auto_transitions_enabled"
	FieldTimezone               = "timezone"
)

type Provider struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Defaults domain.PhaseConfiguration
	Now      func() time.Time
}

// BuiltinDefaults are used when the workspace file sets nothing.
func BuiltinDefaults() domain.PhaseConfiguration {
	return domain.PhaseConfiguration{
		ArchiveMonth:           time.April,
		ArchiveDay:             1,
		PostShowTransitionHour: 6,
		AutoTransitionsEnabled: true,
	}
}

// DefaultsFrom converts workspace file values into built-in defaults.
func DefaultsFrom(p config.PhaseDefaults) domain.PhaseConfiguration {
	d := BuiltinDefaults()
	if p.ArchiveMonth != 0 {
		d.ArchiveMonth = time.Month(p.ArchiveMonth)
	}
	if p.ArchiveDay != 0 {
		d.ArchiveDay = p.ArchiveDay
	}
	d.PostShowTransitionHour = p.PostShowTransitionHour
	d.AutoTransitionsEnabled = p.AutoEnabled()
	d.Timezone = strings.TrimSpace(p.DefaultTimezone)
	return d
}

func (p Provider) defaults() domain.PhaseConfiguration {
	if p.Defaults.ArchiveMonth == 0 {
		return BuiltinDefaults()
	}
	return p.Defaults
}

func (p Provider) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

// AutoDefault is the auto transition flag applied when no level sets one.
func (p Provider) AutoDefault() bool {
	return p.defaults().AutoTransitionsEnabled
}

// Effective returns the resolved configuration for a project.
func (p Provider) Effective(ctx context.Context, projectID string) (domain.PhaseConfiguration, error) {
	proj, err := p.Repo.GetProject(ctx, projectID)
	if err != nil {
		return domain.PhaseConfiguration{}, domain.Persistence("get project", err)
	}
	return p.Resolve(ctx, proj.OrgID, projectID)
}

// Zones are the candidates of the timezone resolution chain.
type Zones struct {
	Project *string
	// Inherited is the organization timezone, else the workspace default.
	Inherited *string
}

// Resolve is Effective for callers that already know the organization.
func (p Provider) Resolve(ctx context.Context, orgID, projectID string) (domain.PhaseConfiguration, error) {
	cfg, _, err := p.ResolveWithZones(ctx, orgID, projectID)
	return cfg, err
}

// ResolveWithZones also returns the raw timezone candidates, so that an
// unusable project zone can still fall back to the inherited one.
func (p Provider) ResolveWithZones(ctx context.Context, orgID, projectID string) (domain.PhaseConfiguration, Zones, error) {
	projPatch, err := p.Repo.GetProjectPhaseConfig(ctx, projectID)
	if err != nil {
		return domain.PhaseConfiguration{}, Zones{}, domain.Persistence("get project phase config", err)
	}
	orgPatch, err := p.Repo.GetOrgPhaseConfig(ctx, orgID)
	if err != nil {
		return domain.PhaseConfiguration{}, Zones{}, domain.Persistence("get org phase config", err)
	}
	def := p.defaults()
	zones := Zones{Project: projPatch.Timezone}
	inherited := resolve(def, orgPatch, domain.PhaseConfigPatch{})
	if inherited.Timezone != "" {
		name := inherited.Timezone
		zones.Inherited = &name
	}
	return resolve(def, orgPatch, projPatch), zones, nil
}

// Organization returns the configuration an organization's projects inherit.
func (p Provider) Organization(ctx context.Context, orgID string) (domain.PhaseConfiguration, error) {
	if err := p.requireOrg(ctx, orgID); err != nil {
		return domain.PhaseConfiguration{}, err
	}
	orgPatch, err := p.Repo.GetOrgPhaseConfig(ctx, orgID)
	if err != nil {
		return domain.PhaseConfiguration{}, domain.Persistence("get org phase config", err)
	}
	return resolve(p.defaults(), orgPatch, domain.PhaseConfigPatch{}), nil
}

// ProjectOverrides returns only what the project itself sets.
func (p Provider) ProjectOverrides(ctx context.Context, projectID string) (domain.PhaseConfigPatch, error) {
	patch, err := p.Repo.GetProjectPhaseConfig(ctx, projectID)
	return patch, domain.Persistence("get project phase config", err)
}

// SetProject merges patch into the project's overrides. An empty Timezone
// clears the project's own timezone.
func (p Provider) SetProject(ctx context.Context, projectID string, patch domain.PhaseConfigPatch, actor string) (domain.PhaseConfiguration, error) {
	if err := ValidatePatch(patch); err != nil {
		return domain.PhaseConfiguration{}, err
	}
	proj, err := p.Repo.GetProject(ctx, projectID)
	if err != nil {
		return domain.PhaseConfiguration{}, domain.Persistence("get project", err)
	}
	current, err := p.Repo.GetProjectPhaseConfig(ctx, projectID)
	if err != nil {
		return domain.PhaseConfiguration{}, domain.Persistence("get project phase config", err)
	}
	orgPatch, err := p.Repo.GetOrgPhaseConfig(ctx, proj.OrgID)
	if err != nil {
		return domain.PhaseConfiguration{}, domain.Persistence("get org phase config", err)
	}
	merged := Merge(current, patch)
	effective := resolve(p.defaults(), orgPatch, merged)
	if err := validateArchiveDate(effective); err != nil {
		return domain.PhaseConfiguration{}, err
	}
	err = p.write(ctx, projectID, "project", projectID, actor, patch, func(tx *sql.Tx, now string) error {
		return p.Repo.PutProjectPhaseConfigTx(ctx, tx, projectID, merged, actor, now)
	})
	if err != nil {
		return domain.PhaseConfiguration{}, err
	}
	return effective, nil
}

// ResetProject drops every project override except the project's timezone.
func (p Provider) ResetProject(ctx context.Context, projectID, actor string) (domain.PhaseConfiguration, error) {
	current, err := p.Repo.GetProjectPhaseConfig(ctx, projectID)
	if err != nil {
		return domain.PhaseConfiguration{}, domain.Persistence("get project phase config", err)
	}
	cleared := domain.PhaseConfigPatch{Timezone: current.Timezone}
	err = p.write(ctx, projectID, "project", projectID, actor, domain.PhaseConfigPatch{}, func(tx *sql.Tx, now string) error {
		return p.Repo.PutProjectPhaseConfigTx(ctx, tx, projectID, cleared, actor, now)
	})
	if err != nil {
		return domain.PhaseConfiguration{}, err
	}
	return p.Effective(ctx, projectID)
}

// SetOrganization merges patch into the organization defaults.
func (p Provider) SetOrganization(ctx context.Context, orgID string, patch domain.PhaseConfigPatch, actor string) (domain.PhaseConfiguration, error) {
	if err := ValidatePatch(patch); err != nil {
		return domain.PhaseConfiguration{}, err
	}
	if err := p.requireOrg(ctx, orgID); err != nil {
		return domain.PhaseConfiguration{}, err
	}
	current, err := p.Repo.GetOrgPhaseConfig(ctx, orgID)
	if err != nil {
		return domain.PhaseConfiguration{}, domain.Persistence("get org phase config", err)
	}
	merged := Merge(current, patch)
	effective := resolve(p.defaults(), merged, domain.PhaseConfigPatch{})
	if err := validateArchiveDate(effective); err != nil {
		return domain.PhaseConfiguration{}, err
	}
	err = p.write(ctx, "", "organization", orgID, actor, patch, func(tx *sql.Tx, now string) error {
		return p.Repo.PutOrgPhaseConfigTx(ctx, tx, orgID, merged, actor, now)
	})
	if err != nil {
		return domain.PhaseConfiguration{}, err
	}
	return effective, nil
}

func (p Provider) write(ctx context.Context, projectID, scope, entityID, actor string, patch domain.PhaseConfigPatch, put func(*sql.Tx, string) error) error {
	if strings.TrimSpace(actor) == "" {
		return &domain.ValidationError{Field: "actor", Message: "actor is required"}
	}
	tx, err := p.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Persistence("begin config write", err)
	}
	defer tx.Rollback()
	now := p.now().UTC().Format(time.RFC3339)
	if err := put(tx, now); err != nil {
		return domain.Persistence("write phase config", err)
	}
	if err := p.Events.Append(ctx, tx, events.PhaseConfigUpdated, projectID, scope, entityID, actor, events.EventPayload{
		"scope":   scope,
		"changes": patch,
	}); err != nil {
		return domain.Persistence("append config event", err)
	}
	return domain.Persistence("commit config write", tx.Commit())
}

func (p Provider) requireOrg(ctx context.Context, orgID string) error {
	ok, err := p.Repo.OrgExists(ctx, orgID)
	if err != nil {
		return domain.Persistence("get organization", err)
	}
	if !ok {
		return &domain.NotFoundError{Kind: "organization", ID: orgID}
	}
	return nil
}

// Merge overlays the non-nil fields of patch on base.
func Merge(base, patch domain.PhaseConfigPatch) domain.PhaseConfigPatch {
	out := base
	if patch.ArchiveMonth != nil {
		out.ArchiveMonth = patch.ArchiveMonth
	}
	if patch.ArchiveDay != nil {
		out.ArchiveDay = patch.ArchiveDay
	}
	if patch.PostShowTransitionHour != nil {
		out.PostShowTransitionHour = patch.PostShowTransitionHour
	}
	if patch.AutoTransitionsEnabled != nil {
		out.AutoTransitionsEnabled = patch.AutoTransitionsEnabled
	}
	if patch.Timezone != nil {
		out.Timezone = patch.Timezone
		if strings.TrimSpace(*patch.Timezone) == "" {
			out.Timezone = nil
		}
	}
	return out
}

// ValidatePatch checks each field in isolation.
func ValidatePatch(patch domain.PhaseConfigPatch) error {
	if patch.ArchiveMonth != nil && (*patch.ArchiveMonth < 1 || *patch.ArchiveMonth > 12) {
		return &domain.ValidationError{Field: FieldArchiveMonth, Message: fmt.Sprintf("must be 1-12, got %d", *patch.ArchiveMonth)}
	}
	if patch.ArchiveDay != nil && (*patch.ArchiveDay < 1 || *patch.ArchiveDay > 31) {
		return &domain.ValidationError{Field: FieldArchiveDay, Message: fmt.Sprintf("must be 1-31, got %d", *patch.ArchiveDay)}
	}
	if patch.PostShowTransitionHour != nil && (*patch.PostShowTransitionHour < 0 || *patch.PostShowTransitionHour > 23) {
		return &domain.ValidationError{Field: FieldPostShowTransitionHour, Message: fmt.Sprintf("must be 0-23, got %d", *patch.PostShowTransitionHour)}
	}
	if patch.Timezone != nil {
		if name := strings.TrimSpace(*patch.Timezone); name != "" {
			if _, err := tz.LoadLocation(name); err != nil {
				return &domain.ValidationError{Field: FieldTimezone, Message: fmt.Sprintf("unknown timezone %q", name)}
			}
		}
	}
	return nil
}

// validateArchiveDate allows Feb 29, which ArchiveDate clamps in common years.
func validateArchiveDate(c domain.PhaseConfiguration) error {
	if last := domain.DaysIn(c.ArchiveMonth, 2024); c.ArchiveDay > last {
		return &domain.ValidationError{
			Field:   FieldArchiveDay,
			Message: fmt.Sprintf("day %d does not exist in %s", c.ArchiveDay, c.ArchiveMonth),
		}
	}
	return nil
}

func resolve(def domain.PhaseConfiguration, org, proj domain.PhaseConfigPatch) domain.PhaseConfiguration {
	out := domain.PhaseConfiguration{Sources: map[string]domain.ConfigSource{}}
	pickInt := func(field string, projV, orgV *int, defV int) int {
		switch {
		case projV != nil:
			out.Sources[field] = domain.SourceProject
			return *projV
		case orgV != nil:
			out.Sources[field] = domain.SourceOrganization
			return *orgV
		default:
			out.Sources[field] = domain.SourceDefault
			return defV
		}
	}
	out.ArchiveMonth = time.Month(pickInt(FieldArchiveMonth, proj.ArchiveMonth, org.ArchiveMonth, int(def.ArchiveMonth)))
	out.ArchiveDay = pickInt(FieldArchiveDay, proj.ArchiveDay, org.ArchiveDay, def.ArchiveDay)
	out.PostShowTransitionHour = pickInt(FieldPostShowTransitionHour, proj.PostShowTransitionHour, org.PostShowTransitionHour, def.PostShowTransitionHour)

	switch {
	case proj.AutoTransitionsEnabled != nil:
		out.AutoTransitionsEnabled = *proj.AutoTransitionsEnabled
		out.Sources[FieldAutoTransitionsEnabled] = domain.SourceProject
	case org.AutoTransitionsEnabled != nil:
		out.AutoTransitionsEnabled = *org.AutoTransitionsEnabled
		out.Sources[FieldAutoTransitionsEnabled] = domain.SourceOrganization
	default:
		out.AutoTransitionsEnabled = def.AutoTransitionsEnabled
		out.Sources[FieldAutoTransitionsEnabled] = domain.SourceDefault
	}

	switch {
	case proj.Timezone != nil && strings.TrimSpace(*proj.Timezone) != "":
		out.Timezone = strings.TrimSpace(*proj.Timezone)
		out.Sources[FieldTimezone] = domain.SourceProject
	case org.Timezone != nil && strings.TrimSpace(*org.Timezone) != "":
		out.Timezone = strings.TrimSpace(*org.Timezone)
		out.Sources[FieldTimezone] = domain.SourceOrganization
	default:
		out.Timezone = def.Timezone
		out.Sources[FieldTimezone] = domain.SourceDefault
	}
	return out
}
