package settings

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"callsheet/internal/db"
	"callsheet/internal/domain"
	"callsheet/internal/events"
	"callsheet/internal/migrate"
	"callsheet/internal/repo"
)

func intPtr(v int) *int       { return &v }
func boolPtr(v bool) *bool    { return &v }
func strPtr(v string) *string { return &v }

func newProvider(t *testing.T) (Provider, context.Context) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	ctx := context.Background()
	r := repo.Repo{DB: conn}
	now := time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC)
	require.NoError(t, r.EnsureOrg(ctx, nil, "org-1", "Org One", now.Format(time.RFC3339)))
	require.NoError(t, r.InsertProjectTx(ctx, nil, domain.Project{ID: "p1", OrgID: "org-1", Name: "Gala", CreatedAt: now}))

	clock := func() time.Time { return now }
	return Provider{
		DB:       conn,
		Repo:     r,
		Events:   events.Writer{DB: conn, Now: clock},
		Defaults: BuiltinDefaults(),
		Now:      clock,
	}, ctx
}

func TestEffective_DefaultsWhenNothingSet(t *testing.T) {
	p, ctx := newProvider(t)

	cfg, err := p.Effective(ctx, "p1")
	require.NoError(t, err)

	assert.Equal(t, time.April, cfg.ArchiveMonth)
	assert.Equal(t, 1, cfg.ArchiveDay)
	assert.Equal(t, 6, cfg.PostShowTransitionHour)
	assert.True(t, cfg.AutoTransitionsEnabled)
	assert.Empty(t, cfg.Timezone)
	for field, src := range cfg.Sources {
		assert.Equal(t, domain.SourceDefault, src, field)
	}
}

func TestEffective_ProjectOverridesOrganization(t *testing.T) {
	p, ctx := newProvider(t)

	_, err := p.SetOrganization(ctx, "org-1", domain.PhaseConfigPatch{
		PostShowTransitionHour: intPtr(8),
		Timezone:               strPtr("Europe/London"),
		AutoTransitionsEnabled: boolPtr(false),
	}, "admin")
	require.NoError(t, err)
	_, err = p.SetProject(ctx, "p1", domain.PhaseConfigPatch{PostShowTransitionHour: intPtr(5)}, "admin")
	require.NoError(t, err)

	cfg, err := p.Effective(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.PostShowTransitionHour)
	assert.Equal(t, domain.SourceProject, cfg.Sources[FieldPostShowTransitionHour])
	assert.Equal(t, "Europe/London", cfg.Timezone)
	assert.Equal(t, domain.SourceOrganization, cfg.Sources[FieldTimezone])
	assert.False(t, cfg.AutoTransitionsEnabled)
	assert.Equal(t, domain.SourceOrganization, cfg.Sources[FieldAutoTransitionsEnabled])
	assert.Equal(t, domain.SourceDefault, cfg.Sources[FieldArchiveMonth])
}

func TestSetProject_MergesSuccessivePatches(t *testing.T) {
	p, ctx := newProvider(t)

	_, err := p.SetProject(ctx, "p1", domain.PhaseConfigPatch{ArchiveMonth: intPtr(6)}, "admin")
	require.NoError(t, err)
	cfg, err := p.SetProject(ctx, "p1", domain.PhaseConfigPatch{ArchiveDay: intPtr(15)}, "admin")
	require.NoError(t, err)

	assert.Equal(t, time.June, cfg.ArchiveMonth)
	assert.Equal(t, 15, cfg.ArchiveDay)
}

func TestSetProject_Validation(t *testing.T) {
	p, ctx := newProvider(t)

	cases := map[string]domain.PhaseConfigPatch{
		FieldArchiveMonth:           {ArchiveMonth: intPtr(13)},
		FieldPostShowTransitionHour: {PostShowTransitionHour: intPtr(24)},
		FieldTimezone:               {Timezone: strPtr("Mars/Olympus_Mons")},
		// April has 30 days.
		FieldArchiveDay: {ArchiveDay: intPtr(31)},
	}
	for field, patch := range cases {
		_, err := p.SetProject(ctx, "p1", patch, "admin")
		var ve *domain.ValidationError
		require.ErrorAs(t, err, &ve, field)
		assert.Equal(t, field, ve.Field)
	}

	cfg, err := p.SetProject(ctx, "p1", domain.PhaseConfigPatch{ArchiveMonth: intPtr(2), ArchiveDay: intPtr(29)}, "admin")
	require.NoError(t, err)
	assert.Equal(t, domain.NewDate(2025, time.February, 28), cfg.ArchiveDate(2025))
	assert.Equal(t, domain.NewDate(2028, time.February, 29), cfg.ArchiveDate(2028))
}

func TestSetProject_EmptyTimezoneClears(t *testing.T) {
	p, ctx := newProvider(t)

	cfg, err := p.SetProject(ctx, "p1", domain.PhaseConfigPatch{Timezone: strPtr("America/Chicago")}, "admin")
	require.NoError(t, err)
	require.Equal(t, "America/Chicago", cfg.Timezone)

	proj, err := p.Repo.GetProject(ctx, "p1")
	require.NoError(t, err)
	require.NotNil(t, proj.Timezone)

	cfg, err = p.SetProject(ctx, "p1", domain.PhaseConfigPatch{Timezone: strPtr("")}, "admin")
	require.NoError(t, err)
	assert.Empty(t, cfg.Timezone)
	assert.Equal(t, domain.SourceDefault, cfg.Sources[FieldTimezone])
}

func TestResetProject_KeepsTimezone(t *testing.T) {
	p, ctx := newProvider(t)

	_, err := p.SetProject(ctx, "p1", domain.PhaseConfigPatch{
		ArchiveMonth: intPtr(9),
		Timezone:     strPtr("Asia/Tokyo"),
	}, "admin")
	require.NoError(t, err)

	cfg, err := p.ResetProject(ctx, "p1", "admin")
	require.NoError(t, err)
	assert.Equal(t, time.April, cfg.ArchiveMonth)
	assert.Equal(t, "Asia/Tokyo", cfg.Timezone)
}

func TestSetOrganization_UnknownOrg(t *testing.T) {
	p, ctx := newProvider(t)

	_, err := p.SetOrganization(ctx, "nope", domain.PhaseConfigPatch{ArchiveDay: intPtr(2)}, "admin")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestConfigWritesAppendEvents(t *testing.T) {
	p, ctx := newProvider(t)

	_, err := p.SetProject(ctx, "p1", domain.PhaseConfigPatch{ArchiveDay: intPtr(2)}, "admin")
	require.NoError(t, err)
	_, err = p.SetOrganization(ctx, "org-1", domain.PhaseConfigPatch{ArchiveDay: intPtr(3)}, "admin")
	require.NoError(t, err)

	evts, err := p.Repo.LatestEventsFrom(ctx, 10, 0, "", events.PhaseConfigUpdated)
	require.NoError(t, err)
	require.Len(t, evts, 2)
	assert.Equal(t, "organization", evts[0].EntityKind)
	assert.Equal(t, "p1", evts[1].ProjectID)
}

func TestSetProject_RequiresActor(t *testing.T) {
	p, ctx := newProvider(t)

	_, err := p.SetProject(ctx, "p1", domain.PhaseConfigPatch{ArchiveDay: intPtr(2)}, " ")
	var ve *domain.ValidationError
	assert.ErrorAs(t, err, &ve)
}

func genOptInt(lo, hi int) *rapid.Generator[*int] {
	return rapid.Custom(func(t *rapid.T) *int {
		if !rapid.Bool().Draw(t, "set") {
			return nil
		}
		v := rapid.IntRange(lo, hi).Draw(t, "v")
		return &v
	})
}

func genPatch() *rapid.Generator[domain.PhaseConfigPatch] {
	return rapid.Custom(func(t *rapid.T) domain.PhaseConfigPatch {
		var p domain.PhaseConfigPatch
		p.ArchiveMonth = genOptInt(1, 12).Draw(t, "month")
		p.ArchiveDay = genOptInt(1, 28).Draw(t, "day")
		p.PostShowTransitionHour = genOptInt(0, 23).Draw(t, "hour")
		if rapid.Bool().Draw(t, "auto_set") {
			v := rapid.Bool().Draw(t, "auto")
			p.AutoTransitionsEnabled = &v
		}
		if rapid.Bool().Draw(t, "tz_set") {
			v := rapid.SampledFrom([]string{"UTC", "America/New_York", "Europe/Paris"}).Draw(t, "tz")
			p.Timezone = &v
		}
		return p
	})
}

func TestPropertyResolveFollowsPrecedence(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		org := genPatch().Draw(t, "org")
		proj := genPatch().Draw(t, "proj")
		cfg := resolve(BuiltinDefaults(), org, proj)

		wantSource := func(projSet, orgSet bool) domain.ConfigSource {
			switch {
			case projSet:
				return domain.SourceProject
			case orgSet:
				return domain.SourceOrganization
			default:
				return domain.SourceDefault
			}
		}
		if cfg.Sources[FieldArchiveMonth] != wantSource(proj.ArchiveMonth != nil, org.ArchiveMonth != nil) {
			t.Fatalf("archive_month source %s", cfg.Sources[FieldArchiveMonth])
		}
		if cfg.Sources[FieldPostShowTransitionHour] != wantSource(proj.PostShowTransitionHour != nil, org.PostShowTransitionHour != nil) {
			t.Fatalf("hour source %s", cfg.Sources[FieldPostShowTransitionHour])
		}
		if cfg.Sources[FieldTimezone] != wantSource(proj.Timezone != nil, org.Timezone != nil) {
			t.Fatalf("timezone source %s", cfg.Sources[FieldTimezone])
		}
		if proj.ArchiveDay != nil && cfg.ArchiveDay != *proj.ArchiveDay {
			t.Fatalf("project day %d not applied, got %d", *proj.ArchiveDay, cfg.ArchiveDay)
		}
		if proj.ArchiveDay == nil && org.ArchiveDay != nil && cfg.ArchiveDay != *org.ArchiveDay {
			t.Fatalf("org day %d not applied, got %d", *org.ArchiveDay, cfg.ArchiveDay)
		}
	})
}
