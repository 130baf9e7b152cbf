package tz

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"callsheet/internal/domain"
)

func mustLoad(t *testing.T, name string) *time.Location {
	t.Helper()
	loc, err := LoadLocation(name)
	require.NoError(t, err)
	return loc
}

func strPtr(s string) *string { return &s }

func TestComputeGateInstant_SpringForwardDayMidnight(t *testing.T) {
	ny := mustLoad(t, "America/New_York")
	gate := ComputeGateInstant(domain.NewDate(2024, time.March, 10), Midnight, ny)

	assert.Equal(t, time.Date(2024, time.March, 10, 5, 0, 0, 0, time.UTC), gate.UTC())
	assert.False(t, IsDue(gate, time.Date(2024, time.March, 10, 4, 59, 59, 0, time.UTC)))
	assert.True(t, IsDue(gate, time.Date(2024, time.March, 10, 5, 0, 0, 0, time.UTC)))
}

func TestComputeGateInstant_GapResolvesToTransition(t *testing.T) {
	ny := mustLoad(t, "America/New_York")
	gate := ComputeGateInstant(domain.NewDate(2024, time.March, 10), WallClock{Hour: 2, Minute: 30}, ny)

	assert.Equal(t, time.Date(2024, time.March, 10, 7, 0, 0, 0, time.UTC), gate.UTC())
	assert.Equal(t, 3, gate.Hour())
}

func TestComputeGateInstant_MidnightGap(t *testing.T) {
	// Brazil started DST at local midnight in 2018, so 00:00 on that day never happened.
	sp := mustLoad(t, "America/Sao_Paulo")
	gate := ComputeGateInstant(domain.NewDate(2018, time.November, 4), Midnight, sp)

	assert.Equal(t, time.Date(2018, time.November, 4, 3, 0, 0, 0, time.UTC), gate.UTC())
	assert.Equal(t, 1, gate.Hour())
}

func TestComputeGateInstant_FallBackTakesFirstOccurrence(t *testing.T) {
	ny := mustLoad(t, "America/New_York")
	gate := ComputeGateInstant(domain.NewDate(2024, time.November, 3), WallClock{Hour: 1, Minute: 30}, ny)

	assert.Equal(t, time.Date(2024, time.November, 3, 5, 30, 0, 0, time.UTC), gate.UTC())
	name, _ := gate.Zone()
	assert.Equal(t, "EDT", name)
}

func TestComputeGateInstant_UsesSeasonalOffset(t *testing.T) {
	ny := mustLoad(t, "America/New_York")
	winter := ComputeGateInstant(domain.NewDate(2024, time.January, 15), WallClock{Hour: 6}, ny)
	summer := ComputeGateInstant(domain.NewDate(2024, time.July, 15), WallClock{Hour: 6}, ny)

	assert.Equal(t, 11, winter.UTC().Hour())
	assert.Equal(t, 10, summer.UTC().Hour())
}

func TestComputeGateInstant_NilLocationIsUTC(t *testing.T) {
	gate := ComputeGateInstant(domain.NewDate(2025, time.June, 1), WallClock{Hour: 6}, nil)
	assert.Equal(t, time.Date(2025, time.June, 1, 6, 0, 0, 0, time.UTC), gate)
}

func TestResolveTimezone_Chain(t *testing.T) {
	var s Service

	res := s.ResolveTimezone("p1", strPtr("Europe/London"), strPtr("America/Chicago"))
	assert.Equal(t, "Europe/London", res.Name)
	assert.Equal(t, domain.SourceProject, res.Source)
	assert.Nil(t, res.Warning)

	res = s.ResolveTimezone("p1", nil, strPtr("America/Chicago"))
	assert.Equal(t, "America/Chicago", res.Name)
	assert.Equal(t, domain.SourceOrganization, res.Source)
	assert.Nil(t, res.Warning)

	res = s.ResolveTimezone("p1", nil, nil)
	assert.Equal(t, UTC, res.Name)
	assert.Equal(t, time.UTC, res.Location)
	require.NotNil(t, res.Warning)
	assert.Equal(t, UTC, res.Warning.Fallback)
}

func TestResolveTimezone_InvalidIsReportedNotThrown(t *testing.T) {
	var s Service

	res := s.ResolveTimezone("p1", strPtr("Mars/Olympus_Mons"), strPtr("Asia/Tokyo"))
	assert.Equal(t, "Asia/Tokyo", res.Name)
	require.NotNil(t, res.Warning)
	assert.Equal(t, "Mars/Olympus_Mons", res.Warning.Requested)
	assert.Equal(t, "Asia/Tokyo", res.Warning.Fallback)

	res = s.ResolveTimezone("p1", strPtr("Local"), strPtr("nope"))
	assert.Equal(t, UTC, res.Name)
	require.NotNil(t, res.Warning)
	assert.Equal(t, UTC, res.Warning.Fallback)
}

func TestLocalDate(t *testing.T) {
	tokyo := mustLoad(t, "Asia/Tokyo")
	instant := time.Date(2024, time.December, 31, 16, 0, 0, 0, time.UTC)
	assert.Equal(t, domain.NewDate(2025, time.January, 1), LocalDate(instant, tokyo))
	assert.Equal(t, domain.NewDate(2024, time.December, 31), LocalDate(instant, nil))
}

// For any local date and wall time, the gate either shows exactly that wall
// time locally, or the wall time was skipped and the gate is the first instant
// after the gap.
func TestPropertyGateInstantMatchesWallClock(t *testing.T) {
	zones := []string{"America/New_York", "Europe/Berlin", "Australia/Sydney", "America/Sao_Paulo", "Asia/Kolkata", "UTC"}
	rapid.Check(t, func(rt *rapid.T) {
		loc, err := LoadLocation(rapid.SampledFrom(zones).Draw(rt, "zone"))
		if err != nil {
			rt.Fatalf("load zone: %v", err)
		}
		start := time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)
		day := start.AddDate(0, 0, rapid.IntRange(0, 365*40).Draw(rt, "day"))
		date := domain.NewDate(day.Year(), day.Month(), day.Day())
		wall := WallClock{Hour: rapid.IntRange(0, 23).Draw(rt, "hour"), Minute: rapid.IntRange(0, 59).Draw(rt, "minute")}

		gate := ComputeGateInstant(date, wall, loc)
		again := ComputeGateInstant(date, wall, loc)
		if !gate.Equal(again) {
			rt.Fatalf("non-deterministic gate: %s vs %s", gate, again)
		}

		local := gate.In(loc)
		requested := time.Date(date.Year, date.Month, date.Day, wall.Hour, wall.Minute, 0, 0, time.UTC)
		shown := time.Date(local.Year(), local.Month(), local.Day(), local.Hour(), local.Minute(), 0, 0, time.UTC)
		if shown.Equal(requested) {
			return
		}
		if shown.Before(requested) || shown.Sub(requested) > 2*time.Hour {
			rt.Fatalf("gate %s shows %s for requested %s", gate, shown, requested)
		}
		if start, _ := local.ZoneBounds(); !start.Equal(gate) {
			rt.Fatalf("skipped wall time %s did not resolve to a zone transition (gate %s, zone start %s)", requested, gate, start)
		}
	})
}
