// Package tz resolves project timezones and turns local calendar rules into
// absolute instants. Zone data is embedded so gate instants do not depend on the
// host's zoneinfo installation.
package tz

import (
	"errors"
	"log/slog"
	"strings"
	"time"
	_ "time/tzdata"

	"callsheet/internal/domain"
)

// UTC is the final fallback of the resolution chain.
const UTC = "UTC"

// WallClock is a local time of day.
type WallClock struct {
	Hour   int
	Minute int
}

// Midnight is 00:00 local.
var Midnight = WallClock{}

// Resolution is the outcome of ResolveTimezone.
type Resolution struct {
	Name     string
	Location *time.Location
	Source   domain.ConfigSource
	// Warning is set when a configured zone was unusable or nothing was
	// configured. It is informational only.
	Warning *domain.TimezoneResolutionError
}

// Service resolves timezones. The zero value is usable.
type Service struct {
	Logger *slog.Logger
}

func (s Service) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// ResolveTimezone applies project override -> organization default -> UTC.
// Unusable entries are skipped and reported, never returned as errors.
func (s Service) ResolveTimezone(projectID string, projectTZ, orgTZ *string) Resolution {
	var warning *domain.TimezoneResolutionError
	steps := []struct {
		value  *string
		source domain.ConfigSource
	}{
		{projectTZ, domain.SourceProject},
		{orgTZ, domain.SourceOrganization},
	}
	for _, step := range steps {
		if step.value == nil || strings.TrimSpace(*step.value) == "" {
			continue
		}
		name := strings.TrimSpace(*step.value)
		loc, err := LoadLocation(name)
		if err != nil {
			if warning == nil {
				warning = &domain.TimezoneResolutionError{Requested: name, Source: string(step.source), Err: err}
			}
			continue
		}
		if warning != nil {
			warning.Fallback = name
			s.logger().Warn("timezone fallback", "project_id", projectID, "warning", warning.Error())
		}
		return Resolution{Name: name, Location: loc, Source: step.source, Warning: warning}
	}
	if warning == nil {
		warning = &domain.TimezoneResolutionError{}
	}
	warning.Fallback = UTC
	s.logger().Warn("timezone fallback", "project_id", projectID, "warning", warning.Error())
	return Resolution{Name: UTC, Location: time.UTC, Source: domain.SourceDefault, Warning: warning}
}

// LoadLocation loads an IANA zone. "Local" is rejected since it depends on the host.
func LoadLocation(name string) (*time.Location, error) {
	if name == "" || strings.EqualFold(name, "local") {
		return nil, errors.New("timezone must be an IANA name")
	}
	return time.LoadLocation(name)
}

// ComputeGateInstant converts a local date and wall-clock time in loc into an
// absolute instant using the offset actually in force at that local time.
// A wall time inside a spring-forward gap resolves to the first instant after
// the gap; a wall time repeated by a fall-back resolves to its first occurrence.
func ComputeGateInstant(date domain.Date, wall WallClock, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	naive := time.Date(date.Year, date.Month, date.Day, wall.Hour, wall.Minute, 0, 0, time.UTC)
	before := offsetAt(naive.Add(-36*time.Hour), loc)
	after := offsetAt(naive.Add(36*time.Hour), loc)

	var best time.Time
	for _, off := range []int{before, after} {
		candidate := naive.Add(-time.Duration(off) * time.Second)
		if !sameWallClock(candidate.In(loc), naive) {
			continue
		}
		if best.IsZero() || candidate.Before(best) {
			best = candidate
		}
	}
	if !best.IsZero() {
		return best.In(loc)
	}
	// Skipped wall time: read it with the pre-transition offset, which lands
	// after the transition, then snap back to the start of that zone period.
	probe := naive.Add(-time.Duration(before) * time.Second).In(loc)
	if start, _ := probe.ZoneBounds(); !start.IsZero() && start.Before(probe) {
		return start.In(loc)
	}
	return probe
}

// IsDue reports whether now has reached the gate.
func IsDue(gate, now time.Time) bool {
	return !now.Before(gate)
}

// LocalDate returns the calendar date of instant in loc.
func LocalDate(instant time.Time, loc *time.Location) domain.Date {
	if loc == nil {
		loc = time.UTC
	}
	local := instant.In(loc)
	return domain.NewDate(local.Year(), local.Month(), local.Day())
}

func offsetAt(t time.Time, loc *time.Location) int {
	_, off := t.In(loc).Zone()
	return off
}

func sameWallClock(local, naive time.Time) bool {
	return local.Year() == naive.Year() &&
		local.Month() == naive.Month() &&
		local.Day() == naive.Day() &&
		local.Hour() == naive.Hour() &&
		local.Minute() == naive.Minute()
}
